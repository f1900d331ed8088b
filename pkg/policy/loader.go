package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Loader reads bundle files from a directory into a Store. Bundles ship
// as .json or .yaml files; signature verification happens in the store.
type Loader struct {
	dir    string
	store  *Store
	logger *slog.Logger
}

// NewLoader creates a loader for the given directory.
func NewLoader(dir string, store *Store, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{dir: dir, store: store, logger: logger}
}

// LoadAll loads every bundle file in the directory. Files that fail
// verification or compilation abort the load; a partially trusted
// policy set is worse than none.
func (l *Loader) LoadAll() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("policy: read dir %s: %w", l.dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		if err := l.LoadFile(filepath.Join(l.dir, entry.Name())); err != nil {
			return fmt.Errorf("policy: load %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// LoadFile loads a single bundle file into the store.
func (l *Loader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	var bundle Bundle
	switch filepath.Ext(path) {
	case ".json":
		if err := json.Unmarshal(data, &bundle); err != nil {
			return fmt.Errorf("parse bundle: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &bundle); err != nil {
			return fmt.Errorf("parse bundle: %w", err)
		}
	}
	if bundle.Name == "" {
		bundle.Name = filepath.Base(path)
	}

	snap, err := l.store.Load(&bundle)
	if err != nil {
		return err
	}
	l.logger.Info("policy bundle loaded",
		"name", snap.Name,
		"version", snap.Version,
		"hash", snap.Hash,
		"rules", len(snap.rules),
	)
	return nil
}
