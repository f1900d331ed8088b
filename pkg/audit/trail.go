// Package audit records the engine's governance events in an
// append-only, hash-chained trail: submissions, decisions, override
// votes, bundle activations, seals. The trail answers "who did what
// when" without touching receipt chains, and Verify detects any
// after-the-fact edit.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/provenact/provenact/pkg/canonicalize"
)

// EventType categorizes a trail event.
type EventType string

const (
	EventSubmission EventType = "SUBMISSION"
	EventDecision   EventType = "DECISION"
	EventOverride   EventType = "OVERRIDE"
	EventExecution  EventType = "EXECUTION"
	EventSeal       EventType = "SEAL"
	EventBundle     EventType = "BUNDLE"
	EventSystem     EventType = "SYSTEM"
)

// Entry is one immutable trail record.
type Entry struct {
	ID       string         `json:"id"`
	Seq      uint64         `json:"seq"`
	Type     EventType      `json:"type"`
	ActorID  string         `json:"actor_id"`
	Subject  string         `json:"subject"`
	Detail   map[string]any `json:"detail,omitempty"`
	PrevHash string         `json:"prev_hash"`
	Hash     string         `json:"hash"`
	At       time.Time      `json:"at"`
}

const genesisHash = "genesis"

// Trail is the append-only audit log. Entries optionally mirror to a
// JSONL sink as they are appended.
type Trail struct {
	mu      sync.RWMutex
	entries []Entry
	head    string
	clock   func() time.Time
	sink    io.Writer
}

func NewTrail() *Trail {
	return &Trail{head: genesisHash, clock: time.Now}
}

// WithSink mirrors every appended entry to w as one JSON line.
func (t *Trail) WithSink(w io.Writer) *Trail {
	t.sink = w
	return t
}

// WithClock overrides the time source. Test hook.
func (t *Trail) WithClock(clock func() time.Time) *Trail {
	t.clock = clock
	return t
}

// Record appends one event and returns its sealed entry.
func (t *Trail) Record(_ context.Context, eventType EventType, actorID, subject string, detail map[string]any) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := Entry{
		ID:       uuid.NewString(),
		Seq:      uint64(len(t.entries)) + 1,
		Type:     eventType,
		ActorID:  actorID,
		Subject:  subject,
		Detail:   detail,
		PrevHash: t.head,
		At:       t.clock().UTC().Round(0),
	}
	hash, err := entryHash(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: hash entry: %w", err)
	}
	e.Hash = hash

	t.entries = append(t.entries, e)
	t.head = e.Hash

	if t.sink != nil {
		line, err := json.Marshal(e)
		if err == nil {
			_, err = t.sink.Write(append(line, '\n'))
		}
		if err != nil {
			// The in-memory chain is authoritative; a sink failure
			// must not reject the event.
			return e, nil
		}
	}
	return e, nil
}

// Entries returns a copy of the trail, oldest first.
func (t *Trail) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len reports the number of recorded entries.
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Verify recomputes every hash link and reports the first broken entry.
func (t *Trail) Verify() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	prev := genesisHash
	for i, e := range t.entries {
		if e.PrevHash != prev {
			return fmt.Errorf("audit: entry %d: broken chain link", i+1)
		}
		recomputed, err := entryHash(e)
		if err != nil {
			return err
		}
		if recomputed != e.Hash {
			return fmt.Errorf("audit: entry %d: hash mismatch", i+1)
		}
		prev = e.Hash
	}
	return nil
}

func entryHash(e Entry) (string, error) {
	e.Hash = ""
	b, err := canonicalize.JCS(e)
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(b), nil
}
