package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/provenact/provenact/pkg/archive"
	"github.com/provenact/provenact/pkg/audit"
	"github.com/provenact/provenact/pkg/canonicalize"
	"github.com/provenact/provenact/pkg/config"
	"github.com/provenact/provenact/pkg/contracts"
	"github.com/provenact/provenact/pkg/estimator"
	"github.com/provenact/provenact/pkg/governor"
	"github.com/provenact/provenact/pkg/identity"
	"github.com/provenact/provenact/pkg/limits"
	"github.com/provenact/provenact/pkg/observability"
	"github.com/provenact/provenact/pkg/orchestrator"
	"github.com/provenact/provenact/pkg/override"
	"github.com/provenact/provenact/pkg/policy"
	"github.com/provenact/provenact/pkg/receipt"
	"github.com/provenact/provenact/pkg/replay"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}
	switch args[1] {
	case "submit":
		return runSubmit(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "replay":
		return runReplay(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "override":
		return runOverride(args[2:], stdout, stderr)
	case "bundles":
		return runBundles(args[2:], stdout, stderr)
	case "token":
		return runToken(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "provenact - policy-gated action execution with provenance receipts")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  provenact submit  -action <file.json> [-token <jwt>] [-config <file.yaml>]")
	fmt.Fprintln(w, "  provenact verify  -case <case-id> [-config <file.yaml>]")
	fmt.Fprintln(w, "  provenact replay  -run <run-id> -action <file.json> [-envs name:arch,...] [-config <file.yaml>]")
	fmt.Fprintln(w, "  provenact export  -case <case-id> [-config <file.yaml>]")
	fmt.Fprintln(w, "  provenact override -id <override-id> [-approve|-deny] [-reason <text>] -token <jwt> [-config <file.yaml>]")
	fmt.Fprintln(w, "  provenact bundles [-config <file.yaml>]")
	fmt.Fprintln(w, "  provenact token   -subject <id> [-roles a,b] [-config <file.yaml>]")
}

// runtime bundles the wired engine and its backing stores.
type runtime struct {
	cfg       *config.Config
	engine    *orchestrator.Engine
	policies  *policy.Store
	receipts  receipt.Store
	builder   *receipt.Builder
	overrides *override.Workflow
	verifier  *replay.Verifier
	logger    *slog.Logger
}

func buildRuntime(cfgPath string) (*runtime, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.LogLevel)

	var signer *policy.Signer
	if cfg.BundleKey != "" {
		signer = policy.NewSigner([]byte(cfg.BundleKey))
	}
	policies := policy.NewStore(signer, policy.TieBreak(cfg.TieBreak))
	if cfg.BundleDir != "" {
		if err := policy.NewLoader(cfg.BundleDir, policies, logger).LoadAll(); err != nil {
			return nil, err
		}
	}

	outputs, err := buildArchive(cfg)
	if err != nil {
		return nil, err
	}

	registry := governor.NewRegistry()
	wasi, err := governor.NewWasiRunner(context.Background(), outputs, 0)
	if err != nil {
		return nil, err
	}
	registry.Register("wasm", wasi, true)

	gov := governor.New(governor.Config{
		PoolSize:        cfg.PoolSize,
		MonitorInterval: cfg.MonitorInterval,
	}, registry, outputs, logger)

	receiptStore, err := buildReceiptStore(cfg)
	if err != nil {
		return nil, err
	}
	builder := receipt.NewBuilder(receiptStore, logger)

	overrideStore, err := buildOverrideStore(cfg)
	if err != nil {
		return nil, err
	}

	var engine *orchestrator.Engine
	workflow := override.NewWorkflow(logger,
		override.WithStore(overrideStore),
		override.WithQuorum(cfg.OverrideQuorum),
		override.WithSLA(cfg.OverrideSLA),
		override.OnResolve(func(res override.Resolution) {
			if engine != nil {
				engine.ResolveOverride(res)
			}
		}),
	)

	metrics, err := buildMetrics(cfg)
	if err != nil {
		return nil, err
	}

	engine, err = orchestrator.NewEngine(orchestrator.Deps{
		Estimator: estimator.NewLinearEstimator(),
		Policies:  policies,
		Executor:  gov,
		Receipts:  builder,
		Overrides: workflow,
		Limiter:   buildLimiter(cfg, logger),
		Trail:     audit.NewTrail().WithSink(os.Stderr),
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:       cfg,
		engine:    engine,
		policies:  policies,
		receipts:  receiptStore,
		builder:   builder,
		overrides: workflow,
		verifier:  replay.NewVerifier(gov, outputs, cfg.Tolerances, logger),
		logger:    logger,
	}, nil
}

func buildReceiptStore(cfg *config.Config) (receipt.Store, error) {
	switch cfg.ReceiptStore {
	case "sqlite":
		return receipt.OpenSQLite(cfg.SQLitePath)
	case "postgres":
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		store := receipt.NewPostgresStore(db)
		if err := store.Migrate(context.Background()); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return receipt.NewMemoryStore(), nil
	}
}

// buildOverrideStore follows the receipt store selection: pending
// overrides persist whenever receipts do. The postgres receipt backend
// still keeps overrides in the sqlite file; they are single-node state.
func buildOverrideStore(cfg *config.Config) (override.Store, error) {
	if cfg.ReceiptStore == "memory" {
		return override.NewMemoryStore(), nil
	}
	return override.OpenSQLite(cfg.SQLitePath)
}

func buildArchive(cfg *config.Config) (archive.Store, error) {
	if cfg.ArchiveBackend == "s3" {
		return archive.NewS3Store(context.Background(), archive.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
	}
	return archive.NewMemoryStore(), nil
}

func buildMetrics(cfg *config.Config) (*observability.Provider, error) {
	obs := observability.DefaultConfig()
	obs.Enabled = cfg.OTLPEndpoint != ""
	if obs.Enabled {
		obs.OTLPEndpoint = cfg.OTLPEndpoint
	}
	return observability.New(context.Background(), obs)
}

func buildLimiter(cfg *config.Config, logger *slog.Logger) limits.Limiter {
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		return limits.NewRedisLimiter(client, cfg.SubmitLimit, logger)
	}
	return limits.NewLocalLimiter(cfg.SubmitLimit)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runSubmit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file")
	actionPath := fs.String("action", "", "action JSON file")
	token := fs.String("token", "", "signed principal token, overrides the action's proposer")
	timeout := fs.Duration("timeout", 5*time.Minute, "overall submission timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *actionPath == "" {
		fmt.Fprintln(stderr, "submit: -action is required")
		return 2
	}

	rt, err := buildRuntime(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "submit: %v\n", err)
		return 1
	}
	action, err := readAction(*actionPath)
	if err != nil {
		fmt.Fprintf(stderr, "submit: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if *token != "" {
		if rt.cfg.IdentityKey == "" {
			fmt.Fprintln(stderr, "submit: -token requires identity_key in config")
			return 2
		}
		p, err := identity.NewTokenSource([]byte(rt.cfg.IdentityKey)).Resolve(ctx, *token)
		if err != nil {
			fmt.Fprintf(stderr, "submit: %v\n", err)
			return 1
		}
		action.Proposer = p
	}

	status, err := rt.engine.Submit(ctx, action)
	if err != nil {
		fmt.Fprintf(stderr, "submit: %v\n", err)
		return 1
	}
	printJSON(stdout, status)
	if status.State == contracts.StateSealed && status.Decision.Allowed() {
		return 0
	}
	return 3
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file")
	caseID := fs.String("case", "", "case id to verify")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *caseID == "" {
		fmt.Fprintln(stderr, "verify: -case is required")
		return 2
	}

	rt, err := buildRuntime(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	if err := rt.builder.VerifyChain(context.Background(), *caseID); err != nil {
		fmt.Fprintf(stderr, "verify: chain broken: %v\n", err)
		return 1
	}
	chain, err := rt.receipts.ListCase(context.Background(), *caseID)
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "case %s: %d receipts, chain intact\n", *caseID, len(chain))
	return 0
}

func runReplay(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file")
	runID := fs.String("run", "", "run id to replay")
	actionPath := fs.String("action", "", "original action JSON file")
	envsFlag := fs.String("envs", "", "environments as name:arch, comma separated")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *runID == "" || *actionPath == "" {
		fmt.Fprintln(stderr, "replay: -run and -action are required")
		return 2
	}

	rt, err := buildRuntime(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	sealed, err := rt.receipts.Get(context.Background(), *runID)
	if err != nil {
		fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	action, err := readAction(*actionPath)
	if err != nil {
		fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}

	// The provided action must be the one the receipt sealed.
	hash, err := canonicalize.CanonicalHash(action)
	if err != nil {
		fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	if hash != sealed.ActionHash {
		fmt.Fprintf(stderr, "replay: action file does not match receipt (hash %s != %s)\n", hash, sealed.ActionHash)
		return 1
	}

	report, err := rt.verifier.Replay(context.Background(), sealed, action, parseEnvs(*envsFlag))
	if err != nil {
		fmt.Fprintf(stderr, "replay: %v\n", err)
		return 1
	}
	printJSON(stdout, report)
	if report.Verdict == contracts.ReplayPass {
		return 0
	}
	return 3
}

func runBundles(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("bundles", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rt, err := buildRuntime(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "bundles: %v\n", err)
		return 1
	}
	for _, v := range rt.policies.Versions() {
		marker := " "
		if cur := rt.policies.Current(); cur != nil && cur.Version == v {
			marker = "*"
		}
		fmt.Fprintf(stdout, "%s %s\n", marker, v)
	}
	return 0
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file")
	caseID := fs.String("case", "", "case id to export")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *caseID == "" {
		fmt.Fprintln(stderr, "export: -case is required")
		return 2
	}

	rt, err := buildRuntime(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	ctx := context.Background()
	if err := rt.builder.VerifyChain(ctx, *caseID); err != nil {
		fmt.Fprintf(stderr, "export: chain broken: %v\n", err)
		return 1
	}
	chain, err := rt.receipts.ListCase(ctx, *caseID)
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	printJSON(stdout, map[string]any{
		"case_id":  *caseID,
		"receipts": chain,
	})
	return 0
}

// runOverride inspects or votes on a pending override request. Votes
// persist in the override store; the grant takes effect in the process
// holding the pending action.
func runOverride(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("override", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file")
	id := fs.String("id", "", "override request id")
	approve := fs.Bool("approve", false, "cast an approve vote")
	deny := fs.Bool("deny", false, "cast a deny vote")
	reason := fs.String("reason", "", "vote reason")
	token := fs.String("token", "", "signed principal token of the voter")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == "" {
		fmt.Fprintln(stderr, "override: -id is required")
		return 2
	}
	if *approve && *deny {
		fmt.Fprintln(stderr, "override: -approve and -deny are mutually exclusive")
		return 2
	}

	rt, err := buildRuntime(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "override: %v\n", err)
		return 1
	}
	ctx := context.Background()

	if !*approve && !*deny {
		req, err := rt.overrides.Get(ctx, *id)
		if err != nil {
			fmt.Fprintf(stderr, "override: %v\n", err)
			return 1
		}
		printJSON(stdout, req)
		return 0
	}

	if *token == "" {
		fmt.Fprintln(stderr, "override: voting requires -token")
		return 2
	}
	if rt.cfg.IdentityKey == "" {
		fmt.Fprintln(stderr, "override: -token requires identity_key in config")
		return 2
	}
	voter, err := identity.NewTokenSource([]byte(rt.cfg.IdentityKey)).Resolve(ctx, *token)
	if err != nil {
		fmt.Fprintf(stderr, "override: %v\n", err)
		return 1
	}

	var req *contracts.OverrideRequest
	if *approve {
		req, err = rt.overrides.Approve(ctx, *id, voter, *reason)
	} else {
		req, err = rt.overrides.Deny(ctx, *id, voter, *reason)
	}
	if err != nil {
		fmt.Fprintf(stderr, "override: %v\n", err)
		return 1
	}
	printJSON(stdout, req)
	return 0
}

func runToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfgPath := fs.String("config", "", "config file")
	subject := fs.String("subject", "", "principal id")
	roles := fs.String("roles", "", "comma separated roles")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *subject == "" {
		fmt.Fprintln(stderr, "token: -subject is required")
		return 2
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "token: %v\n", err)
		return 1
	}
	if cfg.IdentityKey == "" {
		fmt.Fprintln(stderr, "token: identity_key is not configured")
		return 2
	}
	p := contracts.Principal{ID: *subject}
	if *roles != "" {
		p.Roles = strings.Split(*roles, ",")
	}
	signed, err := identity.NewTokenSource([]byte(cfg.IdentityKey)).MintToken(p)
	if err != nil {
		fmt.Fprintf(stderr, "token: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, signed)
	return 0
}

func readAction(path string) (contracts.Action, error) {
	var action contracts.Action
	data, err := os.ReadFile(path)
	if err != nil {
		return action, fmt.Errorf("read action: %w", err)
	}
	if err := json.Unmarshal(data, &action); err != nil {
		return action, fmt.Errorf("parse action: %w", err)
	}

	// The feature document is validated raw so unknown keys are caught
	// here instead of silently weakening the estimate downstream.
	var raw struct {
		Features map[string]any `json:"features"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return action, fmt.Errorf("parse action: %w", err)
	}
	if raw.Features == nil {
		raw.Features = map[string]any{}
	}
	features, err := estimator.ParseFeatures(raw.Features)
	if err != nil {
		return action, fmt.Errorf("parse action: %w", err)
	}
	action.Features = features
	return action, nil
}

func parseEnvs(s string) []replay.Environment {
	if s == "" {
		return nil
	}
	var envs []replay.Environment
	for _, part := range strings.Split(s, ",") {
		name, arch, _ := strings.Cut(strings.TrimSpace(part), ":")
		envs = append(envs, replay.Environment{Name: name, Arch: arch})
	}
	return envs
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
