package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fiscalpilot/core/pkg/actions"
	"github.com/fiscalpilot/core/pkg/audit"
	"github.com/fiscalpilot/core/pkg/autonomy"
	"github.com/fiscalpilot/core/pkg/config"
	"github.com/fiscalpilot/core/pkg/engine"
	"github.com/fiscalpilot/core/pkg/executor"
	"github.com/fiscalpilot/core/pkg/gate"
	"github.com/fiscalpilot/core/pkg/observability"
	"github.com/fiscalpilot/core/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}
	switch args[1] {
	case "run":
		return runExecuteCmd(args[2:], stdout, stderr)
	case "propose":
		return runProposeCmd(args[2:], stdout, stderr)
	case "decide":
		return runDecideCmd(args[2:], stdout, stderr)
	case "rollback":
		return runRollbackCmd(args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: fiscalpilot <run|propose|decide|rollback|audit|verify> [flags]")
}

// pipeline bundles everything a subcommand needs.
type pipeline struct {
	cfg    *config.Config
	store  *store.Store
	log    *audit.Log
	gate   *gate.Gate
	engine *engine.Engine
	otel   *observability.Provider
	logger *slog.Logger
}

func (p *pipeline) close(ctx context.Context) {
	if p.otel != nil {
		_ = p.otel.Shutdown(ctx)
	}
	if p.store != nil {
		_ = p.store.Close()
	}
}

func setup(ctx context.Context, stderr io.Writer) (*pipeline, error) {
	cfg := config.Load()
	logger := newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	var profile *config.AutonomyProfile
	if cfg.ProfilePath != "" {
		var err error
		profile, err = config.LoadProfile(cfg.ProfilePath)
		if err != nil {
			return nil, err
		}
	}

	table := autonomy.RuleTable{}
	gateCfg := gate.Config{
		RequireApproval: cfg.RequireApproval,
		Timeout:         cfg.Timeout(),
	}
	if profile != nil {
		table.Rules = profile.Rules
		table.Default = profile.DefaultLevel
		gateCfg.Approvers = profile.Approvers
		gateCfg.Quorum = profile.Quorum
		if profile.TimeoutHours > 0 {
			gateCfg.Timeout = time.Duration(profile.TimeoutHours) * time.Hour
		}
	}
	resolver, err := autonomy.NewResolver(table)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return nil, err
	}

	entries, err := st.LoadEntries(ctx)
	if err != nil {
		return nil, err
	}
	log := audit.NewLog()
	if err := log.Restore(entries); err != nil {
		return nil, err
	}
	log = log.WithSink(st)

	if _, err := st.Replay(ctx); err != nil {
		return nil, err
	}
	persisted, err := st.ListActions(ctx)
	if err != nil {
		return nil, err
	}

	g := gate.New(gateCfg, resolver, log).
		WithStore(st).
		WithNotifier(gate.NewQueueNotifier())
	g.Restore(persisted)

	registry := executor.NewRegistry(logger)
	registry.Register(executor.NewCategorizationExecutor(logger))
	registry.Register(executor.NewNotificationExecutor(logger))
	registry.Register(executor.NewSubscriptionExecutor(logger))

	otel, err := observability.New(ctx, &observability.Config{
		ServiceName:    "fiscalpilot-core",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return nil, err
	}

	var limiter engine.RateLimiter
	if cfg.RedisAddr != "" {
		limiter = engine.NewRedisLimiter(engine.RedisLimiterConfig{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			PerMinute: cfg.RatePerMinute,
			Burst:     cfg.RateBurst,
		})
	} else {
		limiter = engine.NewLocalLimiter(cfg.RatePerMinute, cfg.RateBurst)
	}

	eng := engine.New(engine.Config{
		DryRun:           cfg.DryRun,
		MaxActionsPerRun: cfg.MaxActionsPerRun,
		Parallelism:      cfg.Parallelism,
	}, g, registry, log, logger).
		WithLimiter(limiter).
		WithMetrics(otel)

	return &pipeline{
		cfg:    cfg,
		store:  st,
		log:    log,
		gate:   g,
		engine: eng,
		otel:   otel,
		logger: logger,
	}, nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
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
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// runExecuteCmd expires overdue approvals, then runs one execution pass and
// prints the summary as JSON.
func runExecuteCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dryRun := fs.Bool("dry-run", false, "simulate executions without side effects")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *dryRun {
		// The engine reads this through config.Load in setup.
		_ = os.Setenv("FISCALPILOT_DRY_RUN", "true")
	}

	ctx := context.Background()
	p, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer p.close(ctx)

	expired, err := p.gate.SweepExpired(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	if expired > 0 {
		p.logger.Info("expired overdue approvals", "count", expired)
	}

	summary, err := p.engine.Execute(ctx)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return printJSON(stdout, stderr, summary)
}

// runProposeCmd reads a JSON array of proposed actions from a file (or
// stdin with -f -) and submits each to the gate.
func runProposeCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("propose", flag.ContinueOnError)
	fs.SetOutput(stderr)
	file := fs.String("f", "-", "JSON file of proposed actions ('-' for stdin)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var data []byte
	var err error
	if *file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(*file)
	}
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	var proposals []*actions.ProposedAction
	if err := json.Unmarshal(data, &proposals); err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	ctx := context.Background()
	p, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer p.close(ctx)

	accepted := make([]*actions.ProposedAction, 0, len(proposals))
	for _, proposal := range proposals {
		a, err := p.gate.Propose(ctx, proposal)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "rejected %q: %v\n", proposal.Title, err)
			continue
		}
		accepted = append(accepted, a)
	}
	return printJSON(stdout, stderr, accepted)
}

func runDecideCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("decide", flag.ContinueOnError)
	fs.SetOutput(stderr)
	actionID := fs.String("action", "", "action ID")
	actor := fs.String("actor", "", "deciding actor")
	decision := fs.String("decision", "approve", "approve, reject, or modify")
	reason := fs.String("reason", "", "decision rationale")
	steps := fs.String("steps", "", "JSON array of replacement steps (modify only)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var modified []actions.ActionStep
	if *steps != "" {
		if err := json.Unmarshal([]byte(*steps), &modified); err != nil {
			_, _ = fmt.Fprintln(stderr, "error: bad -steps:", err)
			return 2
		}
	}

	ctx := context.Background()
	p, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer p.close(ctx)

	a, err := p.gate.Decide(ctx, *actionID, *actor, actions.DecisionKind(*decision), *reason, modified)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return printJSON(stdout, stderr, a)
}

func runRollbackCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rollback", flag.ContinueOnError)
	fs.SetOutput(stderr)
	actionID := fs.String("action", "", "action ID")
	actor := fs.String("actor", "", "requesting actor")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	p, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer p.close(ctx)

	res, err := p.engine.Rollback(ctx, *actionID, *actor)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return printJSON(stdout, stderr, res)
}

func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	actionID := fs.String("action", "", "restrict to one action ID (empty for all)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	p, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer p.close(ctx)

	return printJSON(stdout, stderr, p.engine.AuditTrail(*actionID))
}

func runVerifyCmd(stdout, stderr io.Writer) int {
	ctx := context.Background()
	p, err := setup(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	defer p.close(ctx)

	if err := p.log.VerifyChain(); err != nil {
		_, _ = fmt.Fprintln(stderr, "audit chain verification FAILED:", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "audit chain OK: %d entries, head %s\n", p.log.Size(), p.log.Head())
	return 0
}

func printJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}
