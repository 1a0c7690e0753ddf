// Command wallbounce runs the multi-provider analysis service.
//
// With no -query it serves the HTTP API until interrupted. With -query it
// runs a single analysis and exits with a code describing the outcome:
//
//	0  consensus reached at or above the configured floors
//	1  not enough providers produced usable responses
//	2  every dispatched provider timed out
//	3  a required tool approval was denied
//	4  the analysis was canceled
//	5  configuration or usage error
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/wallbounce/wallbounce/internal/app"
	"github.com/wallbounce/wallbounce/internal/config"
	"github.com/wallbounce/wallbounce/pkg/types"
)

const shutdownTimeout = 15 * time.Second

// One-shot exit codes.
const (
	exitOK = iota
	exitInsufficientProviders
	exitAllTimeouts
	exitApprovalDenied
	exitCanceled
	exitUsage
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	query := flag.String("query", "", "run one analysis and exit instead of serving")
	sessionID := flag.String("session", "", "session id for multi-turn context (one-shot mode)")
	task := flag.String("task", "", "task type override: basic, premium or critical")
	mode := flag.String("mode", "", "dispatch mode override: parallel or sequential")
	minProviders := flag.Int("min-providers", 0, "minimum provider responses override")
	stream := flag.Bool("stream", false, "print progress events as NDJSON while the analysis runs")
	watch := flag.Bool("watch", false, "hot-reload the config file while serving")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "wallbounce: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "wallbounce: %v\n", err)
		}
		return exitUsage
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "wallbounce: %v\n", err)
		return exitUsage
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	if *query != "" {
		return oneShot(ctx, application, oneShotOptions{
			text:         *query,
			sessionID:    *sessionID,
			task:         *task,
			mode:         *mode,
			minProviders: *minProviders,
			stream:       *stream,
		})
	}

	// ── Serve ─────────────────────────────────────────────────────────────────
	if *watch {
		if err := application.WatchConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "wallbounce: watch config: %v\n", err)
			return exitUsage
		}
	}

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	return exitOK
}

// ── One-shot mode ─────────────────────────────────────────────────────────────

type oneShotOptions struct {
	text         string
	sessionID    string
	task         string
	mode         string
	minProviders int
	stream       bool
}

func oneShot(ctx context.Context, application *app.App, o oneShotOptions) int {
	opts := application.Options()
	opts.SessionID = o.sessionID
	if o.task != "" {
		opts.TaskType = types.TaskType(o.task)
	}
	if o.mode != "" {
		opts.Mode = types.Mode(o.mode)
	}
	if o.minProviders > 0 {
		opts.MinProviders = o.minProviders
	}
	q := types.Query{Text: o.text, Options: opts}

	var (
		res *orchestratorResult
		err error
	)
	if o.stream {
		res, err = analyzeStreaming(ctx, application, q)
	} else {
		r, aerr := application.Orchestrator().Analyze(ctx, q)
		err = aerr
		if r != nil {
			res = &orchestratorResult{consensus: r.Consensus, warnings: r.Warnings}
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "wallbounce: %v\n", err)
		return exitCode(err)
	}

	for _, w := range res.warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	fmt.Println(res.consensus.Content)
	return exitOK
}

type orchestratorResult struct {
	consensus types.Consensus
	warnings  []string
}

// analyzeStreaming runs the analysis while printing each progress event as a
// JSON line on stderr. The final answer still goes to stdout.
func analyzeStreaming(ctx context.Context, application *app.App, q types.Query) (*orchestratorResult, error) {
	sub, out, err := application.Orchestrator().AnalyzeStream(ctx, q, "cli-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	enc := json.NewEncoder(os.Stderr)
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			break
		}
		_ = enc.Encode(ev)
		if ev.Terminal() {
			break
		}
	}

	outcome := <-out
	if outcome.Err != nil {
		return nil, outcome.Err
	}
	return &orchestratorResult{
		consensus: outcome.Result.Consensus,
		warnings:  outcome.Result.Warnings,
	}, nil
}

// exitCode maps an analysis failure to the documented process exit code.
func exitCode(err error) int {
	f := types.FaultOf(err)
	switch f.Kind {
	case types.FaultInsufficientProviders:
		if allTimeouts(f.Details) {
			return exitAllTimeouts
		}
		return exitInsufficientProviders
	case types.FaultApprovalDenied:
		return exitApprovalDenied
	case types.FaultCanceled:
		return exitCanceled
	case types.FaultInvalidInput:
		return exitUsage
	default:
		return 1
	}
}

// allTimeouts reports whether every recorded provider failure was a timeout.
func allTimeouts(details map[string]string) bool {
	if len(details) == 0 {
		return false
	}
	for _, reason := range details {
		if reason != types.ReasonTimeout {
			return false
		}
	}
	return true
}
