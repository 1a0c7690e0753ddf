// Package subprocess provides a [provider.Adapter] that reaches its backend
// by spawning a vendor CLI.
//
// The prompt is written to the child's standard input (UTF-8, terminated by
// EOF) and the response is read from standard output until EOF; standard
// error is captured for diagnostics only. Arguments are passed as an
// explicit vector — no shell is ever involved, so no input sanitisation
// against shell metacharacters is needed or attempted.
//
// The child runs in its own process group. On cancellation or timeout the
// group receives SIGTERM, followed by a hard kill after a grace period.
package subprocess

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/wallbounce/wallbounce/pkg/provider"
	"github.com/wallbounce/wallbounce/pkg/types"
)

// killGracePeriod is how long a signalled child may linger before the
// process is hard-killed.
const killGracePeriod = 5 * time.Second

// healthTimeout bounds the health probe invocation.
const healthTimeout = 5 * time.Second

// maxStderrBytes caps how much captured standard error is retained for
// diagnostics.
const maxStderrBytes = 8 << 10

// OutputFormat selects how the child's standard output is parsed.
type OutputFormat string

const (
	// FormatRaw treats the entire standard output as the response content.
	FormatRaw OutputFormat = "raw"

	// FormatJSONL parses standard output as line-delimited JSON envelopes.
	// Each line is an object with a "type" field:
	//
	//	{"type":"delta","text":"..."}                     incremental content
	//	{"type":"reasoning","text":"..."}                 reasoning fragment
	//	{"type":"result","content":"...","confidence":0.9,
	//	 "reasoning":"...","usage":{"input":12,"output":84}}
	//
	// A "result" line is authoritative; without one, "delta" lines are
	// concatenated in order. Unknown types are ignored for forward
	// compatibility.
	FormatJSONL OutputFormat = "jsonl"
)

// IsValid reports whether f is a recognised output format.
func (f OutputFormat) IsValid() bool {
	return f == FormatRaw || f == FormatJSONL
}

// Config describes one CLI-backed provider.
type Config struct {
	// Descriptor is the static provider metadata.
	Descriptor types.ProviderDescriptor

	// Command is the path to the executable.
	Command string

	// Args is the explicit argument vector. Never interpreted by a shell.
	Args []string

	// Env lists additional environment variables as KEY=VALUE pairs,
	// appended to the parent environment.
	Env []string

	// WorkDir is the child's working directory. Empty means inherit.
	WorkDir string

	// Format selects raw or jsonl output parsing. Default: raw.
	Format OutputFormat

	// HealthArgs replaces Args for health probes. Default: ["--version"].
	HealthArgs []string
}

// Adapter spawns the configured CLI once per invocation.
type Adapter struct {
	cfg Config
}

// Compile-time check that *Adapter satisfies [provider.Adapter].
var _ provider.Adapter = (*Adapter)(nil)

// New validates cfg and returns an Adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Descriptor.ID == "" {
		return nil, fmt.Errorf("subprocess: descriptor must have a non-empty id")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("subprocess: provider %q requires a command", cfg.Descriptor.ID)
	}
	if cfg.Format == "" {
		cfg.Format = FormatRaw
	}
	if !cfg.Format.IsValid() {
		return nil, fmt.Errorf("subprocess: provider %q: unknown output format %q", cfg.Descriptor.ID, cfg.Format)
	}
	if len(cfg.HealthArgs) == 0 {
		cfg.HealthArgs = []string{"--version"}
	}
	cfg.Descriptor.Kind = types.KindSubprocess
	return &Adapter{cfg: cfg}, nil
}

// Describe implements provider.Adapter.
func (a *Adapter) Describe() types.ProviderDescriptor {
	return a.cfg.Descriptor
}

// Invoke implements provider.Adapter.
func (a *Adapter) Invoke(ctx context.Context, req provider.Request) (types.ProviderResponse, error) {
	id := a.cfg.Descriptor.ID
	prompt := provider.BuildPrompt(req)

	start := time.Now()
	stdout, stderr, err := a.run(ctx, a.cfg.Args, strings.NewReader(prompt))
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return types.ProviderResponse{}, a.classifyRunError(ctx, err, stderr)
	}

	resp, perr := a.parse(stdout)
	if perr != nil {
		return types.ProviderResponse{}, types.AdapterFault(types.ReasonParse,
			fmt.Sprintf("provider %s produced unparseable output", id), perr)
	}

	resp.ProviderID = id
	resp.LatencyMillis = latency
	resp.CostEstimate = float64(resp.Usage.Input+resp.Usage.Output) * a.cfg.Descriptor.CostPerToken
	return resp, nil
}

// HealthCheck implements provider.Adapter. It runs the configured health
// probe (by default `<command> --version`) and reports latency.
func (a *Adapter) HealthCheck(ctx context.Context) types.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	start := time.Now()
	_, stderr, err := a.run(ctx, a.cfg.HealthArgs, strings.NewReader(""))
	latency := time.Since(start).Milliseconds()

	if err != nil {
		detail := err.Error()
		if s := strings.TrimSpace(stderr); s != "" {
			detail = firstLine(s)
		}
		return types.HealthStatus{OK: false, LatencyMillis: latency, Detail: detail}
	}
	return types.HealthStatus{OK: true, LatencyMillis: latency}
}

// run executes the CLI with the given argument vector, feeding stdin and
// capturing both output streams. The child gets its own process group so
// that termination signals reach any grandchildren.
func (a *Adapter) run(ctx context.Context, args []string, stdin *strings.Reader) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, a.cfg.Command, args...)
	cmd.Stdin = stdin
	cmd.Dir = a.cfg.WorkDir
	if len(a.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), a.cfg.Env...)
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = newCappedWriter(&errBuf, maxStderrBytes)

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Terminate the whole group; WaitDelay hard-kills stragglers.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = killGracePeriod

	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}

// classifyRunError maps a subprocess failure to a typed adapter fault.
// Stderr content is summarised into the fault details but the prompt and
// environment never are.
func (a *Adapter) classifyRunError(ctx context.Context, err error, stderr string) *types.Fault {
	id := a.cfg.Descriptor.ID

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return types.AdapterFault(types.ReasonTimeout,
				fmt.Sprintf("provider %s timed out", id), err)
		}
		return types.AdapterFault(types.ReasonTimeout,
			fmt.Sprintf("provider %s was canceled", id), err)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		f := types.AdapterFault(types.ReasonExitStatus,
			fmt.Sprintf("provider %s exited with status %d", id, exitErr.ExitCode()), err)
		if s := strings.TrimSpace(stderr); s != "" {
			f.WithDetail("stderr", firstLine(s))
		}
		return f
	}

	return types.AdapterFault(types.ReasonRemote,
		fmt.Sprintf("provider %s could not be started", id), err)
}

// parse decodes stdout according to the configured format.
func (a *Adapter) parse(stdout string) (types.ProviderResponse, error) {
	if a.cfg.Format == FormatRaw {
		content := strings.TrimRight(stdout, "\n")
		if content == "" {
			return types.ProviderResponse{}, fmt.Errorf("empty output")
		}
		return types.ProviderResponse{Content: content}, nil
	}
	return parseJSONL(stdout)
}

// envelope is one line of the jsonl output contract.
type envelope struct {
	Type       string           `json:"type"`
	Text       string           `json:"text"`
	Content    string           `json:"content"`
	Confidence float64          `json:"confidence"`
	Reasoning  string           `json:"reasoning"`
	Usage      types.TokenUsage `json:"usage"`
}

// parseJSONL folds the line-delimited envelopes into a single response.
func parseJSONL(stdout string) (types.ProviderResponse, error) {
	var (
		deltas    strings.Builder
		reasoning strings.Builder
		result    *envelope
	)

	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var env envelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			return types.ProviderResponse{}, fmt.Errorf("line %d: %w", lineNo, err)
		}
		switch env.Type {
		case "delta":
			deltas.WriteString(env.Text)
		case "reasoning":
			reasoning.WriteString(env.Text)
		case "result":
			e := env
			result = &e
		default:
			// Unknown envelope types are skipped.
		}
	}
	if err := sc.Err(); err != nil {
		return types.ProviderResponse{}, err
	}

	if result != nil {
		return types.ProviderResponse{
			Content:    result.Content,
			Confidence: clamp01(result.Confidence),
			Reasoning:  result.Reasoning,
			Usage:      result.Usage,
		}, nil
	}
	if deltas.Len() == 0 {
		return types.ProviderResponse{}, fmt.Errorf("no result or delta envelopes")
	}
	return types.ProviderResponse{
		Content:   deltas.String(),
		Reasoning: reasoning.String(),
	}, nil
}

// cappedWriter discards bytes beyond its limit. Used to bound captured
// stderr.
type cappedWriter struct {
	dst   *bytes.Buffer
	limit int
}

func newCappedWriter(dst *bytes.Buffer, limit int) *cappedWriter {
	return &cappedWriter{dst: dst, limit: limit}
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if room := w.limit - w.dst.Len(); room > 0 {
		if len(p) > room {
			w.dst.Write(p[:room])
		} else {
			w.dst.Write(p)
		}
	}
	return len(p), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
