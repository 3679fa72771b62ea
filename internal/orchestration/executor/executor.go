// Package executor runs work through a coding-agent CLI subprocess.
//
// The agent itself lives outside the control plane. The scheduler only
// knows its Executor port, and this package is the production adapter
// behind it: each Execute call spawns one headless agent run with
// stream-json output, folds the event stream into a Result, and reports
// tool calls to the request's hooks as they happen.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/gaffer/internal/log"
	"github.com/zjrosen/gaffer/internal/orchestration/scheduler"
)

const (
	// Scanner limits for stdout and stderr. Single events can carry
	// whole file contents in tool payloads.
	initialScanBuffer = 64 * 1024
	maxLineBytes      = 1024 * 1024

	// maxStderrBytes bounds the diagnostic tail kept for error
	// reporting.
	maxStderrBytes = 8 * 1024
)

// Config controls how agent processes are launched. Per-execution
// inputs (workspace, prompt, session) arrive on the request; everything
// here applies fleet-wide.
type Config struct {
	// Command is the agent CLI binary, resolved through PATH unless
	// absolute.
	Command string

	// Model overrides the agent's default model when non-empty.
	Model string

	// AllowedTools and DisallowedTools restrict the agent's tool
	// surface. Empty leaves the agent's defaults in place.
	AllowedTools    []string
	DisallowedTools []string

	// BypassPermissions disables the agent's permission prompts.
	// Headless workers cannot answer prompts.
	BypassPermissions bool

	// Timeout bounds one execution's wall clock. Zero means no limit
	// beyond the caller's context.
	Timeout time.Duration
}

// DefaultConfig returns the fleet-wide defaults.
func DefaultConfig() Config {
	return Config{
		Command:           "claude",
		BypassPermissions: true,
		Timeout:           30 * time.Minute,
	}
}

// Agent executes work by spawning one agent CLI process per request.
// It is stateless and safe for concurrent use.
type Agent struct {
	cfg Config
}

var _ scheduler.Executor = (*Agent)(nil)

// New returns an Agent executor. An empty Command falls back to the
// default binary name.
func New(cfg Config) *Agent {
	if cfg.Command == "" {
		cfg.Command = DefaultConfig().Command
	}
	return &Agent{cfg: cfg}
}

// Execute implements scheduler.Executor.
//
// A request with a session id resumes that conversation. The CLI
// stores sessions on the local disk, so a resume target can vanish
// when the daemon moves hosts or the agent's state directory is
// cleared; in that case the run is retried once as a fresh session and
// the new id is reported in the result.
func (a *Agent) Execute(ctx context.Context, req scheduler.Request) scheduler.Result {
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	res, stderr := a.run(ctx, req, req.SessionID)
	if req.SessionID != "" && ctx.Err() == nil && sessionUnknown(res, stderr) {
		log.Warn(log.CatExec, "session resume failed, starting fresh",
			"session_id", req.SessionID)
		res, _ = a.run(ctx, req, "")
	}
	return res
}

// run spawns one agent process and consumes its stream until exit.
func (a *Agent) run(ctx context.Context, req scheduler.Request, resumeID string) (scheduler.Result, string) {
	state := newRunState(req)

	cmd := exec.CommandContext(ctx, a.cfg.Command, a.buildArgs(req.Prompt, resumeID)...)
	if req.WorkspacePath != "" {
		cmd.Dir = req.WorkspacePath
	}
	// Agent CLIs fork helpers that inherit the pipes. Without a wait
	// delay a surviving helper would hold the stream open past the kill.
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		state.res.Err = fmt.Sprintf("agent stdout pipe: %v", err)
		return state.result(), ""
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		state.res.Err = fmt.Sprintf("agent stderr pipe: %v", err)
		return state.result(), ""
	}

	if err := cmd.Start(); err != nil {
		state.res.Err = fmt.Sprintf("spawn agent %q: %v", a.cfg.Command, err)
		return state.result(), ""
	}
	log.Debug(log.CatExec, "agent started",
		"pid", cmd.Process.Pid,
		"workspace", req.WorkspacePath,
		"resume", resumeID)

	var stderrTail bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		captureStderr(stderr, &stderrTail)
	}()

	scanErr := consume(stdout, state)

	// Drain order matters: both pipes must hit EOF before Wait closes
	// them.
	wg.Wait()
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() != nil:
		if state.res.Err == "" {
			if ctx.Err() == context.DeadlineExceeded {
				state.res.Err = fmt.Sprintf("agent timeout after %s", a.cfg.Timeout)
			} else {
				state.res.Err = "execution cancelled"
			}
		}
	case scanErr != nil && state.res.Err == "":
		state.res.Err = fmt.Sprintf("read agent output: %v", scanErr)
	case waitErr != nil && state.res.Err == "":
		state.res.Err = exitFailure(waitErr, stderrTail.String())
	case !state.gotResult && state.res.Err == "":
		state.res.Err = "agent stream ended without a result"
	}

	return state.result(), stderrTail.String()
}

// buildArgs assembles the headless invocation: flags first, then the
// prompt after a terminator so prompt text starting with a dash is not
// parsed as a flag.
func (a *Agent) buildArgs(prompt, resumeID string) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}
	if a.cfg.Model != "" {
		args = append(args, "--model", a.cfg.Model)
	}
	if a.cfg.BypassPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	for _, tool := range a.cfg.AllowedTools {
		args = append(args, "--allowed-tools", tool)
	}
	for _, tool := range a.cfg.DisallowedTools {
		args = append(args, "--disallowed-tools", tool)
	}
	return append(args, "--", prompt)
}

// consume reads stream-json lines until EOF. Non-JSON lines are
// skipped: some CLI builds mix plain-text diagnostics into stdout.
func consume(r io.Reader, state *runState) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialScanBuffer), maxLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var ev streamEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Debug(log.CatExec, "unparseable agent event", "error", err.Error())
			continue
		}
		state.observe(&ev)
	}
	return scanner.Err()
}

// captureStderr logs each diagnostic line and keeps a bounded copy for
// error reporting.
func captureStderr(r io.Reader, tail *bytes.Buffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialScanBuffer), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug(log.CatExec, "agent stderr", "line", line)
		if tail.Len() < maxStderrBytes {
			tail.WriteString(line)
			tail.WriteByte('\n')
		}
	}
}

// sessionUnknown reports whether a failed run died because the resume
// target does not exist on this machine.
func sessionUnknown(res scheduler.Result, stderr string) bool {
	if res.Err == "" {
		return false
	}
	out := strings.ToLower(stderr + " " + res.Err)
	return strings.Contains(out, "no conversation found")
}

// exitFailure formats a process failure, folding in the stderr tail
// where the CLI writes its diagnostics.
func exitFailure(waitErr error, stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr != "" {
		return fmt.Sprintf("agent exited: %v: %s", waitErr, stderr)
	}
	return fmt.Sprintf("agent exited: %v", waitErr)
}
