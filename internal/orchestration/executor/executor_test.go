package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/gaffer/internal/orchestration/scheduler"
)

// writeScript installs a fake agent CLI that ignores its flags and
// plays back whatever the body prints.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent")
	script := "#!/bin/bash\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		resumeID string
		expected []string
	}{
		{
			name: "minimal",
			cfg:  Config{Command: "claude"},
			expected: []string{
				"--print",
				"--output-format", "stream-json",
				"--verbose",
				"--", "do the thing",
			},
		},
		{
			name:     "with session resume",
			cfg:      Config{Command: "claude"},
			resumeID: "sess-123",
			expected: []string{
				"--print",
				"--output-format", "stream-json",
				"--verbose",
				"--resume", "sess-123",
				"--", "do the thing",
			},
		},
		{
			name: "with model and permissions bypass",
			cfg:  Config{Command: "claude", Model: "opus", BypassPermissions: true},
			expected: []string{
				"--print",
				"--output-format", "stream-json",
				"--verbose",
				"--model", "opus",
				"--dangerously-skip-permissions",
				"--", "do the thing",
			},
		},
		{
			name: "with tool restrictions",
			cfg: Config{
				Command:         "claude",
				AllowedTools:    []string{"Read", "Bash"},
				DisallowedTools: []string{"WebSearch"},
			},
			expected: []string{
				"--print",
				"--output-format", "stream-json",
				"--verbose",
				"--allowed-tools", "Read",
				"--allowed-tools", "Bash",
				"--disallowed-tools", "WebSearch",
				"--", "do the thing",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New(tt.cfg)
			require.Equal(t, tt.expected, a.buildArgs("do the thing", tt.resumeID))
		})
	}
}

func TestNew_DefaultsCommand(t *testing.T) {
	require.Equal(t, "claude", New(Config{}).cfg.Command)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, "claude", cfg.Command)
	require.True(t, cfg.BypassPermissions)
	require.Equal(t, 30*time.Minute, cfg.Timeout)
}

func TestExecute_HappyPath(t *testing.T) {
	script := writeScript(t, `cat <<'STREAM'
{"type":"system","subtype":"init","session_id":"sess-new"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"working"},{"type":"tool_use","id":"toolu_1","name":"Read","input":{"file_path":"main.go"}}],"usage":{"input_tokens":1200,"output_tokens":80,"cache_read_input_tokens":300}}}
{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"toolu_1","content":"package main"}]}}
{"type":"result","subtype":"success","is_error":false,"result":"done","total_cost_usd":0.42,"session_id":"sess-new","duration_ms":1200,"num_turns":2}
STREAM`)

	req, pre, post := recordingRequest()
	req.Prompt = "fix the bug"

	res := New(Config{Command: script}).Execute(context.Background(), *req)

	require.False(t, res.Failed(), "unexpected failure: %s", res.Err)
	require.Equal(t, "sess-new", res.SessionID)
	require.EqualValues(t, 1500, res.TokensUsed)
	require.InDelta(t, 0.42, res.CostUSD, 1e-9)
	require.Equal(t, 1, res.ToolCallsCount)
	require.Equal(t, "done", res.Output)

	require.Len(t, *pre, 1)
	require.Equal(t, "Read", (*pre)[0].name)
	require.Contains(t, (*pre)[0].payload, "main.go")
	require.Len(t, *post, 1)
	require.Equal(t, "Read", (*post)[0].name)
	require.Contains(t, (*post)[0].payload, "package main")
}

func TestExecute_RunsInWorkspace(t *testing.T) {
	// Unquoted heredoc so the script embeds its working directory.
	script := writeScript(t, `cat <<STREAM
{"type":"result","result":"$PWD"}
STREAM`)
	workspace := t.TempDir()

	res := New(Config{Command: script}).Execute(context.Background(), scheduler.Request{
		WorkspacePath: workspace,
		Prompt:        "where are you",
	})

	require.False(t, res.Failed(), "unexpected failure: %s", res.Err)
	want, err := filepath.EvalSymlinks(workspace)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(res.Output)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestExecute_ProcessFailureCarriesStderr(t *testing.T) {
	script := writeScript(t, `echo "fatal: credential helper exploded" >&2
exit 3`)

	res := New(Config{Command: script}).Execute(context.Background(), scheduler.Request{Prompt: "p"})

	require.True(t, res.Failed())
	require.Contains(t, res.Err, "agent exited")
	require.Contains(t, res.Err, "credential helper exploded")
}

func TestExecute_MissingBinary(t *testing.T) {
	res := New(Config{Command: "/nonexistent/gaffer-agent"}).Execute(context.Background(), scheduler.Request{Prompt: "p"})

	require.True(t, res.Failed())
	require.Contains(t, res.Err, "spawn agent")
}

func TestExecute_StreamWithoutResult(t *testing.T) {
	script := writeScript(t, `cat <<'STREAM'
{"type":"system","subtype":"init","session_id":"sess-1"}
STREAM`)

	res := New(Config{Command: script}).Execute(context.Background(), scheduler.Request{Prompt: "p"})

	require.True(t, res.Failed())
	require.Contains(t, res.Err, "without a result")
	require.Equal(t, "sess-1", res.SessionID)
}

func TestExecute_Cancelled(t *testing.T) {
	script := writeScript(t, `cat <<'STREAM'
{"type":"system","subtype":"init","session_id":"sess-1"}
STREAM
exec sleep 30`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := New(Config{Command: script}).Execute(ctx, scheduler.Request{Prompt: "p"})

	require.Less(t, time.Since(start), 10*time.Second)
	require.True(t, res.Failed())
	require.Equal(t, "execution cancelled", res.Err)
}

func TestExecute_Timeout(t *testing.T) {
	script := writeScript(t, `exec sleep 30`)

	start := time.Now()
	res := New(Config{Command: script, Timeout: 150 * time.Millisecond}).Execute(context.Background(), scheduler.Request{Prompt: "p"})

	require.Less(t, time.Since(start), 10*time.Second)
	require.True(t, res.Failed())
	require.Contains(t, res.Err, "agent timeout after")
}

func TestExecute_ResumeFallsBackToFreshSession(t *testing.T) {
	script := writeScript(t, `for arg in "$@"; do
  if [ "$arg" = "--resume" ]; then
    echo "No conversation found with session ID: sess-old" >&2
    exit 1
  fi
done
cat <<'STREAM'
{"type":"system","subtype":"init","session_id":"sess-fresh"}
{"type":"result","result":"recovered","total_cost_usd":0.01}
STREAM`)

	res := New(Config{Command: script}).Execute(context.Background(), scheduler.Request{
		Prompt:    "carry on",
		SessionID: "sess-old",
	})

	require.False(t, res.Failed(), "unexpected failure: %s", res.Err)
	require.Equal(t, "sess-fresh", res.SessionID)
	require.Equal(t, "recovered", res.Output)
}
