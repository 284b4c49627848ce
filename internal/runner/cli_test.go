package runner

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/taskdeck/internal/common/apperr"
	"github.com/taskdeck/taskdeck/internal/process"
)

func newTestRuntime(t *testing.T, sink Sink, heartbeat time.Duration) *cliRuntime {
	t.Helper()
	log := testLogger(t)
	return &cliRuntime{
		supervisor: process.NewSupervisor(log),
		sink:       sink,
		heartbeat:  heartbeat,
		logger:     log,
	}
}

func TestBuildCmd_PromptAsArgv(t *testing.T) {
	cmd, cleanup, err := buildCmd(cliCommand{bin: "echo", args: []string{"-n"}},
		Request{Prompt: "hello world", WorkDir: "/tmp"})
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, []string{"echo", "-n", "hello world"}, cmd.Args)
	assert.Equal(t, "/tmp", cmd.Dir)
}

func TestBuildCmd_StdinPromptNotInArgs(t *testing.T) {
	cmd, cleanup, err := buildCmd(cliCommand{bin: "codex", args: []string{"exec", "--json", "-"}, promptViaStdin: true},
		Request{Prompt: "the prompt"})
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, []string{"codex", "exec", "--json", "-"}, cmd.Args)
}

func TestBuildCmd_LongPromptUsesShellIndirection(t *testing.T) {
	prompt := strings.Repeat("x", maxArgvPrompt+1)
	cmd, cleanup, err := buildCmd(cliCommand{bin: "claude", args: []string{"--print"}},
		Request{Prompt: prompt})
	require.NoError(t, err)

	require.Len(t, cmd.Args, 3)
	assert.Equal(t, "sh", cmd.Args[0])
	assert.Equal(t, "-c", cmd.Args[1])
	script := cmd.Args[2]
	assert.True(t, strings.HasPrefix(script, "exec 'claude' '--print' \"$(cat "))

	// The temp file holds the prompt until cleanup runs.
	start := strings.Index(script, "$(cat '") + len("$(cat '")
	end := strings.Index(script[start:], "'")
	path := script[start : start+end]
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, prompt, string(data))

	cleanup()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestSummarizeToolInput(t *testing.T) {
	assert.Equal(t, "ls -la", summarizeToolInput("Bash", map[string]any{"command": "ls -la"}))
	assert.Equal(t, "main.go", summarizeToolInput("Read", map[string]any{"file_path": "main.go"}))
	assert.Equal(t, "Read", summarizeToolInput("Read", map[string]any{}))

	long := strings.Repeat("a", 300)
	assert.Len(t, summarizeToolInput("Bash", map[string]any{"command": long}), 203)
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	logs   []string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{}
}

func (s *recordingSink) Event(taskID string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) Log(taskID, level, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, level+": "+message)
}

func (s *recordingSink) snapshot() ([]Event, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...), append([]string(nil), s.logs...)
}

func TestCLIRuntime_StdinPromptRoundTrip(t *testing.T) {
	rt := newTestRuntime(t, newRecordingSink(), 0)

	var output string
	parse := func(ctx context.Context, stdout io.Reader) error {
		data, err := io.ReadAll(stdout)
		output = string(data)
		return err
	}

	err := rt.run(context.Background(),
		Request{TaskID: "t1", Prompt: "hello from stdin"},
		cliCommand{bin: "cat", promptViaStdin: true},
		parse)
	require.NoError(t, err)
	assert.Equal(t, "hello from stdin", output)
}

func TestCLIRuntime_NonZeroExitIncludesStderr(t *testing.T) {
	rt := newTestRuntime(t, newRecordingSink(), 0)

	parse := func(ctx context.Context, stdout io.Reader) error {
		_, err := io.ReadAll(stdout)
		return err
	}

	err := rt.run(context.Background(),
		Request{TaskID: "t1", Prompt: "ignored"},
		cliCommand{bin: "sh", args: []string{"-c", "echo boom >&2; exit 3"}},
		parse)
	require.Error(t, err)
	assert.Equal(t, apperr.KindBackendFailure, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestCLIRuntime_CancelKillsChild(t *testing.T) {
	rt := newTestRuntime(t, newRecordingSink(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	parse := func(ctx context.Context, stdout io.Reader) error {
		_, err := io.ReadAll(stdout)
		return err
	}

	start := time.Now()
	err := rt.run(ctx,
		Request{TaskID: "t1", Prompt: "30"},
		cliCommand{bin: "sleep"},
		parse)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCLIRuntime_HeartbeatWhileSilent(t *testing.T) {
	sink := newRecordingSink()
	rt := newTestRuntime(t, sink, 50*time.Millisecond)

	parse := func(ctx context.Context, stdout io.Reader) error {
		_, err := io.ReadAll(stdout)
		return err
	}

	err := rt.run(context.Background(),
		Request{TaskID: "t1", Prompt: "0.3"},
		cliCommand{bin: "sleep"},
		parse)
	require.NoError(t, err)

	_, logs := sink.snapshot()
	assert.NotEmpty(t, logs)
	assert.Contains(t, logs[0], "still working")
}
