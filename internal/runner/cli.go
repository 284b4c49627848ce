package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/apperr"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/process"
)

// maxArgvPrompt is the largest prompt passed directly as an argument. Longer
// prompts go through a temp file: shell-wrapper installs of some CLIs choke
// on long multi-line argv entries.
const maxArgvPrompt = 100 * 1024

// stderrTailLimit bounds how much captured stderr ends up in error messages.
const stderrTailLimit = 4 * 1024

// cliCommand describes how one CLI backend is invoked.
type cliCommand struct {
	bin  string
	args []string
	// promptViaStdin writes the prompt to the child's stdin and closes it
	// (the args must already carry the tool's stdin sentinel). Otherwise
	// the prompt is appended as the final argument.
	promptViaStdin bool
	// usePTY spawns the child under a pseudo-terminal for tools that
	// buffer everything unless they see one.
	usePTY bool
	env    []string
}

// parseFunc consumes the child's stdout until EOF.
type parseFunc func(ctx context.Context, stdout io.Reader) error

// cliRuntime is the machinery shared by all CLI backends: command
// construction, spawn via the supervisor, heartbeats, feedback piping, and
// exit handling.
type cliRuntime struct {
	supervisor *process.Supervisor
	sink       Sink
	heartbeat  time.Duration
	logger     *logger.Logger
}

// buildCmd constructs the exec.Cmd for a CLI invocation. The returned
// cleanup removes any prompt temp file and must always be called.
func buildCmd(c cliCommand, req Request) (*exec.Cmd, func(), error) {
	cleanup := func() {}

	var cmd *exec.Cmd
	switch {
	case c.promptViaStdin:
		cmd = exec.Command(c.bin, c.args...)
	case len(req.Prompt) <= maxArgvPrompt:
		cmd = exec.Command(c.bin, append(append([]string{}, c.args...), req.Prompt)...)
	default:
		f, err := os.CreateTemp("", "taskdeck-prompt-*.txt")
		if err != nil {
			return nil, cleanup, fmt.Errorf("write prompt file: %w", err)
		}
		if _, err := f.WriteString(req.Prompt); err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, cleanup, fmt.Errorf("write prompt file: %w", err)
		}
		f.Close()
		cleanup = func() { os.Remove(f.Name()) }

		parts := make([]string, 0, len(c.args)+2)
		parts = append(parts, shellQuote(c.bin))
		for _, a := range c.args {
			parts = append(parts, shellQuote(a))
		}
		parts = append(parts, fmt.Sprintf(`"$(cat %s)"`, shellQuote(f.Name())))
		cmd = exec.Command("sh", "-c", "exec "+strings.Join(parts, " "))
	}

	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	return cmd, cleanup, nil
}

// shellQuote single-quotes s for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// run spawns the CLI and pumps its stdout through parse until the child
// exits. It emits synthetic heartbeat log lines while the child stays
// silent, forwards feedback messages to stdin, and tree-kills the child on
// context cancellation.
func (rt *cliRuntime) run(ctx context.Context, req Request, c cliCommand, parse parseFunc) error {
	cmd, cleanup, err := buildCmd(c, req)
	if err != nil {
		return apperr.Wrap(apperr.KindBackendFailure, "failed to prepare agent command", err)
	}
	defer cleanup()

	var stderr bytes.Buffer
	var stdout io.Reader
	var stdin io.WriteCloser
	var child *process.Child

	if c.usePTY {
		pty, err := rt.supervisor.StartPTY(cmd, req.TaskID)
		if err != nil {
			return apperr.Wrap(apperr.KindBackendFailure, "failed to start agent", err)
		}
		child = pty.Child
		stdout = pty.TTY
		stdin = pty.TTY
	} else {
		outPipe, err := cmd.StdoutPipe()
		if err != nil {
			return apperr.Wrap(apperr.KindBackendFailure, "failed to start agent", err)
		}
		inPipe, err := cmd.StdinPipe()
		if err != nil {
			return apperr.Wrap(apperr.KindBackendFailure, "failed to start agent", err)
		}
		cmd.Stderr = &stderr
		child, err = rt.supervisor.Start(cmd, req.TaskID)
		if err != nil {
			return apperr.Wrap(apperr.KindBackendFailure, "failed to start agent", err)
		}
		stdout = outPipe
		stdin = inPipe
	}

	if c.promptViaStdin {
		if _, err := io.WriteString(stdin, req.Prompt); err != nil {
			rt.logger.Warn("failed to write prompt to agent stdin", zap.Error(err))
		}
		stdin.Close()
		stdin = nil
	}

	// Kill the tree when the run is canceled or times out. The watcher exits
	// once the child is gone.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = child.Kill()
		case <-watchDone:
		}
	}()

	activity := &activityReader{r: stdout}
	activity.touch()
	stopHeartbeat := rt.startHeartbeat(ctx, req.TaskID, activity)
	defer stopHeartbeat()

	if stdin != nil && req.Feedback != nil {
		go pumpFeedback(ctx, req.Feedback, stdin)
	}

	parseErr := parse(ctx, activity)
	waitErr := child.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		msg := fmt.Sprintf("%s exited: %v", c.bin, waitErr)
		if tail := tailString(stderr.String(), stderrTailLimit); tail != "" {
			msg += ": " + tail
		}
		return apperr.New(apperr.KindBackendFailure, msg)
	}
	if parseErr != nil {
		return apperr.Wrap(apperr.KindBackendFailure, "failed to read agent output", parseErr)
	}
	return nil
}

// startHeartbeat emits a liveness log line whenever the child has produced
// no output for a full heartbeat interval.
func (rt *cliRuntime) startHeartbeat(ctx context.Context, taskID string, activity *activityReader) func() {
	if rt.heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(rt.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if time.Since(activity.last()) >= rt.heartbeat {
					rt.sink.Log(taskID, LogInfo, "Agent is still working...")
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// pumpFeedback writes each feedback message, newline-terminated, to the
// child's stdin.
func pumpFeedback(ctx context.Context, feedback <-chan string, stdin io.Writer) {
	for {
		select {
		case msg, ok := <-feedback:
			if !ok {
				return
			}
			if _, err := io.WriteString(stdin, msg+"\n"); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// activityReader tracks when the child last produced output.
type activityReader struct {
	r        io.Reader
	lastUnix atomic.Int64
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.touch()
	}
	return n, err
}

func (a *activityReader) touch() {
	a.lastUnix.Store(time.Now().UnixNano())
}

func (a *activityReader) last() time.Time {
	return time.Unix(0, a.lastUnix.Load())
}

func tailString(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) > limit {
		s = s[len(s)-limit:]
	}
	return s
}
