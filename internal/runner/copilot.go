package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/taskdeck/taskdeck/internal/common/apperr"
	"github.com/taskdeck/taskdeck/internal/common/logger"
	"github.com/taskdeck/taskdeck/internal/process"
	"github.com/taskdeck/taskdeck/internal/task"
	"github.com/taskdeck/taskdeck/pkg/copilot"
)

// copilotBackend drives the Copilot CLI through its SDK sessions. The CLI is
// spawned in server mode under the supervisor so it runs inside the task
// worktree; the SDK connects to it over TCP. Feedback arrives as follow-up
// session messages rather than stdin.
type copilotBackend struct {
	supervisor *process.Supervisor
	logger     *logger.Logger
}

func (b *copilotBackend) Kind() task.BackendKind { return task.BackendCopilot }

func (b *copilotBackend) SupportsLiveFeedback() bool { return true }

// copilotServerStartTimeout bounds how long Run waits for the CLI server to
// announce its listening port.
const copilotServerStartTimeout = 30 * time.Second

// copilotServerCmd builds the CLI server process. Spawning the CLI
// externally is what roots the session in the task worktree; the SDK's own
// spawn path would inherit the server process's cwd.
func copilotServerCmd(req Request) *exec.Cmd {
	cmd := exec.Command("copilot", "--server", "--log-level", "error")
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	return cmd
}

// copilotPortPattern matches the "listening on port <n>" line the CLI prints
// in server mode.
var copilotPortPattern = regexp.MustCompile(`listening on port (\d+)`)

// waitForCopilotPort scans the CLI server's stdout until it announces its
// port.
func waitForCopilotPort(ctx context.Context, r io.Reader) (int, error) {
	type result struct {
		port int
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			if m := copilotPortPattern.FindStringSubmatch(scanner.Text()); m != nil {
				port, err := strconv.Atoi(m[1])
				ch <- result{port: port, err: err}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{err: fmt.Errorf("copilot server exited before announcing a port")}
	}()

	select {
	case res := <-ch:
		return res.port, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (b *copilotBackend) Run(ctx context.Context, req Request, emit EmitFunc) error {
	cmd := copilotServerCmd(req)
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return apperr.Wrap(apperr.KindBackendFailure, "failed to start copilot server", err)
	}
	child, err := b.supervisor.Start(cmd, req.TaskID)
	if err != nil {
		return apperr.Wrap(apperr.KindBackendFailure, "failed to start copilot server", err)
	}
	defer func() {
		_ = child.Kill()
		_ = child.Wait()
	}()

	portCtx, cancelPort := context.WithTimeout(ctx, copilotServerStartTimeout)
	port, err := waitForCopilotPort(portCtx, outPipe)
	cancelPort()
	if err != nil {
		return apperr.Wrap(apperr.KindBackendFailure, "copilot server did not come up", err)
	}
	// Keep draining stdout so the server never blocks on a full pipe.
	go func() { _, _ = io.Copy(io.Discard, outPipe) }()

	client := copilot.NewClient(copilot.Config{
		CLIUrl: fmt.Sprintf("localhost:%d", port),
		Model:  req.Model,
	}, b.logger)
	defer client.Stop()

	var mu sync.Mutex
	var fragments []string
	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	client.SetEventHandler(func(ev copilot.SessionEvent) {
		switch ev.Type {
		case copilot.EventTypeAssistantMessageDelta:
			if ev.Data.DeltaContent != nil && *ev.Data.DeltaContent != "" {
				mu.Lock()
				fragments = append(fragments, *ev.Data.DeltaContent)
				mu.Unlock()
				emit(AssistantText(*ev.Data.DeltaContent))
			}

		case copilot.EventTypeAssistantMessage:
			// Full messages duplicate streamed deltas; only use them when
			// no deltas arrived.
			if ev.Data.Content != nil && *ev.Data.Content != "" {
				mu.Lock()
				empty := len(fragments) == 0
				if empty {
					fragments = append(fragments, *ev.Data.Content)
				}
				mu.Unlock()
				if empty {
					emit(AssistantText(*ev.Data.Content))
				}
			}

		case copilot.EventTypeToolStart:
			tool := ""
			if ev.Data.ToolName != nil {
				tool = *ev.Data.ToolName
			}
			summary := tool
			if args, ok := ev.Data.Arguments.(map[string]any); ok {
				summary = summarizeToolInput(tool, args)
			}
			emit(ToolCall(tool, summary))

		case copilot.EventTypeToolComplete:
			tool := ""
			if ev.Data.ToolName != nil {
				tool = *ev.Data.ToolName
			}
			emit(ToolResult(tool, ""))

		case copilot.EventTypeSessionIdle:
			finish(nil)

		case copilot.EventTypeSessionError:
			msg := "copilot session error"
			if ev.Data.Message != nil && *ev.Data.Message != "" {
				msg = *ev.Data.Message
			}
			finish(apperr.New(apperr.KindBackendFailure, msg))
		}
	})

	if _, err := client.StartSession(ctx); err != nil {
		return apperr.Wrap(apperr.KindBackendFailure, "failed to start copilot session", err)
	}

	prompt := req.Prompt
	if req.SystemPrompt != "" {
		prompt = req.SystemPrompt + "\n\n" + prompt
	}
	if _, err := client.Send(ctx, prompt); err != nil {
		return apperr.Wrap(apperr.KindBackendFailure, "failed to send prompt to copilot", err)
	}

	for {
		select {
		case err := <-done:
			if err != nil {
				return err
			}
			mu.Lock()
			text := strings.Join(fragments, "")
			mu.Unlock()
			if strings.TrimSpace(text) == "" {
				return apperr.New(apperr.KindBackendFailure, "copilot produced no output")
			}
			emit(Completion(text, req.Model, 0))
			return nil

		case msg, ok := <-req.Feedback:
			if !ok {
				// A nil channel blocks forever, which is what we want once
				// feedback is exhausted.
				req.Feedback = nil
				continue
			}
			if _, err := client.Send(ctx, msg); err != nil {
				b.logger.Warn("failed to forward feedback to copilot session")
			}

		case <-ctx.Done():
			_ = client.Abort()
			return ctx.Err()
		}
	}
}
