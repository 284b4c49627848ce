package runner

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/taskdeck/taskdeck/internal/common/apperr"
	"github.com/taskdeck/taskdeck/internal/task"
	"github.com/taskdeck/taskdeck/pkg/codex"
)

// codexBackend drives `codex exec --json`. The prompt goes to stdin behind
// the `-` sentinel, so mid-run feedback cannot reach the process.
type codexBackend struct {
	rt *cliRuntime
}

func (b *codexBackend) Kind() task.BackendKind { return task.BackendCodex }

func (b *codexBackend) SupportsLiveFeedback() bool { return false }

func (b *codexBackend) Run(ctx context.Context, req Request, emit EmitFunc) error {
	args := []string{"exec", "--json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, "-")

	prompt := req.Prompt
	if req.SystemPrompt != "" {
		prompt = req.SystemPrompt + "\n\n" + prompt
	}

	var (
		messages  []string
		completed bool
		runErr    error
	)

	handler := func(ev *codex.Event) {
		switch ev.Type {
		case codex.EventItemCompleted:
			b.emitItem(ev.Item, &messages, emit)

		case codex.EventTurnCompleted:
			completed = true
			emit(Completion(strings.Join(messages, "\n\n"), req.Model, ev.Usage.Total()))

		case codex.EventTurnFailed, codex.EventError:
			runErr = apperr.Newf(apperr.KindBackendFailure,
				"codex run failed: %s", ev.ErrorMessage())
		}
	}

	parse := func(ctx context.Context, stdout io.Reader) error {
		return codex.NewStreamReader(stdout, handler, b.rt.logger).Read(ctx)
	}

	cliReq := req
	cliReq.Prompt = prompt
	err := b.rt.run(ctx, cliReq, cliCommand{bin: "codex", args: args, promptViaStdin: true}, parse)
	if err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if !completed {
		return apperr.New(apperr.KindBackendFailure, "codex exited without completing the turn")
	}
	return nil
}

func (b *codexBackend) emitItem(item *codex.Item, messages *[]string, emit EmitFunc) {
	if item == nil {
		return
	}
	switch item.ItemType {
	case codex.ItemAgentMessage, codex.ItemReasoning:
		if item.Text != "" {
			emit(AssistantText(item.Text))
			if item.ItemType == codex.ItemAgentMessage {
				*messages = append(*messages, item.Text)
			}
		}

	case codex.ItemCommandExecution:
		emit(ToolCall("shell", truncate(item.Command, 200)))
		if item.AggregatedOutput != "" {
			emit(ToolResult("shell", truncate(item.AggregatedOutput, 500)))
		}

	case codex.ItemFileChange:
		paths := make([]string, 0, len(item.Changes))
		for _, ch := range item.Changes {
			paths = append(paths, ch.Path)
		}
		emit(ToolCall("edit", truncate(strings.Join(paths, ", "), 200)))

	case codex.ItemMCPToolCall:
		emit(ToolCall(fmt.Sprintf("%s/%s", item.Server, item.Tool), item.Status))

	case codex.ItemWebSearch:
		emit(ToolCall("web_search", truncate(item.Query, 200)))
	}
}
