package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/taskdeck/taskdeck/internal/common/apperr"
	"github.com/taskdeck/taskdeck/internal/task"
	"github.com/taskdeck/taskdeck/pkg/claudecode"
)

// claudeBackend drives the Claude Code CLI in one-shot print mode and maps
// its stream-json records to the uniform stream.
type claudeBackend struct {
	rt *cliRuntime
}

func (b *claudeBackend) Kind() task.BackendKind { return task.BackendClaude }

func (b *claudeBackend) SupportsLiveFeedback() bool { return true }

func (b *claudeBackend) Run(ctx context.Context, req Request, emit EmitFunc) error {
	args := []string{"--print", "--verbose", "--output-format", "stream-json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}

	var (
		fragments []string
		completed bool
		model     string
		runErr    error
	)

	handler := func(msg *claudecode.CLIMessage) {
		switch msg.Type {
		case claudecode.MessageTypeSystem:
			if msg.Model != "" {
				model = msg.Model
			}

		case claudecode.MessageTypeAssistant:
			if msg.Message == nil {
				return
			}
			if msg.Message.Model != "" {
				model = msg.Message.Model
			}
			for _, block := range msg.Message.Content {
				switch block.Type {
				case "text":
					if block.Text != "" {
						fragments = append(fragments, block.Text)
						emit(AssistantText(block.Text))
					}
				case "tool_use":
					emit(ToolCall(block.Name, summarizeToolInput(block.Name, block.Input)))
				}
			}

		case claudecode.MessageTypeUser:
			if msg.Message == nil {
				return
			}
			for _, block := range msg.Message.Content {
				if block.Type == "tool_result" {
					emit(ToolResult("", truncate(block.ResultText(), 500)))
				}
			}

		case claudecode.MessageTypeResult:
			completed = true
			tokens := msg.Usage.Total()
			switch {
			case !msg.IsError:
				emit(Completion(msg.ResultString(), model, tokens))
			case len(fragments) > 0:
				// A turns-exhausted run still carries useful output; the
				// accumulated assistant text stands in for the result.
				emit(Completion(strings.Join(fragments, ""), model, tokens))
			default:
				runErr = apperr.Newf(apperr.KindBackendFailure,
					"claude run failed (%s): %s", msg.Subtype, msg.ResultString())
			}
		}
	}

	parse := func(ctx context.Context, stdout io.Reader) error {
		return claudecode.NewStreamReader(stdout, handler, b.rt.logger).Read(ctx)
	}

	if err := b.rt.run(ctx, req, cliCommand{bin: "claude", args: args}, parse); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if !completed {
		return apperr.New(apperr.KindBackendFailure, "claude exited without a result record")
	}
	return nil
}

// summarizeToolInput produces the one-line summary shown on the activity
// stream. It prefers the argument users care about for the common tools.
func summarizeToolInput(tool string, input map[string]any) string {
	for _, key := range []string{"command", "file_path", "pattern", "query", "url", "description", "prompt"} {
		if v, ok := input[key].(string); ok && v != "" {
			return truncate(v, 200)
		}
	}
	if len(input) == 0 {
		return tool
	}
	data, err := json.Marshal(input)
	if err != nil {
		return tool
	}
	return truncate(string(data), 200)
}

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return fmt.Sprintf("%s...", s[:limit])
}
