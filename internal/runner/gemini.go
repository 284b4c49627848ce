package runner

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/taskdeck/taskdeck/internal/common/apperr"
	"github.com/taskdeck/taskdeck/internal/task"
)

// geminiBackend drives the Gemini CLI. The tool emits plain text and
// buffers aggressively without a TTY, so it runs under a PTY and the whole
// output becomes the completion.
type geminiBackend struct {
	rt *cliRuntime
}

func (b *geminiBackend) Kind() task.BackendKind { return task.BackendGemini }

func (b *geminiBackend) SupportsLiveFeedback() bool { return true }

func (b *geminiBackend) Run(ctx context.Context, req Request, emit EmitFunc) error {
	args := []string{"-p"}
	if req.Model != "" {
		args = append([]string{"-m", req.Model}, args...)
	}

	prompt := req.Prompt
	if req.SystemPrompt != "" {
		prompt = req.SystemPrompt + "\n\n" + prompt
	}

	var lines []string
	parse := func(ctx context.Context, stdout io.Reader) error {
		scanner := bufio.NewScanner(stdout)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")
			if strings.TrimSpace(line) == "" {
				continue
			}
			lines = append(lines, line)
			emit(AssistantText(line))
		}
		// The PTY read side reports an error when the child exits; output
		// up to that point is complete.
		return nil
	}

	cliReq := req
	cliReq.Prompt = prompt
	err := b.rt.run(ctx, cliReq, cliCommand{bin: "gemini", args: args, usePTY: true}, parse)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		return apperr.New(apperr.KindBackendFailure, "gemini produced no output")
	}
	emit(Completion(strings.Join(lines, "\n"), req.Model, 0))
	return nil
}
