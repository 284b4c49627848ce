package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

// EventHandler receives each parsed event from CLI stdout.
type EventHandler func(event *Event)

// StreamReader reads `codex exec --json` events line by line.
type StreamReader struct {
	stdout  io.Reader
	handler EventHandler
	logger  *logger.Logger
}

// NewStreamReader creates a reader that feeds parsed events to handler.
func NewStreamReader(stdout io.Reader, handler EventHandler, log *logger.Logger) *StreamReader {
	return &StreamReader{
		stdout:  stdout,
		handler: handler,
		logger:  log.WithFields(zap.String("component", "codex-reader")),
	}
}

// Read consumes stdout until EOF or context cancellation. Non-JSON lines are
// skipped: codex prints a human banner before the first event.
func (r *StreamReader) Read(ctx context.Context) error {
	scanner := bufio.NewScanner(r.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			r.logger.Warn("skipping unparseable codex event",
				zap.Error(err),
				zap.Int("length", len(line)))
			continue
		}
		r.handler(&event)
	}
	return scanner.Err()
}
