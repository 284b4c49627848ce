package claudecode

import (
	"bufio"
	"context"
	"encoding/json"
	"io"

	"go.uber.org/zap"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

// MessageHandler receives each parsed record from CLI stdout.
type MessageHandler func(msg *CLIMessage)

// StreamReader reads stream-json records line by line from CLI stdout.
type StreamReader struct {
	stdout  io.Reader
	handler MessageHandler
	logger  *logger.Logger
}

// NewStreamReader creates a reader that feeds parsed records to handler.
func NewStreamReader(stdout io.Reader, handler MessageHandler, log *logger.Logger) *StreamReader {
	return &StreamReader{
		stdout:  stdout,
		handler: handler,
		logger:  log.WithFields(zap.String("component", "claudecode-reader")),
	}
}

// Read consumes stdout until EOF or context cancellation. Unparseable lines
// are logged and skipped; the CLI interleaves diagnostics on stdout when
// things go wrong and a single bad line must not kill the run.
func (r *StreamReader) Read(ctx context.Context) error {
	scanner := bufio.NewScanner(r.stdout)
	// Single records can carry whole-file tool results; allow up to 10MB.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg CLIMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			r.logger.Warn("skipping unparseable stream-json line",
				zap.Error(err),
				zap.Int("length", len(line)))
			continue
		}
		r.handler(&msg)
	}
	return scanner.Err()
}
