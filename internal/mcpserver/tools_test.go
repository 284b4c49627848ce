package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/taskdeck/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func TestAPIClient_Do(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/api/v1/tasks":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"id":"t1","title":"one"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"task not found"}`))
		}
	}))
	defer srv.Close()

	api := &apiClient{base: srv.URL, token: "secret", log: newTestLogger(t)}

	status, raw, err := api.do(context.Background(), http.MethodGet, "/api/v1/tasks", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Bearer secret", gotAuth)

	var tasks []map[string]any
	require.NoError(t, json.Unmarshal(raw, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0]["id"])

	status, raw, err = api.do(context.Background(), http.MethodGet, "/api/v1/tasks/missing", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Contains(t, string(raw), "not found")
}

func TestAPIClient_ReadLogReplay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/tasks/t1/logs", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")

		flusher := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "event: log\n")
			fmt.Fprintf(w, `data: {"timestamp":"2026-08-25T10:00:0%dZ","level":"info","message":"line %d"}`+"\n\n", i, i)
		}
		fmt.Fprint(w, "event: status\n")
		fmt.Fprint(w, `data: {"task_id":"t1","status":"coding"}`+"\n\n")
		flusher.Flush()

		// Hold the stream open like a live connection; the client's read
		// deadline ends the call.
		<-r.Context().Done()
	}))
	defer srv.Close()

	api := &apiClient{base: srv.URL, log: newTestLogger(t)}

	start := time.Now()
	lines, err := api.readLogReplay(context.Background(), "t1", 100)
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "line 0")
	assert.Contains(t, lines[0], "[info]")
	assert.Less(t, time.Since(start), 10*time.Second)

	// The limit caps the collected lines and returns promptly.
	lines, err = api.readLogReplay(context.Background(), "t1", 2)
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}
