package orchestrator

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/taskdeck/internal/task"
)

func newTestRouter(t *testing.T, env *testEnv) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(env.svc, env.hub, time.Second, testLogger(t))
	h.RegisterRoutes(r.Group("/api/v1"))
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func TestHTTP_CreateAndGetTask(t *testing.T) {
	env := newTestEnv(t, 300)
	r := newTestRouter(t, env)
	_, repoURL := gitUpstream(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/tasks", gin.H{
		"title":    "Add a readme",
		"repo_url": repoURL,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, task.StatusDraft, created.Status)

	w = doJSON(t, r, http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestHTTP_InvalidTaskID(t *testing.T) {
	env := newTestEnv(t, 300)
	r := newTestRouter(t, env)

	w := doJSON(t, r, http.MethodGet, "/api/v1/tasks/not-a-valid-id", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid-id", decodeBody(t, w)["error"])

	// Well-formed but unknown id reaches the service and 404s.
	w = doJSON(t, r, http.MethodGet, "/api/v1/tasks/9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTP_CreateValidationEnvelope(t *testing.T) {
	env := newTestEnv(t, 300)
	r := newTestRouter(t, env)

	w := doJSON(t, r, http.MethodPost, "/api/v1/tasks", gin.H{"description": "no title or repo"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "Validation failed", body["error"])
	details, ok := body["details"].([]any)
	require.True(t, ok, "details missing: %v", body)
	assert.Len(t, details, 2)
}

func TestHTTP_InvalidTransitionEnvelope(t *testing.T) {
	env := newTestEnv(t, 300)
	r := newTestRouter(t, env)
	_, repoURL := gitUpstream(t)
	created := env.createTask(t, repoURL)

	// Approve on a draft task violates the status machine.
	w := doJSON(t, r, http.MethodPost, "/api/v1/tasks/"+created.ID+"/approve", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "Invalid task status", body["error"])
	assert.Contains(t, body["message"], "approve")
}

func TestHTTP_PatchStatus(t *testing.T) {
	env := newTestEnv(t, 300)
	r := newTestRouter(t, env)
	_, repoURL := gitUpstream(t)
	created := env.createTask(t, repoURL)

	w := doJSON(t, r, http.MethodPatch, "/api/v1/tasks/"+created.ID, gin.H{"status": "review"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var got task.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, task.StatusAwaitingReview, got.Status)
}

func TestHTTP_ChangesEmpty(t *testing.T) {
	env := newTestEnv(t, 300)
	r := newTestRouter(t, env)
	_, repoURL := gitUpstream(t)
	created := env.createTask(t, repoURL)

	w := doJSON(t, r, http.MethodGet, "/api/v1/tasks/"+created.ID+"/changes", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap task.DiffSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Empty(t, snap.Files)
}

func TestHTTP_ExtendWithoutRun(t *testing.T) {
	env := newTestEnv(t, 300)
	r := newTestRouter(t, env)
	_, repoURL := gitUpstream(t)
	created := env.createTask(t, repoURL)

	w := doJSON(t, r, http.MethodPost, "/api/v1/tasks/"+created.ID+"/extend", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid task status", decodeBody(t, w)["error"])
}

func TestHTTP_DeleteTask(t *testing.T) {
	env := newTestEnv(t, 300)
	r := newTestRouter(t, env)
	_, repoURL := gitUpstream(t)
	created := env.createTask(t, repoURL)

	w := doJSON(t, r, http.MethodDelete, "/api/v1/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
