package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWalksWrapChain(t *testing.T) {
	base := New(KindNotFound, "task missing")
	wrapped := fmt.Errorf("while loading: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindNotFound))
	assert.Equal(t, "task missing", MessageOf(wrapped))
}

func TestKindOfUntagged(t *testing.T) {
	assert.Equal(t, KindUnexpected, KindOf(errors.New("boom")))
}

func TestValidationCarriesDetails(t *testing.T) {
	err := Validation(
		Detail{Field: "title", Message: "title is required"},
		Detail{Field: "repo_url", Message: "repo_url is required"},
	)

	assert.Equal(t, KindInvalidInput, err.Kind)
	assert.Equal(t, "Validation failed", err.Message)
	assert.Len(t, DetailsOf(err), 2)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindInvalidInput, http.StatusBadRequest},
		{KindInvalidTransition, http.StatusBadRequest},
		{KindNoBackend, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindMergeConflict, http.StatusConflict},
		{KindBackendFailure, http.StatusBadGateway},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindCleanupFailure, http.StatusInternalServerError},
		{KindUnexpected, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.kind), string(tt.kind))
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("exit status 1")
	err := Wrap(KindBackendFailure, "agent exited", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "backend-failure")
	assert.Contains(t, err.Error(), "exit status 1")
}
