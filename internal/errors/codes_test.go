package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/kevklatman/distfs/internal/errors"
)

func TestCoreErrorWrapping(t *testing.T) {
	cause := stderrors.New("disk full")
	err := coreerrors.InternalError("local write failed", cause)

	assert.Equal(t, "local write failed: disk full", err.Error())
	assert.True(t, stderrors.Is(err, cause))

	wrapped := fmt.Errorf("operation aborted: %w", err)
	assert.True(t, coreerrors.IsCoreError(wrapped))
	assert.Equal(t, coreerrors.ErrCodeInternal, coreerrors.GetCode(wrapped))
}

func TestGetCodeOnPlainError(t *testing.T) {
	assert.Equal(t, coreerrors.ErrCodeInternal, coreerrors.GetCode(stderrors.New("plain")))
}

func TestWithDetail(t *testing.T) {
	err := coreerrors.WriteFailure("blob-1", 1, 2)
	require.Contains(t, err.Details, "data_id")
	assert.Equal(t, "blob-1", err.Details["data_id"])
	assert.Equal(t, 1, err.Details["succeeded"])
	assert.Equal(t, 2, err.Details["required"])
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		err  *coreerrors.CoreError
		want int
	}{
		{coreerrors.NotFound("x"), http.StatusNotFound},
		{coreerrors.InvalidArgument("bad", nil), http.StatusBadRequest},
		{coreerrors.DuplicateNode("n1"), http.StatusConflict},
		{coreerrors.ChecksumFailed("aa", "bb"), http.StatusUnprocessableEntity},
		{coreerrors.Consistency("x", "divergence"), http.StatusConflict},
		{coreerrors.InsufficientNodes(3, 1), http.StatusServiceUnavailable},
		{coreerrors.WriteTimeout("x", 1, 2), http.StatusServiceUnavailable},
		{coreerrors.NodeUnhealthy("n1", "overloaded"), http.StatusServiceUnavailable},
		{coreerrors.InternalError("boom", nil), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.err.HTTPStatus(), tt.err.Message)
	}
}
