package errors_test

import (
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/fanout/smartfeed/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestSentinelMatching(t *testing.T) {
	sentinel := errors.NotFound("item does not exist", nil)

	returned := errors.NotFound("item does not exist", nil)
	assert.True(t, errors.Is(returned, sentinel))

	other := errors.NotFound("feed does not exist", nil)
	assert.False(t, errors.Is(other, sentinel))
}

func TestWrapPreservesCode(t *testing.T) {
	base := errors.InvalidArgument("bad cursor format", nil)
	wrapped := errors.Wrap(base, "failed to resolve spec")

	assert.Equal(t, errors.CodeInvalidArgument, errors.CodeOf(wrapped))
	assert.True(t, errors.Is(wrapped, base))
}

func TestWrapPlainError(t *testing.T) {
	plain := stderrors.New("boom")
	wrapped := errors.Wrap(plain, "operation failed")

	assert.Equal(t, errors.CodeInternal, errors.CodeOf(wrapped))
	assert.True(t, errors.Is(wrapped, plain))
	assert.Contains(t, wrapped.Error(), "operation failed")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, errors.Wrap(nil, "nothing"))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{errors.InvalidArgument("x", nil), http.StatusBadRequest},
		{errors.NotFound("x", nil), http.StatusNotFound},
		{errors.Conflict("x", nil), http.StatusConflict},
		{errors.Forbidden("x", nil), http.StatusForbidden},
		{errors.Unimplemented("x", nil), http.StatusNotImplemented},
		{errors.Unavailable("x", nil), http.StatusServiceUnavailable},
		{errors.Internal("x", nil), http.StatusInternalServerError},
		{stderrors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, errors.HTTPStatus(tc.err), "error %v", tc.err)
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(errors.NotFound("x", nil)))
	assert.Equal(t, errors.CodeInternal, errors.CodeOf(stderrors.New("plain")))
}
