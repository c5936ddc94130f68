package ferrors

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesChain(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Wrap(Transient, cause, "upload failed")

	require.ErrorIs(t, err, cause)
	fe, ok := As(err)
	require.True(t, ok)
	assert.Equal(t, Transient, fe.Kind)
}

func TestKindOfUnkindedErrorIsFatal(t *testing.T) {
	assert.Equal(t, Fatal, KindOf(errors.New("boom")))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		Config:        http.StatusUnprocessableEntity,
		Conflict:      http.StatusConflict,
		QuotaExceeded: http.StatusUnprocessableEntity,
		Fatal:         http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), "kind=%s", kind)
	}
}

func TestToBody(t *testing.T) {
	status, body := ToBody(New(Conflict, "backup already running"))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, Conflict, body.Kind)
	assert.Contains(t, body.Detail, "already running")
}
