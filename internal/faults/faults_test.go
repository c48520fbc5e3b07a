package faults

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindBadRequest:      http.StatusBadRequest,
		KindValidation:      http.StatusBadRequest,
		KindUnauthorized:    http.StatusUnauthorized,
		KindAuthentication:  http.StatusForbidden,
		KindNotFound:        http.StatusNotFound,
		KindPayloadTooLarge: http.StatusRequestEntityTooLarge,
		KindUnavailable:     http.StatusServiceUnavailable,
		KindNetwork:         http.StatusBadGateway,
		KindTimeout:         http.StatusGatewayTimeout,
		KindStorage:         http.StatusInternalServerError,
		KindDecryption:      http.StatusInternalServerError,
		KindInternal:        http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.HTTPStatus(), "kind %s", kind)
	}
}

func TestKindOfWrappedChain(t *testing.T) {
	base := errors.New("connection reset")
	f := Wrap(KindNetwork, base, "aggregator fetch")

	// Kind survives further fmt wrapping.
	wrapped := fmt.Errorf("stage ingest: %w", f)

	assert.Equal(t, KindNetwork, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindNetwork))
	assert.True(t, errors.Is(wrapped, base))
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestFaultError(t *testing.T) {
	f := New(KindUnavailable, "aggregator endpoint not configured")
	require.EqualError(t, f, "service_unavailable: aggregator endpoint not configured")

	f = Wrap(KindTimeout, errors.New("context deadline exceeded"), "key recovery")
	assert.Contains(t, f.Error(), "timeout: key recovery")
	assert.Contains(t, f.Error(), "context deadline exceeded")
}
