package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedCachesResults(t *testing.T) {
	var calls int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		json.NewEncoder(w).Encode(embedResponse{Embedding: []float64{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	svc := NewService(srv.URL, "key", nil)
	require.True(t, svc.Enabled())

	first, err := svc.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, first)

	second, err := svc.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls), "second call must hit the cache")
	assert.Equal(t, 1, svc.CacheSize())
}

func TestEmbedPropagatesServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	svc := NewService(srv.URL, "", nil)
	_, err := svc.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, 0, svc.CacheSize(), "errors must not be cached")
}

func TestDisabledServiceIsNil(t *testing.T) {
	svc := NewService("", "", nil)
	assert.False(t, svc.Enabled())
	assert.Equal(t, 0, svc.CacheSize())

	_, err := svc.Embed(context.Background(), "text")
	assert.Error(t, err)
}

func TestEmbedSendsBearerToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(embedResponse{Embedding: []float64{1}})
	}))
	defer srv.Close()

	svc := NewService(srv.URL, "embed-key", nil)
	_, err := svc.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, "Bearer embed-key", auth)
}
