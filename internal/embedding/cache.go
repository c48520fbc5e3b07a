// Package embedding computes text embeddings through an external service,
// with a per-process cache and a token-bucket limiter so concurrent
// pipeline runs cannot stampede the provider.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// embedRequestsPerSecond caps outbound embedding calls per process.
const embedRequestsPerSecond = 5

// Service fetches embeddings with caching. The zero value is not usable;
// construct with NewService. A nil *Service is a disabled service whose
// Embed always errors, so callers can treat the feature as optional.
type Service struct {
	url    string
	apiKey string
	client *http.Client
	logger *log.Logger

	limiter *rate.Limiter

	mu    sync.RWMutex
	cache map[string][]float64
}

// NewService returns nil when url is empty (feature disabled).
func NewService(url, apiKey string, client *http.Client) *Service {
	if url == "" {
		return nil
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Service{
		url:     url,
		apiKey:  apiKey,
		client:  client,
		logger:  log.New(log.Writer(), "[EMBED] ", log.LstdFlags),
		limiter: rate.NewLimiter(embedRequestsPerSecond, embedRequestsPerSecond),
		cache:   make(map[string][]float64),
	}
}

// Enabled reports whether the service is configured.
func (s *Service) Enabled() bool { return s != nil }

type embedRequest struct {
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// Embed returns the embedding for text, consulting the cache first. Cache
// hits bypass the rate limiter.
func (s *Service) Embed(ctx context.Context, text string) ([]float64, error) {
	if s == nil {
		return nil, fmt.Errorf("embedding service not configured")
	}

	s.mu.RLock()
	cached, ok := s.cache[text]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding rate limit wait: %w", err)
	}

	vec, err := s.fetch(ctx, text)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[text] = vec
	s.mu.Unlock()
	return vec, nil
}

func (s *Service) fetch(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(embedRequest{Input: text})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}

	var decoded embedResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("embedding service error: %s", decoded.Error)
	}
	return decoded.Embedding, nil
}

// CacheSize returns the number of cached texts.
func (s *Service) CacheSize() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}
