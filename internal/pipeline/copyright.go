package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// FingerprintMatcher checks the audio against a catalog of known
// recordings. Matcher errors never fail a run; the stage downgrades to
// an unchecked report instead.
type FingerprintMatcher interface {
	Match(ctx context.Context, path string) (*CopyrightReport, error)
}

// DisabledMatcher reports every file as unchecked. Used when no
// fingerprint API key is configured.
type DisabledMatcher struct{}

func (DisabledMatcher) Match(context.Context, string) (*CopyrightReport, error) {
	return &CopyrightReport{Checked: false}, nil
}

// HTTPFingerprintMatcher uploads the raw audio to the fingerprint
// service and maps its match list into a CopyrightReport.
type HTTPFingerprintMatcher struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPFingerprintMatcher(url, apiKey string, client *http.Client) *HTTPFingerprintMatcher {
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	return &HTTPFingerprintMatcher{url: url, apiKey: apiKey, client: client}
}

type fingerprintResponse struct {
	Matches []CopyrightMatch `json:"matches"`
	Error   string           `json:"error,omitempty"`
}

func (m *HTTPFingerprintMatcher) Match(ctx context.Context, path string) (*CopyrightReport, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio for fingerprinting: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, f)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fingerprint request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read fingerprint response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fingerprint service returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var decoded fingerprintResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode fingerprint response: %w", err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("fingerprint service error: %s", decoded.Error)
	}

	report := &CopyrightReport{Checked: true, Matches: decoded.Matches}
	for _, match := range decoded.Matches {
		if match.Confidence > report.Confidence {
			report.Confidence = match.Confidence
		}
	}
	report.Detected = len(decoded.Matches) > 0
	return report, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(bytes.TrimSpace(b))
	}
	return string(bytes.TrimSpace(b[:n])) + "..."
}
