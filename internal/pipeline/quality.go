package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/audionet/verifier/internal/faults"
)

// QualityChecker runs the technical audio inspection over the scratch
// file and returns the report, passed or failed.
type QualityChecker interface {
	Check(ctx context.Context, path string) (*QualityReport, error)
}

// HTTPQualityChecker calls the quality sidecar, which shares the temp
// volume with this process and inspects the file by path.
type HTTPQualityChecker struct {
	url    string
	client *http.Client
}

func NewHTTPQualityChecker(url string, client *http.Client) *HTTPQualityChecker {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &HTTPQualityChecker{url: url, client: client}
}

type qualityRequest struct {
	Path string `json:"path"`
}

func (c *HTTPQualityChecker) Check(ctx context.Context, path string) (*QualityReport, error) {
	body, err := json.Marshal(qualityRequest{Path: path})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindNetwork, err, "quality service unreachable")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, faults.Wrap(faults.KindNetwork, err, "read quality response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, faults.New(faults.KindNetwork, fmt.Sprintf("quality service returned %d", resp.StatusCode))
	}

	var report QualityReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "decode quality report")
	}
	return &report, nil
}
