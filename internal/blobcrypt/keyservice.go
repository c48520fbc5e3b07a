package blobcrypt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/audionet/verifier/internal/faults"
)

// KeyRecoverer opens a sealed payload through the external key service.
// For envelope blobs the recovered bytes are the 32-byte AEAD key; for
// direct-sealed blobs they are the plaintext itself.
type KeyRecoverer interface {
	Recover(ctx context.Context, sealedHex, identity string, sessionKey []byte) ([]byte, error)
}

// KeyServiceClient calls the sealed-key recovery endpoint over HTTP with
// bounded retries on transport error.
type KeyServiceClient struct {
	url       string
	packageID string
	client    *http.Client

	attempts       int
	initialBackoff time.Duration
	perCallTimeout time.Duration
}

// NewKeyServiceClient builds a client with the standard bounds: three
// attempts, exponential backoff, 60 s per attempt.
func NewKeyServiceClient(url, packageID string, client *http.Client) *KeyServiceClient {
	if client == nil {
		client = &http.Client{}
	}
	return &KeyServiceClient{
		url:            url,
		packageID:      packageID,
		client:         client,
		attempts:       3,
		initialBackoff: time.Second,
		perCallTimeout: 60 * time.Second,
	}
}

type keyRecoveryRequest struct {
	SealedObject string `json:"sealed_object"`
	Identity     string `json:"identity"`
	SessionKey   string `json:"session_key"`
	PackageID    string `json:"package_id"`
}

type keyRecoveryResponse struct {
	Decrypted string `json:"decrypted"`
	Error     string `json:"error,omitempty"`
}

// Recover exchanges the sealed object for raw bytes. Policy denials map
// to KindAuthentication and are not retried; transport errors retry with
// exponential backoff.
func (k *KeyServiceClient) Recover(ctx context.Context, sealedHex, identity string, sessionKey []byte) ([]byte, error) {
	body, err := json.Marshal(keyRecoveryRequest{
		SealedObject: sealedHex,
		Identity:     identity,
		SessionKey:   base64.StdEncoding.EncodeToString(sessionKey),
		PackageID:    k.packageID,
	})
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, err, "encode key recovery request")
	}

	backoff := k.initialBackoff
	var lastErr error

	for attempt := 1; attempt <= k.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, faults.Wrap(faults.KindTimeout, ctx.Err(), "key recovery cancelled")
			}
			backoff *= 2
		}

		out, retryable, err := k.call(ctx, body)
		if err == nil {
			return out, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, faults.Wrap(faults.KindNetwork, lastErr, fmt.Sprintf("key recovery failed after %d attempts", k.attempts))
}

func (k *KeyServiceClient) call(ctx context.Context, body []byte) (out []byte, retryable bool, err error) {
	callCtx, cancel := context.WithTimeout(ctx, k.perCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, k.url, bytes.NewReader(body))
	if err != nil {
		return nil, false, faults.Wrap(faults.KindValidation, err, "build key recovery request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, true, faults.Wrap(faults.KindTimeout, err, "key recovery timed out")
		}
		return nil, true, faults.Wrap(faults.KindNetwork, err, "key recovery transport")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fallthrough to decode below
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, faults.Errorf(faults.KindAuthentication, "key service denied policy (status %d)", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, true, faults.Errorf(faults.KindNetwork, "key service returned %d", resp.StatusCode)
	default:
		return nil, false, faults.Errorf(faults.KindValidation, "key service rejected request (status %d)", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, true, faults.Wrap(faults.KindNetwork, err, "read key service response")
	}

	var decoded keyRecoveryResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, false, faults.Wrap(faults.KindDecryption, err, "decode key service response")
	}
	if decoded.Error != "" {
		return nil, false, faults.Errorf(faults.KindDecryption, "key service error: %s", decoded.Error)
	}

	recovered, err := base64.StdEncoding.DecodeString(decoded.Decrypted)
	if err != nil {
		return nil, false, faults.Wrap(faults.KindDecryption, err, "decode recovered bytes")
	}
	return recovered, false, nil
}
