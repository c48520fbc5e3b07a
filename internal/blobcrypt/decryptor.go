package blobcrypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/audionet/verifier/internal/faults"
)

// Decryptor fetches an encrypted blob from the aggregator and recovers
// its plaintext. The aggregator is eventually consistent: a freshly
// written blob may 404 for a while, so the fetch sleeps before the first
// attempt and retries 404s on a fixed cadence.
//
// Decrypt blocks for up to several minutes; callers run it on a worker
// goroutine, never on the request path's critical section.
type Decryptor struct {
	aggregatorURL   string
	aggregatorToken string
	keys            KeyRecoverer
	client          *http.Client
	logger          *log.Logger

	propagationDelay time.Duration
	retryBackoff     time.Duration
	maxRetries       int
	fetchTimeout     time.Duration

	// retryNotify fires once per 404 retry, for instrumentation.
	retryNotify func()
}

// Option tunes a Decryptor; used by tests to collapse the sleep windows.
type Option func(*Decryptor)

// WithRetrySchedule overrides the propagation delay and retry cadence.
func WithRetrySchedule(propagationDelay, backoff time.Duration, maxRetries int) Option {
	return func(d *Decryptor) {
		d.propagationDelay = propagationDelay
		d.retryBackoff = backoff
		d.maxRetries = maxRetries
	}
}

// WithFetchTimeout overrides the total fetch bound.
func WithFetchTimeout(timeout time.Duration) Option {
	return func(d *Decryptor) { d.fetchTimeout = timeout }
}

// WithRetryNotify installs a callback invoked on every 404 retry.
func WithRetryNotify(fn func()) Option {
	return func(d *Decryptor) { d.retryNotify = fn }
}

// NewDecryptor builds a Decryptor with the standard schedule: 15 s
// propagation delay, up to 10 retries at 30 s on 404 only, 300 s total
// fetch bound.
func NewDecryptor(aggregatorURL, aggregatorToken string, keys KeyRecoverer, client *http.Client, opts ...Option) *Decryptor {
	if client == nil {
		client = &http.Client{}
	}
	d := &Decryptor{
		aggregatorURL:    strings.TrimRight(aggregatorURL, "/"),
		aggregatorToken:  aggregatorToken,
		keys:             keys,
		client:           client,
		logger:           log.New(log.Writer(), "[DECRYPT] ", log.LstdFlags),
		propagationDelay: 15 * time.Second,
		retryBackoff:     30 * time.Second,
		maxRetries:       10,
		fetchTimeout:     300 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decrypt fetches blobRef from the aggregator, detects the envelope
// layout, recovers the sealed key (or plaintext) through the key service
// and opens the AEAD payload.
func (d *Decryptor) Decrypt(ctx context.Context, blobRef, sealedObjectHex, identity string, sessionKey []byte) ([]byte, error) {
	if blobRef == "" {
		return nil, faults.New(faults.KindValidation, "empty blob reference")
	}

	blob, err := d.fetch(ctx, blobRef)
	if err != nil {
		return nil, err
	}

	env, isEnvelope := ParseEnvelope(blob)
	if !isEnvelope {
		// Direct-sealed: the key service yields the plaintext itself.
		plaintext, err := d.keys.Recover(ctx, sealedObjectHex, identity, sessionKey)
		if err != nil {
			return nil, err
		}
		return plaintext, nil
	}

	if err := env.Validate(); err != nil {
		return nil, err
	}

	d.logger.Printf("envelope blob %s: sealed key %d bytes, ciphertext %d bytes",
		blobRef, len(env.SealedKey), len(env.Ciphertext))

	key, err := d.keys.Recover(ctx, hex.EncodeToString(env.SealedKey), identity, sessionKey)
	if err != nil {
		return nil, err
	}
	if len(key) != aeadKeySize {
		return nil, faults.Errorf(faults.KindDecryption, "recovered key is %d bytes, want %d", len(key), aeadKeySize)
	}

	return openAEAD(key, env.Ciphertext)
}

// fetch retrieves the blob body. It sleeps for the propagation delay
// before the first attempt and retries only on 404.
func (d *Decryptor) fetch(ctx context.Context, blobRef string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.fetchTimeout)
	defer cancel()

	if d.propagationDelay > 0 {
		d.logger.Printf("waiting %s for blob %s to propagate", d.propagationDelay, blobRef)
		if err := sleepCtx(ctx, d.propagationDelay); err != nil {
			return nil, faults.Wrap(faults.KindTimeout, err, "blob fetch cancelled during propagation wait")
		}
	}

	url := fmt.Sprintf("%s/%s", d.aggregatorURL, blobRef)

	for attempt := 0; ; attempt++ {
		blob, retryNotFound, err := d.fetchOnce(ctx, url)
		if err == nil {
			return blob, nil
		}
		if !retryNotFound || attempt >= d.maxRetries {
			if retryNotFound {
				return nil, faults.Errorf(faults.KindNetwork, "blob %s not found after %d attempts", blobRef, attempt+1)
			}
			return nil, err
		}

		d.logger.Printf("blob %s not yet propagated (attempt %d/%d), retrying in %s",
			blobRef, attempt+1, d.maxRetries, d.retryBackoff)
		if d.retryNotify != nil {
			d.retryNotify()
		}
		if err := sleepCtx(ctx, d.retryBackoff); err != nil {
			return nil, faults.Wrap(faults.KindTimeout, err, "blob fetch timed out during retry wait")
		}
	}
}

func (d *Decryptor) fetchOnce(ctx context.Context, url string) (blob []byte, retryNotFound bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, faults.Wrap(faults.KindValidation, err, "build blob request")
	}
	if d.aggregatorToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.aggregatorToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, false, faults.Wrap(faults.KindTimeout, err, "blob fetch exceeded deadline")
		}
		return nil, false, faults.Wrap(faults.KindNetwork, err, "blob fetch transport")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, faults.Wrap(faults.KindNetwork, err, "read blob body")
		}
		return body, false, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, true, faults.New(faults.KindNetwork, "blob not found")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, false, faults.Errorf(faults.KindAuthentication, "aggregator denied fetch (status %d)", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, false, faults.Errorf(faults.KindNetwork, "aggregator returned %d", resp.StatusCode)
	default:
		return nil, false, faults.Errorf(faults.KindValidation, "aggregator rejected fetch (status %d)", resp.StatusCode)
	}
}

// openAEAD opens [iv(12)][ciphertext+tag] with AES-256-GCM. A tag
// mismatch is fatal.
func openAEAD(key, payload []byte) ([]byte, error) {
	if len(payload) <= gcmNonceSize {
		return nil, faults.New(faults.KindValidation, "payload shorter than GCM nonce")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, faults.Wrap(faults.KindDecryption, err, "init cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, faults.Wrap(faults.KindDecryption, err, "init GCM")
	}

	nonce, ct := payload[:gcmNonceSize], payload[gcmNonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindDecryption, err, "authenticated decryption failed")
	}
	return plaintext, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
