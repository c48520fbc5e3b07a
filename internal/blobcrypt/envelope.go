// Package blobcrypt retrieves encrypted audio blobs from the aggregator
// and recovers their plaintext: propagation-tolerant fetch, envelope
// detection, sealed-key recovery through the key service, and AES-GCM
// open of the payload.
package blobcrypt

import (
	"encoding/binary"

	"github.com/audionet/verifier/internal/faults"
)

// Envelope length prefix bounds. A leading u32 outside this range means
// the blob is a directly-sealed payload, not an envelope.
const (
	minSealedKeyLen = 200
	maxSealedKeyLen = 400

	gcmNonceSize = 12
	aeadKeySize  = 32
)

// Envelope is the parsed two-layer wire format:
//
//	+--------+------------------+--------------------------+
//	| L(u32) | sealed_key[L]    | iv(12) | ct+tag(rest)    |
//	+--------+------------------+--------------------------+
//
// L is little-endian and valid iff 200 <= L <= 400.
type Envelope struct {
	SealedKey  []byte
	Ciphertext []byte
}

// ParseEnvelope inspects the blob's length prefix. The second return is
// false when the blob is direct-sealed (no envelope); the caller then
// treats the whole blob as the sealed payload.
func ParseEnvelope(blob []byte) (*Envelope, bool) {
	if len(blob) < 4 {
		return nil, false
	}
	keyLen := int(binary.LittleEndian.Uint32(blob[:4]))
	if keyLen < minSealedKeyLen || keyLen > maxSealedKeyLen {
		return nil, false
	}
	if len(blob) <= keyLen+4 {
		return nil, false
	}
	return &Envelope{
		SealedKey:  blob[4 : 4+keyLen],
		Ciphertext: blob[4+keyLen:],
	}, true
}

// Validate checks the ciphertext is long enough to carry a nonce and tag.
func (e *Envelope) Validate() error {
	if len(e.Ciphertext) <= gcmNonceSize {
		return faults.New(faults.KindValidation, "envelope ciphertext shorter than nonce")
	}
	return nil
}
