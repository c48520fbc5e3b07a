// Package faults defines the error taxonomy shared by the ingress layer,
// the decryption engine and the verification pipeline, together with the
// mapping of each kind to a transport-level HTTP status.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping and retry decisions.
type Kind int

const (
	KindInternal Kind = iota // unclassified; maps to 500
	KindBadRequest
	KindUnauthorized
	KindAuthentication // key service denied the sealing policy
	KindNotFound
	KindPayloadTooLarge
	KindUnavailable // required configuration absent, or worker pool saturated
	KindNetwork     // transient upstream failure
	KindTimeout
	KindStorage // session store write failure
	KindValidation
	KindDecryption
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindAuthentication:
		return "authentication_failure"
	case KindNotFound:
		return "not_found"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindUnavailable:
		return "service_unavailable"
	case KindNetwork:
		return "network_failure"
	case KindTimeout:
		return "timeout"
	case KindStorage:
		return "storage_error"
	case KindValidation:
		return "validation_failure"
	case KindDecryption:
		return "decryption_failure"
	default:
		return "internal_error"
	}
}

// HTTPStatus returns the transport status for a kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest, KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindAuthentication:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindNetwork:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		// KindStorage, KindDecryption and KindInternal all surface as 500.
		return http.StatusInternalServerError
	}
}

// Fault is an error carrying a Kind. It wraps an optional cause so callers
// can still use errors.Is/As against the underlying error.
type Fault struct {
	Kind Kind
	Msg  string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Msg, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Msg)
}

func (f *Fault) Unwrap() error { return f.Err }

// New creates a Fault with no underlying cause.
func New(kind Kind, msg string) *Fault {
	return &Fault{Kind: kind, Msg: msg}
}

// Errorf creates a Fault with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Fault {
	return &Fault{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error.
func Wrap(kind Kind, err error, msg string) *Fault {
	return &Fault{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors are
// reported as KindInternal.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
