package resilience

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind is the normalized failure class reported by a provider adapter.
type Kind string

const (
	KindTransient    Kind = "transient"
	KindRateLimited  Kind = "rate_limited"
	KindNotFound     Kind = "not_found"
	KindInvalidInput Kind = "invalid_input"
	KindFatal        Kind = "fatal"
)

// Valid reports whether k is one of the known failure kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTransient, KindRateLimited, KindNotFound, KindInvalidInput, KindFatal:
		return true
	}
	return false
}

// ProviderError is the failure envelope returned by provider adapters.
type ProviderError struct {
	Kind     Kind
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Provider == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps err with a failure kind.
func NewProviderError(provider string, kind Kind, err error) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, Err: err}
}

// TransientError wraps an error that is safe to retry (e.g., 5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// KindOf classifies err. Typed provider errors win; an open circuit is
// treated as rate limiting so the caller backs off without charging; other
// errors fall back to the transient heuristics and finally to fatal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var pe *ProviderError
	if errors.As(err, &pe) && pe.Kind.Valid() {
		return pe.Kind
	}
	if errors.Is(err, ErrCircuitOpen) {
		return KindRateLimited
	}

	var te *TransientError
	if errors.As(err, &te) {
		switch {
		case te.StatusCode == 429:
			return KindRateLimited
		case te.StatusCode == 404:
			return KindNotFound
		}
		return KindTransient
	}

	if IsTransient(err) {
		return KindTransient
	}
	return KindFatal
}

// KindFromHTTPStatus maps a provider HTTP status onto a failure kind. The
// second return is false for 2xx/3xx codes.
func KindFromHTTPStatus(statusCode int) (Kind, bool) {
	switch {
	case statusCode < 400:
		return "", false
	case statusCode == 429:
		return KindRateLimited, true
	case statusCode == 404:
		return KindNotFound, true
	case IsTransientHTTPStatus(statusCode):
		return KindTransient, true
	case statusCode == 400 || statusCode == 422:
		return KindInvalidInput, true
	default:
		return KindFatal, true
	}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, a transient ProviderError, or matches common transient
// error patterns (network timeouts, connection resets, DNS failures).
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pe *ProviderError
	if errors.As(err, &pe) && pe.Kind.Valid() {
		return pe.Kind == KindTransient
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// IsTransientHTTPStatus returns true if the HTTP status code indicates a
// transient server-side issue that is safe to retry. 429 is deliberately
// absent: rate limiting requeues instead of retrying in place.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
