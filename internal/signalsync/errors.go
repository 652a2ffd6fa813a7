package signalsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotSupported   = errors.New("operation not supported")
	ErrConfig         = errors.New("configuration error")
	ErrTransientFetch = errors.New("transient fetch failure")
	ErrPermanentFetch = errors.New("permanent fetch failure")
)

// ConfigError marks a collaboration as unrunnable: bad credentials, a
// missing source parameter, or an unknown connector name. It is never
// retried.
type ConfigError struct {
	Collab string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Collab == "" {
		return fmt.Sprintf("configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("configuration error for %s: %s", e.Collab, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// FetchError wraps a failed exchange round-trip. Transient failures
// (network, rate limiting, server errors) may be retried by the caller;
// everything else aborts the collaboration's pass.
type FetchError struct {
	StatusCode int
	Message    string
	Transient  bool
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s fetch failure: http %d: %s", kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s fetch failure: %s", kind, e.Message)
}

func (e *FetchError) Is(target error) bool {
	if e.Transient {
		return target == ErrTransientFetch
	}
	return target == ErrPermanentFetch
}
