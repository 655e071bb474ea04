package provider

import (
	"errors"
	"fmt"
)

// Error kinds. Every adapter failure unwraps to exactly one of these.
var (
	// ErrNotConfigured means the capability is unavailable (no credentials).
	ErrNotConfigured = errors.New("provider not configured")
	// ErrRateLimited means the provider signalled quota exhaustion.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrInvalidData means a successful HTTP response carried unusable data.
	ErrInvalidData = errors.New("provider returned invalid data")
	// ErrTransport means the network or HTTP layer failed after retries.
	ErrTransport = errors.New("provider transport failure")
)

// Error is a classified adapter failure.
type Error struct {
	Provider string
	Kind     error
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NotConfigured(provider string) error {
	return &Error{Provider: provider, Kind: ErrNotConfigured}
}

func RateLimited(provider, msg string) error {
	return &Error{Provider: provider, Kind: ErrRateLimited, Err: errors.New(msg)}
}

func InvalidData(provider, format string, args ...any) error {
	return &Error{Provider: provider, Kind: ErrInvalidData, Err: fmt.Errorf(format, args...)}
}

func Transport(provider string, err error) error {
	return &Error{Provider: provider, Kind: ErrTransport, Err: err}
}

// KindOf returns the taxonomy sentinel for err. Unclassified errors count as
// transport failures; nil yields nil.
func KindOf(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotConfigured):
		return ErrNotConfigured
	case errors.Is(err, ErrRateLimited):
		return ErrRateLimited
	case errors.Is(err, ErrInvalidData):
		return ErrInvalidData
	default:
		return ErrTransport
	}
}
