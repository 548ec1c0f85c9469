package manager

import (
	"errors"
	"fmt"
)

var (
	// ErrNoProxy means no active proxy satisfies the requirements. Callers
	// should back off or relax the requirements.
	ErrNoProxy = errors.New("no proxy available")

	// ErrStoreUnavailable wraps every shared store failure on the request path
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrShuttingDown is returned by request-path calls after Shutdown began
	ErrShuttingDown = errors.New("proxy manager shutting down")
)

// ProviderError is an acquisition or rotation failure of one provider. It
// is logged and counted but never aborts work for other providers.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
