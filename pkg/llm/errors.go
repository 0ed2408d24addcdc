package llm

import (
	"fmt"

	"github.com/pkg/errors"
)

// Common errors returned by the gateway.
var (
	// ErrNoProvider indicates that no provider configuration could be resolved
	ErrNoProvider = errors.New("no provider configured")

	// ErrEmptyResponse indicates that the upstream returned no choices
	ErrEmptyResponse = errors.New("upstream returned no choices")
)

// UpstreamError is a non-2xx reply from the provider endpoint.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Message)
}

// IsUpstreamError reports whether err wraps an UpstreamError.
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
