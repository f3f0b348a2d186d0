package balancer

import (
	"errors"
	"fmt"
)

var (
	// ErrNoHealthyEndpoints means the pool has no member to route to,
	// either at the start of a dispatch or after failures exhausted it.
	ErrNoHealthyEndpoints = errors.New("no healthy endpoints available")

	// ErrMaxRetriesExceeded means every allowed attempt failed.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrPoolInactive means the pool is administratively disabled.
	ErrPoolInactive = errors.New("pool is inactive")

	// ErrFallbackDisabled means the selected endpoint failed and the
	// pool does not permit trying another.
	ErrFallbackDisabled = errors.New("fallback is disabled for this pool")
)

// DispatchError wraps a terminal dispatch failure with routing context.
type DispatchError struct {
	PoolID     string
	EndpointID string
	Attempts   int
	Err        error
}

func (e *DispatchError) Error() string {
	if e.PoolID == "" {
		return fmt.Sprintf("dispatch to endpoint %s failed after %d attempt(s): %v", e.EndpointID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("dispatch via pool %s failed after %d attempt(s): %v", e.PoolID, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
