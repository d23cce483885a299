package kvpool

import "errors"

var (
	// ErrAcquireTimeout is returned when no connection becomes available
	// before AcquireTimeout elapses.
	ErrAcquireTimeout = errors.New("kvpool: acquire timeout, pool exhausted")
	// ErrPoolClosed is returned by Acquire/Execute after Shutdown.
	ErrPoolClosed = errors.New("kvpool: pool closed")
	// ErrCreateFailed wraps a connection-creation failure after retries.
	ErrCreateFailed = errors.New("kvpool: connection creation failed")
)
