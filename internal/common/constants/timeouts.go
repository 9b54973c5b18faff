// Package constants provides engine-wide constants and timeouts.
package constants

import "time"

// Timeouts for various operations.
const (
	// DeleteWaitTimeout is the maximum time session deletion waits for an
	// active run to observe cancellation before purging state anyway.
	DeleteWaitTimeout = 5 * time.Second

	// ProviderAbortTimeout bounds how long a cancelled run may keep its
	// provider stream open.
	ProviderAbortTimeout = 500 * time.Millisecond

	// ToolDispatchTimeout is the default deadline for a single tool
	// invocation when the tool declares none of its own.
	ToolDispatchTimeout = 2 * time.Minute
)

// CommitRetryBackoff holds the waits between snapshot commit attempts. A
// failed commit is retried once per entry; after the last attempt the
// failure surfaces as an error event instead of failing the operation.
var CommitRetryBackoff = []time.Duration{
	10 * time.Millisecond,
	100 * time.Millisecond,
	time.Second,
}
