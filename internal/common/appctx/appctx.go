// Package appctx provides context helpers for work that must outlive a
// request or run context.
package appctx

import (
	"context"
	"time"
)

// Detached returns a context that inherits the parent's values but not its
// cancellation or deadline. Use it for cleanup and bookkeeping that must
// complete even when the triggering context has been cancelled.
func Detached(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachedTimeout is Detached with an upper bound so detached work cannot
// hang forever. The caller must invoke the returned cancel function.
func DetachedTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
