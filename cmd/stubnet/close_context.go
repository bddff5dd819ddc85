package main

import (
	"context"
	"time"
)

// closeContext returns the context handed to http.Server.Shutdown.
//
// timeout <= 0 means no grace period: the context is already done and
// in-flight requests are dropped.
func closeContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx, cancel
}
