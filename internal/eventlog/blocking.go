package eventlog

import (
	"context"
	"time"
)

// Notify returns a channel closed by the next successful append. Take it
// before reading so an append racing the read is not missed.
func (l *Log) Notify() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notifyCh
}

// WaitForAppend blocks until either a new append occurs, ctx ends or timeout
// elapses. It returns true if woken by an append.
func (l *Log) WaitForAppend(ctx context.Context, timeout time.Duration) bool {
	return WaitOn(ctx, l.Notify(), timeout)
}

// WaitOn waits for ch with the same semantics as WaitForAppend.
func WaitOn(ctx context.Context, ch <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-ch:
			return true
		case <-ctx.Done():
			return false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	case <-t.C:
		return false
	}
}
