package stream

import (
	"errors"
	"sync"
)

// ErrShutdown is returned by long-running operators when their shutdown
// token fires mid-operation.
var ErrShutdown = errors.New("actor shutdown requested")

// ShutdownToken is a cooperative cancellation handle. Long-running
// operator loops (hash-agg final scans, backfills) poll it between
// yields and abort with ErrShutdown when set.
type ShutdownToken struct {
	once sync.Once
	ch   chan struct{}
}

// NewShutdownToken creates an unfired token
func NewShutdownToken() *ShutdownToken {
	return &ShutdownToken{ch: make(chan struct{})}
}

// Shutdown fires the token; idempotent
func (t *ShutdownToken) Shutdown() {
	t.once.Do(func() { close(t.ch) })
}

// IsShutdown polls the token
func (t *ShutdownToken) IsShutdown() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done exposes the token for select loops
func (t *ShutdownToken) Done() <-chan struct{} {
	return t.ch
}

// Check returns ErrShutdown if the token fired
func (t *ShutdownToken) Check() error {
	if t.IsShutdown() {
		return ErrShutdown
	}
	return nil
}
