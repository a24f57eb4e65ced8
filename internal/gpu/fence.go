package gpu

import (
	"sync"
	"time"
)

// Fence is a one-shot completion signal. The presenter signals it once the
// device has finished reading a frame's textures; the resource manager
// waits on it before destroying anything those textures reference.
type Fence struct {
	ch   chan struct{}
	once sync.Once
}

// NewFence creates an unsignaled fence.
func NewFence() *Fence {
	return &Fence{ch: make(chan struct{})}
}

// Signal marks the fence as passed. Repeated signals are no-ops.
func (f *Fence) Signal() {
	f.once.Do(func() { close(f.ch) })
}

// Done returns a channel closed when the fence is signaled.
func (f *Fence) Done() <-chan struct{} {
	return f.ch
}

// Signaled reports whether the fence has passed without blocking.
func (f *Fence) Signaled() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the fence is signaled or the timeout elapses. It
// returns false on timeout.
func (f *Fence) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.ch:
		return true
	case <-timer.C:
		return false
	}
}
