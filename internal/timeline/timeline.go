// Package timeline implements a per-client fence primitive: a monotonic
// counter pair (issued/signaled) plus cheaply duplicable fence handles
// that become ready once the signaled count reaches the handle's
// issuance count.
package timeline

import "sync"

// Timeline wraps an issuance counter and a signal counter. It is safe for
// concurrent use.
type Timeline struct {
	mu       sync.Mutex
	issued   uint64
	signaled uint64
	waiters  []waiter
}

type waiter struct {
	target uint64
	ch     chan struct{}
}

// New creates a Timeline starting at zero.
func New() *Timeline {
	return &Timeline{}
}

// BumpIssuance advances the issued counter and returns its new value,
// without minting a fence. Used when a client is known to want the next
// frame but a caller-visible fence handle isn't needed yet.
func (t *Timeline) BumpIssuance() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.issued++
	return t.issued
}

// BumpSignal advances the signaled counter, releasing any fence whose
// issuance count is now at or below it.
func (t *Timeline) BumpSignal() {
	t.mu.Lock()
	t.signaled++
	t.releaseReadyLocked()
	t.mu.Unlock()
}

func (t *Timeline) releaseReadyLocked() {
	remaining := t.waiters[:0]
	for _, w := range t.waiters {
		if w.target <= t.signaled {
			close(w.ch)
		} else {
			remaining = append(remaining, w)
		}
	}
	t.waiters = remaining
}

// CreateFence mints a fence bound to the current issued count (after
// bumping it) and returns a handle that becomes ready once BumpSignal has
// been called at least that many times, or the Timeline is Closed.
func (t *Timeline) CreateFence() *Fence {
	t.mu.Lock()
	t.issued++
	target := t.issued
	ch := make(chan struct{})
	if t.signaled >= target {
		close(ch)
	} else {
		t.waiters = append(t.waiters, waiter{target: target, ch: ch})
	}
	t.mu.Unlock()

	return &Fence{target: target, ch: ch, refs: newRefCounter()}
}

// Close forces every outstanding fence to become ready, since a Timeline
// torn down with waiters still pending must not leave them blocked
// forever.
func (t *Timeline) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.signaled < t.issued {
		t.signaled = t.issued
	}
	for _, w := range t.waiters {
		close(w.ch)
	}
	t.waiters = nil
}

// Fence is a cheaply duplicable handle bound to a Timeline issuance count.
type Fence struct {
	target uint64
	ch     chan struct{}
	refs   *refCounter
}

// Ready returns a channel that is closed once the fence is signaled.
func (f *Fence) Ready() <-chan struct{} {
	return f.ch
}

// IsReady reports whether the fence is currently signaled.
func (f *Fence) IsReady() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// Dup returns a duplicate handle sharing the same underlying readiness
// channel; fence handles are cheaply duplicable and reference-counted.
func (f *Fence) Dup() *Fence {
	f.refs.add(1)
	return &Fence{target: f.target, ch: f.ch, refs: f.refs}
}

// Release drops a reference to the fence. Fences have no OS resource to
// free in this implementation; Release exists so callers can follow the
// dup/release discipline the native idiom expects.
func (f *Fence) Release() {
	f.refs.add(-1)
}

type refCounter struct {
	mu    sync.Mutex
	count int
}

func newRefCounter() *refCounter {
	return &refCounter{count: 1}
}

func (r *refCounter) add(delta int) {
	r.mu.Lock()
	r.count += delta
	r.mu.Unlock()
}
