package relay

import "sync/atomic"

// Guard admits one operation at a time.
type Guard struct {
	busy atomic.Bool
}

// TryAcquire claims the guard. When ok is false another operation is in
// flight and release is nil.
func (g *Guard) TryAcquire() (release func(), ok bool) {
	if !g.busy.CompareAndSwap(false, true) {
		return nil, false
	}
	var done atomic.Bool
	return func() {
		if done.CompareAndSwap(false, true) {
			g.busy.Store(false)
		}
	}, true
}

// Busy reports whether an operation holds the guard.
func (g *Guard) Busy() bool { return g.busy.Load() }
