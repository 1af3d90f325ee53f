package common

import (
	"errors"
	"sync/atomic"
)

// ErrReentrantCall is returned when a guarded operation is entered while
// another guarded operation on the same instance is still in flight.
var ErrReentrantCall = errors.New("reentrant call")

// ReentrancyGuard is a per-instance "operation in progress" flag. The zero
// value is ready to use. It does not block: an overlapping Enter fails
// immediately, whether it comes from a nested callback or another goroutine.
type ReentrancyGuard struct {
	busy atomic.Bool
}

// Enter marks the guard busy and returns the release function that must run
// on every exit path, typically via defer.
func (g *ReentrancyGuard) Enter() (release func(), err error) {
	if !g.busy.CompareAndSwap(false, true) {
		return nil, ErrReentrantCall
	}
	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			g.busy.Store(false)
		}
	}, nil
}

// Active reports whether a guarded operation is currently running.
func (g *ReentrancyGuard) Active() bool {
	return g.busy.Load()
}
