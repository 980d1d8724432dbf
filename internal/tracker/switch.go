package tracker

import "sync/atomic"

// Switch turns event recording on and off. It starts off and is never
// persisted: a restarted daemon records nothing until an operator turns it
// on again.
type Switch struct {
	on atomic.Bool
}

// Enable turns recording on. It reports whether the state changed.
func (s *Switch) Enable() bool { return s.on.CompareAndSwap(false, true) }

// Disable turns recording off. It reports whether the state changed.
func (s *Switch) Disable() bool { return s.on.CompareAndSwap(true, false) }

// Enabled reports whether events are being recorded.
func (s *Switch) Enabled() bool { return s.on.Load() }
