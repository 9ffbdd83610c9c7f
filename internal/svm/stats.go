//go:build amd64

package svm

import "sync/atomic"

// Stats counts exit activity of one processor. The exit path is the only
// writer; other goroutines may read at any time.
type Stats struct {
	exits        atomic.Uint64
	unhandled    atomic.Uint64
	injected     atomic.Uint64
	viewSwitches atomic.Uint64
	halts        atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Exits        uint64 `json:"exits"`
	Unhandled    uint64 `json:"unhandled"`
	Injected     uint64 `json:"injected"`
	ViewSwitches uint64 `json:"view_switches"`
	Halts        uint64 `json:"halts"`
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Exits:        s.exits.Load(),
		Unhandled:    s.unhandled.Load(),
		Injected:     s.injected.Load(),
		ViewSwitches: s.viewSwitches.Load(),
		Halts:        s.halts.Load(),
	}
}

func (s *Stats) Reset() {
	s.exits.Store(0)
	s.unhandled.Store(0)
	s.injected.Store(0)
	s.viewSwitches.Store(0)
	s.halts.Store(0)
}

// Add accumulates o into s.
func (s StatsSnapshot) Add(o StatsSnapshot) StatsSnapshot {
	return StatsSnapshot{
		Exits:        s.Exits + o.Exits,
		Unhandled:    s.Unhandled + o.Unhandled,
		Injected:     s.Injected + o.Injected,
		ViewSwitches: s.ViewSwitches + o.ViewSwitches,
		Halts:        s.Halts + o.Halts,
	}
}
