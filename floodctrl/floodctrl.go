// Package floodctrl implements the windowed flood limiter used for bot
// creation, listener accepts, and webhook connection attempts. Unlike a
// token bucket it enforces a strict event count per sliding window and can
// report the exact wakeup time at which the next event becomes admissible.
package floodctrl

import (
	"sync"
	"time"
)

// Limit is one (window, max events) constraint.
type Limit struct {
	Window    time.Duration
	MaxEvents int
}

type limitState struct {
	Limit
	events []time.Time // accepted event times within the window, ascending
}

func (ls *limitState) prune(now time.Time) {
	cutoff := now.Add(-ls.Window)
	i := 0
	for i < len(ls.events) && !ls.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		ls.events = append(ls.events[:0], ls.events[i:]...)
	}
}

// FloodControl tracks events against a set of limits. Safe for concurrent
// use.
type FloodControl struct {
	mu     sync.Mutex
	limits []*limitState
}

// New creates a FloodControl with the given limits.
func New(limits ...Limit) *FloodControl {
	f := &FloodControl{limits: make([]*limitState, 0, len(limits))}
	for _, l := range limits {
		f.limits = append(f.limits, &limitState{Limit: l})
	}
	return f
}

// AddEvent records one event at now.
func (f *FloodControl) AddEvent(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ls := range f.limits {
		ls.prune(now)
		ls.events = append(ls.events, now)
	}
}

// WakeupAt returns the earliest time at which AddEvent would not exceed any
// limit. A result not after now means an event is admissible immediately.
func (f *FloodControl) WakeupAt(now time.Time) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	wakeup := now
	for _, ls := range f.limits {
		ls.prune(now)
		if len(ls.events) >= ls.MaxEvents && ls.MaxEvents > 0 {
			at := ls.events[len(ls.events)-ls.MaxEvents].Add(ls.Window)
			if at.After(wakeup) {
				wakeup = at
			}
		}
	}
	return wakeup
}

// Allow records an event if every limit admits it. On rejection it returns
// the wait until the next admissible time.
func (f *FloodControl) Allow(now time.Time) (time.Duration, bool) {
	wakeup := f.WakeupAt(now)
	if wakeup.After(now) {
		return wakeup.Sub(now), false
	}
	f.AddEvent(now)
	return 0, true
}

// Keyed tracks one FloodControl per string key, evicting idle entries so a
// churn of source addresses cannot grow the map without bound.
type Keyed struct {
	limits  []Limit
	maxIdle time.Duration

	mu      sync.Mutex
	entries map[string]*keyedEntry
}

type keyedEntry struct {
	fc       *FloodControl
	lastSeen time.Time
}

// NewKeyed creates a per-key flood control registry. Entries idle longer
// than maxIdle are dropped on access.
func NewKeyed(maxIdle time.Duration, limits ...Limit) *Keyed {
	return &Keyed{
		limits:  limits,
		maxIdle: maxIdle,
		entries: make(map[string]*keyedEntry),
	}
}

// Allow applies Allow on the key's FloodControl.
func (k *Keyed) Allow(key string, now time.Time) (time.Duration, bool) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		if len(k.entries) > 0 && len(k.entries)%1024 == 0 {
			k.evictIdle(now)
		}
		e = &keyedEntry{fc: New(k.limits...)}
		k.entries[key] = e
	}
	e.lastSeen = now
	k.mu.Unlock()
	return e.fc.Allow(now)
}

// Size returns the number of tracked keys.
func (k *Keyed) Size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func (k *Keyed) evictIdle(now time.Time) {
	cutoff := now.Add(-k.maxIdle)
	for key, e := range k.entries {
		if e.lastSeen.Before(cutoff) {
			delete(k.entries, key)
		}
	}
}
