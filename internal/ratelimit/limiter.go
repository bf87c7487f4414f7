// Package ratelimit enforces per-key request ceilings over three sliding
// windows: second, minute, and day. The limiter is process-local and shared
// by the HTTP and WebSocket fronts.
package ratelimit

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Window names, also used as the label on rejection metrics.
const (
	WindowRPS = "rps"
	WindowRPM = "rpm"
	WindowRPD = "rpd"
)

var windows = []struct {
	name string
	span time.Duration
}{
	{WindowRPS, time.Second},
	{WindowRPM, time.Minute},
	{WindowRPD, 24 * time.Hour},
}

// Limits are the per-window ceilings for one key. Zero means unlimited for
// that window.
type Limits struct {
	RPS int
	RPM int
	RPD int
}

func (l Limits) forWindow(name string) int {
	switch name {
	case WindowRPS:
		return l.RPS
	case WindowRPM:
		return l.RPM
	default:
		return l.RPD
	}
}

// Decision is the outcome of one Allow call. On rejection, Window names the
// exceeded window and RetryAfter is how long until the oldest sample in that
// window slides out.
type Decision struct {
	OK         bool
	Window     string
	RetryAfter time.Duration
}

// RetryAfterSeconds renders RetryAfter for the Retry-After header, rounded
// up and never below one second.
func (d Decision) RetryAfterSeconds() int {
	s := int(math.Ceil(d.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// Limiter tracks accepted request timestamps per key. Timestamps are pruned
// against the largest window on every access, so memory stays bounded by
// each key's daily traffic.
type Limiter struct {
	mu   sync.Mutex
	keys map[string]*history
	now  func() time.Time
}

type history struct {
	// stamps is ascending; the front is pruned on access.
	stamps []time.Time
}

// NewLimiter returns an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		keys: make(map[string]*history),
		now:  time.Now,
	}
}

// Allow checks key against lim, records the request when accepted, and
// reports the first exceeded window otherwise. Windows are checked smallest
// first.
func (l *Limiter) Allow(key string, lim Limits) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	h := l.keys[key]
	if h == nil {
		h = &history{}
		l.keys[key] = h
	}
	h.prune(now)

	for _, w := range windows {
		limit := lim.forWindow(w.name)
		if limit <= 0 {
			continue
		}
		cutoff := now.Add(-w.span)
		idx := h.firstAfter(cutoff)
		if len(h.stamps)-idx >= limit {
			oldest := h.stamps[idx]
			return Decision{
				Window:     w.name,
				RetryAfter: oldest.Add(w.span).Sub(now),
			}
		}
	}

	h.stamps = append(h.stamps, now)
	return Decision{OK: true}
}

// Sweep drops keys with no sample inside the largest window. Call it
// periodically so keys that stopped sending do not pin memory.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, h := range l.keys {
		h.prune(now)
		if len(h.stamps) == 0 {
			delete(l.keys, key)
		}
	}
}

// prune removes samples that left the day window.
func (h *history) prune(now time.Time) {
	cutoff := now.Add(-windows[len(windows)-1].span)
	i := h.firstAfter(cutoff)
	if i > 0 {
		h.stamps = append(h.stamps[:0], h.stamps[i:]...)
	}
}

// firstAfter returns the index of the first sample strictly inside the
// window starting at cutoff.
func (h *history) firstAfter(cutoff time.Time) int {
	return sort.Search(len(h.stamps), func(i int) bool {
		return h.stamps[i].After(cutoff)
	})
}
