// Package stats maintains the rolling performance picture of each provider:
// exponential moving averages over observed requests, a 24h sliding window of
// raw samples, and the 0..100 provider score the router ranks by.
package stats

import (
	"math"
	"time"

	"github.com/tiergate/tiergate/internal/state"
)

const (
	// alpha weights the newest sample in every EMA step.
	alpha = 0.3

	// Window is how long a response sample participates in the averages.
	Window = 24 * time.Hour

	latencyFloorMs = 50.0
	latencyCeilMs  = 5000.0

	weightLatency = 0.7
	weightError   = 0.3
)

// EMA folds one sample into an exponential moving average. A nil previous
// value seeds the average with the sample itself. NaN samples are ignored.
// Results carry two decimal places.
func EMA(prev *float64, x float64) *float64 {
	if math.IsNaN(x) {
		return prev
	}
	v := x
	if prev != nil {
		v = alpha*x + (1-alpha)*(*prev)
	}
	v = round2(v)
	return &v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// TrimWindow drops every response sample older than the sliding window from
// all of the provider's models.
func TrimWindow(p *state.ProviderRecord, now time.Time) {
	cutoff := now.Add(-Window).UnixMilli()
	for _, m := range p.Models {
		if len(m.ResponseTimes) == 0 {
			continue
		}
		kept := m.ResponseTimes[:0]
		for _, e := range m.ResponseTimes {
			if e.Timestamp >= cutoff {
				kept = append(kept, e)
			}
		}
		m.ResponseTimes = kept
	}
}

// Recompute rebuilds every per-model average from the samples currently in
// the window, then advances the provider-level averages one EMA step using
// the mean across models as the sample.
//
// A model with no observed speed falls back to its configured generation
// speed so the router can still estimate completion time for it.
func Recompute(p *state.ProviderRecord) {
	for _, m := range p.Models {
		m.AvgResponseTimeMs = nil
		m.AvgProviderLatencyMs = nil
		m.AvgTokenSpeed = nil

		for _, e := range m.ResponseTimes {
			m.AvgResponseTimeMs = EMA(m.AvgResponseTimeMs, float64(e.ResponseTimeMs))
			if e.ProviderLatencyMs != nil {
				m.AvgProviderLatencyMs = EMA(m.AvgProviderLatencyMs, *e.ProviderLatencyMs)
			}
			if e.ObservedSpeedTps != nil {
				m.AvgTokenSpeed = EMA(m.AvgTokenSpeed, *e.ObservedSpeedTps)
			}
		}

		if m.AvgTokenSpeed == nil {
			seed := m.TokenGenerationSpeed
			if seed <= 0 {
				seed = state.DefaultTokenSpeed
			}
			seed = round2(seed)
			m.AvgTokenSpeed = &seed
		}
	}

	if mean, ok := meanOf(p, func(m *state.ModelStats) *float64 { return m.AvgResponseTimeMs }); ok {
		p.AvgResponseTimeMs = EMA(p.AvgResponseTimeMs, mean)
	}
	if mean, ok := meanOf(p, func(m *state.ModelStats) *float64 { return m.AvgProviderLatencyMs }); ok {
		p.AvgProviderLatencyMs = EMA(p.AvgProviderLatencyMs, mean)
	}
}

func meanOf(p *state.ProviderRecord, pick func(*state.ModelStats) *float64) (float64, bool) {
	var sum float64
	var n int
	for _, m := range p.Models {
		if v := pick(m); v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Score rates a provider 0..100 from its provider-latency average and error
// ratio. Latency counts for 70%, errors for 30%. The latency component uses
// the generation-adjusted provider latency, not the total response time, so
// providers serving long outputs are not penalized for generation time.
func Score(p *state.ProviderRecord) int {
	wl, we := weightLatency, weightError
	if sum := wl + we; sum != 1 {
		wl /= sum
		we /= sum
	}

	raw := wl*latencyScore(p.AvgProviderLatencyMs) + we*errorScore(p)

	s := int(math.Round(raw))
	if s < 0 {
		s = 0
	}
	if s > 100 {
		s = 100
	}
	return s
}

// latencyScore maps the average provider latency onto 0..100: anything at or
// under 50ms is perfect, anything at or over 5s is worthless, linear in
// between. No data scores a neutral 50.
func latencyScore(avg *float64) float64 {
	if avg == nil {
		return 50
	}
	v := *avg
	switch {
	case v <= latencyFloorMs:
		return 100
	case v >= latencyCeilMs:
		return 0
	default:
		return 100 * (latencyCeilMs - v) / (latencyCeilMs - latencyFloorMs)
	}
}

// errorScore maps the provider's error ratio onto 0..100. The request total
// is the number of in-window samples plus the recorded errors, so a provider
// that only ever failed scores zero.
func errorScore(p *state.ProviderRecord) float64 {
	total := p.Errors
	for _, m := range p.Models {
		total += len(m.ResponseTimes)
	}
	if total == 0 {
		if p.Errors > 0 {
			return 0
		}
		return 100
	}
	ratio := float64(p.Errors) / float64(total)
	if ratio > 1 {
		ratio = 1
	}
	return 100 * (1 - ratio)
}
