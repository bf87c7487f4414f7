// Package router dispatches one chat request to one of the configured
// upstream providers.
//
// For every request it loads the current provider set from the state store,
// drops disabled providers, keeps those that serve the requested model, and
// orders the survivors by provider score according to the caller's tier. The
// attempt loop then walks that list: each attempt updates the provider's
// statistics (and its disabled flag) in the store before the next candidate
// is tried, so two requests arriving back to back see each other's outcomes.
package router

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tiergate/tiergate/internal/auth"
	"github.com/tiergate/tiergate/internal/metrics"
	"github.com/tiergate/tiergate/internal/state"
	"github.com/tiergate/tiergate/internal/stats"
	"github.com/tiergate/tiergate/internal/upstream"
)

const (
	// disableThreshold is the consecutive-error count that quarantines a
	// provider.
	disableThreshold = 5

	// tierEnterprise and tierPro get better-scoring providers first; every
	// other tier is ordered worst first so cheap traffic soaks up the
	// low-score capacity.
	tierEnterprise = "enterprise"
	tierPro        = "pro"

	// Exploration probability of a single swap at the head of the candidate
	// list, per request.
	proSwapChance   = 0.20
	otherSwapChance = 0.30
)

// Message is one turn of the inbound conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completion is the outcome of a successfully routed request.
type Completion struct {
	Text         string
	LatencyMs    int64
	InputTokens  int
	OutputTokens int
	ProviderID   string
	Model        string
}

// TokensGenerated reports the billable token count of the completion.
func (c *Completion) TokensGenerated() int { return c.OutputTokens }

// Router owns candidate selection and the attempt loop.
type Router struct {
	store   *state.Store
	auth    *auth.Service
	factory upstream.Factory
	log     *slog.Logger
	prom    *metrics.Registry // nil-safe

	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// Options carries the injectable pieces a Router needs beyond its hard
// dependencies. Rand and Now default to the real thing; Metrics may be nil.
type Options struct {
	Rand    *rand.Rand
	Now     func() time.Time
	Metrics *metrics.Registry
}

// New wires a router over the store, auth service, and adapter factory.
func New(store *state.Store, authSvc *auth.Service, factory upstream.Factory, log *slog.Logger, opts Options) *Router {
	if log == nil {
		log = slog.Default()
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Router{
		store:   store,
		auth:    authSvc,
		factory: factory,
		log:     log,
		prom:    opts.Metrics,
		rng:     rng,
		now:     now,
	}
}

// Handle authenticates the caller and routes the request. See HandleFor for
// the routing behaviour.
func (r *Router) Handle(ctx context.Context, messages []Message, modelID, apiKey string) (*Completion, error) {
	id, err := r.auth.Validate(ctx, apiKey)
	if err != nil {
		return nil, err
	}
	return r.HandleFor(ctx, id, messages, modelID)
}

// HandleFor routes a request for an already-validated caller. It returns the
// first successful completion, or an error describing why no provider could
// serve: ErrAllDisabled, a *ModelUnavailableError, or an *ExhaustedError
// carrying the last upstream failure.
func (r *Router) HandleFor(ctx context.Context, id *auth.Identity, messages []Message, modelID string) (*Completion, error) {
	now := r.now()

	provs := r.store.LoadProviders(ctx)
	for _, p := range provs {
		stats.TrimWindow(p, now)
	}

	active := provs[:0:0]
	for _, p := range provs {
		if !p.Disabled {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		if len(provs) > 0 {
			return nil, ErrAllDisabled
		}
		return nil, &ModelUnavailableError{Model: modelID}
	}

	compatible := active[:0:0]
	for _, p := range active {
		if p.Model(modelID) != nil {
			compatible = append(compatible, p)
		}
	}
	if len(compatible) == 0 {
		offered := false
		for _, p := range provs {
			if p.Model(modelID) != nil {
				offered = true
				break
			}
		}
		return nil, &ModelUnavailableError{Model: modelID, OnlyDisabled: offered}
	}

	candidates := r.orderCandidates(compatible, id.User.Tier, id.Limits.MinProviderScore, id.Limits.MaxProviderScore)

	content := joinContent(messages)
	inputTokens := estimateTokens(content)

	var lastErr error
	attempts := 0
	for _, cand := range candidates {
		attempts++
		res, err := r.attempt(ctx, cand, content, modelID)
		if err != nil {
			r.observeAttempt(cand.ID, "error")
			r.recordFailure(ctx, cand.ID, modelID)
			r.log.Warn("provider attempt failed",
				slog.String("provider", cand.ID),
				slog.String("model", modelID),
				slog.String("error", err.Error()))
			lastErr = err
			continue
		}
		r.observeAttempt(cand.ID, "success")

		outputTokens := estimateTokens(res.Text)
		entry := buildEntry(now, res.LatencyMs, inputTokens, outputTokens, cand.Model(modelID), id.Key)
		r.recordSuccess(ctx, cand.ID, modelID, entry)

		if err := r.auth.RecordUsage(ctx, id.Key, int64(outputTokens)); err != nil {
			r.log.Warn("usage not recorded",
				slog.String("user_id", id.User.UserID),
				slog.String("error", err.Error()))
		}

		return &Completion{
			Text:         res.Text,
			LatencyMs:    res.LatencyMs,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			ProviderID:   cand.ID,
			Model:        modelID,
		}, nil
	}

	return nil, &ExhaustedError{Attempts: attempts, Last: lastErr}
}

// attempt builds a fresh adapter from the provider record and performs one
// upstream call.
func (r *Router) attempt(ctx context.Context, p *state.ProviderRecord, content, modelID string) (*upstream.Result, error) {
	cli, err := r.factory(ctx, p.Kind, p.ID, p.EndpointURL, p.APIKey)
	if err != nil {
		return nil, &upstream.Error{Provider: p.ID, Message: err.Error()}
	}
	return cli.Send(ctx, content, modelID)
}

// orderCandidates splits compatible providers into the tier-eligible set and
// the rest, orders the eligible set per tier policy, and appends the rest
// best first as a fallback tail.
func (r *Router) orderCandidates(compatible []*state.ProviderRecord, tier string, minScore, maxScore *int) []*state.ProviderRecord {
	var eligible, rest []*state.ProviderRecord
	for _, p := range compatible {
		if scoreInBand(p.ProviderScore, minScore, maxScore) {
			eligible = append(eligible, p)
		} else {
			rest = append(rest, p)
		}
	}

	switch tier {
	case tierEnterprise:
		sortByScore(eligible, true)
	case tierPro:
		sortByScore(eligible, true)
		r.maybeSwapHead(eligible, proSwapChance)
	default:
		sortByScore(eligible, false)
		r.maybeSwapHead(eligible, otherSwapChance)
	}

	sortByScore(rest, true)
	return append(eligible, rest...)
}

// maybeSwapHead swaps position 0 with a uniformly chosen non-zero position.
// One coin flip per request, not per candidate.
func (r *Router) maybeSwapHead(list []*state.ProviderRecord, chance float64) {
	if len(list) < 2 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rng.Float64() >= chance {
		return
	}
	j := 1 + r.rng.IntN(len(list)-1)
	list[0], list[j] = list[j], list[0]
}

// scoreInBand reports whether the provider's score fits the tier window. A
// provider with no score yet has no history to gate on and passes.
func scoreInBand(score, min, max *int) bool {
	if score == nil {
		return true
	}
	if min != nil && *score < *min {
		return false
	}
	if max != nil && *score > *max {
		return false
	}
	return true
}

func sortByScore(list []*state.ProviderRecord, desc bool) {
	sort.SliceStable(list, func(i, j int) bool {
		si, sj := scoreOf(list[i]), scoreOf(list[j])
		if desc {
			return si > sj
		}
		return si < sj
	})
}

// scoreOf sorts unscored providers below every real score.
func scoreOf(p *state.ProviderRecord) int {
	if p.ProviderScore == nil {
		return -1
	}
	return *p.ProviderScore
}

// ── Stat updates ──────────────────────────────────────────────────────────

// recordSuccess appends the response entry and clears the provider's error
// streak. The providers document is reloaded first: another request may have
// saved since this one loaded its copy.
func (r *Router) recordSuccess(ctx context.Context, providerID, modelID string, entry state.ResponseEntry) {
	r.applyUpdate(ctx, providerID, modelID, func(p *state.ProviderRecord, m *state.ModelStats) {
		m.ResponseTimes = append(m.ResponseTimes, entry)
		m.ConsecutiveErrors = 0
		p.Disabled = false
	})
}

// recordFailure bumps the error counters and quarantines the provider once
// the streak reaches the threshold.
func (r *Router) recordFailure(ctx context.Context, providerID, modelID string) {
	r.applyUpdate(ctx, providerID, modelID, func(p *state.ProviderRecord, m *state.ModelStats) {
		m.Errors++
		m.ConsecutiveErrors++
		p.Errors++
		if m.ConsecutiveErrors >= disableThreshold {
			p.Disabled = true
			r.log.Warn("provider disabled after consecutive errors",
				slog.String("provider", p.ID),
				slog.String("model", m.ID),
				slog.Int("consecutive_errors", m.ConsecutiveErrors))
		}
	})
}

// applyUpdate runs the read-modify-write cycle for one attempt outcome:
// reload, mutate, recompute averages and score, save. A failed save is
// logged and swallowed; stats are advisory and must never fail a request
// that the upstream already answered.
func (r *Router) applyUpdate(ctx context.Context, providerID, modelID string, mutate func(*state.ProviderRecord, *state.ModelStats)) {
	provs := r.store.LoadProviders(ctx)

	var target *state.ProviderRecord
	for _, p := range provs {
		if p.ID == providerID {
			target = p
			break
		}
	}
	if target == nil {
		r.log.Warn("provider vanished before stat update", slog.String("provider", providerID))
		return
	}
	m := target.Model(modelID)
	if m == nil {
		r.log.Warn("model vanished before stat update",
			slog.String("provider", providerID),
			slog.String("model", modelID))
		return
	}

	mutate(target, m)

	stats.TrimWindow(target, r.now())
	stats.Recompute(target)
	score := stats.Score(target)
	target.ProviderScore = &score
	if r.prom != nil {
		r.prom.SetProviderScore(providerID, score)
	}

	if err := r.store.SaveProviders(ctx, provs); err != nil {
		r.log.Error("stat update not persisted",
			slog.String("provider", providerID),
			slog.String("error", err.Error()))
	}
}

func (r *Router) observeAttempt(provider, outcome string) {
	if r.prom != nil {
		r.prom.ObserveUpstreamAttempt(provider, outcome)
	}
}

// ── Entry math ────────────────────────────────────────────────────────────

// buildEntry derives the stat sample for one successful call. The expected
// generation time (output tokens over the model's seeded speed) is subtracted
// from wall clock to estimate the provider-side queueing latency; whatever
// remains is the actual generation time the observed speed is measured over.
func buildEntry(now time.Time, latencyMs int64, inputTokens, outputTokens int, m *state.ModelStats, apiKey string) state.ResponseEntry {
	speed := state.DefaultTokenSpeed
	if m != nil && m.TokenGenerationSpeed > 0 {
		speed = m.TokenGenerationSpeed
	}

	entry := state.ResponseEntry{
		Timestamp:       now.UnixMilli(),
		ResponseTimeMs:  latencyMs,
		InputTokens:     inputTokens,
		OutputTokens:    outputTokens,
		TokensGenerated: outputTokens,
		APIKey:          apiKey,
	}

	expectedGenMs := float64(outputTokens) / speed * 1000
	provLatency := float64(latencyMs) - expectedGenMs
	if provLatency < 0 {
		provLatency = 0
	}
	entry.ProviderLatencyMs = &provLatency

	genMs := float64(latencyMs) - provLatency
	if genMs >= 1 {
		observed := float64(outputTokens) / (genMs / 1000)
		entry.ObservedSpeedTps = &observed
	}
	return entry
}

// estimateTokens approximates the token count as ceil(len/4).
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// joinContent flattens the conversation into the single prompt string the
// one-shot adapters send.
func joinContent(messages []Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, "\n")
}
