package state

import "time"

// Document names understood by the store. Every load and save addresses one
// of these three.
const (
	DocProviders = "providers"
	DocKeys      = "keys"
	DocModels    = "models"
)

// Upstream adapter kinds stored on a provider record. An empty kind means
// the generic OpenAI-compatible adapter.
const (
	KindOpenAICompat = "openai-compat"
	KindGoogle       = "google"
	KindAnthropic    = "anthropic"
)

// ResponseEntry records one successful upstream call for a (provider, model)
// pair. Timestamps are milliseconds since the Unix epoch.
type ResponseEntry struct {
	Timestamp         int64    `json:"timestamp"`
	ResponseTimeMs    int64    `json:"responseTimeMs"`
	InputTokens       int      `json:"inputTokens"`
	OutputTokens      int      `json:"outputTokens"`
	TokensGenerated   int      `json:"tokensGenerated"`
	ProviderLatencyMs *float64 `json:"providerLatencyMs,omitempty"`
	ObservedSpeedTps  *float64 `json:"observedSpeedTps,omitempty"`
	APIKey            string   `json:"apiKey"`
}

// Age reports how far in the past the entry was recorded.
func (e ResponseEntry) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(e.Timestamp))
}

// ModelStats holds per-(provider, model) routing statistics.
//
// TokenGenerationSpeed is seeded from the model catalog's throughput
// (fallback 50 tokens/sec) and is the "expected" speed used to split wall
// clock into provider latency and generation time. ConsecutiveErrors resets
// to zero on any success for this model and trips the provider's disabled
// flag at five.
type ModelStats struct {
	ID                   string          `json:"id"`
	TokenGenerationSpeed float64         `json:"tokenGenerationSpeed"`
	ResponseTimes        []ResponseEntry `json:"responseTimes"`
	Errors               int             `json:"errors"`
	ConsecutiveErrors    int             `json:"consecutiveErrors"`
	AvgResponseTimeMs    *float64        `json:"avgResponseTimeMs,omitempty"`
	AvgProviderLatencyMs *float64        `json:"avgProviderLatencyMs,omitempty"`
	AvgTokenSpeed        *float64        `json:"avgTokenSpeed,omitempty"`
}

// ProviderRecord is one configured upstream. Disabled is set automatically
// when any of the provider's models reaches the consecutive-error threshold
// and cleared on the next success through this provider.
type ProviderRecord struct {
	ID                   string                 `json:"id"`
	Kind                 string                 `json:"kind,omitempty"`
	APIKey               string                 `json:"apiKey,omitempty"`
	EndpointURL          string                 `json:"endpointUrl"`
	Models               map[string]*ModelStats `json:"models"`
	Disabled             bool                   `json:"disabled"`
	AvgResponseTimeMs    *float64               `json:"avgResponseTimeMs,omitempty"`
	AvgProviderLatencyMs *float64               `json:"avgProviderLatencyMs,omitempty"`
	Errors               int                    `json:"errors"`
	ProviderScore        *int                   `json:"providerScore,omitempty"`
}

// Model returns the stats for modelID, or nil when the provider does not
// offer it.
func (p *ProviderRecord) Model(modelID string) *ModelStats {
	if p == nil || p.Models == nil {
		return nil
	}
	return p.Models[modelID]
}

// UserRecord is one API-key holder. The users document maps the key string
// itself to this record.
type UserRecord struct {
	UserID     string `json:"userId"`
	Role       string `json:"role"`
	Tier       string `json:"tier"`
	TokenUsage int64  `json:"tokenUsage"`
}

// User roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// CatalogEntry is one model in the catalog document.
type CatalogEntry struct {
	ID         string  `json:"id"`
	Object     string  `json:"object"`
	OwnedBy    string  `json:"owned_by"`
	Created    int64   `json:"created"`
	Providers  int     `json:"providers"`
	Throughput float64 `json:"throughput,omitempty"`
}

// ModelCatalog is the models document: an OpenAI-style list wrapper.
type ModelCatalog struct {
	Object string         `json:"object"`
	Data   []CatalogEntry `json:"data"`
}

// NewModelCatalog returns an empty catalog with the list wrapper set.
func NewModelCatalog() *ModelCatalog {
	return &ModelCatalog{Object: "list", Data: []CatalogEntry{}}
}

// Entry returns the catalog entry for id, or nil.
func (c *ModelCatalog) Entry(id string) *CatalogEntry {
	if c == nil {
		return nil
	}
	for i := range c.Data {
		if c.Data[i].ID == id {
			return &c.Data[i]
		}
	}
	return nil
}

// DefaultTokenSpeed is the seed token-generation speed (tokens/sec) used
// when the catalog carries no throughput for a model.
const DefaultTokenSpeed = 50.0
