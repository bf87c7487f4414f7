// Package catalog keeps the models document in step with the configured
// providers: per-model provider counts, automatic discovery of newly served
// models, and removal of models nobody serves anymore.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tiergate/tiergate/internal/state"
)

const fetchTimeout = 10 * time.Second

// ownerPrefixes maps well-known model name prefixes to the organization the
// catalog reports in owned_by. First match wins, order matters for none of
// the current entries.
var ownerPrefixes = []struct {
	prefix string
	owner  string
}{
	{"gpt-", "openai"},
	{"claude", "anthropic"},
	{"gemini", "google"},
	{"gemma", "google"},
	{"llama", "meta"},
	{"mistral", "mistral.ai"},
	{"ministral", "mistral.ai"},
	{"mixtral", "mistral.ai"},
	{"qwen", "alibaba"},
	{"command", "cohere"},
}

// OwnerFor infers the owning organization from a model identifier. Unknown
// names report "unknown".
func OwnerFor(modelID string) string {
	id := strings.ToLower(modelID)
	for _, p := range ownerPrefixes {
		if strings.HasPrefix(id, p.prefix) {
			return p.owner
		}
	}
	return "unknown"
}

// Refresh recounts how many active providers serve each model and rewrites
// the catalog accordingly: counts updated, models with no active provider
// removed, models missing from the catalog added with an inferred owner.
//
// The document is saved only when something actually changed, so a refresh
// over an unchanged provider set is a no-op.
func Refresh(ctx context.Context, st *state.Store, log *slog.Logger) (bool, error) {
	if log == nil {
		log = slog.Default()
	}

	provs := st.LoadProviders(ctx)
	counts := make(map[string]int)
	for _, p := range provs {
		if p.Disabled {
			continue
		}
		for id := range p.Models {
			counts[id]++
		}
	}

	cat := st.LoadCatalog(ctx)
	changed := false

	kept := cat.Data[:0]
	for _, e := range cat.Data {
		n, served := counts[e.ID]
		if !served {
			changed = true
			continue
		}
		if e.Providers != n {
			e.Providers = n
			changed = true
		}
		kept = append(kept, e)
		delete(counts, e.ID)
	}
	cat.Data = kept

	missing := make([]string, 0, len(counts))
	for id := range counts {
		missing = append(missing, id)
	}
	sort.Strings(missing)
	for _, id := range missing {
		cat.Data = append(cat.Data, state.CatalogEntry{
			ID:         id,
			Object:     "model",
			OwnedBy:    OwnerFor(id),
			Created:    time.Now().Unix(),
			Providers:  counts[id],
			Throughput: state.DefaultTokenSpeed,
		})
		changed = true
	}

	if !changed {
		return false, nil
	}

	if err := st.SaveCatalog(ctx, cat); err != nil {
		return true, fmt.Errorf("catalog: save refreshed document: %w", err)
	}
	log.Info("catalog refreshed",
		slog.Int("models", len(cat.Data)),
		slog.Int("providers", len(provs)))
	return true, nil
}

// Seed is one model advertised by a provider's listing endpoint.
type Seed struct {
	ID         string  `json:"id"`
	Throughput float64 `json:"throughput"`
}

// FetchModels retrieves {baseURL}/models and returns the advertised models.
// Both the OpenAI list wrapper and a bare JSON array are accepted.
func FetchModels(ctx context.Context, baseURL, apiKey string) ([]Seed, error) {
	url := strings.TrimRight(baseURL, "/") + "/models"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: build models request: %w", err)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: fetchTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("catalog: fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("catalog: read models response: %w", err)
	}
	return parseModelList(body)
}

// parseModelList accepts {"data":[...]} wrappers, bare arrays of objects,
// and bare arrays of id strings.
func parseModelList(body []byte) ([]Seed, error) {
	var wrapped struct {
		Data []Seed `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Data != nil {
		return nonEmpty(wrapped.Data), nil
	}

	var bare []Seed
	if err := json.Unmarshal(body, &bare); err == nil {
		return nonEmpty(bare), nil
	}

	var ids []string
	if err := json.Unmarshal(body, &ids); err == nil {
		seeds := make([]Seed, 0, len(ids))
		for _, id := range ids {
			seeds = append(seeds, Seed{ID: id})
		}
		return nonEmpty(seeds), nil
	}

	return nil, fmt.Errorf("catalog: unrecognized models listing shape")
}

func nonEmpty(in []Seed) []Seed {
	out := in[:0]
	for _, s := range in {
		if s.ID != "" {
			out = append(out, s)
		}
	}
	return out
}
