// Package state implements the gateway's persistent state: three named JSON
// documents (providers, keys, models) stored on a preferred backend with a
// fallback that auto-syncs.
//
// Loads never fail from the caller's point of view — when both backends miss,
// the store writes a default document to both and returns it. Saves succeed
// when at least one backend acknowledged; losing the preferred backend is
// logged, never propagated.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrSaveFailed is returned by Save when neither backend acknowledged.
var ErrSaveFailed = errors.New("state: save failed on both backends")

const writeBackTimeout = 2 * time.Second

// Store is the process-wide document store. It is safe for concurrent use;
// the document-level last-writer-wins semantics are deliberate (stats are
// advisory).
type Store struct {
	preferred Backend
	secondary Backend // may be nil when only one backend is configured
	log       *slog.Logger

	mu    sync.Mutex
	hooks map[string][]func()
}

// NewStore wires the preferred and secondary backends. secondary may be nil.
func NewStore(preferred, secondary Backend, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		preferred: preferred,
		secondary: secondary,
		log:       log,
		hooks:     make(map[string][]func()),
	}
}

// OnSave registers fn to run on a background goroutine after every
// successful save of doc. Hook failures never affect the save.
func (s *Store) OnSave(doc string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[doc] = append(s.hooks[doc], fn)
}

// Load returns the named document. Order: preferred backend, then the
// secondary with an asynchronous write-back to the preferred, then the
// default written to both.
func (s *Store) Load(ctx context.Context, doc string, def []byte) []byte {
	if raw, ok := s.tryGet(ctx, s.preferred, doc); ok {
		return raw
	}
	if raw, ok := s.tryGet(ctx, s.secondary, doc); ok {
		go s.writeBack(doc, raw)
		return raw
	}

	s.log.Warn("state: document missing on all backends, writing default",
		slog.String("doc", doc))
	s.trySet(ctx, s.preferred, doc, def)
	s.trySet(ctx, s.secondary, doc, def)
	return def
}

// Save serializes doc once and attempts both backends independently. It
// returns nil when at least one acknowledged and ErrSaveFailed otherwise.
func (s *Store) Save(ctx context.Context, doc string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal %s: %w", doc, err)
	}
	return s.saveRaw(ctx, doc, raw)
}

func (s *Store) saveRaw(ctx context.Context, doc string, raw []byte) error {
	prefErr := s.preferred.Set(ctx, doc, raw)

	// Single-backend wiring: no peer to fall back on or complain about.
	if s.secondary == nil {
		if prefErr != nil {
			s.log.Error("state: save failed",
				slog.String("doc", doc),
				slog.String("backend", s.preferred.Name()),
				slog.String("error", prefErr.Error()))
			return fmt.Errorf("%w: %s", ErrSaveFailed, doc)
		}
		s.fireHooks(doc)
		return nil
	}

	secErr := s.secondary.Set(ctx, doc, raw)

	switch {
	case prefErr != nil && secErr != nil:
		s.log.Error("state: save failed on both backends",
			slog.String("doc", doc),
			slog.String("preferred_error", prefErr.Error()),
			slog.String("secondary_error", secErr.Error()))
		return fmt.Errorf("%w: %s", ErrSaveFailed, doc)

	case prefErr != nil:
		s.log.Error("state: save to preferred backend failed",
			slog.String("doc", doc),
			slog.String("backend", s.preferred.Name()),
			slog.String("error", prefErr.Error()))
		s.log.Warn("state: document persisted on secondary backend only",
			slog.String("doc", doc),
			slog.String("backend", s.secondary.Name()))

	case secErr != nil:
		s.log.Warn("state: save to secondary backend failed",
			slog.String("doc", doc),
			slog.String("backend", s.secondary.Name()),
			slog.String("error", secErr.Error()))
	}

	s.fireHooks(doc)
	return nil
}

func (s *Store) tryGet(ctx context.Context, b Backend, doc string) ([]byte, bool) {
	if b == nil {
		return nil, false
	}
	raw, present, err := b.Get(ctx, doc)
	if err != nil {
		s.log.Warn("state: load failed, treating as absent",
			slog.String("doc", doc),
			slog.String("backend", b.Name()),
			slog.String("error", err.Error()))
		return nil, false
	}
	return raw, present
}

func (s *Store) trySet(ctx context.Context, b Backend, doc string, raw []byte) {
	if b == nil {
		return
	}
	if err := b.Set(ctx, doc, raw); err != nil {
		s.log.Warn("state: default write failed",
			slog.String("doc", doc),
			slog.String("backend", b.Name()),
			slog.String("error", err.Error()))
	}
}

// writeBack copies a document recovered from the secondary backend onto the
// preferred one. Runs detached from the request that triggered the load.
func (s *Store) writeBack(doc string, raw []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), writeBackTimeout)
	defer cancel()

	if s.preferred == nil {
		return
	}
	if err := s.preferred.Set(ctx, doc, raw); err != nil {
		s.log.Warn("state: write-back to preferred backend failed",
			slog.String("doc", doc),
			slog.String("backend", s.preferred.Name()),
			slog.String("error", err.Error()))
		return
	}
	s.log.Info("state: document synced back to preferred backend",
		slog.String("doc", doc),
		slog.String("backend", s.preferred.Name()))
}

func (s *Store) fireHooks(doc string) {
	s.mu.Lock()
	hooks := s.hooks[doc]
	s.mu.Unlock()

	for _, fn := range hooks {
		go func(fn func()) {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("state: post-save hook panicked",
						slog.String("doc", doc),
						slog.Any("panic", r))
				}
			}()
			fn()
		}(fn)
	}
}

// ── Typed document accessors ──────────────────────────────────────────────

// LoadProviders returns the providers document. A corrupt document is logged
// and replaced with the empty default so the gateway keeps serving.
func (s *Store) LoadProviders(ctx context.Context) []*ProviderRecord {
	raw := s.Load(ctx, DocProviders, []byte("[]"))
	var provs []*ProviderRecord
	if err := json.Unmarshal(raw, &provs); err != nil {
		s.log.Error("state: providers document corrupt, serving empty",
			slog.String("error", err.Error()))
		return []*ProviderRecord{}
	}
	if provs == nil {
		provs = []*ProviderRecord{}
	}
	return provs
}

// SaveProviders persists the providers document and fires the catalog
// refresh hook.
func (s *Store) SaveProviders(ctx context.Context, provs []*ProviderRecord) error {
	if provs == nil {
		provs = []*ProviderRecord{}
	}
	return s.Save(ctx, DocProviders, provs)
}

// LoadUsers returns the keys document: API key → user record.
func (s *Store) LoadUsers(ctx context.Context) map[string]*UserRecord {
	raw := s.Load(ctx, DocKeys, []byte("{}"))
	var users map[string]*UserRecord
	if err := json.Unmarshal(raw, &users); err != nil {
		s.log.Error("state: keys document corrupt, serving empty",
			slog.String("error", err.Error()))
		return map[string]*UserRecord{}
	}
	if users == nil {
		users = map[string]*UserRecord{}
	}
	return users
}

// SaveUsers persists the keys document.
func (s *Store) SaveUsers(ctx context.Context, users map[string]*UserRecord) error {
	if users == nil {
		users = map[string]*UserRecord{}
	}
	return s.Save(ctx, DocKeys, users)
}

// LoadCatalog returns the models document.
func (s *Store) LoadCatalog(ctx context.Context) *ModelCatalog {
	raw := s.Load(ctx, DocModels, []byte(`{"object":"list","data":[]}`))
	var cat ModelCatalog
	if err := json.Unmarshal(raw, &cat); err != nil {
		s.log.Error("state: models document corrupt, serving empty",
			slog.String("error", err.Error()))
		return NewModelCatalog()
	}
	if cat.Object == "" {
		cat.Object = "list"
	}
	if cat.Data == nil {
		cat.Data = []CatalogEntry{}
	}
	return &cat
}

// SaveCatalog persists the models document.
func (s *Store) SaveCatalog(ctx context.Context, cat *ModelCatalog) error {
	if cat == nil {
		cat = NewModelCatalog()
	}
	return s.Save(ctx, DocModels, cat)
}

// RawCatalog returns the models document bytes as stored, for endpoints that
// serve it verbatim.
func (s *Store) RawCatalog(ctx context.Context) []byte {
	return s.Load(ctx, DocModels, []byte(`{"object":"list","data":[]}`))
}
