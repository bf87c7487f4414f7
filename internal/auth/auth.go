// Package auth resolves API keys to users and tiers, enforces token quotas,
// and mints new keys. The keys document in the state store is the single
// source of truth; every read-modify-write cycle on it runs behind the
// service mutex.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tiergate/tiergate/internal/config"
	"github.com/tiergate/tiergate/internal/state"
)

var (
	// ErrUnauthenticated means the key is unknown (or empty).
	ErrUnauthenticated = errors.New("auth: invalid api key")

	// ErrUnknownTier means the user references a tier with no limits entry.
	ErrUnknownTier = errors.New("auth: unknown tier")

	// ErrQuotaExceeded means the user's token usage reached the tier quota.
	ErrQuotaExceeded = errors.New("auth: token quota exceeded")

	// ErrDuplicateUser means key generation was asked for an existing user id.
	ErrDuplicateUser = errors.New("auth: user id already exists")
)

// Identity is a successfully validated caller.
type Identity struct {
	Key    string
	User   *state.UserRecord
	Limits config.TierLimits
}

// IsAdmin reports whether the caller may hit admin routes.
func (id *Identity) IsAdmin() bool {
	return id != nil && id.User != nil && id.User.Role == state.RoleAdmin
}

// Service validates keys against the keys document and the tier table.
type Service struct {
	store *state.Store
	tiers map[string]config.TierLimits
	log   *slog.Logger

	// mu serializes whole-document writes so concurrent usage updates and
	// key mints do not drop each other's changes.
	mu sync.Mutex
}

// NewService wires the store and tier table.
func NewService(store *state.Store, tiers map[string]config.TierLimits, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, tiers: tiers, log: log}
}

// Validate resolves apiKey to an identity. The quota gate runs here, before
// any upstream work: usage at or past the tier's MaxTokens rejects the call.
func (s *Service) Validate(ctx context.Context, apiKey string) (*Identity, error) {
	if apiKey == "" {
		return nil, ErrUnauthenticated
	}

	users := s.store.LoadUsers(ctx)
	u, ok := users[apiKey]
	if !ok {
		return nil, ErrUnauthenticated
	}

	limits, ok := s.tiers[u.Tier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, u.Tier)
	}

	if limits.MaxTokens != nil && u.TokenUsage >= *limits.MaxTokens {
		return nil, fmt.Errorf("%w: used %d of %d tokens",
			ErrQuotaExceeded, u.TokenUsage, *limits.MaxTokens)
	}

	return &Identity{Key: apiKey, User: u, Limits: limits}, nil
}

// RecordUsage adds tokens to the key's counter. The crossing into
// exhaustion is allowed to finish; the next Validate rejects.
func (s *Service) RecordUsage(ctx context.Context, apiKey string, tokens int64) error {
	if tokens <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.store.LoadUsers(ctx)
	u, ok := users[apiKey]
	if !ok {
		return ErrUnauthenticated
	}
	u.TokenUsage += tokens

	if err := s.store.SaveUsers(ctx, users); err != nil {
		return fmt.Errorf("auth: persist usage: %w", err)
	}
	return nil
}

// GenerateKey mints a fresh API key for a new user id. The key is 32 bytes
// of crypto randomness rendered as lowercase hex and is returned exactly
// once; only its mapping is stored.
func (s *Service) GenerateKey(ctx context.Context, userID, tier, role string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("auth: user id required")
	}
	if _, ok := s.tiers[tier]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	if role == "" {
		role = state.RoleUser
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.store.LoadUsers(ctx)
	for _, u := range users {
		if u.UserID == userID {
			return "", fmt.Errorf("%w: %q", ErrDuplicateUser, userID)
		}
	}

	key, err := newKey()
	if err != nil {
		return "", err
	}
	users[key] = &state.UserRecord{UserID: userID, Role: role, Tier: tier}

	if err := s.store.SaveUsers(ctx, users); err != nil {
		return "", fmt.Errorf("auth: persist new key: %w", err)
	}

	s.log.Info("api key generated",
		slog.String("user_id", userID),
		slog.String("tier", tier),
		slog.String("role", role))
	return key, nil
}

// EnsureAdmin seeds the bootstrap admin mapping when both parts are
// configured. Existing keys and user ids are left untouched, so restarts
// are idempotent.
func (s *Service) EnsureAdmin(ctx context.Context, adm config.AdminConfig) error {
	if adm.UserID == "" || adm.APIKey == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	users := s.store.LoadUsers(ctx)
	if _, ok := users[adm.APIKey]; ok {
		return nil
	}
	for _, u := range users {
		if u.UserID == adm.UserID {
			return nil
		}
	}

	users[adm.APIKey] = &state.UserRecord{
		UserID: adm.UserID,
		Role:   state.RoleAdmin,
		Tier:   adm.Tier,
	}
	if err := s.store.SaveUsers(ctx, users); err != nil {
		return fmt.Errorf("auth: seed admin: %w", err)
	}

	s.log.Info("bootstrap admin seeded", slog.String("user_id", adm.UserID))
	return nil
}

func newKey() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("auth: generate key: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
