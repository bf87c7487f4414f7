package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tiergate/tiergate/internal/config"
	"github.com/tiergate/tiergate/internal/state"
)

func newTestService(t *testing.T) (*Service, *state.Store) {
	t.Helper()

	mr := miniredis.RunT(t)
	rb := state.NewRedisBackendFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rb.Close() })

	fb, err := state.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	st := state.NewStore(rb, fb, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewService(st, config.DefaultTiers(), nil), st
}

func seedUser(t *testing.T, st *state.Store, key string, u *state.UserRecord) {
	t.Helper()
	users := st.LoadUsers(context.Background())
	users[key] = u
	if err := st.SaveUsers(context.Background(), users); err != nil {
		t.Fatalf("SaveUsers: %v", err)
	}
}

// TestValidateUnknownKey verifies the unauthenticated outcomes.
func TestValidateUnknownKey(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Validate(context.Background(), ""); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("empty key error = %v, want ErrUnauthenticated", err)
	}
	if _, err := svc.Validate(context.Background(), "nope"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("unknown key error = %v, want ErrUnauthenticated", err)
	}
}

// TestValidateSuccess verifies identity resolution and tier binding.
func TestValidateSuccess(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, "key-1", &state.UserRecord{UserID: "alice", Role: state.RoleUser, Tier: "pro"})

	id, err := svc.Validate(context.Background(), "key-1")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if id.User.UserID != "alice" || id.Key != "key-1" {
		t.Fatalf("identity = %+v", id)
	}
	if id.Limits.RPM != config.DefaultTiers()["pro"].RPM {
		t.Fatalf("limits = %+v, want pro tier", id.Limits)
	}
	if id.IsAdmin() {
		t.Fatal("plain user reported as admin")
	}
}

// TestValidateUnknownTier verifies the unknown-tier rejection.
func TestValidateUnknownTier(t *testing.T) {
	svc, st := newTestService(t)
	seedUser(t, st, "key-1", &state.UserRecord{UserID: "bob", Tier: "platinum"})

	_, err := svc.Validate(context.Background(), "key-1")
	if !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("error = %v, want ErrUnknownTier", err)
	}
}

// TestQuotaCrossing replays the documented crossing: a user below quota may
// run one more request, overshoot past the limit, and is rejected on the
// next validation.
func TestQuotaCrossing(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	// free tier quota is 100k; start at 95 below it.
	used := *config.DefaultTiers()["free"].MaxTokens - 5
	seedUser(t, st, "key-1", &state.UserRecord{UserID: "carol", Tier: "free", TokenUsage: used})

	if _, err := svc.Validate(ctx, "key-1"); err != nil {
		t.Fatalf("Validate below quota: %v", err)
	}

	// The crossing request consumes 10 tokens and is allowed to finish.
	if err := svc.RecordUsage(ctx, "key-1", 10); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	_, err := svc.Validate(ctx, "key-1")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("error after crossing = %v, want ErrQuotaExceeded", err)
	}

	u := st.LoadUsers(ctx)["key-1"]
	if u.TokenUsage != used+10 {
		t.Fatalf("TokenUsage = %d, want %d", u.TokenUsage, used+10)
	}
}

// TestValidateAtExactQuota verifies the boundary is inclusive.
func TestValidateAtExactQuota(t *testing.T) {
	svc, st := newTestService(t)
	quota := *config.DefaultTiers()["free"].MaxTokens
	seedUser(t, st, "key-1", &state.UserRecord{UserID: "dave", Tier: "free", TokenUsage: quota})

	_, err := svc.Validate(context.Background(), "key-1")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("error at exact quota = %v, want ErrQuotaExceeded", err)
	}
}

// TestGenerateKeyShape verifies the minted key format: 64 lowercase hex
// characters, stored under itself.
func TestGenerateKeyShape(t *testing.T) {
	svc, st := newTestService(t)

	key, err := svc.GenerateKey(context.Background(), "erin", "pro", "")
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if !regexp.MustCompile(`^[0-9a-f]{64}$`).MatchString(key) {
		t.Fatalf("key %q is not 64 lowercase hex chars", key)
	}

	u := st.LoadUsers(context.Background())[key]
	if u == nil || u.UserID != "erin" || u.Tier != "pro" || u.Role != state.RoleUser {
		t.Fatalf("stored record = %+v", u)
	}
}

// TestGenerateKeyDuplicateUser verifies user id uniqueness.
func TestGenerateKeyDuplicateUser(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.GenerateKey(context.Background(), "frank", "free", ""); err != nil {
		t.Fatalf("first GenerateKey: %v", err)
	}
	_, err := svc.GenerateKey(context.Background(), "frank", "pro", "")
	if !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("error = %v, want ErrDuplicateUser", err)
	}
}

// TestGenerateKeyUnknownTier verifies tier checking before any write.
func TestGenerateKeyUnknownTier(t *testing.T) {
	svc, st := newTestService(t)

	_, err := svc.GenerateKey(context.Background(), "grace", "platinum", "")
	if !errors.Is(err, ErrUnknownTier) {
		t.Fatalf("error = %v, want ErrUnknownTier", err)
	}
	if n := len(st.LoadUsers(context.Background())); n != 0 {
		t.Fatalf("keys document has %d entries after failed mint, want 0", n)
	}
}

// TestRecordUsageConcurrent verifies that parallel usage updates are
// serialized and none are lost.
func TestRecordUsageConcurrent(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	seedUser(t, st, "key-1", &state.UserRecord{UserID: "heidi", Tier: "enterprise"})

	const workers = 16
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if err := svc.RecordUsage(ctx, "key-1", 5); err != nil {
				t.Errorf("RecordUsage: %v", err)
			}
		}()
	}
	wg.Wait()

	u := st.LoadUsers(ctx)["key-1"]
	if u.TokenUsage != workers*5 {
		t.Fatalf("TokenUsage = %d, want %d", u.TokenUsage, workers*5)
	}
}

// TestEnsureAdmin verifies bootstrap seeding and its idempotence.
func TestEnsureAdmin(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	adm := config.AdminConfig{UserID: "root", APIKey: "admin-key", Tier: "enterprise"}

	if err := svc.EnsureAdmin(ctx, adm); err != nil {
		t.Fatalf("EnsureAdmin: %v", err)
	}
	u := st.LoadUsers(ctx)["admin-key"]
	if u == nil || u.Role != state.RoleAdmin || u.Tier != "enterprise" {
		t.Fatalf("seeded admin = %+v", u)
	}

	// Second run must not reset usage.
	if err := svc.RecordUsage(ctx, "admin-key", 42); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if err := svc.EnsureAdmin(ctx, adm); err != nil {
		t.Fatalf("EnsureAdmin again: %v", err)
	}
	if u := st.LoadUsers(ctx)["admin-key"]; u.TokenUsage != 42 {
		t.Fatalf("TokenUsage after reseed = %d, want 42", u.TokenUsage)
	}

	id, err := svc.Validate(ctx, "admin-key")
	if err != nil {
		t.Fatalf("Validate admin: %v", err)
	}
	if !id.IsAdmin() {
		t.Fatal("seeded admin does not report IsAdmin")
	}
}
