package state

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newTestRedis starts a miniredis server and returns a RedisBackend bound to
// it plus the server handle.
func newTestRedis(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rb := NewRedisBackendFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = rb.Close() })

	return rb, mr
}

// TestRedisBackendRoundTrip verifies Set then Get under the document key
// prefix.
func TestRedisBackendRoundTrip(t *testing.T) {
	rb, mr := newTestRedis(t)

	want := []byte(`{"object":"list","data":[]}`)
	if err := rb.Set(context.Background(), DocModels, want); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, present, err := rb.Get(context.Background(), DocModels)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !present {
		t.Fatal("expected document to be present after Set")
	}
	if string(got) != string(want) {
		t.Fatalf("Get returned %q, want %q", got, want)
	}

	if !mr.Exists(redisKeyPrefix + DocModels) {
		t.Fatalf("expected key %q in redis", redisKeyPrefix+DocModels)
	}
}

// TestRedisBackendMissingKeyIsAbsent verifies that an unset key reads as an
// absent document without an error.
func TestRedisBackendMissingKeyIsAbsent(t *testing.T) {
	rb, _ := newTestRedis(t)

	_, present, err := rb.Get(context.Background(), DocProviders)
	if err != nil {
		t.Fatalf("Get of missing key returned error: %v", err)
	}
	if present {
		t.Fatal("missing key must read as absent")
	}
}

// TestRedisBackendEmptyValueIsAbsent verifies that an empty string value is
// treated like a missing document.
func TestRedisBackendEmptyValueIsAbsent(t *testing.T) {
	rb, mr := newTestRedis(t)

	if err := mr.Set(redisKeyPrefix+DocKeys, ""); err != nil {
		t.Fatalf("miniredis Set: %v", err)
	}

	_, present, err := rb.Get(context.Background(), DocKeys)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if present {
		t.Fatal("empty value must read as absent")
	}
}

// TestRedisBackendDownReportsError verifies that Get surfaces an error once
// the server is gone, so the store can fall through to the next backend.
func TestRedisBackendDownReportsError(t *testing.T) {
	mr := miniredis.RunT(t)
	rb := NewRedisBackendFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	defer func() { _ = rb.Close() }()

	mr.Close()

	if _, _, err := rb.Get(context.Background(), DocProviders); err == nil {
		t.Fatal("expected error when redis is down, got nil")
	}
	if err := rb.Set(context.Background(), DocProviders, []byte("[]")); err == nil {
		t.Fatal("expected error when redis is down, got nil")
	}
}

// TestNewRedisBackendInvalidURL verifies that a malformed URL is rejected at
// construction time.
func TestNewRedisBackendInvalidURL(t *testing.T) {
	_, _, err := NewRedisBackend(context.Background(), RedisOptions{URL: "not-a-valid-url"})
	if err == nil {
		t.Fatal("expected error for invalid URL, got nil")
	}
}

// TestNewRedisBackendPingOutcome verifies that the constructor reports a
// reachable server as connected and an unreachable one as pending.
func TestNewRedisBackendPingOutcome(t *testing.T) {
	mr := miniredis.RunT(t)

	rb, ok, err := NewRedisBackend(context.Background(), RedisOptions{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("NewRedisBackend: %v", err)
	}
	if !ok {
		t.Fatal("expected connected=true against a live server")
	}
	_ = rb.Close()

	addr := mr.Addr()
	mr.Close()

	rb, ok, err = NewRedisBackend(context.Background(), RedisOptions{URL: "redis://" + addr})
	if err != nil {
		t.Fatalf("NewRedisBackend against dead server: %v", err)
	}
	if ok {
		t.Fatal("expected connected=false against a dead server")
	}
	_ = rb.Close()
}
