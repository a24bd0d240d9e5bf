package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/keystore"
)

// countingStore is a keystore.Store stub that counts lookups.
type countingStore struct {
	records map[string]keystore.Record
	err     error
	calls   int
}

func (s *countingStore) LookupByKey(_ context.Context, key string) (keystore.Record, error) {
	s.calls++
	if s.err != nil {
		return keystore.Record{}, s.err
	}
	rec, ok := s.records[key]
	if !ok {
		return keystore.Record{}, keystore.ErrKeyNotFound
	}
	return rec, nil
}

func newTestCache(store keystore.Store, opts ...Option) (*Cache, *time.Time) {
	c := NewCache(store, nil, opts...)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCache_HitAvoidsStore(t *testing.T) {
	store := &countingStore{records: map[string]keystore.Record{
		"abc": {ID: 7, Name: "alice", Active: true},
	}}
	c, _ := newTestCache(store)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id, err := c.Authenticate(ctx, "abc")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id.SubjectID != 7 || id.SubjectName != "alice" {
			t.Fatalf("unexpected identity: %+v", id)
		}
	}

	if store.calls != 1 {
		t.Errorf("expected 1 store lookup, got %d", store.calls)
	}
}

func TestCache_ExpiryRefetches(t *testing.T) {
	store := &countingStore{records: map[string]keystore.Record{
		"abc": {ID: 7, Name: "alice", Active: true},
	}}
	c, now := newTestCache(store)
	ctx := context.Background()

	if _, err := c.Authenticate(ctx, "abc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Just inside the TTL: still served from memory.
	*now = now.Add(DefaultTTL - time.Second)
	if _, err := c.Authenticate(ctx, "abc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.calls != 1 {
		t.Fatalf("expected cached hit inside TTL, got %d store calls", store.calls)
	}

	// Past the TTL: the store is consulted again.
	*now = now.Add(2 * time.Second)
	if _, err := c.Authenticate(ctx, "abc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.calls != 2 {
		t.Errorf("expected refetch after expiry, got %d store calls", store.calls)
	}
}

func TestCache_RevocationVisibleAfterTTL(t *testing.T) {
	store := &countingStore{records: map[string]keystore.Record{
		"abc": {ID: 7, Name: "alice", Active: true},
	}}
	c, now := newTestCache(store)
	ctx := context.Background()

	if _, err := c.Authenticate(ctx, "abc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Revoke the key. The cached identity keeps working until the TTL.
	store.records["abc"] = keystore.Record{ID: 7, Name: "alice", Active: false}
	if _, err := c.Authenticate(ctx, "abc"); err != nil {
		t.Fatalf("expected cached identity inside TTL, got %v", err)
	}

	*now = now.Add(DefaultTTL + time.Second)
	if _, err := c.Authenticate(ctx, "abc"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey after TTL, got %v", err)
	}
}

func TestCache_InvalidKeyNeverCached(t *testing.T) {
	store := &countingStore{records: map[string]keystore.Record{}}
	c, _ := newTestCache(store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.Authenticate(ctx, "nope"); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected ErrInvalidKey, got %v", err)
		}
	}

	// Every attempt must reach the store: a key provisioned later resolves
	// immediately.
	if store.calls != 3 {
		t.Errorf("expected 3 store lookups, got %d", store.calls)
	}

	store.records["nope"] = keystore.Record{ID: 1, Name: "late", Active: true}
	id, err := c.Authenticate(ctx, "nope")
	if err != nil {
		t.Fatalf("expected newly provisioned key to resolve, got %v", err)
	}
	if id.SubjectName != "late" {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestCache_InactiveKeyRejected(t *testing.T) {
	store := &countingStore{records: map[string]keystore.Record{
		"off": {ID: 2, Name: "bob", Active: false},
	}}
	c, _ := newTestCache(store)

	if _, err := c.Authenticate(context.Background(), "off"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for inactive key, got %v", err)
	}
}

func TestCache_StoreErrorNotInvalidKey(t *testing.T) {
	store := &countingStore{err: errors.New("redis: connection refused")}
	c, _ := newTestCache(store)

	_, err := c.Authenticate(context.Background(), "abc")
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrInvalidKey) {
		t.Error("infrastructure errors must not masquerade as invalid keys")
	}
}

func TestCache_CapacityEviction(t *testing.T) {
	store := &countingStore{records: map[string]keystore.Record{
		"a": {ID: 1, Name: "a", Active: true},
		"b": {ID: 2, Name: "b", Active: true},
		"c": {ID: 3, Name: "c", Active: true},
	}}
	c, now := newTestCache(store, WithMaxEntries(2))
	ctx := context.Background()

	if _, err := c.Authenticate(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(time.Second)
	if _, err := c.Authenticate(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	*now = now.Add(time.Second)
	if _, err := c.Authenticate(ctx, "c"); err != nil {
		t.Fatal(err)
	}

	if got := c.Len(); got != 2 {
		t.Errorf("expected capped size 2, got %d", got)
	}

	// "a" was closest to expiry and must have been evicted.
	calls := store.calls
	if _, err := c.Authenticate(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if store.calls != calls+1 {
		t.Error("expected evicted key to refetch from the store")
	}
}
