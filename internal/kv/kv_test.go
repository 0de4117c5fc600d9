package kv

import (
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(InMemoryConfig())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSetGetDelete(t *testing.T) {
	store := newTestStore(t)

	if err := store.Set("k1", []byte("v1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := store.Get("k1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("expected v1, got %s", got)
	}

	if err := store.Delete("k1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get("k1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting an absent key is not an error.
	if err := store.Delete("missing"); err != nil {
		t.Errorf("deleting a missing key should succeed, got %v", err)
	}
}

func TestTTLExpiry(t *testing.T) {
	store := newTestStore(t)

	if err := store.SetWithTTL("short", []byte("x"), 50*time.Millisecond); err != nil {
		t.Fatalf("SetWithTTL failed: %v", err)
	}
	if ok, _ := store.Has("short"); !ok {
		t.Fatal("expected key present before expiry")
	}

	time.Sleep(120 * time.Millisecond)
	if ok, _ := store.Has("short"); ok {
		t.Error("expected key expired")
	}

	// Zero TTL means no expiry.
	if err := store.SetWithTTL("forever", []byte("y"), 0); err != nil {
		t.Fatalf("SetWithTTL failed: %v", err)
	}
	if ok, _ := store.Has("forever"); !ok {
		t.Error("expected zero-TTL key to persist")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	store := newTestStore(t)

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	in := record{Name: "acme/foo", Count: 3}
	if err := store.SetJSON("repo:acme/foo", &in, 0); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}

	var out record
	if err := store.GetJSON("repo:acme/foo", &out); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch: %+v vs %+v", out, in)
	}

	var missing record
	if err := store.GetJSON("repo:unknown", &missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListPrefix(t *testing.T) {
	store := newTestStore(t)

	keys := []string{"escalated:a", "escalated:b", "skipped:c", "state:coordinator"}
	for _, k := range keys {
		if err := store.Set(k, []byte("1")); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
	}

	got, err := store.ListPrefix("escalated:")
	if err != nil {
		t.Fatalf("ListPrefix failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(got))
	}
	if got[0] != "escalated:a" || got[1] != "escalated:b" {
		t.Errorf("unexpected keys %v", got)
	}
}

func TestKeyBuilders(t *testing.T) {
	if StateKey("coordinator") != "state:coordinator" {
		t.Error("unexpected state key")
	}
	if RepoKey("acme/foo") != "repo:acme/foo" {
		t.Error("unexpected repo key")
	}
	if CohesivenessKey("acme/foo") != "cohesiveness:acme/foo" {
		t.Error("unexpected cohesiveness key")
	}
	if SkippedKey("t1") != "skipped:t1" || EscalatedKey("t1") != "escalated:t1" {
		t.Error("unexpected task archive keys")
	}
	date := time.Date(2026, 8, 5, 3, 0, 0, 0, time.UTC)
	if DailyReportKey(date) != "report:daily:2026-08-05" {
		t.Errorf("unexpected report key %s", DailyReportKey(date))
	}
}
