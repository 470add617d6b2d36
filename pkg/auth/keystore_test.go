package auth_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/chittyos/chittycore/pkg/auth"
)

func TestKeyStore_IssueAndLookup(t *testing.T) {
	store := auth.NewMemoryKeyStore()
	token, issued := store.Issue("collector", auth.RoleService, auth.RoleViewer)

	key, err := store.Lookup(context.Background(), token)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if key.ID != issued.ID {
		t.Errorf("expected id %q, got %q", issued.ID, key.ID)
	}
	if key.Name != "collector" {
		t.Errorf("expected name 'collector', got %q", key.Name)
	}
	if len(key.Roles) != 2 {
		t.Errorf("expected 2 roles, got %v", key.Roles)
	}
}

func TestKeyStore_UnknownToken(t *testing.T) {
	store := auth.NewMemoryKeyStore()
	if _, err := store.Lookup(context.Background(), "ck_never_issued"); err != auth.ErrUnknownKey {
		t.Errorf("expected ErrUnknownKey, got %v", err)
	}
}

func TestKeyStore_Revoke(t *testing.T) {
	store := auth.NewMemoryKeyStore()
	token, key := store.Issue("collector")

	if !store.Revoke(key.ID) {
		t.Fatal("revoke returned false for existing key")
	}
	if _, err := store.Lookup(context.Background(), token); err != auth.ErrUnknownKey {
		t.Errorf("expected ErrUnknownKey after revoke, got %v", err)
	}
	if store.Revoke("no-such-id") {
		t.Error("revoke of unknown id should return false")
	}
}

func TestKeyStore_Expiry(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := auth.NewMemoryKeyStore(auth.WithKeyStoreClock(func() time.Time { return now }))

	store.Register("ck_rotating", &auth.APIKey{
		Name:      "quarterly",
		ExpiresAt: now.Add(time.Hour),
	})

	if _, err := store.Lookup(context.Background(), "ck_rotating"); err != nil {
		t.Fatalf("key should be valid before expiry: %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := store.Lookup(context.Background(), "ck_rotating"); err != auth.ErrUnknownKey {
		t.Errorf("expected ErrUnknownKey after expiry, got %v", err)
	}
}

func TestKeyStore_RegisterFillsDefaults(t *testing.T) {
	store := auth.NewMemoryKeyStore()
	store.Register("ck_from_config", &auth.APIKey{Name: "deploy"})

	key, err := store.Lookup(context.Background(), "ck_from_config")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if key.ID == "" {
		t.Error("expected generated id")
	}
	if key.CreatedAt.IsZero() {
		t.Error("expected created_at to be filled")
	}
}

func TestNewToken_Format(t *testing.T) {
	a := auth.NewToken()
	b := auth.NewToken()

	if !strings.HasPrefix(a, "ck_") {
		t.Errorf("expected ck_ prefix, got %q", a)
	}
	if len(a) != len("ck_")+48 {
		t.Errorf("expected 48 hex chars after prefix, got %d total", len(a))
	}
	if a == b {
		t.Error("tokens must be unique")
	}
}
