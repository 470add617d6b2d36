package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chittyos/chittycore/pkg/contracts"
)

// ErrUnknownKey is returned for tokens that do not resolve to an active key.
// Revoked and expired keys are indistinguishable from unknown ones.
var ErrUnknownKey = errors.New("auth: unknown api key")

// KeyStore resolves opaque bearer tokens to API keys.
type KeyStore interface {
	Lookup(ctx context.Context, token string) (*APIKey, error)
}

// MemoryKeyStore keeps API keys in memory, indexed by token digest. Keys are
// provisioned at boot from configuration or issued at runtime by an admin.
type MemoryKeyStore struct {
	mu    sync.RWMutex
	keys  map[string]*APIKey
	clock contracts.Clock
}

// KeyStoreOption configures a MemoryKeyStore.
type KeyStoreOption func(*MemoryKeyStore)

// WithKeyStoreClock overrides the time source.
func WithKeyStoreClock(clock contracts.Clock) KeyStoreOption {
	return func(s *MemoryKeyStore) { s.clock = clock }
}

// NewMemoryKeyStore creates an empty key store.
func NewMemoryKeyStore(opts ...KeyStoreOption) *MemoryKeyStore {
	s := &MemoryKeyStore{
		keys:  make(map[string]*APIKey),
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue mints a fresh token for the named caller and registers it. The
// returned plaintext token is not recoverable afterwards.
func (s *MemoryKeyStore) Issue(name string, roles ...string) (string, *APIKey) {
	token := NewToken()
	key := &APIKey{
		ID:        uuid.New().String(),
		Name:      name,
		Roles:     roles,
		CreatedAt: s.clock().UTC(),
	}
	s.Register(token, key)
	return token, key
}

// Register binds a pre-existing token (for example from deploy
// configuration) to a key record.
func (s *MemoryKeyStore) Register(token string, key *APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key.ID == "" {
		key.ID = uuid.New().String()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = s.clock().UTC()
	}
	s.keys[hashToken(token)] = key
}

// Revoke marks the key with the given id revoked. Returns false when no such
// key exists.
func (s *MemoryKeyStore) Revoke(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == id {
			k.Revoked = true
			return true
		}
	}
	return false
}

// Lookup implements KeyStore.
func (s *MemoryKeyStore) Lookup(_ context.Context, token string) (*APIKey, error) {
	s.mu.RLock()
	key, ok := s.keys[hashToken(token)]
	s.mu.RUnlock()

	if !ok || key.Revoked {
		return nil, ErrUnknownKey
	}
	if !key.ExpiresAt.IsZero() && !s.clock().Before(key.ExpiresAt) {
		return nil, ErrUnknownKey
	}
	return key, nil
}

// NewToken generates an opaque bearer token. The ck_ prefix makes leaked
// tokens greppable by secret scanners.
func NewToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read cannot fail on supported platforms.
		panic(err)
	}
	return "ck_" + hex.EncodeToString(buf)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
