// Package auth provides API authentication for DuelPoint.
//
// Authentication model:
// - Public endpoints (leaderboard, health): no auth required
// - Challenge and ledger operations: require an API key
// - Admin endpoints: require an API key carrying the admin claim
// - API keys are issued on user registration and shown once
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

// Errors
var (
	ErrNoAPIKey       = errors.New("API key required")
	ErrInvalidAPIKey  = errors.New("invalid or expired API key")
	ErrKeyNotFound    = errors.New("API key not found")
	ErrUserIDTaken    = errors.New("user ID already registered")
	ErrUserIDReserved = errors.New("user ID is reserved")
)

// APIKey represents an API key
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`      // SHA256 hash of key (stored)
	UserID    string     `json:"userId"` // The user this key belongs to
	Name      string     `json:"name"`   // Friendly name
	Admin     bool       `json:"admin"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Store persists API keys
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByUser(ctx context.Context, userID string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Manager handles authentication
type Manager struct {
	store    Store
	reserved map[string]bool
}

// NewManager creates a new auth manager
func NewManager(store Store) *Manager {
	return &Manager{store: store, reserved: make(map[string]bool)}
}

// ReserveUserIDs blocks the given IDs from being claimed through
// registration. The platform fee account and the bootstrap admin
// identity are reserved at startup; keys for them can only be minted
// internally.
func (m *Manager) ReserveUserIDs(ids ...string) {
	for _, id := range ids {
		if id != "" {
			m.reserved[id] = true
		}
	}
}

// Register claims a user ID and issues its first API key. A user ID
// that already has any key on record, revoked or not, cannot be claimed
// again; otherwise anyone could mint a working key for an existing
// account.
func (m *Manager) Register(ctx context.Context, userID, name string) (rawKey string, key *APIKey, err error) {
	if m.reserved[userID] {
		return "", nil, ErrUserIDReserved
	}
	existing, err := m.store.GetByUser(ctx, userID)
	if err != nil {
		return "", nil, err
	}
	if len(existing) > 0 {
		return "", nil, ErrUserIDTaken
	}
	return m.GenerateKey(ctx, userID, name, false)
}

// GenerateKey creates a new API key for a user.
// Returns the raw key (shown once) and the stored metadata.
func (m *Manager) GenerateKey(ctx context.Context, userID, name string, admin bool) (rawKey string, key *APIKey, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", nil, err
	}

	rawKey = "sk_" + hex.EncodeToString(b)

	key = &APIKey{
		ID:        "ak_" + hex.EncodeToString(b[:8]),
		Hash:      hashKey(rawKey),
		UserID:    userID,
		Name:      name,
		Admin:     admin,
		CreatedAt: time.Now(),
	}

	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}

	return rawKey, key, nil
}

// BootstrapAdmin registers a fixed admin key from configuration. Idempotent:
// a key that already hashes to an existing record is left alone.
func (m *Manager) BootstrapAdmin(ctx context.Context, rawKey string) error {
	if rawKey == "" {
		return nil
	}
	hash := hashKey(rawKey)
	if _, err := m.store.GetByHash(ctx, hash); err == nil {
		return nil
	}
	return m.store.Create(ctx, &APIKey{
		ID:        "ak_bootstrap_admin",
		Hash:      hash,
		UserID:    "admin",
		Name:      "bootstrap admin",
		Admin:     true,
		CreatedAt: time.Now(),
	})
}

// ValidateKey validates an API key and returns the key metadata
func (m *Manager) ValidateKey(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, ErrNoAPIKey
	}

	rawKey = strings.TrimPrefix(rawKey, "Bearer ")
	rawKey = strings.TrimSpace(rawKey)

	if !strings.HasPrefix(rawKey, "sk_") {
		return nil, ErrInvalidAPIKey
	}

	hash := hashKey(rawKey)
	key, err := m.store.GetByHash(ctx, hash)
	if err != nil {
		return nil, ErrInvalidAPIKey
	}

	if key.Revoked {
		return nil, ErrInvalidAPIKey
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return nil, ErrInvalidAPIKey
	}

	// Update last used (fire and forget)
	go func() {
		key.LastUsed = time.Now()
		m.store.Update(context.Background(), key)
	}()

	return key, nil
}

// ListKeys returns all keys for a user
func (m *Manager) ListKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	return m.store.GetByUser(ctx, userID)
}

// RevokeKey revokes an API key owned by the given user
func (m *Manager) RevokeKey(ctx context.Context, keyID, userID string) error {
	keys, err := m.store.GetByUser(ctx, userID)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if k.ID == keyID {
			k.Revoked = true
			return m.store.Update(ctx, k)
		}
	}

	return ErrKeyNotFound
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// MemoryStore is an in-memory implementation of Store
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey // by ID
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]*APIKey),
	}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.Hash == hash {
			return k, nil
		}
	}
	return nil, ErrKeyNotFound
}

func (s *MemoryStore) GetByUser(ctx context.Context, userID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			result = append(result, k)
		}
	}
	return result, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, id)
	return nil
}
