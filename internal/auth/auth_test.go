package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestGenerateAndValidateKey(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := m.GenerateKey(ctx, "alice", "laptop", false)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("raw key %q missing sk_ prefix", rawKey)
	}
	if key.Admin {
		t.Error("key should not carry the admin claim")
	}

	got, err := m.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("ValidateKey: %v", err)
	}
	if got.UserID != "alice" {
		t.Errorf("userID = %s, want alice", got.UserID)
	}

	// Bearer prefix is accepted.
	if _, err := m.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("ValidateKey with Bearer prefix: %v", err)
	}
}

func TestValidateKey_Rejections(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	if _, err := m.ValidateKey(ctx, ""); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("empty key: expected ErrNoAPIKey, got %v", err)
	}
	if _, err := m.ValidateKey(ctx, "not_a_key"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("bad prefix: expected ErrInvalidAPIKey, got %v", err)
	}
	if _, err := m.ValidateKey(ctx, "sk_deadbeef"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("unknown key: expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestRevokeKey(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := m.GenerateKey(ctx, "alice", "old phone", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.RevokeKey(ctx, key.ID, "alice"); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	if _, err := m.ValidateKey(ctx, rawKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("revoked key: expected ErrInvalidAPIKey, got %v", err)
	}

	// Another user cannot revoke it.
	if err := m.RevokeKey(ctx, key.ID, "bob"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("cross-user revoke: expected ErrKeyNotFound, got %v", err)
	}
}

func TestExpiredKeyRejected(t *testing.T) {
	store := NewMemoryStore()
	m := NewManager(store)
	ctx := context.Background()

	rawKey, key, err := m.GenerateKey(ctx, "alice", "short lived", false)
	if err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	key.ExpiresAt = &past
	if err := store.Update(ctx, key); err != nil {
		t.Fatal(err)
	}

	if _, err := m.ValidateKey(ctx, rawKey); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expired key: expected ErrInvalidAPIKey, got %v", err)
	}
}

func TestBootstrapAdmin(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	const adminKey = "sk_bootstrap_secret_for_tests"
	if err := m.BootstrapAdmin(ctx, adminKey); err != nil {
		t.Fatalf("BootstrapAdmin: %v", err)
	}
	// Idempotent on restart.
	if err := m.BootstrapAdmin(ctx, adminKey); err != nil {
		t.Fatalf("second BootstrapAdmin: %v", err)
	}

	key, err := m.ValidateKey(ctx, adminKey)
	if err != nil {
		t.Fatalf("ValidateKey: %v", err)
	}
	if !key.Admin {
		t.Error("bootstrap key should carry the admin claim")
	}
}

func TestRegister_DuplicateUserRejected(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, err := m.Register(ctx, "alice", "first device")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// A second registration of the same ID must not mint a key for the
	// existing account.
	if _, _, err := m.Register(ctx, "alice", "attacker"); !errors.Is(err, ErrUserIDTaken) {
		t.Fatalf("duplicate register: expected ErrUserIDTaken, got %v", err)
	}

	keys, err := m.ListKeys(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Errorf("alice has %d keys, want 1", len(keys))
	}
	if _, err := m.ValidateKey(ctx, rawKey); err != nil {
		t.Errorf("original key no longer validates: %v", err)
	}
}

func TestRegister_RevokedUserNotReclaimable(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	_, key, err := m.Register(ctx, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.RevokeKey(ctx, key.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	// Revoking every key does not release the ID; the account and its
	// balance still exist.
	if _, _, err := m.Register(ctx, "alice", "squatter"); !errors.Is(err, ErrUserIDTaken) {
		t.Errorf("register after revoke: expected ErrUserIDTaken, got %v", err)
	}
}

func TestRegister_ReservedIDsRejected(t *testing.T) {
	m := NewManager(NewMemoryStore())
	m.ReserveUserIDs("platform", "admin")
	ctx := context.Background()

	for _, id := range []string{"platform", "admin"} {
		if _, _, err := m.Register(ctx, id, ""); !errors.Is(err, ErrUserIDReserved) {
			t.Errorf("register %q: expected ErrUserIDReserved, got %v", id, err)
		}
	}
}

func TestRegisterHandler_DuplicateReturns409(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewManager(NewMemoryStore())
	m.ReserveUserIDs("platform")

	r := gin.New()
	NewHandler(m).RegisterPublicRoutes(r.Group("/v1"))

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/users/register", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := post(`{"userId":"alice"}`); w.Code != http.StatusCreated {
		t.Fatalf("first register: status = %d", w.Code)
	}

	w := post(`{"userId":"alice"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate register: status = %d, want 409", w.Code)
	}
	if strings.Contains(w.Body.String(), "sk_") {
		t.Error("duplicate register response leaked an API key")
	}

	if w := post(`{"userId":"platform"}`); w.Code != http.StatusBadRequest {
		t.Errorf("reserved register: status = %d, want 400", w.Code)
	}
}

func TestMiddleware_SetsIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	userKey, _, err := m.GenerateKey(ctx, "alice", "", false)
	if err != nil {
		t.Fatal(err)
	}
	adminKey, _, err := m.GenerateKey(ctx, "root", "", true)
	if err != nil {
		t.Fatal(err)
	}

	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/open", func(c *gin.Context) {
		c.JSON(200, gin.H{"user": AuthenticatedUser(c)})
	})
	protected := r.Group("/", RequireAuth())
	protected.GET("/me", func(c *gin.Context) {
		c.JSON(200, gin.H{"user": AuthenticatedUser(c)})
	})
	adminOnly := r.Group("/admin", RequireAdmin())
	adminOnly.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	tests := []struct {
		name   string
		path   string
		key    string
		status int
	}{
		{"open without key", "/open", "", http.StatusOK},
		{"protected without key", "/me", "", http.StatusUnauthorized},
		{"protected with key", "/me", userKey, http.StatusOK},
		{"admin with user key", "/admin/ping", userKey, http.StatusForbidden},
		{"admin with admin key", "/admin/ping", adminKey, http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", tt.path, nil)
		if tt.key != "" {
			req.Header.Set("Authorization", "Bearer "+tt.key)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tt.status {
			t.Errorf("%s: status = %d, want %d", tt.name, w.Code, tt.status)
		}
	}
}
