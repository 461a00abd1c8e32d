package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duelpoint/duelpoint/internal/challenge"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSubscription(userID, url string, events ...string) *Subscription {
	return &Subscription{
		ID:        "wh_test1",
		UserID:    userID,
		URL:       url,
		Secret:    "s3cret",
		Events:    events,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
}

func TestSubscriptionWants(t *testing.T) {
	all := testSubscription("alice", "https://example.com/hook")
	assert.True(t, all.Wants("challenge_created"))
	assert.True(t, all.Wants("challenge_completed"))

	filtered := testSubscription("alice", "https://example.com/hook", "challenge_completed")
	assert.True(t, filtered.Wants("challenge_completed"))
	assert.False(t, filtered.Wants("challenge_created"))
}

func TestMemoryStoreCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := testSubscription("alice", "https://example.com/hook")
	require.NoError(t, store.Create(ctx, sub))

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)

	subs, err := store.ListByUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, subs, 1)

	got.LastError = "status 500"
	got.ConsecutiveFailures = 1
	require.NoError(t, store.Update(ctx, got))

	updated, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.ConsecutiveFailures)

	require.NoError(t, store.Delete(ctx, sub.ID))
	_, err = store.Get(ctx, sub.ID)
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	assert.ErrorIs(t, store.Delete(ctx, sub.ID), ErrSubscriptionNotFound)
}

func TestDispatcherDeliversSignedEvent(t *testing.T) {
	var gotBody []byte
	var gotSig, gotEvent string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Duelpoint-Signature")
		gotEvent = r.Header.Get("X-Duelpoint-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store := NewMemoryStore()
	sub := testSubscription("alice", ts.URL)
	require.NoError(t, store.Create(context.Background(), sub))

	d := NewDispatcher(store, discardLogger())
	event := &Event{
		ID:        "evt_1",
		Type:      "challenge_completed",
		Timestamp: time.Now().UTC(),
		Challenge: &ChallengePayload{ID: "chl_1", CreatorID: "alice", Stake: 100, Status: "completed"},
	}
	require.NoError(t, d.DispatchToUser(context.Background(), "alice", event))

	assert.Equal(t, "challenge_completed", gotEvent)
	assert.Equal(t, Sign(gotBody, sub.Secret), gotSig)

	var delivered Event
	require.NoError(t, json.Unmarshal(gotBody, &delivered))
	assert.Equal(t, "chl_1", delivered.Challenge.ID)

	// Success is recorded on the subscription.
	after, err := store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.NotNil(t, after.LastSuccess)
	assert.Zero(t, after.ConsecutiveFailures)
}

func TestDispatcherSkipsUnmatchedAndInactive(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer ts.Close()

	store := NewMemoryStore()
	filtered := testSubscription("alice", ts.URL, "challenge_completed")
	require.NoError(t, store.Create(context.Background(), filtered))

	inactive := testSubscription("alice", ts.URL)
	inactive.ID = "wh_inactive"
	inactive.Active = false
	require.NoError(t, store.Create(context.Background(), inactive))

	d := NewDispatcher(store, discardLogger())
	event := &Event{ID: "evt_1", Type: "challenge_created", Timestamp: time.Now()}
	require.NoError(t, d.DispatchToUser(context.Background(), "alice", event))

	assert.Zero(t, calls.Load())
}

func TestDispatcherPermanentFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	store := NewMemoryStore()
	sub := testSubscription("alice", ts.URL)
	require.NoError(t, store.Create(context.Background(), sub))

	d := NewDispatcher(store, discardLogger())
	event := &Event{ID: "evt_1", Type: "challenge_created", Timestamp: time.Now()}
	require.NoError(t, d.DispatchToUser(context.Background(), "alice", event))

	assert.Equal(t, int32(1), calls.Load())

	after, err := store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Contains(t, after.LastError, "status 400")
	assert.Equal(t, 1, after.ConsecutiveFailures)
}

func TestDispatcherRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	store := NewMemoryStore()
	sub := testSubscription("alice", ts.URL)
	require.NoError(t, store.Create(context.Background(), sub))

	d := NewDispatcher(store, discardLogger())
	event := &Event{ID: "evt_1", Type: "challenge_created", Timestamp: time.Now()}
	require.NoError(t, d.DispatchToUser(context.Background(), "alice", event))

	assert.Equal(t, int32(2), calls.Load())
	after, err := store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.NotNil(t, after.LastSuccess)
}

func TestEmitterNotifiesBothParticipants(t *testing.T) {
	hits := make(chan string, 2)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var ev Event
		_ = json.Unmarshal(body, &ev)
		hits <- ev.Challenge.ID
	}))
	defer ts.Close()

	store := NewMemoryStore()
	creatorSub := testSubscription("alice", ts.URL)
	require.NoError(t, store.Create(context.Background(), creatorSub))
	acceptorSub := testSubscription("bob", ts.URL)
	acceptorSub.ID = "wh_bob"
	require.NoError(t, store.Create(context.Background(), acceptorSub))

	emitter := NewEmitter(NewDispatcher(store, discardLogger()), discardLogger())
	emitter.PublishChallengeEvent("challenge_accepted", &challenge.Challenge{
		ID:         "chl_9",
		Title:      "speedrun",
		CreatorID:  "alice",
		AcceptorID: "bob",
		Stake:      250,
		Status:     challenge.StatusAccepted,
	})

	for i := 0; i < 2; i++ {
		select {
		case id := <-hits:
			assert.Equal(t, "chl_9", id)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for webhook delivery")
		}
	}
}

// --- Handler tests ---

func newTestRouter(store Store, userID string, isAdmin bool) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("authUserID", userID)
		c.Set("authIsAdmin", isAdmin)
	})
	NewHandler(store).RegisterRoutes(r.Group("/v1"))
	return r
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlerCreateAndList(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRouter(store, "alice", false)

	// IP literal so the SSRF check skips DNS resolution.
	w := doJSON(r, http.MethodPost, "/v1/webhooks",
		`{"url":"https://93.184.216.34/duel","events":["challenge_completed"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Webhook Subscription `json:"webhook"`
		Secret  string       `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.Secret)
	assert.True(t, created.Webhook.Active)

	w = doJSON(r, http.MethodGet, "/v1/webhooks", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
}

func TestHandlerCreateRejectsInternalURLs(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRouter(store, "alice", false)

	for _, url := range []string{
		"http://localhost/hook",
		"http://127.0.0.1:9000/hook",
		"http://169.254.169.254/latest/meta-data",
		"ftp://example.com/hook",
	} {
		w := doJSON(r, http.MethodPost, "/v1/webhooks", `{"url":"`+url+`"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code, "url %s should be rejected", url)
	}
}

func TestHandlerCreateRejectsUnknownEvent(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRouter(store, "alice", false)

	w := doJSON(r, http.MethodPost, "/v1/webhooks",
		`{"url":"https://93.184.216.34/duel","events":["payment.received"]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_event")
}

func TestHandlerDeleteOwnership(t *testing.T) {
	store := NewMemoryStore()
	sub := testSubscription("alice", "https://hooks.example.com/duel")
	require.NoError(t, store.Create(context.Background(), sub))

	// Another user cannot delete it.
	other := newTestRouter(store, "bob", false)
	w := doJSON(other, http.MethodDelete, "/v1/webhooks/"+sub.ID, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	// An admin can.
	admin := newTestRouter(store, "admin", true)
	w = doJSON(admin, http.MethodDelete, "/v1/webhooks/"+sub.ID, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(admin, http.MethodDelete, "/v1/webhooks/"+sub.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
