package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamchat/internal/api"
	"teamchat/internal/docstore"
	"teamchat/internal/model"
	"teamchat/internal/storage"
)

type testEnv struct {
	server *Server
	http   *httptest.Server
	store  *storage.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.NewStore("sqlite://file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, SeedGuest(context.Background(), store))

	srv := New(store, store, Options{
		AllowGuest: true,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		_ = store.Close()
	})
	return &testEnv{server: srv, http: ts, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (e *testEnv) signupAndLogin(t *testing.T, email string) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/signup", "", api.SignupRequest{Email: email, Password: "secret1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/login", "", api.LoginRequest{Email: email, Password: "secret1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decode[api.LoginResponse](t, resp)
	require.NotEmpty(t, login.Token)
	return login.Token
}

func (e *testEnv) addUser(t *testing.T, token, name, email string) docstore.Document {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/users", token, api.CreateRequest{
		Kind:   docstore.KindUser,
		Fields: docstore.Fields{"name": name, "email": email},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[docstore.Document](t, resp)
}

func TestSignupLoginLogout(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/signup", "", api.SignupRequest{Email: "ada@example.com", Password: "short"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	token := env.signupAndLogin(t, "ada@example.com")

	resp = env.do(t, http.MethodPost, "/signup", "", api.SignupRequest{Email: "ADA@example.com", Password: "secret1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/login", "", api.LoginRequest{Email: "ada@example.com", Password: "wrong!!"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, decode[api.ErrorResponse](t, resp).Error, "invalid credentials")

	resp = env.do(t, http.MethodPost, "/logout", token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/users/anything", token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	m := env.server.Metrics().Snapshot()
	assert.EqualValues(t, 1, m["signups_total"])
	assert.EqualValues(t, 1, m["logins_total"])
}

func TestDocumentsRequireSession(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/v1/users?field=email&value=x", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/v1/users?field=email&value=x", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestUserDocumentOwnership(t *testing.T) {
	env := newTestEnv(t)
	ada := env.signupAndLogin(t, "ada@example.com")
	bob := env.signupAndLogin(t, "bob@example.com")

	resp := env.do(t, http.MethodPost, "/v1/users", ada, api.CreateRequest{
		Kind:   docstore.KindUser,
		Fields: docstore.Fields{"name": "Mallory", "email": "bob@example.com"},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	adaDoc := env.addUser(t, ada, "Ada", "ada@example.com")
	bobDoc := env.addUser(t, bob, "Bob", "bob@example.com")

	resp = env.do(t, http.MethodPost, "/v1/users", ada, api.CreateRequest{
		Kind:   docstore.KindUser,
		Fields: docstore.Fields{"name": "Ada again", "email": "ada@example.com"},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	now := docstore.Timestamp(time.Now())
	resp = env.do(t, http.MethodPatch, "/v1/users/"+adaDoc.ID, ada, docstore.Fields{model.FieldLastSeen: now})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodPatch, "/v1/users/"+bobDoc.ID, ada, docstore.Fields{model.FieldLastSeen: now})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodPatch, "/v1/users/"+adaDoc.ID, ada, docstore.Fields{"email": "other@example.com"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/users/"+adaDoc.ID, bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[docstore.Document](t, resp)
	ts, ok := got.Fields.Time(model.FieldLastSeen)
	require.True(t, ok)
	assert.Equal(t, now, ts.UnixMilli())

	assert.EqualValues(t, 1, env.server.Metrics().Snapshot()["heartbeats_total"])
}

func TestConcurrentUserCreationKeepsOneDocument(t *testing.T) {
	env := newTestEnv(t)
	ada := env.signupAndLogin(t, "ada@example.com")

	const attempts = 8
	codes := make(chan int, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payload, _ := json.Marshal(api.CreateRequest{
				Kind:   docstore.KindUser,
				Fields: docstore.Fields{"name": "Ada", "email": "ada@example.com"},
			})
			req, err := http.NewRequest(http.MethodPost, env.http.URL+"/v1/users", bytes.NewReader(payload))
			if err != nil {
				codes <- 0
				return
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Authorization", "Bearer "+ada)
			resp, err := env.http.Client().Do(req)
			if err != nil {
				codes <- 0
				return
			}
			_ = resp.Body.Close()
			codes <- resp.StatusCode
		}()
	}
	wg.Wait()
	close(codes)

	created := 0
	for code := range codes {
		switch code {
		case http.StatusCreated:
			created++
		case http.StatusConflict:
		default:
			t.Errorf("unexpected status %d", code)
		}
	}
	assert.Equal(t, 1, created)

	docs, err := env.store.QueryByField(context.Background(), docstore.CollectionUsers, model.FieldEmail, "ada@example.com")
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestKeyedMutexReleasesKeys(t *testing.T) {
	var k keyedMutex
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()
	select {
	case <-acquired:
		t.Fatal("second holder got the lock while it was held")
	case <-time.After(50 * time.Millisecond):
	}
	unlockA()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock never released")
	}
	unlockB()

	assert.Eventually(t, func() bool {
		k.mu.Lock()
		defer k.mu.Unlock()
		return len(k.locks) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestMetricsReportCollectionSubscribers(t *testing.T) {
	env := newTestEnv(t)
	token := env.signupAndLogin(t, "ada@example.com")

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + api.PathSubscribe + "/users"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Authorization": {"Bearer " + token}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer conn.Close()

	type metrics struct {
		ActiveSubscriptions   int64          `json:"active_subscriptions"`
		CollectionSubscribers map[string]int `json:"collection_subscribers"`
	}
	assert.Eventually(t, func() bool {
		resp, err := http.Get(env.http.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var got metrics
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			return false
		}
		return got.ActiveSubscriptions == 1 && got.CollectionSubscribers[docstore.CollectionUsers] == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestQueryAndMissingDocuments(t *testing.T) {
	env := newTestEnv(t)
	token := env.signupAndLogin(t, "ada@example.com")
	env.addUser(t, token, "Ada", "ada@example.com")

	resp := env.do(t, http.MethodGet, "/v1/users?field=email&value="+url.QueryEscape(`"ada@example.com"`), token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	found := decode[api.QueryResponse](t, resp)
	require.Len(t, found.Documents, 1)
	assert.Equal(t, "Ada", found.Documents[0].Fields.String("name"))

	resp = env.do(t, http.MethodGet, "/v1/users?field=email&value=ada@example.com", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[api.QueryResponse](t, resp).Documents, 1, "bare strings are accepted")

	resp = env.do(t, http.MethodGet, "/v1/users", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/users/missing", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPatch, "/v1/channels/missing", token, docstore.Fields{"name": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGuestLogin(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/login/guest", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decode[api.LoginResponse](t, resp)
	assert.Equal(t, model.GuestUser.Email, login.Email)

	resp = env.do(t, http.MethodGet, "/v1/users/"+model.GuestUser.ID, login.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	guest := decode[docstore.Document](t, resp)
	assert.Equal(t, model.GuestUser.Name, guest.Fields.String("name"))
}

func TestPasswordChange(t *testing.T) {
	env := newTestEnv(t)
	token := env.signupAndLogin(t, "ada@example.com")

	resp := env.do(t, http.MethodPost, "/password", token, api.PasswordChangeRequest{Current: "secret1", New: "tiny"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/password", token, api.PasswordChangeRequest{Current: "nope!!", New: "secret2"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = env.do(t, http.MethodPost, "/password", token, api.PasswordChangeRequest{Current: "secret1", New: "secret2"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/login", "", api.LoginRequest{Email: "ada@example.com", Password: "secret2"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	guest := decode[api.LoginResponse](t, env.do(t, http.MethodPost, "/login/guest", "", nil))
	resp = env.do(t, http.MethodPost, "/password", guest.Token, api.PasswordChangeRequest{Current: "x", New: "secret2"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSubscribeStreamsSnapshots(t *testing.T) {
	env := newTestEnv(t)
	token := env.signupAndLogin(t, "ada@example.com")

	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + api.PathSubscribe + "/channels"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Authorization": {"Bearer " + token}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer conn.Close()

	readSnapshot := func() api.Snapshot {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var snap api.Snapshot
		require.NoError(t, conn.ReadJSON(&snap))
		return snap
	}

	initial := readSnapshot()
	assert.Equal(t, "channels", initial.Collection)
	assert.Empty(t, initial.Documents)

	create := env.do(t, http.MethodPost, "/v1/channels", token, api.CreateRequest{
		Kind:   docstore.KindChannel,
		Fields: docstore.Fields{"name": "general", "members": []string{"u1"}},
	})
	require.Equal(t, http.StatusCreated, create.StatusCode)

	update := readSnapshot()
	require.Len(t, update.Documents, 1)
	assert.Equal(t, docstore.KindChannel, update.Documents[0].Kind)
	assert.Eventually(t, func() bool {
		return env.server.Metrics().Snapshot()["active_subscriptions"] == int64(1)
	}, time.Second, 10*time.Millisecond)
}

func TestSubscribeRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	wsURL := "ws" + strings.TrimPrefix(env.http.URL, "http") + api.PathSubscribe + "/users"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	limiter := NewRateLimiter(2, time.Second)
	now := time.Unix(1000, 0)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("b"), "keys are independent")

	now = now.Add(500 * time.Millisecond)
	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))
}

func TestAuthEndpointsAreRateLimited(t *testing.T) {
	env := newTestEnv(t)
	var last int
	for i := 0; i < 11; i++ {
		resp := env.do(t, http.MethodPost, "/login", "", api.LoginRequest{Email: "x@example.com", Password: "whatever"})
		last = resp.StatusCode
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
