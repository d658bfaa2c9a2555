package agendador

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/DanielMarcoD/agendador/internal/fakeapi"
	"github.com/DanielMarcoD/agendador/session"
)

const (
	testEmail    = "ana@example.com"
	testPassword = "s3cret"
)

type harness struct {
	api     *fakeapi.Server
	baseURL string
	userID  string
}

func newHarness(t *testing.T, opts fakeapi.Options) *harness {
	t.Helper()
	api, err := fakeapi.New(opts)
	if err != nil {
		t.Fatalf("fakeapi.New: %v", err)
	}
	ts := api.Start()
	t.Cleanup(ts.Close)

	id, err := api.AddUser("Ana", testEmail, testPassword)
	if err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	return &harness{api: api, baseURL: ts.URL, userID: id}
}

func (h *harness) config() Config {
	cfg := DefaultConfig()
	cfg.API.BaseURL = h.baseURL
	cfg.API.Timeout = 5 * time.Second
	cfg.Renewer.Enabled = false
	return cfg
}

func buildClient(t *testing.T, b *Builder) *Client {
	t.Helper()
	c, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// seedExpired stores a valid refresh token next to an access token that has
// already expired.
func (h *harness) seedExpired(t *testing.T, backend session.Backend) {
	t.Helper()
	_, refresh, err := h.api.IssueSession(testEmail)
	if err != nil {
		t.Fatalf("IssueSession: %v", err)
	}
	expired, err := h.api.IssueAccessToken(h.userID, testEmail, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if err := session.NewStore(backend, "").SetSession(context.Background(), expired, refresh); err != nil {
		t.Fatalf("seed session: %v", err)
	}
}

func TestLoginStoresSessionAndStartsRenewer(t *testing.T) {
	h := newHarness(t, fakeapi.Options{})
	cfg := h.config()
	cfg.Renewer.Enabled = true
	c := buildClient(t, New().WithConfig(cfg))
	ctx := context.Background()

	res, err := c.Login(ctx, testEmail, testPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.User.ID != h.userID || res.User.Email != testEmail {
		t.Fatalf("unexpected user %+v", res.User)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.LoggedIn || !st.HasAccess || !st.HasRefresh || !st.RenewerRunning {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.UserID != h.userID || st.Email != testEmail || st.ExpiresAt.IsZero() {
		t.Fatalf("status missing claims %+v", st)
	}

	var me User
	if err := c.JSON(ctx, http.MethodGet, "/me", nil, &me); err != nil {
		t.Fatalf("GET /me: %v", err)
	}
	if me.ID != h.userID {
		t.Fatalf("expected /me to return the logged-in user, got %+v", me)
	}
	if got := c.MetricsSnapshot().Counters[MetricLoginSuccess]; got != 1 {
		t.Fatalf("expected one login success, got %d", got)
	}
	if got := c.MetricsSnapshot().Counters[MetricKeyFetchSuccess]; got != 1 {
		t.Fatalf("expected one key fetch, got %d", got)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	h := newHarness(t, fakeapi.Options{})
	var failures atomic.Int32
	c := buildClient(t, New().WithConfig(h.config()).WithAuthFailureHandler(func(error) { failures.Add(1) }))
	ctx := context.Background()

	_, err := c.Login(ctx, testEmail, "wrong")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 APIError, got %v", err)
	}
	if info := Describe(err); info.Title != "Incorrect credentials" {
		t.Fatalf("expected credentials message, got %+v", info)
	}
	if st, _ := c.Status(ctx); st.LoggedIn {
		t.Fatal("failed login must not store a session")
	}
	if got := h.api.Stats().Refreshes; got != 0 {
		t.Fatalf("401 on an auth path must not refresh, got %d", got)
	}
	if failures.Load() != 0 {
		t.Fatal("failed login must not signal auth failure")
	}
	if got := c.MetricsSnapshot().Counters[MetricLoginFailure]; got != 1 {
		t.Fatalf("expected one login failure, got %d", got)
	}
}

func TestRegisterThenLogin(t *testing.T) {
	h := newHarness(t, fakeapi.Options{})
	c := buildClient(t, New().WithConfig(h.config()))
	ctx := context.Background()

	if err := c.Register(ctx, "Bo", "bo@example.com", "pw"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if st, _ := c.Status(ctx); st.LoggedIn {
		t.Fatal("register must not log in")
	}
	err := c.Register(ctx, "Bo", "bo@example.com", "pw")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate email, got %v", err)
	}
	if _, err := c.Login(ctx, "bo@example.com", "pw"); err != nil {
		t.Fatalf("Login after register: %v", err)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	h := newHarness(t, fakeapi.Options{})
	cfg := h.config()
	cfg.Renewer.Enabled = true
	c := buildClient(t, New().WithConfig(cfg))
	ctx := context.Background()

	if _, err := c.Login(ctx, testEmail, testPassword); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := c.Logout(ctx); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	st, _ := c.Status(ctx)
	if st.LoggedIn || st.RenewerRunning {
		t.Fatalf("expected logged out with renewer stopped, got %+v", st)
	}
	if _, err := c.GetValidAccessToken(ctx); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("expected ErrAuthRequired after logout, got %v", err)
	}
}

func TestExpiredAccessTokenIsRefreshedTransparently(t *testing.T) {
	h := newHarness(t, fakeapi.Options{})
	backend := session.NewMemoryBackend()
	h.seedExpired(t, backend)
	before, _ := session.NewStore(backend, "").Load(context.Background())

	c := buildClient(t, New().WithConfig(h.config()).WithBackend(backend))

	res, err := c.Do(context.Background(), Request{Method: http.MethodGet, Path: "/me"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if res.Status != http.StatusOK {
		t.Fatalf("expected 200 after refresh, got %d", res.Status)
	}

	after, _ := session.NewStore(backend, "").Load(context.Background())
	if after.AccessToken == before.AccessToken || after.RefreshToken == before.RefreshToken {
		t.Fatal("expected both tokens to be rotated")
	}
	if got := h.api.Stats().Refreshes; got != 1 {
		t.Fatalf("expected one refresh, got %d", got)
	}
	snap := c.MetricsSnapshot()
	if snap.Counters[MetricRequestRetried] != 1 || snap.Counters[MetricRefreshSuccess] != 1 {
		t.Fatalf("unexpected counters %+v", snap.Counters)
	}
}

func TestConcurrentRequestsShareOneRefresh(t *testing.T) {
	h := newHarness(t, fakeapi.Options{RefreshDelay: 200 * time.Millisecond, DetectReuse: true})
	backend := session.NewMemoryBackend()
	h.seedExpired(t, backend)
	c := buildClient(t, New().WithConfig(h.config()).WithBackend(backend))

	const callers = 10
	start := make(chan struct{})
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			<-start
			_, err := c.Do(context.Background(), Request{Path: "/events"})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent request failed: %v", err)
		}
	}
	st := h.api.Stats()
	if st.Refreshes != 1 {
		t.Fatalf("expected a single refresh exchange, got %d", st.Refreshes)
	}
	if st.ReuseDetected != 0 {
		t.Fatalf("refresh token must never be presented twice, got %d reuses", st.ReuseDetected)
	}
	if got := c.MetricsSnapshot().Counters[MetricRefreshRequested]; got != callers {
		t.Fatalf("expected %d refresh requests, got %d", callers, got)
	}
}

func TestRenewerAndGatewayShareOneRefresh(t *testing.T) {
	h := newHarness(t, fakeapi.Options{RefreshDelay: 200 * time.Millisecond, DetectReuse: true})
	backend := session.NewMemoryBackend()
	h.seedExpired(t, backend)

	cfg := h.config()
	cfg.Renewer.Enabled = true
	cfg.Renewer.Interval = 10 * time.Millisecond
	c := buildClient(t, New().WithConfig(cfg).WithBackend(backend))
	ctx := context.Background()

	if err := c.EnsureSession(ctx); err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	// Let the first tick start the exchange before the request joins it.
	time.Sleep(50 * time.Millisecond)
	if _, err := c.Do(ctx, Request{Path: "/me"}); err != nil {
		t.Fatalf("Do: %v", err)
	}

	st := h.api.Stats()
	if st.ReuseDetected != 0 {
		t.Fatalf("renewer and gateway raced the refresh token: %d reuses", st.ReuseDetected)
	}
	if st.Refreshes != 1 {
		t.Fatalf("expected one refresh exchange, got %d", st.Refreshes)
	}
}

func TestRevokedSessionSignalsAuthFailure(t *testing.T) {
	h := newHarness(t, fakeapi.Options{})
	backend := session.NewMemoryBackend()
	h.seedExpired(t, backend)
	h.api.RevokeAll()

	sink := NewChannelSink(16)
	cfg := h.config()
	cfg.Audit.Enabled = true
	var failures atomic.Int32
	c := buildClient(t, New().
		WithConfig(cfg).
		WithBackend(backend).
		WithAuditSink(sink).
		WithAuthFailureHandler(func(error) { failures.Add(1) }))

	_, err := c.Do(context.Background(), Request{Path: "/me"})
	if !errors.Is(err, ErrAuthRequired) || !errors.Is(err, ErrRefreshRejected) {
		t.Fatalf("expected auth required from rejected refresh, got %v", err)
	}
	if failures.Load() != 1 {
		t.Fatalf("expected exactly one auth failure signal, got %d", failures.Load())
	}
	if st, _ := c.Status(context.Background()); st.LoggedIn {
		t.Fatal("rejected refresh must clear the session")
	}

	c.Close()
	seen := map[string]bool{}
	for len(sink.Events()) > 0 {
		ev := <-sink.Events()
		seen[ev.EventType] = true
	}
	for _, want := range []string{AuditRefresh, AuditSessionCleared, AuditAuthFailure} {
		if !seen[want] {
			t.Fatalf("missing audit event %q, saw %v", want, seen)
		}
	}
	if got := c.MetricsSnapshot().Counters[MetricSessionCleared]; got != 1 {
		t.Fatalf("expected one session cleared, got %d", got)
	}
}

func TestEnsureSession(t *testing.T) {
	h := newHarness(t, fakeapi.Options{})
	ctx := context.Background()

	t.Run("no tokens", func(t *testing.T) {
		var failures atomic.Int32
		c := buildClient(t, New().WithConfig(h.config()).WithAuthFailureHandler(func(error) { failures.Add(1) }))
		if err := c.EnsureSession(ctx); !errors.Is(err, ErrAuthRequired) {
			t.Fatalf("expected ErrAuthRequired, got %v", err)
		}
		if failures.Load() != 1 {
			t.Fatal("expected auth failure signal")
		}
	})

	t.Run("refresh only", func(t *testing.T) {
		_, refresh, err := h.api.IssueSession(testEmail)
		if err != nil {
			t.Fatalf("IssueSession: %v", err)
		}
		backend := session.NewMemoryBackend()
		_ = backend.Set(ctx, map[string]string{session.RefreshKey: refresh})

		c := buildClient(t, New().WithConfig(h.config()).WithBackend(backend))
		if err := c.EnsureSession(ctx); err != nil {
			t.Fatalf("EnsureSession: %v", err)
		}
		if st, _ := c.Status(ctx); !st.HasAccess {
			t.Fatal("expected access token after refresh")
		}
	})
}

func TestGetValidAccessToken(t *testing.T) {
	h := newHarness(t, fakeapi.Options{})
	backend := session.NewMemoryBackend()
	h.seedExpired(t, backend)
	c := buildClient(t, New().WithConfig(h.config()).WithBackend(backend))
	ctx := context.Background()

	first, err := c.GetValidAccessToken(ctx)
	if err != nil {
		t.Fatalf("GetValidAccessToken: %v", err)
	}
	second, err := c.GetValidAccessToken(ctx)
	if err != nil {
		t.Fatalf("GetValidAccessToken: %v", err)
	}
	if first != second {
		t.Fatal("a fresh token must be returned without another refresh")
	}
	if got := h.api.Stats().Refreshes; got != 1 {
		t.Fatalf("expected one refresh, got %d", got)
	}
}

func TestRedisBackendPersistsSession(t *testing.T) {
	h := newHarness(t, fakeapi.Options{})
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := h.config()
	cfg.Storage.Backend = StorageRedis
	cfg.Storage.KeyPrefix = "profile-a"
	c := buildClient(t, New().WithConfig(cfg).WithRedis(rdb))

	if _, err := c.Login(context.Background(), testEmail, testPassword); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if v, err := mr.Get("profile-a:" + session.AccessKey); err != nil || v == "" {
		t.Fatalf("expected access token in redis, got %q %v", v, err)
	}

	// A second client over the same redis sees the session.
	other := buildClient(t, New().WithConfig(cfg).WithRedis(rdb))
	if st, _ := other.Status(context.Background()); !st.LoggedIn {
		t.Fatal("expected session shared through redis")
	}
}

func TestFileBackendSurvivesRestart(t *testing.T) {
	h := newHarness(t, fakeapi.Options{})
	cfg := h.config()
	cfg.Storage.Backend = StorageFile
	cfg.Storage.FilePath = filepath.Join(t.TempDir(), "session.json")

	first := buildClient(t, New().WithConfig(cfg))
	if _, err := first.Login(context.Background(), testEmail, testPassword); err != nil {
		t.Fatalf("Login: %v", err)
	}
	first.Close()

	second := buildClient(t, New().WithConfig(cfg))
	id, err := second.CurrentUserID(context.Background())
	if err != nil || id != h.userID {
		t.Fatalf("expected persisted user %q, got %q %v", h.userID, id, err)
	}
}

func TestBuilderSingleUse(t *testing.T) {
	b := New()
	c, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer c.Close()
	if _, err := b.Build(); !errors.Is(err, ErrBuilderUsed) {
		t.Fatalf("expected ErrBuilderUsed, got %v", err)
	}
}

func TestClosedClientRejectsCalls(t *testing.T) {
	c, err := New().Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	c.Close()
	c.Close()
	if _, err := c.Do(context.Background(), Request{Path: "/me"}); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("expected ErrClientClosed, got %v", err)
	}
}

func TestThrottledLoginDescribesTooManyAttempts(t *testing.T) {
	h := newHarness(t, fakeapi.Options{MaxLoginFailures: 1})
	c := buildClient(t, New().WithConfig(h.config()))
	ctx := context.Background()

	_, _ = c.Login(ctx, testEmail, "wrong")
	_, err := c.Login(ctx, testEmail, testPassword)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if info := Describe(err); info.Title != "Too many attempts" {
		t.Fatalf("unexpected description %+v", info)
	}
}
