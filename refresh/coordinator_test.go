package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DanielMarcoD/agendador/session"
)

type refreshServer struct {
	*httptest.Server
	hits    atomic.Int32
	release chan struct{}
	status  int
	body    string
	lastTok atomic.Value
}

func newRefreshServer(t *testing.T, status int, body string) *refreshServer {
	t.Helper()
	rs := &refreshServer{status: status, body: body}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.hits.Add(1)
		var in refreshRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		rs.lastTok.Store(in.RefreshToken)
		if rs.release != nil {
			<-rs.release
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rs.status)
		_, _ = w.Write([]byte(rs.body))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func newSeededStore(t *testing.T, access, refresh string) *session.Store {
	t.Helper()
	store := session.NewStore(session.NewMemoryBackend(), "")
	if access != "" || refresh != "" {
		if err := store.SetSession(context.Background(), access, refresh); err != nil {
			t.Fatalf("seed session: %v", err)
		}
	}
	return store
}

func newTestCoordinator(t *testing.T, store Store, endpoint string, hooks Hooks) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(store, Config{Endpoint: endpoint, Timeout: 5 * time.Second, Hooks: hooks})
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	return c
}

func TestRefreshSuccessReplacesPair(t *testing.T) {
	srv := newRefreshServer(t, http.StatusOK, `{"accessToken":"new","refreshToken":"new2"}`)
	store := newSeededStore(t, "expired-token", "valid-refresh")
	c := newTestCoordinator(t, store, srv.URL, Hooks{})

	sess, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if sess.AccessToken != "new" || sess.RefreshToken != "new2" {
		t.Fatalf("unexpected returned session %+v", sess)
	}
	if got := srv.lastTok.Load(); got != "valid-refresh" {
		t.Fatalf("expected stored refresh token to be sent, got %v", got)
	}
	stored, _ := store.Load(context.Background())
	if stored != sess {
		t.Fatalf("store not updated: %+v", stored)
	}
}

func TestRefreshConcurrentCallersShareOneExchange(t *testing.T) {
	srv := newRefreshServer(t, http.StatusOK, `{"accessToken":"a2","refreshToken":"r2"}`)
	srv.release = make(chan struct{})
	store := newSeededStore(t, "a1", "r1")

	var exchanges atomic.Int32
	c := newTestCoordinator(t, store, srv.URL, Hooks{
		OnExchange: func(context.Context, Outcome, error, time.Duration) { exchanges.Add(1) },
	})

	const callers = 12
	var wg sync.WaitGroup
	results := make(chan session.Session, callers)
	errs := make(chan error, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			sess, err := c.Refresh(context.Background())
			if err != nil {
				errs <- err
				return
			}
			results <- sess
		}()
	}

	deadline := time.After(2 * time.Second)
	for srv.hits.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("refresh request never reached server")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	// Let the rest of the callers pile onto the in-flight exchange.
	time.Sleep(50 * time.Millisecond)
	close(srv.release)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected refresh error: %v", err)
	}
	if got := srv.hits.Load(); got != 1 {
		t.Fatalf("expected exactly one refresh call, got %d", got)
	}
	if got := exchanges.Load(); got != 1 {
		t.Fatalf("expected one exchange hook, got %d", got)
	}
	n := 0
	for sess := range results {
		n++
		if sess.AccessToken != "a2" || sess.RefreshToken != "r2" {
			t.Fatalf("caller got divergent result %+v", sess)
		}
	}
	if n != callers {
		t.Fatalf("expected %d results, got %d", callers, n)
	}
}

func TestRefreshSequentialCallsEachExchange(t *testing.T) {
	srv := newRefreshServer(t, http.StatusOK, `{"accessToken":"a","refreshToken":"r"}`)
	c := newTestCoordinator(t, newSeededStore(t, "a0", "r0"), srv.URL, Hooks{})

	for i := 0; i < 3; i++ {
		if _, err := c.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh %d: %v", i, err)
		}
	}
	if got := srv.hits.Load(); got != 3 {
		t.Fatalf("in-flight marker must be released after each exchange, got %d calls", got)
	}
}

func TestRefreshRejectedClearsSession(t *testing.T) {
	srv := newRefreshServer(t, http.StatusUnauthorized, `{"message":"expired"}`)
	store := newSeededStore(t, "a", "r")

	var seen Outcome = -1
	c := newTestCoordinator(t, store, srv.URL, Hooks{
		OnExchange: func(_ context.Context, o Outcome, _ error, _ time.Duration) { seen = o },
	})

	_, err := c.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshRejected) {
		t.Fatalf("expected ErrRefreshRejected, got %v", err)
	}
	var rejected *RejectedError
	if !errors.As(err, &rejected) || rejected.Status != http.StatusUnauthorized {
		t.Fatalf("expected RejectedError with 401, got %#v", err)
	}
	access, _ := store.Access(context.Background())
	refresh, _ := store.Refresh(context.Background())
	if access != "" || refresh != "" {
		t.Fatalf("expected cleared session, got %q / %q", access, refresh)
	}
	if seen != OutcomeRejected {
		t.Fatalf("expected rejected outcome, got %v", seen)
	}
}

func TestRefreshAnyNon2xxIsDefinitive(t *testing.T) {
	srv := newRefreshServer(t, http.StatusInternalServerError, `oops`)
	store := newSeededStore(t, "a", "r")
	c := newTestCoordinator(t, store, srv.URL, Hooks{})

	if _, err := c.Refresh(context.Background()); !errors.Is(err, ErrRefreshRejected) {
		t.Fatalf("expected rejection for 500, got %v", err)
	}
	if out, _ := store.IsLoggedOut(context.Background()); !out {
		t.Fatal("expected session cleared after non-2xx refresh")
	}
}

func TestRefreshNetworkFailureKeepsSession(t *testing.T) {
	srv := newRefreshServer(t, http.StatusOK, `{}`)
	endpoint := srv.URL
	srv.Close()

	store := newSeededStore(t, "a", "r")
	c := newTestCoordinator(t, store, endpoint, Hooks{})

	_, err := c.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshUnavailable) {
		t.Fatalf("expected ErrRefreshUnavailable, got %v", err)
	}
	sess, _ := store.Load(context.Background())
	if sess.AccessToken != "a" || sess.RefreshToken != "r" {
		t.Fatalf("session must be unchanged after network failure, got %+v", sess)
	}
}

func TestRefreshMalformedBodyKeepsSession(t *testing.T) {
	for _, body := range []string{`not json`, `{"accessToken":"only"}`} {
		srv := newRefreshServer(t, http.StatusOK, body)
		store := newSeededStore(t, "a", "r")
		c := newTestCoordinator(t, store, srv.URL, Hooks{})

		if _, err := c.Refresh(context.Background()); !errors.Is(err, ErrRefreshUnavailable) {
			t.Fatalf("body %q: expected ErrRefreshUnavailable, got %v", body, err)
		}
		if sess, _ := store.Load(context.Background()); !sess.Present() {
			t.Fatalf("body %q: session must be kept", body)
		}
	}
}

func TestRefreshWithoutTokenSkipsNetwork(t *testing.T) {
	srv := newRefreshServer(t, http.StatusOK, `{}`)
	c := newTestCoordinator(t, newSeededStore(t, "", ""), srv.URL, Hooks{})

	if _, err := c.Refresh(context.Background()); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("expected ErrNoRefreshToken, got %v", err)
	}
	if got := srv.hits.Load(); got != 0 {
		t.Fatalf("expected no network call, got %d", got)
	}
}

func TestRefreshCallerCancellationDoesNotAbortExchange(t *testing.T) {
	srv := newRefreshServer(t, http.StatusOK, `{"accessToken":"a2","refreshToken":"r2"}`)
	srv.release = make(chan struct{})
	store := newSeededStore(t, "a1", "r1")
	c := newTestCoordinator(t, store, srv.URL, Hooks{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx)
		done <- err
	}()
	for srv.hits.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	patient := make(chan session.Session, 1)
	go func() {
		sess, _ := c.Refresh(context.Background())
		patient <- sess
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled caller, got %v", err)
	}
	close(srv.release)

	select {
	case sess := <-patient:
		if sess.AccessToken != "a2" {
			t.Fatalf("patient caller got %+v", sess)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("patient caller never completed")
	}
	if got := srv.hits.Load(); got != 1 {
		t.Fatalf("expected one exchange, got %d", got)
	}
}
