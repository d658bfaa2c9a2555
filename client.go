package agendador

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/DanielMarcoD/agendador/encryption"
	"github.com/DanielMarcoD/agendador/gateway"
	"github.com/DanielMarcoD/agendador/jwt"
	"github.com/DanielMarcoD/agendador/refresh"
	"github.com/DanielMarcoD/agendador/renewer"
	"github.com/DanielMarcoD/agendador/session"
)

type (
	// Request is one logical API call.
	Request = gateway.Request
	// Result is a successful API response.
	Result = gateway.Result
	// Session is the stored token pair.
	Session = session.Session
	// EncryptedField is a ciphertext with its key id.
	EncryptedField = encryption.Field
)

// User is the profile returned by /auth/login.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// LoginResult is returned by [Client.Login].
type LoginResult struct {
	User User
}

// Status describes the stored session.
type Status struct {
	LoggedIn       bool
	HasAccess      bool
	HasRefresh     bool
	UserID         string
	Email          string
	ExpiresAt      time.Time
	RenewerRunning bool
}

// Client is the session core. Build it with [Builder.Build].
type Client struct {
	config Config
	log    logrus.FieldLogger

	store       *session.Store
	codec       *jwt.Codec
	coordinator *refresh.Coordinator
	gateway     *gateway.Gateway
	renewer     *renewer.Renewer
	keys        *encryption.Bootstrap

	metrics   *Metrics
	audit     *auditDispatcher
	onFailure func(error)

	ownedRedis redis.UniversalClient

	renewerMu   sync.Mutex
	renewerStop func()

	bgOnce   sync.Once
	bg       context.Context
	bgCancel context.CancelFunc

	closed atomic.Bool
}

type loginRequest struct {
	EmailEnc    string `json:"emailEnc"`
	PasswordEnc string `json:"passwordEnc"`
	Kid         string `json:"kid"`
}

type registerRequest struct {
	Name        string `json:"name"`
	EmailEnc    string `json:"emailEnc"`
	PasswordEnc string `json:"passwordEnc"`
	Kid         string `json:"kid"`
}

type loginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         User   `json:"user"`
}

// Login encrypts the credentials, exchanges them for a token pair, stores the
// pair and starts the renewer.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	res, err := c.login(ctx, email, password)
	if err != nil {
		c.metrics.Inc(MetricLoginFailure)
		c.emit(ctx, AuditEvent{EventType: AuditLogin, Success: false, Error: err.Error()})
		return nil, err
	}

	c.metrics.Inc(MetricLoginSuccess)
	c.emit(ctx, AuditEvent{EventType: AuditLogin, UserID: res.User.ID, Success: true})
	c.startRenewer()
	c.log.WithField("user_id", res.User.ID).Info("Logged in")
	return res, nil
}

func (c *Client) login(ctx context.Context, email, password string) (*LoginResult, error) {
	sealed, kid, err := c.keys.Seal(ctx, email, password)
	if err != nil {
		return nil, err
	}

	var out loginResponse
	err = c.gateway.JSON(ctx, http.MethodPost, "/auth/login", loginRequest{
		EmailEnc:    sealed[0],
		PasswordEnc: sealed[1],
		Kid:         kid,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		return nil, ErrInvalidLoginResponse
	}
	if err := c.store.SetSession(ctx, out.AccessToken, out.RefreshToken); err != nil {
		return nil, err
	}

	if out.User.ID == "" {
		if claims := jwt.DecodeClaims(out.AccessToken); claims != nil {
			out.User.ID = claims.Identity()
		}
	}
	return &LoginResult{User: out.User}, nil
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, name, email, password string) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	err := c.register(ctx, name, email, password)
	if err != nil {
		c.metrics.Inc(MetricRegisterFailure)
		c.emit(ctx, AuditEvent{EventType: AuditRegister, Success: false, Error: err.Error()})
		return err
	}
	c.metrics.Inc(MetricRegisterSuccess)
	c.emit(ctx, AuditEvent{EventType: AuditRegister, Success: true})
	return nil
}

func (c *Client) register(ctx context.Context, name, email, password string) error {
	sealed, kid, err := c.keys.Seal(ctx, email, password)
	if err != nil {
		return err
	}
	return c.gateway.JSON(ctx, http.MethodPost, "/auth/register", registerRequest{
		Name:        name,
		EmailEnc:    sealed[0],
		PasswordEnc: sealed[1],
		Kid:         kid,
	}, nil)
}

// Logout stops the renewer and clears the stored session.
func (c *Client) Logout(ctx context.Context) error {
	c.stopRenewer()

	userID, _ := c.CurrentUserID(ctx)
	if err := c.store.Clear(ctx); err != nil {
		c.emit(ctx, AuditEvent{EventType: AuditLogout, UserID: userID, Success: false, Error: err.Error()})
		return err
	}
	c.metrics.Inc(MetricLogout)
	c.emit(ctx, AuditEvent{EventType: AuditLogout, UserID: userID, Success: true})
	c.log.Info("Logged out")
	return nil
}

// EnsureSession is called when entering the authenticated area. With no tokens
// it signals auth failure; with only a refresh token it refreshes first. On
// success the renewer is running.
func (c *Client) EnsureSession(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	sess, err := c.store.Load(ctx)
	if err != nil {
		return err
	}
	if sess.Empty() {
		c.signalAuthFailure(ctx, ErrAuthRequired)
		return ErrAuthRequired
	}

	if sess.AccessToken == "" {
		if _, err := c.Refresh(ctx); err != nil {
			if errors.Is(err, ErrRefreshUnavailable) || ctx.Err() != nil {
				return err
			}
			err = errors.Join(ErrAuthRequired, err)
			c.signalAuthFailure(ctx, err)
			return err
		}
	}

	c.startRenewer()
	return nil
}

// GetValidAccessToken returns an access token that is not within
// Gateway.RefreshWindow of expiry, refreshing first if needed.
func (c *Client) GetValidAccessToken(ctx context.Context) (string, error) {
	token, err := c.store.Access(ctx)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", ErrAuthRequired
	}
	if !c.codec.ExpiresWithin(token, c.config.Gateway.RefreshWindow) {
		return token, nil
	}

	sess, err := c.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return sess.AccessToken, nil
}

// Refresh runs, or joins, the single in-flight refresh exchange.
func (c *Client) Refresh(ctx context.Context) (session.Session, error) {
	c.metrics.Inc(MetricRefreshRequested)
	return c.coordinator.Refresh(ctx)
}

// Do sends req through the gateway.
func (c *Client) Do(ctx context.Context, req Request) (*Result, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return c.gateway.Do(ctx, req)
}

// JSON sends in and decodes the response into out.
func (c *Client) JSON(ctx context.Context, method, path string, in, out any) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	return c.gateway.JSON(ctx, method, path, in, out)
}

// EncryptField encrypts plaintext with the server's public key.
func (c *Client) EncryptField(ctx context.Context, plaintext string) (EncryptedField, error) {
	return c.keys.EncryptField(ctx, plaintext)
}

// InvalidateEncryptionKey forces the next encryption to re-fetch the key.
func (c *Client) InvalidateEncryptionKey() {
	c.keys.Invalidate()
}

// CurrentUserID returns the identity in the stored access token, or "" when it
// cannot be decoded.
func (c *Client) CurrentUserID(ctx context.Context) (string, error) {
	token, err := c.store.Access(ctx)
	if err != nil || token == "" {
		return "", err
	}
	if claims := jwt.DecodeClaims(token); claims != nil {
		return claims.Identity(), nil
	}
	return "", nil
}

// Status reports the stored session without touching the network.
func (c *Client) Status(ctx context.Context) (Status, error) {
	sess, err := c.store.Load(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		LoggedIn:   !sess.Empty(),
		HasAccess:  sess.AccessToken != "",
		HasRefresh: sess.RefreshToken != "",
	}
	if claims := jwt.DecodeClaims(sess.AccessToken); claims != nil {
		st.UserID = claims.Identity()
		st.Email = claims.Email
		if claims.ExpiresAt != nil {
			st.ExpiresAt = claims.ExpiresAt.Time
		}
	}
	if c.renewer != nil {
		st.RenewerRunning = c.renewer.Running()
	}
	return st, nil
}

// MetricsSnapshot returns a copy of the client's counters and histograms. It is
// empty when metrics are disabled.
func (c *Client) MetricsSnapshot() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// AuditDropped returns the number of audit events dropped because the buffer
// was full.
func (c *Client) AuditDropped() uint64 {
	return c.audit.Dropped()
}

// Close stops the renewer, flushes audit events and releases owned resources.
// The stored session is kept.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.stopRenewer()
	c.background()
	c.bgCancel()
	c.closeOwned()
}

func (c *Client) closeOwned() {
	c.audit.Close()
	if c.ownedRedis != nil {
		if err := c.ownedRedis.Close(); err != nil {
			c.log.WithError(err).Warn("Failed to close redis client")
		}
	}
}

func (c *Client) background() context.Context {
	c.bgOnce.Do(func() {
		c.bg, c.bgCancel = context.WithCancel(context.Background())
	})
	return c.bg
}

func (c *Client) startRenewer() {
	if c.renewer == nil || c.closed.Load() {
		return
	}
	c.renewerMu.Lock()
	defer c.renewerMu.Unlock()
	c.renewerStop = c.renewer.Start(c.background())
}

func (c *Client) stopRenewer() {
	c.renewerMu.Lock()
	stop := c.renewerStop
	c.renewerStop = nil
	c.renewerMu.Unlock()
	if stop != nil {
		stop()
	}
}

/*
====================================
HOOKS
====================================
*/

func (c *Client) signalAuthFailure(ctx context.Context, err error) {
	c.metrics.Inc(MetricAuthFailure)
	c.emit(ctx, AuditEvent{EventType: AuditAuthFailure, Success: false, Error: err.Error()})
	c.log.WithError(err).Info("Authentication required")
	if c.onFailure != nil {
		c.onFailure(err)
	}
}

func (c *Client) gatewayAuthFailure(err error) {
	c.stopRenewer()
	c.signalAuthFailure(context.Background(), err)
}

func (c *Client) renewerAuthFailure(err error) {
	c.signalAuthFailure(context.Background(), err)
}

func (c *Client) observeExchange(ctx context.Context, outcome refresh.Outcome, err error, elapsed time.Duration) {
	c.metrics.Observe(MetricRefreshLatency, elapsed)

	ev := AuditEvent{
		EventType: AuditRefresh,
		Success:   outcome == refresh.OutcomeRefreshed,
		Metadata:  map[string]string{"outcome": outcome.String()},
	}
	if err != nil {
		ev.Error = err.Error()
	}

	switch outcome {
	case refresh.OutcomeRefreshed:
		c.metrics.Inc(MetricRefreshSuccess)
	case refresh.OutcomeRejected:
		c.metrics.Inc(MetricRefreshRejected)
		c.metrics.Inc(MetricSessionCleared)
		c.emit(ctx, ev)
		c.emit(ctx, AuditEvent{EventType: AuditSessionCleared, Success: true, Metadata: map[string]string{"reason": "refresh_rejected"}})
		return
	case refresh.OutcomeUnavailable:
		c.metrics.Inc(MetricRefreshUnavailable)
	case refresh.OutcomeNoToken:
		c.metrics.Inc(MetricRefreshNoToken)
	}
	c.emit(ctx, ev)
}

func (c *Client) observeAttempt(_, _ string, status int, retry bool, elapsed time.Duration) {
	c.metrics.Observe(MetricRequestLatency, elapsed)
	if retry {
		c.metrics.Inc(MetricRequestRetried)
	}
	if status == 0 {
		c.metrics.Inc(MetricRequestConnectivityFailure)
	}
}

func (c *Client) observeTick(renewed bool, _ error) {
	c.metrics.Inc(MetricRenewerTick)
	if renewed {
		c.metrics.Inc(MetricRenewerRenewed)
	}
}

func (c *Client) observeKeyFetch(err error) {
	if err != nil {
		c.metrics.Inc(MetricKeyFetchFailure)
		return
	}
	c.metrics.Inc(MetricKeyFetchSuccess)
}

func (c *Client) emit(ctx context.Context, ev AuditEvent) {
	if c.audit == nil {
		return
	}
	c.audit.Emit(ctx, ev)
}
