package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/DanielMarcoD/agendador/session"
)

var (
	// ErrNoRefreshToken is returned when no refresh token is stored.
	ErrNoRefreshToken = errors.New("no refresh token stored")
	// ErrRefreshRejected is matched by errors returned when the server refuses the
	// refresh token. The stored session has been cleared.
	ErrRefreshRejected = errors.New("refresh token rejected")
	// ErrRefreshUnavailable is matched by errors caused by transport, storage or
	// response-decoding failures. The stored session is left untouched.
	ErrRefreshUnavailable = errors.New("refresh unavailable")
)

// RejectedError carries the HTTP status of a refused refresh.
type RejectedError struct {
	Status int
}

func (e *RejectedError) Error() string {
	return "refresh token rejected: HTTP " + strconv.Itoa(e.Status)
}

// Is reports whether target is [ErrRefreshRejected].
func (e *RejectedError) Is(target error) bool {
	return target == ErrRefreshRejected
}

// Outcome classifies a finished refresh exchange.
type Outcome int

const (
	// OutcomeRefreshed means a new pair was stored.
	OutcomeRefreshed Outcome = iota
	// OutcomeNoToken means no refresh token was stored, so nothing was sent.
	OutcomeNoToken
	// OutcomeRejected means the server refused the token and the session was cleared.
	OutcomeRejected
	// OutcomeUnavailable means the exchange failed in transit; the session is kept.
	OutcomeUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRefreshed:
		return "refreshed"
	case OutcomeNoToken:
		return "no_token"
	case OutcomeRejected:
		return "rejected"
	case OutcomeUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Store is the token persistence the coordinator reads from and writes to.
type Store interface {
	Refresh(ctx context.Context) (string, error)
	SetSession(ctx context.Context, access, refresh string) error
	Clear(ctx context.Context) error
}

// Hooks receive one callback per network exchange, not per caller.
type Hooks struct {
	OnExchange func(ctx context.Context, outcome Outcome, err error, elapsed time.Duration)
}

// Config configures a [Coordinator].
type Config struct {
	// Endpoint is the absolute URL of the refresh endpoint.
	Endpoint   string
	HTTPClient *http.Client
	// Timeout bounds one exchange; it is independent of callers' contexts.
	Timeout time.Duration
	Logger  logrus.FieldLogger
	Hooks   Hooks
}

// Coordinator performs single-flight refresh exchanges.
type Coordinator struct {
	store    Store
	endpoint string
	http     *http.Client
	timeout  time.Duration
	log      logrus.FieldLogger
	hooks    Hooks

	group singleflight.Group
}

const flightKey = "refresh"

// NewCoordinator returns a [Coordinator] writing to store.
func NewCoordinator(store Store, cfg Config) (*Coordinator, error) {
	if store == nil {
		return nil, errors.New("refresh: nil store")
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("refresh: empty endpoint")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = l
	}

	return &Coordinator{
		store:    store,
		endpoint: cfg.Endpoint,
		http:     cfg.HTTPClient,
		timeout:  cfg.Timeout,
		log:      cfg.Logger.WithField("component", "refresh"),
		hooks:    cfg.Hooks,
	}, nil
}

// Refresh returns a new session, joining an exchange already in flight when there
// is one. If ctx ends first the caller stops waiting; the exchange itself keeps
// running for the other callers.
func (c *Coordinator) Refresh(ctx context.Context) (session.Session, error) {
	ch := c.group.DoChan(flightKey, func() (interface{}, error) {
		return c.exchange(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return session.Session{}, res.Err
		}
		return res.Val.(session.Session), nil
	case <-ctx.Done():
		return session.Session{}, ctx.Err()
	}
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

func (c *Coordinator) exchange(ctx context.Context) (sess session.Session, err error) {
	start := time.Now()
	outcome := OutcomeUnavailable
	defer func() {
		if c.hooks.OnExchange != nil {
			c.hooks.OnExchange(ctx, outcome, err, time.Since(start))
		}
	}()

	token, err := c.store.Refresh(ctx)
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: read refresh token: %v", ErrRefreshUnavailable, err)
	}
	if token == "" {
		outcome = OutcomeNoToken
		c.log.Debug("No refresh token stored")
		return session.Session{}, ErrNoRefreshToken
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(refreshRequest{RefreshToken: token})
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
	}
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: build request: %v", ErrRefreshUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.log.Debug("Exchanging refresh token")
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.WithError(err).Warn("Refresh request failed, keeping session")
		return session.Session{}, fmt.Errorf("%w: %v", ErrRefreshUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		outcome = OutcomeRejected
		c.log.WithField("status", resp.StatusCode).Info("Refresh token rejected, clearing session")
		if clearErr := c.store.Clear(reqCtx); clearErr != nil {
			c.log.WithError(clearErr).Error("Failed to clear rejected session")
		}
		return session.Session{}, &RejectedError{Status: resp.StatusCode}
	}

	var body refreshResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		c.log.WithError(err).Warn("Undecodable refresh response, keeping session")
		return session.Session{}, fmt.Errorf("%w: decode response: %v", ErrRefreshUnavailable, err)
	}
	if body.AccessToken == "" || body.RefreshToken == "" {
		c.log.Warn("Refresh response missing a token, keeping session")
		return session.Session{}, fmt.Errorf("%w: incomplete token pair in response", ErrRefreshUnavailable)
	}

	if err := c.store.SetSession(reqCtx, body.AccessToken, body.RefreshToken); err != nil {
		return session.Session{}, fmt.Errorf("%w: store new session: %v", ErrRefreshUnavailable, err)
	}

	outcome = OutcomeRefreshed
	c.log.Debug("Session refreshed")
	return session.Session{AccessToken: body.AccessToken, RefreshToken: body.RefreshToken}, nil
}
