package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/DanielMarcoD/agendador/session"
)

// AuthPaths are the endpoints that never carry a bearer token and never retry.
var AuthPaths = []string{"/auth/login", "/auth/register", "/auth/refresh", "/auth/pubkey"}

// RequestIDHeader correlates an original request with its retry.
const RequestIDHeader = "X-Request-ID"

const maxBodyBytes = 8 << 20

// TokenStore is the read side of the session store.
type TokenStore interface {
	Access(ctx context.Context) (string, error)
	IsLoggedOut(ctx context.Context) (bool, error)
}

// Refresher is satisfied by *refresh.Coordinator.
type Refresher interface {
	Refresh(ctx context.Context) (session.Session, error)
}

// Hooks observe gateway activity.
type Hooks struct {
	// OnAttempt is called after every network attempt; status is 0 when no
	// response was received.
	OnAttempt func(method, path string, status int, retry bool, elapsed time.Duration)
	// OnAuthFailure is the redirect-to-login signal.
	OnAuthFailure func(err error)
}

// Config configures a [Gateway].
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
	Hooks      Hooks
}

// Request describes one logical API call. Body, when non-nil, is encoded as JSON
// unless it is already a []byte.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   any
}

// Gateway sends API requests with bearer authentication and refresh-on-401.
type Gateway struct {
	base      string
	http      *http.Client
	store     TokenStore
	refresher Refresher
	log       logrus.FieldLogger
	hooks     Hooks
	authPaths map[string]struct{}
}

// New returns a [Gateway]. store and refresher must be the same instances used by
// the renewer.
func New(store TokenStore, refresher Refresher, cfg Config) (*Gateway, error) {
	if store == nil || refresher == nil {
		return nil, errors.New("gateway: store and refresher are required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("gateway: empty base URL")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		cfg.Logger = l
	}

	paths := make(map[string]struct{}, len(AuthPaths))
	for _, p := range AuthPaths {
		paths[p] = struct{}{}
	}

	return &Gateway{
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		http:      cfg.HTTPClient,
		store:     store,
		refresher: refresher,
		log:       cfg.Logger.WithField("component", "gateway"),
		hooks:     cfg.Hooks,
		authPaths: paths,
	}, nil
}

// IsAuthPath reports whether path is an authentication endpoint. Query strings
// are ignored.
func (g *Gateway) IsAuthPath(path string) bool {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	_, ok := g.authPaths[path]
	return ok
}

// JSON sends in as the JSON body and decodes a JSON response into out. out may
// be nil.
func (g *Gateway) JSON(ctx context.Context, method, path string, in, out any) error {
	res, err := g.Do(ctx, Request{Method: method, Path: path, Body: in})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return res.Decode(out)
}

// Do performs req, refreshing and retrying once on a 401 from a protected path.
func (g *Gateway) Do(ctx context.Context, req Request) (*Result, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	auth := g.IsAuthPath(req.Path)
	requestID := uuid.NewString()
	log := g.log.WithFields(logrus.Fields{
		"method":     req.Method,
		"path":       req.Path,
		"request_id": requestID,
	})

	resp, err := g.send(ctx, req, body, requestID, !auth, false)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && !auth {
		drain(resp)
		log.Debug("Protected call returned 401, refreshing session")

		loggedOut, err := g.store.IsLoggedOut(ctx)
		if err != nil {
			return nil, fmt.Errorf("gateway: read session: %w", err)
		}
		if loggedOut {
			return nil, g.authFailure(log, ErrAuthRequired)
		}
		if _, err := g.refresher.Refresh(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, g.authFailure(log, fmt.Errorf("%w: %w", ErrAuthRequired, err))
		}

		resp, err = g.send(ctx, req, body, requestID, true, true)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			apiErr := readError(resp)
			return nil, g.authFailure(log, fmt.Errorf("%w: %w", ErrAuthRequired, apiErr))
		}
	}

	return readResult(resp, requestID)
}

func (g *Gateway) send(ctx context.Context, req Request, body []byte, requestID string, bearer, retry bool) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, g.base+req.Path, rd)
	if err != nil {
		return nil, fmt.Errorf("gateway: build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set(RequestIDHeader, requestID)

	// The token is read per attempt so a retry sees the refreshed value.
	if bearer {
		token, err := g.store.Access(ctx)
		if err != nil {
			return nil, fmt.Errorf("gateway: read access token: %w", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := g.http.Do(httpReq)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if g.hooks.OnAttempt != nil {
		g.hooks.OnAttempt(req.Method, req.Path, status, retry, time.Since(start))
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		g.log.WithError(err).WithField("path", req.Path).Warn("API call failed to connect")
		return nil, connectivityError(err)
	}
	return resp, nil
}

func (g *Gateway) authFailure(log logrus.FieldLogger, err error) error {
	log.WithError(err).Info("Session cannot be authorised, signalling login")
	if g.hooks.OnAuthFailure != nil {
		g.hooks.OnAuthFailure(err)
	}
	return err
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case json.RawMessage:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("gateway: encode body: %w", err)
		}
		return data, nil
	}
}

func readResult(resp *http.Response, requestID string) (*Result, error) {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, readError(resp)
	}
	defer resp.Body.Close()

	res := &Result{Status: resp.StatusCode, Header: resp.Header, RequestID: requestID}
	if resp.StatusCode == http.StatusNoContent {
		drainBody(resp.Body)
		return res, nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, connectivityError(err)
	}
	res.Body = data
	return res, nil
}

func readError(resp *http.Response) *APIError {
	defer resp.Body.Close()

	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))

	if isJSON(resp.Header) {
		var decoded any
		if err := json.Unmarshal(data, &decoded); err == nil {
			apiErr.Data = decoded
			if m, ok := decoded.(map[string]any); ok {
				if msg, ok := m["message"].(string); ok {
					apiErr.Message = msg
				}
			}
			return apiErr
		}
	}

	text := string(data)
	apiErr.Data = map[string]any{"message": text}
	apiErr.Message = text
	return apiErr
}

func drain(resp *http.Response) {
	drainBody(resp.Body)
	_ = resp.Body.Close()
}

func drainBody(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, 64<<10))
}
