package fakeapi

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Options configures a [Server].
type Options struct {
	// AccessTTL is the lifetime of issued access tokens. Default 15m.
	AccessTTL time.Duration
	// RefreshDelay is added to every /auth/refresh response, widening the window
	// in which concurrent refreshes would overlap.
	RefreshDelay time.Duration
	// DetectReuse revokes a session when an already-rotated refresh token is
	// presented again.
	DetectReuse bool
	// MaxLoginFailures answers 429 once an email has failed this many logins in a
	// row. Zero disables throttling.
	MaxLoginFailures int
	Now              func() time.Time
	Logger           logrus.FieldLogger
}

// Stats counts requests by kind.
type Stats struct {
	Logins         int64
	Registers      int64
	Refreshes      int64
	RefreshRejects int64
	ReuseDetected  int64
	Throttled      int64
	Protected      int64
	Unauthorized   int64
}

type user struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
}

type serverSession struct {
	userID      string
	refreshHash [32]byte
}

// Server is the fake backend. Its zero value is not usable; call [New].
type Server struct {
	opts    Options
	log     logrus.FieldLogger
	key     *rsa.PrivateKey
	kid     string
	pubPEM  string
	signKey []byte
	handler http.Handler

	mu       sync.Mutex
	users    map[string]*user // by email
	sessions map[sessionID]*serverSession
	events   map[string][]json.RawMessage // by user id
	failures map[string]int               // consecutive failed logins by email

	logins, registers, refreshes, refreshRejects atomic.Int64
	reuse, protected, unauthorized, throttled    atomic.Int64
}

// New builds a server with a fresh RSA key and token-signing secret.
func New(opts Options) (*Server, error) {
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 15 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Logger = l
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	signKey := make([]byte, 32)
	if _, err := rand.Read(signKey); err != nil {
		return nil, err
	}

	s := &Server{
		opts:     opts,
		log:      opts.Logger.WithField("component", "fakeapi"),
		key:      key,
		kid:      "k-" + uuid.NewString()[:8],
		pubPEM:   string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
		signKey:  signKey,
		users:    make(map[string]*user),
		sessions: make(map[sessionID]*serverSession),
		events:   make(map[string][]json.RawMessage),
		failures: make(map[string]int),
	}
	s.handler = s.routes()
	return s, nil
}

// Start serves s on a local httptest server. The caller closes it.
func (s *Server) Start() *httptest.Server {
	return httptest.NewServer(s.handler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/auth/pubkey", s.handlePubKey)
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/register", s.handleRegister)
	r.Post("/auth/refresh", s.handleRefresh)

	r.Group(func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Get("/me", s.handleMe)
		r.Get("/events", s.handleListEvents)
		r.Post("/events", s.handleCreateEvent)
		r.Delete("/events/{id}", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})
	return r
}

// AddUser registers a user directly and returns its id.
func (s *Server) AddUser(name, email, password string) (string, error) {
	hash, err := hashPassword(password)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(email)
	if _, ok := s.users[key]; ok {
		return "", errors.New("email already in use")
	}
	u := &user{ID: uuid.NewString(), Name: name, Email: email, PasswordHash: hash}
	s.users[key] = u
	return u.ID, nil
}

// IssueSession creates a session for the user with email and returns its token
// pair, bypassing the encrypted login.
func (s *Server) IssueSession(email string) (access, refresh string, err error) {
	s.mu.Lock()
	u, ok := s.users[strings.ToLower(email)]
	s.mu.Unlock()
	if !ok {
		return "", "", errors.New("unknown user")
	}
	return s.newSession(u)
}

// IssueAccessToken signs an access token for userID expiring at exp.
func (s *Server) IssueAccessToken(userID, email string, exp time.Time) (string, error) {
	now := s.opts.Now()
	claims := jwt.MapClaims{
		"userId": userID,
		"email":  email,
		"sub":    userID,
		"iat":    now.Unix(),
		"exp":    exp.Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
}

// RevokeAll drops every session so all refresh tokens are rejected.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	s.sessions = make(map[sessionID]*serverSession)
	s.mu.Unlock()
}

// KeyID returns the id of the current encryption key.
func (s *Server) KeyID() string { return s.kid }

// Decrypt reverses client-side field encryption. Exposed for tests.
func (s *Server) Decrypt(b64 string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", err
	}
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, s.key, ct, nil)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func (s *Server) Stats() Stats {
	return Stats{
		Logins:         s.logins.Load(),
		Registers:      s.registers.Load(),
		Refreshes:      s.refreshes.Load(),
		RefreshRejects: s.refreshRejects.Load(),
		ReuseDetected:  s.reuse.Load(),
		Throttled:      s.throttled.Load(),
		Protected:      s.protected.Load(),
		Unauthorized:   s.unauthorized.Load(),
	}
}

/*
====================================
HANDLERS
====================================
*/

type pubKeyResponse struct {
	Kid string `json:"kid"`
	Pem string `json:"pem"`
	Alg string `json:"alg"`
}

func (s *Server) handlePubKey(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, pubKeyResponse{Kid: s.kid, Pem: s.pubPEM, Alg: "RSA-OAEP-256"})
}

type credentials struct {
	Name        string `json:"name,omitempty"`
	EmailEnc    string `json:"emailEnc"`
	PasswordEnc string `json:"passwordEnc"`
	Kid         string `json:"kid"`
}

func (s *Server) decodeCredentials(w http.ResponseWriter, r *http.Request) (email, password string, name string, ok bool) {
	var in credentials
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeMessage(w, http.StatusBadRequest, "validation failed: malformed body")
		return "", "", "", false
	}
	if in.Kid != s.kid {
		writeMessage(w, http.StatusBadRequest, "Invalid key")
		return "", "", "", false
	}
	email, errE := s.Decrypt(in.EmailEnc)
	password, errP := s.Decrypt(in.PasswordEnc)
	if errE != nil || errP != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid key: could not decrypt payload")
		return "", "", "", false
	}
	if email == "" || password == "" {
		writeMessage(w, http.StatusBadRequest, "email and password are required")
		return "", "", "", false
	}
	return email, password, in.Name, true
}

type loginResponse struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	User         userResponse `json:"user"`
}

type userResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.logins.Add(1)
	email, password, _, ok := s.decodeCredentials(w, r)
	if !ok {
		return
	}

	key := strings.ToLower(email)
	s.mu.Lock()
	u, found := s.users[key]
	blocked := s.opts.MaxLoginFailures > 0 && s.failures[key] >= s.opts.MaxLoginFailures
	s.mu.Unlock()
	if blocked {
		s.throttled.Add(1)
		writeMessage(w, http.StatusTooManyRequests, "Too many attempts")
		return
	}
	if !found {
		s.recordLoginFailure(key)
		writeMessage(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	if match, err := verifyPassword(password, u.PasswordHash); err != nil || !match {
		s.recordLoginFailure(key)
		writeMessage(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	s.mu.Lock()
	delete(s.failures, key)
	s.mu.Unlock()

	access, refresh, err := s.newSession(u)
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, "could not create session")
		return
	}
	s.log.WithField("user_id", u.ID).Debug("Login")
	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  access,
		RefreshToken: refresh,
		User:         userResponse{ID: u.ID, Name: u.Name, Email: u.Email},
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	s.registers.Add(1)
	email, password, name, ok := s.decodeCredentials(w, r)
	if !ok {
		return
	}
	id, err := s.AddUser(name, email, password)
	if err != nil {
		writeMessage(w, http.StatusConflict, "Email already in use")
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{ID: id, Name: name, Email: email})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// handleRefresh rotates the refresh secret: the presented token is consumed and
// a new pair is issued. Presenting a consumed token is treated as reuse.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshes.Add(1)
	if s.opts.RefreshDelay > 0 {
		select {
		case <-time.After(s.opts.RefreshDelay):
		case <-r.Context().Done():
			return
		}
	}

	var in refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.rejectRefresh(w, "malformed body")
		return
	}
	sid, secret, err := decodeRefreshToken(in.RefreshToken)
	if err != nil {
		s.rejectRefresh(w, "invalid refresh token")
		return
	}
	next, err := newRefreshSecret()
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, "could not rotate")
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[sid]
	if ok && subtleEqual(sess.refreshHash, hashSecret(secret)) {
		sess.refreshHash = hashSecret(next)
	} else if ok {
		if s.opts.DetectReuse {
			delete(s.sessions, sid)
		}
		s.reuse.Add(1)
		ok = false
	}
	var userID string
	if ok {
		userID = sess.userID
	}
	email := s.emailFor(userID)
	s.mu.Unlock()

	if !ok {
		s.rejectRefresh(w, "refresh token expired or invalid")
		return
	}

	access, err := s.IssueAccessToken(userID, email, s.opts.Now().Add(s.opts.AccessTTL))
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{AccessToken: access, RefreshToken: encodeRefreshToken(sid, next)})
}

func (s *Server) rejectRefresh(w http.ResponseWriter, msg string) {
	s.refreshRejects.Add(1)
	writeMessage(w, http.StatusUnauthorized, msg)
}

type userCtxKey struct{}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.protected.Add(1)
		token, ok := bearerToken(r.Header.Get("Authorization"))
		if !ok {
			s.unauthorized.Add(1)
			writeMessage(w, http.StatusUnauthorized, "missing token")
			return
		}

		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
			return s.signKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.opts.Now))
		if err != nil {
			s.unauthorized.Add(1)
			writeMessage(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		userID, _ := claims["userId"].(string)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userCtxKey{}, userID)))
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(userCtxKey{}).(string)
	s.mu.Lock()
	var out userResponse
	for _, u := range s.users {
		if u.ID == userID {
			out = userResponse{ID: u.ID, Name: u.Name, Email: u.Email}
		}
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(userCtxKey{}).(string)
	s.mu.Lock()
	list := append([]json.RawMessage{}, s.events[userID]...)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	userID, _ := r.Context().Value(userCtxKey{}).(string)
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "validation failed: body must be JSON")
		return
	}
	s.mu.Lock()
	s.events[userID] = append(s.events[userID], body)
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body)
}

/*
====================================
HELPERS
====================================
*/

func (s *Server) newSession(u *user) (string, string, error) {
	sid, err := newSessionID()
	if err != nil {
		return "", "", err
	}
	secret, err := newRefreshSecret()
	if err != nil {
		return "", "", err
	}

	s.mu.Lock()
	s.sessions[sid] = &serverSession{userID: u.ID, refreshHash: hashSecret(secret)}
	s.mu.Unlock()

	access, err := s.IssueAccessToken(u.ID, u.Email, s.opts.Now().Add(s.opts.AccessTTL))
	if err != nil {
		return "", "", err
	}
	return access, encodeRefreshToken(sid, secret), nil
}

func (s *Server) recordLoginFailure(key string) {
	s.mu.Lock()
	s.failures[key]++
	s.mu.Unlock()
}

// emailFor must be called with s.mu held.
func (s *Server) emailFor(userID string) string {
	for _, u := range s.users {
		if u.ID == userID {
			return u.Email
		}
	}
	return ""
}

func subtleEqual(a, b [32]byte) bool {
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

func bearerToken(value string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(value, prefix) || len(value) == len(prefix) {
		return "", false
	}
	return value[len(prefix):], true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
