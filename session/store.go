package session

import (
	"context"
	"errors"
	"fmt"
)

const (
	// AccessKey is the storage key holding the access token.
	AccessKey = "accessToken"
	// RefreshKey is the storage key holding the refresh token.
	RefreshKey = "refreshToken"
)

// ErrIncompleteSession is returned when a caller tries to store only half a pair.
var ErrIncompleteSession = errors.New("session requires both access and refresh token")

// ErrBackendUnavailable wraps failures reported by the underlying backend.
var ErrBackendUnavailable = errors.New("session backend unavailable")

// Store owns the persisted [Session]. It is safe for concurrent use when its
// [Backend] is.
type Store struct {
	backend    Backend
	accessKey  string
	refreshKey string
}

// NewStore creates a [Store] over backend. A nil backend is treated as [NopBackend].
// prefix namespaces the two fixed keys ("prefix:accessToken"); empty means no prefix.
func NewStore(backend Backend, prefix string) *Store {
	if backend == nil {
		backend = NopBackend{}
	}
	s := &Store{
		backend:    backend,
		accessKey:  AccessKey,
		refreshKey: RefreshKey,
	}
	if prefix != "" {
		s.accessKey = prefix + ":" + AccessKey
		s.refreshKey = prefix + ":" + RefreshKey
	}
	return s
}

// Access returns the stored access token, or "" when absent.
func (s *Store) Access(ctx context.Context) (string, error) {
	return s.get(ctx, s.accessKey)
}

// Refresh returns the stored refresh token, or "" when absent.
func (s *Store) Refresh(ctx context.Context) (string, error) {
	return s.get(ctx, s.refreshKey)
}

// Load returns both stored tokens from one backend read, so a concurrent
// SetSession or Clear is seen entirely or not at all.
func (s *Store) Load(ctx context.Context) (Session, error) {
	values, err := s.backend.GetMany(ctx, s.accessKey, s.refreshKey)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return Session{AccessToken: values[s.accessKey], RefreshToken: values[s.refreshKey]}, nil
}

// SetSession replaces both tokens in one backend write.
func (s *Store) SetSession(ctx context.Context, access, refresh string) error {
	if access == "" || refresh == "" {
		return ErrIncompleteSession
	}
	err := s.backend.Set(ctx, map[string]string{
		s.accessKey:  access,
		s.refreshKey: refresh,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Clear removes both tokens. Clearing an empty store is not an error.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.backend.Delete(ctx, s.accessKey, s.refreshKey); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// IsLoggedOut reports whether both tokens are absent.
func (s *Store) IsLoggedOut(ctx context.Context) (bool, error) {
	sess, err := s.Load(ctx)
	if err != nil {
		return false, err
	}
	return sess.Empty(), nil
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	value, ok, err := s.backend.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !ok {
		return "", nil
	}
	return value, nil
}
