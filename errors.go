package agendador

import (
	"errors"

	"github.com/DanielMarcoD/agendador/encryption"
	"github.com/DanielMarcoD/agendador/gateway"
	"github.com/DanielMarcoD/agendador/refresh"
	"github.com/DanielMarcoD/agendador/session"
)

var (
	// ErrAuthRequired means the user has to log in again.
	ErrAuthRequired = gateway.ErrAuthRequired
	// ErrConnectivity is matched by calls that never reached the server.
	ErrConnectivity = gateway.ErrConnectivity
	// ErrRefreshRejected is matched when the server refused the refresh token.
	ErrRefreshRejected = refresh.ErrRefreshRejected
	// ErrRefreshUnavailable is matched by transient refresh failures.
	ErrRefreshUnavailable = refresh.ErrRefreshUnavailable
	// ErrNoRefreshToken is returned when a refresh is needed but none is stored.
	ErrNoRefreshToken = refresh.ErrNoRefreshToken
	// ErrKeyUnavailable wraps failures to obtain the server encryption key.
	ErrKeyUnavailable = encryption.ErrKeyUnavailable
	// ErrIncompleteSession is returned when only half a token pair would be stored.
	ErrIncompleteSession = session.ErrIncompleteSession

	// ErrBuilderUsed is returned by a second call to [Builder.Build].
	ErrBuilderUsed = errors.New("builder already used")
	// ErrClientClosed is returned by operations on a closed [Client].
	ErrClientClosed = errors.New("client closed")
	// ErrInvalidLoginResponse is returned when /auth/login answers 2xx without a
	// usable token pair.
	ErrInvalidLoginResponse = errors.New("login response missing tokens")
)

// APIError is the structured failure of an API call. Status 0 means no response.
type APIError = gateway.APIError
