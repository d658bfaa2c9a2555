package gateway

import (
	"errors"
	"strconv"
)

var (
	// ErrAuthRequired is returned when a protected call cannot be authorised, even
	// after one refresh. The caller should send the user to the login boundary.
	ErrAuthRequired = errors.New("authentication required")
	// ErrConnectivity is matched by errors for calls that never got a response.
	ErrConnectivity = errors.New("unable to reach server")
)

// APIError is a failed call. Status 0 means no response was received.
type APIError struct {
	Status int
	// Data is the decoded JSON body, or {"message": text} for non-JSON bodies.
	Data    any
	Message string
	cause   error
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "HTTP " + strconv.Itoa(e.Status)
}

// Is matches [ErrConnectivity] for Status 0 errors.
func (e *APIError) Is(target error) bool {
	return target == ErrConnectivity && e.Status == 0
}

func (e *APIError) Unwrap() error { return e.cause }

func connectivityError(cause error) *APIError {
	return &APIError{
		Status:  0,
		Data:    map[string]any{"message": "connection error"},
		Message: "could not connect to the server",
		cause:   cause,
	}
}
