package agendador

import (
	"errors"
	"strings"

	"github.com/DanielMarcoD/agendador/encryption"
)

// ErrorInfo is a user-facing title and message for an error.
type ErrorInfo struct {
	Title   string
	Message string
}

const (
	defaultErrorTitle   = "Error"
	defaultErrorMessage = "An unexpected error occurred."
)

var connectionErrorInfo = ErrorInfo{
	Title:   "Connection error",
	Message: "Check your internet connection and try again.",
}

// Describe maps err to text suitable for showing to the user.
func Describe(err error) ErrorInfo {
	return DescribeWithDefault(err, defaultErrorTitle, defaultErrorMessage)
}

// DescribeWithDefault is [Describe] with caller-chosen fallback text.
func DescribeWithDefault(err error, title, message string) ErrorInfo {
	if err == nil {
		return ErrorInfo{Title: title, Message: message}
	}

	if errors.Is(err, ErrAuthRequired) {
		return ErrorInfo{Title: "Session expired", Message: "Please sign in again to continue."}
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return describeAPIError(apiErr, title)
	}

	if errors.Is(err, encryption.ErrKeyUnavailable) || errors.Is(err, encryption.ErrEncrypt) {
		return ErrorInfo{Title: "Encryption error", Message: "Could not secure your data. Please try again."}
	}
	if errors.Is(err, ErrRefreshUnavailable) {
		return connectionErrorInfo
	}

	return ErrorInfo{Title: title, Message: message}
}

func describeAPIError(e *APIError, title string) ErrorInfo {
	msg := apiMessage(e)
	lower := strings.ToLower(msg)

	switch e.Status {
	case 0:
		return connectionErrorInfo
	case 400:
		if strings.Contains(lower, "invalid key") {
			return ErrorInfo{Title: "Security error", Message: "Data encryption failed. Please try again."}
		}
		if strings.Contains(lower, "validation") || strings.Contains(lower, "required") {
			return ErrorInfo{Title: "Invalid data", Message: "Make sure every field is filled in correctly."}
		}
		return ErrorInfo{Title: "Invalid data", Message: msg}
	case 401:
		if strings.Contains(lower, "invalid credentials") {
			return ErrorInfo{Title: "Incorrect credentials", Message: "Wrong email or password. Check them and try again."}
		}
		return ErrorInfo{Title: "Unauthorized", Message: "You are not allowed to access this resource."}
	case 403:
		return ErrorInfo{Title: "Access denied", Message: "You are not allowed to perform this action."}
	case 409:
		if strings.Contains(lower, "email already") {
			return ErrorInfo{Title: "Email already registered", Message: "This email is already used by another account. Sign in or use a different email."}
		}
		return ErrorInfo{Title: "Already exists", Message: "The information provided is already in use by another account."}
	case 422:
		return ErrorInfo{Title: "Invalid data", Message: "The information provided is not valid. Check it and try again."}
	case 429:
		return ErrorInfo{Title: "Too many attempts", Message: "You made too many attempts. Wait a few minutes before trying again."}
	case 500:
		return ErrorInfo{Title: "Server error", Message: "Temporary server problem. Try again in a few minutes."}
	case 503:
		return ErrorInfo{Title: "Service unavailable", Message: "The service is temporarily unavailable. Try again in a few minutes."}
	default:
		return ErrorInfo{Title: title, Message: msg}
	}
}

// apiMessage prefers the server's "message" field over the error text.
func apiMessage(e *APIError) string {
	if m, ok := e.Data.(map[string]any); ok {
		if s, ok := m["message"].(string); ok && s != "" {
			return s
		}
	}
	return e.Error()
}
