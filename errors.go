package offlinesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

var (
	// ErrConnectivity matches every failure to reach the server.
	ErrConnectivity = errors.New("connectivity failure")

	// ErrApplication matches every response with a 4xx or 5xx status.
	ErrApplication = errors.New("application error")

	// ErrNotReady is returned until the cache and queue finished loading.
	ErrNotReady = errors.New("offline sync engine not ready")
)

// Kind is the class of a gateway failure.
type Kind int

const (
	KindConnectivity Kind = iota + 1
	KindApplication
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindApplication:
		return "application"
	default:
		return "unknown"
	}
}

// Error is a classified gateway failure. Application errors carry the
// server response; connectivity errors carry the transport error.
type Error struct {
	Kind   Kind
	Method string
	URL    string

	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte

	Err error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindApplication:
		return fmt.Sprintf("%s %s: server responded %s", e.Method, e.URL, e.Status)
	case KindConnectivity:
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	default:
		return fmt.Sprintf("%s %s: unclassified failure", e.Method, e.URL)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConnectivity:
		return e.Kind == KindConnectivity
	case ErrApplication:
		return e.Kind == KindApplication
	}
	return false
}

// Title is a short heading for the failure.
func (e *Error) Title() string {
	if e.Kind == KindConnectivity {
		return "Connection Error"
	}

	switch e.StatusCode {
	case http.StatusBadRequest:
		return "Invalid Request"
	case http.StatusUnauthorized:
		return "Session Expired"
	case http.StatusForbidden:
		return "Forbidden"
	case http.StatusNotFound:
		return "Not Found"
	case http.StatusInternalServerError:
		return "Server Error"
	case http.StatusServiceUnavailable:
		return "Service Unavailable"
	default:
		return "Error"
	}
}

// UserMessage is text suitable for showing to the user. For statuses where
// the server usually explains itself, a JSON "message" field in the body
// wins over the generic text.
func (e *Error) UserMessage() string {
	if e.Kind == KindConnectivity {
		return "No internet connection. Please check your network."
	}

	switch e.StatusCode {
	case http.StatusBadRequest:
		return e.serverMessage("Invalid request. Please check your input.")
	case http.StatusUnauthorized:
		return "Your session has expired. Please login again."
	case http.StatusForbidden:
		return "You do not have permission to access this resource."
	case http.StatusNotFound:
		return e.serverMessage("The requested resource was not found.")
	case http.StatusInternalServerError:
		return "Server error. Please try again later."
	case http.StatusServiceUnavailable:
		return "Service temporarily unavailable. Please try again later."
	default:
		return e.serverMessage("Error: " + e.Status)
	}
}

func (e *Error) serverMessage(fallback string) string {
	var body struct {
		Message string `json:"message"`
	}
	if len(e.Body) > 0 && json.Unmarshal(e.Body, &body) == nil && body.Message != "" {
		return body.Message
	}
	return fallback
}

// ErrorReporter receives failures that should be surfaced to the user.
type ErrorReporter interface {
	Report(ctx context.Context, err *Error)
}

// ErrorReporterFunc adapts a function to ErrorReporter.
type ErrorReporterFunc func(ctx context.Context, err *Error)

func (f ErrorReporterFunc) Report(ctx context.Context, err *Error) {
	f(ctx, err)
}

// LogReporter reports failures as warnings on logger.
func LogReporter(logger *slog.Logger) ErrorReporter {
	return ErrorReporterFunc(func(ctx context.Context, err *Error) {
		logger.WarnContext(ctx, err.Title(),
			"message", err.UserMessage(),
			"kind", err.Kind.String(),
			"status", err.StatusCode,
			"method", err.Method,
			"url", err.URL)
	})
}
