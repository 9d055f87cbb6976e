package tg

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors - use with errors.Is()
var (
	ErrInvalidToken = errors.New("botgate: invalid bot token")
	ErrBotNotFound  = errors.New("botgate: bot not found")
	ErrUnauthorized = errors.New("botgate: unauthorized")
	ErrForbidden    = errors.New("botgate: access denied")
	ErrMisdirected  = errors.New("botgate: misdirected request")
	ErrConflict     = errors.New("botgate: conflict")
	ErrRateLimited  = errors.New("botgate: too many requests")
	ErrShuttingDown = errors.New("botgate: shutting down")
	ErrClosed       = errors.New("botgate: closed")
)

// ResponseParameters carries the optional parameters object of an error
// response.
type ResponseParameters struct {
	MigrateToChatID int64 `json:"migrate_to_chat_id,omitempty"`
	RetryAfter      int   `json:"retry_after,omitempty"`
}

// APIError is a Bot API error response. The HTTP status of the rendered
// response equals Code. Use errors.As() to extract details and errors.Is()
// to match sentinels.
type APIError struct {
	Code        int
	Description string
	Parameters  *ResponseParameters
	cause       error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("botgate: api error %d: %s", e.Code, e.Description)
}

// Unwrap returns the underlying sentinel for errors.Is() support.
func (e *APIError) Unwrap() error { return e.cause }

// RetryAfter returns parameters.retry_after, or 0 when absent.
func (e *APIError) RetryAfter() int {
	if e.Parameters == nil {
		return 0
	}
	return e.Parameters.RetryAfter
}

// NewError creates an APIError with automatic sentinel attribution.
func NewError(code int, description string) *APIError {
	return &APIError{Code: code, Description: description, cause: sentinelFor(code)}
}

// Errorf creates an APIError with a formatted description.
func Errorf(code int, format string, args ...any) *APIError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// BadRequest creates a 400 validation error.
func BadRequest(description string) *APIError {
	return NewError(http.StatusBadRequest, "Bad Request: "+description)
}

// RetryAfterError creates a 429 error carrying parameters.retry_after.
func RetryAfterError(seconds int) *APIError {
	if seconds < 1 {
		seconds = 1
	}
	return &APIError{
		Code:        http.StatusTooManyRequests,
		Description: fmt.Sprintf("Too Many Requests: retry after %d", seconds),
		Parameters:  &ResponseParameters{RetryAfter: seconds},
		cause:       ErrRateLimited,
	}
}

// ConflictError creates a 409 error.
func ConflictError(description string) *APIError {
	return &APIError{Code: http.StatusConflict, Description: "Conflict: " + description, cause: ErrConflict}
}

func sentinelFor(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrBotNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusMisdirectedRequest:
		return ErrMisdirected
	case http.StatusTooManyRequests:
		return ErrRateLimited
	}
	return nil
}

// AsAPIError coerces any error into an APIError, defaulting to a 500.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrUnauthorized):
		return &APIError{Code: http.StatusUnauthorized, Description: "Unauthorized", cause: ErrUnauthorized}
	case errors.Is(err, ErrConflict):
		return &APIError{Code: http.StatusConflict, Description: "Conflict", cause: ErrConflict}
	case errors.Is(err, ErrRateLimited):
		return RetryAfterError(1)
	case errors.Is(err, ErrBotNotFound):
		return &APIError{Code: http.StatusNotFound, Description: "Not Found", cause: ErrBotNotFound}
	case errors.Is(err, ErrForbidden):
		return &APIError{Code: http.StatusForbidden, Description: "Forbidden", cause: ErrForbidden}
	case errors.Is(err, ErrMisdirected):
		return &APIError{Code: http.StatusMisdirectedRequest, Description: "Misdirected Request", cause: ErrMisdirected}
	case errors.Is(err, ErrShuttingDown):
		return RetryAfterError(1)
	}
	return &APIError{Code: http.StatusInternalServerError, Description: "Internal Server Error"}
}
