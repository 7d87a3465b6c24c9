package guard

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Sentinel errors returned by the SDK.
var (
	// ErrNoToken is returned when no session token is found in the request.
	ErrNoToken = errors.New("guard: no session token provided")

	// ErrSessionInvalid is returned when the session is unknown, expired or revoked.
	ErrSessionInvalid = errors.New("guard: session is invalid, expired or revoked")

	// ErrForbidden is returned when the API key lacks the required permission.
	ErrForbidden = errors.New("guard: access forbidden")

	// ErrNoAPIKey is returned by operator calls on a client configured without an API key.
	ErrNoAPIKey = errors.New("guard: client has no API key")
)

// APIError represents an error response from the guard API.
type APIError struct {
	StatusCode int                    `json:"-"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	// RetryAfter is set on 429 responses
	RetryAfter time.Duration `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("guard: API error %d [%s]: %s", e.StatusCode, e.Code, e.Message)
}

// Is lets callers match API errors against the SDK sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrSessionInvalid:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	}
	return false
}

// apiErrorWrapper matches the guard API error envelope.
type apiErrorWrapper struct {
	Error APIError `json:"error"`
}

func parseAPIError(resp *http.Response, body []byte) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Code: "unknown", Message: string(body)}

	var wrapper apiErrorWrapper
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error.Code != "" {
		apiErr.Code = wrapper.Error.Code
		apiErr.Message = wrapper.Error.Message
		apiErr.Details = wrapper.Error.Details
		apiErr.RequestID = wrapper.Error.RequestID
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}
	return apiErr
}

// IsAPIError checks whether err is an APIError and returns it.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
