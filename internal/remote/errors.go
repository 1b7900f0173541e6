package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrAuthExpired is returned for 401 responses and when no session is stored
var ErrAuthExpired = errors.New("authentication expired")

// BusinessError is a permanent rejection of a request by the server.
// Message is the server's message, unchanged.
type BusinessError struct {
	Status  int
	Message string
}

func (e *BusinessError) Error() string {
	return e.Message
}

// TransientError wraps timeouts, connection failures and 5xx responses
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("server error %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("network error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsAuthExpired reports whether err means the session must be renewed
func IsAuthExpired(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// IsTransient reports whether err is a network or server-side fault
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return ErrAuthExpired
	case status >= 500:
		return &TransientError{Status: status, Err: errors.New(errorMessage(status, body))}
	default:
		return &BusinessError{Status: status, Message: errorMessage(status, body)}
	}
}

func errorMessage(status int, body []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(body, &payload) == nil {
		for _, msg := range []string{payload.Message, payload.Error, payload.Detail} {
			if msg != "" {
				return msg
			}
		}
	}

	if text := strings.TrimSpace(string(body)); text != "" && !strings.HasPrefix(text, "{") {
		return text
	}
	return http.StatusText(status)
}
