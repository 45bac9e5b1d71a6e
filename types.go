package relay

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// APIResult is the envelope returned by every REST endpoint.
type APIResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals Data into v.
func (r *APIResult) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return sonic.ConfigStd.Unmarshal(r.Data, v)
}

// TokenResult is the payload of a token refresh.
type TokenResult struct {
	Token     string `json:"token"`
	ExpiresIn string `json:"expiresIn,omitempty"`
}

// User identifies the account a realtime session is opened for.
type User struct {
	ID      string         `json:"id"`
	Name    string         `json:"name,omitempty"`
	Image   string         `json:"image,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}
