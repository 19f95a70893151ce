package proxy

import (
	"encoding/json"
	"fmt"
)

// APIError is Discord's JSON error envelope on 4xx responses.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`

	HTTPStatus int `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api error %d (http %d): %s", e.Code, e.HTTPStatus, e.Message)
}

// ParseAPIError decodes an error body. A body that is not the standard
// envelope still yields an error carrying the http status.
func ParseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{HTTPStatus: status}
	_ = json.Unmarshal(body, apiErr)

	return apiErr
}
