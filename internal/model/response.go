package model

import "time"

// ErrorResponse is the standard envelope for error responses.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the structured error information returned by the API.
// Reason is a stable machine-readable code such as NOT_FOUND or
// INVALID_CREDENTIAL.
type ErrorDetail struct {
	Code      int                    `json:"code"`
	Message   string                 `json:"message"`
	Reason    string                 `json:"reason,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// NewErrorResponse builds an envelope stamped with the current time.
func NewErrorResponse(code int, reason, message string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}}
}
