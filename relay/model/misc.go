package model

import (
	"net/http"
)

// Usage is the token usage block of a chat completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	// CompletionTokensDetails is only set when reasoning output was produced.
	CompletionTokensDetails *UsageCompletionTokensDetails `json:"completion_tokens_details,omitempty"`
}

// UsageCompletionTokensDetails splits completion tokens into reasoning and text.
type UsageCompletionTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
	TextTokens      int `json:"text_tokens"`
}

type Error struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param"`
	Code    any    `json:"code"`
	// RawError preserves the original upstream or internal error for diagnostics.
	// Omitted from JSON to avoid leaking upstream internals.
	RawError error `json:"-"`
}

type ErrorWithStatusCode struct {
	Error
	StatusCode int `json:"status_code"`
}

const (
	ErrorTypeInvalidRequest = "invalid_request_error"
	ErrorTypeRateLimit      = "rate_limit_error"
	ErrorTypeServer         = "server_error"
	ErrorTypeUpstream       = "upstream_error"
	ErrorTypeGrok2api       = "grok2api_error"
)

// ErrorWrapper turns an internal error into the public error shape.
func ErrorWrapper(err error, code string, statusCode int) *ErrorWithStatusCode {
	return &ErrorWithStatusCode{
		Error: Error{
			Message:  err.Error(),
			Type:     ErrorTypeGrok2api,
			Code:     code,
			RawError: err,
		},
		StatusCode: statusCode,
	}
}

// NewError builds a public error with an explicit type and param.
func NewError(statusCode int, errType, param, code, message string) *ErrorWithStatusCode {
	return &ErrorWithStatusCode{
		Error: Error{
			Message: message,
			Type:    errType,
			Param:   param,
			Code:    code,
		},
		StatusCode: statusCode,
	}
}

// ValidationError is a 400 invalid_request_error bound to a request field.
func ValidationError(param, code, message string) *ErrorWithStatusCode {
	return NewError(http.StatusBadRequest, ErrorTypeInvalidRequest, param, code, message)
}

// NoTokenError is returned when no credential can serve the request right now.
func NoTokenError() *ErrorWithStatusCode {
	return NewError(http.StatusTooManyRequests, ErrorTypeRateLimit, "", "rate_limit_exceeded",
		"No available tokens. Please try again later.")
}

// ErrorResponse is the JSON envelope written to clients.
type ErrorResponse struct {
	Error Error `json:"error"`
}
