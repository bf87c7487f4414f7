// Package apierr renders API error envelopes in the conventions of the
// vendor surface that was hit: OpenAI-shaped routes get the {"error":{...}}
// object, Anthropic routes the {"type":"error",...} wrapper, Gemini routes
// the google.rpc-style status object, and Ollama routes a bare string.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Dialect selects the error envelope shape.
type Dialect int

const (
	DialectOpenAI Dialect = iota
	DialectAnthropic
	DialectGemini
	DialectOllama
)

// ErrorType constants for the OpenAI dialect.
const (
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionErr     = "permission_error"
	TypeNotFound          = "not_found_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeProviderError     = "provider_error"
	TypeServerError       = "server_error"
)

// Code constants for the OpenAI dialect.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeForbidden         = "forbidden"
	CodeModelNotFound     = "model_not_found"
	CodeDuplicateUser     = "duplicate_user"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeQuotaExceeded     = "quota_exceeded"
	CodeProviderError     = "provider_error"
	CodeAllProvidersDown  = "all_providers_failed"
	CodeInternalError     = "internal_error"
)

// APIError is the structured error carried inside the OpenAI envelope.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	openAIEnvelope struct {
		Error APIError `json:"error"`
	}

	anthropicDetail struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	anthropicEnvelope struct {
		Type  string          `json:"type"`
		Error anthropicDetail `json:"error"`
	}

	geminiDetail struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	}
	geminiEnvelope struct {
		Error geminiDetail `json:"error"`
	}

	ollamaEnvelope struct {
		Error string `json:"error"`
	}
)

// Write writes the error in the OpenAI dialect with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteDialect(ctx, DialectOpenAI, status, message, errType, code)
}

// WriteDialect writes the error in the requested dialect. errType and code
// follow the OpenAI vocabulary; the other dialects translate what they can
// express and drop the rest.
func WriteDialect(ctx *fasthttp.RequestCtx, d Dialect, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")

	var body []byte
	switch d {
	case DialectAnthropic:
		body, _ = json.Marshal(anthropicEnvelope{
			Type:  "error",
			Error: anthropicDetail{Type: anthropicType(status), Message: message},
		})
	case DialectGemini:
		body, _ = json.Marshal(geminiEnvelope{
			Error: geminiDetail{Code: status, Message: message, Status: geminiStatus(status)},
		})
	case DialectOllama:
		body, _ = json.Marshal(ollamaEnvelope{Error: message})
	default:
		body, _ = json.Marshal(openAIEnvelope{Error: APIError{
			Message: message,
			Type:    errType,
			Code:    code,
		}})
	}
	ctx.SetBody(body)
}

// WriteRateLimit writes a 429 with a Retry-After hint in whole seconds.
func WriteRateLimit(ctx *fasthttp.RequestCtx, d Dialect, message string, retryAfterSec int) {
	if retryAfterSec > 0 {
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSec))
	}
	WriteDialect(ctx, d, fasthttp.StatusTooManyRequests, message,
		TypeRateLimitError, CodeRateLimitExceeded)
}

// anthropicType maps an HTTP status onto Anthropic's error type vocabulary.
func anthropicType(status int) string {
	switch status {
	case fasthttp.StatusBadRequest:
		return "invalid_request_error"
	case fasthttp.StatusUnauthorized:
		return "authentication_error"
	case fasthttp.StatusForbidden:
		return "permission_error"
	case fasthttp.StatusNotFound:
		return "not_found_error"
	case fasthttp.StatusTooManyRequests:
		return "rate_limit_error"
	case fasthttp.StatusBadGateway, fasthttp.StatusServiceUnavailable:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// geminiStatus maps an HTTP status onto the google.rpc status name.
func geminiStatus(status int) string {
	switch status {
	case fasthttp.StatusBadRequest:
		return "INVALID_ARGUMENT"
	case fasthttp.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case fasthttp.StatusForbidden:
		return "PERMISSION_DENIED"
	case fasthttp.StatusNotFound:
		return "NOT_FOUND"
	case fasthttp.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case fasthttp.StatusServiceUnavailable, fasthttp.StatusBadGateway:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
