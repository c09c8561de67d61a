// Package apierr provides structured API error types and HTTP status
// mapping for the platform's JSON error envelope.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeInvalidRequest = "invalid_request_error"
	TypeUpstreamError  = "upstream_error"
	TypeServerError    = "server_error"
)

// Code constants.
const (
	CodeNotFound           = "not_found"
	CodeServiceUnavailable = "service_unavailable"
	CodeBadRequest         = "bad_request"
	CodeBadGateway         = "bad_gateway"
	CodeInternalError      = "internal_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteNotFound writes a 404 for reserved or unroutable paths.
func WriteNotFound(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusNotFound, message, TypeInvalidRequest, CodeNotFound)
}

// WriteNoTarget writes a 503 when no upstream target URL is configured.
func WriteNoTarget(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable,
		"no upstream target configured; set one via the control plane",
		TypeServerError, CodeServiceUnavailable)
}

// WriteBadRequest writes a 400 for an invalid control-plane payload.
func WriteBadRequest(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message, TypeInvalidRequest, CodeBadRequest)
}

// WriteBadGateway writes a 502 for an unclassified upstream failure.
// Network-class failures never reach this; they fail over to mock.
func WriteBadGateway(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadGateway, message, TypeUpstreamError, CodeBadGateway)
}
