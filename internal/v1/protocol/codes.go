// Package protocol defines the wire contract shared by the websocket
// transport and the admin surface: message names, frame shapes, and the
// closed error taxonomy with its HTTP status mapping.
package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is a stable wire symbol carried on failed acks and admin
// responses. The set is closed; games reuse these codes rather than
// inventing their own.
type ErrorCode string

const (
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeRoomNotFound     ErrorCode = "ROOM_NOT_FOUND"
	CodeRoomFull         ErrorCode = "ROOM_FULL"
	CodeNotInRoom        ErrorCode = "NOT_IN_ROOM"
	CodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	CodeInvalidAction    ErrorCode = "INVALID_ACTION"
	CodePlayerJoinFailed ErrorCode = "PLAYER_JOIN_FAILED"
	CodePlayerNotFound   ErrorCode = "PLAYER_NOT_FOUND"
	CodeInvalidGameState ErrorCode = "INVALID_GAME_STATE"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodeCodeExhaustion   ErrorCode = "CODE_EXHAUSTION"
	CodeStorageError     ErrorCode = "STORAGE_ERROR"
	CodeNotImplemented   ErrorCode = "NOT_IMPLEMENTED"
	CodeRateLimited      ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
)

// Error is the single tagged error value used across the runtime. Details is
// optional structured context that rides along on error frames.
type Error struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a protocol error with the given code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf builds a protocol error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Coder lets error types outside this package carry a wire code, e.g. the
// storage adapters tagging their failures STORAGE_ERROR.
type Coder interface {
	ErrorCode() ErrorCode
}

// CodeOf extracts the protocol code from anywhere in an error chain,
// defaulting to INTERNAL_ERROR for unrecognized errors.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	var c Coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return CodeInternal
}

// AsError normalizes any error into a *Error, wrapping unrecognized errors
// as INTERNAL_ERROR so the wire never leaks raw Go error text structure.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeOf(err), Message: err.Error()}
}

// HTTPStatus maps an error code to the status used by the admin surface.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case CodeRoomNotFound, CodePlayerNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeLimitReached, CodeCodeExhaustion, CodeStorageError, CodeInternal:
		return http.StatusInternalServerError
	case CodeInvalidInput, CodeRoomFull, CodeNotInRoom, CodeInvalidAction,
		CodePlayerJoinFailed, CodeInvalidGameState, CodeNotImplemented:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
