// Package rpc serves request/response and subscription procedures over a
// websocket using the tRPC websocket message format.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

type Method string

const (
	MethodQuery            Method = "query"
	MethodMutation         Method = "mutation"
	MethodSubscription     Method = "subscription"
	MethodSubscriptionStop Method = "subscription.stop"
	MethodReconnect        Method = "reconnect"
)

type ResultType string

const (
	ResultStarted ResultType = "started"
	ResultData    ResultType = "data"
	ResultStopped ResultType = "stopped"
)

// Request is an inbound frame. ID is echoed back verbatim and may be a
// number or a string.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method Method          `json:"method"`
	Params Params          `json:"params"`
}

type Params struct {
	Path  string          `json:"path"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Response is an outbound frame: a result, an error or a control notice.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result *Result         `json:"result,omitempty"`
	Error  *ErrorBody      `json:"error,omitempty"`
	Method Method          `json:"method,omitempty"`
}

type Result struct {
	Type ResultType      `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ErrorBody struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Data    ErrorData `json:"data"`
}

type ErrorData struct {
	Code       ErrorCode `json:"code"`
	HTTPStatus int       `json:"httpStatus"`
	Path       string    `json:"path,omitempty"`
}

var nullID = json.RawMessage("null")

// reconnectFrame asks clients to reconnect, typically to another instance.
var reconnectFrame = mustMarshal(Response{ID: nullID, Method: MethodReconnect})

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

type ErrorCode string

const (
	CodeParseError         ErrorCode = "PARSE_ERROR"
	CodeBadRequest         ErrorCode = "BAD_REQUEST"
	CodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	CodeForbidden          ErrorCode = "FORBIDDEN"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeMethodNotSupported ErrorCode = "METHOD_NOT_SUPPORTED"
	CodeTooManyRequests    ErrorCode = "TOO_MANY_REQUESTS"
	CodeInternal           ErrorCode = "INTERNAL_SERVER_ERROR"
)

var codeNumbers = map[ErrorCode]int{
	CodeParseError:         -32700,
	CodeBadRequest:         -32600,
	CodeInternal:           -32603,
	CodeUnauthorized:       -32001,
	CodeForbidden:          -32003,
	CodeNotFound:           -32004,
	CodeMethodNotSupported: -32005,
	CodeTooManyRequests:    -32029,
}

var codeStatus = map[ErrorCode]int{
	CodeParseError:         http.StatusBadRequest,
	CodeBadRequest:         http.StatusBadRequest,
	CodeInternal:           http.StatusInternalServerError,
	CodeUnauthorized:       http.StatusUnauthorized,
	CodeForbidden:          http.StatusForbidden,
	CodeNotFound:           http.StatusNotFound,
	CodeMethodNotSupported: http.StatusMethodNotAllowed,
	CodeTooManyRequests:    http.StatusTooManyRequests,
}

// Error is a procedure failure reported to the caller.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// asError maps any error to a wire error. Errors that are not *Error are
// internal and their text is not exposed.
func asError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Message: "internal server error", Err: err}
}

func errorResponse(id json.RawMessage, path string, e *Error) Response {
	if len(id) == 0 {
		id = nullID
	}
	return Response{
		ID: id,
		Error: &ErrorBody{
			Code:    codeNumbers[e.Code],
			Message: e.Message,
			Data:    ErrorData{Code: e.Code, HTTPStatus: codeStatus[e.Code], Path: path},
		},
	}
}

func resultResponse(id json.RawMessage, typ ResultType, data json.RawMessage) Response {
	return Response{ID: id, Result: &Result{Type: typ, Data: data}}
}
