package broker

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ResponseType is the response type
type ResponseType string

// Every response is a JSON object whose "type" is one of these.
const (
	ResponseTypeSync  ResponseType = "sync"
	ResponseTypeAsync ResponseType = "async"
	ResponseTypeError ResponseType = "error"
)

// Response knows how to serve itself.
type Response interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request)
}

type resp struct {
	Status int // HTTP status code
	Type   ResponseType
	Result interface{}
}

// Envelope is the wire form of every broker response.
type Envelope struct {
	Type       ResponseType    `json:"type"`
	StatusCode int             `json:"status-code"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type respJSON struct {
	Type       ResponseType `json:"type"`
	StatusCode int          `json:"status-code"`
	Status     string       `json:"status"`
	Result     interface{}  `json:"result"`
}

func (r *resp) MarshalJSON() ([]byte, error) {
	return json.Marshal(respJSON{
		Type:       r.Type,
		StatusCode: r.Status,
		Status:     http.StatusText(r.Status),
		Result:     r.Result,
	})
}

func (r *resp) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status := r.Status
	bs, err := r.MarshalJSON()
	if err != nil {
		bs = []byte(`{"type":"error","status-code":500,"status":"Internal Server Error","result":{"message":"cannot marshal response"}}`)
		status = http.StatusInternalServerError
	}

	hdr := w.Header()
	if r.Status == http.StatusAccepted {
		if m, ok := r.Result.(map[string]interface{}); ok {
			if location, ok := m["resource"].(string); ok && location != "" {
				hdr.Set("Location", location)
			}
		}
	}

	hdr.Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(bs)
}

// ErrorKind distinguishes error responses a client maps back to domain errors.
type ErrorKind string

const (
	ErrorKindPermissionRequired ErrorKind = "permission-required"
	ErrorKindAdminRequired      ErrorKind = "admin-required"
	ErrorKindRateLimited        ErrorKind = "rate-limited"
	ErrorKindShapeNotFound      ErrorKind = "shape-not-found"
	ErrorKindOpNotFound         ErrorKind = "op-not-found"
	ErrorKindInvocation         ErrorKind = "invocation"
	ErrorKindRequestNotFound    ErrorKind = "request-not-found"
	ErrorKindAlreadyDecided     ErrorKind = "already-decided"
	ErrorKindInvalidArgument    ErrorKind = "invalid-argument"
)

// ErrorResult is the result of an error response.
type ErrorResult struct {
	Message string      `json:"message"`
	Kind    ErrorKind   `json:"kind,omitempty"`
	Value   interface{} `json:"value,omitempty"`
}

// InvocationValue details an OS rejection in an invocation error.
type InvocationValue struct {
	Class    string `json:"class,omitempty"`
	Security bool   `json:"security"`
}

// SyncResponse builds a "sync" response from the given result.
func SyncResponse(result interface{}) Response {
	if err, ok := result.(error); ok {
		return InternalError("internal error: %v", err)
	}
	if rsp, ok := result.(Response); ok {
		return rsp
	}
	return &resp{
		Type:   ResponseTypeSync,
		Status: http.StatusOK,
		Result: result,
	}
}

// AsyncResponse builds an "async" response. A "resource" entry becomes
// the Location header.
func AsyncResponse(result map[string]interface{}) Response {
	return &resp{
		Type:   ResponseTypeAsync,
		Status: http.StatusAccepted,
		Result: result,
	}
}

// ErrorResponse builds an error response with a kind and optional value.
func ErrorResponse(status int, kind ErrorKind, value interface{}, format string, v ...interface{}) Response {
	res := &ErrorResult{Kind: kind, Value: value}
	if len(v) == 0 {
		res.Message = format
	} else {
		res.Message = fmt.Sprintf(format, v...)
	}
	return &resp{
		Type:   ResponseTypeError,
		Status: status,
		Result: res,
	}
}

func makeErrorResponder(status int) errorResponder {
	return func(format string, v ...interface{}) Response {
		return ErrorResponse(status, "", nil, format, v...)
	}
}

// errorResponder is a callable that produces an error Response.
// e.g., InternalError("something broke: %v", err), etc.
type errorResponder func(string, ...interface{}) Response

// standard error responses
var (
	NotFound         = makeErrorResponder(http.StatusNotFound)
	BadRequest       = makeErrorResponder(http.StatusBadRequest)
	MethodNotAllowed = makeErrorResponder(http.StatusMethodNotAllowed)
	InternalError    = makeErrorResponder(http.StatusInternalServerError)
	Forbidden        = makeErrorResponder(http.StatusForbidden)
)
