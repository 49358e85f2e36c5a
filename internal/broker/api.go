package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

const maxBodySize = 64 << 10

var restAPI = []*Command{
	pingCmd,
	permissionCmd,
	requestsCmd,
	requestCmd,
	callLookupCmd,
	callsCmd,
	opCodeCmd,
	opModesCmd,
}

var (
	pingCmd = &Command{
		Path:       "/v1/ping",
		GET:        ping,
		ReadAccess: accessOpen,
	}

	permissionCmd = &Command{
		Path:       "/v1/permission",
		GET:        getPermission,
		ReadAccess: accessOpen,
	}

	requestsCmd = &Command{
		Path:        "/v1/permission/requests",
		GET:         getPermissionRequests,
		POST:        postPermissionRequests,
		ReadAccess:  accessAdmin,
		WriteAccess: accessOpen,
	}

	requestCmd = &Command{
		Path:        "/v1/permission/requests/{id}",
		GET:         getPermissionRequest,
		POST:        postPermissionRequest,
		ReadAccess:  accessOpen,
		WriteAccess: accessAdmin,
	}

	callLookupCmd = &Command{
		Path:       "/v1/calls/{method}/{shape}",
		GET:        getCall,
		ReadAccess: accessGranted,
	}

	callsCmd = &Command{
		Path:        "/v1/calls",
		POST:        postCall,
		WriteAccess: accessGranted,
	}

	opCodeCmd = &Command{
		Path:       "/v1/appops/ops/{op}",
		GET:        getOpCode,
		ReadAccess: accessGranted,
	}

	opModesCmd = &Command{
		Path:        "/v1/appops/modes",
		POST:        postOpMode,
		WriteAccess: accessGranted,
	}
)

// InvokeRequest is the body of POST /v1/calls.
type InvokeRequest struct {
	Descriptor domain.CallDescriptor `json:"descriptor"`
	Args       domain.CallArgs       `json:"args"`
}

// DecisionRequest is the body of POST /v1/permission/requests/{id}.
type DecisionRequest struct {
	Action string `json:"action"` // approve or deny
}

func ping(c *Command, r *http.Request) Response {
	p := peerFromContext(r.Context())
	return SyncResponse(map[string]interface{}{
		"version": c.s.config.Version,
		"uid":     p.uid,
		"admin":   c.s.isAdmin(p),
	})
}

func getPermission(c *Command, r *http.Request) Response {
	p := peerFromContext(r.Context())
	granted, err := c.s.isGranted(p)
	if err != nil {
		return InternalError("cannot check permission: %v", err)
	}
	return SyncResponse(map[string]interface{}{
		"uid":     p.uid,
		"granted": granted,
	})
}

func getPermissionRequests(c *Command, r *http.Request) Response {
	return SyncResponse(c.s.requests.pending())
}

func postPermissionRequests(c *Command, r *http.Request) Response {
	p := peerFromContext(r.Context())
	if !p.known() {
		return ErrorResponse(http.StatusForbidden, ErrorKindPermissionRequired, nil, "cannot identify peer")
	}

	req, err := c.s.requests.create(p.uid, p.pid)
	if errors.Is(err, errRateLimited) {
		return ErrorResponse(http.StatusTooManyRequests, ErrorKindRateLimited, nil, "%v", err)
	}
	if err != nil {
		return InternalError("cannot create permission request: %v", err)
	}

	c.s.logger.Info("permission requested",
		zap.String("id", req.ID),
		zap.Uint32("uid", req.UID),
		zap.Int32("pid", req.PID),
		zap.Bool("decided", req.Decided))

	return AsyncResponse(map[string]interface{}{
		"id":       req.ID,
		"resource": "/v1/permission/requests/" + req.ID,
	})
}

func getPermissionRequest(c *Command, r *http.Request) Response {
	id := mux.Vars(r)["id"]
	p := peerFromContext(r.Context())

	req, done, err := c.s.requests.get(id)
	// Requests of other uids are invisible to non-admin peers.
	if err != nil || (!c.s.isAdmin(p) && req.UID != p.uid) {
		return ErrorResponse(http.StatusNotFound, ErrorKindRequestNotFound, nil, "permission request %q not found", id)
	}

	if r.URL.Query().Get("wait") == "true" && !req.Decided {
		timer := time.NewTimer(c.s.config.MaxWait)
		defer timer.Stop()

		select {
		case <-done:
		case <-timer.C:
		case <-r.Context().Done():
		case <-c.s.tomb.Dying():
		}

		req, _, err = c.s.requests.get(id)
		if err != nil {
			return ErrorResponse(http.StatusNotFound, ErrorKindRequestNotFound, nil, "permission request %q not found", id)
		}
	}
	return SyncResponse(req)
}

func postPermissionRequest(c *Command, r *http.Request) Response {
	id := mux.Vars(r)["id"]

	var body DecisionRequest
	if err := decodeBody(r, &body); err != nil {
		return ErrorResponse(http.StatusBadRequest, ErrorKindInvalidArgument, nil, "cannot decode request body: %v", err)
	}

	var granted bool
	switch body.Action {
	case "approve":
		granted = true
	case "deny":
	default:
		return ErrorResponse(http.StatusBadRequest, ErrorKindInvalidArgument, nil, "unknown action %q", body.Action)
	}

	req, err := c.s.requests.decide(id, granted)
	switch {
	case errors.Is(err, errRequestNotFound):
		return ErrorResponse(http.StatusNotFound, ErrorKindRequestNotFound, nil, "permission request %q not found", id)
	case errors.Is(err, errAlreadyDecided):
		return ErrorResponse(http.StatusConflict, ErrorKindAlreadyDecided, req, "permission request %q already decided", id)
	case err != nil:
		return InternalError("cannot store decision: %v", err)
	}

	c.s.logger.Info("permission request decided",
		zap.String("id", req.ID),
		zap.Uint32("uid", req.UID),
		zap.Bool("granted", req.Granted))
	return SyncResponse(req)
}

func getCall(c *Command, r *http.Request) Response {
	vars := mux.Vars(r)
	desc, err := c.s.binding.Lookup(r.Context(), domain.Method(vars["method"]), domain.CallShape(vars["shape"]))
	if err != nil {
		return bindingError(err)
	}
	return SyncResponse(desc)
}

func postCall(c *Command, r *http.Request) Response {
	var body InvokeRequest
	if err := decodeBody(r, &body); err != nil {
		return ErrorResponse(http.StatusBadRequest, ErrorKindInvalidArgument, nil, "cannot decode request body: %v", err)
	}
	if err := c.s.validator.ValidateStruct(body.Args); err != nil {
		return ErrorResponse(http.StatusBadRequest, ErrorKindInvalidArgument, nil, "%v", err)
	}

	// Issued OS calls run to completion even if the client goes away.
	ctx := context.WithoutCancel(r.Context())
	if err := c.s.binding.Invoke(ctx, body.Descriptor, body.Args); err != nil {
		c.s.logger.Info("call rejected",
			zap.String("method", string(body.Descriptor.Method)),
			zap.String("package", body.Args.Package),
			zap.String("permission", body.Args.Permission),
			zap.Error(err))
		return bindingError(err)
	}

	c.s.logger.Info("call invoked",
		zap.Stringer("peer", peerFromContext(r.Context())),
		zap.String("method", string(body.Descriptor.Method)),
		zap.String("shape", string(body.Descriptor.Shape)),
		zap.String("package", body.Args.Package),
		zap.String("permission", body.Args.Permission))
	return SyncResponse(nil)
}

func getOpCode(c *Command, r *http.Request) Response {
	op := mux.Vars(r)["op"]
	code, err := c.s.binding.OpCode(r.Context(), op)
	if err != nil {
		return bindingError(err)
	}
	return SyncResponse(map[string]interface{}{
		"op":   op,
		"code": code,
	})
}

func postOpMode(c *Command, r *http.Request) Response {
	var req domain.OpModeRequest
	if err := decodeBody(r, &req); err != nil {
		return ErrorResponse(http.StatusBadRequest, ErrorKindInvalidArgument, nil, "cannot decode request body: %v", err)
	}
	if err := c.s.validator.ValidateStruct(req); err != nil {
		return ErrorResponse(http.StatusBadRequest, ErrorKindInvalidArgument, nil, "%v", err)
	}

	if err := c.s.binding.SetOpMode(context.WithoutCancel(r.Context()), req); err != nil {
		return bindingError(err)
	}

	c.s.logger.Info("op mode set",
		zap.Stringer("peer", peerFromContext(r.Context())),
		zap.String("package", req.Package),
		zap.Int("code", req.Code),
		zap.String("mode", req.Mode.String()))
	return SyncResponse(nil)
}

// bindingError maps binding errors to responses a client can map back.
func bindingError(err error) Response {
	switch {
	case errors.Is(err, domain.ErrShapeNotFound):
		return ErrorResponse(http.StatusNotFound, ErrorKindShapeNotFound, nil, "%v", err)
	case errors.Is(err, domain.ErrOpNotFound):
		return ErrorResponse(http.StatusNotFound, ErrorKindOpNotFound, nil, "%v", err)
	}

	var ie *domain.InvocationError
	if errors.As(err, &ie) {
		security := ie.Kind == domain.InvocationSecurity
		status := http.StatusInternalServerError
		if security {
			status = http.StatusForbidden
		}
		return ErrorResponse(status, ErrorKindInvocation,
			InvocationValue{Class: ie.Class, Security: security}, "%s", ie.Message)
	}
	return InternalError("%v", err)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
