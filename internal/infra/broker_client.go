package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/permguard/internal/broker"
	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

var errSessionClosed = errors.New("broker session closed")

// BrokerError is an error response from the broker that has no domain
// counterpart.
type BrokerError struct {
	StatusCode int
	Kind       broker.ErrorKind
	Message    string
}

func (e *BrokerError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("broker: %s (%d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("broker: %s (%s)", e.Message, e.Kind)
}

// BrokerStatus is the broker liveness check returned as data.
type BrokerStatus struct {
	Live    bool   `json:"live"`
	Version string `json:"version,omitempty"`
	UID     uint32 `json:"uid"`
	Admin   bool   `json:"admin"`
	Error   string `json:"error,omitempty"`
}

// BrokerSession is an explicit handle on the broker socket. Every call
// dials, uses and releases its own connection; Close ends the session
// and any permission task started from it.
type BrokerSession struct {
	socketPath string
	client     *http.Client
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// OpenBrokerSession acquires a session on the broker at socketPath.
func OpenBrokerSession(socketPath string, logger *zap.Logger) *BrokerSession {
	ctx, cancel := context.WithCancel(context.Background())
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
		DisableKeepAlives: true,
	}
	return &BrokerSession{
		socketPath: socketPath,
		client:     &http.Client{Transport: transport},
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Close releases the session. Pending permission tasks are cancelled.
func (s *BrokerSession) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.client.CloseIdleConnections()
	})
	return nil
}

// SocketPath returns the broker socket path.
func (s *BrokerSession) SocketPath() string {
	return s.socketPath
}

// Binding returns the broker-backed service binding.
func (s *BrokerSession) Binding() *BrokerBinding {
	return &BrokerBinding{session: s}
}

// Ping checks the broker answers.
func (s *BrokerSession) Ping(ctx context.Context) error {
	_, err := s.Status(ctx)
	return err
}

// Status reports broker liveness and who the broker thinks we are.
func (s *BrokerSession) Status(ctx context.Context) (BrokerStatus, error) {
	var status BrokerStatus
	if err := s.do(ctx, http.MethodGet, "/v1/ping", nil, &status); err != nil {
		return BrokerStatus{Error: err.Error()}, err
	}
	status.Live = true
	return status, nil
}

// HasPermission reports whether this uid holds the broker's permission.
func (s *BrokerSession) HasPermission(ctx context.Context) (bool, error) {
	var result struct {
		Granted bool `json:"granted"`
	}
	if err := s.do(ctx, http.MethodGet, "/v1/permission", nil, &result); err != nil {
		return false, err
	}
	return result.Granted, nil
}

// RequestPermission files a permission request and returns a task that
// resolves when the operator decides it.
func (s *BrokerSession) RequestPermission(ctx context.Context) (domain.PermissionTask, error) {
	var result struct {
		ID string `json:"id"`
	}
	if err := s.do(ctx, http.MethodPost, "/v1/permission/requests", nil, &result); err != nil {
		return nil, err
	}
	s.logger.Info("broker permission requested", zap.String("id", result.ID))
	return newPermissionTask(s, result.ID), nil
}

// Request returns a permission request. With wait set the broker holds
// the call until the request is decided or its wait bound passes.
func (s *BrokerSession) Request(ctx context.Context, id string, wait bool) (domain.PermissionRequest, error) {
	path := "/v1/permission/requests/" + url.PathEscape(id)
	if wait {
		path += "?wait=true"
	}
	var req domain.PermissionRequest
	err := s.do(ctx, http.MethodGet, path, nil, &req)
	return req, err
}

// PendingRequests lists undecided permission requests. Admin only.
func (s *BrokerSession) PendingRequests(ctx context.Context) ([]domain.PermissionRequest, error) {
	var pending []domain.PermissionRequest
	err := s.do(ctx, http.MethodGet, "/v1/permission/requests", nil, &pending)
	return pending, err
}

// Decide approves or denies a permission request. Admin only.
func (s *BrokerSession) Decide(ctx context.Context, id string, approve bool) (domain.PermissionRequest, error) {
	action := "deny"
	if approve {
		action = "approve"
	}
	var req domain.PermissionRequest
	err := s.do(ctx, http.MethodPost, "/v1/permission/requests/"+url.PathEscape(id),
		broker.DecisionRequest{Action: action}, &req)
	return req, err
}

// do performs one request. Transport failures wrap ErrBrokerUnavailable;
// error responses are mapped back to domain errors.
func (s *BrokerSession) do(ctx context.Context, method, path string, in, out interface{}) error {
	if s.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, errSessionClosed)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, "http://broker"+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	rsp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	defer rsp.Body.Close()

	var env broker.Envelope
	if err := json.NewDecoder(rsp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%w: cannot decode response: %v", domain.ErrBrokerUnavailable, err)
	}

	if env.Type == broker.ResponseTypeError {
		var res broker.ErrorResult
		if err := json.Unmarshal(env.Result, &res); err != nil {
			return &BrokerError{StatusCode: rsp.StatusCode, Message: string(env.Result)}
		}
		return remoteError(rsp.StatusCode, res)
	}

	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("cannot decode %s result: %w", path, err)
		}
	}
	return nil
}

// remoteError maps a broker error result back to the error the same
// failure would produce in-process.
func remoteError(status int, res broker.ErrorResult) error {
	switch res.Kind {
	case broker.ErrorKindShapeNotFound:
		return fmt.Errorf("%w: %s", domain.ErrShapeNotFound, res.Message)
	case broker.ErrorKindOpNotFound:
		return fmt.Errorf("%w: %s", domain.ErrOpNotFound, res.Message)
	case broker.ErrorKindPermissionRequired, broker.ErrorKindAdminRequired:
		return &domain.InvocationError{Kind: domain.InvocationSecurity, Message: res.Message}
	case broker.ErrorKindInvocation:
		var value broker.InvocationValue
		if raw, err := json.Marshal(res.Value); err == nil {
			_ = json.Unmarshal(raw, &value)
		}
		kind := domain.InvocationOther
		if value.Security {
			kind = domain.InvocationSecurity
		}
		return &domain.InvocationError{Kind: kind, Class: value.Class, Message: res.Message}
	}
	return &BrokerError{StatusCode: status, Kind: res.Kind, Message: res.Message}
}

// BrokerBinding implements domain.ServiceBinding over a broker session.
type BrokerBinding struct {
	session *BrokerSession
}

// Path returns BROKER_IPC.
func (b *BrokerBinding) Path() domain.PrivilegePath {
	return domain.PathBrokerIPC
}

// Lookup asks the broker whether it exposes a call shape.
func (b *BrokerBinding) Lookup(ctx context.Context, method domain.Method, shape domain.CallShape) (domain.CallDescriptor, error) {
	var desc domain.CallDescriptor
	path := fmt.Sprintf("/v1/calls/%s/%s", url.PathEscape(string(method)), url.PathEscape(string(shape)))
	err := b.session.do(ctx, http.MethodGet, path, nil, &desc)
	return desc, err
}

// Invoke has the broker perform a resolved call.
func (b *BrokerBinding) Invoke(ctx context.Context, desc domain.CallDescriptor, args domain.CallArgs) error {
	return b.session.do(ctx, http.MethodPost, "/v1/calls", broker.InvokeRequest{Descriptor: desc, Args: args}, nil)
}

// OpCode resolves an operation through the broker.
func (b *BrokerBinding) OpCode(ctx context.Context, op string) (int, error) {
	var result struct {
		Code int `json:"code"`
	}
	if err := b.session.do(ctx, http.MethodGet, "/v1/appops/ops/"+url.PathEscape(op), nil, &result); err != nil {
		return -1, err
	}
	return result.Code, nil
}

// SetOpMode has the broker apply an op mode.
func (b *BrokerBinding) SetOpMode(ctx context.Context, req domain.OpModeRequest) error {
	return b.session.do(ctx, http.MethodPost, "/v1/appops/modes", req, nil)
}

// Ensure broker types implement domain interfaces.
var (
	_ domain.BrokerProbe    = (*BrokerSession)(nil)
	_ domain.ServiceBinding = (*BrokerBinding)(nil)
)
