package broker

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

const (
	adminUID  = uint32(2000)
	clientUID = uint32(10234)
)

// fakeBinding is a test double for domain.ServiceBinding
type fakeBinding struct {
	mu        sync.Mutex
	shapes    map[domain.CallShape]bool
	invokeErr error
	opCodes   map[string]int
	setErr    error
	invoked   []domain.CallArgs
	modes     []domain.OpModeRequest
}

func newFakeBinding() *fakeBinding {
	return &fakeBinding{
		shapes:  map[domain.CallShape]bool{domain.ShapeLegacy: true},
		opCodes: map[string]int{domain.OpCamera: 26},
	}
}

func (f *fakeBinding) Path() domain.PrivilegePath { return domain.PathLocalReflective }

func (f *fakeBinding) Lookup(_ context.Context, method domain.Method, shape domain.CallShape) (domain.CallDescriptor, error) {
	if !f.shapes[shape] {
		return domain.CallDescriptor{}, domain.ErrShapeNotFound
	}
	return domain.CallDescriptor{Method: method, Shape: shape, MinSDK: 23}, nil
}

func (f *fakeBinding) Invoke(_ context.Context, _ domain.CallDescriptor, args domain.CallArgs) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.invokeErr != nil {
		return f.invokeErr
	}
	f.invoked = append(f.invoked, args)
	return nil
}

func (f *fakeBinding) OpCode(_ context.Context, op string) (int, error) {
	code, ok := f.opCodes[op]
	if !ok {
		return -1, domain.ErrOpNotFound
	}
	return code, nil
}

func (f *fakeBinding) SetOpMode(_ context.Context, req domain.OpModeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.modes = append(f.modes, req)
	return nil
}

// memGrants is an in-memory domain.GrantStore
type memGrants struct {
	mu      sync.Mutex
	granted map[uint32]bool
	err     error
}

func newMemGrants() *memGrants {
	return &memGrants{granted: make(map[uint32]bool)}
}

func (m *memGrants) IsGranted(uid uint32) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.granted[uid], m.err
}

func (m *memGrants) SetGranted(uid uint32, granted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.granted[uid] = granted
	return nil
}

// stubValidator rejects empty and space-containing packages.
type stubValidator struct{}

func (stubValidator) ValidatePackage(pkg string) error {
	if pkg == "" || strings.ContainsAny(pkg, " ;") {
		return errors.New("invalid package")
	}
	return nil
}

func (v stubValidator) ValidateStruct(s interface{}) error {
	switch s := s.(type) {
	case domain.CallArgs:
		return v.ValidatePackage(s.Package)
	case domain.OpModeRequest:
		if s.Mode < 0 || s.Mode > domain.OpModeForeground {
			return errors.New("invalid mode")
		}
		return v.ValidatePackage(s.Package)
	}
	return nil
}

// switchablePeer lets a test change who is calling between requests.
type switchablePeer struct {
	mu  sync.Mutex
	p   peer
	err error
}

func (s *switchablePeer) set(uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.p = peer{pid: 4321, uid: uid}
	s.err = nil
}

func (s *switchablePeer) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = errors.New("no credentials")
}

func (s *switchablePeer) resolve(net.Conn) (peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p, s.err
}

type testEnv struct {
	server  *Server
	binding *fakeBinding
	grants  *memGrants
	peer    *switchablePeer
	client  *http.Client
}

func newTestEnv(t *testing.T, config Config) *testEnv {
	t.Helper()

	dir, err := os.MkdirTemp("", "pgb")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	config.SocketPath = filepath.Join(dir, "b.sock")
	if config.Version == "" {
		config.Version = "test"
	}
	config.AdminUIDs = []uint32{adminUID}

	env := &testEnv{
		binding: newFakeBinding(),
		grants:  newMemGrants(),
		peer:    &switchablePeer{},
	}
	env.peer.set(clientUID)

	env.server = New(config, env.binding, env.grants, stubValidator{}, zap.NewNop())
	env.server.resolve = env.peer.resolve
	require.NoError(t, env.server.Listen())
	env.server.Start()
	t.Cleanup(func() { env.server.Stop() })

	env.client = &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", config.SocketPath)
		},
		DisableKeepAlives: true,
	}}
	return env
}

type testResponse struct {
	status   int
	location string
	envelope Envelope
}

func (r testResponse) errorResult(t *testing.T) ErrorResult {
	t.Helper()
	require.Equal(t, ResponseTypeError, r.envelope.Type)
	var res ErrorResult
	require.NoError(t, json.Unmarshal(r.envelope.Result, &res))
	return res
}

func (r testResponse) decode(t *testing.T, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.envelope.Result, v))
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) testResponse {
	t.Helper()

	var reader *strings.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(data))
	} else {
		reader = strings.NewReader("")
	}

	req, err := http.NewRequest(method, "http://broker"+path, reader)
	require.NoError(t, err)
	rsp, err := e.client.Do(req)
	require.NoError(t, err)
	defer rsp.Body.Close()

	var env Envelope
	require.NoError(t, json.NewDecoder(rsp.Body).Decode(&env))
	require.Equal(t, rsp.StatusCode, env.StatusCode)
	return testResponse{status: rsp.StatusCode, location: rsp.Header.Get("Location"), envelope: env}
}
