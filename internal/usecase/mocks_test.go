package usecase

import (
	"context"
	"strings"
	"sync"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

// mockRegistry implements domain.PackageRegistry for testing
type mockRegistry struct {
	apps        map[string]*domain.TargetApp
	appErr      error
	installed   map[string]bool
	installErr  error
	requested   map[string][]string
	granted     map[string]bool // "pkg|permission"
	snapshotErr error
	opModes     map[string]domain.OpMode // "pkg|op"
	opErr       error
	snapshots   int
}

func (m *mockRegistry) IsInstalled(_ context.Context, pkg string) (bool, error) {
	if m.installErr != nil {
		return false, m.installErr
	}
	return m.installed[pkg], nil
}

func (m *mockRegistry) AppInfo(_ context.Context, pkg string) (*domain.TargetApp, error) {
	if m.appErr != nil {
		return nil, m.appErr
	}
	app, ok := m.apps[pkg]
	if !ok {
		return nil, domain.ErrPackageNotFound
	}
	copied := *app
	return &copied, nil
}

func (m *mockRegistry) GrantSnapshot(_ context.Context, pkg string) (*domain.GrantSnapshot, error) {
	m.snapshots++
	if m.snapshotErr != nil {
		return nil, m.snapshotErr
	}
	app, ok := m.apps[pkg]
	if !ok {
		return nil, domain.ErrPackageNotFound
	}
	granted := make(map[string]bool)
	for key, set := range m.granted {
		if p, permission, _ := strings.Cut(key, "|"); p == pkg && set {
			granted[permission] = true
		}
	}
	return &domain.GrantSnapshot{App: *app, Requested: m.requested[pkg], Granted: granted}, nil
}

func (m *mockRegistry) CheckOp(_ context.Context, op string, _ int, pkg string) (domain.OpMode, error) {
	if m.opErr != nil {
		return domain.OpModeAllowed, m.opErr
	}
	mode, ok := m.opModes[pkg+"|"+op]
	if !ok {
		return domain.OpModeDefault, nil
	}
	return mode, nil
}

// mockVersion implements domain.VersionSource for testing
type mockVersion struct {
	sdk          int
	sdkErr       error
	manufacturer string
}

func (m *mockVersion) SDKLevel(context.Context) (int, error) {
	return m.sdk, m.sdkErr
}

func (m *mockVersion) Manufacturer(context.Context) (string, error) {
	return m.manufacturer, nil
}

// mockTask implements domain.PermissionTask for testing
type mockTask struct {
	done      chan struct{}
	granted   bool
	err       error
	cancelled bool
	once      sync.Once
}

func newMockTask() *mockTask {
	return &mockTask{done: make(chan struct{})}
}

func (t *mockTask) resolve(granted bool) {
	t.granted = granted
	t.once.Do(func() { close(t.done) })
}

func (t *mockTask) Wait() (bool, error) {
	<-t.done
	return t.granted, t.err
}

func (t *mockTask) Cancel() {
	t.cancelled = true
}

func (t *mockTask) Done() <-chan struct{} {
	return t.done
}

// mockBroker implements domain.BrokerProbe for testing
type mockBroker struct {
	pingErr    error
	permitted  bool
	permErr    error
	task       *mockTask
	requestErr error
	pings      int
}

func (m *mockBroker) Ping(context.Context) error {
	m.pings++
	return m.pingErr
}

func (m *mockBroker) HasPermission(context.Context) (bool, error) {
	return m.permitted, m.permErr
}

func (m *mockBroker) RequestPermission(context.Context) (domain.PermissionTask, error) {
	if m.requestErr != nil {
		return nil, m.requestErr
	}
	return m.task, nil
}

// bindingCall records one call made against mockBinding.
type bindingCall struct {
	op    string // "lookup" or "invoke"
	shape domain.CallShape
}

// mockBinding implements domain.ServiceBinding for testing
type mockBinding struct {
	path      domain.PrivilegePath
	shapes    map[domain.CallShape]bool
	lookupErr error
	invokeErr map[string]error // keyed by permission
	opCodes   map[string]int
	opCodeErr error
	setErr    error
	calls     []bindingCall
	invoked   []domain.CallArgs
	modes     []domain.OpModeRequest
}

func (m *mockBinding) Path() domain.PrivilegePath {
	return m.path
}

func (m *mockBinding) Lookup(_ context.Context, method domain.Method, shape domain.CallShape) (domain.CallDescriptor, error) {
	m.calls = append(m.calls, bindingCall{op: "lookup", shape: shape})
	if m.lookupErr != nil {
		return domain.CallDescriptor{}, m.lookupErr
	}
	if !m.shapes[shape] {
		return domain.CallDescriptor{}, domain.ErrShapeNotFound
	}
	return domain.CallDescriptor{Method: method, Shape: shape}, nil
}

func (m *mockBinding) Invoke(_ context.Context, desc domain.CallDescriptor, args domain.CallArgs) error {
	m.calls = append(m.calls, bindingCall{op: "invoke", shape: desc.Shape})
	m.invoked = append(m.invoked, args)
	return m.invokeErr[args.Permission]
}

func (m *mockBinding) OpCode(_ context.Context, op string) (int, error) {
	if m.opCodeErr != nil {
		return 0, m.opCodeErr
	}
	code, ok := m.opCodes[op]
	if !ok {
		return -1, nil
	}
	return code, nil
}

func (m *mockBinding) SetOpMode(_ context.Context, req domain.OpModeRequest) error {
	m.modes = append(m.modes, req)
	return m.setErr
}

// mockAuditStore implements domain.AuditStore for testing
type mockAuditStore struct {
	records []domain.AuditRecord
	err     error
}

func (m *mockAuditStore) Record(_ context.Context, rec domain.AuditRecord) error {
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *mockAuditStore) Recent(_ context.Context, limit int) ([]domain.AuditRecord, error) {
	if limit > len(m.records) {
		limit = len(m.records)
	}
	return m.records[:limit], nil
}

// staticSelector implements domain.PathSelector for testing
type staticSelector struct {
	path domain.PrivilegePath
}

func (s staticSelector) Select(context.Context) domain.PrivilegePath { return s.path }
func (s staticSelector) IsBrokerInstalled(context.Context) bool { return false }
func (s staticSelector) IsBrokerLive(context.Context) bool { return false }
func (s staticSelector) HasBrokerPermission(context.Context) bool { return false }
func (s staticSelector) RequestBrokerPermission(context.Context) bool { return false }

// mockBrokerRegistry implements domain.BrokerRegistry for testing
type mockBrokerRegistry struct {
	entry  *domain.BrokerEntry
	getErr error
}

func (m *mockBrokerRegistry) Register(entry domain.BrokerEntry) error { m.entry = &entry; return nil }
func (m *mockBrokerRegistry) UpdateHeartbeat() error                  { return nil }
func (m *mockBrokerRegistry) Get() (*domain.BrokerEntry, error)       { return m.entry, m.getErr }
func (m *mockBrokerRegistry) IsAlive() (bool, error)                  { return m.entry != nil, m.getErr }
func (m *mockBrokerRegistry) Clear() error                            { m.entry = nil; return nil }
func (m *mockBrokerRegistry) Path() string                            { return "/data/local/tmp/permguard/broker.json" }
