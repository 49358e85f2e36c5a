package domain

import "context"

// CapabilitySpec is what a capability resolves to at the OS level.
type CapabilitySpec struct {
	Capability  Capability
	Operation   string   // primary app-ops operation string
	Permissions []string // never empty
}

// CapabilityCatalog maps capabilities to OS identifiers.
type CapabilityCatalog interface {
	// Resolve returns the operation and permission strings of a capability.
	// Unknown capabilities return ErrUnknownCapability.
	Resolve(c Capability) (CapabilitySpec, error)

	// All returns every spec in catalog order.
	All() []CapabilitySpec
}

// PackageRegistry answers read-only questions about installed packages
// and their grant state. Implementation: device shell (pm, dumpsys, appops).
type PackageRegistry interface {
	// IsInstalled reports whether a package is installed.
	IsInstalled(ctx context.Context, pkg string) (bool, error)

	// AppInfo resolves a package. Missing packages return ErrPackageNotFound.
	AppInfo(ctx context.Context, pkg string) (*TargetApp, error)

	// GrantSnapshot reads a package's requested and granted permissions in
	// one query. Missing packages return ErrPackageNotFound.
	GrantSnapshot(ctx context.Context, pkg string) (*GrantSnapshot, error)

	// CheckOp returns the op mode of an operation for a package.
	CheckOp(ctx context.Context, op string, uid int, pkg string) (OpMode, error)
}

// VersionSource resolves the running OS version at call time.
type VersionSource interface {
	// SDKLevel returns the platform API level.
	SDKLevel(ctx context.Context) (int, error)

	// Manufacturer returns the device manufacturer.
	Manufacturer(ctx context.Context) (string, error)
}

// ServiceBinding is the typed, versioned call surface of one privilege path.
// Implementations: local shell binding, broker binding.
type ServiceBinding interface {
	// Path returns the privilege path this binding serves.
	Path() PrivilegePath

	// Lookup resolves a call shape. Returns ErrShapeNotFound when the
	// running OS does not expose it.
	Lookup(ctx context.Context, method Method, shape CallShape) (CallDescriptor, error)

	// Invoke performs a resolved call. OS rejections are *InvocationError.
	Invoke(ctx context.Context, desc CallDescriptor, args CallArgs) error

	// OpCode resolves an operation string to its numeric code.
	// Returns ErrOpNotFound when the OS has no such operation.
	OpCode(ctx context.Context, op string) (int, error)

	// SetOpMode applies an op mode.
	SetOpMode(ctx context.Context, req OpModeRequest) error
}

// PermissionTask is a pending broker permission request.
type PermissionTask interface {
	// Wait blocks until the request is decided or cancelled.
	Wait() (bool, error)

	// Cancel drops interest in the request.
	Cancel()

	// Done is closed once the task has finished.
	Done() <-chan struct{}
}

// BrokerProbe reports broker liveness and delegated permission.
type BrokerProbe interface {
	// Ping checks the broker is reachable. Bounded by the client timeout.
	Ping(ctx context.Context) error

	// HasPermission reports whether this client holds the broker's
	// delegated permission.
	HasPermission(ctx context.Context) (bool, error)

	// RequestPermission asks the broker operator for delegated permission.
	RequestPermission(ctx context.Context) (PermissionTask, error)
}

// StateProber reads the grant state of a package.
type StateProber interface {
	// Probe never fails; it returns partial data instead.
	Probe(ctx context.Context, pkg string) GrantState

	// HasUsageAccess reports whether pkg may read usage stats.
	HasUsageAccess(ctx context.Context, pkg string) bool

	// DeviceInfo describes the running OS.
	DeviceInfo(ctx context.Context) DeviceInfo
}

// PathSelector picks the privilege path for a mutation.
type PathSelector interface {
	Select(ctx context.Context) PrivilegePath
	IsBrokerInstalled(ctx context.Context) bool
	IsBrokerLive(ctx context.Context) bool
	HasBrokerPermission(ctx context.Context) bool
	RequestBrokerPermission(ctx context.Context) bool
}

// Invoker performs one mutation over a privilege path.
type Invoker interface {
	// Invoke grants or revokes a single permission.
	Invoke(ctx context.Context, path PrivilegePath, target TargetApp, permission string, desired DesiredState) MutationOutcome

	// SetMode applies an op mode to a single operation.
	SetMode(ctx context.Context, path PrivilegePath, target TargetApp, op string, mode OpMode) MutationOutcome
}

// Orchestrator is the public mutation entry point.
type Orchestrator interface {
	SetCapability(ctx context.Context, pkg string, c Capability, desired DesiredState) MutationOutcome
	SetOperationMode(ctx context.Context, pkg string, c Capability, allow bool) MutationOutcome
}

// AuditStore persists mutation history.
type AuditStore interface {
	Record(ctx context.Context, rec AuditRecord) error
	Recent(ctx context.Context, limit int) ([]AuditRecord, error)
}

// GrantStore persists broker delegated-permission decisions per uid.
type GrantStore interface {
	IsGranted(uid uint32) (bool, error)
	SetGranted(uid uint32, granted bool) error
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByName returns PIDs of processes matching the pattern.
	FindByName(pattern string) ([]int, error)

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// BrokerRegistry records the running broker for discovery by the CLI.
// Implementation: JSON file next to the socket.
type BrokerRegistry interface {
	// Register records the running broker, replacing any previous entry.
	Register(entry BrokerEntry) error

	// UpdateHeartbeat refreshes the liveness timestamp.
	UpdateHeartbeat() error

	// Get returns the recorded broker, or nil when none is registered.
	Get() (*BrokerEntry, error)

	// IsAlive reports whether the recorded broker process is still running.
	IsAlive() (bool, error)

	// Clear removes the registry file.
	Clear() error

	// Path returns the registry file path.
	Path() string
}

// KeyProvider abstracts the source of encryption keys.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}

// ArgumentValidator checks identifiers crossing the core boundary.
type ArgumentValidator interface {
	// ValidatePackage checks a package identifier is well formed.
	ValidatePackage(pkg string) error

	// ValidateStruct checks a request struct against its validate tags.
	ValidateStruct(v interface{}) error
}
