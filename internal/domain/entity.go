// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import (
	"encoding/json"
	"time"
)

// Capability is a human-facing sensitive-data category.
type Capability string

const (
	CapLocation    Capability = "LOCATION"
	CapCamera      Capability = "CAMERA"
	CapMicrophone  Capability = "MICROPHONE"
	CapContacts    Capability = "CONTACTS"
	CapPhone       Capability = "PHONE"
	CapSMS         Capability = "SMS"
	CapStorage     Capability = "STORAGE"
	CapUsageAccess Capability = "USAGE_ACCESS"
)

// Capabilities lists the fixed catalog in display order.
var Capabilities = []Capability{
	CapLocation,
	CapCamera,
	CapMicrophone,
	CapContacts,
	CapPhone,
	CapSMS,
	CapStorage,
	CapUsageAccess,
}

// OS permission strings referenced by the core.
const (
	PermFineLocation       = "android.permission.ACCESS_FINE_LOCATION"
	PermCoarseLocation     = "android.permission.ACCESS_COARSE_LOCATION"
	PermBackgroundLocation = "android.permission.ACCESS_BACKGROUND_LOCATION"
	PermCamera             = "android.permission.CAMERA"
	PermRecordAudio        = "android.permission.RECORD_AUDIO"
	PermReadContacts       = "android.permission.READ_CONTACTS"
	PermReadPhoneState     = "android.permission.READ_PHONE_STATE"
	PermReadSMS            = "android.permission.READ_SMS"
	PermReadStorage        = "android.permission.READ_EXTERNAL_STORAGE"
	PermPackageUsageStats  = "android.permission.PACKAGE_USAGE_STATS"
)

// OS operation strings (app-ops) referenced by the core.
const (
	OpFineLocation  = "android:fine_location"
	OpCamera        = "android:camera"
	OpRecordAudio   = "android:record_audio"
	OpReadContacts  = "android:read_contacts"
	OpReadPhone     = "android:read_phone_state"
	OpReadSMS       = "android:read_sms"
	OpReadStorage   = "android:read_external_storage"
	OpGetUsageStats = "android:get_usage_stats"
)

// SDK levels the core branches on.
const (
	SDKKitKat     = 19 // app-ops available
	SDKQ          = 29 // background location split out
	SDKUpsideDown = 34 // device-aware permission shapes may exist
)

// TargetApp is a request-scoped snapshot of an installed package.
type TargetApp struct {
	PackageID string `json:"package"`
	Label     string `json:"label"`
	System    bool   `json:"system"`
	OwnerID   int    `json:"owner_id"` // OS user the mutation calls act for
	UID       int    `json:"uid"`      // kernel uid, used for op-mode queries
}

// GrantSnapshot is one read of a package's declared and granted permissions.
type GrantSnapshot struct {
	App       TargetApp
	Requested []string
	Granted   map[string]bool
}

// IsGranted reports whether permission was granted when the snapshot was taken.
func (s *GrantSnapshot) IsGranted(permission string) bool {
	return s != nil && s.Granted[permission]
}

// OpMode is the app-ops mode of an operation for a package.
// Values mirror the platform constants.
type OpMode int

const (
	OpModeAllowed    OpMode = 0
	OpModeIgnored    OpMode = 1
	OpModeErrored    OpMode = 2
	OpModeDefault    OpMode = 3
	OpModeForeground OpMode = 4
)

func (m OpMode) String() string {
	switch m {
	case OpModeAllowed:
		return "allow"
	case OpModeIgnored:
		return "ignore"
	case OpModeErrored:
		return "deny"
	case OpModeDefault:
		return "default"
	case OpModeForeground:
		return "foreground"
	default:
		return "unknown"
	}
}

// Blocked reports whether the mode means the capability is silently denied
// or its state could not be determined.
func (m OpMode) Blocked() bool {
	return m == OpModeIgnored || m == OpModeErrored
}

// GrantState is a read snapshot of a package's grants.
// The any-location flag is derived, never stored.
type GrantState struct {
	Requested             []string
	HasFineLocation       bool
	HasCoarseLocation     bool
	HasBackgroundLocation bool
	HasCamera             bool
	HasMicrophone         bool
	HasContacts           bool
	HasPhone              bool
	HasSMS                bool
	HasStorage            bool
	HasUsageAccess        bool
	Mode                  OpMode
}

// HasAnyLocation is the logical OR of fine and coarse location.
func (g GrantState) HasAnyLocation() bool {
	return g.HasFineLocation || g.HasCoarseLocation
}

// Has reports the permission-check result for a capability.
func (g GrantState) Has(c Capability) bool {
	switch c {
	case CapLocation:
		return g.HasAnyLocation()
	case CapCamera:
		return g.HasCamera
	case CapMicrophone:
		return g.HasMicrophone
	case CapContacts:
		return g.HasContacts
	case CapPhone:
		return g.HasPhone
	case CapSMS:
		return g.HasSMS
	case CapStorage:
		return g.HasStorage
	case CapUsageAccess:
		return g.HasUsageAccess
	}
	return false
}

type grantStateJSON struct {
	Requested             []string `json:"requested_permissions"`
	HasFineLocation       bool     `json:"has_fine_location"`
	HasCoarseLocation     bool     `json:"has_coarse_location"`
	HasBackgroundLocation bool     `json:"has_background_location"`
	HasAnyLocation        bool     `json:"has_any_location"`
	HasCamera             bool     `json:"has_camera"`
	HasMicrophone         bool     `json:"has_microphone"`
	HasContacts           bool     `json:"has_contacts"`
	HasPhone              bool     `json:"has_phone"`
	HasSMS                bool     `json:"has_sms"`
	HasStorage            bool     `json:"has_storage"`
	HasUsageAccess        bool     `json:"has_usage_access"`
	Mode                  int      `json:"app_ops_mode"`
	ModeName              string   `json:"app_ops_mode_name"`
}

// MarshalJSON emits the derived any-location flag alongside the stored fields.
func (g GrantState) MarshalJSON() ([]byte, error) {
	requested := g.Requested
	if requested == nil {
		requested = []string{}
	}
	return json.Marshal(grantStateJSON{
		Requested:             requested,
		HasFineLocation:       g.HasFineLocation,
		HasCoarseLocation:     g.HasCoarseLocation,
		HasBackgroundLocation: g.HasBackgroundLocation,
		HasAnyLocation:        g.HasAnyLocation(),
		HasCamera:             g.HasCamera,
		HasMicrophone:         g.HasMicrophone,
		HasContacts:           g.HasContacts,
		HasPhone:              g.HasPhone,
		HasSMS:                g.HasSMS,
		HasStorage:            g.HasStorage,
		HasUsageAccess:        g.HasUsageAccess,
		Mode:                  int(g.Mode),
		ModeName:              g.Mode.String(),
	})
}

// PrivilegePath identifies the mutation strategy chosen for a call.
type PrivilegePath string

const (
	PathNone            PrivilegePath = ""
	PathBrokerIPC       PrivilegePath = "BROKER_IPC"
	PathLocalReflective PrivilegePath = "LOCAL_REFLECTIVE"
)

// DesiredState is the target state of a permission mutation.
type DesiredState string

const (
	StateGrant  DesiredState = "grant"
	StateRevoke DesiredState = "revoke"
)

// FailureReason categorizes a failed mutation.
type FailureReason string

const (
	ReasonBrokerUnavailable    FailureReason = "BROKER_UNAVAILABLE"
	ReasonPermissionDenied     FailureReason = "PERMISSION_DENIED"
	ReasonUnsupportedOnVersion FailureReason = "UNSUPPORTED_ON_VERSION"
	ReasonInvalidArgument      FailureReason = "INVALID_ARGUMENT"
	ReasonUnknown              FailureReason = "UNKNOWN"
)

// PermissionResult is the outcome of mutating one constituent permission.
type PermissionResult struct {
	Permission string        `json:"permission"`
	Success    bool          `json:"success"`
	Reason     FailureReason `json:"reason,omitempty"`
	Detail     string        `json:"detail,omitempty"`
}

// MutationOutcome is the single result returned across the core boundary.
// Build it with Succeeded or Failed so success never carries a reason.
type MutationOutcome struct {
	Success bool               `json:"success"`
	Reason  FailureReason      `json:"reason,omitempty"`
	Detail  string             `json:"detail,omitempty"`
	Path    PrivilegePath      `json:"path,omitempty"`
	Results []PermissionResult `json:"results,omitempty"`
}

// Succeeded returns a successful outcome.
func Succeeded(path PrivilegePath) MutationOutcome {
	return MutationOutcome{Success: true, Path: path}
}

// Failed returns a failed outcome with the given reason.
func Failed(reason FailureReason, detail string) MutationOutcome {
	return MutationOutcome{Reason: reason, Detail: detail}
}

// Method is a privileged package-service call.
type Method string

const (
	MethodGrantRuntimePermission  Method = "grantRuntimePermission"
	MethodRevokeRuntimePermission Method = "revokeRuntimePermission"
)

// MethodFor returns the package-service method for a desired state.
func MethodFor(desired DesiredState) Method {
	if desired == StateGrant {
		return MethodGrantRuntimePermission
	}
	return MethodRevokeRuntimePermission
}

// CallShape is the argument list a method takes on a given OS version.
type CallShape string

const (
	// ShapeLegacy is (package, permission, ownerId).
	ShapeLegacy CallShape = "legacy"
	// ShapeDeviceAware is (package, permission, ownerId, deviceId).
	ShapeDeviceAware CallShape = "device-aware"
)

// Arity returns the number of arguments the shape takes.
func (s CallShape) Arity() int {
	if s == ShapeDeviceAware {
		return 4
	}
	return 3
}

// CallDescriptor is a typed, versioned call signature exposed by a binding.
type CallDescriptor struct {
	Method Method    `json:"method"`
	Shape  CallShape `json:"shape"`
	MinSDK int       `json:"min_sdk"`
}

// CallArgs carries the arguments of a package-service call.
type CallArgs struct {
	Package    string `json:"package" validate:"required,android_package"`
	Permission string `json:"permission" validate:"required,android_permission"`
	OwnerID    int    `json:"owner_id" validate:"gte=0"`
	DeviceID   int    `json:"device_id" validate:"gte=0"`
}

// OpModeRequest carries an op-mode mutation.
type OpModeRequest struct {
	Code    int    `json:"code" validate:"gte=0"`
	OwnerID int    `json:"owner_id" validate:"gte=0"`
	Package string `json:"package" validate:"required,android_package"`
	Mode    OpMode `json:"mode" validate:"gte=0,lte=4"`
}

// DeviceInfo describes the running OS (best effort).
type DeviceInfo struct {
	SDKLevel          int    `json:"android_version"`
	Manufacturer      string `json:"manufacturer"`
	AppOpsAvailable   bool   `json:"app_ops_available"`
	DeviceAdminActive bool   `json:"device_admin_active"`
}

// AuditRecord is one orchestrated mutation, persisted for history.
type AuditRecord struct {
	ID         int64
	PackageID  string
	Capability Capability
	Action     string
	Path       PrivilegePath
	Success    bool
	Reason     FailureReason
	Detail     string
	CreatedAt  time.Time
}

// BrokerEntry stores the running broker daemon state for discovery.
// Persisted to a file next to the broker socket.
type BrokerEntry struct {
	Version       int    `json:"version"`
	PID           int    `json:"pid"`
	UID           int    `json:"uid"`
	SocketPath    string `json:"socket_path"`
	StartedAt     int64  `json:"started_at"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	AppVersion    string `json:"app_version,omitempty"`
}

// PermissionRequest is a pending or decided broker permission request.
type PermissionRequest struct {
	ID        string    `json:"id"`
	UID       uint32    `json:"uid"`
	PID       int32     `json:"pid"`
	CreatedAt time.Time `json:"created_at"`
	Decided   bool      `json:"decided"`
	Granted   bool      `json:"granted"`
}
