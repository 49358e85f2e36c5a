// Package catalog maps human-facing capabilities to the OS permission and
// operation identifiers needed to query or mutate them.
package catalog

import (
	"fmt"
	"strings"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

// defaultSpecs is the fixed catalog. Order matters: it is the order in
// which constituent permissions are mutated and reported.
var defaultSpecs = []domain.CapabilitySpec{
	{
		Capability: domain.CapLocation,
		Operation:  domain.OpFineLocation,
		Permissions: []string{
			domain.PermFineLocation,
			domain.PermCoarseLocation,
			domain.PermBackgroundLocation,
		},
	},
	{
		Capability:  domain.CapCamera,
		Operation:   domain.OpCamera,
		Permissions: []string{domain.PermCamera},
	},
	{
		Capability:  domain.CapMicrophone,
		Operation:   domain.OpRecordAudio,
		Permissions: []string{domain.PermRecordAudio},
	},
	{
		Capability:  domain.CapContacts,
		Operation:   domain.OpReadContacts,
		Permissions: []string{domain.PermReadContacts},
	},
	{
		Capability:  domain.CapPhone,
		Operation:   domain.OpReadPhone,
		Permissions: []string{domain.PermReadPhoneState},
	},
	{
		Capability:  domain.CapSMS,
		Operation:   domain.OpReadSMS,
		Permissions: []string{domain.PermReadSMS},
	},
	{
		Capability:  domain.CapStorage,
		Operation:   domain.OpReadStorage,
		Permissions: []string{domain.PermReadStorage},
	},
	{
		Capability:  domain.CapUsageAccess,
		Operation:   domain.OpGetUsageStats,
		Permissions: []string{domain.PermPackageUsageStats},
	},
}

// Registry holds capability specs.
// This is the in-memory catalog; it never changes after construction.
type Registry struct {
	specs map[domain.Capability]domain.CapabilitySpec
	order []domain.Capability
}

// NewRegistry creates a registry with the default catalog.
func NewRegistry() *Registry {
	r := &Registry{
		specs: make(map[domain.Capability]domain.CapabilitySpec),
	}
	for _, s := range defaultSpecs {
		r.Register(s)
	}
	return r
}

// NewRegistryWithSpecs creates a registry with custom specs (for testing).
func NewRegistryWithSpecs(specs ...domain.CapabilitySpec) *Registry {
	r := &Registry{
		specs: make(map[domain.Capability]domain.CapabilitySpec),
	}
	for _, s := range specs {
		r.Register(s)
	}
	return r
}

// Register adds a spec. Specs without permissions are ignored to keep the
// non-empty invariant.
func (r *Registry) Register(s domain.CapabilitySpec) {
	if len(s.Permissions) == 0 || s.Operation == "" {
		return
	}
	if _, exists := r.specs[s.Capability]; !exists {
		r.order = append(r.order, s.Capability)
	}
	r.specs[s.Capability] = s
}

// Resolve returns the spec for a capability.
func (r *Registry) Resolve(c domain.Capability) (domain.CapabilitySpec, error) {
	s, ok := r.specs[c]
	if !ok {
		return domain.CapabilitySpec{}, fmt.Errorf("%w: %q", domain.ErrUnknownCapability, c)
	}
	// Hand out a copy so callers cannot mutate the catalog.
	perms := make([]string, len(s.Permissions))
	copy(perms, s.Permissions)
	s.Permissions = perms
	return s, nil
}

// All returns every spec in catalog order.
func (r *Registry) All() []domain.CapabilitySpec {
	result := make([]domain.CapabilitySpec, 0, len(r.order))
	for _, c := range r.order {
		s, _ := r.Resolve(c)
		result = append(result, s)
	}
	return result
}

// Parse converts user input such as "camera" or "usage-access" into a
// capability.
func Parse(s string) (domain.Capability, error) {
	normalized := strings.ReplaceAll(strings.TrimSpace(s), "-", "_")
	for _, c := range domain.Capabilities {
		if strings.EqualFold(string(c), normalized) {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", domain.ErrUnknownCapability, s)
}

// Ensure Registry implements domain.CapabilityCatalog.
var _ domain.CapabilityCatalog = (*Registry)(nil)
