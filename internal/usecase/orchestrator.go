package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

// OrchestratorImpl implements domain.Orchestrator.
type OrchestratorImpl struct {
	catalog        domain.CapabilityCatalog
	selector       domain.PathSelector
	invoker        domain.Invoker
	registry       domain.PackageRegistry
	validator      domain.ArgumentValidator
	auditStore     domain.AuditStore
	defaultOwnerID int
	logger         *zap.Logger
}

// NewOrchestrator creates a new mutation orchestrator.
func NewOrchestrator(
	cat domain.CapabilityCatalog,
	sel domain.PathSelector,
	inv domain.Invoker,
	reg domain.PackageRegistry,
	logger *zap.Logger,
) *OrchestratorImpl {
	return &OrchestratorImpl{
		catalog:  cat,
		selector: sel,
		invoker:  inv,
		registry: reg,
		logger:   logger,
	}
}

// WithValidator sets the argument validator.
func (o *OrchestratorImpl) WithValidator(v domain.ArgumentValidator) *OrchestratorImpl {
	o.validator = v
	return o
}

// WithAuditStore records every mutation outcome to store.
func (o *OrchestratorImpl) WithAuditStore(store domain.AuditStore) *OrchestratorImpl {
	o.auditStore = store
	return o
}

// WithDefaultOwner sets the owner id used when the target cannot be resolved.
func (o *OrchestratorImpl) WithDefaultOwner(ownerID int) *OrchestratorImpl {
	o.defaultOwnerID = ownerID
	return o
}

// SetCapability grants or revokes every permission of a capability.
// Success means at least one constituent permission was mutated.
func (o *OrchestratorImpl) SetCapability(
	ctx context.Context,
	pkg string,
	c domain.Capability,
	desired domain.DesiredState,
) domain.MutationOutcome {
	outcome := o.setCapability(ctx, pkg, c, desired)
	o.record(ctx, pkg, c, string(desired), outcome)
	return outcome
}

func (o *OrchestratorImpl) setCapability(
	ctx context.Context,
	pkg string,
	c domain.Capability,
	desired domain.DesiredState,
) domain.MutationOutcome {
	spec, failure := o.prepare(pkg, c)
	if failure != nil {
		return *failure
	}
	if desired != domain.StateGrant && desired != domain.StateRevoke {
		return domain.Failed(domain.ReasonInvalidArgument, fmt.Sprintf("unknown desired state %q", desired))
	}

	path := o.selector.Select(ctx)
	if path == domain.PathNone {
		return domain.Failed(domain.ReasonBrokerUnavailable, "no privilege path available")
	}

	target, failure := o.resolveTarget(ctx, pkg)
	if failure != nil {
		return *failure
	}

	results := make([]domain.PermissionResult, 0, len(spec.Permissions))
	for _, permission := range spec.Permissions {
		r := o.invoker.Invoke(ctx, path, target, permission, desired)
		results = append(results, domain.PermissionResult{
			Permission: permission,
			Success:    r.Success,
			Reason:     r.Reason,
			Detail:     r.Detail,
		})
	}

	outcome := aggregate(results)
	outcome.Path = path

	o.logger.Info("capability mutation finished",
		zap.String("package", pkg),
		zap.String("capability", string(c)),
		zap.String("action", string(desired)),
		zap.String("path", string(path)),
		zap.Bool("success", outcome.Success),
		zap.String("reason", string(outcome.Reason)))
	return outcome
}

// SetOperationMode allows or ignores the primary operation of a capability.
func (o *OrchestratorImpl) SetOperationMode(
	ctx context.Context,
	pkg string,
	c domain.Capability,
	allow bool,
) domain.MutationOutcome {
	mode := domain.OpModeIgnored
	if allow {
		mode = domain.OpModeAllowed
	}
	outcome := o.setOperationMode(ctx, pkg, c, mode)
	o.record(ctx, pkg, c, "mode:"+mode.String(), outcome)
	return outcome
}

func (o *OrchestratorImpl) setOperationMode(
	ctx context.Context,
	pkg string,
	c domain.Capability,
	mode domain.OpMode,
) domain.MutationOutcome {
	spec, failure := o.prepare(pkg, c)
	if failure != nil {
		return *failure
	}

	path := o.selector.Select(ctx)
	if path == domain.PathNone {
		return domain.Failed(domain.ReasonBrokerUnavailable, "no privilege path available")
	}

	target, failure := o.resolveTarget(ctx, pkg)
	if failure != nil {
		return *failure
	}

	outcome := o.invoker.SetMode(ctx, path, target, spec.Operation, mode)
	outcome.Path = path
	return outcome
}

// prepare validates the request and resolves the capability.
func (o *OrchestratorImpl) prepare(pkg string, c domain.Capability) (domain.CapabilitySpec, *domain.MutationOutcome) {
	if strings.TrimSpace(pkg) == "" {
		f := domain.Failed(domain.ReasonInvalidArgument, "package id is required")
		return domain.CapabilitySpec{}, &f
	}
	if o.validator != nil {
		if err := o.validator.ValidatePackage(pkg); err != nil {
			f := domain.Failed(domain.ReasonInvalidArgument, err.Error())
			return domain.CapabilitySpec{}, &f
		}
	}
	spec, err := o.catalog.Resolve(c)
	if err != nil {
		f := domain.Failed(domain.ReasonInvalidArgument, err.Error())
		return domain.CapabilitySpec{}, &f
	}
	return spec, nil
}

// resolveTarget looks the package up. A missing package is a caller error;
// a failed lookup falls back to the default owner so the mutation is still
// attempted.
func (o *OrchestratorImpl) resolveTarget(ctx context.Context, pkg string) (domain.TargetApp, *domain.MutationOutcome) {
	app, err := o.registry.AppInfo(ctx, pkg)
	if err == nil {
		return *app, nil
	}
	if errors.Is(err, domain.ErrPackageNotFound) {
		f := domain.Failed(domain.ReasonInvalidArgument, fmt.Sprintf("package %s is not installed", pkg))
		return domain.TargetApp{}, &f
	}
	o.logger.Warn("target lookup failed, using default owner",
		zap.String("package", pkg),
		zap.Int("owner_id", o.defaultOwnerID),
		zap.Error(err))
	return domain.TargetApp{PackageID: pkg, OwnerID: o.defaultOwnerID}, nil
}

// aggregate applies the any-succeeded policy. With no success, the outcome
// carries the first constituent's reason; the detail lists every one.
func aggregate(results []domain.PermissionResult) domain.MutationOutcome {
	var failed []domain.PermissionResult
	for _, r := range results {
		if r.Success {
			outcome := domain.Succeeded(domain.PathNone)
			outcome.Results = results
			return outcome
		}
		failed = append(failed, r)
	}

	if len(failed) == 0 {
		return domain.Failed(domain.ReasonInvalidArgument, "capability has no permissions")
	}

	reason := failed[0].Reason
	details := make([]string, 0, len(failed))
	for _, r := range failed {
		details = append(details, fmt.Sprintf("%s: %s", r.Permission, r.Reason))
	}
	outcome := domain.Failed(reason, strings.Join(details, "; "))
	outcome.Results = results
	return outcome
}

// record persists the outcome. Failures are logged, never surfaced.
func (o *OrchestratorImpl) record(ctx context.Context, pkg string, c domain.Capability, action string, outcome domain.MutationOutcome) {
	if o.auditStore == nil {
		return
	}
	err := o.auditStore.Record(ctx, domain.AuditRecord{
		PackageID:  pkg,
		Capability: c,
		Action:     action,
		Path:       outcome.Path,
		Success:    outcome.Success,
		Reason:     outcome.Reason,
		Detail:     outcome.Detail,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		o.logger.Warn("failed to record audit entry",
			zap.String("package", pkg),
			zap.Error(err))
	}
}

// Ensure OrchestratorImpl implements domain.Orchestrator.
var _ domain.Orchestrator = (*OrchestratorImpl)(nil)
