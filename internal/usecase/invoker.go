package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

// DeviceAwareThreshold is the SDK level from which the device-aware call
// shape is attempted before the legacy one.
const DeviceAwareThreshold = domain.SDKUpsideDown

// DefaultDeviceID is the platform's default device id.
const DefaultDeviceID = 0

// InvokerImpl implements domain.Invoker.
type InvokerImpl struct {
	bindings map[domain.PrivilegePath]domain.ServiceBinding
	version  domain.VersionSource
	deviceID int
	logger   *zap.Logger
}

// NewInvoker creates a version-adaptive invoker over the given bindings.
func NewInvoker(version domain.VersionSource, logger *zap.Logger, bindings ...domain.ServiceBinding) *InvokerImpl {
	m := make(map[domain.PrivilegePath]domain.ServiceBinding, len(bindings))
	for _, b := range bindings {
		if b != nil {
			m[b.Path()] = b
		}
	}
	return &InvokerImpl{
		bindings: m,
		version:  version,
		deviceID: DefaultDeviceID,
		logger:   logger,
	}
}

// WithDeviceID sets the device id passed to device-aware call shapes.
func (i *InvokerImpl) WithDeviceID(id int) *InvokerImpl {
	i.deviceID = id
	return i
}

// CandidateShapes returns the call shapes to try for an SDK level, newest first.
func CandidateShapes(sdk int) []domain.CallShape {
	if sdk >= DeviceAwareThreshold {
		return []domain.CallShape{domain.ShapeDeviceAware, domain.ShapeLegacy}
	}
	return []domain.CallShape{domain.ShapeLegacy}
}

// Invoke grants or revokes one permission.
// The first shape whose lookup succeeds is terminal: an invocation failure
// is not retried against an older shape.
func (i *InvokerImpl) Invoke(
	ctx context.Context,
	path domain.PrivilegePath,
	target domain.TargetApp,
	permission string,
	desired domain.DesiredState,
) domain.MutationOutcome {
	binding, ok := i.bindings[path]
	if !ok {
		return domain.Failed(domain.ReasonBrokerUnavailable, fmt.Sprintf("no binding for path %q", path))
	}
	if desired != domain.StateGrant && desired != domain.StateRevoke {
		return domain.Failed(domain.ReasonInvalidArgument, fmt.Sprintf("unknown desired state %q", desired))
	}

	sdk, err := i.version.SDKLevel(ctx)
	if err != nil {
		i.logger.Warn("sdk level unknown, using legacy call shape only", zap.Error(err))
		sdk = 0
	}

	method := domain.MethodFor(desired)
	args := domain.CallArgs{
		Package:    target.PackageID,
		Permission: permission,
		OwnerID:    target.OwnerID,
		DeviceID:   i.deviceID,
	}

	for _, shape := range CandidateShapes(sdk) {
		desc, err := binding.Lookup(ctx, method, shape)
		if errors.Is(err, domain.ErrShapeNotFound) {
			i.logger.Debug("call shape not found, trying older",
				zap.String("method", string(method)),
				zap.String("shape", string(shape)),
				zap.Int("sdk", sdk))
			continue
		}
		if err != nil {
			return i.outcomeFor(path, target, permission, err)
		}

		err = binding.Invoke(ctx, desc, args)
		if err != nil {
			return i.outcomeFor(path, target, permission, err)
		}

		i.logger.Info("permission mutated",
			zap.String("package", target.PackageID),
			zap.String("permission", permission),
			zap.String("action", string(desired)),
			zap.String("path", string(path)),
			zap.String("shape", string(desc.Shape)))
		return domain.Succeeded(path)
	}

	outcome := domain.Failed(domain.ReasonUnsupportedOnVersion,
		fmt.Sprintf("no %s call shape on sdk %d", method, sdk))
	outcome.Path = path
	return outcome
}

// SetMode resolves an operation code and applies an op mode.
func (i *InvokerImpl) SetMode(
	ctx context.Context,
	path domain.PrivilegePath,
	target domain.TargetApp,
	op string,
	mode domain.OpMode,
) domain.MutationOutcome {
	binding, ok := i.bindings[path]
	if !ok {
		return domain.Failed(domain.ReasonBrokerUnavailable, fmt.Sprintf("no binding for path %q", path))
	}

	code, err := binding.OpCode(ctx, op)
	if errors.Is(err, domain.ErrOpNotFound) || (err == nil && code < 0) {
		outcome := domain.Failed(domain.ReasonUnsupportedOnVersion, fmt.Sprintf("operation %s has no code", op))
		outcome.Path = path
		return outcome
	}
	if err != nil {
		return i.outcomeFor(path, target, op, err)
	}

	err = binding.SetOpMode(ctx, domain.OpModeRequest{
		Code:    code,
		OwnerID: target.OwnerID,
		Package: target.PackageID,
		Mode:    mode,
	})
	if err != nil {
		return i.outcomeFor(path, target, op, err)
	}

	i.logger.Info("op mode set",
		zap.String("package", target.PackageID),
		zap.String("op", op),
		zap.Int("code", code),
		zap.String("mode", mode.String()),
		zap.String("path", string(path)))
	return domain.Succeeded(path)
}

// outcomeFor maps a binding error onto a failure reason.
// Uncategorized errors are logged in full and surfaced generically.
func (i *InvokerImpl) outcomeFor(path domain.PrivilegePath, target domain.TargetApp, subject string, err error) domain.MutationOutcome {
	var outcome domain.MutationOutcome
	switch {
	case domain.IsSecurity(err):
		outcome = domain.Failed(domain.ReasonPermissionDenied, err.Error())
	case errors.Is(err, domain.ErrBrokerUnavailable):
		outcome = domain.Failed(domain.ReasonBrokerUnavailable, "broker unreachable")
	case errors.Is(err, domain.ErrShapeNotFound), errors.Is(err, domain.ErrOpNotFound):
		outcome = domain.Failed(domain.ReasonUnsupportedOnVersion, err.Error())
	default:
		i.logger.Error("mutation failed",
			zap.String("package", target.PackageID),
			zap.String("subject", subject),
			zap.String("path", string(path)),
			zap.Error(err))
		outcome = domain.Failed(domain.ReasonUnknown, "unexpected failure")
	}
	outcome.Path = path

	if outcome.Reason != domain.ReasonUnknown {
		i.logger.Warn("mutation rejected",
			zap.String("package", target.PackageID),
			zap.String("subject", subject),
			zap.String("path", string(path)),
			zap.String("reason", string(outcome.Reason)),
			zap.Error(err))
	}
	return outcome
}

// Ensure InvokerImpl implements domain.Invoker.
var _ domain.Invoker = (*InvokerImpl)(nil)
