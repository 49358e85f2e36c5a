// Package usecase contains application business logic.
package usecase

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

// ProberImpl implements domain.StateProber.
// Every query re-resolves from the OS; nothing is cached between calls.
type ProberImpl struct {
	registry domain.PackageRegistry
	version  domain.VersionSource
	logger   *zap.Logger
}

// NewProber creates a new state prober.
func NewProber(registry domain.PackageRegistry, version domain.VersionSource, logger *zap.Logger) domain.StateProber {
	return &ProberImpl{
		registry: registry,
		version:  version,
		logger:   logger,
	}
}

// Probe reads the grant state of a package.
// Every grant flag comes from one snapshot of the package. A failed
// snapshot leaves every flag false; a failed op-mode query yields
// OpModeErrored. An uninstalled package yields an empty state.
func (p *ProberImpl) Probe(ctx context.Context, pkg string) domain.GrantState {
	state := domain.GrantState{Mode: domain.OpModeErrored}

	snap, err := p.registry.GrantSnapshot(ctx, pkg)
	if err != nil {
		if errors.Is(err, domain.ErrPackageNotFound) {
			p.logger.Debug("probe target not installed", zap.String("package", pkg))
		} else {
			p.logger.Warn("failed to read grant snapshot",
				zap.String("package", pkg),
				zap.Error(err))
		}
		return state
	}
	state.Requested = snap.Requested

	state.HasFineLocation = snap.IsGranted(domain.PermFineLocation)
	state.HasCoarseLocation = snap.IsGranted(domain.PermCoarseLocation)

	// Background location only exists as a separate permission from Q on;
	// before that it follows fine location.
	sdk, err := p.version.SDKLevel(ctx)
	if err != nil {
		p.logger.Debug("sdk level unknown, assuming modern platform", zap.Error(err))
		sdk = domain.SDKQ
	}
	if sdk >= domain.SDKQ {
		state.HasBackgroundLocation = snap.IsGranted(domain.PermBackgroundLocation)
	} else {
		state.HasBackgroundLocation = state.HasFineLocation
	}

	state.HasCamera = snap.IsGranted(domain.PermCamera)
	state.HasMicrophone = snap.IsGranted(domain.PermRecordAudio)
	state.HasContacts = snap.IsGranted(domain.PermReadContacts)
	state.HasPhone = snap.IsGranted(domain.PermReadPhoneState)
	state.HasSMS = snap.IsGranted(domain.PermReadSMS)
	state.HasStorage = snap.IsGranted(domain.PermReadStorage)
	state.HasUsageAccess = snap.IsGranted(domain.PermPackageUsageStats)

	// Location is the canary for silent denial.
	mode, err := p.registry.CheckOp(ctx, domain.OpFineLocation, snap.App.UID, pkg)
	if err != nil {
		p.logger.Warn("op mode query failed, treating as blocked",
			zap.String("package", pkg),
			zap.Error(err))
		mode = domain.OpModeErrored
	}
	state.Mode = mode

	return state
}

// HasUsageAccess reports whether pkg's usage-stats op is allowed.
func (p *ProberImpl) HasUsageAccess(ctx context.Context, pkg string) bool {
	app, err := p.registry.AppInfo(ctx, pkg)
	if err != nil {
		return false
	}
	mode, err := p.registry.CheckOp(ctx, domain.OpGetUsageStats, app.UID, pkg)
	if err != nil {
		return false
	}
	return mode == domain.OpModeAllowed
}

// DeviceInfo describes the running OS. Unknown fields stay zero.
func (p *ProberImpl) DeviceInfo(ctx context.Context) domain.DeviceInfo {
	var info domain.DeviceInfo

	sdk, err := p.version.SDKLevel(ctx)
	if err != nil {
		p.logger.Warn("failed to read sdk level", zap.Error(err))
	} else {
		info.SDKLevel = sdk
		info.AppOpsAvailable = sdk >= domain.SDKKitKat
	}

	manufacturer, err := p.version.Manufacturer(ctx)
	if err != nil {
		p.logger.Warn("failed to read manufacturer", zap.Error(err))
	} else {
		info.Manufacturer = manufacturer
	}

	return info
}

// Ensure ProberImpl implements domain.StateProber.
var _ domain.StateProber = (*ProberImpl)(nil)
