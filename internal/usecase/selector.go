package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

// DefaultPingTimeout bounds the broker liveness check.
const DefaultPingTimeout = 3 * time.Second

// SelectorConfig holds privilege path selection settings.
type SelectorConfig struct {
	BrokerPackage      string        // well-known broker package id
	PingTimeout        time.Duration // bound on the liveness ping
	AllowLocalFallback bool          // fall back to the in-process path
}

// SelectorImpl implements domain.PathSelector.
type SelectorImpl struct {
	config     SelectorConfig
	registry   domain.PackageRegistry
	broker     domain.BrokerProbe
	deployment domain.BrokerRegistry
	logger     *zap.Logger
}

// NewSelector creates a new privilege path selector.
// broker may be nil when no broker transport is configured.
func NewSelector(
	config SelectorConfig,
	registry domain.PackageRegistry,
	broker domain.BrokerProbe,
	logger *zap.Logger,
) *SelectorImpl {
	if config.PingTimeout <= 0 {
		config.PingTimeout = DefaultPingTimeout
	}
	return &SelectorImpl{
		config:   config,
		registry: registry,
		broker:   broker,
		logger:   logger,
	}
}

// WithBrokerRegistry makes a registered broker count as installed. A broker
// started with "permguard broker start" ships no package of its own.
func (s *SelectorImpl) WithBrokerRegistry(registry domain.BrokerRegistry) *SelectorImpl {
	s.deployment = registry
	return s
}

// Select returns BROKER_IPC only when the broker is installed, live and
// has granted us its permission. Otherwise it falls back to the local path.
func (s *SelectorImpl) Select(ctx context.Context) domain.PrivilegePath {
	installed := s.IsBrokerInstalled(ctx)
	live := installed && s.IsBrokerLive(ctx)
	permitted := live && s.HasBrokerPermission(ctx)

	if installed && live && permitted {
		return domain.PathBrokerIPC
	}

	s.logger.Debug("broker path unavailable",
		zap.Bool("installed", installed),
		zap.Bool("live", live),
		zap.Bool("permitted", permitted))

	if s.config.AllowLocalFallback {
		return domain.PathLocalReflective
	}
	return domain.PathNone
}

// IsBrokerInstalled checks the package registry for the broker package,
// then the broker registry for a registered broker binary.
// Lookup errors count as not installed.
func (s *SelectorImpl) IsBrokerInstalled(ctx context.Context) bool {
	return s.packageInstalled(ctx) || s.brokerRegistered()
}

func (s *SelectorImpl) packageInstalled(ctx context.Context) bool {
	if s.config.BrokerPackage == "" {
		return false
	}
	installed, err := s.registry.IsInstalled(ctx, s.config.BrokerPackage)
	if err != nil {
		s.logger.Debug("broker install check failed",
			zap.String("package", s.config.BrokerPackage),
			zap.Error(err))
		return false
	}
	return installed
}

func (s *SelectorImpl) brokerRegistered() bool {
	if s.deployment == nil {
		return false
	}
	entry, err := s.deployment.Get()
	if err != nil {
		s.logger.Debug("broker registry read failed",
			zap.String("path", s.deployment.Path()),
			zap.Error(err))
		return false
	}
	return entry != nil
}

// IsBrokerLive pings the broker within the configured timeout.
func (s *SelectorImpl) IsBrokerLive(ctx context.Context) bool {
	if s.broker == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.PingTimeout)
	defer cancel()

	if err := s.broker.Ping(ctx); err != nil {
		s.logger.Debug("broker ping failed", zap.Error(err))
		return false
	}
	return true
}

// HasBrokerPermission reports whether the broker granted us its permission.
func (s *SelectorImpl) HasBrokerPermission(ctx context.Context) bool {
	if s.broker == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.PingTimeout)
	defer cancel()

	granted, err := s.broker.HasPermission(ctx)
	if err != nil {
		s.logger.Debug("broker permission check failed", zap.Error(err))
		return false
	}
	return granted
}

// RequestBrokerPermission asks for the broker's permission and suspends
// until the operator decides or ctx is cancelled. Cancellation yields false.
func (s *SelectorImpl) RequestBrokerPermission(ctx context.Context) bool {
	if s.broker == nil {
		return false
	}

	task, err := s.broker.RequestPermission(ctx)
	if err != nil {
		s.logger.Warn("broker permission request failed", zap.Error(err))
		return false
	}

	select {
	case <-task.Done():
	case <-ctx.Done():
		task.Cancel()
		s.logger.Info("broker permission request cancelled")
		return false
	}

	granted, err := task.Wait()
	if err != nil {
		s.logger.Warn("broker permission request ended with error", zap.Error(err))
		return false
	}
	return granted
}

// Ensure SelectorImpl implements domain.PathSelector.
var _ domain.PathSelector = (*SelectorImpl)(nil)
