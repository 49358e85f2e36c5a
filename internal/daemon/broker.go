// Package daemon runs the broker as a long-lived background process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

// ErrBrokerRunning means another live broker owns the registry.
var ErrBrokerRunning = errors.New("broker already running")

// BrokerServer is the server a BrokerDaemon runs.
// Implementation: broker.Server.
type BrokerServer interface {
	Listen() error
	Start()
	Stop() error
	Dead() <-chan struct{}
	Err() error
}

// BrokerDaemonConfig holds broker daemon configuration.
type BrokerDaemonConfig struct {
	SocketPath        string
	AppVersion        string
	HeartbeatInterval time.Duration // How often to update heartbeat
}

// DefaultBrokerDaemonConfig returns default broker daemon configuration.
func DefaultBrokerDaemonConfig() BrokerDaemonConfig {
	return BrokerDaemonConfig{
		HeartbeatInterval: 30 * time.Second,
	}
}

// BrokerDaemon owns the broker server's lifetime: it refuses to start
// over a live broker, registers itself for discovery and keeps its
// heartbeat fresh until the context is cancelled or the server dies.
type BrokerDaemon struct {
	config         BrokerDaemonConfig
	server         BrokerServer
	registry       domain.BrokerRegistry
	processManager domain.ProcessManager
	logger         *zap.Logger
}

// NewBrokerDaemon creates a new broker daemon.
func NewBrokerDaemon(
	config BrokerDaemonConfig,
	server BrokerServer,
	registry domain.BrokerRegistry,
	pm domain.ProcessManager,
	logger *zap.Logger,
) *BrokerDaemon {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultBrokerDaemonConfig().HeartbeatInterval
	}
	return &BrokerDaemon{
		config:         config,
		server:         server,
		registry:       registry,
		processManager: pm,
		logger:         logger,
	}
}

// Run serves until ctx is cancelled. This blocks.
func (d *BrokerDaemon) Run(ctx context.Context) error {
	pid := d.processManager.GetCurrentPID()

	if entry, err := d.registry.Get(); err == nil && entry != nil && entry.PID != pid {
		if alive, _ := d.registry.IsAlive(); alive {
			return fmt.Errorf("%w: pid %d", ErrBrokerRunning, entry.PID)
		}
		d.logger.Info("clearing stale broker registration", zap.Int("stale_pid", entry.PID))
	}

	if err := d.server.Listen(); err != nil {
		return err
	}
	d.server.Start()

	entry := domain.BrokerEntry{
		PID:        pid,
		UID:        os.Getuid(),
		SocketPath: d.config.SocketPath,
		AppVersion: d.config.AppVersion,
	}
	if err := d.registry.Register(entry); err != nil {
		d.logger.Error("failed to register broker", zap.Error(err))
		d.server.Stop()
		return err
	}
	defer func() {
		if err := d.registry.Clear(); err != nil {
			d.logger.Warn("failed to clear broker registration", zap.Error(err))
		}
	}()

	d.logger.Info("broker daemon started",
		zap.Int("pid", pid),
		zap.String("socket", d.config.SocketPath),
		zap.String("version", d.config.AppVersion))

	heartbeat := time.NewTicker(d.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("broker daemon stopping")
			return d.server.Stop()

		case <-d.server.Dead():
			err := d.server.Err()
			d.logger.Error("broker server exited", zap.Error(err))
			return err

		case <-heartbeat.C:
			if err := d.registry.UpdateHeartbeat(); err != nil {
				d.logger.Warn("failed to update heartbeat", zap.Error(err))
			}
		}
	}
}

// BrokerState describes the broker as seen from outside. Stale means
// registered but not running; Stray lists serving brokers missing from
// the registry.
type BrokerState struct {
	Entry  *domain.BrokerEntry `json:"entry,omitempty"`
	Alive  bool                `json:"alive"`
	Stale  bool                `json:"stale"`
	Stray  []int               `json:"stray_pids"`
	Since  time.Duration       `json:"since_heartbeat"`
	Socket bool                `json:"socket_present"`
}

// Inspect reports the registered broker and any unregistered broker
// processes.
func Inspect(registry domain.BrokerRegistry, pm domain.ProcessManager, socketPath string, now time.Time) (BrokerState, error) {
	var state BrokerState

	entry, err := registry.Get()
	if err != nil {
		return state, err
	}
	state.Entry = entry
	if entry != nil {
		state.Alive = pm.IsRunning(entry.PID)
		state.Stale = !state.Alive
		state.Since = now.Sub(time.Unix(entry.LastHeartbeat, 0))
		if entry.SocketPath != "" {
			socketPath = entry.SocketPath
		}
	}

	if _, err := os.Stat(socketPath); err == nil {
		state.Socket = true
	}

	pids, err := pm.FindByName("broker serve")
	if err != nil {
		return state, err
	}
	self := pm.GetCurrentPID()
	for _, p := range pids {
		if p == self || (entry != nil && p == entry.PID) {
			continue
		}
		state.Stray = append(state.Stray, p)
	}
	return state, nil
}
