package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

const registryVersion = 1

// FileBrokerRegistry implements domain.BrokerRegistry using a JSON file
// in the broker's data directory.
type FileBrokerRegistry struct {
	path           string
	processManager domain.ProcessManager
	now            func() time.Time
}

// NewFileBrokerRegistry creates a registry at path.
func NewFileBrokerRegistry(path string, pm domain.ProcessManager) *FileBrokerRegistry {
	return &FileBrokerRegistry{
		path:           path,
		processManager: pm,
		now:            time.Now,
	}
}

// Path returns the registry file path.
func (r *FileBrokerRegistry) Path() string {
	return r.path
}

// Register saves the running broker. Concurrent starts are serialized
// through a lock file; the last writer wins.
func (r *FileBrokerRegistry) Register(entry domain.BrokerEntry) error {
	unlock, err := r.lock()
	if err != nil {
		return err
	}
	defer unlock()

	entry.Version = registryVersion
	now := r.now().Unix()
	if entry.StartedAt == 0 {
		entry.StartedAt = now
	}
	entry.LastHeartbeat = now
	return r.atomicWrite(&entry)
}

// UpdateHeartbeat updates timestamp for liveness check.
func (r *FileBrokerRegistry) UpdateHeartbeat() error {
	unlock, err := r.lock()
	if err != nil {
		return err
	}
	defer unlock()

	entry, err := r.Get()
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("broker not registered")
	}
	entry.LastHeartbeat = r.now().Unix()
	return r.atomicWrite(entry)
}

// Get returns the registered broker, or nil when the file does not exist.
func (r *FileBrokerRegistry) Get() (*domain.BrokerEntry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entry domain.BrokerEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("corrupt broker registry: %w", err)
	}
	return &entry, nil
}

// IsAlive checks if the registered broker is running via PID.
func (r *FileBrokerRegistry) IsAlive() (bool, error) {
	entry, err := r.Get()
	if err != nil {
		return false, err
	}
	if entry == nil || entry.PID == 0 {
		return false, nil
	}
	return r.processManager.IsRunning(entry.PID), nil
}

// Clear removes registry file. A missing file is not an error.
func (r *FileBrokerRegistry) Clear() error {
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (r *FileBrokerRegistry) lock() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(r.path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}
	lockFile, err := os.OpenFile(r.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX); err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return func() {
		_ = syscall.Flock(int(lockFile.Fd()), syscall.LOCK_UN)
		lockFile.Close()
	}, nil
}

// atomicWrite writes registry to file atomically (write + rename).
func (r *FileBrokerRegistry) atomicWrite(entry *domain.BrokerEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	// Temp file is unique per process
	tmpPath := fmt.Sprintf("%s.%d.tmp", r.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Ensure FileBrokerRegistry implements domain.BrokerRegistry.
var _ domain.BrokerRegistry = (*FileBrokerRegistry)(nil)
