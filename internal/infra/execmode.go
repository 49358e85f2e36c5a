// Package infra implements infrastructure concerns.
package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ExecMode represents where permguard is running relative to the device.
type ExecMode string

const (
	// ExecModeDevice runs on the device itself; shell commands run directly.
	ExecModeDevice ExecMode = "device"
	// ExecModeHost runs on a workstation; shell commands go through adb.
	ExecModeHost ExecMode = "host"
)

const (
	// BrokerPackage is the well-known package id of the broker.
	BrokerPackage = "io.permguard.broker"

	// BrokerSocketName is the well-known service name of the broker socket.
	BrokerSocketName = "permguard-broker.sock"

	deviceDataDir = "/data/local/tmp/permguard"
)

// ExecModeConfig holds paths and settings based on execution mode.
type ExecModeConfig struct {
	Mode       ExecMode
	DataDir    string   // config, key, encrypted store, logs
	SocketPath string   // broker unix socket
	ShellCmd   []string // prefix for device shell commands; empty on device
	UID        int
}

// DetectExecMode determines the execution mode from the running OS.
// An ANDROID_ROOT environment or a GOOS of android means on-device.
func DetectExecMode() *ExecModeConfig {
	if runtime.GOOS == "android" || os.Getenv("ANDROID_ROOT") != "" {
		return DeviceModeConfig()
	}
	return HostModeConfig("")
}

// DeviceModeConfig returns the on-device layout.
func DeviceModeConfig() *ExecModeConfig {
	return &ExecModeConfig{
		Mode:       ExecModeDevice,
		DataDir:    deviceDataDir,
		SocketPath: filepath.Join(deviceDataDir, BrokerSocketName),
		UID:        os.Getuid(),
	}
}

// HostModeConfig returns the workstation layout. serial selects the adb
// device; empty means the only attached device.
func HostModeConfig(serial string) *ExecModeConfig {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".permguard")

	shell := []string{"adb"}
	if serial != "" {
		shell = append(shell, "-s", serial)
	}
	shell = append(shell, "shell")

	return &ExecModeConfig{
		Mode:       ExecModeHost,
		DataDir:    dataDir,
		SocketPath: filepath.Join(dataDir, BrokerSocketName),
		ShellCmd:   shell,
		UID:        os.Getuid(),
	}
}

// WithDataDir relocates every data path under dir.
func (c *ExecModeConfig) WithDataDir(dir string) *ExecModeConfig {
	copied := *c
	copied.DataDir = dir
	copied.SocketPath = filepath.Join(dir, BrokerSocketName)
	return &copied
}

// LogPath returns the log file path.
func (c *ExecModeConfig) LogPath() string {
	return filepath.Join(c.DataDir, "permguard.log")
}

// ConfigPath returns the default config file path.
func (c *ExecModeConfig) ConfigPath() string {
	return filepath.Join(c.DataDir, "config.yaml")
}

// RegistryPath returns the broker registry file path.
func (c *ExecModeConfig) RegistryPath() string {
	return filepath.Join(c.DataDir, "broker.json")
}

// String returns a human-readable description of the mode.
func (m ExecMode) String() string {
	switch m {
	case ExecModeDevice:
		return "device (direct shell)"
	case ExecModeHost:
		return "host (adb shell)"
	default:
		return "unknown"
	}
}

// ParseExecMode parses a mode name.
func ParseExecMode(s string) (ExecMode, error) {
	switch ExecMode(s) {
	case ExecModeDevice, ExecModeHost:
		return ExecMode(s), nil
	}
	return "", fmt.Errorf("unknown exec mode %q (want device or host)", s)
}
