package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// BrokerServeArgs returns the hidden subcommand that runs the broker in
// the foreground.
func BrokerServeArgs(configPath string) []string {
	args := []string{"broker", "serve"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}
	return args
}

// StartBroker spawns a detached broker from our own executable and
// returns its PID.
func StartBroker(configPath string) (int, error) {
	executable, err := os.Executable()
	if err != nil {
		return 0, err
	}
	return StartBrokerWithPath(executable, configPath)
}

// StartBrokerWithPath spawns a detached broker from binaryPath.
func StartBrokerWithPath(binaryPath, configPath string) (int, error) {
	cmd := brokerCommand(binaryPath, configPath)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start broker: %w", err)
	}
	pid := cmd.Process.Pid
	// Not waited on; the broker outlives us.
	_ = cmd.Process.Release()
	return pid, nil
}

func brokerCommand(binaryPath, configPath string) *exec.Cmd {
	cmd := exec.Command(binaryPath, BrokerServeArgs(configPath)...)

	// New session, detached from the terminal
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	// No stdin/stdout/stderr - the broker logs to its own file
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	return cmd
}
