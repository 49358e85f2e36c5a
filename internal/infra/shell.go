package infra

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

// CommandRunner abstracts command execution for testing
type CommandRunner interface {
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RealCommandRunner executes real system commands
type RealCommandRunner struct{}

// Output runs a command and returns its combined stdout and stderr.
// pm and appops report exceptions on stderr.
func (r *RealCommandRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Shell runs device shell commands, directly or through a prefix such as
// "adb -s SERIAL shell".
type Shell struct {
	runner CommandRunner
	prefix []string
	logger *zap.Logger
}

// NewShell creates a device shell.
func NewShell(runner CommandRunner, prefix []string, logger *zap.Logger) *Shell {
	if runner == nil {
		runner = &RealCommandRunner{}
	}
	return &Shell{
		runner: runner,
		prefix: prefix,
		logger: logger,
	}
}

// Run executes a shell command and returns its trimmed output.
// Exception output is returned as *domain.InvocationError even when the
// exit status is zero; adb shell does not always forward it.
func (s *Shell) Run(ctx context.Context, name string, args ...string) (string, error) {
	argv := make([]string, 0, len(s.prefix)+len(args)+1)
	argv = append(argv, s.prefix...)
	argv = append(argv, name)
	argv = append(argv, args...)

	out, err := s.runner.Output(ctx, argv[0], argv[1:]...)
	text := strings.TrimSpace(string(out))

	s.logger.Debug("shell command",
		zap.Strings("argv", argv),
		zap.Int("output_bytes", len(out)),
		zap.Error(err))

	if ie := ParseException(text); ie != nil {
		return text, ie
	}
	if err != nil {
		return text, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, text)
	}
	return text, nil
}

var (
	exceptionLine   = regexp.MustCompile(`(?m)^\s*((?:[a-z_$][\w$]*\.)+[A-Z][\w$]*(?:Exception|Error)):\s*(.*)$`)
	securityMessage = regexp.MustCompile(`(?mi)^\s*(?:Security exception|Permission Denial)[:\s]+(.*)$`)
)

// ParseException extracts an OS exception from command output.
// Returns nil when the output carries none.
func ParseException(output string) *domain.InvocationError {
	if m := exceptionLine.FindStringSubmatch(output); m != nil {
		kind := domain.InvocationOther
		if strings.HasSuffix(m[1], "SecurityException") || strings.Contains(m[2], "Permission Denial") {
			kind = domain.InvocationSecurity
		}
		return &domain.InvocationError{Kind: kind, Class: m[1], Message: strings.TrimSpace(m[2])}
	}
	if m := securityMessage.FindStringSubmatch(output); m != nil {
		return &domain.InvocationError{
			Kind:    domain.InvocationSecurity,
			Class:   "java.lang.SecurityException",
			Message: strings.TrimSpace(m[1]),
		}
	}
	return nil
}
