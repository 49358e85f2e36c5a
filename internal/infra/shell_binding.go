package infra

import (
	"context"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

// ShellBinding implements domain.ServiceBinding by running the call-shape
// table's commands in the device shell with the caller's own uid.
// The broker daemon serves the same binding under the shell uid.
type ShellBinding struct {
	shell   *Shell
	version domain.VersionSource
	path    domain.PrivilegePath
	logger  *zap.Logger
}

// NewShellBinding creates a binding for the local privilege path.
func NewShellBinding(shell *Shell, version domain.VersionSource, logger *zap.Logger) *ShellBinding {
	return &ShellBinding{
		shell:   shell,
		version: version,
		path:    domain.PathLocalReflective,
		logger:  logger,
	}
}

// Path returns the privilege path this binding serves.
func (b *ShellBinding) Path() domain.PrivilegePath {
	return b.path
}

// Lookup resolves a call shape against the running SDK level.
func (b *ShellBinding) Lookup(ctx context.Context, method domain.Method, shape domain.CallShape) (domain.CallDescriptor, error) {
	sdk, err := b.version.SDKLevel(ctx)
	if err != nil {
		return domain.CallDescriptor{}, err
	}
	return LookupCall(sdk, method, shape)
}

// Invoke runs the command for a resolved descriptor.
func (b *ShellBinding) Invoke(ctx context.Context, desc domain.CallDescriptor, args domain.CallArgs) error {
	argv, err := CallCommand(desc, args)
	if err != nil {
		return err
	}
	_, err = b.shell.Run(ctx, argv[0], argv[1:]...)
	return err
}

// OpCode resolves an operation string against the running SDK level.
func (b *ShellBinding) OpCode(ctx context.Context, op string) (int, error) {
	sdk, err := b.version.SDKLevel(ctx)
	if err != nil {
		return -1, err
	}
	return LookupOpCode(sdk, op)
}

// SetOpMode applies an op mode with appops.
func (b *ShellBinding) SetOpMode(ctx context.Context, req domain.OpModeRequest) error {
	argv := OpModeCommand(req)
	_, err := b.shell.Run(ctx, argv[0], argv[1:]...)
	return err
}

// Ensure ShellBinding implements domain.ServiceBinding.
var _ domain.ServiceBinding = (*ShellBinding)(nil)
