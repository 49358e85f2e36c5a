package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

// PropVersionSource implements domain.VersionSource with getprop.
// Each call re-reads the property; the OS may be updated underneath us.
type PropVersionSource struct {
	shell    *Shell
	override int
}

// NewPropVersionSource creates a version source backed by the device shell.
func NewPropVersionSource(shell *Shell) *PropVersionSource {
	return &PropVersionSource{shell: shell}
}

// WithSDKOverride pins the reported SDK level. Zero disables the override.
func (v *PropVersionSource) WithSDKOverride(sdk int) *PropVersionSource {
	v.override = sdk
	return v
}

// SDKLevel returns ro.build.version.sdk.
func (v *PropVersionSource) SDKLevel(ctx context.Context) (int, error) {
	if v.override > 0 {
		return v.override, nil
	}
	out, err := v.shell.Run(ctx, "getprop", "ro.build.version.sdk")
	if err != nil {
		return 0, fmt.Errorf("failed to read sdk level: %w", err)
	}
	sdk, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("invalid sdk level %q: %w", out, err)
	}
	return sdk, nil
}

// Manufacturer returns ro.product.manufacturer.
func (v *PropVersionSource) Manufacturer(ctx context.Context) (string, error) {
	out, err := v.shell.Run(ctx, "getprop", "ro.product.manufacturer")
	if err != nil {
		return "", fmt.Errorf("failed to read manufacturer: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Ensure PropVersionSource implements domain.VersionSource.
var _ domain.VersionSource = (*PropVersionSource)(nil)
