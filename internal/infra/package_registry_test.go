package infra

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
	"github.com/eliteGoblin/focusd/permguard/test/fixtures"
)

func newTestPackageRegistry(t *testing.T, ownerID int) (*ShellPackageRegistry, *fixtures.FakeDevice) {
	t.Helper()
	device := fixtures.NewFakeDevice(33)
	device.Install(fixtures.FakeApp{
		Package:   "com.example.cam",
		AppID:     10123,
		Requested: []string{domain.PermCamera, domain.PermFineLocation},
		Granted:   []string{domain.PermCamera, domain.PermFineLocation},
		Ops:       map[string]domain.OpMode{domain.OpFineLocation: domain.OpModeIgnored},
		UidOps:    map[string]domain.OpMode{domain.OpFineLocation: domain.OpModeAllowed},
	})
	device.Install(fixtures.FakeApp{
		Package: "com.android.settings",
		AppID:   1000,
		System:  true,
	})
	shell := NewShell(device, nil, zap.NewNop())
	return NewShellPackageRegistry(shell, ownerID, zap.NewNop()), device
}

func TestShellPackageRegistry_IsInstalled(t *testing.T) {
	reg, _ := newTestPackageRegistry(t, 0)
	ctx := context.Background()

	installed, err := reg.IsInstalled(ctx, "com.example.cam")
	require.NoError(t, err)
	assert.True(t, installed)

	// substring matches from pm list must not count
	installed, err = reg.IsInstalled(ctx, "com.example")
	require.NoError(t, err)
	assert.False(t, installed)
}

func TestShellPackageRegistry_AppInfo(t *testing.T) {
	reg, _ := newTestPackageRegistry(t, 10)
	ctx := context.Background()

	app, err := reg.AppInfo(ctx, "com.example.cam")
	require.NoError(t, err)
	assert.Equal(t, "com.example.cam", app.PackageID)
	assert.Equal(t, 10, app.OwnerID)
	assert.Equal(t, 10*100000+10123, app.UID)
	assert.False(t, app.System)

	app, err = reg.AppInfo(ctx, "com.android.settings")
	require.NoError(t, err)
	assert.True(t, app.System)

	_, err = reg.AppInfo(ctx, "com.example.gone")
	assert.ErrorIs(t, err, domain.ErrPackageNotFound)
}

func TestShellPackageRegistry_GrantSnapshot(t *testing.T) {
	reg, device := newTestPackageRegistry(t, 0)
	ctx := context.Background()

	snap, err := reg.GrantSnapshot(ctx, "com.example.cam")
	require.NoError(t, err)
	assert.Len(t, device.CallsTo("dumpsys", "package"), 1)
	assert.Equal(t, "com.example.cam", snap.App.PackageID)
	assert.Equal(t, 10123, snap.App.UID)
	assert.Equal(t, []string{domain.PermCamera, domain.PermFineLocation}, snap.Requested)

	tests := []struct {
		permission string
		granted    bool
	}{
		{domain.PermCamera, true},
		{domain.PermFineLocation, true},
		{domain.PermCoarseLocation, false},
		{"android.permission.INTERNET", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.granted, snap.IsGranted(tt.permission), tt.permission)
	}

	_, err = reg.GrantSnapshot(ctx, "com.example.gone")
	assert.ErrorIs(t, err, domain.ErrPackageNotFound)
}

func TestShellPackageRegistry_RuntimeGrantsArePerUser(t *testing.T) {
	reg, device := newTestPackageRegistry(t, 0)
	device.SetPrivileged(true)
	ctx := context.Background()

	_, err := device.Output(ctx, "pm", "revoke", "--user", "0", "com.example.cam", domain.PermCamera)
	require.NoError(t, err)

	snap, err := reg.GrantSnapshot(ctx, "com.example.cam")
	require.NoError(t, err)
	assert.False(t, snap.IsGranted(domain.PermCamera), "user 10's grant must not leak into user 0")
}

func TestShellPackageRegistry_CheckOp(t *testing.T) {
	reg, device := newTestPackageRegistry(t, 0)
	ctx := context.Background()

	mode, err := reg.CheckOp(ctx, domain.OpFineLocation, 10123, "com.example.cam")
	require.NoError(t, err)
	assert.Equal(t, domain.OpModeIgnored, mode)

	mode, err = reg.CheckOp(ctx, domain.OpCamera, 10123, "com.example.cam")
	require.NoError(t, err)
	assert.Equal(t, domain.OpModeDefault, mode)

	device.FailOps(true)
	mode, err = reg.CheckOp(ctx, domain.OpFineLocation, 10123, "com.example.cam")
	assert.Error(t, err)
	assert.Equal(t, domain.OpModeErrored, mode)
}

func TestParseOpMode(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    domain.OpMode
		wantErr bool
	}{
		{name: "no operations", output: "No operations.", want: domain.OpModeDefault},
		{name: "allow", output: "FINE_LOCATION: allow; time=+1d2h ago", want: domain.OpModeAllowed},
		{name: "ignore", output: "CAMERA: ignore", want: domain.OpModeIgnored},
		{name: "deny", output: "READ_SMS: deny; rejectTime=+3m ago", want: domain.OpModeErrored},
		{name: "foreground", output: "FINE_LOCATION: foreground", want: domain.OpModeForeground},
		{
			name:   "uid mode overrides package mode",
			output: "Uid mode: FINE_LOCATION: ignore\nFINE_LOCATION: allow; time=+5s ago",
			want:   domain.OpModeIgnored,
		},
		{
			name:   "allowed uid mode defers to a restricted package mode",
			output: "Uid mode: FINE_LOCATION: allow\nFINE_LOCATION: ignore; rejectTime=+4s ago",
			want:   domain.OpModeIgnored,
		},
		{
			name:   "foreground uid mode overrides package mode",
			output: "Uid mode: FINE_LOCATION: foreground\nFINE_LOCATION: allow",
			want:   domain.OpModeForeground,
		},
		{
			name:   "uid mode alone",
			output: "Uid mode: FINE_LOCATION: allow",
			want:   domain.OpModeAllowed,
		},
		{
			name:   "default uid mode defers to package mode",
			output: "Uid mode: CAMERA: default\nCAMERA: allow",
			want:   domain.OpModeAllowed,
		},
		{name: "garbage", output: "Error: binder transaction failed", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOpMode(tt.output)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, domain.OpModeErrored, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePackageDump_Missing(t *testing.T) {
	_, found := ParsePackageDump("Unable to find package: com.example.gone", "com.example.gone", 0)
	assert.False(t, found)
}
