package infra

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/permguard/test/fixtures"
)

func TestPropVersionSource_SDKLevel(t *testing.T) {
	tests := []struct {
		name     string
		out      string
		err      error
		override int
		want     int
		wantErr  bool
	}{
		{name: "trims output", out: "34\n", want: 34},
		{name: "override skips getprop", out: "garbage", override: 35, want: 35},
		{name: "not a number", out: "UpsideDownCake\n", wantErr: true},
		{name: "shell failure", err: errors.New("device offline"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &recordingRunner{out: tt.out, err: tt.err}
			source := NewPropVersionSource(NewShell(runner, nil, zap.NewNop())).WithSDKOverride(tt.override)

			sdk, err := source.SDKLevel(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, sdk)
			if tt.override == 0 {
				assert.Equal(t, []string{"getprop", "ro.build.version.sdk"}, runner.argv)
			} else {
				assert.Nil(t, runner.argv)
			}
		})
	}
}

func TestPropVersionSource_Manufacturer(t *testing.T) {
	runner := &recordingRunner{out: "samsung\n"}
	source := NewPropVersionSource(NewShell(runner, nil, zap.NewNop()))

	got, err := source.Manufacturer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "samsung", got)
	assert.Equal(t, []string{"getprop", "ro.product.manufacturer"}, runner.argv)
}

func TestPropVersionSource_ReadsEveryCall(t *testing.T) {
	device := fixtures.NewFakeDevice(34)
	version := NewPropVersionSource(NewShell(device, nil, zap.NewNop()))
	ctx := context.Background()

	sdk, err := version.SDKLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, 34, sdk)

	manufacturer, err := version.Manufacturer(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Google", manufacturer)

	device.SetSDK(35)
	sdk, err = version.SDKLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, 35, sdk, "sdk is re-read on every call")
}
