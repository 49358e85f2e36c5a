package infra

import (
	"fmt"
	"strconv"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

// callStrategy binds a call descriptor to the shell command realizing it.
type callStrategy struct {
	desc  domain.CallDescriptor
	build func(args domain.CallArgs) []string
}

// callStrategies is the version-adaptive call-shape table.
// Runtime permissions exist from SDK 23; per-device grants from SDK 35.
var callStrategies = []callStrategy{
	{
		desc: domain.CallDescriptor{Method: domain.MethodGrantRuntimePermission, Shape: domain.ShapeLegacy, MinSDK: 23},
		build: func(a domain.CallArgs) []string {
			return []string{"pm", "grant", "--user", strconv.Itoa(a.OwnerID), a.Package, a.Permission}
		},
	},
	{
		desc: domain.CallDescriptor{Method: domain.MethodGrantRuntimePermission, Shape: domain.ShapeDeviceAware, MinSDK: 35},
		build: func(a domain.CallArgs) []string {
			return []string{"pm", "grant", "--user", strconv.Itoa(a.OwnerID), "--device", strconv.Itoa(a.DeviceID), a.Package, a.Permission}
		},
	},
	{
		desc: domain.CallDescriptor{Method: domain.MethodRevokeRuntimePermission, Shape: domain.ShapeLegacy, MinSDK: 23},
		build: func(a domain.CallArgs) []string {
			return []string{"pm", "revoke", "--user", strconv.Itoa(a.OwnerID), a.Package, a.Permission}
		},
	},
	{
		desc: domain.CallDescriptor{Method: domain.MethodRevokeRuntimePermission, Shape: domain.ShapeDeviceAware, MinSDK: 35},
		build: func(a domain.CallArgs) []string {
			return []string{"pm", "revoke", "--user", strconv.Itoa(a.OwnerID), "--device", strconv.Itoa(a.DeviceID), a.Package, a.Permission}
		},
	},
}

// LookupCall resolves a (method, shape) pair on an SDK level.
func LookupCall(sdk int, method domain.Method, shape domain.CallShape) (domain.CallDescriptor, error) {
	for _, s := range callStrategies {
		if s.desc.Method == method && s.desc.Shape == shape && sdk >= s.desc.MinSDK {
			return s.desc, nil
		}
	}
	return domain.CallDescriptor{}, fmt.Errorf("%s/%s on sdk %d: %w", method, shape, sdk, domain.ErrShapeNotFound)
}

// CallCommand returns the shell argv for a resolved descriptor.
func CallCommand(desc domain.CallDescriptor, args domain.CallArgs) ([]string, error) {
	for _, s := range callStrategies {
		if s.desc == desc {
			return s.build(args), nil
		}
	}
	return nil, fmt.Errorf("%s/%s: %w", desc.Method, desc.Shape, domain.ErrShapeNotFound)
}

// opCode is a numeric app-ops code and the SDK that introduced it.
type opCode struct {
	code   int
	minSDK int
}

// opCodes maps operation strings to platform app-ops codes.
var opCodes = map[string]opCode{
	"android:coarse_location": {code: 0, minSDK: 19},
	domain.OpFineLocation:     {code: 1, minSDK: 19},
	domain.OpReadContacts:     {code: 4, minSDK: 19},
	domain.OpReadSMS:          {code: 14, minSDK: 19},
	domain.OpCamera:           {code: 26, minSDK: 19},
	domain.OpRecordAudio:      {code: 27, minSDK: 19},
	domain.OpGetUsageStats:    {code: 43, minSDK: 21},
	domain.OpReadPhone:        {code: 51, minSDK: 23},
	domain.OpReadStorage:      {code: 59, minSDK: 23},
}

// LookupOpCode resolves an operation string to its code on an SDK level.
func LookupOpCode(sdk int, op string) (int, error) {
	c, ok := opCodes[op]
	if !ok || sdk < c.minSDK {
		return -1, fmt.Errorf("%s on sdk %d: %w", op, sdk, domain.ErrOpNotFound)
	}
	return c.code, nil
}

// OpModeCommand returns the shell argv applying an op mode.
func OpModeCommand(req domain.OpModeRequest) []string {
	return []string{
		"appops", "set",
		"--user", strconv.Itoa(req.OwnerID),
		req.Package,
		strconv.Itoa(req.Code),
		req.Mode.String(),
	}
}
