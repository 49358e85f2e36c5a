// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

// ErrExit mimics a non-zero exit status from a device command.
var ErrExit = errors.New("exit status 1")

// FakeApp describes a package installed on a FakeDevice.
type FakeApp struct {
	Package   string
	AppID     int
	System    bool
	Requested []string
	Granted   []string
	Ops       map[string]domain.OpMode // keyed by operation string
	UidOps    map[string]domain.OpMode // uid-level modes, printed as "Uid mode:"
}

type fakeApp struct {
	appID     int
	system    bool
	requested []string
	granted   map[string]bool
	ops       map[string]domain.OpMode
	uidOps    map[string]domain.OpMode
}

// FakeDevice simulates the device shell surface: getprop, pm, dumpsys and
// appops. It implements the shell command runner used by infra.
type FakeDevice struct {
	mu           sync.Mutex
	sdk          int
	manufacturer string
	privileged   bool
	asShell      bool // set while a ShellUser command runs
	failOps      bool
	callerUID    int
	apps         map[string]*fakeApp
	calls        [][]string
}

// NewFakeDevice creates a device on the given SDK level. The device starts
// unprivileged: mutations are rejected with SecurityException.
func NewFakeDevice(sdk int) *FakeDevice {
	return &FakeDevice{
		sdk:          sdk,
		manufacturer: "Google",
		callerUID:    10234,
		apps:         make(map[string]*fakeApp),
	}
}

// SetPrivileged toggles whether mutations are allowed, as for the shell uid.
func (d *FakeDevice) SetPrivileged(privileged bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.privileged = privileged
}

// SetSDK changes the reported SDK level.
func (d *FakeDevice) SetSDK(sdk int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sdk = sdk
}

// FailOps makes every appops get fail.
func (d *FakeDevice) FailOps(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failOps = fail
}

// Install adds a package.
func (d *FakeDevice) Install(app FakeApp) {
	d.mu.Lock()
	defer d.mu.Unlock()

	granted := make(map[string]bool, len(app.Granted))
	for _, p := range app.Granted {
		granted[p] = true
	}
	ops := make(map[string]domain.OpMode, len(app.Ops))
	for k, v := range app.Ops {
		ops[k] = v
	}
	uidOps := make(map[string]domain.OpMode, len(app.UidOps))
	for k, v := range app.UidOps {
		uidOps[k] = v
	}
	d.apps[app.Package] = &fakeApp{
		appID:     app.AppID,
		system:    app.System,
		requested: append([]string(nil), app.Requested...),
		granted:   granted,
		ops:       ops,
		uidOps:    uidOps,
	}
}

// Uninstall removes a package.
func (d *FakeDevice) Uninstall(pkg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.apps, pkg)
}

// IsGranted reports the current grant of permission to pkg.
func (d *FakeDevice) IsGranted(pkg, permission string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	app, ok := d.apps[pkg]
	return ok && app.granted[permission]
}

// OpMode reports the current mode of op for pkg.
func (d *FakeDevice) OpMode(pkg, op string) domain.OpMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	app, ok := d.apps[pkg]
	if !ok {
		return domain.OpModeDefault
	}
	mode, ok := app.ops[op]
	if !ok {
		return domain.OpModeDefault
	}
	return mode
}

// Calls returns every command run so far.
func (d *FakeDevice) Calls() [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]string, len(d.calls))
	copy(out, d.calls)
	return out
}

// CallsTo returns the commands whose first two words match.
func (d *FakeDevice) CallsTo(name, sub string) [][]string {
	var out [][]string
	for _, c := range d.Calls() {
		if len(c) >= 2 && c[0] == name && c[1] == sub {
			out = append(out, c)
		}
	}
	return out
}

// ShellUser is a view of a FakeDevice whose commands always run with the
// shell uid's privileges, as the broker daemon's do.
type ShellUser struct {
	d *FakeDevice
}

// ShellUser returns the privileged view of the device.
func (d *FakeDevice) ShellUser() *ShellUser {
	return &ShellUser{d: d}
}

// Output runs one simulated command as the shell uid.
func (s *ShellUser) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.asShell = true
	defer func() { s.d.asShell = false }()
	return s.d.run(name, args)
}

// Output runs one simulated command.
func (d *FakeDevice) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.run(name, args)
}

func (d *FakeDevice) allowed() bool {
	return d.privileged || d.asShell
}

func (d *FakeDevice) run(name string, args []string) ([]byte, error) {
	d.calls = append(d.calls, append([]string{name}, args...))

	var out string
	var err error
	switch name {
	case "getprop":
		out, err = d.getprop(args)
	case "pm":
		out, err = d.pm(args)
	case "dumpsys":
		out, err = d.dumpsys(args)
	case "appops":
		out, err = d.appops(args)
	default:
		out, err = fmt.Sprintf("/system/bin/sh: %s: inaccessible or not found", name), ErrExit
	}
	return []byte(out), err
}

func (d *FakeDevice) getprop(args []string) (string, error) {
	if len(args) != 1 {
		return "", nil
	}
	switch args[0] {
	case "ro.build.version.sdk":
		return strconv.Itoa(d.sdk), nil
	case "ro.product.manufacturer":
		return d.manufacturer, nil
	}
	return "", nil
}

// flags splits leading --user/--device options from positional arguments.
func flags(args []string) (map[string]string, []string) {
	opts := make(map[string]string)
	for len(args) >= 2 && strings.HasPrefix(args[0], "--") {
		opts[args[0]] = args[1]
		args = args[2:]
	}
	return opts, args
}

func (d *FakeDevice) pm(args []string) (string, error) {
	if len(args) == 0 {
		return "", ErrExit
	}
	switch args[0] {
	case "list":
		if len(args) < 2 || args[1] != "packages" {
			return "", ErrExit
		}
		_, rest := flags(args[2:])
		filter := ""
		if len(rest) > 0 {
			filter = rest[0]
		}
		names := make([]string, 0, len(d.apps))
		for pkg := range d.apps {
			if strings.Contains(pkg, filter) {
				names = append(names, "package:"+pkg)
			}
		}
		sort.Strings(names)
		return strings.Join(names, "\n"), nil

	case "grant", "revoke":
		opts, rest := flags(args[1:])
		if _, ok := opts["--device"]; ok && d.sdk < 35 {
			return "Error: Unknown option: --device", ErrExit
		}
		if len(rest) != 2 {
			return "Error: no package or permission specified", ErrExit
		}
		return d.mutate(args[0], rest[0], rest[1])
	}
	return "Unknown command: " + args[0], ErrExit
}

func (d *FakeDevice) mutate(action, pkg, permission string) (string, error) {
	method := action + "RuntimePermission"
	if !d.allowed() {
		return fmt.Sprintf("Exception occurred while executing '%s':\n"+
			"java.lang.SecurityException: %s: Neither user %d nor current process has android.permission.%s_RUNTIME_PERMISSIONS.",
			action, method, d.callerUID, strings.ToUpper(action)), ErrExit
	}
	app, ok := d.apps[pkg]
	if !ok {
		return fmt.Sprintf("Exception occurred while executing '%s':\n"+
			"java.lang.IllegalArgumentException: Unknown package: %s", action, pkg), ErrExit
	}
	requested := false
	for _, p := range app.requested {
		if p == permission {
			requested = true
		}
	}
	if !requested {
		return fmt.Sprintf("Exception occurred while executing '%s':\n"+
			"java.lang.SecurityException: Package %s has not requested permission %s", action, pkg, permission), ErrExit
	}
	app.granted[permission] = action == "grant"
	return "", nil
}

func (d *FakeDevice) dumpsys(args []string) (string, error) {
	if len(args) != 2 || args[0] != "package" {
		return "", nil
	}
	pkg := args[1]
	app, ok := d.apps[pkg]
	if !ok {
		return "Unable to find package: " + pkg, nil
	}

	var b strings.Builder
	b.WriteString("Activity Resolver Table:\n  Non-Data Actions:\n\n")
	b.WriteString("Packages:\n")
	fmt.Fprintf(&b, "  Package [%s] (5f1c3a2):\n", pkg)
	fmt.Fprintf(&b, "    userId=%d\n", app.appID)
	b.WriteString("    pkg=Package{5f1c3a2 " + pkg + "}\n")
	fmt.Fprintf(&b, "    codePath=/data/app/%s-1\n", pkg)
	b.WriteString("    versionCode=1 minSdk=21 targetSdk=" + strconv.Itoa(d.sdk) + "\n")
	if app.system {
		b.WriteString("    flags=[ SYSTEM HAS_CODE ALLOW_CLEAR_USER_DATA ]\n")
	} else {
		b.WriteString("    flags=[ HAS_CODE ALLOW_CLEAR_USER_DATA ]\n")
	}
	b.WriteString("    timeStamp=2024-05-01 10:00:00\n")
	if len(app.requested) > 0 {
		b.WriteString("    requested permissions:\n")
		for _, p := range app.requested {
			fmt.Fprintf(&b, "      %s\n", p)
		}
	}
	b.WriteString("    install permissions:\n")
	b.WriteString("      android.permission.INTERNET: granted=true\n")
	b.WriteString("    User 0: ceDataInode=4242 installed=true hidden=false suspended=false stopped=false\n")
	b.WriteString("      gids=[3003]\n")
	b.WriteString("      runtime permissions:\n")
	for _, p := range app.requested {
		fmt.Fprintf(&b, "        %s: granted=%t, flags=[ USER_SET ]\n", p, app.granted[p])
	}
	b.WriteString("    User 10: ceDataInode=0 installed=true hidden=false suspended=false stopped=true\n")
	b.WriteString("      runtime permissions:\n")
	for _, p := range app.requested {
		fmt.Fprintf(&b, "        %s: granted=true, flags=[ USER_SET ]\n", p)
	}
	b.WriteString("\nQueries:\n  system apps queryable: false\n")
	return b.String(), nil
}

// opNames maps operation strings to the names appops prints.
var opNames = map[string]string{
	"android:coarse_location": "COARSE_LOCATION",
	domain.OpFineLocation:     "FINE_LOCATION",
	domain.OpReadContacts:     "READ_CONTACTS",
	domain.OpReadSMS:          "READ_SMS",
	domain.OpCamera:           "CAMERA",
	domain.OpRecordAudio:      "RECORD_AUDIO",
	domain.OpGetUsageStats:    "GET_USAGE_STATS",
	domain.OpReadPhone:        "READ_PHONE_STATE",
	domain.OpReadStorage:      "READ_EXTERNAL_STORAGE",
}

// opByCode maps platform app-ops codes to operation strings.
var opByCode = map[string]string{
	"0":  "android:coarse_location",
	"1":  domain.OpFineLocation,
	"4":  domain.OpReadContacts,
	"14": domain.OpReadSMS,
	"26": domain.OpCamera,
	"27": domain.OpRecordAudio,
	"43": domain.OpGetUsageStats,
	"51": domain.OpReadPhone,
	"59": domain.OpReadStorage,
}

func (d *FakeDevice) appops(args []string) (string, error) {
	if len(args) == 0 {
		return "", ErrExit
	}
	switch args[0] {
	case "get":
		_, rest := flags(args[1:])
		if len(rest) != 2 {
			return "Error: package and op required", ErrExit
		}
		if d.failOps {
			return "Error: binder transaction failed", ErrExit
		}
		app, ok := d.apps[rest[0]]
		if !ok {
			return "Error: Unknown package: " + rest[0], ErrExit
		}
		var lines []string
		if mode, ok := app.uidOps[rest[1]]; ok {
			lines = append(lines, fmt.Sprintf("Uid mode: %s: %s", opNames[rest[1]], mode))
		}
		if mode, ok := app.ops[rest[1]]; ok {
			lines = append(lines, fmt.Sprintf("%s: %s; time=+2h13m ago", opNames[rest[1]], mode))
		}
		if len(lines) == 0 {
			return "No operations.", nil
		}
		return strings.Join(lines, "\n"), nil

	case "set":
		_, rest := flags(args[1:])
		if len(rest) != 3 {
			return "Error: package, op and mode required", ErrExit
		}
		if !d.allowed() {
			return fmt.Sprintf("Security exception: uid %d does not have android.permission.MANAGE_APP_OPS_MODES.", d.callerUID), ErrExit
		}
		app, ok := d.apps[rest[0]]
		if !ok {
			return "Error: Unknown package: " + rest[0], ErrExit
		}
		op, ok := opByCode[rest[1]]
		if !ok {
			return "Error: Unknown operation string: " + rest[1], ErrExit
		}
		mode, ok := parseMode(rest[2])
		if !ok {
			return "Error: Mode " + rest[2] + " is not valid", ErrExit
		}
		app.ops[op] = mode
		return "", nil
	}
	return "Unknown command: " + args[0], ErrExit
}

func parseMode(name string) (domain.OpMode, bool) {
	for _, m := range []domain.OpMode{
		domain.OpModeAllowed, domain.OpModeIgnored, domain.OpModeErrored,
		domain.OpModeDefault, domain.OpModeForeground,
	} {
		if m.String() == name {
			return m, true
		}
	}
	return 0, false
}
