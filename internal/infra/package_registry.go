package infra

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

// perUserRange is the uid span reserved for each OS user.
const perUserRange = 100000

// ShellPackageRegistry implements domain.PackageRegistry with pm, dumpsys
// and appops. Nothing is cached: every call queries the device.
type ShellPackageRegistry struct {
	shell   *Shell
	ownerID int
	logger  *zap.Logger
}

// NewShellPackageRegistry creates a registry acting for the given OS user.
func NewShellPackageRegistry(shell *Shell, ownerID int, logger *zap.Logger) *ShellPackageRegistry {
	return &ShellPackageRegistry{
		shell:   shell,
		ownerID: ownerID,
		logger:  logger,
	}
}

// IsInstalled lists packages matching pkg and looks for an exact match.
func (r *ShellPackageRegistry) IsInstalled(ctx context.Context, pkg string) (bool, error) {
	out, err := r.shell.Run(ctx, "pm", "list", "packages", "--user", strconv.Itoa(r.ownerID), pkg)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "package:"+pkg {
			return true, nil
		}
	}
	return false, nil
}

// AppInfo resolves a package from dumpsys.
func (r *ShellPackageRegistry) AppInfo(ctx context.Context, pkg string) (*domain.TargetApp, error) {
	dump, err := r.dump(ctx, pkg)
	if err != nil {
		return nil, err
	}
	app := r.targetApp(pkg, dump)
	return &app, nil
}

// GrantSnapshot answers the manifest and grant questions from a single
// dumpsys read. Grants are those of the owner user.
func (r *ShellPackageRegistry) GrantSnapshot(ctx context.Context, pkg string) (*domain.GrantSnapshot, error) {
	dump, err := r.dump(ctx, pkg)
	if err != nil {
		return nil, err
	}
	return &domain.GrantSnapshot{
		App:       r.targetApp(pkg, dump),
		Requested: dump.requested,
		Granted:   dump.granted,
	}, nil
}

func (r *ShellPackageRegistry) targetApp(pkg string, dump *packageDump) domain.TargetApp {
	return domain.TargetApp{
		PackageID: pkg,
		Label:     pkg,
		System:    dump.system,
		OwnerID:   r.ownerID,
		UID:       r.ownerID*perUserRange + dump.appID,
	}
}

// CheckOp reads an op mode with appops.
func (r *ShellPackageRegistry) CheckOp(ctx context.Context, op string, uid int, pkg string) (domain.OpMode, error) {
	user := r.ownerID
	if uid >= perUserRange {
		user = uid / perUserRange
	}
	out, err := r.shell.Run(ctx, "appops", "get", "--user", strconv.Itoa(user), pkg, op)
	if err != nil {
		return domain.OpModeErrored, err
	}
	return ParseOpMode(out)
}

func (r *ShellPackageRegistry) dump(ctx context.Context, pkg string) (*packageDump, error) {
	out, err := r.shell.Run(ctx, "dumpsys", "package", pkg)
	if err != nil {
		return nil, err
	}
	dump, ok := ParsePackageDump(out, pkg, r.ownerID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", pkg, domain.ErrPackageNotFound)
	}
	return dump, nil
}

// packageDump is the subset of dumpsys package output the core needs.
type packageDump struct {
	appID     int
	system    bool
	requested []string
	granted   map[string]bool
}

var (
	packageHeader = regexp.MustCompile(`^\s*Package \[([^\]]+)\]`)
	appIDField    = regexp.MustCompile(`\b(?:userId|appId)=(\d+)`)
	userHeader    = regexp.MustCompile(`^User (\d+):`)
	permissionID  = regexp.MustCompile(`^[A-Za-z0-9_]+(\.[A-Za-z0-9_]+)+$`)
)

type dumpSection int

const (
	sectionNone dumpSection = iota
	sectionRequested
	sectionInstall
	sectionRuntime
)

// ParsePackageDump extracts the package block for pkg from dumpsys output.
// Install permissions count for every user; runtime permissions only for
// ownerID. Returns false when the package block is absent.
func ParsePackageDump(output, pkg string, ownerID int) (*packageDump, bool) {
	dump := &packageDump{granted: make(map[string]bool)}
	found := false
	inBlock := false
	blockIndent := 0
	section := sectionNone
	user := -1

	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))

		if m := packageHeader.FindStringSubmatch(line); m != nil {
			if inBlock {
				break
			}
			if m[1] == pkg {
				inBlock, found = true, true
				blockIndent = indent
			}
			continue
		}
		if !inBlock {
			continue
		}
		if indent <= blockIndent {
			break
		}

		if m := userHeader.FindStringSubmatch(trimmed); m != nil {
			user, _ = strconv.Atoi(m[1])
			section = sectionNone
			continue
		}

		switch trimmed {
		case "requested permissions:":
			section = sectionRequested
			continue
		case "install permissions:":
			section = sectionInstall
			continue
		case "runtime permissions:":
			section = sectionRuntime
			continue
		}

		name, attrs, _ := strings.Cut(trimmed, ":")
		if section != sectionNone && permissionID.MatchString(name) {
			switch section {
			case sectionRequested:
				dump.requested = append(dump.requested, name)
			case sectionInstall:
				if strings.Contains(attrs, "granted=true") {
					dump.granted[name] = true
				}
			case sectionRuntime:
				if user == ownerID && strings.Contains(attrs, "granted=true") {
					dump.granted[name] = true
				}
			}
			continue
		}
		section = sectionNone

		if dump.appID == 0 {
			if m := appIDField.FindStringSubmatch(trimmed); m != nil {
				dump.appID, _ = strconv.Atoi(m[1])
			}
		}
		if strings.HasPrefix(trimmed, "flags=[") || strings.HasPrefix(trimmed, "pkgFlags=[") {
			if strings.Contains(trimmed, " SYSTEM ") {
				dump.system = true
			}
		}
	}

	return dump, found
}

// ParseOpMode interprets appops get output for a single operation.
// A uid-level mode only overrides the package mode when it restricts the
// op; a uid mode of allow or default defers to the package mode.
func ParseOpMode(output string) (domain.OpMode, error) {
	if strings.Contains(output, "No operations.") {
		return domain.OpModeDefault, nil
	}

	var pkgMode, uidMode *domain.OpMode
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		uidLine := false
		if rest, ok := strings.CutPrefix(line, "Uid mode:"); ok {
			line = strings.TrimSpace(rest)
			uidLine = true
		}
		_, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		word, _, _ := strings.Cut(strings.TrimSpace(value), ";")
		mode, ok := ParseOpModeName(strings.TrimSpace(word))
		if !ok {
			continue
		}
		if uidLine {
			if uidMode == nil {
				uidMode = &mode
			}
		} else if pkgMode == nil {
			pkgMode = &mode
		}
	}

	switch {
	case uidMode != nil && *uidMode != domain.OpModeDefault && *uidMode != domain.OpModeAllowed:
		return *uidMode, nil
	case pkgMode != nil:
		return *pkgMode, nil
	case uidMode != nil:
		return *uidMode, nil
	}
	return domain.OpModeErrored, fmt.Errorf("unrecognized appops output: %q", output)
}

// ParseOpModeName maps an appops mode name onto OpMode.
func ParseOpModeName(name string) (domain.OpMode, bool) {
	switch name {
	case "allow":
		return domain.OpModeAllowed, true
	case "ignore":
		return domain.OpModeIgnored, true
	case "deny":
		return domain.OpModeErrored, true
	case "default":
		return domain.OpModeDefault, true
	case "foreground":
		return domain.OpModeForeground, true
	}
	return 0, false
}

// Ensure ShellPackageRegistry implements domain.PackageRegistry.
var _ domain.PackageRegistry = (*ShellPackageRegistry)(nil)
