// Package main is the CLI entry point for permguard.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/eliteGoblin/focusd/permguard/internal/catalog"
	"github.com/eliteGoblin/focusd/permguard/internal/domain"
	"github.com/eliteGoblin/focusd/permguard/internal/infra"
	"github.com/eliteGoblin/focusd/permguard/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.3.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

// errMutationFailed makes the process exit non-zero after the outcome
// has already been printed.
var errMutationFailed = errors.New("mutation failed")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errMutationFailed) {
			color.Red("Error: %v", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "permguard",
	Short: "Inspect and change per-app runtime permissions",
	Long: `permguard reads and mutates the runtime permission grants of installed
apps. Mutations go through the privileged broker when it is installed,
running and has granted us its permission; otherwise they are attempted
with our own privileges, which the OS often rejects.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var probeCmd = &cobra.Command{
	Use:   "probe <package>",
	Short: "Show the permission state of an app",
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

var setCmd = &cobra.Command{
	Use:   "set <package> <capability> <grant|revoke>",
	Short: "Grant or revoke every permission of a capability",
	Long: `Grants or revokes the OS permissions behind a capability.
Capabilities: location, camera, microphone, contacts, phone, sms, storage, usage-access.
Location covers fine, coarse and background; the command succeeds when at
least one of them changed.`,
	Args: cobra.ExactArgs(3),
	RunE: runSet,
}

var modeCmd = &cobra.Command{
	Use:   "mode <package> <capability> <allow|deny>",
	Short: "Set the app-ops mode of a capability",
	Args:  cobra.ExactArgs(3),
	RunE:  runMode,
}

var pathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show which privilege path mutations would use",
	RunE:  runPath,
}

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Show device information",
	RunE:  runDevice,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent mutations",
	RunE:  runHistory,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath   string
	verbose      bool
	jsonOutput   bool
	historyLimit int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default <data_dir>/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr at debug level")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Machine-readable output")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of records to show")

	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(modeCmd)
	rootCmd.AddCommand(pathCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(configCmd)
}

// app holds the components shared by every command. Each command builds
// one, uses it for a single call and closes it.
type app struct {
	cfg      *infra.Config
	mode     *infra.ExecModeConfig
	logger   *zap.Logger
	shell    *infra.Shell
	version  *infra.PropVersionSource
	packages *infra.ShellPackageRegistry
	session  *infra.BrokerSession
	store    *infra.EncryptedStore
}

// resolveConfigPath returns --config, else the config file of the data dir.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	mode := infra.DetectExecMode()
	if dir, ok := os.LookupEnv("PERMGUARD_DATA_DIR"); ok && dir != "" {
		mode = mode.WithDataDir(dir)
	}
	return mode.ConfigPath()
}

func newApp() (*app, error) {
	cfg, err := infra.LoadConfig(resolveConfigPath())
	if err != nil {
		return nil, err
	}
	mode, err := cfg.ExecMode()
	if err != nil {
		return nil, err
	}

	logger := createLogger(mode, cfg.LogLevel)
	shell := infra.NewShell(&infra.RealCommandRunner{}, mode.ShellCmd, logger)

	version := infra.NewPropVersionSource(shell)
	if cfg.SDKOverride > 0 {
		version = version.WithSDKOverride(cfg.SDKOverride)
	}

	return &app{
		cfg:      cfg,
		mode:     mode,
		logger:   logger,
		shell:    shell,
		version:  version,
		packages: infra.NewShellPackageRegistry(shell, cfg.OwnerID, logger),
	}, nil
}

// brokerSession opens the broker session on first use.
func (a *app) brokerSession() *infra.BrokerSession {
	if a.session == nil {
		a.session = infra.OpenBrokerSession(a.mode.SocketPath, a.logger)
	}
	return a.session
}

// openStore opens the encrypted audit and grant store, creating its key
// on first use.
func (a *app) openStore() (*infra.EncryptedStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	key, err := infra.EnsureKey(infra.NewFileKeyProvider(a.mode.DataDir))
	if err != nil {
		return nil, err
	}
	store, err := infra.NewEncryptedStore(a.mode.DataDir, key)
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

func (a *app) prober() domain.StateProber {
	return usecase.NewProber(a.packages, a.version, a.logger)
}

func (a *app) selector() domain.PathSelector {
	registry := infra.NewFileBrokerRegistry(a.mode.RegistryPath(), infra.NewProcessManager())
	return usecase.NewSelector(usecase.SelectorConfig{
		BrokerPackage:      a.cfg.Broker.Package,
		PingTimeout:        a.cfg.Broker.PingTimeout,
		AllowLocalFallback: a.cfg.Broker.AllowLocalFallback,
	}, a.packages, a.brokerSession(), a.logger).WithBrokerRegistry(registry)
}

func (a *app) orchestrator() *usecase.OrchestratorImpl {
	local := infra.NewShellBinding(a.shell, a.version, a.logger)
	invoker := usecase.NewInvoker(a.version, a.logger, local, a.brokerSession().Binding()).
		WithDeviceID(a.cfg.DeviceID)

	orch := usecase.NewOrchestrator(catalog.NewRegistry(), a.selector(), invoker, a.packages, a.logger).
		WithValidator(infra.NewValidator()).
		WithDefaultOwner(a.cfg.OwnerID)

	// History is best effort; mutations work without it.
	if store, err := a.openStore(); err != nil {
		a.logger.Warn("audit store unavailable", zap.Error(err))
	} else {
		orch = orch.WithAuditStore(store)
	}
	return orch
}

func (a *app) Close() {
	if a.session != nil {
		a.session.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	_ = a.logger.Sync()
}

func runProbe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	pkg := args[0]
	if err := infra.NewValidator().ValidatePackage(pkg); err != nil {
		return err
	}

	installed, err := a.packages.IsInstalled(ctx, pkg)
	if err != nil {
		return fmt.Errorf("failed to query package: %w", err)
	}
	state := a.prober().Probe(ctx, pkg)

	if jsonOutput {
		return printJSON(struct {
			Package   string            `json:"package"`
			Installed bool              `json:"installed"`
			State     domain.GrantState `json:"state"`
		}{pkg, installed, state})
	}

	fmt.Printf("\n=== %s ===\n", pkg)
	if !installed {
		color.Yellow("Not installed")
		return nil
	}
	for _, spec := range catalog.NewRegistry().All() {
		mark := color.RedString("denied")
		if state.Has(spec.Capability) {
			mark = color.GreenString("granted")
		}
		fmt.Printf("  %-14s %s\n", strings.ToLower(string(spec.Capability)), mark)
	}
	if state.HasFineLocation || state.HasCoarseLocation {
		fmt.Printf("    fine=%t coarse=%t background=%t\n",
			state.HasFineLocation, state.HasCoarseLocation, state.HasBackgroundLocation)
	}

	mode := state.Mode.String()
	if state.Mode.Blocked() {
		mode = color.YellowString(mode)
	}
	fmt.Printf("\nLocation op mode: %s\n", mode)
	if state.Mode.Blocked() && state.HasAnyLocation() {
		color.Yellow("Location is granted but silently blocked by app-ops.")
	}
	fmt.Printf("Declared permissions: %d\n", len(state.Requested))
	return nil
}

func runSet(cmd *cobra.Command, args []string) error {
	capability, err := catalog.Parse(args[1])
	if err != nil {
		return err
	}
	var desired domain.DesiredState
	switch strings.ToLower(args[2]) {
	case "grant":
		desired = domain.StateGrant
	case "revoke":
		desired = domain.StateRevoke
	default:
		return fmt.Errorf("unknown state %q (want grant or revoke)", args[2])
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	outcome := a.orchestrator().SetCapability(cmd.Context(), args[0], capability, desired)
	return printOutcome(outcome)
}

func runMode(cmd *cobra.Command, args []string) error {
	capability, err := catalog.Parse(args[1])
	if err != nil {
		return err
	}
	var allow bool
	switch strings.ToLower(args[2]) {
	case "allow":
		allow = true
	case "deny", "ignore":
	default:
		return fmt.Errorf("unknown mode %q (want allow or deny)", args[2])
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	outcome := a.orchestrator().SetOperationMode(cmd.Context(), args[0], capability, allow)
	return printOutcome(outcome)
}

func printOutcome(outcome domain.MutationOutcome) error {
	if jsonOutput {
		if err := printJSON(outcome); err != nil {
			return err
		}
	} else {
		if outcome.Success {
			color.Green("✓ done via %s", outcome.Path)
		} else {
			color.Red("✗ %s", outcome.Reason)
			if outcome.Detail != "" {
				fmt.Printf("  %s\n", outcome.Detail)
			}
		}
		for _, r := range outcome.Results {
			status := color.GreenString("ok")
			if !r.Success {
				status = color.RedString(string(r.Reason))
			}
			fmt.Printf("  %-45s %s\n", r.Permission, status)
		}
	}
	if !outcome.Success {
		return errMutationFailed
	}
	return nil
}

func runPath(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	sel := a.selector()
	installed := sel.IsBrokerInstalled(ctx)
	live := sel.IsBrokerLive(ctx)
	permitted := live && sel.HasBrokerPermission(ctx)
	path := sel.Select(ctx)

	if jsonOutput {
		return printJSON(map[string]interface{}{
			"path":      path,
			"installed": installed,
			"live":      live,
			"permitted": permitted,
			"socket":    a.mode.SocketPath,
		})
	}

	fmt.Println("\n=== Privilege Path ===")
	fmt.Printf("Broker installed: %s\n", yesNo(installed))
	fmt.Printf("Broker live:      %s\n", yesNo(live))
	fmt.Printf("Permission:       %s\n", yesNo(permitted))
	switch path {
	case domain.PathBrokerIPC:
		color.Green("Path: %s", path)
	case domain.PathNone:
		color.Red("Path: none available")
	default:
		color.Yellow("Path: %s", path)
		if live && !permitted {
			fmt.Println("\nRun 'permguard broker request' to ask for the broker's permission.")
		}
	}
	return nil
}

func runDevice(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	info := a.prober().DeviceInfo(cmd.Context())
	if jsonOutput {
		return printJSON(info)
	}

	fmt.Println("\n=== Device ===")
	fmt.Printf("Execution mode:  %s\n", a.mode.Mode)
	fmt.Printf("Android SDK:     %d\n", info.SDKLevel)
	fmt.Printf("Manufacturer:    %s\n", info.Manufacturer)
	fmt.Printf("App-ops:         %s\n", yesNo(info.AppOpsAvailable))
	fmt.Printf("Data directory:  %s\n", a.mode.DataDir)
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.openStore()
	if err != nil {
		return err
	}
	records, err := store.Recent(cmd.Context(), historyLimit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	if jsonOutput {
		return printJSON(records)
	}
	if len(records) == 0 {
		fmt.Println("No mutations recorded.")
		return nil
	}
	for _, r := range records {
		status := color.GreenString("ok")
		if !r.Success {
			status = color.RedString(string(r.Reason))
		}
		fmt.Printf("%s  %-30s %-12s %-12s %-16s %s\n",
			r.CreatedAt.Format(time.DateTime), r.PackageID, r.Capability, r.Action, r.Path, status)
	}
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("permguard %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

// createLogger writes to the data directory log, or to stderr with --verbose.
func createLogger(mode *infra.ExecModeConfig, level string) *zap.Logger {
	if verbose {
		logger, err := zap.NewDevelopment()
		if err == nil {
			return logger
		}
	}

	config := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		config.Level = lvl
	}
	if err := os.MkdirAll(mode.DataDir, 0700); err == nil {
		config.OutputPaths = []string{mode.LogPath()}
		config.ErrorOutputPaths = []string{mode.LogPath()}
	}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Keep CLI output clean when the log file is unusable
		return zap.NewNop()
	}
	return logger.With(zap.Int("pid", os.Getpid()))
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func yesNo(b bool) string {
	if b {
		return color.GreenString("yes")
	}
	return color.RedString("no")
}

// withTimeout bounds a command; zero means no bound.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func formatAge(d time.Duration) string {
	if d < 0 {
		return "in the future"
	}
	return strconv.FormatFloat(d.Round(time.Second).Seconds(), 'f', 0, 64) + "s ago"
}
