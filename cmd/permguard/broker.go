package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/permguard/internal/broker"
	"github.com/eliteGoblin/focusd/permguard/internal/daemon"
	"github.com/eliteGoblin/focusd/permguard/internal/infra"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Manage the privileged broker",
	Long: `The broker runs with shell privileges (start it through adb) and performs
permission mutations for clients it has granted its permission to.`,
}

var brokerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the broker in the background",
	RunE:  runBrokerStart,
}

// Hidden serve command - used for self-exec when spawning the broker
var brokerServeCmd = &cobra.Command{
	Use:    "serve",
	Hidden: true,
	RunE:   runBrokerServe,
}

var brokerStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check broker status",
	RunE:  runBrokerStatus,
}

var brokerPingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the broker answers",
	RunE:  runBrokerPing,
}

var brokerRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Ask the broker for its permission and wait for the decision",
	Long: `Files a permission request with the broker and waits until the broker
operator approves or denies it. Ctrl-C or --timeout drops the request.`,
	RunE: runBrokerRequest,
}

var brokerPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List undecided permission requests (broker operator only)",
	RunE:  runBrokerPending,
}

var brokerApproveCmd = &cobra.Command{
	Use:   "approve <request-id>",
	Short: "Approve a permission request (broker operator only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBrokerDecide(cmd, args[0], true)
	},
}

var brokerDenyCmd = &cobra.Command{
	Use:   "deny <request-id>",
	Short: "Deny a permission request (broker operator only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBrokerDecide(cmd, args[0], false)
	},
}

var requestTimeout time.Duration

func init() {
	brokerRequestCmd.Flags().DurationVar(&requestTimeout, "timeout", 0, "Give up after this long (0 waits indefinitely)")

	brokerCmd.AddCommand(brokerStartCmd)
	brokerCmd.AddCommand(brokerServeCmd)
	brokerCmd.AddCommand(brokerStatusCmd)
	brokerCmd.AddCommand(brokerPingCmd)
	brokerCmd.AddCommand(brokerRequestCmd)
	brokerCmd.AddCommand(brokerPendingCmd)
	brokerCmd.AddCommand(brokerApproveCmd)
	brokerCmd.AddCommand(brokerDenyCmd)
}

func runBrokerStart(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	pm := infra.NewProcessManager()
	registry := infra.NewFileBrokerRegistry(a.mode.RegistryPath(), pm)
	if alive, _ := registry.IsAlive(); alive {
		fmt.Println("broker is already running")
		return nil
	}

	pid, err := daemon.StartBroker(configPath)
	if err != nil {
		return err
	}

	// Wait a moment for the broker to bind its socket
	session := a.brokerSession()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := session.Ping(cmd.Context()); err == nil {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("broker (pid %d) did not come up; see %s", pid, a.mode.LogPath())
		}
		time.Sleep(100 * time.Millisecond)
	}

	color.Green("broker started (pid %d)", pid)
	fmt.Printf("Socket: %s\n", a.mode.SocketPath)
	return nil
}

func runBrokerServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.openStore()
	if err != nil {
		a.logger.Error("failed to open grant store", zap.Error(err))
		return err
	}

	binding := infra.NewShellBinding(a.shell, a.version, a.logger)
	server := broker.New(broker.Config{
		SocketPath:        a.mode.SocketPath,
		Version:           Version,
		RequestsPerMinute: a.cfg.Broker.RequestsPerMinute,
		RequestBurst:      a.cfg.Broker.RequestBurst,
	}, binding, store, infra.NewValidator(), a.logger)

	pm := infra.NewProcessManager()
	d := daemon.NewBrokerDaemon(daemon.BrokerDaemonConfig{
		SocketPath:        a.mode.SocketPath,
		AppVersion:        Version,
		HeartbeatInterval: a.cfg.Broker.HeartbeatInterval,
	}, server, infra.NewFileBrokerRegistry(a.mode.RegistryPath(), pm), pm, a.logger)

	return d.Run(cmd.Context())
}

func runBrokerStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	pm := infra.NewProcessManager()
	registry := infra.NewFileBrokerRegistry(a.mode.RegistryPath(), pm)
	state, err := daemon.Inspect(registry, pm, a.mode.SocketPath, time.Now())
	if err != nil {
		return err
	}

	status, statusErr := a.brokerSession().Status(cmd.Context())

	if jsonOutput {
		return printJSON(struct {
			daemon.BrokerState
			Broker infra.BrokerStatus `json:"broker"`
		}{state, status})
	}

	fmt.Println("\n=== Broker Status ===")
	switch {
	case statusErr == nil && status.Live:
		color.Green("Status: RUNNING (v%s)", status.Version)
	case state.Alive:
		color.Yellow("Status: PROCESS RUNNING, NOT ANSWERING")
	default:
		color.Red("Status: NOT RUNNING")
	}

	if state.Entry != nil {
		fmt.Printf("PID: %d (uid %d)\n", state.Entry.PID, state.Entry.UID)
		fmt.Printf("Last heartbeat: %s\n", formatAge(state.Since))
	}
	fmt.Printf("Socket: %s", a.mode.SocketPath)
	if !state.Socket {
		fmt.Print(" (missing)")
	}
	fmt.Println()

	if statusErr == nil {
		granted, _ := a.brokerSession().HasPermission(cmd.Context())
		fmt.Printf("Our uid: %d, permission: %s, operator: %s\n", status.UID, yesNo(granted), yesNo(status.Admin))
	}
	if state.Stale {
		color.Yellow("Registry is stale; 'permguard broker start' will replace it.")
	}
	if len(state.Stray) > 0 {
		color.Yellow("Unregistered broker processes: %v", state.Stray)
	}
	return nil
}

func runBrokerPing(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	ctx, cancel := withTimeout(cmd.Context(), a.cfg.Broker.PingTimeout)
	defer cancel()
	if err := a.brokerSession().Ping(ctx); err != nil {
		return err
	}
	color.Green("pong from %s in %s", a.mode.SocketPath, time.Since(start).Round(time.Microsecond))
	return nil
}

func runBrokerRequest(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := withTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	sel := a.selector()
	if !sel.IsBrokerLive(ctx) {
		return fmt.Errorf("broker is not running at %s", a.mode.SocketPath)
	}
	if sel.HasBrokerPermission(ctx) {
		color.Green("permission already granted")
		return nil
	}

	fmt.Println("Waiting for the broker operator to decide (Ctrl-C to give up)...")
	if sel.RequestBrokerPermission(ctx) {
		color.Green("✓ permission granted")
		return nil
	}
	if ctx.Err() != nil {
		color.Yellow("request abandoned")
	} else {
		color.Red("✗ permission denied")
	}
	return errMutationFailed
}

func runBrokerPending(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	requests, err := a.brokerSession().PendingRequests(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(requests)
	}
	if len(requests) == 0 {
		fmt.Println("No pending requests.")
		return nil
	}
	for _, r := range requests {
		fmt.Printf("%s  uid=%-6d pid=%-6d %s\n", r.ID, r.UID, r.PID, formatAge(time.Since(r.CreatedAt)))
	}
	return nil
}

func runBrokerDecide(cmd *cobra.Command, id string, approve bool) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	request, err := a.brokerSession().Decide(cmd.Context(), id, approve)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(request)
	}
	if request.Granted {
		color.Green("uid %d may now use the broker", request.UID)
	} else {
		color.Yellow("uid %d denied", request.UID)
	}
	return nil
}
