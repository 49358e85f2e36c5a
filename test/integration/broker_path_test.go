//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/permguard/internal/broker"
	"github.com/eliteGoblin/focusd/permguard/internal/catalog"
	"github.com/eliteGoblin/focusd/permguard/internal/daemon"
	"github.com/eliteGoblin/focusd/permguard/internal/domain"
	"github.com/eliteGoblin/focusd/permguard/internal/infra"
	"github.com/eliteGoblin/focusd/permguard/internal/usecase"
	"github.com/eliteGoblin/focusd/permguard/test/fixtures"
)

const targetPkg = "com.example.cam"

var _ = Describe("Permission control over both privilege paths", func() {
	var (
		tmpDir     string
		socketPath string
		device     *fixtures.FakeDevice
		logger     *zap.Logger

		brokerStore  *infra.EncryptedStore
		auditStore   *infra.EncryptedStore
		registry     *infra.FileBrokerRegistry
		stopBroker   context.CancelFunc
		brokerExited chan error

		session  *infra.BrokerSession
		selector domain.PathSelector
		prober   domain.StateProber
		orch     *usecase.OrchestratorImpl

		// operatorUID runs the broker; the client is someone else
		// unless a context says otherwise.
		clientUID   = uint32(os.Getuid())
		operatorUID uint32
	)

	newStore := func(dir string) *infra.EncryptedStore {
		key, err := infra.EnsureKey(infra.NewFileKeyProvider(dir))
		Expect(err).NotTo(HaveOccurred())
		store, err := infra.NewEncryptedStore(dir, key)
		Expect(err).NotTo(HaveOccurred())
		return store
	}

	BeforeEach(func() {
		var err error
		// Short path: unix socket paths are length limited
		tmpDir, err = os.MkdirTemp("", "pgi")
		Expect(err).NotTo(HaveOccurred())
		socketPath = filepath.Join(tmpDir, infra.BrokerSocketName)
		logger = zap.NewNop()

		device = fixtures.NewFakeDevice(34)
		device.Install(fixtures.FakeApp{
			Package: infra.BrokerPackage,
			AppID:   10500,
		})
		device.Install(fixtures.FakeApp{
			Package:   targetPkg,
			AppID:     10123,
			Requested: []string{domain.PermCamera, domain.PermFineLocation},
			Granted:   []string{domain.PermCamera, domain.PermFineLocation},
			UidOps:    map[string]domain.OpMode{domain.OpFineLocation: domain.OpModeAllowed},
		})
		operatorUID = clientUID + 1
	})

	JustBeforeEach(func() {
		// Broker side: runs every command as the shell user
		brokerShell := infra.NewShell(device.ShellUser(), nil, logger)
		brokerVersion := infra.NewPropVersionSource(brokerShell)
		brokerStore = newStore(filepath.Join(tmpDir, "broker"))
		server := broker.New(broker.Config{
			SocketPath: socketPath,
			Version:    "v0.3.0-test",
			AdminUIDs:  []uint32{operatorUID},
		}, infra.NewShellBinding(brokerShell, brokerVersion, logger), brokerStore, infra.NewValidator(), logger)

		pm := infra.NewProcessManager()
		registry = infra.NewFileBrokerRegistry(filepath.Join(tmpDir, "broker.json"), pm)
		d := daemon.NewBrokerDaemon(daemon.BrokerDaemonConfig{
			SocketPath:        socketPath,
			AppVersion:        "v0.3.0-test",
			HeartbeatInterval: 50 * time.Millisecond,
		}, server, registry, pm, logger)

		var ctx context.Context
		ctx, stopBroker = context.WithCancel(context.Background())
		brokerExited = make(chan error, 1)
		go func() { brokerExited <- d.Run(ctx) }()

		// Client side: runs commands with its own, unprivileged uid
		shell := infra.NewShell(device, nil, logger)
		version := infra.NewPropVersionSource(shell)
		packages := infra.NewShellPackageRegistry(shell, 0, logger)

		session = infra.OpenBrokerSession(socketPath, logger)
		Eventually(func() error {
			return session.Ping(context.Background())
		}, 2*time.Second, 20*time.Millisecond).Should(Succeed())

		selector = usecase.NewSelector(usecase.SelectorConfig{
			BrokerPackage:      infra.BrokerPackage,
			PingTimeout:        time.Second,
			AllowLocalFallback: true,
		}, packages, session, logger).WithBrokerRegistry(registry)
		prober = usecase.NewProber(packages, version, logger)

		invoker := usecase.NewInvoker(version, logger,
			infra.NewShellBinding(shell, version, logger), session.Binding())
		auditStore = newStore(filepath.Join(tmpDir, "client"))
		orch = usecase.NewOrchestrator(catalog.NewRegistry(), selector, invoker, packages, logger).
			WithValidator(infra.NewValidator()).
			WithAuditStore(auditStore)
	})

	AfterEach(func() {
		session.Close()
		stopBroker()
		Eventually(brokerExited, 2*time.Second).Should(Receive())
		brokerStore.Close()
		auditStore.Close()
		os.RemoveAll(tmpDir)
	})

	// grantBrokerPermission stands in for an earlier operator decision;
	// decisions persist per uid.
	grantBrokerPermission := func() {
		Expect(brokerStore.SetGranted(clientUID, true)).To(Succeed())
	}

	Describe("broker registration", func() {
		It("registers the running broker and clears it on stop", func() {
			Eventually(func() bool {
				alive, _ := registry.IsAlive()
				return alive
			}, 2*time.Second, 20*time.Millisecond).Should(BeTrue())

			entry, err := registry.Get()
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.PID).To(Equal(os.Getpid()))
			Expect(entry.SocketPath).To(Equal(socketPath))

			stopBroker()
			Eventually(brokerExited, 2*time.Second).Should(Receive(BeNil()))
			entry, err = registry.Get()
			Expect(err).NotTo(HaveOccurred())
			Expect(entry).To(BeNil())

			// AfterEach waits on the exit channel once more
			brokerExited <- nil
		})
	})

	Describe("probing", func() {
		It("reports declared grants of the target", func() {
			state := prober.Probe(context.Background(), targetPkg)
			Expect(state.HasCamera).To(BeTrue())
			Expect(state.HasFineLocation).To(BeTrue())
			Expect(state.HasCoarseLocation).To(BeFalse())
			Expect(state.HasAnyLocation()).To(BeTrue())
			Expect(state.Mode).To(Equal(domain.OpModeAllowed))
		})

		It("returns an empty state for a missing package", func() {
			state := prober.Probe(context.Background(), "com.example.gone")
			Expect(state.HasAnyLocation()).To(BeFalse())
			Expect(state.Requested).To(BeEmpty())
		})
	})

	Context("without the broker's permission", func() {
		It("falls back to the local path, which the OS rejects", func() {
			Expect(selector.IsBrokerInstalled(context.Background())).To(BeTrue())
			Expect(selector.IsBrokerLive(context.Background())).To(BeTrue())
			Expect(selector.HasBrokerPermission(context.Background())).To(BeFalse())
			Expect(selector.Select(context.Background())).To(Equal(domain.PathLocalReflective))

			outcome := orch.SetCapability(context.Background(), targetPkg, domain.CapCamera, domain.StateRevoke)
			Expect(outcome.Success).To(BeFalse())
			Expect(outcome.Reason).To(Equal(domain.ReasonPermissionDenied))
			Expect(device.IsGranted(targetPkg, domain.PermCamera)).To(BeTrue())
		})

		It("abandons a permission request when the caller gives up", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			Expect(selector.RequestBrokerPermission(ctx)).To(BeFalse())
			Expect(selector.HasBrokerPermission(context.Background())).To(BeFalse())
		})
	})

	Context("when the client is the broker operator", func() {
		BeforeEach(func() {
			operatorUID = clientUID
		})

		It("approves its own pending request and the decision persists", func() {
			result := make(chan bool, 1)
			go func() { result <- selector.RequestBrokerPermission(context.Background()) }()

			ctx := context.Background()
			var pending []domain.PermissionRequest
			Eventually(func() int {
				var err error
				pending, err = session.PendingRequests(ctx)
				Expect(err).NotTo(HaveOccurred())
				return len(pending)
			}, 2*time.Second, 20*time.Millisecond).Should(Equal(1))
			Expect(pending[0].UID).To(Equal(clientUID))

			decided, err := session.Decide(ctx, pending[0].ID, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(decided.Granted).To(BeTrue())
			Eventually(result, 2*time.Second).Should(Receive(BeTrue()))

			granted, err := brokerStore.IsGranted(clientUID)
			Expect(err).NotTo(HaveOccurred())
			Expect(granted).To(BeTrue())
		})
	})

	Context("without operator rights", func() {
		It("cannot list or decide requests", func() {
			_, err := session.PendingRequests(context.Background())
			Expect(err).To(HaveOccurred())

			_, err = session.Decide(context.Background(), "0f8e2c6a-5e0c-4b8e-9d0f-8a1b2c3d4e5f", true)
			Expect(err).To(HaveOccurred())
		})
	})

	Context("with the broker's permission", func() {
		JustBeforeEach(func() {
			grantBrokerPermission()
		})

		It("selects the broker path", func() {
			Expect(selector.Select(context.Background())).To(Equal(domain.PathBrokerIPC))
		})

		Context("when the broker ships without a package", func() {
			BeforeEach(func() {
				device.Uninstall(infra.BrokerPackage)
			})

			It("counts the registered broker as installed", func() {
				Eventually(func() domain.PrivilegePath {
					return selector.Select(context.Background())
				}, 2*time.Second, 20*time.Millisecond).Should(Equal(domain.PathBrokerIPC))
				Expect(selector.IsBrokerInstalled(context.Background())).To(BeTrue())
			})
		})

		It("revokes through the broker and is idempotent", func() {
			for i := 0; i < 2; i++ {
				outcome := orch.SetCapability(context.Background(), targetPkg, domain.CapCamera, domain.StateRevoke)
				Expect(outcome.Success).To(BeTrue())
				Expect(outcome.Path).To(Equal(domain.PathBrokerIPC))
			}
			Expect(device.IsGranted(targetPkg, domain.PermCamera)).To(BeFalse())

			// SDK 34 has no device-aware shape, so only legacy pm calls ran
			for _, call := range device.CallsTo("pm", "revoke") {
				Expect(call).NotTo(ContainElement("--device"))
			}
		})

		It("counts location as revoked when any constituent permission was", func() {
			outcome := orch.SetCapability(context.Background(), targetPkg, domain.CapLocation, domain.StateRevoke)
			Expect(outcome.Success).To(BeTrue())
			Expect(outcome.Results).To(HaveLen(3))
			Expect(device.IsGranted(targetPkg, domain.PermFineLocation)).To(BeFalse())

			failed := 0
			for _, r := range outcome.Results {
				if !r.Success {
					failed++
					Expect(r.Reason).To(Equal(domain.ReasonPermissionDenied))
				}
			}
			Expect(failed).To(Equal(2))
		})

		It("sets op modes through the broker", func() {
			outcome := orch.SetOperationMode(context.Background(), targetPkg, domain.CapLocation, false)
			Expect(outcome.Success).To(BeTrue())
			Expect(device.OpMode(targetPkg, domain.OpFineLocation)).To(Equal(domain.OpModeIgnored))

			// the granted permission keeps the uid mode at allow
			state := prober.Probe(context.Background(), targetPkg)
			Expect(state.Mode).To(Equal(domain.OpModeIgnored))
			Expect(state.HasFineLocation).To(BeTrue(), "the grant flag stays set while app-ops blocks it")
		})

		It("rejects malformed package ids before touching the device", func() {
			before := len(device.CallsTo("pm", "revoke"))
			outcome := orch.SetCapability(context.Background(), "not a package", domain.CapCamera, domain.StateRevoke)
			Expect(outcome.Success).To(BeFalse())
			Expect(outcome.Reason).To(Equal(domain.ReasonInvalidArgument))
			Expect(device.CallsTo("pm", "revoke")).To(HaveLen(before))
		})

		It("records every mutation in the audit history", func() {
			orch.SetCapability(context.Background(), targetPkg, domain.CapCamera, domain.StateRevoke)
			orch.SetCapability(context.Background(), targetPkg, domain.CapCamera, domain.StateGrant)

			records, err := auditStore.Recent(context.Background(), 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(2))
			Expect(records[0].Action).To(Equal("grant"))
			Expect(records[0].Path).To(Equal(domain.PathBrokerIPC))
			Expect(records[1].Action).To(Equal("revoke"))
		})

		It("falls back to the local path once the broker is gone", func() {
			stopBroker()
			Eventually(brokerExited, 2*time.Second).Should(Receive())
			brokerExited <- nil

			Expect(selector.Select(context.Background())).To(Equal(domain.PathLocalReflective))
		})
	})

	Context("on SDK 35", func() {
		BeforeEach(func() {
			device.SetSDK(35)
		})

		JustBeforeEach(func() {
			grantBrokerPermission()
		})

		It("uses the device-aware call shape", func() {
			outcome := orch.SetCapability(context.Background(), targetPkg, domain.CapCamera, domain.StateRevoke)
			Expect(outcome.Success).To(BeTrue())

			calls := device.CallsTo("pm", "revoke")
			Expect(calls).NotTo(BeEmpty())
			Expect(calls[len(calls)-1]).To(ContainElement("--device"))
		})
	})
})
