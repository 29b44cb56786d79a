package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/rfgw/pkg/api"
	"github.com/codelaboratoryltd/rfgw/pkg/billing"
	"github.com/codelaboratoryltd/rfgw/pkg/codec"
	"github.com/codelaboratoryltd/rfgw/pkg/diameter"
	"github.com/codelaboratoryltd/rfgw/pkg/dispatch"
	"github.com/codelaboratoryltd/rfgw/pkg/metrics"
	"github.com/codelaboratoryltd/rfgw/pkg/monitor"
	"github.com/codelaboratoryltd/rfgw/pkg/radius"
	"github.com/codelaboratoryltd/rfgw/pkg/realm"
	"github.com/codelaboratoryltd/rfgw/pkg/store"
	"github.com/codelaboratoryltd/rfgw/pkg/timer"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rfgw",
	Short: "Diameter Rf billing gateway",
	Long: `rfgw - converts HTTP billing events from call-control nodes into
Diameter Rf accounting requests, keeping per-call session state and
interim timers.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the billing gateway",
	RunE:  runGateway,
}

var (
	configFile string
	logLevel   string
	httpListen string
	localHost  string

	// Diameter
	originHost        string
	originRealm       string
	billingRealm      string
	billingPeer       string
	maxPeers          int
	dnsServer         string
	blacklistDuration time.Duration
	diameterTimeout   time.Duration
	diameterWatchdog  time.Duration
	pcapFile          string

	// Session store
	storeBackend     string
	sqliteDSN        string
	storeWriteFormat string

	// Timers
	timerService string
	chronosURL   string
	sessionTTL   time.Duration

	startPolicy     string
	defaultInterval uint32

	// RADIUS accounting mirror
	radiusServers    string
	radiusSecret     string
	radiusSecretFile string
	radiusNASID      string
	radiusTimeout    time.Duration
)

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/rfgw/config.yaml",
		"Configuration file path")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&httpListen, "http-listen", "0.0.0.0:10888",
		"Listen address for billing requests, health and metrics")
	runCmd.Flags().StringVar(&localHost, "local-host", "127.0.0.1",
		"Host the timer service calls back on")

	runCmd.Flags().StringVar(&originHost, "origin-host", "rfgw.local",
		"Diameter Origin-Host")
	runCmd.Flags().StringVar(&originRealm, "origin-realm", "local",
		"Diameter Origin-Realm")
	runCmd.Flags().StringVar(&billingRealm, "billing-realm", "dest-realm.unknown",
		"Destination-Realm and SRV lookup domain for CDFs")
	runCmd.Flags().StringVar(&billingPeer, "billing-peer", "",
		"Fallback CDF (host[:port]) when realm resolution yields nothing")
	runCmd.Flags().IntVar(&maxPeers, "max-peers", 2,
		"Maximum CDF peers tried per record")
	runCmd.Flags().StringVar(&dnsServer, "dns-server", "127.0.0.1:53",
		"DNS server for realm SRV lookups")
	runCmd.Flags().DurationVar(&blacklistDuration, "diameter-blacklist-duration", 30*time.Second,
		"How long a failed CDF peer is skipped")
	runCmd.Flags().DurationVar(&diameterTimeout, "diameter-timeout", 5*time.Second,
		"ACA wait per peer")
	runCmd.Flags().DurationVar(&diameterWatchdog, "diameter-watchdog", 30*time.Second,
		"Device-Watchdog interval (0 disables)")
	runCmd.Flags().StringVar(&pcapFile, "pcap-file", "",
		"Write sent and received Diameter messages to this pcap file")

	runCmd.Flags().StringVar(&storeBackend, "store", "memory",
		"Session store backend (memory, sqlite)")
	runCmd.Flags().StringVar(&sqliteDSN, "sqlite-dsn", "rfgw.db",
		"SQLite database path")
	runCmd.Flags().StringVar(&storeWriteFormat, "store-write-format", "json",
		"Session record write format (json, binary); all formats are readable")

	runCmd.Flags().StringVar(&timerService, "timer-service", "local",
		"Interim timer service (local, chronos)")
	runCmd.Flags().StringVar(&chronosURL, "chronos-url", "http://127.0.0.1:7253",
		"Chronos-compatible timer service URL")
	runCmd.Flags().DurationVar(&sessionTTL, "session-ttl", 24*time.Hour,
		"How long interim timers keep repeating")

	runCmd.Flags().StringVar(&startPolicy, "start-policy", "reject",
		"START for an existing session (reject, overwrite)")
	runCmd.Flags().Uint32Var(&defaultInterval, "default-interim-interval", 300,
		"Interim interval in seconds when START carries none")

	runCmd.Flags().StringVar(&radiusServers, "radius-server", "",
		"RADIUS accounting servers to mirror records to (comma-separated host[:port])")
	runCmd.Flags().StringVar(&radiusSecret, "radius-secret", "",
		"RADIUS shared secret (DEPRECATED: visible in ps output, use --radius-secret-file instead)")
	runCmd.Flags().StringVar(&radiusSecretFile, "radius-secret-file", "",
		"Path to file containing RADIUS shared secret")
	runCmd.Flags().StringVar(&radiusNASID, "radius-nas-id", "rfgw",
		"RADIUS NAS-Identifier")
	runCmd.Flags().DurationVar(&radiusTimeout, "radius-timeout", 3*time.Second,
		"RADIUS request timeout")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("rfgw version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
	},
}

func runGateway(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	// CLI flags that were explicitly set take precedence over the file.
	if err := loadConfigFile(cmd, logger); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("Starting rfgw",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("listen", httpListen),
		zap.String("origin_host", originHost),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	m := metrics.New(logger)
	if err := m.Register(); err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}
	monitors := monitor.NewSet(monitor.DefaultConfig(), m, logger)

	// Session store
	c, err := codec.NewForWriteFormat(storeWriteFormat)
	if err != nil {
		return err
	}
	backend, err := openBackend(storeBackend, sqliteDSN)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	sessions := store.New(backend, c, logger)
	defer sessions.Close()
	logger.Info("Session store ready",
		zap.String("backend", storeBackend),
		zap.String("write_format", c.WriteFormat()),
		zap.Strings("read_order", c.ReadOrder()),
	)

	// Timers fire back into our own HTTP endpoint.
	_, port, err := net.SplitHostPort(httpListen)
	if err != nil {
		return fmt.Errorf("invalid --http-listen %q: %w", httpListen, err)
	}
	callback := timer.Callback{BaseURL: "http://" + net.JoinHostPort(localHost, port)}
	var timers timer.Service
	switch timerService {
	case "local":
		local := timer.NewLocal(callback, logger)
		defer local.Stop()
		timers = local
	case "chronos":
		timers = timer.NewChronos(chronosURL, callback)
	default:
		return fmt.Errorf("unknown timer service %q", timerService)
	}

	// Diameter
	var capture *diameter.Capture
	if pcapFile != "" {
		capture, err = diameter.OpenCapture(pcapFile)
		if err != nil {
			return fmt.Errorf("failed to open pcap file: %w", err)
		}
		defer capture.Close()
		logger.Info("Capturing Diameter traffic", zap.String("path", pcapFile))
	}
	stackCfg := diameter.DefaultConfig()
	stackCfg.OriginHost = originHost
	stackCfg.OriginRealm = originRealm
	stackCfg.Timeout = diameterTimeout
	stackCfg.WatchdogInterval = diameterWatchdog
	stack, err := diameter.NewStack(stackCfg, capture, logger)
	if err != nil {
		return fmt.Errorf("failed to create Diameter stack: %w", err)
	}
	defer stack.Close()

	resolverCfg := realm.DefaultConfig()
	resolverCfg.Server = dnsServer
	resolver, err := realm.NewResolver(resolverCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create realm resolver: %w", err)
	}

	var dispatcher dispatch.Dispatcher = dispatch.NewRf(dispatch.RfConfig{
		BillingRealm: billingRealm,
		FallbackPeer: billingPeer,
		MaxPeers:     maxPeers,
	}, stack, resolver, realm.NewBlacklist(blacklistDuration), m, logger)

	if radiusServers != "" {
		secret := resolveSecret(radiusSecret, radiusSecretFile, "radius-secret", "radius-secret-file", logger)
		client, err := radius.NewClient(radius.ClientConfig{
			Servers: parseRADIUSServers(radiusServers, secret),
			NASID:   radiusNASID,
			Timeout: radiusTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create RADIUS client: %w", err)
		}
		dispatcher = dispatch.NewMirror(dispatcher, logger, dispatch.NewRADIUS(client, m, logger))
		logger.Info("Mirroring accounting to RADIUS", zap.String("servers", radiusServers))
	}

	policy, err := billing.ParseStartPolicy(startPolicy)
	if err != nil {
		return err
	}
	manager := billing.NewManager(billing.Config{
		StartPolicy:            policy,
		DefaultInterimInterval: defaultInterval,
		SessionTTL:             sessionTTL,
		MaxCASAttempts:         billing.DefaultConfig().MaxCASAttempts,
		OriginHost:             originHost,
	}, sessions, timers, dispatcher, monitors, m, logger)

	apiCfg := api.DefaultConfig()
	apiCfg.ListenAddr = httpListen
	server := api.NewServer(apiCfg, manager, monitors, m, m.Handler(), logger)
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	logger.Info("rfgw started",
		zap.String("listen", httpListen),
		zap.String("timer_service", timerService),
		zap.String("billing_realm", billingRealm),
		zap.Bool("radius_mirror", radiusServers != ""),
		zap.Bool("pcap", capture != nil),
	)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("Failed to stop HTTP server", zap.Error(err))
	}
	logger.Info("rfgw stopped")
	return nil
}

func openBackend(kind, dsn string) (store.Backend, error) {
	switch kind {
	case "memory":
		return store.NewMemoryBackend(), nil
	case "sqlite":
		b, err := store.OpenSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unknown store backend %q", kind)
}
