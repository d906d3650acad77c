// drivesync keeps a local metadata mirror of a cloud drive volume in
// sync with the remote change log and serves it to the host filesystem
// extension.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/drivesync/drivesync/internal/api"
	"github.com/drivesync/drivesync/internal/bridge"
	"github.com/drivesync/drivesync/internal/config"
	"github.com/drivesync/drivesync/internal/enumerate"
	"github.com/drivesync/drivesync/internal/events"
	"github.com/drivesync/drivesync/internal/logging/audit"
	"github.com/drivesync/drivesync/internal/logging/loki"
	"github.com/drivesync/drivesync/internal/metadata"
	"github.com/drivesync/drivesync/internal/metrics"
	"github.com/drivesync/drivesync/internal/offline"
	"github.com/drivesync/drivesync/internal/store"
	"github.com/drivesync/drivesync/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Service mode flag (hidden, used when running as a service)
	serviceRun bool
)

func main() {
	// Check if running as a service (invoked by service manager)
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	rootCmd := &cobra.Command{
		Use:   "drivesync",
		Short: "drivesync - cloud drive metadata sync daemon",
		Long: `drivesync mirrors the metadata of a cloud drive volume locally and
keeps it current against the remote event log. The host filesystem
extension consumes the mirror over a loopback API: paged folder
listings, change-sets keyed by sync anchor, and offline-availability
marks.

QUICK START:

  # Create a config file:
  cat > drivesync.yaml <<CONF
  volume_id: "vol-..."
  share_id: "share-..."
  api:
    base_url: "https://drive.example.com"
    session_token: "..."
  CONF

  # Run the daemon:
  drivesync run --config drivesync.yaml

  # Install as system service (optional):
  sudo drivesync service install --config /etc/drivesync/drivesync.yaml

For more help on any command, use: drivesync <command> --help`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	// Hidden service mode flag (used when running as a service)
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	// Run command
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		RunE:  runRun,
	}
	rootCmd.AddCommand(runCmd)

	// Version command
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("drivesync %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
			fmt.Printf("  Go:         %s\n", runtime.Version())
		},
	}
	rootCmd.AddCommand(versionCmd)

	// Store command - inspect and maintain the metadata store
	rootCmd.AddCommand(newStoreCmd())

	// Service command - manage system service
	rootCmd.AddCommand(newServiceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func runRun(cmd *cobra.Command, args []string) error {
	setupLogging()

	if cfgFile == "" {
		return fmt.Errorf("config file required (use --config)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runSync(ctx, cfgFile)
}

// runAsService runs under the service manager with file-based logging.
func runAsService() {
	setupServiceLogging()

	configPath := svc.DefaultConfigPath()
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}

	prg := &svc.Program{
		ConfigPath: configPath,
		RunSync:    runSync,
	}
	cfg := &svc.ServiceConfig{
		Name:        svc.DefaultServiceName(),
		DisplayName: svc.DefaultDisplayName(),
		Description: svc.DefaultDescription(),
		ConfigPath:  configPath,
	}
	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

// setupServiceLogging configures logging for service mode. Writes
// directly to a file because launchd/kardianos-service may not properly
// redirect stderr.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logPath := svc.ServiceLogPath(svc.DefaultServiceName())
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}
	log.Logger = log.Output(logFile)
}

// runSync is the daemon body: recover the store, wire the sync
// pipeline, serve the host bridge, and poll events until ctx ends.
func runSync(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
		log.Info().Str("level", cfg.LogLevel).Msg("log level configured")
	}

	// Loki log shipping if enabled
	if cfg.Loki.Enabled && cfg.Loki.URL != "" {
		flushInterval, err := time.ParseDuration(cfg.Loki.FlushInterval)
		if err != nil {
			flushInterval = 5 * time.Second
		}
		lokiWriter := loki.NewWriter(loki.Config{
			URL:           cfg.Loki.URL,
			BatchSize:     cfg.Loki.BatchSize,
			FlushInterval: flushInterval,
			Labels: map[string]string{
				"volume":  cfg.VolumeID,
				"version": Version,
			},
		})
		lokiWriter.Start()
		defer lokiWriter.Stop()

		// Reconfigure logger to also write to Loki
		log.Logger = log.Output(zerolog.MultiLevelWriter(
			zerolog.ConsoleWriter{Out: os.Stderr},
			lokiWriter,
		))
		log.Info().Str("url", cfg.Loki.URL).Msg("Loki log shipping enabled")
	}

	log.Info().
		Str("version", Version).
		Str("volume", cfg.VolumeID).
		Str("share", cfg.ShareID).
		Msg("drivesync starting")

	if err := os.MkdirAll(cfg.Store.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	fs := osfs.New(cfg.Store.DataDir)

	auditLog := audit.NewLogger(log.With().Str("component", "audit").Logger())
	registry := metadata.NewContextRegistry()
	repo := metadata.NewRepository()

	// Converge the store directory on exactly one usable store before
	// anything opens it.
	storeMgr := store.NewManager(fs, ".", cfg.Store.Name, registry)
	if err := storeMgr.RestoreFromBackup(); err != nil {
		auditLog.LogStoreOp("backup_promote", cfg.Store.Name, "failed", err.Error())
		return err
	}
	if storeMgr.CleanupLeftovers() {
		auditLog.LogStoreOp("recover", cfg.Store.Name, "succeeded", "interrupted recovery cleaned up")
	}
	if err := repo.LoadSnapshot(fs, storeMgr.ExistingPath()); err != nil {
		return err
	}

	syncMetrics := metrics.InitMetrics(cfg.VolumeID)
	session := api.NewSession(cfg.API.SessionToken)
	client := api.NewHTTPClient(cfg.API.BaseURL, session)

	if err := bootstrapMetadata(ctx, client, repo, registry, cfg.VolumeID); err != nil {
		// Tolerated: the local mirror still serves cached state.
		log.Warn().Err(err).Msg("remote metadata bootstrap failed, serving cached state")
	}

	ledger := events.NewLedger()
	ledgerPath := cfg.Store.Name + ".events"
	if err := ledger.Load(fs, ledgerPath); err != nil {
		log.Warn().Err(err).Msg("event ledger unreadable, starting fresh epoch")
	}

	processor := events.NewProcessor(repo, registry, ledger)
	hostLink := bridge.NewHostLink()
	propagator := offline.NewPropagator(repo, registry, hostLink, syncMetrics)
	keepPath := cfg.Store.Name + ".keepq"
	removePath := cfg.Store.Name + ".removeq"
	if err := propagator.KeepQueue().Load(fs, keepPath); err != nil {
		log.Warn().Err(err).Msg("keep-downloaded queue unreadable")
	}
	if err := propagator.RemoveQueue().Load(fs, removePath); err != nil {
		log.Warn().Err(err).Msg("remove-downloaded queue unreadable")
	}

	pollInterval, err := time.ParseDuration(cfg.Events.PollInterval)
	if err != nil {
		pollInterval = 30 * time.Second
	}

	opts := []events.LoopOption{
		events.WithMetrics(syncMetrics),
		events.WithOnChanges(propagator.UpdateStateBasedOnParent),
	}
	if cfg.API.PushEnabled {
		notifier := api.NewNotifier(cfg.API.BaseURL+"/drive/listen", session)
		go notifier.Run(ctx)
		opts = append(opts, events.WithWake(notifier.Wake()))
	}
	loop := events.NewLoop(client, ledger, processor, cfg.VolumeID, cfg.ShareID, pollInterval, opts...)

	freshEpoch := ledger.ReferenceID() == ""
	if err := loop.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap event tracking: %w", err)
	}
	if freshEpoch {
		auditLog.LogEpochReset(cfg.VolumeID, ledger.ReferenceID(), "login")
	}

	// Host-facing bridge
	changeEnum := enumerate.NewChangeEnumerator(repo, registry, ledger, cfg.ShareID, cfg.VolumeID, loop, propagator, syncMetrics)
	itemEnum := enumerate.NewItemEnumerator(repo, registry, client, cfg.ShareID, cfg.VolumeID, syncMetrics)
	wsEnum := enumerate.NewWorkingSetEnumerator(repo, registry, cfg.ShareID)
	bridgeSrv := bridge.NewServer(itemEnum, wsEnum, changeEnum, propagator, hostLink)
	if err := bridgeSrv.Start(cfg.Bridge.Listen); err != nil {
		return err
	}
	defer func() { _ = bridgeSrv.Stop() }()
	log.Info().Str("listen", cfg.Bridge.Listen).Msg("host bridge listening")

	// Standalone metrics endpoint if enabled
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadTimeout: 10 * time.Second}
			log.Info().Str("listen", cfg.Metrics.Listen).Msg("metrics endpoint listening")
			_ = srv.ListenAndServe()
		}()
	}

	// Periodic persistence
	saveState := func() {
		if repo.Dirty() {
			if err := repo.SaveSnapshot(fs, storeMgr.ExistingPath()); err != nil {
				syncMetrics.StoreSaveErrors.Inc()
				log.Warn().Err(err).Msg("store snapshot failed")
			} else {
				syncMetrics.StoreSaves.Inc()
			}
		}
		if err := ledger.Save(fs, ledgerPath); err != nil {
			log.Warn().Err(err).Msg("event ledger save failed")
		}
		if err := propagator.KeepQueue().Save(fs, keepPath); err != nil {
			log.Warn().Err(err).Msg("keep-downloaded queue save failed")
		}
		if err := propagator.RemoveQueue().Save(fs, removePath); err != nil {
			log.Warn().Err(err).Msg("remove-downloaded queue save failed")
		}
	}
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				saveState()
			}
		}
	}()

	// Warn ahead of session expiry so the login flow can refresh the
	// token file before requests start failing.
	go watchSession(ctx, session, auditLog, cfg.API.SessionTokenFile)

	loop.Run(ctx)

	log.Info().Msg("shutting down...")
	saveState()
	return nil
}

// bootstrapMetadata seeds volumes and shares from the remote API so the
// enumerators can resolve share roots.
func bootstrapMetadata(ctx context.Context, client api.Client, repo *metadata.Repository, registry *metadata.ContextRegistry, volumeID string) error {
	volumes, err := client.GetVolumes(ctx)
	if err != nil {
		return err
	}
	shares, err := client.GetShares(ctx)
	if err != nil {
		return err
	}

	tx := repo.Begin(registry, metadata.ContextBackground)
	for _, v := range volumes {
		vol := tx.FetchOrCreateVolume(v.VolumeID)
		vol.Type = volumeTypeFrom(v.Type)
	}
	for _, s := range shares {
		sh := tx.FetchOrCreateShare(s.ShareID)
		sh.Type = shareTypeFrom(s.Type)
		sh.VolumeID = s.VolumeID
		sh.AddressID = s.AddressID
		sh.RootNodeID = s.RootLinkID
		if s.RootLinkID != "" {
			root := tx.FetchOrCreateNode(s.RootLinkID, s.VolumeID, "")
			root.ShareID = s.ShareID
			root.Type = metadata.TypeFolder
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.Info().Int("volumes", len(volumes)).Int("shares", len(shares)).Str("volume", volumeID).Msg("remote metadata bootstrapped")
	return nil
}

func volumeTypeFrom(t int) metadata.VolumeType {
	switch t {
	case 1:
		return metadata.VolumeMain
	case 2:
		return metadata.VolumePhoto
	default:
		return metadata.VolumeOther
	}
}

func shareTypeFrom(t int) metadata.ShareType {
	switch t {
	case 1:
		return metadata.ShareMain
	case 2:
		return metadata.ShareStandard
	case 4:
		return metadata.SharePhotos
	default:
		return metadata.ShareUndefined
	}
}

// watchSession polls token expiry. When a token file is configured the
// refreshed token is picked up from it; otherwise expiry is only logged.
func watchSession(ctx context.Context, session *api.Session, auditLog *audit.Logger, tokenFile string) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !session.ExpiresWithin(5 * time.Minute) {
			continue
		}
		if tokenFile == "" {
			log.Warn().Msg("session token expiring and no token file configured")
			continue
		}
		raw, err := os.ReadFile(tokenFile)
		if err != nil {
			auditLog.LogSessionRefresh("failed", err.Error())
			continue
		}
		token := string(raw)
		if token == session.Token() {
			continue // login flow has not refreshed it yet
		}
		session.Update(token)
		auditLog.LogSessionRefresh("succeeded", "token reloaded from file")
	}
}
