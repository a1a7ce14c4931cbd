package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/javi11/rarlink/internal/api"
	"github.com/javi11/rarlink/internal/archive"
	"github.com/javi11/rarlink/internal/config"
	"github.com/javi11/rarlink/internal/database"
	"github.com/javi11/rarlink/internal/dedup"
	"github.com/javi11/rarlink/internal/importer"
	"github.com/javi11/rarlink/internal/importer/dispatch"
	"github.com/javi11/rarlink/internal/importer/integrity"
	"github.com/javi11/rarlink/internal/importer/quarantine"
	"github.com/javi11/rarlink/internal/importer/queue"
	"github.com/javi11/rarlink/internal/importer/scanner"
	"github.com/javi11/rarlink/internal/library"
	"github.com/javi11/rarlink/internal/pathutil"
	"github.com/javi11/rarlink/internal/slogutil"
	"github.com/javi11/rarlink/internal/tool"
	"github.com/javi11/rarlink/internal/upnp"
	"github.com/javi11/rarlink/internal/vfs"
)

const shutdownTimeout = 45 * time.Second

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ingestion pipeline and the virtual file server",
		Long:  `Watch the configured folders, process complete archives and serve their media over HTTP.`,
		RunE:  runServe,
	}

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, leveler := slogutil.SetupLogRotation(cfg.Log)
	slog.SetDefault(logger)

	configManager := config.NewManager(cfg, configFile)
	configManager.OnConfigChange(func(oldConfig, newConfig *config.Config) {
		if oldConfig.Log.Level != newConfig.Log.Level {
			leveler.SetLevel(slogutil.ParseLevel(newConfig.Log.Level))
			logger.Info("Log level updated dynamically",
				"old_level", oldConfig.Log.Level,
				"new_level", newConfig.Log.Level)
		}
		if len(oldConfig.Watch) != len(newConfig.Watch) || oldConfig.Dispatch != newConfig.Dispatch {
			logger.Warn("Watch directory and dispatch changes take effect after restart")
		}
	})

	fs := afero.NewOsFs()

	if err := pathutil.CheckDirectoryWritable(fs, cfg.Quarantine.Dir); err != nil {
		return fmt.Errorf("quarantine directory: %w", err)
	}
	if cfg.VFS.MountBaseDir != "" {
		if err := pathutil.CheckDirectoryWritable(fs, cfg.VFS.MountBaseDir); err != nil {
			return fmt.Errorf("mount base directory: %w", err)
		}
	}
	if err := pathutil.CheckFileDirectoryWritable(fs, cfg.Database.Path, "database"); err != nil {
		return err
	}

	db, err := database.NewDB(database.Config{DatabasePath: cfg.Database.Path})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database", "error", err)
		}
	}()

	layouts, err := archive.NewLayoutCache(fs, cfg.GetLayoutCacheSize())
	if err != nil {
		return fmt.Errorf("failed to create layout cache: %w", err)
	}

	vfsServer := vfs.NewServer(vfs.Config{
		Host:               cfg.VFS.Host,
		BindAddress:        cfg.VFS.BindAddress,
		PortRangeStart:     cfg.VFS.PortRangeStart,
		PortRangeEnd:       cfg.VFS.PortRangeEnd,
		MediaExtensions:    cfg.VFS.MediaExtensions,
		PointerExtension:   cfg.VFS.PointerExtension,
		ChunkSize:          cfg.GetChunkSize(),
		DirectWarningBytes: cfg.Dispatch.DirectWarningBytes,
	}, fs, layouts)

	runner := tool.NewExecRunner(cfg.GetToolTimeout())
	classifier := integrity.NewClassifier(runner, cfg.Tools.TestCommand)
	mountStrategy := dispatch.NewMountStrategy(fs, runner, classifier, dispatch.MountConfig{
		MountCommand:    cfg.Tools.MountCommand,
		UnmountCommand:  cfg.Tools.UnmountCommand,
		BaseDir:         cfg.VFS.MountBaseDir,
		MediaExtensions: cfg.VFS.MediaExtensions,
	})
	dispatcher := dispatch.NewDispatcher(dispatch.PolicyFromConfig(cfg.Dispatch), layouts,
		dispatch.NewExtractStrategy(fs, runner, classifier, cfg.Tools.ExtractCommand),
		mountStrategy,
		dispatch.NewVFSStrategy(vfsServer),
	)

	notifier, err := scanner.NewNotifier(cfg.Scanner.StabilizationInterval)
	if err != nil {
		return fmt.Errorf("failed to create file notifier: %w", err)
	}

	var refresher library.Refresher
	var libraryClient *library.Client
	if cfg.IsLibraryEnabled() {
		libraryClient = library.NewClient(cfg.Library)
		refresher = libraryClient
	}

	service, err := importer.NewService(importer.ServiceConfig{
		Watch:        cfg.ActiveWatchDirs(),
		ScanExisting: cfg.GetScanExisting(),
		Registry: scanner.RegistryConfig{
			RetryInterval: cfg.Scanner.RetryInterval,
			MaxAttempts:   cfg.Scanner.MaxAttempts,
			MaxAge:        cfg.GetMaxAge(),
			Schedule:      cfg.GetSweepSchedule(),
		},
		Queue: queue.ManagerConfig{
			MaxAttempts:    cfg.Queue.MaxAttempts,
			RetryDelay:     cfg.Queue.RetryDelay,
			InterItemPause: cfg.Queue.InterItemPause,
			StopTimeout:    cfg.GetQueueStopTimeout(),
		},
	}, importer.Deps{
		Fs:         fs,
		Detector:   scanner.NewDetector(fs, cfg.Scanner.StabilizationInterval),
		Dispatcher: dispatcher,
		Dedup:      dedup.NewStore(db.Hashes, fs),
		Quarantine: quarantine.NewMover(fs, cfg.Quarantine.Dir),
		Notifier:   notifier,
		History:    db.History,
		Stats:      db.Stats,
		Library:    refresher,
	})
	if err != nil {
		return fmt.Errorf("failed to create import service: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := configManager.Watch(ctx); err != nil {
		logger.Warn("Config file changes will not be picked up", "error", err)
	}

	if err := vfsServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start virtual file server: %w", err)
	}

	var nat *upnp.Manager
	mapped := make(chan struct{})
	if cfg.IsUPnPEnabled() {
		nat = upnp.NewManager(upnp.ConfigFrom(cfg))
		nat.Start(ctx)
		go func() {
			defer close(mapped)
			m, err := nat.Open(ctx, vfsServer.Port())
			if err != nil {
				logger.Warn("Port mapping unavailable, media is only reachable on the local network", "error", err)
				return
			}
			logger.Info("Port mapping established",
				"external_port", m.ExternalPort,
				"internal_port", m.InternalPort,
				"via", m.Via)
		}()
	}

	var apiServer *api.Server
	if cfg.IsAPIEnabled() {
		deps := api.Deps{
			Pipeline: service,
			Mounts:   vfsServer,
			History:  db.History,
			Counters: db.Stats,
		}
		if nat != nil {
			deps.NAT = nat
		}
		apiServer = api.NewServer(deps)

		ln, err := net.Listen("tcp", cfg.API.Address)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.API.Address, err)
		}
		go func() {
			if err := apiServer.Serve(ln); err != nil {
				logger.Error("Admin API error", "error", err)
			}
		}()
	}

	if err := service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start import service: %w", err)
	}

	logger.Info("Starting rarlink",
		"watch_dirs", len(cfg.ActiveWatchDirs()),
		"server_url", vfsServer.BaseURL(),
		"upnp", cfg.IsUPnPEnabled(),
		"api", cfg.IsAPIEnabled())

	<-ctx.Done()
	logger.Info("Shutting down rarlink")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// The pipeline stops first so no new mounts appear while servers close.
	if err := service.Stop(shutdownCtx); err != nil {
		logger.Error("Failed to stop import service", "error", err)
	}

	g, gctx := errgroup.WithContext(shutdownCtx)
	g.Go(func() error {
		if err := vfsServer.Shutdown(gctx); err != nil {
			return fmt.Errorf("virtual file server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		mountStrategy.Close(gctx)
		return nil
	})
	if nat != nil {
		g.Go(func() error {
			select {
			case <-mapped:
			case <-gctx.Done():
			}
			if err := nat.Stop(gctx); err != nil {
				return fmt.Errorf("port mappings: %w", err)
			}
			return nil
		})
	}
	if apiServer != nil {
		g.Go(func() error {
			if err := apiServer.Shutdown(gctx); err != nil {
				return fmt.Errorf("admin api: %w", err)
			}
			return nil
		})
	}
	if libraryClient != nil {
		g.Go(func() error {
			libraryClient.Close()
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Shutdown incomplete", "error", err)
	}

	logger.Info("rarlink stopped gracefully")
	return nil
}
