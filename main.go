package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"rtmprelay/api"
	"rtmprelay/config"
	"rtmprelay/destination"
	"rtmprelay/ffmpeg"
	"rtmprelay/logging"
	"rtmprelay/media"
	"rtmprelay/playback"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfgFile)
		},
	}

	root := &cobra.Command{
		Use:          "rtmprelay",
		Short:        "Per-chat playback queues relayed to RTMP through ffmpeg",
		SilenceUsage: true,
		RunE:         serveCmd.RunE,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./rtmprelay_config.yaml)")

	root.AddCommand(serveCmd, &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "rtmprelay", version)
		},
	})
	return root
}

func serve(parent context.Context, cfgFile string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logging.Configure(logging.Config{Level: cfg.LogLevel, Service: "rtmprelay"})
	logger := logging.WithComponent("main")

	builder, err := ffmpeg.NewCommandBuilder(cfg.FFBin, cfg.FFExtraArgs)
	if err != nil {
		return fmt.Errorf("invalid FF_EXTRA_ARGS: %w", err)
	}
	fetcher, err := media.NewFetcher(cfg.TempDir, cfg.MaxInputSize)
	if err != nil {
		return err
	}
	auditor, err := logging.NewAuditor(cfg.AuditLog)
	if err != nil {
		return err
	}
	defer auditor.Close()

	var guard *ffmpeg.ResourceGuard
	if cfg.ThrottleEnable {
		guard = &ffmpeg.ResourceGuard{
			IdleCPU:  cfg.ThrottleCPU,
			FreeMem:  cfg.ThrottleFreeMem,
			FreeDisk: cfg.ThrottleFreeDisk,
			Dir:      fetcher.Dir,
			Logger:   logging.WithComponent("resources"),
		}
	}
	supervisor := ffmpeg.NewSupervisor(ffmpeg.SupervisorOptions{
		StopGrace:   cfg.StopGrace,
		KillTimeout: cfg.KillTimeout,
		Guard:       guard,
		Logger:      logging.WithComponent("supervisor"),
	})

	registry := destination.NewRegistry(cfg.RTMPBaseURL)
	events := api.NewEventLog(0)
	coordinator := playback.NewCoordinator(registry, supervisor, playback.Options{
		MaxLaunchFailures: cfg.MaxLaunchFailures,
		MailboxSize:       cfg.MailboxSize,
		Sink: playback.MultiSink{
			playback.LogSink{Logger: logging.WithComponent("playback")},
			events,
		},
		Logger: logging.WithComponent("playback"),
	})

	handler := api.NewHandler(cfg, api.Deps{
		Destinations: registry,
		Player:       coordinator,
		Builder:      builder,
		Fetcher:      fetcher,
		Direct:       media.Direct{},
		Search:       &media.YTDLP{Bin: cfg.YTDLPBin, Cookies: cfg.YTDLPCookies},
		Auditor:      auditor,
		Events:       events,
		Logger:       logging.WithComponent("http"),
	})
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.SetupRouter(cfg, handler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("version", version).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		stop()
		logger.Info().Msg("shutting down gracefully, press Ctrl+C again to force")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
		}
		// Running transcoders are stopped after the API stops taking commands.
		if err := coordinator.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("playback shutdown: %w", err))
		}
		if cfg.TempDir == "" {
			os.RemoveAll(fetcher.Dir)
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	if err != nil {
		logger.Error().Err(err).Msg("server exited with error")
		return err
	}
	logger.Info().Msg("server exiting")
	return nil
}
