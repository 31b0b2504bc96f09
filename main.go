package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/smazurov/m2mdec/cmd"
	"github.com/smazurov/m2mdec/internal/api"
	"github.com/smazurov/m2mdec/internal/config"
	"github.com/smazurov/m2mdec/internal/events"
	"github.com/smazurov/m2mdec/internal/logging"
	"github.com/smazurov/m2mdec/internal/metrics/collectors"
	"github.com/smazurov/m2mdec/internal/metrics/exporters"
	"github.com/smazurov/m2mdec/internal/sink"
	"github.com/smazurov/m2mdec/internal/source"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings, module levels live in the [logging] table
	LoggingLevel  string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`

	MetricsIntervalMs int `help:"Pool metrics sampling interval in milliseconds" default:"5000" toml:"metrics.interval_ms" env:"METRICS_INTERVAL_MS"`

	// Optional input decoded for the lifetime of the service
	Source string `help:"Input to decode: udp://host:port, a file or -" toml:"source.location" env:"SOURCE_LOCATION"`
	Output string `help:"File receiving decoded frames" toml:"source.output" env:"SOURCE_OUTPUT"`

	config.Decoder
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Runs before subcommands too, so only configuration happens here.
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		loggingConfig := config.LoadLoggingConfig(opts.Config)
		loggingConfig.Level = opts.LoggingLevel
		loggingConfig.Format = opts.LoggingFormat
		logging.Initialize(loggingConfig)

		svc := &service{opts: opts, logger: logging.GetLogger("main")}

		hooks.OnStart(func() {
			if err := svc.start(); err != nil {
				svc.logger.Error("Failed to start", "error", err)
				svc.stop()
				os.Exit(1)
			}

			svc.logger.Info("Starting HTTP server", "port", opts.Port)
			if startErr := svc.server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				svc.logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			svc.logger.Info("Shutting down server")
			svc.stop()
		})
	})

	cli.Root().AddCommand(cmd.CreateProbeCmd())
	cli.Root().AddCommand(cmd.CreateDecodeCmd())

	cli.Run()
}

// service is the long running decoder with its HTTP API.
type service struct {
	opts   *Options
	logger *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	out       *os.File
	writer    *sink.Writer
	session   *cmd.Session
	collector *collectors.DecoderCollector
	watcher   *config.Watcher[logging.Config]
	server    *api.Server
}

func (s *service) start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts := s.opts
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.watcher = config.NewWatcher(opts.Config, config.ReadLoggingConfig, logging.GetLogger("config"),
		config.WithErrorHandler[logging.Config](func(err error) {
			s.logger.Warn("Ignoring unreadable config change", "error", err)
		}))
	s.watcher.OnReload(func(cfg logging.Config) {
		s.logger.Info("Logging configuration reloaded", "level", cfg.Level)
		logging.Initialize(cfg)
	})
	if err := s.watcher.Start(ctx); err != nil {
		s.logger.Warn("Config reload disabled", "error", err)
	}

	if opts.Output != "" {
		f, err := os.Create(opts.Output)
		if err != nil {
			return fmt.Errorf("open frame output: %w", err)
		}
		s.out = f
	}
	s.writer = sink.NewWriter(fileOrNil(s.out), sink.Options{Logger: logging.GetLogger("sink")})

	eventBus := events.New()
	session, err := cmd.NewSession(opts.Decoder, s.writer, eventBus, logging.GetLogger("decoder"))
	if err != nil {
		return err
	}
	s.session = session
	s.writer.Bind(session.Decoder)

	if err := session.Decoder.Init(); err != nil {
		return fmt.Errorf("initialize decoder: %w", err)
	}

	s.collector = collectors.NewDecoderCollector(session.Decoder,
		time.Duration(opts.MetricsIntervalMs)*time.Millisecond, s.logger)
	s.collector.Start(ctx)

	go func() {
		if watchErr := session.WatchRemoval(ctx); watchErr != nil {
			s.logger.Warn("Hotplug monitor failed", "error", watchErr)
		}
	}()

	if opts.Source != "" {
		go feed(ctx, opts.Source, opts.Codec, session.Decoder, s.logger)
	}

	s.server = api.NewServer(&api.Options{
		AuthUsername:      opts.AuthUsername,
		AuthPassword:      opts.AuthPassword,
		Decoder:           session.Decoder,
		EventBus:          eventBus,
		PrometheusHandler: exporters.HTTPHandler(logging.GetLogger("api")),
	})

	go notifyWatchdog(ctx, s.logger)
	if _, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady); notifyErr != nil {
		s.logger.Debug("sd_notify failed", "error", notifyErr)
	}
	return nil
}

// stop releases whatever start managed to build.
func (s *service) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.server.Stop(ctx); err != nil {
			s.logger.Error("Error stopping HTTP server", "error", err)
		}
		cancel()
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.collector != nil {
		s.collector.Stop()
	}
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Warn("Error stopping config watcher", "error", err)
		}
	}

	// Frames still queued in the writer are released before the decoder
	// is destroyed.
	if s.session != nil {
		if err := s.session.Decoder.Stop(); err != nil {
			s.logger.Warn("Error stopping decoder", "error", err)
		}
	}
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			s.logger.Warn("Frame writer failed", "error", err)
		}
	}
	if s.session != nil {
		if err := s.session.Close(); err != nil {
			s.logger.Error("Error closing decoder", "error", err)
		}
	}
	if s.out != nil {
		_ = s.out.Close()
	}
}

// fileOrNil keeps a nil *os.File from becoming a non-nil io.Writer.
func fileOrNil(f *os.File) io.Writer {
	if f == nil {
		return nil
	}
	return f
}

func feed(ctx context.Context, location, codec string, target cmd.Submitter, logger *slog.Logger) {
	src, err := source.Open(location, codec, logging.GetLogger("source"))
	if err != nil {
		logger.Error("Failed to open source", "source", location, "error", err)
		return
	}
	defer src.Close()

	n, err := cmd.Feed(ctx, src, target, 0)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Source feed stopped", "source", location, "submitted", n, "error", err)
		return
	}
	logger.Info("Source finished", "source", location, "submitted", n)
}

// notifyWatchdog pings systemd at half the configured watchdog interval.
func notifyWatchdog(ctx context.Context, logger *slog.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Debug("Watchdog notify failed", "error", err)
			}
		}
	}
}
