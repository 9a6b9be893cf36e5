package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/bits0rcerer/wellenbrecher"
	"github.com/bits0rcerer/wellenbrecher/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("WELLENBRECHER_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "wellenbrecher")

	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "wellenbrecher",
		Short:         "wellenbrecher is a multiplayer Pixelflut server sharing its canvas through a shared-memory region",
		SilenceErrors: true,
		Example: `
  # 1920x1080 canvas on the default port 1337
  wellenbrecher --width 1920 --height 1080

  # four shards, at most two connections per client IP
  wellenbrecher -n 4 -c 2

  # same thing via the environment
  WELLENBRECHER_THREADS=4 WELLENBRECHER_CONNECTIONS_PER_IP=2 wellenbrecher

  # drop the shared canvas region and exit
  wellenbrecher --remove-canvas
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			if err := loadConfigFile(); err != nil {
				return err
			}

			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			if viper.GetBool("remove-canvas") {
				path := viper.GetString("canvas-file-link")
				if err := wellenbrecher.RemoveCanvas(path); err != nil {
					return err
				}
				cliLogger.Info("wellenbrecher.canvas.removed", "path", path)
				return nil
			}

			var cfg wellenbrecher.Config
			bindConfig(&cfg)

			server, err := wellenbrecher.NewServer(cfg, wellenbrecher.WithLogger(logger))
			if err != nil {
				return err
			}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			return server.Start()
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "path to YAML config file")
	flags.Uint32("width", wellenbrecher.DefaultWidth, "canvas width in pixels (must match an existing canvas region)")
	flags.Uint32("height", wellenbrecher.DefaultHeight, "canvas height in pixels (must match an existing canvas region)")
	flags.IntP("port", "p", wellenbrecher.DefaultPort, "TCP port to listen on")
	flags.IntP("threads", "n", 0, "number of worker shards (0 means one per logical CPU)")
	flags.Uint32P("connections-per-ip", "c", 0, "max concurrent connections per client IP (0 means unlimited)")
	flags.String("canvas-file-link", wellenbrecher.DefaultCanvasFileLink, "file link of the shared canvas region")
	flags.Bool("remove-canvas", false, "unlink the shared canvas region and exit")
	flags.Int("buffer", wellenbrecher.DefaultConnectionBuffer,
		fmt.Sprintf("per-connection read buffer in bytes (default %s)", humanizeBytes(wellenbrecher.DefaultConnectionBuffer)))
	flags.Int("write-buffer-cap", wellenbrecher.DefaultWriteBufferCap,
		fmt.Sprintf("per-connection pending-response cap in bytes (default %s)", humanizeBytes(wellenbrecher.DefaultWriteBufferCap)))
	flags.Int("tcp-accept-backlog", wellenbrecher.DefaultTCPAcceptBacklog, "TCP listen backlog per shard")
	flags.Int("event-queue-depth", wellenbrecher.DefaultEventQueueDepth, "events retrieved per epoll wait")
	flags.Duration("idle-timeout", 0, "close connections without read activity for this long (0 disables)")
	flags.Duration("drain-timeout", wellenbrecher.DefaultDrainTimeout, "grace period for flushing pending writes on close")
	flags.String("metrics-listen", wellenbrecher.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("ipv4-mask", wellenbrecher.DefaultIPv4Mask, "IPv4 mask for the bits identifying a player")
	flags.String("ipv6-mask", wellenbrecher.DefaultIPv6Mask, "IPv6 mask for the bits identifying a player")
	flags.String("log-level", "", "minimum log level (trace, debug, info, warn, error)")

	names := []string{
		"config", "width", "height", "port", "threads", "connections-per-ip",
		"canvas-file-link", "remove-canvas", "buffer", "write-buffer-cap",
		"tcp-accept-backlog", "event-queue-depth", "idle-timeout",
		"drain-timeout", "metrics-listen", "ipv4-mask", "ipv6-mask", "log-level",
	}
	for _, name := range names {
		var flag *pflag.Flag
		if flag = flags.Lookup(name); flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("WELLENBRECHER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	return cmd
}

// bindConfig materializes the server configuration from viper, which merges
// flags, WELLENBRECHER_* environment variables, and the config file with
// flags winning.
func bindConfig(cfg *wellenbrecher.Config) {
	cfg.Width = viper.GetUint32("width")
	cfg.Height = viper.GetUint32("height")
	cfg.Port = viper.GetInt("port")
	cfg.Threads = viper.GetInt("threads")
	cfg.ConnectionsPerIP = viper.GetUint32("connections-per-ip")
	cfg.CanvasFileLink = viper.GetString("canvas-file-link")
	cfg.ConnectionBuffer = viper.GetInt("buffer")
	cfg.WriteBufferCap = viper.GetInt("write-buffer-cap")
	cfg.TCPAcceptBacklog = viper.GetInt("tcp-accept-backlog")
	cfg.EventQueueDepth = viper.GetInt("event-queue-depth")
	cfg.IdleTimeout = viper.GetDuration("idle-timeout")
	cfg.DrainTimeout = viper.GetDuration("drain-timeout")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.IPv4Mask = viper.GetString("ipv4-mask")
	cfg.IPv6Mask = viper.GetString("ipv6-mask")
}

func loadConfigFile() error {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		return nil
	}
	viper.SetConfigFile(cfgPath)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", cfgPath, err)
	}
	return nil
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	signal.Ignore(syscall.SIGHUP)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
