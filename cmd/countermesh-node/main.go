package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"countermesh/internal/config"
	"countermesh/internal/daemon"
	"countermesh/internal/debuglog"
	"countermesh/internal/metrics"
	"countermesh/internal/network"
	"countermesh/internal/pprofutil"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd(stdin, stdout)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}

func newRootCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "countermesh-node",
		Short:         "replicated counter node",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newRunCmd(stdin, stdout))
	return root
}

func newRunCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	var (
		configPath string
		repl       bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "join the network and serve until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.NewViper()
			if err != nil {
				return err
			}
			if err := config.ReadFile(v, configPath); err != nil {
				return err
			}
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			var in io.Reader
			if repl {
				in = stdin
			}
			return runNode(cmd.Context(), cfg, in, stdout)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a config file (yaml, toml or json)")
	cmd.Flags().BoolVar(&repl, "repl", true, "read commands from stdin")
	addConfigFlags(cmd.Flags(), config.DefaultConfig())
	return cmd
}

// addConfigFlags exposes every config key as a flag of the same name.
func addConfigFlags(fs *pflag.FlagSet, def config.Config) {
	fs.String("listen-addr", def.ListenAddr, "QUIC listen address")
	fs.String("advertise-addr", def.AdvertiseAddr, "address peers use to reach this node (default: detected)")
	fs.String("broadcast-addr", def.BroadcastAddr, "discovery target: broadcast address or multicast group")
	fs.String("broadcast-listen", def.BroadcastListen, "discovery listen address")
	fs.Bool("multicast", def.Multicast, "use the multicast group in --broadcast-addr")
	fs.Duration("announce-interval", def.AnnounceInterval, "peer announcement period")
	fs.Duration("round-poll-interval", def.RoundPollInterval, "round progress check period")
	fs.Duration("ready-timeout", def.ReadyTimeout, "wait per round phase before nudging peers")
	fs.Int("ready-max-timeouts", def.ReadyMaxTimeouts, "expiries before silent peers are excluded")
	fs.Duration("auto-round-interval", def.AutoRoundInterval, "start a round after this long in work (0 disables)")
	fs.Int("send-retries", def.SendRetries, "reliable send attempts")
	fs.Duration("send-backoff-base", def.SendBackoffBase, "first retry delay")
	fs.Duration("send-backoff-max", def.SendBackoffMax, "retry delay cap")
	fs.Duration("send-timeout", def.SendTimeout, "per-attempt send timeout")
	fs.Int("send-workers", def.SendWorkers, "concurrent outbound sends")
	fs.Int("send-queue", def.SendQueue, "outbound queue length")
	fs.Duration("dedup-window", def.DedupWindow, "duplicate datagram suppression window")
	fs.Float64("recv-rate", def.RecvRate, "inbound messages per second per host")
	fs.Int("recv-burst", def.RecvBurst, "inbound burst per host")
	fs.Int("max-conns-per-host", def.MaxConnsPerHost, "concurrent inbound connections per host")
	fs.Int("max-streams-per-host", def.MaxStreamsPerHost, "concurrent inbound streams per host")
	fs.String("metrics-snapshot", def.MetricsSnapshot, "write a JSON metrics snapshot to this path every second")
	fs.String("debug-addr", def.DebugAddr, "serve pprof and /metrics on this loopback address")
	fs.Bool("debug", def.Debug, "enable debug logging")
	fs.Bool("insecure-tls", def.InsecureTLS, "accept the deterministic development certificate")
}

// bindFlags lets explicitly set flags override file and environment values.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" || f.Name == "repl" {
			return
		}
		if err := v.BindPFlag(f.Name, f); err != nil {
			errs = append(errs, fmt.Errorf("bind flag %s: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

func runNode(ctx context.Context, cfg config.Config, stdin io.Reader, stdout io.Writer) error {
	logger, err := debuglog.New(cfg.Debug || debuglog.Enabled())
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	transport, err := network.NewTransport(ctx, cfg, logger.Named("net"), m)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(m),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	dbg, err := pprofutil.Start(cfg.DebugAddr, reg, logger.Named("debug"))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = dbg.Shutdown(shutdownCtx)
	}()

	runner, err := daemon.NewRunner(cfg, transport, daemon.WithLogger(logger), daemon.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("create runner: %w", err)
	}
	banner(stdout, cfg, runner.Addr())

	if stdin != nil {
		go func() {
			runRepl(stdin, stdout, runner)
			logger.Debug("repl closed, shutting down")
			cancel()
		}()
	}
	if err := runner.RunWithContext(ctx, nil); err != nil {
		logger.Error("node stopped", zap.Error(err))
		return err
	}
	return nil
}
