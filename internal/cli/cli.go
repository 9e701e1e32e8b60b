// ============================================================================
// pcheck CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: cobra front end for the coordinator and the test workers
//
// Command Structure:
//   pcheck                         # Root command
//   ├── coordinator                # Accept workers, broadcast stop, collect reports
//   ├── worker                     # Run one or more exploration workers
//   │   └── --parallel, -p        # Workers in this process
//   ├── status                     # Summarize a finished or running run
//   ├── --config, -c               # YAML config (default: configs/default.yaml)
//   ├── --log-level                # debug, info, warn, error
//   └── --log-format               # text or json
//
// Configuration:
//   Flags override the YAML file; a missing default config file falls back
//   to built-in defaults. Durations use Go syntax ("100ms", "30s").
//
// Exit Codes (worker):
//   0  no bug and no internal error
//   1  a bug was found in a distributed run
//   2  the engine recorded an internal error
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/parallel-checker/internal/engine"
	"github.com/ChuLiYu/parallel-checker/internal/server"
	"github.com/ChuLiYu/parallel-checker/internal/worker"
	"github.com/ChuLiYu/parallel-checker/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "configs/default.yaml"

// Config is the complete pcheck configuration file.
type Config struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Coordinator server.Config `yaml:"coordinator"`

	Worker WorkerConfig `yaml:"worker"`
}

// WorkerConfig carries the worker side of the config file.
type WorkerConfig struct {
	Parallel          int           `yaml:"parallel"`
	BaseName          string        `yaml:"base_name"`
	FirstOrdinal      uint32        `yaml:"first_ordinal"`
	BroadcastAddr     string        `yaml:"broadcast_addr"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DrainTimeout      time.Duration `yaml:"drain_timeout"`
	SendTimeout       time.Duration `yaml:"send_timeout"`

	Exploration types.ExplorationConfig `yaml:"exploration"`

	// Simulated engine tuning.
	Engine struct {
		StepDelay time.Duration `yaml:"step_delay"`
		BugRate   float64       `yaml:"bug_rate"`
		MaxSteps  int           `yaml:"max_steps"`
	} `yaml:"engine"`
}

// ExitCodeError carries a worker exit status out of cobra so main can use it
// as the process exit code.
type ExitCodeError struct {
	Status types.ExitStatus
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("worker exited with %s", e.Status)
}

// ExitCode maps an Execute error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitCodeError
	if errors.As(err, &exitErr) {
		return int(exitErr.Status)
	}
	return int(types.StatusInternalError)
}

type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string
}

func defaultConfig() *Config {
	cfg := &Config{Coordinator: server.DefaultConfig()}
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	cfg.Worker.Parallel = 1
	cfg.Worker.BaseName = worker.DefaultBaseName
	cfg.Worker.ConnectTimeout = 10 * time.Second
	cfg.Worker.HeartbeatInterval = 100 * time.Millisecond
	cfg.Worker.DrainTimeout = 30 * time.Second
	cfg.Worker.SendTimeout = 10 * time.Second
	cfg.Worker.Exploration.Strategy = types.PortfolioStrategy
	cfg.Worker.Exploration.Schedules = 1000
	cfg.Worker.Exploration.OutputDir = "pcheck-output"
	cfg.Worker.Engine.StepDelay = time.Millisecond
	cfg.Worker.Engine.BugRate = 0.001
	return cfg
}

// BuildCLI assembles the pcheck command tree.
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "pcheck",
		Short: "pcheck: distributed systematic testing coordinator and workers",
		Long: `pcheck runs exploration workers in parallel, optionally across machines:
- portfolio strategy diversification per worker
- stop-on-first-bug broadcast from the coordinator
- aggregated reports and trace collection`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", defaultConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: text, json")

	rootCmd.AddCommand(buildCoordinatorCommand(opts))
	rootCmd.AddCommand(buildWorkerCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))

	return rootCmd
}

// prepare loads the config and installs the process logger.
func prepare(cmd *cobra.Command, opts *rootOptions) (*Config, *slog.Logger, error) {
	explicit := cmd.Flags().Changed("config")
	cfg, err := loadConfig(opts.configFile, explicit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Log.Format = opts.logFormat
	}

	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// loadConfig reads path over the defaults. A missing file is only an error
// when the path was given explicitly.
func loadConfig(path string, explicit bool) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// ============================================================================
// coordinator
// ============================================================================

func buildCoordinatorCommand(opts *rootOptions) *cobra.Command {
	var (
		listen, httpAddr, advertise string
		service, artifacts, jrnl    string
		expected                    int
		fullExploration             bool
	)

	cmd := &cobra.Command{
		Use:   "coordinator",
		Short: "Start the coordinator that workers report to",
		Long:  "Accept worker handshakes, broadcast stop on the first bug, and collect reports and traces",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := prepare(cmd, opts)
			if err != nil {
				return err
			}

			c := &cfg.Coordinator
			flags := cmd.Flags()
			if flags.Changed("listen") {
				c.ListenAddr = listen
			}
			if flags.Changed("http") {
				c.HTTPAddr = httpAddr
			}
			if flags.Changed("advertise") {
				c.AdvertiseHTTP = advertise
			}
			if flags.Changed("service") {
				c.ServiceName = service
			}
			if flags.Changed("artifacts") {
				c.ArtifactDir = artifacts
			}
			if flags.Changed("journal") {
				c.JournalPath = jrnl
			}
			if flags.Changed("expected-workers") {
				c.ExpectedWorkers = expected
			}
			if flags.Changed("full-exploration") {
				c.StopOnFirstBug = !fullExploration
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return runCoordinator(ctx, cmd.OutOrStdout(), *c, logger)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "primary channel listen address")
	cmd.Flags().StringVar(&httpAddr, "http", "", "back-channel and /metrics listen address")
	cmd.Flags().StringVar(&advertise, "advertise", "", "back-channel address announced to workers")
	cmd.Flags().StringVar(&service, "service", "", "answer discovery broadcasts for this service name")
	cmd.Flags().StringVar(&artifacts, "artifacts", "", "directory for received traces and summary.json")
	cmd.Flags().StringVar(&jrnl, "journal", "", "run journal path")
	cmd.Flags().IntVar(&expected, "expected-workers", 0, "finish after this many workers reported")
	cmd.Flags().BoolVar(&fullExploration, "full-exploration", false, "record bugs without telling other workers to stop")

	return cmd
}

func runCoordinator(ctx context.Context, out io.Writer, cfg server.Config, logger *slog.Logger) error {
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	logger.Info("Coordinator started",
		"rpc", srv.RPCAddr(), "http", srv.HTTPAddr(), "expected_workers", cfg.ExpectedWorkers)

	select {
	case <-srv.Done():
		logger.Info("All workers reported")
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("coordinator shutdown: %w", err)
	}

	printRunSummary(out, srv.Summary())
	return nil
}

// ============================================================================
// worker
// ============================================================================

func buildWorkerCommand(opts *rootOptions) *cobra.Command {
	var (
		parallel              int
		ordinal               uint32
		coordinator, service  string
		strategy, output, asm string
		seed                  uint64
		schedules             int
		full, emitFull, local bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Start exploration workers",
		Long:  "Run one or more exploration workers; the process exit code is the most severe worker status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := prepare(cmd, opts)
			if err != nil {
				return err
			}

			w := &cfg.Worker
			x := &w.Exploration
			flags := cmd.Flags()
			if flags.Changed("parallel") {
				w.Parallel = parallel
			}
			if flags.Changed("ordinal") {
				w.FirstOrdinal = ordinal
			}
			if flags.Changed("coordinator") {
				x.CoordinatorAddr = coordinator
				x.Distributed = true
			}
			if flags.Changed("service") {
				x.ServiceName = service
				x.Distributed = true
			}
			if flags.Changed("strategy") {
				x.Strategy = strategy
			}
			if flags.Changed("seed") {
				x.Seed = &seed
			}
			if flags.Changed("schedules") {
				x.Schedules = schedules
			}
			if flags.Changed("full-exploration") {
				x.FullExploration = full
			}
			if flags.Changed("emit-full-trace") {
				x.EmitFullTrace = emitFull
			}
			if flags.Changed("output") {
				x.OutputDir = output
			}
			if flags.Changed("assembly") {
				x.AssemblyName = asm
			}
			if local {
				x.Distributed = false
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			status, err := runWorkers(ctx, cmd.OutOrStdout(), *w, logger)
			if err != nil {
				return err
			}
			if status != types.StatusSuccess {
				return &ExitCodeError{Status: status}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&parallel, "parallel", "p", 1, "number of workers in this process")
	cmd.Flags().Uint32Var(&ordinal, "ordinal", 0, "ordinal of the first worker in this process")
	cmd.Flags().StringVar(&coordinator, "coordinator", "", "coordinator address (host:port)")
	cmd.Flags().StringVar(&service, "service", "", "find the coordinator by broadcast discovery")
	cmd.Flags().StringVar(&strategy, "strategy", "", "scheduling strategy or \"portfolio\"")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "base random seed")
	cmd.Flags().IntVar(&schedules, "schedules", 0, "schedules to explore per worker")
	cmd.Flags().BoolVar(&full, "full-exploration", false, "keep exploring after the first bug")
	cmd.Flags().BoolVar(&emitFull, "emit-full-trace", false, "emit traces even without a bug")
	cmd.Flags().StringVarP(&output, "output", "o", "", "trace output directory")
	cmd.Flags().StringVar(&asm, "assembly", "", "assembly under test, names the trace files")
	cmd.Flags().BoolVar(&local, "local", false, "run without a coordinator")

	return cmd
}

func runWorkers(ctx context.Context, out io.Writer, wc WorkerConfig, logger *slog.Logger) (types.ExitStatus, error) {
	if wc.Exploration.OutputDir != "" {
		if err := os.MkdirAll(wc.Exploration.OutputDir, 0o755); err != nil {
			return types.StatusInternalError, fmt.Errorf("failed to create output dir: %w", err)
		}
	}

	cfg := worker.Config{
		BaseName:          wc.BaseName,
		Ordinal:           wc.FirstOrdinal,
		Exploration:       wc.Exploration,
		BroadcastAddr:     wc.BroadcastAddr,
		ConnectTimeout:    wc.ConnectTimeout,
		HeartbeatInterval: wc.HeartbeatInterval,
		DrainTimeout:      wc.DrainTimeout,
		SendTimeout:       wc.SendTimeout,
	}
	factory := engine.SimulatedFactory(engine.SimulatedConfig{
		StepDelay: wc.Engine.StepDelay,
		BugRate:   wc.Engine.BugRate,
		MaxSteps:  wc.Engine.MaxSteps,
	})

	pool := worker.NewPool(cfg, wc.Parallel, factory, worker.WithLogger(logger))
	if err := pool.Start(ctx); err != nil {
		return types.StatusInternalError, fmt.Errorf("failed to start workers: %w", err)
	}
	logger.Info("Workers started", "count", len(pool.Workers()),
		"distributed", wc.Exploration.ParticipatesInProtocol())

	results, status, err := pool.Wait()
	if err != nil {
		logger.Error("Worker run failed", "error", err)
		status = worker.Combine(status, types.StatusInternalError)
	}

	for _, r := range results {
		fmt.Fprintf(out, "%-24s %-14s schedules=%d bugs=%d\n",
			r.Identity.Name, r.Status, r.Report.NumOfExploredSchedules, r.Report.NumOfFoundBugs)
	}
	return status, nil
}
