// Package cli builds the cobra command tree: run a task list under a
// dispatcher pool, replay a reproduce file sequentially, and (hidden) drive
// one worker harness as the re-exec'd child of a real run.
//
// Grounded on the teacher's internal/cli.BuildCLI shape: a persistent
// --config flag on the root command, one buildXCommand function per
// subcommand, and a runXxx function holding the actual wiring.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/tarantool/test-run/internal/artifacts"
	"github.com/tarantool/test-run/internal/config"
	"github.com/tarantool/test-run/internal/dispatcher"
	"github.com/tarantool/test-run/internal/logging"
	"github.com/tarantool/test-run/internal/metrics"
	"github.com/tarantool/test-run/internal/observer"
	"github.com/tarantool/test-run/internal/queue"
	"github.com/tarantool/test-run/internal/reproduce"
	"github.com/tarantool/test-run/internal/workerproc"
	"github.com/tarantool/test-run/pkg/types"
)

var (
	configFile string
	lastExitCode int
)

// ExitCode reports the exit code of the most recently executed run/reproduce
// command. main reads this after cobra.Execute returns.
func ExitCode() int { return lastExitCode }

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "test-run",
		Short:   "Dispatches suite task groups across a worker pool",
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (optional; defaults apply when absent)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildReproduceCommand())
	rootCmd.AddCommand(buildWorkerCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var tasksFile string
	var force bool
	var maxWorkers int
	var noOutputTimeout int
	var testTimeout int
	var serverStartTimeout int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run task groups from a task list file under a worker pool",
		Long: `Reads a task list file (lines of "group<TAB>test<TAB>config", config
may be empty), groups tasks by suite, and dispatches them across a pool of
worker processes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatch(cmd.Context(), runOpts{
				tasksFile:             tasksFile,
				force:                 force,
				maxWorkers:            maxWorkers,
				maxWorkersSet:         cmd.Flags().Changed("max-workers"),
				noOutputTimeout:       noOutputTimeout,
				noOutputTimeoutSet:    cmd.Flags().Changed("no-output-timeout"),
				testTimeout:           testTimeout,
				testTimeoutSet:        cmd.Flags().Changed("test-timeout"),
				serverStartTimeout:    serverStartTimeout,
				serverStartTimeoutSet: cmd.Flags().Changed("server-start-timeout"),
			})
		},
	}

	cmd.Flags().StringVar(&tasksFile, "tasks", "", "task list file (required)")
	cmd.Flags().BoolVar(&force, "force", false, "keep running a group's remaining tasks after a failure")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "pool size; 0 = 2x CPU count, -1 = run the single worker in this process instead of a child process")
	cmd.Flags().IntVar(&noOutputTimeout, "no-output-timeout", 0, "seconds of no output before the hang detector warns/kills; negative disables it entirely")
	cmd.Flags().IntVar(&testTimeout, "test-timeout", 0, "seconds passed through to the test driver as its per-task timeout")
	cmd.Flags().IntVar(&serverStartTimeout, "server-start-timeout", 0, "seconds passed through to the test driver; only used here for timeout-ordering validation")
	cmd.MarkFlagRequired("tasks")

	return cmd
}

// runOpts bundles the run command's flag values plus whether each was
// explicitly set, since 0 is a meaningful value for several of them
// (max-workers: 2xCPU; no-output-timeout: an immediate timeout) and cannot
// be distinguished from "not passed" any other way.
type runOpts struct {
	tasksFile string
	force     bool

	maxWorkers    int
	maxWorkersSet bool

	noOutputTimeout    int
	noOutputTimeoutSet bool

	testTimeout    int
	testTimeoutSet bool

	serverStartTimeout    int
	serverStartTimeoutSet bool
}

func buildReproduceCommand() *cobra.Command {
	var reproduceFile string
	var force bool

	cmd := &cobra.Command{
		Use:   "reproduce",
		Short: "Replay a reproduce file sequentially under a single worker",
		Long: `Reads the (test, config) tuples a prior run's crashed worker
recorded and replays them, in the same order, under one worker.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReproduce(cmd.Context(), reproduceFile, force)
		},
	}

	cmd.Flags().StringVar(&reproduceFile, "reproduce", "", "reproduce file path, e.g. var/reproduce/001_suite.tests.txt (required)")
	cmd.Flags().BoolVar(&force, "force", false, "keep replaying after a failure")
	cmd.MarkFlagRequired("reproduce")

	return cmd
}

// buildWorkerCommand builds the hidden __worker subcommand: the re-exec
// target Launcher.Launch invokes. It is never meant to be typed by a human.
func buildWorkerCommand() *cobra.Command {
	var workerID int
	var workerName string
	var vardir string
	var driverScript string
	var force bool
	var taskTimeout string

	cmd := &cobra.Command{
		Use:    "__worker",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var timeout time.Duration
			if taskTimeout != "" {
				d, err := time.ParseDuration(taskTimeout)
				if err != nil {
					return fmt.Errorf("cli: parse --task-timeout: %w", err)
				}
				timeout = d
			}
			return workerproc.RunChild(workerproc.ChildConfig{
				WorkerID:     workerID,
				WorkerName:   workerName,
				VarDir:       vardir,
				DriverScript: driverScript,
				ForceMode:    force,
				TaskTimeout:  timeout,
				Logger:       logging.Nop(),
			})
		},
	}

	cmd.Flags().IntVar(&workerID, "worker-id", 0, "")
	cmd.Flags().StringVar(&workerName, "worker-name", "", "")
	cmd.Flags().StringVar(&vardir, "vardir", "var", "")
	cmd.Flags().StringVar(&driverScript, "driver-script", "", "")
	cmd.Flags().BoolVar(&force, "force", false, "")
	cmd.Flags().StringVar(&taskTimeout, "task-timeout", "", "")

	return cmd
}

// parseTasksFile reads a "group<TAB>test<TAB>config" task list, preserving
// group first-seen order and each group's task insertion order.
func parseTasksFile(path string) ([]string, map[string][]types.TaskID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("cli: open tasks file: %w", err)
	}
	defer f.Close()

	var order []string
	byGroup := make(map[string][]types.TaskID)

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r\n")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			return nil, nil, fmt.Errorf("cli: malformed tasks line (want group<TAB>test[<TAB>config]): %q", line)
		}
		group, test := fields[0], fields[1]
		config := ""
		if len(fields) >= 3 {
			config = fields[2]
		}
		if _, seen := byGroup[group]; !seen {
			order = append(order, group)
		}
		byGroup[group] = append(byGroup[group], types.TaskID{TestName: test, ConfigName: config})
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("cli: read tasks file: %w", err)
	}
	return order, byGroup, nil
}

// applyParallelism maps the --max-workers value onto cfg.Pool.MaxWorkers
// and reports whether the in-process (no child OS process) launcher should
// be used, per SPEC_FULL.md §6: 0 → 2xCPU, -1 → run the one worker in the
// controller process, N>0 → N literal workers.
func applyParallelism(cfg *config.Config, value int) (inProcess bool) {
	switch {
	case value == -1:
		cfg.Pool.MaxWorkers = 1
		return true
	case value == 0:
		cfg.Pool.MaxWorkers = 2 * runtime.NumCPU()
		return false
	default:
		cfg.Pool.MaxWorkers = value
		return false
	}
}

func runDispatch(ctx context.Context, opts runOpts) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if opts.force {
		cfg.ForceMode = true
	}

	inProcess := false
	if opts.maxWorkersSet {
		inProcess = applyParallelism(&cfg, opts.maxWorkers)
	}

	hangDisabled := false
	if opts.noOutputTimeoutSet {
		if opts.noOutputTimeout < 0 {
			hangDisabled = true
		} else {
			cfg.Timeouts.HangKill = time.Duration(opts.noOutputTimeout) * time.Second
		}
	}
	if opts.testTimeoutSet {
		cfg.Timeouts.Task = time.Duration(opts.testTimeout) * time.Second
	}
	if opts.serverStartTimeoutSet {
		cfg.Timeouts.ServerStart = time.Duration(opts.serverStartTimeout) * time.Second
	}

	// Per SPEC_FULL.md §7 (FatalConfiguration), the ordering of these three
	// timeouts is only validated once the run has actually opted into
	// configuring them explicitly; the scheduling core's own generous
	// built-in defaults are not meant to participate in this check.
	if !hangDisabled && (opts.noOutputTimeoutSet || opts.testTimeoutSet || opts.serverStartTimeoutSet) {
		if err := cfg.ValidateTimeoutOrdering(); err != nil {
			return err
		}
	}

	order, byGroup, err := parseTasksFile(opts.tasksFile)
	if err != nil {
		return err
	}

	groups := make([]*queue.Group, 0, len(order))
	for _, key := range order {
		groups = append(groups, queue.NewGroup(key, byGroup[key], nil, cfg.Pool.Randomize))
	}

	return runGroups(ctx, cfg, groups, inProcess, hangDisabled)
}

func runReproduce(ctx context.Context, reproduceFile string, force bool) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	cfg.ForceMode = force
	cfg.Pool.MaxWorkers = 1 // reproduce always replays sequentially, under one worker

	ids, err := reproduce.ReadTasks(reproduceFile)
	if err != nil {
		return err
	}

	group := queue.NewGroup("reproduce", ids, nil, false)
	return runGroups(ctx, cfg, []*queue.Group{group}, false, false)
}

// runGroups wires up the observers, launcher and dispatcher and drives one
// run to completion, shared by both "run" and "reproduce".
func runGroups(ctx context.Context, cfg config.Config, groups []*queue.Group, inProcess, hangDisabled bool) error {
	logger := logging.New(logging.Options{Writer: os.Stderr, Debug: cfg.Logging.Debug})

	if err := os.MkdirAll(cfg.Paths.VarDir, 0o755); err != nil {
		return fmt.Errorf("cli: create vardir: %w", err)
	}

	var launcher dispatcher.WorkerLauncher
	if inProcess {
		launcher = workerproc.NewInProcessLauncher(logger)
	} else {
		l, err := workerproc.NewLauncher(logger)
		if err != nil {
			return err
		}
		launcher = l
	}

	logSink, err := observer.NewLogSink(cfg.Paths.VarDir, logger)
	if err != nil {
		return err
	}
	defer logSink.CloseAll()

	collector := artifacts.NewCollector()
	stats := observer.NewStatistics(func(workerName string) (string, string) {
		return logSink.Path(workerName), fmt.Sprintf("%s/reproduce/%s.tests.txt", cfg.Paths.VarDir, workerName)
	})
	console := observer.NewConsole(os.Stdout)

	var d *dispatcher.Dispatcher
	var metricsCollector *metrics.Collector

	failFast := observer.NewFailFast(cfg.ForceMode, func() {
		d.TerminateAll()
		if metricsCollector != nil {
			metricsCollector.RecordFailFastTriggered()
		}
	})

	hang := observer.NewHangDetector(cfg.Timeouts.HangWarn, cfg.Timeouts.HangKill, func() []int {
		return console.NotDoneWorkerIDs()
	}, func() {
		d.KillAll()
		if metricsCollector != nil {
			metricsCollector.RecordHangTriggered()
		}
	}, logger, hangDisabled)

	observers := []observer.Observer{console, logSink, stats, collector, failFast, hang}

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		metricsCollector = metrics.NewCollector(reg)
		observers = append(observers, metrics.NewObserverAdapter(metricsCollector))
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port, reg); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
	}

	d = dispatcher.New(dispatcher.Config{
		Groups:       groups,
		MaxWorkers:   cfg.Pool.MaxWorkers,
		Randomize:    cfg.Pool.Randomize,
		Launcher:     launcher,
		Observers:    observers,
		FailFast:     failFast,
		HangDetector: hang,
		Statistics:   stats,
		PollPeriod:   cfg.Timeouts.Poll,
		VarDir:       cfg.Paths.VarDir,
		DriverScript: cfg.Paths.DriverScript,
		ForceMode:    cfg.ForceMode,
		TaskTimeout:  cfg.Timeouts.Task,
		Logger:       logger,
		OnWorkerStarted: func() {
			if metricsCollector != nil {
				metricsCollector.RecordWorkerStarted()
			}
		},
	})

	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	lastExitCode = d.Run(runCtx)

	if err := collector.Collect(cfg.Paths.VarDir); err != nil {
		logger.Error("failed to collect artifacts", "error", err)
	}

	fmt.Fprint(os.Stdout, stats.Summary())
	return nil
}
