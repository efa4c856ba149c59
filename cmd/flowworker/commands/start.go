package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/flowworker/am"
	"github.com/teranos/flowworker/engine"
	"github.com/teranos/flowworker/errors"
	"github.com/teranos/flowworker/logger"
	"github.com/teranos/flowworker/pulse/dispatch"
	"github.com/teranos/flowworker/pulse/migrate"
	"github.com/teranos/flowworker/pulse/worker"
	"github.com/teranos/flowworker/version"
)

// StartCmd runs the worker in the foreground
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the worker until interrupted",
	Long: `Run the worker in the foreground.

The worker will:
- Upgrade stale repeatable job payloads (migration.on_startup)
- Send a heartbeat to the control plane every worker.heartbeat_interval
- Poll every queue kind with the configured number of loops
- Re-run the payload migration every migration.interval (0 disables)
- Apply migration.interval edits from the config files without a restart
- On Ctrl+C, stop polling and let running jobs finish`,
	RunE: runStart,
}

func init() {
	StartCmd.Flags().Int("flow-concurrency", 0, "Loops per non-scheduled queue (overrides worker.flow_concurrency)")
	StartCmd.Flags().Int("scheduled-concurrency", 0, "Loops for the scheduled queue (overrides worker.scheduled_concurrency)")
	StartCmd.Flags().Bool("watch-config", true, "Reload config files on change")
}

// loadConfig loads and validates configuration
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}
	return cfg, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	onDisk := *cfg
	if cmd.Flags().Changed("flow-concurrency") {
		cfg.Worker.FlowConcurrency, _ = cmd.Flags().GetInt("flow-concurrency")
	}
	if cmd.Flags().Changed("scheduled-concurrency") {
		cfg.Worker.ScheduledConcurrency, _ = cmd.Flags().GetInt("scheduled-concurrency")
	}

	log := logger.ComponentLogger("flowworker")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	chain := b.chain(log.Named("schema"))

	executor, err := engine.NewProcessExecutor(cfg.Engine.Command, cfg.Engine.WorkDir, log.Named("engine"))
	if err != nil {
		return err
	}
	dispatcher, err := dispatch.New(dispatch.Uniform(executor), log.Named("dispatch"),
		dispatch.WithScheduledUpgrader(chain))
	if err != nil {
		return err
	}

	var scheduler *migrate.Scheduler
	if coordinator := b.coordinator(cfg, chain, log); coordinator != nil {
		if cfg.Migration.OnStartup {
			runStartupMigration(ctx, coordinator, log)
		}
		scheduler = migrate.NewScheduler(ctx, coordinator, cfg.Migration.Interval, log.Named("migrate"))
		scheduler.Start()
		defer scheduler.Stop()

		if watch, _ := cmd.Flags().GetBool("watch-config"); watch {
			if stop := watchConfig(&onDisk, scheduler, log); stop != nil {
				defer stop()
			}
		}
	} else {
		log.Warnw("Queue backend does not expose stored jobs, payload migration disabled",
			logger.FieldQueue, cfg.Queue.Backend)
	}

	token := cfg.Worker.Token
	if token == "" {
		token = uuid.NewString()
		log.Warnw("No worker.token configured, using a generated identity", "token_prefix", token[:8])
	}

	runner, err := worker.NewRunner(worker.Config{
		FlowConcurrency:      cfg.Worker.FlowConcurrency,
		ScheduledConcurrency: cfg.Worker.ScheduledConcurrency,
		HeartbeatInterval:    cfg.Worker.HeartbeatInterval,
	}, worker.Deps{
		Poller:     b.poller,
		Dispatcher: dispatcher,
		Status:     b.control,
		Heartbeat:  b.control,
		Finisher:   b.finisher,
		Machine:    worker.CollectMachineInfo(machineProps(cfg)),
	}, log.Named("worker"))
	if err != nil {
		return err
	}

	if err := runner.Init(ctx, token); err != nil {
		return err
	}
	if err := runner.Start(ctx); err != nil {
		runner.Close()
		_ = runner.Wait()
		return err
	}

	pterm.Printf("%s\n", pterm.LightGreen("✿ flowworker started"))
	pterm.Printf("  %s %s\n", pterm.Gray("Queue backend:"), cfg.Queue.Backend)
	pterm.Printf("  %s %d per queue, %d scheduled\n", pterm.Gray("Loops:"), cfg.Worker.FlowConcurrency, cfg.Worker.ScheduledConcurrency)
	pterm.Printf("  %s %s\n", pterm.Gray("Control plane:"), cfg.ControlPlane.URL)
	fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

	// Close on signal; Wait also returns early if a loop hits a programming error
	go func() {
		<-ctx.Done()
		runner.Close()
	}()

	err = runner.Wait()
	pterm.Printf("%s\n", pterm.Yellow("❀ flowworker stopped"))
	return err
}

// machineProps are the static worker props sent with each heartbeat
func machineProps(cfg *am.Config) map[string]string {
	props := version.Get().Props()
	props["queue_backend"] = cfg.Queue.Backend
	return props
}

// runStartupMigration upgrades stale payloads before polling begins. Failures
// are logged: another worker may hold the lock and finish the job.
func runStartupMigration(ctx context.Context, coordinator *migrate.Coordinator, log *zap.SugaredLogger) {
	res, err := coordinator.Run(ctx)
	if err != nil {
		log.Warnw("Startup migration did not run", logger.FieldError, err)
		return
	}
	if res.Candidates > 0 {
		log.Infow("Startup migration finished",
			"migrated", res.Migrated,
			"failed", res.Failed,
		)
	}
}

// watchConfig applies config file edits to the migration schedule. Other
// settings are only read at startup; edits to them are logged. It returns
// nil when there is nothing to watch.
func watchConfig(current *am.Config, scheduler *migrate.Scheduler, log *zap.SugaredLogger) func() {
	paths := am.ExistingConfigPaths()
	if len(paths) == 0 {
		return nil
	}
	watcher, err := am.NewConfigWatcher(paths, log.Named("config"))
	if err != nil {
		log.Warnw("Config watcher unavailable", logger.FieldError, err)
		return nil
	}
	watcher.OnReload(func(cfg *am.Config) error {
		return applyReload(current, cfg, scheduler, log)
	})
	watcher.Start()
	return func() { watcher.Stop() }
}

// applyReload moves the schedule to the reloaded interval and warns about
// edits that need a restart
func applyReload(current, reloaded *am.Config, scheduler *migrate.Scheduler, log *zap.SugaredLogger) error {
	if reloaded.Migration.Interval != scheduler.Interval() {
		scheduler.SetInterval(reloaded.Migration.Interval)
	}
	if reloaded.Worker != current.Worker || reloaded.Queue != current.Queue || reloaded.Lock != current.Lock {
		log.Warnw("Worker, queue or lock settings changed on disk, restart to apply")
	}
	return nil
}
