package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/flowworker/errors"
	"github.com/teranos/flowworker/logger"
)

// MigrateCmd runs one payload migration pass
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Upgrade stored repeatable job payloads once and exit",
	Long: `Upgrade every repeatable job whose payload schema is older than the current
version, under the migration lock (migration.lock_key). Flows referenced by
cron jobs get their schedule filled in from the job's repeat settings.

Running it again is a no-op once every payload is current.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
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
	coordinator := b.coordinator(cfg, chain, log)
	if coordinator == nil {
		return errors.Newf("queue backend %q does not expose stored jobs to migrate", cfg.Queue.Backend)
	}

	res, err := coordinator.Run(ctx)
	if err != nil {
		return err
	}

	pterm.Printf("%s scanned %d, migrated %d, unchanged %d, failed %d\n",
		pterm.LightGreen("✓ Migration complete:"),
		res.Scanned, res.Migrated, res.Unchanged, res.Failed)
	if res.Failed > 0 {
		return errors.Newf("%d job(s) failed to migrate, see log for details", res.Failed)
	}
	return nil
}
