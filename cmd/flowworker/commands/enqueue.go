package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/flowworker/errors"
	"github.com/teranos/flowworker/logger"
	"github.com/teranos/flowworker/pulse/job"
)

// EnqueueCmd puts a job on a local queue
var EnqueueCmd = &cobra.Command{
	Use:   "enqueue <queue> [payload.json]",
	Short: "Put a job on a local queue",
	Long: `Put a job on the configured sqlite or redis queue. The payload is read from
the given file, or from stdin when no file (or "-") is given.

Queues: oneTimeJobs, repeatableJobs, webhookJobs, usersInteractionJobs

Examples:
  flowworker enqueue webhookJobs payload.json --engine-token "$TOKEN"
  echo '{"schemaVersion":4,"flowId":"f1"}' | flowworker enqueue repeatableJobs --tz UTC --pattern "0 * * * *"`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runEnqueue,
}

func init() {
	EnqueueCmd.Flags().String("engine-token", "", "Execution credential handed to the engine")
	EnqueueCmd.Flags().String("tz", "", "Repeat timezone (repeatable jobs)")
	EnqueueCmd.Flags().String("pattern", "", "Repeat cron pattern (repeatable jobs)")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	data, err := readPayload(cmd.InOrStdin(), args[1:])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	b, err := openBackends(ctx, cfg, logger.ComponentLogger("flowworker"))
	if err != nil {
		return err
	}
	defer b.Close()

	if b.jobs == nil {
		return errors.Newf("queue backend %q does not accept local jobs", cfg.Queue.Backend)
	}

	j, err := buildJob(cmd, args[0], data)
	if err != nil {
		return err
	}
	if err := b.jobs.Enqueue(ctx, j); err != nil {
		return err
	}

	pterm.Printf("%s %s %s\n", pterm.LightGreen("✓ Enqueued"), pterm.White(j.ID), pterm.Gray("on "+string(j.Queue)))
	return nil
}

// buildJob assembles a job from the queue argument, payload and flags
func buildJob(cmd *cobra.Command, queueArg string, data json.RawMessage) (*job.Job, error) {
	q, err := job.ParseQueue(queueArg)
	if err != nil {
		return nil, err
	}

	j, err := job.New(q, data)
	if err != nil {
		return nil, err
	}

	j.EngineToken, _ = cmd.Flags().GetString("engine-token")
	tz, _ := cmd.Flags().GetString("tz")
	pattern, _ := cmd.Flags().GetString("pattern")
	if tz != "" || pattern != "" {
		j.Repeat = &job.Repeat{Timezone: tz, Pattern: pattern}
	}
	return j, nil
}

// readPayload reads the payload file, or stdin for no file or "-"
func readPayload(stdin io.Reader, files []string) (json.RawMessage, error) {
	if len(files) == 0 || files[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read payload from stdin")
		}
		return bytes.TrimSpace(data), nil
	}

	data, err := os.ReadFile(files[0])
	if err != nil {
		err = errors.Wrap(err, "failed to read payload file")
		return nil, errors.WithDetail(err, "Path: "+files[0])
	}
	return bytes.TrimSpace(data), nil
}
