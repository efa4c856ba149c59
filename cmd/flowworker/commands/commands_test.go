package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/flowworker/am"
	"github.com/teranos/flowworker/pulse/job"
	"github.com/teranos/flowworker/pulse/migrate"
)

func sqliteConfig(t *testing.T) *am.Config {
	t.Helper()
	v := viper.New()
	am.SetDefaults(v)
	cfg, err := am.LoadWithViper(v)
	require.NoError(t, err)
	cfg.Database.Path = filepath.Join(t.TempDir(), "worker.db")
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestRenderConfig(t *testing.T) {
	cfg := sqliteConfig(t)

	tests := map[string]string{
		"toml": "flow_concurrency",
		"yaml": "flow_concurrency",
		"json": "FlowConcurrency",
	}
	for format, key := range tests {
		t.Run(format, func(t *testing.T) {
			out, err := renderConfig(cfg, format)
			require.NoError(t, err)
			assert.Contains(t, out, key)
			assert.Contains(t, out, "jobs_lock")
		})
	}

	_, err := renderConfig(cfg, "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestReadPayload(t *testing.T) {
	t.Run("stdin", func(t *testing.T) {
		data, err := readPayload(strings.NewReader("  {\"flowId\":\"f1\"}\n"), nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{"flowId":"f1"}`, string(data))
		assert.Equal(t, byte('{'), data[0])
	})

	t.Run("dash reads stdin", func(t *testing.T) {
		data, err := readPayload(strings.NewReader(`{}`), []string{"-"})
		require.NoError(t, err)
		assert.Equal(t, "{}", string(data))
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "payload.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"requestId":"r1"}`), 0644))
		data, err := readPayload(nil, []string{path})
		require.NoError(t, err)
		assert.JSONEq(t, `{"requestId":"r1"}`, string(data))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := readPayload(nil, []string{filepath.Join(t.TempDir(), "absent.json")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read payload file")
	})
}

func newEnqueueCmd(t *testing.T, flags map[string]string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{}
	cmd.Flags().String("engine-token", "", "")
	cmd.Flags().String("tz", "", "")
	cmd.Flags().String("pattern", "", "")
	for k, v := range flags {
		require.NoError(t, cmd.Flags().Set(k, v))
	}
	return cmd
}

func TestBuildJob(t *testing.T) {
	cmd := newEnqueueCmd(t, map[string]string{"engine-token": "tok", "tz": "UTC", "pattern": "0 * * * *"})

	j, err := buildJob(cmd, "repeatableJobs", json.RawMessage(`{"schemaVersion":4}`))
	require.NoError(t, err)
	assert.Equal(t, job.QueueScheduled, j.Queue)
	assert.Equal(t, "tok", j.EngineToken)
	require.NotNil(t, j.Repeat)
	assert.Equal(t, job.Repeat{Timezone: "UTC", Pattern: "0 * * * *"}, *j.Repeat)

	plain, err := buildJob(newEnqueueCmd(t, nil), "webhookJobs", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Nil(t, plain.Repeat)

	_, err = buildJob(newEnqueueCmd(t, nil), "nightlyJobs", json.RawMessage(`{}`))
	require.Error(t, err)

	_, err = buildJob(newEnqueueCmd(t, nil), "webhookJobs", json.RawMessage(`not json`))
	require.Error(t, err)
}

func TestOpenBackends_SQLite(t *testing.T) {
	cfg := sqliteConfig(t)
	ctx := context.Background()

	b, err := openBackends(ctx, cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer b.Close()

	require.NotNil(t, b.database)
	assert.NotNil(t, b.poller)
	assert.NotNil(t, b.jobs)
	assert.NotNil(t, b.finisher)
	assert.NotNil(t, b.locker)
	assert.NotNil(t, b.scheduleWriter())
	assert.Nil(t, b.redis)

	j, err := job.New(job.QueueScheduled, json.RawMessage(`{"flowVersion":{"id":"v1","flowId":"f1"},"projectId":"p1"}`))
	require.NoError(t, err)
	require.NoError(t, b.jobs.Enqueue(ctx, j))

	// startup migration over the configured backends upgrades the stored payload
	coordinator := b.coordinator(cfg, b.chain(nil), zap.NewNop().Sugar())
	require.NotNil(t, coordinator)
	res, err := coordinator.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Migrated)

	jobs, err := b.jobs.ListJobs(ctx, job.QueueScheduled)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	version, err := jobs[0].SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, job.LatestSchemaVersion, version)
}

func TestOpenBackends_HTTPQueueHasNoJobStore(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Queue.Backend = am.BackendHTTP

	b, err := openBackends(context.Background(), cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer b.Close()

	assert.NotNil(t, b.poller)
	assert.Nil(t, b.jobs)
	assert.Nil(t, b.finisher)
	assert.Nil(t, b.coordinator(cfg, b.chain(nil), nil))
}

func TestOpenBackends_NoDatabase(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Database.Path = ""
	cfg.Queue.Backend = am.BackendHTTP
	cfg.Lock.Backend = am.BackendRedis
	cfg.Redis.Addr = "127.0.0.1:1" // nothing listens here

	_, err := openBackends(context.Background(), cfg, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestScheduleWriterIsNilWithoutFlows(t *testing.T) {
	b := &backends{}
	assert.True(t, b.scheduleWriter() == nil, "must be an untyped nil so the schedule step is skipped")
}

func TestVersionCmd(t *testing.T) {
	var out bytes.Buffer
	VersionCmd.SetOut(&out)
	defer VersionCmd.SetOut(nil)

	require.NoError(t, VersionCmd.RunE(VersionCmd, nil))
	assert.Contains(t, out.String(), "flowworker")
	assert.Contains(t, out.String(), "Platform:")
}

type noopRunner struct{}

func (noopRunner) Run(context.Context) (migrate.Result, error) { return migrate.Result{}, nil }

func TestApplyReload(t *testing.T) {
	current := sqliteConfig(t)
	scheduler := migrate.NewScheduler(context.Background(), noopRunner{}, 0, nil)
	scheduler.Start()
	defer scheduler.Stop()

	core, logs := observer.New(zap.WarnLevel)
	log := zap.New(core).Sugar()

	reloaded := *current
	reloaded.Migration.Interval = time.Hour
	require.NoError(t, applyReload(current, &reloaded, scheduler, log))
	assert.Equal(t, time.Hour, scheduler.Interval())
	assert.Zero(t, logs.Len(), "interval changes apply without a restart")

	reloaded.Queue.Backend = am.BackendRedis
	require.NoError(t, applyReload(current, &reloaded, scheduler, log))
	assert.Equal(t, 1, logs.FilterMessageSnippet("restart to apply").Len())
}
