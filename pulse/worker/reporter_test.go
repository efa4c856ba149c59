package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/flowworker/controlplane"
	"github.com/teranos/flowworker/errors"
	"github.com/teranos/flowworker/pulse/job"
)

// blockingStatus holds every report until release is closed
type blockingStatus struct {
	release chan struct{}
	err     error

	mu   sync.Mutex
	reqs []controlplane.StatusRequest
}

func (b *blockingStatus) UpdateJobStatus(ctx context.Context, engineToken string, req controlplane.StatusRequest) error {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reqs = append(b.reqs, req)
	return b.err
}

func (b *blockingStatus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reqs)
}

type sinkRecorder struct {
	mu      sync.Mutex
	reports []FailureReport
	errs    []error
}

func (s *sinkRecorder) sink(report FailureReport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, report)
	s.errs = append(s.errs, err)
}

func (s *sinkRecorder) snapshot() ([]FailureReport, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]FailureReport(nil), s.reports...), append([]error(nil), s.errs...)
}

func TestFailureReporter_DoesNotBlockCaller(t *testing.T) {
	status := &blockingStatus{release: make(chan struct{})}
	r := NewFailureReporter(context.Background(), status, nil, 4, nil)

	start := time.Now()
	r.Report(FailureReport{JobID: "j1", EngineToken: "e1", Queue: job.QueueWebhook, Message: "boom"})
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Zero(t, status.count())

	close(status.release)
	r.Close()

	require.Equal(t, 1, status.count())
	assert.Equal(t, controlplane.StatusRequest{
		Status:    job.StatusFailed,
		QueueName: job.QueueWebhook,
		Message:   "boom",
	}, status.reqs[0])
}

func TestFailureReporter_DeliveryErrorsGoToSink(t *testing.T) {
	status := &blockingStatus{release: make(chan struct{}), err: errors.New("401 unauthorized")}
	close(status.release)
	rec := &sinkRecorder{}

	r := NewFailureReporter(context.Background(), status, rec.sink, 4, nil)
	r.Report(FailureReport{JobID: "j1", EngineToken: "e1", Queue: job.QueueScheduled})
	r.Close()

	reports, errs := rec.snapshot()
	require.Len(t, reports, 1)
	assert.Equal(t, "j1", reports[0].JobID)
	assert.Contains(t, errs[0].Error(), "failed to report job failure")
	assert.Contains(t, errors.FlattenDetails(errs[0]), "Job ID: j1")
}

func TestFailureReporter_FullBufferDrops(t *testing.T) {
	status := &blockingStatus{release: make(chan struct{})}
	rec := &sinkRecorder{}
	r := NewFailureReporter(context.Background(), status, rec.sink, 1, nil)

	// first is picked up by the goroutine, second fills the buffer
	r.Report(FailureReport{JobID: "j1"})
	require.Eventually(t, func() bool { return len(r.reports) == 0 }, time.Second, time.Millisecond)
	r.Report(FailureReport{JobID: "j2"})
	r.Report(FailureReport{JobID: "j3"})

	reports, errs := rec.snapshot()
	require.Len(t, reports, 1)
	assert.Equal(t, "j3", reports[0].JobID)
	assert.ErrorIs(t, errs[0], ErrReporterFull)

	close(status.release)
	r.Close()
	assert.Equal(t, 2, status.count())
}

func TestFailureReporter_ReportAfterClose(t *testing.T) {
	status := &blockingStatus{release: make(chan struct{})}
	close(status.release)
	rec := &sinkRecorder{}

	r := NewFailureReporter(context.Background(), status, rec.sink, 1, nil)
	r.Close()
	r.Close()
	r.Report(FailureReport{JobID: "late"})

	_, errs := rec.snapshot()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrReporterClosed)
	assert.Zero(t, status.count())
}

func TestFailureReporter_OutlivesCancelledContext(t *testing.T) {
	status := &blockingStatus{release: make(chan struct{})}
	close(status.release)

	ctx, cancel := context.WithCancel(context.Background())
	r := NewFailureReporter(ctx, status, nil, 1, nil)
	cancel()

	r.Report(FailureReport{JobID: "j1"})
	r.Close()
	assert.Equal(t, 1, status.count())
}

func TestFailureReporter_DefaultSinkLogs(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	status := &blockingStatus{release: make(chan struct{}), err: errors.New("down")}
	close(status.release)

	r := NewFailureReporter(context.Background(), status, nil, 1, zap.New(core).Sugar())
	r.Report(FailureReport{JobID: "j1", Queue: job.QueueWebhook})
	r.Close()

	entries := logs.FilterMessage("Could not deliver job failure").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "j1", entries[0].ContextMap()["job_id"])
}

func TestLogExceptionReporter(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	r := NewLogExceptionReporter(zap.New(core).Sugar())

	err := errors.Wrap(errors.New("socket closed"), "failed to poll")
	r.ReportException(context.Background(), err, "queue", "webhookJobs")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "webhookJobs", fields["queue"])
	// %+v carries the stack trace
	assert.Contains(t, fields["error"], "reporter_test.go")
}
