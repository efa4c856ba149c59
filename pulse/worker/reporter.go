package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/flowworker/controlplane"
	"github.com/teranos/flowworker/errors"
	"github.com/teranos/flowworker/logger"
	"github.com/teranos/flowworker/pulse/job"
)

// DefaultFailureBuffer is how many FAILED reports may wait for delivery
const DefaultFailureBuffer = 64

// ErrReporterFull is handed to the error sink when a report is dropped
var ErrReporterFull = errors.New("failure report dropped: buffer full")

// ErrReporterClosed is handed to the error sink for reports made after Close
var ErrReporterClosed = errors.New("failure report dropped: reporter closed")

// ExceptionReporter receives poll and dispatch errors
type ExceptionReporter interface {
	ReportException(ctx context.Context, err error, keysAndValues ...interface{})
}

// LogExceptionReporter logs exceptions with their stack trace
type LogExceptionReporter struct {
	logger *zap.SugaredLogger
}

// NewLogExceptionReporter creates an ExceptionReporter that logs at error level
func NewLogExceptionReporter(log *zap.SugaredLogger) *LogExceptionReporter {
	return &LogExceptionReporter{logger: logger.OrNop(log)}
}

func (r *LogExceptionReporter) ReportException(ctx context.Context, err error, keysAndValues ...interface{}) {
	kv := append(logger.FieldsFromContext(ctx), keysAndValues...)
	kv = append(kv, logger.FieldError, fmt.Sprintf("%+v", err))
	r.logger.Errorw("Worker exception", kv...)
}

// FailureReport is a FAILED status owed to the control plane for one job
type FailureReport struct {
	JobID       string
	EngineToken string
	Queue       job.QueueName
	Message     string
}

// ErrorSink receives reports the FailureReporter could not deliver
type ErrorSink func(report FailureReport, err error)

// FailureReporter delivers FAILED statuses from its own goroutine so polling
// loops never wait on the control plane.
type FailureReporter struct {
	status  StatusReporter
	sink    ErrorSink
	ctx     context.Context
	logger  *zap.SugaredLogger
	reports chan FailureReport
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewFailureReporter starts the delivery goroutine. A nil sink logs failed
// deliveries. Reports are sent with ctx, detached from its cancellation.
func NewFailureReporter(ctx context.Context, status StatusReporter, sink ErrorSink, buffer int, log *zap.SugaredLogger) *FailureReporter {
	if buffer <= 0 {
		buffer = DefaultFailureBuffer
	}
	r := &FailureReporter{
		status:  status,
		ctx:     context.WithoutCancel(ctx),
		logger:  logger.OrNop(log),
		reports: make(chan FailureReport, buffer),
		done:    make(chan struct{}),
	}
	r.sink = sink
	if r.sink == nil {
		r.sink = r.logFailure
	}

	go r.run()
	return r
}

// Report queues a FAILED status without blocking. Reports that cannot be
// queued go straight to the error sink.
func (r *FailureReporter) Report(report FailureReport) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.sink(report, ErrReporterClosed)
		return
	}

	select {
	case r.reports <- report:
	default:
		r.sink(report, ErrReporterFull)
	}
}

// Close stops accepting reports and waits for queued ones to be delivered
func (r *FailureReporter) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.reports)
	}
	r.mu.Unlock()

	<-r.done
}

func (r *FailureReporter) run() {
	defer close(r.done)

	for report := range r.reports {
		err := r.status.UpdateJobStatus(r.ctx, report.EngineToken, controlplane.StatusRequest{
			Status:    job.StatusFailed,
			QueueName: report.Queue,
			Message:   report.Message,
		})
		if err != nil {
			err = errors.Wrap(err, "failed to report job failure")
			r.sink(report, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", report.JobID)))
		}
	}
}

func (r *FailureReporter) logFailure(report FailureReport, err error) {
	r.logger.Warnw("Could not deliver job failure",
		logger.FieldJobID, report.JobID,
		logger.FieldQueue, report.Queue,
		logger.FieldError, err,
	)
}
