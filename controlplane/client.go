// Package controlplane is the worker's HTTP client for the control plane API:
// liveness heartbeats, job status reports and remote job polling.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/flowworker/errors"
	"github.com/teranos/flowworker/internal/httpclient"
	"github.com/teranos/flowworker/logger"
	"github.com/teranos/flowworker/pulse/job"
)

const (
	heartbeatPath = "/v1/worker-machines/heartbeat"
	jobStatusPath = "/v1/engine/update-job"
	pollPath      = "/v1/workers/poll"

	// maxErrorBody caps how much of a failed response is kept in the error
	maxErrorBody = 4096

	maxRedirects = 3
)

// MachineInfo describes the host a worker runs on
type MachineInfo struct {
	Hostname                 string            `json:"hostname"`
	CPUUsagePercentage       float64           `json:"cpuUsagePercentage"`
	RAMUsagePercentage       float64           `json:"ramUsagePercentage"`
	TotalAvailableRAMInBytes uint64            `json:"totalAvailableRamInBytes"`
	TotalRAMInBytes          uint64            `json:"totalRamInBytes"`
	DiskUsagePercentage      float64           `json:"diskUsagePercentage"`
	WorkerProps              map[string]string `json:"workerProps,omitempty"`
}

// StatusRequest reports a job's outcome
type StatusRequest struct {
	Status    job.Status    `json:"status"`
	QueueName job.QueueName `json:"queueName"`
	Message   string        `json:"message,omitempty"`
}

// pollResponse is the job envelope returned by the poll endpoint
type pollResponse struct {
	ID          string          `json:"id"`
	Data        json.RawMessage `json:"data"`
	EngineToken string          `json:"engineToken"`
	Repeat      *job.Repeat     `json:"repeat,omitempty"`
}

// Client talks to the control plane API
type Client struct {
	baseURL string
	http    *httpclient.SaferClient
	logger  *zap.SugaredLogger
}

// NewClient creates a client for the API rooted at baseURL. The control plane
// usually sits on a private network, so only the scheme allow-list and the
// redirect cap apply.
func NewClient(baseURL string, timeout time.Duration, log *zap.SugaredLogger) *Client {
	blockPrivate, redirects := false, maxRedirects
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: httpclient.NewSaferClientWithOptions(timeout, httpclient.SaferClientOptions{
			AllowedSchemes: []string{"http", "https"},
			MaxRedirects:   &redirects,
			BlockPrivateIP: &blockPrivate,
		}),
		logger: logger.OrNop(log),
	}
}

// Heartbeat tells the control plane this worker is alive
func (c *Client) Heartbeat(ctx context.Context, workerToken string, info MachineInfo) error {
	return c.post(ctx, heartbeatPath, workerToken, info)
}

// UpdateJobStatus reports a job's outcome using the job's engine token
func (c *Client) UpdateJobStatus(ctx context.Context, engineToken string, req StatusRequest) error {
	if err := c.post(ctx, jobStatusPath, engineToken, req); err != nil {
		return errors.WithDetail(err, fmt.Sprintf("Status: %s", req.Status))
	}
	return nil
}

// Poll asks the control plane for the next job of queue. 204 means none.
func (c *Client) Poll(ctx context.Context, workerToken string, queue job.QueueName) (*job.Job, error) {
	endpoint := c.baseURL + pollPath + "?" + url.Values{"queueName": {string(queue)}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build poll request")
	}
	req.Header.Set("Authorization", "Bearer "+workerToken)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(err, "poll request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if err := checkStatus(resp, pollPath); err != nil {
		return nil, err
	}

	var body pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, "failed to decode polled job")
	}
	if body.ID == "" && len(body.Data) == 0 {
		return nil, nil
	}

	return &job.Job{
		ID:          body.ID,
		Queue:       queue,
		Data:        body.Data,
		EngineToken: body.EngineToken,
		Repeat:      body.Repeat,
		CreatedAt:   time.Now(),
	}, nil
}

func (c *Client) post(ctx context.Context, path, token string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s request", path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "failed to build %s request", path)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		err = errors.Wrapf(err, "request to %s failed", path)
		return errors.WithDetail(err, fmt.Sprintf("URL: %s", c.baseURL+path))
	}
	defer resp.Body.Close()

	c.logger.Debugw("Control plane call",
		logger.FieldOperation, path,
		logger.FieldStatus, resp.StatusCode,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)
	return checkStatus(resp, path)
}

// checkStatus turns a non-2xx response into an error carrying the body
func checkStatus(resp *http.Response, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	err := errors.Newf("%s returned %d", path, resp.StatusCode)
	err = errors.WithDetail(err, fmt.Sprintf("HTTP status: %s", resp.Status))
	if len(snippet) > 0 {
		err = errors.WithDetail(err, fmt.Sprintf("Response: %s", strings.TrimSpace(string(snippet))))
	}
	return err
}
