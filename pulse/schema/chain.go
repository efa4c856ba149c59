// Package schema upgrades persisted job payloads to the shape the worker executes.
//
// A Chain is an ordered table of steps keyed by the version they upgrade from.
// Upgrade applies steps while one exists for the payload's current version, so a
// payload stops at the newest version the table defines and versions the table
// does not know are left alone.
package schema

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/teranos/flowworker/errors"
	"github.com/teranos/flowworker/logger"
	"github.com/teranos/flowworker/pulse/job"
)

// Payload is a job payload as a JSON object. Legacy shapes do not fit the
// current structs, so steps edit the object directly.
type Payload map[string]any

// ApplyFunc transforms a payload one version forward. The chain sets
// schemaVersion on the result, steps never need to.
type ApplyFunc func(ctx context.Context, j *job.Job, data Payload) (Payload, error)

// Step upgrades payloads at version From to version To (always From+1).
// SideEffect marks steps that write outside the payload.
type Step struct {
	From       int
	To         int
	Name       string
	Apply      ApplyFunc
	SideEffect bool
}

// PersistFunc stores an upgraded payload. It is called after every step so a
// crash mid-chain resumes from the last completed version.
type PersistFunc func(ctx context.Context, data json.RawMessage) error

// Result summarises one Upgrade call
type Result struct {
	From    int
	To      int
	Applied []string
}

// Changed reports whether any step ran
func (r Result) Changed() bool {
	return len(r.Applied) > 0
}

// Chain is an ordered set of upgrade steps
type Chain struct {
	steps  map[int]Step
	latest int
	logger *zap.SugaredLogger
}

// NewChain builds a chain from steps. Steps must each advance by exactly one
// version and together form a contiguous run with no duplicate From.
func NewChain(log *zap.SugaredLogger, steps ...Step) (*Chain, error) {
	if len(steps) == 0 {
		return nil, errors.New("schema chain needs at least one step")
	}

	sorted := append([]Step(nil), steps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })

	c := &Chain{steps: make(map[int]Step, len(steps)), logger: logger.OrNop(log)}
	for i, s := range sorted {
		if s.Apply == nil {
			return nil, errors.Newf("step %q has no transform", s.Name)
		}
		if s.To != s.From+1 {
			return nil, errors.Newf("step %q must upgrade %d to %d, got %d", s.Name, s.From, s.From+1, s.To)
		}
		if _, dup := c.steps[s.From]; dup {
			return nil, errors.Newf("duplicate step from version %d", s.From)
		}
		if i > 0 && s.From != sorted[i-1].To {
			return nil, errors.Newf("gap in schema chain between %d and %d", sorted[i-1].To, s.From)
		}
		c.steps[s.From] = s
		c.latest = s.To
	}
	return c, nil
}

// VersionOnly returns a chain over the same versions in which side-effecting
// steps pass the payload through unchanged. Use it wherever the upgraded
// payload is not persisted, so effects meant to run once under the migration
// lock are never repeated.
func (c *Chain) VersionOnly() *Chain {
	out := &Chain{steps: make(map[int]Step, len(c.steps)), latest: c.latest, logger: c.logger}
	for from, s := range c.steps {
		if s.SideEffect {
			s.Apply = passThrough
			s.SideEffect = false
		}
		out.steps[from] = s
	}
	return out
}

func passThrough(_ context.Context, _ *job.Job, data Payload) (Payload, error) {
	return data, nil
}

// Latest is the newest version the chain produces
func (c *Chain) Latest() int {
	return c.latest
}

// Upgrade runs j's payload through every applicable step, updating j.Data as
// it goes and calling persist (when non-nil) after each step.
func (c *Chain) Upgrade(ctx context.Context, j *job.Job, persist PersistFunc) (Result, error) {
	version, err := j.SchemaVersion()
	if err != nil {
		return Result{}, err
	}
	res := Result{From: version, To: version}

	data, err := decodePayload(j.Data)
	if err != nil {
		return res, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		step, ok := c.steps[version]
		if !ok {
			return res, nil
		}

		next, err := step.Apply(ctx, j, clonePayload(data))
		if err != nil {
			err = errors.Wrapf(err, "schema step %s failed", step.Name)
			return res, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
		}
		next["schemaVersion"] = step.To

		raw, err := json.Marshal(next)
		if err != nil {
			return res, errors.Wrap(err, "failed to encode upgraded payload")
		}
		if persist != nil {
			if err := persist(ctx, raw); err != nil {
				err = errors.Wrapf(err, "failed to persist payload at version %d", step.To)
				return res, errors.WithDetail(err, fmt.Sprintf("Job ID: %s", j.ID))
			}
		}

		c.logger.Debugw("Applied schema step",
			logger.FieldJobID, j.ID,
			logger.FieldStep, step.Name,
			logger.FieldFromVersion, step.From,
			logger.FieldToVersion, step.To,
		)

		j.Data = raw
		data = next
		version = step.To
		res.To = version
		res.Applied = append(res.Applied, step.Name)
	}
}

// decodePayload keeps numbers as json.Number so ids and counters survive the round trip
func decodePayload(raw json.RawMessage) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, errors.Wrap(err, "failed to decode job payload")
	}
	if p == nil {
		return nil, errors.New("job payload is not an object")
	}
	return p, nil
}

func clonePayload(p Payload) Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
