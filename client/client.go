// Package client is the caller-facing API of the engine: starting
// workflows, rerunning them, and observing execution status.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/jellydator/ttlcache/v3"

	"github.com/taskmill/taskmill/core"
	"github.com/taskmill/taskmill/execution"
)

// ErrWorkflowNotFinished is returned by WaitForWorkflow when the workflow
// does not reach a terminal status within the given timeout.
var ErrWorkflowNotFinished = errors.New("workflow did not finish in time")

type Client struct {
	engine *execution.Engine
	clock  clock.Clock

	// Terminal statuses are immutable, so terminal snapshots are cached.
	snapshots *ttlcache.Cache[string, *core.Workflow]
}

type option func(*Client)

func WithClock(c clock.Clock) option {
	return func(cl *Client) {
		cl.clock = c
	}
}

func New(engine *execution.Engine, opts ...option) *Client {
	c := &Client{
		engine: engine,
		clock:  clock.New(),
		snapshots: ttlcache.New(
			ttlcache.WithTTL[string, *core.Workflow](5*time.Minute),
			ttlcache.WithCapacity[string, *core.Workflow](1024),
		),
	}

	for _, opt := range opts {
		opt(c)
	}

	go c.snapshots.Start()

	return c
}

func (c *Client) Close() {
	c.snapshots.Stop()
}

// StartWorkflow creates a new workflow execution from the given plan.
func (c *Client) StartWorkflow(ctx context.Context, options execution.StartWorkflowOptions, def *core.WorkflowDef, input map[string]any) (*core.Workflow, error) {
	return c.engine.StartWorkflow(ctx, options, def, input)
}

// Rerun resets a workflow to the given point and synchronously notifies its
// ancestors. See execution.Rerun.
func (c *Client) Rerun(ctx context.Context, req execution.RerunRequest) error {
	if err := c.engine.Rerun(ctx, req); err != nil {
		return err
	}

	// The target and its ancestors are live again.
	c.snapshots.DeleteAll()

	return nil
}

// GetExecutionStatus returns a snapshot of the workflow. Snapshots of
// terminal workflows are served from cache.
func (c *Client) GetExecutionStatus(ctx context.Context, workflowID string, includeTasks bool) (*core.Workflow, error) {
	key := cacheKey(workflowID, includeTasks)

	if item := c.snapshots.Get(key); item != nil {
		return item.Value(), nil
	}

	w, err := c.engine.GetExecutionStatus(ctx, workflowID, includeTasks)
	if err != nil {
		return nil, err
	}

	if w.Status.Terminal() {
		c.snapshots.Set(key, w, ttlcache.DefaultTTL)
	}

	return w, nil
}

// WaitForWorkflow polls until the workflow reaches a terminal status,
// backing off exponentially between polls.
func (c *Client) WaitForWorkflow(ctx context.Context, workflowID string, timeout time.Duration) (*core.Workflow, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = timeout
	b.Clock = c.clock

	var w *core.Workflow

	err := backoff.Retry(func() error {
		var err error

		w, err = c.engine.GetExecutionStatus(ctx, workflowID, false)
		if err != nil {
			return backoff.Permanent(err)
		}

		if !w.Status.Terminal() {
			return fmt.Errorf("workflow %v still %v", workflowID, w.Status)
		}

		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if w != nil && !w.Status.Terminal() {
			return nil, ErrWorkflowNotFinished
		}

		return nil, err
	}

	return w, nil
}

func cacheKey(workflowID string, includeTasks bool) string {
	if includeTasks {
		return workflowID + ":tasks"
	}

	return workflowID
}
