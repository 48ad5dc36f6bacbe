package coordinator

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jmorlock/disco/observability"
)

var tracer = otel.Tracer("disco/coordinator")

// Scheduler is the cluster-wide task scheduler the coordinator submits to.
// Implementations must be safe for concurrent use by many coordinators.
type Scheduler interface {
	// NewJob registers a job and the coordinator handle results are
	// proxied back through.
	NewJob(ctx context.Context, jobName string, coord *Coordinator) error
	// NewTask admits one task run for execution.
	NewTask(ctx context.Context, sub *Submission) error
}

// Submission packages the immutable task spec with one ephemeral run.
type Submission struct {
	Spec *TaskSpec `json:"spec"`
	Run  *TaskRun  `json:"run"`
}

// doSubmit hands each listed task to the scheduler under a fresh run id.
// First runs carry the task's preferred host; re-runs delegate host
// selection to the scheduler. Tasks that already have an accepted run are
// skipped.
func (c *Coordinator) doSubmit(m submitMsg) error {
	for _, id := range m.tasks {
		t := c.tasks[id]
		if t == nil {
			c.logger.Warn("submit_for_unknown_task", "task", int(id))
			continue
		}
		si := c.stages[t.spec.Stage]
		if si.isRunning(id) {
			c.logger.Debug("submit_skipped_task_running", "task", int(id))
			continue
		}

		host := "any"
		if m.mode == FirstRun && t.spec.PreferredHost != "" {
			host = t.spec.PreferredHost
		}
		run := &TaskRun{
			RunID:       c.nextRunID,
			TaskID:      id,
			Host:        host,
			Inputs:      c.resolveInputs(t.spec.Inputs),
			FailedHosts: sortedHosts(t.failedHosts),
		}
		c.nextRunID++

		si.markRunning(id)
		c.recordStage(t.spec.Stage, si)

		if err := c.dispatch(t.spec, run); err != nil {
			return &KillError{Reason: "task submission failed: " + err.Error()}
		}

		observability.RecordTaskSubmitted(string(m.mode))
		c.events.TaskEvent(c.jobName, id, "submitted ("+string(m.mode)+") to "+host)
		c.logger.Debug("task_submitted",
			"task", int(id),
			"run", int(run.RunID),
			"mode", string(m.mode),
			"host", host,
		)
	}
	return nil
}

// dispatch calls the scheduler with a bounded per-attempt timeout,
// re-attempting under exponential backoff before giving up. Exhausted
// retries are fatal to the job.
func (c *Coordinator) dispatch(spec *TaskSpec, run *TaskRun) error {
	ctx, span := tracer.Start(c.ctx, "coordinator.submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("job", c.jobName),
		attribute.String("stage", spec.Stage),
		attribute.Int("task", int(spec.TaskID)),
		attribute.Int("run", int(run.RunID)),
	)

	sub := &Submission{Spec: spec, Run: run}
	attempt := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
		defer cancel()
		return c.sched.NewTask(callCtx, sub)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.SubmitRetries)), ctx)

	if err := backoff.Retry(attempt, policy); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submission failed")
		c.logger.Error("task_submission_failed", "task", int(spec.TaskID), "error", err.Error())
		return err
	}
	return nil
}
