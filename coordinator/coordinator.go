// Package coordinator implements the per-job coordinator: the single owner
// of a job's task, stage and data state.
//
// A coordinator drives one accepted job pack from initialization to a
// terminal state: it decomposes the pipeline into stages and tasks, submits
// tasks to the cluster scheduler, consumes asynchronous task results,
// retries transient failures under a capped randomized backoff, regenerates
// inputs that are no longer reachable anywhere, and advances the pipeline
// stage by stage.
//
// All state is confined to the coordinator's run loop: messages are
// processed strictly serially from a single mailbox, so no locks guard the
// task, stage or data maps. Helpers (retry timers, callers of the public
// API) communicate with the loop by posting messages.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmorlock/disco/config"
	"github.com/jmorlock/disco/jobpack"
	"github.com/jmorlock/disco/logging"
	"github.com/jmorlock/disco/observability"
	"github.com/jmorlock/disco/pipeline"
)

// EventSink is the best-effort event channel a coordinator reports to.
type EventSink interface {
	NewJob(prefix string) (string, error)
	Event(job, msg string, tags ...any)
	TaskEvent(job string, task TaskID, msg string)
}

// KillError is the terminal error of an aborted job; Reason is what the
// submitter sees.
type KillError struct {
	Reason string
}

func (e *KillError) Error() string { return e.Reason }

// State is the externally visible lifecycle state of a coordinator.
type State string

const (
	StateRunning State = "running"
	StateDone    State = "done"
	StateKilled  State = "killed"
)

// seedSeq differentiates the PRNG seeds of coordinators started within the
// same clock tick.
var seedSeq atomic.Int64

// Coordinator owns all mutable state of one job.
type Coordinator struct {
	cfg    *config.Config
	logger logging.Logger
	sched  Scheduler
	events EventSink

	job      *jobpack.JobInfo
	jobName  string
	packPath string
	pline    pipeline.Pipeline

	mailbox chan message
	quit    chan struct{} // closed when the run loop exits; unblocks posters
	done    chan struct{} // closed after terminal state is recorded

	ctx    context.Context // cancelled at termination; bounds submissions
	cancel context.CancelFunc

	// Run-loop-confined state. Nothing outside the loop may touch these.
	tasks      map[TaskID]*taskInfo
	dataMap    map[InputID]*dataInfo
	stages     map[string]*stageInfo
	nextTaskID TaskID
	nextRunID  RunID
	rng        *rand.Rand

	startedAt time.Time

	mu    sync.RWMutex
	state State
	err   error
}

// Start validates the job, registers it with the event sink and the
// cluster scheduler, persists the pack, and launches the run loop. The
// context bounds initialization only; a failure before the job-started
// announcement leaves no running coordinator behind.
func Start(
	ctx context.Context,
	cfg *config.Config,
	logger logging.Logger,
	sched Scheduler,
	events EventSink,
	job *jobpack.JobInfo,
	rawPack []byte,
) (*Coordinator, error) {
	if logger == nil {
		logger = logging.Nop()
	}

	pline, err := pipeline.Compile(job.Pipeline)
	if err != nil {
		return nil, err
	}

	jobName, err := events.NewJob(job.Name)
	if err != nil {
		return nil, fmt.Errorf("register job events: %w", err)
	}

	packPath, err := jobpack.Save(cfg.JobHome, jobName, rawPack)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      cfg,
		logger:   logger.Bind("job", jobName),
		sched:    sched,
		events:   events,
		job:      job,
		jobName:  jobName,
		packPath: packPath,
		pline:    pline,
		mailbox:  make(chan message, 256),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      runCtx,
		cancel:   cancel,
		tasks:    make(map[TaskID]*taskInfo),
		dataMap:  make(map[InputID]*dataInfo),
		stages:   make(map[string]*stageInfo),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano() ^ (seedSeq.Add(1) << 21))),
		state:    StateRunning,
	}

	if err := sched.NewJob(ctx, jobName, c); err != nil {
		cancel()
		return nil, fmt.Errorf("register job with scheduler: %w", err)
	}

	c.startedAt = time.Now()
	observability.RecordJobStarted()
	c.events.Event(jobName, "job_started", "worker", job.Worker, "stages", len(pline))
	c.logger.Info("job_started", "worker", job.Worker, "inputs", len(job.Inputs), "pack", packPath)

	// The synthetic input stage is born completed; announcing it pulls the
	// first real stage into existence.
	c.stages[pipeline.InputStage] = newStageInfo(0)

	go c.run()
	c.selfPost(stageDoneMsg{stage: pipeline.InputStage})
	return c, nil
}

// JobName returns the unique name assigned by the event sink.
func (c *Coordinator) JobName() string { return c.jobName }

// Done is closed once the coordinator has reached a terminal state.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Err returns nil after normal completion, or a *KillError after an abort.
// Valid once Done is closed; before that it returns nil.
func (c *Coordinator) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Status returns the coordinator's lifecycle state.
func (c *Coordinator) Status() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// TaskDone delivers one task result. Safe for concurrent use; results
// arriving after termination are dropped.
func (c *Coordinator) TaskDone(task TaskID, host string, result TaskResult) {
	c.post(taskDoneMsg{task: task, host: host, result: result})
}

// Kill requests termination with the given reason.
func (c *Coordinator) Kill(reason string) {
	c.post(killMsg{reason: reason})
}

// post delivers a message to the mailbox, giving up once the coordinator
// has terminated.
func (c *Coordinator) post(msg message) {
	select {
	case c.mailbox <- msg:
	case <-c.quit:
	}
}

// selfPost is post for use inside handlers: the run loop cannot block on
// its own full mailbox, so overflow falls back to a detached sender.
func (c *Coordinator) selfPost(msg message) {
	select {
	case c.mailbox <- msg:
	default:
		go c.post(msg)
	}
}

// run is the mailbox loop. The job terminates on pipelineDoneMsg, on
// killMsg, or when a handler returns an error.
func (c *Coordinator) run() {
	for {
		msg := <-c.mailbox
		switch m := msg.(type) {
		case submitMsg:
			if err := c.doSubmit(m); err != nil {
				c.finish(err)
				return
			}
		case stageDoneMsg:
			c.doStageDone(m.stage)
		case taskDoneMsg:
			if err := c.doTaskDone(m); err != nil {
				c.finish(err)
				return
			}
		case pipelineDoneMsg:
			c.finish(nil)
			return
		case killMsg:
			c.finish(&KillError{Reason: m.reason})
			return
		case syncMsg:
			close(m.ack)
		}
	}
}

// finish records the terminal state and releases everything waiting on it.
func (c *Coordinator) finish(err error) {
	status := "done"
	if err != nil {
		status = "killed"
		var kerr *KillError
		if !errors.As(err, &kerr) {
			err = &KillError{Reason: err.Error()}
		}
	}

	c.mu.Lock()
	if err != nil {
		c.state = StateKilled
		c.err = err
	} else {
		c.state = StateDone
	}
	c.mu.Unlock()

	c.cancel()
	close(c.quit)

	observability.RecordJobFinished(status, time.Since(c.startedAt).Seconds())
	if err != nil {
		c.events.Event(c.jobName, "job_killed", "reason", err.Error())
		c.logger.Warn("job_killed", "reason", err.Error())
	} else {
		c.events.Event(c.jobName, "job_done")
		c.logger.Info("job_done", "duration_ms", time.Since(c.startedAt).Milliseconds())
	}

	close(c.done)
}

// doStageDone advances the pipeline. The signal may arrive redundantly,
// both directly and through the last-task computation of the completion
// path; starting the next stage at most once makes it idempotent.
func (c *Coordinator) doStageDone(stage string) {
	if c.stages[stage] == nil {
		c.logger.Warn("stage_done_for_unknown_stage", "stage", stage)
		return
	}
	next, ok := c.pline.NextStage(stage)
	if !ok {
		c.selfPost(pipelineDoneMsg{})
		return
	}
	if c.stages[next.Name] != nil {
		// Next stage already started; redundant signal.
		return
	}
	c.events.Event(c.jobName, "stage_done", "stage", stage)
	c.buildStage(next, stage)
}

// doTaskDone dispatches one task result. Results for tasks that are not
// currently running are stale or duplicated and are ignored.
func (c *Coordinator) doTaskDone(m taskDoneMsg) error {
	t := c.tasks[m.task]
	if t == nil {
		c.logger.Warn("result_for_unknown_task", "task", int(m.task))
		return nil
	}
	si := c.stages[t.spec.Stage]
	if !si.isRunning(m.task) {
		c.logger.Debug("stale_task_result", "task", int(m.task), "kind", string(m.result.Kind))
		return nil
	}
	observability.RecordTaskResult(string(m.result.Kind))

	switch m.result.Kind {
	case ResultDone:
		c.taskComplete(t, m.host, m.result.Outputs)
		return nil
	case ResultFatal:
		c.markStopped(t)
		c.events.TaskEvent(c.jobName, m.task, "fatal: "+m.result.Reason)
		return &KillError{Reason: m.result.Reason}
	case ResultError:
		c.markStopped(t)
		return c.retryTask(t, m.host, m.result.Reason)
	case ResultInputError:
		c.markStopped(t)
		return c.handleInputError(t, m.host, m.result)
	default:
		c.logger.Warn("unknown_result_kind", "task", int(m.task), "kind", string(m.result.Kind))
		return nil
	}
}

// taskComplete is the completion path: record outputs, refresh data
// locations, wake waiters, and close the stage when this was its last
// task.
func (c *Coordinator) taskComplete(t *taskInfo, host string, outputs []TaskOutput) {
	id := t.spec.TaskID

	// A success on this host renders its earlier failures moot.
	delete(t.failedHosts, host)
	t.outputs = outputs

	// Consumers that already recorded this task's outputs get the fresh
	// location.
	for pos, out := range outputs {
		if d := c.dataMap[InputID{Producer: id, Position: pos}]; d != nil {
			d.locations[out.Host] = out.URL
		}
	}

	waiters := sortedTaskIDs(t.waiters)
	t.waiters = make(map[TaskID]struct{})

	si := c.stages[t.spec.Stage]
	si.markDone(id)
	c.recordStage(t.spec.Stage, si)

	c.events.TaskEvent(c.jobName, id, "done on "+host)
	c.logger.Debug("task_done", "task", int(id), "host", host, "outputs", len(outputs))

	if len(waiters) > 0 {
		c.logger.Info("waiters_resumed", "task", int(id), "count", len(waiters))
		c.selfPost(submitMsg{mode: ReRun, tasks: waiters})
	}
	if si.complete() {
		c.selfPost(stageDoneMsg{stage: t.spec.Stage})
	}
}

// markStopped parks a task between submissions.
func (c *Coordinator) markStopped(t *taskInfo) {
	si := c.stages[t.spec.Stage]
	si.markStopped(t.spec.TaskID)
	c.recordStage(t.spec.Stage, si)
}

func (c *Coordinator) recordStage(stage string, si *stageInfo) {
	observability.RecordStageTasks(stage, len(si.running), len(si.stopped), len(si.done))
}
