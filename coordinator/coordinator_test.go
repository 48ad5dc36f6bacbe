package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorlock/disco/config"
	"github.com/jmorlock/disco/jobpack"
	"github.com/jmorlock/disco/logging"
	"github.com/jmorlock/disco/pipeline"
)

const waitTimeout = 5 * time.Second

// =============================================================================
// Test doubles
// =============================================================================

// fakeScheduler records every submission and exposes them on a channel.
type fakeScheduler struct {
	mu         sync.Mutex
	subs       []*Submission
	ch         chan *Submission
	newJobErr  error
	newTaskErr error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{ch: make(chan *Submission, 64)}
}

func (f *fakeScheduler) NewJob(ctx context.Context, jobName string, coord *Coordinator) error {
	return f.newJobErr
}

func (f *fakeScheduler) NewTask(ctx context.Context, sub *Submission) error {
	if f.newTaskErr != nil {
		return f.newTaskErr
	}
	f.mu.Lock()
	f.subs = append(f.subs, sub)
	f.mu.Unlock()
	f.ch <- sub
	return nil
}

// next returns the next submission, failing the test after a timeout.
func (f *fakeScheduler) next(t *testing.T) *Submission {
	t.Helper()
	select {
	case sub := <-f.ch:
		return sub
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a task submission")
		return nil
	}
}

// expectNone asserts that no submission arrives within the given window.
func (f *fakeScheduler) expectNone(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case sub := <-f.ch:
		t.Fatalf("unexpected submission for task %d", int(sub.Run.TaskID))
	case <-time.After(window):
	}
}

// testSink records event messages and hands out deterministic job names.
type testSink struct {
	mu     sync.Mutex
	events []string
}

func (s *testSink) NewJob(prefix string) (string, error) { return prefix + "@test", nil }

func (s *testSink) Event(job, msg string, tags ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, msg)
}

func (s *testSink) TaskEvent(job string, task TaskID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, msg)
}

func (s *testSink) has(msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e == msg {
			return true
		}
	}
	return false
}

// =============================================================================
// Harness
// =============================================================================

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.FailedMinPause = time.Millisecond
	cfg.FailedMaxPause = 5 * time.Millisecond
	cfg.FailedPauseRandomize = time.Millisecond
	cfg.JobHome = t.TempDir()
	cfg.SubmitTimeout = time.Second
	cfg.SubmitRetries = 0
	cfg.JobStartTimeout = waitTimeout
	return cfg
}

// twoStageJob is scenario A's shape: map(per_input) then reduce(all_to_one)
// over two labelled inputs on h1 and h2.
func twoStageJob() *jobpack.JobInfo {
	return &jobpack.JobInfo{
		Name:   "wordcount",
		Worker: "count-worker",
		Pipeline: []pipeline.Stage{
			{Name: "map", Grouping: pipeline.GroupPerInput},
			{Name: "reduce", Grouping: pipeline.GroupAllToOne},
		},
		Inputs: []pipeline.DataInput{
			{Label: "i0", Replicas: []pipeline.Replica{{Host: "h1", URL: "disco://h1/i0"}}},
			{Label: "i1", Replicas: []pipeline.Replica{{Host: "h2", URL: "disco://h2/i1"}}},
		},
	}
}

func oneStageJob() *jobpack.JobInfo {
	job := twoStageJob()
	job.Pipeline = job.Pipeline[:1]
	job.Inputs = job.Inputs[:1]
	return job
}

func startJob(t *testing.T, cfg *config.Config, fs *fakeScheduler, sink *testSink, job *jobpack.JobInfo) *Coordinator {
	t.Helper()
	c, err := Start(context.Background(), cfg, logging.Nop(), fs, sink, job, []byte(`{}`))
	require.NoError(t, err)
	t.Cleanup(func() { c.Kill("test teardown") })
	return c
}

// flush waits until every message posted before it has been handled, so
// the test may read run-loop-confined state.
func flush(t *testing.T, c *Coordinator) {
	t.Helper()
	ack := make(chan struct{})
	select {
	case c.mailbox <- syncMsg{ack: ack}:
	case <-c.done:
		return
	}
	select {
	case <-ack:
	case <-time.After(waitTimeout):
		t.Fatal("timed out flushing the coordinator mailbox")
	}
}

func waitDone(t *testing.T, c *Coordinator) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for the coordinator to terminate")
	}
}

func output(label, host string) TaskOutput {
	return TaskOutput{Label: label, Host: host, URL: "disco://" + host + "/" + label}
}

func doneResult(outputs ...TaskOutput) TaskResult {
	return TaskResult{Kind: ResultDone, Outputs: outputs}
}

// =============================================================================
// Scenario A — happy path, two stages
// =============================================================================

func TestHappyPathTwoStages(t *testing.T) {
	fs := newFakeScheduler()
	sink := &testSink{}
	c := startJob(t, testConfig(t), fs, sink, twoStageJob())

	first := fs.next(t)
	second := fs.next(t)
	require.Equal(t, "map", first.Spec.Stage)
	require.Equal(t, "map", second.Spec.Stage)
	assert.Equal(t, TaskID(0), first.Run.TaskID)
	assert.Equal(t, TaskID(1), second.Run.TaskID)
	assert.Equal(t, "h1", first.Run.Host)
	assert.Equal(t, "h2", second.Run.Host)
	assert.Equal(t, []InputID{{Producer: pipeline.JobInput, Position: 0}}, first.Spec.Inputs)
	assert.Equal(t, []InputID{{Producer: pipeline.JobInput, Position: 1}}, second.Spec.Inputs)

	c.TaskDone(0, "h1", doneResult(output("o0", "h1")))
	c.TaskDone(1, "h2", doneResult(output("o1", "h2")))

	reduce := fs.next(t)
	require.Equal(t, "reduce", reduce.Spec.Stage)
	assert.Equal(t, TaskID(2), reduce.Run.TaskID)
	assert.Equal(t, "any", reduce.Run.Host)
	assert.Equal(t, []InputID{
		{Producer: 0, Position: 0},
		{Producer: 1, Position: 0},
	}, reduce.Spec.Inputs)

	// Resolved inputs snapshot the producers' output locations.
	require.Len(t, reduce.Run.Inputs, 2)
	assert.Equal(t, []pipeline.Replica{{Host: "h1", URL: "disco://h1/o0"}}, reduce.Run.Inputs[0].Locations)

	c.TaskDone(2, "h3", doneResult(output("final", "h3")))
	waitDone(t, c)
	assert.NoError(t, c.Err())
	assert.Equal(t, StateDone, c.Status())
	assert.True(t, sink.has("job_done"))

	// Run ids are strictly monotonic across submissions.
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for i := 1; i < len(fs.subs); i++ {
		assert.Greater(t, fs.subs[i].Run.RunID, fs.subs[i-1].Run.RunID)
	}
}

func TestEmptyJobRunsToCompletion(t *testing.T) {
	fs := newFakeScheduler()
	job := twoStageJob()
	job.Inputs = nil
	c := startJob(t, testConfig(t), fs, &testSink{}, job)

	// No inputs means every stage is born empty; the pipeline still
	// advances to normal termination without a single submission.
	waitDone(t, c)
	assert.NoError(t, c.Err())
	fs.mu.Lock()
	defer fs.mu.Unlock()
	assert.Empty(t, fs.subs)
}

// =============================================================================
// Scenario B — retry within budget
// =============================================================================

func TestRetryWithinBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFailureRate = 3
	fs := newFakeScheduler()
	c := startJob(t, cfg, fs, &testSink{}, oneStageJob())

	sub := fs.next(t)
	require.Equal(t, TaskID(0), sub.Run.TaskID)
	require.Equal(t, "h1", sub.Run.Host)

	c.TaskDone(0, "h1", TaskResult{Kind: ResultError, Reason: "disk full"})
	retry1 := fs.next(t)
	assert.Equal(t, "any", retry1.Run.Host)
	assert.Equal(t, []string{"h1"}, retry1.Run.FailedHosts)

	c.TaskDone(0, "h1", TaskResult{Kind: ResultError, Reason: "disk full"})
	retry2 := fs.next(t)
	assert.Equal(t, "any", retry2.Run.Host)

	flush(t, c)
	assert.Equal(t, 2, c.tasks[0].failedCount)

	// Success on the previously failing host clears it from the blacklist.
	c.TaskDone(0, "h1", doneResult(output("o", "h1")))
	waitDone(t, c)
	require.NoError(t, c.Err())
	assert.Equal(t, 2, c.tasks[0].failedCount)
	assert.Empty(t, c.tasks[0].failedHosts)
}

// =============================================================================
// Scenario C — retry over budget
// =============================================================================

func TestRetryOverBudgetAbortsJob(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFailureRate = 2
	fs := newFakeScheduler()
	c := startJob(t, cfg, fs, &testSink{}, oneStageJob())

	fs.next(t)
	c.TaskDone(0, "h1", TaskResult{Kind: ResultError, Reason: "E"})
	fs.next(t)
	c.TaskDone(0, "h1", TaskResult{Kind: ResultError, Reason: "E"})
	fs.next(t)
	c.TaskDone(0, "h1", TaskResult{Kind: ResultError, Reason: "E"})

	waitDone(t, c)
	require.Error(t, c.Err())
	assert.Equal(t, "Task failed 3 times (due to E). At most 2 failures are allowed.", c.Err().Error())
	assert.Equal(t, StateKilled, c.Status())
}

// =============================================================================
// Scenario D — input replica failover
// =============================================================================

// driveMapStage completes both map tasks and returns the reduce
// submission.
func driveMapStage(t *testing.T, c *Coordinator, fs *fakeScheduler) *Submission {
	t.Helper()
	fs.next(t)
	fs.next(t)
	c.TaskDone(0, "h1", doneResult(output("o0", "h1")))
	c.TaskDone(1, "h2", doneResult(output("o1", "h2")))
	reduce := fs.next(t)
	require.Equal(t, "reduce", reduce.Spec.Stage)
	return reduce
}

func TestInputReplicaFailover(t *testing.T) {
	cfg := testConfig(t)
	cfg.InputFailureCap = 3
	fs := newFakeScheduler()
	c := startJob(t, cfg, fs, &testSink{}, twoStageJob())
	driveMapStage(t, c, fs)

	// Give (t0, 0) a second replica so a usable location survives h1.
	flush(t, c)
	c.dataMap[InputID{Producer: 0, Position: 0}].locations["h2"] = "disco://h2/o0"

	inputErr := TaskResult{
		Kind:  ResultInputError,
		Input: InputID{Producer: 0, Position: 0},
		Hosts: []string{"h1"},
	}
	for i := 0; i < 3; i++ {
		c.TaskDone(2, "h9", inputErr)
		retry := fs.next(t)
		assert.Equal(t, TaskID(2), retry.Run.TaskID)
		assert.Equal(t, "any", retry.Run.Host)
	}

	// Fourth report pushes h1 past the cap; h2 remains usable, so the task
	// is still just retried.
	c.TaskDone(2, "h9", inputErr)
	retry := fs.next(t)
	assert.Equal(t, TaskID(2), retry.Run.TaskID)

	flush(t, c)
	d := c.dataMap[InputID{Producer: 0, Position: 0}]
	assert.Equal(t, 4, d.failures["h1"])
	assert.Equal(t, []string{"h2"}, d.usableHosts(cfg.InputFailureCap))

	// Failover does not consume the consumer's retry budget.
	assert.Zero(t, c.tasks[2].failedCount)
}

// =============================================================================
// Scenario E — regeneration
// =============================================================================

func TestInputRegenerationWakesParkedConsumer(t *testing.T) {
	cfg := testConfig(t)
	cfg.InputFailureCap = 3
	fs := newFakeScheduler()

	// Job inputs live on hosts outside the failing set so the producer
	// itself stays runnable.
	job := twoStageJob()
	job.Inputs[0].Replicas = []pipeline.Replica{{Host: "hA", URL: "disco://hA/i0"}}
	job.Inputs[1].Replicas = []pipeline.Replica{{Host: "hB", URL: "disco://hB/i1"}}
	c := startJob(t, cfg, fs, &testSink{}, job)

	fs.next(t)
	fs.next(t)
	c.TaskDone(0, "h1", doneResult(output("o0", "h1")))
	c.TaskDone(1, "hB", doneResult(output("o1", "hB")))
	fs.next(t) // reduce task t2

	flush(t, c)
	c.dataMap[InputID{Producer: 0, Position: 0}].locations["h2"] = "disco://h2/o0"

	inputErr := TaskResult{
		Kind:  ResultInputError,
		Input: InputID{Producer: 0, Position: 0},
		Hosts: []string{"h1", "h2"},
	}
	for i := 0; i < 3; i++ {
		c.TaskDone(2, "h9", inputErr)
		require.Equal(t, TaskID(2), fs.next(t).Run.TaskID)
	}

	// Fourth report exceeds the cap on every location: the producer is
	// re-run and the consumer parks in its waiter set.
	c.TaskDone(2, "h9", inputErr)
	regen := fs.next(t)
	require.Equal(t, TaskID(0), regen.Run.TaskID)
	assert.Equal(t, "any", regen.Run.Host)

	flush(t, c)
	assert.Contains(t, c.tasks[0].waiters, TaskID(2))
	assert.Empty(t, c.dataMap[InputID{Producer: 0, Position: 0}].locations)

	// Producer completion on a fresh host wakes the consumer exactly once.
	c.TaskDone(0, "h3", doneResult(output("o0", "h3")))
	woken := fs.next(t)
	require.Equal(t, TaskID(2), woken.Run.TaskID)
	require.Len(t, woken.Run.Inputs, 2)
	assert.Equal(t, []pipeline.Replica{{Host: "h3", URL: "disco://h3/o0"}}, woken.Run.Inputs[0].Locations)

	flush(t, c)
	assert.Empty(t, c.tasks[0].waiters)

	c.TaskDone(2, "h3", doneResult(output("final", "h3")))
	waitDone(t, c)
	assert.NoError(t, c.Err())
}

// =============================================================================
// Scenario F — fatal
// =============================================================================

func TestFatalResultAbortsJob(t *testing.T) {
	fs := newFakeScheduler()
	c := startJob(t, testConfig(t), fs, &testSink{}, oneStageJob())

	fs.next(t)
	c.TaskDone(0, "h1", TaskResult{Kind: ResultFatal, Reason: "OOM"})

	waitDone(t, c)
	require.Error(t, c.Err())
	assert.Equal(t, "OOM", c.Err().Error())
	assert.Equal(t, StateKilled, c.Status())
}

// =============================================================================
// Idempotence and duplicate handling
// =============================================================================

func TestDuplicateTaskDoneIgnored(t *testing.T) {
	fs := newFakeScheduler()
	c := startJob(t, testConfig(t), fs, &testSink{}, twoStageJob())

	fs.next(t)
	fs.next(t)
	c.TaskDone(0, "h1", doneResult(output("o0", "h1")))

	// A second completion for a task no longer running must not change its
	// recorded outputs.
	c.TaskDone(0, "h9", doneResult(output("bogus", "h9")))
	flush(t, c)
	require.Len(t, c.tasks[0].outputs, 1)
	assert.Equal(t, "h1", c.tasks[0].outputs[0].Host)

	si := c.stages["map"]
	assert.Equal(t, si.all, len(si.done)+len(si.running)+len(si.stopped))
}

func TestRedundantStageDoneStartsNextStageOnce(t *testing.T) {
	fs := newFakeScheduler()
	c := startJob(t, testConfig(t), fs, &testSink{}, twoStageJob())

	fs.next(t)
	fs.next(t)
	c.TaskDone(0, "h1", doneResult(output("o0", "h1")))
	c.TaskDone(1, "h2", doneResult(output("o1", "h2")))
	fs.next(t) // the single reduce task

	// Redundant signals after the next stage started.
	c.post(stageDoneMsg{stage: "map"})
	c.post(stageDoneMsg{stage: "map"})
	flush(t, c)

	require.NotNil(t, c.stages["reduce"])
	assert.Equal(t, 1, c.stages["reduce"].all)
	fs.expectNone(t, 50*time.Millisecond)
}

// =============================================================================
// Kill and init failures
// =============================================================================

func TestKillTerminatesWithReason(t *testing.T) {
	fs := newFakeScheduler()
	c := startJob(t, testConfig(t), fs, &testSink{}, twoStageJob())

	c.Kill("operator request")
	waitDone(t, c)
	require.Error(t, c.Err())
	assert.Equal(t, "operator request", c.Err().Error())

	// Results arriving after termination are dropped, not deadlocked.
	c.TaskDone(0, "h1", doneResult(output("o0", "h1")))
}

func TestStartRejectsUnsupportedPipeline(t *testing.T) {
	job := twoStageJob()
	job.Pipeline[0].Grouping = "shuffle_randomly"

	_, err := Start(context.Background(), testConfig(t), logging.Nop(), newFakeScheduler(), &testSink{}, job, []byte(`{}`))
	require.ErrorIs(t, err, pipeline.ErrUnsupportedPipeline)
}

func TestStartFailsWhenSchedulerRefusesJob(t *testing.T) {
	fs := newFakeScheduler()
	fs.newJobErr = context.DeadlineExceeded

	_, err := Start(context.Background(), testConfig(t), logging.Nop(), fs, &testSink{}, twoStageJob(), []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "register job with scheduler")
}

func TestSubmissionFailureAbortsJob(t *testing.T) {
	fs := newFakeScheduler()
	fs.newTaskErr = context.DeadlineExceeded
	c := startJob(t, testConfig(t), fs, &testSink{}, oneStageJob())

	waitDone(t, c)
	require.Error(t, c.Err())
	assert.Contains(t, c.Err().Error(), "task submission failed")
}

// =============================================================================
// Input errors on job inputs
// =============================================================================

func TestInputErrorOnJobInputDegradesToRetry(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFailureRate = 3
	fs := newFakeScheduler()
	c := startJob(t, cfg, fs, &testSink{}, oneStageJob())

	fs.next(t)
	c.TaskDone(0, "h1", TaskResult{
		Kind:  ResultInputError,
		Input: InputID{Producer: pipeline.JobInput, Position: 0},
		Hosts: []string{"h1"},
	})

	retry := fs.next(t)
	assert.Equal(t, TaskID(0), retry.Run.TaskID)
	flush(t, c)

	// Initial inputs have no producer to regenerate, so the report counts
	// against the task's plain retry budget.
	assert.Equal(t, 1, c.tasks[0].failedCount)
	assert.Contains(t, c.tasks[0].failedHosts, "h1")
}
