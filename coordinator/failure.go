package coordinator

import (
	"fmt"
	"sort"
	"time"

	"github.com/jmorlock/disco/observability"
	"github.com/jmorlock/disco/pipeline"
)

// retryTask is the transient-failure path: bump the task's failure count,
// blacklist the host, and schedule a delayed re-submission under the
// capped randomized backoff policy. A task over its failure budget aborts
// the job.
func (c *Coordinator) retryTask(t *taskInfo, host, reason string) error {
	failCount := t.failedCount + 1
	if failCount > c.cfg.MaxFailureRate {
		return &KillError{Reason: fmt.Sprintf(
			"Task failed %d times (due to %s). At most %d failures are allowed.",
			failCount, reason, c.cfg.MaxFailureRate,
		)}
	}

	pause := c.retryPause(failCount)
	t.failedCount = failCount
	if host != "" {
		t.failedHosts[host] = struct{}{}
	}

	id := t.spec.TaskID
	observability.RecordTaskRetry()
	c.events.TaskEvent(c.jobName, id, fmt.Sprintf("failed on %s (%s), retry %d in %v", host, reason, failCount, pause))
	c.logger.Info("task_retry_scheduled",
		"task", int(id),
		"host", host,
		"reason", reason,
		"fail_count", failCount,
		"pause_ms", pause.Milliseconds(),
	)

	// The sleep happens off the run loop; the re-submission arrives later
	// as an ordinary message and is dropped if the job terminated.
	time.AfterFunc(pause, func() {
		c.post(submitMsg{mode: ReRun, tasks: []TaskID{id}})
	})
	return nil
}

// retryPause computes min(failCount*min, max) plus uniform jitter.
func (c *Coordinator) retryPause(failCount int) time.Duration {
	pause := time.Duration(failCount) * c.cfg.FailedMinPause
	if pause > c.cfg.FailedMaxPause {
		pause = c.cfg.FailedMaxPause
	}
	if c.cfg.FailedPauseRandomize > 0 {
		pause += time.Duration(c.rng.Int63n(int64(c.cfg.FailedPauseRandomize)))
	}
	return pause
}

// handleInputError resolves an unreachable-input report: count the failure
// against every reported host, fail over to a remaining replica when one
// is still usable, and otherwise regenerate the input by re-running its
// producer chain.
//
// Replica failover does not touch the consumer's failure budget; only
// plain errors count against it.
func (c *Coordinator) handleInputError(t *taskInfo, host string, res TaskResult) error {
	input := res.Input

	if input.Producer == pipeline.JobInput {
		// The job's initial inputs have no producing task to re-run, so the
		// report degrades to a plain transient failure.
		// TODO: the reported replica hosts are not recorded in the data
		// map here, so the blacklist information is lost for job inputs.
		return c.retryTask(t, host, "input "+input.String()+" unavailable")
	}

	d := c.dataMap[input]
	if d == nil {
		c.logger.Warn("input_error_without_data_record", "task", int(t.spec.TaskID), "input", input.String())
		return c.retryTask(t, host, "input "+input.String()+" unavailable")
	}

	hosts := res.Hosts
	if len(hosts) == 0 && host != "" {
		hosts = []string{host}
	}
	for _, h := range hosts {
		d.failures[h]++
	}

	if usable := d.usableHosts(c.cfg.InputFailureCap); len(usable) > 0 {
		c.events.TaskEvent(c.jobName, t.spec.TaskID,
			fmt.Sprintf("input %s unavailable on %v, failing over to %v", input.String(), hosts, usable))
		c.logger.Info("input_failover",
			"task", int(t.spec.TaskID),
			"input", input.String(),
			"failed_hosts", hosts,
			"usable_hosts", usable,
		)
		c.selfPost(submitMsg{mode: ReRun, tasks: []TaskID{t.spec.TaskID}})
		return nil
	}

	return c.regenerate(t, input, d)
}

// regenerate re-runs the minimal set of ancestor tasks able to re-produce
// an input that is unreachable everywhere, and parks the consumer until
// its producer completes again.
func (c *Coordinator) regenerate(t *taskInfo, input InputID, d *dataInfo) error {
	failing := make(map[string]struct{}, len(d.failures))
	for h, n := range d.failures {
		if n > c.cfg.InputFailureCap {
			failing[h] = struct{}{}
		}
	}
	// The input is being regenerated: its dead locations are gone for good.
	for h := range failing {
		delete(d.locations, h)
	}

	frontier, err := c.collectRunnableDeps(input.Producer, failing, t.spec.TaskID)
	if err != nil {
		return &KillError{Reason: err.Error()}
	}

	observability.RecordRegeneration()
	c.events.TaskEvent(c.jobName, t.spec.TaskID,
		fmt.Sprintf("input %s lost on all hosts, regenerating via %d task(s)", input.String(), len(frontier)))
	c.logger.Info("input_regeneration",
		"task", int(t.spec.TaskID),
		"input", input.String(),
		"failing_hosts", sortedHosts(failing),
		"frontier", len(frontier),
	)

	c.selfPost(submitMsg{mode: ReRun, tasks: frontier})
	return nil
}

// collectRunnableDeps walks the task dependency DAG backward from the
// producer of a lost input and returns the runnable frontier: the ancestor
// tasks whose every input still has a location host outside the failing
// set. Each visited producer records its consumer as a waiter, so the
// chain resumes downstream as completions land. The walk is an iterative
// BFS with a visited set; pipelines may be long.
func (c *Coordinator) collectRunnableDeps(producer TaskID, failing map[string]struct{}, consumer TaskID) ([]TaskID, error) {
	type visit struct {
		task     TaskID
		consumer TaskID
	}

	queue := []visit{{task: producer, consumer: consumer}}
	visited := make(map[TaskID]bool)
	var frontier []TaskID

	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]

		p := c.tasks[v.task]
		if p == nil {
			return nil, fmt.Errorf("dependency walk reached unknown task %d", int(v.task))
		}

		// The consumer resumes when this producer next completes, whether
		// the producer runs now or waits on its own ancestors.
		p.waiters[v.consumer] = struct{}{}

		if visited[v.task] {
			continue
		}
		visited[v.task] = true

		runnable := true
		for _, iid := range p.spec.Inputs {
			d := c.dataMap[iid]
			if d == nil {
				return nil, fmt.Errorf("dependency walk: task %d input %s has no data record", int(v.task), iid.String())
			}
			if hasUsableLocation(d, failing) {
				continue
			}
			runnable = false
			if iid.Producer == pipeline.JobInput {
				return nil, fmt.Errorf("job input %s unavailable on all hosts, cannot regenerate", iid.String())
			}
			// This input is regenerated along with the chain; drop its
			// dead locations.
			for h := range failing {
				delete(d.locations, h)
			}
			queue = append(queue, visit{task: iid.Producer, consumer: v.task})
		}

		if runnable {
			frontier = append(frontier, v.task)
		}
	}

	// Earlier stages submit first.
	sort.Slice(frontier, func(i, j int) bool {
		si := c.pline.StageIndex(c.tasks[frontier[i]].spec.Stage)
		sj := c.pline.StageIndex(c.tasks[frontier[j]].spec.Stage)
		if si != sj {
			return si < sj
		}
		return frontier[i] < frontier[j]
	})
	return frontier, nil
}

// hasUsableLocation reports whether any location host of the input lies
// outside the failing set.
func hasUsableLocation(d *dataInfo, failing map[string]struct{}) bool {
	for h := range d.locations {
		if _, bad := failing[h]; !bad {
			return true
		}
	}
	return false
}
