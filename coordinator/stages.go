package coordinator

import (
	"github.com/jmorlock/disco/pipeline"
)

// buildStage materializes a newly reachable stage: it groups the previous
// stage's outputs into buckets, installs data records for every new input,
// allocates one task per bucket and submits them all in first-run mode.
// Bucket order is deterministic, so task-id allocation is reproducible for
// the same inputs.
func (c *Coordinator) buildStage(next pipeline.Stage, prev string) {
	pairs := c.stageOutputs(prev)

	groups, err := pipeline.GroupOutputs(next.Grouping, pairs)
	if err != nil {
		// Compile checked every grouping; reaching this means the pipeline
		// and the job state disagree.
		c.selfPost(killMsg{reason: "stage " + next.Name + ": " + err.Error()})
		return
	}

	ids := make([]TaskID, 0, len(groups))
	for _, g := range groups {
		inputs := make([]InputID, 0, len(g.Pairs))
		for _, p := range g.Pairs {
			c.installData(p)
			inputs = append(inputs, p.ID)
		}

		id := c.nextTaskID
		c.nextTaskID++
		c.tasks[id] = newTaskInfo(&TaskSpec{
			TaskID:        id,
			Stage:         next.Name,
			GroupLabel:    g.Label,
			PreferredHost: g.PreferredHost,
			Inputs:        inputs,
			Grouping:      next.Grouping,
			JobName:       c.jobName,
			JobEnv:        c.job.Env,
			Worker:        c.job.Worker,
			Schedule:      c.job.Schedule,
		})
		ids = append(ids, id)
	}

	c.stages[next.Name] = newStageInfo(len(ids))
	c.events.Event(c.jobName, "stage_started", "stage", next.Name, "tasks", len(ids))
	c.logger.Info("stage_started", "stage", next.Name, "tasks", len(ids), "grouping", string(next.Grouping))

	if len(ids) == 0 {
		// A stage with no work is already done.
		c.selfPost(stageDoneMsg{stage: next.Name})
		return
	}
	c.selfPost(submitMsg{mode: FirstRun, tasks: ids})
}

// stageOutputs flattens the completed outputs of a stage into
// (input-id, data-input) pairs. The synthetic input stage yields the job's
// initial inputs under the JobInput producer.
func (c *Coordinator) stageOutputs(stage string) []pipeline.Pair {
	if stage == pipeline.InputStage {
		pairs := make([]pipeline.Pair, 0, len(c.job.Inputs))
		for pos, di := range c.job.Inputs {
			pairs = append(pairs, pipeline.Pair{
				ID:   InputID{Producer: pipeline.JobInput, Position: pos},
				Data: di,
			})
		}
		return pairs
	}

	si := c.stages[stage]
	var pairs []pipeline.Pair
	for _, tid := range si.done {
		t := c.tasks[tid]
		for pos, out := range t.outputs {
			pairs = append(pairs, pipeline.Pair{
				ID: InputID{Producer: tid, Position: pos},
				Data: pipeline.DataInput{
					Label:    out.Label,
					Replicas: []pipeline.Replica{{Host: out.Host, URL: out.URL}},
				},
			})
		}
	}
	return pairs
}

// installData records a new input's replica locations with zeroed failure
// counts. Inputs already known (a stage consuming data a prior build
// recorded) are left untouched.
func (c *Coordinator) installData(p pipeline.Pair) {
	if _, ok := c.dataMap[p.ID]; ok {
		return
	}
	c.dataMap[p.ID] = newDataInfo(p.Data)
}

// resolveInputs snapshots the current reachable replicas of each input for
// a task run.
func (c *Coordinator) resolveInputs(ids []InputID) []ResolvedInput {
	resolved := make([]ResolvedInput, 0, len(ids))
	for _, id := range ids {
		d := c.dataMap[id]
		if d == nil {
			c.logger.Warn("input_without_data_record", "input", id.String())
			continue
		}
		resolved = append(resolved, ResolvedInput{
			ID:        id,
			Label:     d.source.Label,
			Locations: d.replicas(),
		})
	}
	return resolved
}
