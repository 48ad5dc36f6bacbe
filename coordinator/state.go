package coordinator

import (
	"sort"

	"github.com/jmorlock/disco/pipeline"
)

// TaskID and InputID are the pipeline library's identifiers; the
// coordinator allocates TaskIDs and owns every record keyed by them.
type (
	TaskID  = pipeline.TaskID
	InputID = pipeline.InputID
)

// RunID identifies one submission attempt. Run ids are monotonic per job
// and never reused.
type RunID int

// TaskOutput is one artifact produced by a completed task, identified by
// its position in the task's output list.
type TaskOutput struct {
	Label string `json:"label,omitempty"`
	Host  string `json:"host"`
	URL   string `json:"url"`
	// Data optionally carries a small in-memory payload alongside the
	// reference.
	Data []byte `json:"data,omitempty"`
}

// TaskSpec is the immutable description of a task, created once by the
// stage builder.
type TaskSpec struct {
	TaskID        TaskID                  `json:"task_id"`
	Stage         string                  `json:"stage"`
	GroupLabel    string                  `json:"group_label"`
	PreferredHost string                  `json:"preferred_host,omitempty"`
	Inputs        []InputID               `json:"inputs"`
	Grouping      pipeline.Grouping       `json:"grouping"`
	JobName       string                  `json:"job_name"`
	JobEnv        map[string]string       `json:"job_env,omitempty"`
	Worker        string                  `json:"worker"`
	Schedule      pipeline.ScheduleOption `json:"schedule"`
}

// ResolvedInput is the snapshot of one input's reachable replicas taken at
// submission time.
type ResolvedInput struct {
	ID        InputID            `json:"id"`
	Label     string             `json:"label,omitempty"`
	Locations []pipeline.Replica `json:"locations"`
}

// TaskRun is one submission attempt: ephemeral, one per run id.
type TaskRun struct {
	RunID       RunID           `json:"run_id"`
	TaskID      TaskID          `json:"task_id"`
	Host        string          `json:"host"` // preferred host, or "any"
	Inputs      []ResolvedInput `json:"inputs"`
	FailedHosts []string        `json:"failed_hosts,omitempty"`
}

// taskInfo is the mutable record of a task.
type taskInfo struct {
	spec        *TaskSpec
	outputs     []TaskOutput
	failedCount int
	failedHosts map[string]struct{}
	// waiters holds tasks parked until this task's next completion; each is
	// re-submitted exactly once when the completion arrives.
	waiters map[TaskID]struct{}
}

func newTaskInfo(spec *TaskSpec) *taskInfo {
	return &taskInfo{
		spec:        spec,
		failedHosts: make(map[string]struct{}),
		waiters:     make(map[TaskID]struct{}),
	}
}

// dataInfo tracks where one input can be read from and how often each host
// has failed to serve it.
type dataInfo struct {
	source    pipeline.DataInput
	locations map[string]string // host -> data reference
	failures  map[string]int    // host -> read failure count, monotonic
}

func newDataInfo(src pipeline.DataInput) *dataInfo {
	d := &dataInfo{
		source:    src,
		locations: make(map[string]string, len(src.Replicas)),
		failures:  make(map[string]int),
	}
	for _, r := range src.Replicas {
		if r.Host != "" {
			d.locations[r.Host] = r.URL
		}
	}
	return d
}

// usableHosts returns the location hosts whose failure count has not passed
// the cap, sorted.
func (d *dataInfo) usableHosts(maxFailures int) []string {
	hosts := make([]string, 0, len(d.locations))
	for h := range d.locations {
		if d.failures[h] <= maxFailures {
			hosts = append(hosts, h)
		}
	}
	sort.Strings(hosts)
	return hosts
}

// replicas returns the current locations as a sorted replica list.
func (d *dataInfo) replicas() []pipeline.Replica {
	reps := make([]pipeline.Replica, 0, len(d.locations))
	for h, url := range d.locations {
		reps = append(reps, pipeline.Replica{Host: h, URL: url})
	}
	sort.Slice(reps, func(i, j int) bool { return reps[i].Host < reps[j].Host })
	return reps
}

// stageInfo is the accounting record of a started stage. Once the stage's
// tasks have been submitted, all == len(done) + len(running) + len(stopped);
// between the stage build and that first submission the new tasks are in
// none of the three sets.
type stageInfo struct {
	all     int
	done    []TaskID
	running map[TaskID]struct{}
	stopped map[TaskID]struct{}
}

func newStageInfo(all int) *stageInfo {
	return &stageInfo{
		all:     all,
		running: make(map[TaskID]struct{}),
		stopped: make(map[TaskID]struct{}),
	}
}

// markRunning moves a task into the running set, whichever state it was in.
// Re-running a completed task (regeneration) removes it from the done list
// until it completes again.
func (s *stageInfo) markRunning(id TaskID) {
	delete(s.stopped, id)
	for i, t := range s.done {
		if t == id {
			s.done = append(s.done[:i], s.done[i+1:]...)
			break
		}
	}
	s.running[id] = struct{}{}
}

// markStopped parks a running task between submissions.
func (s *stageInfo) markStopped(id TaskID) {
	delete(s.running, id)
	s.stopped[id] = struct{}{}
}

// markDone records a completion, preserving completion order.
func (s *stageInfo) markDone(id TaskID) {
	delete(s.running, id)
	delete(s.stopped, id)
	for _, t := range s.done {
		if t == id {
			return
		}
	}
	s.done = append(s.done, id)
}

// isRunning reports whether the task currently has an accepted run.
func (s *stageInfo) isRunning(id TaskID) bool {
	_, ok := s.running[id]
	return ok
}

// complete reports whether every task of the stage is done.
func (s *stageInfo) complete() bool {
	return len(s.done) == s.all
}

func sortedTaskIDs(set map[TaskID]struct{}) []TaskID {
	ids := make([]TaskID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func sortedHosts(set map[string]struct{}) []string {
	hosts := make([]string, 0, len(set))
	for h := range set {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}
