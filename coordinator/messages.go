package coordinator

// RunMode distinguishes a task's first submission from re-submissions.
type RunMode string

const (
	// FirstRun passes the task's preferred host to the scheduler.
	FirstRun RunMode = "first_run"
	// ReRun delegates host selection to the scheduler; the preferred host
	// likely failed.
	ReRun RunMode = "re_run"
)

// ResultKind classifies a task result.
type ResultKind string

const (
	// ResultDone carries the task's outputs.
	ResultDone ResultKind = "done"
	// ResultError is a transient failure, recovered by timed retry.
	ResultError ResultKind = "error"
	// ResultFatal aborts the whole job.
	ResultFatal ResultKind = "fatal"
	// ResultInputError reports an input unreachable on the listed hosts.
	ResultInputError ResultKind = "input_error"
)

// TaskResult is the payload of a task-done report.
type TaskResult struct {
	Kind    ResultKind   `json:"kind"`
	Outputs []TaskOutput `json:"outputs,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	// Input and Hosts are set for input_error results.
	Input InputID  `json:"input,omitempty"`
	Hosts []string `json:"hosts,omitempty"`
}

// message is the coordinator's mailbox currency. The run loop consumes
// messages strictly serially; handlers are the only mutators of job state.
type message interface {
	isMessage()
}

// submitMsg asks for the listed tasks to be handed to the scheduler.
type submitMsg struct {
	mode  RunMode
	tasks []TaskID
}

// stageDoneMsg signals that a stage's last task has completed. It may be
// signalled redundantly; the handler is idempotent.
type stageDoneMsg struct {
	stage string
}

// taskDoneMsg delivers one task result from a worker via the scheduler.
type taskDoneMsg struct {
	task   TaskID
	host   string
	result TaskResult
}

// pipelineDoneMsg terminates the job normally.
type pipelineDoneMsg struct{}

// killMsg terminates the job with the given reason.
type killMsg struct {
	reason string
}

// syncMsg flushes the mailbox: the run loop closes ack once every message
// posted before it has been handled.
type syncMsg struct {
	ack chan struct{}
}

func (submitMsg) isMessage()       {}
func (stageDoneMsg) isMessage()    {}
func (taskDoneMsg) isMessage()     {}
func (pipelineDoneMsg) isMessage() {}
func (killMsg) isMessage()         {}
func (syncMsg) isMessage()         {}
