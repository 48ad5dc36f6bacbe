// Package pipeline provides the pipeline shape library: stage topology,
// output grouping, data locations and schedule options.
//
// A pipeline is an ordered sequence of stages. Each stage carries a grouping
// that determines how the previous stage's outputs fan into this stage's
// tasks. The coordinator consults this package for topology questions only;
// it never mutates a pipeline after compilation.
package pipeline

import (
	"errors"
	"fmt"
	"strconv"
)

// TaskID identifies a task within one job. IDs are allocated by the
// coordinator, strictly monotonic, never reused.
type TaskID int

// JobInput is the synthetic producer id for a job's initial inputs.
// No task exists that can regenerate these.
const JobInput TaskID = -1

// InputID names one piece of data in a job: the task that produced it and
// the position within that task's outputs.
type InputID struct {
	Producer TaskID `json:"producer"`
	Position int    `json:"position"`
}

// String renders the canonical form used in events and error messages.
func (id InputID) String() string {
	if id.Producer == JobInput {
		return "input/" + strconv.Itoa(id.Position)
	}
	return strconv.Itoa(int(id.Producer)) + "/" + strconv.Itoa(id.Position)
}

// Less orders input ids by producer, then position.
func (id InputID) Less(other InputID) bool {
	if id.Producer != other.Producer {
		return id.Producer < other.Producer
	}
	return id.Position < other.Position
}

// InputStage is the reserved name of the synthetic completed stage that
// holds a job's initial inputs. Job packs may not declare it.
const InputStage = "input"

// ErrUnsupportedPipeline is returned when a job-pack pipeline declaration
// cannot be compiled.
var ErrUnsupportedPipeline = errors.New("unsupported pipeline")

// Stage is one horizontal slice of a pipeline.
type Stage struct {
	Name     string   `json:"name"`
	Grouping Grouping `json:"grouping"`
}

// Pipeline is an ordered sequence of stages. Immutable after Compile.
type Pipeline []Stage

// Compile validates a job pack's stage declarations and returns the
// pipeline. Stage names must be unique, non-empty, and must not shadow the
// reserved input stage; every grouping must be known.
func Compile(stages []Stage) (Pipeline, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("%w: no stages declared", ErrUnsupportedPipeline)
	}
	seen := make(map[string]bool, len(stages))
	for _, s := range stages {
		if s.Name == "" {
			return nil, fmt.Errorf("%w: empty stage name", ErrUnsupportedPipeline)
		}
		if s.Name == InputStage {
			return nil, fmt.Errorf("%w: stage name %q is reserved", ErrUnsupportedPipeline, InputStage)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("%w: duplicate stage %q", ErrUnsupportedPipeline, s.Name)
		}
		seen[s.Name] = true
		if !s.Grouping.valid() {
			return nil, fmt.Errorf("%w: unknown grouping %q in stage %q", ErrUnsupportedPipeline, s.Grouping, s.Name)
		}
	}
	return Pipeline(stages), nil
}

// NextStage returns the stage following the named one. ok is false when the
// pipeline is exhausted (the named stage was the last) or the name is
// unknown. The synthetic input stage precedes the first declared stage.
func (p Pipeline) NextStage(name string) (Stage, bool) {
	if name == InputStage {
		return p[0], true
	}
	for i, s := range p {
		if s.Name == name {
			if i == len(p)-1 {
				return Stage{}, false
			}
			return p[i+1], true
		}
	}
	return Stage{}, false
}

// StageIndex returns the position of a stage for ordering purposes. The
// synthetic input stage sorts before everything; unknown names sort last.
func (p Pipeline) StageIndex(name string) int {
	if name == InputStage {
		return 0
	}
	for i, s := range p {
		if s.Name == name {
			return i + 1
		}
	}
	return len(p) + 1
}

// ScheduleOption captures a job's scheduling policy as declared in the job
// pack. It travels unchanged into every task spec.
type ScheduleOption struct {
	MaxCores    int  `json:"max_cores"`
	ForceLocal  bool `json:"force_local"`
	ForceRemote bool `json:"force_remote"`
}

// Validate rejects contradictory placement constraints.
func (o ScheduleOption) Validate() error {
	if o.ForceLocal && o.ForceRemote {
		return errors.New("schedule: force_local and force_remote are mutually exclusive")
	}
	if o.MaxCores < 0 {
		return errors.New("schedule: max_cores must be non-negative")
	}
	return nil
}
