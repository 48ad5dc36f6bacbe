// Package jobpack parses, validates and persists submitted job packs.
package jobpack

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/jmorlock/disco/pipeline"
)

// ErrInvalidPack is wrapped by every validation failure.
var ErrInvalidPack = errors.New("invalid job pack")

// packFileName is the file a job's raw pack is persisted as under
// <job_home>/<job_name>/.
const packFileName = "jobpack"

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// JobInfo is the validated content of a job pack.
type JobInfo struct {
	// Name is the prefix the submitter chose; the event server derives the
	// unique job name from it.
	Name string `json:"name"`
	// Owner identifies the submitter, free-form.
	Owner string `json:"owner,omitempty"`
	// Worker is the handle of the worker binary executed for every task.
	Worker string `json:"worker"`
	// Pipeline declares the stage sequence; compiled by the coordinator.
	Pipeline []pipeline.Stage `json:"pipeline"`
	// Inputs are the job's initial inputs.
	Inputs []pipeline.DataInput `json:"inputs"`
	// Env is passed to every task of the job.
	Env map[string]string `json:"env,omitempty"`
	// Schedule is the job's scheduling policy.
	Schedule pipeline.ScheduleOption `json:"schedule"`
}

// Parse decodes and validates a raw job pack.
func Parse(raw []byte) (*JobInfo, error) {
	var job JobInfo
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPack, err)
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

// Validate checks the structural requirements a coordinator relies on.
// Pipeline semantics (groupings, stage names) are checked separately by
// pipeline.Compile.
func (j *JobInfo) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPack)
	}
	if !namePattern.MatchString(j.Name) {
		return fmt.Errorf("%w: name %q contains characters outside [A-Za-z0-9_-]", ErrInvalidPack, j.Name)
	}
	if j.Worker == "" {
		return fmt.Errorf("%w: worker is required", ErrInvalidPack)
	}
	if len(j.Pipeline) == 0 {
		return fmt.Errorf("%w: pipeline declares no stages", ErrInvalidPack)
	}
	for i, di := range j.Inputs {
		if len(di.Replicas) == 0 {
			return fmt.Errorf("%w: input %d has no replicas", ErrInvalidPack, i)
		}
	}
	if err := j.Schedule.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPack, err)
	}
	return nil
}

// Save persists the raw pack under <jobHome>/<jobName>/ and returns the
// written path. The job directory is created as needed.
func Save(jobHome, jobName string, raw []byte) (string, error) {
	dir := filepath.Join(jobHome, jobName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("save job pack: %w", err)
	}
	path := filepath.Join(dir, packFileName)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("save job pack: %w", err)
	}
	return path, nil
}
