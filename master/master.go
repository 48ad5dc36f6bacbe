// Package master provides the per-process registry of job coordinators and
// the intake operations the outer RPC layer calls into.
package master

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jmorlock/disco/config"
	"github.com/jmorlock/disco/coordinator"
	"github.com/jmorlock/disco/events"
	"github.com/jmorlock/disco/jobpack"
	"github.com/jmorlock/disco/logging"
	"github.com/jmorlock/disco/observability"
)

// JobStatus is the externally visible summary of one job.
type JobStatus struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// Master spawns and routes to coordinators. One coordinator per job; jobs
// never share state.
type Master struct {
	cfg    *config.Config
	logger logging.Logger
	sched  coordinator.Scheduler
	events *events.Server

	mu   sync.RWMutex
	jobs map[string]*coordinator.Coordinator
}

// New creates a master.
func New(cfg *config.Config, logger logging.Logger, sched coordinator.Scheduler, sink *events.Server) *Master {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Master{
		cfg:    cfg,
		logger: logger.Bind("component", "master"),
		sched:  sched,
		events: sink,
		jobs:   make(map[string]*coordinator.Coordinator),
	}
}

// Submit validates a raw job pack and spawns its coordinator, waiting no
// longer than the configured job-start timeout for initialization. On
// failure nothing is left registered and the reason is returned to the
// submitter.
func (m *Master) Submit(ctx context.Context, raw []byte) (string, error) {
	job, err := jobpack.Parse(raw)
	if err != nil {
		observability.RecordJobInitError()
		return "", err
	}

	startCtx, cancel := context.WithTimeout(ctx, m.cfg.JobStartTimeout)
	defer cancel()

	c, err := coordinator.Start(startCtx, m.cfg, m.logger, m.sched, m.events, job, raw)
	if err != nil {
		observability.RecordJobInitError()
		m.logger.Warn("job_start_failed", "prefix", job.Name, "error", err.Error())
		return "", err
	}

	m.mu.Lock()
	m.jobs[c.JobName()] = c
	m.mu.Unlock()

	m.logger.Info("job_submitted", "job", c.JobName())
	return c.JobName(), nil
}

// TaskDone routes a scheduler-proxied worker result to its coordinator.
func (m *Master) TaskDone(jobName string, task coordinator.TaskID, host string, result coordinator.TaskResult) error {
	c := m.get(jobName)
	if c == nil {
		return fmt.Errorf("unknown job: %s", jobName)
	}
	c.TaskDone(task, host, result)
	return nil
}

// Kill terminates a job with the given reason.
func (m *Master) Kill(jobName, reason string) error {
	c := m.get(jobName)
	if c == nil {
		return fmt.Errorf("unknown job: %s", jobName)
	}
	c.Kill(reason)
	return nil
}

// Job returns the status of one job.
func (m *Master) Job(jobName string) (JobStatus, error) {
	c := m.get(jobName)
	if c == nil {
		return JobStatus{}, fmt.Errorf("unknown job: %s", jobName)
	}
	return status(c), nil
}

// Jobs lists every known job, sorted by name.
func (m *Master) Jobs() []JobStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]JobStatus, 0, len(m.jobs))
	for _, c := range m.jobs {
		out = append(out, status(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Purge drops terminated coordinators from the registry and returns how
// many were removed.
func (m *Master) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for name, c := range m.jobs {
		if c.Status() != coordinator.StateRunning {
			delete(m.jobs, name)
			purged++
		}
	}
	if purged > 0 {
		m.logger.Debug("jobs_purged", "count", purged)
	}
	return purged
}

// Shutdown kills every live job and waits for the coordinators to stop,
// bounded by the context.
func (m *Master) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	live := make([]*coordinator.Coordinator, 0, len(m.jobs))
	for _, c := range m.jobs {
		live = append(live, c)
	}
	m.mu.RUnlock()

	for _, c := range live {
		c.Kill("master shutdown")
	}
	for _, c := range live {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return fmt.Errorf("shutdown cancelled: %w", ctx.Err())
		}
	}
	m.logger.Info("master_shutdown_completed", "jobs", len(live))
	return nil
}

func (m *Master) get(jobName string) *coordinator.Coordinator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[jobName]
}

func status(c *coordinator.Coordinator) JobStatus {
	s := JobStatus{Name: c.JobName(), State: string(c.Status())}
	if err := c.Err(); err != nil {
		s.Reason = err.Error()
	}
	return s
}
