// Package events provides the best-effort event sink of the master.
//
// The server assigns unique job names, accepts free-form job and task
// events from coordinators, and fans them out to subscribers. Delivery is
// best-effort: a subscriber whose buffer is full loses events rather than
// blocking a coordinator.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jmorlock/disco/logging"
	"github.com/jmorlock/disco/pipeline"
)

// Event is one emission from a coordinator.
type Event struct {
	ID   string
	Job  string
	Task pipeline.TaskID // -1 when the event is job-level
	Msg  string
	Tags []any
	Time time.Time
}

// subscriberEntry keeps a subscriber channel with the id its unsubscribe
// function removes it by.
type subscriberEntry struct {
	id string
	ch chan Event
}

// Server is the in-process event sink.
type Server struct {
	logger logging.Logger

	mu      sync.RWMutex
	jobs    map[string]bool
	subs    []subscriberEntry
	nextSub uint64
	dropped uint64
}

// NewServer creates an event server.
func NewServer(logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{
		logger: logger.Bind("component", "events"),
		jobs:   make(map[string]bool),
	}
}

// NewJob derives a unique job name from the submitted prefix and registers
// it with the sink.
func (s *Server) NewJob(prefix string) (string, error) {
	if prefix == "" {
		return "", fmt.Errorf("events: empty job prefix")
	}
	name := fmt.Sprintf("%s@%x-%s", prefix, time.Now().UTC().Unix(), uuid.NewString()[:8])

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs[name] {
		// Astronomically unlikely; refuse rather than mix event streams.
		return "", fmt.Errorf("events: job name collision for %q", name)
	}
	s.jobs[name] = true
	s.logger.Debug("job_registered", "job", name)
	return name, nil
}

// Event records a job-level event.
func (s *Server) Event(job, msg string, tags ...any) {
	s.emit(Event{Job: job, Task: pipeline.JobInput, Msg: msg, Tags: tags})
}

// TaskEvent records a task-level event.
func (s *Server) TaskEvent(job string, task pipeline.TaskID, msg string) {
	s.emit(Event{Job: job, Task: task, Msg: msg})
}

func (s *Server) emit(e Event) {
	e.ID = uuid.NewString()
	e.Time = time.Now().UTC()

	// Sends are non-blocking, so holding the read lock here is cheap and
	// excludes unsubscription from closing a channel mid-send.
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.subs {
		select {
		case entry.ch <- e:
		default:
			// Best-effort sink: never block a coordinator on a slow
			// subscriber.
			atomic.AddUint64(&s.dropped, 1)
		}
	}
}

// Subscribe registers a buffered event channel. The returned function
// removes the subscription and closes the channel; calling it more than
// once is safe.
func (s *Server) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	s.mu.Lock()
	s.nextSub++
	id := fmt.Sprintf("sub_%d", s.nextSub)
	s.subs = append(s.subs, subscriberEntry{id: id, ch: ch})
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, entry := range s.subs {
				if entry.id == id {
					s.subs = append(s.subs[:i], s.subs[i+1:]...)
					break
				}
			}
			close(ch)
		})
	}
}

// Dropped reports how many events were lost to full subscriber buffers.
func (s *Server) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}
