package runtime

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/agent"
)

// Sender is the narrow slice of a Service the scheduler needs. Any
// Service[S] satisfies it regardless of its state type.
type Sender interface {
	Send(ctx context.Context, id agent.ID, act *agent.Activity) error
}

// Scheduler injects activities into agents on cron schedules, giving
// long-lived agents periodic ticks without a dedicated timer goroutine per
// agent. Schedules use the standard cron format plus the @every extension.
type Scheduler struct {
	cron   *cron.Cron
	sender Sender

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a scheduler that sends through the given sender.
func NewScheduler(sender Sender) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		sender:  sender,
		entries: make(map[string]cron.EntryID),
	}
}

// Schedule registers a named job that builds and sends one activity to the
// agent on every firing of spec. The build function is invoked per firing so
// each injected activity gets its own ID and timestamp.
func (s *Scheduler) Schedule(name, spec string, id agent.ID, build func() *agent.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("schedule %q already registered", name)
	}

	entryID, err := s.cron.AddFunc(spec, func() {
		act := build()
		act.AgentID = id
		if err := s.sender.Send(context.Background(), id, act); err != nil {
			log.Printf("scheduler: send %q to agent %s failed: %v", name, id, err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}

	s.entries[name] = entryID
	return nil
}

// Unschedule removes a named job. Removing an unknown name is a no-op.
func (s *Scheduler) Unschedule(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, exists := s.entries[name]; exists {
		s.cron.Remove(entryID)
		delete(s.entries, name)
	}
}

// Start begins firing schedules in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing and waits for in-flight jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
