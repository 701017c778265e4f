package runtime

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/loomworks/loom/agent"
)

// Instance owns one agent: its state cell, its mailbox, and its processing
// loop. The loop is the only writer of state; every other access is a
// lock-free read of the latest published snapshot or an enqueue into the
// mailbox.
type Instance[S any] struct {
	id       agent.ID
	mailbox  *Mailbox
	workflow agent.Workflow[S]

	// state is an atomically swapped snapshot. Single writer (the loop),
	// many readers, no locks.
	state atomic.Pointer[agent.State[S]]

	subscribers *subscriberSet
	seq         atomic.Uint64
	terminated  atomic.Bool
	metrics     *runtimeMetrics
}

// NewInstance builds an instance with the given initial state. The processing
// loop is not started; the owning service runs it via Run.
func NewInstance[S any](id agent.ID, initial S, wf agent.Workflow[S], mailbox *Mailbox) *Instance[S] {
	if wf == nil {
		wf = DefaultWorkflow[S]()
	}

	inst := &Instance[S]{
		id:          id,
		mailbox:     mailbox,
		workflow:    wf,
		subscribers: newSubscriberSet(),
	}
	inst.state.Store(&agent.State[S]{
		ID:          id,
		State:       initial,
		Status:      agent.StatusIdle,
		LastUpdated: time.Now().UTC(),
	})
	return inst
}

// ID returns the agent identity this instance serves.
func (i *Instance[S]) ID() agent.ID {
	return i.id
}

// GetState returns the latest published snapshot. It never blocks on the
// processing loop.
func (i *Instance[S]) GetState() agent.State[S] {
	return *i.state.Load()
}

// Stats returns the instance's mailbox statistics.
func (i *Instance[S]) Stats() MailboxStats {
	return i.mailbox.Stats()
}

// Send enqueues an activity into the instance's mailbox, stamping its
// delivery sequence. Send fails only for enqueue-time problems (backpressure
// timeout, shutdown, termination), never for downstream processing failures.
func (i *Instance[S]) Send(act *agent.Activity) error {
	if i.terminated.Load() {
		return ErrInstanceTerminated
	}
	act.Sequence = i.seq.Add(1)
	return i.mailbox.Offer(act)
}

// Subscribe registers a consumer for this agent's state changes. Every
// successful processing step publishes one TypeStateChange activity carrying
// the new state to all registered subscribers. The subscription is
// deregistered when ctx is done, when Cancel is called, or when the instance
// terminates.
func (i *Instance[S]) Subscribe(ctx context.Context) *Subscription {
	sub := i.subscribers.add()

	go func() {
		select {
		case <-ctx.Done():
			i.subscribers.remove(sub)
		case <-sub.done: // closed by Cancel or instance termination
		}
	}()

	return &Subscription{
		C: sub.out,
		cancel: func() {
			i.subscribers.remove(sub)
		},
	}
}

// Run executes the processing loop until ctx is canceled, the mailbox shuts
// down, or Terminate is called. One activity is processed at a time: take,
// apply the workflow, publish the resulting snapshot. A workflow failure
// marks the agent StatusError and the loop keeps going; a single bad message
// never takes the agent down.
func (i *Instance[S]) Run(ctx context.Context) {
	for {
		if i.terminated.Load() {
			return
		}

		act, err := i.mailbox.Take(ctx)
		if err != nil {
			// Mailbox shutdown or cancellation; Terminate owns the
			// terminal status.
			return
		}

		i.step(ctx, act)
	}
}

// step applies the workflow to one activity and publishes the outcome.
func (i *Instance[S]) step(ctx context.Context, act *agent.Activity) {
	i.transition(func(s *agent.State[S]) {
		s.Status = agent.StatusProcessing
	})

	cur := i.state.Load()

	start := time.Now()
	next, err := i.workflow(ctx, act, cur.State)
	elapsed := time.Since(start)
	i.mailbox.recordProcessing(elapsed)
	i.metrics.recordProcessing(i.id, elapsed, err == nil)

	if err != nil {
		i.transition(func(s *agent.State[S]) {
			s.Status = agent.StatusError
			s.Err = err
			s.Processing.Failures++
			s.Processing.LastError = err
		})
		return
	}

	var published *agent.State[S]
	i.transition(func(s *agent.State[S]) {
		processed := float64(s.Processing.Processed)
		avg := s.Processing.AvgProcessingTime
		s.State = next
		s.Status = agent.StatusIdle
		s.Err = nil
		s.Processing.Processed++
		s.Processing.AvgProcessingTime = (avg*processed + elapsed.Seconds()) / (processed + 1)
		published = s
	})

	notice := agent.NewActivity(agent.TypeStateChange, i.id, published.State)
	notice.Sequence = act.Sequence
	if src := act.CorrelationID(); src != "" {
		notice.WithMetadata(agent.MetaCorrelationID, src)
	}
	i.subscribers.publish(notice)
}

// transition publishes a fresh snapshot derived from the current one using
// compare-and-swap, so a Terminate racing the processing loop can never lose
// its update. StatusTerminated is absorbing: once observed, no later
// transition can replace it.
func (i *Instance[S]) transition(mutate func(*agent.State[S])) {
	for {
		old := i.state.Load()
		next := *old
		mutate(&next)
		if old.Status == agent.StatusTerminated {
			next.Status = agent.StatusTerminated
		}
		next.LastUpdated = time.Now().UTC()
		if i.state.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Terminate moves the instance to StatusTerminated and stops the loop at its
// next suspension point. It does not shut the mailbox down; the owning
// service does that alongside canceling the loop's context.
func (i *Instance[S]) Terminate() {
	if !i.terminated.CompareAndSwap(false, true) {
		return
	}
	i.transition(func(s *agent.State[S]) {
		s.Status = agent.StatusTerminated
	})
	i.subscribers.closeAll()
}
