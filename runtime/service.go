package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/agent"
	"github.com/loomworks/loom/internal/observability"
	obsmetrics "github.com/loomworks/loom/pkg/observability"
)

// Service supervises a set of agents: it maps each agent.ID to a live
// instance plus its processing goroutine, enforces at-most-one live instance
// per identity, and routes Send/GetState/Subscribe calls by ID.
//
// Service is safe for concurrent use.
type Service[S any] struct {
	mu      sync.RWMutex
	agents  map[agent.ID]*entry[S]
	cfg     *ServiceConfig
	limiter *SendLimiter
	metrics *runtimeMetrics
	closed  bool
}

type entry[S any] struct {
	inst   *Instance[S]
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a runtime service with the given options.
func NewService[S any](opts ...ServiceOption) *Service[S] {
	cfg := DefaultServiceConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	svc := &Service[S]{
		agents: make(map[agent.ID]*entry[S]),
		cfg:    cfg,
	}
	if cfg.SendRatePerSecond > 0 {
		burst := cfg.SendBurst
		if burst <= 0 {
			burst = 1
		}
		svc.limiter = NewSendLimiter(cfg.SendRatePerSecond, burst)
	}
	if cfg.EnableMetrics {
		svc.metrics = &runtimeMetrics{}
	}
	return svc
}

// Handle is a thin view over one agent, returned by Create. It scopes Send,
// GetState, and Subscribe to that agent's identity.
type Handle[S any] struct {
	id  agent.ID
	svc *Service[S]
}

// ID returns the agent identity this handle refers to.
func (h *Handle[S]) ID() agent.ID { return h.id }

// Send enqueues an activity for this agent.
func (h *Handle[S]) Send(ctx context.Context, act *agent.Activity) error {
	return h.svc.Send(ctx, h.id, act)
}

// GetState returns this agent's latest state snapshot.
func (h *Handle[S]) GetState(ctx context.Context) (agent.State[S], error) {
	return h.svc.GetState(ctx, h.id)
}

// Subscribe returns a live feed of this agent's state changes.
func (h *Handle[S]) Subscribe(ctx context.Context) (*Subscription, error) {
	return h.svc.Subscribe(ctx, h.id)
}

// Create registers a new agent under id with the given initial state and
// starts its processing loop. It fails with ErrAgentExists if id is already
// registered; the existence check and the insert are atomic with respect to
// concurrent Create calls for the same id.
func (s *Service[S]) Create(ctx context.Context, id agent.ID, initial S, opts ...CreateOption[S]) (*Handle[S], error) {
	_, span := observability.StartSpan(ctx, "runtime.create",
		trace.WithAttributes(attribute.String("agent.id", string(id))),
	)
	defer span.End()

	var cc createConfig[S]
	for _, opt := range opts {
		opt(&cc)
	}

	mailboxCfg := s.cfg.Mailbox
	if cc.mailbox != nil {
		mailboxCfg = *cc.mailbox
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrServiceClosed
	}
	if _, exists := s.agents[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, id)
	}

	inst := NewInstance(id, initial, cc.workflow, NewMailbox(id, mailboxCfg))
	inst.metrics = s.metrics

	loopCtx, cancel := context.WithCancel(context.Background())
	ent := &entry[S]{inst: inst, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(ent.done)
		inst.Run(loopCtx)
	}()

	s.agents[id] = ent
	s.metrics.setActiveAgents(len(s.agents))

	return &Handle[S]{id: id, svc: s}, nil
}

// Terminate removes the agent from the registry, stops its processing loop,
// and shuts its mailbox down. The removal is atomic, so a concurrent
// Terminate for the same id fails with ErrAgentNotFound instead of
// double-processing the entry.
func (s *Service[S]) Terminate(ctx context.Context, id agent.ID) error {
	_, span := observability.StartSpan(ctx, "runtime.terminate",
		trace.WithAttributes(attribute.String("agent.id", string(id))),
	)
	defer span.End()

	s.mu.Lock()
	ent, exists := s.agents[id]
	if exists {
		delete(s.agents, id)
	}
	active := len(s.agents)
	s.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	ent.inst.Terminate()
	ent.cancel()
	ent.inst.mailbox.Shutdown()
	s.metrics.setActiveAgents(active)

	select {
	case <-ent.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send enqueues an activity for the agent registered under id.
// Failures are enqueue-time only: not-found, rate limit, backpressure
// timeout, shutdown. Downstream processing failures never surface here.
func (s *Service[S]) Send(ctx context.Context, id agent.ID, act *agent.Activity) error {
	ent, err := s.lookup(id)
	if err != nil {
		return err
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, string(id)); err != nil {
			return err
		}
	}

	if err := ent.inst.Send(act); err != nil {
		var te *TimeoutError
		if errors.As(err, &te) {
			s.metrics.recordTimeout(id)
		}
		return err
	}
	s.metrics.recordEnqueued(id, act.Type)
	s.metrics.setMailboxDepth(id, ent.inst.Stats().Size)
	return nil
}

// GetState returns the latest state snapshot of the agent registered under id.
func (s *Service[S]) GetState(ctx context.Context, id agent.ID) (agent.State[S], error) {
	ent, err := s.lookup(id)
	if err != nil {
		return agent.State[S]{}, err
	}
	return ent.inst.GetState(), nil
}

// Subscribe returns a live feed of state changes for the agent registered
// under id.
func (s *Service[S]) Subscribe(ctx context.Context, id agent.ID) (*Subscription, error) {
	ent, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return ent.inst.Subscribe(ctx), nil
}

// Stats returns mailbox statistics for the agent registered under id.
func (s *Service[S]) Stats(id agent.ID) (MailboxStats, error) {
	ent, err := s.lookup(id)
	if err != nil {
		return MailboxStats{}, err
	}
	return ent.inst.Stats(), nil
}

// List returns the IDs of all live agents.
func (s *Service[S]) List() []agent.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]agent.ID, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	return ids
}

// Broadcast sends a copy of the activity to every live agent. Sending
// continues past individual failures; the first error is returned.
func (s *Service[S]) Broadcast(ctx context.Context, act *agent.Activity) error {
	var firstErr error
	for _, id := range s.List() {
		clone := act.Clone()
		clone.AgentID = id
		if err := s.Send(ctx, id, clone); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown terminates every live agent and closes the service. Subsequent
// Create calls fail with ErrServiceClosed.
func (s *Service[S]) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]agent.ID, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return s.Terminate(gctx, id)
		})
	}
	return g.Wait()
}

func (s *Service[S]) lookup(id agent.ID) (*entry[S], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, exists := s.agents[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return ent, nil
}

// DefaultWorkflow merges TypeStateChange payloads into the current state and
// leaves every other activity type unchanged. For map states the payload is
// merged key by key; for any other state type a payload of the state's type
// replaces it wholesale. This is what makes an agent's own state-change
// notifications consumable by a parent agent when runtimes are composed
// hierarchically.
func DefaultWorkflow[S any]() agent.Workflow[S] {
	return func(ctx context.Context, act *agent.Activity, state S) (S, error) {
		if act.Type != agent.TypeStateChange {
			return state, nil
		}

		if cur, ok := any(state).(map[string]any); ok {
			if patch, ok := act.Payload.(map[string]any); ok {
				merged := make(map[string]any, len(cur)+len(patch))
				for k, v := range cur {
					merged[k] = v
				}
				for k, v := range patch {
					merged[k] = v
				}
				if out, ok := any(merged).(S); ok {
					return out, nil
				}
			}
		}

		if next, ok := act.Payload.(S); ok {
			return next, nil
		}
		return state, nil
	}
}

// runtimeMetrics bridges runtime events to the Prometheus collectors in
// pkg/observability. A nil receiver disables collection.
type runtimeMetrics struct{}

func (m *runtimeMetrics) recordEnqueued(id agent.ID, typ agent.ActivityType) {
	if m == nil {
		return
	}
	obsmetrics.RecordActivityEnqueued(string(id), string(typ))
}

func (m *runtimeMetrics) recordProcessing(id agent.ID, d time.Duration, success bool) {
	if m == nil {
		return
	}
	obsmetrics.RecordActivityProcessed(string(id), d, success)
}

func (m *runtimeMetrics) recordTimeout(id agent.ID) {
	if m == nil {
		return
	}
	obsmetrics.RecordMailboxTimeout(string(id))
}

func (m *runtimeMetrics) setMailboxDepth(id agent.ID, depth int) {
	if m == nil {
		return
	}
	obsmetrics.SetMailboxDepth(string(id), depth)
}

func (m *runtimeMetrics) setActiveAgents(n int) {
	if m == nil {
		return
	}
	obsmetrics.SetActiveAgents(n)
}
