package runtime

import (
	"context"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomworks/loom/agent"
)

// takePriorities is the scan order for prioritized takes, highest first.
var takePriorities = [...]agent.Priority{agent.PriorityHigh, agent.PriorityNormal, agent.PriorityLow}

// Mailbox buffers activities destined for one agent. It is bounded: a full
// mailbox makes senders wait, up to their declared timeout, rather than
// growing without limit. With prioritization enabled, activities are split
// into one bounded queue per priority level and takes prefer higher levels.
//
// Sustained high-priority traffic can starve lower levels; the runtime makes
// no anti-starvation guarantee across priority levels.
type Mailbox struct {
	owner  agent.ID
	cfg    MailboxConfig
	queues map[agent.Priority]chan *agent.Activity

	closed    chan struct{}
	closeOnce sync.Once

	processed  atomic.Uint64
	timeouts   atomic.Uint64
	totalNanos atomic.Int64 // cumulative processing time, folded by recordProcessing
}

// NewMailbox creates a mailbox for the given agent.
func NewMailbox(owner agent.ID, cfg MailboxConfig) *Mailbox {
	cfg = cfg.normalize()

	queues := make(map[agent.Priority]chan *agent.Activity)
	if cfg.EnablePrioritization {
		for _, p := range takePriorities {
			queues[p] = make(chan *agent.Activity, cfg.PriorityQueueSize)
		}
	} else {
		// Single queue backs all traffic; every priority resolves to it.
		q := make(chan *agent.Activity, cfg.Size)
		for _, p := range takePriorities {
			queues[p] = q
		}
	}

	return &Mailbox{
		owner:  owner,
		cfg:    cfg,
		queues: queues,
		closed: make(chan struct{}),
	}
}

// Offer enqueues an activity, blocking while the resolved sub-queue is full.
// The wait is bounded by the activity's MetaTimeout metadata, falling back to
// the mailbox's configured backpressure timeout. On deadline exhaustion the
// timeout counter is incremented and a *TimeoutError is returned.
func (m *Mailbox) Offer(act *agent.Activity) error {
	select {
	case <-m.closed:
		return ErrMailboxShutdown
	default:
	}

	q := m.queues[act.Priority()]

	timeout := act.Timeout()
	if timeout <= 0 {
		timeout = m.cfg.BackpressureTimeout
	}

	if utilization := len(q) * 100 / cap(q); utilization > 80 {
		log.Printf("WARNING: mailbox for agent %s is %d%% full (%d/%d activities)",
			m.owner, utilization, len(q), cap(q))
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case q <- act:
		return nil
	case <-m.closed:
		return ErrMailboxShutdown
	case <-timer.C:
		m.timeouts.Add(1)
		return &TimeoutError{AgentID: m.owner, Elapsed: time.Since(start)}
	}
}

// Take returns the next activity, blocking while the mailbox is empty.
// With prioritization enabled, ready activities from higher-priority queues
// are returned before lower ones. Take fails only after Shutdown or when ctx
// is done.
func (m *Mailbox) Take(ctx context.Context) (*agent.Activity, error) {
	for {
		select {
		case <-m.closed:
			return nil, ErrMailboxShutdown
		default:
		}

		// Fast path: ordered scan, highest priority first.
		for _, p := range takePriorities {
			select {
			case act := <-m.queues[p]:
				m.processed.Add(1)
				return act, nil
			default:
			}
			if !m.cfg.EnablePrioritization {
				break // single shared queue, one probe is enough
			}
		}

		// Slow path: block until any queue has an item. After a wakeup the
		// scan runs again so a high-priority arrival still wins over a
		// lower one that became ready in the same window.
		if !m.cfg.EnablePrioritization {
			select {
			case act := <-m.queues[agent.PriorityNormal]:
				m.processed.Add(1)
				return act, nil
			case <-m.closed:
				return nil, ErrMailboxShutdown
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		select {
		case act := <-m.queues[agent.PriorityHigh]:
			m.processed.Add(1)
			return act, nil
		case act := <-m.queues[agent.PriorityNormal]:
			m.processed.Add(1)
			return act, nil
		case act := <-m.queues[agent.PriorityLow]:
			m.processed.Add(1)
			return act, nil
		case <-m.closed:
			return nil, ErrMailboxShutdown
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Subscribe returns a channel that lazily drains the mailbox by calling Take
// until it fails. The channel is closed when the mailbox shuts down or ctx is
// done. Activities received from the channel count as processed.
func (m *Mailbox) Subscribe(ctx context.Context) <-chan *agent.Activity {
	out := make(chan *agent.Activity)
	go func() {
		defer close(out)
		for {
			act, err := m.Take(ctx)
			if err != nil {
				return
			}
			select {
			case out <- act:
			case <-ctx.Done():
				return
			case <-m.closed:
				return
			}
		}
	}()
	return out
}

// recordProcessing folds one observed processing duration into the running
// average. Called by the owning instance after each take completes a step.
func (m *Mailbox) recordProcessing(d time.Duration) {
	m.totalNanos.Add(int64(d))
}

// Stats returns current queue depth and counters aggregated across all
// sub-queues.
func (m *Mailbox) Stats() MailboxStats {
	size := 0
	if m.cfg.EnablePrioritization {
		for _, p := range takePriorities {
			size += len(m.queues[p])
		}
	} else {
		size = len(m.queues[agent.PriorityNormal])
	}

	processed := m.processed.Load()
	avg := 0.0
	if processed > 0 {
		avg = float64(m.totalNanos.Load()) / float64(processed) / float64(time.Second)
		if math.IsNaN(avg) || math.IsInf(avg, 0) {
			avg = 0
		}
	}

	return MailboxStats{
		Size:              size,
		Processed:         processed,
		Timeouts:          m.timeouts.Load(),
		AvgProcessingTime: avg,
	}
}

// Shutdown stops the mailbox. Subsequent Offer and Take calls fail with
// ErrMailboxShutdown; activities still buffered are discarded.
func (m *Mailbox) Shutdown() {
	m.closeOnce.Do(func() {
		close(m.closed)
	})
}
