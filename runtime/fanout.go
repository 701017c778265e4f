package runtime

import (
	"sync"
	"sync/atomic"

	"github.com/loomworks/loom/agent"
)

// Subscription is a live feed of an agent's state-change activities.
// Cancel must be called (or the subscribing context canceled) when the
// consumer is done; the feed's channel is closed on cancellation and on
// agent termination.
type Subscription struct {
	// C delivers one TypeStateChange activity per published state.
	C <-chan *agent.Activity

	cancel     func()
	cancelOnce sync.Once
}

// Cancel deregisters the subscription and closes C after any already
// buffered notifications are delivered or discarded.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(s.cancel)
}

// subscriber is one registered consumer. Notifications pass through an
// unbounded pump so a slow consumer can never block the processing loop.
type subscriber struct {
	id   uint64
	in   chan *agent.Activity
	out  chan *agent.Activity
	done chan struct{}
}

func newSubscriber(id uint64) *subscriber {
	s := &subscriber{
		id:   id,
		in:   make(chan *agent.Activity, 1),
		out:  make(chan *agent.Activity),
		done: make(chan struct{}),
	}
	go s.pump()
	return s
}

// pump moves notifications from in to out through a grow-as-needed buffer.
// The receive from in is always enabled, so publishers block for at most a
// scheduling quantum regardless of consumer speed.
func (s *subscriber) pump() {
	defer close(s.out)

	var buf []*agent.Activity
	for {
		var outCh chan *agent.Activity
		var next *agent.Activity
		if len(buf) > 0 {
			outCh = s.out
			next = buf[0]
		}

		select {
		case act := <-s.in:
			buf = append(buf, act)
		case outCh <- next:
			buf = buf[1:]
		case <-s.done:
			return
		}
	}
}

// publish hands one notification to the pump, unless already closed.
func (s *subscriber) publish(act *agent.Activity) {
	select {
	case s.in <- act:
	case <-s.done:
	}
}

func (s *subscriber) close() {
	close(s.done)
}

// subscriberSet is a concurrency-safe set of subscribers updated with
// compare-and-swap on an immutable map, so concurrent subscribe/unsubscribe
// calls never lose registrations.
type subscriberSet struct {
	subs   atomic.Pointer[map[uint64]*subscriber]
	nextID atomic.Uint64
}

func newSubscriberSet() *subscriberSet {
	set := &subscriberSet{}
	empty := make(map[uint64]*subscriber)
	set.subs.Store(&empty)
	return set
}

// add registers a new subscriber and returns it.
func (set *subscriberSet) add() *subscriber {
	sub := newSubscriber(set.nextID.Add(1))
	for {
		old := set.subs.Load()
		next := make(map[uint64]*subscriber, len(*old)+1)
		for id, s := range *old {
			next[id] = s
		}
		next[sub.id] = sub
		if set.subs.CompareAndSwap(old, &next) {
			return sub
		}
	}
}

// remove deregisters a subscriber and stops its pump.
func (set *subscriberSet) remove(sub *subscriber) {
	for {
		old := set.subs.Load()
		if _, ok := (*old)[sub.id]; !ok {
			return
		}
		next := make(map[uint64]*subscriber, len(*old))
		for id, s := range *old {
			if id != sub.id {
				next[id] = s
			}
		}
		if set.subs.CompareAndSwap(old, &next) {
			sub.close()
			return
		}
	}
}

// publish delivers a notification to every currently registered subscriber.
func (set *subscriberSet) publish(act *agent.Activity) {
	for _, sub := range *set.subs.Load() {
		sub.publish(act)
	}
}

// closeAll deregisters and stops every subscriber.
func (set *subscriberSet) closeAll() {
	for {
		old := set.subs.Load()
		empty := make(map[uint64]*subscriber)
		if set.subs.CompareAndSwap(old, &empty) {
			for _, sub := range *old {
				sub.close()
			}
			return
		}
	}
}

// len reports the current number of subscribers.
func (set *subscriberSet) len() int {
	return len(*set.subs.Load())
}
