package runtime

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// SendLimiter applies token-bucket rate limiting to Send operations, with a
// global bucket shared by all senders and one bucket per target agent.
type SendLimiter struct {
	globalLimiter *rate.Limiter
	agentLimiters map[string]*rate.Limiter
	mu            sync.RWMutex

	perSecond float64
	burst     int
}

// NewSendLimiter creates a limiter allowing perSecond sends with the given
// burst, enforced globally and per agent.
func NewSendLimiter(perSecond float64, burst int) *SendLimiter {
	return &SendLimiter{
		globalLimiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		agentLimiters: make(map[string]*rate.Limiter),
		perSecond:     perSecond,
		burst:         burst,
	}
}

// Allow reports whether one send to the given agent may proceed now.
func (l *SendLimiter) Allow(agentID string) bool {
	if !l.globalLimiter.Allow() {
		return false
	}
	return l.getAgentLimiter(agentID).Allow()
}

// Wait blocks until one send to the given agent may proceed, or ctx is done.
func (l *SendLimiter) Wait(ctx context.Context, agentID string) error {
	if err := l.globalLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("global send limit: %w", err)
	}
	if err := l.getAgentLimiter(agentID).Wait(ctx); err != nil {
		return fmt.Errorf("agent send limit: %w", err)
	}
	return nil
}

func (l *SendLimiter) getAgentLimiter(agentID string) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.agentLimiters[agentID]
	l.mu.RUnlock()

	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring the write lock.
	if limiter, exists := l.agentLimiters[agentID]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(l.perSecond), l.burst)
	l.agentLimiters[agentID] = limiter
	return limiter
}
