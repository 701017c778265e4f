// Package runtime implements the Loom agent runtime: per-agent mailboxes
// with priority-aware backpressure, single-writer processing loops, state
// fan-out to subscribers, and a supervisory service that creates, routes to,
// and terminates agents by identity.
package runtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/loomworks/loom/agent"
)

var (
	// ErrAgentNotFound is returned when no live agent is registered under an ID.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentExists is returned when creating an agent whose ID is already registered.
	ErrAgentExists = errors.New("agent already exists")

	// ErrMailboxShutdown is returned by Offer and Take after the mailbox is shut down.
	ErrMailboxShutdown = errors.New("mailbox shut down")

	// ErrServiceClosed is returned by service operations after Shutdown.
	ErrServiceClosed = errors.New("runtime service closed")

	// ErrInstanceTerminated is returned when sending to a terminated instance.
	ErrInstanceTerminated = errors.New("instance terminated")
)

// TimeoutError reports that backpressure on a full mailbox could not be
// resolved within the sender's deadline. It is recoverable: the sender may
// retry, drop the activity, or escalate.
type TimeoutError struct {
	// AgentID is the mailbox owner.
	AgentID agent.ID

	// Elapsed is how long the offer waited before giving up.
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mailbox offer timed out for agent %s after %s", e.AgentID, e.Elapsed)
}

// Is makes every TimeoutError match errors.Is(err, ErrMailboxTimeout).
func (e *TimeoutError) Is(target error) bool {
	return target == errTimeoutSentinel
}

var errTimeoutSentinel = errors.New("mailbox offer timeout")

// ErrMailboxTimeout matches any TimeoutError via errors.Is.
var ErrMailboxTimeout = errTimeoutSentinel

// MailboxConfig configures one agent's mailbox.
type MailboxConfig struct {
	// Size is the capacity of the default queue (and of the single queue
	// when prioritization is disabled). Default: 100.
	Size int

	// EnablePrioritization splits the mailbox into one bounded queue per
	// priority level. Default: false.
	EnablePrioritization bool

	// PriorityQueueSize is the capacity of each priority sub-queue when
	// prioritization is enabled. Default: Size.
	PriorityQueueSize int

	// BackpressureTimeout bounds how long Offer blocks on a full mailbox
	// when the activity carries no explicit timeout.
	// Default: 1ms per slot of capacity, minimum 100ms.
	BackpressureTimeout time.Duration
}

// DefaultMailboxConfig returns a MailboxConfig with sensible defaults.
func DefaultMailboxConfig() MailboxConfig {
	return MailboxConfig{
		Size:                 100,
		EnablePrioritization: false,
	}
}

// normalize fills zero fields with defaults.
func (c MailboxConfig) normalize() MailboxConfig {
	if c.Size <= 0 {
		c.Size = 100
	}
	if c.PriorityQueueSize <= 0 {
		c.PriorityQueueSize = c.Size
	}
	if c.BackpressureTimeout <= 0 {
		c.BackpressureTimeout = time.Duration(c.Size) * time.Millisecond
		if c.BackpressureTimeout < 100*time.Millisecond {
			c.BackpressureTimeout = 100 * time.Millisecond
		}
	}
	return c
}

// MailboxStats aggregates usage counters across all sub-queues of one mailbox.
type MailboxStats struct {
	// Size is the number of activities currently buffered.
	Size int

	// Processed counts activities successfully taken from the mailbox.
	Processed uint64

	// Timeouts counts offers that failed on backpressure timeout.
	Timeouts uint64

	// AvgProcessingTime is the running mean time from a successful take to
	// the completion of the corresponding processing step, in seconds.
	AvgProcessingTime float64
}

// ServiceConfig contains configuration options for creating a Service.
type ServiceConfig struct {
	// Mailbox is the default mailbox configuration applied to agents
	// created without an explicit one.
	Mailbox MailboxConfig

	// SendRatePerSecond enables token-bucket rate limiting on Send when
	// positive (0 = unlimited).
	SendRatePerSecond float64

	// SendBurst is the limiter burst size when rate limiting is enabled.
	// Default: 1.
	SendBurst int

	// EnableMetrics enables Prometheus metric collection for runtime
	// operations. Default: true.
	EnableMetrics bool
}

// DefaultServiceConfig returns a ServiceConfig with sensible defaults.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Mailbox:       DefaultMailboxConfig(),
		EnableMetrics: true,
	}
}

// ServiceOption is a functional option for configuring a Service.
type ServiceOption func(*ServiceConfig)

// WithDefaultMailbox sets the default mailbox configuration for new agents.
func WithDefaultMailbox(cfg MailboxConfig) ServiceOption {
	return func(c *ServiceConfig) {
		c.Mailbox = cfg
	}
}

// WithSendRateLimit enables rate limiting on Send across the service.
func WithSendRateLimit(perSecond float64, burst int) ServiceOption {
	return func(c *ServiceConfig) {
		c.SendRatePerSecond = perSecond
		c.SendBurst = burst
	}
}

// WithMetrics enables or disables metric collection.
func WithMetrics(enabled bool) ServiceOption {
	return func(c *ServiceConfig) {
		c.EnableMetrics = enabled
	}
}

type createConfig[S any] struct {
	workflow agent.Workflow[S]
	mailbox  *MailboxConfig
}

// CreateOption is a functional option applied to a single Create call.
type CreateOption[S any] func(*createConfig[S])

// WithWorkflow supplies the transition function for the new agent.
// Without it, the agent uses DefaultWorkflow.
func WithWorkflow[S any](wf agent.Workflow[S]) CreateOption[S] {
	return func(c *createConfig[S]) {
		c.workflow = wf
	}
}

// WithMailbox overrides the service's default mailbox configuration for the
// new agent.
func WithMailbox[S any](cfg MailboxConfig) CreateOption[S] {
	return func(c *createConfig[S]) {
		c.mailbox = &cfg
	}
}
