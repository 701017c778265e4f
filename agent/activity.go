package agent

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ID identifies one logical agent within a runtime service.
// IDs are unique among live agents; an ID becomes reusable after the agent
// owning it has been terminated.
type ID string

// ActivityType classifies an activity.
type ActivityType string

const (
	// TypeCommand is a request for the agent to act.
	TypeCommand ActivityType = "COMMAND"

	// TypeEvent is a notification that something happened.
	TypeEvent ActivityType = "EVENT"

	// TypeStateChange carries a state value. It is used both as an
	// instruction to replace/merge agent state and, internally, to
	// broadcast new state to subscribers.
	TypeStateChange ActivityType = "STATE_CHANGE"
)

// Recognized metadata keys.
const (
	// MetaPriority selects the mailbox sub-queue for an activity.
	// Accepts a Priority value or its string form ("HIGH", "NORMAL", "LOW").
	MetaPriority = "priority"

	// MetaTimeout bounds how long Offer may block on a full mailbox,
	// in milliseconds. Accepts an int, int64, float64 or time.Duration.
	MetaTimeout = "timeout"

	// MetaCorrelationID correlates requests across agents.
	MetaCorrelationID = "correlation_id"

	// MetaSourceAgentID names the sending agent for reply routing.
	MetaSourceAgentID = "source_agent_id"
)

// Priority orders activities within a mailbox. Higher values are preferred
// when multiple sub-queues have ready items.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// String returns the canonical name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityHigh:
		return "HIGH"
	default:
		return "NORMAL"
	}
}

// ParsePriority converts a priority name to a Priority.
// Unknown names map to PriorityNormal.
func ParsePriority(s string) Priority {
	switch s {
	case "LOW", "low":
		return PriorityLow
	case "HIGH", "high":
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Activity is the standard message format for agent communication.
// Activities are enqueued into an agent's mailbox by Send and delivered one
// at a time to the agent's workflow.
type Activity struct {
	// ID is a unique identifier for this activity, automatically generated.
	ID string

	// AgentID is the target (or origin, for notifications) agent.
	AgentID ID

	// Type classifies the activity (command, event, or state change).
	Type ActivityType

	// Payload contains type-specific data: command arguments, event
	// details, or a state value for TypeStateChange.
	Payload any

	// Timestamp is when the activity was created.
	Timestamp time.Time

	// Metadata contains optional key-value pairs for routing, priority,
	// correlation, and tracing.
	Metadata map[string]any

	// Sequence is a monotonically increasing counter assigned when the
	// activity enters an agent's mailbox. Within one priority level,
	// delivery order preserves sequence order.
	Sequence uint64
}

// NewActivity creates an activity with the given type, target agent, and
// payload. A unique ID and timestamp are generated automatically.
func NewActivity(typ ActivityType, agentID ID, payload any) *Activity {
	return &Activity{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]any),
	}
}

// WithMetadata adds metadata to the activity and returns it for chaining:
//
//	act := agent.NewActivity(agent.TypeCommand, "worker", args).
//	    WithMetadata(agent.MetaPriority, agent.PriorityHigh)
func (a *Activity) WithMetadata(key string, value any) *Activity {
	if a.Metadata == nil {
		a.Metadata = make(map[string]any)
	}
	a.Metadata[key] = value
	return a
}

// GetMetadata retrieves metadata by key, returning the default value if absent.
func (a *Activity) GetMetadata(key string, defaultValue any) any {
	if a.Metadata == nil {
		return defaultValue
	}
	if val, ok := a.Metadata[key]; ok {
		return val
	}
	return defaultValue
}

// Priority resolves the activity's priority from metadata.
// Activities without an explicit priority default to PriorityNormal.
func (a *Activity) Priority() Priority {
	val, ok := a.Metadata[MetaPriority]
	if !ok {
		return PriorityNormal
	}
	switch v := val.(type) {
	case Priority:
		return v
	case string:
		return ParsePriority(v)
	case int:
		return clampPriority(Priority(v))
	case int64:
		return clampPriority(Priority(v))
	case float64:
		return clampPriority(Priority(int(v)))
	default:
		return PriorityNormal
	}
}

func clampPriority(p Priority) Priority {
	if p < PriorityLow || p > PriorityHigh {
		return PriorityNormal
	}
	return p
}

// Timeout resolves the activity's enqueue timeout from metadata, or zero if
// none is set. The mailbox substitutes its own default for a zero timeout.
func (a *Activity) Timeout() time.Duration {
	val, ok := a.Metadata[MetaTimeout]
	if !ok {
		return 0
	}
	switch v := val.(type) {
	case time.Duration:
		return v
	case int:
		return time.Duration(v) * time.Millisecond
	case int64:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v) * time.Millisecond
	default:
		return 0
	}
}

// CorrelationID returns the correlation identifier, or "" if unset.
func (a *Activity) CorrelationID() string {
	if s, ok := a.GetMetadata(MetaCorrelationID, "").(string); ok {
		return s
	}
	return ""
}

// SourceAgentID returns the sending agent's ID for reply routing, or "" if unset.
func (a *Activity) SourceAgentID() ID {
	switch v := a.GetMetadata(MetaSourceAgentID, nil).(type) {
	case ID:
		return v
	case string:
		return ID(v)
	default:
		return ""
	}
}

// Clone creates a copy of the activity with its own metadata map.
// Use it when a modified variant of an already-sent activity is needed.
func (a *Activity) Clone() *Activity {
	clone := &Activity{
		ID:        a.ID,
		AgentID:   a.AgentID,
		Type:      a.Type,
		Payload:   a.Payload,
		Timestamp: a.Timestamp,
		Metadata:  make(map[string]any, len(a.Metadata)),
		Sequence:  a.Sequence,
	}
	for k, v := range a.Metadata {
		clone.Metadata[k] = v
	}
	return clone
}

// String returns a human-readable representation for debugging.
func (a *Activity) String() string {
	return fmt.Sprintf("Activity{ID:%s, Agent:%s, Type:%s, Seq:%d}", a.ID, a.AgentID, a.Type, a.Sequence)
}
