// Package agent defines the data model shared by every layer of the Loom
// runtime: activities (the messages agents exchange), priorities, state
// snapshots, and the workflow transition function.
//
// # Activities
//
// Activities are the standard unit of communication with an agent:
//
//	act := agent.NewActivity(agent.TypeCommand, "worker-1", payload).
//	    WithMetadata(agent.MetaPriority, agent.PriorityHigh).
//	    WithMetadata(agent.MetaCorrelationID, reqID)
//
// An activity is immutable by convention: once handed to the runtime it must
// not be mutated by the sender. Use Clone when a modified copy is needed.
//
// # Workflows
//
// A workflow is the single place application logic touches agent state. It
// receives each dequeued activity together with the current state and returns
// the next state:
//
//	wf := func(ctx context.Context, act *agent.Activity, s int) (int, error) {
//	    if act.Type == agent.TypeCommand {
//	        return s + 1, nil
//	    }
//	    return s, nil
//	}
//
// The runtime guarantees the workflow is never invoked concurrently for the
// same agent, so state transitions are serializable by construction.
package agent
