package agent

// State is a position in the turn state machine.
type State string

const (
	// StateReasoning calls the model with the thread so far.
	StateReasoning State = "reasoning"
	// StateExecutingTools runs the latest batch of tool calls in order.
	StateExecutingTools State = "executing_tools"
	// StateSuspended waits for a human answer to an ask_human call.
	StateSuspended State = "suspended"
	// StateDone holds the final assistant reply.
	StateDone State = "done"
)

func (s State) String() string { return string(s) }
