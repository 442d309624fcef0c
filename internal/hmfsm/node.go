// Package hmfsm implements the Node and Peer finite state machines as
// explicit 2D transition tables, a table-driven state machine style
// rather than a scattered switch-per-signal implementation.
package hmfsm

import "fmt"

// NodeSignal enumerates the events the Node FSM reacts to.
type NodeSignal int

const (
	SigCreate NodeSignal = iota
	SigInit
	SigData
	SigTerm
	SigClose
	SigTimerPop
	SigTimeout
	SigFailed
	SigActive
)

func (s NodeSignal) String() string {
	switch s {
	case SigCreate:
		return "CREATE"
	case SigInit:
		return "INIT"
	case SigData:
		return "DATA"
	case SigTerm:
		return "TERM"
	case SigClose:
		return "CLOSE"
	case SigTimerPop:
		return "TIMER_POP"
	case SigTimeout:
		return "TIMEOUT"
	case SigFailed:
		return "FAILED"
	case SigActive:
		return "ACTIVE"
	default:
		return "UNKNOWN_SIGNAL"
	}
}

// NodeState is the per-connection node state, kept local to this table
// so the table's shape is self-contained and easy to audit.
type NodeState int

const (
	NodeNull NodeState = iota
	NodeWaiting
	NodeActive
	NodeFailing
	NodeFailed
)

func (s NodeState) String() string {
	switch s {
	case NodeNull:
		return "NULL"
	case NodeWaiting:
		return "WAITING"
	case NodeActive:
		return "ACTIVE"
	case NodeFailing:
		return "FAILING"
	case NodeFailed:
		return "FAILED"
	default:
		return "UNKNOWN_STATE"
	}
}

// NodeAction names a side effect the runtime must perform after a
// transition fires; the FSM table says only what happens to the state,
// never how the side effect is carried out (that lives in hmruntime).
type NodeAction int

const (
	NoAction NodeAction = iota
	ActionStartKeepaliveTimer
	ActionResetKeepaliveTimer
	ActionStopKeepaliveTimer
	ActionAddToRegistry
	ActionRemoveFromRegistry
	ActionEmitNodeUp
	ActionEmitNodeDown
)

type nodeTransition struct {
	next   NodeState
	action NodeAction
}

// nodeTable[state][signal] gives the transition; a signal with no entry
// in its state's map is illegal in that state and is rejected (property
// 4: "no transition occurs on a signal absent from the table for the
// current state").
var nodeTable = map[NodeState]map[NodeSignal]nodeTransition{
	NodeNull: {
		SigCreate: {next: NodeWaiting, action: ActionStartKeepaliveTimer},
	},
	NodeWaiting: {
		SigInit:     {next: NodeActive, action: ActionAddToRegistry},
		SigTimerPop: {next: NodeFailing, action: NoAction},
		SigClose:    {next: NodeNull, action: ActionStopKeepaliveTimer},
	},
	NodeActive: {
		SigData:     {next: NodeActive, action: ActionResetKeepaliveTimer},
		SigTimerPop: {next: NodeFailing, action: NoAction},
		SigTerm:     {next: NodeNull, action: ActionRemoveFromRegistry},
		SigClose:    {next: NodeFailed, action: ActionRemoveFromRegistry},
		SigActive:   {next: NodeActive, action: ActionEmitNodeUp},
	},
	NodeFailing: {
		SigData:    {next: NodeActive, action: ActionResetKeepaliveTimer},
		SigTimeout: {next: NodeFailed, action: ActionEmitNodeDown},
		SigClose:   {next: NodeFailed, action: ActionEmitNodeDown},
	},
	NodeFailed: {
		SigCreate: {next: NodeWaiting, action: ActionStartKeepaliveTimer},
	},
}

// ErrIllegalTransition is returned when a signal has no entry for the
// current state.
type ErrIllegalTransition struct {
	State  NodeState
	Signal NodeSignal
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("hmfsm: signal %s illegal in state %s", e.Signal, e.State)
}

// NodeFSM drives one Node's state and records its own missed-keepalive
// counter, which the FSM table alone cannot express (WAITING/ACTIVE ->
// FAILING on TIMER_POP needs "kickout consecutive misses reached", not a
// single timer pop).
type NodeFSM struct {
	State        NodeState
	MissedKicks  uint32
	KickoutLimit uint32
}

func NewNodeFSM(kickoutLimit uint32) *NodeFSM {
	if kickoutLimit == 0 {
		kickoutLimit = 3
	}
	return &NodeFSM{State: NodeNull, KickoutLimit: kickoutLimit}
}

// Step applies signal, returning the action to perform or an error if
// the signal is illegal for the current state. On SigTimerPop while
// ACTIVE or WAITING, the FSM does not fail immediately: it must see
// KickoutLimit consecutive missed keepalives before escalating toward
// FAILED, so Step special-cases that edge rather than letting the
// table alone decide it. WAITING gets the same grace period as ACTIVE
// so a node that is merely slow to send its first INIT isn't kicked
// out on a single missed tick.
func (f *NodeFSM) Step(sig NodeSignal) (NodeAction, error) {
	row, ok := nodeTable[f.State]
	if !ok {
		return NoAction, &ErrIllegalTransition{State: f.State, Signal: sig}
	}
	t, ok := row[sig]
	if !ok {
		return NoAction, &ErrIllegalTransition{State: f.State, Signal: sig}
	}

	if (f.State == NodeActive || f.State == NodeWaiting) && sig == SigTimerPop {
		f.MissedKicks++
		if f.MissedKicks < f.KickoutLimit {
			return NoAction, nil
		}
	}
	if sig == SigData || sig == SigInit {
		f.MissedKicks = 0
	}

	f.State = t.next
	return t.action, nil
}
