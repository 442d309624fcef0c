package hmfsm

import "fmt"

// PeerSignal enumerates the events the Peer (HM<->HM) FSM reacts to.
type PeerSignal int

const (
	PSigConnect PeerSignal = iota
	PSigInitRcvd
	PSigLoop
	PSigClose
	PSigClosed
	PSigTimerPop
)

func (s PeerSignal) String() string {
	switch s {
	case PSigConnect:
		return "CONNECT"
	case PSigInitRcvd:
		return "INIT_RCVD"
	case PSigLoop:
		return "LOOP"
	case PSigClose:
		return "CLOSE"
	case PSigClosed:
		return "CLOSED"
	case PSigTimerPop:
		return "TIMER_POP"
	default:
		return "UNKNOWN_SIGNAL"
	}
}

type PeerState int

const (
	PeerNull PeerState = iota
	PeerInit
	PeerActive
	PeerFailed
)

func (s PeerState) String() string {
	switch s {
	case PeerNull:
		return "NULL"
	case PeerInit:
		return "INIT"
	case PeerActive:
		return "ACTIVE"
	case PeerFailed:
		return "FAILED"
	default:
		return "UNKNOWN_STATE"
	}
}

// PeerAction names the five side effects a peer transition can request
// (actions A-E).
type PeerAction int

const (
	PNoAction PeerAction = iota
	PActionA_SendInit          // A: send our own INIT back
	PActionB_StartReplay       // B: begin the REPLAY sequence
	PActionC_ResetPeerTimer    // C: reset the peer keepalive timer
	PActionD_MarkFailedReplay  // D: mark FAILED; the runtime removes the peer's Location and its Nodes
	PActionE_EmitLocalKickTick // E: local Location's own multicast keepalive tick
)

type peerTransition struct {
	next   PeerState
	action PeerAction
}

var peerTable = map[PeerState]map[PeerSignal]peerTransition{
	PeerNull: {
		PSigConnect: {next: PeerInit, action: PActionA_SendInit},
	},
	PeerInit: {
		PSigInitRcvd: {next: PeerActive, action: PActionB_StartReplay},
		PSigClosed:   {next: PeerNull, action: PNoAction},
		PSigClose:    {next: PeerFailed, action: PActionD_MarkFailedReplay},
	},
	PeerActive: {
		PSigLoop:     {next: PeerActive, action: PActionC_ResetPeerTimer},
		PSigTimerPop: {next: PeerFailed, action: PActionD_MarkFailedReplay},
		PSigClose:    {next: PeerFailed, action: PActionD_MarkFailedReplay},
		PSigClosed:   {next: PeerFailed, action: PActionD_MarkFailedReplay},
	},
	PeerFailed: {
		PSigConnect: {next: PeerInit, action: PActionA_SendInit},
	},
}

// PeerFSM drives one Location's peer connection state, tracking its own
// missed-keepalive counter the same way NodeFSM does.
type PeerFSM struct {
	State        PeerState
	MissedKicks  uint32
	KickoutLimit uint32
}

func NewPeerFSM(kickoutLimit uint32) *PeerFSM {
	if kickoutLimit == 0 {
		kickoutLimit = 3
	}
	return &PeerFSM{State: PeerNull, KickoutLimit: kickoutLimit}
}

func (f *PeerFSM) Step(sig PeerSignal) (PeerAction, error) {
	row, ok := peerTable[f.State]
	if !ok {
		return PNoAction, &ErrIllegalPeerTransition{State: f.State, Signal: sig}
	}
	t, ok := row[sig]
	if !ok {
		return PNoAction, &ErrIllegalPeerTransition{State: f.State, Signal: sig}
	}

	if f.State == PeerActive && sig == PSigTimerPop {
		f.MissedKicks++
		if f.MissedKicks < f.KickoutLimit {
			return PNoAction, nil
		}
	}
	if sig == PSigLoop {
		f.MissedKicks = 0
	}

	f.State = t.next
	return t.action, nil
}

type ErrIllegalPeerTransition struct {
	State  PeerState
	Signal PeerSignal
}

func (e *ErrIllegalPeerTransition) Error() string {
	return fmt.Sprintf("hmfsm: peer signal %s illegal in state %s", e.Signal, e.State)
}
