package hmruntime

import (
	"fmt"

	"github.com/anshulthakur/hwmanager/internal/hmcodec"
	"github.com/anshulthakur/hwmanager/internal/hmfsm"
	"github.com/anshulthakur/hwmanager/internal/hmha"
	"github.com/anshulthakur/hwmanager/internal/hmtimer"
	"github.com/anshulthakur/hwmanager/internal/hmtransport"
	"github.com/anshulthakur/hwmanager/internal/hmtypes"
)

// handleMcastEvent reacts to a discovery datagram: an unknown hw_id
// triggers an outbound TCP connect to that Location's peer port,
// carried in the datagram's KEEPALIVE payload.
func (r *Runtime) handleMcastEvent(mev hmtransport.McastEvent) {
	hdr, err := hmcodec.PeerMsgTypeOf(mev.Payload)
	if err != nil || hdr != hmtypes.PeerMsgKeepalive {
		return
	}
	m, err := hmcodec.DecodePeerKeepalive(mev.Payload)
	if err != nil {
		return
	}
	if m.Hdr.HWID == r.localHWID {
		return // loopback suppression: ignore our own discovery tick
	}
	if st, known := r.peersByHWID[m.Hdr.HWID]; known {
		// A known peer's discovery tick is its keepalive.
		if st.fsm.State == hmfsm.PeerActive {
			if _, err := st.fsm.Step(hmfsm.PSigLoop); err != nil {
				r.log.Errorf("peer fsm loop: %v", err)
			}
		}
		return
	}
	addr := fmt.Sprintf("%s:%d", mev.From.IP.String(), m.ListenPort)
	conn, err := hmtransport.Dial(addr, hmcodec.PeekPeerFrameLen, r.peerEvents, r.log)
	if err != nil {
		r.log.Warnf("discovery connect to hw_id %d at %s failed: %v", m.Hdr.HWID, addr, err)
		return
	}
	r.peerEvents <- hmtransport.Event{Conn: conn, Kind: hmtransport.EventAccept}
}

// handleTimerExpiry dispatches one fired timer: a Live check guards
// against a Stop/in-flight race, since the expiry may already be
// sitting in the channel buffer when Stop or Delete was called.
func (r *Runtime) handleTimerExpiry(exp hmtimer.Expiry) {
	if !exp.Handle.Live() {
		return
	}
	owner, ok := r.timerIndex[exp.Handle]
	if !ok {
		return
	}
	switch st := owner.(type) {
	case *clientConnState:
		r.nodeKeepaliveTimeout(st)
	case *peerConnState:
		r.peerKeepaliveTimeout(st)
	case mcastTickOwner:
		r.sendMcastTick()
	case haSettleOwner:
		r.settleLocalHARoles()
	}
}

// sendMcastTick emits this HM's own discovery datagram on the
// multicast group: the send-side counterpart to handleMcastEvent,
// letting other Locations on the segment find this one the same way it
// finds them.
func (r *Runtime) sendMcastTick() {
	if r.mcastTx == nil {
		return
	}
	local, ok := r.registry.Location(r.localHWID)
	if !ok {
		return
	}
	frame := hmcodec.EncodePeerKeepalive(hmtypes.PeerKeepaliveMsg{
		Hdr:        hmtypes.PeerHeader{HWID: r.localHWID},
		ListenPort: local.ListenPort,
		NumNodes:   uint32(len(local.Nodes)),
		NumProc:    countProcesses(local),
	})
	if err := r.mcastTx.Send(frame); err != nil {
		r.log.Warnf("multicast keepalive send: %v", err)
	}
}

func countProcesses(loc *hmtypes.Location) uint32 {
	var n uint32
	for _, node := range loc.Nodes {
		n += uint32(len(node.Processes))
	}
	return n
}

// settleLocalHARoles runs once, a fixed window after startup: any local
// Node that never heard its role asserted by the cluster (CurrentRole
// still NONE) is promoted from its configured DesiredRole, unless that
// role is PASSIVE with no ACTIVE partner to pair against, since a lone
// passive side has nothing to fail over to.
func (r *Runtime) settleLocalHARoles() {
	local, ok := r.registry.Location(r.localHWID)
	if !ok {
		return
	}
	for _, n := range local.Nodes {
		if n.CurrentRole != hmtypes.RoleNone {
			continue
		}
		if n.DesiredRole == hmtypes.RolePassive {
			hasActive := false
			for _, m := range r.registry.NodesInGroup(n.Group) {
				if m.Index != n.Index && m.CurrentRole == hmtypes.RoleActive {
					hasActive = true
				}
			}
			if !hasActive {
				r.log.Warnf("node %d configured passive with no active peer seen, leaving role NONE", n.Index)
				continue
			}
		}

		role, partner, err := r.resolver.Resolve(n)
		if err != nil {
			r.log.Warnf("HA settle resolve for node %d: %v", n.Index, err)
			continue
		}
		if partner != nil {
			hmha.Bind(n, partner, role, role.Opposite())
			r.registry.UpdateNodeRole(partner, partner.CurrentRole)
		} else {
			n.CurrentRole = role
		}
		r.registry.UpdateNodeRole(n, n.CurrentRole)
		r.broadcaster.HAUpdate(r.localHWID, n.Group, haMaster(n, partner), haSlave(n, partner))
	}
}

func (r *Runtime) nodeKeepaliveTimeout(st *clientConnState) {
	action, err := st.fsm.Step(hmfsm.SigTimerPop)
	if err != nil {
		r.log.Errorf("node fsm timer_pop: %v", err)
		return
	}
	if st.node != nil {
		st.node.KeepaliveMissed++
	}
	if action == hmfsm.ActionRemoveFromRegistry {
		st.conn.Close()
		return
	}
	if st.fsm.State == hmfsm.NodeFailing {
		// The kickout threshold has just been crossed: there is no
		// separate grace period once FAILING, so finalize immediately.
		if action, err = st.fsm.Step(hmfsm.SigTimeout); err == nil && action == hmfsm.ActionEmitNodeDown {
			st.conn.Close()
		}
	}
}

func (r *Runtime) peerKeepaliveTimeout(st *peerConnState) {
	action, err := st.fsm.Step(hmfsm.PSigTimerPop)
	if err != nil {
		r.log.Errorf("peer fsm timer_pop: %v", err)
		return
	}
	if action == hmfsm.PActionD_MarkFailedReplay {
		r.failPeerLocation(st)
		st.conn.Close()
	}
}

// failPeerLocation tears down every Node this Location owns in the
// local registry once its Peer FSM has declared it FAILED, firing the
// NODE_INACTIVE/LOCATION_INACTIVE notifications the cascade requires.
// Safe to call more than once for the same Location: RemoveLocation is
// a no-op (returns an error, logged) once the row is already gone.
func (r *Runtime) failPeerLocation(st *peerConnState) {
	if st.location == nil {
		return
	}
	if err := r.registry.RemoveLocation(st.location); err != nil {
		r.log.Warnf("remove failed location %d: %v", st.hwid, err)
	}
}
