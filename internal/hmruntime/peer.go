package hmruntime

import (
	"fmt"

	"github.com/anshulthakur/hwmanager/internal/hmcodec"
	"github.com/anshulthakur/hwmanager/internal/hmfsm"
	"github.com/anshulthakur/hwmanager/internal/hmgossip"
	"github.com/anshulthakur/hwmanager/internal/hmmetrics"
	"github.com/anshulthakur/hwmanager/internal/hmtimer"
	"github.com/anshulthakur/hwmanager/internal/hmtransport"
	"github.com/anshulthakur/hwmanager/internal/hmtypes"
)

func (r *Runtime) handlePeerEvent(ev hmtransport.Event) {
	switch ev.Kind {
	case hmtransport.EventAccept:
		r.acceptPeer(ev.Conn)
	case hmtransport.EventData:
		r.handlePeerData(ev.Conn, ev.Payload)
	case hmtransport.EventClose:
		r.closePeer(ev.Conn)
	}
}

func (r *Runtime) acceptPeer(conn *hmtransport.Conn) {
	st := &peerConnState{conn: conn, fsm: hmfsm.NewPeerFSM(r.cfg.PeerKickoutLimit)}
	r.peerConns[conn] = st
	if _, err := st.fsm.Step(hmfsm.PSigConnect); err != nil {
		r.log.Errorf("peer fsm connect: %v", err)
		return
	}
	hmmetrics.PeerFSMTransitions.WithLabelValues(st.fsm.State.String()).Inc()
	conn.Send(hmcodec.EncodePeerInit(hmtypes.PeerInitMsg{
		Hdr:     hmtypes.PeerHeader{HWID: r.localHWID},
		Request: 1,
	}))
}

func (r *Runtime) handlePeerData(conn *hmtransport.Conn, payload []byte) {
	st, ok := r.peerConns[conn]
	if !ok {
		return
	}
	msgType, err := hmcodec.PeerMsgTypeOf(payload)
	if err != nil {
		r.protocolViolation(conn, fmt.Errorf("peer msg_type: %w", err))
		return
	}

	switch msgType {
	case hmtypes.PeerMsgInit:
		r.handlePeerInit(st, payload)
	case hmtypes.PeerMsgKeepalive:
		r.handlePeerKeepalive(st, payload)
	case hmtypes.PeerMsgNodeUpdate:
		r.handlePeerNodeUpdate(st, payload)
	case hmtypes.PeerMsgProcessUpdate:
		r.handlePeerProcessUpdate(st, payload)
	case hmtypes.PeerMsgHAUpdate:
		r.handlePeerHAUpdate(st, payload)
	case hmtypes.PeerMsgReplay:
		r.handlePeerReplay(st, payload)
	default:
		r.protocolViolation(conn, fmt.Errorf("unexpected peer msg_type %d", msgType))
	}
}

func (r *Runtime) handlePeerInit(st *peerConnState, payload []byte) {
	m, err := hmcodec.DecodePeerInit(payload)
	if err != nil {
		r.protocolViolation(st.conn, err)
		return
	}
	st.hwid = m.Hdr.HWID

	if existing, ok := r.peersByHWID[st.hwid]; ok && existing != st {
		r.log.Warnf("duplicate peer connection for hw_id %d, closing the new one", st.hwid)
		st.conn.Close()
		return
	}
	r.peersByHWID[st.hwid] = st

	loc, ok := r.registry.Location(st.hwid)
	if !ok {
		loc = hmtypes.NewLocation(st.hwid, false)
		_ = r.registry.AddLocation(loc)
	}
	st.location = loc

	action, err := st.fsm.Step(hmfsm.PSigInitRcvd)
	if err != nil {
		r.log.Errorf("peer fsm init_rcvd: %v", err)
		return
	}
	hmmetrics.PeerFSMTransitions.WithLabelValues(st.fsm.State.String()).Inc()

	st.keepalive = r.timers.Create(r.cfg.PeerTickMS, true, hmtimer.Owner{Kind: hmtimer.OwnerLocation, ID: st.hwid})
	r.timerIndex[st.keepalive] = st
	st.keepalive.Start()

	if m.Request != 0 {
		st.conn.Send(hmcodec.EncodePeerInit(hmtypes.PeerInitMsg{
			Hdr:        hmtypes.PeerHeader{HWID: r.localHWID},
			ResponseOK: 1,
		}))
	}

	if action == hmfsm.PActionB_StartReplay {
		r.sendReplay(st)
	}
}

// sendReplay packs every row this HM currently owns (its local Location
// only -- each side replays what it knows, not what it has already
// heard from others) into REPLAY messages and sends them in sequence.
func (r *Runtime) sendReplay(st *peerConnState) {
	local, ok := r.registry.Location(r.localHWID)
	if !ok {
		return
	}
	var rows []hmgossip.SourceRow
	for _, n := range local.Nodes {
		rows = append(rows, hmgossip.SourceRow{
			UpdateType: hmtypes.ReplayUpdateNode,
			NodeID:     n.Index,
			Group:      n.Group,
			Role:       n.CurrentRole,
			Running:    hmtypes.StatusActive,
		})
		for _, p := range n.Processes {
			rows = append(rows, hmgossip.SourceRow{
				UpdateType: hmtypes.ReplayUpdateProc,
				NodeID:     n.Index,
				Pid:        p.Pid,
				Running:    hmtypes.StatusActive,
			})
		}
	}
	for _, frame := range hmgossip.BuildReplayFrames(r.localHWID, rows) {
		st.conn.Send(frame)
	}
}

func (r *Runtime) handlePeerKeepalive(st *peerConnState, payload []byte) {
	if _, err := hmcodec.DecodePeerKeepalive(payload); err != nil {
		r.protocolViolation(st.conn, err)
		return
	}
	action, err := st.fsm.Step(hmfsm.PSigLoop)
	if err != nil {
		r.log.Errorf("peer fsm loop: %v", err)
		return
	}
	_ = action
}

func (r *Runtime) handlePeerNodeUpdate(st *peerConnState, payload []byte) {
	m, err := hmcodec.DecodePeerNodeUpdate(payload)
	if err != nil {
		r.protocolViolation(st.conn, err)
		return
	}
	if m.Hdr.HWID == r.localHWID {
		return // loopback suppression: this is our own update come back around
	}
	if m.Status == hmtypes.StatusActive {
		n, exists := r.registry.Node(m.NodeID)
		if !exists {
			n = hmtypes.NewNode(m.NodeID, m.NodeGroup, st.location)
			n.CurrentRole = m.NodeRole
			_ = r.registry.AddNode(n)
		} else {
			r.registry.UpdateNodeRole(n, m.NodeRole)
		}
	} else if n, exists := r.registry.Node(m.NodeID); exists {
		_ = r.registry.RemoveNode(n)
	}
	if m.Status == hmtypes.StatusActive {
		r.broadcaster.NodeUp(m.Hdr.HWID, m.NodeID, m.NodeGroup, m.NodeRole)
	} else {
		r.broadcaster.NodeDown(m.Hdr.HWID, m.NodeID, m.NodeGroup)
	}
}

func (r *Runtime) handlePeerProcessUpdate(st *peerConnState, payload []byte) {
	m, err := hmcodec.DecodePeerProcessUpdate(payload)
	if err != nil {
		r.protocolViolation(st.conn, err)
		return
	}
	if m.Hdr.HWID == r.localHWID {
		return // loopback suppression: this is our own update come back around
	}
	if m.Status == hmtypes.StatusActive {
		if _, exists := r.registry.Process(m.ProcID); !exists {
			node, ok := r.registry.Node(m.NodeID)
			if ok {
				p := hmtypes.NewProcess(m.ProcID, m.ProcType, "", node)
				_ = r.registry.AddProcess(p)
			}
		}
	} else if p, exists := r.registry.Process(m.ProcID); exists {
		_ = r.registry.RemoveProcess(p)
	}
	if m.Status == hmtypes.StatusActive {
		r.broadcaster.ProcUp(m.Hdr.HWID, m.ProcID, m.ProcType, m.NodeID)
	} else {
		r.broadcaster.ProcDown(m.Hdr.HWID, m.ProcID, m.ProcType, m.NodeID)
	}
}

func (r *Runtime) handlePeerHAUpdate(st *peerConnState, payload []byte) {
	m, err := hmcodec.DecodePeerHAUpdate(payload)
	if err != nil {
		r.protocolViolation(st.conn, err)
		return
	}
	if m.Hdr.HWID == r.localHWID {
		return // loopback suppression: this is our own update come back around
	}
	if master, ok := r.registry.Node(m.MasterNode); ok {
		r.registry.UpdateNodeRole(master, hmtypes.RoleActive)
	}
	if slave, ok := r.registry.Node(m.SlaveNode); ok {
		r.registry.UpdateNodeRole(slave, hmtypes.RolePassive)
	}
	r.broadcaster.HAUpdate(m.Hdr.HWID, m.Group, m.MasterNode, m.SlaveNode)
}

func (r *Runtime) handlePeerReplay(st *peerConnState, payload []byte) {
	msg, err := hmcodec.DecodePeerReplay(payload)
	if err != nil {
		r.protocolViolation(st.conn, err)
		return
	}
	done := hmgossip.ApplyReplay(msg, func(tlv hmtypes.PeerReplayTLV) {
		r.applyReplayTLV(st, tlv)
		hmmetrics.ReplayTLVsApplied.WithLabelValues(fmt.Sprintf("%d", tlv.UpdateType)).Inc()
	})
	if done {
		st.location.ReplayRecvLast = true
		st.location.ReplayInProgress = false
	}
}

// applyReplayTLV merges one TLV into the registry, idempotently: adding
// a row that already exists is a no-op re-add, matching testable
// property 5.
func (r *Runtime) applyReplayTLV(st *peerConnState, tlv hmtypes.PeerReplayTLV) {
	switch tlv.UpdateType {
	case hmtypes.ReplayUpdateNode:
		if _, exists := r.registry.Node(tlv.NodeID); !exists {
			n := hmtypes.NewNode(tlv.NodeID, tlv.Group, st.location)
			n.CurrentRole = tlv.Role
			_ = r.registry.AddNode(n)
		}
	case hmtypes.ReplayUpdateProc:
		if _, exists := r.registry.Process(tlv.Pid); !exists {
			node, ok := r.registry.Node(tlv.NodeID)
			if ok {
				p := hmtypes.NewProcess(tlv.Pid, 0, "", node)
				_ = r.registry.AddProcess(p)
			}
		}
	}
}

func (r *Runtime) closePeer(conn *hmtransport.Conn) {
	st, ok := r.peerConns[conn]
	if !ok {
		return
	}
	delete(r.peerConns, conn)
	if st.hwid != 0 {
		delete(r.peersByHWID, st.hwid)
	}
	if st.keepalive != nil {
		st.keepalive.Delete()
		delete(r.timerIndex, st.keepalive)
	}
	action, err := st.fsm.Step(hmfsm.PSigClosed)
	if err != nil {
		r.log.Warnf("peer fsm closed: %v", err)
		return
	}
	if action == hmfsm.PActionD_MarkFailedReplay {
		r.failPeerLocation(st)
	}
}
