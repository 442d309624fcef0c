package hmruntime

import (
	"fmt"

	"github.com/anshulthakur/hwmanager/internal/hmcodec"
	"github.com/anshulthakur/hwmanager/internal/hmfsm"
	"github.com/anshulthakur/hwmanager/internal/hmha"
	"github.com/anshulthakur/hwmanager/internal/hmmetrics"
	"github.com/anshulthakur/hwmanager/internal/hmtimer"
	"github.com/anshulthakur/hwmanager/internal/hmtransport"
	"github.com/anshulthakur/hwmanager/internal/hmtypes"
	"github.com/google/uuid"
)

func (r *Runtime) handleClientEvent(ev hmtransport.Event) {
	switch ev.Kind {
	case hmtransport.EventAccept:
		r.acceptClient(ev.Conn)
	case hmtransport.EventData:
		r.handleClientData(ev.Conn, ev.Payload)
	case hmtransport.EventClose:
		r.closeClient(ev.Conn, ev.Err)
	}
}

func (r *Runtime) acceptClient(conn *hmtransport.Conn) {
	st := &clientConnState{conn: conn, fsm: hmfsm.NewNodeFSM(r.cfg.NodeKickoutLimit)}
	r.clientConns[conn] = st
	if _, err := st.fsm.Step(hmfsm.SigCreate); err != nil {
		r.log.Errorf("client fsm create: %v", err)
		return
	}
	st.keepalive = r.timers.Create(r.cfg.NodeTickMS, true, hmtimer.Owner{Kind: hmtimer.OwnerNode})
	r.timerIndex[st.keepalive] = st
	st.keepalive.Start()
	hmmetrics.NodeFSMTransitions.WithLabelValues(st.fsm.State.String()).Inc()
}

func (r *Runtime) handleClientData(conn *hmtransport.Conn, payload []byte) {
	st, ok := r.clientConns[conn]
	if !ok {
		return
	}
	msgType, err := hmcodec.MsgTypeOf(payload)
	if err != nil {
		r.protocolViolation(conn, fmt.Errorf("client msg_type: %w", err))
		return
	}

	switch msgType {
	case hmtypes.ClientMsgInit:
		r.handleNodeInit(st, payload)
	case hmtypes.ClientMsgKeepalive:
		r.handleNodeKeepalive(st)
	case hmtypes.ClientMsgProcessCreate:
		r.handleProcessUpdate(st, payload, true)
	case hmtypes.ClientMsgProcessDestroy:
		r.handleProcessUpdate(st, payload, false)
	case hmtypes.ClientMsgRegister:
		r.handleRegister(st, payload, true)
	case hmtypes.ClientMsgUnregister:
		r.handleRegister(st, payload, false)
	case hmtypes.ClientMsgHAUpdate:
		r.handleHAStatusUpdate(st, payload)
	default:
		r.protocolViolation(conn, fmt.Errorf("unexpected client msg_type %d", msgType))
	}
}

func (r *Runtime) handleNodeInit(st *clientConnState, payload []byte) {
	m, err := hmcodec.DecodeNodeInit(payload)
	if err != nil {
		r.protocolViolation(st.conn, err)
		return
	}
	if st.node != nil {
		r.protocolViolation(st.conn, fmt.Errorf("duplicate INIT on already-initialized connection"))
		return
	}

	loc, ok := r.registry.Location(r.localHWID)
	if !ok {
		r.protocolViolation(st.conn, fmt.Errorf("local location missing"))
		return
	}
	node := hmtypes.NewNode(m.Index, m.ServiceGroupIndex, loc)
	node.KeepaliveRequestedMS = m.KeepalivePeriod
	node.KeepalivePeriodMS = r.cfg.NodeTickMS
	node.HardwareNum = r.localHWID

	if err := r.registry.AddNode(node); err != nil {
		r.protocolViolation(st.conn, err)
		return
	}
	st.node = node
	action, err := st.fsm.Step(hmfsm.SigInit)
	if err != nil {
		r.log.Errorf("node fsm init: %v", err)
		return
	}
	hmmetrics.NodeFSMTransitions.WithLabelValues(st.fsm.State.String()).Inc()
	_ = action // ActionAddToRegistry already performed above

	r.broadcaster.NodeUp(r.localHWID, node.Index, node.Group, node.CurrentRole)

	resp := m
	resp.Hdr.Request = 0
	resp.HardwareNum = node.HardwareNum
	resp.LocationStatus = uint32(hmtypes.StatusActive)
	st.conn.Send(hmcodec.EncodeNodeInit(resp))
}

func (r *Runtime) handleNodeKeepalive(st *clientConnState) {
	if st.node == nil {
		r.protocolViolation(st.conn, fmt.Errorf("KEEPALIVE before INIT"))
		return
	}
	action, err := st.fsm.Step(hmfsm.SigData)
	if err != nil {
		r.log.Errorf("node fsm keepalive: %v", err)
		return
	}
	_ = action
	st.node.KeepaliveMissed = 0
	st.conn.Send(hmcodec.EncodeKeepalive(hmtypes.ClientHeader{}))
}

func (r *Runtime) handleProcessUpdate(st *clientConnState, payload []byte, create bool) {
	if st.node == nil {
		r.protocolViolation(st.conn, fmt.Errorf("PROCESS update before INIT"))
		return
	}
	m, err := hmcodec.DecodeProcessUpdate(payload)
	if err != nil {
		r.protocolViolation(st.conn, err)
		return
	}

	if create {
		proc := hmtypes.NewProcess(m.Pid, m.ProcType, m.Name, st.node)
		if err := r.registry.AddProcess(proc); err != nil {
			r.log.Warnf("process create rejected: %v", err)
			return
		}
		for _, ifID := range m.Ifaces {
			iface := &hmtypes.Interface{ID: ifID, ParentProcess: proc, ParentNode: st.node}
			_ = r.registry.AddInterface(iface)
		}
		r.broadcaster.ProcUp(r.localHWID, proc.Pid, proc.Type, st.node.Index)
		return
	}

	proc, ok := r.registry.Process(m.Pid)
	if !ok {
		return
	}
	_ = r.registry.RemoveProcess(proc)
	r.broadcaster.ProcDown(r.localHWID, m.Pid, m.ProcType, st.node.Index)
}

func (r *Runtime) handleRegister(st *clientConnState, payload []byte, register bool) {
	m, err := hmcodec.DecodeRegister(payload)
	if err != nil {
		r.protocolViolation(st.conn, err)
		return
	}
	if !register {
		r.unsubscribeConn(st, m)
		return
	}

	if st.subscriberID == "" {
		st.subscriberID = uuid.New().String()
	}
	subscriberID := st.subscriberID
	for _, value := range m.IDs {
		present, build := r.registry.LookupForSubscribe(m.Type, value)
		sub := hmtypes.Subscriber{
			ID:          subscriberID,
			PID:         m.SubscriberPID,
			DeliverFunc: r.deliverTo(st.conn, m.SubscriberPID),
		}
		r.notify.Subscribe(m.Type, value, sub, present, build)
	}
}

// unsubscribeConn removes this connection's standing subscription from
// every ID named in an UNREGISTER message. A connection mints one
// subscriber ID at REGISTER time and reuses it for every subscribed ID,
// so UNREGISTER never needs to know it.
func (r *Runtime) unsubscribeConn(st *clientConnState, m hmtypes.RegisterMsg) {
	if st.subscriberID == "" {
		return
	}
	for _, value := range m.IDs {
		r.notify.Unsubscribe(m.Type, value, st.subscriberID)
	}
}

// deliverTo builds the DeliverFunc a Subscriber uses to get a
// Notification back onto the wire on the connection that registered it.
func (r *Runtime) deliverTo(conn *hmtransport.Conn, subscriberPID uint32) func(n *hmtypes.Notification) error {
	return func(n *hmtypes.Notification) error {
		msg := hmtypes.NotificationMsg{
			Type:     n.Type,
			ProcType: n.ProcType,
			SubsPID:  subscriberPID,
			ID:       n.ID,
			IfID:     n.IfID,
			Addr: hmtypes.AddressInfo{
				AddrType: n.AddrType,
				Addr:     n.Addr,
				Port:     n.Port,
				NodeID:   n.NodeID,
				Group:    n.Group,
				HWIndex:  n.HWIndex,
			},
		}
		conn.Send(hmcodec.EncodeNotification(msg))
		return nil
	}
}

func (r *Runtime) handleHAStatusUpdate(st *clientConnState, payload []byte) {
	if st.node == nil {
		r.protocolViolation(st.conn, fmt.Errorf("HA update before INIT"))
		return
	}
	m, err := hmcodec.DecodeHAStatusUpdate(payload)
	if err != nil {
		r.protocolViolation(st.conn, err)
		return
	}
	st.node.DesiredRole = m.NodeRole

	role, partner, err := r.resolver.Resolve(st.node)
	if err != nil {
		if _, ok := err.(*hmha.ErrColocatedConflict); ok && r.strict {
			r.protocolViolation(st.conn, err)
			return
		}
		r.log.Warnf("HA resolve for node %d: %v", st.node.Index, err)
		return
	}
	if partner != nil {
		hmha.Bind(st.node, partner, role, role.Opposite())
		r.registry.UpdateNodeRole(partner, partner.CurrentRole)
	} else {
		st.node.CurrentRole = role
	}
	r.registry.UpdateNodeRole(st.node, st.node.CurrentRole)
	r.broadcaster.HAUpdate(r.localHWID, st.node.Group, haMaster(st.node, partner), haSlave(st.node, partner))
}

func haMaster(n *hmtypes.Node, partner *hmtypes.Node) uint32 {
	if n.CurrentRole == hmtypes.RoleActive {
		return n.Index
	}
	if partner != nil {
		return partner.Index
	}
	return 0
}

func haSlave(n *hmtypes.Node, partner *hmtypes.Node) uint32 {
	if n.CurrentRole == hmtypes.RolePassive {
		return n.Index
	}
	if partner != nil {
		return partner.Index
	}
	return 0
}

func (r *Runtime) closeClient(conn *hmtransport.Conn, closeErr error) {
	st, ok := r.clientConns[conn]
	if !ok {
		return
	}
	delete(r.clientConns, conn)
	if st.keepalive != nil {
		st.keepalive.Delete()
		delete(r.timerIndex, st.keepalive)
	}
	if st.node != nil {
		_ = r.registry.RemoveNode(st.node)
		r.broadcaster.NodeDown(r.localHWID, st.node.Index, st.node.Group)
	}
}

// protocolViolation closes a client connection that sent something the
// wire format cannot make sense of.
func (r *Runtime) protocolViolation(conn *hmtransport.Conn, err error) {
	r.log.Warnf("protocol violation from %s: %v", conn.RemoteAddr(), err)
	conn.Close()
}
