// Package hmruntime wires the transport, timer, registry, notification,
// FSM, HA and gossip packages into a single-goroutine reactor: one loop
// drains accept/data/close events, timer expiries and
// multicast datagrams, and every registry mutation and FSM transition
// happens only from that loop. No locks guard registry or subscription
// state because nothing else ever touches it concurrently.
package hmruntime

import (
	"context"
	"fmt"
	"net"

	"github.com/anshulthakur/hwmanager/internal/hmcodec"
	"github.com/anshulthakur/hwmanager/internal/hmconfig"
	"github.com/anshulthakur/hwmanager/internal/hmfsm"
	"github.com/anshulthakur/hwmanager/internal/hmgossip"
	"github.com/anshulthakur/hwmanager/internal/hmha"
	"github.com/anshulthakur/hwmanager/internal/hmlog"
	"github.com/anshulthakur/hwmanager/internal/hmnotify"
	"github.com/anshulthakur/hwmanager/internal/hmregistry"
	"github.com/anshulthakur/hwmanager/internal/hmtimer"
	"github.com/anshulthakur/hwmanager/internal/hmtransport"
	"github.com/anshulthakur/hwmanager/internal/hmtypes"
)

// clientConnState is everything the reactor tracks per client (node)
// connection, from accept to the Node row it eventually owns.
type clientConnState struct {
	conn         *hmtransport.Conn
	fsm          *hmfsm.NodeFSM
	keepalive    *hmtimer.Handle
	node         *hmtypes.Node
	subscriberID string
}

// peerConnState is the same bookkeeping for one HM<->HM connection.
type peerConnState struct {
	conn      *hmtransport.Conn
	fsm       *hmfsm.PeerFSM
	keepalive *hmtimer.Handle
	hwid      uint32
	location  *hmtypes.Location
}

func (p *peerConnState) Send(frame []byte) { p.conn.Send(frame) }
func (p *peerConnState) HWID() uint32      { return p.hwid }

// mcastTickOwner and haSettleOwner are zero-size markers so
// handleTimerExpiry's owner-type switch can recognize the two
// process-wide timers without giving them a *clientConnState or
// *peerConnState to masquerade as.
type mcastTickOwner struct{}
type haSettleOwner struct{}

// Runtime owns every subsystem and runs the reactor loop.
type Runtime struct {
	log    hmlog.Logger
	cfg    *hmconfig.Config
	strict bool

	registry    *hmregistry.Registry
	notify      *hmnotify.Engine
	timers      *hmtimer.Service
	broadcaster *hmgossip.Broadcaster
	resolver    *hmha.Resolver

	clientListener *hmtransport.Listener
	peerListener   *hmtransport.Listener
	mcastRx        *hmtransport.McastReceiver
	mcastTx        *hmtransport.McastSender
	mcastTick      *hmtimer.Handle
	haSettle       *hmtimer.Handle

	clientEvents chan hmtransport.Event
	peerEvents   chan hmtransport.Event
	mcastEvents  chan hmtransport.McastEvent
	timerEvents  chan hmtimer.Expiry

	clientConns map[*hmtransport.Conn]*clientConnState
	peerConns   map[*hmtransport.Conn]*peerConnState
	peersByHWID map[uint32]*peerConnState

	// timerIndex maps an armed Handle back to whichever conn state owns
	// it, since Expiry carries an Owner tag but the reactor finds it
	// simpler to look the state up directly than to thread IDs through.
	timerIndex map[*hmtimer.Handle]interface{}

	localHWID uint32
}

// New builds a Runtime from a parsed configuration, starting the
// client listener, the peer listener and (if configured) the multicast
// discovery receiver. The reactor itself does not run until Run is
// called.
func New(cfg *hmconfig.Config, log hmlog.Logger) (*Runtime, error) {
	r := &Runtime{
		log:          log,
		cfg:          cfg,
		strict:       cfg.Strict,
		notify:       hmnotify.NewEngine(log),
		clientEvents: make(chan hmtransport.Event, 256),
		peerEvents:   make(chan hmtransport.Event, 256),
		mcastEvents:  make(chan hmtransport.McastEvent, 64),
		timerEvents:  make(chan hmtimer.Expiry, 256),
		clientConns:  make(map[*hmtransport.Conn]*clientConnState),
		peerConns:    make(map[*hmtransport.Conn]*peerConnState),
		peersByHWID:  make(map[uint32]*peerConnState),
		timerIndex:   make(map[*hmtimer.Handle]interface{}),
		localHWID:    cfg.LocationIndex,
	}
	r.registry = hmregistry.NewRegistry(r.notify, log)
	r.timers = hmtimer.NewService(r.timerEvents)
	r.broadcaster = hmgossip.NewBroadcaster(r.localHWID, r.peers)
	r.resolver = hmha.NewResolver(r.localHWID, r.registry.NodesInGroup, log)

	local := hmtypes.NewLocation(cfg.LocationIndex, true)
	if err := r.registry.AddLocation(local); err != nil {
		return nil, fmt.Errorf("hmruntime: %w", err)
	}

	// haSettle fires once: give the cluster a window to gossip in any
	// role another Location already knows about before this HM falls
	// back to promoting its configured nodes unilaterally.
	r.haSettle = r.timers.Create(cfg.HASettleMS, false, hmtimer.Owner{Kind: hmtimer.OwnerHA, ID: r.localHWID})
	r.timerIndex[r.haSettle] = haSettleOwner{}
	r.haSettle.Start()

	clientLn, err := hmtransport.Listen(cfg.ClientListenAddr, hmcodec.PeekClientFrameLen, r.clientEvents, log)
	if err != nil {
		return nil, fmt.Errorf("hmruntime: client listen: %w", err)
	}
	r.clientListener = clientLn

	peerLn, err := hmtransport.Listen(cfg.PeerListenAddr, hmcodec.PeekPeerFrameLen, r.peerEvents, log)
	if err != nil {
		clientLn.Close()
		return nil, fmt.Errorf("hmruntime: peer listen: %w", err)
	}
	r.peerListener = peerLn

	// local.ListenPort is what this HM advertises in its own multicast
	// discovery tick (sendMcastTick) for a peer to dial back -- it must
	// be the peer TCP listener's actual port, not the multicast port
	// itself, or a discovering Location would try to open a TCP
	// connection against the UDP multicast port.
	if tcpAddr, ok := peerLn.Addr().(*net.TCPAddr); ok {
		local.ListenPort = uint32(tcpAddr.Port)
	}

	if cfg.MulticastGroup != "" {
		group := net.ParseIP(cfg.MulticastGroup)
		if group == nil {
			return nil, fmt.Errorf("hmruntime: invalid multicast group %q", cfg.MulticastGroup)
		}
		var iface *net.Interface
		if cfg.MulticastIface != "" {
			iface, err = net.InterfaceByName(cfg.MulticastIface)
			if err != nil {
				return nil, fmt.Errorf("hmruntime: %w", err)
			}
		}
		rx, err := hmtransport.ListenMulticast(group, int(cfg.MulticastPort), iface, r.mcastEvents, log)
		if err != nil {
			return nil, fmt.Errorf("hmruntime: multicast listen: %w", err)
		}
		r.mcastRx = rx
		tx, err := hmtransport.NewMcastSender(group, int(cfg.MulticastPort))
		if err != nil {
			return nil, fmt.Errorf("hmruntime: multicast send: %w", err)
		}
		r.mcastTx = tx

		r.mcastTick = r.timers.Create(cfg.MulticastTickMS, true, hmtimer.Owner{Kind: hmtimer.OwnerMcast})
		r.timerIndex[r.mcastTick] = mcastTickOwner{}
		r.mcastTick.Start()
	}

	for _, seed := range cfg.Peers {
		addr := fmt.Sprintf("%s:%d", seed.Addr, seed.Port)
		conn, err := hmtransport.Dial(addr, hmcodec.PeekPeerFrameLen, r.peerEvents, log)
		if err != nil {
			log.Warnf("could not dial configured peer %d at %s: %v", seed.Index, addr, err)
			continue
		}
		r.peerEvents <- hmtransport.Event{Conn: conn, Kind: hmtransport.EventAccept}
	}

	for _, seed := range cfg.Nodes {
		n := hmtypes.NewNode(seed.Index, seed.Group, local)
		n.DesiredRole = seed.ConfiguredRole()
		if err := r.registry.AddNode(n); err != nil {
			log.Warnf("could not register configured node %d: %v", seed.Index, err)
		}
	}

	for _, seed := range cfg.Subscriptions {
		subType := seed.SubscriptionType()
		present, build := r.registry.LookupForSubscribe(subType, seed.ID)
		sub := hmtypes.Subscriber{
			ID:          fmt.Sprintf("config:%s:%d", seed.Type, seed.ID),
			DeliverFunc: logSubscriber(log, subType, seed.ID),
		}
		r.notify.Subscribe(subType, seed.ID, sub, present, build)
	}

	return r, nil
}

// logSubscriber gives a config-seeded subscription somewhere to deliver
// to even though no client connection registered it: every notification
// it would otherwise have carried over the wire lands in the log
// instead, so cluster events are observable from startup on.
func logSubscriber(log hmlog.Logger, subType hmtypes.SubscriptionType, id uint32) func(*hmtypes.Notification) error {
	return func(n *hmtypes.Notification) error {
		log.Infof("config subscription %s/%d: notification type=%d proc_type=%d node=%d group=%d",
			subType, id, n.Type, n.ProcType, n.NodeID, n.Group)
		return nil
	}
}

// peers returns every currently ACTIVE peer connection, for hmgossip's
// fan-out.
func (r *Runtime) peers() []hmgossip.Peer {
	out := make([]hmgossip.Peer, 0, len(r.peersByHWID))
	for _, p := range r.peersByHWID {
		if p.fsm.State == hmfsm.PeerActive {
			out = append(out, p)
		}
	}
	return out
}

// Run drains events until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	r.log.Infof("hardware manager reactor started, location=%d", r.localHWID)
	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return ctx.Err()
		case ev := <-r.clientEvents:
			r.handleClientEvent(ev)
		case ev := <-r.peerEvents:
			r.handlePeerEvent(ev)
		case mev := <-r.mcastEvents:
			r.handleMcastEvent(mev)
		case exp := <-r.timerEvents:
			r.handleTimerExpiry(exp)
		}
		r.flushNotifications()
	}
}

func (r *Runtime) flushNotifications() {
	for _, n := range r.notify.Drain() {
		hmnotify.Deliver(n, r.log)
	}
}

func (r *Runtime) shutdown() {
	r.clientListener.Close()
	r.peerListener.Close()
	if r.mcastRx != nil {
		r.mcastRx.Close()
	}
	if r.mcastTx != nil {
		r.mcastTx.Close()
	}
	if r.mcastTick != nil {
		r.mcastTick.Delete()
	}
	if r.haSettle != nil {
		r.haSettle.Delete()
	}
	for _, st := range r.clientConns {
		st.conn.Close()
	}
	for _, st := range r.peerConns {
		st.conn.Close()
	}
}
