package hmruntime

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/anshulthakur/hwmanager/internal/hmcodec"
	"github.com/anshulthakur/hwmanager/internal/hmconfig"
	"github.com/anshulthakur/hwmanager/internal/hmlog"
	"github.com/anshulthakur/hwmanager/internal/hmtransport"
	"github.com/anshulthakur/hwmanager/internal/hmtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// TestMain verifies no reactor or connection goroutine outlives its test,
// the same leak check the source's cluster tests run after every scenario.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startTestRuntime(t *testing.T, locationIndex uint32) (*Runtime, string) {
	t.Helper()
	cfg := &hmconfig.Config{
		LocationIndex:    locationIndex,
		ClientListenAddr: "127.0.0.1:0",
		PeerListenAddr:   "127.0.0.1:0",
		NodeKickoutLimit: 3,
		PeerKickoutLimit: 3,
		NodeTickMS:       50,
		// No multicast is configured here, so nothing refreshes a peer's
		// keepalive; the peer window has to outlast every peer test.
		PeerTickMS: 1000,
	}
	rt := startTestRuntimeCfg(t, cfg)
	return rt, rt.clientListener.Addr().String()
}

func startTestRuntimeCfg(t *testing.T, cfg *hmconfig.Config) *Runtime {
	t.Helper()
	rt, err := New(cfg, hmlog.Noop{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rt.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return rt
}

// rawPeer is a raw TCP client speaking the peer wire protocol directly,
// the same role rawClient plays for the client protocol: it lets a test
// hand-craft frames hmruntime would never construct on its own, like a
// forged loopback echo.
type rawPeer struct {
	conn net.Conn
	buf  []byte
}

func dialRawPeer(t *testing.T, addr string) *rawPeer {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawPeer{conn: conn}
}

func (p *rawPeer) send(frame []byte) { _, _ = p.conn.Write(frame) }

func (p *rawPeer) recvFrame(t *testing.T) []byte {
	t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	tmp := make([]byte, 4096)
	for {
		n, err := p.conn.Read(tmp)
		require.NoError(t, err)
		p.buf = append(p.buf, tmp[:n]...)
		frameLen, ferr := hmcodec.PeekPeerFrameLen(p.buf)
		if ferr != nil {
			continue
		}
		if len(p.buf) < frameLen {
			continue
		}
		frame := p.buf[:frameLen]
		p.buf = p.buf[frameLen:]
		return frame
	}
}

// mcastCapableInterface mirrors hmtransport's own test helper: the
// multicast discovery test needs an interface that actually supports
// multicast, which is not guaranteed in every sandboxed CI network
// namespace.
func mcastCapableInterface() (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		if ifaces[i].Flags&net.FlagMulticast != 0 && ifaces[i].Flags&net.FlagUp != 0 {
			return &ifaces[i], nil
		}
	}
	return nil, net.UnknownNetworkError("no multicast interface")
}

// dialClient opens a raw TCP connection to the runtime's client listener
// and gives the test a frame-at-a-time reader, exercising the real wire
// codec instead of reaching into the runtime's internals.
type rawClient struct {
	conn net.Conn
	buf  []byte
}

func dialClient(t *testing.T, addr string) *rawClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &rawClient{conn: conn}
}

func (c *rawClient) send(frame []byte) {
	_, _ = c.conn.Write(frame)
}

func (c *rawClient) recvFrame(t *testing.T) []byte {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	tmp := make([]byte, 4096)
	for {
		n, err := c.conn.Read(tmp)
		require.NoError(t, err)
		c.buf = append(c.buf, tmp[:n]...)
		frameLen, ferr := hmcodec.PeekClientFrameLen(c.buf)
		if ferr != nil {
			continue
		}
		if len(c.buf) < frameLen {
			continue
		}
		frame := c.buf[:frameLen]
		c.buf = c.buf[frameLen:]
		return frame
	}
}

func TestClientLifecycle_InitKeepaliveAndSubscribeBeforeBirth(t *testing.T) {
	rt, addr := startTestRuntime(t, 1)

	// Subscriber connects and registers interest in a node that does not
	// exist yet.
	watcher := dialClient(t, addr)
	watcher.send(hmcodec.EncodeNodeInit(hmtypes.NodeInitMsg{Index: 900, ServiceGroupIndex: 1, KeepalivePeriod: 1000}))
	_ = watcher.recvFrame(t) // INIT response

	watcher.send(hmcodec.EncodeRegister(true, hmtypes.RegisterMsg{
		SubscriberPID: 900,
		Type:          hmtypes.SubNode,
		IDs:           []uint32{42},
	}))

	// A second connection brings node 42 to life.
	node := dialClient(t, addr)
	node.send(hmcodec.EncodeNodeInit(hmtypes.NodeInitMsg{Index: 42, ServiceGroupIndex: 1, KeepalivePeriod: 1000}))
	initResp := node.recvFrame(t)
	decoded, err := hmcodec.DecodeNodeInit(initResp)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), decoded.Index)

	notifyFrame := watcher.recvFrame(t)
	notify, err := hmcodec.DecodeNotification(notifyFrame)
	require.NoError(t, err)
	assert.Equal(t, hmtypes.NotifyNodeUp, notify.Type)
	assert.Equal(t, uint32(42), notify.Addr.NodeID)

	node.send(hmcodec.EncodeKeepalive(hmtypes.ClientHeader{}))
	keepaliveResp := node.recvFrame(t)
	hdr, err := hmcodec.DecodeClientHeader(keepaliveResp)
	require.NoError(t, err)
	assert.Equal(t, hmtypes.ClientMsgKeepalive, hdr.MsgType)

	_, ok := rt.registry.Node(42)
	assert.True(t, ok)
}

func TestClientKickout_MissedKeepalivesEmitNodeDown(t *testing.T) {
	rt, addr := startTestRuntime(t, 1)

	watcher := dialClient(t, addr)
	watcher.send(hmcodec.EncodeNodeInit(hmtypes.NodeInitMsg{Index: 901, ServiceGroupIndex: 1}))
	_ = watcher.recvFrame(t)
	watcher.send(hmcodec.EncodeRegister(true, hmtypes.RegisterMsg{SubscriberPID: 901, Type: hmtypes.SubNode, IDs: []uint32{7}}))

	// Shorten the node timers only after the watcher is accepted, so the
	// silent watcher keeps the 3 x 50ms window and outlives node 7's
	// 2 x 30ms one.
	rt.cfg.NodeKickoutLimit = 2
	rt.cfg.NodeTickMS = 30

	node := dialClient(t, addr)
	node.send(hmcodec.EncodeNodeInit(hmtypes.NodeInitMsg{Index: 7, ServiceGroupIndex: 1}))
	_ = node.recvFrame(t)
	_ = watcher.recvFrame(t) // node-up notification

	// Stop sending keepalives; the node's timer kicks it out on its own.
	downFrame := watcher.recvFrame(t)
	notify, err := hmcodec.DecodeNotification(downFrame)
	require.NoError(t, err)
	assert.Equal(t, hmtypes.NotifyNodeDown, notify.Type)
	assert.Equal(t, uint32(7), notify.Addr.NodeID)

	_, ok := rt.registry.Node(7)
	assert.False(t, ok)
}

// TestHAStatusUpdate_ColocatedNodesAreRefused exercises the resolver's
// refusal path (hmha.ErrColocatedConflict) through the full client wire
// protocol: two Nodes sharing a service group under the *same* HM
// instance can never be a valid HA pair, since real deployments put the
// two halves under separate HMs and replicate the pairing over gossip.
func TestHAStatusUpdate_ColocatedNodesAreRefused(t *testing.T) {
	rt, addr := startTestRuntime(t, 1)

	a := dialClient(t, addr)
	a.send(hmcodec.EncodeNodeInit(hmtypes.NodeInitMsg{Index: 50, ServiceGroupIndex: 5}))
	_ = a.recvFrame(t)

	b := dialClient(t, addr)
	b.send(hmcodec.EncodeNodeInit(hmtypes.NodeInitMsg{Index: 51, ServiceGroupIndex: 5}))
	_ = b.recvFrame(t)

	a.send(hmcodec.EncodeHAStatusUpdate(hmtypes.HAStatusUpdateMsg{NodeRole: hmtypes.RoleActive}))
	time.Sleep(50 * time.Millisecond)

	na, _ := rt.registry.Node(50)
	nb, _ := rt.registry.Node(51)
	require.NotNil(t, na)
	require.NotNil(t, nb)
	assert.Equal(t, hmtypes.RoleNone, na.CurrentRole, "a co-located conflict must not silently grant a role")
	assert.Equal(t, hmtypes.RoleNone, nb.CurrentRole)

	// Non-strict mode (the default here) keeps the connection open rather
	// than tearing it down over a configuration error.
	a.send(hmcodec.EncodeKeepalive(hmtypes.ClientHeader{}))
	resp := a.recvFrame(t)
	hdr, err := hmcodec.DecodeClientHeader(resp)
	require.NoError(t, err)
	assert.Equal(t, hmtypes.ClientMsgKeepalive, hdr.MsgType)
}

// TestHAStatusUpdate_CrossLocationPairingReplicatesOppositeRoles drives
// two Runtimes wired as peers: a Node on each side joins the same
// service group, and the resolver on the side that completes the pair
// grants opposite roles, which its HAUpdate gossip then replicates to
// the other Location's registry.
func TestHAStatusUpdate_CrossLocationPairingReplicatesOppositeRoles(t *testing.T) {
	rt1, addr1 := startTestRuntime(t, 1)
	rt2, addr2 := startTestRuntime(t, 2)

	peerConn, err := dialPeer(t, rt2, addr1)
	require.NoError(t, err)
	defer peerConn.Close()
	time.Sleep(100 * time.Millisecond)

	a := dialClient(t, addr1)
	a.send(hmcodec.EncodeNodeInit(hmtypes.NodeInitMsg{Index: 60, ServiceGroupIndex: 9}))
	_ = a.recvFrame(t)
	time.Sleep(50 * time.Millisecond)

	b := dialClient(t, addr2)
	b.send(hmcodec.EncodeNodeInit(hmtypes.NodeInitMsg{Index: 61, ServiceGroupIndex: 9}))
	_ = b.recvFrame(t)
	time.Sleep(50 * time.Millisecond)

	a.send(hmcodec.EncodeHAStatusUpdate(hmtypes.HAStatusUpdateMsg{NodeRole: hmtypes.RoleActive}))
	time.Sleep(100 * time.Millisecond)

	n1, ok1 := rt1.registry.Node(60)
	n2, ok2 := rt1.registry.Node(61)
	require.True(t, ok1)
	require.True(t, ok2, "node 61 must have replicated into rt1's registry over gossip")
	assert.NotEqual(t, n1.CurrentRole, n2.CurrentRole)

	remote, ok := rt2.registry.Node(60)
	require.True(t, ok, "node 60 must have replicated into rt2's registry over gossip")
	assert.Equal(t, n1.CurrentRole, remote.CurrentRole, "the HA update must replicate to the peer Location")
}

// dialPeer opens an outbound peer connection from rt to addr the same
// way Runtime.New seeds configured peers, and injects the synthetic
// accept event the reactor needs to start driving it.
func dialPeer(t *testing.T, rt *Runtime, addr string) (*hmtransport.Conn, error) {
	t.Helper()
	conn, err := hmtransport.Dial(addr, hmcodec.PeekPeerFrameLen, rt.peerEvents, hmlog.Noop{})
	if err != nil {
		return nil, err
	}
	rt.peerEvents <- hmtransport.Event{Conn: conn, Kind: hmtransport.EventAccept}
	return conn, nil
}

// TestPeerFailure_RemovesRemoteLocationAndItsNodes drives the cascade a
// dropped peer connection must trigger: once the socket between two
// Locations closes, the side that detects it must tear the failed
// Location, and every Node it hosted, out of its own registry rather
// than leaving stale rows behind.
func TestPeerFailure_RemovesRemoteLocationAndItsNodes(t *testing.T) {
	rt1, addr1 := startTestRuntime(t, 1)
	_, addr2 := startTestRuntime(t, 2)

	peerConn, err := dialPeer(t, rt1, addr2)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	b := dialClient(t, addr2)
	b.send(hmcodec.EncodeNodeInit(hmtypes.NodeInitMsg{Index: 70, ServiceGroupIndex: 1}))
	_ = b.recvFrame(t)
	time.Sleep(100 * time.Millisecond)

	_, ok := rt1.registry.Node(70)
	require.True(t, ok, "node 70 must have replicated into rt1's registry before the peer is dropped")
	_, ok = rt1.registry.Location(2)
	require.True(t, ok)

	require.NoError(t, peerConn.Close())
	time.Sleep(150 * time.Millisecond)

	_, ok = rt1.registry.Location(2)
	assert.False(t, ok, "a failed peer connection must remove the remote Location from the registry")
	_, ok = rt1.registry.Node(70)
	assert.False(t, ok, "removing a failed Location must cascade to every Node it hosted")
}

// TestMulticastDiscovery_TickConnectsUndeclaredPeers wires two Runtimes
// with no static peers at all, relying entirely on the multicast
// discovery tick to find each other and open a peer connection.
func TestMulticastDiscovery_TickConnectsUndeclaredPeers(t *testing.T) {
	iface, err := mcastCapableInterface()
	if err != nil {
		t.Skipf("no multicast-capable interface available: %v", err)
	}

	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	port := uint32(probe.LocalAddr().(*net.UDPAddr).Port)
	require.NoError(t, probe.Close())

	base := hmconfig.Config{
		ClientListenAddr: "127.0.0.1:0",
		PeerListenAddr:   "127.0.0.1:0",
		NodeKickoutLimit: 3,
		PeerKickoutLimit: 3,
		NodeTickMS:       1000,
		PeerTickMS:       1000,
		MulticastGroup:   "239.7.7.7",
		MulticastPort:    port,
		MulticastIface:   iface.Name,
		MulticastTickMS:  20,
		HASettleMS:       5000,
	}

	cfg1 := base
	cfg1.LocationIndex = 11
	rt1 := startTestRuntimeCfg(t, &cfg1)

	cfg2 := base
	cfg2.LocationIndex = 12
	rt2 := startTestRuntimeCfg(t, &cfg2)

	time.Sleep(400 * time.Millisecond)

	_, ok1 := rt1.peersByHWID[12]
	_, ok2 := rt2.peersByHWID[11]
	assert.True(t, ok1, "rt1 must have discovered and connected to rt2 via multicast")
	assert.True(t, ok2, "rt2 must have discovered and connected to rt1 via multicast")
}

// TestHASettle_PromotesConfiguredNodeWithoutClusterUpdate checks the
// one-shot settle timer: a locally configured node whose role nothing in
// the cluster ever asserted must still end up in its configured role
// once the settle window closes.
func TestHASettle_PromotesConfiguredNodeWithoutClusterUpdate(t *testing.T) {
	cfg := &hmconfig.Config{
		LocationIndex:    20,
		ClientListenAddr: "127.0.0.1:0",
		PeerListenAddr:   "127.0.0.1:0",
		NodeKickoutLimit: 3,
		PeerKickoutLimit: 3,
		NodeTickMS:       1000,
		PeerTickMS:       1000,
		HASettleMS:       20,
		Nodes: []hmconfig.NodeSeed{
			{Index: 80, Group: 4, Role: "active"},
		},
	}
	rt := startTestRuntimeCfg(t, cfg)

	time.Sleep(100 * time.Millisecond)

	n, ok := rt.registry.Node(80)
	require.True(t, ok)
	assert.Equal(t, hmtypes.RoleActive, n.CurrentRole, "a solo configured node must be promoted from its desired role once the settle window closes")
}

// TestHASettle_LeavesLonePassiveNodeAtNone mirrors hmha.c's own refusal:
// a configured passive node with no active partner has nothing to fail
// over to, so the settle pass must leave it alone rather than guess.
func TestHASettle_LeavesLonePassiveNodeAtNone(t *testing.T) {
	cfg := &hmconfig.Config{
		LocationIndex:    21,
		ClientListenAddr: "127.0.0.1:0",
		PeerListenAddr:   "127.0.0.1:0",
		NodeKickoutLimit: 3,
		PeerKickoutLimit: 3,
		NodeTickMS:       1000,
		PeerTickMS:       1000,
		HASettleMS:       20,
		Nodes: []hmconfig.NodeSeed{
			{Index: 81, Group: 5, Role: "passive"},
		},
	}
	rt := startTestRuntimeCfg(t, cfg)

	time.Sleep(100 * time.Millisecond)

	n, ok := rt.registry.Node(81)
	require.True(t, ok)
	assert.Equal(t, hmtypes.RoleNone, n.CurrentRole, "a lone passive node must not be promoted without an active partner")
}

// TestPeerNodeUpdate_IgnoresLoopbackOrigin drives a hand-crafted peer
// frame whose origin hw_id matches the receiving Runtime's own identity,
// the shape a multi-hop relay produces when an update returns to its
// source: it must be dropped rather than re-applied to the local
// registry.
func TestPeerNodeUpdate_IgnoresLoopbackOrigin(t *testing.T) {
	rt, _ := startTestRuntime(t, 40)
	addr := rt.peerListener.Addr().String()

	remote := dialRawPeer(t, addr)
	_ = remote.recvFrame(t) // rt's own spontaneous Init on accept

	remote.send(hmcodec.EncodePeerInit(hmtypes.PeerInitMsg{Hdr: hmtypes.PeerHeader{HWID: 41}, Request: 1}))
	_ = remote.recvFrame(t) // rt's Init response
	_ = remote.recvFrame(t) // rt's replay terminator (no local nodes yet)

	remote.send(hmcodec.EncodePeerNodeUpdate(hmtypes.PeerNodeUpdateMsg{
		Hdr:       hmtypes.PeerHeader{HWID: 40}, // rt's own hw_id: a loopback echo
		Status:    hmtypes.StatusActive,
		NodeID:    99,
		NodeGroup: 1,
		NodeRole:  hmtypes.RoleActive,
	}))
	time.Sleep(100 * time.Millisecond)

	_, ok := rt.registry.Node(99)
	assert.False(t, ok, "a peer update whose origin hw_id matches our own must be dropped as a loopback echo")
}
