package hmconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/anshulthakur/hwmanager/internal/hmtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "hm.xml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_ParsesFullConfig(t *testing.T) {
	path := writeConfig(t, `<hwmanager location_index="1" strict="true">
  <client_listen_addr>:32768</client_listen_addr>
  <peer_listen_addr>:32769</peer_listen_addr>
  <multicast>
    <group>239.0.0.1</group>
    <port>32770</port>
    <iface>eth0</iface>
  </multicast>
  <timers>
    <node_kickout_limit>5</node_kickout_limit>
    <peer_kickout_limit>4</peer_kickout_limit>
    <node_tick_ms>1000</node_tick_ms>
    <peer_tick_ms>2000</peer_tick_ms>
  </timers>
  <peers>
    <peer index="2" addr="10.0.0.2" port="32769"/>
    <peer index="3" addr="10.0.0.3" port="32769"/>
  </peers>
  <nodes>
    <node index="10" name="app-a" group="1" role="active"/>
    <node index="11" name="app-b" group="1" role="passive"/>
  </nodes>
  <subscriptions>
    <subscription type="location" id="1"/>
  </subscriptions>
</hwmanager>`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), c.LocationIndex)
	assert.True(t, c.Strict)
	assert.Equal(t, "239.0.0.1", c.MulticastGroup)
	assert.Equal(t, uint32(32770), c.MulticastPort)
	assert.Equal(t, "eth0", c.MulticastIface)
	assert.Equal(t, uint32(5), c.NodeKickoutLimit)
	require.Len(t, c.Peers, 2)
	assert.Equal(t, "10.0.0.2", c.Peers[0].Addr)

	require.Len(t, c.Nodes, 2)
	assert.Equal(t, uint32(10), c.Nodes[0].Index)
	assert.Equal(t, hmtypes.RoleActive, c.Nodes[0].ConfiguredRole())
	assert.Equal(t, hmtypes.RolePassive, c.Nodes[1].ConfiguredRole())

	require.Len(t, c.Subscriptions, 1)
	assert.Equal(t, hmtypes.SubLocation, c.Subscriptions[0].SubscriptionType())
}

func TestLoad_AppliesDefaultsForUnsetTimers(t *testing.T) {
	path := writeConfig(t, `<hwmanager location_index="1">
  <multicast><group>239.0.0.1</group></multicast>
</hwmanager>`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(hmtypes.DefaultNodeKickout), c.NodeKickoutLimit)
	assert.Equal(t, uint32(hmtypes.DefaultPeerKickout), c.PeerKickoutLimit)
	assert.Equal(t, uint32(hmtypes.DefaultNodeTickMS), c.NodeTickMS)
	assert.Equal(t, uint32(hmtypes.DefaultPeerTickMS), c.PeerTickMS)
	assert.Equal(t, uint32(hmtypes.DefaultMcastPort), c.MulticastPort)
	assert.Equal(t, uint32(hmtypes.DefaultMcastTickMS), c.MulticastTickMS)
	assert.Equal(t, uint32(hmtypes.DefaultHASettleMS), c.HASettleMS)
	assert.NotEmpty(t, c.ClientListenAddr)
	assert.NotEmpty(t, c.PeerListenAddr)
}

func TestNodeSeed_ConfiguredRoleDefaultsToNone(t *testing.T) {
	assert.Equal(t, hmtypes.RoleNone, NodeSeed{Role: "bogus"}.ConfiguredRole())
	assert.Equal(t, hmtypes.RoleNone, NodeSeed{}.ConfiguredRole())
}

func TestSubscriptionSeed_TypeDefaultsToNode(t *testing.T) {
	assert.Equal(t, hmtypes.SubNode, SubscriptionSeed{Type: "bogus"}.SubscriptionType())
}

func TestLoad_RejectsMissingMulticastGroup(t *testing.T) {
	path := writeConfig(t, `<hwmanager location_index="1"></hwmanager>`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_RejectsPeerSeedMissingAddr(t *testing.T) {
	path := writeConfig(t, `<hwmanager location_index="1">
  <multicast><group>239.0.0.1</group></multicast>
  <peers><peer index="2" port="32769"/></peers>
</hwmanager>`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.xml"))
	assert.Error(t, err)
}
