// Package hmconfig parses the HM's startup configuration file: the
// local Location's listen addresses, the multicast discovery group,
// timer periods, and the set of peer Locations to seed at startup.
//
// The configuration format is XML, following the source's config
// schema; no XML-handling library appears anywhere in the example
// corpus this implementation is grounded on, so this one package uses
// the standard library's encoding/xml rather than reaching for an
// out-of-corpus dependency.
package hmconfig

import (
	"encoding/xml"
	"fmt"
	"os"

	"github.com/anshulthakur/hwmanager/internal/hmtypes"
)

// PeerSeed is one statically-configured peer Location to dial at
// startup, before multicast discovery has a chance to find it.
type PeerSeed struct {
	XMLName xml.Name `xml:"peer"`
	Index   uint32   `xml:"index,attr"`
	Addr    string   `xml:"addr,attr"`
	Port    uint32   `xml:"port,attr"`
}

// NodeSeed is one entry of the <nodes> config tree: the configured role
// a locally-hosted Node should be promoted to if cluster HA updates
// never set one, read by the HA settle timer once at startup.
type NodeSeed struct {
	XMLName xml.Name `xml:"node"`
	Index   uint32   `xml:"index,attr"`
	Name    string   `xml:"name,attr"`
	Group   uint32   `xml:"group,attr"`
	Role    string   `xml:"role,attr"`
}

// ConfiguredRole maps the node's role attribute onto hmtypes.Role,
// defaulting an empty or unrecognized value to RoleNone (no promotion).
func (n NodeSeed) ConfiguredRole() hmtypes.Role {
	switch n.Role {
	case "active":
		return hmtypes.RoleActive
	case "passive":
		return hmtypes.RolePassive
	default:
		return hmtypes.RoleNone
	}
}

// SubscriptionSeed is one entry of the <subscriptions> config tree: a
// standing interest the HM itself registers at startup, independent of
// any client REGISTER, so cluster events reach the log even before the
// first client connects.
type SubscriptionSeed struct {
	XMLName xml.Name `xml:"subscription"`
	Type    string   `xml:"type,attr"`
	ID      uint32   `xml:"id,attr"`
}

// SubscriptionType maps the subscription's type attribute onto
// hmtypes.SubscriptionType.
func (s SubscriptionSeed) SubscriptionType() hmtypes.SubscriptionType {
	switch s.Type {
	case "group":
		return hmtypes.SubGroup
	case "process":
		return hmtypes.SubProcess
	case "interface":
		return hmtypes.SubIf
	case "location":
		return hmtypes.SubLocation
	default:
		return hmtypes.SubNode
	}
}

// Config is the root element of the HM configuration file.
type Config struct {
	XMLName xml.Name `xml:"hwmanager"`

	LocationIndex uint32 `xml:"location_index,attr"`

	ClientListenAddr string `xml:"client_listen_addr"`
	PeerListenAddr   string `xml:"peer_listen_addr"`

	MulticastGroup string `xml:"multicast>group"`
	MulticastPort  uint32 `xml:"multicast>port"`
	MulticastIface string `xml:"multicast>iface"`

	NodeKickoutLimit uint32 `xml:"timers>node_kickout_limit"`
	PeerKickoutLimit uint32 `xml:"timers>peer_kickout_limit"`
	NodeTickMS       uint32 `xml:"timers>node_tick_ms"`
	PeerTickMS       uint32 `xml:"timers>peer_tick_ms"`
	MulticastTickMS  uint32 `xml:"timers>mcast_tick_ms"`
	HASettleMS       uint32 `xml:"timers>ha_settle_ms"`

	Peers         []PeerSeed         `xml:"peers>peer"`
	Nodes         []NodeSeed         `xml:"nodes>node"`
	Subscriptions []SubscriptionSeed `xml:"subscriptions>subscription"`

	Strict bool `xml:"strict,attr"`
}

// applyDefaults fills any zero-valued field left unset in the file with
// the same constants the source ships in hmdef.h.
func (c *Config) applyDefaults() {
	if c.NodeKickoutLimit == 0 {
		c.NodeKickoutLimit = hmtypes.DefaultNodeKickout
	}
	if c.PeerKickoutLimit == 0 {
		c.PeerKickoutLimit = hmtypes.DefaultPeerKickout
	}
	if c.NodeTickMS == 0 {
		c.NodeTickMS = hmtypes.DefaultNodeTickMS
	}
	if c.PeerTickMS == 0 {
		c.PeerTickMS = hmtypes.DefaultPeerTickMS
	}
	if c.MulticastTickMS == 0 {
		c.MulticastTickMS = hmtypes.DefaultMcastTickMS
	}
	if c.HASettleMS == 0 {
		c.HASettleMS = hmtypes.DefaultHASettleMS
	}
	if c.MulticastPort == 0 {
		c.MulticastPort = hmtypes.DefaultMcastPort
	}
	if c.ClientListenAddr == "" {
		c.ClientListenAddr = fmt.Sprintf(":%d", hmtypes.DefaultTCPListenPort)
	}
	if c.PeerListenAddr == "" {
		c.PeerListenAddr = fmt.Sprintf(":%d", hmtypes.DefaultUDPCommPort)
	}
}

func (c *Config) validate() error {
	if c.MulticastGroup == "" {
		return fmt.Errorf("hmconfig: multicast group address is required")
	}
	for _, p := range c.Peers {
		if p.Addr == "" {
			return fmt.Errorf("hmconfig: peer %d missing addr", p.Index)
		}
	}
	return nil
}

// Load reads and parses a configuration file from path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("hmconfig: %w", err)
	}
	defer f.Close()

	var c Config
	if err := xml.NewDecoder(f).Decode(&c); err != nil {
		return nil, fmt.Errorf("hmconfig: parsing %s: %w", path, err)
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
