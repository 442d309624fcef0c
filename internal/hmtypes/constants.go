// Package hmtypes holds the entities and wire-level constants shared by
// every other package of the Hardware Manager: locations, nodes,
// processes, interfaces, subscriptions and notifications, plus the
// message-type and role vocabularies from the client and peer protocols.
package hmtypes

// Node roles, both desired (requested by configuration or a client) and
// resolved (current_role, after HA arbitration).
type Role uint32

const (
	RoleNone Role = iota
	RoleActive
	RolePassive
)

func (r Role) String() string {
	switch r {
	case RoleActive:
		return "ACTIVE"
	case RolePassive:
		return "PASSIVE"
	default:
		return "NONE"
	}
}

// Opposite returns the complementary HA role, used when the resolver
// grants one side ACTIVE and must grant the other PASSIVE.
func (r Role) Opposite() Role {
	switch r {
	case RoleActive:
		return RolePassive
	case RolePassive:
		return RoleActive
	default:
		return RoleNone
	}
}

// Client (node -> HM) message types, HM_MSG_TYPE_* in the source.
type ClientMsgType uint32

const (
	ClientMsgInit            ClientMsgType = 1
	ClientMsgKeepalive       ClientMsgType = 2
	ClientMsgProcessCreate   ClientMsgType = 3
	ClientMsgProcessDestroy  ClientMsgType = 4
	ClientMsgRegister        ClientMsgType = 5
	ClientMsgUnregister      ClientMsgType = 6
	ClientMsgHAUpdate        ClientMsgType = 7
	ClientMsgHANotify        ClientMsgType = 8
)

// Peer (HM -> HM) message types, HM_PEER_MSG_TYPE_* in the source.
type PeerMsgType uint32

const (
	PeerMsgInit           PeerMsgType = 4626
	PeerMsgKeepalive      PeerMsgType = 2
	PeerMsgProcessUpdate  PeerMsgType = 3
	PeerMsgNodeUpdate     PeerMsgType = 4
	PeerMsgHAUpdate       PeerMsgType = 5
	PeerMsgReplay         PeerMsgType = 6
)

// Subscription flavours, the REGISTER/UNREGISTER `type` field.
type SubscriptionType uint32

const (
	SubGroup    SubscriptionType = 12
	SubProcess  SubscriptionType = 13
	SubIf       SubscriptionType = 14
	SubLocation SubscriptionType = 15
	SubNode     SubscriptionType = 16
)

func (t SubscriptionType) String() string {
	switch t {
	case SubGroup:
		return "GROUP"
	case SubProcess:
		return "PROC"
	case SubIf:
		return "IF"
	case SubLocation:
		return "LOCATION"
	case SubNode:
		return "NODE"
	default:
		return "UNKNOWN"
	}
}

// Notification types delivered to subscribers, HM_NOTIFICATION_* /
// HM_NOTIFY_TYPE_* in the source.
type NotificationType uint32

const (
	NotifyProcAvailable      NotificationType = 1
	NotifyProcGone           NotificationType = 2
	NotifyNodeUp             NotificationType = 3
	NotifyNodeDown           NotificationType = 4
	NotifyIfPartnerAvailable NotificationType = 5
	NotifyIfPartnerGone      NotificationType = 6
	NotifyLocationActive     NotificationType = 9
	NotifyLocationInactive   NotificationType = 10
)

// Replay TLV update kinds, HM_PEER_REPLAY_UPDATE_TYPE_* in the source.
type ReplayUpdateType uint32

const (
	ReplayUpdateNode ReplayUpdateType = 1
	ReplayUpdateProc ReplayUpdateType = 2
)

// Entity status carried on peer wire updates and replay TLVs.
type EntityStatus uint32

const (
	StatusInactive EntityStatus = 0
	StatusActive   EntityStatus = 1
)

// Table discriminator distinguishing cluster-wide rows from the
// local-only variant of the same table, HM_TABLE_TYPE_* in the source.
// The notification engine does not consult it; subscriptions are keyed
// by SubscriptionType and value.
type TableType uint32

const (
	TableNodes TableType = iota + 1
	TableProcess
	TableIf
	TableLocation
	TableGroup
	TableNodesLocal
	TableProcessLocal
	TableIfLocal
	TableLocationLocal
)

// Defaults from hmdef.h.
const (
	DefaultNodeKickout   = 3
	DefaultPeerKickout   = 3
	DefaultNodeTickMS    = 1000
	DefaultPeerTickMS    = 1000
	DefaultTCPListenPort = 0x8000
	DefaultUDPCommPort   = 0x8001
	DefaultMcastPort     = 0x8002
	DefaultMcastGroup    = 3
	DefaultMcastTickMS   = 2000
	DefaultHASettleMS    = 5000

	PeerTLVsPerReplay = 5
	MaxProcessName    = 24
)
