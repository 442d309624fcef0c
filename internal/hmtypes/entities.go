package hmtypes

import (
	"sync"
	"time"
)

// Location represents one HM instance, local or remote. Index is stable
// and unique cluster-wide. The Location's actual connection state lives
// in the runtime's PeerFSM, tracked per connection rather than on this
// struct -- a Location can briefly have zero or multiple connection
// attempts in flight, which a single embedded state field can't express.
type Location struct {
	mu sync.RWMutex

	Index      uint32
	Local      bool
	Addr       string // peer listen address, "host:port"
	ListenPort uint32

	KeepaliveMissed   uint32
	KeepalivePeriodMS uint32

	// ReplayInProgress is cleared when a REPLAY carrying the `last` flag
	// arrives from this Location. Nothing sets it, and notification
	// emission does not consult it: rows received during replay notify
	// subscribers as they are applied.
	ReplayInProgress bool
	ReplaySentLast   bool
	ReplayRecvLast   bool

	// NumNodes/NumProc are last-seen-from-peer counters carried on the
	// peer KEEPALIVE message, diagnostic only.
	NumNodes uint32
	NumProc  uint32

	// Nodes owned by this Location, keyed by Node.Index. Ownership tree:
	// a Node's ParentLocation must point back here.
	Nodes map[uint32]*Node

	CreatedAt time.Time
}

func NewLocation(index uint32, local bool) *Location {
	return &Location{
		Index:     index,
		Local:     local,
		Nodes:     make(map[uint32]*Node),
		CreatedAt: time.Now(),
	}
}

func (l *Location) Lock()    { l.mu.Lock() }
func (l *Location) Unlock()  { l.mu.Unlock() }
func (l *Location) RLock()   { l.mu.RLock() }
func (l *Location) RUnlock() { l.mu.RUnlock() }

// Node is a monitored worker on some Location. Its connection-level FSM
// state lives in the runtime's NodeFSM, tracked per connection, not here.
type Node struct {
	mu sync.RWMutex

	Index uint32
	Group uint32

	// DesiredRole is what configuration or the client asked for.
	// CurrentRole is what the HA resolver granted.
	DesiredRole Role
	CurrentRole Role

	KeepaliveRequestedMS uint32 // as requested by the client in INIT
	KeepalivePeriodMS    uint32 // as assigned by HM (may be capped)
	KeepaliveMissed      uint32
	HardwareNum          uint32 // echoed in INIT response: owning Location's index

	// ParentLocation is the owning Location (invariant 1). Strong
	// ownership: destroying the Location destroys the Node.
	ParentLocation *Location

	// Partner is a weak reference (looked up by index, never a direct
	// pointer held across mutations) to the HA counterpart in the same
	// group, invariant 3.
	PartnerIndex uint32
	HasPartner   bool

	Processes  map[uint32]*Process  // by pid
	Interfaces map[uint32]*Interface // by interface id

	CreatedAt time.Time
}

func NewNode(index uint32, group uint32, loc *Location) *Node {
	return &Node{
		Index:          index,
		Group:          group,
		ParentLocation: loc,
		Processes:      make(map[uint32]*Process),
		Interfaces:     make(map[uint32]*Interface),
		CreatedAt:      time.Now(),
	}
}

func (n *Node) Lock()    { n.mu.Lock() }
func (n *Node) Unlock()  { n.mu.Unlock() }
func (n *Node) RLock()   { n.mu.RLock() }
func (n *Node) RUnlock() { n.mu.RUnlock() }

// Process is owned by a Node.
type Process struct {
	Pid   uint32
	Type  uint32
	Name  string // <= MaxProcessName chars
	Role  Role
	Running bool

	// PartnerPid is a weak reference to the HA counterpart process, when
	// the owning node has a partner.
	PartnerPid uint32
	HasPartner bool

	// ParentNode is the owning Node (invariant 2): must contain this
	// Process in both its pid-keyed map and, for each of Interfaces, the
	// interface-id-keyed map.
	ParentNode *Node

	Interfaces []*Interface
}

func NewProcess(pid, ptype uint32, name string, node *Node) *Process {
	return &Process{
		Pid:        pid,
		Type:       ptype,
		Name:       name,
		Running:    true,
		ParentNode: node,
	}
}

// Interface is a slave endpoint advertised by a Process.
type Interface struct {
	ID            uint32
	ParentProcess *Process
	ParentNode    *Node
}

// Subscription watches a (type, value) key in the registry.
type Subscription struct {
	mu sync.Mutex

	ID    uint64
	Type  SubscriptionType
	Value uint32

	// Live iff the Subscription is in the active tree with RowKnown set
	// (invariant 5). Never both false/true inconsistently with its tree
	// membership (invariant 4) -- the notification engine is solely
	// responsible for moving a Subscription between trees.
	Live     bool
	RowKnown bool

	Subscribers []Subscriber
}

// Subscriber identifies one registered listener: its pid (for logistics,
// per hmnodeif.h) and the transport it should be notified over.
type Subscriber struct {
	ID          string // stable id, minted with uuid at REGISTER time
	PID         uint32
	DeliverFunc func(n *Notification) error
}

func NewSubscription(id uint64, typ SubscriptionType, value uint32) *Subscription {
	return &Subscription{ID: id, Type: typ, Value: value}
}

func (s *Subscription) Lock()   { s.mu.Lock() }
func (s *Subscription) Unlock() { s.mu.Unlock() }

// Notification is a queued, not-yet-delivered event.
type Notification struct {
	Type    NotificationType
	// SourceType/SourceValue name the row that produced it. The engine
	// does not fill them in and delivery does not consult them.
	SourceType  SubscriptionType
	SourceValue uint32

	ProcType uint32
	SubsPID  uint32
	ID       uint32 // reported entity id (node/process/interface)
	IfID     uint32

	AddrType uint32
	Addr     string
	Port     uint32
	NodeID   uint32
	Group    uint32
	HWIndex  uint32

	Targets []Subscriber
}
