// Package hmregistry implements the cluster-wide Global Registry:
// indexed in-memory tables for locations, nodes, processes and
// interfaces, plus the secondary group index used by the HA resolver.
// Every mutating method assumes it runs on the single reactor
// goroutine: no table here is guarded by a mutex, by design, matching
// the source's lock-free AVL trees.
package hmregistry

import (
	"fmt"

	"github.com/anshulthakur/hwmanager/internal/hmlog"
	"github.com/anshulthakur/hwmanager/internal/hmmetrics"
	"github.com/anshulthakur/hwmanager/internal/hmnotify"
	"github.com/anshulthakur/hwmanager/internal/hmtypes"
)

// Registry owns the authoritative tables keyed by stable id and drives
// the notification engine's activate/deactivate fan-out on every
// mutation.
type Registry struct {
	log    hmlog.Logger
	engine *hmnotify.Engine

	locations map[uint32]*hmtypes.Location
	nodes     map[uint32]*hmtypes.Node
	// processesByPid enforces exactly one Process row per pid.
	processesByPid map[uint32]*hmtypes.Process
	// interfaces is cluster-unique by id.
	interfaces map[uint32]*hmtypes.Interface
	groups     map[uint32]map[uint32]bool // group -> set of node index
}

func NewRegistry(engine *hmnotify.Engine, log hmlog.Logger) *Registry {
	return &Registry{
		log:            log,
		engine:         engine,
		locations:      make(map[uint32]*hmtypes.Location),
		nodes:          make(map[uint32]*hmtypes.Node),
		processesByPid: make(map[uint32]*hmtypes.Process),
		interfaces:     make(map[uint32]*hmtypes.Interface),
		groups:         make(map[uint32]map[uint32]bool),
	}
}

// --- Locations ---

func (r *Registry) AddLocation(loc *hmtypes.Location) error {
	if _, exists := r.locations[loc.Index]; exists {
		return fmt.Errorf("hmregistry: location %d already exists", loc.Index)
	}
	r.locations[loc.Index] = loc
	hmmetrics.RegistryOps.WithLabelValues("location", "add").Inc()
	r.refreshGauge()

	r.engine.Activate(hmtypes.SubLocation, loc.Index, func() *hmtypes.Notification {
		return &hmtypes.Notification{Type: hmtypes.NotifyLocationActive, ID: loc.Index}
	})
	return nil
}

func (r *Registry) Location(index uint32) (*hmtypes.Location, bool) {
	l, ok := r.locations[index]
	return l, ok
}

func (r *Registry) Locations() []*hmtypes.Location {
	out := make([]*hmtypes.Location, 0, len(r.locations))
	for _, l := range r.locations {
		out = append(out, l)
	}
	return out
}

// RemoveLocation destroys a Location and, by ownership (invariant 1),
// every Node it owns -- which in turn destroys their Processes and
// Interfaces, each step generating its own DOWN/GONE notifications.
func (r *Registry) RemoveLocation(loc *hmtypes.Location) error {
	if _, exists := r.locations[loc.Index]; !exists {
		return fmt.Errorf("hmregistry: location %d not found", loc.Index)
	}
	for _, n := range loc.Nodes {
		_ = r.RemoveNode(n)
	}
	delete(r.locations, loc.Index)
	hmmetrics.RegistryOps.WithLabelValues("location", "remove").Inc()
	r.refreshGauge()

	r.engine.Deactivate(hmtypes.SubLocation, loc.Index, func() *hmtypes.Notification {
		return &hmtypes.Notification{Type: hmtypes.NotifyLocationInactive, ID: loc.Index}
	})
	return nil
}

// --- Nodes ---

func (r *Registry) AddNode(n *hmtypes.Node) error {
	if _, exists := r.nodes[n.Index]; exists {
		return fmt.Errorf("hmregistry: node %d already exists", n.Index)
	}
	if n.ParentLocation == nil {
		return fmt.Errorf("hmregistry: node %d has no parent location", n.Index)
	}
	r.nodes[n.Index] = n
	n.ParentLocation.Nodes[n.Index] = n
	if r.groups[n.Group] == nil {
		r.groups[n.Group] = make(map[uint32]bool)
	}
	r.groups[n.Group][n.Index] = true
	hmmetrics.RegistryOps.WithLabelValues("node", "add").Inc()
	r.refreshGauge()

	buildNodeUp := func() *hmtypes.Notification {
		return &hmtypes.Notification{
			Type:    hmtypes.NotifyNodeUp,
			ID:      n.Index,
			NodeID:  n.Index,
			Group:   n.Group,
			HWIndex: n.ParentLocation.Index,
		}
	}
	r.engine.Activate(hmtypes.SubNode, n.Index, buildNodeUp)
	r.engine.Activate(hmtypes.SubGroup, n.Group, buildNodeUp)
	return nil
}

func (r *Registry) Node(index uint32) (*hmtypes.Node, bool) {
	n, ok := r.nodes[index]
	return n, ok
}

// NodesInGroup returns every Node belonging to group g, for the HA
// resolver's scan.
func (r *Registry) NodesInGroup(g uint32) []*hmtypes.Node {
	set := r.groups[g]
	out := make([]*hmtypes.Node, 0, len(set))
	for idx := range set {
		if n, ok := r.nodes[idx]; ok {
			out = append(out, n)
		}
	}
	return out
}

// RemoveNode destroys a Node and, by ownership (invariant 2), every
// Process it owns.
func (r *Registry) RemoveNode(n *hmtypes.Node) error {
	if _, exists := r.nodes[n.Index]; !exists {
		return fmt.Errorf("hmregistry: node %d not found", n.Index)
	}
	for _, p := range n.Processes {
		_ = r.RemoveProcess(p)
	}
	delete(r.nodes, n.Index)
	if n.ParentLocation != nil {
		delete(n.ParentLocation.Nodes, n.Index)
	}
	if set := r.groups[n.Group]; set != nil {
		delete(set, n.Index)
		if len(set) == 0 {
			delete(r.groups, n.Group)
		}
	}
	hmmetrics.RegistryOps.WithLabelValues("node", "remove").Inc()
	r.refreshGauge()

	var hwIndex uint32
	if n.ParentLocation != nil {
		hwIndex = n.ParentLocation.Index
	}
	buildNodeDown := func() *hmtypes.Notification {
		return &hmtypes.Notification{Type: hmtypes.NotifyNodeDown, ID: n.Index, NodeID: n.Index, Group: n.Group, HWIndex: hwIndex}
	}
	r.engine.Deactivate(hmtypes.SubNode, n.Index, buildNodeDown)
	r.engine.Deactivate(hmtypes.SubGroup, n.Group, buildNodeDown)
	return nil
}

// UpdateNodeRole applies an in-place role change and fans it out
// without touching tree membership.
func (r *Registry) UpdateNodeRole(n *hmtypes.Node, role hmtypes.Role) {
	n.CurrentRole = role
	hmmetrics.RegistryOps.WithLabelValues("node", "update_role").Inc()
	build := func() *hmtypes.Notification {
		return &hmtypes.Notification{Type: hmtypes.NotifyNodeUp, ID: n.Index, NodeID: n.Index, Group: n.Group}
	}
	r.engine.NotifyActive(hmtypes.SubNode, n.Index, build)
	r.engine.NotifyActive(hmtypes.SubGroup, n.Group, build)
}

// --- Processes ---

func (r *Registry) AddProcess(p *hmtypes.Process) error {
	if _, exists := r.processesByPid[p.Pid]; exists {
		return fmt.Errorf("hmregistry: process pid %d already exists", p.Pid)
	}
	if p.ParentNode == nil {
		return fmt.Errorf("hmregistry: process %d has no parent node", p.Pid)
	}
	r.processesByPid[p.Pid] = p
	p.ParentNode.Processes[p.Pid] = p
	hmmetrics.RegistryOps.WithLabelValues("process", "add").Inc()
	r.refreshGauge()

	r.engine.Activate(hmtypes.SubProcess, p.Pid, func() *hmtypes.Notification {
		return &hmtypes.Notification{
			Type:     hmtypes.NotifyProcAvailable,
			ProcType: p.Type,
			ID:       p.Pid,
			NodeID:   p.ParentNode.Index,
		}
	})
	return nil
}

func (r *Registry) Process(pid uint32) (*hmtypes.Process, bool) {
	p, ok := r.processesByPid[pid]
	return p, ok
}

func (r *Registry) RemoveProcess(p *hmtypes.Process) error {
	if _, exists := r.processesByPid[p.Pid]; !exists {
		return fmt.Errorf("hmregistry: process pid %d not found", p.Pid)
	}
	for _, iface := range append([]*hmtypes.Interface(nil), p.Interfaces...) {
		_ = r.RemoveInterface(iface)
	}
	delete(r.processesByPid, p.Pid)
	if p.ParentNode != nil {
		delete(p.ParentNode.Processes, p.Pid)
	}
	hmmetrics.RegistryOps.WithLabelValues("process", "remove").Inc()
	r.refreshGauge()

	var nodeID uint32
	if p.ParentNode != nil {
		nodeID = p.ParentNode.Index
	}
	r.engine.Deactivate(hmtypes.SubProcess, p.Pid, func() *hmtypes.Notification {
		return &hmtypes.Notification{Type: hmtypes.NotifyProcGone, ProcType: p.Type, ID: p.Pid, NodeID: nodeID}
	})
	return nil
}

// --- Interfaces ---

func (r *Registry) AddInterface(iface *hmtypes.Interface) error {
	if _, exists := r.interfaces[iface.ID]; exists {
		return fmt.Errorf("hmregistry: interface %d already exists cluster-wide", iface.ID)
	}
	r.interfaces[iface.ID] = iface
	if iface.ParentProcess != nil {
		iface.ParentProcess.Interfaces = append(iface.ParentProcess.Interfaces, iface)
	}
	if iface.ParentNode != nil {
		iface.ParentNode.Interfaces[iface.ID] = iface
	}
	hmmetrics.RegistryOps.WithLabelValues("interface", "add").Inc()
	r.refreshGauge()

	r.engine.Activate(hmtypes.SubIf, iface.ID, func() *hmtypes.Notification {
		return &hmtypes.Notification{Type: hmtypes.NotifyIfPartnerAvailable, IfID: iface.ID}
	})
	return nil
}

func (r *Registry) RemoveInterface(iface *hmtypes.Interface) error {
	if _, exists := r.interfaces[iface.ID]; !exists {
		return fmt.Errorf("hmregistry: interface %d not found", iface.ID)
	}
	delete(r.interfaces, iface.ID)
	if iface.ParentNode != nil {
		delete(iface.ParentNode.Interfaces, iface.ID)
	}
	if iface.ParentProcess != nil {
		filtered := iface.ParentProcess.Interfaces[:0]
		for _, i := range iface.ParentProcess.Interfaces {
			if i.ID != iface.ID {
				filtered = append(filtered, i)
			}
		}
		iface.ParentProcess.Interfaces = filtered
	}
	hmmetrics.RegistryOps.WithLabelValues("interface", "remove").Inc()
	r.refreshGauge()

	r.engine.Deactivate(hmtypes.SubIf, iface.ID, func() *hmtypes.Notification {
		return &hmtypes.Notification{Type: hmtypes.NotifyIfPartnerGone, IfID: iface.ID}
	})
	return nil
}

// LookupForSubscribe tells Subscribe whether a row already exists for
// (typ, value) and, if so, how to build the constructive notification
// for the new subscriber.
func (r *Registry) LookupForSubscribe(typ hmtypes.SubscriptionType, value uint32) (bool, hmnotify.BuildFunc) {
	switch typ {
	case hmtypes.SubNode:
		n, ok := r.nodes[value]
		if !ok {
			return false, nil
		}
		var hw uint32
		if n.ParentLocation != nil {
			hw = n.ParentLocation.Index
		}
		return true, func() *hmtypes.Notification {
			return &hmtypes.Notification{Type: hmtypes.NotifyNodeUp, ID: n.Index, NodeID: n.Index, Group: n.Group, HWIndex: hw}
		}
	case hmtypes.SubGroup:
		nodes := r.NodesInGroup(value)
		if len(nodes) == 0 {
			return false, nil
		}
		n := nodes[0]
		return true, func() *hmtypes.Notification {
			return &hmtypes.Notification{Type: hmtypes.NotifyNodeUp, ID: n.Index, NodeID: n.Index, Group: n.Group}
		}
	case hmtypes.SubProcess:
		p, ok := r.processesByPid[value]
		if !ok {
			return false, nil
		}
		return true, func() *hmtypes.Notification {
			return &hmtypes.Notification{Type: hmtypes.NotifyProcAvailable, ProcType: p.Type, ID: p.Pid, NodeID: p.ParentNode.Index}
		}
	case hmtypes.SubIf:
		_, ok := r.interfaces[value]
		if !ok {
			return false, nil
		}
		return true, func() *hmtypes.Notification {
			return &hmtypes.Notification{Type: hmtypes.NotifyIfPartnerAvailable, IfID: value}
		}
	case hmtypes.SubLocation:
		_, ok := r.locations[value]
		if !ok {
			return false, nil
		}
		return true, func() *hmtypes.Notification {
			return &hmtypes.Notification{Type: hmtypes.NotifyLocationActive, ID: value}
		}
	default:
		return false, nil
	}
}

func (r *Registry) refreshGauge() {
	hmmetrics.RegistryRows.WithLabelValues("locations").Set(float64(len(r.locations)))
	hmmetrics.RegistryRows.WithLabelValues("nodes").Set(float64(len(r.nodes)))
	hmmetrics.RegistryRows.WithLabelValues("processes").Set(float64(len(r.processesByPid)))
	hmmetrics.RegistryRows.WithLabelValues("interfaces").Set(float64(len(r.interfaces)))
	hmmetrics.RegistryRows.WithLabelValues("groups").Set(float64(len(r.groups)))
}
