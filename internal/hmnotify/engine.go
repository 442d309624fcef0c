// Package hmnotify implements the subscription/notification engine:
// pending and active subscription trees, a FIFO notification queue, and
// at-most-once delivery per subscriber per event.
package hmnotify

import (
	"sync"
	"sync/atomic"

	"github.com/anshulthakur/hwmanager/internal/hmlog"
	"github.com/anshulthakur/hwmanager/internal/hmmetrics"
	"github.com/anshulthakur/hwmanager/internal/hmtypes"
)

// key identifies a Subscription by the (type, value) pair it watches.
type key struct {
	Type  hmtypes.SubscriptionType
	Value uint32
}

// BuildFunc constructs the Notification to enqueue for a matched
// Subscription. It is supplied by the registry, which is the only
// component with enough context (the row's current field values) to
// fill one in; the engine itself never reads registry rows.
type BuildFunc func() *hmtypes.Notification

// Engine owns the pending/active subscription trees and the FIFO
// notification queue. All methods assume single-threaded (reactor
// goroutine) access -- no internal locking is used for the trees,
// matching the source's registry, which needs none either.
type Engine struct {
	log hmlog.Logger

	pending map[key]*hmtypes.Subscription
	active  map[key]*hmtypes.Subscription
	byID    map[uint64]*hmtypes.Subscription

	nextSubID uint64

	queueMu sync.Mutex
	queue   []*hmtypes.Notification
}

func NewEngine(log hmlog.Logger) *Engine {
	return &Engine{
		log:     log,
		pending: make(map[key]*hmtypes.Subscription),
		active:  make(map[key]*hmtypes.Subscription),
		byID:    make(map[uint64]*hmtypes.Subscription),
	}
}

// Subscribe implements REGISTER:
//  1. if a Subscription with equal (type, value) exists, append the
//     subscriber to it;
//  2. otherwise allocate one, pending, live=false;
//  3. if present is true (the registry already has a matching row),
//     activate immediately and enqueue the constructive notification
//     only for this new subscriber.
func (e *Engine) Subscribe(typ hmtypes.SubscriptionType, value uint32, sub hmtypes.Subscriber, present bool, build BuildFunc) *hmtypes.Subscription {
	k := key{Type: typ, Value: value}

	if existing, ok := e.active[k]; ok {
		existing.Lock()
		existing.Subscribers = append(existing.Subscribers, sub)
		existing.Unlock()
		if present && build != nil {
			e.enqueueTo(build(), []hmtypes.Subscriber{sub})
		}
		return existing
	}
	if existing, ok := e.pending[k]; ok {
		existing.Lock()
		existing.Subscribers = append(existing.Subscribers, sub)
		existing.Unlock()
		if present {
			e.activateLocked(k, existing, build, []hmtypes.Subscriber{sub})
		}
		return existing
	}

	id := atomic.AddUint64(&e.nextSubID, 1)
	s := hmtypes.NewSubscription(id, typ, value)
	s.Subscribers = []hmtypes.Subscriber{sub}
	e.byID[id] = s

	if present {
		e.activateLocked(k, s, build, []hmtypes.Subscriber{sub})
	} else {
		e.pending[k] = s
	}
	return s
}

// activateLocked moves s from pending into active (or leaves it in
// active if already there) and enqueues the constructive notification
// to notifyOnly (or to the whole subscriber list if notifyOnly is nil).
func (e *Engine) activateLocked(k key, s *hmtypes.Subscription, build BuildFunc, notifyOnly []hmtypes.Subscriber) {
	delete(e.pending, k)
	e.active[k] = s
	s.Lock()
	s.Live = true
	s.RowKnown = true
	targets := notifyOnly
	if targets == nil {
		targets = append([]hmtypes.Subscriber(nil), s.Subscribers...)
	}
	s.Unlock()
	if build != nil {
		e.enqueueTo(build(), targets)
	}
}

// Activate implements the registry's add(row) fan-out: scan
// pending subscriptions for keys matching the new row, activate each
// match, and enqueue the constructive notification to every subscriber
// already on it. A no-op if no Subscription is watching (type, value).
func (e *Engine) Activate(typ hmtypes.SubscriptionType, value uint32, build BuildFunc) {
	k := key{Type: typ, Value: value}
	s, ok := e.pending[k]
	if !ok {
		return
	}
	e.activateLocked(k, s, build, nil)
}

// Deactivate implements the registry's remove(row) fan-out: enqueue
// DOWN/GONE notifications to every subscriber, then unbind the
// Subscription back to pending. A no-op if nothing is watching.
func (e *Engine) Deactivate(typ hmtypes.SubscriptionType, value uint32, build BuildFunc) {
	k := key{Type: typ, Value: value}
	s, ok := e.active[k]
	if !ok {
		return
	}
	s.Lock()
	targets := append([]hmtypes.Subscriber(nil), s.Subscribers...)
	s.Unlock()
	if build != nil {
		e.enqueueTo(build(), targets)
	}
	delete(e.active, k)
	s.Lock()
	s.Live = false
	s.RowKnown = false
	s.Unlock()
	e.pending[k] = s
}

// NotifyActive fans an in-place update (e.g. an HA role change) out to
// an already-active Subscription's subscribers, without touching tree
// membership.
func (e *Engine) NotifyActive(typ hmtypes.SubscriptionType, value uint32, build BuildFunc) {
	k := key{Type: typ, Value: value}
	s, ok := e.active[k]
	if !ok || build == nil {
		return
	}
	s.Lock()
	targets := append([]hmtypes.Subscriber(nil), s.Subscribers...)
	s.Unlock()
	e.enqueueTo(build(), targets)
}

// Unsubscribe implements UNREGISTER: remove subscriber from the
// Subscription's list; if that empties it, remove the Subscription from
// whichever tree it sits in. This implementation frees a Subscription on
// empty rather than keeping it around forever (see DESIGN.md).
func (e *Engine) Unsubscribe(typ hmtypes.SubscriptionType, value uint32, subscriberID string) {
	k := key{Type: typ, Value: value}
	var s *hmtypes.Subscription
	var inActive bool
	if v, ok := e.active[k]; ok {
		s, inActive = v, true
	} else if v, ok := e.pending[k]; ok {
		s = v
	}
	if s == nil {
		return
	}
	s.Lock()
	remaining := s.Subscribers[:0]
	for _, sub := range s.Subscribers {
		if sub.ID != subscriberID {
			remaining = append(remaining, sub)
		}
	}
	s.Subscribers = remaining
	empty := len(s.Subscribers) == 0
	s.Unlock()

	if empty {
		if inActive {
			delete(e.active, k)
		} else {
			delete(e.pending, k)
		}
		delete(e.byID, s.ID)
	}
}

// enqueueTo appends one built Notification, addressed to targets, to
// the FIFO queue. Queue order here is the order the engine visits
// subscribers, preserved end to end.
func (e *Engine) enqueueTo(n *hmtypes.Notification, targets []hmtypes.Subscriber) {
	if n == nil || len(targets) == 0 {
		return
	}
	n.Targets = targets
	e.queueMu.Lock()
	e.queue = append(e.queue, n)
	e.queueMu.Unlock()
}

// Drain removes and returns every queued Notification, in FIFO order,
// for delivery at the end of the current reactor iteration.
func (e *Engine) Drain() []*hmtypes.Notification {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	if len(e.queue) == 0 {
		return nil
	}
	out := e.queue
	e.queue = nil
	return out
}

// Deliver attempts to hand n to every target subscriber's transport.
// At-most-once per subscriber per event: a failed delivery is not
// re-enqueued onto the notification queue, it is simply dropped (the
// per-transport outbound queue is where any retry lives).
func Deliver(n *hmtypes.Notification, log hmlog.Logger) {
	for _, t := range n.Targets {
		if t.DeliverFunc == nil {
			hmmetrics.NotificationsDropped.WithLabelValues(typeLabel(n.Type)).Inc()
			continue
		}
		if err := t.DeliverFunc(n); err != nil {
			log.Warnf("notification delivery to subscriber %s failed: %v", t.ID, err)
			hmmetrics.NotificationsDropped.WithLabelValues(typeLabel(n.Type)).Inc()
			continue
		}
		hmmetrics.NotificationsDelivered.WithLabelValues(typeLabel(n.Type)).Inc()
	}
}

func typeLabel(t hmtypes.NotificationType) string {
	switch t {
	case hmtypes.NotifyNodeUp:
		return "node_up"
	case hmtypes.NotifyNodeDown:
		return "node_down"
	case hmtypes.NotifyProcAvailable:
		return "proc_available"
	case hmtypes.NotifyProcGone:
		return "proc_gone"
	case hmtypes.NotifyIfPartnerAvailable:
		return "if_partner_available"
	case hmtypes.NotifyIfPartnerGone:
		return "if_partner_gone"
	case hmtypes.NotifyLocationActive:
		return "location_active"
	case hmtypes.NotifyLocationInactive:
		return "location_inactive"
	default:
		return "unknown"
	}
}

// RowPresent reports whether a Subscription key is currently active,
// i.e. whether Subscribe should treat the row as already existing. The
// registry is the source of truth for row existence; this only tells
// the caller whether the *subscription side* already thinks so, which
// is used by tests and by Subscribe's caller to decide whether to pass
// present=true based on an authoritative registry lookup instead.
func (e *Engine) RowPresent(typ hmtypes.SubscriptionType, value uint32) bool {
	_, ok := e.active[key{Type: typ, Value: value}]
	return ok
}
