package tracking

import (
	"strconv"
	"sync"
)

type GroupKind uint8

const (
	KindCourier GroupKind = iota + 1
	KindCustomer
	KindDelivery
	KindAdmin
)

// GroupID names a broadcast group. Channels only ever talk to each other
// through groups.
type GroupID struct {
	Kind GroupKind
	ID   int64
}

func Courier(id int64) GroupID  { return GroupID{Kind: KindCourier, ID: id} }
func Customer(id int64) GroupID { return GroupID{Kind: KindCustomer, ID: id} }
func Delivery(id int64) GroupID { return GroupID{Kind: KindDelivery, ID: id} }
func Admin() GroupID            { return GroupID{Kind: KindAdmin} }

func (g GroupID) String() string {
	switch g.Kind {
	case KindCourier:
		return "courier_" + strconv.FormatInt(g.ID, 10)
	case KindCustomer:
		return "customer_" + strconv.FormatInt(g.ID, 10)
	case KindDelivery:
		return "delivery_" + strconv.FormatInt(g.ID, 10)
	case KindAdmin:
		return "admin_notifications"
	}
	return "unknown"
}

// Subscriber receives group broadcasts. Deliver must not block; it reports
// false when the event was dropped.
type Subscriber interface {
	Deliver(v any) bool
}

// Hub is the in-process group registry.
type Hub struct {
	mu     sync.RWMutex
	groups map[GroupID]map[Subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{groups: make(map[GroupID]map[Subscriber]struct{})}
}

func (h *Hub) Join(g GroupID, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[g]
	if !ok {
		members = make(map[Subscriber]struct{})
		h.groups[g] = members
	}
	members[s] = struct{}{}
}

func (h *Hub) Leave(g GroupID, s Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.groups[g]
	if !ok {
		return
	}
	delete(members, s)
	if len(members) == 0 {
		delete(h.groups, g)
	}
}

// Publish hands v to every member of g and returns how many accepted it.
func (h *Hub) Publish(g GroupID, v any) int {
	h.mu.RLock()
	members := make([]Subscriber, 0, len(h.groups[g]))
	for s := range h.groups[g] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	n := 0
	for _, s := range members {
		if s.Deliver(v) {
			n++
		}
	}
	return n
}

// BroadcastAdmin publishes to the staff group.
func (h *Hub) BroadcastAdmin(v any) { h.Publish(Admin(), v) }

// Members reports the current size of g.
func (h *Hub) Members(g GroupID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[g])
}
