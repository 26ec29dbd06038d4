package cluster

import (
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
)

// DepartureHandler is notified when the cluster runtime reports a member
// leaving, so the owning cache can run its §4.7 "Member departure"
// reconciliation (decrement openCount, clear locks/oplock for that owner).
type DepartureHandler func(nodeName string)

// Membership wraps a memberlist.Memberlist, tracking the live node name
// list used by rendezvousOwner and dispatching departure notifications.
// Cluster membership discovery itself is delegated to memberlist; this
// type only adapts its events to the cache's reconciliation hook.
type Membership struct {
	list *memberlist.Memberlist

	mu       sync.RWMutex
	onLeave  []DepartureHandler
	selfName string

	// forcedMembers overrides Members() when set, used by tests to pin
	// ownership decisions without starting a real gossip transport.
	forcedMembers []string
}

// eventDelegate adapts memberlist's join/leave/update callbacks to Membership.
type eventDelegate struct {
	m *Membership
}

func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {}

func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.m.mu.RLock()
	handlers := append([]DepartureHandler(nil), d.m.onLeave...)
	d.m.mu.RUnlock()
	for _, h := range handlers {
		h(node.Name)
	}
}

func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {}

// NewMembership starts a memberlist instance bound to nodeName and the
// given bind address. Config uses memberlist's LAN defaults, matching
// the "gossip over a local network" posture most server deployments use.
func NewMembership(nodeName, bindAddr string, bindPort int) (*Membership, error) {
	m := &Membership{selfName: nodeName}

	cfg := memberlist.DefaultLANConfig()
	cfg.Name = nodeName
	cfg.BindAddr = bindAddr
	cfg.BindPort = bindPort
	cfg.AdvertisePort = bindPort
	cfg.Events = &eventDelegate{m: m}

	list, err := memberlist.Create(cfg)
	if err != nil {
		return nil, err
	}
	m.list = list
	return m, nil
}

// Join contacts the given seed addresses to join an existing cluster.
func (m *Membership) Join(seeds []string) (int, error) {
	return m.list.Join(seeds)
}

// Leave gracefully announces departure before shutdown.
func (m *Membership) Leave(timeout time.Duration) error {
	return m.list.Leave(timeout)
}

// Shutdown tears down the local memberlist instance without announcing departure.
func (m *Membership) Shutdown() error {
	return m.list.Shutdown()
}

// Self returns this node's name, used as fromNode on published messages.
func (m *Membership) Self() string {
	return m.selfName
}

// Members returns the current live member name list, the input to
// rendezvousOwner. Order is not significant.
func (m *Membership) Members() []string {
	if m.forcedMembers != nil {
		return m.forcedMembers
	}
	nodes := m.list.Members()
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}
	return names
}

// OwnerOf returns the node that currently owns key under rendezvous hashing.
func (m *Membership) OwnerOf(key string) string {
	return rendezvousOwner(m.Members(), key)
}

// OnDeparture registers a handler invoked whenever memberlist reports a
// member leaving the cluster.
func (m *Membership) OnDeparture(h DepartureHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLeave = append(m.onLeave, h)
}
