// Package rpcbroker implements the authenticating message broker: a hub
// that accepts many clients, authenticates each via a login handshake (or
// takes a pre-assigned role for statically registered clients), grafts
// each client's node tree into its own at a mount point, forwards
// requests and responses between mount points and the client that made
// the call, and fans signals out to every subscriber.
package rpcbroker

import (
	"strings"
	"sync"
	"time"

	"github.com/silicon-heaven/shvgo/pkg/metrics"
	"github.com/silicon-heaven/shvgo/pkg/rpcclient"
	"github.com/silicon-heaven/shvgo/pkg/rpchandler"
	"github.com/silicon-heaven/shvgo/pkg/rpcmsg"
)

// idleTimeoutLogin bounds how long a handshake-based client may go without
// sending a message, before and after login, before the access stage's
// Idle callback signals rpchandler to stop the connection.
const idleTimeoutLogin = 5 * time.Second

// cidQuarantine is how long a freed cid is withheld from reuse after its
// client unregisters, so a response straggling in from the now-dead
// connection can't be mistaken for traffic belonging to whatever new
// client is later handed the same id.
const cidQuarantine = 600 * time.Second

// Broker is the shared state behind every client connected to it: the
// client table, the mount table, and the subscription index. All methods
// are safe for concurrent use.
type Broker struct {
	name    string
	login   LoginFunc
	metrics metrics.BrokerMetrics

	mu      sync.Mutex
	clients map[int64]*clientState
	nextCID int64
	freed   map[int64]time.Time // cid -> time it was unregistered, quarantined until cidQuarantine elapses

	mounts []mountEntry
	subs   []subscription
}

// New creates a Broker identified by name (used in client info and in
// forwarded UserId strings; may be empty) using login to authenticate
// clients that arrive without a pre-assigned Role. m is an optional
// metrics sink; pass nil (or omit it) for zero overhead.
func New(name string, login LoginFunc, m ...metrics.BrokerMetrics) *Broker {
	b := &Broker{name: name, login: login, clients: map[int64]*clientState{}, freed: map[int64]time.Time{}}
	if len(m) > 0 {
		b.metrics = m[0]
	}
	return b
}

// allocCID returns a cid for a newly connecting client: the smallest
// freed cid whose quarantine has elapsed, or a fresh one from the
// monotonic counter if none qualifies yet.
func (b *Broker) allocCID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	reuse := int64(-1)
	for cid, freedAt := range b.freed {
		if now.Sub(freedAt) < cidQuarantine {
			continue
		}
		if reuse == -1 || cid < reuse {
			reuse = cid
		}
	}
	if reuse != -1 {
		delete(b.freed, reuse)
		return reuse
	}
	cid := b.nextCID
	b.nextCID++
	return cid
}

// Name returns the broker's name, as configured via New.
func (b *Broker) Name() string { return b.name }

// clientState is the cookie shared by a client's two stages (access/login
// and rpc). Unlike the reference implementation, which pre-allocates both
// rpchandler_stage slots so it can hand them to rpchandler_new before the
// client's role exists, Go lets clientState simply be constructed first
// and its handler field filled in once the Handler that owns it exists —
// no chicken-and-egg pointer-filling trick required.
type clientState struct {
	broker  *Broker
	cid     int64
	handler *rpchandler.Handler

	mu           sync.Mutex
	role         *Role
	nonce        string
	username     string
	enforceIdle  bool // true for a client that went through the login handshake
	lastActivity time.Time
	ttlSubs      []ttlSubscription
}

type ttlSubscription struct {
	ri  string
	ttl time.Time
}

// RegisterClient wires up a client that already has its Role (e.g. an
// outbound connection this process made to a peer broker, or any other
// client that should skip the login handshake entirely). Use
// LoginStages for clients that must authenticate first.
func (b *Broker) RegisterClient(client *rpcclient.Client, role *Role, limits rpcmsg.Limits) (*rpchandler.Handler, int64, error) {
	cs := &clientState{broker: b, cid: b.allocCID(), lastActivity: time.Now()}
	if role != nil {
		if err := b.assignRole(cs, role); err != nil {
			return nil, 0, err
		}
	}
	h := rpchandler.New(client, b.stagesFor(cs), limits)
	cs.handler = h
	b.mu.Lock()
	b.clients[cs.cid] = cs
	n := len(b.clients)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.RecordClientConnected()
		b.metrics.SetActiveClients(n)
	}
	return h, cs.cid, nil
}

// LoginStages wires up a client that must complete the hello/login
// handshake before it is granted a Role. Call Unregister once the
// client's Handler.Run returns, to release its mount point, subscriptions
// and client-table slot.
func (b *Broker) LoginStages(client *rpcclient.Client, limits rpcmsg.Limits) (*rpchandler.Handler, int64) {
	cs := &clientState{broker: b, cid: b.allocCID(), lastActivity: time.Now(), enforceIdle: true}
	h := rpchandler.New(client, b.stagesFor(cs), limits)
	cs.handler = h
	b.mu.Lock()
	b.clients[cs.cid] = cs
	n := len(b.clients)
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.RecordClientConnected()
		b.metrics.SetActiveClients(n)
	}
	return h, cs.cid
}

func (b *Broker) stagesFor(cs *clientState) []rpchandler.Stage {
	return []rpchandler.Stage{
		{Funcs: loginAccessFuncs, Cookie: cs},
		{Funcs: rpcFuncs, Cookie: cs},
	}
}

// Unregister releases a client's mount point, subscriptions and
// client-table slot. It must be called exactly once per client, after its
// Handler.Run has returned.
func (b *Broker) Unregister(cid int64) {
	b.mu.Lock()
	cs, ok := b.clients[cid]
	if ok {
		delete(b.clients, cid)
		b.freed[cid] = time.Now()
	}
	n := len(b.clients)
	b.mu.Unlock()
	if !ok {
		return
	}
	if b.metrics != nil {
		b.metrics.RecordClientDisconnected()
		b.metrics.SetActiveClients(n)
	}
	cs.mu.Lock()
	role := cs.role
	cs.role = nil
	cs.mu.Unlock()
	if role != nil && role.MountPoint != "" {
		b.unmount(cid, role.MountPoint)
	}
	b.unsubscribeAll(cid)
}

// Handler returns the given client's Handler, or nil if cid is not (or no
// longer) registered.
func (b *Broker) Handler(cid int64) *rpchandler.Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cs, ok := b.clients[cid]; ok {
		return cs.handler
	}
	return nil
}

func (b *Broker) client(cid int64) *clientState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.clients[cid]
}

// clientActive reports whether cid names a registered client that has a
// Role (i.e. has completed login, or was statically registered with one).
func (b *Broker) clientActive(cid int64) bool {
	cs := b.client(cid)
	if cs == nil {
		return false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.role != nil
}

func (b *Broker) assignRole(cs *clientState, role *Role) error {
	if role.MountPoint != "" {
		if err := validMountPoint(role.MountPoint); err != nil {
			return err
		}
		if !b.mount(cs.cid, role.MountPoint) {
			return errMountExists
		}
	}
	cs.mu.Lock()
	cs.role = role
	cs.mu.Unlock()
	for _, ri := range role.Subscriptions {
		b.subscribe(ri, cs.cid)
	}
	return nil
}

func (b *Broker) unassignRole(cs *clientState) {
	cs.mu.Lock()
	role := cs.role
	cs.role = nil
	cs.mu.Unlock()
	if role != nil && role.MountPoint != "" {
		b.unmount(cs.cid, role.MountPoint)
	}
}

// isPathPrefix reports whether prefix names path itself or an ancestor of
// it on '/' boundaries; the empty prefix matches every path (the root).
func isPathPrefix(path, prefix string) bool {
	if prefix == "" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/'
}

func validMountPoint(mp string) error {
	if mp == "" || isPathPrefix(mp, ".app") || isPathPrefix(mp, ".broker") {
		return errInvalidMountPoint
	}
	return nil
}
