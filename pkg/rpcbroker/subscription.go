package rpcbroker

import (
	"sort"

	"github.com/silicon-heaven/shvgo/pkg/rpcmsg"
	"github.com/silicon-heaven/shvgo/pkg/rpcri"
)

// subscription is one entry of the broker's subscription index: an RPC-RI
// pattern and the set of client IDs subscribed to it.
type subscription struct {
	ri      string
	clients map[int64]struct{}
}

func (b *Broker) findSub(ri string) (int, bool) {
	i := sort.Search(len(b.subs), func(i int) bool { return b.subs[i].ri >= ri })
	if i < len(b.subs) && b.subs[i].ri == ri {
		return i, true
	}
	return i, false
}

// subscriptionRI returns the index's own copy of ri's string, shared by
// every client subscribed to it, or "" if no one is subscribed to
// exactly that pattern. Used so a per-client TTL entry can key off the
// same string the index holds rather than duplicating it.
func (b *Broker) subscriptionRI(ri string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i, ok := b.findSub(ri); ok {
		return b.subs[i].ri
	}
	return ""
}

// subscribe grants cid the subscription ri, reporting whether it was
// newly added (false if cid was already subscribed to exactly this
// pattern).
func (b *Broker) subscribe(ri string, cid int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.findSub(ri)
	if ok {
		sub := &b.subs[i]
		if _, dup := sub.clients[cid]; dup {
			return false
		}
		sub.clients[cid] = struct{}{}
		return true
	}
	b.subs = append(b.subs, subscription{})
	copy(b.subs[i+1:], b.subs[i:])
	b.subs[i] = subscription{ri: ri, clients: map[int64]struct{}{cid: {}}}
	if b.metrics != nil {
		b.metrics.SetSubscriptionCount(len(b.subs))
	}
	return true
}

// unsubscribe revokes cid's subscription to ri, reporting whether it was
// actually subscribed. The entry is dropped entirely once its last client
// unsubscribes.
func (b *Broker) unsubscribe(ri string, cid int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	i, ok := b.findSub(ri)
	if !ok {
		return false
	}
	sub := &b.subs[i]
	if _, present := sub.clients[cid]; !present {
		return false
	}
	delete(sub.clients, cid)
	if len(sub.clients) == 0 {
		b.subs = append(b.subs[:i], b.subs[i+1:]...)
		if b.metrics != nil {
			b.metrics.SetSubscriptionCount(len(b.subs))
		}
	}
	return true
}

// unsubscribeAll drops every subscription cid holds, e.g. on disconnect
// or framing reset.
func (b *Broker) unsubscribeAll(cid int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	for _, sub := range b.subs {
		delete(sub.clients, cid)
		if len(sub.clients) > 0 {
			kept = append(kept, sub)
		}
	}
	b.subs = kept
}

// Subscriptions lists cid's current subscriptions, for the
// currentClient.subscriptions / clientInfo API.
func (b *Broker) Subscriptions(cid int64) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ris []string
	for _, sub := range b.subs {
		if _, ok := sub.clients[cid]; ok {
			ris = append(ris, sub.ri)
		}
	}
	return ris
}

// signalDestinations returns the set of client IDs that should receive a
// signal from (path, source, signal), already filtered to clients that
// are active (logged in) and whose role grants at least access for that
// path/method.
func (b *Broker) signalDestinations(path, source, signal string, access rpcmsg.AccessLevel) map[int64]struct{} {
	b.mu.Lock()
	dest := map[int64]struct{}{}
	for _, sub := range b.subs {
		if rpcri.MatchSubscription(sub.ri, path, source, signal) {
			for cid := range sub.clients {
				dest[cid] = struct{}{}
			}
		}
	}
	b.mu.Unlock()

	for cid := range dest {
		cs := b.client(cid)
		if cs == nil {
			delete(dest, cid)
			continue
		}
		cs.mu.Lock()
		role := cs.role
		cs.mu.Unlock()
		if role == nil || role.Access(path, source) < access {
			delete(dest, cid)
		}
	}
	return dest
}
