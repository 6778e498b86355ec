// Package relset implements related-context sets: the unit of contexts that
// may reference one another, and the per-process subscription handshake that
// decides when a content process may drop a whole set.
//
// In a content process, a set is alive for as long as it contains at least
// one context with a non-zero reference count. When the last live reference
// goes away, the set asks the authority to unsubscribe it, passing its
// current epoch. Any subscription event racing with that request bumps the
// epoch and invalidates it; a stale acknowledgement is simply discarded.
// The authority never unsubscribes, it always keeps the canonical copy.
package relset

import (
	"fmt"

	"go.bctree.io/bctree/bctx"
	"go.bctree.io/bctree/lib"
)

// SubscriptionState is the per-process handshake state of a Set.
type SubscriptionState int

const (
	// StateSubscribed means the process holds, or recently held, live
	// references into the set.
	StateSubscribed SubscriptionState = iota
	// StateUnsubscribePending means an unsubscribe request carrying the
	// current epoch is in flight to the authority.
	StateUnsubscribePending
	// StateUnsubscribed is terminal in this process; the set and its
	// dead-but-retained bookkeeping have been released.
	StateUnsubscribed
)

func (s SubscriptionState) String() string {
	switch s {
	case StateSubscribed:
		return "subscribed"
	case StateUnsubscribePending:
		return "unsubscribePending"
	case StateUnsubscribed:
		return "unsubscribed"
	default:
		return fmt.Sprintf("subscriptionState(%d)", int(s))
	}
}

// Messenger carries the content-side handshake request to the authority.
type Messenger interface {
	SendUnsubscribe(set lib.SetID, epoch uint64)
}

// Set is a related-context set as seen by one process. It implements
// bctx.SetRef; members maintain their own membership.
type Set struct {
	id     lib.SetID
	chrome bool
	table  *Table

	// members is non-owning and includes dead-but-retained contexts;
	// liveRefs tracks the subset with a non-zero reference count.
	members  map[lib.ContextID]*bctx.Context
	liveRefs map[lib.ContextID]struct{}

	state SubscriptionState
	epoch uint64

	destroyed bool
	releasing bool
}

// ID returns the set's unique identifier.
func (s *Set) ID() lib.SetID { return s.id }

// Epoch returns the current subscription epoch.
func (s *Set) Epoch() uint64 { return s.epoch }

// State returns the handshake state.
func (s *Set) State() SubscriptionState { return s.state }

// IsChrome reports whether this is the privileged singleton set.
func (s *Set) IsChrome() bool { return s.chrome }

// Len returns the number of member contexts, dead ones included.
func (s *Set) Len() int { return len(s.members) }

// LiveRefs returns how many member contexts hold a non-zero reference
// count.
func (s *Set) LiveRefs() int { return len(s.liveRefs) }

// AddMember records c as a member. Called from the context constructor.
func (s *Set) AddMember(c *bctx.Context) {
	s.table.lp.AssertInLoop()
	if s.destroyed {
		panic(fmt.Sprintf("add member to destroyed set %d", s.id))
	}
	s.members[c.ID()] = c
}

// RemoveMember drops c from the member and live-reference bookkeeping.
// Called from the context destructor. An emptied member set destroys the
// set; an emptied live set starts the unsubscribe handshake.
func (s *Set) RemoveMember(c *bctx.Context) {
	s.table.lp.AssertInLoop()
	delete(s.members, c.ID())
	delete(s.liveRefs, c.ID())
	if s.releasing {
		return
	}
	if len(s.members) == 0 {
		s.destroy()
		return
	}
	if len(s.liveRefs) == 0 {
		s.startUnsubscribe()
	}
}

// RegisterContextRef records that c's reference count went 0->1. A
// subscription event during a pending unsubscription bumps the epoch, which
// invalidates the in-flight request and returns the set to subscribed.
func (s *Set) RegisterContextRef(c *bctx.Context) {
	s.table.lp.AssertInLoop()
	if s.destroyed {
		panic(fmt.Sprintf("context ref registered on released set %d", s.id))
	}
	if c.IsDead() {
		return
	}
	s.liveRefs[c.ID()] = struct{}{}
	if s.state == StateUnsubscribePending {
		s.epoch++
		s.state = StateSubscribed
		s.table.logger.Debugf("Set:RegisterContextRef",
			"sid:%d cid:%d aborted in-flight unsubscription, epoch now %d", s.id, c.ID(), s.epoch)
	}
}

// UnregisterContextRef records that c stopped being a live use of the set,
// either its reference count went 1->0 while it was still live, or it died.
// Losing the last live reference in the whole set starts the unsubscribe
// handshake.
func (s *Set) UnregisterContextRef(c *bctx.Context) {
	s.table.lp.AssertInLoop()
	delete(s.liveRefs, c.ID())
	if len(s.liveRefs) == 0 {
		s.startUnsubscribe()
	}
}

// AdoptEpoch raises the local epoch to the one the authority assigned when
// it transmitted a member context to this process. Lower values are
// ignored.
func (s *Set) AdoptEpoch(epoch uint64) {
	s.table.lp.AssertInLoop()
	if epoch > s.epoch {
		s.epoch = epoch
	}
}

// HandleUnsubscribeAck processes the authority's reply to an unsubscribe
// request. A reply that is unsuccessful, carries a superseded epoch or
// arrives in the wrong state is discarded; a matching successful reply
// releases the whole set in this process.
func (s *Set) HandleUnsubscribeAck(epoch uint64, ok bool) {
	s.table.lp.AssertInLoop()
	if s.state != StateUnsubscribePending {
		s.table.logger.Debugf("Set:HandleUnsubscribeAck",
			"sid:%d discarding ack in state %s", s.id, s.state)
		return
	}
	if !ok || epoch != s.epoch {
		s.table.logger.Debugf("Set:HandleUnsubscribeAck",
			"sid:%d discarding stale ack epoch:%d current:%d ok:%t", s.id, epoch, s.epoch, ok)
		return
	}

	s.state = StateUnsubscribed
	s.table.logger.Debugf("Set:HandleUnsubscribeAck", "sid:%d unsubscribed, releasing %d contexts",
		s.id, len(s.members))
	s.release()
}

func (s *Set) startUnsubscribe() {
	if s.table.role.IsAuthority() {
		return
	}
	if s.state != StateSubscribed {
		return
	}
	s.state = StateUnsubscribePending
	s.table.logger.Debugf("Set:Unsubscribe", "sid:%d epoch:%d", s.id, s.epoch)
	// A request the authority refuses leaves the set pending; a later
	// transmission or the destructor's final unsubscribe resolves it.
	if s.table.messenger != nil {
		s.table.messenger.SendUnsubscribe(s.id, s.epoch)
	}
}

// release force-drops every member and destroys the set.
func (s *Set) release() {
	s.releasing = true
	for _, c := range s.members {
		c.ForceRelease()
	}
	s.members = make(map[lib.ContextID]*bctx.Context)
	s.liveRefs = make(map[lib.ContextID]struct{})
	s.destroy()
}

// destroy removes the set from the known-set table, exactly once. A content
// process that did not complete the handshake sends a final unsubscribe so
// the authority can drop its subscriber entry.
func (s *Set) destroy() {
	if s.destroyed {
		panic(fmt.Sprintf("set %d destroyed twice", s.id))
	}
	if len(s.members) != 0 {
		panic(fmt.Sprintf("destroy of set %d with %d members", s.id, len(s.members)))
	}
	s.destroyed = true

	s.table.remove(s)

	// An incomplete handshake still owes the authority an unsubscribe, so it
	// can drop this process from the subscriber list. StateUnsubscribePending
	// means one is already in flight.
	if !s.table.role.IsAuthority() && s.state == StateSubscribed && s.table.messenger != nil {
		s.table.messenger.SendUnsubscribe(s.id, s.epoch)
	}
	s.table.logger.Debugf("Set:Destroy", "sid:%d", s.id)
}

// clearForShutdown tears the set down silently, for the process exit hook.
func (s *Set) clearForShutdown() {
	s.releasing = true
	for _, c := range s.members {
		c.ForceRelease()
	}
	s.members = make(map[lib.ContextID]*bctx.Context)
	s.liveRefs = make(map[lib.ContextID]struct{})
	s.destroyed = true
}
