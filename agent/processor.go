package agent

import (
	"go.bctree.io/bctree/bctx"
	"go.bctree.io/bctree/lib"
	"go.bctree.io/bctree/link"
	"go.bctree.io/bctree/message"
)

// handleMessage runs on the coordination loop for every received message.
// Malformed or stale messages are dropped with a log line; they are never
// errors that stop the loop.
func (a *Agent) handleMessage(peer string, msg *message.Message) error {
	a.logger.Tracef("Agent:Receive", "peer:%s type:%s", peer, msg.Type)

	switch msg.Type {
	case message.TypeHello:
		var m message.Hello
		if err := msg.DecodeData(&m); err != nil {
			return a.drop(peer, msg, err)
		}
		a.logger.Infof("Agent:Hello", "peer:%s name:%q", peer, m.Name)

	case message.TypeAttachContext:
		var m message.AttachContext
		if err := msg.DecodeData(&m); err != nil {
			return a.drop(peer, msg, err)
		}
		if !a.role.IsAuthority() {
			a.logger.Warnf("Agent:Receive", "peer:%s %s sent to a content process", peer, msg.Type)
			return nil
		}
		a.handleAttach(peer, m)

	case message.TypeDetachContext:
		var m message.DetachContext
		if err := msg.DecodeData(&m); err != nil {
			return a.drop(peer, msg, err)
		}
		if c := a.registry.Get(m.Self); c != nil {
			c.Detach()
		}

	case message.TypeTransmitContext:
		var m message.TransmitContext
		if err := msg.DecodeData(&m); err != nil {
			return a.drop(peer, msg, err)
		}
		a.handleTransmit(m)

	case message.TypeUnsubscribeSet:
		var m message.UnsubscribeSet
		if err := msg.DecodeData(&m); err != nil {
			return a.drop(peer, msg, err)
		}
		if !a.role.IsAuthority() {
			a.logger.Warnf("Agent:Receive", "peer:%s %s sent to a content process", peer, msg.Type)
			return nil
		}
		ok := a.authority.HandleUnsubscribe(peer, m.Set, m.Epoch)
		return a.send(peer, message.TypeUnsubscribeSetAck, message.UnsubscribeSetAck{
			Set:   m.Set,
			Epoch: m.Epoch,
			OK:    ok,
		})

	case message.TypeUnsubscribeSetAck:
		var m message.UnsubscribeSetAck
		if err := msg.DecodeData(&m); err != nil {
			return a.drop(peer, msg, err)
		}
		if s := a.sets.Get(m.Set); s != nil {
			s.HandleUnsubscribeAck(m.Epoch, m.OK)
		}

	case message.TypeContextDied:
		var m message.ContextDied
		if err := msg.DecodeData(&m); err != nil {
			return a.drop(peer, msg, err)
		}
		a.handleContextDied(m)
		// Acknowledge even for contexts this process already released; the
		// authority is waiting on every subscriber.
		return a.send(peer, message.TypeAckContextDied, message.AckContextDied{Self: m.Self})

	case message.TypeAckContextDied:
		var m message.AckContextDied
		if err := msg.DecodeData(&m); err != nil {
			return a.drop(peer, msg, err)
		}
		if !a.role.IsAuthority() {
			a.logger.Warnf("Agent:Receive", "peer:%s %s sent to a content process", peer, msg.Type)
			return nil
		}
		a.authority.HandleDeathAck(peer, m.Self)

	default:
		a.logger.Warnf("Agent:Receive", "peer:%s unknown message type %q", peer, msg.Type)
	}
	return nil
}

// handleAttach mirrors a content-process attach into the authority's
// canonical tree, taking a live reference on newly learned contexts.
func (a *Agent) handleAttach(peer string, m message.AttachContext) {
	set := a.sets.GetOrCreate(m.Set)
	a.authority.EnsureSubscribed(peer, m.Set)

	var parent *bctx.Context
	if m.Parent != lib.NoContext {
		parent = a.registry.Get(m.Parent)
		if parent == nil {
			a.logger.Warnf("Agent:AttachContext", "peer:%s cid:%d unknown parent %d, attaching as root",
				peer, m.Self, m.Parent)
		}
	}

	c := a.registry.GetOrCreate(m.Self, m.Name, set)
	if _, held := a.heldRefs[m.Self]; !held {
		a.holdRef(c)
	}
	c.Attach(parent)
}

// handleTransmit reconstructs a replicated context in a content process.
// The replica reference this process takes is what flips the set back to
// subscribed if an unsubscription was pending.
func (a *Agent) handleTransmit(m message.TransmitContext) {
	set := a.sets.GetOrCreate(m.Set)

	var parent *bctx.Context
	if m.Parent != lib.NoContext {
		parent = a.registry.Get(m.Parent)
	}

	c := a.registry.GetOrCreate(m.Self, m.Name, set)
	// Re-taking the replica reference must happen before adopting the
	// transmitted epoch: it is what aborts a pending unsubscription, and the
	// abort's epoch bump lands on the same value the authority assigned to
	// this transmission.
	if _, held := a.heldRefs[m.Self]; !held && !c.IsDead() {
		a.holdRef(c)
	}
	set.AdoptEpoch(m.Epoch)
	if !c.IsDead() {
		c.AttachFromRemote(parent)
	}
}

func (a *Agent) handleContextDied(m message.ContextDied) {
	c := a.registry.Get(m.Self)
	if c == nil || c.IsDead() {
		return
	}
	c.Die()
}

// handlePeerDisconnect force-resolves everything the departed peer held.
func (a *Agent) handlePeerDisconnect(peer string) error {
	if a.role.IsAuthority() {
		a.authority.PeerDisconnected(peer)
		return nil
	}
	a.logger.Warnf("Agent:PeerDisconnect", "authority link lost")
	return nil
}

func (a *Agent) drop(peer string, msg *message.Message, err error) error {
	a.logger.Warnf("Agent:Receive", "peer:%s dropping %s: %v", peer, msg.Type, err)
	return nil
}

// holdRef takes the agent-owned live reference on a replicated or mirrored
// context; dropRef releases it when the context dies.
func (a *Agent) holdRef(c *bctx.Context) {
	a.heldRefs[c.ID()] = struct{}{}
	c.Ref()
}

func (a *Agent) dropRef(c *bctx.Context) {
	if _, ok := a.heldRefs[c.ID()]; !ok {
		return
	}
	delete(a.heldRefs, c.ID())
	c.Unref()
}

// ContextAttached implements bctx.Notifier; it forwards a content-process
// attach to the authority.
func (a *Agent) ContextAttached(parent lib.ContextID, self lib.ContextID, set lib.SetID, name string) {
	_ = a.send(link.AuthorityPeer, message.TypeAttachContext, message.AttachContext{
		Parent: parent,
		Self:   self,
		Set:    set,
		Name:   name,
	})
}

// ContextDetached implements bctx.Notifier.
func (a *Agent) ContextDetached(self lib.ContextID) {
	_ = a.send(link.AuthorityPeer, message.TypeDetachContext, message.DetachContext{Self: self})
}

// ContextDied implements bctx.Notifier. In the authority it starts the
// death handshake with every subscriber of the context's set; in every
// role it releases the reference the agent held on the context.
func (a *Agent) ContextDied(self lib.ContextID, set lib.SetID) {
	c := a.registry.Get(self)
	if c == nil {
		return
	}
	if a.role.IsAuthority() {
		for _, peer := range a.authority.TrackDeath(c) {
			_ = a.send(peer, message.TypeContextDied, message.ContextDied{Self: self})
		}
	}
	a.dropRef(c)
}

// SendUnsubscribe implements relset.Messenger.
func (a *Agent) SendUnsubscribe(set lib.SetID, epoch uint64) {
	_ = a.send(link.AuthorityPeer, message.TypeUnsubscribeSet, message.UnsubscribeSet{
		Set:   set,
		Epoch: epoch,
	})
}
