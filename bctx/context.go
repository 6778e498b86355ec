// Package bctx implements the context tree: reference-counted nodes with
// deferred destruction, attach/detach bookkeeping and recursive death. Set
// membership and the cross-process subscription handshake live in the relset
// package; the two meet through the SetRef interface.
package bctx

import (
	"fmt"

	"go.bctree.io/bctree/lib"
)

// State is the lifecycle state of a Context. It only ever moves toward
// StateDead.
type State int

const (
	// StateActive is the initial state, the context is in the live tree.
	StateActive State = iota
	// StateBackground marks a context that left the live tree but may still
	// be referenced, e.g. a document parked in a session history cache.
	StateBackground
	// StateDead is terminal. Dead contexts stay in the registry until their
	// reference count reaches zero.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateBackground:
		return "background"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SetRef is the context's view of its owning related-context set. The set
// does not own its members; members add and remove themselves.
type SetRef interface {
	ID() lib.SetID
	AddMember(c *Context)
	RemoveMember(c *Context)
	RegisterContextRef(c *Context)
	UnregisterContextRef(c *Context)
}

// Context is one node of the context tree. All mutation must happen on the
// process's coordination loop.
//
// The reference count is owned by the protocol: it counts live uses of the
// context within this process, and its 0->1 and 1->0 edges drive the owning
// set's subscription state. It does not keep the memory alive, Go's GC does
// that; what it defers is the removal of protocol bookkeeping.
type Context struct {
	id       lib.ContextID
	name     string
	state    State
	registry *Registry
	set      SetRef
	payload  interface{}

	parent   *Context
	attached bool

	// allChildren includes children that already left the live tree;
	// liveChildren holds only StateActive ones. Both are ordered.
	allChildren  []*Context
	liveChildren []*Context

	refs refCount

	// deletionBlockers delays destruction of a dead context until the
	// authority has collected all death acknowledgements for it.
	deletionBlockers int
	destroyed        bool
}

func newContext(r *Registry, id lib.ContextID, set SetRef, name string, payload interface{}) *Context {
	c := &Context{
		id:       id,
		name:     name,
		registry: r,
		set:      set,
		payload:  payload,
	}
	c.refs.onFirst = func() {
		if c.state != StateDead {
			c.set.RegisterContextRef(c)
		}
	}
	c.refs.onLast = func() {
		if c.state == StateDead {
			c.maybeDestroy()
			return
		}
		c.set.UnregisterContextRef(c)
	}
	r.add(c)
	set.AddMember(c)
	return c
}

// ID returns the context's immutable identifier.
func (c *Context) ID() lib.ContextID { return c.id }

// Name returns the display name.
func (c *Context) Name() string { return c.name }

// SetName updates the display name.
func (c *Context) SetName(name string) {
	c.registry.lp.AssertInLoop()
	c.name = name
}

// NameEquals reports whether the display name equals name.
func (c *Context) NameEquals(name string) bool { return c.name == name }

// State returns the lifecycle state.
func (c *Context) State() State { return c.state }

// IsDead reports whether the context has died.
func (c *Context) IsDead() bool { return c.state == StateDead }

// Set returns the owning related-context set.
func (c *Context) Set() SetRef { return c.set }

// Payload returns the opaque owner payload supplied at local creation, e.g.
// the shell hosting this context. Nil for remotely reconstructed contexts.
func (c *Context) Payload() interface{} { return c.payload }

// Parent returns the parent context, or nil for roots and detached or dead
// contexts.
func (c *Context) Parent() *Context { return c.parent }

// Children returns the ordered collection of all children, including those
// that already left the live tree.
func (c *Context) Children() []*Context { return c.allChildren }

// LiveChildren returns the ordered collection of StateActive children.
func (c *Context) LiveChildren() []*Context { return c.liveChildren }

// RefCount returns the current protocol reference count.
func (c *Context) RefCount() int { return c.refs.count() }

// Ref takes a live reference on the context and returns the new count. The
// 0->1 edge registers the context as live with its set, which may abort an
// in-flight unsubscription.
func (c *Context) Ref() int {
	c.registry.lp.AssertInLoop()
	return c.refs.ref()
}

// Unref drops a live reference and returns the new count. On the 1->0 edge
// a live context is unregistered from its set; a dead context becomes
// eligible for destruction.
func (c *Context) Unref() int {
	c.registry.lp.AssertInLoop()
	return c.refs.unref()
}

// grip keeps the context alive for the duration of a mutating call, so that
// dropping it out of a collection cannot destroy it mid-operation. The
// returned release must run on every exit path.
func (c *Context) grip() (release func()) {
	c.refs.ref()
	return func() { c.refs.unref() }
}

// Attach inserts the context into parent's child collections, or into the
// registry's root list when parent is nil. Attaching an already attached
// context is a no-op. Attaching to a dead anchor, or attaching a dead
// context, is a contract violation. In a content process the authority is
// notified.
func (c *Context) Attach(parent *Context) {
	c.attach(parent, true)
}

// AttachFromRemote inserts a replicated context received from another
// process. It behaves like Attach but never echoes a notification back to
// the authority.
func (c *Context) AttachFromRemote(parent *Context) {
	c.attach(parent, false)
}

func (c *Context) attach(parent *Context, notify bool) {
	c.registry.lp.AssertInLoop()
	if c.state == StateDead {
		panic(fmt.Sprintf("attach of dead context %d", c.id))
	}
	if parent != nil && parent.state == StateDead {
		panic(fmt.Sprintf("attach to dead context %d", parent.id))
	}
	if c.attached {
		if c.registry.Get(c.id) != c {
			panic(fmt.Sprintf("attached context %d not in registry", c.id))
		}
		return
	}

	if parent != nil {
		parent.allChildren = append(parent.allChildren, c)
		if c.state == StateActive {
			parent.liveChildren = append(parent.liveChildren, c)
		}
	} else {
		c.registry.roots = append(c.registry.roots, c)
	}
	c.parent = parent
	c.attached = true

	c.registry.logger.Debugf("Context:Attach", "cid:%d parent:%d set:%d", c.id, parentID(parent), c.set.ID())
	if notify {
		c.registry.notifyAttached(c)
	}
}

// Detach removes the context from whatever child collection currently holds
// it. Detaching a detached context is a no-op. In a content process the
// authority is notified.
func (c *Context) Detach() {
	c.registry.lp.AssertInLoop()
	release := c.grip()
	defer release()

	if !c.attached {
		return
	}

	c.removeFromParentCollections()
	c.parent = nil
	c.attached = false

	c.registry.logger.Debugf("Context:Detach", "cid:%d", c.id)
	c.registry.notifyDetached(c)
}

// Deactivate moves an active context to the background. Its parent's live
// child collection no longer lists it; the all-children collection still
// does.
func (c *Context) Deactivate() {
	c.registry.lp.AssertInLoop()
	if c.state == StateDead {
		panic(fmt.Sprintf("deactivate of dead context %d", c.id))
	}
	if c.state == StateBackground {
		return
	}
	c.state = StateBackground
	if c.parent != nil {
		c.parent.liveChildren = removeContext(c.parent.liveChildren, c)
	}
}

// Die disconnects the context from the tree and recursively marks the whole
// subtree dead. Memory and registry entries are retained until each
// context's reference count reaches zero. Dying twice is a contract
// violation.
func (c *Context) Die() {
	c.registry.lp.AssertInLoop()
	if c.state == StateDead {
		panic(fmt.Sprintf("die on dead context %d", c.id))
	}

	if c.attached {
		c.removeFromParentCollections()
		c.attached = false
	}
	c.dieInternal()
}

func (c *Context) dieInternal() {
	release := c.grip()
	defer release()

	// Transfer ownership of the child array before walking it, so that
	// nothing can mutate the collection mid-recursion.
	children := c.allChildren
	c.allChildren = nil
	c.liveChildren = nil
	for _, child := range children {
		child.attached = false
		child.dieInternal()
	}

	c.parent = nil
	c.state = StateDead

	// A dead context no longer counts as a live use of its set, whatever its
	// reference count; retained references only delay bookkeeping removal.
	c.set.UnregisterContextRef(c)

	c.registry.logger.Debugf("Context:Die", "cid:%d refs:%d", c.id, c.refs.count())
	c.registry.notifyDied(c)
}

// BlockDeletion delays destruction of a dead, unreferenced context. The
// authority holds one blocker per outstanding death acknowledgement.
func (c *Context) BlockDeletion() {
	c.registry.lp.AssertInLoop()
	c.deletionBlockers++
}

// UnblockDeletion releases one deletion blocker and destroys the context if
// it became eligible.
func (c *Context) UnblockDeletion() {
	c.registry.lp.AssertInLoop()
	if c.deletionBlockers <= 0 {
		panic(fmt.Sprintf("unbalanced UnblockDeletion on context %d", c.id))
	}
	c.deletionBlockers--
	c.maybeDestroy()
}

func (c *Context) maybeDestroy() {
	if c.refs.count() != 0 || c.state != StateDead || c.deletionBlockers != 0 {
		return
	}
	c.destroy()
}

// destroy is the destructor: it runs at most once, requires the context to
// be detached, and unconditionally removes it from the registry and from
// its set's member list.
func (c *Context) destroy() {
	if c.destroyed {
		panic(fmt.Sprintf("context %d destroyed twice", c.id))
	}
	if c.attached {
		panic(fmt.Sprintf("destroy of attached context %d", c.id))
	}
	c.destroyed = true

	c.registry.remove(c)
	c.set.RemoveMember(c)

	c.registry.logger.Debugf("Context:Destroy", "cid:%d", c.id)
}

// ForceRelease tears the context down without going through its set, used
// when the owning set itself is being released and at process shutdown. The
// reference count is ignored.
func (c *Context) ForceRelease() {
	if c.destroyed {
		return
	}
	if c.attached {
		c.removeFromParentCollections()
		c.attached = false
	}
	c.parent = nil
	c.destroyed = true
	c.registry.remove(c)
}

func (c *Context) removeFromParentCollections() {
	if c.parent != nil {
		c.parent.allChildren = removeContext(c.parent.allChildren, c)
		c.parent.liveChildren = removeContext(c.parent.liveChildren, c)
		return
	}
	c.registry.roots = removeContext(c.registry.roots, c)
}

func removeContext(list []*Context, c *Context) []*Context {
	for i, e := range list {
		if e == c {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func parentID(parent *Context) lib.ContextID {
	if parent == nil {
		return lib.NoContext
	}
	return parent.ID()
}
