package bctx

import (
	"fmt"

	"go.bctree.io/bctree/lib"
	"go.bctree.io/bctree/log"
	"go.bctree.io/bctree/loop"
)

// Notifier receives the cross-process side effects of tree operations. The
// agent wires it to the process link; a nil Notifier is valid and silent.
type Notifier interface {
	// ContextAttached fires on every attach performed in a content process.
	ContextAttached(parent lib.ContextID, self lib.ContextID, set lib.SetID, name string)
	// ContextDetached fires on every detach performed in a content process.
	ContextDetached(self lib.ContextID)
	// ContextDied fires for every context that dies, in any process.
	ContextDied(self lib.ContextID, set lib.SetID)
}

// Registry is the process-wide context table plus the list of tree roots.
// It is constructed explicitly, passed to whoever needs lookups, and torn
// down by the process shutdown hook; there is no ambient global instance.
type Registry struct {
	role     lib.Role
	logger   *log.Logger
	lp       *loop.Loop
	notifier Notifier

	contexts map[lib.ContextID]*Context
	roots    []*Context
}

// NewRegistry creates an empty registry for a process with the given role.
// Logger must not be nil; lp and notifier may be.
func NewRegistry(role lib.Role, logger *log.Logger, lp *loop.Loop, notifier Notifier) *Registry {
	return &Registry{
		role:     role,
		logger:   logger,
		lp:       lp,
		notifier: notifier,
		contexts: make(map[lib.ContextID]*Context),
	}
}

// Role returns the process role the registry was created with.
func (r *Registry) Role() lib.Role { return r.role }

// NewContext creates a locally rooted context with a fresh identifier,
// registers it and adds it to set. Payload is an opaque owner handle that
// travels with the context; it may be nil.
func (r *Registry) NewContext(set SetRef, name string, payload interface{}) *Context {
	r.lp.AssertInLoop()
	c := newContext(r, lib.NextContextID(), set, name, payload)
	r.logger.Debugf("Registry:NewContext", "cid:%d set:%d name:%q", c.id, set.ID(), name)
	return c
}

// Get returns the context registered under id, or nil.
func (r *Registry) Get(id lib.ContextID) *Context {
	return r.contexts[id]
}

// GetOrCreate returns the existing context for id, or reconstructs one from
// the remote description. Name and set are only used on creation.
func (r *Registry) GetOrCreate(id lib.ContextID, name string, set SetRef) *Context {
	r.lp.AssertInLoop()
	if c := r.contexts[id]; c != nil {
		return c
	}
	c := newContext(r, id, set, name, nil)
	r.logger.Debugf("Registry:GetOrCreate", "cid:%d set:%d name:%q created", id, set.ID(), name)
	return c
}

// Roots returns the ordered list of parentless attached contexts.
func (r *Registry) Roots() []*Context { return r.roots }

// Len returns the number of registered contexts, dead ones included.
func (r *Registry) Len() int { return len(r.contexts) }

// Clear force-releases every context, for the process shutdown hook. Sets
// are not touched; the set table has its own teardown.
func (r *Registry) Clear() {
	r.lp.AssertInLoop()
	n := len(r.contexts)
	for _, c := range r.contexts {
		c.ForceRelease()
	}
	r.contexts = make(map[lib.ContextID]*Context)
	r.roots = nil
	if n > 0 {
		r.logger.Debugf("Registry:Clear", "released %d contexts", n)
	}
}

func (r *Registry) add(c *Context) {
	if _, ok := r.contexts[c.id]; ok {
		panic(fmt.Sprintf("duplicate context ID %d", c.id))
	}
	r.contexts[c.id] = c
}

func (r *Registry) remove(c *Context) {
	delete(r.contexts, c.id)
}

func (r *Registry) notifyAttached(c *Context) {
	if r.notifier == nil || r.role.IsAuthority() {
		return
	}
	r.notifier.ContextAttached(parentID(c.parent), c.id, c.set.ID(), c.name)
}

func (r *Registry) notifyDetached(c *Context) {
	if r.notifier == nil || r.role.IsAuthority() {
		return
	}
	r.notifier.ContextDetached(c.id)
}

func (r *Registry) notifyDied(c *Context) {
	if r.notifier == nil {
		return
	}
	r.notifier.ContextDied(c.id, c.set.ID())
}
