package relset

import (
	"fmt"

	"go.bctree.io/bctree/bctx"
	"go.bctree.io/bctree/lib"
	"go.bctree.io/bctree/log"
	"go.bctree.io/bctree/loop"
)

// Table is the process-wide table of known sets. Like the context registry
// it is explicit state with an explicit teardown, not an ambient global.
type Table struct {
	role      lib.Role
	logger    *log.Logger
	lp        *loop.Loop
	messenger Messenger

	sets   map[lib.SetID]*Set
	chrome *Set
}

// NewTable creates an empty set table. Logger must not be nil; lp and
// messenger may be.
func NewTable(role lib.Role, logger *log.Logger, lp *loop.Loop, messenger Messenger) *Table {
	return &Table{
		role:      role,
		logger:    logger,
		lp:        lp,
		messenger: messenger,
		sets:      make(map[lib.SetID]*Set),
	}
}

// New creates and registers a set with a fresh identifier.
func (t *Table) New() *Set {
	t.lp.AssertInLoop()
	return t.register(lib.NextSetID())
}

// Get returns the set known under id, or nil.
func (t *Table) Get(id lib.SetID) *Set {
	return t.sets[id]
}

// GetOrCreate returns the set known under id, creating it from a remote
// description if needed. Identifiers are generated by the authority, so a
// duplicate registration of a locally generated id is a fatal bug.
func (t *Table) GetOrCreate(id lib.SetID) *Set {
	t.lp.AssertInLoop()
	if s := t.sets[id]; s != nil {
		return s
	}
	return t.register(id)
}

// Chrome returns the privileged singleton set, creating it on first use.
// Only the authority process has one.
func (t *Table) Chrome() *Set {
	t.lp.AssertInLoop()
	if !t.role.IsAuthority() {
		panic("chrome set requested in a content process")
	}
	if t.chrome == nil {
		s := t.New()
		s.chrome = true
		t.chrome = s
	}
	return t.chrome
}

// Len returns the number of known sets.
func (t *Table) Len() int { return len(t.sets) }

// Clear silently tears down every known set, for the process exit hook.
// No unsubscribe traffic is generated; peer disconnection resolves the
// authority-side state instead.
func (t *Table) Clear() {
	t.lp.AssertInLoop()
	n := len(t.sets)
	for _, s := range t.sets {
		s.clearForShutdown()
	}
	t.sets = make(map[lib.SetID]*Set)
	t.chrome = nil
	if n > 0 {
		t.logger.Debugf("Table:Clear", "released %d sets", n)
	}
}

// remove drops s from the table at destruction. The chrome singleton slot
// is cleared too so a later Chrome call does not hand out a destroyed set.
func (t *Table) remove(s *Set) {
	delete(t.sets, s.id)
	if t.chrome == s {
		t.chrome = nil
	}
}

func (t *Table) register(id lib.SetID) *Set {
	if _, ok := t.sets[id]; ok {
		panic(fmt.Sprintf("duplicate set ID %d", id))
	}
	s := &Set{
		id:       id,
		table:    t,
		members:  make(map[lib.ContextID]*bctx.Context),
		liveRefs: make(map[lib.ContextID]struct{}),
		epoch:    1,
	}
	t.sets[id] = s
	t.logger.Debugf("Table:Register", "sid:%d", id)
	return s
}
