// Package agent wires one process into the context tree protocol: it owns
// the coordination loop, the context registry, the set table and the
// process link, and it implements the message handlers for both the
// authority and the content role.
package agent

import (
	"fmt"
	"sync"

	"github.com/mstoykov/k6-taskqueue-lib/taskqueue"

	"go.bctree.io/bctree/bctx"
	"go.bctree.io/bctree/lib"
	"go.bctree.io/bctree/link"
	"go.bctree.io/bctree/log"
	"go.bctree.io/bctree/loop"
	"go.bctree.io/bctree/message"
	"go.bctree.io/bctree/relset"
)

// LinkFactory connects the agent to the messaging fabric. It receives the
// dispatcher that queues link events onto the coordination loop.
type LinkFactory func(disp link.Dispatcher) (link.Link, error)

// Agent is one process's node in the protocol.
type Agent struct {
	role   lib.Role
	name   string
	logger *log.Logger

	lp *loop.Loop
	tq *taskqueue.TaskQueue

	registry  *bctx.Registry
	sets      *relset.Table
	authority *relset.Authority
	lk        link.Link

	// contexts this agent holds the replica/canonical reference on,
	// released when the context dies
	heldRefs map[lib.ContextID]struct{}

	started   chan struct{}
	stop      func(func() error)
	closeOnce sync.Once
}

type loopDispatcher struct{ tq *taskqueue.TaskQueue }

func (d loopDispatcher) Queue(fn func() error) { d.tq.Queue(fn) }

// New creates an agent and connects its link. Run must be called before any
// protocol traffic is processed.
func New(role lib.Role, name string, logger *log.Logger, connect LinkFactory) (*Agent, error) {
	lp := loop.New(logger)
	a := &Agent{
		role:     role,
		name:     name,
		logger:   logger,
		lp:       lp,
		tq:       taskqueue.New(lp.RegisterCallback),
		heldRefs: make(map[lib.ContextID]struct{}),
		started:  make(chan struct{}),
	}
	a.registry = bctx.NewRegistry(role, logger, lp, a)
	a.sets = relset.NewTable(role, logger, lp, a)
	if role.IsAuthority() {
		a.authority = relset.NewAuthority(logger, lp)
	}

	lk, err := connect(loopDispatcher{a.tq})
	if err != nil {
		return nil, err
	}
	a.lk = lk
	lk.OnReceive(a.handleMessage)
	lk.OnPeerDisconnect(a.handlePeerDisconnect)
	return a, nil
}

// Registry returns the process-wide context registry.
func (a *Agent) Registry() *bctx.Registry { return a.registry }

// Sets returns the process-wide set table.
func (a *Agent) Sets() *relset.Table { return a.sets }

// Authority returns the authority-side tracker, nil in a content process.
func (a *Agent) Authority() *relset.Authority { return a.authority }

// Link returns the process link.
func (a *Agent) Link() link.Link { return a.lk }

// Role returns the process role.
func (a *Agent) Role() lib.Role { return a.role }

// Post queues fn onto the coordination loop. This is the only correct way
// to touch the registry or the set table from outside the loop.
func (a *Agent) Post(fn func() error) {
	a.tq.Queue(fn)
}

// Run runs the coordination loop on the calling goroutine until Close is
// called. A content agent announces itself to the authority first.
func (a *Agent) Run() error {
	err := a.lp.Start(func() error {
		a.stop = a.lp.RegisterCallback()
		close(a.started)
		a.logger.Infof("Agent:Run", "%s agent %q running", a.role, a.name)
		if !a.role.IsAuthority() {
			return a.send(link.AuthorityPeer, message.TypeHello, message.Hello{Name: a.name})
		}
		return nil
	})
	if err != nil {
		a.lp.WaitOnRegistered()
	}
	return err
}

// Close shuts the agent down: the link is closed, registries are
// force-cleared on the loop, and Run returns. Safe to call from any
// goroutine, once Run has started.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		<-a.started
		_ = a.lk.Close()
		a.stop(func() error {
			a.shutdown()
			return nil
		})
		a.tq.Close()
	})
}

// shutdown is the process exit hook: it force-clears all protocol state.
func (a *Agent) shutdown() {
	a.logger.Infof("Agent:Shutdown", "%s agent %q shutting down", a.role, a.name)
	if a.authority != nil {
		a.authority.Clear()
	}
	a.registry.Clear()
	a.sets.Clear()
}

// TransmitContext replicates c to the named peer, subscribing the peer to
// c's set at a fresh epoch. Authority only; must run on the loop.
func (a *Agent) TransmitContext(peer string, c *bctx.Context) error {
	if !a.role.IsAuthority() {
		panic("TransmitContext called in a content process")
	}
	if c.IsDead() {
		return fmt.Errorf("cannot transmit dead context %d", c.ID())
	}
	epoch := a.authority.Subscribe(peer, c.Set().ID())
	return a.send(peer, message.TypeTransmitContext, message.TransmitContext{
		Set:    c.Set().ID(),
		Epoch:  epoch,
		Parent: contextID(c.Parent()),
		Self:   c.ID(),
		Name:   c.Name(),
	})
}

// ReleaseContext drops the reference the agent holds on a replicated or
// mirrored context, declaring that this process no longer uses it. Losing
// the set's last live reference starts the unsubscribe handshake. Must run
// on the loop.
func (a *Agent) ReleaseContext(c *bctx.Context) {
	a.dropRef(c)
}

func (a *Agent) send(peer string, t message.Type, payload interface{}) error {
	msg, err := message.New(t, payload)
	if err != nil {
		return err
	}
	if err := a.lk.Send(peer, msg); err != nil {
		a.logger.Warnf("Agent:Send", "peer:%s type:%s err:%v", peer, t, err)
		return err
	}
	return nil
}

func contextID(c *bctx.Context) lib.ContextID {
	if c == nil {
		return lib.NoContext
	}
	return c.ID()
}
