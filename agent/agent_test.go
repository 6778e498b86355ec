package agent_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"go.bctree.io/bctree/agent"
	"go.bctree.io/bctree/bctx"
	"go.bctree.io/bctree/lib"
	"go.bctree.io/bctree/link"
	"go.bctree.io/bctree/log"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// dispProxy defers dispatcher wiring, so the link pair can be created before
// the agents that own its ends.
type dispProxy struct {
	mu      sync.Mutex
	d       link.Dispatcher
	pending []func() error
}

func (p *dispProxy) Queue(fn func() error) {
	p.mu.Lock()
	d := p.d
	if d == nil {
		p.pending = append(p.pending, fn)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	d.Queue(fn)
}

func (p *dispProxy) set(d link.Dispatcher) {
	p.mu.Lock()
	p.d = d
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, fn := range pending {
		d.Queue(fn)
	}
}

type testPair struct {
	auth, cont *agent.Agent
	authErr    chan error
	contErr    chan error
}

func startPair(t *testing.T) *testPair {
	t.Helper()
	logger := log.NewNullLogger()

	authProxy, contProxy := &dispProxy{}, &dispProxy{}
	authEnd, contEnd := link.Pair(link.AuthorityPeer, authProxy, "content-1", contProxy)

	auth, err := agent.New(lib.RoleAuthority, "authority", logger,
		func(d link.Dispatcher) (link.Link, error) {
			authProxy.set(d)
			return authEnd, nil
		})
	require.NoError(t, err)

	cont, err := agent.New(lib.RoleContent, "content-1", logger,
		func(d link.Dispatcher) (link.Link, error) {
			contProxy.set(d)
			return contEnd, nil
		})
	require.NoError(t, err)

	p := &testPair{auth: auth, cont: cont, authErr: make(chan error, 1), contErr: make(chan error, 1)}
	go func() { p.authErr <- auth.Run() }()
	go func() { p.contErr <- cont.Run() }()
	return p
}

func (p *testPair) stop(t *testing.T) {
	t.Helper()
	p.cont.Close()
	require.NoError(t, <-p.contErr)
	p.auth.Close()
	require.NoError(t, <-p.authErr)
}

// onLoop runs fn on a's coordination loop and waits for it.
func onLoop(t *testing.T, a *agent.Agent, fn func()) {
	t.Helper()
	done := make(chan struct{})
	a.Post(func() error {
		fn()
		close(done)
		return nil
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("coordination loop stalled")
	}
}

// waitFor polls cond on a's coordination loop until it holds.
func waitFor(t *testing.T, a *agent.Agent, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		onLoop(t, a, func() { ok = cond() })
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never observed: %s", desc)
}

func TestAttachMirroredToAuthority(t *testing.T) {
	p := startPair(t)
	defer p.stop(t)

	var (
		c   *bctx.Context
		cid lib.ContextID
		sid lib.SetID
	)
	onLoop(t, p.cont, func() {
		s := p.cont.Sets().New()
		c = p.cont.Registry().NewContext(s, "tab", nil)
		c.Ref()
		c.Attach(nil)
		cid, sid = c.ID(), s.ID()
	})

	waitFor(t, p.auth, "attach mirrored", func() bool {
		mirror := p.auth.Registry().Get(cid)
		return mirror != nil && mirror.Parent() == nil && len(p.auth.Registry().Roots()) == 1 &&
			p.auth.Authority().IsSubscribed("content-1", sid)
	})
	onLoop(t, p.auth, func() {
		mirror := p.auth.Registry().Get(cid)
		assert.Equal(t, "tab", mirror.Name())
		assert.Equal(t, sid, mirror.Set().ID())
	})

	onLoop(t, p.cont, func() { c.Detach() })
	waitFor(t, p.auth, "detach mirrored", func() bool {
		return len(p.auth.Registry().Roots()) == 0 && p.auth.Registry().Get(cid) != nil
	})

	// Dropping the last reference runs the unsubscribe handshake to
	// completion and releases the whole set in the content process.
	onLoop(t, p.cont, func() { c.Unref() })
	waitFor(t, p.cont, "set released", func() bool {
		return p.cont.Sets().Get(sid) == nil && p.cont.Registry().Get(cid) == nil
	})
	waitFor(t, p.auth, "subscription dropped", func() bool {
		return !p.auth.Authority().IsSubscribed("content-1", sid)
	})
}

func TestPostBeforeRunIsNotLost(t *testing.T) {
	logger := log.NewNullLogger()

	authProxy, contProxy := &dispProxy{}, &dispProxy{}
	authEnd, contEnd := link.Pair(link.AuthorityPeer, authProxy, "content-1", contProxy)

	auth, err := agent.New(lib.RoleAuthority, "authority", logger,
		func(d link.Dispatcher) (link.Link, error) {
			authProxy.set(d)
			return authEnd, nil
		})
	require.NoError(t, err)

	cont, err := agent.New(lib.RoleContent, "content-1", logger,
		func(d link.Dispatcher) (link.Link, error) {
			contProxy.set(d)
			return contEnd, nil
		})
	require.NoError(t, err)

	// Queue work onto both loops before Run has started them. The loops must
	// run it instead of dropping it on startup.
	var (
		cid lib.ContextID
		sid lib.SetID
	)
	ran := make(chan struct{})
	cont.Post(func() error {
		s := cont.Sets().New()
		c := cont.Registry().NewContext(s, "tab", nil)
		c.Ref()
		c.Attach(nil)
		cid, sid = c.ID(), s.ID()
		close(ran)
		return nil
	})
	auth.Post(func() error { return nil })

	p := &testPair{auth: auth, cont: cont, authErr: make(chan error, 1), contErr: make(chan error, 1)}
	go func() { p.authErr <- auth.Run() }()
	go func() { p.contErr <- cont.Run() }()
	defer p.stop(t)

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("work posted before Run never ran")
	}
	waitFor(t, p.auth, "early attach mirrored", func() bool {
		return p.auth.Registry().Get(cid) != nil &&
			p.auth.Authority().IsSubscribed("content-1", sid)
	})
	// Later posts still run on both loops.
	onLoop(t, p.cont, func() {})
	onLoop(t, p.auth, func() {})
}

func TestTransmitAndDeathHandshake(t *testing.T) {
	p := startPair(t)
	defer p.stop(t)

	var (
		c       *bctx.Context
		cid     lib.ContextID
		sid     lib.SetID
		sendErr error
	)
	onLoop(t, p.auth, func() {
		s := p.auth.Sets().Chrome()
		c = p.auth.Registry().NewContext(s, "root", nil)
		c.Ref()
		c.Attach(nil)
		cid, sid = c.ID(), s.ID()
		sendErr = p.auth.TransmitContext("content-1", c)
	})
	require.NoError(t, sendErr)

	waitFor(t, p.cont, "replica created", func() bool {
		replica := p.cont.Registry().Get(cid)
		return replica != nil && p.cont.Sets().Get(sid) != nil
	})
	onLoop(t, p.cont, func() {
		replica := p.cont.Registry().Get(cid)
		assert.Equal(t, "root", replica.Name())
		assert.Equal(t, 1, replica.RefCount())
	})

	// The death handshake: the content process kills its replica, releases
	// its set and acknowledges, which lets the authority delete the context.
	onLoop(t, p.auth, func() {
		c.Die()
		c.Unref()
	})
	waitFor(t, p.cont, "replica released", func() bool {
		return p.cont.Registry().Get(cid) == nil && p.cont.Sets().Get(sid) == nil
	})
	waitFor(t, p.auth, "death acknowledged", func() bool {
		return p.auth.Registry().Get(cid) == nil &&
			!p.auth.Authority().IsSubscribed("content-1", sid)
	})
}

func TestRetransmitAbortsUnsubscribe(t *testing.T) {
	p := startPair(t)
	defer p.stop(t)

	var (
		c       *bctx.Context
		cid     lib.ContextID
		sid     lib.SetID
		sendErr error
	)
	onLoop(t, p.auth, func() {
		s := p.auth.Sets().Chrome()
		c = p.auth.Registry().NewContext(s, "root", nil)
		c.Ref()
		c.Attach(nil)
		cid, sid = c.ID(), s.ID()
		sendErr = p.auth.TransmitContext("content-1", c)
	})
	require.NoError(t, sendErr)
	waitFor(t, p.cont, "replica created", func() bool {
		return p.cont.Registry().Get(cid) != nil
	})

	// The content process drops its replica reference, then the authority
	// retransmits before handling the unsubscribe. The retransmission bumps
	// the epoch, so the in-flight request is refused and the set survives.
	onLoop(t, p.cont, func() { p.cont.ReleaseContext(p.cont.Registry().Get(cid)) })
	onLoop(t, p.auth, func() { sendErr = p.auth.TransmitContext("content-1", c) })
	require.NoError(t, sendErr)

	waitFor(t, p.auth, "still subscribed", func() bool {
		return p.auth.Authority().IsSubscribed("content-1", sid)
	})
	waitFor(t, p.cont, "set survives at the new epoch", func() bool {
		s := p.cont.Sets().Get(sid)
		return s != nil && s.Epoch() >= 2 && p.cont.Registry().Get(cid) != nil
	})
}

func TestPeerDisconnectClearsAuthorityState(t *testing.T) {
	p := startPair(t)
	authClosed := false
	defer func() {
		if !authClosed {
			p.auth.Close()
			<-p.authErr
		}
	}()

	var (
		c   *bctx.Context
		sid lib.SetID
	)
	onLoop(t, p.cont, func() {
		s := p.cont.Sets().New()
		c = p.cont.Registry().NewContext(s, "tab", nil)
		c.Ref()
		c.Attach(nil)
		sid = s.ID()
	})
	waitFor(t, p.auth, "subscribed", func() bool {
		return p.auth.Authority().IsSubscribed("content-1", sid)
	})

	p.cont.Close()
	require.NoError(t, <-p.contErr)
	waitFor(t, p.auth, "subscription cleared on disconnect", func() bool {
		return !p.auth.Authority().IsSubscribed("content-1", sid)
	})

	p.auth.Close()
	require.NoError(t, <-p.authErr)
	authClosed = true
}
