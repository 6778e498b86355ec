package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"go.bctree.io/bctree/message"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// chanDispatcher runs queued callbacks on a dedicated goroutine, standing in
// for the coordination loop.
type chanDispatcher struct {
	ch   chan func() error
	done chan struct{}
}

func newChanDispatcher() *chanDispatcher {
	d := &chanDispatcher{ch: make(chan func() error, 64), done: make(chan struct{})}
	go func() {
		defer close(d.done)
		for fn := range d.ch {
			_ = fn()
		}
	}()
	return d
}

func (d *chanDispatcher) Queue(fn func() error) { d.ch <- fn }

func (d *chanDispatcher) close() {
	close(d.ch)
	<-d.done
}

func TestPairDelivery(t *testing.T) {
	dispA := newChanDispatcher()
	dispC := newChanDispatcher()
	defer dispA.close()
	defer dispC.close()

	authEnd, contEnd := Pair(AuthorityPeer, dispA, "content-1", dispC)

	type received struct {
		peer string
		msg  *message.Message
	}
	authGot := make(chan received, 1)
	contGot := make(chan received, 1)
	authEnd.OnReceive(func(peer string, msg *message.Message) error {
		authGot <- received{peer, msg}
		return nil
	})
	contEnd.OnReceive(func(peer string, msg *message.Message) error {
		contGot <- received{peer, msg}
		return nil
	})

	require.NoError(t, contEnd.Send(AuthorityPeer, message.MustNew(message.TypeHello, message.Hello{Name: "c1"})))
	got := <-authGot
	assert.Equal(t, "content-1", got.peer)
	assert.Equal(t, message.TypeHello, got.msg.Type)

	require.NoError(t, authEnd.Send("content-1", message.MustNew(message.TypeHello, message.Hello{Name: "auth"})))
	got = <-contGot
	assert.Equal(t, AuthorityPeer, got.peer)

	require.NoError(t, contEnd.Close())
	require.NoError(t, authEnd.Close())
}

func TestPairSendUnknownPeer(t *testing.T) {
	dispA := newChanDispatcher()
	dispC := newChanDispatcher()
	defer dispA.close()
	defer dispC.close()

	authEnd, contEnd := Pair(AuthorityPeer, dispA, "content-1", dispC)
	defer func() {
		_ = contEnd.Close()
		_ = authEnd.Close()
	}()

	err := contEnd.Send("nobody", message.MustNew(message.TypeHello, message.Hello{}))
	assert.Error(t, err)
}

func TestPairDisconnectNotifiesPeer(t *testing.T) {
	dispA := newChanDispatcher()
	dispC := newChanDispatcher()
	defer dispA.close()
	defer dispC.close()

	authEnd, contEnd := Pair(AuthorityPeer, dispA, "content-1", dispC)

	gone := make(chan string, 1)
	authEnd.OnPeerDisconnect(func(peer string) error {
		gone <- peer
		return nil
	})

	require.NoError(t, contEnd.Close())
	select {
	case peer := <-gone:
		assert.Equal(t, "content-1", peer)
	case <-time.After(5 * time.Second):
		t.Fatal("no disconnect notification")
	}

	// A closed link refuses further sends; closing twice is fine.
	assert.Error(t, contEnd.Send(AuthorityPeer, message.MustNew(message.TypeHello, message.Hello{})))
	require.NoError(t, contEnd.Close())
	require.NoError(t, authEnd.Close())
}
