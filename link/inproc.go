package link

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"

	"go.bctree.io/bctree/message"
)

// Inproc is one end of an in-memory link pair. Delivery is asynchronous:
// Send buffers the message and a pump goroutine hands it to the other end's
// dispatcher, so replies always arrive as separate, later loop callbacks,
// the same as over a real transport.
type Inproc struct {
	name string
	peer *Inproc
	disp Dispatcher

	mu       sync.Mutex
	cond     *sync.Cond
	outbound *queue.Queue
	closed   bool

	handler      Handler
	onDisconnect DisconnectHandler
	done         chan struct{}
}

// Pair returns two connected in-process links. Each end sees the other
// under the given name and queues deliveries onto its own dispatcher.
func Pair(nameA string, dispA Dispatcher, nameB string, dispB Dispatcher) (*Inproc, *Inproc) {
	a := newInproc(nameA, dispA)
	b := newInproc(nameB, dispB)
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

func newInproc(name string, disp Dispatcher) *Inproc {
	l := &Inproc{
		name:     name,
		disp:     disp,
		outbound: queue.New(),
		done:     make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Send implements Link. The peer argument must name the other end.
func (l *Inproc) Send(peer string, msg *message.Message) error {
	if peer != l.peer.name {
		return fmt.Errorf("no connected peer %q", peer)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("link closed")
	}
	l.outbound.Add(msg)
	l.cond.Signal()
	return nil
}

// OnReceive implements Link.
func (l *Inproc) OnReceive(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// OnPeerDisconnect implements Link.
func (l *Inproc) OnPeerDisconnect(h DisconnectHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDisconnect = h
}

// Close implements Link. The other end observes a disconnect; undelivered
// messages are dropped.
func (l *Inproc) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.cond.Signal()
	l.mu.Unlock()

	<-l.done
	l.peer.disconnected(l.name)
	return nil
}

func (l *Inproc) pump() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for l.outbound.Length() == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.closed {
			l.mu.Unlock()
			return
		}
		msg := l.outbound.Remove().(*message.Message)
		l.mu.Unlock()

		l.peer.deliver(l.name, msg)
	}
}

func (l *Inproc) deliver(from string, msg *message.Message) {
	l.mu.Lock()
	h := l.handler
	closed := l.closed
	l.mu.Unlock()
	if closed || h == nil {
		return
	}
	l.disp.Queue(func() error { return h(from, msg) })
}

func (l *Inproc) disconnected(peer string) {
	l.mu.Lock()
	h := l.onDisconnect
	closed := l.closed
	l.mu.Unlock()
	if closed || h == nil {
		return
	}
	l.disp.Queue(func() error { return h(peer) })
}
