// Package link carries protocol messages between processes. The agent does
// not care what the fabric is: a websocket connector for real multi-process
// deployments and an in-process pair for tests both satisfy Link.
//
// Links never invoke handlers themselves; every received message and every
// disconnect is queued through a Dispatcher onto the process's coordination
// loop, so all protocol state stays loop-confined.
package link

import "go.bctree.io/bctree/message"

// AuthorityPeer is the peer name a content process addresses the authority
// under.
const AuthorityPeer = "authority"

// Handler processes one message received from the named peer. It runs on
// the coordination loop.
type Handler func(peer string, msg *message.Message) error

// DisconnectHandler runs on the coordination loop when a peer goes away.
type DisconnectHandler func(peer string) error

// Dispatcher queues a callback onto the coordination loop.
// *taskqueue.TaskQueue satisfies it.
type Dispatcher interface {
	Queue(fn func() error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(fn func() error)

// Queue implements Dispatcher.
func (f DispatcherFunc) Queue(fn func() error) { f(fn) }

// Link is one process's attachment to the messaging fabric. Handlers must
// be registered before the first message can arrive.
type Link interface {
	// Send delivers msg to the named peer. Fire-and-forget messages and
	// requests use the same path; replies arrive later through the receive
	// handler.
	Send(peer string, msg *message.Message) error
	// OnReceive registers the handler for incoming messages.
	OnReceive(h Handler)
	// OnPeerDisconnect registers the handler for peer departures.
	OnPeerDisconnect(h DisconnectHandler)
	// Close tears the link down. Peers observe a disconnect.
	Close() error
}
