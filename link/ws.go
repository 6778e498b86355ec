package link

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"go.bctree.io/bctree/log"
	"go.bctree.io/bctree/message"
)

// wsConn wraps a websocket connection with the single-writer lock gorilla
// requires.
type wsConn struct {
	peer    string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) send(msg *message.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// WSServer is the authority side of the websocket fabric: it accepts one
// connection per content process and addresses each peer by its remote
// address.
type WSServer struct {
	logger *log.Logger
	disp   Dispatcher

	listener net.Listener
	server   *http.Server

	mu           sync.Mutex
	conns        map[string]*wsConn
	handler      Handler
	onDisconnect DisconnectHandler
	closed       bool
}

// ListenWS starts the authority-side listener on addr. Register handlers
// right after; connections are accepted immediately.
func ListenWS(addr string, logger *log.Logger, disp Dispatcher) (*WSServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	s := &WSServer{
		logger:   logger,
		disp:     disp,
		listener: listener,
		conns:    make(map[string]*wsConn),
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warnf("WSServer:Upgrade", "from:%s err:%v", r.RemoteAddr, err)
			return
		}
		wc := &wsConn{peer: conn.RemoteAddr().String(), conn: conn}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[wc.peer] = wc
		s.mu.Unlock()

		s.logger.Debugf("WSServer:Accept", "peer:%s", wc.peer)
		go s.readPump(wc)
	})
	s.server = &http.Server{Handler: mux}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("WSServer:Serve", "err:%v", err)
		}
	}()

	return s, nil
}

// Addr returns the address the server is listening on.
func (s *WSServer) Addr() string { return s.listener.Addr().String() }

// Send implements Link.
func (s *WSServer) Send(peer string, msg *message.Message) error {
	s.mu.Lock()
	wc := s.conns[peer]
	s.mu.Unlock()
	if wc == nil {
		return fmt.Errorf("no connected peer %q", peer)
	}
	return wc.send(msg)
}

// OnReceive implements Link.
func (s *WSServer) OnReceive(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// OnPeerDisconnect implements Link.
func (s *WSServer) OnPeerDisconnect(h DisconnectHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = h
}

// Close implements Link.
func (s *WSServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for _, wc := range s.conns {
		conns = append(conns, wc)
	}
	s.mu.Unlock()

	for _, wc := range conns {
		_ = wc.conn.Close()
	}
	return s.server.Close()
}

func (s *WSServer) readPump(wc *wsConn) {
	for {
		_, data, err := wc.conn.ReadMessage()
		if err != nil {
			break
		}
		msg, err := message.Decode(data)
		if err != nil {
			s.logger.Warnf("WSServer:Read", "peer:%s dropping: %v", wc.peer, err)
			continue
		}

		s.mu.Lock()
		h := s.handler
		closed := s.closed
		s.mu.Unlock()
		if closed {
			break
		}
		if h == nil {
			s.logger.Warnf("WSServer:Read", "peer:%s no handler, dropping %s", wc.peer, msg.Type)
			continue
		}
		s.disp.Queue(func() error { return h(wc.peer, msg) })
	}

	s.mu.Lock()
	delete(s.conns, wc.peer)
	h := s.onDisconnect
	closed := s.closed
	s.mu.Unlock()

	_ = wc.conn.Close()
	if h != nil && !closed {
		s.disp.Queue(func() error { return h(wc.peer) })
	}
	s.logger.Debugf("WSServer:Disconnect", "peer:%s", wc.peer)
}

// WSClient is the content side of the websocket fabric, holding the single
// connection to the authority.
type WSClient struct {
	logger *log.Logger
	disp   Dispatcher
	wc     *wsConn

	mu           sync.Mutex
	handler      Handler
	onDisconnect DisconnectHandler
	closed       bool
}

// DialWS connects to the authority at url (e.g. ws://host:port/).
func DialWS(url string, logger *log.Logger, disp Dispatcher) (*WSClient, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil) //nolint:bodyclose
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c := &WSClient{
		logger: logger,
		disp:   disp,
		wc:     &wsConn{peer: AuthorityPeer, conn: conn},
	}
	go c.readPump()
	return c, nil
}

// Send implements Link. The peer argument is ignored; everything goes to
// the authority.
func (c *WSClient) Send(_ string, msg *message.Message) error {
	return c.wc.send(msg)
}

// OnReceive implements Link.
func (c *WSClient) OnReceive(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// OnPeerDisconnect implements Link.
func (c *WSClient) OnPeerDisconnect(h DisconnectHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = h
}

// Close implements Link.
func (c *WSClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.wc.conn.Close()
}

func (c *WSClient) readPump() {
	for {
		_, data, err := c.wc.conn.ReadMessage()
		if err != nil {
			break
		}
		msg, err := message.Decode(data)
		if err != nil {
			c.logger.Warnf("WSClient:Read", "dropping: %v", err)
			continue
		}

		c.mu.Lock()
		h := c.handler
		closed := c.closed
		c.mu.Unlock()
		if closed {
			break
		}
		if h == nil {
			c.logger.Warnf("WSClient:Read", "no handler, dropping %s", msg.Type)
			continue
		}
		c.disp.Queue(func() error { return h(AuthorityPeer, msg) })
	}

	c.mu.Lock()
	h := c.onDisconnect
	closed := c.closed
	c.mu.Unlock()

	_ = c.wc.conn.Close()
	if h != nil && !closed {
		c.disp.Queue(func() error { return h(AuthorityPeer) })
	}
	c.logger.Debugf("WSClient:Disconnect", "authority link lost")
}
