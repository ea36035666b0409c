package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/tliron/commonlog"

	"github.com/chazu/mjvm/vm"
)

// ---------------------------------------------------------------------------
// TCP: the debugger byte protocol on a plain stream
// ---------------------------------------------------------------------------

// TCPTransport serves the debugger wire protocol of one endpoint to TCP
// clients. Requests are framed by their command byte; responses are
// written back unframed, in order.
type TCPTransport struct {
	addr string
	ep   *Endpoint
	log  commonlog.Logger

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewTCPTransport creates a transport for ep listening on addr.
func NewTCPTransport(addr string, ep *Endpoint) *TCPTransport {
	return &TCPTransport{
		addr:  addr,
		ep:    ep,
		log:   commonlog.GetLogger("mjvm.server"),
		conns: make(map[net.Conn]struct{}),
	}
}

// Listen binds the listening socket.
func (t *TCPTransport) Listen() error {
	ln, err := net.Listen("tcp", t.addr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.ln = ln
	t.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (t *TCPTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// Serve accepts clients until ctx is cancelled. It binds first when Listen
// has not been called.
func (t *TCPTransport) Serve(ctx context.Context) error {
	if t.Addr() == nil {
		if err := t.Listen(); err != nil {
			return err
		}
	}
	t.log.Noticef("debugger listening on %s", t.Addr())

	stop := context.AfterFunc(ctx, t.Close)
	defer stop()

	for {
		conn, err := t.ln.Accept()
		if err != nil {
			t.Close()
			t.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			continue
		}
		t.conns[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.serveConn(conn)
		}()
	}
}

func (t *TCPTransport) serveConn(conn net.Conn) {
	defer func() {
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
		conn.Close()
	}()
	t.log.Infof("debugger client connected from %s", conn.RemoteAddr())

	br := bufio.NewReader(conn)
	reply := func(b []byte) error {
		_, err := conn.Write(b)
		return err
	}
	for {
		req, err := vm.ReadCommand(br)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				// the stream cannot be resynchronised
				t.log.Warningf("debugger client %s: %s", conn.RemoteAddr(), err)
			}
			return
		}
		if err := t.ep.Exchange(req, reply); err != nil {
			t.log.Warningf("debugger client %s: %s", conn.RemoteAddr(), err)
			return
		}
	}
}

// Close stops accepting and disconnects every client.
func (t *TCPTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.ln != nil {
		t.ln.Close()
	}
	for conn := range t.conns {
		conn.Close()
	}
}

// ---------------------------------------------------------------------------
// WebSocket: one binary message per request and response
// ---------------------------------------------------------------------------

// WebSocketPath is where the server mounts the websocket transport.
const WebSocketPath = "/debug/ws"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// WebSocketHandler serves the debugger wire protocol over websockets. The
// session query parameter selects the endpoint.
type WebSocketHandler struct {
	sessions *SessionStore
	log      commonlog.Logger
}

// NewWebSocketHandler creates a handler for sessions.
func NewWebSocketHandler(sessions *SessionStore) *WebSocketHandler {
	return &WebSocketHandler{sessions: sessions, log: commonlog.GetLogger("mjvm.server")}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	session, ok := h.sessions.Get(r.URL.Query().Get("session"))
	if !ok {
		http.Error(w, "unknown debug session", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		h.log.Warningf("websocket upgrade failed: %s", err)
		return
	}
	defer conn.Close()

	reply := func(b []byte) error {
		return conn.WriteMessage(websocket.BinaryMessage, b)
	}
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Infof("websocket client %s: %s", r.RemoteAddr, err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "binary messages only"))
			return
		}
		if err := session.Endpoint.Exchange(msg, reply); err != nil {
			if errors.Is(err, vm.ErrMalformedCommand) {
				h.log.Debugf("websocket client %s: %s", r.RemoteAddr, err)
				continue
			}
			h.log.Warningf("websocket client %s: %s", r.RemoteAddr, err)
			return
		}
	}
}
