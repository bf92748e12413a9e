package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/walletmesh/core/internal/jsonrpc"
	"github.com/walletmesh/core/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wireEnvelope discriminates an inbound WebSocket frame without committing
// to request, response, or notification shape ahead of time.
type wireEnvelope struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *jsonrpc.Error  `json:"error,omitempty"`
}

// WebSocketTransport implements jsonrpc.Transport over a single gorilla
// websocket connection. It correlates outbound requests against inbound
// responses by id, and keeps the connection alive with ping/pong framing the
// way a long-lived wallet-to-provider link needs to.
type WebSocketTransport struct {
	conn   *gorillaws.Conn
	log    *logging.Logger
	origin string

	send chan []byte

	mu      sync.Mutex
	pending map[string]chan jsonrpc.Response
	seq     uint64

	onRequest jsonrpc.RequestHandler
	onNotify  jsonrpc.NotificationHandler

	closeOnce sync.Once
	closed    chan struct{}
}

// Upgrade upgrades an HTTP connection to a WebSocket and wraps it as a
// Transport. The caller should register OnRequest/OnNotify before traffic
// starts flowing (the read pump is started here).
func Upgrade(w http.ResponseWriter, r *http.Request, log *logging.Logger) (*WebSocketTransport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket upgrade: %w", err)
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "unknown"
	}
	return newWebSocketTransport(conn, log, origin), nil
}

// Dial opens a client-side WebSocket connection to a wallet backend or relay.
func Dial(ctx context.Context, url string, log *logging.Logger) (*WebSocketTransport, error) {
	conn, _, err := gorillaws.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return newWebSocketTransport(conn, log, "unknown"), nil
}

func newWebSocketTransport(conn *gorillaws.Conn, log *logging.Logger, origin string) *WebSocketTransport {
	if log == nil {
		log = logging.GetDefault()
	}
	t := &WebSocketTransport{
		conn:    conn,
		log:     log.Component("ws-transport"),
		origin:  origin,
		send:    make(chan []byte, 256),
		pending: make(map[string]chan jsonrpc.Response),
		closed:  make(chan struct{}),
	}
	go t.writePump()
	go t.readPump()
	return t
}

func (t *WebSocketTransport) Send(ctx context.Context, req jsonrpc.Request) (jsonrpc.Response, error) {
	key := fmt.Sprintf("w%d", atomic.AddUint64(&t.seq, 1))
	ch := make(chan jsonrpc.Response, 1)

	t.mu.Lock()
	t.pending[key] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
	}()

	tagged := req
	tagged.ID = jsonrpc.RequestID{Value: key}
	data, err := json.Marshal(tagged)
	if err != nil {
		return jsonrpc.Response{}, fmt.Errorf("transport: marshal request: %w", err)
	}

	if err := t.enqueueWrite(ctx, data); err != nil {
		return jsonrpc.Response{}, err
	}

	select {
	case resp := <-ch:
		resp.ID = req.ID
		return resp, nil
	case <-ctx.Done():
		return jsonrpc.Response{}, ctx.Err()
	case <-t.closed:
		return jsonrpc.Response{}, fmt.Errorf("transport: connection closed")
	}
}

func (t *WebSocketTransport) Notify(ctx context.Context, notif jsonrpc.Notification) error {
	data, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("transport: marshal notification: %w", err)
	}
	return t.enqueueWrite(ctx, data)
}

func (t *WebSocketTransport) enqueueWrite(ctx context.Context, data []byte) error {
	select {
	case t.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return fmt.Errorf("transport: connection closed")
	}
}

func (t *WebSocketTransport) OnRequest(handler jsonrpc.RequestHandler) { t.onRequest = handler }
func (t *WebSocketTransport) OnNotify(handler jsonrpc.NotificationHandler) { t.onNotify = handler }

func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return t.conn.Close()
}

func (t *WebSocketTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case data, ok := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				t.conn.WriteMessage(gorillaws.CloseMessage, []byte{})
				return
			}
			if err := t.conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}

		case <-t.closed:
			return
		}
	}
}

func (t *WebSocketTransport) readPump() {
	defer func() {
		t.closeOnce.Do(func() { close(t.closed) })
		t.conn.Close()
	}()

	t.conn.SetReadLimit(maxMessageSize)
	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err, gorillaws.CloseGoingAway, gorillaws.CloseAbnormalClosure) {
				t.log.Debug("websocket read error", "error", err)
			}
			return
		}
		t.handleInbound(message)
	}
}

// handleInbound classifies an inbound frame by shape: a frame with no method
// is a response (discarded if its id matches no pending request); a method
// with an id is an inbound request; a method with no id is a notification.
func (t *WebSocketTransport) handleInbound(message []byte) {
	var env wireEnvelope
	if err := json.Unmarshal(message, &env); err != nil {
		t.log.Warn("discarding malformed frame", "error", err)
		return
	}

	if env.Method == "" {
		t.handleResponse(env)
		return
	}

	var id jsonrpc.RequestID
	if len(env.ID) > 0 {
		if err := json.Unmarshal(env.ID, &id); err != nil {
			t.log.Warn("discarding request with malformed id", "error", err)
			return
		}
	}

	if id.IsNotification() {
		if t.onNotify != nil {
			ctx := jsonrpc.WithOrigin(context.Background(), t.origin)
			t.onNotify(ctx, jsonrpc.Notification{
				JSONRPC: jsonrpc.Version,
				Method:  env.Method,
				Params:  env.Params,
			})
		}
		return
	}

	if t.onRequest == nil {
		return
	}
	go t.serveInboundRequest(jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      id,
		Method:  env.Method,
		Params:  env.Params,
	})
}

func (t *WebSocketTransport) serveInboundRequest(req jsonrpc.Request) {
	ctx := jsonrpc.WithOrigin(context.Background(), t.origin)
	resp, err := t.onRequest(ctx, req)
	if err != nil {
		resp = jsonrpc.ErrorResponse(req.ID, jsonrpc.ErrCodeInternalError, err.Error(), nil)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		t.log.Error("failed to marshal response", "error", err)
		return
	}
	select {
	case t.send <- data:
	case <-t.closed:
	}
}

func (t *WebSocketTransport) handleResponse(env wireEnvelope) {
	var key string
	if err := json.Unmarshal(env.ID, &key); err != nil {
		t.log.Warn("discarding response with non-string correlation id", "error", err)
		return
	}

	t.mu.Lock()
	ch, ok := t.pending[key]
	t.mu.Unlock()
	if !ok {
		t.log.Debug("discarding late response", "id", key)
		return
	}

	ch <- jsonrpc.Response{
		JSONRPC: jsonrpc.Version,
		Result:  env.Result,
		Error:   env.Error,
	}
}
