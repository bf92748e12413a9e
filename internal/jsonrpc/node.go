package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/walletmesh/core/pkg/logging"
)

// Handler processes a registered method's params and returns a result to be
// marshaled into the response, or an error to be surfaced to the caller.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Next invokes the remainder of the middleware chain (and ultimately dispatch).
type Next func(ctx context.Context, req Request) (Response, error)

// Middleware wraps dispatch of an inbound request. Middlewares compose in
// FIFO registration order around the final method dispatch.
type Middleware func(ctx context.Context, req Request, next Next) (Response, error)

type notifListener struct {
	id      uint64
	handler NotificationHandler
}

type queuedNotification struct {
	ctx   context.Context
	notif Notification
}

// Node is a symmetric JSON-RPC 2.0 endpoint: it frames requests to its peer
// through a Transport, correlates responses, dispatches inbound requests
// through a middleware chain onto registered methods, and delivers inbound
// notifications to subscribers in arrival order.
type Node struct {
	transport Transport
	log       *logging.Logger

	requestTimeout time.Duration
	idCounter      uint64

	mu          sync.RWMutex
	methods     map[string]Handler
	middlewares []Middleware

	listenersMu sync.RWMutex
	listeners   map[string][]notifListener
	listenerSeq uint64

	notifyQueue chan queuedNotification
	closeOnce   sync.Once
	closed      chan struct{}
}

// Option configures a Node.
type Option func(*Node)

// WithRequestTimeout sets the default timeout applied to Request calls whose
// context carries no deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(n *Node) { n.requestTimeout = d }
}

// WithLogger attaches a component logger; defaults to the package default.
func WithLogger(l *logging.Logger) Option {
	return func(n *Node) { n.log = l }
}

// NewNode creates a Node bound to the given transport and wires the
// transport's inbound request/notification callbacks to this node's
// dispatch pipeline.
func NewNode(transport Transport, opts ...Option) *Node {
	n := &Node{
		transport:   transport,
		log:         logging.GetDefault().Component("jsonrpc"),
		methods:     make(map[string]Handler),
		listeners:   make(map[string][]notifListener),
		notifyQueue: make(chan queuedNotification, 256),
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}

	transport.OnRequest(n.dispatch)
	transport.OnNotify(n.enqueueNotification)

	go n.drainNotifications()

	return n
}

// RegisterMethod registers a handler for an inbound method name. Registering
// the same name twice is a configuration error, surfaced immediately rather
// than silently shadowing the first handler.
func (n *Node) RegisterMethod(name string, handler Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.methods[name]; exists {
		return fmt.Errorf("jsonrpc: method %q already registered", name)
	}
	n.methods[name] = handler
	return nil
}

// AddMiddleware appends a middleware to the dispatch chain. Middlewares run
// in the order they were added, each wrapping the next.
func (n *Node) AddMiddleware(mw Middleware) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.middlewares = append(n.middlewares, mw)
}

// Request allocates a request id, sends method/params to the peer, and
// returns the raw result (or an error) once the correlated response arrives.
func (n *Node) Request(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = n.requestTimeout
	}
	if timeout > 0 {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
	}

	id := atomic.AddUint64(&n.idCounter, 1)
	req, err := NewFrame(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: marshal params for %s: %w", method, err)
	}

	resp, err := n.transport.Send(ctx, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, NewTimeoutError(fmt.Sprintf("%s exceeded its deadline", method))
		}
		return nil, NewTransportError(fmt.Sprintf("send %s", method), err)
	}
	if resp.Error != nil {
		return nil, NewRPCError(resp.Error)
	}
	return resp.Result, nil
}

// Notify sends a fire-and-forget notification to the peer.
func (n *Node) Notify(ctx context.Context, method string, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("jsonrpc: marshal notification %s: %w", method, err)
		}
		raw = data
	}
	return n.transport.Notify(ctx, Notification{JSONRPC: Version, Method: method, Params: raw})
}

// On subscribes to notifications with the given method name. The returned
// function unsubscribes; calling it after delivery has already started for
// an in-flight notification does not retroactively cancel that delivery.
func (n *Node) On(method string, handler NotificationHandler) (unsubscribe func()) {
	n.listenersMu.Lock()
	n.listenerSeq++
	id := n.listenerSeq
	n.listeners[method] = append(n.listeners[method], notifListener{id: id, handler: handler})
	n.listenersMu.Unlock()

	return func() {
		n.listenersMu.Lock()
		defer n.listenersMu.Unlock()
		entries := n.listeners[method]
		for i, l := range entries {
			if l.id == id {
				n.listeners[method] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
	}
}

// dispatch runs the middleware chain around the registered method handler
// for an inbound request.
func (n *Node) dispatch(ctx context.Context, req Request) (Response, error) {
	n.mu.RLock()
	chain := make([]Middleware, len(n.middlewares))
	copy(chain, n.middlewares)
	n.mu.RUnlock()

	final := n.invokeMethod
	handler := final
	for i := len(chain) - 1; i >= 0; i-- {
		mw := chain[i]
		next := handler
		handler = func(ctx context.Context, req Request) (Response, error) {
			return mw(ctx, req, next)
		}
	}
	return handler(ctx, req)
}

func (n *Node) invokeMethod(ctx context.Context, req Request) (Response, error) {
	n.mu.RLock()
	method, ok := n.methods[req.Method]
	n.mu.RUnlock()

	if !ok {
		return ErrorResponse(req.ID, ErrCodeMethodNotFound, "method not found", req.Method), nil
	}

	result, err := method(withRequestID(ctx, req.ID), req.Params)
	if err != nil {
		if re, ok := err.(*RPCError); ok && re.Err != nil {
			return Response{JSONRPC: Version, ID: req.ID, Error: re.Err}, nil
		}
		return ErrorResponse(req.ID, ErrCodeInternalError, err.Error(), nil), nil
	}

	resp, err := ResultResponse(req.ID, result)
	if err != nil {
		return ErrorResponse(req.ID, ErrCodeInternalError, "failed to marshal result", nil), nil
	}
	return resp, nil
}

// enqueueNotification is the transport's NotificationHandler. It queues the
// notification for serialized, arrival-ordered delivery rather than calling
// listeners directly, so ordering holds even if the transport delivers
// notifications from multiple goroutines.
func (n *Node) enqueueNotification(ctx context.Context, notif Notification) {
	select {
	case n.notifyQueue <- queuedNotification{ctx: ctx, notif: notif}:
	case <-n.closed:
	}
}

func (n *Node) drainNotifications() {
	for {
		select {
		case qn := <-n.notifyQueue:
			n.deliverNotification(qn.ctx, qn.notif)
		case <-n.closed:
			return
		}
	}
}

func (n *Node) deliverNotification(ctx context.Context, notif Notification) {
	n.listenersMu.RLock()
	entries := append([]notifListener(nil), n.listeners[notif.Method]...)
	n.listenersMu.RUnlock()

	for _, l := range entries {
		l.handler(ctx, notif)
	}
}

// Close shuts down the node's notification delivery loop and the underlying
// transport. Safe to call more than once.
func (n *Node) Close() error {
	n.closeOnce.Do(func() { close(n.closed) })
	return n.transport.Close()
}
