package jsonrpc

import "context"

// RequestHandler processes an inbound request addressed to this node and
// returns the response to write back. Used both for router-side method
// dispatch and for requests a node receives from its peer (e.g. a wallet
// backend pushing a server-initiated call).
type RequestHandler func(ctx context.Context, req Request) (Response, error)

// NotificationHandler processes an inbound fire-and-forget notification.
type NotificationHandler func(ctx context.Context, notif Notification)

// Transport abstracts the underlying bidirectional message channel (a
// WebSocket, a local in-process pair, a browser extension port, ...). The
// core never assumes a particular framing beyond "messages are delivered as
// JSON-RPC frames".
type Transport interface {
	// Send transmits a request and waits for its correlated response.
	Send(ctx context.Context, req Request) (Response, error)

	// Notify transmits a fire-and-forget notification.
	Notify(ctx context.Context, notif Notification) error

	// OnRequest registers the handler for inbound peer-initiated requests.
	// Only one handler may be registered; later calls replace it.
	OnRequest(handler RequestHandler)

	// OnNotify registers the handler for inbound notifications.
	// Only one handler may be registered; later calls replace it.
	OnNotify(handler NotificationHandler)

	// Close shuts down the transport. Safe to call more than once.
	Close() error
}
