// Package transport provides Transport implementations for jsonrpc.Node: an
// in-process pair for tests and same-process wiring, and a WebSocket
// transport for out-of-process peers (wallet backends, dApp pages).
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/walletmesh/core/internal/jsonrpc"
	"github.com/walletmesh/core/pkg/logging"
)

// NewPair returns two Transports wired directly to each other through
// buffered channels, with no network or serialization boundary. Useful for
// tests and for running a Router and Provider in the same process.
func NewPair() (a, b jsonrpc.Transport) {
	return NewPairWithOrigins("unknown", "unknown")
}

// NewPairWithOrigins is NewPair with explicit per-endpoint origins, for tests
// exercising origin-bound session behavior over an in-process transport.
func NewPairWithOrigins(originA, originB string) (a, b jsonrpc.Transport) {
	ab := make(chan frame, 64)
	ba := make(chan frame, 64)

	log := logging.GetDefault().Component("pair-transport")
	pa := &pairTransport{out: ab, in: ba, origin: originA, log: log, pending: make(map[uint64]chan jsonrpc.Response), closed: make(chan struct{})}
	pb := &pairTransport{out: ba, in: ab, origin: originB, log: log, pending: make(map[uint64]chan jsonrpc.Response), closed: make(chan struct{})}

	go pa.readLoop()
	go pb.readLoop()

	return pa, pb
}

type frameKind int

const (
	kindRequest frameKind = iota
	kindResponse
	kindNotification
)

type frame struct {
	kind  frameKind
	req   jsonrpc.Request
	resp  jsonrpc.Response
	notif jsonrpc.Notification
}

// pairTransport is an in-process Transport endpoint. It never marshals to
// bytes; frames are passed by value over a channel, which is sufficient to
// exercise every ordering and correlation guarantee without process
// boundaries getting in the way.
type pairTransport struct {
	out    chan<- frame
	in     <-chan frame
	origin string
	log    *logging.Logger

	mu      sync.Mutex
	pending map[uint64]chan jsonrpc.Response
	seq     uint64

	onRequest jsonrpc.RequestHandler
	onNotify  jsonrpc.NotificationHandler

	closeOnce sync.Once
	closed    chan struct{}
}

func (p *pairTransport) Send(ctx context.Context, req jsonrpc.Request) (jsonrpc.Response, error) {
	key := atomic.AddUint64(&p.seq, 1)
	ch := make(chan jsonrpc.Response, 1)

	p.mu.Lock()
	p.pending[key] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, key)
		p.mu.Unlock()
	}()

	tagged := req
	tagged.ID = jsonrpc.RequestID{Value: correlationID{Key: key, Orig: req.ID.Value}}

	select {
	case p.out <- frame{kind: kindRequest, req: tagged}:
	case <-ctx.Done():
		return jsonrpc.Response{}, ctx.Err()
	case <-p.closed:
		return jsonrpc.Response{}, fmt.Errorf("transport: closed")
	}

	select {
	case resp := <-ch:
		resp.ID = req.ID
		return resp, nil
	case <-ctx.Done():
		return jsonrpc.Response{}, ctx.Err()
	case <-p.closed:
		return jsonrpc.Response{}, fmt.Errorf("transport: closed")
	}
}

func (p *pairTransport) Notify(ctx context.Context, notif jsonrpc.Notification) error {
	select {
	case p.out <- frame{kind: kindNotification, notif: notif}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return fmt.Errorf("transport: closed")
	}
}

func (p *pairTransport) OnRequest(handler jsonrpc.RequestHandler) { p.onRequest = handler }
func (p *pairTransport) OnNotify(handler jsonrpc.NotificationHandler) { p.onNotify = handler }

func (p *pairTransport) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

// correlationID is the id the peer actually sees on the wire; it carries the
// sender's correlation key alongside the caller-visible original id so the
// peer's response can be routed back without either side needing shared id
// space.
type correlationID struct {
	Key  uint64      `json:"key"`
	Orig interface{} `json:"orig"`
}

func (p *pairTransport) readLoop() {
	for f := range p.in {
		switch f.kind {
		case kindRequest:
			if p.onRequest == nil {
				continue
			}
			go p.handleInboundRequest(f.req)
		case kindResponse:
			p.handleInboundResponse(f.resp)
		case kindNotification:
			if p.onNotify != nil {
				// Called synchronously (not in a goroutine): the
				// receiving Node's FIFO ordering guarantee depends on
				// notifications reaching its enqueue step in the same
				// order they arrive here.
				p.onNotify(jsonrpc.WithOrigin(context.Background(), p.origin), f.notif)
			}
		}
	}
}

func (p *pairTransport) handleInboundRequest(req jsonrpc.Request) {
	corr, _ := req.ID.Value.(correlationID)
	visible := req
	visible.ID = jsonrpc.RequestID{Value: corr.Orig}

	resp, err := p.onRequest(jsonrpc.WithOrigin(context.Background(), p.origin), visible)
	if err != nil {
		resp = jsonrpc.ErrorResponse(visible.ID, jsonrpc.ErrCodeInternalError, err.Error(), nil)
	}
	resp.ID = jsonrpc.RequestID{Value: corr}

	select {
	case p.out <- frame{kind: kindResponse, resp: resp}:
	case <-p.closed:
	}
}

func (p *pairTransport) handleInboundResponse(resp jsonrpc.Response) {
	corr, ok := resp.ID.Value.(correlationID)
	if !ok {
		p.log.Debug("discarding response with unknown correlation id", "id", resp.ID.Value)
		return
	}
	p.mu.Lock()
	ch, found := p.pending[corr.Key]
	p.mu.Unlock()
	if !found {
		p.log.Debug("discarding late response", "key", corr.Key)
		return
	}
	resp.ID = jsonrpc.RequestID{Value: corr.Orig}
	ch <- resp
}
