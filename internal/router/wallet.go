package router

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/walletmesh/core/internal/jsonrpc"
)

// walletBinding is one chain's wallet transport, plus the cancellation scope
// that lets RemoveWallet fail every in-flight call for that chain without
// tearing down the transport's peer connection itself.
type walletBinding struct {
	chainID     string
	transport   jsonrpc.Transport
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
}

// AddWallet registers a chain-specific wallet transport. Notifications the
// wallet pushes are re-emitted to the dApp as wm_walletStateChanged. Adding a
// chain id that is already bound replaces the previous binding, tearing down
// its notification subscription first.
func (r *Router) AddWallet(chainID string, t jsonrpc.Transport) {
	ctx, cancel := context.WithCancel(context.Background())
	binding := &walletBinding{chainID: chainID, transport: t, ctx: ctx, cancel: cancel}
	binding.unsubscribe = func() { t.OnNotify(func(context.Context, jsonrpc.Notification) {}) }

	r.walletsMu.Lock()
	old, existed := r.wallets[chainID]
	r.wallets[chainID] = binding
	r.walletsMu.Unlock()

	if existed {
		old.cancel()
		if old.unsubscribe != nil {
			old.unsubscribe()
		}
	}

	t.OnNotify(func(_ context.Context, notif jsonrpc.Notification) {
		r.rebroadcastWalletNotification(chainID, notif)
	})
}

// RemoveWallet unregisters a chain's wallet transport. In-flight calls for
// that chain observe walletNotAvailable; future calls fail immediately with
// unknownChain, since the chain id no longer resolves in the wallets map.
func (r *Router) RemoveWallet(chainID string) {
	r.walletsMu.Lock()
	binding, ok := r.wallets[chainID]
	if ok {
		delete(r.wallets, chainID)
	}
	r.walletsMu.Unlock()

	if !ok {
		return
	}
	if binding.unsubscribe != nil {
		binding.unsubscribe()
	}
	binding.cancel()
}

func (r *Router) walletBinding(chainID string) (*walletBinding, bool) {
	r.walletsMu.RLock()
	defer r.walletsMu.RUnlock()
	b, ok := r.wallets[chainID]
	return b, ok
}

func (r *Router) rebroadcastWalletNotification(chainID string, notif jsonrpc.Notification) {
	payload := struct {
		ChainID string          `json:"chainId"`
		Changes json.RawMessage `json:"changes"`
	}{ChainID: chainID, Changes: notif.Params}

	if err := r.node.Notify(context.Background(), "wm_walletStateChanged", payload); err != nil {
		r.log.Warn("failed to rebroadcast wallet notification", "chainId", chainID, "error", err)
	}
}

// forwardToWallet sends one inner call to chainID's wallet transport. The
// call is cancelled by the caller's ctx, the router's request timeout, or
// the wallet's own removal, whichever happens first, so a concurrent
// RemoveWallet always wins the race against an in-flight response.
func (r *Router) forwardToWallet(ctx context.Context, chainID string, call innerCall) (json.RawMessage, error) {
	binding, ok := r.walletBinding(chainID)
	if !ok {
		return nil, errUnknownChain(chainID)
	}

	callCtx, cancel := context.WithCancel(ctx)
	if r.requestTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, r.requestTimeout)
	}
	defer cancel()
	go func() {
		select {
		case <-binding.ctx.Done():
			cancel()
		case <-callCtx.Done():
		}
	}()

	id := atomic.AddUint64(&r.walletReqSeq, 1)
	var params interface{}
	if len(call.Params) > 0 {
		params = call.Params
	}
	req, err := jsonrpc.NewFrame(id, call.Method, params)
	if err != nil {
		return nil, errWalletNotAvailable(chainID)
	}

	resp, err := binding.transport.Send(callCtx, req)
	if binding.ctx.Err() != nil {
		return nil, errWalletNotAvailable(chainID)
	}
	if err != nil {
		if ctx.Err() != nil || callCtx.Err() == context.DeadlineExceeded {
			return nil, errTimeout("wallet request exceeded its deadline")
		}
		return nil, errWalletNotAvailable(chainID)
	}
	if resp.Error != nil {
		if resp.Error.Code == jsonrpc.ErrCodeMethodNotFound {
			return nil, errMethodNotSupported(call.Method)
		}
		return nil, errFromWallet(resp.Error)
	}
	return resp.Result, nil
}
