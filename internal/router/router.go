// Package router implements the dApp-facing JSON-RPC meta-protocol: session
// lifecycle, permission enforcement, dangerous-method approval, and fan-out
// to per-chain wallet transports.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/walletmesh/core/internal/approval"
	"github.com/walletmesh/core/internal/jsonrpc"
	"github.com/walletmesh/core/internal/permission"
	"github.com/walletmesh/core/internal/session"
	"github.com/walletmesh/core/pkg/logging"
)

// Router owns a dApp-facing jsonrpc.Node and composes session validation,
// permission enforcement, and dangerous-method approval around forwarding to
// the correct chain's wallet transport.
type Router struct {
	node           *jsonrpc.Node
	sessions       session.Store
	sessionCfg     session.Config
	permissions    permission.Manager
	approvals      *approval.Queue
	dangerous      map[string]bool
	requestTimeout time.Duration
	log            *logging.Logger

	walletsMu    sync.RWMutex
	wallets      map[string]*walletBinding
	walletReqSeq uint64
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithSessionStore overrides the default in-memory session store.
func WithSessionStore(store session.Store) Option {
	return func(r *Router) { r.sessions = store }
}

// WithSessionConfig overrides session lifetime defaults used by wm_connect
// when a request omits lifetimeMs.
func WithSessionConfig(cfg session.Config) Option {
	return func(r *Router) { r.sessionCfg = cfg }
}

// WithApprovalQueue overrides the default approval queue (5 minute timeout).
func WithApprovalQueue(q *approval.Queue) Option {
	return func(r *Router) { r.approvals = q }
}

// WithRequestTimeout bounds every outbound wallet request; the default is
// 30 seconds.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Router) { r.requestTimeout = d }
}

// WithDangerousMethods marks inner methods that require approval-queue
// confirmation in addition to permission-manager policy.
func WithDangerousMethods(methods []string) Option {
	return func(r *Router) {
		for _, m := range methods {
			r.dangerous[m] = true
		}
	}
}

// WithLogger attaches a component logger; defaults to the package default.
func WithLogger(l *logging.Logger) Option {
	return func(r *Router) { r.log = l }
}

// New constructs a Router bound to the dApp-facing transport and registers
// the wm_* meta-protocol on it. Wallet transports are attached afterward via
// AddWallet.
func New(transport jsonrpc.Transport, permissions permission.Manager, opts ...Option) (*Router, error) {
	r := &Router{
		sessions:       session.NewMemoryStore(session.DefaultConfig()),
		sessionCfg:     session.DefaultConfig(),
		permissions:    permissions,
		approvals:      approval.New(5 * time.Minute),
		dangerous:      make(map[string]bool),
		requestTimeout: 30 * time.Second,
		log:            logging.GetDefault().Component("router"),
		wallets:        make(map[string]*walletBinding),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.node = jsonrpc.NewNode(transport, jsonrpc.WithLogger(r.log))

	methods := []struct {
		name    string
		handler jsonrpc.Handler
	}{
		{"wm_connect", r.handleConnect},
		{"wm_reconnect", r.handleReconnect},
		{"wm_disconnect", r.handleDisconnect},
		{"wm_call", r.handleCall},
		{"wm_bulkCall", r.handleBulkCall},
		{"wm_getPermissions", r.handleGetPermissions},
		{"wm_updatePermissions", r.handleUpdatePermissions},
		{"wm_getSupportedMethods", r.handleGetSupportedMethods},
	}
	for _, m := range methods {
		if err := r.node.RegisterMethod(m.name, m.handler); err != nil {
			return nil, fmt.Errorf("router: %w", err)
		}
	}
	return r, nil
}

// Close rejects every outstanding approval and shuts down the dApp-facing
// node and its transport.
func (r *Router) Close() error {
	r.approvals.CleanupAll()
	return r.node.Close()
}

// PendingApprovals returns every dangerous-method call currently awaiting
// confirmation, for an embedding application to render as a prompt.
func (r *Router) PendingApprovals() []*approval.ApprovalContext {
	return r.approvals.GetAllPending()
}

// ResolveApproval is how an embedding application's UI confirms or denies a
// pending wm_call. requestID is the ApprovalContext.RequestID from
// PendingApprovals; resolving an id with no pending entry is a no-op.
func (r *Router) ResolveApproval(requestID string, approved bool) {
	r.approvals.Resolve(requestID, approved)
}

// ApprovalStats reports the approval queue's current pending count and
// lifetime approved/denied/timed-out totals, for a status endpoint.
func (r *Router) ApprovalStats() approval.Stats {
	return r.approvals.Stats()
}

// ConnectedWallets returns the chain ids currently bound to a wallet
// transport via AddWallet.
func (r *Router) ConnectedWallets() []string {
	r.walletsMu.RLock()
	defer r.walletsMu.RUnlock()
	out := make([]string, 0, len(r.wallets))
	for chainID := range r.wallets {
		out = append(out, chainID)
	}
	return out
}

func (r *Router) handleConnect(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p connectParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errInvalidRequest("malformed wm_connect params")
	}
	if p.SessionID != "" {
		return nil, errInvalidRequest("sessionId must not be supplied to wm_connect")
	}

	origin := jsonrpc.OriginFromContext(ctx)
	granted, err := r.permissions.Approve(ctx, permission.CallContext{Origin: origin}, toChainPermissions(p.Permissions))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	lifetime := r.sessionCfg.DefaultLifetime
	if p.LifetimeMS > 0 {
		lifetime = time.Duration(p.LifetimeMS) * time.Millisecond
		if r.sessionCfg.MaxLifetime > 0 && lifetime > r.sessionCfg.MaxLifetime {
			lifetime = r.sessionCfg.MaxLifetime
		}
	}

	sess := &session.Session{
		ID:          uuid.NewString(),
		Origin:      origin,
		ChainIDs:    chainIDsOf(granted),
		Permissions: toSessionPermissions(granted),
		CreatedAt:   now,
		LastSeenAt:  now,
	}
	if lifetime > 0 {
		sess.ExpiresAt = now.Add(lifetime)
	}
	if err := r.sessions.Create(ctx, sess); err != nil {
		return nil, errInvalidRequest("failed to create session")
	}

	permsJSON, err := json.Marshal(granted)
	if err != nil {
		return nil, err
	}
	r.emit("wm_connected", struct {
		SessionID string `json:"sessionId"`
	}{sess.ID})

	return connectResult{SessionID: sess.ID, Permissions: permsJSON}, nil
}

func (r *Router) handleReconnect(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p reconnectParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionID == "" {
		return nil, errInvalidSession("sessionId is required")
	}

	sess, err := r.sessions.ValidateAndRefresh(ctx, p.SessionID, jsonrpc.OriginFromContext(ctx))
	if err != nil {
		return nil, errInvalidSession("unknown, expired, or origin-mismatched session")
	}

	data, err := json.Marshal(fromSessionPermissions(sess.Permissions))
	if err != nil {
		return nil, err
	}
	return reconnectResult{Permissions: data}, nil
}

func (r *Router) handleDisconnect(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p disconnectParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionID == "" {
		return nil, errInvalidRequest("sessionId is required")
	}

	// Delete is idempotent and already origin-scoped; a mismatched or
	// already-gone session is not an error here.
	_ = r.sessions.Delete(ctx, p.SessionID, jsonrpc.OriginFromContext(ctx))

	r.emit("wm_disconnected", struct {
		SessionID string `json:"sessionId"`
	}{p.SessionID})
	return "ok", nil
}

func (r *Router) handleCall(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p callParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errInvalidRequest("malformed wm_call params")
	}
	if p.SessionID == "" {
		return nil, errInvalidSession("sessionId is required")
	}
	if p.ChainID == "" {
		return nil, errInvalidRequest("chainId is required")
	}

	sess, err := r.sessions.ValidateAndRefresh(ctx, p.SessionID, jsonrpc.OriginFromContext(ctx))
	if err != nil {
		return nil, errInvalidSession("unknown, expired, or origin-mismatched session")
	}
	if _, ok := r.walletBinding(p.ChainID); !ok {
		return nil, errUnknownChain(p.ChainID)
	}

	callCtx := permission.CallContext{SessionID: sess.ID, Origin: sess.Origin}
	allowed, err := r.permissions.Check(ctx, callCtx, p.ChainID, p.Call.Method, p.Call.Params)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errInsufficientPermissions("denied by permission policy")
	}

	if r.dangerous[p.Call.Method] {
		reqID, _ := jsonrpc.RequestIDFromContext(ctx)
		approved, err := r.requireApproval(ctx, reqID, p.ChainID, p.Call, sess)
		if err != nil {
			return nil, err
		}
		if !approved {
			return nil, errInsufficientPermissions("denied by user")
		}
	}

	return r.forwardToWallet(ctx, p.ChainID, p.Call)
}

func (r *Router) requireApproval(ctx context.Context, reqID jsonrpc.RequestID, chainID string, call innerCall, sess *session.Session) (bool, error) {
	actx := &approval.ApprovalContext{
		RequestID: requestIDKey(reqID),
		ChainID:   chainID,
		Method:    call.Method,
		Params:    call.Params,
		Origin:    sess.Origin,
		SessionID: sess.ID,
	}

	approved, err := r.approvals.Queue(ctx, actx, 0)
	if err != nil {
		if errors.Is(err, approval.ErrDuplicateRequestID) {
			return false, errDuplicateRequestID(actx.RequestID)
		}
		if errors.Is(err, approval.ErrShutdown) {
			return false, errInsufficientPermissions("shutdown")
		}
		if ctx.Err() != nil {
			return false, errTimeout("request cancelled while awaiting approval")
		}
		return false, errInsufficientPermissions("timeout")
	}
	return approved, nil
}

func (r *Router) handleBulkCall(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p bulkCallParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errInvalidRequest("malformed wm_bulkCall params")
	}
	if p.SessionID == "" {
		return nil, errInvalidSession("sessionId is required")
	}
	if p.ChainID == "" {
		return nil, errInvalidRequest("chainId is required")
	}
	if len(p.Calls) == 0 {
		return nil, errInsufficientPermissions("empty call batch")
	}

	sess, err := r.sessions.ValidateAndRefresh(ctx, p.SessionID, jsonrpc.OriginFromContext(ctx))
	if err != nil {
		return nil, errInvalidSession("unknown, expired, or origin-mismatched session")
	}
	if _, ok := r.walletBinding(p.ChainID); !ok {
		return nil, errUnknownChain(p.ChainID)
	}

	entries := make([]permission.BulkCallEntry, len(p.Calls))
	for i, c := range p.Calls {
		entries[i] = permission.BulkCallEntry{Method: c.Method, Params: c.Params}
	}
	callCtx := permission.CallContext{SessionID: sess.ID, Origin: sess.Origin}
	allowed, err := r.permissions.CheckBulk(ctx, callCtx, p.ChainID, entries)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, errInsufficientPermissions("denied by permission policy")
	}

	// Sequential, abort-on-first-failure, no partial result leakage: a
	// failure at call k returns only the error, never the k-1 prior results.
	results := make([]json.RawMessage, 0, len(p.Calls))
	for _, c := range p.Calls {
		res, err := r.forwardToWallet(ctx, p.ChainID, c)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *Router) handleGetPermissions(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p getPermissionsParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionID == "" {
		return nil, errInvalidSession("sessionId is required")
	}

	sess, err := r.sessions.ValidateAndRefresh(ctx, p.SessionID, jsonrpc.OriginFromContext(ctx))
	if err != nil {
		return nil, errInvalidSession("unknown, expired, or origin-mismatched session")
	}

	callCtx := permission.CallContext{SessionID: sess.ID, Origin: sess.Origin}
	return r.permissions.GetPermissions(ctx, callCtx, p.ChainIDs)
}

func (r *Router) handleUpdatePermissions(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p updatePermissionsParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionID == "" {
		return nil, errInvalidSession("sessionId is required")
	}

	origin := jsonrpc.OriginFromContext(ctx)
	sess, err := r.sessions.ValidateAndRefresh(ctx, p.SessionID, origin)
	if err != nil {
		return nil, errInvalidSession("unknown, expired, or origin-mismatched session")
	}

	callCtx := permission.CallContext{SessionID: sess.ID, Origin: sess.Origin}
	granted, err := r.permissions.Approve(ctx, callCtx, toChainPermissions(p.Permissions))
	if err != nil {
		return nil, err
	}
	if err := r.sessions.UpdatePermissions(ctx, sess.ID, origin, toSessionPermissions(granted)); err != nil {
		return nil, errInvalidSession("failed to persist updated permissions")
	}

	r.emit("wm_permissionsChanged", struct {
		SessionID   string                              `json:"sessionId"`
		Permissions permission.HumanReadablePermissions `json:"permissions"`
	}{sess.ID, granted})
	return granted, nil
}

func (r *Router) handleGetSupportedMethods(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	var p getSupportedMethodsParams
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionID == "" {
		return nil, errInvalidSession("sessionId is required")
	}
	if _, err := r.sessions.ValidateAndRefresh(ctx, p.SessionID, jsonrpc.OriginFromContext(ctx)); err != nil {
		return nil, errInvalidSession("unknown, expired, or origin-mismatched session")
	}

	chainIDs := p.ChainIDs
	if len(chainIDs) == 0 {
		r.walletsMu.RLock()
		for id := range r.wallets {
			chainIDs = append(chainIDs, id)
		}
		r.walletsMu.RUnlock()
	}

	out := make(map[string][]string, len(chainIDs))
	for _, chainID := range chainIDs {
		methods, err := r.fetchSupportedMethods(ctx, chainID)
		if err != nil {
			r.log.Warn("failed to fetch supported methods", "chainId", chainID, "error", err)
			out[chainID] = []string{}
			continue
		}
		out[chainID] = methods
	}
	return out, nil
}

func (r *Router) fetchSupportedMethods(ctx context.Context, chainID string) ([]string, error) {
	raw, err := r.forwardToWallet(ctx, chainID, innerCall{Method: "wm_getSupportedMethods"})
	if err != nil {
		return nil, err
	}
	var methods []string
	if err := json.Unmarshal(raw, &methods); err != nil {
		return nil, err
	}
	return methods, nil
}

func (r *Router) emit(method string, payload interface{}) {
	if err := r.node.Notify(context.Background(), method, payload); err != nil {
		r.log.Warn("failed to emit notification", "method", method, "error", err)
	}
}

func requestIDKey(id jsonrpc.RequestID) string {
	return fmt.Sprintf("%v", id.Value)
}

func toChainPermissions(rp requestedPermissions) map[string]permission.ChainPermissions {
	out := make(map[string]permission.ChainPermissions, len(rp))
	for chainID, methods := range rp {
		cp := make(permission.ChainPermissions, len(methods))
		for _, method := range methods {
			cp[method] = nil
		}
		out[chainID] = cp
	}
	return out
}

func chainIDsOf(hp permission.HumanReadablePermissions) []string {
	ids := make([]string, 0, len(hp))
	for id := range hp {
		ids = append(ids, id)
	}
	return ids
}

func toSessionPermissions(hp permission.HumanReadablePermissions) map[string]session.ChainPermissions {
	out := make(map[string]session.ChainPermissions, len(hp))
	for chainID, methods := range hp {
		m := make(map[string]string, len(methods))
		for method, entry := range methods {
			m[method] = entry.ShortDesc
		}
		out[chainID] = session.ChainPermissions{Methods: m}
	}
	return out
}

func fromSessionPermissions(sp map[string]session.ChainPermissions) permission.HumanReadablePermissions {
	out := make(permission.HumanReadablePermissions, len(sp))
	for chainID, cp := range sp {
		entries := make(map[string]permission.HumanReadableEntry, len(cp.Methods))
		for method, state := range cp.Methods {
			entries[method] = permission.HumanReadableEntry{Allowed: state != "deny", ShortDesc: state}
		}
		out[chainID] = entries
	}
	return out
}
