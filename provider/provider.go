package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/walletmesh/core/internal/jsonrpc"
)

// ErrNotConnected is returned by any session-scoped operation attempted
// before Connect (or Reconnect) has established a sessionId.
var ErrNotConnected = errors.New("provider: not connected")

// Provider is the dApp-facing facade over a jsonrpc.Node talking the wm_*
// meta-protocol to a router. It tracks the session id returned by connect
// and attaches it to every subsequent call.
type Provider struct {
	node           *jsonrpc.Node
	registry       *Registry
	defaultTimeout time.Duration

	mu        sync.RWMutex
	sessionID string
}

// Option configures a Provider at construction time.
type Option func(*Provider)

// WithRegistry installs a serializer registry; the default is empty
// (every method passes through encoding/json unchanged).
func WithRegistry(reg *Registry) Option {
	return func(p *Provider) { p.registry = reg }
}

// WithDefaultTimeout sets the timeout applied to a call whose caller passes
// timeout <= 0; the default is 30 seconds.
func WithDefaultTimeout(d time.Duration) Option {
	return func(p *Provider) { p.defaultTimeout = d }
}

// New wraps transport in a Provider.
func New(transport jsonrpc.Transport, opts ...Option) *Provider {
	p := &Provider{registry: NewRegistry(), defaultTimeout: 30 * time.Second}
	for _, opt := range opts {
		opt(p)
	}
	p.node = jsonrpc.NewNode(transport)
	return p
}

// Registry returns the provider's serializer registry, for registering
// method-specific codecs after construction.
func (p *Provider) Registry() *Registry { return p.registry }

// SessionID returns the session id established by the last successful
// Connect or Reconnect, or "" if none.
func (p *Provider) SessionID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessionID
}

func (p *Provider) timeoutOrDefault(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return p.defaultTimeout
}

// Connect requests permissions from the router and stores the returned
// sessionId for use by every subsequent call.
func (p *Provider) Connect(ctx context.Context, permissions map[string][]string, timeout time.Duration) (Permissions, error) {
	raw, err := p.node.Request(ctx, "wm_connect", connectParams{Permissions: permissions}, p.timeoutOrDefault(timeout))
	if err != nil {
		return nil, err
	}
	var result connectResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("provider: unmarshal wm_connect result: %w", err)
	}
	granted, err := unmarshalPermissions(result.Permissions)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.sessionID = result.SessionID
	p.mu.Unlock()
	return granted, nil
}

// Reconnect resumes a previously established session without re-running
// approval, per the protocol's fixed choice that reconnect never re-prompts.
func (p *Provider) Reconnect(ctx context.Context, sessionID string, timeout time.Duration) (Permissions, error) {
	raw, err := p.node.Request(ctx, "wm_reconnect", reconnectParams{SessionID: sessionID}, p.timeoutOrDefault(timeout))
	if err != nil {
		return nil, err
	}
	var result reconnectResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("provider: unmarshal wm_reconnect result: %w", err)
	}
	granted, err := unmarshalPermissions(result.Permissions)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.sessionID = sessionID
	p.mu.Unlock()
	return granted, nil
}

// Disconnect tears down the current session, if any. It is a no-op if no
// session is established.
func (p *Provider) Disconnect(ctx context.Context, timeout time.Duration) error {
	sid := p.SessionID()
	if sid == "" {
		return nil
	}
	_, err := p.node.Request(ctx, "wm_disconnect", disconnectParams{SessionID: sid}, p.timeoutOrDefault(timeout))
	p.mu.Lock()
	p.sessionID = ""
	p.mu.Unlock()
	return err
}

// Call forwards a single inner call to chainID via wm_call, serializing
// params through method's registered codec (or plain encoding/json if none
// is registered). The wallet's result is returned as raw JSON; Call does not
// apply the registered result codec (CallInto does).
func (p *Provider) Call(ctx context.Context, chainID, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	sid := p.SessionID()
	if sid == "" {
		return nil, ErrNotConnected
	}

	codec := p.registry.codecFor(method)
	rawParams, err := codec.Params.Serialize(params)
	if err != nil {
		return nil, fmt.Errorf("provider: serialize params for %s: %w", method, err)
	}

	return p.node.Request(ctx, "wm_call", callParams{
		ChainID:   chainID,
		SessionID: sid,
		Call:      innerCallWire{Method: method, Params: rawParams},
	}, p.timeoutOrDefault(timeout))
}

// CallInto calls method on chainID and deserializes the wallet's result into
// a value of type R, using method's registered result codec if one exists.
// It is a free function rather than a method because Go methods cannot carry
// their own type parameters.
func CallInto[R any](ctx context.Context, p *Provider, chainID, method string, params interface{}, timeout time.Duration) (R, error) {
	var out R
	raw, err := p.Call(ctx, chainID, method, params, timeout)
	if err != nil {
		return out, err
	}
	codec := p.registry.codecFor(method)
	if err := codec.Result.Deserialize(raw, &out); err != nil {
		return out, fmt.Errorf("provider: deserialize result for %s: %w", method, err)
	}
	return out, nil
}

// BulkCall forwards calls to chainID via wm_bulkCall, in submission order. A
// failure at any call returns only the error; no partial results are
// returned, mirroring the router's abort-on-first-failure semantics.
func (p *Provider) BulkCall(ctx context.Context, chainID string, calls []Call, timeout time.Duration) ([]json.RawMessage, error) {
	sid := p.SessionID()
	if sid == "" {
		return nil, ErrNotConnected
	}

	wire := make([]innerCallWire, len(calls))
	for i, c := range calls {
		codec := p.registry.codecFor(c.Method)
		raw, err := codec.Params.Serialize(c.Params)
		if err != nil {
			return nil, fmt.Errorf("provider: serialize params for %s: %w", c.Method, err)
		}
		wire[i] = innerCallWire{Method: c.Method, Params: raw}
	}

	raw, err := p.node.Request(ctx, "wm_bulkCall", bulkCallParams{ChainID: chainID, SessionID: sid, Calls: wire}, p.timeoutOrDefault(timeout))
	if err != nil {
		return nil, err
	}
	var results []json.RawMessage
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("provider: unmarshal wm_bulkCall result: %w", err)
	}
	return results, nil
}

// GetPermissions returns the current grant set for the session, optionally
// scoped to chainIDs (all chains if empty).
func (p *Provider) GetPermissions(ctx context.Context, chainIDs []string, timeout time.Duration) (Permissions, error) {
	sid := p.SessionID()
	if sid == "" {
		return nil, ErrNotConnected
	}
	raw, err := p.node.Request(ctx, "wm_getPermissions", getPermissionsParams{SessionID: sid, ChainIDs: chainIDs}, p.timeoutOrDefault(timeout))
	if err != nil {
		return nil, err
	}
	var out Permissions
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("provider: unmarshal wm_getPermissions result: %w", err)
	}
	return out, nil
}

// UpdatePermissions re-runs the approval prompt for a new requested grant
// set and returns what was actually granted.
func (p *Provider) UpdatePermissions(ctx context.Context, permissions map[string][]string, timeout time.Duration) (Permissions, error) {
	sid := p.SessionID()
	if sid == "" {
		return nil, ErrNotConnected
	}
	raw, err := p.node.Request(ctx, "wm_updatePermissions", updatePermissionsParams{SessionID: sid, Permissions: permissions}, p.timeoutOrDefault(timeout))
	if err != nil {
		return nil, err
	}
	var out Permissions
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("provider: unmarshal wm_updatePermissions result: %w", err)
	}
	return out, nil
}

// GetSupportedMethods returns, per chain id, the inner methods the bound
// wallet answered that it supports.
func (p *Provider) GetSupportedMethods(ctx context.Context, chainIDs []string, timeout time.Duration) (map[string][]string, error) {
	sid := p.SessionID()
	if sid == "" {
		return nil, ErrNotConnected
	}
	raw, err := p.node.Request(ctx, "wm_getSupportedMethods", getSupportedMethodsParams{SessionID: sid, ChainIDs: chainIDs}, p.timeoutOrDefault(timeout))
	if err != nil {
		return nil, err
	}
	var out map[string][]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("provider: unmarshal wm_getSupportedMethods result: %w", err)
	}
	return out, nil
}

// On subscribes to a router-emitted notification (wm_walletStateChanged,
// wm_connected, wm_disconnected, wm_permissionsChanged, ...). The returned
// function unsubscribes.
func (p *Provider) On(method string, handler jsonrpc.NotificationHandler) (unsubscribe func()) {
	return p.node.On(method, handler)
}

// Close shuts down the underlying node and transport.
func (p *Provider) Close() error { return p.node.Close() }

func unmarshalPermissions(raw json.RawMessage) (Permissions, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out Permissions
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("provider: unmarshal permissions: %w", err)
	}
	return out, nil
}
