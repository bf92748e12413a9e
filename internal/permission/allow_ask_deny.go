package permission

import (
	"context"
	"encoding/json"
	"sync"
)

// ApproveCallback drives the wm_connect / wm_updatePermissions UI prompt. It
// receives what the dApp requested and returns what was actually granted;
// an empty result denies everything.
type ApproveCallback func(ctx context.Context, call CallContext, requested map[string]ChainPermissions) (HumanReadablePermissions, error)

// AskCallback drives the per-call (or per-batch) UI confirmation for methods
// whose policy state is ASK. calls holds every inner method under
// consideration — one entry for a single wm_call check, all batch entries
// for a wm_bulkCall check.
type AskCallback func(ctx context.Context, call CallContext, chainID string, calls []BulkCallEntry) (bool, error)

// AllowAskDeny is the three-state permission manager: a policy table of
// chain -> method -> State, consulted on every call, with interactive
// callbacks for the initial grant and for any method left at ASK.
type AllowAskDeny struct {
	mu     sync.RWMutex
	policy map[string]map[string]State

	// Default is the state assumed for a chain/method pair absent from the
	// policy table. Per the core's fixed choice this defaults to Ask, but
	// implementations may configure a different default.
	Default State

	approveCb ApproveCallback
	askCb     AskCallback
}

// NewAllowAskDeny creates a three-state manager with the given callbacks. A
// nil askCb means every ASK-state call is denied (fail-closed, no prompt
// surface available); a nil approveCb means wm_connect grants nothing new
// and wm_updatePermissions only reflects the existing policy table.
func NewAllowAskDeny(approveCb ApproveCallback, askCb AskCallback) *AllowAskDeny {
	return &AllowAskDeny{
		policy:    make(map[string]map[string]State),
		Default:   Ask,
		approveCb: approveCb,
		askCb:     askCb,
	}
}

// SetPolicy overwrites the configured state for one chain/method pair,
// independent of any approve/ask flow — used to seed a router's default
// policy table (e.g. marking a method DENY outright) before any session
// connects.
func (m *AllowAskDeny) SetPolicy(chainID, method string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.policy[chainID] == nil {
		m.policy[chainID] = make(map[string]State)
	}
	m.policy[chainID][method] = state
}

func (m *AllowAskDeny) stateFor(chainID, method string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if methods, ok := m.policy[chainID]; ok {
		if state, ok := methods[method]; ok {
			return state
		}
	}
	return m.Default
}

func (m *AllowAskDeny) Approve(ctx context.Context, call CallContext, requested map[string]ChainPermissions) (HumanReadablePermissions, error) {
	if m.approveCb == nil {
		return m.GetPermissions(ctx, call, requestedChainIDs(requested))
	}

	granted, err := m.approveCb(ctx, call, requested)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for chainID, methods := range granted {
		if m.policy[chainID] == nil {
			m.policy[chainID] = make(map[string]State)
		}
		for method, entry := range methods {
			if entry.Allowed {
				m.policy[chainID][method] = Allow
			} else {
				m.policy[chainID][method] = Deny
			}
		}
	}
	m.mu.Unlock()

	return granted, nil
}

func (m *AllowAskDeny) Check(ctx context.Context, call CallContext, chainID, method string, params json.RawMessage) (bool, error) {
	if chainID == "" {
		return false, nil
	}

	switch m.stateFor(chainID, method) {
	case Allow:
		return true, nil
	case Deny:
		return false, nil
	default:
		if m.askCb == nil {
			return false, nil
		}
		return m.askCb(ctx, call, chainID, []BulkCallEntry{{Method: method, Params: params}})
	}
}

func (m *AllowAskDeny) CheckBulk(ctx context.Context, call CallContext, chainID string, calls []BulkCallEntry) (bool, error) {
	if chainID == "" || len(calls) == 0 {
		return false, nil
	}

	needsAsk := false
	for _, c := range calls {
		switch m.stateFor(chainID, c.Method) {
		case Deny:
			return false, nil
		case Ask:
			needsAsk = true
		}
	}

	if !needsAsk {
		return true, nil
	}
	if m.askCb == nil {
		return false, nil
	}
	return m.askCb(ctx, call, chainID, calls)
}

func (m *AllowAskDeny) GetPermissions(ctx context.Context, call CallContext, chainIDs []string) (HumanReadablePermissions, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(HumanReadablePermissions)
	for chainID, methods := range m.policy {
		if len(chainIDs) > 0 && !containsString(chainIDs, chainID) {
			continue
		}
		entries := make(map[string]HumanReadableEntry, len(methods))
		for method, state := range methods {
			entries[method] = HumanReadableEntry{
				Allowed:   state != Deny,
				ShortDesc: state.String(),
			}
		}
		out[chainID] = entries
	}
	return out, nil
}

func requestedChainIDs(requested map[string]ChainPermissions) []string {
	ids := make([]string, 0, len(requested))
	for chainID := range requested {
		ids = append(ids, chainID)
	}
	return ids
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
