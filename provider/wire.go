// Package provider implements the dApp-facing facade: a typed wrapper around
// a jsonrpc.Node that speaks the wm_* meta-protocol, a per-method serializer
// registry, and an operation builder for composing single or batched wallet
// calls.
package provider

import "encoding/json"

// Call is one inner wallet-bound call as the caller sees it: a method name
// and a Go value to be serialized as its params (nil for no params).
type Call struct {
	Method string
	Params interface{}
}

type innerCallWire struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type connectParams struct {
	SessionID   string              `json:"sessionId,omitempty"`
	Permissions map[string][]string `json:"permissions"`
	LifetimeMS  int64               `json:"lifetimeMs,omitempty"`
}

type connectResult struct {
	SessionID   string          `json:"sessionId"`
	Permissions json.RawMessage `json:"permissions"`
}

type reconnectParams struct {
	SessionID string `json:"sessionId"`
}

type reconnectResult struct {
	Permissions json.RawMessage `json:"permissions"`
}

type disconnectParams struct {
	SessionID string `json:"sessionId"`
}

type callParams struct {
	ChainID   string        `json:"chainId"`
	SessionID string        `json:"sessionId"`
	Call      innerCallWire `json:"call"`
}

type bulkCallParams struct {
	ChainID   string          `json:"chainId"`
	SessionID string          `json:"sessionId"`
	Calls     []innerCallWire `json:"calls"`
}

type getPermissionsParams struct {
	SessionID string   `json:"sessionId"`
	ChainIDs  []string `json:"chainIds,omitempty"`
}

type updatePermissionsParams struct {
	SessionID   string              `json:"sessionId"`
	Permissions map[string][]string `json:"permissions"`
}

type getSupportedMethodsParams struct {
	SessionID string   `json:"sessionId"`
	ChainIDs  []string `json:"chainIds,omitempty"`
}

// PermissionEntry mirrors the router's human-readable grant projection for
// one chain/method policy entry.
type PermissionEntry struct {
	Allowed   bool   `json:"allowed"`
	ShortDesc string `json:"short_desc"`
	LongDesc  string `json:"long_desc,omitempty"`
}

// Permissions is the full wire-facing permission set returned from connect,
// reconnect, getPermissions, and updatePermissions.
type Permissions map[string]map[string]PermissionEntry
