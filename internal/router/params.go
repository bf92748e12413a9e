package router

import "encoding/json"

// innerCall is one wallet-bound call as it appears inside wm_call/wm_bulkCall.
type innerCall struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// requestedPermissions is the wire shape of a permissions request: chain id
// to the list of method names the dApp is asking for, e.g.
// {"eip155:1": ["eth_accounts"]}.
type requestedPermissions map[string][]string

type connectParams struct {
	SessionID   string               `json:"sessionId,omitempty"`
	Permissions requestedPermissions `json:"permissions"`
	LifetimeMS  int64                `json:"lifetimeMs,omitempty"`
}

type connectResult struct {
	SessionID   string         `json:"sessionId"`
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
	ChainID   string    `json:"chainId"`
	SessionID string    `json:"sessionId"`
	Call      innerCall `json:"call"`
}

type bulkCallParams struct {
	ChainID   string      `json:"chainId"`
	SessionID string      `json:"sessionId"`
	Calls     []innerCall `json:"calls"`
}

type getPermissionsParams struct {
	SessionID string   `json:"sessionId"`
	ChainIDs  []string `json:"chainIds,omitempty"`
}

type updatePermissionsParams struct {
	SessionID   string               `json:"sessionId"`
	Permissions requestedPermissions `json:"permissions"`
}

type getSupportedMethodsParams struct {
	SessionID string   `json:"sessionId"`
	ChainIDs  []string `json:"chainIds,omitempty"`
}
