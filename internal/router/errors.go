package router

import (
	"encoding/json"

	"github.com/walletmesh/core/internal/jsonrpc"
)

// Router-specific JSON-RPC error codes. Values are implementation-defined;
// names are normative per the wire contract.
const (
	CodeInvalidRequest          = -32000
	CodeInvalidSession          = -32001
	CodeUnknownChain            = -32002
	CodeMethodNotSupported      = -32003
	CodeWalletNotAvailable      = -32004
	CodeInsufficientPermissions = -32005
	CodeDuplicateRequestID      = -32006
	CodeTimeout                 = -32007
)

// newError builds a jsonrpc.RPCError with a router error code. Node's
// dispatch unwraps *jsonrpc.RPCError directly onto the wire, so the code and
// name a handler returns here are exactly what the dApp observes.
func newError(code int, name, message string, data interface{}) error {
	e := &jsonrpc.Error{Code: code, Message: name + ": " + message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return jsonrpc.NewRPCError(e)
}

func errInvalidRequest(message string) error {
	return newError(CodeInvalidRequest, "invalidRequest", message, nil)
}

func errInvalidSession(message string) error {
	return newError(CodeInvalidSession, "invalidSession", message, nil)
}

func errUnknownChain(chainID string) error {
	return newError(CodeUnknownChain, "unknownChain", "chain not registered: "+chainID, map[string]string{"chainId": chainID})
}

func errMethodNotSupported(method string) error {
	return newError(CodeMethodNotSupported, "methodNotSupported", "method not supported: "+method, nil)
}

func errWalletNotAvailable(chainID string) error {
	return newError(CodeWalletNotAvailable, "walletNotAvailable", "wallet unavailable: "+chainID, nil)
}

func errInsufficientPermissions(reason string) error {
	return newError(CodeInsufficientPermissions, "insufficientPermissions", "permission denied", map[string]string{"reason": reason})
}

func errDuplicateRequestID(id string) error {
	return newError(CodeDuplicateRequestID, "duplicateRequestId", "duplicate approval request id: "+id, nil)
}

func errTimeout(message string) error {
	return newError(CodeTimeout, "timeout", message, nil)
}

// errFromWallet passes a wallet-reported error through to the dApp verbatim,
// preserving its code/message/data exactly as the propagation policy
// requires — only the outer id changes, and Node's dispatch already handles
// that.
func errFromWallet(err *jsonrpc.Error) error {
	return jsonrpc.NewRPCError(err)
}
