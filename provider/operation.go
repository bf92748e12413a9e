package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Operation accumulates inner calls for one chain id and executes them as a
// single wm_call (exactly one accumulated call) or wm_bulkCall (more than
// one), preserving submission order in the returned results.
type Operation struct {
	provider *Provider
	chainID  string
	calls    []Call
}

// Chain begins an operation builder targeting chainID. Calls accumulated on
// it do not execute until Execute is called.
func (p *Provider) Chain(chainID string) *Operation {
	return &Operation{provider: p, chainID: chainID}
}

// Call accumulates one inner call onto the operation.
func (o *Operation) Call(method string, params interface{}) *Operation {
	o.calls = append(o.calls, Call{Method: method, Params: params})
	return o
}

// Execute runs the accumulated calls: one call routes to wm_call, more than
// one routes to wm_bulkCall. Results are returned in submission order; a
// failure anywhere in a batch returns only the error, never the results that
// preceded it.
func (o *Operation) Execute(ctx context.Context, timeout time.Duration) ([]json.RawMessage, error) {
	switch len(o.calls) {
	case 0:
		return nil, fmt.Errorf("provider: Execute called with no accumulated calls")
	case 1:
		raw, err := o.provider.Call(ctx, o.chainID, o.calls[0].Method, o.calls[0].Params, timeout)
		if err != nil {
			return nil, err
		}
		return []json.RawMessage{raw}, nil
	default:
		return o.provider.BulkCall(ctx, o.chainID, o.calls, timeout)
	}
}
