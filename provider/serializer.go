package provider

import (
	"encoding/json"
	"sync"
)

// Codec serializes a Go value to wire JSON, or deserializes wire JSON into
// one. Either half may be nil, in which case the passthrough behavior (plain
// encoding/json) is used for that half.
type Codec struct {
	Serialize   func(v interface{}) (json.RawMessage, error)
	Deserialize func(raw json.RawMessage, out interface{}) error
}

var passthroughCodec = Codec{
	Serialize: func(v interface{}) (json.RawMessage, error) {
		if v == nil {
			return nil, nil
		}
		return json.Marshal(v)
	},
	Deserialize: func(raw json.RawMessage, out interface{}) error {
		if len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, out)
	},
}

// MethodCodec is the params/result codec pair registered for one inner
// method name.
type MethodCodec struct {
	Params Codec
	Result Codec
}

// Registry is the per-method serializer registry: inner method name to its
// params/result codecs. A method absent from the registry passes its params
// and result through encoding/json unchanged — the registry exists only for
// chain SDKs whose types do not survive a plain JSON round trip.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]MethodCodec
}

// NewRegistry creates an empty serializer registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]MethodCodec)}
}

// Register installs the codec pair for method, replacing any previous
// registration. A zero-value half of codec (nil Serialize/Deserialize) falls
// back to passthrough for that half.
func (r *Registry) Register(method string, codec MethodCodec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[method] = codec
}

func (r *Registry) codecFor(method string) MethodCodec {
	r.mu.RLock()
	c, ok := r.methods[method]
	r.mu.RUnlock()
	if !ok {
		return MethodCodec{Params: passthroughCodec, Result: passthroughCodec}
	}
	if c.Params.Serialize == nil {
		c.Params = passthroughCodec
	}
	if c.Result.Deserialize == nil {
		c.Result = passthroughCodec
	}
	return c
}
