package jsonrpc_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/walletmesh/core/internal/jsonrpc"
	"github.com/walletmesh/core/internal/transport"
)

func TestNodeRequestResponseRoundTrip(t *testing.T) {
	a, b := transport.NewPair()
	server := jsonrpc.NewNode(b)
	_ = jsonrpc.NewNode(a)

	err := server.RegisterMethod("echo", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var s string
		if err := json.Unmarshal(params, &s); err != nil {
			return nil, err
		}
		return s + s, nil
	})
	if err != nil {
		t.Fatalf("RegisterMethod: %v", err)
	}

	clientNode := jsonrpc.NewNode(a)
	raw, err := clientNode.Request(context.Background(), "echo", "hi", time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	var result string
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result != "hihi" {
		t.Fatalf("got %q, want %q", result, "hihi")
	}
}

func TestNodeDuplicateMethodRegistrationFails(t *testing.T) {
	a, _ := transport.NewPair()
	n := jsonrpc.NewNode(a)

	handler := func(ctx context.Context, params json.RawMessage) (interface{}, error) { return nil, nil }
	if err := n.RegisterMethod("wm_call", handler); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := n.RegisterMethod("wm_call", handler); err == nil {
		t.Fatal("expected error registering wm_call twice, got nil")
	}
}

func TestNodeMethodNotFoundReturnsStandardError(t *testing.T) {
	a, b := transport.NewPair()
	_ = jsonrpc.NewNode(b)
	client := jsonrpc.NewNode(a)

	_, err := client.Request(context.Background(), "wm_nonexistent", nil, time.Second)
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
	rpcErr, ok := err.(*jsonrpc.RPCError)
	if !ok {
		t.Fatalf("expected *RPCError, got %T: %v", err, err)
	}
	if rpcErr.Code() != jsonrpc.ErrCodeMethodNotFound {
		t.Fatalf("code = %d, want %d", rpcErr.Code(), jsonrpc.ErrCodeMethodNotFound)
	}
}

func TestNodeMiddlewareRunsInRegistrationOrder(t *testing.T) {
	a, b := transport.NewPair()
	server := jsonrpc.NewNode(b)
	client := jsonrpc.NewNode(a)

	var order []string
	var mu sync.Mutex
	record := func(name string) {
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
	}

	server.AddMiddleware(func(ctx context.Context, req jsonrpc.Request, next jsonrpc.Next) (jsonrpc.Response, error) {
		record("outer-before")
		resp, err := next(ctx, req)
		record("outer-after")
		return resp, err
	})
	server.AddMiddleware(func(ctx context.Context, req jsonrpc.Request, next jsonrpc.Next) (jsonrpc.Response, error) {
		record("inner-before")
		resp, err := next(ctx, req)
		record("inner-after")
		return resp, err
	})
	if err := server.RegisterMethod("noop", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		record("handler")
		return "ok", nil
	}); err != nil {
		t.Fatalf("RegisterMethod: %v", err)
	}

	if _, err := client.Request(context.Background(), "noop", nil, time.Second); err != nil {
		t.Fatalf("Request: %v", err)
	}

	want := []string{"outer-before", "inner-before", "handler", "inner-after", "outer-after"}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Fatalf("middleware order = %v, want %v", order, want)
	}
}

func TestNodeMiddlewareCanShortCircuit(t *testing.T) {
	a, b := transport.NewPair()
	server := jsonrpc.NewNode(b)
	client := jsonrpc.NewNode(a)

	handlerCalled := false
	server.AddMiddleware(func(ctx context.Context, req jsonrpc.Request, next jsonrpc.Next) (jsonrpc.Response, error) {
		return jsonrpc.ErrorResponse(req.ID, jsonrpc.ErrCodeInvalidRequest, "blocked", nil), nil
	})
	if err := server.RegisterMethod("blocked_method", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		handlerCalled = true
		return nil, nil
	}); err != nil {
		t.Fatalf("RegisterMethod: %v", err)
	}

	_, err := client.Request(context.Background(), "blocked_method", nil, time.Second)
	if err == nil {
		t.Fatal("expected error from short-circuiting middleware")
	}
	if handlerCalled {
		t.Fatal("handler should not have been called")
	}
}

func TestNodeNotificationDeliveredInArrivalOrder(t *testing.T) {
	a, b := transport.NewPair()
	client := jsonrpc.NewNode(a)
	_ = jsonrpc.NewNode(b)

	var received []int
	var mu sync.Mutex
	done := make(chan struct{})

	const count = 50
	client.On("wm_walletStateChanged", func(ctx context.Context, notif jsonrpc.Notification) {
		var n int
		json.Unmarshal(notif.Params, &n)
		mu.Lock()
		received = append(received, n)
		if len(received) == count {
			close(done)
		}
		mu.Unlock()
	})

	go func() {
		for i := 0; i < count; i++ {
			b.Notify(context.Background(), jsonrpc.Notification{
				JSONRPC: jsonrpc.Version,
				Method:  "wm_walletStateChanged",
				Params:  mustMarshal(i),
			})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notifications")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, n := range received {
		if n != i {
			t.Fatalf("notifications delivered out of order: %v", received)
		}
	}
}

func TestNodeUnsubscribeStopsFutureDelivery(t *testing.T) {
	a, b := transport.NewPair()
	client := jsonrpc.NewNode(a)
	_ = jsonrpc.NewNode(b)

	var count int
	var mu sync.Mutex
	unsubscribe := client.On("evt", func(ctx context.Context, notif jsonrpc.Notification) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	send := func() {
		b.Notify(context.Background(), jsonrpc.Notification{JSONRPC: jsonrpc.Version, Method: "evt"})
	}
	send()
	time.Sleep(50 * time.Millisecond)
	unsubscribe()
	send()
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
