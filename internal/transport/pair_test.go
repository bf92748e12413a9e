package transport_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/walletmesh/core/internal/jsonrpc"
	"github.com/walletmesh/core/internal/transport"
)

func TestPairConcurrentRequestsDoNotCrossCorrelate(t *testing.T) {
	a, b := transport.NewPair()

	b.OnRequest(func(ctx context.Context, req jsonrpc.Request) (jsonrpc.Response, error) {
		var n int
		json.Unmarshal(req.Params, &n)
		return jsonrpc.ResultResponse(req.ID, n*2)
	})

	results := make(chan int, 20)
	for i := 0; i < 20; i++ {
		i := i
		go func() {
			req, _ := jsonrpc.NewFrame(i, "double", i)
			resp, err := a.Send(context.Background(), req)
			if err != nil {
				t.Errorf("Send: %v", err)
				return
			}
			var n int
			json.Unmarshal(resp.Result, &n)
			results <- n
		}()
	}

	seen := make(map[int]bool)
	for i := 0; i < 20; i++ {
		select {
		case n := <-results:
			seen[n] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for responses")
		}
	}
	for i := 0; i < 20; i++ {
		if !seen[i*2] {
			t.Fatalf("missing result %d", i*2)
		}
	}
}

func TestPairSendTimesOutWhenPeerNeverResponds(t *testing.T) {
	a, b := transport.NewPair()
	b.OnRequest(func(ctx context.Context, req jsonrpc.Request) (jsonrpc.Response, error) {
		<-ctx.Done()
		return jsonrpc.Response{}, ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req, _ := jsonrpc.NewFrame(1, "slow", nil)
	_, err := a.Send(ctx, req)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
