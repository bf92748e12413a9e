package permission

import (
	"context"
	"testing"
)

func TestAllowAskDenyCheckHonorsExplicitStates(t *testing.T) {
	m := NewAllowAskDeny(nil, nil)
	m.SetPolicy("eip155:1", "eth_accounts", Allow)
	m.SetPolicy("eip155:1", "personal_sign", Deny)

	ctx := context.Background()
	call := CallContext{SessionID: "s1", Origin: "https://dapp.example"}

	ok, err := m.Check(ctx, call, "eip155:1", "eth_accounts", nil)
	if err != nil || !ok {
		t.Fatalf("eth_accounts Check = %v, %v; want true, nil", ok, err)
	}

	ok, err = m.Check(ctx, call, "eip155:1", "personal_sign", nil)
	if err != nil || ok {
		t.Fatalf("personal_sign Check = %v, %v; want false, nil", ok, err)
	}
}

func TestAllowAskDenyCheckDefaultsToAskAndInvokesCallback(t *testing.T) {
	var askedChain, askedMethod string
	m := NewAllowAskDeny(nil, func(ctx context.Context, call CallContext, chainID string, calls []BulkCallEntry) (bool, error) {
		askedChain = chainID
		askedMethod = calls[0].Method
		return true, nil
	})

	ok, err := m.Check(context.Background(), CallContext{}, "eip155:1", "eth_signTypedData", nil)
	if err != nil || !ok {
		t.Fatalf("Check = %v, %v; want true, nil", ok, err)
	}
	if askedChain != "eip155:1" || askedMethod != "eth_signTypedData" {
		t.Fatalf("ask callback saw (%q, %q)", askedChain, askedMethod)
	}
}

func TestAllowAskDenyCheckMissingChainIDDenies(t *testing.T) {
	m := NewAllowAskDeny(nil, func(ctx context.Context, call CallContext, chainID string, calls []BulkCallEntry) (bool, error) {
		t.Fatal("ask callback should not be invoked when chainId is missing")
		return false, nil
	})

	ok, err := m.Check(context.Background(), CallContext{}, "", "eth_accounts", nil)
	if err != nil || ok {
		t.Fatalf("Check with empty chainId = %v, %v; want false, nil", ok, err)
	}
}

func TestAllowAskDenyCheckBulkDeniesOnAnyDeny(t *testing.T) {
	m := NewAllowAskDeny(nil, func(ctx context.Context, call CallContext, chainID string, calls []BulkCallEntry) (bool, error) {
		t.Fatal("ask callback should not be reached when any entry is DENY")
		return true, nil
	})
	m.SetPolicy("eip155:1", "eth_accounts", Allow)
	m.SetPolicy("eip155:1", "personal_sign", Deny)

	ok, err := m.CheckBulk(context.Background(), CallContext{}, "eip155:1", []BulkCallEntry{
		{Method: "eth_accounts"},
		{Method: "personal_sign"},
	})
	if err != nil || ok {
		t.Fatalf("CheckBulk = %v, %v; want false, nil", ok, err)
	}
}

func TestAllowAskDenyCheckBulkAsksOnceForWholeBatch(t *testing.T) {
	askCount := 0
	var seenMethods []string
	m := NewAllowAskDeny(nil, func(ctx context.Context, call CallContext, chainID string, calls []BulkCallEntry) (bool, error) {
		askCount++
		for _, c := range calls {
			seenMethods = append(seenMethods, c.Method)
		}
		return true, nil
	})
	m.SetPolicy("eip155:1", "eth_accounts", Allow)

	ok, err := m.CheckBulk(context.Background(), CallContext{}, "eip155:1", []BulkCallEntry{
		{Method: "eth_accounts"},
		{Method: "eth_signTypedData"},
	})
	if err != nil || !ok {
		t.Fatalf("CheckBulk = %v, %v; want true, nil", ok, err)
	}
	if askCount != 1 {
		t.Fatalf("askCb invoked %d times, want 1", askCount)
	}
	if len(seenMethods) != 2 {
		t.Fatalf("ask callback saw %v, want both batch entries", seenMethods)
	}
}

func TestAllowAskDenyCheckBulkEmptyDenies(t *testing.T) {
	m := NewAllowAskDeny(nil, nil)
	ok, err := m.CheckBulk(context.Background(), CallContext{}, "eip155:1", nil)
	if err != nil || ok {
		t.Fatalf("CheckBulk with no calls = %v, %v; want false, nil", ok, err)
	}
}

func TestAllowAskDenyApprovePersistsGrantedPolicy(t *testing.T) {
	m := NewAllowAskDeny(func(ctx context.Context, call CallContext, requested map[string]ChainPermissions) (HumanReadablePermissions, error) {
		return HumanReadablePermissions{
			"eip155:1": {"eth_accounts": HumanReadableEntry{Allowed: true, ShortDesc: "allow"}},
		}, nil
	}, nil)

	granted, err := m.Approve(context.Background(), CallContext{}, map[string]ChainPermissions{
		"eip155:1": {"eth_accounts": nil},
	})
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !granted["eip155:1"]["eth_accounts"].Allowed {
		t.Fatal("expected eth_accounts to be granted")
	}

	ok, err := m.Check(context.Background(), CallContext{}, "eip155:1", "eth_accounts", nil)
	if err != nil || !ok {
		t.Fatalf("post-approve Check = %v, %v; want true, nil", ok, err)
	}
}

func TestAllowAskDenyGetPermissionsFiltersByChainID(t *testing.T) {
	m := NewAllowAskDeny(nil, nil)
	m.SetPolicy("eip155:1", "eth_accounts", Allow)
	m.SetPolicy("solana:mainnet-beta", "signTransaction", Ask)

	out, err := m.GetPermissions(context.Background(), CallContext{}, []string{"eip155:1"})
	if err != nil {
		t.Fatalf("GetPermissions: %v", err)
	}
	if _, ok := out["solana:mainnet-beta"]; ok {
		t.Fatal("expected solana chain to be filtered out")
	}
	if !out["eip155:1"]["eth_accounts"].Allowed {
		t.Fatal("expected eth_accounts allowed")
	}
}
