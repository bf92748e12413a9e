package permission

import (
	"context"
	"encoding/json"
)

// Permissive grants every request. It exists for local development and
// tests, never for a production router facing untrusted dApps.
type Permissive struct{}

// NewPermissive creates a Permissive manager.
func NewPermissive() *Permissive { return &Permissive{} }

func (p *Permissive) Approve(ctx context.Context, call CallContext, requested map[string]ChainPermissions) (HumanReadablePermissions, error) {
	return wildcardPermissions(), nil
}

func (p *Permissive) Check(ctx context.Context, call CallContext, chainID, method string, params json.RawMessage) (bool, error) {
	return true, nil
}

func (p *Permissive) CheckBulk(ctx context.Context, call CallContext, chainID string, calls []BulkCallEntry) (bool, error) {
	return true, nil
}

func (p *Permissive) GetPermissions(ctx context.Context, call CallContext, chainIDs []string) (HumanReadablePermissions, error) {
	return wildcardPermissions(), nil
}

func wildcardPermissions() HumanReadablePermissions {
	return HumanReadablePermissions{
		"*": {"*": HumanReadableEntry{Allowed: true, ShortDesc: "allow"}},
	}
}
