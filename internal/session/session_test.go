package session

import (
	"context"
	"os"
	"testing"
	"time"
)

func newStores(t *testing.T) map[string]Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "walletmesh-session-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	sqliteStore, err := NewSQLiteStore(SQLiteConfig{Config: DefaultConfig(), DataDir: tmpDir})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(DefaultConfig()),
		"sqlite": sqliteStore,
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			sess := &Session{
				ID:         "sess-1",
				Origin:     "https://dapp.example",
				ChainIDs:   []string{"eip155:1"},
				CreatedAt:  now,
				ExpiresAt:  now.Add(time.Hour),
				LastSeenAt: now,
			}
			if err := store.Create(ctx, sess); err != nil {
				t.Fatalf("Create: %v", err)
			}

			got, err := store.Get(ctx, "sess-1", "https://dapp.example")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Origin != sess.Origin {
				t.Fatalf("Origin = %q, want %q", got.Origin, sess.Origin)
			}
		})
	}
}

func TestStoreGetRejectsWrongOrigin(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			sess := &Session{ID: "sess-2", Origin: "https://a.example", CreatedAt: now, ExpiresAt: now.Add(time.Hour), LastSeenAt: now}
			if err := store.Create(ctx, sess); err != nil {
				t.Fatalf("Create: %v", err)
			}

			if _, err := store.Get(ctx, "sess-2", "https://evil.example"); err != ErrNotFound {
				t.Fatalf("Get with wrong origin = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreValidateAndRefreshExtendsExpiry(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			sess := &Session{ID: "sess-3", Origin: "https://a.example", CreatedAt: now, ExpiresAt: now.Add(time.Minute), LastSeenAt: now}
			if err := store.Create(ctx, sess); err != nil {
				t.Fatalf("Create: %v", err)
			}

			refreshed, err := store.ValidateAndRefresh(ctx, "sess-3", "https://a.example")
			if err != nil {
				t.Fatalf("ValidateAndRefresh: %v", err)
			}
			if !refreshed.ExpiresAt.After(sess.ExpiresAt) {
				t.Fatalf("expiry was not extended: %v vs %v", refreshed.ExpiresAt, sess.ExpiresAt)
			}
		})
	}
}

func TestStoreValidateAndRefreshRejectsExpired(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			sess := &Session{ID: "sess-4", Origin: "https://a.example", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute), LastSeenAt: now.Add(-time.Hour)}
			if err := store.Create(ctx, sess); err != nil {
				t.Fatalf("Create: %v", err)
			}

			if _, err := store.ValidateAndRefresh(ctx, "sess-4", "https://a.example"); err != ErrExpired {
				t.Fatalf("ValidateAndRefresh = %v, want ErrExpired", err)
			}

			if _, err := store.Get(ctx, "sess-4", "https://a.example"); err != ErrNotFound {
				t.Fatalf("expired session should be gone after refresh attempt, got %v", err)
			}
		})
	}
}

func TestStoreValidateWithoutRefreshOnAccessKeepsExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RefreshOnAccess = false

	tmpDir, err := os.MkdirTemp("", "walletmesh-session-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	sqliteStore, err := NewSQLiteStore(SQLiteConfig{Config: cfg, DataDir: tmpDir})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sqliteStore.Close() })

	stores := map[string]Store{
		"memory": NewMemoryStore(cfg),
		"sqlite": sqliteStore,
	}
	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			expiry := now.Add(time.Minute)
			sess := &Session{ID: "sess-fixed", Origin: "https://a.example", CreatedAt: now, ExpiresAt: expiry, LastSeenAt: now}
			if err := store.Create(ctx, sess); err != nil {
				t.Fatalf("Create: %v", err)
			}

			got, err := store.ValidateAndRefresh(ctx, "sess-fixed", "https://a.example")
			if err != nil {
				t.Fatalf("ValidateAndRefresh: %v", err)
			}
			if got.ExpiresAt.Sub(expiry).Abs() > time.Millisecond {
				t.Fatalf("expiry changed without refresh-on-access: %v vs %v", got.ExpiresAt, expiry)
			}
		})
	}
}

func TestStoreUpdatePermissionsRoundTrips(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			sess := &Session{ID: "sess-5", Origin: "https://a.example", CreatedAt: now, ExpiresAt: now.Add(time.Hour), LastSeenAt: now}
			if err := store.Create(ctx, sess); err != nil {
				t.Fatalf("Create: %v", err)
			}

			perms := map[string]ChainPermissions{
				"eip155:1": {Methods: map[string]string{"eth_sendTransaction": "ask"}},
			}
			if err := store.UpdatePermissions(ctx, "sess-5", "https://a.example", perms); err != nil {
				t.Fatalf("UpdatePermissions: %v", err)
			}

			got, err := store.Get(ctx, "sess-5", "https://a.example")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Permissions["eip155:1"].Methods["eth_sendTransaction"] != "ask" {
				t.Fatalf("permissions did not round-trip: %+v", got.Permissions)
			}
		})
	}
}

func TestStoreDeleteRemovesSession(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			sess := &Session{ID: "sess-6", Origin: "https://a.example", CreatedAt: now, ExpiresAt: now.Add(time.Hour), LastSeenAt: now}
			if err := store.Create(ctx, sess); err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := store.Delete(ctx, "sess-6", "https://a.example"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := store.Get(ctx, "sess-6", "https://a.example"); err != ErrNotFound {
				t.Fatalf("Get after delete = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStoreCleanExpiredRemovesOnlyExpired(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			live := &Session{ID: "live", Origin: "https://a.example", CreatedAt: now, ExpiresAt: now.Add(time.Hour), LastSeenAt: now}
			dead := &Session{ID: "dead", Origin: "https://a.example", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute), LastSeenAt: now.Add(-time.Hour)}
			if err := store.Create(ctx, live); err != nil {
				t.Fatalf("Create live: %v", err)
			}
			if err := store.Create(ctx, dead); err != nil {
				t.Fatalf("Create dead: %v", err)
			}

			n, err := store.CleanExpired(ctx)
			if err != nil {
				t.Fatalf("CleanExpired: %v", err)
			}
			if n != 1 {
				t.Fatalf("CleanExpired removed %d, want 1", n)
			}

			if _, err := store.Get(ctx, "live", "https://a.example"); err != nil {
				t.Fatalf("live session should survive: %v", err)
			}
		})
	}
}

func TestSQLiteGetAllSkipsCorruptRows(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "walletmesh-session-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := NewSQLiteStore(SQLiteConfig{Config: DefaultConfig(), DataDir: tmpDir})
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	now := time.Now()
	good := &Session{ID: "good", Origin: "https://a.example", CreatedAt: now, ExpiresAt: now.Add(time.Hour), LastSeenAt: now}
	if err := store.Create(ctx, good); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Write a row whose JSON columns are garbage, as a crashed or
	// interfered-with writer would leave behind.
	_, err = store.db.ExecContext(ctx, `
		INSERT INTO sessions (id, origin, chain_ids, permissions, created_at, expires_at, last_seen_at)
		VALUES ('corrupt', 'https://a.example', '{not json', '!!', ?, ?, ?)
	`, now.UnixMilli(), now.Add(time.Hour).UnixMilli(), now.UnixMilli())
	if err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	all, err := store.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll should skip the corrupt row, got %v", err)
	}
	if len(all) != 1 || all[0].ID != "good" {
		t.Fatalf("GetAll = %+v, want only the good session", all)
	}
}

func TestStoreGetAllExcludesExpired(t *testing.T) {
	for name, store := range newStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			live := &Session{ID: "live2", Origin: "https://a.example", CreatedAt: now, ExpiresAt: now.Add(time.Hour), LastSeenAt: now}
			dead := &Session{ID: "dead2", Origin: "https://a.example", CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute), LastSeenAt: now.Add(-time.Hour)}
			if err := store.Create(ctx, live); err != nil {
				t.Fatalf("Create live: %v", err)
			}
			if err := store.Create(ctx, dead); err != nil {
				t.Fatalf("Create dead: %v", err)
			}

			all, err := store.GetAll(ctx)
			if err != nil {
				t.Fatalf("GetAll: %v", err)
			}
			if len(all) != 1 || all[0].ID != "live2" {
				t.Fatalf("GetAll = %+v, want only live2", all)
			}
		})
	}
}
