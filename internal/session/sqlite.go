package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/walletmesh/core/pkg/logging"
)

// SQLiteConfig configures the durable session store.
type SQLiteConfig struct {
	Config
	// DataDir holds the sqlite database file. Created if missing.
	DataDir string
}

// SQLiteStore is a SessionStore backed by a single-writer SQLite database in
// WAL mode, for routers that must survive a process restart without forcing
// every connected dApp to reconnect.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	log *logging.Logger
}

// NewSQLiteStore opens (creating if necessary) the session database under
// cfg.DataDir and ensures its schema exists.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("session: create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "sessions.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("session: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: ping database: %w", err)
	}

	// SQLite supports exactly one writer; a single pooled connection avoids
	// SQLITE_BUSY surfacing as a spurious error under concurrent access.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{db: db, cfg: cfg.Config, log: logging.GetDefault().Component("session")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		origin TEXT NOT NULL,
		chain_ids TEXT NOT NULL,
		permissions TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_origin ON sessions(origin);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, sess *Session) error {
	chainIDs, err := json.Marshal(sess.ChainIDs)
	if err != nil {
		return fmt.Errorf("session: marshal chain ids: %w", err)
	}
	perms, err := json.Marshal(sess.Permissions)
	if err != nil {
		return fmt.Errorf("session: marshal permissions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, origin, chain_ids, permissions, created_at, expires_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.Origin, string(chainIDs), string(perms),
		sess.CreatedAt.UnixMilli(), expiryMillis(sess.ExpiresAt), sess.LastSeenAt.UnixMilli())
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("session: duplicate id %s: %w", sess.ID, err)
		}
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id, origin string) (*Session, error) {
	sess, err := s.scanOne(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Origin != origin || sess.Expired(time.Now()) {
		return nil, ErrNotFound
	}
	return sess, nil
}

func (s *SQLiteStore) ValidateAndRefresh(ctx context.Context, id, origin string) (*Session, error) {
	sess, err := s.scanOne(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Origin != origin {
		return nil, ErrNotFound
	}

	now := time.Now()
	if sess.Expired(now) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
		return nil, ErrExpired
	}

	if !s.cfg.RefreshOnAccess {
		return sess, nil
	}

	lifetime := s.cfg.DefaultLifetime
	if lifetime <= 0 {
		lifetime = DefaultConfig().DefaultLifetime
	}
	newExpiry := now.Add(lifetime)

	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions SET expires_at = ?, last_seen_at = ? WHERE id = ?
	`, newExpiry.UnixMilli(), now.UnixMilli(), id)
	if err != nil {
		return nil, fmt.Errorf("session: refresh: %w", err)
	}

	sess.LastSeenAt = now
	sess.ExpiresAt = newExpiry
	return sess, nil
}

func (s *SQLiteStore) UpdatePermissions(ctx context.Context, id, origin string, perms map[string]ChainPermissions) error {
	sess, err := s.scanOne(ctx, id)
	if err != nil {
		return err
	}
	if sess.Origin != origin {
		return ErrNotFound
	}

	data, err := json.Marshal(perms)
	if err != nil {
		return fmt.Errorf("session: marshal permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE sessions SET permissions = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return fmt.Errorf("session: update permissions: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id, origin string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND origin = ?`, id, origin)
	if err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAll(ctx context.Context) ([]*Session, error) {
	now := time.Now().UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, origin, chain_ids, permissions, created_at, expires_at, last_seen_at
		FROM sessions WHERE expires_at = 0 OR expires_at > ?
	`, now)
	if err != nil {
		return nil, fmt.Errorf("session: get all: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanRow(rows)
		if err != nil {
			// A corrupt entry must not take down the whole load; skip it
			// and keep scanning.
			s.log.Warn("skipping corrupt session row", "error", err)
			continue
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CleanExpired(ctx context.Context) (int, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at != 0 AND expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("session: clean expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions`)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// rowScanner matches both *sql.Row and *sql.Rows for scanOne/scanRow reuse.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *SQLiteStore) scanOne(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, origin, chain_ids, permissions, created_at, expires_at, last_seen_at
		FROM sessions WHERE id = ?
	`, id)
	sess, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return sess, err
}

func scanRow(row rowScanner) (*Session, error) {
	var (
		sess                                   Session
		chainIDsJSON, permsJSON                string
		createdAtMs, expiresAtMs, lastSeenAtMs int64
	)
	if err := row.Scan(&sess.ID, &sess.Origin, &chainIDsJSON, &permsJSON, &createdAtMs, &expiresAtMs, &lastSeenAtMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("session: scan: %w", err)
	}

	if err := json.Unmarshal([]byte(chainIDsJSON), &sess.ChainIDs); err != nil {
		return nil, fmt.Errorf("session: unmarshal chain ids: %w", err)
	}
	if err := json.Unmarshal([]byte(permsJSON), &sess.Permissions); err != nil {
		return nil, fmt.Errorf("session: unmarshal permissions: %w", err)
	}
	sess.CreatedAt = time.UnixMilli(createdAtMs)
	if expiresAtMs != 0 {
		sess.ExpiresAt = time.UnixMilli(expiresAtMs)
	}
	sess.LastSeenAt = time.UnixMilli(lastSeenAtMs)
	return &sess, nil
}

// expiryMillis encodes a zero ExpiresAt (a non-expiring session) as 0 so it
// survives the round trip through the expires_at column.
func expiryMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
