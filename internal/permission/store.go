package permission

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/speech-bridge/internal/config"
	_ "modernc.org/sqlite"
)

// Grant is the last recorded decision for one permission.
type Grant struct {
	Permission    string
	Granted       bool
	Denials       int
	NeverAskAgain bool
	UpdatedAt     time.Time
}

// Store keeps permission decisions in SQLite, or in memory when retention is
// ephemeral.
type Store struct {
	db    *sql.DB
	cfg   config.PermissionConfig
	log   *slog.Logger
	clock func() time.Time

	mu  sync.Mutex
	mem map[string]Grant
}

func OpenStore(ctx context.Context, cfg config.PermissionConfig, log *slog.Logger) (*Store, error) {
	if cfg.Retention == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now, mem: make(map[string]Grant)}, nil
	}

	dir := filepath.Dir(cfg.StorePath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.StorePath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS permission_grants (
    permission TEXT PRIMARY KEY,
    granted INTEGER NOT NULL,
    denials INTEGER NOT NULL DEFAULT 0,
    never_ask INTEGER NOT NULL DEFAULT 0,
    updated_at TIMESTAMP NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init permission schema: %w", err)
	}
	return nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get returns the recorded grant, or an ungranted zero Grant when nothing has
// been recorded for permission.
func (s *Store) Get(ctx context.Context, permission string) (Grant, error) {
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if g, ok := s.mem[permission]; ok {
			return g, nil
		}
		return Grant{Permission: permission}, nil
	}

	var g Grant
	var updated string
	err := s.db.QueryRowContext(ctx,
		`SELECT permission, granted, denials, never_ask, updated_at
		 FROM permission_grants WHERE permission = ?`, permission).
		Scan(&g.Permission, &g.Granted, &g.Denials, &g.NeverAskAgain, &updated)
	if err == sql.ErrNoRows {
		return Grant{Permission: permission}, nil
	}
	if err != nil {
		return Grant{}, fmt.Errorf("query grant %s: %w", permission, err)
	}
	if ts, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		g.UpdatedAt = ts
	}
	return g, nil
}

// Record stores a decision. Denials accumulate until the permission is
// granted, which resets the count.
func (s *Store) Record(ctx context.Context, permission string, granted, neverAskAgain bool) (Grant, error) {
	now := s.clock().UTC()
	if s.db == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		g := s.mem[permission]
		g.Permission = permission
		g.Granted = granted
		g.NeverAskAgain = neverAskAgain
		g.UpdatedAt = now
		if granted {
			g.Denials = 0
		} else {
			g.Denials++
		}
		s.mem[permission] = g
		return g, nil
	}

	initialDenials := 1
	if granted {
		initialDenials = 0
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permission_grants(permission, granted, denials, never_ask, updated_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(permission) DO UPDATE SET
		   granted=excluded.granted,
		   denials=CASE WHEN excluded.granted THEN 0 ELSE permission_grants.denials + 1 END,
		   never_ask=excluded.never_ask,
		   updated_at=excluded.updated_at`,
		permission, granted, initialDenials, neverAskAgain, now)
	if err != nil {
		return Grant{}, fmt.Errorf("record grant %s: %w", permission, err)
	}
	return s.Get(ctx, permission)
}
