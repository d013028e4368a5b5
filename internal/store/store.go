// Package store implements persistence for every entity in internal/model
// on top of PostgreSQL, grounded on worker_server/infra/database and
// worker_server/adapter/out/persistence: a pgxpool.Pool for raw queries and
// advisory-style operations plus a parallel sqlx.DB (opened through the
// pgx stdlib driver so both share the same wire protocol) for the
// Get/Select-based repository methods.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" for database/sql / sqlx
	"github.com/jmoiron/sqlx"
)

// Store bundles the connection handles every repository needs.
type Store struct {
	Pool *pgxpool.Pool
	DB   *sqlx.DB

	Mailboxes *MailboxRepo
	Threads   *ThreadRepo
	Messages  *MessageRepo
	Labels    *LabelRepo
	Blobs     *BlobRepo
	Templates *TemplateRepo
	DKIMKeys  *DKIMKeyRepo
	Contacts  *ContactRepo
	Inbound   *InboundRepo
	Users     *UserRepo
}

// Open connects to Postgres and wires every repository, following the
// teacher's pool-sizing defaults (25 max conns, 5 min, 1h max lifetime).
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse database url: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	db, err := sqlx.Connect("pgx", databaseURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: sqlx connect: %w", err)
	}

	s := &Store{Pool: pool, DB: db}
	s.Mailboxes = &MailboxRepo{db: db}
	s.Threads = &ThreadRepo{db: db}
	s.Messages = &MessageRepo{db: db}
	s.Labels = &LabelRepo{db: db}
	s.Blobs = &BlobRepo{db: db}
	s.Templates = &TemplateRepo{db: db}
	s.DKIMKeys = &DKIMKeyRepo{db: db}
	s.Contacts = &ContactRepo{db: db}
	s.Inbound = &InboundRepo{db: db}
	s.Users = &UserRepo{db: db}
	return s, nil
}

func (s *Store) Close() {
	s.DB.Close()
	s.Pool.Close()
}
