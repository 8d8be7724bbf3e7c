package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"copilot2api-go/internal/credential"
	"copilot2api-go/internal/migrations"
	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

// PostgresStore keeps the pool in the accounts table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects and applies pending migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pctx, cancel := withTimeout(ctx)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := migrations.Up(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("connected to postgres credential store")
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Name() string { return BackendPostgres }

func (p *PostgresStore) List(ctx context.Context) ([]credential.Credential, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, label, domain, token, priority, created_at FROM accounts ORDER BY priority, created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	creds := []credential.Credential{}
	for rows.Next() {
		var c credential.Credential
		if err := rows.Scan(&c.ID, &c.Label, &c.Domain, &c.Token, &c.Priority, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		c.CreatedAt = c.CreatedAt.UTC()
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return creds, nil
}

func (p *PostgresStore) Upsert(ctx context.Context, c credential.Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, label, domain, token, priority, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label,
			domain = EXCLUDED.domain,
			token = EXCLUDED.token,
			priority = EXCLUDED.priority,
			updated_at = now()`,
		c.ID, c.Label, c.Domain, c.Token, c.Priority, created)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", c.ID, err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	res, err := p.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return credential.ErrNotFound
	}
	return nil
}

// SetPriorities runs in one transaction; an unknown id rolls everything back.
func (p *PostgresStore) SetPriorities(ctx context.Context, priorities map[string]int) error {
	if len(priorities) == 0 {
		return nil
	}
	ids := make([]string, 0, len(priorities))
	prios := make([]int64, 0, len(priorities))
	for id, prio := range priorities {
		ids = append(ids, id)
		prios = append(prios, int64(prio))
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts AS a SET priority = v.priority, updated_at = now()
		FROM unnest($1::text[], $2::int[]) AS v(id, priority)
		WHERE a.id = v.id`,
		pq.Array(ids), pq.Array(prios))
	if err != nil {
		return fmt.Errorf("update priorities: %w", err)
	}
	if n, _ := res.RowsAffected(); int(n) != len(ids) {
		return credential.ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit priorities: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }
