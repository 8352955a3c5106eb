package replay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect selects placeholder syntax and column types.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Store on database/sql. Works with modernc.org/sqlite
// and lib/pq.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// NewSQLStore creates the replay table if needed.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	s := &SQLStore{db: db, dialect: dialect, clock: time.Now}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("replay migrate: %w", err)
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

func (s *SQLStore) migrate(ctx context.Context) error {
	blob := "BLOB"
	if s.dialect == DialectPostgres {
		blob = "BYTEA"
	}
	query := `CREATE TABLE IF NOT EXISTS replay_keys (
		replay_key TEXT PRIMARY KEY,
		value ` + blob + ` NOT NULL,
		expires_at BIGINT NOT NULL
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// rebind rewrites ? placeholders to $N for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Claim(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	now := s.clock()

	if _, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM replay_keys WHERE replay_key = ? AND expires_at <= ?`),
		key, now.UnixNano(),
	); err != nil {
		return false, fmt.Errorf("replay claim: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO replay_keys (replay_key, value, expires_at) VALUES (?, ?, ?) ON CONFLICT (replay_key) DO NOTHING`),
		key, value, now.Add(ttl).UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("replay claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("replay claim: %w", err)
	}
	return n == 1, nil
}

func (s *SQLStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT value FROM replay_keys WHERE replay_key = ? AND expires_at > ?`),
		key, s.clock().UnixNano(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("replay get: %w", err)
	}
	return value, nil
}

func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM replay_keys WHERE replay_key = ?`), key); err != nil {
		return fmt.Errorf("replay delete: %w", err)
	}
	return nil
}

// Purge deletes expired records and returns how many were removed.
func (s *SQLStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM replay_keys WHERE expires_at <= ?`), s.clock().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("replay purge: %w", err)
	}
	return res.RowsAffected()
}
