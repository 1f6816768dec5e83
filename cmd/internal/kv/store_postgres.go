package kv

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store over PostgreSQL.
//
// The table lives next to the identity tables and references devices(id),
// so the identity schema must be applied first. The pool is owned by the
// caller.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

var _ Store = (*PostgresStore)(nil)

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "classworks").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("kv: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("kv: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "classworks"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("kv: nil pool")
	}
	return st, nil
}

// ApplySchema creates the kv table if it does not exist.
func (s *PostgresStore) ApplySchema(ctx context.Context) error {
	ddl := strings.ReplaceAll(schemaSQL, "{{kv_items}}", s.table())
	ddl = strings.ReplaceAll(ddl, "{{devices}}", pgx.Identifier{s.schema, "devices"}.Sanitize())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("kv: apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) table() string { return pgx.Identifier{s.schema, "kv_items"}.Sanitize() }

const itemCols = `device_id, key, value, creator_ip, created_at, updated_at`

func scanItem(row pgx.Row) (Item, error) {
	var (
		it  Item
		raw []byte
	)
	if err := row.Scan(&it.DeviceID, &it.Key, &raw, &it.CreatorIP, &it.CreatedAt, &it.UpdatedAt); err != nil {
		return Item{}, err
	}
	it.Value = raw
	return it, nil
}

func (s *PostgresStore) Get(ctx context.Context, deviceID, key string) (Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx,
		`SELECT `+itemCols+` FROM `+s.table()+` WHERE device_id = $1 AND key = $2`, deviceID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return it, err
}

func (s *PostgresStore) Upsert(ctx context.Context, deviceID, key string, value json.RawMessage, creatorIP string, now time.Time) (Item, error) {
	if err := ValidateKey(key); err != nil {
		return Item{}, err
	}
	if now.IsZero() {
		now = time.Now()
	}
	t := s.table()
	it, err := scanItem(s.pool.QueryRow(ctx,
		`INSERT INTO `+t+` AS t (device_id, key, value, creator_ip, created_at, updated_at)
		 VALUES ($1, $2, $3::jsonb, $4, $5, $5)
		 ON CONFLICT (device_id, key) DO UPDATE
		   SET value = EXCLUDED.value,
		       creator_ip = COALESCE(NULLIF(EXCLUDED.creator_ip, ''), t.creator_ip),
		       updated_at = EXCLUDED.updated_at
		 RETURNING `+itemCols,
		deviceID, key, string(value), creatorIP, now.UTC()))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return Item{}, errors.Join(ErrInvalidInput, errors.New("device does not exist"))
		}
		return Item{}, err
	}
	return it, nil
}

func (s *PostgresStore) Delete(ctx context.Context, deviceID, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table()+` WHERE device_id = $1 AND key = $2`, deviceID, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

var sortColumns = map[string]string{
	SortKey:       "key",
	SortCreatedAt: "created_at",
	SortUpdatedAt: "updated_at",
}

func (s *PostgresStore) List(ctx context.Context, deviceID string, opts ListOptions) ([]Item, error) {
	opts = opts.normalized()
	dir := "ASC"
	if opts.Desc {
		dir = "DESC"
	}
	order := sortColumns[opts.SortBy] + " " + dir
	if opts.SortBy != SortKey {
		order += ", key " + dir
	}

	rows, err := s.pool.Query(ctx,
		`SELECT device_id, key, creator_ip, created_at, updated_at FROM `+s.table()+`
		  WHERE device_id = $1
		  ORDER BY `+order, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Item, 0)
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.DeviceID, &it.Key, &it.CreatorIP, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Count(ctx context.Context, deviceID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM `+s.table()+` WHERE device_id = $1`, deviceID).Scan(&n)
	return n, err
}

func (s *PostgresStore) CountAll(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM `+s.table()).Scan(&n)
	return n, err
}
