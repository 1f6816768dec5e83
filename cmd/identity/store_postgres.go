package identity

import (
	"context"
	_ "embed"
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
// The pgx pool is owned by the caller; this store must NOT close it.
// Schema and table identifiers are quoted with pgx.Identifier.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

var _ Store = (*PostgresStore)(nil)

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema used by the store (default "classworks").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentIsValid(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "classworks",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// Schema returns the configured schema name.
func (s *PostgresStore) Schema() string { return s.schema }

// ApplySchema creates the schema and tables if they do not exist.
func (s *PostgresStore) ApplySchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+pgx.Identifier{s.schema}.Sanitize()); err != nil {
		return fmt.Errorf("identity: create schema: %w", err)
	}
	ddl := schemaSQL
	for _, t := range []string{"accounts", "devices", "apps", "app_installs", "auto_auths"} {
		ddl = strings.ReplaceAll(ddl, "{{"+t+"}}", s.table(t))
	}
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("identity: apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) table(name string) string { return pgIdent(s.schema, name) }

const accountCols = `id, provider, provider_id, email, name, avatar_url, token_version,
	refresh_token_hash, refresh_token_expiry, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Provider, &a.ProviderID, &a.Email, &a.Name, &a.AvatarURL, &a.TokenVersion,
		&a.RefreshTokenHash, &a.RefreshTokenExpiry, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

const deviceCols = `id, uuid, name, namespace, password_hash, password_hint, account_id, created_at, updated_at`

func scanDevice(row pgx.Row) (Device, error) {
	var d Device
	err := row.Scan(&d.ID, &d.UUID, &d.Name, &d.Namespace, &d.PasswordHash, &d.PasswordHint, &d.AccountID,
		&d.CreatedAt, &d.UpdatedAt)
	return d, err
}

const installCols = `id, device_id, app_id, token, is_read_only, device_type, note, perm_read, perm_write,
	special_permissions, installed_at, updated_at`

func scanInstall(row pgx.Row) (AppInstall, error) {
	var i AppInstall
	err := row.Scan(&i.ID, &i.DeviceID, &i.AppID, &i.Token, &i.IsReadOnly, &i.DeviceType, &i.Note,
		&i.Permissions.Read, &i.Permissions.Write, &i.SpecialPermissions, &i.InstalledAt, &i.UpdatedAt)
	return i, err
}

const autoAuthCols = `id, device_id, password_hash, device_type, is_read_only, created_at, updated_at`

func scanAutoAuth(row pgx.Row) (AutoAuth, error) {
	var r AutoAuth
	err := row.Scan(&r.ID, &r.DeviceID, &r.PasswordHash, &r.DeviceType, &r.IsReadOnly, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// ---- accounts ----

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (Account, error) {
	const op = "identity.GetAccount"
	a, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountCols+` FROM `+s.table("accounts")+` WHERE id = $1`, id))
	if err != nil {
		return Account{}, pgNotFound(op, "account", err)
	}
	return a, nil
}

func (s *PostgresStore) UpsertOAuthAccount(ctx context.Context, in UpsertAccountInput) (Account, error) {
	const op = "identity.UpsertOAuthAccount"
	provider := strings.TrimSpace(in.Provider)
	subject := strings.TrimSpace(in.ProviderID)
	if provider == "" || subject == "" {
		return Account{}, invalid(op, "provider and provider_id are required")
	}
	now := nowOr(in.Now)
	id, err := NewULID(now)
	if err != nil {
		return Account{}, err
	}

	a, err := scanAccount(s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table("accounts")+` (
		     id, provider, provider_id, email, name, avatar_url, token_version, created_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $7)
		 ON CONFLICT (provider, provider_id) DO UPDATE
		   SET email = EXCLUDED.email,
		       name = EXCLUDED.name,
		       avatar_url = EXCLUDED.avatar_url,
		       updated_at = EXCLUDED.updated_at
		 RETURNING `+accountCols,
		id, provider, subject, NormalizeEmail(in.Email), in.Name, in.AvatarURL, now))
	if err != nil {
		return Account{}, err
	}
	return a, nil
}

func (s *PostgresStore) SetRefreshToken(ctx context.Context, accountID, hash string, expiresAt, now time.Time) error {
	const op = "identity.SetRefreshToken"
	if strings.TrimSpace(hash) == "" {
		return invalid(op, "empty token hash")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("accounts")+`
		    SET refresh_token_hash = $2, refresh_token_expiry = $3, updated_at = $4
		  WHERE id = $1`,
		accountID, hash, expiresAt.UTC(), nowOr(now))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "account"}
	}
	return nil
}

func (s *PostgresStore) ClearRefreshToken(ctx context.Context, accountID string, now time.Time) error {
	const op = "identity.ClearRefreshToken"
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.table("accounts")+`
		    SET refresh_token_hash = NULL, refresh_token_expiry = NULL, updated_at = $2
		  WHERE id = $1`,
		accountID, nowOr(now))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "account"}
	}
	return nil
}

func (s *PostgresStore) BumpTokenVersion(ctx context.Context, accountID string, now time.Time) (int, error) {
	const op = "identity.BumpTokenVersion"
	var v int
	err := s.pool.QueryRow(ctx,
		`UPDATE `+s.table("accounts")+`
		    SET token_version = token_version + 1,
		        refresh_token_hash = NULL,
		        refresh_token_expiry = NULL,
		        updated_at = $2
		  WHERE id = $1
		RETURNING token_version`,
		accountID, nowOr(now)).Scan(&v)
	if err != nil {
		return 0, pgNotFound(op, "account", err)
	}
	return v, nil
}

// ---- devices ----

func (s *PostgresStore) CreateDevice(ctx context.Context, in CreateDeviceInput) (Device, error) {
	const op = "identity.CreateDevice"
	uuid := NormalizeDeviceUUID(in.UUID)
	if uuid == "" {
		return Device{}, invalid(op, "uuid is required")
	}
	now := nowOr(in.Now)
	id, err := NewULID(now)
	if err != nil {
		return Device{}, err
	}
	d, err := scanDevice(s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table("devices")+` (id, uuid, name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 RETURNING `+deviceCols,
		id, uuid, strings.TrimSpace(in.Name), now))
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return Device{}, ConflictError{Op: op, Field: field}
		}
		return Device{}, err
	}
	return d, nil
}

func (s *PostgresStore) GetDeviceByID(ctx context.Context, id string) (Device, error) {
	return s.getDevice(ctx, "identity.GetDeviceByID", "id", id)
}

func (s *PostgresStore) GetDeviceByUUID(ctx context.Context, uuid string) (Device, error) {
	return s.getDevice(ctx, "identity.GetDeviceByUUID", "uuid", NormalizeDeviceUUID(uuid))
}

func (s *PostgresStore) GetDeviceByNamespace(ctx context.Context, namespace string) (Device, error) {
	return s.getDevice(ctx, "identity.GetDeviceByNamespace", "namespace", NormalizeNamespace(namespace))
}

// getDevice looks up by a fixed column name; col is never user input.
func (s *PostgresStore) getDevice(ctx context.Context, op, col, v string) (Device, error) {
	d, err := scanDevice(s.pool.QueryRow(ctx,
		`SELECT `+deviceCols+` FROM `+s.table("devices")+` WHERE `+col+` = $1`, v))
	if err != nil {
		return Device{}, pgNotFound(op, "device", err)
	}
	return d, nil
}

func (s *PostgresStore) ListDevicesByAccount(ctx context.Context, accountID string) ([]Device, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deviceCols+` FROM `+s.table("devices")+`
		  WHERE account_id = $1
		  ORDER BY created_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Device, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountDevices(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM `+s.table("devices")).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PostgresStore) RenameDevice(ctx context.Context, id, name string, now time.Time) (Device, error) {
	const op = "identity.RenameDevice"
	name = strings.TrimSpace(name)
	if name == "" {
		return Device{}, invalid(op, "name is required")
	}
	return s.updateDevice(ctx, op, `name = $2`, id, name, nowOr(now))
}

func (s *PostgresStore) SetDeviceNamespace(ctx context.Context, id, namespace string, now time.Time) (Device, error) {
	const op = "identity.SetDeviceNamespace"
	ns := NormalizeNamespace(namespace)
	if ns == "" {
		return Device{}, invalid(op, "namespace is required")
	}
	return s.updateDevice(ctx, op, `namespace = $2`, id, ns, nowOr(now))
}

func (s *PostgresStore) SetDevicePassword(ctx context.Context, id string, hash, hint *string, now time.Time) (Device, error) {
	return s.updateDevice(ctx, "identity.SetDevicePassword", `password_hash = $2, password_hint = $4`, id, hash, nowOr(now), hint)
}

func (s *PostgresStore) SetDevicePasswordHint(ctx context.Context, id string, hint *string, now time.Time) (Device, error) {
	return s.updateDevice(ctx, "identity.SetDevicePasswordHint", `password_hint = $2`, id, hint, nowOr(now))
}

func (s *PostgresStore) SetDeviceAccount(ctx context.Context, id string, accountID *string, now time.Time) (Device, error) {
	return s.updateDevice(ctx, "identity.SetDeviceAccount", `account_id = $2`, id, accountID, nowOr(now))
}

// updateDevice runs UPDATE with $1 = id and $3 = updated_at; set is a fixed fragment.
func (s *PostgresStore) updateDevice(ctx context.Context, op, set string, id string, v any, now time.Time, extra ...any) (Device, error) {
	args := append([]any{id, v, now}, extra...)
	d, err := scanDevice(s.pool.QueryRow(ctx,
		`UPDATE `+s.table("devices")+` SET `+set+`, updated_at = $3 WHERE id = $1 RETURNING `+deviceCols,
		args...))
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return Device{}, ConflictError{Op: op, Field: field}
		}
		if pgIsForeignKeyViolation(err) {
			return Device{}, NotFoundError{Op: op, Resource: "account"}
		}
		return Device{}, pgNotFound(op, "device", err)
	}
	return d, nil
}

// ---- apps ----

func (s *PostgresStore) CreateApp(ctx context.Context, app App) (App, error) {
	const op = "identity.CreateApp"
	now := nowOr(app.CreatedAt)
	if app.ID == "" {
		id, err := NewULID(now)
		if err != nil {
			return App{}, err
		}
		app.ID = id
	}
	app.CreatedAt = now
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+s.table("apps")+` (id, name, description, permission_prefix, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		app.ID, app.Name, app.Description, app.PermissionPrefix, app.CreatedAt)
	if err != nil {
		if _, ok := pgClassifyUniqueViolation(err); ok {
			return App{}, ConflictError{Op: op, Field: "id"}
		}
		return App{}, err
	}
	return app, nil
}

func (s *PostgresStore) GetApp(ctx context.Context, id string) (App, error) {
	var a App
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, permission_prefix, created_at FROM `+s.table("apps")+` WHERE id = $1`, id).
		Scan(&a.ID, &a.Name, &a.Description, &a.PermissionPrefix, &a.CreatedAt)
	if err != nil {
		return App{}, pgNotFound("identity.GetApp", "app", err)
	}
	return a, nil
}

func (s *PostgresStore) ListApps(ctx context.Context) ([]App, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, permission_prefix, created_at FROM `+s.table("apps")+` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]App, 0)
	for rows.Next() {
		var a App
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &a.PermissionPrefix, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- installs ----

func (s *PostgresStore) CreateAppInstall(ctx context.Context, in CreateAppInstallInput) (AppInstall, error) {
	const op = "identity.CreateAppInstall"
	if strings.TrimSpace(in.Token) == "" {
		return AppInstall{}, invalid(op, "token is required")
	}
	if !ValidDeviceType(in.DeviceType) {
		return AppInstall{}, invalid(op, "unknown device type")
	}
	now := nowOr(in.Now)
	id, err := NewULID(now)
	if err != nil {
		return AppInstall{}, err
	}
	special := in.SpecialPermissions
	if special == nil {
		special = []string{}
	}
	inst, err := scanInstall(s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table("app_installs")+` (
		     id, device_id, app_id, token, is_read_only, device_type, note,
		     perm_read, perm_write, special_permissions, installed_at, updated_at
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		 RETURNING `+installCols,
		id, in.DeviceID, in.AppID, in.Token, in.IsReadOnly, in.DeviceType, in.Note,
		in.Permissions.Read, in.Permissions.Write, special, now))
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return AppInstall{}, ConflictError{Op: op, Field: field}
		}
		if res, ok := pgForeignKeyResource(err); ok {
			return AppInstall{}, NotFoundError{Op: op, Resource: res}
		}
		return AppInstall{}, err
	}
	return inst, nil
}

func (s *PostgresStore) GetAppInstallByToken(ctx context.Context, token string) (AppInstall, error) {
	inst, err := scanInstall(s.pool.QueryRow(ctx,
		`SELECT `+installCols+` FROM `+s.table("app_installs")+` WHERE token = $1`, token))
	if err != nil {
		return AppInstall{}, pgNotFound("identity.GetAppInstallByToken", "app_install", err)
	}
	return inst, nil
}

func (s *PostgresStore) ListAppInstallsByDevice(ctx context.Context, deviceID string) ([]AppInstall, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+installCols+` FROM `+s.table("app_installs")+`
		  WHERE device_id = $1
		  ORDER BY installed_at DESC`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AppInstall, 0)
	for rows.Next() {
		inst, err := scanInstall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteAppInstallByToken(ctx context.Context, token string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table("app_installs")+` WHERE token = $1`, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: "identity.DeleteAppInstallByToken", Resource: "app_install"}
	}
	return nil
}

// ---- auto-auth ----

func (s *PostgresStore) ListAutoAuth(ctx context.Context, deviceID string) ([]AutoAuth, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+autoAuthCols+` FROM `+s.table("auto_auths")+`
		  WHERE device_id = $1
		  ORDER BY created_at, id`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]AutoAuth, 0)
	for rows.Next() {
		r, err := scanAutoAuth(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAutoAuth(ctx context.Context, id string) (AutoAuth, error) {
	r, err := scanAutoAuth(s.pool.QueryRow(ctx,
		`SELECT `+autoAuthCols+` FROM `+s.table("auto_auths")+` WHERE id = $1`, id))
	if err != nil {
		return AutoAuth{}, pgNotFound("identity.GetAutoAuth", "auto_auth", err)
	}
	return r, nil
}

func (s *PostgresStore) CreateAutoAuth(ctx context.Context, in CreateAutoAuthInput) (AutoAuth, error) {
	const op = "identity.CreateAutoAuth"
	if !ValidDeviceType(in.DeviceType) {
		return AutoAuth{}, invalid(op, "unknown device type")
	}
	now := nowOr(in.Now)
	id, err := NewULID(now)
	if err != nil {
		return AutoAuth{}, err
	}
	r, err := scanAutoAuth(s.pool.QueryRow(ctx,
		`INSERT INTO `+s.table("auto_auths")+` (id, device_id, password_hash, device_type, is_read_only, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 RETURNING `+autoAuthCols,
		id, in.DeviceID, in.PasswordHash, in.DeviceType, in.IsReadOnly, now))
	if err != nil {
		if pgIsForeignKeyViolation(err) {
			return AutoAuth{}, NotFoundError{Op: op, Resource: "device"}
		}
		return AutoAuth{}, err
	}
	return r, nil
}

func (s *PostgresStore) UpdateAutoAuth(ctx context.Context, rule AutoAuth, now time.Time) (AutoAuth, error) {
	const op = "identity.UpdateAutoAuth"
	if !ValidDeviceType(rule.DeviceType) {
		return AutoAuth{}, invalid(op, "unknown device type")
	}
	r, err := scanAutoAuth(s.pool.QueryRow(ctx,
		`UPDATE `+s.table("auto_auths")+`
		    SET password_hash = $2, device_type = $3, is_read_only = $4, updated_at = $5
		  WHERE id = $1
		RETURNING `+autoAuthCols,
		rule.ID, rule.PasswordHash, rule.DeviceType, rule.IsReadOnly, nowOr(now)))
	if err != nil {
		return AutoAuth{}, pgNotFound(op, "auto_auth", err)
	}
	return r, nil
}

func (s *PostgresStore) DeleteAutoAuth(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table("auto_auths")+` WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: "identity.DeleteAutoAuth", Resource: "auto_auth"}
	}
	return nil
}

// ---- helpers ----

func pgIdentIsValid(s string) bool {
	return pgIdentRe.MatchString(s)
}

// pgIdent safely quotes a schema-qualified identifier: "schema"."name".
func pgIdent(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

func pgNotFound(op, resource string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return NotFoundError{Op: op, Resource: resource}
	}
	return err
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23503" // foreign_key_violation
}

func pgForeignKeyResource(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23503" {
		return "", false
	}
	switch strings.ToLower(pgErr.ConstraintName) {
	case "fk_app_installs_app":
		return "app", true
	case "fk_devices_account":
		return "account", true
	default:
		return "device", true
	}
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	switch strings.ToLower(strings.TrimSpace(pgErr.ConstraintName)) {
	case "uq_devices_uuid":
		return "uuid", true
	case "uq_devices_namespace":
		return "namespace", true
	case "uq_app_installs_token":
		return "token", true
	case "uq_accounts_provider_subject":
		return "account", true
	default:
		return "unique", true
	}
}
