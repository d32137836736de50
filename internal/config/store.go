package config

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"
	_ "modernc.org/sqlite"

	"github.com/w3z4y4/mcp-gateway/internal/model"
)

// Store is the authoritative durable store of the gateway. It persists auth
// keys, MCP service descriptors, daily statistics and the auth call log on
// any of the supported SQL dialects.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
}

// Options configures Open.
type Options struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// SkipMigrate leaves the schema untouched; `gateway migrate` uses it.
	SkipMigrate bool
}

// NewStore opens a SQLite store in dataDir. Pass empty string for in-memory.
func NewStore(dataDir string) (*Store, error) {
	dsn, err := SQLiteDSN(dataDir)
	if err != nil {
		return nil, err
	}
	return Open(context.Background(), Options{Driver: string(DialectSQLite), DSN: dsn})
}

// SQLiteDSN returns the DSN of the gateway.db file in dataDir, creating the
// directory if needed. An empty dataDir selects an in-memory database.
func SQLiteDSN(dataDir string) (string, error) {
	if dataDir == "" {
		return ":memory:", nil
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return filepath.Join(dataDir, "gateway.db") +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", nil
}

// Open connects to the configured database and applies pending migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	dialect, err := ParseDialect(opts.Driver)
	if err != nil {
		return nil, err
	}
	if opts.DSN == "" {
		return nil, fmt.Errorf("database dsn is required for driver %s", dialect)
	}

	db, err := sqlx.Open(dialect.driverName(), dialect.normalizeDSN(opts.DSN))
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s database: %w", dialect, err)
	}

	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	} else {
		if opts.MaxOpenConns > 0 {
			db.SetMaxOpenConns(opts.MaxOpenConns)
		}
		if opts.MaxIdleConns > 0 {
			db.SetMaxIdleConns(opts.MaxIdleConns)
		}
		if opts.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(opts.ConnMaxLifetime)
		}
	}

	s := &Store{db: db, dialect: dialect}
	if !opts.SkipMigrate {
		if _, err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	return s, nil
}

// Dialect reports the backend the store is connected to.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Auth keys
// ---------------------------------------------------------------------------

// KeyFilter narrows ListAuthKeys. Zero values match everything.
type KeyFilter struct {
	UserID     string
	ServiceID  string
	ActiveOnly bool
}

// CreateAuthKey inserts a new auth key record. The key_hash must already be
// set (use HashAPIKey). ID and CreatedAt are populated when empty.
func (s *Store) CreateAuthKey(ctx context.Context, key *model.AuthKey) error {
	if key.KeyHash == "" {
		return fmt.Errorf("insert auth key: key hash is required")
	}
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	key.CreatedAt = time.Now().UTC()

	const q = `INSERT INTO auth_keys
		(id, key_hash, key_prefix, user_id, service_id, label, is_active, expires_at, created_at, last_used_at)
		VALUES
		(:id, :key_hash, :key_prefix, :user_id, :service_id, :label, :is_active, :expires_at, :created_at, :last_used_at)`

	if _, err := s.db.NamedExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("insert auth key: %w", err)
	}
	return nil
}

// FindKeyByHash looks up an auth key by the SHA-256 hash of its raw value.
func (s *Store) FindKeyByHash(ctx context.Context, hash string) (*model.AuthKey, error) {
	var key model.AuthKey
	q := s.db.Rebind("SELECT * FROM auth_keys WHERE key_hash = ?")
	if err := s.db.GetContext(ctx, &key, q, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get auth key by hash: %w", err)
	}
	return &key, nil
}

// FindAuthKeyByID looks up an auth key by its record id.
func (s *Store) FindAuthKeyByID(ctx context.Context, id string) (*model.AuthKey, error) {
	var key model.AuthKey
	q := s.db.Rebind("SELECT * FROM auth_keys WHERE id = ?")
	if err := s.db.GetContext(ctx, &key, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get auth key: %w", err)
	}
	return &key, nil
}

// ListAuthKeys returns keys matching f, newest first.
func (s *Store) ListAuthKeys(ctx context.Context, f KeyFilter) ([]model.AuthKey, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.ServiceID != "" {
		where = append(where, "service_id = ?")
		args = append(args, f.ServiceID)
	}
	if f.ActiveOnly {
		where = append(where, "is_active = ?")
		args = append(args, true)
	}

	q := "SELECT * FROM auth_keys"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC"

	keys := []model.AuthKey{}
	if err := s.db.SelectContext(ctx, &keys, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list auth keys: %w", err)
	}
	return keys, nil
}

// RevokeAuthKey marks an auth key as inactive by ID.
func (s *Store) RevokeAuthKey(ctx context.Context, id string) error {
	q := s.db.Rebind("UPDATE auth_keys SET is_active = ? WHERE id = ?")
	return s.execOne(ctx, "revoke auth key", q, false, id)
}

// RevokeAuthKeyByPrefix marks the active key with the given prefix as inactive.
func (s *Store) RevokeAuthKeyByPrefix(ctx context.Context, prefix string) error {
	q := s.db.Rebind("UPDATE auth_keys SET is_active = ? WHERE key_prefix = ? AND is_active = ?")
	return s.execOne(ctx, "revoke auth key by prefix", q, false, prefix, true)
}

// DeactivateUserServiceKeys deactivates every active key a user holds for one
// service and returns how many were changed.
func (s *Store) DeactivateUserServiceKeys(ctx context.Context, userID, serviceID string) (int64, error) {
	q := s.db.Rebind("UPDATE auth_keys SET is_active = ? WHERE user_id = ? AND service_id = ? AND is_active = ?")
	result, err := s.db.ExecContext(ctx, q, false, userID, serviceID, true)
	if err != nil {
		return 0, fmt.Errorf("deactivate user service keys: %w", err)
	}
	return result.RowsAffected()
}

// UpdateLastUsed sets the last_used_at timestamp for an auth key.
func (s *Store) UpdateLastUsed(ctx context.Context, id string, at time.Time) error {
	q := s.db.Rebind("UPDATE auth_keys SET last_used_at = ? WHERE id = ?")
	return s.execOne(ctx, "update auth key last used", q, at.UTC(), id)
}

// ---------------------------------------------------------------------------
// MCP services
// ---------------------------------------------------------------------------

// CreateService inserts a new service descriptor. Status defaults to ACTIVE.
func (s *Store) CreateService(ctx context.Context, svc *model.ServiceDescriptor) error {
	if svc.ServiceID == "" || svc.Endpoint == "" {
		return fmt.Errorf("insert service: service id and endpoint are required")
	}
	if _, err := s.FindServiceByID(ctx, svc.ServiceID); err == nil {
		return fmt.Errorf("insert service %s: %w", svc.ServiceID, ErrConflict)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if svc.Status == "" {
		svc.Status = model.StatusActive
	}
	now := time.Now().UTC()
	svc.CreatedAt = now
	svc.UpdatedAt = now

	const q = `INSERT INTO mcp_services
		(service_id, name, description, endpoint, health_check_url, documentation, status, max_qps,
		 created_at, updated_at)
		VALUES
		(:service_id, :name, :description, :endpoint, :health_check_url, :documentation, :status, :max_qps,
		 :created_at, :updated_at)`

	if _, err := s.db.NamedExecContext(ctx, q, svc); err != nil {
		return fmt.Errorf("insert service: %w", err)
	}
	return nil
}

// FindServiceByID returns a service descriptor regardless of its status.
func (s *Store) FindServiceByID(ctx context.Context, serviceID string) (*model.ServiceDescriptor, error) {
	var svc model.ServiceDescriptor
	q := s.db.Rebind("SELECT * FROM mcp_services WHERE service_id = ?")
	if err := s.db.GetContext(ctx, &svc, q, serviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get service: %w", err)
	}
	return &svc, nil
}

// ListServicesByStatus returns every descriptor in the given status.
func (s *Store) ListServicesByStatus(ctx context.Context, status model.ServiceStatus) ([]model.ServiceDescriptor, error) {
	services := []model.ServiceDescriptor{}
	q := s.db.Rebind("SELECT * FROM mcp_services WHERE status = ? ORDER BY service_id")
	if err := s.db.SelectContext(ctx, &services, q, status); err != nil {
		return nil, fmt.Errorf("list services by status: %w", err)
	}
	return services, nil
}

// ListServices returns all service descriptors.
func (s *Store) ListServices(ctx context.Context) ([]model.ServiceDescriptor, error) {
	services := []model.ServiceDescriptor{}
	if err := s.db.SelectContext(ctx, &services, "SELECT * FROM mcp_services ORDER BY service_id"); err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	return services, nil
}

// UpdateService updates an existing descriptor. UpdatedAt is refreshed.
func (s *Store) UpdateService(ctx context.Context, svc *model.ServiceDescriptor) error {
	svc.UpdatedAt = time.Now().UTC()

	const q = `UPDATE mcp_services SET
		name = :name, description = :description, endpoint = :endpoint,
		health_check_url = :health_check_url, documentation = :documentation,
		status = :status, max_qps = :max_qps, updated_at = :updated_at
		WHERE service_id = :service_id`

	result, err := s.db.NamedExecContext(ctx, q, svc)
	if err != nil {
		return fmt.Errorf("update service: %w", err)
	}
	return expectOne(result, "update service")
}

// SetServiceStatus moves a service to a new lifecycle status.
func (s *Store) SetServiceStatus(ctx context.Context, serviceID string, status model.ServiceStatus) error {
	q := s.db.Rebind("UPDATE mcp_services SET status = ?, updated_at = ? WHERE service_id = ?")
	return s.execOne(ctx, "set service status", q, status, time.Now().UTC(), serviceID)
}

// DeleteService removes a service descriptor.
func (s *Store) DeleteService(ctx context.Context, serviceID string) error {
	q := s.db.Rebind("DELETE FROM mcp_services WHERE service_id = ?")
	return s.execOne(ctx, "delete service", q, serviceID)
}

// ---------------------------------------------------------------------------
// Daily statistics
// ---------------------------------------------------------------------------

// statsUpsert holds the dialect-specific additive upsert. Counters and total
// response time are added, the average is recomputed from the merged totals,
// the maximum is kept and unique_users is replaced by the latest figure.
var statsUpsert = map[Dialect]string{
	DialectSQLite: `INSERT INTO service_statistics
		(service_id, date_key, total_calls, success_calls, failed_calls, total_response_time_ms,
		 avg_response_time_ms, max_response_time_ms, unique_users, is_deleted, created_at, updated_at)
		VALUES
		(:service_id, :date_key, :total_calls, :success_calls, :failed_calls, :total_response_time_ms,
		 :avg_response_time_ms, :max_response_time_ms, :unique_users, :is_deleted, :created_at, :updated_at)
		ON CONFLICT(service_id, date_key) DO UPDATE SET
		 total_calls = service_statistics.total_calls + excluded.total_calls,
		 success_calls = service_statistics.success_calls + excluded.success_calls,
		 failed_calls = service_statistics.failed_calls + excluded.failed_calls,
		 total_response_time_ms = service_statistics.total_response_time_ms + excluded.total_response_time_ms,
		 avg_response_time_ms = CASE WHEN service_statistics.total_calls + excluded.total_calls > 0
		   THEN (service_statistics.total_response_time_ms + excluded.total_response_time_ms) /
		        (service_statistics.total_calls + excluded.total_calls)
		   ELSE 0 END,
		 max_response_time_ms = MAX(service_statistics.max_response_time_ms, excluded.max_response_time_ms),
		 unique_users = excluded.unique_users,
		 is_deleted = excluded.is_deleted,
		 updated_at = excluded.updated_at`,

	DialectPostgres: `INSERT INTO service_statistics
		(service_id, date_key, total_calls, success_calls, failed_calls, total_response_time_ms,
		 avg_response_time_ms, max_response_time_ms, unique_users, is_deleted, created_at, updated_at)
		VALUES
		(:service_id, :date_key, :total_calls, :success_calls, :failed_calls, :total_response_time_ms,
		 :avg_response_time_ms, :max_response_time_ms, :unique_users, :is_deleted, :created_at, :updated_at)
		ON CONFLICT (service_id, date_key) DO UPDATE SET
		 total_calls = service_statistics.total_calls + EXCLUDED.total_calls,
		 success_calls = service_statistics.success_calls + EXCLUDED.success_calls,
		 failed_calls = service_statistics.failed_calls + EXCLUDED.failed_calls,
		 total_response_time_ms = service_statistics.total_response_time_ms + EXCLUDED.total_response_time_ms,
		 avg_response_time_ms = CASE WHEN service_statistics.total_calls + EXCLUDED.total_calls > 0
		   THEN (service_statistics.total_response_time_ms + EXCLUDED.total_response_time_ms) /
		        (service_statistics.total_calls + EXCLUDED.total_calls)
		   ELSE 0 END,
		 max_response_time_ms = GREATEST(service_statistics.max_response_time_ms, EXCLUDED.max_response_time_ms),
		 unique_users = EXCLUDED.unique_users,
		 is_deleted = EXCLUDED.is_deleted,
		 updated_at = EXCLUDED.updated_at`,

	// MySQL evaluates assignments left to right against the updated row, so
	// the average is computed before the totals change.
	DialectMySQL: `INSERT INTO service_statistics
		(service_id, date_key, total_calls, success_calls, failed_calls, total_response_time_ms,
		 avg_response_time_ms, max_response_time_ms, unique_users, is_deleted, created_at, updated_at)
		VALUES
		(:service_id, :date_key, :total_calls, :success_calls, :failed_calls, :total_response_time_ms,
		 :avg_response_time_ms, :max_response_time_ms, :unique_users, :is_deleted, :created_at, :updated_at)
		ON DUPLICATE KEY UPDATE
		 avg_response_time_ms = IF(total_calls + VALUES(total_calls) > 0,
		   (total_response_time_ms + VALUES(total_response_time_ms)) DIV (total_calls + VALUES(total_calls)), 0),
		 total_calls = total_calls + VALUES(total_calls),
		 success_calls = success_calls + VALUES(success_calls),
		 failed_calls = failed_calls + VALUES(failed_calls),
		 total_response_time_ms = total_response_time_ms + VALUES(total_response_time_ms),
		 max_response_time_ms = GREATEST(max_response_time_ms, VALUES(max_response_time_ms)),
		 unique_users = VALUES(unique_users),
		 is_deleted = VALUES(is_deleted),
		 updated_at = VALUES(updated_at)`,

	DialectSQLServer: `MERGE service_statistics WITH (HOLDLOCK) AS t
		USING (SELECT :service_id AS service_id, :date_key AS date_key, :total_calls AS total_calls,
		  :success_calls AS success_calls, :failed_calls AS failed_calls,
		  :total_response_time_ms AS total_response_time_ms, :avg_response_time_ms AS avg_response_time_ms,
		  :max_response_time_ms AS max_response_time_ms, :unique_users AS unique_users,
		  :is_deleted AS is_deleted, :created_at AS created_at, :updated_at AS updated_at) AS s
		ON t.service_id = s.service_id AND t.date_key = s.date_key
		WHEN MATCHED THEN UPDATE SET
		 t.total_calls = t.total_calls + s.total_calls,
		 t.success_calls = t.success_calls + s.success_calls,
		 t.failed_calls = t.failed_calls + s.failed_calls,
		 t.total_response_time_ms = t.total_response_time_ms + s.total_response_time_ms,
		 t.avg_response_time_ms = CASE WHEN t.total_calls + s.total_calls > 0
		   THEN (t.total_response_time_ms + s.total_response_time_ms) / (t.total_calls + s.total_calls)
		   ELSE 0 END,
		 t.max_response_time_ms = CASE WHEN s.max_response_time_ms > t.max_response_time_ms
		   THEN s.max_response_time_ms ELSE t.max_response_time_ms END,
		 t.unique_users = s.unique_users,
		 t.is_deleted = s.is_deleted,
		 t.updated_at = s.updated_at
		WHEN NOT MATCHED THEN INSERT
		 (service_id, date_key, total_calls, success_calls, failed_calls, total_response_time_ms,
		  avg_response_time_ms, max_response_time_ms, unique_users, is_deleted, created_at, updated_at)
		 VALUES (s.service_id, s.date_key, s.total_calls, s.success_calls, s.failed_calls,
		  s.total_response_time_ms, s.avg_response_time_ms, s.max_response_time_ms, s.unique_users,
		  s.is_deleted, s.created_at, s.updated_at);`,
}

// statsRow adds the soft-delete flag to model.DailyStats for scanning.
type statsRow struct {
	model.DailyStats
	ID        int64 `db:"id"`
	IsDeleted bool  `db:"is_deleted"`
}

// InsertOrMergeDailyStats additively merges a delta into the (service, date)
// row, creating it when absent. unique_users on the delta is the current
// distinct-user count and replaces the stored value.
func (s *Store) InsertOrMergeDailyStats(ctx context.Context, delta model.DailyStats) error {
	if delta.ServiceID == "" || delta.DateKey == "" {
		return fmt.Errorf("merge daily stats: service id and date are required")
	}
	now := time.Now().UTC()
	delta.CreatedAt = now
	delta.UpdatedAt = now
	if delta.TotalCalls > 0 {
		delta.AvgResponseTimeMs = delta.TotalResponseTimeMs / delta.TotalCalls
	}

	row := statsRow{DailyStats: delta}
	if _, err := s.db.NamedExecContext(ctx, statsUpsert[s.dialect], row); err != nil {
		return fmt.Errorf("merge daily stats: %w", err)
	}
	return nil
}

// FindDailyStats returns the persisted row for one service and day.
func (s *Store) FindDailyStats(ctx context.Context, serviceID, date string) (*model.DailyStats, error) {
	var row statsRow
	q := s.db.Rebind(`SELECT * FROM service_statistics
		WHERE service_id = ? AND date_key = ? AND is_deleted = ?`)
	if err := s.db.GetContext(ctx, &row, q, serviceID, date, false); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get daily stats: %w", err)
	}
	return &row.DailyStats, nil
}

// ListRecentDailyStats returns up to limit rows for a service, newest first.
func (s *Store) ListRecentDailyStats(ctx context.Context, serviceID string, limit int) ([]model.DailyStats, error) {
	var rows []statsRow
	q := s.db.Rebind(`SELECT * FROM service_statistics
		WHERE service_id = ? AND is_deleted = ? ORDER BY date_key DESC` + s.dialect.limitClause(limit))
	if err := s.db.SelectContext(ctx, &rows, q, serviceID, false); err != nil {
		return nil, fmt.Errorf("list daily stats: %w", err)
	}
	out := make([]model.DailyStats, len(rows))
	for i, r := range rows {
		out[i] = r.DailyStats
	}
	return out, nil
}

// DeleteStatsBefore soft-deletes rows whose date precedes date and returns
// how many rows were marked.
func (s *Store) DeleteStatsBefore(ctx context.Context, date string) (int64, error) {
	q := s.db.Rebind(`UPDATE service_statistics SET is_deleted = ?, updated_at = ?
		WHERE date_key < ? AND is_deleted = ?`)
	result, err := s.db.ExecContext(ctx, q, true, time.Now().UTC(), date, false)
	if err != nil {
		return 0, fmt.Errorf("delete stats before %s: %w", date, err)
	}
	return result.RowsAffected()
}

// ---------------------------------------------------------------------------
// Call logs
// ---------------------------------------------------------------------------

// CallLogFilter narrows ListCallLogs. Limit <= 0 means 100.
type CallLogFilter struct {
	ServiceID string
	UserID    string
	Limit     int
}

// InsertCallLog appends one auth decision to api_call_logs.
func (s *Store) InsertCallLog(ctx context.Context, entry *model.CallLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	const q = `INSERT INTO api_call_logs
		(id, user_id, service_id, auth_key_id, request_path, request_method, client_ip, user_agent,
		 status_code, auth_method, reason, created_at)
		VALUES
		(:id, :user_id, :service_id, :auth_key_id, :request_path, :request_method, :client_ip, :user_agent,
		 :status_code, :auth_method, :reason, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, q, entry); err != nil {
		return fmt.Errorf("insert call log: %w", err)
	}
	return nil
}

// ListCallLogs returns the most recent call log entries matching f.
func (s *Store) ListCallLogs(ctx context.Context, f CallLogFilter) ([]model.CallLog, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.ServiceID != "" {
		where = append(where, "service_id = ?")
		args = append(args, f.ServiceID)
	}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	q := "SELECT * FROM api_call_logs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC" + s.dialect.limitClause(limit)

	logs := []model.CallLog{}
	if err := s.db.SelectContext(ctx, &logs, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list call logs: %w", err)
	}
	return logs, nil
}

// ---------------------------------------------------------------------------
// Utility
// ---------------------------------------------------------------------------

func (s *Store) execOne(ctx context.Context, op, q string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return expectOne(result, op)
}

func expectOne(result sql.Result, op string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// HashAPIKey returns the hex-encoded SHA-256 hash of a raw API key string.
func HashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
