// Package postgres implements ledger.Table on PostgreSQL for ledgers shared
// across hosts.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tomasbasham/eoa/internal/errs"
	"github.com/tomasbasham/eoa/internal/ledger"
)

//go:embed migrations
var migrationsFS embed.FS

// Table is a ledger.Table backed by a pgx connection pool.
type Table struct {
	pool *pgxpool.Pool
}

var _ ledger.Table = (*Table)(nil)

// New returns a Table over an existing pool.
func New(pool *pgxpool.Pool) *Table {
	return &Table{pool: pool}
}

// Open migrates the database at databaseURL and connects a pool to it.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Table, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if databaseURL == "" {
		return nil, errs.New(errs.ErrInvalid, "ledger/postgres: database url is required")
	}
	if err := Migrate(databaseURL); err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "ledger migrations applied")

	pool, err := Connect(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	logger.InfoContext(ctx, "connected to ledger database")
	return New(pool), nil
}

// Connect creates and validates a pgx connection pool.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("ledger/postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.ErrTransient, err, "ledger/postgres: ping database")
	}
	return pool, nil
}

// Migrate runs all pending up migrations embedded in the binary.
func Migrate(databaseURL string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ledger/postgres: load migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return fmt.Errorf("ledger/postgres: create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ledger/postgres: apply migrations: %w", err)
	}
	return nil
}

func (t *Table) Close() {
	if t != nil && t.pool != nil {
		t.pool.Close()
	}
}

func (t *Table) Apply(ctx context.Context, u ledger.Update) error {
	if u.ProviderID == "" {
		return errs.New(errs.ErrInvalid, "ledger/postgres: provider id is required")
	}

	var query string
	switch u.Op {
	case ledger.OpAdd:
		query = `INSERT INTO quota_records (provider_id, targeted_count, last_saved, permanent)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (provider_id) DO UPDATE SET
		   targeted_count = quota_records.targeted_count + EXCLUDED.targeted_count,
		   last_saved = EXCLUDED.last_saved,
		   permanent = EXCLUDED.permanent`
	case ledger.OpSet:
		query = `INSERT INTO quota_records (provider_id, targeted_count, last_saved, permanent)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (provider_id) DO UPDATE SET
		   targeted_count = EXCLUDED.targeted_count,
		   last_saved = EXCLUDED.last_saved,
		   permanent = EXCLUDED.permanent`
	default:
		return errs.New(errs.ErrInvalid, "ledger/postgres: unknown update op %d", u.Op)
	}

	if _, err := t.pool.Exec(ctx, query, u.ProviderID, u.Value, u.LastSaved, u.Permanent); err != nil {
		return classify(err, "apply update to %s", u.ProviderID)
	}
	return nil
}

func (t *Table) Scan(ctx context.Context, f ledger.Filter) (ledger.ScanResult, error) {
	query, args := scanQuery(f)
	rows, err := t.pool.Query(ctx, query, args...)
	if err != nil {
		return ledger.ScanResult{}, classify(err, "scan")
	}
	defer rows.Close()

	var res ledger.ScanResult
	for rows.Next() {
		var r ledger.Record
		if err := rows.Scan(&r.ProviderID, &r.TargetedCount, &r.LastSaved, &r.Permanent); err != nil {
			return ledger.ScanResult{}, classify(err, "scan row")
		}
		if _, err := time.Parse(ledger.DateLayout, r.LastSaved); err != nil {
			res.Invalid = append(res.Invalid, r.ProviderID)
			continue
		}
		res.Records = append(res.Records, r)
	}
	if err := rows.Err(); err != nil {
		return ledger.ScanResult{}, classify(err, "scan")
	}
	return res, nil
}

func scanQuery(f ledger.Filter) (string, []any) {
	query := "SELECT provider_id, targeted_count, last_saved, permanent FROM quota_records WHERE TRUE"
	var args []any
	if f.MinCount != 0 {
		args = append(args, f.MinCount)
		query += fmt.Sprintf(" AND targeted_count >= $%d", len(args))
	}
	if f.SavedBefore != "" {
		args = append(args, f.SavedBefore)
		query += fmt.Sprintf(" AND last_saved < $%d", len(args))
	}
	if f.Permanent != nil {
		args = append(args, *f.Permanent)
		query += fmt.Sprintf(" AND permanent = $%d", len(args))
	}
	return query + " ORDER BY provider_id", args
}

func (t *Table) DeleteBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) > ledger.MaxBatchSize {
		return errs.New(errs.ErrInvalid, "ledger/postgres: batch of %d exceeds %d", len(ids), ledger.MaxBatchSize)
	}
	if _, err := t.pool.Exec(ctx, `DELETE FROM quota_records WHERE provider_id = ANY($1)`, ids); err != nil {
		return classify(err, "delete batch")
	}
	return nil
}

func (t *Table) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := t.pool.QueryRow(ctx, `SELECT value FROM ledger_config WHERE config = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", errs.New(errs.ErrNotFound, "ledger/postgres: config %q not found", key)
	}
	if err != nil {
		return "", classify(err, "get config %q", key)
	}
	return value, nil
}

func (t *Table) ListConfig(ctx context.Context) (map[string]string, error) {
	rows, err := t.pool.Query(ctx, `SELECT config, value FROM ledger_config`)
	if err != nil {
		return nil, classify(err, "list config")
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, classify(err, "list config")
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "list config")
	}
	return out, nil
}

func (t *Table) PutConfig(ctx context.Context, key, value string) error {
	_, err := t.pool.Exec(ctx,
		`INSERT INTO ledger_config (config, value) VALUES ($1, $2)
		 ON CONFLICT (config) DO UPDATE SET value = EXCLUDED.value`,
		key, value,
	)
	if err != nil {
		return classify(err, "put config %q", key)
	}
	return nil
}

// classify maps serialization failures and deadlocks to errs.ErrConflict and
// connection failures to errs.ErrTransient.
func classify(err error, format string, args ...any) error {
	switch {
	case isConflict(err):
		return errs.Wrap(errs.ErrConflict, err, "ledger/postgres: "+format, args...)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("ledger/postgres: %s: %w", fmt.Sprintf(format, args...), err)
	case pgconn.SafeToRetry(err), pgconn.Timeout(err), isConnectionError(err):
		return errs.Wrap(errs.ErrTransient, err, "ledger/postgres: "+format, args...)
	}
	return fmt.Errorf("ledger/postgres: %s: %w", fmt.Sprintf(format, args...), err)
}

// isConflict reports serialization_failure (40001) and deadlock_detected
// (40P01).
func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

// isConnectionError reports SQLSTATE class 08 and admin shutdowns (57P01..57P03).
func isConnectionError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		var connErr *pgconn.ConnectError
		return errors.As(err, &connErr)
	}
	if len(pgErr.Code) == 5 && pgErr.Code[:2] == "08" {
		return true
	}
	switch pgErr.Code {
	case "57P01", "57P02", "57P03":
		return true
	}
	return false
}
