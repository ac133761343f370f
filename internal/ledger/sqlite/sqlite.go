// Package sqlite implements ledger.Table on a single SQLite file. It suits a
// single host where several processes share one ledger.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tomasbasham/eoa/internal/errs"
	"github.com/tomasbasham/eoa/internal/ledger"
)

//go:embed migrations
var migrationsFS embed.FS

// Table is a ledger.Table backed by SQLite.
type Table struct {
	db *sql.DB
}

var _ ledger.Table = (*Table)(nil)

// Open opens the database at path, applying any pending migrations first.
func Open(path string) (*Table, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errs.New(errs.ErrInvalid, "ledger/sqlite: path is required")
	}
	path = filepath.Clean(path)

	if err := Migrate(path); err != nil {
		return nil, err
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger/sqlite: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger/sqlite: ping: %w", err)
	}
	return &Table{db: db}, nil
}

// Migrate runs all pending up migrations embedded in the binary.
func Migrate(path string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ledger/sqlite: load migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, "sqlite://"+path)
	if err != nil {
		return fmt.Errorf("ledger/sqlite: create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ledger/sqlite: apply migrations: %w", err)
	}
	return nil
}

func (t *Table) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

func (t *Table) Apply(ctx context.Context, u ledger.Update) error {
	if u.ProviderID == "" {
		return errs.New(errs.ErrInvalid, "ledger/sqlite: provider id is required")
	}

	var count string
	switch u.Op {
	case ledger.OpAdd:
		count = "quota_records.targeted_count + excluded.targeted_count"
	case ledger.OpSet:
		count = "excluded.targeted_count"
	default:
		return errs.New(errs.ErrInvalid, "ledger/sqlite: unknown update op %d", u.Op)
	}

	_, err := t.db.ExecContext(ctx, `
INSERT INTO quota_records (provider_id, targeted_count, last_saved, permanent)
VALUES (?, ?, ?, ?)
ON CONFLICT (provider_id) DO UPDATE SET
	targeted_count = `+count+`,
	last_saved = excluded.last_saved,
	permanent = excluded.permanent
`, u.ProviderID, u.Value, u.LastSaved, u.Permanent)
	if err != nil {
		return classify(err, "apply update to %s", u.ProviderID)
	}
	return nil
}

func (t *Table) Scan(ctx context.Context, f ledger.Filter) (ledger.ScanResult, error) {
	var (
		where []string
		args  []any
	)
	if f.MinCount != 0 {
		where = append(where, "targeted_count >= ?")
		args = append(args, f.MinCount)
	}
	if f.SavedBefore != "" {
		where = append(where, "last_saved < ?")
		args = append(args, f.SavedBefore)
	}
	if f.Permanent != nil {
		where = append(where, "permanent = ?")
		args = append(args, *f.Permanent)
	}

	query := "SELECT provider_id, targeted_count, last_saved, permanent FROM quota_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY provider_id"

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ledger.ScanResult{}, classify(err, "scan")
	}
	defer rows.Close()

	var res ledger.ScanResult
	for rows.Next() {
		var (
			id        string
			count     any
			lastSaved sql.NullString
			permanent any
		)
		if err := rows.Scan(&id, &count, &lastSaved, &permanent); err != nil {
			return ledger.ScanResult{}, classify(err, "scan row")
		}
		r, ok := decodeRecord(id, count, lastSaved, permanent)
		if !ok {
			res.Invalid = append(res.Invalid, id)
			continue
		}
		res.Records = append(res.Records, r)
	}
	if err := rows.Err(); err != nil {
		return ledger.ScanResult{}, classify(err, "scan")
	}
	return res, nil
}

// decodeRecord interprets one row. SQLite columns are dynamically typed, so a
// row written outside this package may hold values of the wrong type.
func decodeRecord(id string, count any, lastSaved sql.NullString, permanent any) (ledger.Record, bool) {
	r := ledger.Record{ProviderID: id}

	n, ok := count.(int64)
	if !ok {
		return r, false
	}
	r.TargetedCount = int(n)

	if !lastSaved.Valid {
		return r, false
	}
	if _, err := time.Parse(ledger.DateLayout, lastSaved.String); err != nil {
		return r, false
	}
	r.LastSaved = lastSaved.String

	switch p := permanent.(type) {
	case int64:
		r.Permanent = p != 0
	case bool:
		r.Permanent = p
	default:
		return r, false
	}
	return r, true
}

func (t *Table) DeleteBatch(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) > ledger.MaxBatchSize {
		return errs.New(errs.ErrInvalid, "ledger/sqlite: batch of %d exceeds %d", len(ids), ledger.MaxBatchSize)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := t.db.ExecContext(ctx, "DELETE FROM quota_records WHERE provider_id IN ("+placeholders+")", args...)
	if err != nil {
		return classify(err, "delete batch")
	}
	return nil
}

func (t *Table) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := t.db.QueryRowContext(ctx, "SELECT value FROM ledger_config WHERE config = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errs.New(errs.ErrNotFound, "ledger/sqlite: config %q not found", key)
	}
	if err != nil {
		return "", classify(err, "get config %q", key)
	}
	return value, nil
}

func (t *Table) ListConfig(ctx context.Context) (map[string]string, error) {
	rows, err := t.db.QueryContext(ctx, "SELECT config, value FROM ledger_config")
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
	_, err := t.db.ExecContext(ctx, `
INSERT INTO ledger_config (config, value) VALUES (?, ?)
ON CONFLICT (config) DO UPDATE SET value = excluded.value
`, key, value)
	if err != nil {
		return classify(err, "put config %q", key)
	}
	return nil
}

// classify maps lock contention to errs.ErrConflict so callers may retry.
func classify(err error, format string, args ...any) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("ledger/sqlite: %s: %w", fmt.Sprintf(format, args...), err)
	}
	if isBusy(err) {
		return errs.Wrap(errs.ErrConflict, err, "ledger/sqlite: "+format, args...)
	}
	return fmt.Errorf("ledger/sqlite: %s: %w", fmt.Sprintf(format, args...), err)
}

func isBusy(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
}
