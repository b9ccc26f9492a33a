package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "smsrelay"

// SQLStorage implements Storage on database/sql. The same queries serve
// SQLite and Postgres; the dialect supplies placeholders, row locks and
// column types.
type SQLStorage struct {
	db *sql.DB
	d  dialect
}

func NewSQLite(path string) (*SQLStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	// One connection serializes every transaction, which is what keeps the
	// spending ledger consistent on SQLite.
	db.SetMaxOpenConns(1)
	return &SQLStorage{db: db, d: sqliteDialect}, nil
}

func NewPostgres(dsn string) (*SQLStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return newPostgres(db), nil
}

func newPostgres(db *sql.DB) *SQLStorage {
	return &SQLStorage{db: db, d: postgresDialect}
}

func (s *SQLStorage) Driver() string {
	return s.d.name
}

func (s *SQLStorage) Migrate(ctx context.Context) error {
	for _, q := range s.d.migrations {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate %s: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}

func (s *SQLStorage) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStorage) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(query), args...)
}

func (s *SQLStorage) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(query), args...)
}

// txn wraps *sql.Tx so queries written with ? placeholders are rebound for
// the active dialect.
type txn struct {
	tx *sql.Tx
	d  dialect
}

func (t txn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.d.rebind(query), args...)
}

func (t txn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.d.rebind(query), args...)
}

func (t txn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.d.rebind(query), args...)
}

// withTx runs fn in a transaction traced as spanName. The transaction is
// committed only when fn returns nil.
func (s *SQLStorage) withTx(ctx context.Context, spanName string, fn func(ctx context.Context, tx txn) error) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "storage."+spanName)
	span.SetAttributes(
		attribute.String("db.system", s.d.name),
		attribute.String("db.operation", spanName),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err = fn(ctx, txn{tx: tx, d: s.d}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			err = errors.Join(err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

// expectOne turns a conditional UPDATE that matched nothing into ErrConflict.
func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

type scanner interface {
	Scan(dest ...any) error
}
