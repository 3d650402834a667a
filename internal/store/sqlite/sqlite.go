// Package sqlite is the embedded, file-backed store built on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/fabian4/servicegate/internal/model"
	"github.com/fabian4/servicegate/internal/store"
)

//go:embed migrations
var migrationsFS embed.FS

// Store persists descriptors and wallets in a single SQLite database.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to dsn (a path, "file:..." URI or ":memory:") and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// single writer; also keeps ":memory:" databases on one connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragma: %w", err)
	}
	if err := migrate(ctx, db, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Create(ctx context.Context, d model.ServiceDescriptor) (string, error) {
	paths, err := json.Marshal(d.Paths)
	if err != nil {
		return "", fmt.Errorf("encode paths: %w", err)
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO services (id, service_name, base_url, paths, api_key, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, d.ServiceName, d.BaseURL, string(paths), d.APIKey, time.Now().UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return "", store.ErrDuplicate
		}
		return "", fmt.Errorf("insert service: %w", err)
	}
	return id, nil
}

func (s *Store) FindOne(ctx context.Context, q store.Query) (model.ServiceDescriptor, error) {
	const cols = `SELECT id, service_name, base_url, paths, api_key FROM services`
	var row *sql.Row
	if q.ServiceName != "" {
		row = s.db.QueryRowContext(ctx, cols+` WHERE service_name = ?`, q.ServiceName)
	} else {
		row = s.db.QueryRowContext(ctx, cols+` ORDER BY rowid LIMIT 1`)
	}
	d, err := scanDescriptor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ServiceDescriptor{}, store.ErrNotFound
	}
	return d, err
}

func (s *Store) FindAll(ctx context.Context) ([]model.ServiceDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, service_name, base_url, paths, api_key FROM services ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("query services: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ServiceDescriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) RecordAuth(ctx context.Context, address string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (address, last_auth_at, auth_count) VALUES (?, ?, 1)
		ON CONFLICT(address) DO UPDATE SET
			last_auth_at = excluded.last_auth_at,
			auth_count = wallets.auth_count + 1`,
		address, at.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("record wallet: %w", err)
	}
	return nil
}

func (s *Store) LookupWallet(ctx context.Context, address string) (model.Wallet, error) {
	var (
		w  model.Wallet
		ns int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT address, last_auth_at, auth_count FROM wallets WHERE address = ?`, address).
		Scan(&w.Address, &ns, &w.AuthCount)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Wallet{}, store.ErrNotFound
	}
	if err != nil {
		return model.Wallet{}, fmt.Errorf("lookup wallet: %w", err)
	}
	w.LastAuthAt = time.Unix(0, ns).UTC()
	return w, nil
}

func (s *Store) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanDescriptor(sc scanner) (model.ServiceDescriptor, error) {
	var (
		d     model.ServiceDescriptor
		paths string
	)
	if err := sc.Scan(&d.ID, &d.ServiceName, &d.BaseURL, &paths, &d.APIKey); err != nil {
		return model.ServiceDescriptor{}, err
	}
	if err := json.Unmarshal([]byte(paths), &d.Paths); err != nil {
		return model.ServiceDescriptor{}, fmt.Errorf("decode paths of %s: %w", d.ServiceName, err)
	}
	return d, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
