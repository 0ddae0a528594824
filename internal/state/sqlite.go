package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "stridebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps the registry in a single-writer SQLite database.
// Every mutation is a committed transaction, so the flush-per-mutation
// durability contract holds without extra bookkeeping.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Register(ctx context.Context, id, token string, watermark time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("athlete id is empty")
	}
	// Keep the original seq on re-registration so List() order is stable.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO athletes(id, token, watermark) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET token=excluded.token, watermark=excluded.watermark`,
		id, token, watermark.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

func (s *sqliteStore) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM athletes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM athletes ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Credential(ctx context.Context, id string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT token FROM athletes WHERE id = ?`, id).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *sqliteStore) Watermark(ctx context.Context, id string) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT watermark FROM athletes WHERE id = ?`, id).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *sqliteStore) SetWatermark(ctx context.Context, id string, t time.Time) error {
	// MAX keeps the watermark monotonic without a read-modify-write cycle.
	res, err := s.db.ExecContext(ctx,
		`UPDATE athletes SET watermark = MAX(watermark, ?) WHERE id = ?`,
		t.UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
