package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"corthex/internal/store"

	_ "modernc.org/sqlite"
)

// Report is one delivered chain result.
type Report struct {
	ChainID     string    `json:"chain_id"`
	TaskID      string    `json:"task_id"`
	Mode        string    `json:"mode"`
	Status      string    `json:"status"`
	TargetID    string    `json:"target_id"`
	Content     string    `json:"content"`
	CostUSD     float64   `json:"cost_usd"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Archive is an append-only log of delivered reports. A chain id is written
// at most once.
type Archive struct {
	db *sql.DB
}

func Open(path string) (*Archive, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("archive path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Archive{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS reports (
			chain_id     TEXT PRIMARY KEY,
			task_id      TEXT NOT NULL DEFAULT '',
			mode         TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT '',
			target_id    TEXT NOT NULL DEFAULT '',
			content      TEXT NOT NULL DEFAULT '',
			cost_usd     REAL NOT NULL DEFAULT 0,
			delivered_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_reports_delivered ON reports(delivered_at);`)
	return err
}

func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Append stores r and reports whether a new row was written.
func (a *Archive) Append(ctx context.Context, r Report) (bool, error) {
	if strings.TrimSpace(r.ChainID) == "" {
		return false, fmt.Errorf("archive: chain id cannot be empty")
	}
	if r.DeliveredAt.IsZero() {
		r.DeliveredAt = time.Now()
	}
	res, err := a.db.ExecContext(ctx, `
		INSERT INTO reports (chain_id, task_id, mode, status, target_id, content, cost_usd, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_id) DO NOTHING`,
		r.ChainID, r.TaskID, r.Mode, r.Status, r.TargetID, r.Content, r.CostUSD, r.DeliveredAt.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (a *Archive) Get(ctx context.Context, chainID string) (Report, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT chain_id, task_id, mode, status, target_id, content, cost_usd, delivered_at
		FROM reports WHERE chain_id = ?`, chainID)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Report{}, store.ErrNotFound
	}
	return r, err
}

func (a *Archive) List(ctx context.Context, limit int) ([]Report, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT chain_id, task_id, mode, status, target_id, content, cost_usd, delivered_at
		FROM reports ORDER BY delivered_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(s scanner) (Report, error) {
	var (
		r  Report
		ms int64
	)
	if err := s.Scan(&r.ChainID, &r.TaskID, &r.Mode, &r.Status, &r.TargetID, &r.Content, &r.CostUSD, &ms); err != nil {
		return Report{}, err
	}
	r.DeliveredAt = time.UnixMilli(ms)
	return r, nil
}
