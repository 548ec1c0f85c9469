package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/proxy-pool-manager/internal/types"
)

// SQLiteArchive keeps the latest snapshot in a single-row table
type SQLiteArchive struct {
	db *sql.DB
}

func NewSQLiteArchive(path string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS pool_stats (
		id INTEGER PRIMARY KEY,
		data TEXT NOT NULL,
		active INTEGER NOT NULL,
		burned INTEGER NOT NULL,
		cost_today REAL NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteArchive{db: db}, nil
}

func (s *SQLiteArchive) Save(snapshot *types.StatsSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM pool_stats"); err != nil {
		return fmt.Errorf("delete old snapshots: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT INTO pool_stats (data, active, burned, cost_today, updated_at) VALUES (?, ?, ?, ?, ?)",
		string(data), snapshot.Stats.Active, snapshot.Stats.Burned, snapshot.Stats.CostToday, snapshot.Updated,
	); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func (s *SQLiteArchive) Load() (*types.StatsSnapshot, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM pool_stats ORDER BY id DESC LIMIT 1").Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query snapshot: %w", err)
	}

	var snap types.StatsSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}

	return &snap, nil
}

func (s *SQLiteArchive) Close() error {
	return s.db.Close()
}
