package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/proxy-pool-manager/internal/types"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

// PoolStatsRecord is one archived snapshot row. Postgres keeps history,
// Load returns the newest row.
type PoolStatsRecord struct {
	bun.BaseModel `bun:"table:pool_stats,alias:ps"`

	ID        int64     `bun:",pk,autoincrement"`
	Active    int       `bun:",notnull"`
	Burned    int       `bun:",notnull"`
	CostToday float64   `bun:",notnull"`
	Data      string    `bun:"type:jsonb,notnull"`
	UpdatedAt time.Time `bun:",notnull"`
}

type PostgresArchive struct {
	db *bun.DB
}

func NewPostgresArchive(dsn string) (*PostgresArchive, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.NewCreateTable().
		Model((*PoolStatsRecord)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &PostgresArchive{db: db}, nil
}

func (p *PostgresArchive) Save(snapshot *types.StatsSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	record := &PoolStatsRecord{
		Active:    snapshot.Stats.Active,
		Burned:    snapshot.Stats.Burned,
		CostToday: snapshot.Stats.CostToday,
		Data:      string(data),
		UpdatedAt: snapshot.Updated,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := p.db.NewInsert().Model(record).Exec(ctx); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	return nil
}

func (p *PostgresArchive) Load() (*types.StatsSnapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var record PoolStatsRecord
	err := p.db.NewSelect().
		Model(&record).
		OrderExpr("id DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query snapshot: %w", err)
	}

	var snap types.StatsSnapshot
	if err := json.Unmarshal([]byte(record.Data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}

	return &snap, nil
}

func (p *PostgresArchive) Close() error {
	return p.db.Close()
}
