// Package storage archives pool stats snapshots so the last known view of
// the pool survives restarts.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/proxy-pool-manager/internal/config"
	"github.com/proxy-pool-manager/internal/types"
	"github.com/redis/go-redis/v9"
)

type Archive interface {
	Save(snapshot *types.StatsSnapshot) error
	// Load returns nil without error when nothing was archived yet
	Load() (*types.StatsSnapshot, error)
	Close() error
}

// NewArchive opens the backend named in cfg. The redis backend shares the
// pool's client instead of dialing its own.
func NewArchive(cfg config.ArchiveConfig, client *redis.Client) (Archive, error) {
	switch cfg.Type {
	case config.ArchiveFile:
		return NewFileArchive(cfg.Path)
	case config.ArchiveSQLite:
		return NewSQLiteArchive(cfg.Path)
	case config.ArchiveRedis:
		if client == nil {
			return nil, fmt.Errorf("redis archive requires a redis client")
		}
		return NewRedisArchive(client, DefaultRedisKey), nil
	case config.ArchivePostgres:
		return NewPostgresArchive(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown archive type: %s", cfg.Type)
	}
}

// FileArchive stores the snapshot as a JSON file
type FileArchive struct {
	path string
}

func NewFileArchive(path string) (*FileArchive, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	return &FileArchive{path: path}, nil
}

func (f *FileArchive) Save(snapshot *types.StatsSnapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	// Write to a temp file then rename so readers never see a partial file
	tempPath := f.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tempPath, f.path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}

	return nil
}

func (f *FileArchive) Load() (*types.StatsSnapshot, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read file: %w", err)
	}

	var snap types.StatsSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}

	return &snap, nil
}

func (f *FileArchive) Close() error {
	return nil
}
