package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"mudclock/pkg/logx"
)

// Store is the persistence API used by the incident writer and the admin server.
type Store interface {
	AppendIncident(ctx context.Context, in Incident) error
	// RecentIncidents returns up to limit incidents, newest first.
	RecentIncidents(ctx context.Context, limit int) ([]Incident, error)
	// PruneIncidents deletes incidents recorded before the cutoff.
	PruneIncidents(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 1000:
		return 1000
	}
	return limit
}
