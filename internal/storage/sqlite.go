package storage

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

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"mudclock/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
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

func (s *sqliteStore) AppendIncident(ctx context.Context, in Incident) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Time.IsZero() {
		in.Time = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO incidents(id, at, episode, kind, entity, label, aborted, err, cost, elapsed_ns, depth)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		in.ID, in.Time.UnixNano(), in.Episode, in.Kind, in.Entity, in.Label,
		boolInt(in.Aborted), nullStr(in.Error), in.Cost, int64(in.Elapsed), in.Depth,
	)
	return err
}

func (s *sqliteStore) RecentIncidents(ctx context.Context, limit int) ([]Incident, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, episode, kind, entity, label, aborted, err, cost, elapsed_ns, depth
		 FROM incidents ORDER BY seq DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		var (
			in      Incident
			at      int64
			aborted int
			msg     sql.NullString
			elapsed int64
		)
		if err := rows.Scan(&in.ID, &at, &in.Episode, &in.Kind, &in.Entity, &in.Label,
			&aborted, &msg, &in.Cost, &elapsed, &in.Depth); err != nil {
			return nil, err
		}
		in.Time = time.Unix(0, at)
		in.Aborted = aborted != 0
		in.Error = msg.String
		in.Elapsed = time.Duration(elapsed)
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneIncidents(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM incidents WHERE at < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
