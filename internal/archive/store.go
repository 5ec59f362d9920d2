// Package archive persists finalized recognition segments to Postgres.
package archive

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratePgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotConnected is returned when the store is used before Connect.
var ErrNotConnected = errors.New("archive: not connected")

// Segment is one finalized segment of a stream.
type Segment struct {
	StreamID   uuid.UUID
	Segment    int
	Text       string
	Tokens     []string
	Timestamps []float32
	StartTime  float32
	ResultJSON string
	CreatedAt  time.Time
}

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{log: logger.With("component", "archive")}
}

// Connect opens the pool and applies the embedded migrations.
func (s *Store) Connect(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("opening postgres: %w", err)
	}
	if err := s.migrate(pool); err != nil {
		pool.Close()
		return err
	}
	s.pool = pool
	return nil
}

func (s *Store) migrate(pool *pgxpool.Pool) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("creating iofs driver: %w", err)
	}

	stdDB := stdlib.OpenDBFromPool(pool)
	defer stdDB.Close()

	drv, err := migratePgx.WithInstance(stdDB, &migratePgx.Config{})
	if err != nil {
		return fmt.Errorf("migrate driver instance: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", drv)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		s.log.Info("migrations done (no change)")
	case err != nil:
		return fmt.Errorf("running migrations: %w", err)
	default:
		s.log.Info("migrations done")
	}
	return nil
}

// Save upserts seg. Re-saving a (stream, segment) pair replaces it.
func (s *Store) Save(ctx context.Context, seg Segment) error {
	if s.pool == nil {
		return ErrNotConnected
	}
	tokens := seg.Tokens
	if tokens == nil {
		tokens = []string{}
	}
	timestamps := seg.Timestamps
	if timestamps == nil {
		timestamps = []float32{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO segments (stream_id, segment, text, tokens, timestamps, start_time, result_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (stream_id, segment) DO UPDATE SET
			text = EXCLUDED.text,
			tokens = EXCLUDED.tokens,
			timestamps = EXCLUDED.timestamps,
			start_time = EXCLUDED.start_time,
			result_json = EXCLUDED.result_json`,
		seg.StreamID, seg.Segment, seg.Text, tokens, timestamps, seg.StartTime, seg.ResultJSON)
	if err != nil {
		return fmt.Errorf("saving segment %s/%d: %w", seg.StreamID, seg.Segment, err)
	}
	return nil
}

// Segments returns every archived segment of a stream in segment order.
func (s *Store) Segments(ctx context.Context, streamID uuid.UUID) ([]Segment, error) {
	if s.pool == nil {
		return nil, ErrNotConnected
	}
	rows, err := s.pool.Query(ctx, `
		SELECT stream_id, segment, text, tokens, timestamps, start_time, result_json, created_at
		FROM segments WHERE stream_id = $1 ORDER BY segment`, streamID)
	if err != nil {
		return nil, fmt.Errorf("querying segments: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Segment, error) {
		var seg Segment
		err := row.Scan(&seg.StreamID, &seg.Segment, &seg.Text, &seg.Tokens, &seg.Timestamps,
			&seg.StartTime, &seg.ResultJSON, &seg.CreatedAt)
		return seg, err
	})
	if err != nil {
		return nil, fmt.Errorf("reading segments: %w", err)
	}
	return out, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}
