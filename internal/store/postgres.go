package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/andresmejia3/facegate/internal/types"
)

// Postgres keeps references in PostgreSQL with descriptors in pgvector columns.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and ensures the schema is initialized.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	// The vector extension has to exist before pooled connections can register its types.
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	err = initSchema(ctx, conn)
	conn.Close(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 10 * time.Minute
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// initSchema creates the tables and vector extension if they don't exist (Auto-Migration).
// The embedding column is unsized so 128-d and 512-d models can share a database.
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	_, err := conn.Exec(ctx, `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS passengers (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS reference_faces (
			id BIGSERIAL PRIMARY KEY,
			passenger_id TEXT NOT NULL REFERENCES passengers(id) ON DELETE CASCADE,
			position INT NOT NULL,
			embedding VECTOR,
			image BYTEA
		);
		CREATE INDEX IF NOT EXISTS reference_faces_passenger_id_idx ON reference_faces (passenger_id);
	`)
	return err
}

func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

func (s *Postgres) Save(ctx context.Context, set *types.ReferenceSet) error {
	if set.Empty() {
		return types.ErrEmptyCapture
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO passengers (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET updated_at = NOW()
	`, set.PassengerID)
	if err != nil {
		return fmt.Errorf("upsert passenger: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM reference_faces WHERE passenger_id = $1", set.PassengerID); err != nil {
		return fmt.Errorf("clear references: %w", err)
	}

	batch := &pgx.Batch{}
	if set.Deferred() {
		for i, img := range set.Images() {
			batch.Queue("INSERT INTO reference_faces (passenger_id, position, image) VALUES ($1, $2, $3)",
				set.PassengerID, i, img)
		}
	} else {
		for i, d := range set.Descriptors() {
			vec := pgvector.NewVector(toFloat32(d))
			batch.Queue("INSERT INTO reference_faces (passenger_id, position, embedding) VALUES ($1, $2, $3)",
				set.PassengerID, i, vec)
		}
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert references: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *Postgres) Load(ctx context.Context, passengerID string) (*types.ReferenceSet, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM passengers WHERE id = $1)", passengerID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, notFound(passengerID)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT embedding, image FROM reference_faces
		WHERE passenger_id = $1 ORDER BY position
	`, passengerID)
	if err != nil {
		return nil, fmt.Errorf("query references: %w", err)
	}
	defer rows.Close()

	var descs []types.FaceDescriptor
	var images [][]byte
	for rows.Next() {
		var vec *pgvector.Vector
		var img []byte
		if err := rows.Scan(&vec, &img); err != nil {
			return nil, err
		}
		if vec != nil {
			descs = append(descs, toFloat64(vec.Slice()))
		} else if img != nil {
			images = append(images, img)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return buildSet(passengerID, descs, images), nil
}

func (s *Postgres) Delete(ctx context.Context, passengerID string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM passengers WHERE id = $1", passengerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(passengerID)
	}
	return nil
}

// Label sets a human-readable name on an enrollment.
func (s *Postgres) Label(ctx context.Context, passengerID, label string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE passengers SET label = $1, updated_at = NOW() WHERE id = $2", label, passengerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFound(passengerID)
	}
	return nil
}

func (s *Postgres) List(ctx context.Context) ([]Passenger, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.label, p.created_at, p.updated_at, COUNT(f.id), COUNT(f.embedding)
		FROM passengers p
		LEFT JOIN reference_faces f ON f.passenger_id = p.id
		GROUP BY p.id
		ORDER BY p.created_at, p.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Passenger
	for rows.Next() {
		var p Passenger
		var embedded int
		if err := rows.Scan(&p.ID, &p.Label, &p.CreatedAt, &p.UpdatedAt, &p.Samples, &embedded); err != nil {
			return nil, err
		}
		p.Deferred = p.Samples > 0 && embedded == 0
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Postgres) All(ctx context.Context) ([]*types.ReferenceSet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT passenger_id, embedding, image FROM reference_faces
		ORDER BY passenger_id, position
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.ReferenceSet
	var current string
	var descs []types.FaceDescriptor
	var images [][]byte
	flush := func() {
		if current != "" {
			out = append(out, buildSet(current, descs, images))
		}
		descs, images = nil, nil
	}

	for rows.Next() {
		var id string
		var vec *pgvector.Vector
		var img []byte
		if err := rows.Scan(&id, &vec, &img); err != nil {
			return nil, err
		}
		if id != current {
			flush()
			current = id
		}
		if vec != nil {
			descs = append(descs, toFloat64(vec.Slice()))
		} else if img != nil {
			images = append(images, img)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	flush()
	return out, nil
}

// Reset drops all application tables and recreates them.
func (s *Postgres) Reset(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `
		DROP TABLE IF EXISTS reference_faces CASCADE;
		DROP TABLE IF EXISTS passengers CASCADE;
	`); err != nil {
		return err
	}
	return initSchema(ctx, conn.Conn())
}

func toFloat32(d types.FaceDescriptor) []float32 {
	out := make([]float32, len(d))
	for i, v := range d {
		out[i] = float32(v)
	}
	return out
}

func toFloat64(v []float32) types.FaceDescriptor {
	out := make(types.FaceDescriptor, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

var _ Repository = (*Postgres)(nil)
