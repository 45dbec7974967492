package room

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the rooms table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS rooms (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    system_prompt TEXT NOT NULL DEFAULT '',
    max_sessions  INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_rooms_created ON rooms(created_at);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the rooms
// table and index if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("room: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, r *Room) error {
	if err := r.Validate(); err != nil {
		return err
	}

	const query = `
		INSERT INTO rooms (id, name, system_prompt, max_sessions)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at, updated_at`

	err := s.db.QueryRow(ctx, query,
		r.ID, r.Name, r.SystemPrompt, r.MaxSessions,
	).Scan(&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("room: id %q: %w", r.ID, ErrExists)
		}
		return fmt.Errorf("room: create: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Room, error) {
	const query = `
		SELECT id, name, system_prompt, max_sessions, created_at, updated_at
		FROM rooms
		WHERE id = $1`

	var r Room
	err := s.db.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.Name, &r.SystemPrompt, &r.MaxSessions, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("room: get %q: %w", id, err)
	}
	return &r, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Room, error) {
	const query = `
		SELECT id, name, system_prompt, max_sessions, created_at, updated_at
		FROM rooms
		ORDER BY created_at, id`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("room: list: %w", err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(
			&r.ID, &r.Name, &r.SystemPrompt, &r.MaxSessions, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("room: list scan: %w", err)
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("room: list rows: %w", err)
	}
	return rooms, nil
}

func (s *PostgresStore) SetPrompt(ctx context.Context, id, prompt string) error {
	const query = `
		UPDATE rooms SET system_prompt = $2, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	var updatedAt time.Time
	err := s.db.QueryRow(ctx, query, id, prompt).Scan(&updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("room: id %q: %w", id, ErrNotFound)
		}
		return fmt.Errorf("room: set prompt %q: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM rooms WHERE id = $1`
	_, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("room: delete %q: %w", id, err)
	}
	return nil
}

// isDuplicateKeyError reports whether err is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
