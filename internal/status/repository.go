package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository persists the status mirror.
type Repository interface {
	// Get returns the stored entry for name.
	// Returns ErrEntryNotFound if nothing is stored.
	Get(ctx context.Context, name string) (*Entry, error)

	// Set inserts or replaces the entry for e.Name.
	Set(ctx context.Context, e Entry) error

	// List returns every stored entry ordered by name.
	List(ctx context.Context) ([]Entry, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Get retrieves the entry for a device name.
func (r *SQLiteRepository) Get(ctx context.Context, name string) (*Entry, error) {
	query := `
		SELECT name, status, reason, source, last_update
		FROM device_status
		WHERE name = ?`

	e, err := scanEntry(r.db.QueryRowContext(ctx, query, NormalizeName(name)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("querying device status: %w", err)
	}
	return e, nil
}

// Set upserts the entry.
func (r *SQLiteRepository) Set(ctx context.Context, e Entry) error {
	name := NormalizeName(e.Name)
	if name == "" {
		return ErrInvalidName
	}

	query := `
		INSERT INTO device_status (name, status, reason, source, last_update)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			source = excluded.source,
			last_update = excluded.last_update`

	_, err := r.db.ExecContext(ctx, query,
		name,
		string(e.Status),
		e.Reason,
		e.Source,
		e.LastUpdate.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting device status: %w", err)
	}
	return nil
}

// List retrieves all entries.
func (r *SQLiteRepository) List(ctx context.Context) ([]Entry, error) {
	query := `
		SELECT name, status, reason, source, last_update
		FROM device_status
		ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying device statuses: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device status: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device statuses: %w", err)
	}
	return entries, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(s rowScanner) (*Entry, error) {
	var (
		e          Entry
		state      string
		lastUpdate string
	)
	if err := s.Scan(&e.Name, &state, &e.Reason, &e.Source, &lastUpdate); err != nil {
		return nil, err
	}

	e.Status = State(state)
	t, err := time.Parse(time.RFC3339Nano, lastUpdate)
	if err != nil {
		return nil, fmt.Errorf("parsing last_update: %w", err)
	}
	e.LastUpdate = t
	return &e, nil
}
