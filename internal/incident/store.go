package incident

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store persists incidents.
type Store interface {
	// Create inserts an incident as given, open or closed.
	// Returns ErrIncidentExists on a duplicate ticket ID and
	// ErrOpenIncidentExists if it is open and its node already has one.
	Create(ctx context.Context, inc *Incident) error

	// CreateOpen atomically inserts an open incident unless its node key
	// already has one, in which case it returns ErrOpenIncidentExists.
	CreateOpen(ctx context.Context, inc *Incident) error

	// QueryOpen returns every incident without an end date.
	QueryOpen(ctx context.Context) ([]Incident, error)

	// Get returns one incident. Returns ErrIncidentNotFound if absent.
	Get(ctx context.Context, ticketID string) (*Incident, error)

	// Update applies a patch to one incident.
	Update(ctx context.Context, ticketID string, p Patch) error

	// BatchUpdate applies several patches in one transaction.
	BatchUpdate(ctx context.Context, patches []TicketPatch) error

	// ListRecent returns the most recently started incidents, newest first.
	ListRecent(ctx context.Context, limit int) ([]Incident, error)
}

// SQLiteStore implements Store using SQLite.
//
// The incidents table carries a partial unique index on node_key for rows
// with a NULL end_date, which makes CreateOpen a single atomic insert.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

const incidentColumns = `ticket_id, node, node_id, failure_type, failure_reason,
	start_date, end_date, affected_customers, affected_pons, caused_by_node,
	source, restore_time_minutes, notes, needs_review, created_at, updated_at`

// Create inserts an incident.
func (s *SQLiteStore) Create(ctx context.Context, inc *Incident) error {
	return s.insert(ctx, inc)
}

// CreateOpen inserts an open incident guarded by the open-node index.
func (s *SQLiteStore) CreateOpen(ctx context.Context, inc *Incident) error {
	if inc.EndDate != nil {
		return fmt.Errorf("%w: CreateOpen requires an open incident", ErrValidation)
	}
	return s.insert(ctx, inc)
}

func (s *SQLiteStore) insert(ctx context.Context, inc *Incident) error {
	if inc.TicketID == "" || NormalizeNode(inc.Node) == "" {
		return fmt.Errorf("%w: ticket id and node are required", ErrValidation)
	}

	now := s.now().UTC()
	inc.CreatedAt = now
	inc.UpdatedAt = now
	if inc.AffectedPONs == nil {
		inc.AffectedPONs = []string{}
	}

	pons, err := json.Marshal(inc.AffectedPONs)
	if err != nil {
		return fmt.Errorf("marshalling affected_pons: %w", err)
	}

	query := `
		INSERT INTO incidents (
			ticket_id, node, node_key, node_id, failure_type, failure_reason,
			start_date, end_date, affected_customers, affected_pons, caused_by_node,
			source, restore_time_minutes, notes, needs_review, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		inc.TicketID,
		inc.Node,
		NodeKey(inc.Node),
		inc.NodeID,
		inc.FailureType,
		inc.FailureReason,
		formatTime(inc.StartDate),
		nullableTime(inc.EndDate),
		inc.AffectedCustomers,
		string(pons),
		nullableString(inc.CausedByNode),
		string(inc.Source),
		nullableInt(inc.RestoreTimeMinutes),
		inc.Notes,
		boolToInt(inc.NeedsReview),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		switch {
		case isUniqueConstraintError(err, "incidents.node_key"):
			return fmt.Errorf("%w: %s", ErrOpenIncidentExists, inc.Node)
		case isUniqueConstraintError(err, "incidents.ticket_id"):
			return fmt.Errorf("%w: %s", ErrIncidentExists, inc.TicketID)
		}
		return fmt.Errorf("inserting incident: %w", err)
	}
	return nil
}

// QueryOpen returns every open incident ordered by start date.
func (s *SQLiteStore) QueryOpen(ctx context.Context) ([]Incident, error) {
	query := `SELECT ` + incidentColumns + `
		FROM incidents
		WHERE end_date IS NULL
		ORDER BY start_date, rowid`
	return s.queryIncidents(ctx, query)
}

// Get retrieves an incident by ticket ID.
func (s *SQLiteStore) Get(ctx context.Context, ticketID string) (*Incident, error) {
	query := `SELECT ` + incidentColumns + `
		FROM incidents
		WHERE ticket_id = ?`

	inc, err := scanIncident(s.db.QueryRowContext(ctx, query, ticketID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIncidentNotFound
		}
		return nil, fmt.Errorf("querying incident: %w", err)
	}
	return inc, nil
}

// ListRecent returns up to limit incidents, newest first.
func (s *SQLiteStore) ListRecent(ctx context.Context, limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + incidentColumns + `
		FROM incidents
		ORDER BY start_date DESC, rowid DESC
		LIMIT ?`
	return s.queryIncidents(ctx, query, limit)
}

// Update applies p to one incident.
func (s *SQLiteStore) Update(ctx context.Context, ticketID string, p Patch) error {
	return s.update(ctx, s.db, ticketID, p)
}

// BatchUpdate applies all patches or none.
func (s *SQLiteStore) BatchUpdate(ctx context.Context, patches []TicketPatch) error {
	if len(patches) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, tp := range patches {
		if err := s.update(ctx, tx, tp.TicketID, tp.Patch); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing batch update: %w", err)
	}
	return nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) update(ctx context.Context, ex execer, ticketID string, p Patch) error {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(s.now())}

	if p.EndDate != nil {
		sets = append(sets, "end_date = ?")
		args = append(args, formatTime(*p.EndDate))
	}
	if p.RestoreTimeMinutes != nil {
		sets = append(sets, "restore_time_minutes = ?")
		args = append(args, *p.RestoreTimeMinutes)
	}
	if p.Notes != nil {
		sets = append(sets, "notes = ?")
		args = append(args, *p.Notes)
	}
	if p.NeedsReview != nil {
		sets = append(sets, "needs_review = ?")
		args = append(args, boolToInt(*p.NeedsReview))
	}
	if p.AffectedCustomers != nil {
		sets = append(sets, "affected_customers = ?")
		args = append(args, *p.AffectedCustomers)
	}
	args = append(args, ticketID)

	query := `UPDATE incidents SET ` + strings.Join(sets, ", ") + ` WHERE ticket_id = ?` //nolint:gosec // column names are fixed

	result, err := ex.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating incident %s: %w", ticketID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrIncidentNotFound, ticketID)
	}
	return nil
}

func (s *SQLiteStore) queryIncidents(ctx context.Context, query string, args ...any) ([]Incident, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying incidents: %w", err)
	}
	defer rows.Close()

	var out []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning incident: %w", err)
		}
		out = append(out, *inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating incidents: %w", err)
	}
	return out, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(s rowScanner) (*Incident, error) {
	var (
		inc         Incident
		startDate   string
		endDate     sql.NullString
		pons        string
		causedBy    sql.NullString
		source      string
		restore     sql.NullInt64
		needsReview int
		createdAt   string
		updatedAt   string
	)

	err := s.Scan(
		&inc.TicketID, &inc.Node, &inc.NodeID, &inc.FailureType, &inc.FailureReason,
		&startDate, &endDate, &inc.AffectedCustomers, &pons, &causedBy,
		&source, &restore, &inc.Notes, &needsReview, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if inc.StartDate, err = parseTime("start_date", startDate); err != nil {
		return nil, err
	}
	if inc.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if inc.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	if endDate.Valid {
		t, err := parseTime("end_date", endDate.String)
		if err != nil {
			return nil, err
		}
		inc.EndDate = &t
	}

	if err := json.Unmarshal([]byte(pons), &inc.AffectedPONs); err != nil {
		return nil, fmt.Errorf("unmarshalling affected_pons: %w", err)
	}
	if causedBy.Valid {
		v := causedBy.String
		inc.CausedByNode = &v
	}
	if restore.Valid {
		v := int(restore.Int64)
		inc.RestoreTimeMinutes = &v
	}
	inc.Source = Source(source)
	inc.NeedsReview = needsReview != 0

	return &inc, nil
}

func parseTime(field, v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// formatTime renders t for storage. The fixed-width layout keeps textual
// ordering equal to chronological ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format(storageTimeLayout)
}

const storageTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// nullableTime returns a sql.NullString for optional time pointers.
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullableInt returns a sql.NullInt64 for optional int pointers.
func nullableInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError reports whether err is a SQLite unique violation
// on the given table.column.
func isUniqueConstraintError(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}
