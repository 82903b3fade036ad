package incident

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
	CREATE TABLE incidents (
		ticket_id TEXT PRIMARY KEY,
		node TEXT NOT NULL,
		node_key TEXT NOT NULL,
		node_id TEXT NOT NULL DEFAULT '',
		failure_type TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		start_date TEXT NOT NULL,
		end_date TEXT,
		affected_customers INTEGER NOT NULL DEFAULT 0,
		affected_pons TEXT NOT NULL DEFAULT '[]',
		caused_by_node TEXT,
		source TEXT NOT NULL,
		restore_time_minutes INTEGER,
		notes TEXT NOT NULL DEFAULT '',
		needs_review INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	) STRICT;
	CREATE UNIQUE INDEX idx_incidents_open_node ON incidents(node_key) WHERE end_date IS NULL;
	CREATE INDEX idx_incidents_caused_by ON incidents(caused_by_node) WHERE end_date IS NULL;
	CREATE INDEX idx_incidents_start_date ON incidents(start_date);
`

// setupTestDB creates an in-memory SQLite database with the incidents table.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)

	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })
	return db
}

func openIncident(ticket, node string, start time.Time) *Incident {
	return &Incident{
		TicketID:     ticket,
		Node:         node,
		NodeID:       NodeKey(node),
		FailureType:  FailureNodeDown,
		StartDate:    start,
		AffectedPONs: []string{WholeNode},
		Source:       SourceWebhook,
	}
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	store := NewSQLiteStore(setupTestDB(t))
	ctx := context.Background()

	start := time.Date(2026, 5, 4, 10, 0, 0, 123456789, time.UTC)
	parent := "NODO ALERCE 3"
	inc := openIncident("INC-0001", "NUEVA BRAUNAU", start)
	inc.CausedByNode = &parent
	inc.Source = SourceCascade
	inc.AffectedCustomers = 42

	require.NoError(t, store.CreateOpen(ctx, inc))

	got, err := store.Get(ctx, "INC-0001")
	require.NoError(t, err)
	assert.Equal(t, "NUEVA BRAUNAU", got.Node)
	assert.True(t, got.StartDate.Equal(start))
	assert.Nil(t, got.EndDate)
	assert.Equal(t, []string{WholeNode}, got.AffectedPONs)
	require.NotNil(t, got.CausedByNode)
	assert.Equal(t, parent, *got.CausedByNode)
	assert.Equal(t, SourceCascade, got.Source)
	assert.Equal(t, 42, got.AffectedCustomers)
	assert.Nil(t, got.RestoreTimeMinutes)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSQLiteStore_GetNotFound(t *testing.T) {
	store := NewSQLiteStore(setupTestDB(t))

	_, err := store.Get(context.Background(), "INC-MISSING")
	assert.ErrorIs(t, err, ErrIncidentNotFound)
}

func TestSQLiteStore_CreateOpenEnforcesOnePerNode(t *testing.T) {
	store := NewSQLiteStore(setupTestDB(t))
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.CreateOpen(ctx, openIncident("INC-1", "NODO PICHIL", now)))

	// Same node key with and without the NODO prefix.
	err := store.CreateOpen(ctx, openIncident("INC-2", "pichil", now))
	assert.ErrorIs(t, err, ErrOpenIncidentExists)

	err = store.CreateOpen(ctx, openIncident("INC-1", "NODO OTHER", now))
	assert.ErrorIs(t, err, ErrIncidentExists)

	// Closing frees the node key.
	end := now.Add(time.Minute)
	require.NoError(t, store.Update(ctx, "INC-1", Patch{EndDate: &end}))
	require.NoError(t, store.CreateOpen(ctx, openIncident("INC-3", "NODO PICHIL", now)))
}

func TestSQLiteStore_CreateClosedDoesNotBlock(t *testing.T) {
	store := NewSQLiteStore(setupTestDB(t))
	ctx := context.Background()
	now := time.Now()

	closed := openIncident("INC-OLD", "NODO PICHIL", now.Add(-time.Hour))
	end := now
	closed.EndDate = &end
	require.NoError(t, store.Create(ctx, closed))
	require.NoError(t, store.CreateOpen(ctx, openIncident("INC-NEW", "NODO PICHIL", now)))

	err := store.CreateOpen(ctx, closed)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSQLiteStore_QueryOpen(t *testing.T) {
	store := NewSQLiteStore(setupTestDB(t))
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, store.CreateOpen(ctx, openIncident("INC-B", "B", base.Add(time.Second))))
	require.NoError(t, store.CreateOpen(ctx, openIncident("INC-A", "A", base)))
	require.NoError(t, store.CreateOpen(ctx, openIncident("INC-C", "C", base.Add(2*time.Second))))

	end := base.Add(time.Hour)
	require.NoError(t, store.Update(ctx, "INC-C", Patch{EndDate: &end}))

	open, err := store.QueryOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "INC-A", open[0].TicketID)
	assert.Equal(t, "INC-B", open[1].TicketID)
}

func TestSQLiteStore_Update(t *testing.T) {
	store := NewSQLiteStore(setupTestDB(t))
	ctx := context.Background()
	start := time.Now().Add(-30 * time.Minute)

	require.NoError(t, store.CreateOpen(ctx, openIncident("INC-1", "NODO PICHIL", start)))

	end := time.Now()
	restore := 30
	notes := "restored"
	review := true
	customers := 120
	require.NoError(t, store.Update(ctx, "INC-1", Patch{
		EndDate:            &end,
		RestoreTimeMinutes: &restore,
		Notes:              &notes,
		NeedsReview:        &review,
		AffectedCustomers:  &customers,
	}))

	got, err := store.Get(ctx, "INC-1")
	require.NoError(t, err)
	require.NotNil(t, got.EndDate)
	assert.True(t, got.EndDate.Equal(end.UTC()))
	require.NotNil(t, got.RestoreTimeMinutes)
	assert.Equal(t, 30, *got.RestoreTimeMinutes)
	assert.Equal(t, "restored", got.Notes)
	assert.True(t, got.NeedsReview)
	assert.Equal(t, 120, got.AffectedCustomers)

	err = store.Update(ctx, "INC-404", Patch{Notes: &notes})
	assert.ErrorIs(t, err, ErrIncidentNotFound)
}

func TestSQLiteStore_BatchUpdateIsAtomic(t *testing.T) {
	store := NewSQLiteStore(setupTestDB(t))
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.CreateOpen(ctx, openIncident("INC-1", "A", now)))
	require.NoError(t, store.CreateOpen(ctx, openIncident("INC-2", "B", now)))

	end := now.Add(time.Minute)
	err := store.BatchUpdate(ctx, []TicketPatch{
		{TicketID: "INC-1", Patch: Patch{EndDate: &end}},
		{TicketID: "INC-404", Patch: Patch{EndDate: &end}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIncidentNotFound))

	open, err := store.QueryOpen(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2, "failed batch must not close anything")

	require.NoError(t, store.BatchUpdate(ctx, []TicketPatch{
		{TicketID: "INC-1", Patch: Patch{EndDate: &end}},
		{TicketID: "INC-2", Patch: Patch{EndDate: &end}},
	}))
	open, err = store.QueryOpen(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	require.NoError(t, store.BatchUpdate(ctx, nil))
}

func TestSQLiteStore_ListRecent(t *testing.T) {
	store := NewSQLiteStore(setupTestDB(t))
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, node := range []string{"A", "B", "C", "D"} {
		require.NoError(t, store.CreateOpen(ctx, openIncident("INC-"+node, node, base.Add(time.Duration(i)*time.Minute))))
	}

	recent, err := store.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "INC-D", recent[0].TicketID)
	assert.Equal(t, "INC-C", recent[1].TicketID)

	all, err := store.ListRecent(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestNodeKeyAndVariants(t *testing.T) {
	assert.Equal(t, "PICHIL", NodeKey(" nodo pichil "))
	assert.Equal(t, "PICHIL", NodeKey("PICHIL"))

	v := nameVariants("NODO ALERCE 3", "nueva braunau", "")
	assert.True(t, v["NODO ALERCE 3"])
	assert.True(t, v["ALERCE 3"])
	assert.True(t, v["NUEVA BRAUNAU"])
	assert.True(t, v["NODO NUEVA BRAUNAU"])
	assert.Len(t, v, 4)
}

func TestRestoreMinutes(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, restoreMinutes(start, start.Add(59*time.Second)))
	assert.Equal(t, 1, restoreMinutes(start, start.Add(119*time.Second)))
	assert.Equal(t, 95, restoreMinutes(start, start.Add(95*time.Minute+30*time.Second)))
	assert.Equal(t, 0, restoreMinutes(start, start.Add(-time.Minute)))
}

func TestNewTicketID(t *testing.T) {
	a, b := NewTicketID(), NewTicketID()
	assert.Regexp(t, `^INC-[0-9A-F]{8}$`, a)
	assert.NotEqual(t, a, b)
}
