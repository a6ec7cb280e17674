package agentstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func errNoRows() error { return sql.ErrNoRows }

func newMockStore(t *testing.T, dialect string) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := New(db, dialect)
	require.NoError(t, err)
	return store, mock
}

func sampleRows(id uuid.UUID, now time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "agent_name", "agent_version", "agent_type",
		"agent_spec", "metadata", "created_at", "updated_at",
	}).AddRow(
		id[:], "researcher", "1.0.0", "research",
		[]byte(`{"name":"researcher","stages":[{"name":"only"}]}`),
		[]byte(`{"owner":"platform"}`),
		now, now,
	)
}

func TestNew_Dialects(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	for _, dialect := range []string{"sqlite", "sqlite3", "postgres", "mysql"} {
		_, err := New(db, dialect)
		assert.NoError(t, err, dialect)
	}

	_, err = New(db, "oracle")
	assert.Error(t, err)

	_, err = New(nil, "sqlite")
	assert.Error(t, err)
}

func TestMigrate(t *testing.T) {
	store, mock := newMockStore(t, "sqlite")

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS bmp_agents").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS idx_bmp_agents_name").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSave_Insert(t *testing.T) {
	store, mock := newMockStore(t, "sqlite")

	mock.ExpectQuery("SELECT (.+) FROM bmp_agents WHERE agent_type").
		WithArgs("research", "1.0.0").
		WillReturnError(errNoRows())
	mock.ExpectExec("INSERT INTO bmp_agents").
		WillReturnResult(sqlmock.NewResult(1, 1))

	rec := &Record{
		Name:    "researcher",
		Version: "1.0.0",
		Type:    "research",
		Spec:    map[string]any{"name": "researcher"},
	}
	id, err := store.Save(context.Background(), rec)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, id)
	assert.Equal(t, id, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSave_UpdateExisting(t *testing.T) {
	store, mock := newMockStore(t, "sqlite")
	existingID := uuid.New()
	created := time.Now().Add(-time.Hour).UTC()

	mock.ExpectQuery("SELECT (.+) FROM bmp_agents WHERE agent_type").
		WithArgs("research", "1.0.0").
		WillReturnRows(sampleRows(existingID, created))
	mock.ExpectExec("UPDATE bmp_agents").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &Record{Name: "researcher", Version: "1.0.0", Type: "research"}
	id, err := store.Save(context.Background(), rec)
	require.NoError(t, err)

	assert.Equal(t, existingID, id)
	assert.Equal(t, created, rec.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSave_RequiresIdentity(t *testing.T) {
	store, _ := newMockStore(t, "sqlite")

	_, err := store.Save(context.Background(), &Record{Name: "x"})
	assert.Error(t, err)
}

func TestGetByTypeVersion(t *testing.T) {
	store, mock := newMockStore(t, "sqlite")
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery("SELECT (.+) FROM bmp_agents WHERE agent_type").
		WithArgs("research", "1.0.0").
		WillReturnRows(sampleRows(id, now))

	rec, err := store.GetByTypeVersion(context.Background(), "research", "1.0.0")
	require.NoError(t, err)

	assert.Equal(t, id, rec.ID)
	assert.Equal(t, "researcher", rec.Name)
	assert.Equal(t, "platform", rec.Metadata["owner"])
	assert.Equal(t, "researcher", rec.Spec["name"])
}

func TestGetByTypeVersion_NotFound(t *testing.T) {
	store, mock := newMockStore(t, "sqlite")

	mock.ExpectQuery("SELECT (.+) FROM bmp_agents WHERE agent_type").
		WithArgs("research", "9.9.9").
		WillReturnError(errNoRows())

	_, err := store.GetByTypeVersion(context.Background(), "research", "9.9.9")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestGetByID(t *testing.T) {
	store, mock := newMockStore(t, "sqlite")
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM bmp_agents WHERE id").
		WithArgs(id[:]).
		WillReturnRows(sampleRows(id, time.Now().UTC()))

	rec, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "research", rec.Type)
}

func TestListByName(t *testing.T) {
	store, mock := newMockStore(t, "sqlite")
	now := time.Now().UTC()

	older := uuid.New()
	rows := sampleRows(uuid.New(), now)
	rows.AddRow(
		older[:], "researcher", "0.9.0", "research",
		[]byte(`{"name":"researcher"}`), []byte(`{}`), now, now,
	)
	mock.ExpectQuery("SELECT (.+) FROM bmp_agents WHERE agent_name").
		WithArgs("researcher").
		WillReturnRows(rows)

	records, err := store.ListByName(context.Background(), "researcher")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestDelete(t *testing.T) {
	store, mock := newMockStore(t, "sqlite")
	id := uuid.New()

	mock.ExpectExec("DELETE FROM bmp_agents WHERE id").
		WithArgs(id[:]).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Delete(context.Background(), id))

	mock.ExpectExec("DELETE FROM bmp_agents WHERE id").
		WithArgs(id[:]).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.Delete(context.Background(), id), ErrAgentNotFound)
}

func TestRebind_Postgres(t *testing.T) {
	store, _ := newMockStore(t, "postgres")

	out := store.rebind("SELECT * FROM bmp_agents WHERE a = ? AND b = ?")
	assert.Equal(t, "SELECT * FROM bmp_agents WHERE a = $1 AND b = $2", out)

	sqlite, _ := newMockStore(t, "sqlite")
	assert.Equal(t, "a = ?", sqlite.rebind("a = ?"))
}

func TestRecord_MaterializeSpec(t *testing.T) {
	rec := &Record{
		Spec: map[string]any{
			"name": "researcher",
			"stages": []any{
				map[string]any{"name": "only"},
			},
		},
	}

	spec, err := rec.MaterializeSpec()
	require.NoError(t, err)
	assert.Equal(t, "researcher", spec.Name)
	require.Len(t, spec.Stages, 1)

	rec.Spec = map[string]any{"name": "broken", "stages": []any{}}
	_, err = rec.MaterializeSpec()
	assert.Error(t, err)
}
