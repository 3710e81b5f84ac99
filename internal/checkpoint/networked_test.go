package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockedStore wraps a go-sqlmock connection as a NetworkedStore,
// bypassing OpenNetworked's migration step since sqlmock has no real
// schema to migrate.
func newMockedStore(t *testing.T) (*NetworkedStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &NetworkedStore{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestNetworkedStore_MarkEventProcessed_NewInsert(t *testing.T) {
	store, mock := newMockedStore(t)

	mock.ExpectExec("INSERT INTO processed_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	inserted, err := store.MarkEventProcessed(context.Background(), ProcessedEvent{
		EventID: "1:0xabc:0", ChainID: "1", ProcessedAt: time.Now(),
	})

	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNetworkedStore_MarkEventProcessed_Conflict(t *testing.T) {
	store, mock := newMockedStore(t)

	mock.ExpectExec("INSERT INTO processed_events").
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := store.MarkEventProcessed(context.Background(), ProcessedEvent{
		EventID: "1:0xabc:0", ChainID: "1", ProcessedAt: time.Now(),
	})

	require.NoError(t, err)
	assert.False(t, inserted, "a conflicting insert must report not-new without error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNetworkedStore_GetCheckpoint_NotFound(t *testing.T) {
	store, mock := newMockedStore(t)

	mock.ExpectQuery("SELECT (.+) FROM checkpoints").
		WillReturnRows(sqlmock.NewRows([]string{
			"chain_id", "contract_address", "last_processed_block", "last_processed_timestamp",
			"total_events_processed", "metadata", "updated_at",
		}))

	_, ok, err := store.GetCheckpoint(context.Background(), "1", "0xroot")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNetworkedStore_CleanupOldEvents(t *testing.T) {
	store, mock := newMockedStore(t)

	mock.ExpectExec("DELETE FROM processed_events").
		WillReturnResult(sqlmock.NewResult(0, 5))

	removed, err := store.CleanupOldEvents(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(5), removed)
	require.NoError(t, mock.ExpectationsWereMet())
}
