package checkpoint

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"

	"github.com/chainrelay/eventrelayer/internal/svcerrors"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// NetworkedStore is the Postgres-backed checkpoint store, intended for
// production and multi-instance deploys per spec §4.3. Its schema and
// indexes are identical in shape to EmbeddedStore's.
type NetworkedStore struct {
	db *sqlx.DB
}

// OpenNetworked connects to dsn and runs pending migrations before
// returning, matching the teacher's cmd/appserver migrate-on-startup
// convention.
func OpenNetworked(ctx context.Context, dsn string) (*NetworkedStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, svcerrors.StoreErrorf(err, "checkpoint: connect networked store")
	}

	if err := runMigrations(db.DB, dsn); err != nil {
		db.Close()
		return nil, err
	}

	return &NetworkedStore{db: db}, nil
}

func runMigrations(db *sql.DB, dsn string) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return svcerrors.StoreErrorf(err, "checkpoint: load embedded migrations")
	}
	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return svcerrors.StoreErrorf(err, "checkpoint: migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return svcerrors.StoreErrorf(err, "checkpoint: build migrator")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return svcerrors.StoreErrorf(err, "checkpoint: apply migrations")
	}
	return nil
}

func (s *NetworkedStore) GetCheckpoint(ctx context.Context, chainID, contract string) (Checkpoint, bool, error) {
	var row checkpointRow
	err := s.db.GetContext(ctx, &row, `
		SELECT chain_id, contract_address, last_processed_block, last_processed_timestamp,
		       total_events_processed, metadata, updated_at
		FROM checkpoints WHERE chain_id = $1 AND contract_address = $2`, chainID, contract)
	if err == sql.ErrNoRows {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, svcerrors.StoreErrorf(err, "checkpoint: get")
	}
	return row.toCheckpoint(), true, nil
}

func (s *NetworkedStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	meta, err := marshalMeta(cp.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (chain_id, contract_address, last_processed_block, last_processed_timestamp, total_events_processed, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chain_id, contract_address) DO UPDATE SET
			last_processed_block = excluded.last_processed_block,
			last_processed_timestamp = excluded.last_processed_timestamp,
			total_events_processed = excluded.total_events_processed,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		cp.ChainID, cp.ContractAddress, cp.LastProcessedBlock, cp.LastProcessedAt,
		cp.TotalEventsProcessed, meta, time.Now().UTC())
	if err != nil {
		return svcerrors.StoreErrorf(err, "checkpoint: save")
	}
	return nil
}

func (s *NetworkedStore) MarkEventProcessed(ctx context.Context, ev ProcessedEvent) (bool, error) {
	meta, err := marshalMeta(ev.Metadata)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, chain_id, contract_address, block_number, transaction_hash, log_index, event_name, processed_at, published, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.ChainID, ev.ContractAddress, ev.BlockNumber, ev.TxHash, ev.LogIndex,
		ev.EventName, ev.ProcessedAt, ev.Published, meta)
	if err != nil {
		return false, svcerrors.StoreErrorf(err, "checkpoint: mark processed")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, svcerrors.StoreErrorf(err, "checkpoint: rows affected")
	}
	return affected > 0, nil
}

func (s *NetworkedStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(1) FROM processed_events WHERE event_id = $1`, eventID)
	if err != nil {
		return false, svcerrors.StoreErrorf(err, "checkpoint: is processed")
	}
	return count > 0, nil
}

func (s *NetworkedStore) GetProcessedEvents(ctx context.Context, chainID string, fromBlock, toBlock uint64) ([]ProcessedEvent, error) {
	var rows []processedEventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT event_id, chain_id, contract_address, block_number, transaction_hash, log_index, event_name, processed_at, published, metadata
		FROM processed_events
		WHERE chain_id = $1 AND block_number BETWEEN $2 AND $3
		ORDER BY block_number ASC, log_index ASC`, chainID, fromBlock, toBlock)
	if err != nil {
		return nil, svcerrors.StoreErrorf(err, "checkpoint: get processed events")
	}
	out := make([]ProcessedEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toProcessedEvent())
	}
	return out, nil
}

func (s *NetworkedStore) CleanupOldEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, before)
	if err != nil {
		return 0, svcerrors.StoreErrorf(err, "checkpoint: cleanup")
	}
	return res.RowsAffected()
}

func (s *NetworkedStore) Close() error {
	return s.db.Close()
}

// Open dispatches to OpenEmbedded or OpenNetworked based on storeType,
// the single construction point cmd/relayer uses.
func Open(ctx context.Context, storeType, url string) (Store, error) {
	switch storeType {
	case "embedded":
		return OpenEmbedded(url)
	case "networked":
		return OpenNetworked(ctx, url)
	default:
		return nil, svcerrors.ConfigErrorf("checkpoint: unknown store type %q", storeType)
	}
}
