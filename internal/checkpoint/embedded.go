package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/mattn/go-sqlite3"

	"github.com/chainrelay/eventrelayer/internal/svcerrors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	chain_id TEXT NOT NULL,
	contract_address TEXT NOT NULL,
	last_processed_block INTEGER NOT NULL,
	last_processed_timestamp TIMESTAMP NOT NULL,
	total_events_processed INTEGER DEFAULT 0,
	metadata TEXT,
	updated_at TIMESTAMP,
	PRIMARY KEY (chain_id, contract_address)
);

CREATE TABLE IF NOT EXISTS processed_events (
	event_id TEXT PRIMARY KEY,
	chain_id TEXT,
	contract_address TEXT,
	block_number INTEGER,
	transaction_hash TEXT,
	log_index INTEGER,
	event_name TEXT,
	processed_at TIMESTAMP,
	published BOOLEAN,
	metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_processed_events_chain_block ON processed_events (chain_id, block_number);
CREATE INDEX IF NOT EXISTS idx_processed_events_tx_hash ON processed_events (transaction_hash);
`

// EmbeddedStore is the single-file sqlite-backed checkpoint store,
// intended for development and single-node deploys per spec §4.3.
type EmbeddedStore struct {
	db *sqlx.DB
}

// OpenEmbedded opens (creating if absent) a sqlite database at path and
// creates its tables and indexes if absent before returning; the schema is
// set up at open time, not on the first store call.
func OpenEmbedded(path string) (*EmbeddedStore, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, svcerrors.StoreErrorf(err, "checkpoint: open embedded store %s", path)
	}
	db.SetMaxOpenConns(1) // sqlite tolerates one writer; avoid lock contention

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, svcerrors.StoreErrorf(err, "checkpoint: init schema")
	}
	return &EmbeddedStore{db: db}, nil
}

func (s *EmbeddedStore) GetCheckpoint(ctx context.Context, chainID, contract string) (Checkpoint, bool, error) {
	var row checkpointRow
	err := s.db.GetContext(ctx, &row, `
		SELECT chain_id, contract_address, last_processed_block, last_processed_timestamp,
		       total_events_processed, metadata, updated_at
		FROM checkpoints WHERE chain_id = ? AND contract_address = ?`, chainID, contract)
	if err == sql.ErrNoRows {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, svcerrors.StoreErrorf(err, "checkpoint: get")
	}
	return row.toCheckpoint(), true, nil
}

func (s *EmbeddedStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	meta, err := marshalMeta(cp.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (chain_id, contract_address, last_processed_block, last_processed_timestamp, total_events_processed, metadata, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_id, contract_address) DO UPDATE SET
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

func (s *EmbeddedStore) MarkEventProcessed(ctx context.Context, ev ProcessedEvent) (bool, error) {
	meta, err := marshalMeta(ev.Metadata)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, chain_id, contract_address, block_number, transaction_hash, log_index, event_name, processed_at, published, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
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

func (s *EmbeddedStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(1) FROM processed_events WHERE event_id = ?`, eventID)
	if err != nil {
		return false, svcerrors.StoreErrorf(err, "checkpoint: is processed")
	}
	return count > 0, nil
}

func (s *EmbeddedStore) GetProcessedEvents(ctx context.Context, chainID string, fromBlock, toBlock uint64) ([]ProcessedEvent, error) {
	var rows []processedEventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT event_id, chain_id, contract_address, block_number, transaction_hash, log_index, event_name, processed_at, published, metadata
		FROM processed_events
		WHERE chain_id = ? AND block_number BETWEEN ? AND ?
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

func (s *EmbeddedStore) CleanupOldEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < ?`, before)
	if err != nil {
		return 0, svcerrors.StoreErrorf(err, "checkpoint: cleanup")
	}
	return res.RowsAffected()
}

func (s *EmbeddedStore) Close() error {
	return s.db.Close()
}

// checkpointRow and processedEventRow are sqlx scan targets; metadata is
// stored as a TEXT/JSON column on both backends and marshaled at the Go
// boundary since neither sqlite3 nor the pq driver auto-maps map types.
type checkpointRow struct {
	ChainID              string         `db:"chain_id"`
	ContractAddress      string         `db:"contract_address"`
	LastProcessedBlock   uint64         `db:"last_processed_block"`
	LastProcessedTS      time.Time      `db:"last_processed_timestamp"`
	TotalEventsProcessed uint64         `db:"total_events_processed"`
	Metadata             sql.NullString `db:"metadata"`
	UpdatedAt            sql.NullTime   `db:"updated_at"`
}

func (r checkpointRow) toCheckpoint() Checkpoint {
	return Checkpoint{
		ChainID:              r.ChainID,
		ContractAddress:      r.ContractAddress,
		LastProcessedBlock:   r.LastProcessedBlock,
		LastProcessedAt:      r.LastProcessedTS,
		TotalEventsProcessed: r.TotalEventsProcessed,
		Metadata:             unmarshalMeta(r.Metadata.String),
		UpdatedAt:            r.UpdatedAt.Time,
	}
}

type processedEventRow struct {
	EventID         string         `db:"event_id"`
	ChainID         string         `db:"chain_id"`
	ContractAddress string         `db:"contract_address"`
	BlockNumber     uint64         `db:"block_number"`
	TxHash          string         `db:"transaction_hash"`
	LogIndex        uint           `db:"log_index"`
	EventName       string         `db:"event_name"`
	ProcessedAt     time.Time      `db:"processed_at"`
	Published       bool           `db:"published"`
	Metadata        sql.NullString `db:"metadata"`
}

func (r processedEventRow) toProcessedEvent() ProcessedEvent {
	return ProcessedEvent{
		EventID:         r.EventID,
		ChainID:         r.ChainID,
		ContractAddress: r.ContractAddress,
		BlockNumber:     r.BlockNumber,
		TxHash:          r.TxHash,
		LogIndex:        r.LogIndex,
		EventName:       r.EventName,
		ProcessedAt:     r.ProcessedAt,
		Published:       r.Published,
		Metadata:        unmarshalMeta(r.Metadata.String),
	}
}

func marshalMeta(m map[string]interface{}) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", svcerrors.StoreErrorf(err, "checkpoint: marshal metadata")
	}
	return string(b), nil
}

func unmarshalMeta(raw string) map[string]interface{} {
	if raw == "" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
