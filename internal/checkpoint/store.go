// Package checkpoint implements the checkpoint store (C3): durable
// (chain_id, contract_address) -> last_processed_block tracking plus the
// event_id dedup gate, behind one Store contract with two interchangeable
// backends (embedded sqlite, networked postgres).
package checkpoint

import (
	"context"
	"time"
)

// Checkpoint is the durable progress marker for one (ChainID,
// ContractAddress) pair.
type Checkpoint struct {
	ChainID              string
	ContractAddress      string
	LastProcessedBlock   uint64
	LastProcessedAt      time.Time
	TotalEventsProcessed uint64
	Metadata             map[string]interface{}
	UpdatedAt            time.Time
}

// ProcessedEvent is the dedup record inserted after a successful publish.
type ProcessedEvent struct {
	EventID         string
	ChainID         string
	ContractAddress string
	BlockNumber     uint64
	TxHash          string
	LogIndex        uint
	EventName       string
	ProcessedAt     time.Time
	Published       bool
	Metadata        map[string]interface{}
}

// Store is the checkpoint store contract. Both backends (embedded and
// networked) implement it identically; callers never branch on backend.
type Store interface {
	// GetCheckpoint returns the current checkpoint for (chainID, contract),
	// or ok=false if none has been saved yet.
	GetCheckpoint(ctx context.Context, chainID, contract string) (cp Checkpoint, ok bool, err error)

	// SaveCheckpoint upserts cp, keyed by (ChainID, ContractAddress). This
	// is the window commit: once it returns, the window will never be
	// re-scanned absent an admin rewind.
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error

	// MarkEventProcessed atomically inserts ev. Returns true if ev.EventID
	// was newly inserted, false if it already existed (duplicate). Two
	// concurrent calls with the same EventID must yield exactly one true
	// and one false.
	MarkEventProcessed(ctx context.Context, ev ProcessedEvent) (inserted bool, err error)

	// IsEventProcessed reports whether eventID has already been recorded.
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)

	// GetProcessedEvents returns processed events for chainID within
	// [fromBlock, toBlock], ordered by (block_number, log_index).
	GetProcessedEvents(ctx context.Context, chainID string, fromBlock, toBlock uint64) ([]ProcessedEvent, error)

	// CleanupOldEvents deletes processed_events rows older than before and
	// returns the number removed.
	CleanupOldEvents(ctx context.Context, before time.Time) (int64, error)

	// Close releases the backend's resources.
	Close() error
}
