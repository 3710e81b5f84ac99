// Package registry implements the contract registry (C2): an in-memory,
// monotonically-growing set of child-contract addresses admitted by the
// fan-out scanner, persisted to a single JSON document with atomic
// write-temp-then-rename semantics.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chainrelay/eventrelayer/internal/chain"
	"github.com/chainrelay/eventrelayer/internal/logging"
	"github.com/chainrelay/eventrelayer/internal/svcerrors"
)

// document is the on-disk JSON shape: { "escrows": [...], "saved_at": ...,
// "chain_id": ... }. The field name "escrows" is carried over from the
// originating domain's terminology for "child contracts under watch".
type document struct {
	Escrows []string `json:"escrows"`
	SavedAt int64    `json:"saved_at"`
	ChainID string   `json:"chain_id"`
}

// Registry is the set of currently-monitored child-contract addresses.
// Membership is monotonic within a run: entries are never removed.
type Registry struct {
	mu      sync.RWMutex
	path    string
	chainID string
	members map[string]struct{}
	logger  *logging.Logger
}

// New creates an empty Registry persisted at path for chainID.
func New(path, chainID string, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewFromEnv("registry")
	}
	return &Registry{
		path:    path,
		chainID: chainID,
		members: make(map[string]struct{}),
		logger:  logger,
	}
}

// Add inserts address (after canonical normalization) and reports whether
// it was newly inserted. An address that fails normalization is rejected
// and logged, not silently dropped.
func (r *Registry) Add(address string) bool {
	norm := chain.NormalizeAddress(address)
	if norm == "" {
		r.logger.WithFields(map[string]interface{}{"address": address}).Warn("rejecting invalid address, not admitting to registry")
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.members[norm]; exists {
		return false
	}
	r.members[norm] = struct{}{}
	return true
}

// All returns a copy-on-read snapshot of every registered address.
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for addr := range r.members {
		out = append(out, addr)
	}
	return out
}

// Count returns the number of registered addresses.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Save persists the registry to r.path via write-temp-then-rename, so a
// crash mid-write never leaves a truncated document behind. Idempotent.
func (r *Registry) Save() error {
	r.mu.RLock()
	doc := document{
		Escrows: make([]string, 0, len(r.members)),
		SavedAt: time.Now().Unix(),
		ChainID: r.chainID,
	}
	for addr := range r.members {
		doc.Escrows = append(doc.Escrows, addr)
	}
	r.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return svcerrors.StoreErrorf(err, "registry: marshal")
	}

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return svcerrors.StoreErrorf(err, "registry: create dir %s", dir)
	}

	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return svcerrors.StoreErrorf(err, "registry: write temp file")
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return svcerrors.StoreErrorf(err, "registry: rename temp file")
	}
	return nil
}

// Load reads the registry from r.path. A missing file is tolerated and
// yields an empty registry, matching a first-run deployment.
func (r *Registry) Load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return svcerrors.StoreErrorf(err, "registry: read %s", r.path)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return svcerrors.StoreErrorf(err, "registry: parse %s", r.path)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, addr := range doc.Escrows {
		if norm := chain.NormalizeAddress(addr); norm != "" {
			r.members[norm] = struct{}{}
		}
	}
	return nil
}
