package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainrelay/eventrelayer/internal/checkpoint"
	"github.com/chainrelay/eventrelayer/internal/relay"
)

type fakeBlockSource struct{ latest uint64 }

func (f fakeBlockSource) LatestBlock(context.Context) (uint64, error) { return f.latest, nil }

// fakeStore is a minimal in-memory checkpoint.Store for exercising the
// admin surface without a real database.
type fakeStore struct {
	checkpoints map[string]checkpoint.Checkpoint
}

func newFakeStore() *fakeStore { return &fakeStore{checkpoints: map[string]checkpoint.Checkpoint{}} }

func (f *fakeStore) GetCheckpoint(_ context.Context, chainID, contract string) (checkpoint.Checkpoint, bool, error) {
	cp, ok := f.checkpoints[chainID+":"+contract]
	return cp, ok, nil
}
func (f *fakeStore) SaveCheckpoint(_ context.Context, cp checkpoint.Checkpoint) error {
	f.checkpoints[cp.ChainID+":"+cp.ContractAddress] = cp
	return nil
}
func (f *fakeStore) MarkEventProcessed(context.Context, checkpoint.ProcessedEvent) (bool, error) {
	return true, nil
}
func (f *fakeStore) IsEventProcessed(context.Context, string) (bool, error) { return false, nil }
func (f *fakeStore) GetProcessedEvents(context.Context, string, uint64, uint64) ([]checkpoint.ProcessedEvent, error) {
	return nil, nil
}
func (f *fakeStore) CleanupOldEvents(context.Context, time.Time) (int64, error) { return 0, nil }
func (f *fakeStore) Close() error                                               { return nil }

func newTestServer(t *testing.T, secretHash []byte) (*Server, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	metrics := relay.NewMetrics(prometheus.NewRegistry())
	s := New(Config{
		ChainID:             "1",
		RootContractAddress: "0xroot",
		AdminSecretHash:     secretHash,
	}, metrics, store, fakeBlockSource{latest: 1000})
	return s, store
}

func TestHandleHealth(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint64(1000), resp.CurrentBlock)
	assert.Equal(t, "1", resp.ChainID)
}

func TestHandleRewind_RejectsFutureBlock(t *testing.T) {
	s, _ := newTestServer(t, nil)

	body, _ := json.Marshal(map[string]interface{}{"start_block": 5000})
	req := httptest.NewRequest(http.MethodPost, "/admin/rewind", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRewind_Succeeds(t *testing.T) {
	s, store := newTestServer(t, nil)

	body, _ := json.Marshal(map[string]interface{}{"start_block": 500})
	req := httptest.NewRequest(http.MethodPost, "/admin/rewind", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	cp, ok, err := store.GetCheckpoint(context.Background(), "1", "0xroot")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(500), cp.LastProcessedBlock)
}

func TestHandleRewind_RequiresCorrectSecret(t *testing.T) {
	hash, err := HashAdminSecret("correct-secret")
	require.NoError(t, err)
	s, _ := newTestServer(t, hash)

	body, _ := json.Marshal(map[string]interface{}{"start_block": 100, "admin_secret": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/admin/rewind", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleRewind_AcceptsCorrectSecret(t *testing.T) {
	hash, err := HashAdminSecret("correct-secret")
	require.NoError(t, err)
	s, _ := newTestServer(t, hash)

	body, _ := json.Marshal(map[string]interface{}{"start_block": 100, "admin_secret": "correct-secret"})
	req := httptest.NewRequest(http.MethodPost, "/admin/rewind", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
