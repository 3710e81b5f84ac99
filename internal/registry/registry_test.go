package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd_NewAndDuplicate(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "registry.json"), "1", nil)

	assert.True(t, r.Add("0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"))
	assert.False(t, r.Add("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")) // same address, different case
	assert.Equal(t, 1, r.Count())
}

func TestAdd_RejectsInvalidAddress(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "registry.json"), "1", nil)
	assert.False(t, r.Add("not-an-address"))
	assert.Equal(t, 0, r.Count())
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")

	r1 := New(path, "1", nil)
	r1.Add("0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	r1.Add("0x1111111111111111111111111111111111111111")
	require.NoError(t, r1.Save())

	r2 := New(path, "1", nil)
	require.NoError(t, r2.Load())
	assert.Equal(t, 2, r2.Count())

	all := r2.All()
	assert.Contains(t, all, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	assert.Contains(t, all, "0x1111111111111111111111111111111111111111")
}

func TestLoad_MissingFileIsNotError(t *testing.T) {
	r := New(filepath.Join(t.TempDir(), "missing.json"), "1", nil)
	require.NoError(t, r.Load())
	assert.Equal(t, 0, r.Count())
}

func TestSave_WritesAtomically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	r := New(path, "1", nil)
	r.Add("0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")

	require.NoError(t, r.Save())
	require.NoError(t, r.Save()) // idempotent, second call should not fail

	leftovers, statErr := filepath.Glob(path + ".tmp")
	assert.NoError(t, statErr)
	assert.Empty(t, leftovers, "the temp file must be renamed into place, not left behind")
}
