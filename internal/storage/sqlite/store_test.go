package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

func newTestStore(t *testing.T, name string) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), name)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleSession() types.SessionData {
	active := types.FitID(2)
	return types.SessionData{
		Histogram: "co60",
		NextID:    3,
		ActiveID:  &active,
		LastSeq:   41,
		Peaks: []types.PeakCandidate{
			{Energy: 1173.2, Height: types.Float(150), Provenance: types.ProvenanceAutomatic},
			{Energy: 1332.5, Provenance: types.ProvenanceManual},
		},
		Fits: []types.FitState{
			{
				ID: 2, Model: types.ModelGaussian,
				Region:            types.Region{Center: 1332.5, HalfWidth: 10},
				InitialParameters: []float64{120, 1332.5, 3},
				FixedFlags:        []bool{false, true, false},
				ExecutionOptions:  "Q",
			},
			{
				ID: 1, Model: types.ModelGaussian,
				Region:            types.Region{Center: 1173.2, HalfWidth: 10},
				InitialParameters: []float64{150, 1173.2, 3},
				FixedFlags:        []bool{false, false, false},
				ExecutionOptions:  "QM",
				Epoch:             2,
				CachedResult: &types.CachedFitResult{
					ChiSquare:        types.Float(18.2),
					DegreesOfFreedom: types.Int(17),
					ParameterValues:  []float64{149, 1173.1, 3.2},
					ParameterErrors:  []float64{3, 0.05, 0.04},
				},
				PeakOrigin: &types.PeakCandidate{Energy: 1173.2, Provenance: types.ProvenanceAutomatic},
			},
		},
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store := newTestStore(t, "run-7")
	original := sampleSession()
	require.NoError(t, store.Save(original))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "co60", loaded.Histogram)
	assert.Equal(t, types.FitID(3), loaded.NextID)
	assert.Equal(t, uint64(41), loaded.LastSeq)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.NotZero(t, loaded.SavedAt)
	require.NotNil(t, loaded.ActiveID)
	assert.Equal(t, types.FitID(2), *loaded.ActiveID)
	assert.Equal(t, original.Peaks, loaded.Peaks)
	// insertion order is kept, not id order
	assert.Equal(t, original.Fits, loaded.Fits)
}

func TestSaveReplacesFits(t *testing.T) {
	store := newTestStore(t, "")
	assert.Equal(t, DefaultSession, store.Name())

	require.NoError(t, store.Save(sampleSession()))
	next := sampleSession()
	next.Fits = next.Fits[:1]
	next.ActiveID = nil
	next.Peaks = nil
	require.NoError(t, store.Save(next))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Len(t, loaded.Fits, 1)
	assert.Nil(t, loaded.ActiveID)
	assert.Empty(t, loaded.Peaks)
}

func TestLoadMissingSession(t *testing.T) {
	store := newTestStore(t, "nothing-here")
	loaded, err := store.Load()
	require.NoError(t, err)
	assert.NotNil(t, loaded.Fits)
	assert.Empty(t, loaded.Fits)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
}

func TestSessionsAndDelete(t *testing.T) {
	store := newTestStore(t, "a")
	ctx := context.Background()
	require.NoError(t, store.SaveAs(ctx, "b", sampleSession()))
	require.NoError(t, store.SaveAs(ctx, "a", types.SessionData{Histogram: "empty"}))

	infos, err := store.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Name)
	assert.Equal(t, 0, infos[0].Fits)
	assert.Equal(t, "b", infos[1].Name)
	assert.Equal(t, 2, infos[1].Fits)
	assert.Equal(t, 1, infos[1].Fitted)

	require.NoError(t, store.Delete(ctx, "b"))
	assert.ErrorIs(t, store.Delete(ctx, "b"), ErrSessionNotFound)

	var n int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM fits`).Scan(&n))
	assert.Zero(t, n, "fits cascade with their session")
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	store, err := NewStore(path, "s")
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	require.NoError(t, store.Save(sampleSession()))
	require.NoError(t, store.Close())

	reopened, err := NewStore(path, "s")
	require.NoError(t, err)
	defer reopened.Close()
	loaded, err := reopened.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Fits, 2)
	assert.Equal(t, path, reopened.Path())
}

func TestIncompatibleVersion(t *testing.T) {
	store := newTestStore(t, "s")
	require.NoError(t, store.Save(sampleSession()))
	_, err := store.DB().Exec(`UPDATE sessions SET schema_ver = 9 WHERE name = 's'`)
	require.NoError(t, err)

	_, err = store.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}
