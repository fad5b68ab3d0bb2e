package threat

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReputationStoreRoundTrip(t *testing.T) {
	store, err := OpenReputationStore(filepath.Join(t.TempDir(), "rep.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	creator := mintN(42)
	now := time.Now()

	_, ok, err := store.Get(ctx, creator)
	require.NoError(t, err)
	require.False(t, ok, "unknown creator should not be found")

	require.NoError(t, store.RecordLaunch(ctx, creator, now))
	require.NoError(t, store.RecordLaunch(ctx, creator, now))
	require.NoError(t, store.RecordRug(ctx, creator, now))
	require.NoError(t, store.RecordGraduation(ctx, creator, now))

	rec, ok, err := store.Get(ctx, creator)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, rec.Launches)
	require.Equal(t, 1, rec.Rugs)
	require.Equal(t, 1, rec.Graduated)
}
