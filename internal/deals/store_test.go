package deals

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/raine/deal-scout/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memBlobs is an in-memory BlobStore whose writes can be made to fail.
type memBlobs struct {
	mu      sync.Mutex
	data    map[string][]byte
	failPut bool
	puts    int
}

func newMemBlobs() *memBlobs {
	return &memBlobs{data: make(map[string][]byte)}
}

func (m *memBlobs) GetBlob(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memBlobs) PutBlob(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.failPut {
		return errors.New("disk full")
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleDeals(ids ...string) []Deal {
	out := make([]Deal, 0, len(ids))
	for i, id := range ids {
		out = append(out, Deal{
			ID:             id,
			Title:          "Deal " + id,
			ImageURL:       "https://img.example/" + id + ".jpg",
			SellerPrice:    10,
			EstimatedValue: 25.5,
			Profit:         15.5,
			Source:         "Leboncoin",
			Description:    "desc",
			ScannedAt:      baseTime.Add(-time.Duration(i) * time.Minute),
		})
	}
	return out
}

func newTestStore(t *testing.T) (*Store, *memBlobs) {
	t.Helper()
	blobs := newMemBlobs()
	store, err := NewStore(blobs)
	require.NoError(t, err)
	store.now = func() time.Time { return baseTime }
	return store, blobs
}

func ids(list []Deal) []string {
	out := make([]string, 0, len(list))
	for _, d := range list {
		out = append(out, d.ID)
	}
	return out
}

func TestAddPrependsMostRecentFirst(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Add(sampleDeals("a", "b")))
	require.NoError(t, store.Add(sampleDeals("c")))

	assert.Equal(t, []string{"c", "a", "b"}, ids(store.All()))
}

func TestAddEmptyDoesNotWrite(t *testing.T) {
	store, blobs := newTestStore(t)
	require.NoError(t, store.Add(nil))
	assert.Equal(t, 0, blobs.puts)
}

func TestTrashClearsFavorite(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Add(sampleDeals("a")))

	d, err := store.ToggleFavorite("a")
	require.NoError(t, err)
	assert.True(t, d.Favorite)

	d, err = store.Trash("a")
	require.NoError(t, err)
	assert.True(t, d.Trashed)
	assert.False(t, d.Favorite)
	require.NotNil(t, d.TrashedAt)
	assert.Equal(t, baseTime, *d.TrashedAt)

	d, err = store.Restore("a")
	require.NoError(t, err)
	assert.False(t, d.Trashed)
	assert.False(t, d.Favorite)
	assert.Nil(t, d.TrashedAt)
}

func TestViews(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Add(sampleDeals("a", "b", "c")))

	_, err := store.ToggleFavorite("a")
	require.NoError(t, err)
	_, err = store.ToggleFavorite("b")
	require.NoError(t, err)
	_, err = store.Trash("b")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "c"}, ids(store.Active()))
	assert.Equal(t, []string{"a"}, ids(store.Favorites()))
	assert.Equal(t, []string{"b"}, ids(store.Trashed()))
	assert.Equal(t, []string{"a"}, ids(store.List(ViewFavorites)))
}

func TestGetMissing(t *testing.T) {
	store, _ := newTestStore(t)
	_, ok := store.Get("nope")
	assert.False(t, ok)

	_, err := store.ToggleFavorite("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Purge("nope"), ErrNotFound)
}

func TestPurge(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Add(sampleDeals("a", "b", "c")))

	require.NoError(t, store.Purge("b"))
	assert.Equal(t, []string{"a", "c"}, ids(store.All()))

	_, err := store.Trash("a")
	require.NoError(t, err)
	_, err = store.Trash("c")
	require.NoError(t, err)

	n, err := store.PurgeTrashed()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, store.All())
}

func TestPurgeExpired(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Add(sampleDeals("old", "recent", "kept")))

	store.now = func() time.Time { return baseTime.Add(-40 * 24 * time.Hour) }
	_, err := store.Trash("old")
	require.NoError(t, err)

	store.now = func() time.Time { return baseTime.Add(-2 * 24 * time.Hour) }
	_, err = store.Trash("recent")
	require.NoError(t, err)

	store.now = func() time.Time { return baseTime }
	n, err := store.PurgeExpired(TrashRetention)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"recent", "kept"}, ids(store.All()))
}

func TestFailedWriteKeepsPreviousState(t *testing.T) {
	store, blobs := newTestStore(t)
	require.NoError(t, store.Add(sampleDeals("a")))

	blobs.failPut = true

	err := store.Add(sampleDeals("b"))
	assert.Error(t, err)
	_, err = store.Trash("a")
	assert.Error(t, err)

	d, ok := store.Get("a")
	require.True(t, ok)
	assert.False(t, d.Trashed)
	assert.Equal(t, []string{"a"}, ids(store.All()))
}

func TestReturnedViewsAreStable(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Add(sampleDeals("a")))

	before := store.Active()
	_, err := store.Trash("a")
	require.NoError(t, err)

	assert.False(t, before[0].Trashed)
	assert.Empty(t, store.Active())
}

func TestConcurrentMutationsAreSerialized(t *testing.T) {
	store, blobs := newTestStore(t)
	require.NoError(t, store.Add(sampleDeals("a", "b", "c", "d")))

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := store.ToggleFavorite(id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	assert.Len(t, store.Favorites(), 4)

	reloaded, err := NewStore(blobs)
	require.NoError(t, err)
	assert.Len(t, reloaded.Favorites(), 4)
}

func TestPersistRoundTripSQLite(t *testing.T) {
	db, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "deals.db"), "secret")
	require.NoError(t, err)
	defer db.Close()

	store, err := NewStore(db)
	require.NoError(t, err)

	original := sampleDeals("a", "b", "c")
	original[1].Category = "Watches"
	original[2].SourceURL = "https://example.com/item/3"
	require.NoError(t, store.Add(original))
	_, err = store.ToggleFavorite("a")
	require.NoError(t, err)

	reloaded, err := NewStore(db)
	require.NoError(t, err)
	assert.Equal(t, store.All(), reloaded.All())
}

func TestStats(t *testing.T) {
	store, _ := newTestStore(t)
	list := sampleDeals("a", "b", "c")
	list[0].Profit = 0.1
	list[1].Profit = 0.2
	list[1].Source = "Vinted"
	list[2].Profit = -5
	require.NoError(t, store.Add(list))
	_, err := store.ToggleFavorite("a")
	require.NoError(t, err)

	stats := store.Stats()
	assert.Equal(t, 3, stats.ActiveCount)
	assert.Equal(t, 1, stats.FavoriteCount)
	assert.True(t, stats.TotalProfit.Equal(decimal.RequireFromString("-4.7")), stats.TotalProfit.String())
	assert.Equal(t, "b", stats.BestDealID)
	assert.Equal(t, map[string]int{"Leboncoin": 2, "Vinted": 1}, stats.BySource)
	require.NotNil(t, stats.LastScanAt)
	assert.Equal(t, baseTime, *stats.LastScanAt)

	_, err = store.Trash("c")
	require.NoError(t, err)
	stats = store.Stats()
	assert.Equal(t, 2, stats.ActiveCount)
	assert.Equal(t, 1, stats.TrashedCount)
	assert.Equal(t, "0.3", stats.TotalProfit.String())
	assert.Equal(t, "0.15", stats.AverageProfit.String())
}

func TestFormatProfit(t *testing.T) {
	assert.Equal(t, "0.30 €", FormatProfit(TotalProfit(sampleProfits(0.1, 0.2))))
	assert.Equal(t, "-5.00 €", FormatProfit(TotalProfit(sampleProfits(-5))))
}

func sampleProfits(values ...float64) []Deal {
	out := make([]Deal, len(values))
	for i, v := range values {
		out[i].Profit = v
	}
	return out
}

type countingPruner struct{ calls int }

func (c *countingPruner) PruneAnalysisCache(time.Duration) (int64, error) {
	c.calls++
	return 0, nil
}

func TestJanitorPrunesOnStart(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Add(sampleDeals("old")))
	store.now = func() time.Time { return baseTime.Add(-60 * 24 * time.Hour) }
	_, err := store.Trash("old")
	require.NoError(t, err)
	store.now = func() time.Time { return baseTime }

	pruner := &countingPruner{}
	j := NewJanitor(store, pruner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	j.Run(ctx)

	assert.Empty(t, store.All())
	assert.Equal(t, 1, pruner.calls)
}

func TestParseView(t *testing.T) {
	v, ok := ParseView("")
	assert.True(t, ok)
	assert.Equal(t, ViewActive, v)

	v, ok = ParseView("trashed")
	assert.True(t, ok)
	assert.Equal(t, ViewTrashed, v)

	_, ok = ParseView("bogus")
	assert.False(t, ok)
}
