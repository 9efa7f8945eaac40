package capture

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame() string {
	return strings.Repeat("A", MinFrameSize)
}

func adsRange(from, to int) []ExtractedAd {
	var ads []ExtractedAd
	for i := from; i < to; i++ {
		ads = append(ads, ExtractedAd{
			Title: fmt.Sprintf("Item %d", i),
			Price: fmt.Sprintf("%d €", i),
			URL:   fmt.Sprintf("https://example.com/ad/%d", i),
		})
	}
	return ads
}

func assertDenseIndices(t *testing.T, ads []ExtractedAd) {
	t.Helper()
	for i, ad := range ads {
		assert.Equal(t, i, ad.Index)
	}
}

func TestAddFrameDropsUndersized(t *testing.T) {
	a := NewAggregator()

	assert.False(t, a.AddFrame(""))
	assert.False(t, a.AddFrame("tiny"))
	assert.True(t, a.AddFrame(frame()))
	assert.Equal(t, 1, a.FrameCount())
}

func TestAddExtractedAdsDeduplicates(t *testing.T) {
	a := NewAggregator()

	added := a.AddExtractedAds([]ExtractedAd{
		{Title: "Lamp", Price: "10 €", URL: "https://example.com/1"},
		{Title: "Lamp (copy)", Price: "10 €", URL: "https://example.com/1"},
		{Title: "No URL chair", Price: "5 €"},
		{Title: "No URL chair", Price: "6 €"},
		{Title: "  ", URL: ""},
	})
	assert.Equal(t, 2, added)

	added = a.AddExtractedAds([]ExtractedAd{{Title: "Lamp again", URL: "https://example.com/1"}})
	assert.Equal(t, 0, added)

	snap := a.Snapshot()
	require.Len(t, snap.Ads, 2)
	assert.Equal(t, "Lamp", snap.Ads[0].Title)
	assertDenseIndices(t, snap.Ads)
}

func TestAddExtractedAdsCapsAndRenumbers(t *testing.T) {
	a := NewAggregator()

	a.AddExtractedAds(adsRange(0, 30))
	a.AddExtractedAds(adsRange(30, 45))
	added := a.AddExtractedAds(adsRange(45, 70))
	assert.Equal(t, 25, added)

	snap := a.Snapshot()
	require.Len(t, snap.Ads, MaxAds)
	assert.Equal(t, "Item 20", snap.Ads[0].Title)
	assert.Equal(t, "Item 69", snap.Ads[MaxAds-1].Title)
	assertDenseIndices(t, snap.Ads)
}

func TestCapHoldsForAnySequence(t *testing.T) {
	a := NewAggregator()
	batches := [][2]int{{0, 10}, {5, 60}, {100, 101}, {0, 3}, {200, 290}, {250, 260}}
	for _, b := range batches {
		a.AddExtractedAds(adsRange(b[0], b[1]))
		snap := a.Snapshot()
		assert.LessOrEqual(t, len(snap.Ads), MaxAds)
		assertDenseIndices(t, snap.Ads)
	}
}

func TestDroppedAdsCanReturn(t *testing.T) {
	a := NewAggregator()
	a.AddExtractedAds(adsRange(0, 60))

	// Item 0 was trimmed away, so it counts as new again
	assert.Equal(t, 1, a.AddExtractedAds(adsRange(0, 1)))
	assert.Equal(t, MaxAds, a.AdCount())
}

func TestSnapshotIsACopy(t *testing.T) {
	a := NewAggregator()
	a.AddFrame(frame())
	a.AddExtractedAds(adsRange(0, 2))

	snap := a.Snapshot()
	snap.Frames[0] = "mutated"
	snap.Ads[0].Title = "mutated"

	again := a.Snapshot()
	assert.Equal(t, frame(), again.Frames[0])
	assert.Equal(t, "Item 0", again.Ads[0].Title)

	// Snapshot does not clear
	assert.Equal(t, 1, a.FrameCount())
	assert.Equal(t, 2, a.AdCount())
}

func TestReset(t *testing.T) {
	a := NewAggregator()
	a.AddFrame(frame())
	a.AddExtractedAds(adsRange(0, 2))
	a.Reset()

	assert.Equal(t, 0, a.FrameCount())
	assert.Equal(t, 0, a.AdCount())
	assert.Equal(t, 2, a.AddExtractedAds(adsRange(0, 2)))
}

func TestSessionWithDuplicateURLs(t *testing.T) {
	a := NewAggregator()
	for i := 0; i < 3; i++ {
		a.AddFrame(frame())
	}
	a.AddExtractedAds([]ExtractedAd{{Title: "Bike", Price: "80 €", URL: "https://example.com/bike"}})
	a.AddExtractedAds([]ExtractedAd{{Title: "Bike!", Price: "75 €", URL: "https://example.com/bike"}})

	snap := a.Snapshot()
	assert.Len(t, snap.Frames, 3)
	assert.Len(t, snap.Ads, 1)
}

func TestDescribe(t *testing.T) {
	snap := Snapshot{Ads: []ExtractedAd{
		{Title: "Lamp", Price: "10 €", URL: "https://example.com/1"},
		{Title: "Chair"},
	}}
	assert.Equal(t, "1. Lamp | 10 € | https://example.com/1\n2. Chair\n", snap.Describe())
	assert.Equal(t, "", Snapshot{}.Describe())
}
