package capture

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	// MaxAds is the maximum number of extracted ads kept per session.
	MaxAds = 50

	// MinFrameSize is the smallest base64 frame accepted. Anything shorter is
	// a blank or failed capture.
	MinFrameSize = 1000
)

// ExtractedAd is a listing scraped from the live page.
type ExtractedAd struct {
	Index    int    `json:"id"`
	Title    string `json:"title"`
	Price    string `json:"price"`
	URL      string `json:"url,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Key is the identity of an ad: its URL when known, else its title.
func (a ExtractedAd) Key() string {
	if url := strings.TrimSpace(a.URL); url != "" {
		return url
	}
	return strings.TrimSpace(a.Title)
}

// Snapshot is an immutable copy of the evidence collected so far.
type Snapshot struct {
	Frames []string
	Ads    []ExtractedAd
}

// Describe renders the ads as a numbered list for the text prompt.
func (s Snapshot) Describe() string {
	if len(s.Ads) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, ad := range s.Ads {
		sb.WriteString(fmt.Sprintf("%d. %s", i+1, strings.TrimSpace(ad.Title)))
		if ad.Price != "" {
			sb.WriteString(" | " + strings.TrimSpace(ad.Price))
		}
		if ad.URL != "" {
			sb.WriteString(" | " + ad.URL)
		}
		if ad.ImageURL != "" {
			sb.WriteString(" | image: " + ad.ImageURL)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Aggregator accumulates frames and deduplicated ads during one session.
// It is not safe for concurrent use; the scan worker owns it.
type Aggregator struct {
	frames       []string
	ads          []ExtractedAd
	keys         map[string]struct{}
	minFrameSize int
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		keys:         make(map[string]struct{}),
		minFrameSize: MinFrameSize,
	}
}

// AddFrame appends a base64 capture. Blobs below the minimum size are
// dropped and false is returned.
func (a *Aggregator) AddFrame(blob string) bool {
	if len(blob) < a.minFrameSize {
		log.Debug().Int("size", len(blob)).Msg("dropping undersized frame")
		return false
	}
	a.frames = append(a.frames, blob)
	return true
}

// AddExtractedAds merges ads by identity key and returns how many were new.
// When more than MaxAds are held, the oldest are dropped and the remaining
// ads are renumbered from 0.
func (a *Aggregator) AddExtractedAds(ads []ExtractedAd) int {
	added := 0
	for _, ad := range ads {
		key := ad.Key()
		if key == "" {
			continue
		}
		if _, seen := a.keys[key]; seen {
			continue
		}
		a.keys[key] = struct{}{}
		a.ads = append(a.ads, ad)
		added++
	}

	if len(a.ads) > MaxAds {
		dropped := len(a.ads) - MaxAds
		kept := make([]ExtractedAd, MaxAds)
		copy(kept, a.ads[dropped:])
		a.ads = kept

		a.keys = make(map[string]struct{}, len(a.ads))
		for _, ad := range a.ads {
			a.keys[ad.Key()] = struct{}{}
		}
		log.Debug().Int("dropped", dropped).Msg("trimmed extracted ads")
	}

	for i := range a.ads {
		a.ads[i].Index = i
	}

	return added
}

// FrameCount returns the number of frames held.
func (a *Aggregator) FrameCount() int {
	return len(a.frames)
}

// AdCount returns the number of ads held.
func (a *Aggregator) AdCount() int {
	return len(a.ads)
}

// Snapshot copies the current evidence. It does not clear the aggregator.
func (a *Aggregator) Snapshot() Snapshot {
	frames := make([]string, len(a.frames))
	copy(frames, a.frames)
	ads := make([]ExtractedAd, len(a.ads))
	copy(ads, a.ads)
	return Snapshot{Frames: frames, Ads: ads}
}

// Reset discards all evidence.
func (a *Aggregator) Reset() {
	a.frames = nil
	a.ads = nil
	a.keys = make(map[string]struct{})
}
