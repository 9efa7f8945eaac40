package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageTypeExtractedAds is the type of messages posted by the injected
// extraction routine.
const MessageTypeExtractedAds = "EXTRACTED_ADS"

// ErrUnknownMessage is returned for well-formed messages of another type.
var ErrUnknownMessage = errors.New("unknown page message type")

type pageMessage struct {
	Type string   `json:"type"`
	Ads  []wireAd `json:"ads"`
}

// wireAd accepts prices as either JSON strings or numbers.
type wireAd struct {
	Title    string          `json:"title"`
	Price    json.RawMessage `json:"price"`
	URL      string          `json:"url"`
	ImageURL string          `json:"imageUrl"`
	Image    string          `json:"image"`
}

// ParseMessage decodes a page message into ads. Malformed or foreign
// messages return an error; callers log and drop them.
func ParseMessage(raw []byte) ([]ExtractedAd, error) {
	var msg pageMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("malformed page message: %w", err)
	}
	if msg.Type != MessageTypeExtractedAds {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}

	ads := make([]ExtractedAd, 0, len(msg.Ads))
	for _, w := range msg.Ads {
		ad := ExtractedAd{
			Title:    strings.TrimSpace(w.Title),
			Price:    priceText(w.Price),
			URL:      strings.TrimSpace(w.URL),
			ImageURL: strings.TrimSpace(w.ImageURL),
		}
		if ad.ImageURL == "" {
			ad.ImageURL = strings.TrimSpace(w.Image)
		}
		if ad.Key() == "" {
			continue
		}
		ads = append(ads, ad)
	}
	return ads, nil
}

func priceText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}
