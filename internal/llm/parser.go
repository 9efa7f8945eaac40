package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/raine/deal-scout/internal/deals"
)

const (
	untitledDeal       = "Untitled find"
	missingDescription = "No description provided."
	unknownSource      = "Unknown source"
)

var fenceRe = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*(?:```)?$")

// flexFloat accepts JSON numbers and numeric strings like "1 200,50 €".
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(parseLooseNumber(s))
	return nil
}

func parseLooseNumber(s string) float64 {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '-', r == '.':
			sb.WriteRune(r)
		case r == ',':
			sb.WriteRune('.')
		}
	}
	v, err := strconv.ParseFloat(sb.String(), 64)
	if err != nil {
		return 0
	}
	return v
}

type rawDeal struct {
	Title          string     `json:"title"`
	SellerPrice    flexFloat  `json:"sellerPrice"`
	EstimatedValue flexFloat  `json:"estimatedValue"`
	Profit         *flexFloat `json:"profit"`
	ImageURL       string     `json:"imageUrl"`
	ImageKeyword   string     `json:"imageKeyword"`
	Source         string     `json:"source"`
	SourceURL      string     `json:"sourceUrl"`
	Category       string     `json:"category"`
	Description    string     `json:"description"`
}

type rawResult struct {
	Pepites []rawDeal `json:"pepites"`
}

// Parser turns model responses into deals.
type Parser struct {
	catalog *Catalog
	now     func() time.Time

	mu        sync.Mutex
	lastStamp int64
}

func NewParser(catalog *Catalog) *Parser {
	if catalog == nil {
		catalog = NewCatalog(DefaultCatalog)
	}
	return &Parser{catalog: catalog, now: time.Now}
}

// Parse extracts deals from resp. A missing or empty list yields no deals
// and no error. Deal i is stamped i minutes before now.
func (p *Parser) Parse(resp *Response, sourceName string) ([]deals.Deal, error) {
	if resp != nil && resp.Error != nil {
		return nil, newError(ErrUpstream, resp.Error.Code, nil, "The AI service returned an error: %s", resp.Error.Message)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, newError(ErrEmptyResponse, 0, nil, "The AI returned an empty response. Try scanning again.")
	}

	result, err := decodeResult(text)
	if err != nil {
		return nil, newError(ErrMalformedOutput, 0, err, "The AI returned a response that could not be read. Try scanning again.")
	}

	if sourceName == "" {
		sourceName = unknownSource
	}

	now := p.now().UTC()
	stamp := p.nextStamp(now)

	out := make([]deals.Deal, 0, len(result.Pepites))
	for i, r := range result.Pepites {
		d := deals.Deal{
			ID:             fmt.Sprintf("%d-%d", stamp, i),
			Title:          orDefault(r.Title, untitledDeal),
			SellerPrice:    float64(r.SellerPrice),
			EstimatedValue: float64(r.EstimatedValue),
			Source:         orDefault(r.Source, sourceName),
			SourceURL:      strings.TrimSpace(r.SourceURL),
			Category:       strings.TrimSpace(r.Category),
			Description:    orDefault(r.Description, missingDescription),
			ScannedAt:      now.Add(-time.Duration(i) * time.Minute),
		}
		if r.Profit != nil {
			d.Profit = float64(*r.Profit)
		} else {
			d.Profit = d.EstimatedValue - d.SellerPrice
		}
		if u := strings.TrimSpace(r.ImageURL); u != "" {
			d.ImageURL = u
		} else {
			d.ImageURL = p.catalog.Resolve(r.ImageKeyword)
		}
		out = append(out, d)
	}
	return out, nil
}

// nextStamp returns a millisecond stamp that is strictly increasing across
// calls so ids stay unique within the process.
func (p *Parser) nextStamp(now time.Time) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	stamp := now.UnixMilli()
	if stamp <= p.lastStamp {
		stamp = p.lastStamp + 1
	}
	p.lastStamp = stamp
	return stamp
}

func decodeResult(text string) (*rawResult, error) {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	if text == "" {
		return nil, fmt.Errorf("no JSON content in response")
	}

	var result rawResult
	// Only an object is a result. A bare null or array would otherwise
	// decode into an empty result.
	if strings.HasPrefix(text, "{") {
		err := json.Unmarshal([]byte(text), &result)
		if err == nil {
			return &result, nil
		}
	}

	jsonStr, err := extractJSONObject(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return &result, nil
}

// extractJSONObject extracts a JSON object from text that may contain other
// formatting around it.
func extractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object found in response")
	}
	return text[start : end+1], nil
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}
