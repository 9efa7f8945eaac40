package llm

import (
	"math/rand/v2"
	"strings"
)

const defaultImageKeyword = "default"

// ImageEntry maps an item keyword to a stock image.
type ImageEntry struct {
	Keyword string
	URL     string
}

// DefaultCatalog is matched in order; the first keyword contained in the
// model's imageKeyword wins. More specific item types come before generic
// qualifiers like "vintage".
var DefaultCatalog = []ImageEntry{
	{"watch", "https://images.unsplash.com/photo-1523170335258-f5ed11844a49?w=600"},
	{"sneaker", "https://images.unsplash.com/photo-1542291026-7eec264c27ff?w=600"},
	{"shoe", "https://images.unsplash.com/photo-1549298916-b41d501d3772?w=600"},
	{"bag", "https://images.unsplash.com/photo-1548036328-c9fa89d128fa?w=600"},
	{"phone", "https://images.unsplash.com/photo-1511707171634-5f897ff02aa9?w=600"},
	{"laptop", "https://images.unsplash.com/photo-1496181133206-80ce9b88a853?w=600"},
	{"camera", "https://images.unsplash.com/photo-1516035069371-29a1b244cc32?w=600"},
	{"console", "https://images.unsplash.com/photo-1486401899868-0e435ed85128?w=600"},
	{"game", "https://images.unsplash.com/photo-1550745165-9bc0b252726f?w=600"},
	{"headphone", "https://images.unsplash.com/photo-1505740420928-5e560c06d30e?w=600"},
	{"guitar", "https://images.unsplash.com/photo-1510915361894-db8b60106cb1?w=600"},
	{"vinyl", "https://images.unsplash.com/photo-1539375665275-f9de415ef9ac?w=600"},
	{"bike", "https://images.unsplash.com/photo-1485965120184-e220f721d03e?w=600"},
	{"chair", "https://images.unsplash.com/photo-1503602642458-232111445657?w=600"},
	{"lamp", "https://images.unsplash.com/photo-1507473885765-e6ed057f782c?w=600"},
	{"furniture", "https://images.unsplash.com/photo-1555041469-a586c61ea9bc?w=600"},
	{"jewel", "https://images.unsplash.com/photo-1515562141207-7a88fb7ce338?w=600"},
	{"jacket", "https://images.unsplash.com/photo-1551028719-00167b16eac5?w=600"},
	{"lego", "https://images.unsplash.com/photo-1587654780291-39c9404d746b?w=600"},
	{"toy", "https://images.unsplash.com/photo-1558060370-d644479cb6f7?w=600"},
	{"book", "https://images.unsplash.com/photo-1512820790803-83ca734da794?w=600"},
	{"art", "https://images.unsplash.com/photo-1513364776144-60967b0f800f?w=600"},
	{"vintage", "https://images.unsplash.com/photo-1508847154043-be5407fcaa5a?w=600"},
	{defaultImageKeyword, "https://images.unsplash.com/photo-1472851294608-062f824d29cc?w=600"},
}

// Catalog resolves item keywords to stock images.
type Catalog struct {
	entries []ImageEntry
	intn    func(n int) int
}

func NewCatalog(entries []ImageEntry) *Catalog {
	return &Catalog{entries: entries, intn: rand.IntN}
}

// Resolve returns the first entry whose keyword appears in keyword. Without a
// match a random non-default entry is used, then the default entry.
func (c *Catalog) Resolve(keyword string) string {
	keyword = strings.ToLower(strings.TrimSpace(keyword))

	var fallback []string
	defaultURL := ""
	for _, e := range c.entries {
		if e.Keyword == defaultImageKeyword {
			defaultURL = e.URL
			continue
		}
		if keyword != "" && strings.Contains(keyword, e.Keyword) {
			return e.URL
		}
		fallback = append(fallback, e.URL)
	}

	if len(fallback) > 0 {
		return fallback[c.intn(len(fallback))]
	}
	return defaultURL
}
