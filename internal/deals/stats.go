package deals

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stats summarizes the active collection for the dashboard.
type Stats struct {
	ActiveCount   int             `json:"activeCount"`
	FavoriteCount int             `json:"favoriteCount"`
	TrashedCount  int             `json:"trashedCount"`
	TotalProfit   decimal.Decimal `json:"totalProfit"`
	AverageProfit decimal.Decimal `json:"averageProfit"`
	BestDealID    string          `json:"bestDealId,omitempty"`
	BestProfit    decimal.Decimal `json:"bestProfit"`
	BySource      map[string]int  `json:"bySource"`
	LastScanAt    *time.Time      `json:"lastScanAt,omitempty"`
}

// Stats computes dashboard statistics. Profit figures cover active deals only.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		TotalProfit:   decimal.Zero,
		AverageProfit: decimal.Zero,
		BestProfit:    decimal.Zero,
		BySource:      make(map[string]int),
	}

	for _, d := range s.deals {
		if d.Trashed {
			stats.TrashedCount++
			continue
		}

		stats.ActiveCount++
		if d.Favorite {
			stats.FavoriteCount++
		}
		stats.BySource[d.Source]++

		profit := decimal.NewFromFloat(d.Profit)
		stats.TotalProfit = stats.TotalProfit.Add(profit)
		if stats.BestDealID == "" || profit.GreaterThan(stats.BestProfit) {
			stats.BestDealID = d.ID
			stats.BestProfit = profit
		}

		if stats.LastScanAt == nil || d.ScannedAt.After(*stats.LastScanAt) {
			scannedAt := d.ScannedAt
			stats.LastScanAt = &scannedAt
		}
	}

	if stats.ActiveCount > 0 {
		stats.AverageProfit = stats.TotalProfit.Div(decimal.NewFromInt(int64(stats.ActiveCount))).Round(2)
	}

	return stats
}
