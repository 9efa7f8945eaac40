package deals

import (
	"time"

	"github.com/shopspring/decimal"
)

// Deal is a candidate resale opportunity found by a scan.
// Only Favorite, Trashed and TrashedAt change after creation.
type Deal struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	ImageURL       string     `json:"imageUrl"`
	SellerPrice    float64    `json:"sellerPrice"`
	EstimatedValue float64    `json:"estimatedValue"`
	Profit         float64    `json:"profit"`
	Source         string     `json:"source"`
	SourceURL      string     `json:"sourceUrl,omitempty"`
	Category       string     `json:"category,omitempty"`
	Description    string     `json:"description"`
	ScannedAt      time.Time  `json:"scannedAt"`
	Favorite       bool       `json:"favorite"`
	Trashed        bool       `json:"trashed"`
	TrashedAt      *time.Time `json:"trashedAt,omitempty"`
}

// TotalProfit sums the profit of the given deals without float drift.
func TotalProfit(list []Deal) decimal.Decimal {
	total := decimal.Zero
	for _, d := range list {
		total = total.Add(decimal.NewFromFloat(d.Profit))
	}
	return total
}

// FormatProfit renders an amount in euros with two decimals.
func FormatProfit(amount decimal.Decimal) string {
	return amount.StringFixed(2) + " €"
}
