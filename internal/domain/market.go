package domain

import "time"

// MarketInfo is the normalized market snapshot for one hero.
// Prices are in the marketplace's quote currency (ETH on the reference
// marketplace). Zero values mean "not reported".
type MarketInfo struct {
	HeroID      string    `json:"hero_id"`
	Name        string    `json:"name"`
	Handle      string    `json:"handle,omitempty"`
	FloorPrice  float64   `json:"floor_price"`
	LastSale    float64   `json:"last_sale"`
	Volume24h   float64   `json:"volume_24h"`
	Listings    int       `json:"listings"`
	Currency    string    `json:"currency,omitempty"`
	Rarity      string    `json:"rarity,omitempty"`
	URL         string    `json:"url,omitempty"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// HasPrices reports whether any price field is populated.
func (m *MarketInfo) HasPrices() bool {
	return m != nil && (m.FloorPrice > 0 || m.LastSale > 0 || m.Volume24h > 0)
}
