package models

// Bar is a venue customers can discover and order from.
type Bar struct {
	ID           string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Area         string   `json:"area,omitempty" yaml:"area"`
	LocationText string   `json:"location_text,omitempty" yaml:"location_text"`
	Latitude     *float64 `json:"latitude,omitempty" yaml:"latitude"`
	Longitude    *float64 `json:"longitude,omitempty" yaml:"longitude"`
	MerchantCode string   `json:"merchant_code,omitempty" yaml:"merchant_code"` // mobile money merchant code
	Currency     string   `json:"currency,omitempty" yaml:"currency"`
	Highlights   []string `json:"highlights,omitempty" yaml:"highlights"`
	Contacts     []string `json:"contacts,omitempty" yaml:"contacts"` // staff numbers notified of new orders
	SortKey      int      `json:"sort_key" yaml:"sort_key"`
	Active       bool     `json:"active" yaml:"-"`
}

// MomoSupported reports whether the bar accepts mobile money payments.
func (b Bar) MomoSupported() bool {
	return b.MerchantCode != ""
}

// MenuCategory groups the items of one bar.
type MenuCategory struct {
	ID      string `json:"id" yaml:"id"`
	BarID   string `json:"bar_id" yaml:"bar_id"`
	Name    string `json:"name" yaml:"name"`
	SortKey int    `json:"sort_key" yaml:"sort_key"`
}

// MenuItem is an orderable product. Prices are integer minor units.
type MenuItem struct {
	ID          string `json:"id" yaml:"id"`
	BarID       string `json:"bar_id" yaml:"bar_id"`
	CategoryID  string `json:"category_id,omitempty" yaml:"category_id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	PriceMinor  int64  `json:"price_minor" yaml:"price_minor"`
	Currency    string `json:"currency,omitempty" yaml:"currency"`
	SortKey     int    `json:"sort_key" yaml:"sort_key"`
	Available   bool   `json:"available" yaml:"-"`
}

// BarQuery filters a bar listing. Empty fields match everything.
type BarQuery struct {
	Text string // case-insensitive substring of name or location
	Area string
}

// Page requests a window of an ordered listing.
type Page struct {
	Offset int
	Limit  int
}
