package gifticon

import "time"

// Status is the stored lifecycle state of a gifticon
type Status string

const (
	StatusAvailable Status = "available"
	StatusUsed      Status = "used"
	// StatusExpired is never stored; it is derived from the expiry date
	StatusExpired Status = "expired"
)

// Gifticon represents a stored voucher
type Gifticon struct {
	ID            string     `json:"id"`
	ImageURI      string     `json:"image_uri"`
	ImagePath     string     `json:"image_path,omitempty"` // copy in local storage
	ContentType   string     `json:"content_type,omitempty"`
	BrandName     string     `json:"brand_name"`
	ProductName   string     `json:"product_name"`
	BarcodeValue  string     `json:"barcode_value"`
	ExpiryDate    string     `json:"expiry_date"` // YYYY-MM-DD, empty when unknown
	Fingerprint   string     `json:"fingerprint"`
	Status        Status     `json:"status"`
	CategoryID    string     `json:"category_id,omitempty"`
	SourceAssetID string     `json:"source_asset_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	UsedAt        *time.Time `json:"used_at,omitempty"`
}

// Category groups gifticons, e.g. "Cafe" or "Convenience store"
type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Icon      string    `json:"icon"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at"`
}
