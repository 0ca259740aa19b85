package scanning

import (
	"context"
	"errors"
)

// ErrNoContent is returned when the engine found nothing that looks like a
// gifticon in the image
var ErrNoContent = errors.New("no gifticon content detected")

// GifticonData contains extracted information from a voucher image. Every
// field may be empty.
type GifticonData struct {
	BrandName    string `json:"brand_name"`
	ProductName  string `json:"product_name"`
	BarcodeValue string `json:"barcode"`
	ExpiryDate   string `json:"expiry_date"` // ISO 8601 date
}

// Empty reports whether no field was extracted
func (d *GifticonData) Empty() bool {
	return d.BrandName == "" && d.ProductName == "" && d.BarcodeValue == "" && d.ExpiryDate == ""
}

// Extractor defines the interface for gifticon field extraction engines
type Extractor interface {
	// ExtractGifticon analyzes a voucher image and extracts its fields.
	// Returns ErrNoContent when the image is not a voucher.
	ExtractGifticon(ctx context.Context, imageData []byte, contentType string) (*GifticonData, error)
	// Close closes the extractor and releases resources
	Close() error
}
