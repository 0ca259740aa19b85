package scanning

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"
)

// expiryFormats are the layouts vision models tend to return despite the
// prompt asking for ISO dates. Korean vouchers print "2024년 12월 31일" or
// "2024.12.31".
var expiryFormats = []string{
	"2006-01-02",
	"2006.01.02",
	"2006/01/02",
	"2006. 1. 2",
	"2006. 1. 2.",
	"2006.1.2",
	"2006년 1월 2일",
	"2006년 01월 02일",
	"20060102",
}

type rawGifticon struct {
	IsGifticon   *bool   `json:"is_gifticon"`
	BrandName    *string `json:"brand_name"`
	ProductName  *string `json:"product_name"`
	BarcodeValue *string `json:"barcode"`
	ExpiryDate   *string `json:"expiry_date"`
}

// parseGifticonJSON parses the JSON response of a vision model
func parseGifticonJSON(text string) (*GifticonData, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSpace(text)

	// Find the JSON object boundaries - look for first { and last }
	startIdx := strings.Index(text, "{")
	if startIdx == -1 {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	endIdx := strings.LastIndex(text, "}")
	if endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("invalid JSON object in response")
	}
	text = text[startIdx : endIdx+1]

	var raw rawGifticon
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling json: %w", err)
	}

	if raw.IsGifticon != nil && !*raw.IsGifticon {
		return nil, ErrNoContent
	}

	data := &GifticonData{
		BrandName:    cleanText(raw.BrandName),
		ProductName:  cleanText(raw.ProductName),
		BarcodeValue: cleanBarcode(raw.BarcodeValue),
		ExpiryDate:   normalizeExpiry(cleanText(raw.ExpiryDate)),
	}
	if data.Empty() {
		return nil, ErrNoContent
	}
	return data, nil
}

func cleanText(s *string) string {
	if s == nil {
		return ""
	}
	v := strings.Join(strings.Fields(*s), " ")
	switch strings.ToLower(v) {
	case "null", "none", "n/a", "unknown":
		return ""
	}
	return v
}

// cleanBarcode drops the separators printed between barcode digit groups
func cleanBarcode(s *string) string {
	v := cleanText(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return -1
		}
		return r
	}, v)
}

// normalizeExpiry converts a date to YYYY-MM-DD. Unlike a purchase date an
// expiry cannot be guessed, so an unparseable value is dropped.
func normalizeExpiry(s string) string {
	if s == "" {
		return ""
	}
	for _, format := range expiryFormats {
		if d, err := time.Parse(format, s); err == nil {
			return d.Format("2006-01-02")
		}
	}
	return ""
}
