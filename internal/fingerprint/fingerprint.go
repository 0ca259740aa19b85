// Package fingerprint derives the identity key used to decide whether two
// gifticons are the same physical voucher.
package fingerprint

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	barcodePrefix   = "barcode:"
	compositePrefix = "composite:"
)

// ErrInsufficientData is returned when neither a barcode nor any of brand,
// product and expiry is present
var ErrInsufficientData = errors.New("insufficient data for fingerprint")

// Fields are the voucher attributes a fingerprint is computed from
type Fields struct {
	Brand   string
	Product string
	Barcode string
	Expiry  string
}

// Compute returns the barcode fingerprint when a barcode is present,
// otherwise a composite of brand, product and expiry.
func Compute(f Fields) (string, error) {
	if barcode := Barcode(f.Barcode); barcode != "" {
		return barcodePrefix + barcode, nil
	}

	brand := text(f.Brand)
	product := text(f.Product)
	expiry := date(f.Expiry)
	if brand == "" && product == "" && expiry == "" {
		return "", ErrInsufficientData
	}
	return compositePrefix + brand + "|" + product + "|" + expiry, nil
}

// Barcode normalizes a barcode value: separators dropped, letters upper-cased.
func Barcode(s string) string {
	s = norm.NFKC.String(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return -1
		}
		return unicode.ToUpper(r)
	}, s)
}

// text folds width, case and whitespace so "ＧＳ２５ " matches "gs25"
func text(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)
	return strings.Join(strings.Fields(s), " ")
}

func date(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if d, err := time.Parse("2006-01-02", s); err == nil {
		return d.Format("2006-01-02")
	}
	return text(s)
}
