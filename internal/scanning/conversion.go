package scanning

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"net/http"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
	_ "golang.org/x/image/webp" // Register WebP decoder, common for messenger screenshots
)

// DefaultMaxDimension caps the longest image side sent to an engine. Phone
// screenshots are often 1440x3200; vision models downsample anyway and the
// upload dominates latency.
const DefaultMaxDimension = 1600

// gifticonExtractPrompt is the shared prompt used by all LLM providers
const gifticonExtractPrompt = `You are analyzing a photo from a phone gallery that may be a mobile gift voucher ("gifticon", 기프티콘), such as a coffee, convenience store or dessert coupon received through a messenger app. Carefully read all text in the image and extract the following information:

1. **Brand Name**: The store or brand that redeems the voucher. Examples: "스타벅스", "GS25", "배스킨라빈스", "CU".

2. **Product Name**: The item the voucher is for. Example: "아메리카노 T".

3. **Barcode**: The digits printed under the barcode. Return only digits and letters, no spaces or dashes.

4. **Expiry Date**: The last day the voucher can be used (유효기간, 교환기한). Convert it to ISO 8601 format (YYYY-MM-DD).

Return ONLY valid JSON in this exact format:
{
  "is_gifticon": true,
  "brand_name": "Brand",
  "product_name": "Product",
  "barcode": "1234567890123",
  "expiry_date": "YYYY-MM-DD"
}

Important:
- If the image is not a gift voucher, return {"is_gifticon": false}
- If you cannot find a field, use null for that field
- Do not invent values that are not printed on the image
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// heicBrands are the ftyp major brands of HEIC/HEIF files
var heicBrands = []string{"heic", "heix", "heif", "mif1", "msf1"}

// pdfToImage renders the first page of a PDF voucher
func pdfToImage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	if doc.NumPage() == 0 {
		return nil, errors.New("PDF has no pages")
	}
	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// decodeImage decodes any supported format. Camera photos get their EXIF
// orientation applied.
func decodeImage(imageData []byte, mimeType string) (image.Image, error) {
	switch {
	case mimeType == "application/pdf":
		return pdfToImage(imageData)
	case isHEICFormat(imageData) || isHEICMimeType(mimeType):
		img, err := heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC image: %w", err)
		}
		return img, nil
	}

	img, err := imaging.Decode(bytes.NewReader(imageData), imaging.AutoOrientation(true))
	if errors.Is(err, image.ErrFormat) {
		return nil, fmt.Errorf("unsupported image format %q (want JPEG, PNG, GIF, WebP, HEIC or PDF): %w", mimeType, err)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// isHEICFormat sniffs the ISO BMFF ftyp box
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	return slices.Contains(heicBrands, string(data[8:12]))
}

func isHEICMimeType(mimeType string) bool {
	switch strings.ToLower(strings.TrimSpace(mimeType)) {
	case "image/heic", "image/heif", "image/heic-sequence", "image/heif-sequence":
		return true
	}
	return false
}

// prepareImageData normalizes the image to a PNG no larger than maxDimension
// on its longest side. A maxDimension of zero disables downscaling.
func prepareImageData(imageData []byte, contentType string, maxDimension int) ([]byte, error) {
	mimeType, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(contentType)), ";")
	if mimeType == "" {
		mimeType = http.DetectContentType(imageData)
	}

	img, err := decodeImage(imageData, mimeType)
	if err != nil {
		return nil, err
	}

	if b := img.Bounds(); maxDimension > 0 && max(b.Dx(), b.Dy()) > maxDimension {
		img = imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}
