package extraction

import "fmt"

// Reason explains why extraction produced no candidate
type Reason string

const (
	ReasonNoContentDetected Reason = "NoContentDetected"
	ReasonEngineError       Reason = "EngineError"
	ReasonTimeout           Reason = "Timeout"
)

// Candidate holds the fields extracted from one image. Any field may be
// empty.
type Candidate struct {
	ImageURI     string `json:"image_uri"`
	BrandName    string `json:"brand_name,omitempty"`
	ProductName  string `json:"product_name,omitempty"`
	BarcodeValue string `json:"barcode_value,omitempty"`
	ExpiryDate   string `json:"expiry_date,omitempty"`
}

// Failure is a structured extraction failure
type Failure struct {
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Reason)
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Outcome is either an extracted Candidate or a Failure, never both
type Outcome struct {
	candidate *Candidate
	failure   *Failure
}

// Extracted returns a successful Outcome
func Extracted(c *Candidate) Outcome {
	return Outcome{candidate: c}
}

// Failed returns a failed Outcome
func Failed(reason Reason, err error) Outcome {
	return Outcome{failure: &Failure{Reason: reason, Err: err}}
}

// Candidate returns the extracted candidate, if any
func (o Outcome) Candidate() (*Candidate, bool) {
	return o.candidate, o.candidate != nil
}

// Failure returns the failure, if any
func (o Outcome) Failure() (*Failure, bool) {
	return o.failure, o.failure != nil
}

// forImage rebinds a cached outcome to another image with identical bytes
func (o Outcome) forImage(uri string) Outcome {
	if o.candidate == nil {
		return o
	}
	c := *o.candidate
	c.ImageURI = uri
	return Extracted(&c)
}
