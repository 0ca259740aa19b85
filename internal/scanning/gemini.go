package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultGeminiModel = "gemini-2.5-flash"

// Gemini reads vouchers with a Google Gemini vision model
type Gemini struct {
	client       *genai.Client
	model        *genai.GenerativeModel
	maxDimension int
}

// NewGemini creates a new Gemini extractor. An empty model name selects
// gemini-2.5-flash.
func NewGemini(apiKey string, modelName string, maxDimension int) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if modelName == "" {
		modelName = defaultGeminiModel
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	// Field reading, not creative writing
	model.SetTemperature(0)
	model.SetCandidateCount(1)

	return &Gemini{client: client, model: model, maxDimension: maxDimension}, nil
}

// ExtractGifticon sends the normalized image with the voucher prompt
func (g *Gemini) ExtractGifticon(ctx context.Context, imageData []byte, contentType string) (*GifticonData, error) {
	png, err := prepareImageData(imageData, contentType, g.maxDimension)
	if err != nil {
		return nil, err
	}

	resp, err := g.model.GenerateContent(ctx, genai.ImageData("png", png), genai.Text(gifticonExtractPrompt))
	if err != nil {
		return nil, fmt.Errorf("gemini generate: %w", err)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return nil, fmt.Errorf("gemini blocked the request: %s", resp.PromptFeedback.BlockReason)
	}

	text := geminiText(resp)
	if text == "" {
		return nil, errors.New("empty gemini response")
	}
	return parseGifticonJSON(text)
}

// geminiText joins the text parts of the first candidate
func geminiText(resp *genai.GenerateContentResponse) string {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
