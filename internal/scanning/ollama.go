package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "qwen2.5vl"

	ollamaSystemPrompt = "You read mobile gift vouchers. Copy text exactly as printed and never guess."
)

// Ollama reads vouchers with a local vision model served by Ollama.
//
// Models that read Korean voucher text reasonably well:
//   - qwen2.5vl
//   - llava:1.6
//
// Requests are bounded by the caller's context only.
type Ollama struct {
	chatURL      string
	model        string
	client       *http.Client
	maxDimension int
}

// NewOllama creates a new Ollama extractor
func NewOllama(baseURL string, modelName string, maxDimension int) (*Ollama, error) {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	if modelName == "" {
		modelName = defaultOllamaModel
	}

	chatURL, err := url.JoinPath(baseURL, "api", "chat")
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url %q: %w", baseURL, err)
	}

	return &Ollama{
		chatURL:      chatURL,
		model:        modelName,
		client:       &http.Client{},
		maxDimension: maxDimension,
	}, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// ExtractGifticon sends the normalized image with the voucher prompt
func (o *Ollama) ExtractGifticon(ctx context.Context, imageData []byte, contentType string) (*GifticonData, error) {
	png, err := prepareImageData(imageData, contentType, o.maxDimension)
	if err != nil {
		return nil, err
	}

	reply, err := o.chat(ctx, []ollamaMessage{
		{Role: "system", Content: ollamaSystemPrompt},
		{
			Role:    "user",
			Content: gifticonExtractPrompt,
			Images:  []string{base64.StdEncoding.EncodeToString(png)},
		},
	})
	if err != nil {
		return nil, err
	}
	return parseGifticonJSON(reply)
}

// chat runs one non-streaming chat completion in JSON mode
func (o *Ollama) chat(ctx context.Context, messages []ollamaMessage) (string, error) {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    o.model,
		Messages: messages,
		Format:   "json",
		Options:  map[string]any{"temperature": 0},
	})
	if err != nil {
		return "", fmt.Errorf("encoding ollama request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.chatURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building ollama request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding ollama response: %w", err)
	}
	return out.Message.Content, nil
}

// Close is a no-op; the HTTP client holds nothing to release
func (o *Ollama) Close() error {
	return nil
}
