package extract

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"
)

// GeminiClient runs the oracle against the Gemini API.
type GeminiClient struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

func NewGeminiClient(ctx context.Context, apiKey, model string, maxTokens int, timeout time.Duration) (*GeminiClient, error) {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, eris.Wrap(err, "create genai client")
	}
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &GeminiClient{client: client, model: model, maxTokens: int32(maxTokens)}, nil
}

// Model returns the configured model name.
func (g *GeminiClient) Model() string { return g.model }

// Invoke requests a JSON reply for prompt.
func (g *GeminiClient) Invoke(ctx context.Context, prompt string) (Reply, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemPrompt, genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0),
		MaxOutputTokens:   g.maxTokens,
	})
	if err != nil {
		return Reply{}, eris.Wrap(err, "gemini generate")
	}
	text := resp.Text()
	if text == "" {
		return Reply{}, fmt.Errorf("empty response from gemini")
	}
	return Reply{Text: text}, nil
}
