package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/rotisserie/eris"
)

// OllamaClient runs the oracle against a local Ollama server.
type OllamaClient struct {
	client *api.Client
	model  string
}

// NewOllamaClient connects to the Ollama server at host (e.g. http://localhost:11434).
func NewOllamaClient(host, model string, timeout time.Duration) (*OllamaClient, error) {
	if host == "" {
		host = "http://localhost:11434"
	}
	base, err := url.Parse(host)
	if err != nil {
		return nil, eris.Wrapf(err, "parse ollama host %q", host)
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &OllamaClient{
		client: api.NewClient(base, &http.Client{Timeout: timeout}),
		model:  model,
	}, nil
}

// Model returns the configured model name.
func (o *OllamaClient) Model() string { return o.model }

// Invoke generates a JSON-formatted reply for prompt.
func (o *OllamaClient) Invoke(ctx context.Context, prompt string) (Reply, error) {
	stream := false
	req := api.GenerateRequest{
		Model:  o.model,
		System: SystemPrompt,
		Prompt: prompt,
		Stream: &stream,
		Format: json.RawMessage(`"json"`),
		Options: map[string]interface{}{
			"temperature": 0.0,
		},
	}

	var sb strings.Builder
	err := o.client.Generate(ctx, &req, func(resp api.GenerateResponse) error {
		_, err := sb.WriteString(resp.Response)
		return err
	})
	if err != nil {
		return Reply{}, eris.Wrap(err, "ollama generate")
	}
	return Reply{Text: sb.String()}, nil
}
