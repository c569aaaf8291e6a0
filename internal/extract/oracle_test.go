package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaudeClient_Invoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-test", req.Model)
		assert.Equal(t, SystemPrompt, req.System)
		require.Len(t, req.Messages, 1)
		assert.Contains(t, req.Messages[0].Content, "=== MARK SCHEME ===")

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content": [{"type": "text", "text": "{\"questions\": []}"}]}`))
	}))
	defer srv.Close()

	c := NewClaudeClient("test-key", "claude-test", srv.URL, 0, time.Second)
	defer c.Close()

	reply, err := c.Invoke(context.Background(), BuildPrompt("qp", "ms", 1))
	require.NoError(t, err)
	assert.Equal(t, `{"questions": []}`, reply.Text)
	assert.Equal(t, "claude-test", c.Model())
}

func TestClaudeClient_RateLimitIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": {"type": "rate_limit_error", "message": "slow down"}}`))
	}))
	defer srv.Close()

	c := NewClaudeClient("k", "m", srv.URL, 0, time.Second)
	_, err := c.Invoke(context.Background(), "prompt")
	var rerr *RetryableError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, http.StatusTooManyRequests, rerr.StatusCode)
}

func TestClaudeClient_BadRequestIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClaudeClient("k", "m", srv.URL, 0, time.Second)
	_, err := c.Invoke(context.Background(), "prompt")
	require.Error(t, err)
	var rerr *RetryableError
	assert.False(t, errors.As(err, &rerr))
	assert.Contains(t, err.Error(), "claude api status 400")
	assert.Equal(t, OutcomeError, ClassifyCall(err))
}

func TestClaudeClient_ResponseErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"undecodable body", "<html>gateway</html>", "decode response"},
		{"api error object", `{"error": {"type": "invalid_request_error", "message": "bad model"}}`, "claude error: invalid_request_error: bad model"},
		{"no text blocks", `{"content": [{"type": "tool_use"}]}`, "empty response from claude"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewClaudeClient("k", "m", srv.URL, 0, time.Second).Invoke(context.Background(), "prompt")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			assert.Equal(t, OutcomeError, ClassifyCall(err))
		})
	}
}

func TestOllamaClient_Invoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama-test", req["model"])
		assert.Equal(t, "json", req["format"])

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(`{"model":"llama-test","response":"{\"questions\":","done":false}` + "\n"))
		w.Write([]byte(`{"model":"llama-test","response":" []}","done":true}` + "\n"))
	}))
	defer srv.Close()

	o, err := NewOllamaClient(srv.URL, "llama-test", time.Second)
	require.NoError(t, err)

	reply, err := o.Invoke(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"questions": []}`, reply.Text)
}

type fixedOracle struct{ reply Reply }

func (f fixedOracle) Invoke(ctx context.Context, prompt string) (Reply, error) { return f.reply, nil }
func (f fixedOracle) Model() string                                           { return "fixed" }

func TestWithStats_RecordsEachCall(t *testing.T) {
	stats := NewLLMStats(time.Hour)
	o := WithStats(fixedOracle{reply: Reply{Text: "{}"}}, stats)

	for range 3 {
		_, err := o.Invoke(context.Background(), "p")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, stats.Snapshot().Count)
	assert.Equal(t, "fixed", o.Model())
}

func TestBuildPrompt(t *testing.T) {
	p := BuildPrompt("QP TEXT", "MS TEXT", 7)
	assert.True(t, strings.Index(p, "QP TEXT") < strings.Index(p, "MS TEXT"))
	assert.Contains(t, p, "starting from question number 7")
	assert.Contains(t, p, "=== CURRENT QUESTION NUMBER ===\n7")
}
