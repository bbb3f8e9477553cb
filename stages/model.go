// Package stages implements the concrete pipeline stages: query routing,
// metadata answering, tiered schema identification, schema assembly,
// query planning, generation and validation. Each stage is a black box
// behind the workflow stage contract: it builds a prompt, calls the
// model, parses a structured JSON result, and returns state updates.
package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/types"
)

// Prompt is one structured completion request. The model is expected to
// answer with a single JSON object matching the stage's response schema.
type Prompt struct {
	System      string
	User        string
	Temperature float64
}

// Model is the language-model collaborator every stage calls. It returns
// the raw completion text; stages own parsing.
type Model interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// ModelFunc adapts a function to the Model interface, used by tests and
// embedded setups.
type ModelFunc func(ctx context.Context, p Prompt) (string, error)

func (f ModelFunc) Complete(ctx context.Context, p Prompt) (string, error) {
	return f(ctx, p)
}

// HTTPModelConfig configures the OpenAI-compatible chat client.
type HTTPModelConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxTokens  int           `yaml:"max_tokens"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// HTTPModel talks to any OpenAI-compatible /chat/completions endpoint.
type HTTPModel struct {
	cfg    HTTPModelConfig
	client *http.Client
	logger *zap.Logger
}

// NewHTTPModel creates the client.
func NewHTTPModel(cfg HTTPModelConfig, logger *zap.Logger) *HTTPModel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &HTTPModel{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With(zap.String("component", "model_client")),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (m *HTTPModel) Complete(ctx context.Context, p Prompt) (string, error) {
	body := chatRequest{
		Model: m.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: p.System},
			{Role: "user", Content: p.User},
		},
		Temperature: p.Temperature,
		MaxTokens:   m.cfg.MaxTokens,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", types.NewError(types.ErrModelResponse, "marshal completion request").WithCause(err)
	}

	var lastErr error
	for attempt := 0; attempt <= m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", types.NewError(types.ErrCancelled, "completion cancelled").WithCause(ctx.Err())
			case <-time.After(m.cfg.RetryDelay):
			}
		}
		text, err := m.once(ctx, payload)
		if err == nil {
			return text, nil
		}
		lastErr = err
		m.logger.Warn("model request failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return "", lastErr
}

func (m *HTTPModel) once(ctx context.Context, payload []byte) (string, error) {
	url := strings.TrimRight(m.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", types.NewError(types.ErrModelUnavailable, "build model request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return "", types.NewError(types.ErrModelUnavailable, "model request failed").
			WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", types.NewError(types.ErrModelResponse,
			fmt.Sprintf("model returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests)
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", types.NewError(types.ErrModelResponse, "decode model response").WithCause(err).WithRetryable(true)
	}
	if parsed.Error != nil {
		return "", types.NewError(types.ErrModelResponse, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", types.NewError(types.ErrModelResponse, "model returned no choices").WithRetryable(true)
	}
	return parsed.Choices[0].Message.Content, nil
}

var _ Model = (*HTTPModel)(nil)
var _ Model = (ModelFunc)(nil)

// decodeJSON extracts the first JSON object from a completion and decodes
// it into out. Models frequently wrap JSON in markdown fences or prose.
func decodeJSON(text string, out any) error {
	cleaned := strings.TrimSpace(text)
	if idx := strings.Index(cleaned, "```"); idx >= 0 {
		cleaned = cleaned[idx+3:]
		cleaned = strings.TrimPrefix(cleaned, "json")
		if end := strings.Index(cleaned, "```"); end >= 0 {
			cleaned = cleaned[:end]
		}
	}
	start := strings.IndexByte(cleaned, '{')
	end := strings.LastIndexByte(cleaned, '}')
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in model response")
	}
	return json.Unmarshal([]byte(cleaned[start:end+1]), out)
}
