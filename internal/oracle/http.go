package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/psantana5/warden/pkg/logging"
	"github.com/psantana5/warden/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// Supported wire protocols.
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

var defaultModels = map[string]string{
	ProviderGemini: "gemini-2.0-flash",
	ProviderOpenAI: "gpt-4o-mini",
}

var defaultBaseURLs = map[string]string{
	ProviderGemini: "https://generativelanguage.googleapis.com/v1beta",
	ProviderOpenAI: "https://api.openai.com/v1",
}

const prompt = `A program crashed because a dependency is missing. Reply with ONLY the
name of the single package that must be installed to fix it, exactly as it
would appear in a dependency manifest. Reply NONE if you cannot tell.

Error output:
%s`

// Config configures an HTTP oracle.
type Config struct {
	Provider string
	APIKey   string
	Model    string // provider default when empty
	BaseURL  string // provider default when empty
}

// HTTP consults a hosted language model over its REST API.
type HTTP struct {
	provider string
	apiKey   string
	model    string
	baseURL  string
	client   *http.Client
	tracer   *tracing.Provider
	logger   *logging.Logger
}

// NewHTTP builds an HTTP oracle. The client should carry no timeout of its
// own; bound calls with WithTimeout.
func NewHTTP(cfg Config, client *http.Client, tracer *tracing.Provider, logger *logging.Logger) (*HTTP, error) {
	if _, ok := defaultModels[cfg.Provider]; !ok {
		return nil, fmt.Errorf("unsupported oracle provider %q", cfg.Provider)
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	h := &HTTP{
		provider: cfg.Provider,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   client,
		tracer:   tracer,
		logger:   logger.WithField("oracle", cfg.Provider),
	}
	if h.model == "" {
		h.model = defaultModels[cfg.Provider]
	}
	if h.baseURL == "" {
		h.baseURL = defaultBaseURLs[cfg.Provider]
	}
	return h, nil
}

// Suggest asks the model for a package name.
func (h *HTTP) Suggest(ctx context.Context, excerpt string) (string, bool) {
	ctx, span := h.tracer.StartSpan(ctx, "oracle.suggest",
		attribute.String("oracle.provider", h.provider),
		attribute.String("oracle.model", h.model),
		attribute.Int("oracle.excerpt_len", len(excerpt)),
	)
	defer span.End()

	var (
		answer string
		err    error
	)
	switch h.provider {
	case ProviderOpenAI:
		answer, err = h.openAI(ctx, excerpt)
	default:
		answer, err = h.gemini(ctx, excerpt)
	}
	if err != nil {
		tracing.SetError(ctx, err)
		h.logger.Warn("oracle consultation failed", logging.Fields{"error": err.Error()})
		return "", false
	}

	name, ok := Normalize(answer)
	if !ok {
		h.logger.Info("oracle gave no usable package name", logging.Fields{"answer": Tail(answer, 120)})
		return "", false
	}
	span.SetAttributes(attribute.String("oracle.package", name))
	return name, true
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (h *HTTP) gemini(ctx context.Context, excerpt string) (string, error) {
	var body geminiRequest
	body.Contents = []geminiContent{{Parts: []geminiPart{{Text: fmt.Sprintf(prompt, excerpt)}}}}
	body.GenerationConfig.MaxOutputTokens = 64

	url := fmt.Sprintf("%s/models/%s:generateContent", h.baseURL, h.model)
	var resp geminiResponse
	if err := h.post(ctx, url, map[string]string{"x-goog-api-key": h.apiKey}, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini: empty response")
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type openAIResponse struct {
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
}

func (h *HTTP) openAI(ctx context.Context, excerpt string) (string, error) {
	body := openAIRequest{
		Model: h.model,
		Messages: []openAIMessage{
			{Role: "user", Content: fmt.Sprintf(prompt, excerpt)},
		},
		MaxTokens: 64,
	}

	var resp openAIResponse
	headers := map[string]string{"Authorization": "Bearer " + h.apiKey}
	if err := h.post(ctx, h.baseURL+"/chat/completions", headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (h *HTTP) post(ctx context.Context, url string, headers map[string]string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, Tail(string(data), 200))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
