// Package openai implements the provider adapter for OpenAI-compatible chat
// completion APIs (api.openai.com and lookalikes such as OpenRouter or Groq).
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/pillarhq/ai-router/internal/adapter/provider"
	"github.com/pillarhq/ai-router/internal/domain"
)

// Adapter calls one OpenAI-compatible vendor.
type Adapter struct {
	providerID string
	cfg        domain.ProviderConfig
	hc         *http.Client
}

// New constructs an Adapter for the given provider id and config.
func New(providerID string, cfg domain.ProviderConfig, timeout time.Duration) *Adapter {
	return &Adapter{
		providerID: providerID,
		cfg:        cfg,
		hc:         provider.NewHTTPClient(timeout),
	}
}

// ProviderID returns the vendor id this adapter serves.
func (a *Adapter) ProviderID() string { return a.providerID }

// DefaultMaxTokens is the completion cap substituted when a request leaves
// MaxTokens unset. Zero means the vendor's own default applies.
func (a *Adapter) DefaultMaxTokens() int { return a.cfg.MaxTokens }

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	Temperature float64          `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Execute performs one chat completion call with the account's credential.
func (a *Adapter) Execute(ctx context.Context, acc *domain.Account, req domain.AIRequest, onToken domain.TokenCallback) (domain.AIResponse, error) {
	body := chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      onToken != nil,
	}
	if body.Model == "" {
		body.Model = a.cfg.DefaultModel
	}
	if body.Temperature == 0 {
		body.Temperature = a.cfg.Temperature
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = a.cfg.MaxTokens
	}

	b, err := json.Marshal(body)
	if err != nil {
		return domain.AIResponse{}, fmt.Errorf("op=openai.execute: %w: %v", domain.ErrInvalidArgument, err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return domain.AIResponse{}, fmt.Errorf("op=openai.execute: %w", err)
	}
	r.Header.Set("Authorization", "Bearer "+acc.Credential)
	r.Header.Set("Content-Type", "application/json")

	resp, err := a.hc.Do(r)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.AIResponse{}, fmt.Errorf("op=openai.execute: %w", context.DeadlineExceeded)
		}
		return domain.AIResponse{}, &domain.ProviderFailure{ProviderID: a.providerID, AccountID: acc.ID, Status: 0, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Warn("openai-compatible vendor error",
			slog.String("provider", a.providerID),
			slog.Int("status", resp.StatusCode),
			slog.String("x_request_id", resp.Header.Get("X-Request-Id")),
			slog.String("body", string(bodyBytes)))
		return domain.AIResponse{}, &domain.ProviderFailure{
			ProviderID: a.providerID,
			AccountID:  acc.ID,
			Status:     resp.StatusCode,
			Message:    strings.TrimSpace(string(bodyBytes)),
		}
	}

	if onToken != nil {
		return a.consumeStream(resp.Body, acc, body.Model, onToken)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.AIResponse{}, &domain.ProviderFailure{ProviderID: a.providerID, AccountID: acc.ID, Status: resp.StatusCode, Message: "decode: " + err.Error()}
	}
	if len(out.Choices) == 0 {
		return domain.AIResponse{}, &domain.ProviderFailure{ProviderID: a.providerID, AccountID: acc.ID, Status: resp.StatusCode, Message: "empty choices"}
	}

	usage := domain.TokenUsage{
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
		TotalTokens:      out.Usage.TotalTokens,
	}
	model := out.Model
	if model == "" {
		model = body.Model
	}
	return domain.AIResponse{
		Content:    out.Choices[0].Message.Content,
		Model:      model,
		ProviderID: a.providerID,
		AccountID:  acc.ID,
		Usage:      usage,
		Cost:       provider.Cost(a.cfg, usage),
	}, nil
}

// consumeStream reads SSE chunks, forwarding each delta to onToken in
// arrival order and assembling the final response. Usage arrives on the last
// chunk for vendors that send it; otherwise it stays zero and the dispatcher
// keeps the admission estimate.
func (a *Adapter) consumeStream(body io.Reader, acc *domain.Account, model string, onToken domain.TokenCallback) (domain.AIResponse, error) {
	var content strings.Builder
	var usage domain.TokenUsage

	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk chatResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			onToken(chunk.Choices[0].Delta.Content)
			content.WriteString(chunk.Choices[0].Delta.Content)
		}
		if chunk.Usage.TotalTokens > 0 {
			usage = domain.TokenUsage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
	}
	if err := sc.Err(); err != nil {
		return domain.AIResponse{}, &domain.ProviderFailure{ProviderID: a.providerID, AccountID: acc.ID, Status: 0, Message: "stream: " + err.Error()}
	}

	return domain.AIResponse{
		Content:    content.String(),
		Model:      model,
		ProviderID: a.providerID,
		AccountID:  acc.ID,
		Usage:      usage,
		Cost:       provider.Cost(a.cfg, usage),
	}, nil
}

// Probe issues a minimal single-token completion to verify the credential
// and vendor availability.
func (a *Adapter) Probe(ctx context.Context, acc *domain.Account) error {
	_, err := a.Execute(ctx, acc, domain.AIRequest{
		Messages:  []domain.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}, nil)
	return err
}
