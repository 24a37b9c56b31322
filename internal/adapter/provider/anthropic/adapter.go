// Package anthropic implements the provider adapter for the Anthropic
// Messages API.
package anthropic

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

const apiVersion = "2023-06-01"

// Adapter calls the Anthropic Messages API.
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
// MaxTokens unset; it mirrors the Execute fallback chain.
func (a *Adapter) DefaultMaxTokens() int {
	if a.cfg.MaxTokens > 0 {
		return a.cfg.MaxTokens
	}
	return 1024
}

type messagesRequest struct {
	Model       string           `json:"model"`
	System      string           `json:"system,omitempty"`
	Messages    []domain.Message `json:"messages"`
	Temperature float64          `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens"`
	Stream      bool             `json:"stream,omitempty"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// streamEvent is the subset of Anthropic SSE events the adapter consumes.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Execute performs one Messages call with the account's credential. The
// Messages API keeps the system prompt outside the message list, so any
// leading system message is lifted into the system field.
func (a *Adapter) Execute(ctx context.Context, acc *domain.Account, req domain.AIRequest, onToken domain.TokenCallback) (domain.AIResponse, error) {
	system, rest := splitSystem(req.Messages)
	body := messagesRequest{
		Model:       req.Model,
		System:      system,
		Messages:    rest,
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
	if body.MaxTokens == 0 {
		// max_tokens is mandatory for this API.
		body.MaxTokens = 1024
	}

	b, err := json.Marshal(body)
	if err != nil {
		return domain.AIResponse{}, fmt.Errorf("op=anthropic.execute: %w: %v", domain.ErrInvalidArgument, err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/messages", bytes.NewReader(b))
	if err != nil {
		return domain.AIResponse{}, fmt.Errorf("op=anthropic.execute: %w", err)
	}
	r.Header.Set("x-api-key", acc.Credential)
	r.Header.Set("anthropic-version", apiVersion)
	r.Header.Set("Content-Type", "application/json")

	resp, err := a.hc.Do(r)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.AIResponse{}, fmt.Errorf("op=anthropic.execute: %w", context.DeadlineExceeded)
		}
		return domain.AIResponse{}, &domain.ProviderFailure{ProviderID: a.providerID, AccountID: acc.ID, Status: 0, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Warn("anthropic vendor error",
			slog.String("provider", a.providerID),
			slog.Int("status", resp.StatusCode),
			slog.String("request_id", resp.Header.Get("Request-Id")),
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

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.AIResponse{}, &domain.ProviderFailure{ProviderID: a.providerID, AccountID: acc.ID, Status: resp.StatusCode, Message: "decode: " + err.Error()}
	}

	var content strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	usage := domain.TokenUsage{
		PromptTokens:     out.Usage.InputTokens,
		CompletionTokens: out.Usage.OutputTokens,
		TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
	}
	model := out.Model
	if model == "" {
		model = body.Model
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

// consumeStream forwards content_block_delta text to onToken and collects
// usage from message_start/message_delta events.
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
		var ev streamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "message_start":
			usage.PromptTokens = ev.Message.Usage.InputTokens
			if ev.Message.Model != "" {
				model = ev.Message.Model
			}
		case "content_block_delta":
			if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				onToken(ev.Delta.Text)
				content.WriteString(ev.Delta.Text)
			}
		case "message_delta":
			usage.CompletionTokens = ev.Usage.OutputTokens
		case "message_stop":
			// Terminal event; the server closes the stream after it.
		}
	}
	if err := sc.Err(); err != nil {
		return domain.AIResponse{}, &domain.ProviderFailure{ProviderID: a.providerID, AccountID: acc.ID, Status: 0, Message: "stream: " + err.Error()}
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	return domain.AIResponse{
		Content:    content.String(),
		Model:      model,
		ProviderID: a.providerID,
		AccountID:  acc.ID,
		Usage:      usage,
		Cost:       provider.Cost(a.cfg, usage),
	}, nil
}

// Probe issues a minimal single-token message to verify the credential and
// vendor availability.
func (a *Adapter) Probe(ctx context.Context, acc *domain.Account) error {
	_, err := a.Execute(ctx, acc, domain.AIRequest{
		Messages:  []domain.Message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}, nil)
	return err
}

// splitSystem lifts leading system messages out of the list.
func splitSystem(msgs []domain.Message) (string, []domain.Message) {
	var system strings.Builder
	rest := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "system" {
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return system.String(), rest
}
