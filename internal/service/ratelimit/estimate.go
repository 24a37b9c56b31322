package ratelimit

import (
	"encoding/json"
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/pillarhq/ai-router/internal/domain"
)

// Estimator computes a pre-call token estimate for admission decisions.
// It prefers a tiktoken count and falls back to ceil(serializedBytes/4)
// when no encoding is available for the model.
type Estimator struct {
	mu    sync.RWMutex
	cache map[string]*tiktoken.Tiktoken
}

// NewEstimator creates a token estimator with an encoding cache.
func NewEstimator() *Estimator {
	return &Estimator{cache: make(map[string]*tiktoken.Tiktoken)}
}

// Estimate returns the token estimate for req: the prompt count plus the
// completion reserve. defaultCompletion applies when the request leaves
// MaxTokens unset, matching the default the provider adapter will send.
func (e *Estimator) Estimate(req domain.AIRequest, defaultCompletion int) int {
	prompt := 0
	enc, err := e.encodingFor(req.Model)
	if err == nil {
		// 3 tokens of structure overhead per message plus 1 for the role,
		// matching the OpenAI chat token accounting.
		for _, m := range req.Messages {
			prompt += 4
			prompt += len(enc.Encode(m.Role, nil, nil))
			prompt += len(enc.Encode(m.Content, nil, nil))
		}
		prompt += 3
	} else {
		prompt = fallbackEstimate(req)
	}
	completion := req.MaxTokens
	if completion == 0 {
		completion = defaultCompletion
	}
	return prompt + completion
}

// fallbackEstimate is the byte-length heuristic: ceil(len(payload)/4).
func fallbackEstimate(req domain.AIRequest) int {
	b, err := json.Marshal(req.Messages)
	if err != nil {
		return 1
	}
	return (len(b) + 3) / 4
}

func (e *Estimator) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	key := normalizeModelName(model)

	e.mu.RLock()
	if enc, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return enc, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if enc, ok := e.cache[key]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(key)
	if err != nil {
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	e.cache[key] = enc
	return enc, nil
}

// normalizeModelName converts vendor model IDs to tiktoken-compatible names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if strings.Contains(model, "/") {
		parts := strings.Split(model, "/")
		model = parts[len(parts)-1]
	}
	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		// Non-OpenAI families tokenize closely enough to cl100k_base.
		return "gpt-4"
	}
}
