package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pillarhq/ai-router/internal/config"
	"github.com/pillarhq/ai-router/internal/domain"
	"github.com/pillarhq/ai-router/internal/service/dispatch"
)

// RouterService is the routing facade consumed by the HTTP layer.
type RouterService interface {
	SendRequest(ctx context.Context, req domain.AIRequest, opts dispatch.SendOptions) (domain.AIResponse, error)
	Stats(ctx context.Context) (dispatch.Stats, error)
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Router     RouterService
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, router RouterService, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Router: router, DBCheck: dbCheck, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type completionRequest struct {
	Messages []domain.Message `json:"messages" validate:"required,min=1,dive"`
	Model    string           `json:"model"`
	// Temperature and MaxTokens fall back to the provider defaults when zero.
	Temperature float64 `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `json:"max_tokens" validate:"gte=0"`
	Provider    string  `json:"provider"`
	Priority    int     `json:"priority"`
	Stream      bool    `json:"stream"`
}

// CompletionsHandler accepts a chat completion request and routes it through
// the account pool. With "stream": true the response is sent as SSE.
func (s *Server) CompletionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a := r.Header.Get("Accept"); a != "" && a != "*/*" &&
			!strings.Contains(a, "application/json") && !strings.Contains(a, "text/event-stream") {
			writeError(w, r, fmt.Errorf("%w: not acceptable", domain.ErrInvalidArgument), map[string]any{"accept": a})
			return
		}
		// Cap body size to prevent abuse
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1MB
		var req completionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}
		for _, m := range req.Messages {
			if m.Role == "" || m.Content == "" {
				writeError(w, r, fmt.Errorf("%w: message role and content required", domain.ErrInvalidArgument), nil)
				return
			}
		}

		aiReq := domain.AIRequest{
			Messages:    req.Messages,
			Model:       req.Model,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		}
		opts := dispatch.SendOptions{
			PreferredProvider: req.Provider,
			Priority:          req.Priority,
		}

		if req.Stream {
			s.streamCompletion(w, r, aiReq, opts)
			return
		}

		resp, err := s.Router.SendRequest(r.Context(), aiReq, opts)
		if err != nil {
			LoggerFrom(r).Warn("completion failed", "error", err)
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type sendOutcome struct {
	resp domain.AIResponse
	err  error
}

// streamCompletion forwards tokens to the client as SSE events as they
// arrive, followed by a terminal event carrying the full response envelope.
func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, req domain.AIRequest, opts dispatch.SendOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, fmt.Errorf("%w: streaming unsupported by connection", domain.ErrInvalidArgument), nil)
		return
	}

	ctx := r.Context()
	tokens := make(chan string, 256)
	done := make(chan sendOutcome, 1)
	opts.OnToken = func(text string) {
		select {
		case tokens <- text:
		case <-ctx.Done():
		}
	}
	go func() {
		resp, err := s.Router.SendRequest(ctx, req, opts)
		done <- sendOutcome{resp: resp, err: err}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writeEvent := func(event string, v any) {
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
		flusher.Flush()
	}

	for {
		select {
		case tok := <-tokens:
			writeEvent("token", map[string]string{"text": tok})
		case out := <-done:
			// Flush tokens that raced with completion.
			for {
				select {
				case tok := <-tokens:
					writeEvent("token", map[string]string{"text": tok})
					continue
				default:
				}
				break
			}
			if out.err != nil {
				writeEvent("error", map[string]string{"message": out.err.Error()})
				return
			}
			writeEvent("done", out.resp)
			return
		case <-ctx.Done():
			return
		}
	}
}

// StatsHandler reports pool health and usage. Credentials never appear in
// the payload.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Router.Stats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// ReadyzHandler returns a readiness handler that probes the configured
// backing stores.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
