// Package gateway wraps the external language model behind a single
// text-generation call.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/edututor/internal/domain"
	"github.com/tmc/langchaingo/llms"
)

// ErrEmptyResponse is returned when the model produced no usable text.
var ErrEmptyResponse = errors.New("empty model response")

// Turn is one prior conversation message sent as context.
type Turn struct {
	Role domain.Role
	Text string
}

// Request is everything the model sees for one generation.
type Request struct {
	System      string
	Turns       []Turn
	Temperature float64
	MaxTokens   int

	// OnDelta, when set, receives reply text as the model streams it. The
	// returned text is still the complete reply.
	OnDelta func(delta string)
}

// Gateway generates text from a prompt.
type Gateway interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// ObserveFunc receives the outcome of every generation.
type ObserveFunc func(provider string, elapsed time.Duration, err error)

// LLM adapts a langchaingo model to Gateway.
type LLM struct {
	model    llms.Model
	provider string
	observe  ObserveFunc
}

// New wraps model. provider is a short name used in logs and metrics.
func New(model llms.Model, provider string) *LLM {
	return &LLM{model: model, provider: provider}
}

// WithObserver sets a callback invoked after each generation.
func (g *LLM) WithObserver(fn ObserveFunc) *LLM {
	g.observe = fn
	return g
}

// Provider returns the provider name.
func (g *LLM) Provider() string {
	return g.provider
}

// Generate sends the system prompt and turns to the model and returns the
// trimmed text of the first choice.
func (g *LLM) Generate(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	text, err := g.generate(ctx, req)
	if g.observe != nil {
		g.observe(g.provider, time.Since(start), err)
	}
	return text, err
}

func (g *LLM) generate(ctx context.Context, req Request) (string, error) {
	messages := make([]llms.MessageContent, 0, len(req.Turns)+1)
	if req.System != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, req.System))
	}
	for _, turn := range req.Turns {
		messages = append(messages, llms.TextParts(messageType(turn.Role), turn.Text))
	}

	opts := []llms.CallOption{llms.WithTemperature(req.Temperature)}
	if req.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(req.MaxTokens))
	}
	if req.OnDelta != nil {
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if len(chunk) > 0 {
				req.OnDelta(string(chunk))
			}
			return nil
		}))
	}

	resp, err := g.model.GenerateContent(ctx, messages, opts...)
	if err != nil {
		return "", fmt.Errorf("%s generation failed: %w", g.provider, err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}

	text := strings.TrimSpace(resp.Choices[0].Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func messageType(role domain.Role) llms.ChatMessageType {
	if role == domain.RoleTutor {
		return llms.ChatMessageTypeAI
	}
	return llms.ChatMessageTypeHuman
}
