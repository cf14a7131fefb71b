package ai

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"

	"chatstream/internal/config"
	"chatstream/internal/models"
)

// ErrSequenceConsumed is yielded when a fragment sequence is ranged over a
// second time.
var ErrSequenceConsumed = errors.New("fragment sequence already consumed")

// Provider turns a transcript into the model's reply, exposed as a lazy,
// finite sequence of non-empty text fragments. The sequence can be ranged
// over once. Vendor failures are yielded as provider errors and end the
// sequence.
type Provider interface {
	Name() string
	Stream(ctx context.Context, history []*models.Message) (iter.Seq2[string, error], error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, history []*models.Message) (iter.Seq2[string, error], error)

func (f ProviderFunc) Name() string { return "func" }

func (f ProviderFunc) Stream(ctx context.Context, history []*models.Message) (iter.Seq2[string, error], error) {
	return f(ctx, history)
}

// New builds the provider selected in the chat configuration.
func New(ctx context.Context, name string, cfg config.ProviderConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider %s: api key not configured", name)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("provider %s: model not configured", name)
	}
	switch name {
	case "gemini":
		return NewGemini(ctx, cfg)
	case "openai":
		return NewOpenAI(ctx, cfg)
	case "claude":
		return NewClaude(ctx, cfg)
	default:
		return nil, fmt.Errorf("invalid provider: %s", name)
	}
}

// once wraps seq so that only the first range over it reaches the vendor.
func once(seq iter.Seq2[string, error]) iter.Seq2[string, error] {
	var used atomic.Bool
	return func(yield func(string, error) bool) {
		if used.Swap(true) {
			yield("", ErrSequenceConsumed)
			return
		}
		seq(yield)
	}
}
