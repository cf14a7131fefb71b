package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"chatstream/internal/apperr"
	"chatstream/internal/config"
	"chatstream/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

const defaultClaudeMaxTokens = 3000

// Eino streams replies from any eino chat model. These vendors accept a
// native system role, so the transcript is passed through unchanged.
type Eino struct {
	name  string
	model model.BaseChatModel
}

func NewEino(name string, m model.BaseChatModel) *Eino {
	return &Eino{name: name, model: m}
}

// NewOpenAI builds an OpenAI compatible provider.
func NewOpenAI(ctx context.Context, cfg config.ProviderConfig) (*Eino, error) {
	modelCfg := &openai.ChatModelConfig{
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
		APIKey:  cfg.APIKey,
	}
	if cfg.MaxTokens > 0 {
		maxTokens := cfg.MaxTokens
		modelCfg.MaxTokens = &maxTokens
	}
	chatModel, err := openai.NewChatModel(ctx, modelCfg)
	if err != nil {
		return nil, fmt.Errorf("new openai model: %w", err)
	}
	return NewEino("openai", chatModel), nil
}

// NewClaude builds an Anthropic provider.
func NewClaude(ctx context.Context, cfg config.ProviderConfig) (*Eino, error) {
	var baseURLPtr *string
	if cfg.BaseURL != "" {
		baseURLPtr = &cfg.BaseURL
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultClaudeMaxTokens
	}
	chatModel, err := claude.NewChatModel(ctx, &claude.Config{
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		BaseURL:   baseURLPtr,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("new claude model: %w", err)
	}
	return NewEino("claude", chatModel), nil
}

func (e *Eino) Name() string { return e.name }

func (e *Eino) Stream(ctx context.Context, history []*models.Message) (iter.Seq2[string, error], error) {
	input, err := convertMessages(history)
	if err != nil {
		return nil, err
	}
	reader, err := e.model.Stream(ctx, input)
	if err != nil {
		return nil, apperr.Provider(err)
	}
	return once(func(yield func(string, error) bool) {
		defer reader.Close()
		for {
			chunk, err := reader.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", apperr.Provider(err))
				return
			}
			if chunk == nil || chunk.Content == "" {
				continue
			}
			if !yield(chunk.Content, nil) {
				return
			}
		}
	}), nil
}

func convertMessages(history []*models.Message) ([]*schema.Message, error) {
	messages := make([]*schema.Message, 0, len(history))
	conversational := 0
	for _, msg := range history {
		if msg == nil {
			continue
		}
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
			conversational++
		case models.RoleAssistant:
			role = schema.Assistant
			conversational++
		case models.RoleSystem:
			role = schema.System
		default:
			return nil, apperr.Validation("unknown role %q", msg.Role)
		}
		messages = append(messages, &schema.Message{Role: role, Content: msg.Content})
	}
	if conversational == 0 {
		return nil, apperr.Validation("no user or assistant message to send")
	}
	return messages, nil
}
