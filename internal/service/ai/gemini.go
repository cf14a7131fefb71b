package ai

import (
	"context"
	"fmt"
	"iter"

	"chatstream/internal/apperr"
	"chatstream/internal/config"
	"chatstream/internal/models"

	"google.golang.org/genai"
)

// chatSession is the part of *genai.Chat the adapter uses.
type chatSession interface {
	SendMessageStream(ctx context.Context, parts ...genai.Part) iter.Seq2[*genai.GenerateContentResponse, error]
}

type chatOpener func(ctx context.Context, model string, history []*genai.Content) (chatSession, error)

// Gemini streams replies through the Gemini chat API.
type Gemini struct {
	model string
	open  chatOpener
}

// NewGemini connects a Gemini client with the given key and model.
func NewGemini(ctx context.Context, cfg config.ProviderConfig) (*Gemini, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("new gemini client: %w", err)
	}
	var genCfg *genai.GenerateContentConfig
	if cfg.MaxTokens > 0 {
		genCfg = &genai.GenerateContentConfig{MaxOutputTokens: int32(cfg.MaxTokens)}
	}
	open := func(ctx context.Context, model string, history []*genai.Content) (chatSession, error) {
		chat, err := client.Chats.Create(ctx, model, genCfg, history)
		if err != nil {
			return nil, err
		}
		return chat, nil
	}
	return &Gemini{model: cfg.Model, open: open}, nil
}

func (g *Gemini) Name() string { return "gemini" }

// Stream sends the translated transcript and yields the reply text as it arrives.
func (g *Gemini) Stream(ctx context.Context, history []*models.Message) (iter.Seq2[string, error], error) {
	contents, prompt, err := TranslateForGemini(history)
	if err != nil {
		return nil, err
	}
	chat, err := g.open(ctx, g.model, contents)
	if err != nil {
		return nil, apperr.Provider(err)
	}
	return once(func(yield func(string, error) bool) {
		for resp, err := range chat.SendMessageStream(ctx, genai.Part{Text: prompt}) {
			if err != nil {
				yield("", apperr.Provider(err))
				return
			}
			text := responseText(resp)
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}), nil
}

// responseText concatenates the answer parts of the first candidate,
// leaving out thought summaries.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return ""
	}
	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		text += part.Text
	}
	return text
}
