package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"
)

// OllamaService is the Generator for a local Ollama server.
type OllamaService struct {
	client *api.Client
	model  string
	log    *zap.Logger
}

func NewOllamaService(host, model string, log *zap.Logger) (*OllamaService, error) {
	hostURL, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	return &OllamaService{
		client: api.NewClient(hostURL, http.DefaultClient),
		model:  model,
		log:    log.Named("ollama"),
	}, nil
}

func (o *OllamaService) Generate(ctx context.Context, systemPrompt string, turns []Message, maxOutputTokens int32, temperature float32) (string, error) {
	msgs := make([]api.Message, 0, len(turns)+1)
	msgs = append(msgs, api.Message{Role: "system", Content: systemPrompt})
	for _, t := range turns {
		msgs = append(msgs, api.Message{Role: string(t.Role), Content: t.Content})
	}
	return o.chat(ctx, msgs, nil, map[string]any{
		"temperature": temperature,
		"num_predict": maxOutputTokens,
	})
}

func (o *OllamaService) GenerateStructured(ctx context.Context, systemPrompt, prompt string) (json.RawMessage, error) {
	msgs := []api.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: prompt},
	}
	text, err := o.chat(ctx, msgs, json.RawMessage(`"json"`), map[string]any{
		"temperature": analysisTemperature,
		"num_predict": analysisMaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(text), nil
}

func (o *OllamaService) chat(ctx context.Context, msgs []api.Message, format json.RawMessage, opts map[string]any) (string, error) {
	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: msgs,
		Stream:   &stream,
		Format:   format,
		Options:  opts,
	}

	var b strings.Builder
	err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		_, err := b.WriteString(resp.Message.Content)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat failed: %w", err)
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", ErrEmptyGeneration
	}
	return text, nil
}
