package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/mubarak-way/quran-assistant/internal/store"
)

const (
	defaultChatModelName     = "gemini-1.5-flash-latest"
	defaultAnalysisModelName = "gemini-1.5-flash-latest"

	analysisTemperature = float32(0.1)
	analysisMaxTokens   = int32(1024)
)

// LLMService is the Gemini-backed Generator.
type LLMService struct {
	client        *genai.Client
	chatModel     string
	analysisModel string
	log           *zap.Logger
}

func NewLLMService(ctx context.Context, apiKey, chatModel, analysisModel string, log *zap.Logger) (*LLMService, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if chatModel == "" {
		chatModel = defaultChatModelName
	}
	if analysisModel == "" {
		analysisModel = defaultAnalysisModelName
	}
	return &LLMService{
		client:        client,
		chatModel:     chatModel,
		analysisModel: analysisModel,
		log:           log.Named("gemini"),
	}, nil
}

func (s *LLMService) Close() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.log.Warn("error closing GenAI client", zap.Error(err))
		} else {
			s.log.Info("GenAI client closed")
		}
	}
}

// Generate runs a chat completion. turns must end with the user message
// being answered; everything before it becomes chat history.
func (s *LLMService) Generate(ctx context.Context, systemPrompt string, turns []Message, maxOutputTokens int32, temperature float32) (string, error) {
	if len(turns) == 0 {
		return "", fmt.Errorf("prompt history is empty for chat completion")
	}
	last := turns[len(turns)-1]
	if last.Role != store.RoleUser {
		return "", fmt.Errorf("last message in history is not from 'user', cannot proceed with chat completion")
	}

	model := s.client.GenerativeModel(s.chatModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}
	model.SetMaxOutputTokens(maxOutputTokens)
	model.SetTemperature(temperature)

	chatSession := model.StartChat()
	for _, t := range turns[:len(turns)-1] {
		chatSession.History = append(chatSession.History, &genai.Content{
			Role:  geminiRole(t.Role),
			Parts: []genai.Part{genai.Text(t.Content)},
		})
	}

	resp, err := chatSession.SendMessage(ctx, genai.Text(last.Content))
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		return "", ErrEmptyGeneration
	}
	return text, nil
}

func (s *LLMService) GenerateStructured(ctx context.Context, systemPrompt, prompt string) (json.RawMessage, error) {
	model := s.client.GenerativeModel(s.analysisModel)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(systemPrompt)},
	}
	temp := analysisTemperature
	maxTokens := analysisMaxTokens
	model.GenerationConfig = genai.GenerationConfig{
		MaxOutputTokens:  &maxTokens,
		Temperature:      &temp,
		ResponseMIMEType: "application/json",
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("gemini structured request failed: %w", err)
	}
	text := strings.TrimSpace(responseText(resp))
	if text == "" {
		return nil, ErrEmptyGeneration
	}
	return json.RawMessage(text), nil
}

// geminiRole maps conversation roles onto the two roles Gemini history accepts.
func geminiRole(r store.Role) string {
	if r == store.RoleAssistant {
		return "model"
	}
	return "user"
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}
