package core

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mubarak-way/quran-assistant/internal/store"
)

var ErrEmptyGeneration = errors.New("generator returned no text")

// Message is one prior turn handed to the generator.
type Message struct {
	Role    store.Role
	Content string
}

// Generator is the text generation capability behind the assistant. Both
// Gemini and Ollama implement it.
type Generator interface {
	Generate(ctx context.Context, systemPrompt string, turns []Message, maxOutputTokens int32, temperature float32) (string, error)
	// GenerateStructured asks for a single JSON object.
	GenerateStructured(ctx context.Context, systemPrompt, prompt string) (json.RawMessage, error)
}
