package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "key")
	t.Setenv("SEARCH_API_URL", "https://search.example.com/api/")

	cfg, _, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://search.example.com/api", cfg.SearchAPIURL)
	assert.Equal(t, 10*time.Second, cfg.SearchTimeout)
	assert.Equal(t, 15*time.Second, cfg.SectionTimeout)
	assert.Equal(t, 5*time.Minute, cfg.SearchCacheTTL)
	assert.Equal(t, 10, cfg.GatherTarget)
	assert.Equal(t, 5, cfg.BroadenBelow)
	assert.InDelta(t, 0.8, cfg.TopicWeight, 1e-9)
	assert.Equal(t, "sqlite", cfg.ConversationBackend)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("GENERATOR_PROVIDER", "Ollama")
	t.Setenv("SEARCH_API_URL", "http://localhost:9200")
	t.Setenv("SEARCH_CACHE_TTL", "90s")
	t.Setenv("TOPIC_WEIGHT", "0.5")
	t.Setenv("GATHER_TARGET", "not-a-number")

	cfg, _, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ollama", cfg.GeneratorProvider)
	assert.Equal(t, 90*time.Second, cfg.SearchCacheTTL)
	assert.InDelta(t, 0.5, cfg.TopicWeight, 1e-9)
	assert.Equal(t, 10, cfg.GatherTarget)
}

func TestValidate(t *testing.T) {
	cfg := &Config{GeneratorProvider: "gemini", ConversationBackend: "mongo"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GEMINI_API_KEY")
	assert.Contains(t, err.Error(), "CONVERSATION_BACKEND")
	assert.Contains(t, err.Error(), "SEARCH_API_URL")
}
