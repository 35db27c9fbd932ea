package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mubarak-way/quran-assistant/internal/cache"
	"github.com/mubarak-way/quran-assistant/internal/config"
	"github.com/mubarak-way/quran-assistant/internal/core"
	"github.com/mubarak-way/quran-assistant/internal/logger"
	"github.com/mubarak-way/quran-assistant/internal/retrieval"
	"github.com/mubarak-way/quran-assistant/internal/store"
)

// app holds every long-lived dependency of a running process.
type app struct {
	cfg     *config.Config
	log     *zap.Logger
	content *store.SQLiteStore
	proxy   *retrieval.Proxy
	chat    *core.ChatService
	closers []func()
}

// loadConfig reads configuration and builds the logger. With strict set,
// validation errors are fatal; ingest only needs the database path.
func loadConfig(strict bool) (*config.Config, *zap.Logger, error) {
	cfg, envFileLoaded, err := config.Load()
	if err != nil && strict {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log := logger.New(logger.Options{
		FilePath:   cfg.LogFilePath,
		Level:      cfg.LogLevel,
		Production: cfg.IsProduction(),
	})
	if envFileLoaded {
		log.Debug("loaded environment from .env")
	} else {
		log.Debug("no .env file found, using process environment")
	}
	return cfg, log, nil
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	content, err := store.NewSQLiteStore(cfg.DatabaseURL, log)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.content = content
	a.closers = append(a.closers, func() { content.Close() })

	repo, err := a.conversationRepository(ctx)
	if err != nil {
		return nil, err
	}

	gen, err := a.generator(ctx)
	if err != nil {
		return nil, err
	}

	retrievalCache := cache.New(cache.Options{
		TTLs: map[string]time.Duration{
			cache.NamespaceSearch:    cfg.SearchCacheTTL,
			cache.NamespaceSection:   cfg.SectionCacheTTL,
			cache.NamespaceReference: 0,
		},
		DefaultTTL:      cfg.SearchCacheTTL,
		CleanupInterval: cfg.CacheCleanupInterval,
	})
	a.proxy = retrieval.New(retrieval.Options{
		BaseURL:         cfg.SearchAPIURL,
		Token:           cfg.SearchAPIToken,
		SearchTimeout:   cfg.SearchTimeout,
		SectionTimeout:  cfg.SectionTimeout,
		HealthTimeout:   cfg.HealthTimeout,
		Retries:         cfg.SearchRetries,
		DefaultLanguage: cfg.DefaultLanguage,
	}, retrievalCache, log, &http.Client{})

	gatherOpts := core.DefaultGatherOptions()
	gatherOpts.Target = cfg.GatherTarget
	gatherOpts.PrimaryTake = min(gatherOpts.PrimaryTake, cfg.GatherTarget)
	gatherOpts.TopicWeight = cfg.TopicWeight
	gatherOpts.BroadenBelow = cfg.BroadenBelow
	gatherOpts.StoreTimeout = cfg.StoreTimeout

	chatOpts := core.ChatOptions{
		HistoryWindow:     cfg.HistoryWindow,
		CitedPassageLimit: cfg.CitedPassageLimit,
		MaxOutputTokens:   int32(cfg.GenerationMaxTokens),
		Temperature:       float32(cfg.GenerationTemperature),
		GenerationTimeout: cfg.GenerationTimeout,
	}

	a.chat = core.NewChatService(
		core.NewConversationService(repo, cfg.DefaultLanguage, cfg.StoreTimeout, log),
		core.NewQueryAnalyzer(gen, cfg.DefaultLanguage, cfg.AnalysisTimeout, log),
		core.NewContextService(a.proxy, content, gatherOpts, log),
		gen,
		chatOpts,
		log,
	)

	ok = true
	return a, nil
}

func (a *app) conversationRepository(ctx context.Context) (core.ConversationRepository, error) {
	if a.cfg.ConversationBackend != "redis" {
		return a.content, nil
	}
	rs, err := store.NewRedisConversationStore(a.cfg.RedisURL, a.cfg.RedisSessionTTL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.closers = append(a.closers, func() { rs.Close() })
	if err := rs.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	a.log.Info("conversations stored in redis", zap.Duration("ttl", a.cfg.RedisSessionTTL))
	return rs, nil
}

func (a *app) generator(ctx context.Context) (core.Generator, error) {
	switch a.cfg.GeneratorProvider {
	case "ollama":
		gen, err := core.NewOllamaService(a.cfg.OllamaHost, a.cfg.OllamaModel, a.log)
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		a.log.Info("using ollama generator", zap.String("model", a.cfg.OllamaModel))
		return gen, nil
	case "gemini":
		gen, err := core.NewLLMService(ctx, a.cfg.GeminiAPIKey, a.cfg.ChatModel, a.cfg.AnalysisModel, a.log)
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		a.closers = append(a.closers, gen.Close)
		a.log.Info("using gemini generator", zap.String("model", a.cfg.ChatModel))
		return gen, nil
	}
	return nil, errors.New("unknown generator provider " + a.cfg.GeneratorProvider)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
