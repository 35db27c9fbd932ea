package core

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mubarak-way/quran-assistant/internal/store"
)

const apologyMessage = "I'm sorry, I couldn't prepare an answer right now. Please try asking again in a moment."

type ChatOptions struct {
	HistoryWindow     int
	CitedPassageLimit int
	MaxOutputTokens   int32
	Temperature       float32
	GenerationTimeout time.Duration
}

func DefaultChatOptions() ChatOptions {
	return ChatOptions{
		HistoryWindow:     5,
		CitedPassageLimit: 5,
		MaxOutputTokens:   2048,
		Temperature:       0.7,
		GenerationTimeout: 60 * time.Second,
	}
}

// Reply is what the assistant returns for one message.
type Reply struct {
	Answer             string             `json:"answer"`
	Intent             Intent             `json:"intent"`
	CitedPassages      []store.PassageRef `json:"cited_passages"`
	Passages           []store.Passage    `json:"passages"`
	ReferencedSections []int              `json:"referenced_sections"`
	SuggestedActions   []store.Action     `json:"suggested_actions"`
}

type ChatService struct {
	conversations *ConversationService
	analyzer      *QueryAnalyzer
	gatherer      *ContextService
	generator     Generator
	opts          ChatOptions
	log           *zap.Logger
}

func NewChatService(conv *ConversationService, analyzer *QueryAnalyzer, gatherer *ContextService, gen Generator, opts ChatOptions, log *zap.Logger) *ChatService {
	return &ChatService{
		conversations: conv,
		analyzer:      analyzer,
		gatherer:      gatherer,
		generator:     gen,
		opts:          opts,
		log:           log.Named("chat"),
	}
}

// ProcessMessage answers text within the session and records the exchange.
// Calls for the same session are serialized. If ctx is cancelled before the
// exchange is recorded, nothing is written and ctx.Err() is returned.
func (s *ChatService) ProcessMessage(ctx context.Context, key store.SessionKey, text string) (*Reply, error) {
	ctx, span := tracer.Start(ctx, "ChatService.ProcessMessage")
	defer span.End()

	release, err := s.conversations.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := s.conversations.LoadOrCreate(ctx, key)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	userTurn := store.Turn{Role: store.RoleUser, Content: text, Timestamp: time.Now().UTC()}

	analysis := s.analyzer.Analyze(ctx, text)
	history := s.conversations.RecentTurns(sess, s.opts.HistoryWindow)
	gc := s.gatherer.Gather(ctx, text, analysis, history)

	reply := s.compose(ctx, history, text, analysis, gc)

	if err := ctx.Err(); err != nil {
		s.log.Info("message cancelled before saving", zap.Stringer("session", key), zap.Error(err))
		return nil, err
	}

	assistantTurn := store.Turn{
		Role:             store.RoleAssistant,
		Content:          reply.Answer,
		Timestamp:        time.Now().UTC(),
		CitedPassages:    reply.CitedPassages,
		SuggestedActions: reply.SuggestedActions,
	}
	if _, err := s.conversations.AppendTurns(ctx, sess, userTurn, assistantTurn); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("passages", len(gc.Passages)),
		attribute.String("intent", string(analysis.Intent)),
	)
	s.log.Info("message answered",
		zap.Stringer("session", key),
		zap.String("intent", string(analysis.Intent)),
		zap.Int("passages", len(gc.Passages)),
		zap.Int("actions", len(reply.SuggestedActions)))
	return reply, nil
}

// QuickAnswer answers a standalone question without a session.
func (s *ChatService) QuickAnswer(ctx context.Context, text, language string) (*Reply, error) {
	ctx, span := tracer.Start(ctx, "ChatService.QuickAnswer")
	defer span.End()

	analysis := s.analyzer.Analyze(ctx, text)
	if language != "" {
		analysis.Language = language
	}
	gc := s.gatherer.Gather(ctx, text, analysis, nil)
	reply := s.compose(ctx, nil, text, analysis, gc)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return reply, nil
}

// compose generates the answer. A generation failure becomes the apology
// with no citations or actions.
func (s *ChatService) compose(ctx context.Context, history []store.Turn, text string, analysis QueryAnalysis, gc GatheredContext) *Reply {
	reply := &Reply{
		Intent:             analysis.Intent,
		CitedPassages:      []store.PassageRef{},
		Passages:           gc.Passages,
		ReferencedSections: gc.ReferencedSections,
		SuggestedActions:   []store.Action{},
	}

	genCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.opts.GenerationTimeout > 0 {
		genCtx, cancel = context.WithTimeout(ctx, s.opts.GenerationTimeout)
	}
	defer cancel()
	answer, err := s.generator.Generate(genCtx,
		buildSystemPrompt(history, analysis.Language, gc),
		generationTurns(history, text),
		s.opts.MaxOutputTokens,
		s.opts.Temperature)
	if err != nil {
		s.log.Error("answer generation failed", zap.Error(err))
		reply.Answer = apologyMessage
		return reply
	}

	reply.Answer = answer
	reply.SuggestedActions = SuggestActions(analysis)
	for i, p := range gc.Passages {
		if i == s.opts.CitedPassageLimit {
			break
		}
		reply.CitedPassages = append(reply.CitedPassages, p.Ref())
	}
	return reply
}

func (s *ChatService) History(ctx context.Context, key store.SessionKey, limit int) ([]store.Turn, error) {
	return s.conversations.History(ctx, key, limit)
}

// EndConversation marks the session completed.
func (s *ChatService) EndConversation(ctx context.Context, key store.SessionKey) error {
	release, err := s.conversations.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	sess, err := s.conversations.Get(ctx, key)
	if err != nil {
		return err
	}
	if sess.Status == store.StatusCompleted {
		return nil
	}
	if _, err := s.conversations.Complete(ctx, sess); err != nil {
		return fmt.Errorf("failed to end conversation: %w", err)
	}
	s.log.Info("session completed", zap.Stringer("session", key))
	return nil
}

func (s *ChatService) Stats(ctx context.Context, key store.SessionKey) (*SessionStats, error) {
	return s.conversations.Stats(ctx, key)
}
