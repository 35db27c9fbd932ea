package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mubarak-way/quran-assistant/internal/store"
)

// ErrConversationStore marks failures of the session store. They are fatal
// for the request and must reach the caller.
var ErrConversationStore = errors.New("conversation store unavailable")

const systemSeedPrompt = "You are a knowledgeable and respectful assistant for studying the Quran. " +
	"Answer using the passages provided to you and cite them as surah:ayah. " +
	"If the passages do not cover the question, say so honestly instead of guessing. " +
	"Be concise, gentle and accurate, and answer in the language of the question."

// ConversationRepository is implemented by store.SQLiteStore and
// store.RedisConversationStore.
type ConversationRepository interface {
	GetSession(ctx context.Context, key store.SessionKey) (*store.Session, error)
	CreateSession(ctx context.Context, sess *store.Session) (*store.Session, error)
	AppendTurns(ctx context.Context, key store.SessionKey, turns []store.Turn, sections []int) error
	SetStatus(ctx context.Context, key store.SessionKey, status store.SessionStatus) error
}

type SessionStats struct {
	MessageCount       int                 `json:"message_count"`
	UserMessages       int                 `json:"user_messages"`
	AssistantMessages  int                 `json:"assistant_messages"`
	ReferencedSections []int               `json:"referenced_sections"`
	Status             store.SessionStatus `json:"status"`
	CreatedAt          time.Time           `json:"created_at"`
	LastActivity       time.Time           `json:"last_activity"`
	DurationSeconds    int64               `json:"duration_seconds"`
}

type ConversationService struct {
	repo            ConversationRepository
	defaultLanguage string
	timeout         time.Duration
	locks           sessionLocks
	log             *zap.Logger
}

func NewConversationService(repo ConversationRepository, defaultLanguage string, timeout time.Duration, log *zap.Logger) *ConversationService {
	return &ConversationService{
		repo:            repo,
		defaultLanguage: defaultLanguage,
		timeout:         timeout,
		locks:           sessionLocks{m: make(map[store.SessionKey]*sessionLock)},
		log:             log.Named("conversation"),
	}
}

func (s *ConversationService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// storeError marks err as a store failure, unless it only reflects the
// caller giving up, in which case the caller's ctx.Err() is returned.
func storeError(ctx context.Context, op string, key store.SessionKey, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return ctxErr
	}
	return fmt.Errorf("%w: %s %s: %w", ErrConversationStore, op, key, err)
}

// LoadOrCreate resumes the session or starts it with the seed system turn.
func (s *ConversationService) LoadOrCreate(ctx context.Context, key store.SessionKey) (*store.Session, error) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()

	sess, err := s.repo.GetSession(sctx, key)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrSessionNotFound) {
		return nil, storeError(ctx, "load", key, err)
	}

	now := time.Now().UTC()
	sess, err = s.repo.CreateSession(sctx, &store.Session{
		UserID:             key.UserID,
		SessionID:          key.SessionID,
		Status:             store.StatusActive,
		Language:           s.defaultLanguage,
		ReferencedSections: []int{},
		CreatedAt:          now,
		LastActivity:       now,
		Turns: []store.Turn{{
			Role:          store.RoleSystem,
			Content:       systemSeedPrompt,
			Timestamp:     now,
			CitedPassages: []store.PassageRef{},
		}},
	})
	if err != nil {
		return nil, storeError(ctx, "create", key, err)
	}
	s.log.Info("session created", zap.Stringer("session", key))
	return sess, nil
}

// AppendTurns commits turns in one atomic write and returns the updated
// snapshot. The passed session is not modified.
func (s *ConversationService) AppendTurns(ctx context.Context, sess *store.Session, turns ...store.Turn) (*store.Session, error) {
	if len(turns) == 0 {
		return sess, nil
	}
	now := time.Now().UTC()
	pending := make([]store.Turn, len(turns))
	var sections []int
	for i, t := range turns {
		if t.Timestamp.IsZero() {
			t.Timestamp = now
		}
		if t.CitedPassages == nil {
			t.CitedPassages = []store.PassageRef{}
		}
		for _, ref := range t.CitedPassages {
			sections = append(sections, ref.SectionNumber)
		}
		pending[i] = t
	}

	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.repo.AppendTurns(sctx, sess.Key(), pending, sections); err != nil {
		return nil, storeError(ctx, "append", sess.Key(), err)
	}

	next := sess.Clone()
	next.Turns = append(next.Turns, pending...)
	next.ReferencedSections = store.MergeSections(next.ReferencedSections, sections...)
	next.LastActivity = pending[len(pending)-1].Timestamp
	return next, nil
}

// RecentTurns returns the seed system turn (if any) followed by the last n
// non-system turns, oldest first.
func (s *ConversationService) RecentTurns(sess *store.Session, n int) []store.Turn {
	out := []store.Turn{}
	if sess == nil {
		return out
	}
	var rest []store.Turn
	for _, t := range sess.Turns {
		if t.Role == store.RoleSystem {
			if len(out) == 0 {
				out = append(out, t)
			}
			continue
		}
		rest = append(rest, t)
	}
	if n < 0 {
		n = 0
	}
	if len(rest) > n {
		rest = rest[len(rest)-n:]
	}
	return append(out, rest...)
}

func (s *ConversationService) Complete(ctx context.Context, sess *store.Session) (*store.Session, error) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	if err := s.repo.SetStatus(sctx, sess.Key(), store.StatusCompleted); err != nil {
		return nil, storeError(ctx, "complete", sess.Key(), err)
	}
	next := sess.Clone()
	next.Status = store.StatusCompleted
	return next, nil
}

// Get loads an existing session. Unknown sessions return
// store.ErrSessionNotFound unwrapped.
func (s *ConversationService) Get(ctx context.Context, key store.SessionKey) (*store.Session, error) {
	sctx, cancel := s.storeContext(ctx)
	defer cancel()
	sess, err := s.repo.GetSession(sctx, key)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, store.ErrSessionNotFound
	}
	if err != nil {
		return nil, storeError(ctx, "load", key, err)
	}
	return sess, nil
}

// History returns the last limit user and assistant turns, oldest first.
// A limit <= 0 returns all of them.
func (s *ConversationService) History(ctx context.Context, key store.SessionKey, limit int) ([]store.Turn, error) {
	sess, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	turns := []store.Turn{}
	for _, t := range sess.Turns {
		if t.Role != store.RoleSystem {
			turns = append(turns, t)
		}
	}
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

func (s *ConversationService) Stats(ctx context.Context, key store.SessionKey) (*SessionStats, error) {
	sess, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	st := &SessionStats{
		ReferencedSections: append([]int{}, sess.ReferencedSections...),
		Status:             sess.Status,
		CreatedAt:          sess.CreatedAt,
		LastActivity:       sess.LastActivity,
		DurationSeconds:    int64(sess.LastActivity.Sub(sess.CreatedAt).Seconds()),
	}
	for _, t := range sess.Turns {
		switch t.Role {
		case store.RoleUser:
			st.UserMessages++
		case store.RoleAssistant:
			st.AssistantMessages++
		}
	}
	st.MessageCount = st.UserMessages + st.AssistantMessages
	return st, nil
}

// Acquire serializes work on one session. The returned release func must be
// called exactly once.
func (s *ConversationService) Acquire(ctx context.Context, key store.SessionKey) (func(), error) {
	return s.locks.acquire(ctx, key)
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

// sessionLocks hands out one lock per session key and forgets it once
// nobody holds or waits for it.
type sessionLocks struct {
	mu sync.Mutex
	m  map[store.SessionKey]*sessionLock
}

func (l *sessionLocks) acquire(ctx context.Context, key store.SessionKey) (func(), error) {
	l.mu.Lock()
	sl, ok := l.m[key]
	if !ok {
		sl = &sessionLock{ch: make(chan struct{}, 1)}
		l.m[key] = sl
	}
	sl.refs++
	l.mu.Unlock()

	select {
	case sl.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, sl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-sl.ch
			l.unref(key, sl)
		})
	}, nil
}

func (l *sessionLocks) unref(key store.SessionKey, sl *sessionLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(l.m, key)
	}
}

func (l *sessionLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
