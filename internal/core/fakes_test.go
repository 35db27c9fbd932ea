package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/mubarak-way/quran-assistant/internal/store"
)

type generateCall struct {
	SystemPrompt string
	Turns        []Message
}

type fakeGenerator struct {
	mu         sync.Mutex
	structured func(ctx context.Context, prompt string) (json.RawMessage, error)
	generate   func(ctx context.Context, turns []Message) (string, error)
	calls      []generateCall
}

func (g *fakeGenerator) Generate(ctx context.Context, systemPrompt string, turns []Message, _ int32, _ float32) (string, error) {
	g.mu.Lock()
	g.calls = append(g.calls, generateCall{SystemPrompt: systemPrompt, Turns: append([]Message(nil), turns...)})
	g.mu.Unlock()
	if g.generate == nil {
		return "answer", nil
	}
	return g.generate(ctx, turns)
}

func (g *fakeGenerator) GenerateStructured(ctx context.Context, _, prompt string) (json.RawMessage, error) {
	if g.structured == nil {
		return nil, errors.New("no analysis configured")
	}
	return g.structured(ctx, prompt)
}

func (g *fakeGenerator) lastCall() generateCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[len(g.calls)-1]
}

func analysisJSON(s string) func(context.Context, string) (json.RawMessage, error) {
	return func(context.Context, string) (json.RawMessage, error) { return json.RawMessage(s), nil }
}

type searchCall struct {
	Query string
	Limit int
}

type fakeSearcher struct {
	mu      sync.Mutex
	results func(query string, limit int) []store.Passage
	calls   []searchCall
}

func (f *fakeSearcher) Search(_ context.Context, query, _ string, limit int) []store.Passage {
	f.mu.Lock()
	f.calls = append(f.calls, searchCall{Query: query, Limit: limit})
	f.mu.Unlock()
	if f.results == nil {
		return []store.Passage{}
	}
	return f.results(query, limit)
}

func (f *fakeSearcher) searches() []searchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]searchCall(nil), f.calls...)
}

type fakeContent struct {
	items      map[store.PassageRef]store.Passage
	fetchErr   error
	text       []store.Passage
	textErr    error
	textCalls  [][]string
	fetchCalls int
}

func (f *fakeContent) FetchItem(_ context.Context, section, item int) (*store.Passage, error) {
	f.fetchCalls++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	p, ok := f.items[store.PassageRef{SectionNumber: section, ItemNumber: item}]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *fakeContent) SearchText(_ context.Context, keywords []string, limit int) ([]store.Passage, error) {
	f.textCalls = append(f.textCalls, keywords)
	if f.textErr != nil {
		return nil, f.textErr
	}
	if len(f.text) > limit {
		return f.text[:limit], nil
	}
	return f.text, nil
}

// memRepo is an in-memory ConversationRepository.
type memRepo struct {
	mu        sync.Mutex
	sessions  map[store.SessionKey]*store.Session
	getErr    error
	appendErr error
	appends   int
}

func newMemRepo() *memRepo {
	return &memRepo{sessions: make(map[store.SessionKey]*store.Session)}
}

func (r *memRepo) GetSession(_ context.Context, key store.SessionKey) (*store.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	s, ok := r.sessions[key]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (r *memRepo) CreateSession(_ context.Context, sess *store.Session) (*store.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sess.Key()]; ok {
		return s.Clone(), nil
	}
	r.sessions[sess.Key()] = sess.Clone()
	return sess.Clone(), nil
}

func (r *memRepo) AppendTurns(_ context.Context, key store.SessionKey, turns []store.Turn, sections []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.appendErr != nil {
		return r.appendErr
	}
	s, ok := r.sessions[key]
	if !ok {
		return store.ErrSessionNotFound
	}
	r.appends++
	s.Turns = append(s.Turns, turns...)
	s.ReferencedSections = store.MergeSections(s.ReferencedSections, sections...)
	s.LastActivity = turns[len(turns)-1].Timestamp
	return nil
}

func (r *memRepo) SetStatus(_ context.Context, key store.SessionKey, status store.SessionStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return store.ErrSessionNotFound
	}
	s.Status = status
	return nil
}

func (r *memRepo) turns(key store.SessionKey) []store.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return nil
	}
	return append([]store.Turn(nil), s.Turns...)
}

func passage(section, item int, score float64) store.Passage {
	return store.Passage{SectionNumber: section, ItemNumber: item, TranslatedText: "text", RelevanceScore: score}
}

func refsOf(ps []store.Passage) []store.PassageRef {
	out := make([]store.PassageRef, len(ps))
	for i, p := range ps {
		out[i] = p.Ref()
	}
	return out
}
