package core

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mubarak-way/quran-assistant/internal/retrieval"
	"github.com/mubarak-way/quran-assistant/internal/store"
	"github.com/mubarak-way/quran-assistant/internal/utils"
)

// Searcher is the external full-text search. Implementations fail soft and
// return an empty slice instead of an error.
type Searcher interface {
	Search(ctx context.Context, query, language string, limit int) []store.Passage
}

// ContentStore is the authoritative local copy of the text.
type ContentStore interface {
	FetchItem(ctx context.Context, section, item int) (*store.Passage, error)
	SearchText(ctx context.Context, keywords []string, limit int) ([]store.Passage, error)
}

type GatherOptions struct {
	Target        int
	PrimaryLimit  int
	PrimaryTake   int
	BroadenBelow  int
	TopicLimit    int
	TopicWeight   float64
	FallbackScore float64
	FallbackLimit int
	// Messages of at most this many words borrow the previous user
	// message when tokenized as a keyword fallback.
	FollowUpWords int
	StoreTimeout  time.Duration
}

func DefaultGatherOptions() GatherOptions {
	return GatherOptions{
		Target:        10,
		PrimaryLimit:  20,
		PrimaryTake:   10,
		BroadenBelow:  5,
		TopicLimit:    15,
		TopicWeight:   0.8,
		FallbackScore: 0.3,
		FallbackLimit: 5,
		FollowUpWords: 2,
		StoreTimeout:  5 * time.Second,
	}
}

type GatheredContext struct {
	Passages           []store.Passage `json:"passages"`
	ReferencedSections []int           `json:"referenced_sections"`
}

type ContextService struct {
	search  Searcher
	content ContentStore
	opts    GatherOptions
	log     *zap.Logger
}

func NewContextService(search Searcher, content ContentStore, opts GatherOptions, log *zap.Logger) *ContextService {
	return &ContextService{search: search, content: content, opts: opts, log: log.Named("gatherer")}
}

// passageSet keeps the first occurrence of each passage and stops accepting
// once full.
type passageSet struct {
	items []store.Passage
	seen  map[store.PassageRef]struct{}
	limit int
}

func newPassageSet(limit int) *passageSet {
	return &passageSet{items: []store.Passage{}, seen: make(map[store.PassageRef]struct{}), limit: limit}
}

func (ps *passageSet) full() bool { return len(ps.items) >= ps.limit }

func (ps *passageSet) add(p store.Passage) bool {
	if ps.full() {
		return false
	}
	if _, ok := ps.seen[p.Ref()]; ok {
		return false
	}
	ps.seen[p.Ref()] = struct{}{}
	ps.items = append(ps.items, p)
	return true
}

// Gather runs the retrieval chain: explicit citations, primary keyword
// search, topic search, then the local text fallback. Each step runs only
// while the result set is below target. It never fails; missing sources
// just leave the result smaller.
func (s *ContextService) Gather(ctx context.Context, rawText string, analysis QueryAnalysis, priorTurns []store.Turn) GatheredContext {
	ctx, span := tracer.Start(ctx, "ContextService.Gather")
	defer span.End()

	set := newPassageSet(s.opts.Target)
	terms := analysis.SearchTerms()
	keywords := analysis.Keywords
	if analysis.IsEmpty() {
		keywords = s.fallbackKeywords(rawText, priorTurns)
		terms = keywords
		s.log.Debug("analysis empty, tokenized raw text", zap.Strings("keywords", keywords))
	}

	for _, ref := range analysis.CitedReferences {
		if set.full() {
			break
		}
		p, err := s.fetchItem(ctx, ref)
		if err != nil {
			s.log.Warn("citation lookup failed", zap.Int("section", ref.SectionNumber), zap.Int("item", ref.ItemNumber), zap.Error(err))
			continue
		}
		if p == nil {
			s.log.Debug("cited passage not found", zap.Int("section", ref.SectionNumber), zap.Int("item", ref.ItemNumber))
			continue
		}
		p.RelevanceScore = 1.0
		set.add(*p)
	}
	afterCitations := len(set.items)

	if len(terms) > 0 && !set.full() {
		hits := retrieval.NormalizeScores(s.search.Search(ctx, strings.Join(terms, " "), analysis.Language, s.opts.PrimaryLimit))
		added := 0
		for _, h := range hits {
			if added >= s.opts.PrimaryTake || set.full() {
				break
			}
			if set.add(h) {
				added++
			}
		}
	}
	afterPrimary := len(set.items)

	if len(set.items) < s.opts.BroadenBelow && len(analysis.Topics) > 0 && !set.full() {
		hits := retrieval.NormalizeScores(s.search.Search(ctx, strings.Join(analysis.Topics, " "), analysis.Language, s.opts.TopicLimit))
		for _, h := range hits {
			if set.full() {
				break
			}
			h.RelevanceScore *= s.opts.TopicWeight
			set.add(h)
		}
	}
	afterTopics := len(set.items)

	if len(set.items) == 0 && len(keywords) > 0 {
		for _, p := range s.searchLocal(ctx, keywords) {
			p.RelevanceScore = s.opts.FallbackScore
			set.add(p)
		}
	}

	slices.SortStableFunc(set.items, func(a, b store.Passage) int {
		return cmp.Compare(b.RelevanceScore, a.RelevanceScore)
	})

	gc := GatheredContext{Passages: set.items, ReferencedSections: []int{}}
	if len(gc.Passages) > 0 {
		sections := make([]int, 0, len(gc.Passages)+len(analysis.CitedReferences)+len(analysis.MentionedSections))
		for _, r := range analysis.CitedReferences {
			sections = append(sections, r.SectionNumber)
		}
		sections = append(sections, analysis.MentionedSections...)
		for _, p := range gc.Passages {
			sections = append(sections, p.SectionNumber)
		}
		gc.ReferencedSections = store.MergeSections(nil, sections...)
	}

	s.log.Debug("context gathered",
		zap.Int("citations", afterCitations),
		zap.Int("primary", afterPrimary-afterCitations),
		zap.Int("topics", afterTopics-afterPrimary),
		zap.Int("fallback", len(gc.Passages)-afterTopics),
		zap.Ints("sections", gc.ReferencedSections))
	span.SetAttributes(attribute.Int("passages", len(gc.Passages)))
	return gc
}

func (s *ContextService) fallbackKeywords(rawText string, priorTurns []store.Turn) []string {
	text := rawText
	if utils.IsShortFollowUp(rawText, s.opts.FollowUpWords) {
		for i := len(priorTurns) - 1; i >= 0; i-- {
			if priorTurns[i].Role == store.RoleUser {
				text = priorTurns[i].Content + " " + rawText
				break
			}
		}
	}
	return utils.Tokenize(text)
}

func (s *ContextService) fetchItem(ctx context.Context, ref store.PassageRef) (*store.Passage, error) {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	return s.content.FetchItem(ctx, ref.SectionNumber, ref.ItemNumber)
}

func (s *ContextService) searchLocal(ctx context.Context, keywords []string) []store.Passage {
	ctx, cancel := s.storeContext(ctx)
	defer cancel()
	found, err := s.content.SearchText(ctx, keywords, s.opts.FallbackLimit)
	if err != nil {
		s.log.Warn("local fallback search failed", zap.Error(err))
		return nil
	}
	return found
}

func (s *ContextService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.StoreTimeout)
}
