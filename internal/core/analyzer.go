package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mubarak-way/quran-assistant/internal/store"
	"github.com/mubarak-way/quran-assistant/internal/utils"
)

type Intent string

const (
	IntentQuestion    Intent = "question"
	IntentExplanation Intent = "explanation"
	IntentSearch      Intent = "search"
	IntentGuidance    Intent = "guidance"
	IntentGeneral     Intent = "general"
)

// QueryAnalysis is the structured reading of one user message.
// Collections are never nil.
type QueryAnalysis struct {
	Intent                 Intent             `json:"intent"`
	Topics                 []string           `json:"topics"`
	CitedReferences        []store.PassageRef `json:"cited_references"`
	MentionedSections      []int              `json:"mentioned_sections"`
	Keywords               []string           `json:"keywords"`
	Synonyms               []string           `json:"synonyms"`
	TransliteratedKeywords []string           `json:"transliterated_keywords"`
	Language               string             `json:"language"`
}

func DefaultAnalysis(language string) QueryAnalysis {
	a := QueryAnalysis{Intent: IntentGeneral, Language: language}
	a.Normalize(language)
	return a
}

// Normalize replaces nil collections with empty ones, deduplicates them and
// fills in the intent and language defaults.
func (a *QueryAnalysis) Normalize(defaultLanguage string) {
	if a.Intent == "" {
		a.Intent = IntentGeneral
	}
	a.Language = strings.ToLower(strings.TrimSpace(a.Language))
	if a.Language == "" {
		a.Language = defaultLanguage
	}
	a.Topics = utils.UniqueStrings(a.Topics)
	a.Keywords = utils.UniqueStrings(a.Keywords)
	a.Synonyms = utils.UniqueStrings(a.Synonyms)
	a.TransliteratedKeywords = utils.UniqueStrings(a.TransliteratedKeywords)
	a.CitedReferences = uniqueRefs(a.CitedReferences)
	a.MentionedSections = uniqueInts(a.MentionedSections)
}

// truncate bounds every list so one verbose reply cannot flood retrieval.
func (a *QueryAnalysis) truncate() {
	a.Topics = firstN(boundTerms(a.Topics), maxTopics)
	a.Keywords = firstN(boundTerms(a.Keywords), maxTerms)
	a.Synonyms = firstN(boundTerms(a.Synonyms), maxTerms)
	a.TransliteratedKeywords = firstN(boundTerms(a.TransliteratedKeywords), maxTerms)
	a.CitedReferences = firstN(a.CitedReferences, maxCitations)
	a.MentionedSections = firstN(a.MentionedSections, maxCitations)
}

func firstN[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func boundTerms(terms []string) []string {
	for i, t := range terms {
		if utf8.RuneCountInString(t) > maxTermRunes {
			terms[i] = string([]rune(t)[:maxTermRunes])
		}
	}
	return terms
}

// SearchTerms returns keywords, then synonyms, then transliterations.
func (a QueryAnalysis) SearchTerms() []string {
	return utils.UniqueStrings(a.Keywords, a.Synonyms, a.TransliteratedKeywords)
}

// IsEmpty reports whether the analysis carries nothing to retrieve with.
func (a QueryAnalysis) IsEmpty() bool {
	return len(a.Keywords) == 0 && len(a.Synonyms) == 0 && len(a.TransliteratedKeywords) == 0 &&
		len(a.Topics) == 0 && len(a.CitedReferences) == 0
}

type citationPayload struct {
	Section int `json:"section" validate:"gt=0"`
	Item    int `json:"item" validate:"gt=0"`
}

// analysisPayload checks shape only. Oversized lists are truncated and
// non-positive section numbers dropped after decoding.
type analysisPayload struct {
	Intent            string            `json:"intent" validate:"omitempty,oneof=question explanation search guidance general"`
	Topics            []string          `json:"topics"`
	MentionedSections []int             `json:"mentioned_sections"`
	CitedReferences   []citationPayload `json:"cited_references" validate:"dive"`
	Keywords          []string          `json:"keywords"`
	Synonyms          []string          `json:"synonyms"`
	Transliterations  []string          `json:"transliterations"`
	Language          string            `json:"language"`
}

const (
	maxTopics    = 10
	maxTerms     = 20
	maxCitations = 20
	maxTermRunes = 120
)

const analysisInstruction = `You analyse questions sent to a Quran study assistant.
Reply with exactly one JSON object and nothing else, using this shape:
{
  "intent": "question" | "explanation" | "search" | "guidance" | "general",
  "topics": [short topic labels, most relevant first],
  "mentioned_sections": [surah numbers named without a specific ayah],
  "cited_references": [{"section": surah number, "item": ayah number}],
  "keywords": [search keywords in the language of the question],
  "synonyms": [synonyms of the keywords],
  "transliterations": [Arabic terms in Latin transliteration, e.g. "sabr", "sawm"],
  "language": two-letter code of the question's language
}
Use empty arrays when nothing applies. Never invent references the user did not name.`

type QueryAnalyzer struct {
	gen             Generator
	defaultLanguage string
	timeout         time.Duration
	validate        *validator.Validate
	log             *zap.Logger
}

func NewQueryAnalyzer(gen Generator, defaultLanguage string, timeout time.Duration, log *zap.Logger) *QueryAnalyzer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &QueryAnalyzer{
		gen:             gen,
		defaultLanguage: defaultLanguage,
		timeout:         timeout,
		validate:        validator.New(validator.WithRequiredStructEnabled()),
		log:             log.Named("analyzer"),
	}
}

// Analyze never fails: any generator or decoding problem yields
// DefaultAnalysis and a warning.
func (qa *QueryAnalyzer) Analyze(ctx context.Context, text string) QueryAnalysis {
	ctx, span := tracer.Start(ctx, "QueryAnalyzer.Analyze")
	defer span.End()

	a, err := qa.analyze(ctx, text)
	if err != nil {
		qa.log.Warn("query analysis failed, using defaults", zap.Error(err))
		span.RecordError(err)
		return DefaultAnalysis(qa.defaultLanguage)
	}

	cited, mentioned := ParseCitations(text)
	a.CitedReferences = append(a.CitedReferences, cited...)
	a.MentionedSections = append(a.MentionedSections, mentioned...)
	a.Normalize(qa.defaultLanguage)
	a.truncate()

	span.SetAttributes(
		attribute.String("intent", string(a.Intent)),
		attribute.Int("citations", len(a.CitedReferences)),
		attribute.Int("keywords", len(a.Keywords)),
	)
	return a
}

func (qa *QueryAnalyzer) analyze(ctx context.Context, text string) (QueryAnalysis, error) {
	ctx, cancel := context.WithTimeout(ctx, qa.timeout)
	defer cancel()

	raw, err := qa.gen.GenerateStructured(ctx, analysisInstruction, "Question: "+text)
	if err != nil {
		return QueryAnalysis{}, fmt.Errorf("generator: %w", err)
	}

	var p analysisPayload
	if err := json.Unmarshal(extractJSONObject(raw), &p); err != nil {
		return QueryAnalysis{}, fmt.Errorf("malformed analysis json: %w", err)
	}
	if err := qa.validate.Struct(p); err != nil {
		return QueryAnalysis{}, fmt.Errorf("analysis schema mismatch: %w", err)
	}

	a := QueryAnalysis{
		Intent:                 Intent(p.Intent),
		Topics:                 p.Topics,
		MentionedSections:      p.MentionedSections,
		Keywords:               p.Keywords,
		Synonyms:               p.Synonyms,
		TransliteratedKeywords: p.Transliterations,
		Language:               p.Language,
	}
	for _, c := range p.CitedReferences {
		a.CitedReferences = append(a.CitedReferences, store.PassageRef{SectionNumber: c.Section, ItemNumber: c.Item})
	}
	return a, nil
}

// extractJSONObject strips markdown fences or chatter around the first
// top-level JSON object in raw.
func extractJSONObject(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return []byte(s)
	}
	return []byte(s[start : end+1])
}

func uniqueRefs(refs []store.PassageRef) []store.PassageRef {
	out := make([]store.PassageRef, 0, len(refs))
	seen := make(map[store.PassageRef]struct{}, len(refs))
	for _, r := range refs {
		if r.SectionNumber <= 0 || r.ItemNumber <= 0 {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func uniqueInts(a []int) []int {
	out := make([]int, 0, len(a))
	seen := make(map[int]struct{}, len(a))
	for _, v := range a {
		if v <= 0 {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
