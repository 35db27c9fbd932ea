package retrieval

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mubarak-way/quran-assistant/internal/store"
)

// Field precedence for backend hits. The first non-empty path wins; every
// path is also tried under "_source." for raw Elasticsearch documents.
var (
	hitListPaths     = []string{"hits.hits", "hits", "results", "ayahs", "items"}
	sectionFields    = []string{"surah_number", "surahNumber", "section_number", "sectionNumber", "surah"}
	itemFields       = []string{"ayah_number", "ayahNumber", "item_number", "itemNumber", "verse_number", "ayah"}
	primaryFields    = []string{"arabic_text", "arabicText", "text_arabic", "textArabic", "text"}
	translatedFields = []string{"translation", "translated_text", "translatedText", "text"}
	scoreFields      = []string{"score", "_score", "relevance"}
)

// normalizeHits extracts passages from a backend response body. fallbackSection
// is used when a hit carries no section number (section fetches).
func normalizeHits(body []byte, fallbackSection int) ([]store.Passage, bool) {
	if !gjson.ValidBytes(body) {
		return nil, false
	}
	root := gjson.ParseBytes(body)

	var list gjson.Result
	for _, p := range hitListPaths {
		if r := root.Get(p); r.IsArray() {
			list = r
			break
		}
	}
	if !list.Exists() {
		return nil, false
	}

	passages := []store.Passage{}
	list.ForEach(func(_, hit gjson.Result) bool {
		p := store.Passage{
			SectionNumber:  int(firstNumber(hit, sectionFields)),
			ItemNumber:     int(firstNumber(hit, itemFields)),
			PrimaryText:    firstString(hit, primaryFields),
			TranslatedText: firstString(hit, translatedFields),
			RelevanceScore: firstNumber(hit, scoreFields),
		}
		if p.SectionNumber <= 0 {
			p.SectionNumber = fallbackSection
		}
		if p.SectionNumber > 0 && p.ItemNumber > 0 {
			passages = append(passages, p)
		}
		return true
	})
	return passages, true
}

func lookup(hit gjson.Result, field string) gjson.Result {
	if r := hit.Get(field); r.Exists() {
		return r
	}
	return hit.Get("_source." + field)
}

func firstNumber(hit gjson.Result, fields []string) float64 {
	for _, f := range fields {
		r := lookup(hit, f)
		switch r.Type {
		case gjson.Number:
			if r.Float() != 0 {
				return r.Float()
			}
		case gjson.String:
			if v := gjson.Parse(strings.TrimSpace(r.Str)); v.Type == gjson.Number && v.Float() != 0 {
				return v.Float()
			}
		}
	}
	return 0
}

func firstString(hit gjson.Result, fields []string) string {
	for _, f := range fields {
		if r := lookup(hit, f); r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return ""
}

// NormalizeScores rescales scores into [0,1] when the backend reports on a
// larger scale (e.g. BM25). Scores already in range are left alone.
func NormalizeScores(passages []store.Passage) []store.Passage {
	max := 0.0
	for _, p := range passages {
		if p.RelevanceScore > max {
			max = p.RelevanceScore
		}
	}
	out := make([]store.Passage, len(passages))
	copy(out, passages)
	if max <= 1 {
		return out
	}
	for i := range out {
		out[i].RelevanceScore /= max
	}
	return out
}
