package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mubarak-way/quran-assistant/internal/store"
)

func TestNormalizeHitsFieldConventions(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []store.Passage
	}{
		{
			name: "snake case",
			body: `{"hits":[{"surah_number":2,"ayah_number":155,"arabic_text":"ar","translation":"tr","score":0.7}]}`,
			want: []store.Passage{{SectionNumber: 2, ItemNumber: 155, PrimaryText: "ar", TranslatedText: "tr", RelevanceScore: 0.7}},
		},
		{
			name: "camel case under results",
			body: `{"results":[{"surahNumber":3,"ayahNumber":200,"textArabic":"ar","translatedText":"tr","relevance":0.4}]}`,
			want: []store.Passage{{SectionNumber: 3, ItemNumber: 200, PrimaryText: "ar", TranslatedText: "tr", RelevanceScore: 0.4}},
		},
		{
			name: "elasticsearch envelope",
			body: `{"hits":{"total":1,"hits":[{"_score":12.5,"_source":{"section_number":"103","verse_number":"3","text":"wal asr"}}]}}`,
			want: []store.Passage{{SectionNumber: 103, ItemNumber: 3, PrimaryText: "wal asr", TranslatedText: "wal asr", RelevanceScore: 12.5}},
		},
		{
			name: "items with generic names",
			body: `{"items":[{"surah":1,"ayah":7,"text_arabic":"ar"}]}`,
			want: []store.Passage{{SectionNumber: 1, ItemNumber: 7, PrimaryText: "ar"}},
		},
		{
			name: "hits without positive numbers are dropped",
			body: `{"hits":[{"surah_number":0,"ayah_number":1},{"surah_number":2},{"surah_number":-1,"ayah_number":4},{"surah_number":2,"ayah_number":1}]}`,
			want: []store.Passage{{SectionNumber: 2, ItemNumber: 1}},
		},
		{
			name: "empty list",
			body: `{"hits":[]}`,
			want: []store.Passage{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := normalizeHits([]byte(tt.body), 0)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeHitsRejectsUnknownBodies(t *testing.T) {
	for _, body := range []string{``, `not json`, `{"data":[]}`, `{"hits":"none"}`} {
		_, ok := normalizeHits([]byte(body), 0)
		assert.False(t, ok, body)
	}
}

func TestNormalizeScores(t *testing.T) {
	in := []store.Passage{{RelevanceScore: 8}, {RelevanceScore: 4}, {RelevanceScore: 2}}
	got := NormalizeScores(in)
	assert.Equal(t, []float64{1, 0.5, 0.25}, []float64{got[0].RelevanceScore, got[1].RelevanceScore, got[2].RelevanceScore})
	assert.Equal(t, 8.0, in[0].RelevanceScore, "input is not modified")

	inRange := []store.Passage{{RelevanceScore: 0.9}, {RelevanceScore: 0.3}}
	assert.Equal(t, inRange, NormalizeScores(inRange))
	assert.Empty(t, NormalizeScores(nil))
}
