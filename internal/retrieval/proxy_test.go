package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mubarak-way/quran-assistant/internal/cache"
	"github.com/mubarak-way/quran-assistant/internal/store"
)

type fakeBackend struct {
	*httptest.Server
	searches atomic.Int32
	sections atomic.Int32
	lastBody atomic.Value
	lastAuth atomic.Value
}

func newFakeBackend(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{}
	fb.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search":
			fb.searches.Add(1)
		case "/surah":
			fb.sections.Add(1)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body != nil {
			fb.lastBody.Store(body)
		}
		fb.lastAuth.Store(r.Header.Get("Authorization"))
		handler(w, r)
	}))
	t.Cleanup(fb.Close)
	return fb
}

func newTestProxy(url string, opts Options) *Proxy {
	opts.BaseURL = url
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = "ru"
	}
	return New(opts, cache.New(cache.DefaultOptions()), zap.NewNop(), nil)
}

func writeJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func TestSearchServesRepeatCallsFromCache(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"hits":[{"surah_number":2,"ayah_number":153,"translation":"patience","score":0.9}]}`)
	})
	p := newTestProxy(fb.URL, Options{Token: "secret"})
	ctx := context.Background()

	first := p.Search(ctx, "Patience", "en", 20)
	second := p.Search(ctx, "  patience ", "EN", 20)

	require.Len(t, first, 1)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, fb.searches.Load())
	assert.Equal(t, "Bearer secret", fb.lastAuth.Load())

	body := fb.lastBody.Load().(map[string]any)
	assert.Equal(t, "Patience", body["query"])
	assert.EqualValues(t, 131, body["edition"])
	assert.EqualValues(t, 20, body["size"])

	p.ClearCache()
	p.Search(ctx, "patience", "en", 20)
	assert.EqualValues(t, 2, fb.searches.Load())
}

func TestSearchCoalescesConcurrentMisses(t *testing.T) {
	release := make(chan struct{})
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeJSON(w, `{"results":[{"surahNumber":1,"ayahNumber":1,"_score":3}]}`)
	})
	p := newTestProxy(fb.URL, Options{})

	var wg sync.WaitGroup
	results := make([][]store.Passage, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Search(context.Background(), "mercy", "ru", 20)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, fb.searches.Load())
	for _, r := range results {
		require.Len(t, r, 1)
		assert.Equal(t, 1.0, r[0].RelevanceScore)
	}
}

func TestSearchFailsSoft(t *testing.T) {
	tests := []struct {
		name    string
		handler func(w http.ResponseWriter, r *http.Request)
		calls   int32
	}{
		{"server error is retried", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}, 2},
		{"client error is not retried", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}, 1},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, `{"hits": [`)
		}, 1},
		{"unknown shape", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, `{"data": {"rows": []}}`)
		}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := newFakeBackend(t, tt.handler)
			p := newTestProxy(fb.URL, Options{Retries: 1})

			got := p.Search(context.Background(), "fasting", "ru", 20)
			assert.NotNil(t, got)
			assert.Empty(t, got)
			assert.Equal(t, tt.calls, fb.searches.Load())

			// failures are not cached
			p.Search(context.Background(), "fasting", "ru", 20)
			assert.Equal(t, 2*tt.calls, fb.searches.Load())
		})
	}
}

func TestSearchTimesOut(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	p := newTestProxy(fb.URL, Options{SearchTimeout: 50 * time.Millisecond})

	start := time.Now()
	got := p.Search(context.Background(), "fasting", "ru", 20)
	assert.Empty(t, got)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSearchUnreachableBackend(t *testing.T) {
	p := newTestProxy("http://127.0.0.1:1", Options{SearchTimeout: time.Second})
	assert.Empty(t, p.Search(context.Background(), "fasting", "ru", 20))
	assert.False(t, p.IsAvailable(context.Background()))
}

func TestSearchSkipsEmptyQuery(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"hits":[]}`)
	})
	p := newTestProxy(fb.URL, Options{})
	assert.Empty(t, p.Search(context.Background(), "   ", "ru", 20))
	assert.EqualValues(t, 0, fb.searches.Load())
}

func TestFetchSection(t *testing.T) {
	fb := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, `{"ayahs":[
			{"ayah":1,"arabicText":"قُلْ","translation":"Say"},
			{"ayah":2,"arabicText":"اللَّهُ","translation":"Allah"}
		]}`)
	})
	p := newTestProxy(fb.URL, Options{})

	got := p.FetchSection(context.Background(), 112, "xx")
	require.Len(t, got, 2)
	assert.Equal(t, store.Passage{SectionNumber: 112, ItemNumber: 1, PrimaryText: "قُلْ", TranslatedText: "Say", RelevanceScore: 1}, got[0])

	body := fb.lastBody.Load().(map[string]any)
	assert.EqualValues(t, 112, body["surahNumber"])
	assert.EqualValues(t, 79, body["edition"], "unknown language uses the default edition")

	p.FetchSection(context.Background(), 112, "xx")
	assert.EqualValues(t, 1, fb.sections.Load())
}

func TestIsAvailable(t *testing.T) {
	healthy := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		writeJSON(w, `{"status":"ok"}`)
	})
	assert.True(t, newTestProxy(healthy.URL, Options{}).IsAvailable(context.Background()))

	down := newFakeBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	assert.False(t, newTestProxy(down.URL, Options{}).IsAvailable(context.Background()))
}

func TestEditionFor(t *testing.T) {
	assert.Equal(t, 131, EditionFor("EN", "ru"))
	assert.Equal(t, 113, EditionFor("kk", "ru"))
	assert.Equal(t, 131, EditionFor("de", "en"))
	assert.Equal(t, 79, EditionFor("de", "zz"))
}
