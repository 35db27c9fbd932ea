package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mubarak-way/quran-assistant/internal/core"
	"github.com/mubarak-way/quran-assistant/internal/store"
)

type fakeAssistant struct {
	err      error
	lastKey  store.SessionKey
	lastText string
	lastLang string
	limit    int
	ended    bool
}

func (f *fakeAssistant) ProcessMessage(_ context.Context, key store.SessionKey, text string) (*core.Reply, error) {
	f.lastKey, f.lastText = key, text
	if f.err != nil {
		return nil, f.err
	}
	return &core.Reply{Answer: "answer to " + text, CitedPassages: []store.PassageRef{{SectionNumber: 2, ItemNumber: 155}}}, nil
}

func (f *fakeAssistant) QuickAnswer(_ context.Context, text, language string) (*core.Reply, error) {
	f.lastText, f.lastLang = text, language
	if f.err != nil {
		return nil, f.err
	}
	return &core.Reply{Answer: "quick"}, nil
}

func (f *fakeAssistant) History(_ context.Context, key store.SessionKey, limit int) ([]store.Turn, error) {
	f.lastKey, f.limit = key, limit
	if f.err != nil {
		return nil, f.err
	}
	return []store.Turn{{Role: store.RoleUser, Content: "q"}, {Role: store.RoleAssistant, Content: "a"}}, nil
}

func (f *fakeAssistant) EndConversation(_ context.Context, key store.SessionKey) error {
	f.lastKey = key
	f.ended = f.err == nil
	return f.err
}

func (f *fakeAssistant) Stats(_ context.Context, key store.SessionKey) (*core.SessionStats, error) {
	f.lastKey = key
	if f.err != nil {
		return nil, f.err
	}
	return &core.SessionStats{MessageCount: 4, ReferencedSections: []int{2}}, nil
}

type fakeBackend struct {
	available bool
	section   int
	language  string
	cleared   bool
}

func (b *fakeBackend) IsAvailable(context.Context) bool { return b.available }

func (b *fakeBackend) FetchSection(_ context.Context, section int, language string) []store.Passage {
	b.section, b.language = section, language
	return []store.Passage{{SectionNumber: section, ItemNumber: 1, RelevanceScore: 1}}
}

func (b *fakeBackend) ClearCache() { b.cleared = true }

// emptyBackend is a search backend that returns nothing, as when it is down.
type emptyBackend struct{ fakeBackend }

func (b *emptyBackend) FetchSection(context.Context, int, string) []store.Passage {
	return []store.Passage{}
}

type fakeSections struct {
	passages []store.Passage
	err      error
}

func (f *fakeSections) FetchSection(_ context.Context, section int) ([]store.Passage, error) {
	return f.passages, f.err
}

func newTestServer(t *testing.T, a Assistant, search SearchBackend) *httptest.Server {
	t.Helper()
	return newTestServerWithStore(t, a, search, nil)
}

func newTestServerWithStore(t *testing.T, a Assistant, search SearchBackend, local SectionStore) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(NewAPIHandler(a, search, local, zap.NewNop()), zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, userID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestPostMessage(t *testing.T) {
	a := &fakeAssistant{}
	srv := newTestServer(t, a, nil)

	resp := do(t, http.MethodPost, srv.URL+"/api/sessions/s1/messages", "tg_7", `{"content":"  what is patience? "}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply core.Reply
	decode(t, resp, &reply)
	assert.Equal(t, "answer to what is patience?", reply.Answer)
	assert.Equal(t, []store.PassageRef{{SectionNumber: 2, ItemNumber: 155}}, reply.CitedPassages)
	assert.Equal(t, store.SessionKey{UserID: "tg_7", SessionID: "s1"}, a.lastKey)
}

func TestPostMessageValidation(t *testing.T) {
	srv := newTestServer(t, &fakeAssistant{}, nil)
	url := srv.URL + "/api/sessions/s1/messages"

	tests := []struct {
		name   string
		userID string
		body   string
		want   int
	}{
		{"missing user", "", `{"content":"hi"}`, http.StatusBadRequest},
		{"bad json", "u", `{"content":`, http.StatusBadRequest},
		{"empty content", "u", `{"content":"   "}`, http.StatusBadRequest},
		{"too long", "u", fmt.Sprintf(`{"content":%q}`, strings.Repeat("a", maxMessageRunes+1)), http.StatusBadRequest},
		{"body over limit", "u", fmt.Sprintf(`{"content":%q}`, strings.Repeat(" ", maxBodyBytes)), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, http.MethodPost, url, tt.userID, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"store unavailable", fmt.Errorf("%w: append: %w", core.ErrConversationStore, errors.New("locked")), http.StatusServiceUnavailable},
		{"unknown session", store.ErrSessionNotFound, http.StatusNotFound},
		{"timeout", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeAssistant{err: tt.err}, nil)
			resp := do(t, http.MethodPost, srv.URL+"/api/sessions/s1/messages", "u", `{"content":"hi"}`)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}

	srv := newTestServer(t, &fakeAssistant{err: fmt.Errorf("%w: load: %w", core.ErrConversationStore, context.Canceled)}, nil)
	resp := do(t, http.MethodPost, srv.URL+"/api/sessions/s1/messages", "u", `{"content":"hi"}`)
	assert.NotEqual(t, http.StatusServiceUnavailable, resp.StatusCode, "a cancelled request is not a store outage")

	srv = newTestServer(t, &fakeAssistant{err: core.ErrConversationStore}, nil)
	resp = do(t, http.MethodPost, srv.URL+"/api/sessions/s1/messages", "u", `{"content":"hi"}`)
	var body map[string]string
	decode(t, resp, &body)
	assert.Equal(t, storeUnavailableMessage, body["error"])
}

func TestHistoryStatsAndComplete(t *testing.T) {
	a := &fakeAssistant{}
	srv := newTestServer(t, a, nil)

	resp := do(t, http.MethodGet, srv.URL+"/api/sessions/s9/history?limit=2", "u", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history HistoryResponse
	decode(t, resp, &history)
	assert.Equal(t, "s9", history.SessionID)
	assert.Len(t, history.Turns, 2)
	assert.Equal(t, 2, a.limit)

	resp = do(t, http.MethodGet, srv.URL+"/api/sessions/s9/history?limit=-1", "u", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/sessions/s9/stats/", "u", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats core.SessionStats
	decode(t, resp, &stats)
	assert.Equal(t, 4, stats.MessageCount)

	resp = do(t, http.MethodPost, srv.URL+"/api/sessions/s9/complete", "u", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, a.ended)
}

func TestAsk(t *testing.T) {
	a := &fakeAssistant{}
	srv := newTestServer(t, a, nil)

	resp := do(t, http.MethodPost, srv.URL+"/api/ask", "", `{"question":"What is sabr?","language":"EN"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "What is sabr?", a.lastText)
	assert.Equal(t, "en", a.lastLang)
}

func TestHealth(t *testing.T) {
	for _, tt := range []struct {
		search SearchBackend
		want   string
	}{
		{&fakeBackend{available: true}, "ok"},
		{&fakeBackend{available: false}, "unavailable"},
		{nil, "unavailable"},
	} {
		srv := newTestServer(t, &fakeAssistant{}, tt.search)
		resp := do(t, http.MethodGet, srv.URL+"/api/health", "", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body HealthResponse
		decode(t, resp, &body)
		assert.Equal(t, "ok", body.Status)
		assert.Equal(t, tt.want, body.SearchBackend)
	}
}

func TestSectionAndCache(t *testing.T) {
	b := &fakeBackend{}
	srv := newTestServer(t, &fakeAssistant{}, b)

	resp := do(t, http.MethodGet, srv.URL+"/api/sections/112?language=EN", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body SectionResponse
	decode(t, resp, &body)
	assert.Equal(t, 112, body.Section)
	assert.Len(t, body.Passages, 1)
	assert.Equal(t, "en", b.language)

	resp = do(t, http.MethodGet, srv.URL+"/api/sections/abc", "", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/api/cache", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, b.cleared)
}

func TestSectionFallsBackToLocalStore(t *testing.T) {
	local := &fakeSections{passages: []store.Passage{{SectionNumber: 112, ItemNumber: 1}, {SectionNumber: 112, ItemNumber: 2}}}
	srv := newTestServerWithStore(t, &fakeAssistant{}, &emptyBackend{}, local)

	resp := do(t, http.MethodGet, srv.URL+"/api/sections/112", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body SectionResponse
	decode(t, resp, &body)
	require.Len(t, body.Passages, 2)
	assert.Equal(t, 1.0, body.Passages[0].RelevanceScore)

	srv = newTestServerWithStore(t, &fakeAssistant{}, &emptyBackend{}, &fakeSections{err: errors.New("disk I/O error")})
	resp = do(t, http.MethodGet, srv.URL+"/api/sections/112", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &body)
	assert.Empty(t, body.Passages)
}
