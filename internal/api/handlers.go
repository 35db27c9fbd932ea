package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mubarak-way/quran-assistant/internal/core"
	"github.com/mubarak-way/quran-assistant/internal/store"
)

const (
	maxMessageRunes = 4000
	maxBodyBytes    = 64 << 10
	userIDHeader    = "X-User-ID"

	storeUnavailableMessage = "Your conversation could not be saved, please try again."
)

// Assistant is the part of core.ChatService the handlers use.
type Assistant interface {
	ProcessMessage(ctx context.Context, key store.SessionKey, text string) (*core.Reply, error)
	QuickAnswer(ctx context.Context, text, language string) (*core.Reply, error)
	History(ctx context.Context, key store.SessionKey, limit int) ([]store.Turn, error)
	EndConversation(ctx context.Context, key store.SessionKey) error
	Stats(ctx context.Context, key store.SessionKey) (*core.SessionStats, error)
}

// SearchBackend is the part of retrieval.Proxy the handlers use.
type SearchBackend interface {
	IsAvailable(ctx context.Context) bool
	FetchSection(ctx context.Context, section int, language string) []store.Passage
	ClearCache()
}

// SectionStore is the local copy of the text, used when the search backend
// has nothing for a section.
type SectionStore interface {
	FetchSection(ctx context.Context, section int) ([]store.Passage, error)
}

type contextKey string

const userIDKey contextKey = "userID"

type APIHandler struct {
	assistant Assistant
	search    SearchBackend
	local     SectionStore
	log       *zap.Logger
}

func NewAPIHandler(a Assistant, search SearchBackend, local SectionStore, log *zap.Logger) *APIHandler {
	return &APIHandler{assistant: a, search: search, local: local, log: log.Named("api")}
}

// UserIdentityMiddleware takes the caller's id from the X-User-ID header.
// Authentication happens upstream.
func (h *APIHandler) UserIdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(userIDHeader))
		if userID == "" {
			writeError(w, http.StatusBadRequest, userIDHeader+" header is required")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func sessionKey(r *http.Request) store.SessionKey {
	userID, _ := r.Context().Value(userIDKey).(string)
	return store.SessionKey{UserID: userID, SessionID: chi.URLParam(r, "sessionID")}
}

type PostMessageRequest struct {
	Content string `json:"content"`
}

func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)

	var req PostMessageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if msg := validateText(req.Content); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	reply, err := h.assistant.ProcessMessage(r.Context(), key, strings.TrimSpace(req.Content))
	if err != nil {
		h.handleServiceError(w, r, err, "Failed to process message")
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

type HistoryResponse struct {
	SessionID string       `json:"session_id"`
	Turns     []store.Turn `json:"turns"`
}

func (h *APIHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	turns, err := h.assistant.History(r.Context(), key, limit)
	if err != nil {
		h.handleServiceError(w, r, err, "Failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{SessionID: key.SessionID, Turns: turns})
}

func (h *APIHandler) CompleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.assistant.EndConversation(r.Context(), sessionKey(r)); err != nil {
		h.handleServiceError(w, r, err, "Failed to complete session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.assistant.Stats(r.Context(), sessionKey(r))
	if err != nil {
		h.handleServiceError(w, r, err, "Failed to load session stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type AskRequest struct {
	Question string `json:"question"`
	Language string `json:"language,omitempty"`
}

func (h *APIHandler) AskHandler(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if msg := validateText(req.Question); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	reply, err := h.assistant.QuickAnswer(r.Context(), strings.TrimSpace(req.Question), strings.ToLower(req.Language))
	if err != nil {
		h.handleServiceError(w, r, err, "Failed to answer question")
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

type HealthResponse struct {
	Status        string `json:"status"`
	SearchBackend string `json:"search_backend"`
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", SearchBackend: "unavailable"}
	if h.search != nil && h.search.IsAvailable(r.Context()) {
		resp.SearchBackend = "ok"
	}
	writeJSON(w, http.StatusOK, resp)
}

type SectionResponse struct {
	Section  int             `json:"section"`
	Language string          `json:"language"`
	Passages []store.Passage `json:"passages"`
}

// SectionHandler returns every passage of one section from the search
// backend, or from the local store when the backend has nothing.
func (h *APIHandler) SectionHandler(w http.ResponseWriter, r *http.Request) {
	section, err := strconv.Atoi(chi.URLParam(r, "section"))
	if err != nil || section <= 0 {
		writeError(w, http.StatusBadRequest, "section must be a positive integer")
		return
	}
	language := strings.ToLower(r.URL.Query().Get("language"))

	passages := []store.Passage{}
	if h.search != nil {
		passages = h.search.FetchSection(r.Context(), section, language)
	}
	if len(passages) == 0 && h.local != nil {
		local, err := h.local.FetchSection(r.Context(), section)
		if err != nil {
			h.log.Warn("local section lookup failed", zap.Int("section", section), zap.Error(err))
		} else {
			for i := range local {
				local[i].RelevanceScore = 1.0
			}
			passages = local
		}
	}
	writeJSON(w, http.StatusOK, SectionResponse{Section: section, Language: language, Passages: passages})
}

func (h *APIHandler) ClearCacheHandler(w http.ResponseWriter, r *http.Request) {
	if h.search != nil {
		h.search.ClearCache()
		h.log.Info("retrieval cache cleared")
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateText(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return "Message content cannot be empty"
	case utf8.RuneCountInString(s) > maxMessageRunes:
		return "Message content is too long"
	}
	return ""
}

func (h *APIHandler) handleServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, context.Canceled):
		h.log.Info("request cancelled by client", zap.String("path", r.URL.Path))
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, core.ErrConversationStore):
		h.log.Error("conversation store failure", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, storeUnavailableMessage)
	case errors.Is(err, context.DeadlineExceeded):
		h.log.Warn("request timed out", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, "The request took too long, please try again.")
	default:
		h.log.Error(msg, zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
