// Package retrieval talks to the external full-text search backend. Every
// call goes through the shared RetrievalCache and fails soft: callers get an
// empty result, never an error, so the gatherer can move on to the next source.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mubarak-way/quran-assistant/internal/cache"
	"github.com/mubarak-way/quran-assistant/internal/store"
)

const (
	maxResponseBytes = 8 << 20
	defaultHitScore  = 0.5
	sectionHitScore  = 1.0
	retryDelay       = 200 * time.Millisecond
)

// editions maps a language code to the backend's translation edition id.
var editions = map[string]int{
	"ar": 4,
	"ru": 79,
	"en": 131,
	"tr": 77,
	"uz": 138,
	"kk": 113,
	"fa": 35,
}

// EditionFor returns the edition id for language, falling back to the
// edition of defaultLanguage and finally to Russian.
func EditionFor(language, defaultLanguage string) int {
	if id, ok := editions[strings.ToLower(language)]; ok {
		return id
	}
	if id, ok := editions[strings.ToLower(defaultLanguage)]; ok {
		return id
	}
	return editions["ru"]
}

type Options struct {
	BaseURL         string
	Token           string
	SearchTimeout   time.Duration
	SectionTimeout  time.Duration
	HealthTimeout   time.Duration
	Retries         int
	DefaultLanguage string
}

type Proxy struct {
	opts   Options
	cache  *cache.RetrievalCache
	log    *zap.Logger
	client *http.Client
	group  singleflight.Group
}

// New builds a proxy. A nil client means http.DefaultClient; per-call
// timeouts come from opts, not from the client.
func New(opts Options, c *cache.RetrievalCache, log *zap.Logger, client *http.Client) *Proxy {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 10 * time.Second
	}
	if opts.SectionTimeout <= 0 {
		opts.SectionTimeout = 15 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Proxy{opts: opts, cache: c, log: log.Named("proxy"), client: client}
}

type searchRequest struct {
	Query   string `json:"query"`
	Edition int    `json:"edition"`
	Size    int    `json:"size"`
}

type sectionRequest struct {
	SurahNumber int `json:"surahNumber"`
	Edition     int `json:"edition"`
}

// Search returns passages matching query, best first, with scores in [0,1].
func (p *Proxy) Search(ctx context.Context, query, language string, limit int) []store.Passage {
	query = strings.TrimSpace(query)
	if query == "" || limit <= 0 {
		return []store.Passage{}
	}
	key := cache.SearchKey(query, language, limit)
	req := searchRequest{Query: query, Edition: EditionFor(language, p.opts.DefaultLanguage), Size: limit}

	return p.cached(ctx, cache.NamespaceSearch, key, func(ctx context.Context) ([]store.Passage, error) {
		body, err := p.call(ctx, http.MethodPost, "/search", req, p.opts.SearchTimeout)
		if err != nil {
			return nil, err
		}
		hits, ok := normalizeHits(body, 0)
		if !ok {
			return nil, fmt.Errorf("unrecognised search response")
		}
		for i := range hits {
			if hits[i].RelevanceScore <= 0 {
				hits[i].RelevanceScore = defaultHitScore
			}
		}
		return NormalizeScores(hits), nil
	})
}

// FetchSection returns every passage of a section in item order.
func (p *Proxy) FetchSection(ctx context.Context, section int, language string) []store.Passage {
	if section <= 0 {
		return []store.Passage{}
	}
	key := cache.SectionKey(section, language)
	req := sectionRequest{SurahNumber: section, Edition: EditionFor(language, p.opts.DefaultLanguage)}

	return p.cached(ctx, cache.NamespaceSection, key, func(ctx context.Context) ([]store.Passage, error) {
		body, err := p.call(ctx, http.MethodPost, "/surah", req, p.opts.SectionTimeout)
		if err != nil {
			return nil, err
		}
		hits, ok := normalizeHits(body, section)
		if !ok {
			return nil, fmt.Errorf("unrecognised section response")
		}
		for i := range hits {
			hits[i].RelevanceScore = sectionHitScore
		}
		return hits, nil
	})
}

// IsAvailable probes the backend health endpoint. It is for diagnostics only.
func (p *Proxy) IsAvailable(ctx context.Context) bool {
	if p.opts.BaseURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, p.opts.HealthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.opts.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	p.authorize(req)
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug("health check failed", zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (p *Proxy) ClearCache() {
	p.cache.Clear(cache.NamespaceSearch, cache.NamespaceSection)
}

// cached serves namespace/key from the cache and otherwise runs fetch once
// for all concurrent callers of the same key. The fetch itself is detached
// from the caller's cancellation so the cache write can complete; the caller
// stops waiting as soon as its own ctx is done.
func (p *Proxy) cached(ctx context.Context, namespace, key string, fetch func(context.Context) ([]store.Passage, error)) []store.Passage {
	if v, ok := p.cache.Get(namespace, key); ok {
		if passages, ok := v.([]store.Passage); ok {
			p.log.Debug("cache hit", zap.String("key", key))
			return slices.Clone(passages)
		}
	}
	if p.opts.BaseURL == "" {
		return []store.Passage{}
	}

	detached := context.WithoutCancel(ctx)
	ch := p.group.DoChan(key, func() (any, error) {
		if v, ok := p.cache.Get(namespace, key); ok {
			return v, nil
		}
		passages, err := fetch(detached)
		if err != nil {
			return nil, err
		}
		p.cache.Set(namespace, key, passages)
		return passages, nil
	})

	select {
	case <-ctx.Done():
		p.log.Warn("retrieval abandoned", zap.String("key", key), zap.Error(ctx.Err()))
		return []store.Passage{}
	case res := <-ch:
		if res.Err != nil {
			p.log.Warn("retrieval backend failed", zap.String("key", key), zap.Error(res.Err))
			return []store.Passage{}
		}
		passages, _ := res.Val.([]store.Passage)
		if passages == nil {
			return []store.Passage{}
		}
		return slices.Clone(passages)
	}
}

// call performs one backend request with retries inside a single timeout
// budget. 4xx responses are not retried.
func (p *Proxy) call(ctx context.Context, method, path string, payload any, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	var body []byte
	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, method, p.opts.BaseURL+path, bytes.NewReader(buf))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")
			p.authorize(req)

			resp, err := p.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
			if err != nil {
				return err
			}
			switch {
			case resp.StatusCode >= 500:
				return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
			case resp.StatusCode < 200 || resp.StatusCode >= 300:
				return retry.Unrecoverable(fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode))
			}
			body = data
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(p.opts.Retries)+1),
		retry.Delay(retryDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.log.Debug("retrying backend call", zap.String("path", path), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (p *Proxy) authorize(req *http.Request) {
	if p.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.opts.Token)
	}
}
