// Package cache holds the TTL cache that sits in front of every outbound
// retrieval call. One instance is built at startup and shared by all
// requests.
package cache

import (
	"strconv"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	NamespaceSearch    = "search"
	NamespaceSection   = "section"
	NamespaceReference = "reference"
)

type Options struct {
	// TTLs per namespace. A value <= 0 keeps entries until Clear.
	TTLs            map[string]time.Duration
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		TTLs: map[string]time.Duration{
			NamespaceSearch:    5 * time.Minute,
			NamespaceSection:   time.Hour,
			NamespaceReference: 0,
		},
		DefaultTTL:      5 * time.Minute,
		CleanupInterval: 10 * time.Minute,
	}
}

type RetrievalCache struct {
	mu     sync.RWMutex
	opts   Options
	spaces map[string]*gocache.Cache
}

func New(opts Options) *RetrievalCache {
	if opts.TTLs == nil {
		opts.TTLs = map[string]time.Duration{}
	}
	return &RetrievalCache{opts: opts, spaces: make(map[string]*gocache.Cache)}
}

func (c *RetrievalCache) space(namespace string, create bool) *gocache.Cache {
	c.mu.RLock()
	s, ok := c.spaces[namespace]
	c.mu.RUnlock()
	if ok || !create {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.spaces[namespace]; ok {
		return s
	}
	ttl, ok := c.opts.TTLs[namespace]
	if !ok {
		ttl = c.opts.DefaultTTL
	}
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	cleanup := c.opts.CleanupInterval
	if ttl == gocache.NoExpiration {
		cleanup = 0
	}
	s = gocache.New(ttl, cleanup)
	c.spaces[namespace] = s
	return s
}

// Get returns the value stored under key, treating expired entries as absent.
func (c *RetrievalCache) Get(namespace, key string) (any, bool) {
	s := c.space(namespace, false)
	if s == nil {
		return nil, false
	}
	return s.Get(key)
}

func (c *RetrievalCache) Set(namespace, key string, value any) {
	c.space(namespace, true).Set(key, value, gocache.DefaultExpiration)
}

// Clear drops the given namespaces, or everything when none are named.
func (c *RetrievalCache) Clear(namespaces ...string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(namespaces) == 0 {
		for _, s := range c.spaces {
			s.Flush()
		}
		return
	}
	for _, ns := range namespaces {
		if s, ok := c.spaces[ns]; ok {
			s.Flush()
		}
	}
}

// Len counts unexpired entries in a namespace.
func (c *RetrievalCache) Len(namespace string) int {
	s := c.space(namespace, false)
	if s == nil {
		return 0
	}
	return len(s.Items())
}

// Key joins the namespace and parts with ":".
func Key(namespace string, parts ...string) string {
	return namespace + ":" + strings.Join(parts, ":")
}

func SearchKey(query, language string, limit int) string {
	return Key(NamespaceSearch, NormalizeQuery(query), strings.ToLower(language), strconv.Itoa(limit))
}

func SectionKey(section int, language string) string {
	return Key(NamespaceSection, strconv.Itoa(section), strings.ToLower(language))
}

// NormalizeQuery lowercases and collapses whitespace so trivially different
// spellings of a query share one entry.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
