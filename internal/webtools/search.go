// Package webtools provides the opaque web-search and page-fetch
// collaborators toolexec.RegisterWebSearch/RegisterPageFetch wire in (spec
// §4.8): a SearXNG-backed search and a plain-text page fetch, rate limited
// the same way the wider agent platform's web tool is.
package webtools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// tokenBucket is a minimal rate limiter: one SearXNG instance is shared by
// every conversation's web_search calls, so bursts need smoothing.
type tokenBucket struct {
	mu         sync.Mutex
	capacity   int
	tokens     int
	refillAt   time.Time
	refillRate time.Duration
}

func newTokenBucket(capacity int, refillRate time.Duration) *tokenBucket {
	return &tokenBucket{capacity: capacity, tokens: capacity, refillAt: time.Now(), refillRate: refillRate}
}

func (tb *tokenBucket) wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		if now.After(tb.refillAt) {
			elapsed := now.Sub(tb.refillAt)
			if n := int(elapsed / tb.refillRate); n > 0 {
				tb.tokens = min(tb.capacity, tb.tokens+n)
				tb.refillAt = tb.refillAt.Add(time.Duration(n) * tb.refillRate)
			}
		}
		if tb.tokens > 0 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		wait := time.Until(tb.refillAt)
		tb.mu.Unlock()
		if wait <= 0 {
			wait = tb.refillRate
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// SearXNGSearch implements toolexec.WebSearchFunc against a SearXNG
// instance's JSON API.
type SearXNGSearch struct {
	http        *http.Client
	baseURL     string
	rateLimiter *tokenBucket
	maxResults  int
}

// NewSearXNGSearch constructs a web_search collaborator. baseURL is the
// SearXNG instance root, e.g. "http://searxng:8080".
func NewSearXNGSearch(baseURL string) *SearXNGSearch {
	return &SearXNGSearch{
		http:        &http.Client{Timeout: 12 * time.Second},
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		rateLimiter: newTokenBucket(2, 2*time.Second),
		maxResults:  5,
	}
}

type searxngResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search implements toolexec.WebSearchFunc.
func (s *SearXNGSearch) Search(ctx context.Context, query string) (string, error) {
	if err := s.rateLimiter.wait(ctx); err != nil {
		return "", err
	}

	v := url.Values{}
	v.Set("q", query)
	v.Set("format", "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+v.Encode(), nil)
	if err != nil {
		return "", err
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("searxng: http %d", resp.StatusCode)
	}

	var parsed searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}

	var b strings.Builder
	for i, r := range parsed.Results {
		if i >= s.maxResults {
			break
		}
		fmt.Fprintf(&b, "%s\n%s\n%s\n\n", r.Title, r.URL, r.Content)
	}
	if b.Len() == 0 {
		return "no results", nil
	}
	return b.String(), nil
}
