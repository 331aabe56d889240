package webtools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// PageFetcher implements toolexec.PageFetchFunc: it fetches a URL and
// extracts its readable text, discarding script/style/markup noise.
type PageFetcher struct {
	http      *http.Client
	maxBytes  int64
	userAgent string
}

// NewPageFetcher constructs a page_fetch collaborator.
func NewPageFetcher() *PageFetcher {
	return &PageFetcher{
		http:      &http.Client{Timeout: 12 * time.Second},
		maxBytes:  1 << 20,
		userAgent: "Mozilla/5.0 (compatible; session-core/1.0)",
	}
}

// Fetch implements toolexec.PageFetchFunc.
func (f *PageFetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("page_fetch: http %d", resp.StatusCode)
	}

	root, err := html.Parse(&limitedReader{r: resp.Body, remaining: f.maxBytes})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	extractText(root, &b)
	text := strings.Join(strings.Fields(b.String()), " ")
	if text == "" {
		return "no readable text found", nil
	}
	return text, nil
}

var skipTags = map[string]bool{"script": true, "style": true, "noscript": true, "head": true}

func extractText(n *html.Node, b *strings.Builder) {
	if n.Type == html.ElementNode && skipTags[n.Data] {
		return
	}
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		b.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, b)
	}
}

// limitedReader caps how much of a response body html.Parse will consume,
// so a very large page can't pin a tool call indefinitely.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}
