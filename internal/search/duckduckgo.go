package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/nugget/parley/internal/httpkit"
)

// DuckDuckGo implements the Provider interface by scraping the
// DuckDuckGo lite HTML page. It needs no API key.
type DuckDuckGo struct {
	cfg      providerConfig
	interval time.Duration

	mu   sync.Mutex
	last time.Time
}

// NewDuckDuckGo creates a DuckDuckGo lite provider. Queries are spaced
// at least one second apart.
func NewDuckDuckGo(opts ...ProviderOption) *DuckDuckGo {
	return &DuckDuckGo{
		cfg:      newProviderConfig("https://lite.duckduckgo.com/lite/", opts),
		interval: time.Second,
	}
}

func (d *DuckDuckGo) Name() string { return "duckduckgo" }

func (d *DuckDuckGo) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("duckduckgo: query is empty")
	}
	if err := d.throttle(ctx); err != nil {
		return nil, err
	}

	form := url.Values{"q": {query}}
	if opts.Language != "" {
		form.Set("kl", opts.Language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.cfg.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo: HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: parse page: %w", err)
	}

	count := opts.Count
	if count == 0 {
		count = 5
	}
	results := parseLiteResults(doc)
	if len(results) > count {
		results = results[:count]
	}
	return results, nil
}

// throttle blocks until interval has passed since the previous query.
func (d *DuckDuckGo) throttle(ctx context.Context) error {
	d.mu.Lock()
	wait := time.Until(d.last.Add(d.interval))
	if wait < 0 {
		wait = 0
	}
	d.last = time.Now().Add(wait)
	d.mu.Unlock()

	if wait == 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseLiteResults walks the lite page. Each result is an
// <a class="result-link"> followed later by a <td class="result-snippet">.
func parseLiteResults(doc *html.Node) []Result {
	var results []Result

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.DataAtom == atom.A && hasClass(n, "result-link"):
				title := strings.TrimSpace(textContent(n))
				link := resolveRedirect(attr(n, "href"))
				if title != "" && link != "" {
					results = append(results, Result{Title: title, URL: link})
				}
			case n.DataAtom == atom.Td && hasClass(n, "result-snippet"):
				if len(results) > 0 && results[len(results)-1].Snippet == "" {
					results[len(results)-1].Snippet = strings.Join(strings.Fields(textContent(n)), " ")
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results
}

// resolveRedirect unwraps DuckDuckGo's //duckduckgo.com/l/?uddg=<url>
// redirect links.
func resolveRedirect(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if strings.HasSuffix(u.Host, "duckduckgo.com") && strings.HasPrefix(u.Path, "/l/") {
		if target := u.Query().Get("uddg"); target != "" {
			return target
		}
	}
	return href
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
	}
	return b.String()
}
