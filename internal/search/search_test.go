package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// mockProvider is a simple test provider.
type mockProvider struct {
	name    string
	results []Result
	err     error
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Search(_ context.Context, _ string, _ Options) ([]Result, error) {
	return m.results, m.err
}

func TestManagerSearch(t *testing.T) {
	mgr := NewManager("mock", nil)
	mgr.Register(&mockProvider{
		name: "mock",
		results: []Result{
			{Title: "Trail Runner", URL: "https://example.com/boots", Snippet: "Light hiking boot"},
		},
	})

	results, err := mgr.Search(context.Background(), "hiking boots", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Title != "Trail Runner" {
		t.Fatalf("results = %+v", results)
	}
}

func TestManagerSearch_TruncatesToCount(t *testing.T) {
	mgr := NewManager("mock", nil)
	mgr.Register(&mockProvider{name: "mock", results: []Result{{Title: "1"}, {Title: "2"}, {Title: "3"}, {Title: "4"}}})

	results, err := mgr.Search(context.Background(), "q", Options{Count: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("got %d results, want 3", len(results))
	}
}

func TestManagerSearchWith(t *testing.T) {
	mgr := NewManager("primary", nil)
	mgr.Register(&mockProvider{name: "primary", results: []Result{{Title: "Primary"}}})
	mgr.Register(&mockProvider{name: "secondary", results: []Result{{Title: "Secondary"}}})

	results, err := mgr.SearchWith(context.Background(), "secondary", "test", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Title != "Secondary" {
		t.Errorf("expected 'Secondary', got %q", results[0].Title)
	}
	if got := mgr.Providers(); len(got) != 2 || got[0] != "primary" {
		t.Errorf("Providers() = %v", got)
	}
}

func TestManagerErrorsWrapUnavailable(t *testing.T) {
	mgr := NewManager("broken", nil)
	if _, err := mgr.Search(context.Background(), "test", Options{}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("missing provider: err = %v, want ErrUnavailable", err)
	}

	mgr.Register(&mockProvider{name: "broken", err: errors.New("connection refused")})
	_, err := mgr.Search(context.Background(), "test", Options{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("provider failure: err = %v, want ErrUnavailable", err)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("error should carry the cause: %v", err)
	}
}

func TestManagerFallsBackWhenPrimaryMissing(t *testing.T) {
	mgr := NewManager("tavily", nil)
	mgr.Register(&mockProvider{name: "brave", results: []Result{{Title: "From Brave"}}})

	if !mgr.Configured() {
		t.Fatal("manager with a provider should be configured")
	}
	results, err := mgr.Search(context.Background(), "boots", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Title != "From Brave" {
		t.Errorf("results = %+v", results)
	}
}

func TestManagerFallsBackWhenPrimaryFails(t *testing.T) {
	mgr := NewManager("tavily", nil)
	mgr.Register(&mockProvider{name: "tavily", err: errors.New("quota exceeded")})
	mgr.Register(&mockProvider{name: "searxng", err: errors.New("timeout")})
	mgr.Register(&mockProvider{name: "duckduckgo", results: []Result{{Title: "From DDG"}}})

	results, err := mgr.Search(context.Background(), "boots", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0].Title != "From DDG" {
		t.Errorf("got %q, want result from duckduckgo", results[0].Title)
	}
}

func TestManagerAllProvidersFail(t *testing.T) {
	mgr := NewManager("tavily", nil)
	mgr.Register(&mockProvider{name: "tavily", err: errors.New("quota exceeded")})
	mgr.Register(&mockProvider{name: "brave", err: errors.New("bad gateway")})

	_, err := mgr.Search(context.Background(), "boots", Options{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if !strings.Contains(err.Error(), "bad gateway") {
		t.Errorf("error should carry the last cause: %v", err)
	}
	if strings.Count(err.Error(), ErrUnavailable.Error()) != 1 {
		t.Errorf("error wrapped more than once: %v", err)
	}
}

func TestFormatResults(t *testing.T) {
	results := []Result{
		{Title: "First", URL: "https://a.com", Snippet: "Snippet A"},
		{Title: "Second", URL: "https://b.com"},
	}
	want := "1. First\n   https://a.com\n   Snippet A\n\n2. Second\n   https://b.com"
	if got := FormatResults(results); got != want {
		t.Errorf("FormatResults() = %q, want %q", got, want)
	}
}

func TestFormatResultsEmpty(t *testing.T) {
	if out := FormatResults(nil); out != "No results found." {
		t.Errorf("expected 'No results found.', got %q", out)
	}
}

func TestConfigured(t *testing.T) {
	mgr := NewManager("test", nil)
	if mgr.Configured() {
		t.Error("empty manager should not be configured")
	}
	mgr.Register(&mockProvider{name: "test"})
	if !mgr.Configured() {
		t.Error("manager with provider should be configured")
	}
}

func TestTavilySearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		var req tavilyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.APIKey != "tvly-test" || req.Query != "standing desk" || req.MaxResults != 3 {
			t.Errorf("request = %+v", req)
		}
		w.Write([]byte(`{"results":[{"title":"Desk A","url":"https://a.example","content":"Sturdy"}]}`))
	}))
	defer srv.Close()

	p := NewTavily("tvly-test", "", WithEndpoint(srv.URL), WithHTTPClient(srv.Client()))
	results, err := p.Search(context.Background(), "standing desk", Options{Count: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Snippet != "Sturdy" {
		t.Errorf("results = %+v", results)
	}
}

func TestTavilyMissingKey(t *testing.T) {
	if _, err := NewTavily("", "").Search(context.Background(), "q", Options{}); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestTavilyHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewTavily("k", "", WithEndpoint(srv.URL), WithHTTPClient(srv.Client()))
	_, err := p.Search(context.Background(), "q", Options{})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v, want HTTP 401", err)
	}
}

func TestBraveSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Subscription-Token"); got != "brave-key" {
			t.Errorf("token = %q", got)
		}
		if got := r.URL.Query().Get("count"); got != "2" {
			t.Errorf("count = %q", got)
		}
		w.Write([]byte(`{"web":{"results":[{"title":"B","url":"https://b.example","description":"desc"}]}}`))
	}))
	defer srv.Close()

	p := NewBrave("brave-key", WithEndpoint(srv.URL), WithHTTPClient(srv.Client()))
	results, err := p.Search(context.Background(), "q", Options{Count: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].Snippet != "desc" {
		t.Errorf("results = %+v", results)
	}
}

func TestSearXNGSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" || r.URL.Query().Get("format") != "json" {
			t.Errorf("url = %s", r.URL)
		}
		w.Write([]byte(`{"results":[{"title":"1","url":"u1"},{"title":"2","url":"u2"},{"title":"3","url":"u3"}]}`))
	}))
	defer srv.Close()

	p := NewSearXNG(srv.URL+"/", WithHTTPClient(srv.Client()))
	results, err := p.Search(context.Background(), "q", Options{Count: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want 2", len(results))
	}
}

const litePage = `<html><body><table>
<tr><td>1.</td><td><a rel="nofollow" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fshop.example%2Fboots&amp;rut=abc" class='result-link'>Best Boots 2025</a></td></tr>
<tr><td></td><td class='result-snippet'>Our <b>top</b> picks
 for hiking.</td></tr>
<tr><td>2.</td><td><a rel="nofollow" href="https://gear.example/review" class='result-link'>Gear Review</a></td></tr>
<tr><td></td><td class='result-snippet'>Tested on trail.</td></tr>
</table></body></html>`

func TestDuckDuckGoSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.PostForm.Get("q") != "hiking boots" {
			t.Errorf("q = %q", r.PostForm.Get("q"))
		}
		w.Write([]byte(litePage))
	}))
	defer srv.Close()

	p := NewDuckDuckGo(WithEndpoint(srv.URL), WithHTTPClient(srv.Client()))
	results, err := p.Search(context.Background(), "hiking boots", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2: %+v", len(results), results)
	}
	if results[0].URL != "https://shop.example/boots" {
		t.Errorf("redirect not unwrapped: %q", results[0].URL)
	}
	if results[0].Snippet != "Our top picks for hiking." {
		t.Errorf("snippet = %q", results[0].Snippet)
	}
	if results[1].Title != "Gear Review" || results[1].Snippet != "Tested on trail." {
		t.Errorf("second = %+v", results[1])
	}
}

func TestDuckDuckGoEmptyQuery(t *testing.T) {
	if _, err := NewDuckDuckGo().Search(context.Background(), "  ", Options{}); err == nil {
		t.Fatal("expected error for empty query")
	}
}
