package webfetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); !strings.HasPrefix(ua, "jobbot-no/") {
			t.Errorf("user agent: got %q", ua)
		}
		w.Write([]byte("<html><body>ok</body></html>"))
	}))
	defer srv.Close()

	f := NewHTTP(Config{})
	body, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(body, "ok") {
		t.Fatalf("body: got %q", body)
	}
}

func TestHTTPFetchStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewHTTP(Config{})
	if _, err := f.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatal("expected an error for 404")
	}
}

func TestHTTPFetchBodyCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	f := NewHTTP(Config{MaxBytes: 1024})
	body, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) != 1024 {
		t.Fatalf("body length: got %d, want 1024", len(body))
	}
}

type stubFetcher struct {
	body string
	err  error
}

func (s *stubFetcher) Fetch(context.Context, string) (string, error) {
	return s.body, s.err
}

func TestChainPrimarySufficient(t *testing.T) {
	big := strings.Repeat("a", minUsefulBytes)
	c := &Chain{
		Primary:   &stubFetcher{body: big},
		Secondary: &stubFetcher{err: errors.New("must not be called")},
	}
	body, err := c.Fetch(context.Background(), "https://x.example")
	if err != nil {
		t.Fatal(err)
	}
	if body != big {
		t.Fatal("primary body not returned")
	}
}

func TestChainFallsBackOnError(t *testing.T) {
	c := &Chain{
		Primary:   &stubFetcher{err: errors.New("refused")},
		Secondary: &stubFetcher{body: "rendered"},
	}
	body, err := c.Fetch(context.Background(), "https://x.example")
	if err != nil {
		t.Fatal(err)
	}
	if body != "rendered" {
		t.Fatalf("got %q", body)
	}
}

func TestChainFallsBackOnTinyBody(t *testing.T) {
	c := &Chain{
		Primary:   &stubFetcher{body: "<html></html>"},
		Secondary: &stubFetcher{body: "rendered"},
	}
	body, err := c.Fetch(context.Background(), "https://x.example")
	if err != nil {
		t.Fatal(err)
	}
	if body != "rendered" {
		t.Fatalf("got %q", body)
	}
}

func TestChainNoSecondary(t *testing.T) {
	c := &Chain{Primary: &stubFetcher{err: errors.New("refused")}}
	if _, err := c.Fetch(context.Background(), "https://x.example"); err == nil {
		t.Fatal("expected primary error to surface")
	}
}
