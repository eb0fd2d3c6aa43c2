package integration

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"text/template"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/pders01/fss/internal/cache"
	"github.com/pders01/fss/internal/config"
	"github.com/pders01/fss/internal/feed"
	"github.com/pders01/fss/internal/server"
	"github.com/pders01/fss/internal/storage"
	"github.com/pders01/fss/internal/upstream"
)

type view struct {
	ID     int64
	Title  string
	Type   string
	File   string
	Rating string
	Date   string
}

var views = map[int64]view{
	2002: {ID: 2002, Title: "Clay Owl", Type: "image", File: "owl.png", Rating: "General", Date: "Jun 15, 2023 08:30 PM"},
	2001: {ID: 2001, Title: "Stone Cat", Type: "image", File: "cat.jpg", Rating: "Mature", Date: "Jun 14, 2023 10:00 AM"},
	2000: {ID: 2000, Title: "Notes", Type: "text", File: "notes.pdf", Rating: "General", Date: "Jan 2, 2023 09:15 AM"},
}

// fakeSite stands in for the upstream gallery site.
type fakeSite struct {
	*httptest.Server
	galleryHits atomic.Int64
	viewHits    atomic.Int64

	mu      sync.Mutex
	perView map[int64]int
	failing map[int64]int
}

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "fixtures", name))
	if err != nil {
		t.Fatalf("reading fixture %s: %v", name, err)
	}
	return data
}

func newFakeSite(t *testing.T) *fakeSite {
	t.Helper()
	pages := map[string][]byte{
		"/gallery/bob/1/":    fixture(t, "gallery_bob_1.html"),
		"/gallery/bob/2/":    fixture(t, "gallery_bob_2.html"),
		"/gallery/hidden/1/": fixture(t, "user_disabled.html"),
	}
	tmpl := template.Must(template.New("view").Parse(string(fixture(t, "view.html.tmpl"))))

	site := &fakeSite{perView: map[int64]int{}, failing: map[int64]int{}}
	site.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if body, ok := pages[r.URL.Path]; ok {
			site.galleryHits.Add(1)
			w.Write(body)
			return
		}

		idStr, ok := strings.CutPrefix(r.URL.Path, "/view/")
		if !ok {
			http.NotFound(w, r)
			return
		}
		id, _ := strconv.ParseInt(strings.TrimSuffix(idStr, "/"), 10, 64)
		v, ok := views[id]
		if !ok {
			http.NotFound(w, r)
			return
		}

		site.viewHits.Add(1)
		site.mu.Lock()
		site.perView[id]++
		fail := site.failing[id] > 0
		if fail {
			site.failing[id]--
		}
		site.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		// Widen the window in which concurrent misses overlap.
		time.Sleep(10 * time.Millisecond)
		tmpl.Execute(w, v)
	}))
	t.Cleanup(site.Close)
	return site
}

func (s *fakeSite) fetchesOf(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.perView[id]
}

// proxy is one running instance of the feed service.
type proxy struct {
	http  *httptest.Server
	cache *cache.Cache
	snap  storage.Snapshotter
}

func startProxy(t *testing.T, site *fakeSite, backend, path string) *proxy {
	t.Helper()
	cfg := config.TestConfig()

	client, err := upstream.NewClient(upstream.Options{
		BaseURL:         site.URL,
		UserAgent:       cfg.Upstream.UserAgent,
		HTTPTimeout:     cfg.Upstream.HTTPTimeout,
		RetryInterval:   cfg.Upstream.RetryInterval,
		MaxRetryElapsed: cfg.Upstream.MaxRetryElapsed,
		CookieA:         cfg.Upstream.CookieA,
		CookieB:         cfg.Upstream.CookieB,
	})
	if err != nil {
		t.Fatal(err)
	}

	snap, err := storage.Open(backend, path, storage.Options{Timeout: cfg.Cache.Timeout})
	if err != nil {
		t.Fatalf("opening %s snapshot: %v", backend, err)
	}
	c, err := cache.New(context.Background(), client, snap)
	if err != nil {
		snap.Close()
		t.Fatalf("loading cache: %v", err)
	}

	assembler := feed.NewAssembler(client, c, feed.WithSiteURL(site.URL))
	srv := server.New(assembler, c, server.Options{RequestTimeout: cfg.Server.RequestTimeout})

	p := &proxy{http: httptest.NewServer(srv.Handler()), cache: c, snap: snap}
	t.Cleanup(p.stop)
	return p
}

func (p *proxy) stop() {
	if p.http == nil {
		return
	}
	p.http.Close()
	p.cache.Flush(context.Background())
	p.snap.Close()
	p.http = nil
}

func (p *proxy) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(p.http.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (p *proxy) feed(t *testing.T, path string) *gofeed.Feed {
	t.Helper()
	resp, body := p.get(t, path)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d: %s", path, resp.StatusCode, body)
	}
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("parsing %s: %v", path, err)
	}
	return parsed
}

func TestIntegration_AtomGallery(t *testing.T) {
	site := newFakeSite(t)
	p := startProxy(t, site, storage.BackendBolt, filepath.Join(t.TempDir(), "cache.db"))

	f := p.feed(t, "/gallery/bob")
	if f.FeedType != "atom" {
		t.Errorf("Expected atom feed, got %s", f.FeedType)
	}
	if f.Title != "FA Gallery feed of Bob" {
		t.Errorf("Unexpected title %q", f.Title)
	}
	if len(f.Items) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(f.Items))
	}
	if f.Items[0].Title != "Clay Owl" || f.Items[1].Title != "Stone Cat" {
		t.Errorf("Entries out of gallery order: %q, %q", f.Items[0].Title, f.Items[1].Title)
	}
	wantLink := fmt.Sprintf("%s/view/2002/", site.URL)
	if f.Items[0].Link != wantLink {
		t.Errorf("Expected link %s, got %s", wantLink, f.Items[0].Link)
	}
	if len(f.Items[0].Enclosures) != 1 || f.Items[0].Enclosures[0].Type != "image/png" {
		t.Errorf("Expected one image/png enclosure, got %+v", f.Items[0].Enclosures)
	}
	want := time.Date(2023, 6, 16, 1, 30, 0, 0, time.UTC)
	if f.Items[0].PublishedParsed == nil || !f.Items[0].PublishedParsed.Equal(want) {
		t.Errorf("Expected published %v, got %v", want, f.Items[0].PublishedParsed)
	}
	if f.UpdatedParsed == nil || !f.UpdatedParsed.Equal(want) {
		t.Errorf("Expected feed updated %v, got %v", want, f.UpdatedParsed)
	}

	if got := site.viewHits.Load(); got != 2 {
		t.Errorf("Expected 2 submission fetches, got %d", got)
	}
	if p.cache.Pending() != 0 {
		t.Errorf("Expected cache flushed after new records, %d pending", p.cache.Pending())
	}
}

func TestIntegration_CachedRequestSkipsSubmissions(t *testing.T) {
	site := newFakeSite(t)
	p := startProxy(t, site, storage.BackendBolt, filepath.Join(t.TempDir(), "cache.db"))

	p.feed(t, "/gallery/bob")
	p.feed(t, "/gallery/bob/rss")

	if got := site.galleryHits.Load(); got != 2 {
		t.Errorf("Expected gallery fetched per request, got %d", got)
	}
	if got := site.viewHits.Load(); got != 2 {
		t.Errorf("Expected submissions fetched once, got %d", got)
	}
}

func TestIntegration_RSSLastPage(t *testing.T) {
	site := newFakeSite(t)
	p := startProxy(t, site, storage.BackendBolt, filepath.Join(t.TempDir(), "cache.db"))

	resp, _ := p.get(t, "/gallery/bob/rss/2")
	if ct := resp.Header.Get("Content-Type"); ct != "application/rss+xml; charset=utf-8" {
		t.Errorf("Unexpected content type %s", ct)
	}

	f := p.feed(t, "/gallery/bob/rss/2")
	if f.FeedType != "rss" {
		t.Errorf("Expected rss feed, got %s", f.FeedType)
	}
	if len(f.Items) != 1 || f.Items[0].Title != "Notes" {
		t.Fatalf("Expected the single Notes entry, got %+v", f.Items)
	}
	if len(f.Items[0].Enclosures) != 1 || f.Items[0].Enclosures[0].Type != "application/pdf" {
		t.Errorf("Expected pdf enclosure, got %+v", f.Items[0].Enclosures)
	}
}

func TestIntegration_SFWFiltersMature(t *testing.T) {
	site := newFakeSite(t)
	p := startProxy(t, site, storage.BackendBolt, filepath.Join(t.TempDir(), "cache.db"))

	f := p.feed(t, "/gallery/bob?sfw=1")
	if len(f.Items) != 1 || f.Items[0].Title != "Clay Owl" {
		t.Fatalf("Expected only the general entry, got %d entries", len(f.Items))
	}
	if site.fetchesOf(2001) != 0 {
		t.Error("Mature submission should not be fetched in SFW mode")
	}
}

func TestIntegration_RestartKeepsCache(t *testing.T) {
	for _, backend := range []string{storage.BackendBolt, storage.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			site := newFakeSite(t)
			path := filepath.Join(t.TempDir(), "cache."+backend)

			first := startProxy(t, site, backend, path)
			first.feed(t, "/gallery/bob")
			first.stop()

			second := startProxy(t, site, backend, path)
			if second.cache.Len() != 2 {
				t.Fatalf("Expected 2 records after restart, got %d", second.cache.Len())
			}
			f := second.feed(t, "/gallery/bob")
			if len(f.Items) != 2 {
				t.Fatalf("Expected 2 entries, got %d", len(f.Items))
			}
			if got := site.viewHits.Load(); got != 2 {
				t.Errorf("Expected no submission fetches after restart, total %d", got)
			}
		})
	}
}

func TestIntegration_ConcurrentRequests(t *testing.T) {
	site := newFakeSite(t)
	p := startProxy(t, site, storage.BackendBolt, filepath.Join(t.TempDir(), "cache.db"))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Get(p.http.URL + "/gallery/bob")
			if err != nil {
				errs <- err
				return
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				errs <- fmt.Errorf("status %d", resp.StatusCode)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	for _, id := range []int64{2001, 2002} {
		if n := site.fetchesOf(id); n != 1 {
			t.Errorf("Submission %d fetched %d times, want 1", id, n)
		}
	}
}

func TestIntegration_TransientFailureRetried(t *testing.T) {
	site := newFakeSite(t)
	site.failing[2002] = 1
	p := startProxy(t, site, storage.BackendBolt, filepath.Join(t.TempDir(), "cache.db"))

	f := p.feed(t, "/gallery/bob")
	if len(f.Items) != 2 {
		t.Fatalf("Expected 2 entries after retry, got %d", len(f.Items))
	}
	if n := site.fetchesOf(2002); n != 2 {
		t.Errorf("Expected one retry for 2002, got %d fetches", n)
	}
}

func TestIntegration_UpstreamDownKeepsCache(t *testing.T) {
	site := newFakeSite(t)
	// More failures than the retry budget allows.
	site.failing[2001] = 1000
	p := startProxy(t, site, storage.BackendBolt, filepath.Join(t.TempDir(), "cache.db"))

	resp, _ := p.get(t, "/gallery/bob")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", resp.StatusCode)
	}
	if p.cache.Len() != 1 {
		t.Errorf("Expected the resolved submission kept, got %d records", p.cache.Len())
	}
	if p.cache.Pending() != 0 {
		t.Errorf("Expected the resolved submission flushed, %d pending", p.cache.Pending())
	}
}

func TestIntegration_DisabledAndMissingUsers(t *testing.T) {
	site := newFakeSite(t)
	p := startProxy(t, site, storage.BackendBolt, filepath.Join(t.TempDir(), "cache.db"))

	f := p.feed(t, "/gallery/hidden")
	if len(f.Items) != 0 {
		t.Errorf("Expected empty feed for disabled account, got %d entries", len(f.Items))
	}
	if !strings.Contains(f.Description, "disabled") {
		t.Errorf("Expected disabled notice in description, got %q", f.Description)
	}

	resp, body := p.get(t, "/gallery/nobody")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
	if bytes.Contains(body, []byte("<feed")) {
		t.Error("404 response must not carry a feed")
	}
}

func TestIntegration_Health(t *testing.T) {
	site := newFakeSite(t)
	p := startProxy(t, site, storage.BackendBolt, filepath.Join(t.TempDir(), "cache.db"))
	p.feed(t, "/gallery/bob")

	resp, body := p.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if !bytes.Contains(body, []byte(`"cached":2`)) {
		t.Errorf("Expected two cached submissions, got %s", body)
	}
}
