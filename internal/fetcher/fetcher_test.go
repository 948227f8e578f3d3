package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"fetchd/internal/queue"
	logx "fetchd/pkg/logx"
)

func TestResolve(t *testing.T) {
	cases := []struct {
		url    string
		method string
		want   Strategy
	}{
		{"magnet:?xt=urn:btih:abcdef", queue.MethodAuto, StrategyMagnet},
		{"magnet:?xt=urn:btih:abcdef", queue.MethodFile, StrategyMagnet},
		{"https://example.com/archive.zip", queue.MethodFile, StrategyFile},
		{"https://example.com/watch?v=abc", queue.MethodAuto, StrategyGeneric},
		{"https://example.com/watch?v=abc", "", StrategyGeneric},
	}
	for _, tc := range cases {
		got := Resolve(queue.Task{URL: tc.url, Method: tc.method})
		if got != tc.want {
			t.Fatalf("Resolve(%q, %q) = %s, want %s", tc.url, tc.method, got, tc.want)
		}
	}
}

type stubFetcher struct {
	path string
	err  error
	hits int
}

func (s *stubFetcher) Fetch(ctx context.Context, t queue.Task) (string, error) {
	s.hits++
	return s.path, s.err
}

func TestDispatcherRoutesByStrategy(t *testing.T) {
	d := NewDispatcher()
	generic := &stubFetcher{path: "/data/generic.mp4"}
	file := &stubFetcher{path: "/data/file.zip"}
	d.Register(StrategyGeneric, generic)
	d.Register(StrategyFile, file)

	path, err := d.Fetch(context.Background(), queue.Task{URL: "https://example.com/v", Method: queue.MethodAuto})
	if err != nil || path != "/data/generic.mp4" {
		t.Fatalf("generic dispatch: path=%q err=%v", path, err)
	}
	path, err = d.Fetch(context.Background(), queue.Task{URL: "https://example.com/a.zip", Method: queue.MethodFile})
	if err != nil || path != "/data/file.zip" {
		t.Fatalf("file dispatch: path=%q err=%v", path, err)
	}
	if generic.hits != 1 || file.hits != 1 {
		t.Fatalf("unexpected hit counts: generic=%d file=%d", generic.hits, file.hits)
	}
}

func TestDispatcherMissingStrategy(t *testing.T) {
	d := NewDispatcher()
	if _, err := d.Fetch(context.Background(), queue.Task{URL: "magnet:?xt=urn:btih:x"}); err == nil {
		t.Fatalf("expected error for unregistered magnet strategy")
	}
}

func TestFileFetcherDownloads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="payload.bin"`)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFileFetcher(dir, 5*time.Second, logx.Nop())

	path, err := f.Fetch(context.Background(), queue.Task{ID: 1, URL: srv.URL + "/ignored"})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("result content = %q", b)
	}
}

func TestFileFetcherStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	f := NewFileFetcher(t.TempDir(), 5*time.Second, logx.Nop())
	if _, err := f.Fetch(context.Background(), queue.Task{URL: srv.URL}); err == nil {
		t.Fatalf("expected error on non-2xx status")
	}
}

func TestExecFetcherNoCommand(t *testing.T) {
	f := NewExecFetcher("", nil, t.TempDir(), logx.Nop())
	if _, err := f.Fetch(context.Background(), queue.Task{URL: "https://example.com"}); err == nil {
		t.Fatalf("expected error when no command configured")
	}
}

func TestDeriveFilename(t *testing.T) {
	h := http.Header{}
	if got := deriveFilename("https://example.com/files/a.zip", h); got != "a.zip" {
		t.Fatalf("url basename: got %q", got)
	}
	h.Set("Content-Disposition", `attachment; filename="../../evil.sh"`)
	if got := deriveFilename("https://example.com/files/a.zip", h); got != "evil.sh" {
		t.Fatalf("sanitized disposition: got %q", got)
	}
	if got := deriveFilename("https://example.com/", http.Header{}); got != "download.bin" {
		t.Fatalf("fallback: got %q", got)
	}
}
