package fetcher

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"fetchd/internal/queue"
	logx "fetchd/pkg/logx"
)

// FileFetcher downloads plain HTTP(S) files by streaming them to the
// download directory.
type FileFetcher struct {
	Dir     string
	Timeout time.Duration
	Log     logx.Logger

	client *http.Client
}

func NewFileFetcher(dir string, timeout time.Duration, log logx.Logger) *FileFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &FileFetcher{
		Dir:     dir,
		Timeout: timeout,
		Log:     log,
		client:  &http.Client{Timeout: timeout},
	}
}

func (f *FileFetcher) Fetch(ctx context.Context, t queue.Task) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("http fetch: unexpected status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return "", err
	}
	name := deriveFilename(t.URL, resp.Header)
	dest := filepath.Join(f.Dir, name)

	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("write %s: %w", dest, err)
	}

	f.Log.Debug("fetcher.file_done", logx.Int64("task_id", t.ID), logx.String("path", dest), logx.Int64("bytes", n))
	return dest, nil
}

// deriveFilename prefers the Content-Disposition filename, then the URL path
// basename, then a fixed fallback. The result is flattened to a bare name so
// a hostile header can't escape the download dir.
func deriveFilename(rawURL string, hdr http.Header) string {
	if cd := hdr.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := strings.TrimSpace(params["filename"]); name != "" {
				return filepath.Base(filepath.Clean(name))
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return filepath.Base(filepath.Clean(base))
		}
	}
	return "download.bin"
}
