package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"vidbatch/internal/infra/httpx"
	"vidbatch/internal/ports"
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

var _ ports.Downloader = (*Downloader)(nil)

// Downloader stores result videos under a directory and reports their path
// relative to the public-serving root.
type Downloader struct {
	http       *httpx.Client
	publicRoot string
	now        func() time.Time
}

func New(http *httpx.Client, publicRoot string) *Downloader {
	return &Downloader{http: http, publicRoot: publicRoot, now: time.Now}
}

func (d *Downloader) Download(ctx context.Context, rawURL, number, dir string) (ports.Download, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ports.Download{}, fmt.Errorf("create save directory %s: %w", dir, err)
	}

	filename := Filename(number, rawURL, d.now())
	dest := filepath.Join(dir, filename)

	resp, err := d.http.Fetch(ctx, http.MethodGet, rawURL, nil, nil)
	if err != nil {
		return ports.Download{}, fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ports.Download{}, fmt.Errorf("download %s: unexpected HTTP %d", rawURL, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return ports.Download{}, fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return ports.Download{}, fmt.Errorf("write %s: %w", dest, err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return ports.Download{}, fmt.Errorf("rename %s: %w", dest, err)
	}

	log.Ctx(ctx).Info().
		Str("number", number).
		Str("path", dest).
		Int64("bytes", n).
		Msg("video downloaded")

	return ports.Download{
		RelativePath: d.relative(dest),
		Filename:     filename,
	}, nil
}

// relative returns dest as a slash path rooted at the public directory, or
// the absolute path when dest lies outside it.
func (d *Downloader) relative(dest string) string {
	absDest, err := filepath.Abs(dest)
	if err != nil {
		return filepath.ToSlash(dest)
	}
	absRoot, err := filepath.Abs(d.publicRoot)
	if err != nil {
		return filepath.ToSlash(absDest)
	}
	rel, err := filepath.Rel(absRoot, absDest)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(absDest)
	}
	return "/" + filepath.ToSlash(rel)
}

// Filename builds "<number>_<unix-millis>_<basename>.mp4".
func Filename(number, rawURL string, at time.Time) string {
	base := "video.mp4"
	if u, err := url.Parse(rawURL); err == nil {
		if b := path.Base(u.Path); b != "." && b != "/" && b != "" {
			base = b
		}
	}
	base = sanitize(base)
	if !strings.HasSuffix(strings.ToLower(base), ".mp4") {
		base += ".mp4"
	}

	num := sanitize(number)
	if num == "" {
		num = "task"
	}
	return fmt.Sprintf("%s_%d_%s", num, at.UnixMilli(), base)
}

func sanitize(s string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(s, "_"), "_")
}
