// Package document loads the page the mediator sits next to. Each Load
// returns a freshly parsed document, so a refresh always sees the current
// page.
package document

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"pagechat/internal/domain"
	"pagechat/internal/extract"
	"pagechat/internal/infra/config"
)

// Source supplies the current document.
type Source interface {
	Load(ctx context.Context) (*extract.Document, error)
	// Location is the page URL, reported even when loading fails.
	Location() string
}

// Open picks a source for target: "-" reads stdin, http(s) URLs are fetched
// (through a headless browser when cfg.Chrome is set), anything else is a
// local file.
func Open(target string, cfg config.DocumentConfig, logger *slog.Logger) (Source, error) {
	switch {
	case target == "":
		return nil, fmt.Errorf("%w: no document given", domain.ErrInvalidInput)
	case target == "-":
		return NewReaderSource(os.Stdin, "stdin:"), nil
	case strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://"):
		if cfg.Chrome {
			return NewChromeSource(target, cfg, logger), nil
		}
		return NewHTTPSource(target, cfg, nil), nil
	default:
		return NewFileSource(target), nil
	}
}

// HTTPSource fetches a page over HTTP.
type HTTPSource struct {
	url       string
	client    *http.Client
	maxBytes  int64
	userAgent string
}

// NewHTTPSource creates a source for rawURL. A nil client gets one bounded
// by cfg.Timeout.
func NewHTTPSource(rawURL string, cfg config.DocumentConfig, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	return &HTTPSource{url: rawURL, client: client, maxBytes: maxBytes, userAgent: cfg.UserAgent}
}

// Location implements Source.
func (s *HTTPSource) Location() string { return s.url }

// Load implements Source. Non-UTF-8 pages are decoded using the charset
// from the Content-Type header or the document's meta tags.
func (s *HTTPSource) Load(ctx context.Context) (*extract.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %w", domain.ErrNetwork, s.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: fetch %s: %s", domain.ErrHTTPStatus, s.url, resp.Status)
	}

	r, err := charset.NewReader(io.LimitReader(resp.Body, s.maxBytes), resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", domain.ErrInvalidInput, s.url, err)
	}
	return extract.Parse(r, resp.Request.URL.String())
}

// FileSource reads a saved page from disk.
type FileSource struct {
	path string
}

// NewFileSource creates a source for path.
func NewFileSource(path string) *FileSource { return &FileSource{path: path} }

// Location implements Source.
func (s *FileSource) Location() string {
	abs, err := filepath.Abs(s.path)
	if err != nil {
		abs = s.path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

// Load implements Source.
func (s *FileSource) Load(_ context.Context) (*extract.Document, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	}
	defer f.Close()
	return extract.Parse(f, s.Location())
}

// ReaderSource parses a document from a reader once and serves the same
// bytes on every Load.
type ReaderSource struct {
	r        io.Reader
	location string
	data     []byte
	read     bool
}

// NewReaderSource wraps r. location is reported as the page URL.
func NewReaderSource(r io.Reader, location string) *ReaderSource {
	return &ReaderSource{r: r, location: location}
}

// NewStringSource serves an in-memory page.
func NewStringSource(page, location string) *ReaderSource {
	return &ReaderSource{location: location, data: []byte(page), read: true}
}

// Location implements Source.
func (s *ReaderSource) Location() string { return s.location }

// Load implements Source. It is not safe for concurrent use; the mediator
// serialises loads.
func (s *ReaderSource) Load(_ context.Context) (*extract.Document, error) {
	if !s.read {
		data, err := io.ReadAll(s.r)
		if err != nil {
			return nil, fmt.Errorf("read document: %w", err)
		}
		s.data, s.read = data, true
	}
	return extract.ParseString(string(s.data), s.location)
}

// loadTimeout is used when the config leaves the document timeout unset.
const loadTimeout = 30 * time.Second
