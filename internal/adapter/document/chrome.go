package document

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/chromedp/chromedp"

	"pagechat/internal/domain"
	"pagechat/internal/extract"
	"pagechat/internal/infra/config"
)

// ChromeSource renders a page in headless Chrome and extracts the DOM after
// scripts have run, which suits pages that build their content client-side.
type ChromeSource struct {
	url       string
	cfg       config.DocumentConfig
	logger    *slog.Logger
	allocOpts []chromedp.ExecAllocatorOption
}

// NewChromeSource creates a source for rawURL.
func NewChromeSource(rawURL string, cfg config.DocumentConfig, logger *slog.Logger) *ChromeSource {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return &ChromeSource{url: rawURL, cfg: cfg, logger: logger, allocOpts: opts}
}

// Location implements Source.
func (s *ChromeSource) Location() string { return s.url }

// Load implements Source. Each call starts a fresh browser so no state
// carries over between refreshes.
func (s *ChromeSource) Load(ctx context.Context) (*extract.Document, error) {
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = loadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, s.allocOpts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			s.logger.Debug(fmt.Sprintf(format, args...), "source", "chrome")
		}),
	)
	defer cancelBrowser()

	var page, location string
	err := chromedp.Run(browserCtx,
		chromedp.Navigate(s.url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &page, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: render %s: %w", domain.ErrNetwork, s.url, err)
	}
	s.logger.Debug("page rendered", "url", location, "bytes", len(page))
	if limit := s.cfg.MaxBytes; limit > 0 && int64(len(page)) > limit {
		page = page[:limit]
	}
	return extract.ParseString(page, location)
}
