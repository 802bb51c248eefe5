package extract

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pagechat/internal/domain"
	"pagechat/internal/infra/tracer"
)

const (
	// DefaultBudget is the maximum extracted text length, in runes.
	DefaultBudget = 500_000
	// DefaultMinContentChars is the shortest text a readability or landmark
	// pass may return.
	DefaultMinContentChars = 100
)

// Options configures an Extractor.
type Options struct {
	Budget          int
	MinContentChars int
	Logger          *slog.Logger
	Now             func() time.Time
}

// Extractor runs the extraction pipeline.
type Extractor struct {
	budget   int
	minChars int
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Extractor, filling unset options with defaults.
func New(opts Options) *Extractor {
	e := &Extractor{
		budget:   opts.Budget,
		minChars: opts.MinContentChars,
		logger:   opts.Logger,
		now:      opts.Now,
	}
	if e.budget <= 0 {
		e.budget = DefaultBudget
	}
	if e.minChars <= 0 {
		e.minChars = DefaultMinContentChars
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Budget returns the configured character budget.
func (e *Extractor) Budget() int { return e.budget }

// Extract produces the page content for doc. It always returns a result;
// a nil or empty document yields domain.StrategyNone.
func (e *Extractor) Extract(ctx context.Context, doc *Document) domain.PageContent {
	_, span := tracer.StartSpan(ctx, "extract.page")
	defer span.End()

	pc := domain.PageContent{Strategy: domain.StrategyNone, ExtractedAt: e.now()}
	if doc == nil || doc.Root == nil {
		tracer.SetOK(span)
		return pc
	}
	pc.URL = doc.URL

	md := guard(e.logger, "metadata", func() metadata { return readMetadata(doc) })
	pc.Title, pc.MetaDescription, pc.MetaKeywords = md.title, md.description, md.keywords

	text, strategy := e.run(doc)
	pc.OriginalLength = runeLen(text)
	if text == "" {
		strategy = domain.StrategyNone
	}
	pc.Text, pc.Truncated = bound(text, e.budget)
	pc.Strategy = strategy

	span.SetAttributes(
		tracer.StringAttr("page.url", pc.URL),
		tracer.StringAttr("extract.strategy", string(pc.Strategy)),
		tracer.IntAttr("extract.length", pc.OriginalLength),
	)
	tracer.SetOK(span)
	e.logger.Debug("page extracted",
		"url", pc.URL,
		"strategy", pc.Strategy,
		"length", pc.OriginalLength,
		"truncated", pc.Truncated,
	)
	return pc
}

func (e *Extractor) run(doc *Document) (string, domain.ExtractionStrategy) {
	if text := guard(e.logger, "readability", func() string { return readability(doc, e.minChars) }); text != "" {
		return text, domain.StrategyReadability
	}
	if text := guard(e.logger, "landmark", func() string {
		text, selector := landmark(doc, e.minChars)
		if text != "" {
			e.logger.Debug("landmark matched", "selector", selector)
		}
		return text
	}); text != "" {
		return text, domain.StrategyLandmark
	}
	if text := guard(e.logger, "visible_text", func() string { return visibleText(doc) }); text != "" {
		return text, domain.StrategyVisibleText
	}
	return "", domain.StrategyNone
}

// guard runs one pass, turning a panic into its zero result.
func guard[T any](logger *slog.Logger, pass string, fn func() T) (out T) {
	defer func() {
		if r := recover(); r != nil {
			logger.Debug("extraction pass failed",
				"pass", pass,
				"error", fmt.Errorf("%w: %v", domain.ErrExtractionFailed, r),
			)
			var zero T
			out = zero
		}
	}()
	return fn()
}
