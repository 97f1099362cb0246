package pipeline

import (
	"context"

	"github.com/teranos/codeload/extraction"
	"github.com/teranos/codeload/fetch"
	"github.com/teranos/codeload/resource"
	"github.com/teranos/codeload/sources"
)

// Fetcher retrieves a source document. A non-2xx response may come back with
// both a Result and an error.
type Fetcher interface {
	Fetch(ctx context.Context, location string) (*fetch.Result, error)
}

// Extractor turns text into rule items. Implementations are wrapped by
// extraction.CachedExtractor before the pipeline sees them.
type Extractor = extraction.Extractor

// SectionExtractor is the cache-fronted extractor the pipeline calls per section
type SectionExtractor interface {
	Extract(ctx context.Context, req extraction.Request) (*extraction.Outcome, error)
}

// ItemStore persists rule items idempotently by (resource key, section ref)
type ItemStore interface {
	UpsertItems(ctx context.Context, resourceKey string, items []resource.Item) (int, error)
}

// StatusWriter records resource availability
type StatusWriter interface {
	MarkLoading(ctx context.Context, key string) error
	MarkComplete(ctx context.Context, key string, itemCount int) error
	MarkFailed(ctx context.Context, key, message string) error
}

// SourceRegistry is the part of sources.Registry the pipeline drives
type SourceRegistry interface {
	RankSources(ctx context.Context, resourceKey string) ([]sources.Source, error)
	Fallback(ctx context.Context, names []string) ([]sources.Source, error)
	MapSource(ctx context.Context, resourceKey string, sourceID int64, method string, status sources.Verification) error
	RecordAttempt(ctx context.Context, sourceID int64, success bool, responseTimeMs int64) error
	RecordMappingResult(ctx context.Context, resourceKey string, sourceID int64, success bool) error
	LogScrape(ctx context.Context, e sources.ScrapeLogEntry) error
}

// SourceLimiter throttles requests per source
type SourceLimiter interface {
	Wait(ctx context.Context, src sources.Source) error
}

var (
	_ Fetcher          = (*fetch.HTTPFetcher)(nil)
	_ SectionExtractor = (*extraction.CachedExtractor)(nil)
	_ ItemStore        = (*resource.ItemStore)(nil)
	_ StatusWriter     = (*resource.StatusStore)(nil)
	_ SourceRegistry   = (*sources.Registry)(nil)
	_ SourceLimiter    = (*sources.Limiters)(nil)
)
