// Package pipeline runs the four acquisition stages for a load_codes job:
// discover candidate sources, fetch documents, extract rule items through the
// fingerprint cache, and persist them.
package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/codeload/am"
	"github.com/teranos/codeload/errors"
	"github.com/teranos/codeload/extraction"
	"github.com/teranos/codeload/logger"
	"github.com/teranos/codeload/pulse"
	"github.com/teranos/codeload/pulse/async"
	"github.com/teranos/codeload/resource"
	"github.com/teranos/codeload/sources"
)

// JobType is the job type this pipeline serves
const JobType = "load_codes"

// LocationPlaceholder in a source's base location is replaced with the
// escaped resource key
const LocationPlaceholder = "{resource_key}"

// Progress checkpoints
const (
	progressDiscoverStart = 5
	progressDiscoverDone  = 33
	progressFetchBase     = 35
	progressFetchSpan     = 31
	progressFetchDone     = 66
	progressExtractBase   = 68
	progressExtractSpan   = 27
	progressExtractDone   = 95
	progressPersistStart  = 96
	progressDone          = 100
)

// statusWriteTimeout bounds the failure write made after a job deadline
const statusWriteTimeout = 5 * time.Second

// ErrNoItems is returned when extraction produced nothing that validates
var ErrNoItems = errors.New("no items extracted")

// Config holds the pipeline's tunables
type Config struct {
	FallbackSources []string      // source names tried when discovery finds nothing
	ContentFamily   string        // fingerprint namespace
	FetchTimeout    time.Duration // per-source fetch deadline
}

// ConfigFromAM reads pipeline settings from the loaded configuration
func ConfigFromAM(cfg *am.Config) Config {
	return Config{
		FallbackSources: cfg.GetFallbackSources(),
		ContentFamily:   cfg.Extraction.ContentFamily,
		FetchTimeout:    time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
	}
}

// Result is stored as the job result of a completed load
type Result struct {
	Items        int      `json:"items"`
	SourcesUsed  []string `json:"sources_used"`
	CacheHits    int      `json:"cache_hits"`
	CacheMisses  int      `json:"cache_misses"`
	CostUSD      float64  `json:"cost_usd"`
	FallbackUsed bool     `json:"fallback_used"`
}

// Deps are the collaborators a Pipeline drives
type Deps struct {
	Registry  SourceRegistry
	Limiters  SourceLimiter
	Fetcher   Fetcher
	Extractor SectionExtractor
	Items     ItemStore
	Status    StatusWriter
}

// Pipeline implements async.JobHandler for load_codes jobs
type Pipeline struct {
	deps Deps
	cfg  Config
	log  *zap.SugaredLogger
}

var _ async.JobHandler = (*Pipeline)(nil)

// New creates a pipeline. Limiters may be nil.
func New(deps Deps, cfg Config) *Pipeline {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.ContentFamily == "" {
		cfg.ContentFamily = "building-code/v1"
	}
	return &Pipeline{
		deps: deps,
		cfg:  cfg,
		log:  logger.ComponentLogger("pipeline"),
	}
}

// JobType implements async.JobHandler
func (p *Pipeline) JobType() string {
	return JobType
}

// run carries the state of one attempt
type run struct {
	job      *async.Job
	key      string
	log      *zap.SugaredLogger
	progress pulse.ProgressReporter
	result   *Result
	tried    map[int64]bool
}

func (r *run) report(ctx context.Context, percent int, format string, args ...interface{}) {
	_ = r.progress.Report(ctx, percent, fmt.Sprintf(format, args...))
}

// document is one successfully fetched source
type document struct {
	src     sources.Source
	content string
}

// Execute runs every stage from the start. A retried job replays all stages;
// persistence is idempotent so nothing from a failed attempt is resumed.
func (p *Pipeline) Execute(ctx context.Context, job *async.Job) (*async.Outcome, error) {
	r := &run{
		job:      job,
		key:      job.ResourceKey,
		log:      p.log.With(logger.FieldJobID, job.ID, logger.FieldResourceKey, job.ResourceKey),
		progress: pulse.ProgressFromContext(ctx),
		result:   &Result{SourcesUsed: []string{}},
		tried:    make(map[int64]bool),
	}

	if err := p.deps.Status.MarkLoading(ctx, r.key); err != nil {
		return nil, err
	}

	res, err := p.execute(ctx, r)
	if err != nil {
		p.recordFailure(ctx, r, err)
		return nil, err
	}
	return &async.Outcome{Result: res, ActualCost: res.CostUSD}, nil
}

func (p *Pipeline) execute(ctx context.Context, r *run) (*Result, error) {
	candidates, err := p.discover(ctx, r)
	if err != nil {
		return nil, err
	}

	docs, err := p.fetchStage(ctx, r, candidates)
	if err != nil {
		return nil, err
	}

	items, err := p.extractStage(ctx, r, docs)
	if err != nil {
		return nil, err
	}

	if err := p.persist(ctx, r, items); err != nil {
		return nil, err
	}

	r.log.Infow("Resource loaded",
		logger.FieldCount, r.result.Items,
		"cache_hits", r.result.CacheHits,
		"cache_misses", r.result.CacheMisses,
		logger.FieldCostUSD, r.result.CostUSD,
		"fallback_used", r.result.FallbackUsed,
	)
	return r.result, nil
}

// recordFailure leaves the error on the resource status. Shutdown and budget
// deferrals are not failures of the resource; a job deadline is, and its
// status write must outlive the expired context.
func (p *Pipeline) recordFailure(ctx context.Context, r *run, err error) {
	if errors.Is(err, errors.ErrBudgetExceeded) || errors.Is(ctx.Err(), context.Canceled) {
		return
	}
	msg := err.Error()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg = "job timed out: " + msg
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()
	if markErr := p.deps.Status.MarkFailed(writeCtx, r.key, msg); markErr != nil {
		r.log.Warnw("Failed to record resource failure", logger.FieldError, markErr)
	}
}

// discover returns ranked candidates, or the fallback set when nothing is mapped
func (p *Pipeline) discover(ctx context.Context, r *run) ([]sources.Source, error) {
	r.report(ctx, progressDiscoverStart, "Discovering sources")

	ranked, err := p.deps.Registry.RankSources(ctx, r.key)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.log.Warnw("Source ranking failed, using fallback set", logger.FieldError, err)
		ranked = nil
	}

	if len(ranked) == 0 {
		fallback, err := p.fallback(ctx, r)
		if err != nil {
			return nil, err
		}
		ranked = fallback
	}
	if len(ranked) == 0 {
		return nil, errors.WithDetailf(
			errors.Mark(errors.New("no sources mapped and no fallback sources available"), errors.ErrNoSources),
			"Resource: %s", r.key)
	}

	r.report(ctx, progressDiscoverDone, "Found %d candidate sources", len(ranked))
	return ranked, nil
}

// fallback loads the configured fallback sources, minus any already tried
func (p *Pipeline) fallback(ctx context.Context, r *run) ([]sources.Source, error) {
	srcs, err := p.deps.Registry.Fallback(ctx, p.cfg.FallbackSources)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load fallback sources")
	}
	out := srcs[:0]
	for _, src := range srcs {
		if r.tried[src.ID] {
			continue
		}
		if err := p.deps.Registry.MapSource(ctx, r.key, src.ID, sources.DiscoveryFallback, sources.Unverified); err != nil {
			r.log.Warnw("Failed to map fallback source",
				logger.FieldSourceName, src.Name,
				logger.FieldError, err)
		}
		out = append(out, src)
	}
	r.result.FallbackUsed = r.result.FallbackUsed || len(out) > 0
	return out, nil
}

// fetchStage fetches every candidate, skipping failures. When all ranked
// candidates fail the fallback set is tried once.
func (p *Pipeline) fetchStage(ctx context.Context, r *run, candidates []sources.Source) ([]document, error) {
	docs, err := p.fetchAll(ctx, r, candidates)
	if err != nil {
		return nil, err
	}

	if len(docs) == 0 && !r.result.FallbackUsed {
		r.log.Infow("All ranked sources failed, trying fallback set", logger.FieldCount, len(candidates))
		fallback, err := p.fallback(ctx, r)
		if err != nil {
			return nil, err
		}
		if docs, err = p.fetchAll(ctx, r, fallback); err != nil {
			return nil, err
		}
	}

	if len(docs) == 0 {
		err := errors.Mark(errors.Newf("all %d sources failed", len(r.tried)), errors.ErrNoSources)
		return nil, errors.WithDetailf(err, "Resource: %s", r.key)
	}

	r.report(ctx, progressFetchDone, "Fetched %d documents", len(docs))
	return docs, nil
}

func (p *Pipeline) fetchAll(ctx context.Context, r *run, candidates []sources.Source) ([]document, error) {
	var docs []document
	for i, src := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.tried[src.ID] = true

		content, err := p.fetchOne(ctx, r, src)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.log.Warnw("Source fetch failed, trying next",
				logger.FieldSourceName, src.Name,
				logger.FieldError, err)
		} else {
			docs = append(docs, document{src: src, content: content})
			r.result.SourcesUsed = append(r.result.SourcesUsed, src.Name)
		}

		r.report(ctx, progressFetchBase+(i+1)*progressFetchSpan/len(candidates),
			"Fetched %d of %d sources", i+1, len(candidates))
	}
	return docs, nil
}

// fetchOne fetches one source and records the attempt on the registry.
// Bookkeeping failures are logged; only the fetch outcome is returned.
func (p *Pipeline) fetchOne(ctx context.Context, r *run, src sources.Source) (string, error) {
	if p.deps.Limiters != nil {
		if err := p.deps.Limiters.Wait(ctx, src); err != nil {
			return "", errors.Wrapf(err, "rate limit wait for %s", src.Name)
		}
	}

	location := Location(src, r.key)
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	started := time.Now()
	res, err := p.deps.Fetcher.Fetch(fetchCtx, location)
	cancel()
	elapsed := time.Since(started)

	entry := sources.ScrapeLogEntry{
		JobID:          r.job.ID,
		ResourceKey:    r.key,
		SourceID:       src.ID,
		URL:            location,
		ResponseTimeMs: elapsed.Milliseconds(),
	}
	var content string
	if res != nil {
		entry.HTTPStatus = res.HTTPStatus
		entry.ContentBytes = res.Bytes
		if res.Latency > 0 {
			entry.ResponseTimeMs = res.Latency.Milliseconds()
		}
		content = res.Content
	}
	if err == nil && strings.TrimSpace(content) == "" {
		err = errors.Newf("source %s returned an empty document", src.Name)
	}
	entry.Success = err == nil
	if err != nil {
		entry.ErrorMessage = err.Error()
	}

	// Shutdown mid-fetch says nothing about the source
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	p.recordAttempt(ctx, r, src, entry)

	if err != nil {
		return "", err
	}
	return content, nil
}

func (p *Pipeline) recordAttempt(ctx context.Context, r *run, src sources.Source, entry sources.ScrapeLogEntry) {
	if err := p.deps.Registry.LogScrape(ctx, entry); err != nil {
		r.log.Warnw("Failed to write scrape log", logger.FieldSourceID, src.ID, logger.FieldError, err)
	}
	if err := p.deps.Registry.RecordAttempt(ctx, src.ID, entry.Success, entry.ResponseTimeMs); err != nil {
		r.log.Warnw("Failed to record source attempt", logger.FieldSourceID, src.ID, logger.FieldError, err)
	}
	if err := p.deps.Registry.RecordMappingResult(ctx, r.key, src.ID, entry.Success); err != nil {
		r.log.Warnw("Failed to record mapping result", logger.FieldSourceID, src.ID, logger.FieldError, err)
	}
}

// sectionJob is one section queued for extraction
type sectionJob struct {
	src     sources.Source
	section extraction.Section
}

// extractStage extracts every section of every document through the cache.
// Any extractor error fails the attempt.
func (p *Pipeline) extractStage(ctx context.Context, r *run, docs []document) ([]resource.Item, error) {
	var queue []sectionJob
	for _, doc := range docs {
		for _, sec := range extraction.SplitSections(doc.content) {
			queue = append(queue, sectionJob{src: doc.src, section: sec})
		}
	}
	if len(queue) == 0 {
		return nil, errors.Mark(errors.Newf("fetched documents for %s contain no text", r.key), errors.ErrExtraction)
	}

	var items []resource.Item
	refs := make(map[string]bool)
	for i, sj := range queue {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, err := p.deps.Extractor.Extract(ctx, extraction.Request{
			JobID:       r.job.ID,
			ResourceKey: r.key,
			SourceID:    sj.src.ID,
			Family:      p.family(sj.src),
			Content:     sj.section.Text,
		})
		if err != nil {
			return nil, errors.WithDetailf(err, "Section: %s, Source: %s", sj.section.Ref, sj.src.Name)
		}

		if out.CacheHit {
			r.result.CacheHits++
		} else {
			r.result.CacheMisses++
			r.result.CostUSD += out.Result.CostUSD
		}
		for _, it := range out.Result.Items {
			it.SourceID = sj.src.ID
			it.Fingerprint = out.Fingerprint
			if it.SectionRef == "" || it.SectionRef == extraction.DocumentSectionRef {
				it.SectionRef = sj.section.Ref
			}
			if refs[it.SectionRef] {
				it.SectionRef = it.SectionRef + "/" + resource.NormalizeCategory(it.Category)
			}
			if refs[it.SectionRef] {
				continue
			}
			refs[it.SectionRef] = true
			items = append(items, it)
		}

		r.report(ctx, progressExtractBase+(i+1)*progressExtractSpan/len(queue),
			"Extracted %d of %d sections", i+1, len(queue))
	}

	r.report(ctx, progressExtractDone, "Extracted %d items", len(items))
	return items, nil
}

// family namespaces fingerprints by code family and content version
func (p *Pipeline) family(src sources.Source) string {
	if src.CodeFamily == "" {
		return p.cfg.ContentFamily
	}
	return src.CodeFamily + "/" + p.cfg.ContentFamily
}

// persist validates and upserts the items, then marks the resource complete
func (p *Pipeline) persist(ctx context.Context, r *run, items []resource.Item) error {
	r.report(ctx, progressPersistStart, "Persisting items")

	valid := make([]resource.Item, 0, len(items))
	for _, it := range items {
		norm, err := resource.Normalize(it)
		if err != nil {
			r.log.Debugw("Dropping invalid item", "section_ref", it.SectionRef, logger.FieldError, err)
			continue
		}
		valid = append(valid, norm)
	}
	if len(valid) == 0 {
		return errors.WithDetailf(errors.Mark(ErrNoItems, errors.ErrExtraction),
			"Resource: %s, Candidates: %d", r.key, len(items))
	}

	n, err := p.deps.Items.UpsertItems(ctx, r.key, valid)
	if err != nil {
		return err
	}
	if err := p.deps.Status.MarkComplete(ctx, r.key, n); err != nil {
		return err
	}
	r.result.Items = n

	r.report(ctx, progressDone, "Loaded %d items", n)
	return nil
}

// Location resolves the URL fetched for key from a source
func Location(src sources.Source, key string) string {
	return strings.ReplaceAll(src.BaseLocation, LocationPlaceholder, url.PathEscape(key))
}
