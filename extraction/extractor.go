package extraction

import (
	"context"

	"go.uber.org/zap"

	"github.com/teranos/codeload/errors"
	"github.com/teranos/codeload/logger"
	"github.com/teranos/codeload/pulse/budget"
	"github.com/teranos/codeload/resource"
)

// Result is what an extractor produced for one piece of text
type Result struct {
	Items      []resource.Item `json:"items"`
	Confidence float64         `json:"confidence"`
	TokensUsed int             `json:"tokens_used"`
	CostUSD    float64         `json:"cost_usd"`
	Model      string          `json:"model,omitempty"`
}

// Extractor turns regulatory text into rule items
type Extractor interface {
	Extract(ctx context.Context, content, family string) (*Result, error)
}

// CostEstimator is implemented by extractors that can price a call up front
type CostEstimator interface {
	EstimateCost(content string) float64
}

// BudgetGate is the part of the budget tracker the cache consults
type BudgetGate interface {
	CheckBudget(ctx context.Context, estimatedCostUSD float64) error
	RecordCost(ctx context.Context, rec budget.CostRecord) error
}

// CallLimiter throttles calls to a paid extractor
type CallLimiter interface {
	Wait(ctx context.Context) error
}

// Request identifies one section to extract and who pays for it
type Request struct {
	JobID       string
	ResourceKey string
	SourceID    int64
	Family      string
	Content     string
}

// Outcome is a Result plus where it came from
type Outcome struct {
	Result      *Result
	Fingerprint string
	CacheHit    bool
}

// Cost operations recorded in cost_records
const (
	OperationExtract = "extract"
)

// CachedExtractor fronts an Extractor with the fingerprint cache. Hits never
// reach the inner extractor; misses are budget-checked, rate-limited,
// extracted, cached and billed.
type CachedExtractor struct {
	inner   Extractor
	cache   *Cache
	budget  BudgetGate
	limiter CallLimiter
	log     *zap.SugaredLogger
}

// NewCachedExtractor wires the cache around inner. budget and limiter may be nil.
func NewCachedExtractor(inner Extractor, cache *Cache, budget BudgetGate, limiter CallLimiter) *CachedExtractor {
	return &CachedExtractor{
		inner:   inner,
		cache:   cache,
		budget:  budget,
		limiter: limiter,
		log:     logger.ComponentLogger("extraction"),
	}
}

// Extract serves req from the cache or the inner extractor
func (c *CachedExtractor) Extract(ctx context.Context, req Request) (*Outcome, error) {
	fp := Fingerprint(req.Content, req.Family)

	entry, err := c.cache.Lookup(ctx, fp)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		if err := c.cache.RecordReuse(ctx, fp); err != nil {
			return nil, err
		}
		c.record(ctx, req, entry.Result, true)
		c.log.Debugw("Extraction cache hit",
			logger.FieldFingerprint, fp[:12],
			logger.FieldResourceKey, req.ResourceKey,
			"saved_usd", entry.OriginalCost)
		return &Outcome{Result: entry.Result, Fingerprint: fp, CacheHit: true}, nil
	}

	if c.budget != nil {
		var estimate float64
		if est, ok := c.inner.(CostEstimator); ok {
			estimate = est.EstimateCost(req.Content)
		}
		if err := c.budget.CheckBudget(ctx, estimate); err != nil {
			return nil, err
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "extraction rate limit wait interrupted")
		}
	}

	res, err := c.inner.Extract(ctx, req.Content, req.Family)
	if err != nil {
		err = errors.Mark(errors.Wrap(err, "extractor failed"), errors.ErrExtraction)
		return nil, errors.WithDetailf(err, "Resource: %s, Fingerprint: %s", req.ResourceKey, fp)
	}
	if res == nil {
		res = &Result{}
	}

	if err := c.cache.Store(ctx, fp, req.Family, res, res.Confidence, res.CostUSD); err != nil {
		return nil, err
	}
	c.record(ctx, req, res, false)

	return &Outcome{Result: res, Fingerprint: fp}, nil
}

// record writes the cost row. Billing failures are logged, not returned.
func (c *CachedExtractor) record(ctx context.Context, req Request, res *Result, hit bool) {
	if c.budget == nil {
		return
	}
	rec := budget.CostRecord{
		JobID:       req.JobID,
		ResourceKey: req.ResourceKey,
		SourceID:    req.SourceID,
		Operation:   OperationExtract,
		Model:       res.Model,
		CacheHit:    hit,
	}
	if !hit {
		rec.TokensUsed = res.TokensUsed
		rec.CostUSD = res.CostUSD
	}
	if err := c.budget.RecordCost(ctx, rec); err != nil {
		c.log.Warnw("Failed to record extraction cost",
			logger.FieldResourceKey, req.ResourceKey,
			logger.FieldError, err)
	}
}
