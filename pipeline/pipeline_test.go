package pipeline

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/codeload/errors"
	"github.com/teranos/codeload/extraction"
	"github.com/teranos/codeload/fetch"
	codeloadtest "github.com/teranos/codeload/internal/testing"
	"github.com/teranos/codeload/pulse"
	"github.com/teranos/codeload/pulse/async"
	"github.com/teranos/codeload/pulse/budget"
	"github.com/teranos/codeload/resource"
	"github.com/teranos/codeload/sources"
)

const stairText = `SECTION R311.7.5.1 Risers.
The riser height shall be not more than 7.75 inches.

SECTION R312.1.2 Height.
Required guards at open-sided walking surfaces shall be not less than 36 inches in height.
`

// fakeFetcher serves canned documents by location
type fakeFetcher struct {
	mu    sync.Mutex
	docs  map[string]string
	calls []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, location string) (*fetch.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, location)
	f.mu.Unlock()
	doc, ok := f.docs[location]
	if !ok {
		return &fetch.Result{HTTPStatus: 503, Latency: 40 * time.Millisecond},
			errors.Mark(errors.Newf("GET %s: status 503", location), fetch.ErrUpstream)
	}
	return &fetch.Result{Content: doc, HTTPStatus: 200, Latency: 120 * time.Millisecond, Bytes: len(doc)}, nil
}

// countingExtractor counts calls to the heuristic extractor it wraps
type countingExtractor struct {
	inner extraction.Extractor
	calls atomic.Int32
	err   error
	block bool // wait for the context to end
}

func (c *countingExtractor) Extract(ctx context.Context, content, family string) (*extraction.Result, error) {
	c.calls.Add(1)
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.inner.Extract(ctx, content, family)
}

type fixture struct {
	db        *sql.DB
	registry  *sources.Registry
	status    *resource.StatusStore
	items     *resource.ItemStore
	cache     *extraction.Cache
	fetcher   *fakeFetcher
	extractor *countingExtractor
	pipeline  *Pipeline
}

func newFixture(t *testing.T, fallback ...string) *fixture {
	t.Helper()
	db := codeloadtest.CreateTestDB(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	f := &fixture{
		db:        db,
		registry:  sources.NewRegistryWithClock(db, clock),
		status:    resource.NewStatusStoreWithClock(db, clock),
		items:     resource.NewItemStoreWithClock(db, clock),
		cache:     extraction.NewCacheWithClock(db, clock),
		fetcher:   &fakeFetcher{docs: map[string]string{}},
		extractor: &countingExtractor{inner: extraction.NewHeuristicExtractor()},
	}
	tracker := budget.NewTrackerWithClock(db, budget.BudgetConfig{
		DailyBudgetUSD: 5, WeeklyBudgetUSD: 20, MonthlyBudgetUSD: 50,
	}, clock)

	f.pipeline = New(Deps{
		Registry:  f.registry,
		Limiters:  sources.NewLimiters(),
		Fetcher:   f.fetcher,
		Extractor: extraction.NewCachedExtractor(f.extractor, f.cache, tracker, nil),
		Items:     f.items,
		Status:    f.status,
	}, Config{FallbackSources: fallback, ContentFamily: "building-code/v1", FetchTimeout: time.Second})
	return f
}

func (f *fixture) addSource(t *testing.T, name, location string) int64 {
	t.Helper()
	id, err := f.registry.Upsert(context.Background(), &sources.Source{
		Name:         name,
		SourceType:   sources.TypeModelCode,
		BaseLocation: location,
		CodeFamily:   "IRC",
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) mapSource(t *testing.T, key string, id int64) {
	t.Helper()
	require.NoError(t, f.registry.MapSource(context.Background(), key, id, sources.DiscoveryManual, sources.Unverified))
}

func newJob(t *testing.T, key string) *async.Job {
	t.Helper()
	job, err := async.NewJob(key, JobType, 5, async.CategoryBackground, 3, time.Now())
	require.NoError(t, err)
	job.State = async.JobStateRunning
	return job
}

// progressLog records every reported checkpoint
type progressLog struct {
	mu     sync.Mutex
	values []int
}

func (p *progressLog) ctx() context.Context {
	return pulse.WithProgress(context.Background(), pulse.ProgressFunc(func(_ context.Context, percent int, _ string) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.values = append(p.values, percent)
		return nil
	}))
}

func TestPipeline_FailedTopSourceFallsThroughToNext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alpha := f.addSource(t, "Alpha Codes", "https://alpha.example/codes/{resource_key}")
	beta := f.addSource(t, "Beta Library", "https://beta.example/{resource_key}")
	f.mapSource(t, "us/co/denver", alpha)
	f.mapSource(t, "us/co/denver", beta)

	t.Log("Alpha has a good track record, so it ranks first")
	for i := 0; i < 3; i++ {
		require.NoError(t, f.registry.RecordAttempt(ctx, alpha, true, 100))
	}
	before, err := f.registry.Get(ctx, alpha)
	require.NoError(t, err)

	t.Log("Today Alpha is down and only Beta serves the document")
	f.fetcher.docs["https://beta.example/us%2Fco%2Fdenver"] = stairText

	progress := &progressLog{}
	job := newJob(t, "us/co/denver")
	out, err := f.pipeline.Execute(progress.ctx(), job)
	require.NoError(t, err)
	require.NotNil(t, out)

	res := out.Result.(*Result)
	assert.Equal(t, 2, res.Items)
	assert.Equal(t, []string{"Beta Library"}, res.SourcesUsed)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, 2, res.CacheMisses)
	assert.Equal(t, []string{
		"https://alpha.example/codes/us%2Fco%2Fdenver",
		"https://beta.example/us%2Fco%2Fdenver",
	}, f.fetcher.calls)

	status, err := f.status.Get(ctx, "us/co/denver")
	require.NoError(t, err)
	assert.Equal(t, resource.StateComplete, status.State)
	assert.Equal(t, 2, status.ItemCount)

	after, err := f.registry.Get(ctx, alpha)
	require.NoError(t, err)
	assert.Equal(t, before.FailureCount+1, after.FailureCount)
	assert.Less(t, after.ReliabilityScore, before.ReliabilityScore)

	betaSrc, err := f.registry.Get(ctx, beta)
	require.NoError(t, err)
	assert.Equal(t, 1, betaSrc.SuccessCount)

	scrapes, err := f.registry.CountScrapes(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, scrapes)

	assert.IsNonDecreasing(t, progress.values)
	assert.Equal(t, 5, progress.values[0])
	assert.Equal(t, 100, progress.values[len(progress.values)-1])
	assert.Contains(t, progress.values, 33)
	assert.Contains(t, progress.values, 66)
	assert.Contains(t, progress.values, 95)
}

func TestPipeline_UnmappedKeyUsesFallbackSet(t *testing.T) {
	f := newFixture(t, "IRC 2021", "Missing Source")
	ctx := context.Background()

	irc := f.addSource(t, "IRC 2021", "https://codes.example/IRC2021")
	f.fetcher.docs["https://codes.example/IRC2021"] = stairText

	t.Log("Kirby asks for Boulder, which no source is mapped to yet")
	out, err := f.pipeline.Execute(context.Background(), newJob(t, "us/co/boulder"))
	require.NoError(t, err)

	res := out.Result.(*Result)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, []string{"IRC 2021"}, res.SourcesUsed)

	mappings, err := f.registry.Mappings(ctx, "us/co/boulder")
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, irc, mappings[0].SourceID)
	assert.Equal(t, sources.DiscoveryFallback, mappings[0].DiscoveryMethod)
	assert.Equal(t, sources.Verified, mappings[0].VerificationStatus, "a successful fetch verifies the mapping")
}

func TestPipeline_AllRankedFailTriesFallbackOnce(t *testing.T) {
	f := newFixture(t, "IRC 2021")

	dead := f.addSource(t, "Dead Mirror", "https://dead.example/")
	f.mapSource(t, "us/tx/austin", dead)
	f.addSource(t, "IRC 2021", "https://codes.example/IRC2021")
	f.fetcher.docs["https://codes.example/IRC2021"] = stairText

	out, err := f.pipeline.Execute(context.Background(), newJob(t, "us/tx/austin"))
	require.NoError(t, err)

	res := out.Result.(*Result)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, []string{"IRC 2021"}, res.SourcesUsed)
	assert.Len(t, f.fetcher.calls, 2)
}

func TestPipeline_NoSourcesAnywhere(t *testing.T) {
	f := newFixture(t, "IRC 2021")

	dead := f.addSource(t, "Dead Mirror", "https://dead.example/")
	f.mapSource(t, "us/tx/austin", dead)

	_, err := f.pipeline.Execute(context.Background(), newJob(t, "us/tx/austin"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoSources))

	status, err := f.status.Get(context.Background(), "us/tx/austin")
	require.NoError(t, err)
	assert.Equal(t, resource.StateFailed, status.State)
	assert.NotEmpty(t, status.ErrorMessage)
}

func TestPipeline_SecondResourceReusesCachedExtraction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Log("Yugi and TAS Bot's cities both adopt the model code verbatim")
	src := f.addSource(t, "IRC Mirror", "https://irc.example/{resource_key}")
	f.mapSource(t, "us/co/denver", src)
	f.mapSource(t, "us/co/boulder", src)
	f.fetcher.docs["https://irc.example/us%2Fco%2Fdenver"] = stairText
	f.fetcher.docs["https://irc.example/us%2Fco%2Fboulder"] = "  " + stairText

	_, err := f.pipeline.Execute(ctx, newJob(t, "us/co/denver"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.extractor.calls.Load())

	out, err := f.pipeline.Execute(ctx, newJob(t, "us/co/boulder"))
	require.NoError(t, err)
	res := out.Result.(*Result)
	assert.Equal(t, 2, res.CacheHits)
	assert.Equal(t, 0, res.CacheMisses)
	assert.Equal(t, int32(2), f.extractor.calls.Load(), "cached sections never reach the extractor")

	stats, err := f.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 2, stats.TotalReuses)

	n, err := f.items.CountItems(ctx, "us/co/boulder")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPipeline_RetryDoesNotDuplicateItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.addSource(t, "IRC Mirror", "https://irc.example/doc")
	f.mapSource(t, "us/co/denver", src)
	f.fetcher.docs["https://irc.example/doc"] = stairText

	for i := 0; i < 2; i++ {
		_, err := f.pipeline.Execute(ctx, newJob(t, "us/co/denver"))
		require.NoError(t, err)
	}

	n, err := f.items.CountItems(ctx, "us/co/denver")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPipeline_ExtractionFailureFailsAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.extractor.err = errors.New("model unavailable")

	src := f.addSource(t, "IRC Mirror", "https://irc.example/doc")
	f.mapSource(t, "us/co/denver", src)
	f.fetcher.docs["https://irc.example/doc"] = stairText

	_, err := f.pipeline.Execute(ctx, newJob(t, "us/co/denver"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrExtraction))
	assert.Equal(t, async.ErrorCodeExtraction, async.ClassifyError("execute", err).Code)

	status, err := f.status.Get(ctx, "us/co/denver")
	require.NoError(t, err)
	assert.Equal(t, resource.StateFailed, status.State)
	assert.Contains(t, status.ErrorMessage, "model unavailable")

	t.Log("Failures are never cached")
	stats, err := f.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Entries)
}

func TestPipeline_NoItemsMarksFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src := f.addSource(t, "Press Releases", "https://news.example/")
	f.mapSource(t, "us/co/denver", src)
	f.fetcher.docs["https://news.example/"] = "Cronos opened a new library downtown."

	_, err := f.pipeline.Execute(ctx, newJob(t, "us/co/denver"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoItems))

	status, err := f.status.Get(ctx, "us/co/denver")
	require.NoError(t, err)
	assert.Equal(t, resource.StateFailed, status.State)
	assert.Equal(t, "no items extracted", status.ErrorMessage)
}

func TestPipeline_CancelledContextStops(t *testing.T) {
	f := newFixture(t)
	src := f.addSource(t, "IRC Mirror", "https://irc.example/doc")
	f.mapSource(t, "us/co/denver", src)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.pipeline.Execute(ctx, newJob(t, "us/co/denver"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestPipeline_JobDeadlineMarksResourceFailed(t *testing.T) {
	f := newFixture(t)
	src := f.addSource(t, "IRC Mirror", "https://irc.example/doc")
	f.mapSource(t, "us/co/denver", src)
	f.fetcher.docs["https://irc.example/doc"] = stairText
	f.extractor.block = true

	t.Log("TAS Bot's extraction hangs until the job deadline passes")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := f.pipeline.Execute(ctx, newJob(t, "us/co/denver"))
	require.Error(t, err)

	status, err := f.status.Get(context.Background(), "us/co/denver")
	require.NoError(t, err)
	assert.Equal(t, resource.StateFailed, status.State)
	assert.Contains(t, status.ErrorMessage, "job timed out")
}

func TestPipeline_ShutdownLeavesResourceLoading(t *testing.T) {
	f := newFixture(t)
	src := f.addSource(t, "IRC Mirror", "https://irc.example/doc")
	f.mapSource(t, "us/co/denver", src)
	f.fetcher.docs["https://irc.example/doc"] = stairText
	f.extractor.block = true

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := f.pipeline.Execute(ctx, newJob(t, "us/co/denver"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	status, err := f.status.Get(context.Background(), "us/co/denver")
	require.NoError(t, err)
	assert.Equal(t, resource.StateLoading, status.State)
	assert.Empty(t, status.ErrorMessage)
}

func TestLocation(t *testing.T) {
	src := sources.Source{BaseLocation: "https://library.example/{resource_key}/codes"}
	assert.Equal(t, "https://library.example/us%2Fco%2Fdenver/codes", Location(src, "us/co/denver"))

	plain := sources.Source{BaseLocation: "https://codes.iccsafe.org/content/IRC2021P1"}
	assert.Equal(t, plain.BaseLocation, Location(plain, "us/co/denver"))
}
