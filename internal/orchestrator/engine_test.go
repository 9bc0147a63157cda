package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
	"github.com/JakeFAU/jobmarket-crawler/internal/dedup"
	"github.com/JakeFAU/jobmarket-crawler/internal/dispatcher"
	"github.com/JakeFAU/jobmarket-crawler/internal/identity"
	"github.com/JakeFAU/jobmarket-crawler/internal/planner"
	memorypub "github.com/JakeFAU/jobmarket-crawler/internal/publisher/memory"
	"github.com/JakeFAU/jobmarket-crawler/internal/storage/memory"
	"github.com/JakeFAU/jobmarket-crawler/internal/worker"
)

var (
	egyptBackend  = crawler.DimensionKey{Country: "Egypt", Category: "Software Engineering", Keyword: "backend"}
	egyptFrontend = crawler.DimensionKey{Country: "Egypt", Category: "Software Engineering", Keyword: "frontend"}
	egyptSWE      = crawler.Destination{Country: "Egypt", Category: "Software Engineering"}
)

// pages maps a key and cursor to the listing URLs served there.
type pages map[crawler.DimensionKey]map[int][]string

func listingURLs(key crawler.DimensionKey, cursor, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("https://www.linkedin.com/jobs/view/%s-%d-%d", key.Keyword, cursor, i)
	}
	return out
}

type fakeFetcher struct {
	mu      sync.Mutex
	pages   pages
	fetched []string
	onFetch func(req crawler.FetchRequest)
}

func (f *fakeFetcher) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, fmt.Sprintf("%s@%d", req.Key.Keyword, req.Cursor))
	urls := f.pages[req.Key][req.Cursor]
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return crawler.FetchResponse{
		StatusCode:  http.StatusOK,
		ContentType: "text/html",
		Body:        []byte(strings.Join(urls, "\n")),
	}, nil
}

func (f *fakeFetcher) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

type lineParser struct{}

func (lineParser) Parse(content []byte, _ string) ([]crawler.ListingRecord, error) {
	if len(content) == 0 {
		return nil, nil
	}
	var out []crawler.ListingRecord
	for _, line := range strings.Split(string(content), "\n") {
		out = append(out, crawler.ListingRecord{Title: "Engineer", Company: "Acme", Location: "Cairo", URL: line})
	}
	return out, nil
}

type memCheckpoints struct {
	mu      sync.Mutex
	cp      crawler.Checkpoint
	history []crawler.Checkpoint
	loadErr error
	saveErr error
}

func (m *memCheckpoints) Load(context.Context) (crawler.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return crawler.Checkpoint{}, m.loadErr
	}
	return m.cp, nil
}

func (m *memCheckpoints) Save(_ context.Context, cp crawler.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.cp = cp
	m.history = append(m.history, cp)
	return nil
}

func (m *memCheckpoints) positions() [][2]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][2]int, len(m.history))
	for i, cp := range m.history {
		out[i] = [2]int{cp.DimensionIndex, cp.PageCursor}
	}
	return out
}

func (m *memCheckpoints) current() crawler.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cp
}

// flakySink fails the appends listed in failOn (1-based) and delegates the rest.
type flakySink struct {
	*memory.Sink
	mu      sync.Mutex
	appends int
	failOn  map[int]bool
	readErr error
}

func (s *flakySink) Append(ctx context.Context, dest crawler.Destination, records []crawler.ListingRecord) error {
	s.mu.Lock()
	s.appends++
	fail := s.failOn[s.appends]
	s.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return s.Sink.Append(ctx, dest, records)
}

func (s *flakySink) ExistingIdentities(ctx context.Context, dest crawler.Destination) ([]crawler.Identity, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.Sink.ExistingIdentities(ctx, dest)
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

type brokenIDs struct{}

func (brokenIDs) NewID() (string, error) { return "", errors.New("entropy exhausted") }

type nopPauser struct{}

func (nopPauser) Pause(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type fixture struct {
	fetcher     *fakeFetcher
	sink        crawler.Sink
	checkpoints *memCheckpoints
	publisher   *memorypub.Publisher
	engine      *Engine
}

type options struct {
	countries []string
	keywords  []string
	scope     dedup.Scope
	batchSize int
	sink      crawler.Sink
	store     *memCheckpoints
	publisher *memorypub.Publisher
	fetcher   *fakeFetcher
	ids       crawler.IDGenerator
}

func newFixture(t *testing.T, served pages, opts options) fixture {
	t.Helper()
	if len(opts.countries) == 0 {
		opts.countries = []string{"Egypt"}
	}
	if len(opts.keywords) == 0 {
		opts.keywords = []string{"backend"}
	}
	if opts.batchSize == 0 {
		opts.batchSize = 1
	}
	if opts.sink == nil {
		opts.sink = memory.NewSink()
	}
	if opts.store == nil {
		opts.store = &memCheckpoints{}
	}
	if opts.publisher == nil {
		opts.publisher = memorypub.New()
	}
	if opts.fetcher == nil {
		opts.fetcher = &fakeFetcher{pages: served}
	}
	if opts.ids == nil {
		opts.ids = &seqIDs{}
	}

	plan, err := planner.New(planner.Dimensions{
		Countries:  opts.countries,
		Categories: []crawler.Category{{Name: "Software Engineering", Keywords: opts.keywords}},
	})
	require.NoError(t, err)

	ctrl, err := dispatcher.New(dispatcher.Config{MaxConcurrent: 3, BatchSize: opts.batchSize},
		dispatcher.WithPauser(nopPauser{}))
	require.NoError(t, err)

	clock := fixedClock{now: time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)}
	driver, err := worker.New(worker.Deps{
		Fetcher:    opts.fetcher,
		Parser:     lineParser{},
		Identities: identity.Static("agent/1.0"),
		Dispatcher: ctrl,
		Retry:      crawler.NewFixedRetryPolicy(3, time.Millisecond),
		Pauser:     nopPauser{},
		Clock:      clock,
	}, worker.Config{}, zap.NewNop())
	require.NoError(t, err)

	engine, err := New(Config{NotifyTopic: "crawl-runs"}, Deps{
		Planner:     plan,
		Driver:      driver,
		Dedup:       dedup.New(opts.scope),
		Sink:        opts.sink,
		Checkpoints: opts.store,
		Publisher:   opts.publisher,
		Clock:       clock,
		IDs:         opts.ids,
	}, zap.NewNop())
	require.NoError(t, err)

	return fixture{
		fetcher:     opts.fetcher,
		sink:        opts.sink,
		checkpoints: opts.store,
		publisher:   opts.publisher,
		engine:      engine,
	}
}

func backendPages() pages {
	return pages{egyptBackend: {
		0:  listingURLs(egyptBackend, 0, 3),
		10: listingURLs(egyptBackend, 10, 3),
	}}
}

func storedURLs(s crawler.Sink, dest crawler.Destination) []string {
	type recorder interface {
		Records(crawler.Destination) []crawler.ListingRecord
	}
	var out []string
	for _, rec := range s.(recorder).Records(dest) {
		out = append(out, rec.URL)
	}
	return out
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{}, nil)
	require.Error(t, err)

	fx := newFixture(t, nil, options{})
	deps := fx.engine.deps
	_, err = New(Config{}, deps, nil)
	var cfgErr *crawler.ConfigurationError
	require.ErrorAs(t, err, &cfgErr, "publisher without topic")
}

func TestRunEndToEnd(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, backendPages(), options{})
	report, err := fx.engine.Run(context.Background())
	require.NoError(t, err)

	want := append(listingURLs(egyptBackend, 0, 3), listingURLs(egyptBackend, 10, 3)...)
	assert.Equal(t, want, storedURLs(fx.sink, egyptSWE))
	assert.Equal(t, []string{"backend@0", "backend@10", "backend@20"}, fx.fetcher.calls())

	assert.Equal(t, [][2]int{{0, 10}, {0, 20}, {1, 0}}, fx.checkpoints.positions())
	assert.Equal(t, 1, fx.checkpoints.current().DimensionIndex)
	assert.Equal(t, 0, fx.checkpoints.current().PageCursor)

	require.Len(t, report.Keys, 1)
	assert.Equal(t, crawler.KeyCompleted, report.Keys[0].State)
	assert.Equal(t, worker.StopEmpty, report.Keys[0].Stop)
	assert.Equal(t, 6, report.Keys[0].Records)

	s := report.Summary
	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, crawler.RunCompleted, s.Status)
	assert.Equal(t, 1, s.TotalKeys)
	assert.Equal(t, 1, s.QueriesCompleted)
	assert.Equal(t, 3, s.PagesFetched)
	assert.Equal(t, 1, s.PagesEmpty)
	assert.Equal(t, 6, s.RecordsPersisted)
	assert.Zero(t, s.RecordsDeduplicated)

	msgs := fx.publisher.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "crawl-runs", msgs[0].Topic)
	assert.Equal(t, s, msgs[0].Payload)
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, backendPages(), options{})
	_, err := fx.engine.Run(context.Background())
	require.NoError(t, err)

	report, err := fx.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.StartIndex)
	assert.Zero(t, report.Summary.PagesFetched)
	assert.Zero(t, report.Summary.RecordsPersisted)
	assert.Equal(t, "run-2", report.Summary.RunID)

	// Starting over against the same sink finds only duplicates.
	again := newFixture(t, backendPages(), options{sink: fx.sink})
	report, err = again.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Summary.RecordsPersisted)
	assert.Equal(t, 6, report.Summary.RecordsDeduplicated)
	assert.Len(t, storedURLs(fx.sink, egyptSWE), 6)
}

func TestSinkFailureLeavesCheckpointAndResumes(t *testing.T) {
	t.Parallel()

	base := memory.NewSink()
	store := &memCheckpoints{}
	failing := &flakySink{Sink: base, failOn: map[int]bool{2: true}}
	fx := newFixture(t, backendPages(), options{sink: failing, store: store})

	report, err := fx.engine.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, crawler.RunAborted, report.Summary.Status)
	assert.Equal(t, 1, report.Summary.QueriesAborted)
	assert.NotEmpty(t, report.Summary.ErrorText)
	require.Len(t, report.Keys, 1)
	assert.Equal(t, crawler.KeyAborted, report.Keys[0].State)
	assert.Equal(t, [][2]int{{0, 10}}, store.positions(), "failed append must not move the checkpoint")

	resumed := newFixture(t, backendPages(), options{sink: base, store: store})
	_, err = resumed.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"backend@10", "backend@20"}, resumed.fetcher.calls())

	uninterrupted := newFixture(t, backendPages(), options{})
	_, err = uninterrupted.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, storedURLs(uninterrupted.sink, egyptSWE), storedURLs(base, egyptSWE))
}

func TestAbortReportsUnreachedKeysAsPending(t *testing.T) {
	t.Parallel()

	served := backendPages()
	served[egyptFrontend] = map[int][]string{0: listingURLs(egyptFrontend, 0, 2)}
	failing := &flakySink{Sink: memory.NewSink(), failOn: map[int]bool{1: true}}
	fx := newFixture(t, served, options{keywords: []string{"backend", "frontend"}, sink: failing})

	report, err := fx.engine.Run(context.Background())
	require.Error(t, err)
	require.Len(t, report.Keys, 2)
	assert.Equal(t, crawler.KeyAborted, report.Keys[0].State)
	assert.Equal(t, KeyReport{Index: 1, Key: egyptFrontend, State: crawler.KeyPending}, report.Keys[1])
}

func TestRunIDFailureStillSummarizes(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, backendPages(), options{ids: brokenIDs{}})

	report, err := fx.engine.Run(context.Background())
	require.ErrorContains(t, err, "generate run id")
	assert.Equal(t, crawler.RunAborted, report.Summary.Status)
	assert.Equal(t, 1, report.Summary.TotalKeys)
	assert.Contains(t, report.Summary.ErrorText, "entropy exhausted")
	assert.Empty(t, report.Keys)
	assert.Empty(t, fx.fetcher.calls())
	assert.Len(t, fx.publisher.Messages(), 1)
}

func TestCheckpointSaveFailureAborts(t *testing.T) {
	t.Parallel()

	store := &memCheckpoints{saveErr: errors.New("read-only filesystem")}
	fx := newFixture(t, backendPages(), options{store: store})

	report, err := fx.engine.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, crawler.RunAborted, report.Summary.Status)
	assert.Equal(t, 3, report.Summary.RecordsPersisted, "records were appended before the save failed")
	assert.Equal(t, []string{"backend@0"}, fx.fetcher.calls())
}

func TestRunResumesFromCursor(t *testing.T) {
	t.Parallel()

	store := &memCheckpoints{cp: crawler.Checkpoint{DimensionIndex: 0, PageCursor: 10}}
	fx := newFixture(t, backendPages(), options{store: store})

	report, err := fx.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, report.Summary.StartCursor)
	assert.Equal(t, []string{"backend@10", "backend@20"}, fx.fetcher.calls())
	assert.Equal(t, listingURLs(egyptBackend, 10, 3), storedURLs(fx.sink, egyptSWE))
}

func TestRunSkipsCompletedKeysOnResume(t *testing.T) {
	t.Parallel()

	served := backendPages()
	served[egyptFrontend] = map[int][]string{0: listingURLs(egyptFrontend, 0, 2)}
	store := &memCheckpoints{cp: crawler.Checkpoint{DimensionIndex: 1}}
	fx := newFixture(t, served, options{keywords: []string{"backend", "frontend"}, store: store})

	report, err := fx.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"frontend@0", "frontend@10"}, fx.fetcher.calls())
	require.Len(t, report.Keys, 1)
	assert.Equal(t, egyptFrontend, report.Keys[0].Key)
	assert.Equal(t, 1, report.Keys[0].Index)
	assert.Equal(t, crawler.Checkpoint{DimensionIndex: 2, CountryIndex: 1}, fx.checkpoints.current())
}

func TestRunDeduplicatesAcrossKeys(t *testing.T) {
	t.Parallel()

	shared := "https://eg.linkedin.com/jobs/view/shared-1?refId=abc&trackingId=xyz"
	served := pages{
		egyptBackend:  {0: {shared, "https://www.linkedin.com/jobs/view/backend-only"}},
		egyptFrontend: {0: {"https://www.linkedin.com/jobs/view/shared-1", "https://www.linkedin.com/jobs/view/frontend-only"}},
	}
	fx := newFixture(t, served, options{keywords: []string{"backend", "frontend"}})

	report, err := fx.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Summary.RecordsPersisted)
	assert.Equal(t, 1, report.Summary.RecordsDeduplicated)
	assert.Equal(t, 2, report.Summary.QueriesCompleted)
	assert.Len(t, storedURLs(fx.sink, egyptSWE), 3)
	assert.Equal(t, 1, report.Keys[1].Duplicates)
}

func TestRunCountsHeuristicStops(t *testing.T) {
	t.Parallel()

	served := pages{egyptBackend: {
		0:  listingURLs(egyptBackend, 0, 2),
		10: listingURLs(egyptBackend, 10, 2),
		20: listingURLs(egyptBackend, 20, 2),
	}}
	fx := newFixture(t, served, options{batchSize: 10})

	report, err := fx.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.QueriesStoppedByHeuristic)
	assert.Equal(t, 10, report.Summary.PagesFetched)
	assert.Equal(t, 7, report.Summary.PagesEmpty)
	assert.Equal(t, 6, report.Summary.RecordsPersisted)
	assert.Equal(t, worker.StopThreshold, report.Keys[0].Stop)
	assert.Equal(t, [][2]int{{0, 10}, {0, 20}, {0, 30}, {1, 0}}, fx.checkpoints.positions())
}

func TestCorruptCheckpointStartsOver(t *testing.T) {
	t.Parallel()

	store := &memCheckpoints{loadErr: fmt.Errorf("%w: invalid character", crawler.ErrCheckpointCorrupt)}
	fx := newFixture(t, backendPages(), options{store: store})

	report, err := fx.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Summary.StartIndex)
	assert.Equal(t, 6, report.Summary.RecordsPersisted)
}

func TestCheckpointLoadFailureIsFatal(t *testing.T) {
	t.Parallel()

	store := &memCheckpoints{loadErr: errors.New("permission denied")}
	fx := newFixture(t, backendPages(), options{store: store})

	_, err := fx.engine.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, fx.fetcher.calls())
}

func TestReconcileFailureIsConfigurationError(t *testing.T) {
	t.Parallel()

	sink := &flakySink{Sink: memory.NewSink(), readErr: errors.New("missing url column")}
	fx := newFixture(t, backendPages(), options{sink: sink})

	report, err := fx.engine.Run(context.Background())
	var cfgErr *crawler.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Empty(t, fx.fetcher.calls(), "no fetch before reconciliation")
	assert.Equal(t, crawler.RunAborted, report.Summary.Status)
}

func TestReconcileSeedsDedupFromSink(t *testing.T) {
	t.Parallel()

	sink := memory.NewSink()
	require.NoError(t, sink.Append(context.Background(), egyptSWE, []crawler.ListingRecord{
		{Location: " cairo ", URL: listingURLs(egyptBackend, 0, 1)[0]},
	}))
	fx := newFixture(t, backendPages(), options{sink: sink})

	report, err := fx.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, report.Summary.RecordsPersisted)
	assert.Equal(t, 1, report.Summary.RecordsDeduplicated)
}

func TestGlobalScopeResumeMatchesUninterruptedRun(t *testing.T) {
	t.Parallel()

	germanyBackend := crawler.DimensionKey{Country: "Germany", Category: "Software Engineering", Keyword: "backend"}
	shared := "https://www.linkedin.com/jobs/view/remote-1"
	served := func() pages {
		return pages{egyptBackend: {0: {shared}}, germanyBackend: {0: {shared}}}
	}
	countries := []string{"Egypt", "Germany"}

	whole := newFixture(t, served(), options{countries: countries, scope: dedup.ScopeGlobal})
	report, err := whole.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.RecordsPersisted)
	assert.Equal(t, 1, report.Summary.RecordsDeduplicated)

	sink := memory.NewSink()
	require.NoError(t, sink.Append(context.Background(), egyptSWE, []crawler.ListingRecord{{Location: "Cairo", URL: shared}}))
	store := &memCheckpoints{cp: crawler.Checkpoint{DimensionIndex: 1}}
	resumed := newFixture(t, served(), options{countries: countries, scope: dedup.ScopeGlobal, sink: sink, store: store})

	report, err = resumed.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"backend@0", "backend@10"}, resumed.fetcher.calls())
	assert.Zero(t, report.Summary.RecordsPersisted)
	assert.Equal(t, 1, report.Summary.RecordsDeduplicated)
	assert.Empty(t, storedURLs(sink, crawler.Destination{Country: "Germany", Category: "Software Engineering"}))
}

func TestCancellationResavesCheckpoint(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := &fakeFetcher{pages: backendPages(), onFetch: func(req crawler.FetchRequest) {
		if req.Cursor == 10 {
			cancel()
		}
	}}
	fx := newFixture(t, nil, options{fetcher: fetcher})

	report, err := fx.engine.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, crawler.RunCanceled, report.Summary.Status)
	assert.Equal(t, 3, report.Summary.RecordsPersisted)
	assert.Equal(t, listingURLs(egyptBackend, 0, 3), storedURLs(fx.sink, egyptSWE))
	assert.Equal(t, [][2]int{{0, 10}, {0, 10}}, fx.checkpoints.positions())
	require.Len(t, report.Keys, 1)
	assert.Equal(t, crawler.KeyInProgress, report.Keys[0].State)
	assert.Len(t, fx.publisher.Messages(), 1, "summary is published after cancellation")
}

func TestNotificationFailureIsLoggedOnly(t *testing.T) {
	t.Parallel()

	pub := memorypub.New()
	pub.FailWith(errors.New("pubsub unavailable"))
	fx := newFixture(t, backendPages(), options{publisher: pub})

	report, err := fx.engine.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, crawler.RunCompleted, report.Summary.Status)
}

func TestSnapshotDuringRun(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, backendPages(), options{})
	assert.Empty(t, fx.engine.Snapshot().Summary.RunID)

	done := make(chan error)
	go func() {
		_, err := fx.engine.Run(context.Background())
		done <- err
	}()
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			snap := fx.engine.Snapshot()
			assert.Equal(t, crawler.RunCompleted, snap.Summary.Status)
			assert.Equal(t, egyptBackend, snap.Key)
			assert.Equal(t, crawler.KeyCompleted, snap.State)
			assert.Equal(t, 6, snap.Summary.RecordsPersisted)
			return
		default:
			_ = fx.engine.Snapshot()
		}
	}
}
