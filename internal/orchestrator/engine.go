// Package orchestrator runs a crawl end to end: it walks the planned
// dimension keys in order, commits each page's fresh records to the sink and
// advances the checkpoint only after the records are durable.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
	"github.com/JakeFAU/jobmarket-crawler/internal/dedup"
	"github.com/JakeFAU/jobmarket-crawler/internal/metrics"
	"github.com/JakeFAU/jobmarket-crawler/internal/planner"
	"github.com/JakeFAU/jobmarket-crawler/internal/worker"
)

const finalSaveTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/JakeFAU/jobmarket-crawler/internal/orchestrator")

// Config controls an Engine.
type Config struct {
	// NotifyTopic receives the run summary when a Publisher is configured.
	NotifyTopic string
}

// Deps are the collaborators of an Engine. Publisher is optional.
type Deps struct {
	Planner     *planner.Planner
	Driver      *worker.Driver
	Dedup       *dedup.Index
	Sink        crawler.Sink
	Checkpoints crawler.CheckpointStore
	Publisher   crawler.Publisher
	Clock       crawler.Clock
	IDs         crawler.IDGenerator
}

// KeyReport describes what happened to one dimension key during a run.
type KeyReport struct {
	Index      int                  `json:"index"`
	Key        crawler.DimensionKey `json:"key"`
	State      crawler.KeyState     `json:"state"`
	Stop       worker.StopReason    `json:"stop,omitempty"`
	Pages      int                  `json:"pages"`
	Records    int                  `json:"records"`
	Duplicates int                  `json:"duplicates"`
	Error      string               `json:"error,omitempty"`
}

// Report is the outcome of Run.
type Report struct {
	Summary crawler.RunSummary `json:"summary"`
	Keys    []KeyReport        `json:"keys"`
}

// Status is a point-in-time view of a run for concurrent readers.
type Status struct {
	Summary crawler.RunSummary   `json:"summary"`
	Index   int                  `json:"index"`
	Key     crawler.DimensionKey `json:"key"`
	State   crawler.KeyState     `json:"state,omitempty"`
	Cursor  int                  `json:"cursor"`
}

// Engine executes crawl runs. Run must not be called concurrently.
type Engine struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	mu     sync.RWMutex
	status Status
}

// New validates deps.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	switch {
	case deps.Planner == nil:
		return nil, errors.New("planner is required")
	case deps.Driver == nil:
		return nil, errors.New("pagination driver is required")
	case deps.Dedup == nil:
		return nil, errors.New("dedup index is required")
	case deps.Sink == nil:
		return nil, errors.New("sink is required")
	case deps.Checkpoints == nil:
		return nil, errors.New("checkpoint store is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if deps.Publisher != nil && cfg.NotifyTopic == "" {
		return nil, crawler.NewConfigurationError("notify.topic", "is required when a publisher is configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{deps: deps, cfg: cfg, logger: logger}, nil
}

// Snapshot returns the latest run status.
func (e *Engine) Snapshot() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

func (e *Engine) update(fn func(*Status)) {
	e.mu.Lock()
	fn(&e.status)
	e.mu.Unlock()
}

// run holds the mutable state of one Run. Only the Run goroutine touches it.
type run struct {
	summary   crawler.RunSummary
	keys      []KeyReport
	committed crawler.Checkpoint
	resolved  bool
	logger    *zap.Logger
}

// Run crawls every remaining key, starting from the stored checkpoint. It
// returns the ctx error when cancelled and a ConfigurationError when the run
// cannot start. The summary is logged and published whatever the outcome.
func (e *Engine) Run(ctx context.Context) (Report, error) {
	runID, idErr := e.deps.IDs.NewID()
	r := &run{
		summary: crawler.RunSummary{
			RunID:     runID,
			Status:    crawler.RunRunning,
			StartedAt: e.deps.Clock.Now(),
			TotalKeys: e.deps.Planner.Len(),
		},
		logger: e.logger.With(zap.String("run_id", runID)),
	}
	e.update(func(s *Status) { *s = Status{Summary: r.summary} })

	ctx, span := tracer.Start(ctx, "crawl.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Int("run.total_keys", r.summary.TotalKeys),
	))
	defer span.End()
	if sc := span.SpanContext(); sc.IsValid() {
		r.logger = r.logger.With(zap.String("trace_id", sc.TraceID().String()))
	}

	var runErr error
	if idErr != nil {
		runErr = fmt.Errorf("generate run id: %w", idErr)
	} else {
		runErr = e.execute(ctx, r)
	}
	if runErr != nil && r.resolved {
		e.markPending(r)
	}

	r.summary.FinishedAt = e.deps.Clock.Now()
	switch {
	case runErr == nil:
		r.summary.Status = crawler.RunCompleted
	case ctx.Err() != nil && errors.Is(runErr, ctx.Err()):
		r.summary.Status = crawler.RunCanceled
		e.resave(ctx, r)
	default:
		r.summary.Status = crawler.RunAborted
		r.summary.ErrorText = runErr.Error()
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "run aborted")
	}
	span.SetAttributes(
		attribute.String("run.status", string(r.summary.Status)),
		attribute.Int("run.records_persisted", r.summary.RecordsPersisted),
	)
	e.update(func(s *Status) { s.Summary = r.summary })
	e.logSummary(r)
	e.notify(ctx, r)

	return Report{Summary: r.summary, Keys: r.keys}, runErr
}

func (e *Engine) execute(ctx context.Context, r *run) error {
	p := e.deps.Planner
	cp, err := e.deps.Checkpoints.Load(ctx)
	if err != nil {
		if !errors.Is(err, crawler.ErrCheckpointCorrupt) {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		r.logger.Warn("checkpoint unreadable, starting from the beginning", zap.Error(err))
		cp = crawler.Checkpoint{}
	}

	start := p.Resolve(cp)
	cursor := cp.PageCursor
	if start < 0 || cursor < 0 {
		r.logger.Warn("checkpoint out of range, starting from the beginning",
			zap.Int("dimension_index", start), zap.Int("page_cursor", cursor))
		start, cursor = 0, 0
	}
	if start >= p.Len() {
		start, cursor = p.Len(), 0
	}
	r.summary.StartIndex = start
	r.summary.StartCursor = cursor
	r.resolved = true
	r.committed = p.Checkpoint(start, cursor)
	e.update(func(s *Status) {
		s.Summary = r.summary
		s.Index = start
		s.Cursor = cursor
	})
	r.logger.Info("crawl starting",
		zap.String("plan", p.Describe()),
		zap.Int("start_index", start),
		zap.Int("start_cursor", cursor),
	)

	if err := e.reconcile(ctx, r, start); err != nil {
		return err
	}

	for i, key := range p.Keys(start) {
		from := 0
		if i == start {
			from = cursor
		}
		if err := e.traceKey(ctx, r, i, key, from); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) traceKey(ctx context.Context, r *run, i int, key crawler.DimensionKey, cursor int) error {
	ctx, span := tracer.Start(ctx, "crawl.query", trace.WithAttributes(
		attribute.Int("dimension.index", i),
		attribute.String("dimension.country", key.Country),
		attribute.String("dimension.category", key.Category),
		attribute.String("dimension.keyword", key.Keyword),
		attribute.Int("dimension.cursor", cursor),
	))
	defer span.End()

	err := e.crawlKey(ctx, r, i, key, cursor)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query interrupted")
	}
	return err
}

// reconcile seeds the dedup index with what the sink already holds for every
// destination still to be crawled. A global index needs every destination in
// the plan, including those of completed keys.
func (e *Engine) reconcile(ctx context.Context, r *run, start int) error {
	if e.deps.Dedup.Scope() == dedup.ScopeGlobal {
		start = 0
	}
	dests := e.deps.Planner.Destinations(start)
	for _, dest := range dests {
		ids, err := e.deps.Sink.ExistingIdentities(ctx, dest)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("reconcile %s: %w", dest, ctxErr)
			}
			var cfgErr *crawler.ConfigurationError
			if errors.As(err, &cfgErr) {
				return fmt.Errorf("reconcile %s: %w", dest, err)
			}
			return fmt.Errorf("reconcile %s: %w", dest,
				crawler.NewConfigurationError("storage", "read existing records: %w", err))
		}
		e.deps.Dedup.Seed(dest, ids)
	}
	r.logger.Info("dedup index reconciled",
		zap.Int("destinations", len(dests)),
		zap.Int("identities", e.deps.Dedup.Len()),
	)
	return nil
}

func (e *Engine) crawlKey(ctx context.Context, r *run, i int, key crawler.DimensionKey, cursor int) error {
	kr := KeyReport{Index: i, Key: key, State: crawler.KeyInProgress}
	logger := r.logger.With(zap.Int("index", i), zap.Stringer("key", key))
	metrics.SetCurrentDimension(i)
	e.update(func(s *Status) {
		s.Index = i
		s.Key = key
		s.State = crawler.KeyInProgress
		s.Cursor = cursor
	})
	logger.Info("query started", zap.Int("cursor", cursor))

	pages := e.deps.Driver.Paginate(key, cursor)
	for {
		batch, ok, err := pages.Next(ctx)
		if err != nil {
			return e.interrupt(r, kr, err)
		}
		if !ok {
			break
		}
		e.account(r, &kr, batch)

		for _, page := range batch.Pages {
			if len(page.Records) == 0 {
				continue
			}
			if err := ctx.Err(); err != nil {
				return e.interrupt(r, kr, fmt.Errorf("commit abandoned: %w", err))
			}
			if err := e.commit(ctx, r, &kr, i, key, page); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return e.interrupt(r, kr, fmt.Errorf("commit abandoned: %w", ctxErr))
				}
				return e.abort(r, kr, logger, err)
			}
		}
		if batch.Stop == worker.StopThreshold {
			r.summary.QueriesStoppedByHeuristic++
		}
	}

	kr.Stop = pages.Stop()
	if err := e.save(ctx, r, e.deps.Planner.Checkpoint(i+1, 0)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return e.interrupt(r, kr, ctxErr)
		}
		return e.abort(r, kr, logger, err)
	}
	kr.State = crawler.KeyCompleted
	r.keys = append(r.keys, kr)
	r.summary.QueriesCompleted++
	metrics.ObserveQuery(string(crawler.KeyCompleted))
	e.update(func(s *Status) {
		s.Summary = r.summary
		s.State = crawler.KeyCompleted
	})
	logger.Info("query completed",
		zap.String("stop", string(kr.Stop)),
		zap.Int("pages", kr.Pages),
		zap.Int("records", kr.Records),
		zap.Int("duplicates", kr.Duplicates),
	)
	return nil
}

// account folds a batch's page outcomes into the counters.
func (e *Engine) account(r *run, kr *KeyReport, batch worker.Batch) {
	s := &r.summary
	for _, page := range batch.Pages {
		s.PagesFetched++
		kr.Pages++
		switch page.Outcome {
		case worker.OutcomeEmpty:
			s.PagesEmpty++
		case worker.OutcomeFailed:
			s.PagesFailed++
		case worker.OutcomeParseError:
			s.ParseFailures++
		}
	}
	s.Retries += batch.Retries()
}

// commit persists one page and then moves the checkpoint past it.
func (e *Engine) commit(ctx context.Context, r *run, kr *KeyReport, i int, key crawler.DimensionKey, page worker.PageResult) error {
	dest := key.Destination()
	fresh, duplicates := e.deps.Dedup.Filter(dest, page.Records)
	if len(fresh) > 0 {
		if err := e.deps.Sink.Append(ctx, dest, fresh); err != nil {
			return fmt.Errorf("append %d records to %s: %w", len(fresh), dest, err)
		}
		e.deps.Dedup.RecordAll(dest, fresh)
	}
	r.summary.RecordsPersisted += len(fresh)
	r.summary.RecordsDeduplicated += len(duplicates)
	kr.Records += len(fresh)
	kr.Duplicates += len(duplicates)
	metrics.ObserveRecords("persisted", len(fresh))
	metrics.ObserveRecords("duplicate", len(duplicates))

	next := page.Cursor + e.deps.Driver.PageSize()
	if err := e.save(ctx, r, e.deps.Planner.Checkpoint(i, next)); err != nil {
		return err
	}
	e.update(func(s *Status) {
		s.Summary = r.summary
		s.Cursor = next
	})
	return nil
}

func (e *Engine) save(ctx context.Context, r *run, cp crawler.Checkpoint) error {
	err := e.deps.Checkpoints.Save(ctx, cp)
	metrics.ObserveCheckpointSave(err)
	if err != nil {
		return fmt.Errorf("save checkpoint (%d, %d): %w", cp.DimensionIndex, cp.PageCursor, err)
	}
	r.committed = cp
	return nil
}

// resave writes the last committed checkpoint again after cancellation, on a
// context that outlives the cancelled one.
func (e *Engine) resave(ctx context.Context, r *run) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalSaveTimeout)
	defer cancel()
	if err := e.deps.Checkpoints.Save(saveCtx, r.committed); err != nil {
		r.logger.Error("final checkpoint save failed", zap.Error(err))
		metrics.ObserveCheckpointSave(err)
		return
	}
	metrics.ObserveCheckpointSave(nil)
	r.logger.Info("checkpoint saved after cancellation",
		zap.Int("dimension_index", r.committed.DimensionIndex),
		zap.Int("page_cursor", r.committed.PageCursor),
	)
}

// markPending reports every key the run never reached.
func (e *Engine) markPending(r *run) {
	next := r.summary.StartIndex
	if n := len(r.keys); n > 0 {
		next = r.keys[n-1].Index + 1
	}
	for i, key := range e.deps.Planner.Keys(next) {
		r.keys = append(r.keys, KeyReport{Index: i, Key: key, State: crawler.KeyPending})
	}
}

// interrupt records a key left in progress by cancellation.
func (e *Engine) interrupt(r *run, kr KeyReport, err error) error {
	kr.Error = err.Error()
	r.keys = append(r.keys, kr)
	return err
}

func (e *Engine) abort(r *run, kr KeyReport, logger *zap.Logger, err error) error {
	kr.State = crawler.KeyAborted
	kr.Error = err.Error()
	r.keys = append(r.keys, kr)
	r.summary.QueriesAborted++
	metrics.ObserveQuery(string(crawler.KeyAborted))
	e.update(func(s *Status) { s.State = crawler.KeyAborted })
	logger.Error("query aborted", zap.Error(err))
	return fmt.Errorf("dimension %d (%s): %w", kr.Index, kr.Key, err)
}

func (e *Engine) logSummary(r *run) {
	s := r.summary
	fields := []zap.Field{
		zap.String("status", string(s.Status)),
		zap.Duration("elapsed", s.FinishedAt.Sub(s.StartedAt)),
		zap.Int("total_keys", s.TotalKeys),
		zap.Int("start_index", s.StartIndex),
		zap.Int("queries_completed", s.QueriesCompleted),
		zap.Int("queries_stopped_by_heuristic", s.QueriesStoppedByHeuristic),
		zap.Int("queries_aborted", s.QueriesAborted),
		zap.Int("pages_fetched", s.PagesFetched),
		zap.Int("pages_empty", s.PagesEmpty),
		zap.Int("pages_failed", s.PagesFailed),
		zap.Int("parse_failures", s.ParseFailures),
		zap.Int("retries", s.Retries),
		zap.Int("records_persisted", s.RecordsPersisted),
		zap.Int("records_deduplicated", s.RecordsDeduplicated),
	}
	if s.ErrorText != "" {
		r.logger.Error("crawl finished", append(fields, zap.String("error", s.ErrorText))...)
		return
	}
	r.logger.Info("crawl finished", fields...)
}

func (e *Engine) notify(ctx context.Context, r *run) {
	if e.deps.Publisher == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalSaveTimeout)
	defer cancel()
	msgID, err := e.deps.Publisher.Publish(pubCtx, e.cfg.NotifyTopic, r.summary)
	if err != nil {
		r.logger.Warn("run summary notification failed", zap.String("topic", e.cfg.NotifyTopic), zap.Error(err))
		return
	}
	r.logger.Debug("run summary published", zap.String("topic", e.cfg.NotifyTopic), zap.String("message_id", msgID))
}
