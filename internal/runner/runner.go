// Package runner executes one crawl: it walks every configured catalog page,
// merges the results with history and writes the record and feed artifacts.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/stock-prober/internal/catalog"
	"github.com/maltedev/stock-prober/internal/checkpoint"
	"github.com/maltedev/stock-prober/internal/config"
	"github.com/maltedev/stock-prober/internal/events"
	"github.com/maltedev/stock-prober/internal/extractor"
	"github.com/maltedev/stock-prober/internal/feed"
	"github.com/maltedev/stock-prober/internal/history"
	"github.com/maltedev/stock-prober/internal/models"
	"github.com/maltedev/stock-prober/internal/notify"
	"github.com/maltedev/stock-prober/internal/prober"
	"github.com/maltedev/stock-prober/internal/queue"
	"github.com/maltedev/stock-prober/internal/ratelimit"
	"github.com/maltedev/stock-prober/internal/session"
	"github.com/maltedev/stock-prober/internal/storage"
)

// ErrAllPagesFailed is returned when no catalog page could be walked at all.
var ErrAllPagesFailed = errors.New("every catalog page failed")

type CheckpointStore interface {
	Get(ctx context.Context, catalogURL string) (*checkpoint.State, error)
	Save(ctx context.Context, state checkpoint.State) error
	Clear(ctx context.Context, catalogURL string) error
}

type RunPublisher interface {
	PublishRun(ctx context.Context, run events.Run) error
}

type Flusher interface {
	Flush(ctx context.Context) (int, error)
}

// Deps are the collaborators of a run. Sessions, History and Record are
// required; the rest are skipped when nil.
type Deps struct {
	Sessions    session.Factory
	History     history.Source
	Record      *storage.FileStore
	Checkpoints CheckpointStore
	Publisher   RunPublisher
	Relay       Flusher
	Notifier    notify.Notifier
	Now         func() time.Time
}

type PageError struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

type Report struct {
	RunID      uuid.UUID   `json:"run_id"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Pages      int         `json:"pages"`
	Entries    int         `json:"entries"`
	Failed     int         `json:"failed"`
	Changes    int         `json:"changes"`
	Truncated  bool        `json:"truncated"`
	PageErrors []PageError `json:"page_errors,omitempty"`
}

type Runner struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
}

func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Runner {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	return &Runner{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "runner"),
	}
}

// pageResult is the collector slot of one catalog page.
type pageResult struct {
	url     string
	entries []models.Entry
	err     error
}

// Run performs one pass. A run that hits RUN_TIMEOUT still writes what it
// collected and reports itself as truncated.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		RunID:     uuid.New(),
		StartedAt: r.deps.Now(),
		Pages:     len(r.cfg.Catalog.URLs),
	}
	log := r.logger.With("run_id", report.RunID)

	crawlCtx := ctx
	if r.cfg.Run.Timeout > 0 {
		var cancel context.CancelFunc
		crawlCtx, cancel = context.WithTimeout(ctx, r.cfg.Run.Timeout)
		defer cancel()
	}

	// read before any probe is submitted, so a missing required history
	// fails the run without touching the shop
	prior, err := r.deps.History.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	sessions, err := r.openSessions(crawlCtx)
	if err != nil {
		return nil, err
	}

	tasks, seeds := r.plan(crawlCtx, log)
	claims := catalog.NewClaims(seededSlugs(seeds)...)
	q := queue.NewInMemoryQueue()
	if err := queue.PushAll(q, tasks); err != nil {
		return nil, fmt.Errorf("failed to enqueue catalog pages: %w", err)
	}
	q.Close()

	log.Info("run started", "pages", len(tasks), "sessions", len(sessions))

	results := make([]pageResult, len(tasks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(worker int, s session.Session) {
			defer wg.Done()
			defer s.Close()
			r.work(crawlCtx, worker, s, q, seeds, claims, report.RunID, func(idx int, res pageResult) {
				mu.Lock()
				results[idx] = res
				mu.Unlock()
			})
		}(i, s)
	}
	wg.Wait()

	// the crawl may have run out of time; the remaining steps must not
	finishCtx := context.WithoutCancel(ctx)

	var fresh []models.Entry
	sessionFailures := 0
	for _, res := range results {
		fresh = append(fresh, res.entries...)
		switch {
		case res.err == nil:
		case errors.Is(res.err, context.DeadlineExceeded) || errors.Is(res.err, context.Canceled):
			report.Truncated = true
		default:
			sessionFailures++
			report.PageErrors = append(report.PageErrors, PageError{URL: res.url, Error: res.err.Error()})
		}
	}

	if len(results) > 0 && sessionFailures == len(results) {
		log.Error("run failed", "pages", len(results))
		return report, fmt.Errorf("%w: %s", ErrAllPagesFailed, report.PageErrors[0].Error)
	}

	now := r.deps.Now()
	items := history.Merge(fresh, prior, now)
	changes := history.DetectChanges(fresh, prior)

	report.Entries = len(fresh)
	for _, e := range fresh {
		if !e.OK() {
			report.Failed++
		}
	}
	report.Changes = len(changes)

	if err := r.deps.Record.Save(history.Entries(items)); err != nil {
		return report, fmt.Errorf("failed to write record: %w", err)
	}
	if err := r.writeFeed(items, now); err != nil {
		return report, err
	}

	if r.deps.Publisher != nil {
		run := events.Run{ID: report.RunID, Entries: fresh, Changes: changes, Truncated: report.Truncated}
		if err := r.deps.Publisher.PublishRun(finishCtx, run); err != nil {
			return report, fmt.Errorf("failed to persist run: %w", err)
		}
		if r.deps.Relay != nil {
			delivered, err := r.deps.Relay.Flush(finishCtx)
			if err != nil {
				log.Warn("relay flush failed, events stay in the outbox", "error", err)
			} else {
				log.Info("events delivered", "count", delivered)
			}
		}
	}

	if err := r.deps.Notifier.NotifyChanges(finishCtx, changes); err != nil {
		log.Warn("failed to notify changes", "error", err)
	}

	report.FinishedAt = r.deps.Now()
	log.Info("run finished",
		"entries", report.Entries,
		"failed", report.Failed,
		"changes", report.Changes,
		"truncated", report.Truncated,
		"page_errors", len(report.PageErrors),
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)
	return report, nil
}

func (r *Runner) openSessions(ctx context.Context) ([]session.Session, error) {
	n := r.cfg.Run.Sessions
	if n < 1 {
		n = 1
	}
	if pages := len(r.cfg.Catalog.URLs); pages > 0 && n > pages {
		n = pages
	}

	sessions := make([]session.Session, 0, n)
	for range n {
		s, err := r.deps.Sessions.NewSession(ctx)
		if err != nil {
			for _, open := range sessions {
				open.Close()
			}
			return nil, fmt.Errorf("failed to open session: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// plan builds one task per configured page. With resume enabled a page with a
// checkpoint starts at its stored offset, seeded with the stored entries.
func (r *Runner) plan(ctx context.Context, log *slog.Logger) ([]*queue.Task, map[string][]models.Entry) {
	tasks := make([]*queue.Task, 0, len(r.cfg.Catalog.URLs))
	seeds := make(map[string][]models.Entry)

	for i, u := range r.cfg.Catalog.URLs {
		task := &queue.Task{Index: i, URL: u}
		if r.cfg.Run.Resume && r.deps.Checkpoints != nil {
			state, err := r.deps.Checkpoints.Get(ctx, u)
			switch {
			case err == nil:
				task.Start = state.Next
				seeds[u] = state.Entries
				log.Info("resuming catalog", "catalog", u, "offset", state.Next, "previous_run", state.RunID)
			case errors.Is(err, checkpoint.ErrNotFound):
			default:
				log.Warn("failed to read checkpoint, starting over", "catalog", u, "error", err)
			}
		}
		tasks = append(tasks, task)
	}
	return tasks, seeds
}

// seededSlugs lists the products resumed checkpoints already visited.
func seededSlugs(seeds map[string][]models.Entry) []string {
	var slugs []string
	for _, entries := range seeds {
		for _, e := range entries {
			slugs = append(slugs, e.Slug)
		}
	}
	return slugs
}

// work walks pages from q until it is drained. Each page is owned by exactly
// one worker, so per-page accumulators need no locking.
func (r *Runner) work(ctx context.Context, worker int, s session.Session, q *queue.InMemoryQueue,
	seeds map[string][]models.Entry, claims *catalog.Claims, runID uuid.UUID, collect func(int, pageResult)) {
	log := r.logger.With("worker", worker)
	acc := make(map[string][]models.Entry)

	walker := catalog.NewWalker(
		extractor.New(r.cfg.Selectors),
		prober.New(r.cfg.Selectors, r.cfg.Probe, r.logger),
		r.cfg.Selectors.ProductLink,
		catalog.Options{
			Limiter: ratelimit.New(r.cfg.Run.RateLimitMin, r.cfg.Run.RateLimitMax),
			Claims:  claims,
			Now:     r.deps.Now,
			OnProgress: func(catalogURL string, next int, entry models.Entry) {
				acc[catalogURL] = append(acc[catalogURL], entry)
				r.checkpoint(ctx, runID, catalogURL, next, acc[catalogURL])
			},
		},
		r.logger,
	)

	for {
		task, err := q.Pop(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrQueueClosed) {
				log.Warn("worker stopped", "error", err)
			}
			r.drain(q, collect, err)
			return
		}

		acc[task.URL] = append([]models.Entry(nil), seeds[task.URL]...)
		res := walker.Walk(ctx, s, task.URL, task.Start)

		if res.Err == nil && r.deps.Checkpoints != nil {
			if err := r.deps.Checkpoints.Clear(context.WithoutCancel(ctx), task.URL); err != nil {
				log.Warn("failed to clear checkpoint", "catalog", task.URL, "error", err)
			}
		}

		collect(task.Index, pageResult{url: task.URL, entries: acc[task.URL], err: res.Err})
	}
}

// drain records the pages nobody will walk because the run ran out of time.
func (r *Runner) drain(q *queue.InMemoryQueue, collect func(int, pageResult), cause error) {
	if errors.Is(cause, queue.ErrQueueClosed) {
		return
	}
	for {
		task, err := q.TryPop()
		if err != nil {
			return
		}
		collect(task.Index, pageResult{url: task.URL, err: cause})
	}
}

func (r *Runner) checkpoint(ctx context.Context, runID uuid.UUID, catalogURL string, next int, entries []models.Entry) {
	if r.deps.Checkpoints == nil {
		return
	}
	state := checkpoint.State{
		CatalogURL: catalogURL,
		RunID:      runID.String(),
		Next:       next,
		Entries:    entries,
		UpdatedAt:  r.deps.Now(),
	}
	if err := r.deps.Checkpoints.Save(context.WithoutCancel(ctx), state); err != nil {
		r.logger.Warn("failed to save checkpoint", "catalog", catalogURL, "error", err)
	}
}

func (r *Runner) writeFeed(items []history.Item, now time.Time) error {
	f := feed.Build(items, feed.Options{
		Link:     r.cfg.Output.FeedLink,
		Subtitle: r.cfg.Output.FeedSubtitle,
		Format:   r.cfg.Output.FeedFormat,
	}, now)

	var buf bytes.Buffer
	if err := feed.Write(&buf, f, r.cfg.Output.FeedFormat); err != nil {
		return err
	}
	if err := storage.WriteFileAtomic(r.cfg.Output.FeedPath, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write feed: %w", err)
	}
	return nil
}
