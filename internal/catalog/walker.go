// Package catalog walks a catalog page, visiting each linked product once and
// returning to the catalog in between.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/maltedev/stock-prober/internal/extractor"
	"github.com/maltedev/stock-prober/internal/models"
	"github.com/maltedev/stock-prober/internal/prober"
	"github.com/maltedev/stock-prober/internal/ratelimit"
	"github.com/maltedev/stock-prober/internal/session"
)

var ErrEmptyHref = errors.New("product link has no href")

// Claims records the products a run has already visited, keyed by slug. It
// is safe for concurrent use by walkers on different sessions.
type Claims struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewClaims returns a set with slugs already claimed.
func NewClaims(slugs ...string) *Claims {
	c := &Claims{seen: make(map[string]struct{}, len(slugs))}
	for _, slug := range slugs {
		c.seen[slug] = struct{}{}
	}
	return c
}

// Claim marks slug as visited and reports whether it was not visited before.
func (c *Claims) Claim(slug string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[slug]; ok {
		return false
	}
	c.seen[slug] = struct{}{}
	return true
}

// Result is what one catalog page produced. Err is set when the walk stopped
// early; Entries then holds everything visited before the stop.
type Result struct {
	CatalogURL string
	Entries    []models.Entry
	Limit      int
	Next       int
	// Skipped counts links to products already visited in this run.
	Skipped int
	Err     error
}

func (r Result) Complete() bool {
	return r.Err == nil
}

type Options struct {
	Limiter ratelimit.RateLimiter
	// Claims is shared by all walkers of a run. Without it each Walk keeps
	// its own set.
	Claims *Claims
	// OnProgress is called after every visited product with the entry it
	// produced and the offset of the next product to visit.
	OnProgress func(catalogURL string, next int, entry models.Entry)
	Now        func() time.Time
}

type Walker struct {
	extractor    *extractor.Extractor
	prober       *prober.Prober
	linkSelector string
	limiter      ratelimit.RateLimiter
	claims       *Claims
	onProgress   func(string, int, models.Entry)
	now          func() time.Time
	logger       *slog.Logger
}

func NewWalker(ex *extractor.Extractor, pr *prober.Prober, linkSelector string, opts Options, logger *slog.Logger) *Walker {
	w := &Walker{
		extractor:    ex,
		prober:       pr,
		linkSelector: linkSelector,
		limiter:      opts.Limiter,
		claims:       opts.Claims,
		onProgress:   opts.OnProgress,
		now:          opts.Now,
		logger:       logger.With("component", "catalog_walker"),
	}
	if w.limiter == nil {
		w.limiter = ratelimit.Unlimited{}
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

// Walk visits the products linked from catalogURL starting at offset start.
// The number of products visited is bounded by the link count seen on the
// first load; it shrinks if the page later shows fewer links and never grows.
// A product is visited at most once per run; repeated links are skipped.
// Products that cannot be read become failed entries. Session failures and
// cancellation stop the walk.
func (w *Walker) Walk(ctx context.Context, s session.Session, catalogURL string, start int) Result {
	log := w.logger.With("catalog", catalogURL)
	res := Result{CatalogURL: catalogURL, Next: start}

	claims := w.claims
	if claims == nil {
		claims = NewClaims()
	}

	links, err := w.loadLinks(ctx, s, catalogURL)
	if err != nil {
		res.Err = err
		return res
	}

	limit := len(links)
	res.Limit = limit
	log.Info("catalog loaded", "products", limit, "start", start)

	for offset := start; offset < limit; offset++ {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}

		entry, visited, err := w.visit(ctx, s, catalogURL, links[offset], claims)
		if err != nil {
			log.Error("walk aborted", "offset", offset, "error", err)
			res.Err = err
			return res
		}
		if !visited {
			// still on the catalog page, no reload needed
			log.Debug("product already visited in this run", "offset", offset, "href", links[offset])
			res.Skipped++
			res.Next = offset + 1
			continue
		}

		res.Entries = append(res.Entries, entry)
		res.Next = offset + 1
		if w.onProgress != nil {
			w.onProgress(catalogURL, res.Next, entry)
		}

		if res.Next >= limit {
			break
		}

		links, err = w.loadLinks(ctx, s, catalogURL)
		if err != nil {
			res.Err = err
			return res
		}
		if len(links) < limit {
			log.Warn("catalog shrank during walk", "was", limit, "now", len(links))
			limit = len(links)
			res.Limit = limit
		}
	}

	log.Info("catalog done", "entries", len(res.Entries), "skipped", res.Skipped)
	return res
}

// visit returns a failed entry for product-level problems and an error only
// when the walk cannot continue. It reports false without touching the
// session when the product was already claimed.
func (w *Walker) visit(ctx context.Context, s session.Session, catalogURL, href string, claims *Claims) (models.Entry, bool, error) {
	productURL, err := resolve(catalogURL, href)
	if err != nil {
		ex := &extractor.ExtractionError{Field: "href", Selector: w.linkSelector, Err: err}
		w.logger.Warn("unusable product link", "href", href, "error", err)
		return models.NewFailedEntry(href, ex, w.now()), true, nil
	}

	if !claims.Claim(models.Slug(productURL)) {
		return models.Entry{}, false, nil
	}

	if err := w.navigate(ctx, s, productURL); err != nil {
		return models.Entry{}, true, err
	}

	snapshot, err := w.extractor.Extract(ctx, s, productURL)
	if err != nil {
		var exErr *extractor.ExtractionError
		if errors.As(err, &exErr) {
			w.logger.Warn("product extraction failed", "url", productURL, "error", err)
			return models.NewFailedEntry(productURL, err, w.now()), true, nil
		}
		return models.Entry{}, true, err
	}

	outcome, err := w.prober.Probe(ctx, s, snapshot)
	if err != nil {
		var probeErr *prober.ProbeError
		if errors.As(err, &probeErr) {
			w.logger.Warn("stock probe failed", "url", productURL, "error", err)
			failed := models.NewFailedEntry(productURL, err, w.now())
			failed.ProductSnapshot = snapshot
			return failed, true, nil
		}
		return models.Entry{}, true, err
	}

	return models.NewEntry(snapshot, outcome.Result, w.now()), true, nil
}

func (w *Walker) loadLinks(ctx context.Context, s session.Session, catalogURL string) ([]string, error) {
	if err := w.navigate(ctx, s, catalogURL); err != nil {
		return nil, err
	}

	elements, err := s.FindAll(ctx, w.linkSelector)
	if err != nil {
		return nil, err
	}

	links := make([]string, 0, len(elements))
	for _, el := range elements {
		href, err := el.Attr("href")
		if err != nil {
			return nil, err
		}
		links = append(links, href)
	}
	return links, nil
}

func (w *Walker) navigate(ctx context.Context, s session.Session, target string) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	err := s.Navigate(ctx, target)
	if fb, ok := w.limiter.(ratelimit.Feedback); ok {
		if err != nil {
			fb.RecordError()
		} else {
			fb.RecordSuccess()
		}
	}
	return err
}

func resolve(base, href string) (string, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", ErrEmptyHref
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid catalog url %q: %w", base, err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("invalid product link %q: %w", href, err)
	}
	return baseURL.ResolveReference(ref).String(), nil
}
