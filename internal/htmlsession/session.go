// Package htmlsession implements session.Session on top of static HTML
// documents parsed with goquery. It serves sites that render their catalog
// server-side, and it is the in-process session used by the crawler tests.
package htmlsession

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/stock-prober/internal/session"
)

// Fetcher returns the HTML of a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// ScriptFunc emulates script execution against the current document.
type ScriptFunc func(ctx context.Context, s *Session, script string, args []any) (any, error)

type Session struct {
	fetcher Fetcher
	scripts ScriptFunc
	logger  *slog.Logger

	url string
	doc *goquery.Document
}

type Option func(*Session)

// WithScripts installs a handler for RunScript calls.
func WithScripts(fn ScriptFunc) Option {
	return func(s *Session) { s.scripts = fn }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

func New(fetcher Fetcher, opts ...Option) *Session {
	s := &Session{
		fetcher: fetcher,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "html_session")
	return s
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	html, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return &session.Error{Op: "navigate", URL: url, Err: err}
	}

	return s.Load(url, html)
}

// Load replaces the current document without fetching.
func (s *Session) Load(url, html string) error {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return &session.Error{Op: "parse", URL: url, Err: err}
	}

	s.url = url
	s.doc = doc
	s.logger.Debug("page loaded", "url", url)
	return nil
}

// URL returns the address of the current document.
func (s *Session) URL() string {
	return s.url
}

func (s *Session) FindOne(ctx context.Context, selector string) (session.Element, error) {
	if err := s.ready(ctx, "find"); err != nil {
		return nil, err
	}

	sel := s.doc.Find(selector).First()
	if sel.Length() == 0 {
		return nil, fmt.Errorf("%q: %w", selector, session.ErrNotFound)
	}
	return &Element{sel: sel}, nil
}

func (s *Session) FindAll(ctx context.Context, selector string) ([]session.Element, error) {
	if err := s.ready(ctx, "find"); err != nil {
		return nil, err
	}

	var elements []session.Element
	s.doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
		elements = append(elements, &Element{sel: sel})
	})
	return elements, nil
}

// RunScript hands the script to the installed ScriptFunc. Without one, scripts
// have no effect on a static document.
func (s *Session) RunScript(ctx context.Context, script string, args ...any) (any, error) {
	if err := s.ready(ctx, "script"); err != nil {
		return nil, err
	}
	if s.scripts == nil {
		return nil, nil
	}
	return s.scripts(ctx, s, script, args)
}

// WaitFor looks the selector up once. A static document cannot change while
// waiting, so an absent element is reported as a timeout straight away.
func (s *Session) WaitFor(ctx context.Context, selector string, _ time.Duration) (session.Element, error) {
	el, err := s.FindOne(ctx, selector)
	if errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("%q: %w", selector, session.ErrTimeout)
	}
	return el, err
}

func (s *Session) Close() error {
	s.doc = nil
	return nil
}

func (s *Session) ready(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.doc == nil {
		return &session.Error{Op: op, Err: errors.New("no page loaded")}
	}
	return nil
}

// Element wraps a goquery selection of exactly one node.
type Element struct {
	sel *goquery.Selection
}

func (e *Element) Attr(name string) (string, error) {
	val, _ := e.sel.Attr(name)
	return val, nil
}

func (e *Element) Text() (string, error) {
	return e.sel.Text(), nil
}

// Selection exposes the node to script handlers.
func (e *Element) Selection() *goquery.Selection {
	return e.sel
}

// MapFetcher serves pages from memory, keyed by URL.
type MapFetcher map[string]string

func (m MapFetcher) Fetch(_ context.Context, url string) (string, error) {
	html, ok := m[url]
	if !ok {
		return "", fmt.Errorf("no page for %s", url)
	}
	return html, nil
}

// HTTPFetcher downloads pages with a plain HTTP GET.
type HTTPFetcher struct {
	Client    *http.Client
	UserAgent string
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request %s: %w", url, err)
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status code error: [%d] %s", resp.StatusCode, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read body of %s: %w", url, err)
	}
	return string(body), nil
}

// Factory opens sessions that share one fetcher.
type Factory struct {
	Fetcher Fetcher
	Options []Option
}

func (f *Factory) NewSession(_ context.Context) (session.Session, error) {
	if f.Fetcher == nil {
		return nil, &session.Error{Op: "open", Err: errors.New("no fetcher configured")}
	}
	return New(f.Fetcher, f.Options...), nil
}
