package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maltedev/stock-prober/internal/session"
	"github.com/playwright-community/playwright-go"
)

// PageSession drives one playwright page through the session capability.
type PageSession struct {
	browser *Browser
	page    playwright.Page
}

func newPageSession(b *Browser, page playwright.Page) *PageSession {
	return &PageSession{browser: b, page: page}
}

func (s *PageSession) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.browser.NavigateWithRetry(ctx, s.page, url, s.browser.opts.NavigateRetries); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &session.Error{Op: "navigate", URL: url, Err: err}
	}
	return nil
}

func (s *PageSession) FindOne(ctx context.Context, selector string) (session.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	handle, err := s.page.QuerySelector(selector)
	if err != nil {
		return nil, s.wrap("find", err)
	}
	if handle == nil {
		return nil, fmt.Errorf("%q: %w", selector, session.ErrNotFound)
	}
	return &pageElement{handle: handle}, nil
}

func (s *PageSession) FindAll(ctx context.Context, selector string) ([]session.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	handles, err := s.page.QuerySelectorAll(selector)
	if err != nil {
		return nil, s.wrap("find", err)
	}

	elements := make([]session.Element, 0, len(handles))
	for _, h := range handles {
		elements = append(elements, &pageElement{handle: h})
	}
	return elements, nil
}

func (s *PageSession) RunScript(ctx context.Context, script string, args ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	jsArgs := make([]any, len(args))
	for i, a := range args {
		if el, ok := a.(*pageElement); ok {
			jsArgs[i] = el.handle
			continue
		}
		jsArgs[i] = a
	}

	result, err := s.page.Evaluate(script, jsArgs)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate script: %w", err)
	}
	return result, nil
}

// WaitFor waits until the selector is attached. The timeout is clipped to the
// context deadline so a run-level deadline bounds every wait.
func (s *PageSession) WaitFor(ctx context.Context, selector string, timeout time.Duration) (session.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	handle, err := s.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   playwright.WaitForSelectorStateAttached,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, playwright.ErrTimeout) {
			return nil, fmt.Errorf("%q: %w", selector, session.ErrTimeout)
		}
		return nil, s.wrap("wait", err)
	}
	if handle == nil {
		return nil, fmt.Errorf("%q: %w", selector, session.ErrTimeout)
	}
	return &pageElement{handle: handle}, nil
}

func (s *PageSession) Close() error {
	if err := s.page.Close(); err != nil {
		return fmt.Errorf("failed to close page: %w", err)
	}
	return nil
}

func (s *PageSession) wrap(op string, err error) error {
	return &session.Error{Op: op, URL: s.page.URL(), Err: err}
}

type pageElement struct {
	handle playwright.ElementHandle
}

func (e *pageElement) Attr(name string) (string, error) {
	val, err := e.handle.GetAttribute(name)
	if err != nil {
		return "", &session.Error{Op: "read attribute " + name, Err: err}
	}
	return val, nil
}

func (e *pageElement) Text() (string, error) {
	text, err := e.handle.InnerText()
	if err != nil {
		return "", &session.Error{Op: "read text", Err: err}
	}
	return text, nil
}
