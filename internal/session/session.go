// Package session defines the page capability the crawler drives. A Session
// is owned by a single goroutine: navigation replaces the current page, so
// calls must never be interleaved.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by FindOne when no element matches.
	ErrNotFound = errors.New("element not found")
	// ErrTimeout is returned by WaitFor when the element did not appear in time.
	ErrTimeout = errors.New("timed out waiting for element")
	// ErrSession marks failures of the underlying browser or network.
	ErrSession = errors.New("session failure")
)

type Element interface {
	// Attr returns the attribute value, or "" when the attribute is absent.
	Attr(name string) (string, error)
	Text() (string, error)
}

type Session interface {
	Navigate(ctx context.Context, url string) error
	FindOne(ctx context.Context, selector string) (Element, error)
	FindAll(ctx context.Context, selector string) ([]Element, error)
	// RunScript evaluates a JavaScript function expression. The function is
	// called with a single array holding args; Element values are passed as
	// DOM nodes.
	RunScript(ctx context.Context, script string, args ...any) (any, error)
	WaitFor(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	Close() error
}

// Factory opens independent sessions, one per worker.
type Factory interface {
	NewSession(ctx context.Context) (Session, error)
}

// Error is a failure of the session itself rather than of the page content.
type Error struct {
	Op  string
	URL string
	Err error
}

func (e *Error) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("session %s %s: %v", e.Op, e.URL, e.Err)
	}
	return fmt.Sprintf("session %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{ErrSession, e.Err}
}

// IsSessionError reports whether err is a session-level failure.
func IsSessionError(err error) bool {
	return errors.Is(err, ErrSession)
}
