package prober

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"time"

	"github.com/maltedev/stock-prober/internal/config"
	"github.com/maltedev/stock-prober/internal/models"
	"github.com/maltedev/stock-prober/internal/session"
)

// State is a step of the purchase probe.
type State int

const (
	StateSuggested State = iota
	StateProbing
	StateConfirmed
	StateUnconfirmed
)

func (s State) String() string {
	switch s {
	case StateSuggested:
		return "suggested"
	case StateProbing:
		return "probing"
	case StateConfirmed:
		return "confirmed"
	case StateUnconfirmed:
		return "unconfirmed"
	default:
		return "unknown"
	}
}

const (
	DefaultAmount  = 999
	DefaultTimeout = 10 * time.Second
)

// Scripts run through session.RunScript. Each receives the argument array.
const (
	SetValueScript = `(args) => { args[0].value = args[1]; }`
	ChangeScript   = `(args) => { args[0].dispatchEvent(new Event('change', { bubbles: true })); }`
	SubmitScript   = `(args) => { const el = args[0]; if (el.form) { el.form.submit(); } else { el.click(); } }`
)

// ProbeError reports a probe that was submitted but could not be interpreted,
// or a page structure that no longer matches the selectors.
type ProbeError struct {
	Message string
	Err     error
}

func (e *ProbeError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("probe failed: %v (message %q)", e.Err, e.Message)
	}
	return fmt.Sprintf("probe failed: %v", e.Err)
}

func (e *ProbeError) Unwrap() error {
	return e.Err
}

var ErrNoStockInMessage = errors.New("no stock amount in response")

// stockPattern is the leftmost optional sign followed by digits.
var stockPattern = regexp.MustCompile(`[+-]?\d+`)

// ParseStockAmount returns the first signed integer in msg, normalised. Any
// number of digits is accepted.
func ParseStockAmount(msg string) (string, error) {
	m := stockPattern.FindString(msg)
	if m == "" {
		return "", ErrNoStockInMessage
	}
	n, ok := new(big.Int).SetString(m, 10)
	if !ok {
		return "", fmt.Errorf("invalid stock amount %q", m)
	}
	return n.String(), nil
}

// Outcome is the terminal state of one probe together with its result.
type Outcome struct {
	State  State
	Result models.StockResult
}

type Prober struct {
	selectors config.Selectors
	amount    int
	timeout   time.Duration
	logger    *slog.Logger
}

func New(selectors config.Selectors, probe config.ProbeConfig, logger *slog.Logger) *Prober {
	amount := probe.Amount
	if amount <= 0 {
		amount = DefaultAmount
	}
	timeout := probe.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{
		selectors: selectors,
		amount:    amount,
		timeout:   timeout,
		logger:    logger.With("component", "prober"),
	}
}

// Probe orders an oversized amount of the product the session is showing and
// reads the true stock from the site's validation error. It must be called at
// most once per product page visit: submitting navigates away.
func (p *Prober) Probe(ctx context.Context, s session.Session, snapshot models.ProductSnapshot) (Outcome, error) {
	log := p.logger.With("slug", snapshot.Slug)

	// Suggested
	unconfirmed := Outcome{
		State: StateUnconfirmed,
		Result: models.StockResult{
			Amount:  snapshot.SuggestedStock,
			Message: models.UnconfirmedMessage(snapshot.SuggestedStock),
		},
	}

	// Probing
	input, err := s.FindOne(ctx, p.selectors.PurchaseAmount)
	if errors.Is(err, session.ErrNotFound) {
		log.Info("no purchase input, keeping suggested stock", "suggested", snapshot.SuggestedStock)
		return unconfirmed, nil
	}
	if err != nil {
		return Outcome{}, p.hardError(err)
	}

	if _, err := s.RunScript(ctx, SetValueScript, input, p.amount); err != nil {
		return Outcome{}, p.hardError(fmt.Errorf("failed to set purchase amount: %w", err))
	}
	if _, err := s.RunScript(ctx, ChangeScript, input); err != nil {
		return Outcome{}, p.hardError(fmt.Errorf("failed to dispatch change event: %w", err))
	}

	submit, err := s.WaitFor(ctx, p.selectors.PurchaseSubmit, p.timeout)
	if errors.Is(err, session.ErrTimeout) {
		log.Info("purchase button did not appear", "suggested", snapshot.SuggestedStock)
		return unconfirmed, nil
	}
	if err != nil {
		return Outcome{}, p.hardError(err)
	}

	if _, err := s.RunScript(ctx, SubmitScript, submit); err != nil {
		return Outcome{}, p.hardError(fmt.Errorf("failed to submit purchase: %w", err))
	}

	errorEl, err := s.WaitFor(ctx, p.selectors.ProbeError, p.timeout)
	if errors.Is(err, session.ErrTimeout) {
		log.Info("probe unconfirmed", "suggested", snapshot.SuggestedStock)
		return unconfirmed, nil
	}
	if err != nil {
		return Outcome{}, p.hardError(err)
	}

	msg, err := errorEl.Text()
	if err != nil {
		return Outcome{}, p.hardError(fmt.Errorf("failed to read probe response: %w", err))
	}

	amount, err := ParseStockAmount(msg)
	if err != nil {
		return Outcome{}, &ProbeError{Message: msg, Err: err}
	}

	log.Info("probe confirmed", "stock_amount", amount, "suggested", snapshot.SuggestedStock)

	// Confirmed
	return Outcome{
		State: StateConfirmed,
		Result: models.StockResult{
			Amount:    amount,
			Confirmed: true,
			Message:   models.MessageConfirmed,
		},
	}, nil
}

// hardError keeps session failures and cancellation distinguishable from
// probe failures.
func (p *Prober) hardError(err error) error {
	if session.IsSessionError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &ProbeError{Err: err}
}
