package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/maltedev/stock-prober/internal/config"
	"github.com/maltedev/stock-prober/internal/models"
	"github.com/maltedev/stock-prober/internal/session"
)

// ExtractionError reports a required page element that could not be found.
type ExtractionError struct {
	Field    string
	Selector string
	Err      error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("missing field %s (selector %q)", e.Field, e.Selector)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Extractor reads a ProductSnapshot from a product page. It never changes
// page state and never retries.
type Extractor struct {
	selectors config.Selectors
}

func New(selectors config.Selectors) *Extractor {
	return &Extractor{selectors: selectors}
}

// Extract expects s to be navigated to productURL already.
func (e *Extractor) Extract(ctx context.Context, s session.Session, productURL string) (models.ProductSnapshot, error) {
	sel := e.selectors

	suggested, err := e.attr(ctx, s, "suggested_stock", sel.StockAmount, sel.StockAmountAttribute)
	if err != nil {
		return models.ProductSnapshot{}, err
	}

	name, err := e.text(ctx, s, "name", sel.ProductName)
	if err != nil {
		return models.ProductSnapshot{}, err
	}
	// product titles are often prefixed by a category line
	lines := strings.Split(name, "\n")
	name = strings.TrimSpace(lines[len(lines)-1])

	brand, err := e.text(ctx, s, "brand", sel.ProductBrand)
	if err != nil {
		return models.ProductSnapshot{}, err
	}

	price, err := e.attr(ctx, s, "price", sel.ProductPrice, "content")
	if err != nil {
		return models.ProductSnapshot{}, err
	}

	currency, err := e.attr(ctx, s, "currency", sel.ProductCurrency, "content")
	if err != nil {
		return models.ProductSnapshot{}, err
	}

	availability, err := e.attr(ctx, s, "availability", sel.ProductAvailability, "content")
	if err != nil {
		return models.ProductSnapshot{}, err
	}

	return models.ProductSnapshot{
		URL:            productURL,
		Slug:           models.Slug(productURL),
		Name:           name,
		Brand:          brand,
		Price:          price,
		Currency:       currency,
		Availability:   availability,
		SuggestedStock: suggested,
	}, nil
}

func (e *Extractor) find(ctx context.Context, s session.Session, field, selector string) (session.Element, error) {
	el, err := s.FindOne(ctx, selector)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, &ExtractionError{Field: field, Selector: selector, Err: err}
		}
		return nil, err
	}
	return el, nil
}

func (e *Extractor) attr(ctx context.Context, s session.Session, field, selector, name string) (string, error) {
	el, err := e.find(ctx, s, field, selector)
	if err != nil {
		return "", err
	}
	val, err := el.Attr(name)
	if err != nil {
		if session.IsSessionError(err) {
			return "", err
		}
		return "", &ExtractionError{Field: field, Selector: selector, Err: err}
	}
	return strings.TrimSpace(val), nil
}

func (e *Extractor) text(ctx context.Context, s session.Session, field, selector string) (string, error) {
	el, err := e.find(ctx, s, field, selector)
	if err != nil {
		return "", err
	}
	val, err := el.Text()
	if err != nil {
		if session.IsSessionError(err) {
			return "", err
		}
		return "", &ExtractionError{Field: field, Selector: selector, Err: err}
	}
	return strings.TrimSpace(val), nil
}
