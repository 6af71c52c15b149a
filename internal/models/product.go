package models

import (
	"net/url"
	"strings"
)

// ProductSnapshot is what a single visit to a product page yields.
type ProductSnapshot struct {
	URL            string `json:"url"`
	Slug           string `json:"slug"`
	Name           string `json:"name"`
	Brand          string `json:"brand"`
	Price          string `json:"price"`
	Currency       string `json:"currency"`
	Availability   string `json:"availability"`
	SuggestedStock string `json:"suggested_stock_amount"`
}

// StockResult is the outcome of probing one product.
type StockResult struct {
	Amount    string `json:"stock_amount"`
	Confirmed bool   `json:"confirmed"`
	Message   string `json:"msg"`
}

const MessageConfirmed = "Confirmed"

// UnconfirmedMessage is the message recorded when the probe could not confirm
// the stock and the suggested amount is assumed.
func UnconfirmedMessage(suggested string) string {
	return "Unconfirmed. Assumed stock amount is: " + suggested
}

// Slug returns the last non-empty path segment of a product URL.
func Slug(rawURL string) string {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}

	segments := strings.Split(path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(segments[i]); s != "" {
			return s
		}
	}
	return ""
}
