// Package sessiontest provides an in-memory shop served through htmlsession,
// with catalog pages, product pages and a purchase form that answers probes.
package sessiontest

import (
	"context"
	"fmt"
	"html"
	"strings"
	"sync"

	"github.com/maltedev/stock-prober/internal/config"
	"github.com/maltedev/stock-prober/internal/htmlsession"
	"github.com/maltedev/stock-prober/internal/prober"
	"github.com/maltedev/stock-prober/internal/session"
)

const BaseURL = "https://shop.example"

// Product is a product page of the shop. An empty ProbeMessage means the
// shop never answers the probe.
type Product struct {
	Path           string
	Category       string
	Name           string
	Brand          string
	Price          string
	Currency       string
	Availability   string
	SuggestedStock string

	NoPurchaseInput bool
	NoBrand         bool
	ProbeMessage    string
}

func (p *Product) URL() string {
	return BaseURL + p.Path
}

type Shop struct {
	mu sync.Mutex

	products map[string]*Product
	catalogs map[string]func(load int) []string
	broken   map[string]bool

	loads   map[string]int
	submits map[string]int
	amounts map[string]string
}

func NewShop() *Shop {
	return &Shop{
		products: make(map[string]*Product),
		catalogs: make(map[string]func(int) []string),
		broken:   make(map[string]bool),
		loads:    make(map[string]int),
		submits:  make(map[string]int),
		amounts:  make(map[string]string),
	}
}

// Selectors matches the markup rendered by the shop.
func Selectors() config.Selectors {
	return config.Selectors{
		ProductLink:          "a.product",
		StockAmount:          "#stock",
		StockAmountAttribute: "data-stock",
		PurchaseAmount:       "input[name=antal]",
		PurchaseSubmit:       "button.buy",
		ProductName:          "h1.name",
		ProductBrand:         ".brand",
		ProductPrice:         "meta[itemprop=price]",
		ProductCurrency:      "meta[itemprop=priceCurrency]",
		ProductAvailability:  "meta[itemprop=availability]",
		ProbeError:           ".Error",
	}
}

func (s *Shop) AddProduct(p *Product) *Product {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.Path] = p
	return p
}

// AddCatalog serves a fixed list of hrefs at path.
func (s *Shop) AddCatalog(path string, hrefs ...string) string {
	return s.AddDynamicCatalog(path, func(int) []string { return hrefs })
}

// AddDynamicCatalog serves hrefs that depend on how often the page was loaded
// before, starting at zero.
func (s *Shop) AddDynamicCatalog(path string, hrefs func(load int) []string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalogs[path] = hrefs
	return BaseURL + path
}

// Break makes every navigation to url fail at the session level.
func (s *Shop) Break(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken[url] = true
}

func (s *Shop) Loads(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[url]
}

func (s *Shop) Submits(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits[url]
}

// SubmittedAmount is the purchase amount present in the form at submit time.
func (s *Shop) SubmittedAmount(url string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.amounts[url]
}

func (s *Shop) Fetch(_ context.Context, url string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken[url] {
		return "", fmt.Errorf("connection reset by peer")
	}

	path := strings.TrimPrefix(url, BaseURL)
	load := s.loads[url]
	s.loads[url]++

	if hrefs, ok := s.catalogs[path]; ok {
		return renderCatalog(hrefs(load)), nil
	}
	if p, ok := s.products[path]; ok {
		return renderProduct(p), nil
	}
	return "", fmt.Errorf("404 not found: %s", url)
}

// NewSession opens a session that executes the prober's scripts against the
// shop's pages.
func (s *Shop) NewSession(_ context.Context) (session.Session, error) {
	return htmlsession.New(s, htmlsession.WithScripts(s.runScript)), nil
}

func (s *Shop) runScript(_ context.Context, hs *htmlsession.Session, script string, args []any) (any, error) {
	switch script {
	case prober.SetValueScript:
		el, ok := args[0].(*htmlsession.Element)
		if !ok {
			return nil, fmt.Errorf("unexpected script target %T", args[0])
		}
		el.Selection().SetAttr("value", fmt.Sprint(args[1]))
		return nil, nil

	case prober.ChangeScript:
		return nil, nil

	case prober.SubmitScript:
		el, ok := args[0].(*htmlsession.Element)
		if !ok {
			return nil, fmt.Errorf("unexpected script target %T", args[0])
		}
		amount, _ := el.Selection().Closest("form").Find("input[name=antal]").Attr("value")

		url := hs.URL()
		s.mu.Lock()
		s.submits[url]++
		s.amounts[url] = amount
		p := s.products[strings.TrimPrefix(url, BaseURL)]
		s.mu.Unlock()

		if p == nil || p.ProbeMessage == "" {
			return nil, nil
		}
		page := `<html><body><div class="Error">` + html.EscapeString(p.ProbeMessage) + `</div></body></html>`
		return nil, hs.Load(url, page)
	}

	return nil, fmt.Errorf("unknown script: %s", script)
}

func renderCatalog(hrefs []string) string {
	var b strings.Builder
	b.WriteString("<html><body><ul>\n")
	for i, href := range hrefs {
		fmt.Fprintf(&b, "<li><a class=\"product\" href=\"%s\">Product %d</a></li>\n", html.EscapeString(href), i+1)
	}
	b.WriteString("</ul></body></html>")
	return b.String()
}

func renderProduct(p *Product) string {
	var b strings.Builder
	b.WriteString("<html><head>\n")
	fmt.Fprintf(&b, "<meta itemprop=\"price\" content=\"%s\">\n", html.EscapeString(p.Price))
	fmt.Fprintf(&b, "<meta itemprop=\"priceCurrency\" content=\"%s\">\n", html.EscapeString(p.Currency))
	fmt.Fprintf(&b, "<meta itemprop=\"availability\" content=\"%s\">\n", html.EscapeString(p.Availability))
	b.WriteString("</head><body>\n")
	fmt.Fprintf(&b, "<h1 class=\"name\">%s\n%s</h1>\n", html.EscapeString(p.Category), html.EscapeString(p.Name))
	if !p.NoBrand {
		fmt.Fprintf(&b, "<span class=\"brand\">%s</span>\n", html.EscapeString(p.Brand))
	}
	fmt.Fprintf(&b, "<div id=\"stock\" data-stock=\"%s\"></div>\n", html.EscapeString(p.SuggestedStock))
	if !p.NoPurchaseInput {
		b.WriteString("<form action=\"/cart\" method=\"post\">\n")
		b.WriteString("<input name=\"antal\" value=\"1\">\n")
		b.WriteString("<button class=\"buy\" type=\"submit\">Köp</button>\n")
		b.WriteString("</form>\n")
	}
	b.WriteString("</body></html>")
	return b.String()
}
