// Package collyfetcher implements a platform-agnostic price fetcher with
// gocolly that reads schema.org and OpenGraph product markup.
package collyfetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/shopspring/decimal"

	"github.com/JakeFAU/pricepulse/internal/tracker"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher implements tracker.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	c.WithTransport(newHTTPTransport())
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// scrape accumulates candidate values from the page; the first source in
// priority order wins.
type scrape struct {
	mu       sync.Mutex
	prices   map[string]string
	currency map[string]string
	status   int
}

const (
	srcItemprop = "itemprop"
	srcJSONLD   = "jsonld"
	srcProduct  = "product"
	srcOG       = "og"
)

var sourcePriority = []string{srcItemprop, srcJSONLD, srcProduct, srcOG}

func (s *scrape) setPrice(src, v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prices[src]; !ok && strings.TrimSpace(v) != "" {
		s.prices[src] = strings.TrimSpace(v)
	}
}

func (s *scrape) setCurrency(src, v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.currency[src]; !ok && strings.TrimSpace(v) != "" {
		s.currency[src] = strings.ToUpper(strings.TrimSpace(v))
	}
}

// Fetch visits the product URL and extracts a price.
func (f *Fetcher) Fetch(ctx context.Context, p tracker.Product) (tracker.PriceQuote, error) {
	if err := ctx.Err(); err != nil {
		return tracker.PriceQuote{}, fmt.Errorf("colly fetch canceled: %w", err)
	}
	platform := strings.ToLower(p.Platform)
	s := &scrape{prices: map[string]string{}, currency: map[string]string{}}
	var fetchErr error

	collector := f.buildCollector(s, &fetchErr)
	if err := runCollector(ctx, collector, p.URL); err != nil {
		if ctx.Err() != nil {
			return tracker.PriceQuote{}, err
		}
		return tracker.PriceQuote{}, classify(platform, s.status, err)
	}
	if fetchErr != nil {
		return tracker.PriceQuote{}, classify(platform, s.status, fetchErr)
	}

	for _, src := range sourcePriority {
		raw, ok := s.prices[src]
		if !ok {
			continue
		}
		price, err := parsePrice(raw)
		if err != nil {
			return tracker.PriceQuote{}, tracker.NewFetchError(tracker.FetchErrorParse, platform, err)
		}
		return tracker.PriceQuote{Price: price, Currency: s.currency[src]}, nil
	}
	return tracker.PriceQuote{}, tracker.NewFetchError(tracker.FetchErrorParse, platform,
		errors.New("no price markup found"))
}

func (f *Fetcher) buildCollector(s *scrape, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)

	collector.OnResponse(func(r *colly.Response) {
		s.status = r.StatusCode
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			s.status = r.StatusCode
		}
		*fetchErr = err
	})

	collector.OnHTML(`[itemprop="price"]`, func(e *colly.HTMLElement) {
		v := e.Attr("content")
		if v == "" {
			v = e.Text
		}
		s.setPrice(srcItemprop, v)
	})
	collector.OnHTML(`[itemprop="priceCurrency"]`, func(e *colly.HTMLElement) {
		v := e.Attr("content")
		if v == "" {
			v = e.Text
		}
		s.setCurrency(srcItemprop, v)
	})
	collector.OnHTML(`meta[property="product:price:amount"]`, func(e *colly.HTMLElement) {
		s.setPrice(srcProduct, e.Attr("content"))
	})
	collector.OnHTML(`meta[property="product:price:currency"]`, func(e *colly.HTMLElement) {
		s.setCurrency(srcProduct, e.Attr("content"))
	})
	collector.OnHTML(`meta[property="og:price:amount"]`, func(e *colly.HTMLElement) {
		s.setPrice(srcOG, e.Attr("content"))
	})
	collector.OnHTML(`meta[property="og:price:currency"]`, func(e *colly.HTMLElement) {
		s.setCurrency(srcOG, e.Attr("content"))
	})
	collector.OnHTML(`script[type="application/ld+json"]`, func(e *colly.HTMLElement) {
		if price, currency, ok := offerFromJSONLD([]byte(e.Text)); ok {
			s.setPrice(srcJSONLD, price)
			s.setCurrency(srcJSONLD, currency)
		}
	})
	return collector
}

func runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func classify(platform string, status int, err error) error {
	if status == http.StatusNotFound || status == http.StatusGone {
		return tracker.NewFetchError(tracker.FetchErrorNotFound, platform, err)
	}
	return tracker.NewFetchError(tracker.FetchErrorNetwork, platform, err)
}

// offerFromJSONLD walks a JSON-LD document for the first Offer price.
func offerFromJSONLD(data []byte) (string, string, bool) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", "", false
	}
	return findOffer(doc)
}

func findOffer(node any) (string, string, bool) {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			if price, currency, ok := findOffer(item); ok {
				return price, currency, true
			}
		}
	case map[string]any:
		if offers, ok := v["offers"]; ok {
			if price, currency, ok := findOffer(offers); ok {
				return price, currency, true
			}
		}
		if price, ok := scalarString(v["price"]); ok {
			currency, _ := scalarString(v["priceCurrency"])
			return price, currency, true
		}
		if price, ok := scalarString(v["lowPrice"]); ok {
			currency, _ := scalarString(v["priceCurrency"])
			return price, currency, true
		}
		if graph, ok := v["@graph"]; ok {
			return findOffer(graph)
		}
	}
	return "", "", false
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		return decimal.NewFromFloat(t).String(), true
	default:
		return "", false
	}
}

// parsePrice accepts display strings such as "$1,299.00", "1.299,00 €" or
// "19.99" and returns the amount.
func parsePrice(raw string) (decimal.Decimal, error) {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("no digits in %q", raw)
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 == 2 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price %q: %w", raw, err)
	}
	return d, nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
