// Package snapshot captures a live page's HTML into a host tree so
// the filtering pipeline can run against real pages offline.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/sifthq/sift/internal/hosttree"
	"github.com/sifthq/sift/internal/logger"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Fetcher captures single-page snapshots. It never follows links;
// one fetch, one document.
type Fetcher struct {
	timeout   time.Duration
	userAgent string
	logger    logger.Interface
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithTimeout sets the request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(f *Fetcher) { f.timeout = timeout }
}

// WithUserAgent sets the request user agent.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// NewFetcher creates a snapshot fetcher.
func NewFetcher(log logger.Interface, opts ...Option) *Fetcher {
	f := &Fetcher{
		timeout:   defaultTimeout,
		userAgent: defaultUserAgent,
		logger:    log.WithComponent("snapshot"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads a page and wraps it in a document tree.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*hosttree.DocumentTree, error) {
	collector := colly.NewCollector(
		colly.UserAgent(f.userAgent),
		colly.MaxDepth(1),
		colly.StdlibContext(ctx),
	)
	collector.SetRequestTimeout(f.timeout)

	var body []byte
	collector.OnResponse(func(r *colly.Response) {
		body = r.Body
	})

	var fetchErr error
	collector.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = fmt.Errorf("fetch failed with status %d: %w", status, err)
	})

	started := time.Now()
	visitErr := collector.Visit(pageURL)
	collector.Wait()

	// Visit reports HTTP failures too; the OnError callback has the
	// status code, so prefer its message when it fired.
	if fetchErr != nil {
		return nil, fetchErr
	}
	if visitErr != nil {
		return nil, fmt.Errorf("failed to visit %s: %w", pageURL, visitErr)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response from %s", pageURL)
	}

	f.logger.WithDuration(time.Since(started)).Info("page captured",
		"url", pageURL,
		"bytes", len(body),
	)

	return FromReader(bytes.NewReader(body))
}

// FromFile loads a saved snapshot from disk.
func FromFile(path string) (*hosttree.DocumentTree, error) {
	file, openErr := os.Open(path)
	if openErr != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", openErr)
	}
	defer file.Close()

	return FromReader(file)
}

// FromReader parses HTML into a document tree.
func FromReader(r io.Reader) (*hosttree.DocumentTree, error) {
	doc, parseErr := goquery.NewDocumentFromReader(r)
	if parseErr != nil {
		return nil, fmt.Errorf("failed to parse document: %w", parseErr)
	}
	return hosttree.NewDocumentTree(doc), nil
}
