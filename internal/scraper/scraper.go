// Package scraper implements the acquisition stage: it searches arXiv
// for a topic, downloads the first few result PDFs and stores them under
// the run's partition key.
package scraper

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mangalytics/mangalytics/internal/fetch"
	"github.com/mangalytics/mangalytics/internal/partition"
	"github.com/mangalytics/mangalytics/internal/pipeline"
	"github.com/mangalytics/mangalytics/internal/types"
	"github.com/mangalytics/mangalytics/pkg/logger"
)

// DocumentStore is the slice of object storage the scraper needs.
type DocumentStore interface {
	UploadDocument(ctx context.Context, objectName string, data []byte) error
}

// Options configures the acquisition stage.
type Options struct {
	// MaxDocuments is the fixed ceiling on PDFs stored per run.
	MaxDocuments int
	// UseBrowser enables a headless-browser retry when the plain HTTP
	// fetch of the search page yields no PDF links.
	UseBrowser bool
	// DownloadConcurrency bounds parallel PDF downloads within the stage.
	DownloadConcurrency int
	// FetchTimeout bounds each individual HTTP request.
	FetchTimeout time.Duration
	// SearchBaseURL overrides the arXiv search endpoint.
	SearchBaseURL string
}

// DefaultOptions mirrors the production limits: five documents per run.
func DefaultOptions() Options {
	return Options{
		MaxDocuments:        5,
		DownloadConcurrency: 3,
		FetchTimeout:        30 * time.Second,
	}
}

// Client is the acquisition stage client.
type Client struct {
	store DocumentStore
	opts  Options
}

// New creates an acquisition client writing into store.
func New(store DocumentStore, opts Options) *Client {
	defaults := DefaultOptions()
	if opts.MaxDocuments <= 0 {
		opts.MaxDocuments = defaults.MaxDocuments
	}
	if opts.DownloadConcurrency <= 0 {
		opts.DownloadConcurrency = defaults.DownloadConcurrency
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaults.FetchTimeout
	}
	return &Client{store: store, opts: opts}
}

// Acquire searches for the request's topic and stores up to MaxDocuments
// result PDFs under key. Any document failing to persist fails the whole
// stage: a partially populated prefix would skew what the later stages
// consider the run's corpus.
func (c *Client) Acquire(ctx context.Context, req types.SubscriptionRequest, key partition.Key) (*types.AcquisitionMetrics, error) {
	log := logger.ForRun(key.Email, key.Topic, key.Date)

	params := types.DefaultSearchParams(req.Email, req.Topic)
	searchURL := BuildSearchURLAt(c.opts.SearchBaseURL, params)
	log.Debug("fetching search results", "url", searchURL)

	links, err := c.searchPDFLinks(ctx, searchURL)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, &pipeline.RejectedError{
			Service: "arxiv",
			Reason:  fmt.Sprintf("no PDF links found for topic %q", req.Topic),
		}
	}

	if len(links) > c.opts.MaxDocuments {
		links = links[:c.opts.MaxDocuments]
	}
	log.Info("downloading documents", "count", len(links))

	identifiers := make([]string, len(links))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.DownloadConcurrency)

	for i, link := range links {
		g.Go(func() error {
			objectName := fmt.Sprintf("%s/%s.pdf", key.Prefix(), PaperID(link, i+1))

			pdf, err := fetch.Download(gCtx, link, &fetch.Options{Timeout: c.opts.FetchTimeout})
			if err != nil {
				return &pipeline.UnavailableError{Service: "arxiv", Err: fmt.Errorf("download %s: %w", link, err)}
			}
			if err := c.store.UploadDocument(gCtx, objectName, pdf); err != nil {
				return &pipeline.UnavailableError{Service: "object store", Err: err}
			}

			identifiers[i] = objectName
			log.Debug("stored document", "object", objectName)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &types.AcquisitionMetrics{
		StoredCount: len(identifiers),
		Identifiers: identifiers,
	}, nil
}

// Preview describes what a run for the given search would act on.
type Preview struct {
	SearchURL string   `json:"search_url"`
	PDFLinks  []string `json:"pdf_links"`
}

// SearchPreview fetches the search page for params and reports the PDF
// links a run would download, without storing anything.
func (c *Client) SearchPreview(ctx context.Context, params types.SearchParams) (*Preview, error) {
	searchURL := BuildSearchURLAt(c.opts.SearchBaseURL, params)

	links, err := c.searchPDFLinks(ctx, searchURL)
	if err != nil {
		return nil, err
	}
	if len(links) > c.opts.MaxDocuments {
		links = links[:c.opts.MaxDocuments]
	}

	return &Preview{SearchURL: searchURL, PDFLinks: links}, nil
}

// searchPDFLinks fetches the search page and extracts PDF links, falling
// back to a rendered page when enabled and the static HTML had none.
func (c *Client) searchPDFLinks(ctx context.Context, searchURL string) ([]string, error) {
	result, err := fetch.URL(ctx, searchURL, &fetch.Options{Timeout: c.opts.FetchTimeout})
	if err != nil {
		return nil, &pipeline.UnavailableError{Service: "arxiv", Err: err}
	}

	links, err := ExtractPDFLinks(result.HTML(), searchURL)
	if err != nil {
		return nil, &pipeline.UnavailableError{Service: "arxiv", Err: err}
	}

	if len(links) == 0 && c.opts.UseBrowser {
		html, err := fetch.WithBrowser(ctx, searchURL, c.opts.FetchTimeout)
		if err != nil {
			return nil, &pipeline.UnavailableError{Service: "arxiv", Err: err}
		}
		links, err = ExtractPDFLinks(html, searchURL)
		if err != nil {
			return nil, &pipeline.UnavailableError{Service: "arxiv", Err: err}
		}
	}

	return links, nil
}
