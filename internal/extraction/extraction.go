// Package extraction implements the figure-extraction stage: it walks the
// documents stored under a partition key, runs each through the external
// parse service and persists the resulting figure pairings.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mangalytics/mangalytics/internal/docparse"
	"github.com/mangalytics/mangalytics/internal/fetch"
	"github.com/mangalytics/mangalytics/internal/partition"
	"github.com/mangalytics/mangalytics/internal/pipeline"
	"github.com/mangalytics/mangalytics/internal/types"
	"github.com/mangalytics/mangalytics/pkg/logger"
)

// ArtifactStore is the slice of object storage the extraction stage needs.
type ArtifactStore interface {
	ListDocuments(ctx context.Context, prefix string) ([]string, error)
	DownloadDocument(ctx context.Context, objectName string) ([]byte, error)
	UploadFigure(ctx context.Context, objectName string, data []byte, contentType string) error
}

// Parser turns a PDF into a parsed document with figure blocks.
type Parser interface {
	ProcessPDF(ctx context.Context, fileName string, pdf []byte) (*docparse.Document, error)
}

// Recorder is the slice of the relational store the extraction stage needs.
type Recorder interface {
	DocumentProcessed(ctx context.Context, email, topic, fileName string) (bool, error)
	DeleteRecommendation(ctx context.Context, email, topic, fileName string) error
	InsertRecommendationRequest(ctx context.Context, email, topic, fileName, title, authors string) (uuid.UUID, error)
	InsertPairings(ctx context.Context, requestID uuid.UUID, pairings []types.FigurePairing) error
}

// Client is the extraction stage client.
type Client struct {
	store    ArtifactStore
	parser   Parser
	recorder Recorder
	timeout  time.Duration
}

// New creates an extraction client.
func New(store ArtifactStore, parser Parser, recorder Recorder) *Client {
	return &Client{
		store:    store,
		parser:   parser,
		recorder: recorder,
		timeout:  30 * time.Second,
	}
}

// Extract processes up to maxDocuments of the PDFs stored under key.
// A document that parses cleanly but yields no figures still counts as
// processed; the stage fails only when no document processes at all.
func (c *Client) Extract(ctx context.Context, key partition.Key, maxDocuments int) (*types.ExtractionMetrics, error) {
	log := logger.ForRun(key.Email, key.Topic, key.Date)
	prefix := key.Prefix()

	files, err := c.store.ListDocuments(ctx, prefix)
	if err != nil {
		return nil, &pipeline.UnavailableError{Service: "object store", Err: err}
	}
	if len(files) == 0 {
		// Stage 1 reported stored documents; an empty listing means a
		// collaborator-side bug or race, not an empty search result.
		return nil, &pipeline.InconsistentStateError{
			Reason: fmt.Sprintf("no documents stored at %s", prefix),
		}
	}

	if maxDocuments > 0 && len(files) > maxDocuments {
		files = files[:maxDocuments]
	}
	log.Info("processing documents", "count", len(files))

	metrics := &types.ExtractionMetrics{}
	figureCounter := 1
	var failures []error

	for _, fileName := range files {
		figures, err := c.processDocument(ctx, key, fileName, &figureCounter)
		if err != nil {
			log.Warn("document failed extraction", "document", fileName, "error", err)
			failures = append(failures, fmt.Errorf("%s: %w", fileName, err))
			continue
		}

		metrics.ProcessedCount++
		metrics.FiguresPerDocument = append(metrics.FiguresPerDocument, types.DocumentFigures{
			Document:    fileName,
			FigureCount: figures,
		})
		log.Info("processed document", "document", fileName, "figures", figures)
	}

	if metrics.ProcessedCount == 0 {
		return nil, classifyFailures(failures)
	}
	return metrics, nil
}

// processDocument runs one PDF through the parse service and persists its
// figures. Returns the number of figures stored.
func (c *Client) processDocument(ctx context.Context, key partition.Key, fileName string, figureCounter *int) (int, error) {
	// Reprocessing replaces the previous records rather than duplicating them.
	processed, err := c.recorder.DocumentProcessed(ctx, key.Email, key.Topic, fileName)
	if err != nil {
		return 0, fmt.Errorf("check processed: %w", err)
	}
	if processed {
		if err := c.recorder.DeleteRecommendation(ctx, key.Email, key.Topic, fileName); err != nil {
			return 0, fmt.Errorf("delete stale records: %w", err)
		}
	}

	pdf, err := c.store.DownloadDocument(ctx, fileName)
	if err != nil {
		return 0, fmt.Errorf("download document: %w", err)
	}

	doc, err := c.parser.ProcessPDF(ctx, fileName, pdf)
	if err != nil {
		return 0, fmt.Errorf("parse document: %w", err)
	}

	requestID, err := c.recorder.InsertRecommendationRequest(ctx, key.Email, key.Topic, fileName, doc.Title, doc.Authors)
	if err != nil {
		return 0, fmt.Errorf("record document: %w", err)
	}

	var pairings []types.FigurePairing
	for _, figure := range doc.Figures {
		image, err := fetch.Download(ctx, figure.ImageURL, &fetch.Options{Timeout: c.timeout})
		if err != nil {
			// A missing figure image loses that figure, not the document.
			continue
		}

		imagePath := fmt.Sprintf("%s/figure_%d.png", key.Prefix(), *figureCounter)
		if err := c.store.UploadFigure(ctx, imagePath, image, "image/png"); err != nil {
			return 0, fmt.Errorf("store figure %d: %w", *figureCounter, err)
		}
		*figureCounter++

		pairings = append(pairings, types.FigurePairing{
			FigureContent: figure.Content,
			ImagePath:     imagePath,
		})
	}

	if len(pairings) > 0 {
		if err := c.recorder.InsertPairings(ctx, requestID, pairings); err != nil {
			return 0, fmt.Errorf("record pairings: %w", err)
		}
	}

	return len(pairings), nil
}

// classifyFailures folds the per-document errors into one stage error,
// preserving upstream classification where the parse service gave one.
func classifyFailures(failures []error) error {
	joined := errors.Join(failures...)

	var apiErr *docparse.APIError
	if errors.As(joined, &apiErr) {
		if apiErr.IsRateLimit() {
			return &pipeline.RejectedError{Service: "docparse", Reason: joined.Error()}
		}
		return &pipeline.UnavailableError{Service: "docparse", Err: joined}
	}
	if errors.Is(joined, context.DeadlineExceeded) {
		return joined
	}

	return &pipeline.RejectedError{
		Service: "docparse",
		Reason:  fmt.Sprintf("all documents failed extraction: %v", joined),
	}
}
