// Package pipeline provides the high-level orchestration for the manga
// digest generation process: acquire documents, extract figures, generate
// and deliver the digest.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mangalytics/mangalytics/internal/partition"
	"github.com/mangalytics/mangalytics/internal/types"
	"github.com/mangalytics/mangalytics/pkg/logger"
)

// Acquirer locates documents for a topic and stores them under the key.
type Acquirer interface {
	Acquire(ctx context.Context, req types.SubscriptionRequest, key partition.Key) (*types.AcquisitionMetrics, error)
}

// Extractor processes up to maxDocuments stored documents into figures.
type Extractor interface {
	Extract(ctx context.Context, key partition.Key, maxDocuments int) (*types.ExtractionMetrics, error)
}

// Generator turns stored figures into panels and delivers the digest.
type Generator interface {
	Generate(ctx context.Context, key partition.Key, maxDocuments int) (*types.GenerationMetrics, error)
}

// Config bounds each stage of a run.
type Config struct {
	MaxExtractDocuments int
	AcquireTimeout      time.Duration
	ExtractTimeout      time.Duration
	GenerateTimeout     time.Duration
}

// DefaultConfig mirrors the production limits: one document extracted and
// narrated per run, with the long-pole stages given a generous wait.
func DefaultConfig() Config {
	return Config{
		MaxExtractDocuments: 1,
		AcquireTimeout:      60 * time.Second,
		ExtractTimeout:      3 * time.Minute,
		GenerateTimeout:     3 * time.Minute,
	}
}

// Orchestrator sequences the three stage clients over a single partition
// key. Acquisition and extraction are mandatory; generation is best-effort
// because its inputs already persisted and a narrower retry is cheap.
//
// The machine is strictly forward-progressing: there is no retry
// transition, and stages never run concurrently within one run. Runs for
// different keys are independent and may execute concurrently.
type Orchestrator struct {
	acquirer  Acquirer
	extractor Extractor
	generator Generator
	cfg       Config
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New assembles an orchestrator from its stage clients.
func New(acquirer Acquirer, extractor Extractor, generator Generator, cfg Config) *Orchestrator {
	if cfg.MaxExtractDocuments <= 0 {
		cfg.MaxExtractDocuments = DefaultConfig().MaxExtractDocuments
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultConfig().AcquireTimeout
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = DefaultConfig().ExtractTimeout
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = DefaultConfig().GenerateTimeout
	}

	return &Orchestrator{
		acquirer:  acquirer,
		extractor: extractor,
		generator: generator,
		cfg:       cfg,
		now:       time.Now,
		inflight:  make(map[string]struct{}),
	}
}

// Run executes one pipeline run. A non-nil error means the request was
// rejected before any stage executed and nothing was retained; all other
// outcomes, including overall failure, are reported in the Summary.
func (o *Orchestrator) Run(ctx context.Context, req types.SubscriptionRequest) (*Summary, error) {
	key, err := partition.Derive(req.Email, req.Topic, o.now())
	if err != nil {
		return nil, &ValidationError{Reason: err.Error()}
	}

	if err := o.acquireSlot(key); err != nil {
		return nil, err
	}
	defer o.releaseSlot(key)

	log := logger.ForRun(key.Email, key.Topic, key.Date)
	log.Info("starting pipeline run")

	summary := &Summary{
		PartitionKey: key.Prefix(),
		Email:        key.Email,
		Topic:        key.Topic,
		Date:         key.Date,
	}

	summary.Step1 = o.runAcquisition(ctx, req, key, log)
	if !summary.Step1.Completed() {
		summary.Overall = StatusFailed
		summary.FailureReason = fmt.Sprintf("%s: %s", StageAcquisition, summary.Step1.Reason)
		log.Error("pipeline run aborted", "stage", StageAcquisition, "reason", summary.Step1.Reason)
		return summary, nil
	}

	summary.Step2 = o.runExtraction(ctx, key, log)
	if !summary.Step2.Completed() {
		summary.Overall = StatusFailed
		summary.FailureReason = fmt.Sprintf("%s: %s", StageExtraction, summary.Step2.Reason)
		log.Error("pipeline run aborted", "stage", StageExtraction, "reason", summary.Step2.Reason)
		return summary, nil
	}

	summary.Step3 = o.runGeneration(ctx, key, log)
	if !summary.Step3.Completed() {
		// The first two stages' artifacts persisted; failing the run here
		// would force the caller to redo expensive upstream work.
		summary.Overall = StatusPartiallySucceeded
		log.Warn("pipeline run partially succeeded", "stage", StageGeneration, "reason", summary.Step3.Reason)
		return summary, nil
	}

	summary.Overall = StatusSucceeded
	log.Info("pipeline run succeeded",
		"documents_stored", summary.Step1.Acquisition.StoredCount,
		"documents_processed", summary.Step2.Extraction.ProcessedCount,
		"panels", summary.Step3.Generation.PanelCount,
	)
	return summary, nil
}

// acquireSlot guards against two concurrent runs addressing the same
// storage paths. Duplicate runs are rejected before stage 1 so neither
// run can clobber the other's artifacts mid-flight.
func (o *Orchestrator) acquireSlot(key partition.Key) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	prefix := key.Prefix()
	if _, busy := o.inflight[prefix]; busy {
		return &InFlightError{PartitionKey: prefix}
	}
	o.inflight[prefix] = struct{}{}
	return nil
}

func (o *Orchestrator) releaseSlot(key partition.Key) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, key.Prefix())
}

func (o *Orchestrator) runAcquisition(ctx context.Context, req types.SubscriptionRequest, key partition.Key, log *slog.Logger) *StepResult {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.AcquireTimeout)
	defer cancel()

	log.Info("stage 1/3: acquiring documents")
	metrics, err := o.acquirer.Acquire(ctx, req, key)
	if err != nil {
		return failedStep(StageAcquisition, stageErr(ctx, err))
	}
	// An empty result is not success: the later stages would have nothing
	// to work with even though the collaborator returned cleanly.
	if metrics == nil || metrics.StoredCount == 0 || len(metrics.Identifiers) == 0 {
		return failedStep(StageAcquisition, &RejectedError{
			Service: "acquisition",
			Reason:  fmt.Sprintf("no documents stored at %s", key.Prefix()),
		})
	}

	log.Info("stage 1/3 complete", "stored", metrics.StoredCount)
	return completedStep(StageAcquisition, func(s *StepResult) { s.Acquisition = metrics })
}

func (o *Orchestrator) runExtraction(ctx context.Context, key partition.Key, log *slog.Logger) *StepResult {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ExtractTimeout)
	defer cancel()

	log.Info("stage 2/3: extracting figures", "max_documents", o.cfg.MaxExtractDocuments)
	metrics, err := o.extractor.Extract(ctx, key, o.cfg.MaxExtractDocuments)
	if err != nil {
		return failedStep(StageExtraction, stageErr(ctx, err))
	}

	log.Info("stage 2/3 complete", "processed", metrics.ProcessedCount)
	return completedStep(StageExtraction, func(s *StepResult) { s.Extraction = metrics })
}

func (o *Orchestrator) runGeneration(ctx context.Context, key partition.Key, log *slog.Logger) *StepResult {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.GenerateTimeout)
	defer cancel()

	log.Info("stage 3/3: generating and delivering digest")
	metrics, err := o.generator.Generate(ctx, key, o.cfg.MaxExtractDocuments)
	if err != nil {
		return failedStep(StageGeneration, stageErr(ctx, err))
	}

	log.Info("stage 3/3 complete", "panels", metrics.PanelCount, "delivery_id", metrics.DeliveryID)
	return completedStep(StageGeneration, func(s *StepResult) { s.Generation = metrics })
}

// stageErr substitutes the stage deadline for whatever error the client
// surfaced once the bounded wait has elapsed, so a slow collaborator is
// reported as a timeout rather than a generic transport failure.
func stageErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
