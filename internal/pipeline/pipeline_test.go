package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mangalytics/mangalytics/internal/partition"
	"github.com/mangalytics/mangalytics/internal/types"
)

type fakeAcquirer struct {
	metrics *types.AcquisitionMetrics
	err     error
	calls   int
	gotKey  partition.Key
}

func (f *fakeAcquirer) Acquire(_ context.Context, _ types.SubscriptionRequest, key partition.Key) (*types.AcquisitionMetrics, error) {
	f.calls++
	f.gotKey = key
	return f.metrics, f.err
}

type fakeExtractor struct {
	metrics *types.ExtractionMetrics
	err     error
	calls   int
	gotMax  int
	gotKey  partition.Key
}

func (f *fakeExtractor) Extract(_ context.Context, key partition.Key, maxDocuments int) (*types.ExtractionMetrics, error) {
	f.calls++
	f.gotMax = maxDocuments
	f.gotKey = key
	return f.metrics, f.err
}

type fakeGenerator struct {
	metrics *types.GenerationMetrics
	err     error
	calls   int
	block   chan struct{}
}

func (f *fakeGenerator) Generate(_ context.Context, _ partition.Key, _ int) (*types.GenerationMetrics, error) {
	f.calls++
	if f.block != nil {
		<-f.block
	}
	return f.metrics, f.err
}

var validRequest = types.SubscriptionRequest{Email: "u@x.com", Topic: "LLMs"}

func fiveDocuments() *types.AcquisitionMetrics {
	return &types.AcquisitionMetrics{
		StoredCount: 5,
		Identifiers: []string{"2501.1", "2501.2", "2501.3", "2501.4", "2501.5"},
	}
}

func oneDocumentFourFigures() *types.ExtractionMetrics {
	return &types.ExtractionMetrics{
		ProcessedCount: 1,
		FiguresPerDocument: []types.DocumentFigures{
			{Document: "u@x.com/LLMs/03_09_2025/2501.1.pdf", FigureCount: 4},
		},
	}
}

func newTestOrchestrator(a Acquirer, e Extractor, g Generator) *Orchestrator {
	o := New(a, e, g, DefaultConfig())
	o.now = func() time.Time { return time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC) }
	return o
}

func TestRun_AllStagesSucceed(t *testing.T) {
	acquirer := &fakeAcquirer{metrics: fiveDocuments()}
	extractor := &fakeExtractor{metrics: oneDocumentFourFigures()}
	generator := &fakeGenerator{metrics: &types.GenerationMetrics{PanelCount: 4, DeliveryID: "abc123"}}

	o := newTestOrchestrator(acquirer, extractor, generator)
	summary, err := o.Run(context.Background(), validRequest)
	require.NoError(t, err)

	assert.Equal(t, StatusSucceeded, summary.Overall)
	assert.Equal(t, "u@x.com/LLMs/03_09_2025", summary.PartitionKey)
	assert.Equal(t, summary.PartitionKey, acquirer.gotKey.Prefix())
	assert.Equal(t, summary.PartitionKey, extractor.gotKey.Prefix())

	// Counts are passed through exactly as the collaborators reported them.
	require.True(t, summary.Step1.Completed())
	assert.Equal(t, 5, summary.Step1.Acquisition.StoredCount)
	require.True(t, summary.Step2.Completed())
	assert.Equal(t, 1, summary.Step2.Extraction.ProcessedCount)
	assert.Equal(t, 4, summary.Step2.Extraction.FiguresPerDocument[0].FigureCount)
	require.True(t, summary.Step3.Completed())
	assert.Equal(t, 4, summary.Step3.Generation.PanelCount)
	assert.Equal(t, "abc123", summary.Step3.Generation.DeliveryID)

	assert.Len(t, summary.Steps(), 3)
	assert.Equal(t, 1, extractor.gotMax)
}

func TestRun_AcquisitionFailureShortCircuits(t *testing.T) {
	acquirer := &fakeAcquirer{err: &UnavailableError{Service: "arxiv", Err: context.DeadlineExceeded}}
	extractor := &fakeExtractor{}
	generator := &fakeGenerator{}

	o := newTestOrchestrator(acquirer, extractor, generator)
	summary, err := o.Run(context.Background(), validRequest)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, summary.Overall)
	assert.NotEmpty(t, summary.FailureReason)
	assert.Equal(t, StepFailed, summary.Step1.Status)
	assert.Nil(t, summary.Step2)
	assert.Nil(t, summary.Step3)
	assert.Zero(t, extractor.calls)
	assert.Zero(t, generator.calls)
}

func TestRun_EmptyAcquisitionIsFailure(t *testing.T) {
	acquirer := &fakeAcquirer{metrics: &types.AcquisitionMetrics{StoredCount: 0}}
	extractor := &fakeExtractor{}
	generator := &fakeGenerator{}

	o := newTestOrchestrator(acquirer, extractor, generator)
	summary, err := o.Run(context.Background(), validRequest)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, summary.Overall)
	assert.Equal(t, FailureRejected, summary.Step1.Failure)
	assert.Zero(t, extractor.calls, "stage 2 must not run on an empty stage-1 result")
}

func TestRun_ExtractionRateLimitFailsRun(t *testing.T) {
	acquirer := &fakeAcquirer{metrics: fiveDocuments()}
	extractor := &fakeExtractor{err: &RejectedError{Service: "docparse", Reason: "rate limit exceeded"}}
	generator := &fakeGenerator{}

	o := newTestOrchestrator(acquirer, extractor, generator)
	summary, err := o.Run(context.Background(), validRequest)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, summary.Overall)
	assert.Equal(t, FailureRejected, summary.Step2.Failure)
	assert.Contains(t, summary.FailureReason, "rate limit")
	assert.Nil(t, summary.Step3, "step 3 must be absent after a mandatory-stage failure")
	assert.Zero(t, generator.calls)
}

func TestRun_GenerationFailureIsPartialSuccess(t *testing.T) {
	acquirer := &fakeAcquirer{metrics: fiveDocuments()}
	extractor := &fakeExtractor{metrics: oneDocumentFourFigures()}
	generator := &fakeGenerator{err: &UnavailableError{
		Service: "resend",
		Err:     &ValidationError{Reason: "invalid delivery credentials"},
	}}

	o := newTestOrchestrator(acquirer, extractor, generator)
	summary, err := o.Run(context.Background(), validRequest)
	require.NoError(t, err)

	assert.Equal(t, StatusPartiallySucceeded, summary.Overall)
	assert.True(t, summary.Step1.Completed())
	assert.True(t, summary.Step2.Completed())
	require.NotNil(t, summary.Step3)
	assert.Equal(t, StepFailed, summary.Step3.Status)
	assert.Equal(t, FailureUnavailable, summary.Step3.Failure)
	assert.Contains(t, summary.Step3.Reason, "delivery credentials")
	assert.Empty(t, summary.FailureReason, "partial success is not an overall failure")
}

func TestRun_InconsistentStateIsFatal(t *testing.T) {
	acquirer := &fakeAcquirer{metrics: fiveDocuments()}
	extractor := &fakeExtractor{err: &InconsistentStateError{Reason: "no documents stored at u@x.com/LLMs/03_09_2025"}}
	generator := &fakeGenerator{}

	o := newTestOrchestrator(acquirer, extractor, generator)
	summary, err := o.Run(context.Background(), validRequest)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, summary.Overall)
	assert.Equal(t, FailureInconsistent, summary.Step2.Failure)
}

func TestRun_InvalidRequestRejectedBeforeStages(t *testing.T) {
	acquirer := &fakeAcquirer{metrics: fiveDocuments()}
	o := newTestOrchestrator(acquirer, &fakeExtractor{}, &fakeGenerator{})

	_, err := o.Run(context.Background(), types.SubscriptionRequest{Email: "nope", Topic: "LLMs"})
	require.Error(t, err)
	var validation *ValidationError
	assert.ErrorAs(t, err, &validation)
	assert.Zero(t, acquirer.calls, "no stage may run on malformed input")

	_, err = o.Run(context.Background(), types.SubscriptionRequest{Email: "u@x.com", Topic: ""})
	assert.Error(t, err)
	assert.Zero(t, acquirer.calls)
}

func TestRun_StageTimeoutClassifiedAsTimeout(t *testing.T) {
	acquirer := &fakeAcquirer{metrics: fiveDocuments()}
	extractor := &fakeExtractor{metrics: oneDocumentFourFigures()}
	generator := &fakeGenerator{
		block: make(chan struct{}),
		err:   &UnavailableError{Service: "gemini", Err: context.DeadlineExceeded},
	}

	cfg := DefaultConfig()
	cfg.GenerateTimeout = 20 * time.Millisecond
	o := New(acquirer, extractor, generator, cfg)
	o.now = func() time.Time { return time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC) }

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(generator.block)
	}()

	summary, err := o.Run(context.Background(), validRequest)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallySucceeded, summary.Overall)
	assert.Equal(t, FailureTimeout, summary.Step3.Failure)
}

func TestRun_DuplicateConcurrentRunRejected(t *testing.T) {
	release := make(chan struct{})
	acquirer := &fakeAcquirer{metrics: fiveDocuments()}
	extractor := &fakeExtractor{metrics: oneDocumentFourFigures()}
	generator := &fakeGenerator{
		metrics: &types.GenerationMetrics{PanelCount: 4, DeliveryID: "abc123"},
		block:   release,
	}

	o := newTestOrchestrator(acquirer, extractor, generator)

	var wg sync.WaitGroup
	wg.Add(1)
	firstDone := make(chan *Summary, 1)
	go func() {
		defer wg.Done()
		summary, err := o.Run(context.Background(), validRequest)
		assert.NoError(t, err)
		firstDone <- summary
	}()

	// Wait until the first run is inside stage 3, then submit a duplicate.
	require.Eventually(t, func() bool { return generator.calls > 0 }, time.Second, 5*time.Millisecond)
	_, err := o.Run(context.Background(), validRequest)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already in flight")

	close(release)
	wg.Wait()
	assert.Equal(t, StatusSucceeded, (<-firstDone).Overall)

	// Once the first run finished, the key is free again.
	summary, err := o.Run(context.Background(), validRequest)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, summary.Overall)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureKind
	}{
		{"timeout", context.DeadlineExceeded, FailureTimeout},
		{"rejected", &RejectedError{Service: "arxiv", Reason: "no results"}, FailureRejected},
		{"unavailable", &UnavailableError{Service: "minio", Err: assert.AnError}, FailureUnavailable},
		{"inconsistent", &InconsistentStateError{Reason: "missing artifacts"}, FailureInconsistent},
		{"validation", &ValidationError{Reason: "bad email"}, FailureValidation},
		{"unknown", assert.AnError, FailureUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
