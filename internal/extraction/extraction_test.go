package extraction

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mangalytics/mangalytics/internal/docparse"
	"github.com/mangalytics/mangalytics/internal/partition"
	"github.com/mangalytics/mangalytics/internal/pipeline"
	"github.com/mangalytics/mangalytics/internal/types"
)

var testKey = partition.Key{Email: "u@x.com", Topic: "LLMs", Date: "03_09_2025"}

type fakeArtifactStore struct {
	documents map[string][]byte
	figures   map[string][]byte
	listErr   error
}

func newFakeArtifactStore(documents ...string) *fakeArtifactStore {
	s := &fakeArtifactStore{
		documents: make(map[string][]byte),
		figures:   make(map[string][]byte),
	}
	for _, name := range documents {
		s.documents[name] = []byte("%PDF-1.5 " + name)
	}
	return s
}

func (s *fakeArtifactStore) ListDocuments(_ context.Context, _ string) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var names []string
	for name := range s.documents {
		names = append(names, name)
	}
	return names, nil
}

func (s *fakeArtifactStore) DownloadDocument(_ context.Context, objectName string) ([]byte, error) {
	data, ok := s.documents[objectName]
	if !ok {
		return nil, fmt.Errorf("missing document %s", objectName)
	}
	return data, nil
}

func (s *fakeArtifactStore) UploadFigure(_ context.Context, objectName string, data []byte, _ string) error {
	s.figures[objectName] = data
	return nil
}

type fakeParser struct {
	docs map[string]*docparse.Document
	err  error
}

func (p *fakeParser) ProcessPDF(_ context.Context, fileName string, _ []byte) (*docparse.Document, error) {
	if p.err != nil {
		return nil, p.err
	}
	doc, ok := p.docs[fileName]
	if !ok {
		return nil, fmt.Errorf("unexpected document %s", fileName)
	}
	return doc, nil
}

type fakeRecorder struct {
	processed map[string]bool
	requests  []string
	pairings  map[uuid.UUID][]types.FigurePairing
	deleted   []string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		processed: make(map[string]bool),
		pairings:  make(map[uuid.UUID][]types.FigurePairing),
	}
}

func (r *fakeRecorder) DocumentProcessed(_ context.Context, _, _, fileName string) (bool, error) {
	return r.processed[fileName], nil
}

func (r *fakeRecorder) DeleteRecommendation(_ context.Context, _, _, fileName string) error {
	r.deleted = append(r.deleted, fileName)
	return nil
}

func (r *fakeRecorder) InsertRecommendationRequest(_ context.Context, _, _, fileName, _, _ string) (uuid.UUID, error) {
	r.requests = append(r.requests, fileName)
	return uuid.New(), nil
}

func (r *fakeRecorder) InsertPairings(_ context.Context, requestID uuid.UUID, pairings []types.FigurePairing) error {
	r.pairings[requestID] = pairings
	return nil
}

// imageServer serves figure images for download.
func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestExtract_ProcessesDocumentAndStoresFigures(t *testing.T) {
	images := imageServer(t)
	fileName := testKey.Prefix() + "/2501.1.pdf"

	store := newFakeArtifactStore(fileName)
	parser := &fakeParser{docs: map[string]*docparse.Document{
		fileName: {
			Title:   "Scaling Laws",
			Authors: "Kaplan et al.",
			Figures: []docparse.Figure{
				{Content: "fig one", ImageURL: images.URL + "/1.png"},
				{Content: "fig two", ImageURL: images.URL + "/2.png"},
			},
		},
	}}
	recorder := newFakeRecorder()

	metrics, err := New(store, parser, recorder).Extract(context.Background(), testKey, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, metrics.ProcessedCount)
	require.Len(t, metrics.FiguresPerDocument, 1)
	assert.Equal(t, fileName, metrics.FiguresPerDocument[0].Document)
	assert.Equal(t, 2, metrics.FiguresPerDocument[0].FigureCount)

	assert.Contains(t, store.figures, testKey.Prefix()+"/figure_1.png")
	assert.Contains(t, store.figures, testKey.Prefix()+"/figure_2.png")
	assert.Equal(t, []string{fileName}, recorder.requests)
	require.Len(t, recorder.pairings, 1)
}

func TestExtract_ZeroFiguresIsStillProcessed(t *testing.T) {
	fileName := testKey.Prefix() + "/2501.1.pdf"
	store := newFakeArtifactStore(fileName)
	parser := &fakeParser{docs: map[string]*docparse.Document{
		fileName: {Title: "Text-only paper"},
	}}
	recorder := newFakeRecorder()

	metrics, err := New(store, parser, recorder).Extract(context.Background(), testKey, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, metrics.ProcessedCount)
	assert.Equal(t, 0, metrics.FiguresPerDocument[0].FigureCount)
	assert.Equal(t, []string{fileName}, recorder.requests, "a clean zero-figure document is still recorded")
	assert.Empty(t, recorder.pairings)
}

func TestExtract_EmptyPrefixIsInconsistentState(t *testing.T) {
	store := newFakeArtifactStore()
	_, err := New(store, &fakeParser{}, newFakeRecorder()).Extract(context.Background(), testKey, 1)
	require.Error(t, err)

	var inconsistent *pipeline.InconsistentStateError
	require.ErrorAs(t, err, &inconsistent)
	assert.Contains(t, inconsistent.Reason, testKey.Prefix())
}

func TestExtract_AllDocumentsFailing(t *testing.T) {
	fileName := testKey.Prefix() + "/2501.1.pdf"
	store := newFakeArtifactStore(fileName)
	parser := &fakeParser{err: fmt.Errorf("parse blew up")}

	_, err := New(store, parser, newFakeRecorder()).Extract(context.Background(), testKey, 1)
	require.Error(t, err)

	var rejected *pipeline.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, "all documents failed extraction")
}

func TestExtract_RateLimitKeepsClassification(t *testing.T) {
	fileName := testKey.Prefix() + "/2501.1.pdf"
	store := newFakeArtifactStore(fileName)
	parser := &fakeParser{err: &docparse.APIError{StatusCode: http.StatusTooManyRequests, Message: "rate limit exceeded"}}

	_, err := New(store, parser, newFakeRecorder()).Extract(context.Background(), testKey, 1)
	require.Error(t, err)

	var rejected *pipeline.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, "rate limit")
}

func TestExtract_ReprocessingReplacesRecords(t *testing.T) {
	images := imageServer(t)
	fileName := testKey.Prefix() + "/2501.1.pdf"

	store := newFakeArtifactStore(fileName)
	parser := &fakeParser{docs: map[string]*docparse.Document{
		fileName: {Figures: []docparse.Figure{{Content: "fig", ImageURL: images.URL + "/1.png"}}},
	}}
	recorder := newFakeRecorder()
	recorder.processed[fileName] = true

	_, err := New(store, parser, recorder).Extract(context.Background(), testKey, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{fileName}, recorder.deleted)
}

func TestExtract_CapsDocuments(t *testing.T) {
	images := imageServer(t)
	var names []string
	docs := make(map[string]*docparse.Document)
	for i := 1; i <= 3; i++ {
		name := fmt.Sprintf("%s/2501.%d.pdf", testKey.Prefix(), i)
		names = append(names, name)
		docs[name] = &docparse.Document{Figures: []docparse.Figure{{Content: "fig", ImageURL: images.URL}}}
	}

	store := newFakeArtifactStore(names...)
	metrics, err := New(store, &fakeParser{docs: docs}, newFakeRecorder()).Extract(context.Background(), testKey, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, metrics.ProcessedCount)
}
