package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mangalytics/mangalytics/internal/partition"
	"github.com/mangalytics/mangalytics/internal/pipeline"
	"github.com/mangalytics/mangalytics/internal/types"
)

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (f *fakeStore) UploadDocument(_ context.Context, objectName string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && objectName == f.failOn {
		return fmt.Errorf("upload refused for %s", objectName)
	}
	f.objects[objectName] = data
	return nil
}

var testKey = partition.Key{Email: "u@x.com", Topic: "LLMs", Date: "03_09_2025"}

func searchPage(pdfPaths []string) string {
	page := "<html><body><ol>"
	for _, p := range pdfPaths {
		page += fmt.Sprintf(`<li><a href="/abs/x">abs</a> <a href="%s">pdf</a></li>`, p)
	}
	page += "</ol></body></html>"
	return page
}

func newArxivServer(t *testing.T, pdfPaths []string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/search/advanced", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("advanced"))
		_, _ = w.Write([]byte(searchPage(pdfPaths)))
	})
	mux.HandleFunc("/pdf/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = fmt.Fprintf(w, "%%PDF-1.5 %s", r.URL.Path)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestBuildSearchURL(t *testing.T) {
	params := types.DefaultSearchParams("u@x.com", "LLMs")
	raw := BuildSearchURL(params)

	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "arxiv.org", parsed.Host)
	assert.Equal(t, "/search/advanced", parsed.Path)

	query := parsed.Query()
	assert.Equal(t, "LLMs", query.Get("terms-0-term"))
	assert.Equal(t, "title", query.Get("terms-0-field"))
	assert.Equal(t, "AND", query.Get("terms-0-operator"))
	assert.Equal(t, "50", query.Get("size"))
	assert.Equal(t, "-submitted_date", query.Get("order"))
}

func TestExtractPDFLinks(t *testing.T) {
	html := `<html><body>
		<a href="/pdf/2501.11111">pdf</a>
		<a href="https://arxiv.org/pdf/2501.22222">pdf</a>
		<a href="/pdf/2501.11111">duplicate</a>
		<a href="/abs/2501.33333">abstract</a>
		<a href="https://example.com/paper.pdf">external pdf</a>
	</body></html>`

	links, err := ExtractPDFLinks(html, "https://arxiv.org/search/advanced?x=1")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://arxiv.org/pdf/2501.11111",
		"https://arxiv.org/pdf/2501.22222",
		"https://example.com/paper.pdf",
	}, links)
}

func TestPaperID(t *testing.T) {
	assert.Equal(t, "2501.12345", PaperID("https://arxiv.org/pdf/2501.12345", 1))
	assert.Equal(t, "2501.12345", PaperID("https://example.com/files/2501.12345.pdf", 1))
	assert.Equal(t, "paper_3", PaperID("https://example.com/", 3))
}

func TestAcquire_StoresCappedDocuments(t *testing.T) {
	paths := []string{
		"/pdf/2501.1", "/pdf/2501.2", "/pdf/2501.3",
		"/pdf/2501.4", "/pdf/2501.5", "/pdf/2501.6", "/pdf/2501.7",
	}
	server := newArxivServer(t, paths)
	store := newFakeStore()

	client := New(store, Options{SearchBaseURL: server.URL + "/search/advanced"})
	metrics, err := client.Acquire(context.Background(), types.SubscriptionRequest{Email: "u@x.com", Topic: "LLMs"}, testKey)
	require.NoError(t, err)

	assert.Equal(t, 5, metrics.StoredCount, "acquisition is capped at five documents")
	require.Len(t, metrics.Identifiers, 5)
	assert.Equal(t, "u@x.com/LLMs/03_09_2025/2501.1.pdf", metrics.Identifiers[0])
	assert.Len(t, store.objects, 5)
	assert.Contains(t, store.objects, "u@x.com/LLMs/03_09_2025/2501.5.pdf")
}

func TestAcquire_NoLinksIsRejected(t *testing.T) {
	server := newArxivServer(t, nil)
	client := New(newFakeStore(), Options{SearchBaseURL: server.URL + "/search/advanced"})

	_, err := client.Acquire(context.Background(), types.SubscriptionRequest{Email: "u@x.com", Topic: "nonexistent"}, testKey)
	require.Error(t, err)

	var rejected *pipeline.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, "no PDF links")
}

func TestAcquire_AnyFailedUploadFailsStage(t *testing.T) {
	server := newArxivServer(t, []string{"/pdf/2501.1", "/pdf/2501.2", "/pdf/2501.3"})
	store := newFakeStore()
	store.failOn = "u@x.com/LLMs/03_09_2025/2501.2.pdf"

	client := New(store, Options{SearchBaseURL: server.URL + "/search/advanced"})
	_, err := client.Acquire(context.Background(), types.SubscriptionRequest{Email: "u@x.com", Topic: "LLMs"}, testKey)
	require.Error(t, err)

	var unavailable *pipeline.UnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestAcquire_SearchUnreachable(t *testing.T) {
	server := newArxivServer(t, nil)
	base := server.URL
	server.Close()

	client := New(newFakeStore(), Options{
		SearchBaseURL: base + "/search/advanced",
		FetchTimeout:  500 * time.Millisecond,
	})
	_, err := client.Acquire(context.Background(), types.SubscriptionRequest{Email: "u@x.com", Topic: "LLMs"}, testKey)
	require.Error(t, err)

	var unavailable *pipeline.UnavailableError
	assert.ErrorAs(t, err, &unavailable)
}

func TestSearchPreview_ReportsLinksWithoutStoring(t *testing.T) {
	server := newArxivServer(t, []string{"/pdf/2501.1", "/pdf/2501.2"})
	store := newFakeStore()

	client := New(store, Options{SearchBaseURL: server.URL + "/search/advanced"})
	preview, err := client.SearchPreview(context.Background(), types.DefaultSearchParams("u@x.com", "LLMs"))
	require.NoError(t, err)

	assert.Contains(t, preview.SearchURL, "terms-0-term=LLMs")
	assert.Equal(t, []string{
		server.URL + "/pdf/2501.1",
		server.URL + "/pdf/2501.2",
	}, preview.PDFLinks)
	assert.Empty(t, store.objects, "preview stores nothing")
}
