// Package docparse is a client for the external document-parsing service
// that turns an uploaded PDF into typed layout blocks, including figure
// images with model-written descriptions.
package docparse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the parse-service connection settings.
type Config struct {
	BaseURL      string
	APIKey       string
	MaxPages     int
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// ApplyDefaults fills unset fields with the production defaults.
func (c *Config) ApplyDefaults() {
	if c.MaxPages == 0 {
		c.MaxPages = 5
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = 2 * time.Minute
	}
}

// Figure is one figure block from a parsed document.
type Figure struct {
	Content  string
	ImageURL string
}

// Document is the parse result the extraction stage consumes.
type Document struct {
	Title   string
	Authors string
	Figures []Figure
}

// APIError is a non-transport failure reported by the parse service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("parse service returned %d: %s", e.StatusCode, e.Message)
}

// IsRateLimit reports whether the service refused the request for quota reasons.
func (e *APIError) IsRateLimit() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Client talks to the parse service.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a parse-service client.
func NewClient(cfg Config) *Client {
	cfg.ApplyDefaults()
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type uploadResponse struct {
	FileID string `json:"file_id"`
}

type parseResponse struct {
	Status string      `json:"status"`
	JobID  string      `json:"job_id"`
	Result parseResult `json:"result"`
}

type parseResult struct {
	Chunks []parseChunk `json:"chunks"`
}

type parseChunk struct {
	Blocks []parseBlock `json:"blocks"`
}

type parseBlock struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	ImageURL string `json:"image_url,omitempty"`
}

// ProcessPDF uploads a PDF, requests a parse with figure images returned,
// polls until the job completes, and extracts the title, authors and
// figure blocks from the result.
func (c *Client) ProcessPDF(ctx context.Context, fileName string, pdf []byte) (*Document, error) {
	fileID, err := c.upload(ctx, fileName, pdf)
	if err != nil {
		return nil, err
	}

	result, err := c.parse(ctx, fileID)
	if err != nil {
		return nil, err
	}

	return blocksToDocument(result), nil
}

func (c *Client) upload(ctx context.Context, fileName string, pdf []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(pdf); err != nil {
		return "", fmt.Errorf("failed to write upload form: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/upload", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var upload uploadResponse
	if err := c.do(req, &upload); err != nil {
		return "", err
	}
	if upload.FileID == "" {
		return "", &APIError{StatusCode: http.StatusOK, Message: "upload returned no file_id"}
	}
	return upload.FileID, nil
}

func (c *Client) parse(ctx context.Context, fileID string) (*parseResponse, error) {
	payload := map[string]any{
		"input": "docparse://" + fileID,
		"enhance": map[string]any{
			"summarize_figures": true,
		},
		"settings": map[string]any{
			"extraction_mode": "hybrid",
			"page_range":      map[string]int{"start": 1, "end": c.cfg.MaxPages},
			"return_images":   []string{"figure"},
			"persist_results": true,
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parse request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/parse", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create parse request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	// data_id lets the service dedupe retried submissions.
	req.Header.Set("X-Data-ID", uuid.New().String())

	var parsed parseResponse
	if err := c.do(req, &parsed); err != nil {
		return nil, err
	}

	if parsed.Status == "processing" {
		return c.poll(ctx, parsed.JobID)
	}
	return &parsed, nil
}

// poll waits for an asynchronous parse job to finish.
func (c *Client) poll(ctx context.Context, jobID string) (*parseResponse, error) {
	deadline := time.Now().Add(c.cfg.PollTimeout)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			return nil, &APIError{StatusCode: http.StatusGatewayTimeout, Message: fmt.Sprintf("parse job %s did not complete in %s", jobID, c.cfg.PollTimeout)}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/status/"+jobID, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create status request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

		var status parseResponse
		if err := c.do(req, &status); err != nil {
			return nil, err
		}

		switch status.Status {
		case "completed":
			return &status, nil
		case "failed":
			return nil, &APIError{StatusCode: http.StatusUnprocessableEntity, Message: fmt.Sprintf("parse job %s failed", jobID)}
		}
	}
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("parse service request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read parse service response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse service response: %w, body: %s", err, string(body))
	}
	return nil
}

// blocksToDocument walks the parsed blocks: the first Title block (with
// the Text block following it as the author line) and every Figure block
// that carries an image.
func blocksToDocument(parsed *parseResponse) *Document {
	doc := &Document{}

	for _, chunk := range parsed.Result.Chunks {
		for i, block := range chunk.Blocks {
			if block.Type == "Title" && doc.Title == "" {
				doc.Title = strings.TrimSpace(block.Content)
				if i+1 < len(chunk.Blocks) && chunk.Blocks[i+1].Type == "Text" {
					doc.Authors = strings.TrimSpace(chunk.Blocks[i+1].Content)
				}
			}
		}
	}

	figureCounter := 1
	for _, chunk := range parsed.Result.Chunks {
		for _, block := range chunk.Blocks {
			if block.Type != "Figure" || block.ImageURL == "" {
				continue
			}
			content := strings.TrimSpace(block.Content)
			if content == "" {
				content = fmt.Sprintf("Figure %d", figureCounter)
			}
			doc.Figures = append(doc.Figures, Figure{
				Content:  content,
				ImageURL: block.ImageURL,
			})
			figureCounter++
		}
	}

	return doc
}
