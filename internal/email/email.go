// Package email delivers the generated digest through the Resend HTTP API.
package email

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mangalytics/mangalytics/internal/pipeline"
)

const defaultBaseURL = "https://api.resend.com"

// Config holds the delivery settings.
type Config struct {
	APIKey  string
	BaseURL string
	From    string
	Timeout time.Duration
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.From == "" {
		c.From = "Mangalytics <digest@mangalytics.dev>"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// Attachment is a file attached to an outgoing message.
type Attachment struct {
	Filename string
	Content  []byte
}

// Message is one outgoing email.
type Message struct {
	To          []string
	Subject     string
	HTML        string
	Attachments []Attachment
}

// Client sends email through Resend.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a delivery client.
func NewClient(cfg Config) *Client {
	cfg.ApplyDefaults()
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

type sendRequest struct {
	From        string           `json:"from"`
	To          []string         `json:"to"`
	Subject     string           `json:"subject"`
	HTML        string           `json:"html"`
	Attachments []sendAttachment `json:"attachments,omitempty"`
}

type sendAttachment struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

type sendResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Send delivers msg and returns the provider's delivery identifier.
func (c *Client) Send(ctx context.Context, msg Message) (string, error) {
	body := sendRequest{
		From:    c.cfg.From,
		To:      msg.To,
		Subject: msg.Subject,
		HTML:    msg.HTML,
	}
	for _, att := range msg.Attachments {
		body.Attachments = append(body.Attachments, sendAttachment{
			Filename: att.Filename,
			Content:  base64.StdEncoding.EncodeToString(att.Content),
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/emails", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &pipeline.UnavailableError{Service: "resend", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &pipeline.UnavailableError{Service: "resend", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyStatus(resp.StatusCode, raw)
	}

	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.ID == "" {
		return "", &pipeline.UnavailableError{
			Service: "resend",
			Err:     fmt.Errorf("accepted message without a delivery id"),
		}
	}
	return out.ID, nil
}

func classifyStatus(status int, raw []byte) error {
	var apiErr errorResponse
	_ = json.Unmarshal(raw, &apiErr)
	message := apiErr.Message
	if message == "" {
		message = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &pipeline.UnavailableError{
			Service: "resend",
			Err:     fmt.Errorf("invalid delivery credentials: %s", message),
		}
	case status == http.StatusUnprocessableEntity || status == http.StatusTooManyRequests:
		return &pipeline.RejectedError{Service: "resend", Reason: message}
	default:
		return &pipeline.UnavailableError{
			Service: "resend",
			Err:     fmt.Errorf("status %d: %s", status, message),
		}
	}
}
