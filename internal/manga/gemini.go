package manga

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/mangalytics/mangalytics/internal/pipeline"
)

const defaultModel = "gemini-2.5-flash"

// GeminiNarrator generates the manga narrative with the Gemini API,
// grounding the story on the extracted figure images.
type GeminiNarrator struct {
	client *genai.Client
	model  string
}

// NewGeminiNarrator creates a Gemini-backed narrator.
func NewGeminiNarrator(ctx context.Context, apiKey, model string) (*GeminiNarrator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if model == "" {
		model = defaultModel
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiNarrator{client: client, model: model}, nil
}

// Narrate sends the prompt along with the figure images and returns the
// model's raw narrative text.
func (n *GeminiNarrator) Narrate(ctx context.Context, prompt string, images [][]byte) (string, error) {
	model := n.client.GenerativeModel(n.model)
	model.SetTemperature(0.7)
	model.ResponseMIMEType = "application/json"

	parts := make([]genai.Part, 0, len(images)+1)
	parts = append(parts, genai.Text(prompt))
	for _, image := range images {
		parts = append(parts, genai.ImageData("png", image))
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", &pipeline.UnavailableError{Service: "gemini", Err: err}
	}

	text, err := extractText(resp)
	if err != nil {
		return "", &pipeline.RejectedError{Service: "gemini", Reason: err.Error()}
	}
	return text, nil
}

// Close releases the underlying API client.
func (n *GeminiNarrator) Close() error {
	if n.client != nil {
		return n.client.Close()
	}
	return nil
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}

	var out string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			out += string(text)
		}
	}
	if out == "" {
		return "", fmt.Errorf("no text parts in response")
	}
	return out, nil
}
