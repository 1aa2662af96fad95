// Package manga implements the generation stage: it turns the figures
// extracted for a partition key into a short manga narrative and hands
// the result to email delivery.
package manga

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mangalytics/mangalytics/internal/db"
	"github.com/mangalytics/mangalytics/internal/email"
	"github.com/mangalytics/mangalytics/internal/partition"
	"github.com/mangalytics/mangalytics/internal/pipeline"
	"github.com/mangalytics/mangalytics/internal/types"
	"github.com/mangalytics/mangalytics/pkg/logger"
)

// FigureSource is the slice of the relational store the generation stage needs.
type FigureSource interface {
	FiguresForPrefix(ctx context.Context, email, topic, prefix string, maxFiles int) ([]db.StoredFigure, error)
}

// ArtifactStore is the slice of object storage the generation stage needs.
type ArtifactStore interface {
	DownloadFigure(ctx context.Context, objectName string) ([]byte, error)
	UploadPanels(ctx context.Context, objectName string, data []byte) error
}

// Narrator generates the raw narrative from a prompt and figure images.
type Narrator interface {
	Narrate(ctx context.Context, prompt string, images [][]byte) (string, error)
}

// Sender delivers the finished digest and returns a delivery identifier.
type Sender interface {
	Send(ctx context.Context, msg email.Message) (string, error)
}

// Generator is the generation stage client.
type Generator struct {
	figures  FigureSource
	store    ArtifactStore
	narrator Narrator
	sender   Sender
}

// New creates a generation client.
func New(figures FigureSource, store ArtifactStore, narrator Narrator, sender Sender) *Generator {
	return &Generator{
		figures:  figures,
		store:    store,
		narrator: narrator,
		sender:   sender,
	}
}

// Generate builds the narrative for key, stores the panel payload and
// emails the digest. maxFiles bounds how many source papers contribute
// figures to one narrative.
func (g *Generator) Generate(ctx context.Context, key partition.Key, maxFiles int) (*types.GenerationMetrics, error) {
	log := logger.ForRun(key.Email, key.Topic, key.Date)
	prefix := key.Prefix()

	if maxFiles <= 0 {
		maxFiles = 1
	}
	figures, err := g.figures.FiguresForPrefix(ctx, key.Email, key.Topic, prefix, maxFiles)
	if err != nil {
		return nil, &pipeline.UnavailableError{Service: "database", Err: err}
	}
	if len(figures) == 0 {
		// Extraction reported processed documents, so an empty pairing set
		// means the records and the run state disagree.
		return nil, &pipeline.InconsistentStateError{
			Reason: fmt.Sprintf("no extracted figures recorded for %s", prefix),
		}
	}

	var images [][]byte
	var attachments []email.Attachment
	for _, figure := range figures {
		image, err := g.store.DownloadFigure(ctx, figure.ImagePath)
		if err != nil {
			log.Warn("figure image missing, narrating without it", "path", figure.ImagePath, "error", err)
			continue
		}
		images = append(images, image)
		attachments = append(attachments, email.Attachment{
			Filename: attachmentName(figure.ImagePath),
			Content:  image,
		})
	}

	raw, err := g.narrator.Narrate(ctx, buildPrompt(key.Topic, figures), images)
	if err != nil {
		return nil, err
	}

	panels, err := ParsePanels(raw)
	if err != nil {
		return nil, &pipeline.RejectedError{Service: "gemini", Reason: err.Error()}
	}
	log.Info("generated narrative", "panels", len(panels))

	payload, err := json.Marshal(panelsDocument{Panels: panels})
	if err != nil {
		return nil, fmt.Errorf("encode panels: %w", err)
	}
	if err := g.store.UploadPanels(ctx, prefix+"/panels.json", payload); err != nil {
		return nil, &pipeline.UnavailableError{Service: "object store", Err: err}
	}

	deliveryID, err := g.sender.Send(ctx, email.Message{
		To:          []string{key.Email},
		Subject:     email.DigestSubject(key.Topic),
		HTML:        email.DigestHTML(key.Topic, panels),
		Attachments: attachments,
	})
	if err != nil {
		return nil, err
	}
	log.Info("digest delivered", "delivery_id", deliveryID)

	return &types.GenerationMetrics{
		PanelCount: len(panels),
		DeliveryID: deliveryID,
	}, nil
}

// buildPrompt writes the narration instructions, grounding the story on
// the papers the figures came from.
func buildPrompt(topic string, figures []db.StoredFigure) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a manga artist turning fresh research on %q into a short story.\n\n", topic)
	b.WriteString("Source material, one entry per extracted figure:\n")
	for i, figure := range figures {
		fmt.Fprintf(&b, "%d. Paper: %s\n", i+1, figure.Title)
		if figure.FigureContent != "" {
			fmt.Fprintf(&b, "   Figure: %s\n", figure.FigureContent)
		}
	}
	b.WriteString("\nThe figure images follow this prompt in the same order.\n")
	b.WriteString("Write a four panel manga that explains the core finding to a curious reader.\n")
	b.WriteString(`Respond with JSON only, in this shape:
{"panels": [{"panel_number": 1, "title": "...", "description": "...", "dialogue": "..."}]}
`)
	b.WriteString("Every panel needs a panel_number and a description. Keep dialogue short and playful.\n")
	return b.String()
}

func attachmentName(imagePath string) string {
	if i := strings.LastIndex(imagePath, "/"); i >= 0 {
		return imagePath[i+1:]
	}
	return imagePath
}
