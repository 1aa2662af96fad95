// Package types provides type definitions for structured data used throughout the mangalytics system.
package types

import (
	"github.com/go-playground/validator/v10"
)

// SubscriptionRequest is the caller-supplied input for one pipeline run.
type SubscriptionRequest struct {
	Email string `json:"email" validate:"required,email"`
	Topic string `json:"topic" validate:"required,min=1"`
}

// Validate validates the SubscriptionRequest using the validator.
func (r *SubscriptionRequest) Validate() error {
	validate := validator.New()
	return validate.Struct(r)
}

// SearchParams holds the arXiv advanced-search parameters for one acquisition.
type SearchParams struct {
	Email     string `json:"email" validate:"required,email"`
	Topic     string `json:"topic" validate:"required,min=1"`
	Terms     string `json:"terms,omitempty"`
	Field     string `json:"field,omitempty"`
	Operator  string `json:"operator,omitempty"`
	Abstracts string `json:"abstracts,omitempty"`
	Size      int    `json:"size,omitempty"`
	Order     string `json:"order,omitempty"`
}

// Validate validates the SearchParams using the validator.
func (p *SearchParams) Validate() error {
	validate := validator.New()
	return validate.Struct(p)
}

// DefaultSearchParams returns search parameters for a topic with the
// standard defaults: title search, newest submissions first.
func DefaultSearchParams(email, topic string) SearchParams {
	return SearchParams{
		Email:     email,
		Topic:     topic,
		Terms:     topic,
		Field:     "title",
		Operator:  "AND",
		Abstracts: "show",
		Size:      50,
		Order:     "-submitted_date",
	}
}

// AcquisitionMetrics reports what the acquisition stage stored.
type AcquisitionMetrics struct {
	StoredCount int      `json:"stored_count"`
	Identifiers []string `json:"identifiers"`
}

// DocumentFigures reports the figure yield of one processed document.
type DocumentFigures struct {
	Document    string `json:"document"`
	FigureCount int    `json:"figure_count"`
}

// ExtractionMetrics reports what the extraction stage processed.
type ExtractionMetrics struct {
	ProcessedCount     int               `json:"processed_count"`
	FiguresPerDocument []DocumentFigures `json:"figures_per_document"`
}

// GenerationMetrics reports what the generation stage produced and delivered.
type GenerationMetrics struct {
	PanelCount int    `json:"panel_count"`
	DeliveryID string `json:"delivery_id"`
}

// FigurePairing links extracted figure text to its stored image.
type FigurePairing struct {
	FigureContent string `json:"figure_content"`
	ImagePath     string `json:"image_path"`
	ImageURL      string `json:"image_url,omitempty"`
}

// MangaPanel is one panel of the generated narrative.
type MangaPanel struct {
	PanelNumber int    `json:"panel_number"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Dialogue    string `json:"dialogue,omitempty"`
}
