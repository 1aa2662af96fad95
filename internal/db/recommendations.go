package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mangalytics/mangalytics/internal/types"
)

// RecommendationRequest is one processed document's record.
type RecommendationRequest struct {
	ID        uuid.UUID
	Email     string
	Topic     string
	FileName  string
	Title     string
	Authors   string
	CreatedAt time.Time
}

// StoredFigure is one figure pairing as the generation stage consumes it.
type StoredFigure struct {
	FileName      string
	Title         string
	FigureContent string
	ImagePath     string
}

// InsertRecommendationRequest records a processed document and returns its id.
func (db *DB) InsertRecommendationRequest(ctx context.Context, email, topic, fileName, title, authors string) (uuid.UUID, error) {
	var id uuid.UUID
	err := db.pool.QueryRow(ctx,
		`INSERT INTO recommendation_requests (email, topic, file_name, title, authors)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		email, topic, fileName, title, authors,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert recommendation request: %w", err)
	}
	return id, nil
}

// InsertPairings records the figure pairings extracted from one document.
func (db *DB) InsertPairings(ctx context.Context, requestID uuid.UUID, pairings []types.FigurePairing) error {
	for _, pairing := range pairings {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO recommendation_pairings (request_id, figure_content, image_path)
			 VALUES ($1, $2, $3)`,
			requestID, pairing.FigureContent, pairing.ImagePath,
		)
		if err != nil {
			return fmt.Errorf("failed to insert pairing: %w", err)
		}
	}
	return nil
}

// DocumentProcessed reports whether a document already has a recommendation record.
func (db *DB) DocumentProcessed(ctx context.Context, email, topic, fileName string) (bool, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM recommendation_requests
		 WHERE email = $1 AND topic = $2 AND file_name = $3`,
		email, topic, fileName,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check document: %w", err)
	}
	return count > 0, nil
}

// DeleteRecommendation removes a document's record and its pairings so
// reprocessing replaces rather than duplicates them.
func (db *DB) DeleteRecommendation(ctx context.Context, email, topic, fileName string) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM recommendation_requests
		 WHERE email = $1 AND topic = $2 AND file_name = $3`,
		email, topic, fileName,
	)
	if err != nil {
		return fmt.Errorf("failed to delete recommendation: %w", err)
	}
	return nil
}

// FiguresForPrefix returns the stored figure pairings whose source
// documents live under the given partition prefix, bounded to the first
// maxFiles documents in processing order.
func (db *DB) FiguresForPrefix(ctx context.Context, email, topic, prefix string, maxFiles int) ([]StoredFigure, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT r.file_name, COALESCE(r.title, ''), p.figure_content, p.image_path
		 FROM recommendation_pairings p
		 JOIN recommendation_requests r ON p.request_id = r.id
		 WHERE r.email = $1 AND r.topic = $2 AND r.file_name LIKE $3 || '%'
		 ORDER BY r.created_at, p.created_at`,
		email, topic, prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query figures: %w", err)
	}
	defer rows.Close()

	var figures []StoredFigure
	for rows.Next() {
		var fig StoredFigure
		if err := rows.Scan(&fig.FileName, &fig.Title, &fig.FigureContent, &fig.ImagePath); err != nil {
			return nil, fmt.Errorf("failed to scan figure row: %w", err)
		}
		figures = append(figures, fig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read figure rows: %w", err)
	}

	return LimitToFiles(figures, maxFiles), nil
}

// LimitToFiles keeps the figures belonging to the first maxFiles distinct
// documents, preserving order. A non-positive maxFiles keeps everything.
func LimitToFiles(figures []StoredFigure, maxFiles int) []StoredFigure {
	if maxFiles <= 0 {
		return figures
	}

	seen := make(map[string]struct{})
	var kept []StoredFigure
	for _, fig := range figures {
		if _, ok := seen[fig.FileName]; !ok {
			if len(seen) == maxFiles {
				break
			}
			seen[fig.FileName] = struct{}{}
		}
		kept = append(kept, fig)
	}
	return kept
}
