package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mangalytics/mangalytics/internal/partition"
	"github.com/mangalytics/mangalytics/internal/pipeline"
	"github.com/mangalytics/mangalytics/internal/types"
)

// StageRequest addresses one partition key for the standalone stage
// endpoints. An empty date means today.
type StageRequest struct {
	Email string `json:"email"`
	Topic string `json:"topic"`
	Date  string `json:"date,omitempty"`
}

// handleSubscribe runs the full pipeline synchronously and returns the
// run summary. The run is detached from the request context so a caller
// disconnecting does not cancel in-flight upstream calls; the per-stage
// timeouts still bound it.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req types.SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	summary, err := s.runner.Run(context.WithoutCancel(r.Context()), req)
	if err != nil {
		s.errorResponse(w, httpStatus(err), err.Error())
		return
	}
	if summary.Overall == pipeline.StatusFailed {
		s.jsonResponse(w, http.StatusBadGateway, summary)
		return
	}
	s.jsonResponse(w, http.StatusOK, summary)
}

// handleSearchPreview reports the search URL and PDF links a run for the
// given topic would act on.
func (s *Server) handleSearchPreview(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	topic := r.URL.Query().Get("topic")

	params := types.DefaultSearchParams(email, topic)
	if err := params.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "email and topic are required")
		return
	}

	preview, err := s.stages.Previewer.SearchPreview(r.Context(), params)
	if err != nil {
		s.errorResponse(w, httpStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, preview)
}

// handleScrapeAndUpload runs the acquisition stage alone.
func (s *Server) handleScrapeAndUpload(w http.ResponseWriter, r *http.Request) {
	req, key, ok := s.decodeStageRequest(w, r)
	if !ok {
		return
	}

	metrics, err := s.stages.Acquirer.Acquire(r.Context(), types.SubscriptionRequest{Email: req.Email, Topic: req.Topic}, key)
	if err != nil {
		s.errorResponse(w, httpStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, metrics)
}

// handleRecommendations runs the extraction stage alone against an
// already populated partition key.
func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	_, key, ok := s.decodeStageRequest(w, r)
	if !ok {
		return
	}

	metrics, err := s.stages.Extractor.Extract(r.Context(), key, s.cfg.MaxDocuments)
	if err != nil {
		s.errorResponse(w, httpStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, metrics)
}

// handleManga runs the generation stage alone against already extracted
// figures.
func (s *Server) handleManga(w http.ResponseWriter, r *http.Request) {
	_, key, ok := s.decodeStageRequest(w, r)
	if !ok {
		return
	}

	metrics, err := s.stages.Generator.Generate(r.Context(), key, s.cfg.MaxDocuments)
	if err != nil {
		s.errorResponse(w, httpStatus(err), err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, metrics)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) decodeStageRequest(w http.ResponseWriter, r *http.Request) (StageRequest, partition.Key, bool) {
	var req StageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return req, partition.Key{}, false
	}

	key, err := resolveKey(req.Email, req.Topic, req.Date)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return req, partition.Key{}, false
	}
	return req, key, true
}

// httpStatus maps stage-boundary errors onto HTTP status codes.
func httpStatus(err error) int {
	var inFlight *pipeline.InFlightError
	if errors.As(err, &inFlight) {
		return http.StatusConflict
	}

	switch pipeline.Classify(err) {
	case pipeline.FailureValidation:
		return http.StatusBadRequest
	case pipeline.FailureTimeout:
		return http.StatusGatewayTimeout
	case pipeline.FailureRejected:
		return http.StatusUnprocessableEntity
	case pipeline.FailureUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}
