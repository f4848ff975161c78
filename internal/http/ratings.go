package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Clark-Hu/project-ratings/internal/domain"
	"github.com/Clark-Hu/project-ratings/internal/engine"
	"github.com/Clark-Hu/project-ratings/internal/registry"
)

const maxRequestBody = 1 << 20 // 1 MiB

type errorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

type ratingRequest struct {
	Rating     *int64  `json:"rating"`
	ReviewText *string `json:"reviewText"`
}

type aggregateResponse struct {
	ProjectID     uint64           `json:"projectId"`
	TotalRating   uint64           `json:"totalRating"`
	TotalVotes    uint64           `json:"totalVotes"`
	AverageRating float64          `json:"averageRating"`
	ReviewCount   uint64           `json:"reviewCount"`
	Project       *projectResponse `json:"project,omitempty"`
}

type projectResponse struct {
	Name  string  `json:"name"`
	URL   *string `json:"url,omitempty"`
	Owner *string `json:"owner,omitempty"`
}

type submitRatingResponse struct {
	ProjectID uint64            `json:"projectId"`
	RaterID   string            `json:"raterId"`
	Rating    uint8             `json:"rating"`
	Timestamp int64             `json:"timestamp"`
	Aggregate aggregateResponse `json:"aggregate"`
}

type userRatingResponse struct {
	ProjectID uint64 `json:"projectId"`
	RaterID   string `json:"raterId"`
	Rating    uint8  `json:"rating"`
	HasVoted  bool   `json:"hasVoted"`
	Timestamp int64  `json:"timestamp"`
}

type reviewResponse struct {
	ProjectID  uint64 `json:"projectId"`
	RaterID    string `json:"raterId"`
	ReviewText string `json:"reviewText"`
	Timestamp  int64  `json:"timestamp"`
}

func (s *Server) handleInitializeProject(w http.ResponseWriter, r *http.Request) {
	if !s.verifyBearer(r.Header.Get("Authorization")) {
		s.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid authentication information")
		return
	}

	projectID, err := decodeProjectIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	created, err := s.engine.Initialize(r.Context(), projectID)
	if err != nil {
		s.logger.Printf("initialize project %d error: %v", projectID, err)
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to initialize project rating")
		return
	}

	agg, err := s.engine.ProjectRating(r.Context(), projectID)
	if err != nil {
		s.logger.Printf("fetch aggregate after init error: %v", err)
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to initialize project rating")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.respondJSON(w, status, toAggregateResponse(agg, nil))
}

func (s *Server) handleSubmitRating(w http.ResponseWriter, r *http.Request) {
	projectID, err := decodeProjectIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	raterID := strings.TrimSpace(r.Header.Get("X-Rater-Id"))
	if raterID == "" {
		s.respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing or invalid authentication information")
		return
	}

	var req ratingRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	if req.Rating == nil {
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "rating is required")
		return
	}

	// Out-of-range values collapse to 0, which the engine rejects.
	rating := uint8(0)
	if *req.Rating >= 1 && *req.Rating <= 5 {
		rating = uint8(*req.Rating)
	}

	result, err := s.engine.Submit(r.Context(), engine.SubmitParams{
		ProjectID:  projectID,
		User:       raterID,
		Rating:     rating,
		ReviewText: req.ReviewText,
	})
	if err != nil {
		s.respondSubmitError(w, projectID, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	s.respondJSON(w, status, submitRatingResponse{
		ProjectID: projectID,
		RaterID:   result.Vote.User,
		Rating:    result.Vote.Rating,
		Timestamp: result.Vote.Timestamp,
		Aggregate: toAggregateResponse(result.Aggregate, nil),
	})
}

func (s *Server) handleGetProjectRating(w http.ResponseWriter, r *http.Request) {
	projectID, err := decodeProjectIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	agg, err := s.engine.ProjectRating(r.Context(), projectID)
	if err != nil {
		s.logger.Printf("get project rating error: %v", err)
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch rating")
		return
	}

	project := s.lookupProject(r.Context(), projectID)
	s.respondJSON(w, http.StatusOK, toAggregateResponse(agg, project))
}

func (s *Server) handleGetUserRating(w http.ResponseWriter, r *http.Request) {
	projectID, err := decodeProjectIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	raterID := chi.URLParam(r, "raterID")
	if raterID == "" {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", "missing rater id")
		return
	}

	vote, err := s.engine.UserRating(r.Context(), raterID, projectID)
	if err != nil {
		s.logger.Printf("get user rating error: %v", err)
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch rating")
		return
	}

	s.respondJSON(w, http.StatusOK, userRatingResponse{
		ProjectID: vote.ProjectID,
		RaterID:   vote.User,
		Rating:    vote.Rating,
		HasVoted:  vote.HasVoted,
		Timestamp: vote.Timestamp,
	})
}

func (s *Server) handleGetUserReview(w http.ResponseWriter, r *http.Request) {
	projectID, err := decodeProjectIDParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	raterID := chi.URLParam(r, "raterID")
	if raterID == "" {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", "missing rater id")
		return
	}

	review, err := s.engine.UserReview(r.Context(), raterID, projectID)
	if err != nil {
		s.logger.Printf("get user review error: %v", err)
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch review")
		return
	}

	s.respondJSON(w, http.StatusOK, reviewResponse{
		ProjectID:  review.ProjectID,
		RaterID:    review.User,
		ReviewText: review.Text,
		Timestamp:  review.Timestamp,
	})
}

// lookupProject enriches aggregate reads with registry metadata when the
// registry knows the project. Misses and upstream failures degrade to an
// unenriched response.
func (s *Server) lookupProject(ctx context.Context, projectID uint64) *projectResponse {
	if s.registry == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.RegistryTimeoutSecs)*time.Second)
	defer cancel()

	project, err := s.registry.Fetch(ctx, projectID)
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			s.logger.Printf("registry fetch failed for project %d: %v", projectID, err)
		}
		return nil
	}
	return &projectResponse{
		Name:  project.Name,
		URL:   project.URL,
		Owner: project.Owner,
	}
}

func (s *Server) respondSubmitError(w http.ResponseWriter, projectID uint64, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidRating):
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "rating must be an integer between 1 and 5")
	case errors.Is(err, engine.ErrReviewTooLong):
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("reviewText must not exceed %d characters", engine.MaxReviewLen))
	case errors.Is(err, engine.ErrArithmetic):
		s.respondError(w, http.StatusUnprocessableEntity, "ARITHMETIC_ERROR", "Rating totals can no longer be updated for this project")
	default:
		s.logger.Printf("submit rating for project %d error: %v", projectID, err)
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to process rating")
	}
}

func toAggregateResponse(agg domain.ProjectAggregate, project *projectResponse) aggregateResponse {
	return aggregateResponse{
		ProjectID:     agg.ProjectID,
		TotalRating:   agg.TotalRating,
		TotalVotes:    agg.TotalVotes,
		AverageRating: roundToTwoDecimals(agg.AverageRating),
		ReviewCount:   agg.ReviewCount,
		Project:       project,
	}
}

func decodeProjectIDParam(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "projectID")
	if raw == "" {
		return 0, fmt.Errorf("missing project id parameter")
	}
	projectID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || projectID == 0 {
		return 0, fmt.Errorf("project id must be a positive integer")
	}
	return projectID, nil
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.logger.Printf("failed to encode response: %v", err)
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, code, message string) {
	s.respondJSON(w, status, errorResponse{
		Code:    code,
		Message: message,
	})
}

func (s *Server) respondDecodeError(w http.ResponseWriter, err error) {
	var syntaxError *json.SyntaxError
	var typeError *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxError):
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Malformed JSON payload")
	case errors.As(err, &typeError):
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", fmt.Sprintf("Invalid value for field %s", typeError.Field))
	case errors.Is(err, io.EOF):
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Request body cannot be empty")
	default:
		s.respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Unable to parse request body")
	}
}

func (s *Server) verifyBearer(header string) bool {
	if header == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token == s.cfg.AuthToken
}

func roundToTwoDecimals(value float64) float64 {
	return math.Round(value*100) / 100.0
}
