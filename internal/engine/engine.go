package engine

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/Clark-Hu/project-ratings/internal/domain"
)

// MaxReviewLen bounds review text to 500 characters.
const MaxReviewLen = 500

// Validation and arithmetic failures surfaced to callers. None of them
// are retryable without corrected input.
var (
	ErrInvalidRating = errors.New("engine: rating must be between 1 and 5")
	ErrReviewTooLong = errors.New("engine: review text exceeds 500 characters")
	ErrArithmetic    = errors.New("engine: arithmetic overflow")
)

// View is the borrowed, mutable snapshot of the records involved in one
// submission, loaded by the store under its per-aggregate lock. The
// existence flags replace the zero-sentinel detection of older designs:
// the store reports record presence explicitly.
type View struct {
	Aggregate       domain.ProjectAggregate
	AggregateExists bool
	Vote            domain.UserVote
	Review          domain.Review
	ReviewExists    bool

	// WriteVote and WriteReview tell the store which records changed.
	// The aggregate is always written back.
	WriteVote   bool
	WriteReview bool
}

// Store is the persistence collaborator. Update must run fn inside a
// read-modify-write that is serialized per project aggregate and commit
// all touched records atomically, or nothing at all when fn fails. The
// read accessors return zero-value records when no row exists.
type Store interface {
	Update(ctx context.Context, projectID uint64, user string, fn func(*View) error) error
	ProjectAggregate(ctx context.Context, projectID uint64) (domain.ProjectAggregate, error)
	UserVote(ctx context.Context, user string, projectID uint64) (domain.UserVote, error)
	UserReview(ctx context.Context, user string, projectID uint64) (domain.Review, error)
}

// Engine applies rating submissions to the three record kinds. It holds
// no state across calls; all state lives behind the Store.
type Engine struct {
	store Store
	now   func() time.Time
}

// New constructs an Engine. A nil clock defaults to time.Now.
func New(store Store, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: store, now: now}
}

// SubmitParams bundles one caller submission.
type SubmitParams struct {
	ProjectID  uint64
	User       string
	Rating     uint8
	ReviewText *string
}

// SubmitResult reports the committed state of a successful submission.
type SubmitResult struct {
	Created   bool
	Aggregate domain.ProjectAggregate
	Vote      domain.UserVote
}

// Submit validates the submission, applies it to the project aggregate
// and the caller's vote/review records, and commits all of them
// atomically. Created reports whether this was the caller's first vote
// for the project.
func (e *Engine) Submit(ctx context.Context, params SubmitParams) (SubmitResult, error) {
	if err := validate(params.Rating, params.ReviewText); err != nil {
		return SubmitResult{}, err
	}

	now := e.now().Unix()
	var result SubmitResult
	err := e.store.Update(ctx, params.ProjectID, params.User, func(v *View) error {
		created, err := apply(v, params, now)
		if err != nil {
			return err
		}
		result = SubmitResult{Created: created, Aggregate: v.Aggregate, Vote: v.Vote}
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}
	return result, nil
}

// Initialize creates the zeroed aggregate for a project if it does not
// exist yet. It is idempotent and never touches vote or review records.
func (e *Engine) Initialize(ctx context.Context, projectID uint64) (created bool, err error) {
	err = e.store.Update(ctx, projectID, "", func(v *View) error {
		created = !v.AggregateExists
		materialize(v, projectID)
		return nil
	})
	return created, err
}

// ProjectRating returns the aggregate for a project. A project nobody
// has rated yet reads as an all-zero aggregate, not an error.
func (e *Engine) ProjectRating(ctx context.Context, projectID uint64) (domain.ProjectAggregate, error) {
	return e.store.ProjectAggregate(ctx, projectID)
}

// UserRating returns the caller's current vote for a project. Absence
// reads as a record with HasVoted false.
func (e *Engine) UserRating(ctx context.Context, user string, projectID uint64) (domain.UserVote, error) {
	return e.store.UserVote(ctx, user, projectID)
}

// UserReview returns the caller's current review for a project, or an
// empty record when none exists.
func (e *Engine) UserReview(ctx context.Context, user string, projectID uint64) (domain.Review, error) {
	return e.store.UserReview(ctx, user, projectID)
}

func validate(rating uint8, reviewText *string) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	if reviewText != nil && utf8.RuneCountInString(*reviewText) > MaxReviewLen {
		return ErrReviewTooLong
	}
	return nil
}
