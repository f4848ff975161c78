package engine

import (
	"math"

	"github.com/Clark-Hu/project-ratings/internal/domain"
)

// apply is the pure core of the submit algorithm. It mutates the view in
// place and must return an error before any field is observable by the
// store's write-back, so a failed submission commits nothing.
func apply(v *View, params SubmitParams, now int64) (created bool, err error) {
	materialize(v, params.ProjectID)
	agg := &v.Aggregate

	if v.Vote.HasVoted {
		// Update path: replace the previous contribution, vote count
		// unchanged.
		total, err := checkedSub(agg.TotalRating, uint64(v.Vote.Rating))
		if err != nil {
			return false, err
		}
		total, err = checkedAdd(total, uint64(params.Rating))
		if err != nil {
			return false, err
		}
		agg.TotalRating = total
	} else {
		total, err := checkedAdd(agg.TotalRating, uint64(params.Rating))
		if err != nil {
			return false, err
		}
		votes, err := checkedAdd(agg.TotalVotes, 1)
		if err != nil {
			return false, err
		}
		agg.TotalRating = total
		agg.TotalVotes = votes
		created = true
	}

	v.Vote = domain.UserVote{
		User:      params.User,
		ProjectID: params.ProjectID,
		Rating:    params.Rating,
		HasVoted:  true,
		Timestamp: now,
	}
	v.WriteVote = true

	// A submission without text leaves any existing review untouched.
	if params.ReviewText != nil {
		if !v.ReviewExists {
			count, err := checkedAdd(agg.ReviewCount, 1)
			if err != nil {
				return false, err
			}
			agg.ReviewCount = count
		}
		v.Review = domain.Review{
			User:      params.User,
			ProjectID: params.ProjectID,
			Text:      *params.ReviewText,
			Timestamp: now,
		}
		v.WriteReview = true
	}

	recomputeAverage(agg)
	return created, nil
}

// materialize initializes the aggregate in place when the store found no
// record, making lazy creation idempotent with explicit initialization.
func materialize(v *View, projectID uint64) {
	if !v.AggregateExists {
		v.Aggregate = domain.ProjectAggregate{ProjectID: projectID}
		v.AggregateExists = true
	}
}

// recomputeAverage refreshes the cached derived average. It runs after
// every mutation, whether or not a review was attached.
func recomputeAverage(agg *domain.ProjectAggregate) {
	if agg.TotalVotes > 0 {
		agg.AverageRating = float64(agg.TotalRating) / float64(agg.TotalVotes)
	} else {
		agg.AverageRating = 0
	}
}

func checkedAdd(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrArithmetic
	}
	return a + b, nil
}

func checkedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrArithmetic
	}
	return a - b, nil
}
