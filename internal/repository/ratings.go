package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Clark-Hu/project-ratings/internal/domain"
	"github.com/Clark-Hu/project-ratings/internal/engine"
)

// RatingsRepository persists project aggregates, user votes, and text
// reviews. It implements engine.Store: the three record kinds form one
// transactional unit, serialized per aggregate by a row lock.
type RatingsRepository struct {
	pool *pgxpool.Pool
}

// Update runs fn over the current records for (projectID, user) inside a
// transaction. The aggregate row is created if absent and locked with
// FOR UPDATE, so concurrent submissions for the same project serialize
// here. Any error from fn rolls the whole transaction back.
func (r *RatingsRepository) Update(ctx context.Context, projectID uint64, user string, fn func(*engine.View) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO project_ratings (project_id) VALUES ($1) ON CONFLICT (project_id) DO NOTHING`,
		int64(projectID))
	if err != nil {
		return fmt.Errorf("ensure aggregate: %w", err)
	}

	var view engine.View
	view.AggregateExists = tag.RowsAffected() == 0

	view.Aggregate, err = scanAggregate(tx.QueryRow(ctx,
		aggregateQuery+` WHERE project_id = $1 FOR UPDATE`, int64(projectID)))
	if err != nil {
		return fmt.Errorf("lock aggregate: %w", err)
	}

	view.Vote, _, err = r.loadVote(ctx, tx, user, projectID)
	if err != nil {
		return err
	}
	view.Review, view.ReviewExists, err = r.loadReview(ctx, tx, user, projectID)
	if err != nil {
		return err
	}

	if err := fn(&view); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
        UPDATE project_ratings
        SET total_rating = $2,
            total_votes = $3,
            average_rating = $4,
            review_count = $5,
            updated_at = now()
        WHERE project_id = $1
    `, int64(projectID),
		int64(view.Aggregate.TotalRating),
		int64(view.Aggregate.TotalVotes),
		view.Aggregate.AverageRating,
		int64(view.Aggregate.ReviewCount))
	if err != nil {
		return fmt.Errorf("write aggregate: %w", err)
	}

	if view.WriteVote {
		_, err = tx.Exec(ctx, `
            INSERT INTO user_ratings (project_id, rater_id, rating, rated_at)
            VALUES ($1,$2,$3,$4)
            ON CONFLICT (project_id, rater_id)
            DO UPDATE SET rating = EXCLUDED.rating, rated_at = EXCLUDED.rated_at
        `, int64(projectID), view.Vote.User, int16(view.Vote.Rating), view.Vote.Timestamp)
		if err != nil {
			return fmt.Errorf("write vote: %w", err)
		}
	}

	if view.WriteReview {
		_, err = tx.Exec(ctx, `
            INSERT INTO text_reviews (project_id, rater_id, review_text, reviewed_at)
            VALUES ($1,$2,$3,$4)
            ON CONFLICT (project_id, rater_id)
            DO UPDATE SET review_text = EXCLUDED.review_text, reviewed_at = EXCLUDED.reviewed_at
        `, int64(projectID), view.Review.User, view.Review.Text, view.Review.Timestamp)
		if err != nil {
			return fmt.Errorf("write review: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

const aggregateQuery = `
    SELECT project_id, total_rating, total_votes, average_rating, review_count
    FROM project_ratings
`

// ProjectAggregate fetches the aggregate for a project. A project with
// no record reads as an all-zero aggregate carrying the requested id.
func (r *RatingsRepository) ProjectAggregate(ctx context.Context, projectID uint64) (domain.ProjectAggregate, error) {
	agg, err := scanAggregate(r.pool.QueryRow(ctx,
		aggregateQuery+` WHERE project_id = $1`, int64(projectID)))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.ProjectAggregate{ProjectID: projectID}, nil
		}
		return domain.ProjectAggregate{}, fmt.Errorf("get aggregate: %w", err)
	}
	return agg, nil
}

// UserVote fetches a user's vote for a project. Absence reads as a
// default record with HasVoted false.
func (r *RatingsRepository) UserVote(ctx context.Context, user string, projectID uint64) (domain.UserVote, error) {
	vote, _, err := r.loadVote(ctx, r.pool, user, projectID)
	return vote, err
}

// UserReview fetches a user's review for a project, empty when absent.
func (r *RatingsRepository) UserReview(ctx context.Context, user string, projectID uint64) (domain.Review, error) {
	review, _, err := r.loadReview(ctx, r.pool, user, projectID)
	return review, err
}

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *RatingsRepository) loadVote(ctx context.Context, q querier, user string, projectID uint64) (domain.UserVote, bool, error) {
	var (
		rating  int16
		ratedAt int64
	)
	err := q.QueryRow(ctx,
		`SELECT rating, rated_at FROM user_ratings WHERE project_id = $1 AND rater_id = $2`,
		int64(projectID), user).Scan(&rating, &ratedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.UserVote{User: user, ProjectID: projectID}, false, nil
		}
		return domain.UserVote{}, false, fmt.Errorf("get vote: %w", err)
	}
	return domain.UserVote{
		User:      user,
		ProjectID: projectID,
		Rating:    uint8(rating),
		HasVoted:  true,
		Timestamp: ratedAt,
	}, true, nil
}

func (r *RatingsRepository) loadReview(ctx context.Context, q querier, user string, projectID uint64) (domain.Review, bool, error) {
	var (
		text       string
		reviewedAt int64
	)
	err := q.QueryRow(ctx,
		`SELECT review_text, reviewed_at FROM text_reviews WHERE project_id = $1 AND rater_id = $2`,
		int64(projectID), user).Scan(&text, &reviewedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Review{User: user, ProjectID: projectID}, false, nil
		}
		return domain.Review{}, false, fmt.Errorf("get review: %w", err)
	}
	return domain.Review{
		User:      user,
		ProjectID: projectID,
		Text:      text,
		Timestamp: reviewedAt,
	}, true, nil
}

func scanAggregate(row pgx.Row) (domain.ProjectAggregate, error) {
	var (
		projectID   int64
		totalRating int64
		totalVotes  int64
		average     float64
		reviewCount int64
	)
	if err := row.Scan(&projectID, &totalRating, &totalVotes, &average, &reviewCount); err != nil {
		return domain.ProjectAggregate{}, err
	}
	return domain.ProjectAggregate{
		ProjectID:     uint64(projectID),
		TotalRating:   uint64(totalRating),
		TotalVotes:    uint64(totalVotes),
		AverageRating: average,
		ReviewCount:   uint64(reviewCount),
	}, nil
}
