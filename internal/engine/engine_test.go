package engine

import (
	"context"
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/Clark-Hu/project-ratings/internal/domain"
)

type pairKey struct {
	user      string
	projectID uint64
}

// memStore is an in-memory Store with the same commit semantics as the
// real repository: a failed apply writes nothing back.
type memStore struct {
	aggs    map[uint64]domain.ProjectAggregate
	votes   map[pairKey]domain.UserVote
	reviews map[pairKey]domain.Review
}

func newMemStore() *memStore {
	return &memStore{
		aggs:    make(map[uint64]domain.ProjectAggregate),
		votes:   make(map[pairKey]domain.UserVote),
		reviews: make(map[pairKey]domain.Review),
	}
}

func (s *memStore) Update(ctx context.Context, projectID uint64, user string, fn func(*View) error) error {
	key := pairKey{user: user, projectID: projectID}

	var view View
	view.Aggregate, view.AggregateExists = s.aggs[projectID]
	if !view.AggregateExists {
		view.Aggregate = domain.ProjectAggregate{ProjectID: projectID}
	}
	var hasVote bool
	view.Vote, hasVote = s.votes[key]
	if !hasVote {
		view.Vote = domain.UserVote{User: user, ProjectID: projectID}
	}
	view.Review, view.ReviewExists = s.reviews[key]
	if !view.ReviewExists {
		view.Review = domain.Review{User: user, ProjectID: projectID}
	}

	if err := fn(&view); err != nil {
		return err
	}

	s.aggs[projectID] = view.Aggregate
	if view.WriteVote {
		s.votes[key] = view.Vote
	}
	if view.WriteReview {
		s.reviews[key] = view.Review
	}
	return nil
}

func (s *memStore) ProjectAggregate(ctx context.Context, projectID uint64) (domain.ProjectAggregate, error) {
	if agg, ok := s.aggs[projectID]; ok {
		return agg, nil
	}
	return domain.ProjectAggregate{ProjectID: projectID}, nil
}

func (s *memStore) UserVote(ctx context.Context, user string, projectID uint64) (domain.UserVote, error) {
	if vote, ok := s.votes[pairKey{user: user, projectID: projectID}]; ok {
		return vote, nil
	}
	return domain.UserVote{User: user, ProjectID: projectID}, nil
}

func (s *memStore) UserReview(ctx context.Context, user string, projectID uint64) (domain.Review, error) {
	if review, ok := s.reviews[pairKey{user: user, projectID: projectID}]; ok {
		return review, nil
	}
	return domain.Review{User: user, ProjectID: projectID}, nil
}

func (s *memStore) snapshot() *memStore {
	clone := newMemStore()
	for k, v := range s.aggs {
		clone.aggs[k] = v
	}
	for k, v := range s.votes {
		clone.votes[k] = v
	}
	for k, v := range s.reviews {
		clone.reviews[k] = v
	}
	return clone
}

func (s *memStore) equal(other *memStore) bool {
	return reflect.DeepEqual(s.aggs, other.aggs) &&
		reflect.DeepEqual(s.votes, other.votes) &&
		reflect.DeepEqual(s.reviews, other.reviews)
}

// fakeClock returns a controllable clock starting at a fixed instant.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestEngine() (*Engine, *memStore, *fakeClock) {
	store := newMemStore()
	clock := &fakeClock{now: time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)}
	return New(store, clock.Now), store, clock
}

func strptr(s string) *string {
	return &s
}

func TestSubmit_InvalidRating(t *testing.T) {
	eng, store, _ := newTestEngine()
	ctx := context.Background()

	for _, rating := range []uint8{0, 6, 200} {
		before := store.snapshot()
		_, err := eng.Submit(ctx, SubmitParams{ProjectID: 1, User: "alice", Rating: rating})
		if !errors.Is(err, ErrInvalidRating) {
			t.Fatalf("Submit(rating=%d) error = %v, want ErrInvalidRating", rating, err)
		}
		if !store.equal(before) {
			t.Fatalf("Submit(rating=%d) mutated state", rating)
		}
	}
}

func TestSubmit_ReviewTooLong(t *testing.T) {
	eng, store, _ := newTestEngine()
	ctx := context.Background()

	long := strings.Repeat("a", MaxReviewLen+1)
	before := store.snapshot()
	_, err := eng.Submit(ctx, SubmitParams{ProjectID: 1, User: "alice", Rating: 4, ReviewText: &long})
	if !errors.Is(err, ErrReviewTooLong) {
		t.Fatalf("Submit error = %v, want ErrReviewTooLong", err)
	}
	if !store.equal(before) {
		t.Fatalf("rejected submission mutated state")
	}

	// The limit counts characters, not bytes.
	exactly := strings.Repeat("星", MaxReviewLen)
	if _, err := eng.Submit(ctx, SubmitParams{ProjectID: 1, User: "alice", Rating: 4, ReviewText: &exactly}); err != nil {
		t.Fatalf("Submit with 500-rune review failed: %v", err)
	}
}

func TestSubmit_NewVote(t *testing.T) {
	eng, _, clock := newTestEngine()
	ctx := context.Background()

	result, err := eng.Submit(ctx, SubmitParams{ProjectID: 7, User: "alice", Rating: 4})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !result.Created {
		t.Fatalf("expected first vote to be created")
	}

	want := domain.ProjectAggregate{ProjectID: 7, TotalRating: 4, TotalVotes: 1, AverageRating: 4.0}
	if result.Aggregate != want {
		t.Fatalf("aggregate = %+v, want %+v", result.Aggregate, want)
	}
	if !result.Vote.HasVoted || result.Vote.Rating != 4 {
		t.Fatalf("vote = %+v, want rating 4 with HasVoted", result.Vote)
	}
	if result.Vote.Timestamp != clock.Now().Unix() {
		t.Fatalf("vote timestamp = %d, want %d", result.Vote.Timestamp, clock.Now().Unix())
	}
}

func TestSubmit_UpdateVote(t *testing.T) {
	eng, _, clock := newTestEngine()
	ctx := context.Background()

	if _, err := eng.Submit(ctx, SubmitParams{ProjectID: 7, User: "alice", Rating: 4}); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	clock.advance(time.Hour)
	result, err := eng.Submit(ctx, SubmitParams{ProjectID: 7, User: "alice", Rating: 2})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if result.Created {
		t.Fatalf("vote update reported as created")
	}

	want := domain.ProjectAggregate{ProjectID: 7, TotalRating: 2, TotalVotes: 1, AverageRating: 2.0}
	if result.Aggregate != want {
		t.Fatalf("aggregate = %+v, want %+v", result.Aggregate, want)
	}
	if result.Vote.Rating != 2 || result.Vote.Timestamp != clock.Now().Unix() {
		t.Fatalf("vote not refreshed: %+v", result.Vote)
	}
}

func TestSubmit_AverageAcrossUsers(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	if _, err := eng.Submit(ctx, SubmitParams{ProjectID: 9, User: "alice", Rating: 5}); err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	result, err := eng.Submit(ctx, SubmitParams{ProjectID: 9, User: "bob", Rating: 3})
	if err != nil {
		t.Fatalf("bob submit: %v", err)
	}

	want := domain.ProjectAggregate{ProjectID: 9, TotalRating: 8, TotalVotes: 2, AverageRating: 4.0}
	if result.Aggregate != want {
		t.Fatalf("aggregate = %+v, want %+v", result.Aggregate, want)
	}
}

func TestSubmit_ReviewCounting(t *testing.T) {
	eng, store, clock := newTestEngine()
	ctx := context.Background()

	result, err := eng.Submit(ctx, SubmitParams{ProjectID: 3, User: "alice", Rating: 5, ReviewText: strptr("great work")})
	if err != nil {
		t.Fatalf("submit with review: %v", err)
	}
	if result.Aggregate.ReviewCount != 1 {
		t.Fatalf("review count = %d, want 1", result.Aggregate.ReviewCount)
	}
	firstReviewedAt := clock.Now().Unix()

	// Rating-only re-submission leaves the review untouched.
	clock.advance(time.Hour)
	result, err = eng.Submit(ctx, SubmitParams{ProjectID: 3, User: "alice", Rating: 2})
	if err != nil {
		t.Fatalf("rating-only resubmit: %v", err)
	}
	if result.Aggregate.ReviewCount != 1 {
		t.Fatalf("review count after rating-only resubmit = %d, want 1", result.Aggregate.ReviewCount)
	}
	review, err := eng.UserReview(ctx, "alice", 3)
	if err != nil {
		t.Fatalf("get review: %v", err)
	}
	if review.Text != "great work" || review.Timestamp != firstReviewedAt {
		t.Fatalf("review changed by rating-only resubmit: %+v", review)
	}

	// New text overwrites in place without double-counting.
	clock.advance(time.Hour)
	result, err = eng.Submit(ctx, SubmitParams{ProjectID: 3, User: "alice", Rating: 2, ReviewText: strptr("changed my mind")})
	if err != nil {
		t.Fatalf("resubmit with new text: %v", err)
	}
	if result.Aggregate.ReviewCount != 1 {
		t.Fatalf("review count after overwrite = %d, want 1", result.Aggregate.ReviewCount)
	}
	review, _ = eng.UserReview(ctx, "alice", 3)
	if review.Text != "changed my mind" || review.Timestamp != clock.Now().Unix() {
		t.Fatalf("review not overwritten: %+v", review)
	}

	// Identical text still refreshes the timestamp but is not "new".
	clock.advance(time.Hour)
	result, err = eng.Submit(ctx, SubmitParams{ProjectID: 3, User: "alice", Rating: 2, ReviewText: strptr("changed my mind")})
	if err != nil {
		t.Fatalf("resubmit identical text: %v", err)
	}
	if result.Aggregate.ReviewCount != 1 {
		t.Fatalf("review count after identical resubmit = %d, want 1", result.Aggregate.ReviewCount)
	}
	review, _ = eng.UserReview(ctx, "alice", 3)
	if review.Timestamp != clock.Now().Unix() {
		t.Fatalf("timestamp not refreshed on identical text")
	}

	// A second reviewer bumps the count.
	if _, err := eng.Submit(ctx, SubmitParams{ProjectID: 3, User: "bob", Rating: 4, ReviewText: strptr("agreed")}); err != nil {
		t.Fatalf("bob submit: %v", err)
	}
	agg := store.aggs[3]
	if agg.ReviewCount != 2 {
		t.Fatalf("review count with two reviewers = %d, want 2", agg.ReviewCount)
	}
}

func TestInitialize_Idempotent(t *testing.T) {
	eng, store, _ := newTestEngine()
	ctx := context.Background()

	created, err := eng.Initialize(ctx, 11)
	if err != nil {
		t.Fatalf("first initialize: %v", err)
	}
	if !created {
		t.Fatalf("expected first initialize to create the aggregate")
	}
	after := store.snapshot()

	created, err = eng.Initialize(ctx, 11)
	if err != nil {
		t.Fatalf("second initialize: %v", err)
	}
	if created {
		t.Fatalf("second initialize reported created")
	}
	if !store.equal(after) {
		t.Fatalf("second initialize changed state")
	}

	agg, err := eng.ProjectRating(ctx, 11)
	if err != nil {
		t.Fatalf("project rating: %v", err)
	}
	want := domain.ProjectAggregate{ProjectID: 11}
	if agg != want {
		t.Fatalf("aggregate = %+v, want zeroed %+v", agg, want)
	}
}

func TestInitialize_DoesNotResetExistingTotals(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	if _, err := eng.Submit(ctx, SubmitParams{ProjectID: 5, User: "alice", Rating: 3}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := eng.Initialize(ctx, 5); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	agg, _ := eng.ProjectRating(ctx, 5)
	if agg.TotalVotes != 1 || agg.TotalRating != 3 {
		t.Fatalf("initialize clobbered totals: %+v", agg)
	}
}

func TestSubmit_OverflowGuard(t *testing.T) {
	eng, store, _ := newTestEngine()
	ctx := context.Background()

	store.aggs[1] = domain.ProjectAggregate{
		ProjectID:   1,
		TotalRating: math.MaxUint64 - 2,
		TotalVotes:  42,
	}
	before := store.snapshot()

	_, err := eng.Submit(ctx, SubmitParams{ProjectID: 1, User: "alice", Rating: 4, ReviewText: strptr("one too many")})
	if !errors.Is(err, ErrArithmetic) {
		t.Fatalf("Submit error = %v, want ErrArithmetic", err)
	}
	if !store.equal(before) {
		t.Fatalf("failed submission left partial state")
	}
}

func TestSubmit_VoteCountOverflowGuard(t *testing.T) {
	eng, store, _ := newTestEngine()
	ctx := context.Background()

	store.aggs[2] = domain.ProjectAggregate{
		ProjectID:  2,
		TotalVotes: math.MaxUint64,
	}
	before := store.snapshot()

	_, err := eng.Submit(ctx, SubmitParams{ProjectID: 2, User: "bob", Rating: 1})
	if !errors.Is(err, ErrArithmetic) {
		t.Fatalf("Submit error = %v, want ErrArithmetic", err)
	}
	if !store.equal(before) {
		t.Fatalf("failed submission left partial state")
	}
}

func TestReadAccessors_AbsentRecords(t *testing.T) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	agg, err := eng.ProjectRating(ctx, 404)
	if err != nil {
		t.Fatalf("project rating: %v", err)
	}
	if agg.TotalVotes != 0 || agg.AverageRating != 0 {
		t.Fatalf("absent aggregate not zeroed: %+v", agg)
	}

	vote, err := eng.UserRating(ctx, "nobody", 404)
	if err != nil {
		t.Fatalf("user rating: %v", err)
	}
	if vote.HasVoted {
		t.Fatalf("absent vote reports HasVoted")
	}

	review, err := eng.UserReview(ctx, "nobody", 404)
	if err != nil {
		t.Fatalf("user review: %v", err)
	}
	if review.Text != "" {
		t.Fatalf("absent review has text: %+v", review)
	}
}

func BenchmarkSubmit(b *testing.B) {
	eng, _, _ := newTestEngine()
	ctx := context.Background()

	for i := 0; i < b.N; i++ {
		_, err := eng.Submit(ctx, SubmitParams{ProjectID: 1, User: "alice", Rating: uint8(1 + i%5)})
		if err != nil {
			b.Fatalf("submit: %v", err)
		}
	}
}
