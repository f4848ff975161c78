package domain

// ProjectAggregate holds the running rating totals for a single project.
// AverageRating is derived from TotalRating and TotalVotes and is
// recomputed after every mutation, never set independently.
type ProjectAggregate struct {
	ProjectID     uint64
	TotalRating   uint64
	TotalVotes    uint64
	AverageRating float64
	ReviewCount   uint64
}

// UserVote represents a single user's current star rating for a project.
// HasVoted distinguishes "never voted" from a default-valued record.
type UserVote struct {
	User      string
	ProjectID uint64
	Rating    uint8
	HasVoted  bool
	Timestamp int64
}

// Review is a user's current free-text commentary for a project. It is
// overwritten in place on re-submission, never appended.
type Review struct {
	User      string
	ProjectID uint64
	Text      string
	Timestamp int64
}
