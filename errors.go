package main

import "errors"

var (
	// ErrNoEligibleWorkers means the candidate pool was empty after
	// filtering. The run aborts before proposing anything.
	ErrNoEligibleWorkers = errors.New("no eligible CSMs after filtering")

	// ErrInfeasible means the batch constraints could not be satisfied
	// even after the full degradation chain.
	ErrInfeasible = errors.New("batch assignment infeasible")

	// ErrStaleLoadConflict means a finalize would violate capacity because
	// the CSM's load changed after the run snapshot was taken. The item is
	// re-queued for the next run instead of silently exceeding capacity.
	ErrStaleLoadConflict = errors.New("stale load: finalize would exceed capacity")

	// ErrReviewRejected means the review hook rejected a proposal and no
	// acceptable alternative was found within the retry budget.
	ErrReviewRejected = errors.New("proposal rejected by reviewer")
)
