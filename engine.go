package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

// Engine wires the collaborators for one routing invocation. Each Run
// reads a consistent snapshot, proposes assignments, passes them through
// the review hook, and finalizes the accepted ones transactionally.
type Engine struct {
	DB       *sql.DB
	Pending  PendingSource
	Roster   RosterSource
	Reviewer Reviewer
	Policy   Policy

	MaxReviewRetries int

	// Now is the run clock; tests pin it.
	Now func() time.Time
}

func NewEngine(db *sql.DB, cfg Config, roster RosterSource, reviewer Reviewer) *Engine {
	return &Engine{
		DB:               db,
		Pending:          &DBPendingSource{DB: db, Segment: cfg.Segment, AccountLevel: cfg.AccountLevel},
		Roster:           roster,
		Reviewer:         reviewer,
		Policy:           cfg.Policy(),
		MaxReviewRetries: cfg.ReviewMaxRetries,
		Now:              time.Now,
	}
}

// Run executes one routing invocation. Per-account failures land in the
// result's Failed slice; only run-level conditions (empty pool, source
// errors) come back as an error.
func (e *Engine) Run(ctx context.Context) (RunResult, error) {
	now := e.Now().UTC()
	result := RunResult{RunID: now.Format("20060102_150405")}

	accounts, err := e.Pending.PendingAccounts()
	if err != nil {
		return result, fmt.Errorf("pending source: %w", err)
	}
	if len(accounts) == 0 {
		log.Printf("run %s: no accounts pending assignment", result.RunID)
		return result, nil
	}
	log.Printf("run %s: %d accounts pending", result.RunID, len(accounts))

	roster, err := e.Roster.ActiveRoster()
	if err != nil {
		return result, fmt.Errorf("roster source: %w", err)
	}
	whitelist, err := Whitelist(e.DB)
	if err != nil {
		return result, fmt.Errorf("whitelist: %w", err)
	}

	// One snapshot per run: every score in this invocation reads the same
	// load state.
	snap, err := TakeSnapshot(e.DB, now)
	if err != nil {
		return result, fmt.Errorf("load snapshot: %w", err)
	}

	pool, _, err := BuildCandidatePool(roster, whitelist, snap, e.Policy)
	if err != nil {
		return result, err
	}

	if len(accounts) == 1 {
		result.Method = MethodSingle
	} else {
		result.Method = MethodBatch
	}

	pairings, deferred, failed, feedback, err := e.proposeAndReview(ctx, accounts, pool, snap, result.RunID, result.Method)
	if err != nil {
		return result, err
	}
	result.Deferred = deferred
	result.Failed = failed
	result.Feedback = feedback

	// Everything above is advisory; cancellation before this point leaves
	// only Proposed ledger rows behind.
	if err := ctx.Err(); err != nil {
		log.Printf("run %s aborted before finalize: %v", result.RunID, err)
		return result, err
	}

	for _, p := range pairings {
		method := result.Method
		if p.Revised {
			// The reviewer redirected this account; record the revised
			// pairing as its own ledger row before accepting it.
			method = MethodLLMRevised
			err := InsertRecommendation(e.DB, Recommendation{
				AccountID:         p.Account.AccountID,
				RecommendedCSM:    p.CSM,
				RecommendedAt:     now,
				Method:            MethodLLMRevised,
				NeedinessScore:    p.Account.NeedinessScore,
				HealthSegment:     p.Account.HealthSegment,
				Revenue:           p.Account.Revenue,
				Segment:           p.Account.Segment,
				AccountLevel:      p.Account.AccountLevel,
				OptimizationScore: p.Score,
				ReviewFeedback:    feedback,
				RunID:             result.RunID,
				BatchSize:         len(accounts),
			})
			if err != nil {
				log.Printf("run %s: recording revised recommendation: %v", result.RunID, err)
			}
		}
		err := FinalizeAssignment(e.DB, p.Pairing, result.RunID, method, feedback, e.Policy.MaxAccountsPerCSM, now)
		switch {
		case errors.Is(err, ErrStaleLoadConflict):
			// Load moved under us; the account stays pending for the next
			// run rather than silently exceeding capacity.
			log.Printf("run %s: %v (re-queued)", result.RunID, err)
			result.Failed = append(result.Failed, FailedAccount{Account: p.Account, Reason: err.Error()})
		case err != nil:
			log.Printf("run %s: finalize %s failed: %v", result.RunID, p.Account.AccountID, err)
			result.Failed = append(result.Failed, FailedAccount{Account: p.Account, Reason: err.Error()})
		default:
			result.Assigned = append(result.Assigned, p.Pairing)
			log.Printf("run %s: account %s -> %s (method=%s score=%.2f)",
				result.RunID, p.Account.AccountID, p.CSM, method, p.Score)
		}
	}

	for _, a := range result.Deferred {
		log.Printf("run %s: account %s deferred to a later run", result.RunID, a.AccountID)
	}

	LogBalanceReport(snap, result, e.Policy)
	return result, nil
}

// reviewedPairing tags a pairing that the reviewer redirected to a
// different CSM.
type reviewedPairing struct {
	Pairing
	Revised bool
}

// proposeAndReview runs the optimize-review loop: propose, record
// Proposed ledger rows, ask the review hook, and re-optimize rejected
// accounts with the rejected CSM excluded, up to the retry budget.
func (e *Engine) proposeAndReview(ctx context.Context, accounts []Account, pool []string, snap *BookSnapshot, runID, method string) ([]reviewedPairing, []Account, []FailedAccount, string, error) {
	var deferred []Account
	var failed []FailedAccount

	excluded := make(map[string]map[string]bool)
	pending := accounts
	var kept []reviewedPairing
	var feedback string

	for attempt := 0; ; attempt++ {
		// Project the books of already-kept pairings so re-optimization
		// sees their load.
		working := snap
		for _, p := range kept {
			working = working.With(p.CSM, p.Account)
		}

		var proposed []Pairing
		if method == MethodSingle && len(pending) == 1 {
			p, err := AssignSingle(pending[0], pool, working, e.Policy, excluded[pending[0].AccountID])
			if err != nil {
				if attempt == 0 {
					return nil, nil, nil, "", err
				}
				failed = append(failed, FailedAccount{Account: pending[0], Reason: ErrReviewRejected.Error() + ": no alternative CSM"})
				pending = nil
			} else {
				proposed = []Pairing{p}
			}
		} else if len(pending) > 0 {
			outcome, err := AssignBatch(ctx, pending, pool, working, e.Policy, excluded)
			if err != nil && attempt == 0 {
				return nil, nil, nil, "", err
			}
			if err != nil {
				for _, a := range pending {
					failed = append(failed, FailedAccount{Account: a, Reason: err.Error()})
				}
				pending = nil
			} else {
				proposed = outcome.Pairings
				deferred = append(deferred, outcome.Deferred...)
			}
		}

		all := append(append([]reviewedPairing(nil), kept...), wrap(proposed)...)

		recs := make([]Recommendation, 0, len(proposed))
		for _, p := range proposed {
			recs = append(recs, Recommendation{
				AccountID:         p.Account.AccountID,
				RecommendedCSM:    p.CSM,
				RecommendedAt:     working.TakenAt(),
				Method:            method,
				NeedinessScore:    p.Account.NeedinessScore,
				HealthSegment:     p.Account.HealthSegment,
				Revenue:           p.Account.Revenue,
				Segment:           p.Account.Segment,
				AccountLevel:      p.Account.AccountLevel,
				OptimizationScore: p.Score,
				RunID:             runID,
				BatchSize:         len(accounts),
			})
		}
		if _, err := InsertRecommendations(e.DB, recs); err != nil {
			return nil, nil, nil, "", fmt.Errorf("recording recommendations: %w", err)
		}

		if len(all) == 0 {
			return nil, deferred, failed, feedback, nil
		}

		review, err := e.Reviewer.Review(ctx, Proposal{
			RunID:     runID,
			Method:    method,
			Pairings:  unwrap(all),
			Snapshot:  snap,
			Policy:    e.Policy,
			BatchSize: len(accounts),
		})
		if err != nil {
			// A failing reviewer never blocks routing; proceed unreviewed.
			log.Printf("run %s: review hook error: %v (proceeding)", runID, err)
			return all, deferred, failed, "review unavailable: " + err.Error(), nil
		}
		feedback = review.Feedback
		log.Printf("run %s: review verdict=%s confidence=%d feedback=%s", runID, review.Verdict, review.Confidence, review.Feedback)

		if review.Verdict == VerdictApprove {
			return applyReassignments(all, review, pool, snap, e.Policy), deferred, failed, feedback, nil
		}

		if attempt >= e.MaxReviewRetries {
			log.Printf("run %s: review retry budget exhausted, proceeding with current proposal", runID)
			return applyReassignments(all, review, pool, snap, e.Policy), deferred, failed, feedback, nil
		}

		// Reject / reoptimize: keep the untouched pairings, redo the
		// named accounts with their rejected CSM excluded.
		rejected := make(map[string]bool, len(review.Rejected))
		for _, id := range review.Rejected {
			rejected[id] = true
		}
		if len(rejected) == 0 {
			// A blanket rejection redoes the whole batch.
			for _, p := range all {
				rejected[p.Account.AccountID] = true
			}
		}

		kept = kept[:0]
		pending = nil
		for _, p := range all {
			if !rejected[p.Account.AccountID] {
				kept = append(kept, p)
				continue
			}
			if excluded[p.Account.AccountID] == nil {
				excluded[p.Account.AccountID] = make(map[string]bool)
			}
			excluded[p.Account.AccountID][p.CSM] = true
			if err := MarkRecommendationRejected(e.DB, p.Account.AccountID, p.CSM, runID, review.Feedback); err != nil {
				log.Printf("run %s: marking rejection: %v", runID, err)
			}
			pending = append(pending, p.Account)
		}
		if method == MethodSingle && len(pending) != 1 {
			method = MethodBatch
		}
	}
}

// applyReassignments honors reviewer-suggested CSM overrides when the
// suggested CSM is in the pool and has headroom; invalid suggestions are
// logged and ignored.
func applyReassignments(pairings []reviewedPairing, review ReviewResult, pool []string, snap *BookSnapshot, policy Policy) []reviewedPairing {
	if len(review.Reassignments) == 0 {
		return pairings
	}
	inPool := make(map[string]bool, len(pool))
	for _, csm := range pool {
		inPool[csm] = true
	}

	for i, p := range pairings {
		suggested, ok := review.Reassignments[p.Account.AccountID]
		if !ok {
			continue
		}
		name := NormalizeName(suggested)
		if name == p.CSM {
			continue
		}
		book, _ := snap.Book(name)
		if !inPool[name] || book.Count >= policy.MaxAccountsPerCSM {
			log.Printf("reviewer reassignment %s -> %s ignored: not an eligible candidate", p.Account.AccountID, suggested)
			continue
		}
		log.Printf("reviewer reassignment: account %s %s -> %s", p.Account.AccountID, p.CSM, name)
		pairings[i].CSM = name
		pairings[i].Revised = true
	}
	return pairings
}

func wrap(pairings []Pairing) []reviewedPairing {
	out := make([]reviewedPairing, len(pairings))
	for i, p := range pairings {
		out[i] = reviewedPairing{Pairing: p}
	}
	return out
}

func unwrap(pairings []reviewedPairing) []Pairing {
	out := make([]Pairing, len(pairings))
	for i, p := range pairings {
		out[i] = p.Pairing
	}
	return out
}
