package main

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"
)

func seedWhitelist(t *testing.T, db *sql.DB, names ...string) {
	t.Helper()
	for _, n := range names {
		if _, err := db.Exec(`INSERT OR IGNORE INTO csm_whitelist (csm_name) VALUES (?)`, n); err != nil {
			t.Fatalf("seeding whitelist: %v", err)
		}
	}
}

func seedPending(t *testing.T, db *sql.DB, accounts ...Account) {
	t.Helper()
	if _, err := EnqueuePending(db, accounts); err != nil {
		t.Fatalf("seeding pending accounts: %v", err)
	}
}

func pendingCount(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pending_accounts`).Scan(&n); err != nil {
		t.Fatalf("counting pending accounts: %v", err)
	}
	return n
}

func testEngine(t *testing.T, db *sql.DB, roster RosterSource, reviewer Reviewer, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := Config{}
	applyDefaults(&cfg)
	if mutate != nil {
		mutate(&cfg)
	}
	e := NewEngine(db, cfg, roster, reviewer)
	e.Now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	return e
}

func frontlineRoster(names ...string) StaticRosterSource {
	entries := make([]RosterEntry, 0, len(names))
	for _, n := range names {
		entries = append(entries, RosterEntry{Name: n, Role: "Customer Success Manager", Active: true})
	}
	return StaticRosterSource(entries)
}

// scriptedReviewer returns canned verdicts in order, then keeps returning
// the last one.
type scriptedReviewer struct {
	script []ReviewResult
	calls  int
}

func (r *scriptedReviewer) Review(context.Context, Proposal) (ReviewResult, error) {
	i := r.calls
	if i >= len(r.script) {
		i = len(r.script) - 1
	}
	r.calls++
	return r.script[i], nil
}

type failingReviewer struct{}

func (failingReviewer) Review(context.Context, Proposal) (ReviewResult, error) {
	return ReviewResult{}, errors.New("review service unavailable")
}

func TestEngineRunAssignsPendingBatch(t *testing.T) {
	db := newTestDB(t)
	seedWhitelist(t, db, "alice smith", "bob jones")
	seedPending(t, db,
		testAccount("A-1", 5, HealthYellow),
		testAccount("A-2", 3, HealthGreen),
	)

	e := testEngine(t, db, frontlineRoster("Alice Smith", "Bob Jones"), NopReviewer{}, nil)
	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.Method != MethodBatch {
		t.Fatalf("two pending accounts should use the batch method, got %q", result.Method)
	}
	if len(result.Assigned) != 2 || len(result.Failed) != 0 || len(result.Deferred) != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if pendingCount(t, db) != 0 {
		t.Fatal("finalized accounts must leave the pending queue")
	}

	counts, _ := AssignmentCounts(db)
	if counts["alice smith"]+counts["bob jones"] != 2 {
		t.Fatalf("ledger counts: %v", counts)
	}
	recs, _ := RecommendationsByRun(db, result.RunID)
	if len(recs) != 2 {
		t.Fatalf("expected 2 ledger recommendations, got %d", len(recs))
	}
	for _, r := range recs {
		if !r.WasAssigned {
			t.Fatalf("approved recommendation not accepted: %+v", r)
		}
	}
}

func TestEngineRunSingleMethod(t *testing.T) {
	db := newTestDB(t)
	seedWhitelist(t, db, "alice smith")
	seedPending(t, db, testAccount("A-1", 5, HealthYellow))

	e := testEngine(t, db, frontlineRoster("Alice Smith"), NopReviewer{}, nil)
	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Method != MethodSingle {
		t.Fatalf("one pending account should use the single method, got %q", result.Method)
	}
	if len(result.Assigned) != 1 || result.Assigned[0].CSM != "alice smith" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestEngineRunNoPendingIsNoop(t *testing.T) {
	db := newTestDB(t)
	seedWhitelist(t, db, "alice smith")

	e := testEngine(t, db, frontlineRoster("Alice Smith"), NopReviewer{}, nil)
	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Assigned)+len(result.Deferred)+len(result.Failed) != 0 {
		t.Fatalf("empty queue must be a no-op: %+v", result)
	}
}

func TestEngineRunNoEligibleWorkers(t *testing.T) {
	db := newTestDB(t)
	// Whitelist is empty, so the roster intersection is empty.
	seedPending(t, db, testAccount("A-1", 5, HealthYellow))

	e := testEngine(t, db, frontlineRoster("Alice Smith"), NopReviewer{}, nil)
	_, err := e.Run(context.Background())
	if !errors.Is(err, ErrNoEligibleWorkers) {
		t.Fatalf("expected ErrNoEligibleWorkers, got %v", err)
	}
	if pendingCount(t, db) != 1 {
		t.Fatal("a failed run must leave the pending queue untouched")
	}
}

// The capacity invariant holds across runs: with total headroom below the
// batch size the excess defers, and deferred accounts stay pending.
func TestEngineRunDefersBeyondCapacity(t *testing.T) {
	db := newTestDB(t)
	seedWhitelist(t, db, "alice smith", "bob jones")
	seedPending(t, db,
		testAccount("A-1", 9, HealthRed),
		testAccount("A-2", 5, HealthYellow),
		testAccount("A-3", 2, HealthGreen),
	)

	e := testEngine(t, db, frontlineRoster("Alice Smith", "Bob Jones"), NopReviewer{}, func(c *Config) {
		c.MaxAccountsPerCSM = 1
		c.MaxCapacitySlack = 0
		c.AllowSmallBookComplex = true
	})
	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.Assigned) != 2 || len(result.Deferred) != 1 {
		t.Fatalf("expected 2 assigned, 1 deferred: %+v", result)
	}
	if result.Deferred[0].AccountID != "A-3" {
		t.Fatalf("the easiest account should defer: %+v", result.Deferred)
	}
	if pendingCount(t, db) != 1 {
		t.Fatal("deferred account must stay in the pending queue")
	}
	counts, _ := AssignmentCounts(db)
	for csm, n := range counts {
		if n > 1 {
			t.Fatalf("capacity exceeded for %s: %d", csm, n)
		}
	}
}

// A rejection naming the proposed CSM forces re-optimization with that CSM
// excluded for the account; the second proposal lands elsewhere.
func TestEngineRunReviewRejectionExcludesCSM(t *testing.T) {
	db := newTestDB(t)
	seedWhitelist(t, db, "alice smith", "bob jones")
	seedPending(t, db, testAccount("A-1", 5, HealthYellow))

	// Empty books tie; the name tie-break proposes alice first.
	reviewer := &scriptedReviewer{script: []ReviewResult{
		{Verdict: VerdictReject, Feedback: "spread work away from alice", Rejected: []string{"A-1"}},
		{Verdict: VerdictApprove, Feedback: "better", Confidence: 90},
	}}

	e := testEngine(t, db, frontlineRoster("Alice Smith", "Bob Jones"), reviewer, nil)
	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.Assigned) != 1 || result.Assigned[0].CSM != "bob jones" {
		t.Fatalf("rejected CSM must be excluded on retry: %+v", result.Assigned)
	}
	if reviewer.calls != 2 {
		t.Fatalf("expected 2 review calls, got %d", reviewer.calls)
	}

	recs, _ := RecommendationsByRun(db, result.RunID)
	if len(recs) != 2 {
		t.Fatalf("expected both proposals in the ledger, got %d", len(recs))
	}
	var rejected, accepted int
	for _, r := range recs {
		if r.WasAssigned {
			accepted++
			if r.RecommendedCSM != "bob jones" {
				t.Fatalf("wrong accepted recommendation: %+v", r)
			}
		} else {
			rejected++
			if r.RecommendedCSM != "alice smith" || r.ReviewFeedback == "" {
				t.Fatalf("rejected recommendation must keep the feedback: %+v", r)
			}
		}
	}
	if rejected != 1 || accepted != 1 {
		t.Fatalf("ledger split rejected=%d accepted=%d", rejected, accepted)
	}
}

// An exhausted retry budget proceeds with the standing proposal rather
// than dropping the account.
func TestEngineRunReviewRetryBudgetExhausted(t *testing.T) {
	db := newTestDB(t)
	seedWhitelist(t, db, "alice smith")
	seedPending(t, db, testAccount("A-1", 5, HealthYellow))

	reviewer := &scriptedReviewer{script: []ReviewResult{
		{Verdict: VerdictReoptimize, Feedback: "never satisfied", Rejected: []string{"A-1"}},
	}}

	e := testEngine(t, db, frontlineRoster("Alice Smith"), reviewer, func(c *Config) {
		c.ReviewMaxRetries = 1
	})
	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// alice is the only candidate, so re-optimization with her excluded
	// fails the account; nothing may vanish silently.
	if len(result.Assigned)+len(result.Failed) != 1 {
		t.Fatalf("account must end assigned or failed: %+v", result)
	}
}

// The reviewer can redirect an account to a specific CSM; the revision is
// recorded under its own method.
func TestEngineRunReviewerReassignment(t *testing.T) {
	db := newTestDB(t)
	seedWhitelist(t, db, "alice smith", "bob jones")
	seedPending(t, db, testAccount("A-1", 5, HealthYellow))

	reviewer := &scriptedReviewer{script: []ReviewResult{
		{
			Verdict:       VerdictApprove,
			Feedback:      "bob has the domain background for this account",
			Reassignments: map[string]string{"A-1": "Bob Jones"},
		},
	}}

	e := testEngine(t, db, frontlineRoster("Alice Smith", "Bob Jones"), reviewer, nil)
	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(result.Assigned) != 1 || result.Assigned[0].CSM != "bob jones" {
		t.Fatalf("reassignment not honored: %+v", result.Assigned)
	}
	a, err := GetAssignment(db, "A-1")
	if err != nil {
		t.Fatalf("GetAssignment failed: %v", err)
	}
	if a.Method != MethodLLMRevised {
		t.Fatalf("revised assignment should use method %q, got %q", MethodLLMRevised, a.Method)
	}
}

// A failing review hook degrades to unreviewed routing, never a wedged run.
func TestEngineRunReviewerErrorProceeds(t *testing.T) {
	db := newTestDB(t)
	seedWhitelist(t, db, "alice smith")
	seedPending(t, db, testAccount("A-1", 5, HealthYellow))

	e := testEngine(t, db, frontlineRoster("Alice Smith"), failingReviewer{}, nil)
	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Assigned) != 1 {
		t.Fatalf("routing must proceed when review is down: %+v", result)
	}
	if result.Feedback == "" {
		t.Fatal("the degraded run should carry the review error as feedback")
	}
}

// A run against a ledger that already holds finalized assignments must
// snapshot cleanly and keep routing; the engine is not one-shot.
func TestEngineRunAfterExistingAssignments(t *testing.T) {
	db := newTestDB(t)
	seedWhitelist(t, db, "alice smith", "bob jones")
	seedPending(t, db, testAccount("A-1", 5, HealthYellow))

	e := testEngine(t, db, frontlineRoster("Alice Smith", "Bob Jones"), NopReviewer{}, nil)
	first, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if len(first.Assigned) != 1 {
		t.Fatalf("first run: %+v", first)
	}

	seedPending(t, db, testAccount("A-2", 3, HealthGreen))
	e.Now = func() time.Time { return time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC) }
	second, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("second run with existing assignments failed: %v", err)
	}
	if len(second.Assigned) != 1 {
		t.Fatalf("second run: %+v", second)
	}
	// The first CSM is inside the 4h cooldown window; the new account goes
	// to the other one.
	if second.Assigned[0].CSM == first.Assigned[0].CSM {
		t.Fatalf("cooldown CSM received back-to-back work: %+v", second.Assigned)
	}
}

// Re-running after a completed run changes nothing: the queue is empty and
// existing assignments stand.
func TestEngineRunIdempotentAcrossRuns(t *testing.T) {
	db := newTestDB(t)
	seedWhitelist(t, db, "alice smith")
	seedPending(t, db, testAccount("A-1", 5, HealthYellow))

	e := testEngine(t, db, frontlineRoster("Alice Smith"), NopReviewer{}, nil)
	if _, err := e.Run(context.Background()); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	before, _ := GetAssignment(db, "A-1")

	e.Now = func() time.Time { return time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC) }
	result, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if len(result.Assigned) != 0 {
		t.Fatalf("second run should find nothing pending: %+v", result)
	}
	after, _ := GetAssignment(db, "A-1")
	if after.CSM != before.CSM || !after.AssignedAt.Equal(before.AssignedAt) {
		t.Fatalf("existing assignment changed: %+v vs %+v", before, after)
	}
}
