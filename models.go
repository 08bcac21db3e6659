package main

import "time"

// Account is a pending customer account that needs a CSM. Attributes are
// computed upstream (neediness scoring query); the engine only consumes them.
type Account struct {
	AccountID      string
	Segment        string  // "Residential", "Commercial", ...
	AccountLevel   string  // "Corporate", "Enterprise", ...
	NeedinessScore float64 // higher = more attention required
	HealthSegment  string  // "Red", "Yellow", or "Green"
	Revenue        float64
}

// HighComplexity reports whether the account should be kept away from
// small-book CSMs: Red health or neediness >= 8.
func (a Account) HighComplexity() bool {
	return a.HealthSegment == HealthRed || a.NeedinessScore >= 8
}

const (
	HealthRed    = "Red"
	HealthYellow = "Yellow"
	HealthGreen  = "Green"
)

// Tenure categories, ordinal: New < Junior < Mid < Senior < Expert.
const (
	TenureNew    = "New"
	TenureJunior = "Junior"
	TenureMid    = "Mid"
	TenureSenior = "Senior"
	TenureExpert = "Expert"
)

// TenureCategoryForMonths maps tenure in months to a category.
func TenureCategoryForMonths(months int) string {
	switch {
	case months < 3:
		return TenureNew
	case months < 6:
		return TenureJunior
	case months < 12:
		return TenureMid
	case months < 24:
		return TenureSenior
	default:
		return TenureExpert
	}
}

// RosterEntry is one row from the external roster/verification source.
type RosterEntry struct {
	Name   string
	Role   string // job title, used to drop managers/non-frontline roles
	Active bool
}

// Book is one CSM's current workload, derived from the assignment ledger.
// Books live inside a BookSnapshot and are never mutated in place.
type Book struct {
	CSM            string
	Count          int
	TotalNeediness float64
	TotalRevenue   float64
	RedCount       int
	YellowCount    int
	GreenCount     int
	TenureMonths   int
	TenureCategory string
	LastAssignedAt time.Time // zero if never assigned
}

// HealthTotal is the number of accounts with a known health segment.
func (b Book) HealthTotal() int {
	return b.RedCount + b.YellowCount + b.GreenCount
}

// RedFraction is the share of Red accounts in the book (0 when empty).
func (b Book) RedFraction() float64 { return healthFraction(b.RedCount, b.HealthTotal()) }

func (b Book) YellowFraction() float64 { return healthFraction(b.YellowCount, b.HealthTotal()) }

func (b Book) GreenFraction() float64 { return healthFraction(b.GreenCount, b.HealthTotal()) }

func healthFraction(n, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(n) / float64(total)
}

// Assignment methods recorded on ledger rows.
const (
	MethodSingle     = "single"
	MethodBatch      = "batch"
	MethodLLMRevised = "llm_revised"
)

// Recommendation is one append-only ledger row: a proposed account-CSM
// pairing together with the feature snapshot it was scored on.
type Recommendation struct {
	ID                int64
	AccountID         string
	RecommendedCSM    string
	RecommendedAt     time.Time
	Method            string
	NeedinessScore    float64
	HealthSegment     string
	Revenue           float64
	Segment           string
	AccountLevel      string
	OptimizationScore float64
	ReviewFeedback    string
	WasAssigned       bool
	ActualCSM         string
	AssignedAt        time.Time
	RunID             string
	BatchSize         int
}

// Assignment is the current-state projection: exactly one row per account.
type Assignment struct {
	AccountID      string
	CSM            string
	AssignedAt     time.Time
	Method         string
	ReviewFeedback string
	LastUpdated    time.Time
	OverCapacity   bool // set only by an explicit slack override
}

// Pairing is an account matched to a CSM with its optimization score.
type Pairing struct {
	Account      Account
	CSM          string
	Score        float64
	OverCapacity bool
}

// RunResult reports the outcome of one engine invocation. The three slices
// replace exception-driven control flow: callers can distinguish full
// success, partial success with deferred work, and per-item failure.
type RunResult struct {
	RunID    string
	Method   string
	Assigned []Pairing
	Deferred []Account
	Failed   []FailedAccount
	Feedback string
}

// FailedAccount is a pending account the run could not place, with the
// reason preserved so nothing is dropped silently.
type FailedAccount struct {
	Account Account
	Reason  string
}
