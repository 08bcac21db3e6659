package main

import (
	"database/sql"
	"sort"
	"time"
)

// BookSnapshot is the immutable per-run view of every CSM's load,
// computed once from the ledger at run start. Scorer and optimizer read
// only from a snapshot; a hypothetical assignment produces a new snapshot
// via With, never an in-place update. This removes the read-skew where a
// slowly-refreshing count funnels a disproportionate share of a batch to
// a few CSMs.
type BookSnapshot struct {
	takenAt time.Time
	books   map[string]Book

	// Accepted-recommendation history for the recency tiers.
	accepted1h  map[string]int
	accepted4h  map[string]int
	accepted24h map[string]int
	avgNeed24h  map[string]float64
}

// TakeSnapshot reads the ledger once and builds the run snapshot.
func TakeSnapshot(db *sql.DB, now time.Time) (*BookSnapshot, error) {
	aggs, err := BookAggregates(db)
	if err != nil {
		return nil, err
	}
	last, err := LastAssignmentTimes(db)
	if err != nil {
		return nil, err
	}
	tenure, err := TenureMonths(db, now)
	if err != nil {
		return nil, err
	}

	books := make(map[string]Book, len(aggs))
	for name, agg := range aggs {
		key := NormalizeName(name)
		months, ok := tenure[key]
		if !ok {
			months = 6 // unknown tenure is treated as Mid
		}
		books[key] = Book{
			CSM:            key,
			Count:          agg.Count,
			TotalNeediness: agg.TotalNeediness,
			TotalRevenue:   agg.TotalRevenue,
			RedCount:       agg.RedCount,
			YellowCount:    agg.YellowCount,
			GreenCount:     agg.GreenCount,
			TenureMonths:   months,
			TenureCategory: TenureCategoryForMonths(months),
			LastAssignedAt: last[name],
		}
	}
	// Carry last-assignment times for CSMs with accepted recommendations
	// but no surviving assignment rows.
	for name, at := range last {
		key := NormalizeName(name)
		if b, ok := books[key]; ok {
			if at.After(b.LastAssignedAt) {
				b.LastAssignedAt = at
				books[key] = b
			}
			continue
		}
		months, ok := tenure[key]
		if !ok {
			months = 6
		}
		books[key] = Book{
			CSM:            key,
			TenureMonths:   months,
			TenureCategory: TenureCategoryForMonths(months),
			LastAssignedAt: at,
		}
	}

	snap := &BookSnapshot{
		takenAt:     now,
		books:       books,
		accepted1h:  make(map[string]int),
		accepted4h:  make(map[string]int),
		accepted24h: make(map[string]int),
		avgNeed24h:  make(map[string]float64),
	}

	for _, w := range []struct {
		window time.Duration
		dest   map[string]int
	}{
		{time.Hour, snap.accepted1h},
		{4 * time.Hour, snap.accepted4h},
		{24 * time.Hour, snap.accepted24h},
	} {
		counts, avgNeed, err := AcceptedSince(db, now, w.window)
		if err != nil {
			return nil, err
		}
		for name, n := range counts {
			w.dest[NormalizeName(name)] = n
		}
		if w.window == 24*time.Hour {
			for name, avg := range avgNeed {
				snap.avgNeed24h[NormalizeName(name)] = avg
			}
		}
	}

	return snap, nil
}

// NewSnapshot builds a snapshot from in-memory books; used by tests and by
// With. Names are normalized on the way in.
func NewSnapshot(now time.Time, books []Book) *BookSnapshot {
	m := make(map[string]Book, len(books))
	for _, b := range books {
		b.CSM = NormalizeName(b.CSM)
		if b.TenureCategory == "" {
			b.TenureCategory = TenureCategoryForMonths(b.TenureMonths)
		}
		m[b.CSM] = b
	}
	return &BookSnapshot{
		takenAt:     now,
		books:       m,
		accepted1h:  make(map[string]int),
		accepted4h:  make(map[string]int),
		accepted24h: make(map[string]int),
		avgNeed24h:  make(map[string]float64),
	}
}

// TakenAt is the wall-clock instant the snapshot reflects.
func (s *BookSnapshot) TakenAt() time.Time { return s.takenAt }

// Book returns one CSM's book by normalized name.
func (s *BookSnapshot) Book(csm string) (Book, bool) {
	b, ok := s.books[NormalizeName(csm)]
	return b, ok
}

// CSMs returns all snapshot names, sorted.
func (s *BookSnapshot) CSMs() []string {
	names := make([]string, 0, len(s.books))
	for name := range s.books {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// With returns a new snapshot with one assignment applied. The receiver is
// unchanged.
func (s *BookSnapshot) With(csm string, account Account) *BookSnapshot {
	key := NormalizeName(csm)
	next := s.clone()

	b := next.books[key]
	if b.CSM == "" {
		b.CSM = key
		b.TenureMonths = 6
		b.TenureCategory = TenureCategoryForMonths(6)
	}
	b.Count++
	b.TotalNeediness += account.NeedinessScore
	b.TotalRevenue += account.Revenue
	switch account.HealthSegment {
	case HealthRed:
		b.RedCount++
	case HealthYellow:
		b.YellowCount++
	case HealthGreen:
		b.GreenCount++
	}
	// LastAssignedAt deliberately stays at the ledger-derived value: the
	// cooldown gate applies per run, while in-run concentration is
	// discouraged through the accepted-recommendation counters below.
	next.books[key] = b

	next.accepted1h[key]++
	next.accepted4h[key]++
	next.accepted24h[key]++
	return next
}

func (s *BookSnapshot) clone() *BookSnapshot {
	next := &BookSnapshot{
		takenAt:     s.takenAt,
		books:       make(map[string]Book, len(s.books)),
		accepted1h:  make(map[string]int, len(s.accepted1h)),
		accepted4h:  make(map[string]int, len(s.accepted4h)),
		accepted24h: make(map[string]int, len(s.accepted24h)),
		avgNeed24h:  make(map[string]float64, len(s.avgNeed24h)),
	}
	for k, v := range s.books {
		next.books[k] = v
	}
	for k, v := range s.accepted1h {
		next.accepted1h[k] = v
	}
	for k, v := range s.accepted4h {
		next.accepted4h[k] = v
	}
	for k, v := range s.accepted24h {
		next.accepted24h[k] = v
	}
	for k, v := range s.avgNeed24h {
		next.avgNeed24h[k] = v
	}
	return next
}

// InCooldown reports whether the CSM's last accepted assignment is within
// the cooldown window as of the snapshot instant.
func (s *BookSnapshot) InCooldown(csm string, window time.Duration) bool {
	return s.CooldownRemaining(csm, window) > 0
}

// CooldownRemaining returns how much of the cooldown window is left, or 0
// when the CSM is free to receive work.
func (s *BookSnapshot) CooldownRemaining(csm string, window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	b, ok := s.books[NormalizeName(csm)]
	if !ok || b.LastAssignedAt.IsZero() {
		return 0
	}
	elapsed := s.takenAt.Sub(b.LastAssignedAt)
	if elapsed >= window {
		return 0
	}
	return window - elapsed
}

// RecencyPenalty is the anti-starvation cost term: accepted assignments in
// the last hour weigh 100 each, 1-4h ago 25 each, 4-24h ago 5 each, plus
// 20 when the CSM's recently accepted accounts average neediness above 7.
// Expert CSMs absorb churn better (x0.7); New/Junior are protected (x1.3).
func (s *BookSnapshot) RecencyPenalty(csm string) float64 {
	key := NormalizeName(csm)

	penalty := float64(s.accepted1h[key]) * 100
	penalty += float64(s.accepted4h[key]-s.accepted1h[key]) * 25
	penalty += float64(s.accepted24h[key]-s.accepted4h[key]) * 5
	if s.avgNeed24h[key] > 7 {
		penalty += 20
	}

	if b, ok := s.books[key]; ok {
		if b.TenureMonths >= 24 {
			penalty *= 0.7
		} else if b.TenureMonths < 6 {
			penalty *= 1.3
		}
	}
	return penalty
}

// Accepted24h returns the accepted-assignment count in the last day, used
// by the new-CSM overload guard.
func (s *BookSnapshot) Accepted24h(csm string) int {
	return s.accepted24h[NormalizeName(csm)]
}

// AvgNeediness24h returns the average neediness of accounts accepted in
// the last day.
func (s *BookSnapshot) AvgNeediness24h(csm string) float64 {
	return s.avgNeed24h[NormalizeName(csm)]
}
