package main

// Objective weights shared by the single and batch paths. Magnitudes
// follow the batch objective of the production routing job: account-count
// and neediness balance dominate, revenue balance and the health/tenure
// match matter less, recency least.
const (
	weightCount     = 0.25
	weightNeediness = 0.25
	weightRevenue   = 0.15
	weightHealth    = 0.20
	weightRecency   = 0.10

	// Soft-cooldown ceiling: a CSM one full window away scores +1000
	// before weighting, large enough to lose to any free candidate but
	// finite so a sole candidate can still be picked.
	softCooldownScale = 1000
)

// poolMeans carries the average projected book metrics across the
// candidate pool, the baseline the deviation terms measure against.
type poolMeans struct {
	count     float64
	neediness float64
	revenue   float64
}

func meansOver(pool []string, snap *BookSnapshot) poolMeans {
	if len(pool) == 0 {
		return poolMeans{}
	}
	var m poolMeans
	for _, csm := range pool {
		b, _ := snap.Book(csm)
		m.count += float64(b.Count)
		m.neediness += b.TotalNeediness
		m.revenue += b.TotalRevenue
	}
	n := float64(len(pool))
	m.count /= n
	m.neediness /= n
	m.revenue /= n
	return m
}

// scoreAssignment computes the cost of giving account to csm under the
// snapshot. Lower is better. ok is false when the CSM must not receive
// the account at all (no headroom, or hard cooldown).
func scoreAssignment(account Account, csm string, pool []string, snap *BookSnapshot, policy Policy) (float64, bool) {
	book, _ := snap.Book(csm)

	// Full capacity is an exclusion, never a penalty.
	if book.Count >= policy.MaxAccountsPerCSM {
		return 0, false
	}
	if policy.CooldownHard && snap.InCooldown(csm, policy.Cooldown) {
		return 0, false
	}

	means := meansOver(pool, snap)

	// Book-size penalty: fraction of capacity the book would use.
	countTerm := 100 * float64(book.Count+1) / float64(policy.MaxAccountsPerCSM)

	// Deviation of the projected book from the pool mean, normalized so
	// dollar and neediness scales are comparable. Below-mean books score
	// negative, steering work toward underloaded CSMs.
	needTerm := normalizedDeviation(book.TotalNeediness+account.NeedinessScore, means.neediness, account.NeedinessScore)
	revTerm := normalizedDeviation(book.TotalRevenue+account.Revenue, means.revenue, account.Revenue)

	healthTerm := healthMatchPenalty(account, book)
	tenureTerm := tenureMismatchPenalty(account, book, snap, csm)

	recency := snap.RecencyPenalty(csm)

	score := weightCount*countTerm +
		weightNeediness*needTerm +
		weightRevenue*revTerm +
		weightHealth*(healthTerm+tenureTerm) +
		weightRecency*recency

	if !policy.CooldownHard && policy.Cooldown > 0 {
		if remaining := snap.CooldownRemaining(csm, policy.Cooldown); remaining > 0 {
			score += softCooldownScale * remaining.Seconds() / policy.Cooldown.Seconds()
		}
	}

	return score, true
}

// normalizedDeviation measures how far the projected book total sits from
// the pool mean, as a percentage. The denominator never drops below the
// account's own contribution: with a near-empty ledger the mean is close
// to zero, and dividing a $50k account by 1 would swamp every other cost
// term.
func normalizedDeviation(projected, mean, contribution float64) float64 {
	base := mean
	if base < contribution {
		base = contribution
	}
	if base < 1 {
		base = 1
	}
	return 100 * (projected - mean) / base
}

// healthMatchPenalty applies the health-mix rules: Red accounts avoid
// Red-heavy and junior books, Green accounts avoid Green-heavy books but
// suit new CSMs, Yellow accounts spread evenly.
func healthMatchPenalty(account Account, book Book) float64 {
	var p float64
	switch account.HealthSegment {
	case HealthRed:
		if book.RedFraction() > 0.3 {
			p += 50
		}
		switch book.TenureCategory {
		case TenureNew:
			p += 80
		case TenureJunior:
			p += 40
		case TenureSenior, TenureExpert:
			p -= 10
		}
	case HealthGreen:
		green := book.GreenFraction()
		if green > 0.5 {
			p += 20
		}
		if book.TenureCategory == TenureNew && green < 0.6 {
			p -= 5
		}
	default: // Yellow or unknown
		if book.YellowFraction() > 0.4 {
			p += 15
		}
	}
	return p
}

// tenureMismatchPenalty keeps high-neediness work away from New/Junior
// CSMs and throttles how fast new CSMs accumulate accounts.
func tenureMismatchPenalty(account Account, book Book, snap *BookSnapshot, csm string) float64 {
	var p float64

	if account.NeedinessScore >= 8 {
		switch {
		case book.TenureMonths < 3:
			p += 60
		case book.TenureMonths < 6:
			p += 30
		case book.TenureMonths >= 24:
			p -= 15
		}
		if snap.AvgNeediness24h(csm) > 7 {
			if book.TenureCategory == TenureNew || book.TenureCategory == TenureJunior {
				p += 50
			} else {
				p += 30
			}
		}
	}

	if book.TenureMonths < 3 {
		if book.Count > 40 {
			p += 50
		}
		if snap.Accepted24h(csm) > 2 {
			p += 100
		}
	}

	return p
}
