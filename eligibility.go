package main

import (
	"log"
	"sort"
	"strings"
)

// NormalizeName is the one canonical identifier normalization applied at
// every boundary: roster, whitelist, and ledger names all pass through it
// before comparison. Identifiers that still fail to match afterwards are
// reported, never silently dropped.
func NormalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// PoolStats records how many roster entries survived each filter stage so
// operators can detect silent exclusion from identifier drift.
type PoolStats struct {
	RosterTotal      int
	ActiveFrontline  int
	Whitelisted      int
	WithBooks        int
	AtCapacity       int
	InCooldown       int
	Unmatched        []string // active frontline names absent from the whitelist
	MissingFromBooks []string // whitelisted names with no ledger-derived book
}

// BuildCandidatePool intersects the active roster with the whitelist,
// drops managers and non-frontline roles, and removes CSMs with no
// capacity headroom. With a hard cooldown policy, CSMs inside the window
// are excluded for the whole run. Output order is name ascending so
// downstream tie-breaks are reproducible.
func BuildCandidatePool(roster []RosterEntry, whitelist map[string]bool, snap *BookSnapshot, policy Policy) ([]string, PoolStats, error) {
	stats := PoolStats{RosterTotal: len(roster)}

	var pool []string
	seen := make(map[string]bool)
	for _, entry := range roster {
		if !entry.Active || isManagerRole(entry.Role) {
			continue
		}
		stats.ActiveFrontline++

		name := NormalizeName(entry.Name)
		if seen[name] {
			continue
		}
		seen[name] = true

		if !whitelist[name] {
			stats.Unmatched = append(stats.Unmatched, entry.Name)
			continue
		}
		stats.Whitelisted++

		book, ok := snap.Book(name)
		if !ok {
			// A whitelisted, active CSM with no ledger history can still
			// receive work; they start from an empty book.
			stats.MissingFromBooks = append(stats.MissingFromBooks, entry.Name)
		}
		stats.WithBooks++

		if ok && book.Count >= policy.MaxAccountsPerCSM {
			stats.AtCapacity++
			continue
		}
		if policy.CooldownHard && snap.InCooldown(name, policy.Cooldown) {
			stats.InCooldown++
			continue
		}

		pool = append(pool, name)
	}
	sort.Strings(pool)

	log.Printf("candidate pool roster=%d frontline=%d whitelisted=%d at_capacity=%d in_cooldown=%d pool=%d",
		stats.RosterTotal, stats.ActiveFrontline, stats.Whitelisted, stats.AtCapacity, stats.InCooldown, len(pool))
	if len(stats.Unmatched) > 0 {
		log.Printf("identifier mismatch: %d active CSMs not in whitelist: %s",
			len(stats.Unmatched), strings.Join(stats.Unmatched, ", "))
	}
	if len(stats.MissingFromBooks) > 0 {
		log.Printf("no ledger book for: %s (treated as empty)", strings.Join(stats.MissingFromBooks, ", "))
	}

	if len(pool) == 0 {
		return nil, stats, ErrNoEligibleWorkers
	}
	return pool, stats, nil
}

// eligibleFor filters the pool for one account: small books are barred
// from high-complexity accounts when the policy restricts them, and the
// per-item exclusion list (review rejections) is applied.
func eligibleFor(pool []string, account Account, snap *BookSnapshot, policy Policy, excluded map[string]bool) []string {
	var out []string
	for _, csm := range pool {
		if excluded[csm] {
			continue
		}
		book, ok := snap.Book(csm)
		if ok && book.Count >= policy.MaxAccountsPerCSM {
			continue
		}
		if policy.RestrictSmallBooks && account.HighComplexity() {
			if !ok || book.Count < policy.MinAccountsForEligibility {
				continue
			}
		}
		out = append(out, csm)
	}
	return out
}

func isManagerRole(role string) bool {
	r := strings.ToLower(role)
	if r == "" {
		return false
	}
	if strings.Contains(r, "manager") && !strings.Contains(r, "customer success manager") {
		return true
	}
	// "Manager, Customer Success" style titles are people managers, not CSMs.
	if strings.Contains(r, "manager,") || strings.Contains(r, "director") || strings.Contains(r, "lead") {
		return true
	}
	return false
}
