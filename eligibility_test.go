package main

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Alice Smith", "alice smith"},
		{"  alice   SMITH ", "alice smith"},
		{"Bob\tJones", "bob jones"},
		{"carol lee", "carol lee"},
	}
	for _, tc := range cases {
		if got := NormalizeName(tc.in); got != tc.want {
			t.Errorf("NormalizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func testPolicy() Policy {
	return Policy{
		MaxAccountsPerCSM:         85,
		MinAccountsForEligibility: 5,
		Cooldown:                  4 * time.Hour,
		CooldownHard:              true,
		RestrictSmallBooks:        true,
		MaxCapacitySlack:          2,
	}
}

func TestBuildCandidatePoolIntersectsAndReportsMismatches(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	snap := NewSnapshot(now, []Book{
		{CSM: "alice smith", Count: 40, TenureMonths: 30},
		{CSM: "bob jones", Count: 50, TenureMonths: 12},
	})
	roster := []RosterEntry{
		{Name: " Alice  Smith ", Role: "Customer Success Manager", Active: true},
		{Name: "Bob Jones", Role: "Senior Customer Success Manager", Active: true},
		{Name: "Carol Lee", Role: "Customer Success Manager", Active: true}, // not whitelisted
		{Name: "Dan Wu", Role: "Manager, Customer Success", Active: true},  // people manager
		{Name: "Eve Park", Role: "Customer Success Manager", Active: false},
	}
	whitelist := map[string]bool{"alice smith": true, "bob jones": true, "dan wu": true}

	pool, stats, err := BuildCandidatePool(roster, whitelist, snap, testPolicy())
	if err != nil {
		t.Fatalf("BuildCandidatePool failed: %v", err)
	}

	want := []string{"alice smith", "bob jones"}
	if len(pool) != len(want) || pool[0] != want[0] || pool[1] != want[1] {
		t.Fatalf("unexpected pool: %v", pool)
	}
	if stats.RosterTotal != 5 || stats.ActiveFrontline != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(stats.Unmatched) != 1 || stats.Unmatched[0] != "Carol Lee" {
		t.Fatalf("expected Carol Lee reported as unmatched, got %v", stats.Unmatched)
	}
}

func TestBuildCandidatePoolExcludesAtCapacity(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	snap := NewSnapshot(now, []Book{
		{CSM: "alice smith", Count: 85},
		{CSM: "bob jones", Count: 84},
	})
	roster := []RosterEntry{
		{Name: "Alice Smith", Role: "CSM", Active: true},
		{Name: "Bob Jones", Role: "CSM", Active: true},
	}
	whitelist := map[string]bool{"alice smith": true, "bob jones": true}

	pool, stats, err := BuildCandidatePool(roster, whitelist, snap, testPolicy())
	if err != nil {
		t.Fatalf("BuildCandidatePool failed: %v", err)
	}
	if len(pool) != 1 || pool[0] != "bob jones" {
		t.Fatalf("expected only bob jones, got %v", pool)
	}
	if stats.AtCapacity != 1 {
		t.Fatalf("expected 1 at capacity, got %d", stats.AtCapacity)
	}
}

// A hard cooldown removes the CSM from the pool for the whole run, even
// when every other candidate scores worse.
func TestBuildCandidatePoolHardCooldownExcludesForRun(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	snap := NewSnapshot(now, []Book{
		{CSM: "alice smith", Count: 10, LastAssignedAt: now.Add(-30 * time.Minute)},
		{CSM: "bob jones", Count: 80, LastAssignedAt: now.Add(-6 * time.Hour)},
	})
	roster := []RosterEntry{
		{Name: "Alice Smith", Role: "CSM", Active: true},
		{Name: "Bob Jones", Role: "CSM", Active: true},
	}
	whitelist := map[string]bool{"alice smith": true, "bob jones": true}

	pool, stats, err := BuildCandidatePool(roster, whitelist, snap, testPolicy())
	if err != nil {
		t.Fatalf("BuildCandidatePool failed: %v", err)
	}
	if len(pool) != 1 || pool[0] != "bob jones" {
		t.Fatalf("cooldown CSM must be excluded: %v", pool)
	}
	if stats.InCooldown != 1 {
		t.Fatalf("expected 1 in cooldown, got %d", stats.InCooldown)
	}

	// Soft policy keeps her in the pool; the scorer penalizes instead.
	soft := testPolicy()
	soft.CooldownHard = false
	pool, _, err = BuildCandidatePool(roster, whitelist, snap, soft)
	if err != nil {
		t.Fatalf("BuildCandidatePool (soft) failed: %v", err)
	}
	if len(pool) != 2 {
		t.Fatalf("soft cooldown must not shrink the pool: %v", pool)
	}
}

func TestBuildCandidatePoolEmptyPoolError(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	snap := NewSnapshot(now, nil)
	roster := []RosterEntry{
		{Name: "Carol Lee", Role: "CSM", Active: true},
	}

	_, _, err := BuildCandidatePool(roster, map[string]bool{}, snap, testPolicy())
	if !errors.Is(err, ErrNoEligibleWorkers) {
		t.Fatalf("expected ErrNoEligibleWorkers, got %v", err)
	}
}

func TestEligibleForSmallBookRestriction(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	snap := NewSnapshot(now, []Book{
		{CSM: "alice smith", Count: 3},  // small book
		{CSM: "bob jones", Count: 20},
	})
	pool := []string{"alice smith", "bob jones"}
	policy := testPolicy()

	red := Account{AccountID: "A-1", HealthSegment: HealthRed, NeedinessScore: 6}
	got := eligibleFor(pool, red, snap, policy, nil)
	if len(got) != 1 || got[0] != "bob jones" {
		t.Fatalf("small book must be barred from high-complexity accounts: %v", got)
	}

	green := Account{AccountID: "A-2", HealthSegment: HealthGreen, NeedinessScore: 3}
	got = eligibleFor(pool, green, snap, policy, nil)
	if len(got) != 2 {
		t.Fatalf("routine account should see the full pool: %v", got)
	}

	policy.RestrictSmallBooks = false
	got = eligibleFor(pool, red, snap, policy, nil)
	if len(got) != 2 {
		t.Fatalf("restriction disabled should restore the full pool: %v", got)
	}
}

func TestEligibleForAppliesExclusions(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	snap := NewSnapshot(now, []Book{
		{CSM: "alice smith", Count: 20},
		{CSM: "bob jones", Count: 20},
	})
	account := Account{AccountID: "A-1", HealthSegment: HealthGreen, NeedinessScore: 3}

	got := eligibleFor([]string{"alice smith", "bob jones"}, account, snap, testPolicy(),
		map[string]bool{"alice smith": true})
	if len(got) != 1 || got[0] != "bob jones" {
		t.Fatalf("exclusion list not applied: %v", got)
	}
}

func TestIsManagerRole(t *testing.T) {
	cases := []struct {
		role string
		want bool
	}{
		{"Customer Success Manager", false},
		{"Senior Customer Success Manager", false},
		{"Manager, Customer Success", true},
		{"Engineering Manager", true},
		{"Director of Customer Success", true},
		{"Team Lead", true},
		{"", false},
	}
	for _, tc := range cases {
		if got := isManagerRole(tc.role); got != tc.want {
			t.Errorf("isManagerRole(%q) = %v, want %v", tc.role, got, tc.want)
		}
	}
}
