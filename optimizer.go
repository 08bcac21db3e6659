package main

import (
	"context"
	"log"
	"sort"
)

// maxImprovementPasses bounds the local-search phase; each pass is O(N *
// pool), and batches are small enough that two or three passes reach a
// fixpoint in practice.
const maxImprovementPasses = 5

// BatchOutcome is the result of one batch optimization: placed pairings,
// accounts deferred to a later run, and any capacity slack consumed.
type BatchOutcome struct {
	Pairings  []Pairing
	Deferred  []Account
	SlackUsed map[string]int // over-capacity placements per CSM
}

// AssignBatch places N pending accounts across the candidate pool under
// the capacity constraint, minimizing the shared cost objective. The
// degradation chain, in order:
//
//  1. headroom pre-filter: CSMs whose headroom cannot absorb their share
//     of the batch are left out of the batch pool;
//  2. dynamic batch sizing: when total headroom is smaller than the batch,
//     only the hardest headroom-many accounts are placed now and the rest
//     are deferred, instead of failing the whole batch;
//  3. capacity slack: an account no CSM can take within capacity may be
//     placed over capacity, bounded per CSM and heavily penalized, and
//     always logged as an explicit override;
//  4. per-item fallback: if the context expires mid-optimization the
//     greedy sequential result stands without the improvement passes.
//
// excluded maps account id -> CSMs barred for that account (review
// rejections).
func AssignBatch(ctx context.Context, accounts []Account, pool []string, snap *BookSnapshot, policy Policy, excluded map[string]map[string]bool) (BatchOutcome, error) {
	outcome := BatchOutcome{SlackUsed: make(map[string]int)}
	if len(accounts) == 0 {
		return outcome, nil
	}
	if len(pool) == 0 {
		return outcome, ErrNoEligibleWorkers
	}

	ordered := orderHardestFirst(accounts)

	// Step 1: headroom pre-filter. Larger batches demand more headroom per
	// candidate so the load spreads instead of piling onto one CSM.
	minHeadroom := (len(ordered) + len(pool) - 1) / len(pool)
	batchPool := make([]string, 0, len(pool))
	for _, csm := range pool {
		if headroom(snap, csm, policy) >= minHeadroom {
			batchPool = append(batchPool, csm)
		}
	}
	if len(batchPool) == 0 {
		// Everyone is tight; fall back to the full pool rather than
		// refusing the batch outright.
		log.Printf("batch pre-filter left no candidates (min_headroom=%d), using full pool", minHeadroom)
		batchPool = pool
	}

	// Step 2: dynamic batch sizing.
	total := 0
	for _, csm := range batchPool {
		total += headroom(snap, csm, policy)
	}
	if total < len(ordered) {
		log.Printf("batch shrink: headroom=%d < pending=%d, deferring %d accounts",
			total, len(ordered), len(ordered)-total)
		outcome.Deferred = append(outcome.Deferred, ordered[total:]...)
		ordered = ordered[:total]
	}

	// Greedy seed: place hardest accounts first against an evolving
	// snapshot so every pick sees the effect of earlier ones.
	working := snap
	assigned := make([]Pairing, 0, len(ordered))
	interrupted := false
	for i, account := range ordered {
		if ctx.Err() != nil {
			// Keep what is already placed; the remainder is deferred.
			log.Printf("batch optimization interrupted: %v", ctx.Err())
			outcome.Deferred = append(outcome.Deferred, ordered[i:]...)
			interrupted = true
			break
		}

		pairing, ok := placeOne(account, batchPool, pool, working, policy, excluded[account.AccountID], outcome.SlackUsed)
		if !ok {
			outcome.Deferred = append(outcome.Deferred, account)
			continue
		}
		assigned = append(assigned, pairing)
		working = working.With(pairing.CSM, account)
	}

	// Improvement passes: re-seat each account against the projected state
	// of everyone else; move only on strict improvement so the loop
	// terminates and the result stays deterministic.
	if ctx.Err() == nil {
		assigned = improve(ctx, assigned, batchPool, snap, policy, excluded)
	}

	outcome.Pairings = assigned
	// An interrupted run deferred on purpose; only a run that tried every
	// account and placed none is infeasible.
	if !interrupted && len(assigned) == 0 && len(ordered) > 0 {
		return outcome, ErrInfeasible
	}
	return outcome, nil
}

// placeOne picks the best CSM for one account within capacity, consuming
// bounded slack when no capacity-respecting candidate exists. Slack
// considers the full pool, since the headroom pre-filter has already
// removed exactly the CSMs slack exists for.
func placeOne(account Account, batchPool, fullPool []string, snap *BookSnapshot, policy Policy, excluded map[string]bool, slackUsed map[string]int) (Pairing, bool) {
	pairing, err := AssignSingle(account, batchPool, snap, policy, excluded)
	if err == nil {
		return pairing, true
	}

	if policy.MaxCapacitySlack <= 0 {
		return Pairing{}, false
	}

	// Step 3: capacity slack. Prefer the least-over candidate; the 1e6
	// per-unit penalty keeps slack placements last-resort in any
	// comparison, and the override is logged, never silent.
	const slackPenalty = 1e6
	best := Pairing{}
	found := false
	for _, csm := range fullPool {
		if excluded[csm] {
			continue
		}
		book, ok := snap.Book(csm)
		if !ok {
			continue
		}
		over := book.Count + 1 - policy.MaxAccountsPerCSM
		if over < 1 || slackUsed[csm]+1 > policy.MaxCapacitySlack {
			continue
		}
		if policy.CooldownHard && snap.InCooldown(csm, policy.Cooldown) {
			continue
		}
		score := slackPenalty * float64(over)
		if !found || score < best.Score || (score == best.Score && csm < best.CSM) {
			best = Pairing{Account: account, CSM: csm, Score: score, OverCapacity: true}
			found = true
		}
	}
	if !found {
		return Pairing{}, false
	}

	slackUsed[best.CSM]++
	log.Printf("capacity override: account=%s -> csm=%s exceeds max_accounts_per_csm (slack %d/%d)",
		account.AccountID, best.CSM, slackUsed[best.CSM], policy.MaxCapacitySlack)
	return best, true
}

// improve runs single-move local search: each account is tentatively
// lifted out of the solution and re-scored against the rest; a strictly
// cheaper seat wins. Slack placements are pinned where they are.
func improve(ctx context.Context, assigned []Pairing, pool []string, base *BookSnapshot, policy Policy, excluded map[string]map[string]bool) []Pairing {
	for pass := 0; pass < maxImprovementPasses; pass++ {
		moved := false
		for i := range assigned {
			if ctx.Err() != nil {
				return assigned
			}
			if assigned[i].OverCapacity {
				continue
			}

			// Projected books with everyone except account i seated.
			others := base
			for j := range assigned {
				if j != i {
					others = others.With(assigned[j].CSM, assigned[j].Account)
				}
			}

			current, currentOK := scoreAssignment(assigned[i].Account, assigned[i].CSM, pool, others, policy)
			candidate, err := AssignSingle(assigned[i].Account, pool, others, policy, excluded[assigned[i].Account.AccountID])
			if err != nil {
				continue
			}
			if candidate.CSM != assigned[i].CSM && (!currentOK || candidate.Score < current-scoreEpsilon) {
				assigned[i] = candidate
				moved = true
			} else {
				// Refresh the recorded score against the final context.
				if currentOK {
					assigned[i].Score = current
				}
			}
		}
		if !moved {
			break
		}
	}
	return assigned
}

// orderHardestFirst sorts a copy of the batch so the most constrained
// accounts are seated first: Red before Yellow before Green, then higher
// neediness, then account id for stability.
func orderHardestFirst(accounts []Account) []Account {
	ordered := make([]Account, len(accounts))
	copy(ordered, accounts)
	sort.SliceStable(ordered, func(i, j int) bool {
		hi, hj := healthSeverity(ordered[i].HealthSegment), healthSeverity(ordered[j].HealthSegment)
		if hi != hj {
			return hi > hj
		}
		if ordered[i].NeedinessScore != ordered[j].NeedinessScore {
			return ordered[i].NeedinessScore > ordered[j].NeedinessScore
		}
		return ordered[i].AccountID < ordered[j].AccountID
	})
	return ordered
}

func healthSeverity(health string) int {
	switch health {
	case HealthRed:
		return 2
	case HealthYellow:
		return 1
	default:
		return 0
	}
}

func headroom(snap *BookSnapshot, csm string, policy Policy) int {
	book, ok := snap.Book(csm)
	if !ok {
		return policy.MaxAccountsPerCSM
	}
	h := policy.MaxAccountsPerCSM - book.Count
	if h < 0 {
		return 0
	}
	return h
}
