package main

import (
	"log"
	"math"
)

// scoreEpsilon bounds float noise when comparing candidate costs; scores
// closer than this are a tie and fall through to the deterministic
// tie-break chain.
const scoreEpsilon = 1e-9

// AssignSingle picks the minimum-cost CSM for exactly one pending account.
// Ties break by lower current book size, then lexicographic name, so a
// re-run over identical inputs always returns the same CSM.
func AssignSingle(account Account, pool []string, snap *BookSnapshot, policy Policy, excluded map[string]bool) (Pairing, error) {
	candidates := eligibleFor(pool, account, snap, policy, excluded)
	if len(candidates) == 0 {
		return Pairing{}, ErrNoEligibleWorkers
	}

	best := Pairing{Score: math.Inf(1)}
	var bestBook Book
	found := false

	for _, csm := range candidates {
		score, ok := scoreAssignment(account, csm, pool, snap, policy)
		if !ok {
			continue
		}
		book, _ := snap.Book(csm)

		if !found || better(score, book, best.Score, bestBook) {
			best = Pairing{Account: account, CSM: csm, Score: score}
			bestBook = book
			found = true
		}
	}

	if !found {
		return Pairing{}, ErrNoEligibleWorkers
	}

	log.Printf("single assign account=%s health=%s neediness=%.1f -> csm=%s score=%.2f",
		account.AccountID, account.HealthSegment, account.NeedinessScore, best.CSM, best.Score)
	return best, nil
}

// better reports whether (score, book) beats the incumbent under the
// total order: score, then current count, then name. Candidates arrive in
// name-ascending order, so strict improvement on the final key never
// fires for equal names.
func better(score float64, book Book, bestScore float64, bestBook Book) bool {
	if score < bestScore-scoreEpsilon {
		return true
	}
	if score > bestScore+scoreEpsilon {
		return false
	}
	if book.Count != bestBook.Count {
		return book.Count < bestBook.Count
	}
	return book.CSM < bestBook.CSM
}
