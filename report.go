package main

import (
	"log"
	"math"
)

// BalanceReport summarizes spread across CSM books after a proposed or
// committed set of assignments is applied.
type BalanceReport struct {
	CSMCount     int
	CountMean    float64
	CountStd     float64
	CountCV      float64 // std as a percentage of mean
	CountMax     int
	CountMin     int
	NeedinessStd float64
	RevenueStd   float64
	AtCapacity   int
}

// ImbalanceReport projects the pairings onto the snapshot and measures
// book spread. The snapshot itself is untouched.
func ImbalanceReport(snap *BookSnapshot, pairings []Pairing) BalanceReport {
	projected := snap
	for _, p := range pairings {
		projected = projected.With(p.CSM, p.Account)
	}

	names := projected.CSMs()
	report := BalanceReport{CSMCount: len(names), CountMin: math.MaxInt}

	var counts, neediness, revenue []float64
	for _, name := range names {
		book, _ := projected.Book(name)
		counts = append(counts, float64(book.Count))
		neediness = append(neediness, book.TotalNeediness)
		revenue = append(revenue, book.TotalRevenue)
		if book.Count > report.CountMax {
			report.CountMax = book.Count
		}
		if book.Count < report.CountMin {
			report.CountMin = book.Count
		}
	}
	if len(names) == 0 {
		report.CountMin = 0
		return report
	}

	report.CountMean = mean(counts)
	report.CountStd = stddev(counts)
	if report.CountMean > 0 {
		report.CountCV = report.CountStd / report.CountMean * 100
	}
	report.NeedinessStd = stddev(neediness)
	report.RevenueStd = stddev(revenue)
	return report
}

// LogBalanceReport writes the post-run balance summary, warning when the
// spread suggests manual rebalancing.
func LogBalanceReport(snap *BookSnapshot, result RunResult, policy Policy) BalanceReport {
	report := ImbalanceReport(snap, result.Assigned)
	for _, name := range snap.CSMs() {
		if book, _ := snap.Book(name); book.Count >= policy.MaxAccountsPerCSM {
			report.AtCapacity++
		}
	}

	log.Printf("=== CSM book balance report ===")
	log.Printf("csms=%d count_mean=%.1f count_std=%.2f cv=%.1f%% min=%d max=%d",
		report.CSMCount, report.CountMean, report.CountStd, report.CountCV, report.CountMin, report.CountMax)
	log.Printf("neediness_std=%.2f revenue_std=%.2f at_capacity=%d", report.NeedinessStd, report.RevenueStd, report.AtCapacity)
	if report.CountStd > report.CountMean*0.2 {
		log.Printf("account count variance exceeds 20%% of mean - consider manual rebalancing")
	}
	return report
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sq float64
	for _, x := range xs {
		sq += (x - m) * (x - m)
	}
	return math.Sqrt(sq / float64(len(xs)))
}
