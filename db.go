package main

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS csm_recommendations (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id         TEXT NOT NULL,
		recommended_csm    TEXT NOT NULL,
		recommended_at     DATETIME DEFAULT CURRENT_TIMESTAMP,
		assignment_method  TEXT NOT NULL,
		neediness_score    REAL DEFAULT 0,
		health_segment     TEXT DEFAULT '',
		revenue            REAL DEFAULT 0,
		account_segment    TEXT DEFAULT '',
		account_level      TEXT DEFAULT '',
		optimization_score REAL DEFAULT 0,
		review_feedback    TEXT DEFAULT '',
		was_assigned       BOOLEAN DEFAULT FALSE,
		actual_csm         TEXT DEFAULT '',
		assigned_at        DATETIME,
		run_id             TEXT NOT NULL,
		batch_size         INTEGER DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_rec_account ON csm_recommendations(account_id);
	CREATE INDEX IF NOT EXISTS idx_rec_csm ON csm_recommendations(recommended_csm);
	CREATE INDEX IF NOT EXISTS idx_rec_run ON csm_recommendations(run_id);

	CREATE TABLE IF NOT EXISTS csm_assignments (
		account_id      TEXT PRIMARY KEY,
		csm_name        TEXT,
		assigned_at     DATETIME,
		assignment_method TEXT DEFAULT '',
		review_feedback TEXT DEFAULT '',
		over_capacity   BOOLEAN DEFAULT FALSE,
		last_updated    DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_asg_csm ON csm_assignments(csm_name);

	CREATE TABLE IF NOT EXISTS csm_whitelist (
		csm_name TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS csm_tenure (
		csm_name         TEXT PRIMARY KEY,
		first_assignment DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_accounts (
		account_id      TEXT PRIMARY KEY,
		account_segment TEXT DEFAULT '',
		account_level   TEXT DEFAULT '',
		neediness_score REAL DEFAULT 5,
		health_segment  TEXT DEFAULT 'Yellow',
		revenue         REAL DEFAULT 0,
		enqueued_at     DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err = db.Exec(schema)
	if err != nil {
		return nil, err
	}

	return db, nil
}

// InsertRecommendation appends one Proposed row. A row with the same
// account, CSM, run, and method is treated as already recorded and
// skipped, which makes re-proposing within a run idempotent. The CSM is
// part of the key: a review rejection re-proposes the same account under
// the same run and method with a different CSM, and that row must land.
func InsertRecommendation(db *sql.DB, rec Recommendation) error {
	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM csm_recommendations
		 WHERE account_id = ? AND recommended_csm = ? AND run_id = ? AND assignment_method = ?`,
		rec.AccountID, rec.RecommendedCSM, rec.RunID, rec.Method,
	).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	_, err = db.Exec(
		`INSERT INTO csm_recommendations
		 (account_id, recommended_csm, recommended_at, assignment_method, neediness_score,
		  health_segment, revenue, account_segment, account_level, optimization_score,
		  review_feedback, run_id, batch_size)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AccountID, rec.RecommendedCSM, rec.RecommendedAt, rec.Method, rec.NeedinessScore,
		rec.HealthSegment, rec.Revenue, rec.Segment, rec.AccountLevel, rec.OptimizationScore,
		rec.ReviewFeedback, rec.RunID, rec.BatchSize,
	)
	return err
}

// InsertRecommendations appends a batch of Proposed rows in one transaction.
func InsertRecommendations(db *sql.DB, recs []Recommendation) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	check, err := tx.Prepare(
		`SELECT COUNT(*) FROM csm_recommendations
		 WHERE account_id = ? AND recommended_csm = ? AND run_id = ? AND assignment_method = ?`)
	if err != nil {
		return 0, err
	}
	defer check.Close()

	stmt, err := tx.Prepare(
		`INSERT INTO csm_recommendations
		 (account_id, recommended_csm, recommended_at, assignment_method, neediness_score,
		  health_segment, revenue, account_segment, account_level, optimization_score,
		  review_feedback, run_id, batch_size)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, rec := range recs {
		var count int
		if err := check.QueryRow(rec.AccountID, rec.RecommendedCSM, rec.RunID, rec.Method).Scan(&count); err != nil {
			return inserted, err
		}
		if count > 0 {
			continue
		}
		_, err := stmt.Exec(
			rec.AccountID, rec.RecommendedCSM, rec.RecommendedAt, rec.Method, rec.NeedinessScore,
			rec.HealthSegment, rec.Revenue, rec.Segment, rec.AccountLevel, rec.OptimizationScore,
			rec.ReviewFeedback, rec.RunID, rec.BatchSize,
		)
		if err != nil {
			return inserted, err
		}
		inserted++
	}

	return inserted, tx.Commit()
}

// MarkRecommendationRejected records reviewer feedback on a Proposed row
// without accepting it. The row stays was_assigned = FALSE (terminal).
func MarkRecommendationRejected(db *sql.DB, accountID, csm, runID, feedback string) error {
	_, err := db.Exec(
		`UPDATE csm_recommendations
		 SET review_feedback = ?
		 WHERE account_id = ? AND recommended_csm = ? AND run_id = ? AND was_assigned = FALSE`,
		feedback, accountID, csm, runID,
	)
	return err
}

// FinalizeAssignment accepts a recommendation and upserts the assignment
// projection in one transaction. The CSM's effective count is re-derived
// from the ledger inside the transaction; if the addition would exceed
// maxAccounts and the pairing does not carry an explicit over-capacity
// override, the finalize is rejected with ErrStaleLoadConflict so a later
// run can retry against fresh load.
func FinalizeAssignment(db *sql.DB, p Pairing, runID, method, feedback string, maxAccounts int, now time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Idempotence: finalizing the same account to the same CSM again is a no-op.
	var currentCSM sql.NullString
	err = tx.QueryRow(`SELECT csm_name FROM csm_assignments WHERE account_id = ?`, p.Account.AccountID).
		Scan(&currentCSM)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if currentCSM.Valid && currentCSM.String == p.CSM {
		return tx.Commit()
	}

	var count int
	err = tx.QueryRow(
		`SELECT COUNT(*) FROM csm_assignments WHERE csm_name = ? AND account_id != ?`,
		p.CSM, p.Account.AccountID,
	).Scan(&count)
	if err != nil {
		return err
	}
	if count+1 > maxAccounts && !p.OverCapacity {
		return fmt.Errorf("finalize %s -> %s: book is %d/%d: %w",
			p.Account.AccountID, p.CSM, count, maxAccounts, ErrStaleLoadConflict)
	}

	_, err = tx.Exec(
		`INSERT INTO csm_assignments
		 (account_id, csm_name, assigned_at, assignment_method, review_feedback, over_capacity, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET
		   csm_name = excluded.csm_name,
		   assigned_at = excluded.assigned_at,
		   assignment_method = excluded.assignment_method,
		   review_feedback = excluded.review_feedback,
		   over_capacity = excluded.over_capacity,
		   last_updated = excluded.last_updated`,
		p.Account.AccountID, p.CSM, now, method, feedback, p.OverCapacity, now,
	)
	if err != nil {
		return err
	}

	// Accept exactly one recommendation for this account+run; any previously
	// accepted recommendation for the account is superseded.
	_, err = tx.Exec(
		`UPDATE csm_recommendations SET was_assigned = FALSE
		 WHERE account_id = ? AND was_assigned = TRUE`,
		p.Account.AccountID,
	)
	if err != nil {
		return err
	}
	res, err := tx.Exec(
		`UPDATE csm_recommendations
		 SET was_assigned = TRUE, actual_csm = ?, assigned_at = ?, review_feedback = ?
		 WHERE account_id = ? AND recommended_csm = ? AND run_id = ?`,
		p.CSM, now, feedback, p.Account.AccountID, p.CSM, runID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finalize %s -> %s: no recommendation for run %s", p.Account.AccountID, p.CSM, runID)
	}

	_, err = tx.Exec(`DELETE FROM pending_accounts WHERE account_id = ?`, p.Account.AccountID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// RollbackAssignment reverses a finalize: the assignment's CSM reference is
// cleared and the accepted recommendation is reset. Idempotent.
func RollbackAssignment(db *sql.DB, accountID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`UPDATE csm_assignments
		 SET csm_name = NULL, last_updated = CURRENT_TIMESTAMP
		 WHERE account_id = ? AND csm_name IS NOT NULL`,
		accountID,
	)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		`UPDATE csm_recommendations SET was_assigned = FALSE
		 WHERE account_id = ? AND was_assigned = TRUE`,
		accountID,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// AssignmentCounts returns the current book size per CSM from the
// assignment projection.
func AssignmentCounts(db *sql.DB) (map[string]int, error) {
	rows, err := db.Query(
		`SELECT csm_name, COUNT(*) FROM csm_assignments
		 WHERE csm_name IS NOT NULL GROUP BY csm_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		counts[name] = n
	}
	return counts, rows.Err()
}

// BookAggregate is the composition of one CSM's current book: totals over
// the feature snapshots of the accepted recommendation behind each
// assignment row.
type BookAggregate struct {
	CSM            string
	Count          int
	TotalNeediness float64
	TotalRevenue   float64
	RedCount       int
	YellowCount    int
	GreenCount     int
}

// BookAggregates joins the assignment projection with each account's
// accepted recommendation to recover the book composition. Accounts whose
// assignment predates the ledger (no accepted recommendation) still count
// toward the book size with neutral composition.
func BookAggregates(db *sql.DB) (map[string]BookAggregate, error) {
	rows, err := db.Query(
		`SELECT a.csm_name,
		        COUNT(*),
		        COALESCE(SUM(r.neediness_score), 0),
		        COALESCE(SUM(r.revenue), 0),
		        COALESCE(SUM(CASE WHEN r.health_segment = 'Red' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN r.health_segment = 'Yellow' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN r.health_segment = 'Green' THEN 1 ELSE 0 END), 0)
		 FROM csm_assignments a
		 LEFT JOIN csm_recommendations r
		   ON r.account_id = a.account_id AND r.was_assigned = TRUE
		 WHERE a.csm_name IS NOT NULL
		 GROUP BY a.csm_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	books := make(map[string]BookAggregate)
	for rows.Next() {
		var agg BookAggregate
		err := rows.Scan(&agg.CSM, &agg.Count, &agg.TotalNeediness, &agg.TotalRevenue,
			&agg.RedCount, &agg.YellowCount, &agg.GreenCount)
		if err != nil {
			return nil, err
		}
		books[agg.CSM] = agg
	}
	return books, rows.Err()
}

// ledgerTimeLayouts are the formats assigned_at values come back in: the
// driver's bind format for time.Time values, CURRENT_TIMESTAMP defaults,
// and RFC3339 for rows written by other tools.
var ledgerTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

func parseLedgerTime(s string) (time.Time, bool) {
	for _, layout := range ledgerTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// LastAssignmentTimes returns, per CSM, the most recent accepted-assignment
// time across both ledger tables. A recommendation can be accepted before
// the assignment projection is refreshed, so both must be consulted.
// MAX() strips the column's DATETIME decltype, so the aggregate arrives as
// text and is parsed here rather than scanned as a time.
func LastAssignmentTimes(db *sql.DB) (map[string]time.Time, error) {
	last := make(map[string]time.Time)

	merge := func(query string) error {
		rows, err := db.Query(query)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			var at sql.NullString
			if err := rows.Scan(&name, &at); err != nil {
				return err
			}
			if !at.Valid {
				continue
			}
			t, ok := parseLedgerTime(at.String)
			if !ok {
				return fmt.Errorf("unparseable assignment time %q for %s", at.String, name)
			}
			if t.After(last[name]) {
				last[name] = t
			}
		}
		return rows.Err()
	}

	if err := merge(
		`SELECT csm_name, MAX(assigned_at) FROM csm_assignments
		 WHERE csm_name IS NOT NULL GROUP BY csm_name`); err != nil {
		return nil, err
	}
	if err := merge(
		`SELECT actual_csm, MAX(assigned_at) FROM csm_recommendations
		 WHERE was_assigned = TRUE AND actual_csm != '' GROUP BY actual_csm`); err != nil {
		return nil, err
	}
	return last, nil
}

// AcceptedSince returns, per CSM, how many recommendations were accepted in
// (now-window, now], and the average neediness of those accounts. Feeds the
// recency penalty tiers.
func AcceptedSince(db *sql.DB, now time.Time, window time.Duration) (map[string]int, map[string]float64, error) {
	rows, err := db.Query(
		`SELECT actual_csm, COUNT(*), AVG(neediness_score) FROM csm_recommendations
		 WHERE was_assigned = TRUE AND actual_csm != '' AND assigned_at > ?
		 GROUP BY actual_csm`,
		now.Add(-window),
	)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	avgNeed := make(map[string]float64)
	for rows.Next() {
		var name string
		var n int
		var avg sql.NullFloat64
		if err := rows.Scan(&name, &n, &avg); err != nil {
			return nil, nil, err
		}
		counts[name] = n
		if avg.Valid {
			avgNeed[name] = avg.Float64
		}
	}
	return counts, avgNeed, rows.Err()
}

// RecommendationsByRun returns all ledger rows written under one run id.
func RecommendationsByRun(db *sql.DB, runID string) ([]Recommendation, error) {
	rows, err := db.Query(
		`SELECT id, account_id, recommended_csm, recommended_at, assignment_method,
		        neediness_score, health_segment, revenue, account_segment, account_level,
		        optimization_score, review_feedback, was_assigned, actual_csm, assigned_at,
		        run_id, batch_size
		 FROM csm_recommendations WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Recommendation
	for rows.Next() {
		var rec Recommendation
		var assignedAt sql.NullTime
		var actual sql.NullString
		err := rows.Scan(
			&rec.ID, &rec.AccountID, &rec.RecommendedCSM, &rec.RecommendedAt, &rec.Method,
			&rec.NeedinessScore, &rec.HealthSegment, &rec.Revenue, &rec.Segment, &rec.AccountLevel,
			&rec.OptimizationScore, &rec.ReviewFeedback, &rec.WasAssigned, &actual, &assignedAt,
			&rec.RunID, &rec.BatchSize,
		)
		if err != nil {
			return nil, err
		}
		if actual.Valid {
			rec.ActualCSM = actual.String
		}
		if assignedAt.Valid {
			rec.AssignedAt = assignedAt.Time
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// GetAssignment returns the current-state row for an account, or
// sql.ErrNoRows if the account has never been finalized.
func GetAssignment(db *sql.DB, accountID string) (Assignment, error) {
	var a Assignment
	var csm sql.NullString
	var assignedAt sql.NullTime
	err := db.QueryRow(
		`SELECT account_id, csm_name, assigned_at, assignment_method, review_feedback, over_capacity, last_updated
		 FROM csm_assignments WHERE account_id = ?`,
		accountID,
	).Scan(&a.AccountID, &csm, &assignedAt, &a.Method, &a.ReviewFeedback, &a.OverCapacity, &a.LastUpdated)
	if err != nil {
		return Assignment{}, err
	}
	if csm.Valid {
		a.CSM = csm.String
	}
	if assignedAt.Valid {
		a.AssignedAt = assignedAt.Time
	}
	return a, nil
}

// Whitelist returns the set of eligible CSM names, normalized.
func Whitelist(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query(`SELECT csm_name FROM csm_whitelist`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		set[NormalizeName(name)] = true
	}
	return set, rows.Err()
}

// TenureMonths returns tenure in whole months per CSM, keyed by
// normalized name.
func TenureMonths(db *sql.DB, now time.Time) (map[string]int, error) {
	rows, err := db.Query(`SELECT csm_name, first_assignment FROM csm_tenure`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	months := make(map[string]int)
	for rows.Next() {
		var name string
		var first time.Time
		if err := rows.Scan(&name, &first); err != nil {
			return nil, err
		}
		m := int(now.Sub(first).Hours() / (24 * 30))
		if m < 0 {
			m = 0
		}
		months[NormalizeName(name)] = m
	}
	return months, rows.Err()
}
