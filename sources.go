package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PendingSource enumerates the accounts awaiting a CSM. The sequence is
// read once per run and is not restartable mid-run.
type PendingSource interface {
	PendingAccounts() ([]Account, error)
}

// RosterSource reports which workers the identity system currently
// verifies as active, with their roles.
type RosterSource interface {
	ActiveRoster() ([]RosterEntry, error)
}

// DBPendingSource reads the pending queue from the ledger database,
// filtered to the configured segment and level.
type DBPendingSource struct {
	DB           *sql.DB
	Segment      string
	AccountLevel string
}

func (s *DBPendingSource) PendingAccounts() ([]Account, error) {
	rows, err := s.DB.Query(
		`SELECT account_id, account_segment, account_level, neediness_score, health_segment, revenue
		 FROM pending_accounts
		 WHERE account_segment = ? AND account_level = ?
		 ORDER BY account_id`,
		s.Segment, s.AccountLevel,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.AccountID, &a.Segment, &a.AccountLevel, &a.NeedinessScore, &a.HealthSegment, &a.Revenue); err != nil {
			return nil, err
		}
		// Upstream feeds occasionally double-enqueue; first wins.
		if seen[a.AccountID] {
			continue
		}
		seen[a.AccountID] = true
		fillAccountDefaults(&a)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// fillAccountDefaults substitutes neutral values for attributes the
// upstream enrichment left empty, mirroring the scoring pipeline's
// fallbacks.
func fillAccountDefaults(a *Account) {
	if a.NeedinessScore == 0 {
		a.NeedinessScore = 5
	}
	if a.HealthSegment == "" {
		a.HealthSegment = HealthYellow
	}
	if a.Segment == "" {
		a.Segment = "Residential"
	}
	if a.AccountLevel == "" {
		a.AccountLevel = "Corporate"
	}
}

// EnqueuePending inserts accounts into the pending queue, skipping ids
// already enqueued.
func EnqueuePending(db *sql.DB, accounts []Account) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO pending_accounts
		 (account_id, account_segment, account_level, neediness_score, health_segment, revenue)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for _, a := range accounts {
		res, err := stmt.Exec(a.AccountID, a.Segment, a.AccountLevel, a.NeedinessScore, a.HealthSegment, a.Revenue)
		if err != nil {
			return inserted, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, tx.Commit()
}

// HTTPRosterSource fetches the active-worker list from the roster
// service's JSON endpoint.
type HTTPRosterSource struct {
	URL    string
	Token  string
	Client *http.Client
}

func NewHTTPRosterSource(cfg Config) *HTTPRosterSource {
	return &HTTPRosterSource{
		URL:   cfg.RosterURL,
		Token: cfg.RosterToken,
		Client: &http.Client{
			Timeout: time.Duration(cfg.RosterTimeout) * time.Second,
		},
	}
}

type rosterResponse struct {
	Workers []struct {
		Name   string `json:"name"`
		Role   string `json:"role"`
		Active bool   `json:"active"`
	} `json:"workers"`
}

func (s *HTTPRosterSource) ActiveRoster() ([]RosterEntry, error) {
	req, err := http.NewRequest("GET", strings.TrimRight(s.URL, "/")+"/v1/workers", nil)
	if err != nil {
		return nil, fmt.Errorf("creating roster request: %w", err)
	}
	if s.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.Token)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching roster: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading roster response: %w", err)
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("roster API returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed rosterResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing roster response: %w", err)
	}

	entries := make([]RosterEntry, 0, len(parsed.Workers))
	for _, w := range parsed.Workers {
		entries = append(entries, RosterEntry{Name: w.Name, Role: w.Role, Active: w.Active})
	}
	return entries, nil
}

// whitelistRoster treats every whitelisted name as an active frontline
// CSM, for deployments without a roster service.
type whitelistRoster struct {
	db *sql.DB
}

func (w whitelistRoster) ActiveRoster() ([]RosterEntry, error) {
	names, err := Whitelist(w.db)
	if err != nil {
		return nil, err
	}
	entries := make([]RosterEntry, 0, len(names))
	for name := range names {
		entries = append(entries, RosterEntry{Name: name, Role: "Customer Success Manager", Active: true})
	}
	return entries, nil
}

// StaticRosterSource serves a fixed roster; used in tests and for
// deployments without a roster service, where the whitelist alone gates
// eligibility.
type StaticRosterSource []RosterEntry

func (s StaticRosterSource) ActiveRoster() ([]RosterEntry, error) {
	return []RosterEntry(s), nil
}
