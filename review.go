package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultReviewModel = "claude-sonnet-4-5-20250929"

// Review verdicts.
const (
	VerdictApprove    = "approve"
	VerdictReject     = "reject"
	VerdictReoptimize = "reoptimize"
)

// Proposal is the batch handed to the review hook: the proposed pairings
// plus the book state and projections they were scored against.
type Proposal struct {
	RunID     string
	Method    string
	Pairings  []Pairing
	Snapshot  *BookSnapshot
	Policy    Policy
	BatchSize int
}

// ReviewResult is the hook's response. Rejections name the pairings to
// redo; the engine excludes the rejected CSM for those accounts on the
// next optimization pass.
type ReviewResult struct {
	Verdict       string
	Feedback      string
	Confidence    int
	Rejected      []string          // account ids to re-optimize
	Reassignments map[string]string // account id -> CSM the reviewer prefers
}

// Reviewer is the optional external gate between Proposed and Accepted.
type Reviewer interface {
	Review(ctx context.Context, proposal Proposal) (ReviewResult, error)
}

// NopReviewer approves everything; used when no API key is configured.
type NopReviewer struct{}

func (NopReviewer) Review(context.Context, Proposal) (ReviewResult, error) {
	return ReviewResult{Verdict: VerdictApprove, Feedback: "review skipped - no API key", Confidence: 100}, nil
}

// LLMReviewer asks Claude to audit a proposed batch against the routing
// quality criteria before anything is finalized.
type LLMReviewer struct {
	client anthropic.Client
	model  string
}

func NewLLMReviewer(apiKey, model string) *LLMReviewer {
	if model == "" {
		model = defaultReviewModel
	}
	return &LLMReviewer{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (r *LLMReviewer) Review(ctx context.Context, proposal Proposal) (ReviewResult, error) {
	issues := DetectIssues(proposal)
	prompt := buildReviewPrompt(proposal, issues)

	message, err := r.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(r.model),
		MaxTokens: 1500,
		System: []anthropic.TextBlockParam{
			{Text: reviewSystemPrompt, CacheControl: anthropic.NewCacheControlEphemeralParam()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return ReviewResult{}, fmt.Errorf("anthropic review error: %w", err)
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			log.Printf("llm review response size=%d tokens_in=%d tokens_out=%d",
				len(block.Text), message.Usage.InputTokens, message.Usage.OutputTokens)
			return parseReviewResponse(block.Text), nil
		}
	}
	return ReviewResult{}, fmt.Errorf("no text content in review response")
}

const reviewSystemPrompt = `You are an expert CSM routing analyst. You audit proposed account-to-CSM assignments for workload balance, tenure/experience matching, health-mix balance, and recent-assignment concentration. Default to approval unless there are clear, significant problems that would harm customer experience.`

func buildReviewPrompt(proposal Proposal, issues []Issue) string {
	type pairingView struct {
		AccountID   string  `json:"account_id"`
		CSM         string  `json:"assigned_csm"`
		Neediness   float64 `json:"neediness_score"`
		Health      string  `json:"health_segment"`
		Revenue     float64 `json:"revenue"`
		Score       float64 `json:"optimization_score"`
		CSMCount    int     `json:"csm_current_accounts"`
		CSMTenure   string  `json:"csm_tenure_category"`
		CSMRedPct   float64 `json:"csm_red_pct"`
		CSMRecent   int     `json:"csm_accepted_last_24h"`
		OverrideCap bool    `json:"over_capacity_override"`
	}

	views := make([]pairingView, 0, len(proposal.Pairings))
	for _, p := range proposal.Pairings {
		book, _ := proposal.Snapshot.Book(p.CSM)
		views = append(views, pairingView{
			AccountID:   p.Account.AccountID,
			CSM:         p.CSM,
			Neediness:   p.Account.NeedinessScore,
			Health:      p.Account.HealthSegment,
			Revenue:     p.Account.Revenue,
			Score:       p.Score,
			CSMCount:    book.Count,
			CSMTenure:   book.TenureCategory,
			CSMRedPct:   book.RedFraction() * 100,
			CSMRecent:   proposal.Snapshot.Accepted24h(p.CSM),
			OverrideCap: p.OverCapacity,
		})
	}

	pairingsJSON, _ := json.MarshalIndent(views, "", "  ")
	issuesJSON, _ := json.MarshalIndent(issues, "", "  ")
	report := ImbalanceReport(proposal.Snapshot, proposal.Pairings)

	var sb strings.Builder
	fmt.Fprintf(&sb, "## PROPOSED ASSIGNMENTS (batch of %d, method %s):\n%s\n\n", proposal.BatchSize, proposal.Method, pairingsJSON)
	fmt.Fprintf(&sb, "## PROJECTED BALANCE:\ncount std=%.2f mean=%.2f cv=%.1f%%\nneediness std=%.2f\nrevenue std=%.2f\n\n",
		report.CountStd, report.CountMean, report.CountCV, report.NeedinessStd, report.RevenueStd)
	fmt.Fprintf(&sb, "## DETECTED CONCERNS:\n%s\n\n", issuesJSON)
	fmt.Fprintf(&sb, `## EVALUATION CRITERIA:
1. Workload balance: no CSM over %d accounts without an explicit override; batch concentration max 3 per CSM.
2. Tenure matching: Red accounts to Senior/Expert CSMs; neediness >= 8 away from New/Junior.
3. Health mix: no CSM above 35%% Red after assignment.
4. Recency: new CSMs should not take more than 2 accounts per day.

Respond with a JSON object:
{
  "approve": true/false,
  "confidence_score": 0-100,
  "feedback": "1-2 sentence explanation",
  "verdict": "approve" | "reject" | "reoptimize",
  "rejected_accounts": ["account ids that must be re-optimized"] or [],
  "specific_reassignments": {"account_id": "suggested_csm"} or null
}
`, proposal.Policy.MaxAccountsPerCSM)
	return sb.String()
}

// parseReviewResponse extracts the JSON verdict from the model's prose.
// Unparseable responses approve with a logged warning so a flaky reviewer
// never wedges the pipeline.
func parseReviewResponse(text string) ReviewResult {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		log.Printf("llm review: no JSON in response, defaulting to approve")
		return ReviewResult{Verdict: VerdictApprove, Feedback: "unparseable review response", Confidence: 0}
	}

	var raw struct {
		Approve          bool              `json:"approve"`
		ConfidenceScore  int               `json:"confidence_score"`
		Feedback         string            `json:"feedback"`
		Verdict          string            `json:"verdict"`
		RejectedAccounts []string          `json:"rejected_accounts"`
		Reassignments    map[string]string `json:"specific_reassignments"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		log.Printf("llm review: JSON parse failed (%v), defaulting to approve", err)
		return ReviewResult{Verdict: VerdictApprove, Feedback: "unparseable review response", Confidence: 0}
	}

	result := ReviewResult{
		Verdict:       strings.ToLower(raw.Verdict),
		Feedback:      raw.Feedback,
		Confidence:    raw.ConfidenceScore,
		Rejected:      raw.RejectedAccounts,
		Reassignments: raw.Reassignments,
	}
	switch result.Verdict {
	case VerdictApprove, VerdictReject, VerdictReoptimize:
	default:
		if raw.Approve {
			result.Verdict = VerdictApprove
		} else {
			result.Verdict = VerdictReoptimize
		}
	}
	// A rejection that names no accounts re-optimizes the whole batch.
	if result.Verdict != VerdictApprove && len(result.Rejected) == 0 {
		for id := range result.Reassignments {
			result.Rejected = append(result.Rejected, id)
		}
	}
	return result
}

// Issue is one detected concern handed to the reviewer alongside the
// proposal.
type Issue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// DetectIssues flags the conditions the reviewer should weigh: projected
// workload imbalance, capacity overrides, batch concentration, and Red
// concentration.
func DetectIssues(proposal Proposal) []Issue {
	var issues []Issue

	report := ImbalanceReport(proposal.Snapshot, proposal.Pairings)
	if report.CountCV > 20 {
		issues = append(issues, Issue{
			Type:     "WORKLOAD_IMBALANCE",
			Severity: "HIGH",
			Detail:   fmt.Sprintf("account count coefficient of variation is %.1f%% (threshold 20%%)", report.CountCV),
		})
	}

	perCSM := make(map[string]int)
	for _, p := range proposal.Pairings {
		perCSM[p.CSM]++
		if p.OverCapacity {
			issues = append(issues, Issue{
				Type:     "CAPACITY_EXCEEDED",
				Severity: "CRITICAL",
				Detail:   fmt.Sprintf("%s exceeds max capacity for account %s (explicit slack override)", p.CSM, p.Account.AccountID),
			})
		}
		if p.Account.HealthSegment == HealthRed {
			book, _ := proposal.Snapshot.Book(p.CSM)
			if book.RedFraction() > 0.35 {
				issues = append(issues, Issue{
					Type:     "RED_ACCOUNT_CONCENTRATION",
					Severity: "MEDIUM",
					Detail:   fmt.Sprintf("%s already has %.1f%% Red accounts and is getting another Red account", p.CSM, book.RedFraction()*100),
				})
			}
		}
	}
	for csm, n := range perCSM {
		if n > 3 {
			issues = append(issues, Issue{
				Type:     "BATCH_CONCENTRATION",
				Severity: "MEDIUM",
				Detail:   fmt.Sprintf("%s is getting %d accounts in this batch (recommended max 3)", csm, n),
			})
		}
	}

	return issues
}
