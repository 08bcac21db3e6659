package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/slack-go/slack"
)

// Notifier posts run summaries to a Slack channel. Optional; a nil
// Notifier disables posting.
type Notifier struct {
	api     *slack.Client
	channel string
}

func NewNotifier(cfg Config) *Notifier {
	if cfg.SlackBotToken == "" || cfg.SlackChannelID == "" {
		return nil
	}
	return &Notifier{
		api:     slack.New(cfg.SlackBotToken),
		channel: cfg.SlackChannelID,
	}
}

// PostRunSummary reports what one run did: placements, deferrals, and
// failures, with the reviewer's feedback when present.
func (n *Notifier) PostRunSummary(result RunResult, runErr error) {
	if n == nil {
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "*CSM routing run %s*\n", result.RunID)
	if runErr != nil {
		fmt.Fprintf(&sb, ":warning: run error: %v\n", runErr)
	}
	if len(result.Assigned) == 0 && len(result.Deferred) == 0 && len(result.Failed) == 0 {
		sb.WriteString("No accounts pending assignment.\n")
	}
	for _, p := range result.Assigned {
		flag := ""
		if p.OverCapacity {
			flag = " :rotating_light: over capacity"
		}
		fmt.Fprintf(&sb, "• `%s` → %s (%s, neediness %.1f)%s\n",
			p.Account.AccountID, p.CSM, p.Account.HealthSegment, p.Account.NeedinessScore, flag)
	}
	if len(result.Deferred) > 0 {
		fmt.Fprintf(&sb, "_%d accounts deferred to a later run._\n", len(result.Deferred))
	}
	for _, f := range result.Failed {
		fmt.Fprintf(&sb, ":x: `%s`: %s\n", f.Account.AccountID, f.Reason)
	}
	if result.Feedback != "" {
		fmt.Fprintf(&sb, "> review: %s\n", result.Feedback)
	}

	_, _, err := n.api.PostMessage(n.channel,
		slack.MsgOptionText(sb.String(), false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		log.Printf("slack notify error: %v", err)
	}
}
