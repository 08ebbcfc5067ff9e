package slackbot

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"callrouter/internal/domain"
	"callrouter/internal/storage/sqlite"

	"github.com/slack-go/slack"
)

// Notifier posts operational alerts and human-queue handoffs to Slack. With
// no client or channel configured it only logs.
type Notifier struct {
	api            *slack.Client
	alertChannel   string
	handoffChannel string
}

func NewNotifier(api *slack.Client, alertChannel, handoffChannel string) *Notifier {
	return &Notifier{api: api, alertChannel: alertChannel, handoffChannel: handoffChannel}
}

// Alert reports an operational problem. Delivery failures are logged and
// swallowed; alerting never fails a call.
func (n *Notifier) Alert(ctx context.Context, kind, message string) {
	log.Printf("alert kind=%s msg=%q", kind, message)
	if n == nil || n.api == nil || n.alertChannel == "" {
		return
	}
	text := fmt.Sprintf(":rotating_light: *%s*: %s", kind, message)
	if _, _, err := n.api.PostMessageContext(ctx, n.alertChannel, slack.MsgOptionText(text, false)); err != nil {
		log.Printf("slack alert post error channel=%s: %v", n.alertChannel, err)
	}
}

// EnqueueHandoff posts the handoff summary for staff picking up the call.
func (n *Notifier) EnqueueHandoff(ctx context.Context, h domain.HandoffContext) error {
	if n == nil || n.api == nil || n.handoffChannel == "" {
		log.Printf("handoff enqueue (log only) call=%s queue=%s reason=%s intent=%s", h.CallID, h.Queue, h.Reason, h.Intent)
		return nil
	}
	fallback := fmt.Sprintf("Caller waiting in %s (%s)", h.Queue, h.Reason)
	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject(slack.PlainTextType,
				fmt.Sprintf("Caller waiting in %s", h.Queue), false, false),
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, FormatHandoff(h), false, false),
			nil, nil,
		),
	}
	_, _, err := n.api.PostMessageContext(ctx, n.handoffChannel,
		slack.MsgOptionText(fallback, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("post handoff to slack: %w", err)
	}
	log.Printf("handoff posted call=%s channel=%s", h.CallID, n.handoffChannel)
	return nil
}

func FormatHandoff(h domain.HandoffContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Call* `%s` from %s\n", h.CallID, orDash(h.Caller))
	fmt.Fprintf(&b, "*Reason*: %s\n", h.Reason)
	if h.Intent != "" {
		fmt.Fprintf(&b, "*Intent*: %s (%.0f%%)\n", h.Intent, h.Confidence*100)
	}
	if h.LocalTime != "" {
		fmt.Fprintf(&b, "*Time*: %s\n", h.LocalTime)
	}
	if len(h.Fields) > 0 {
		keys := make([]string, 0, len(h.Fields))
		for k := range h.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "• %s: %s\n", strings.ReplaceAll(k, "_", " "), h.Fields[k])
		}
	}
	if len(h.Excerpt) > 0 {
		b.WriteString("*Transcript*\n")
		for _, line := range h.Excerpt {
			b.WriteString("> " + line + "\n")
		}
		if h.Truncated {
			b.WriteString("_(truncated)_\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// PostContainmentReport posts the containment KPI for [since, until).
func (n *Notifier) PostContainmentReport(ctx context.Context, stats sqlite.ContainmentStats, since, until time.Time) error {
	text := FormatContainmentReport(stats, since, until)
	if n == nil || n.api == nil || n.alertChannel == "" {
		log.Printf("containment report (log only): %s", strings.ReplaceAll(text, "\n", " | "))
		return nil
	}
	_, _, err := n.api.PostMessageContext(ctx, n.alertChannel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("post containment report: %w", err)
	}
	return nil
}

func FormatContainmentReport(stats sqlite.ContainmentStats, since, until time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Call containment %s - %s*\n", since.Format("Jan 2 15:04"), until.Format("Jan 2 15:04"))
	fmt.Fprintf(&b, "Calls: %d (in progress %d)\n", stats.TotalCalls, stats.InProgress)
	fmt.Fprintf(&b, "Contained: %d | Escalated: %d | Abandoned: %d\n", stats.Contained, stats.Escalated, stats.Abandoned)
	fmt.Fprintf(&b, "Containment rate: %.1f%%", stats.ContainmentRate()*100)
	if len(stats.Escalations) > 0 {
		reasons := make([]string, 0, len(stats.Escalations))
		for r := range stats.Escalations {
			reasons = append(reasons, string(r))
		}
		sort.Strings(reasons)
		b.WriteString("\nEscalations by reason:")
		for _, r := range reasons {
			fmt.Fprintf(&b, " %s=%d", r, stats.Escalations[domain.TriggerReason(r)])
		}
	}
	return b.String()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
