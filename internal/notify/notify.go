// Package notify posts run summaries to Slack via an incoming webhook.
package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/chatferry/internal/engine"
)

// poster abstracts the webhook call, enabling test mocks.
type poster func(ctx context.Context, url string, msg *slackapi.WebhookMessage) error

// Slack implements engine.Notifier over a Slack incoming webhook.
type Slack struct {
	webhookURL string
	post       poster
}

// SlackOpts holds parameters for creating a Slack notifier.
type SlackOpts struct {
	WebhookURL string
	// For testing: inject a mock webhook poster.
	Post poster
}

// NewSlack creates a Slack notifier.
func NewSlack(opts SlackOpts) (*Slack, error) {
	if opts.WebhookURL == "" {
		return nil, fmt.Errorf("notify: webhook url is required")
	}
	post := opts.Post
	if post == nil {
		post = slackapi.PostWebhookContext
	}
	return &Slack{webhookURL: opts.WebhookURL, post: post}, nil
}

// RunFinished posts the run summary. Notification failures are logged, not
// propagated; a run's outcome never depends on Slack being reachable.
func (s *Slack) RunFinished(ctx context.Context, sum *engine.Summary) {
	msg := buildMessage(sum)
	if err := s.post(ctx, s.webhookURL, msg); err != nil {
		log.Printf("notify: post run summary: %v", err)
	}
}

// buildMessage formats the summary as a Slack attachment.
func buildMessage(sum *engine.Summary) *slackapi.WebhookMessage {
	title := fmt.Sprintf("Replication run finished: %s -> %s", sum.Source, sum.Dest)
	color := "good"
	if sum.Err != nil {
		title = fmt.Sprintf("Replication run aborted: %s -> %s", sum.Source, sum.Dest)
		color = "danger"
	}

	att := slackapi.Attachment{
		Title:    title,
		Color:    color,
		Fallback: title,
		Fields: []slackapi.AttachmentField{
			{Title: "Mode", Value: sum.Mode, Short: true},
			{Title: "Duration", Value: sum.Duration.Round(time.Second).String(), Short: true},
			{Title: "Delivered", Value: fmt.Sprintf("%d", sum.Delivered), Short: true},
			{Title: "Skipped", Value: fmt.Sprintf("%d", sum.Skipped), Short: true},
			{Title: "Retried", Value: fmt.Sprintf("%d", sum.Retried), Short: true},
			{Title: "Reconnects", Value: fmt.Sprintf("%d", sum.Reconnects), Short: true},
		},
	}
	if sum.Err != nil {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: "Error", Value: sum.Err.Error(),
		})
	}
	return &slackapi.WebhookMessage{Attachments: []slackapi.Attachment{att}}
}
