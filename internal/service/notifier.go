package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/worklog/guard/internal/email"
	"github.com/worklog/guard/internal/logger"
	"github.com/worklog/guard/internal/masking"
	"github.com/worklog/guard/internal/model"
)

// AlertsChannel is the Redis channel raised alerts are published on
const AlertsChannel = "guard:alerts"

// AlertNotifier delivers a raised alert somewhere outside the service
type AlertNotifier interface {
	Name() string
	Notify(ctx context.Context, alert *model.SecurityAlert) error
}

// LogNotifier writes raised alerts to the structured log
type LogNotifier struct {
	log *logger.Logger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{log: log.WithComponent("alerts")}
}

func (n *LogNotifier) Name() string { return "log" }

// Notify logs the alert at warn level
func (n *LogNotifier) Notify(_ context.Context, a *model.SecurityAlert) error {
	n.log.Warn().
		Str("alert_id", a.ID).
		Str("rule", a.RuleName).
		Str("severity", string(a.Severity)).
		Str("scope", a.ScopeValue).
		Int("events", a.EventCount).
		Msg("security alert raised")
	return nil
}

// PubSubNotifier publishes raised alerts as JSON on a channel
type PubSubNotifier struct {
	pub     Publisher
	channel string
}

// NewPubSubNotifier creates a notifier publishing on AlertsChannel
func NewPubSubNotifier(pub Publisher) *PubSubNotifier {
	return &PubSubNotifier{pub: pub, channel: AlertsChannel}
}

func (n *PubSubNotifier) Name() string { return "redis" }

// Notify publishes the alert
func (n *PubSubNotifier) Notify(ctx context.Context, a *model.SecurityAlert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := n.pub.Publish(ctx, n.channel, payload); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// EmailNotifier mails raised alerts to the operator recipients
type EmailNotifier struct {
	sender     email.Sender
	recipients []string
	appName    string
	minimum    model.Severity
}

// NewEmailNotifier creates an EmailNotifier. Alerts below minimum severity are not mailed.
func NewEmailNotifier(sender email.Sender, recipients []string, appName string, minimum model.Severity) *EmailNotifier {
	return &EmailNotifier{sender: sender, recipients: recipients, appName: appName, minimum: minimum}
}

func (n *EmailNotifier) Name() string { return "email" }

var severityRank = map[model.Severity]int{
	model.SeverityLow:      1,
	model.SeverityMedium:   2,
	model.SeverityHigh:     3,
	model.SeverityCritical: 4,
}

// Notify sends one message per recipient and returns the first failure
func (n *EmailNotifier) Notify(ctx context.Context, a *model.SecurityAlert) error {
	if severityRank[a.Severity] < severityRank[n.minimum] {
		return nil
	}
	details := email.AlertDetails{
		AppName:    n.appName,
		AlertID:    a.ID,
		RuleName:   a.RuleName,
		Severity:   string(a.Severity),
		ScopeValue: a.ScopeValue,
		EventCount: a.EventCount,
		RaisedAt:   a.CreatedAt,
	}
	var firstErr error
	for _, to := range n.recipients {
		err := n.sender.Send(ctx, email.Message{
			To:       to,
			Subject:  email.AlertSubject(details),
			HTMLBody: email.AlertEmailHTML(details),
			TextBody: email.AlertEmailText(details),
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WebhookNotifier posts raised alerts to an allow-listed integration endpoint.
// The payload goes through the outbound client, so it is redacted and rate limited.
type WebhookNotifier struct {
	client *masking.OutboundClient
	url    string
	token  string
}

// NewWebhookNotifier creates a WebhookNotifier. An empty token sends no Authorization header.
func NewWebhookNotifier(client *masking.OutboundClient, url, token string) *WebhookNotifier {
	return &WebhookNotifier{client: client, url: url, token: token}
}

func (n *WebhookNotifier) Name() string { return "webhook" }

// Notify posts the alert
func (n *WebhookNotifier) Notify(ctx context.Context, a *model.SecurityAlert) error {
	headers := map[string]string{}
	if n.token != "" {
		headers["Authorization"] = "Bearer " + n.token
	}
	if err := n.client.PostJSON(ctx, n.url, headers, a, nil); err != nil {
		return fmt.Errorf("failed to post alert webhook: %w", err)
	}
	return nil
}
