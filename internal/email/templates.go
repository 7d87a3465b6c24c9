package email

import (
	"fmt"
	"html"
	"time"
)

// AlertDetails is the content of a security alert notification
type AlertDetails struct {
	AppName    string
	AlertID    string
	RuleName   string
	Severity   string
	ScopeValue string
	EventCount int
	RaisedAt   time.Time
}

// AlertSubject returns the subject line for a security alert email.
func AlertSubject(d AlertDetails) string {
	return fmt.Sprintf("[%s] %s security alert: %s", d.AppName, d.Severity, d.RuleName)
}

// AlertEmailHTML returns the HTML body for a security alert email.
func AlertEmailHTML(d AlertDetails) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Security alert</title>
</head>
<body style="margin:0;padding:0;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Helvetica,Arial,sans-serif;background-color:#f4f5f7;">
<table width="100%%" cellpadding="0" cellspacing="0" style="background-color:#f4f5f7;padding:40px 0;">
<tr><td align="center">
<table width="520" cellpadding="0" cellspacing="0" style="background-color:#ffffff;border-radius:8px;overflow:hidden;box-shadow:0 2px 8px rgba(0,0,0,0.08);">
  <tr><td style="padding:32px 40px 16px;">
    <h1 style="margin:0;font-size:22px;color:#1a1a2e;">Security alert: %s</h1>
  </td></tr>
  <tr><td style="padding:0 40px 24px;">
    <table cellpadding="6" cellspacing="0" style="font-size:14px;color:#4a4a68;">
      <tr><td><strong>Severity</strong></td><td>%s</td></tr>
      <tr><td><strong>Scope</strong></td><td>%s</td></tr>
      <tr><td><strong>Events</strong></td><td>%d</td></tr>
      <tr><td><strong>Raised at</strong></td><td>%s</td></tr>
      <tr><td><strong>Alert ID</strong></td><td style="font-family:'Courier New',monospace;">%s</td></tr>
    </table>
  </td></tr>
  <tr><td style="padding:16px 40px;background-color:#f9f9fc;border-top:1px solid #eeeef2;">
    <p style="margin:0;font-size:12px;color:#aaaabc;text-align:center;">
      &copy; %s &mdash; Acknowledge this alert from the operator console or guardctl.
    </p>
  </td></tr>
</table>
</td></tr>
</table>
</body>
</html>`,
		html.EscapeString(d.RuleName),
		html.EscapeString(d.Severity),
		html.EscapeString(d.ScopeValue),
		d.EventCount,
		d.RaisedAt.UTC().Format(time.RFC3339),
		html.EscapeString(d.AlertID),
		html.EscapeString(d.AppName),
	)
}

// AlertEmailText returns the plain-text body for a security alert email.
func AlertEmailText(d AlertDetails) string {
	return fmt.Sprintf(`Security alert: %s

Severity:  %s
Scope:     %s
Events:    %d
Raised at: %s
Alert ID:  %s

Acknowledge this alert from the operator console or guardctl.

- %s`, d.RuleName, d.Severity, d.ScopeValue, d.EventCount, d.RaisedAt.UTC().Format(time.RFC3339), d.AlertID, d.AppName)
}
