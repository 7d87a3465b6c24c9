package email

import "context"

// Sender delivers e-mail. Alert notifications go through it so the provider
// (Gmail today) can be swapped without touching the monitoring code.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Message represents an email message to be sent.
type Message struct {
	To       string // recipient email address
	Subject  string // email subject
	HTMLBody string // HTML email body
	TextBody string // plain-text fallback body
}

// NewSenderFromConfig builds the configured sender. It returns nil when e-mail is disabled.
func NewSenderFromConfig(ctx context.Context, provider string, cfg GmailConfig, clientID, clientSecret, refreshToken string) (Sender, error) {
	switch provider {
	case "":
		return nil, nil
	case "gmail":
		if cfg.CredentialsJSON != "" {
			return NewGmailSender(ctx, cfg)
		}
		return NewGmailSenderWithToken(ctx, clientID, clientSecret, refreshToken, cfg.SenderAddress, cfg.SenderName)
	default:
		return nil, errUnknownProvider(provider)
	}
}

type errUnknownProvider string

func (e errUnknownProvider) Error() string {
	return "email: unknown provider " + string(e)
}
