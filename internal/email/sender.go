package email

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/deskmate/deskmate/internal/config"
)

// Message is an outbound reply. InReplyTo threads it under the customer's email.
type Message struct {
	To        string
	From      string
	Subject   string
	Body      string
	InReplyTo string
}

type Result struct {
	Success   bool
	MessageID string
	Error     error
}

type Sender interface {
	Send(ctx context.Context, msg Message) Result
	Name() string
}

// NewSender returns nil when delivery is disabled.
func NewSender(cfg config.OutboundConfig) (Sender, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "smtp":
		return NewSMTPSender(cfg.SMTP, cfg.From), nil
	case "resend":
		return NewResendSender(cfg.ResendAPIKey, cfg.From), nil
	case "sendgrid":
		return NewSendGridSender(cfg.SendGridAPIKey, cfg.From), nil
	}
	return nil, fmt.Errorf("unknown email provider: %s", cfg.Provider)
}

// ReplySubject prefixes "Re: " unless the subject already carries it.
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

// ValidateEmail checks for injection characters and RFC 5322 compliance
func ValidateEmail(email string) error {
	if strings.ContainsAny(email, "\r\n,;") {
		return fmt.Errorf("email contains invalid characters")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid email format: %w", err)
	}
	return nil
}

func validateMessage(msg Message) error {
	if err := ValidateEmail(msg.From); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if err := ValidateEmail(msg.To); err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}
	// Reject headers with CRLF to prevent injection
	if strings.ContainsAny(msg.Subject, "\r\n") || strings.ContainsAny(msg.InReplyTo, "\r\n") {
		return fmt.Errorf("header contains invalid characters")
	}
	return nil
}

// newMessageID builds a Message-ID under the sender's domain.
func newMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// threadHeaders returns In-Reply-To and References for a reply, if any.
func threadHeaders(msg Message) map[string]string {
	if msg.InReplyTo == "" {
		return nil
	}
	return map[string]string{
		"In-Reply-To": msg.InReplyTo,
		"References":  msg.InReplyTo,
	}
}
