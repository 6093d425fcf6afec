package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/deskmate/deskmate/internal/config"
	"github.com/deskmate/deskmate/internal/email"
	"github.com/deskmate/deskmate/internal/inbox"
	"github.com/deskmate/deskmate/internal/reply"
	"github.com/deskmate/deskmate/internal/store"
)

var (
	// ErrEmptyReply is returned by Send when there is no text to send.
	ErrEmptyReply = errors.New("final or draft text is required")
	// ErrDelivery wraps an outbound provider failure.
	ErrDelivery = errors.New("failed to deliver reply")
)

// DraftResult is a stored draft.
type DraftResult struct {
	ResponseID int64  `json:"response_id"`
	Draft      string `json:"draft"`
}

// SendResult is a recorded send.
type SendResult struct {
	Sent       bool   `json:"sent"`
	ResponseID int64  `json:"response_id"`
	MessageID  string `json:"message_id,omitempty"`
}

// Desk drafts and records replies for stored emails.
type Desk struct {
	store     *store.Store
	generator *reply.Generator
	sender    email.Sender
	logger    *slog.Logger
	now       func() time.Time
}

// NewDesk builds a Desk. sender may be nil, in which case sending only
// records the reply.
func NewDesk(st *store.Store, generator *reply.Generator, sender email.Sender, logger *slog.Logger) *Desk {
	if logger == nil {
		logger = config.DiscardLogger()
	}
	return &Desk{
		store:     st,
		generator: generator,
		sender:    sender,
		logger:    logger,
		now:       time.Now,
	}
}

// Draft generates and stores a reply for emailID without changing its status.
func (d *Desk) Draft(ctx context.Context, emailID int64) (DraftResult, error) {
	e, err := d.store.GetEmail(ctx, emailID)
	if err != nil {
		return DraftResult{}, err
	}

	sentiment := e.Sentiment
	if sentiment == "" {
		sentiment = string(inbox.SentimentNeutral)
	}
	priority := e.Priority
	if priority == "" {
		priority = string(inbox.PriorityNotUrgent)
	}

	draft, err := d.generator.Generate(ctx, reply.Input{
		Sender:    e.Sender,
		Subject:   e.Subject,
		Body:      e.Body,
		Sentiment: sentiment,
		Priority:  priority,
	})
	if err != nil {
		return DraftResult{}, err
	}

	id, err := d.store.AddDraft(ctx, emailID, draft)
	if err != nil {
		return DraftResult{}, err
	}
	d.logger.Info("draft stored", "email_id", emailID, "response_id", id)
	return DraftResult{ResponseID: id, Draft: draft}, nil
}

// Send records text as the final reply and marks the email responded. With
// a sender configured the reply is delivered first and nothing is recorded
// if delivery fails.
func (d *Desk) Send(ctx context.Context, emailID int64, text string) (SendResult, error) {
	if strings.TrimSpace(text) == "" {
		return SendResult{}, ErrEmptyReply
	}
	e, err := d.store.GetEmail(ctx, emailID)
	if err != nil {
		return SendResult{}, err
	}

	var messageID string
	if d.sender != nil {
		res := d.sender.Send(ctx, email.Message{
			To:        e.Sender,
			Subject:   email.ReplySubject(e.Subject),
			Body:      text,
			InReplyTo: e.MessageID,
		})
		if !res.Success {
			return SendResult{}, fmt.Errorf("%w via %s: %v", ErrDelivery, d.sender.Name(), res.Error)
		}
		messageID = res.MessageID
	}

	id, err := d.store.RecordSent(ctx, emailID, text, d.now())
	if err != nil {
		return SendResult{}, err
	}
	d.logger.Info("reply sent", "email_id", emailID, "response_id", id, "delivered", d.sender != nil)
	return SendResult{Sent: true, ResponseID: id, MessageID: messageID}, nil
}
