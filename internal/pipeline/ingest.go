package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/deskmate/deskmate/internal/config"
	"github.com/deskmate/deskmate/internal/inbox"
	"github.com/deskmate/deskmate/internal/store"
)

// DefaultLimit is used when a caller passes a non-positive limit.
const DefaultLimit = 50

// IngestResult is the outcome of one ingestion run.
type IngestResult struct {
	Ingested int `json:"ingested"`
}

// Ingester pulls support emails from the mailbox, classifies them and
// upserts them into the store.
type Ingester struct {
	cfg       config.InboxConfig
	dial      inbox.Dialer
	store     *store.Store
	sentiment *inbox.SentimentClassifier
	logger    *slog.Logger
	now       func() time.Time
}

func NewIngester(cfg config.InboxConfig, dial inbox.Dialer, st *store.Store, sentiment *inbox.SentimentClassifier, logger *slog.Logger) *Ingester {
	if logger == nil {
		logger = config.DiscardLogger()
	}
	return &Ingester{
		cfg:       cfg,
		dial:      dial,
		store:     st,
		sentiment: sentiment,
		logger:    logger,
		now:       time.Now,
	}
}

// Ingest processes at most limit messages. Missing credentials fail before
// any network traffic. Messages that cannot be fetched or parsed are skipped.
func (i *Ingester) Ingest(ctx context.Context, limit int) (IngestResult, error) {
	var result IngestResult
	if err := i.cfg.CheckCredentials(); err != nil {
		return result, err
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	mb, err := i.dial(ctx, i.cfg)
	if err != nil {
		return result, err
	}
	defer func() {
		if err := mb.Logout(); err != nil {
			i.logger.Debug("logout failed", "error", err)
		}
	}()

	if err := mb.Select(ctx, i.cfg.Folder); err != nil {
		return result, err
	}

	ids, criterion := inbox.SelectBatch(ctx, mb, limit, i.logger)
	var skipped, filtered int

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		raw, err := mb.Fetch(ctx, id)
		if err != nil {
			i.logger.Debug("skipping message", "id", id, "error", err)
			skipped++
			continue
		}
		msg, err := inbox.ParseMessage(raw, i.now)
		if err != nil {
			i.logger.Debug("skipping unparseable message", "id", id, "error", err)
			skipped++
			continue
		}
		if !inbox.IsSupportSubject(msg.Subject, i.cfg.Keywords) {
			filtered++
			continue
		}

		rec := i.classify(ctx, msg)
		if _, err := i.store.UpsertEmail(ctx, rec); err != nil {
			return result, fmt.Errorf("failed to store message %d: %w", id, err)
		}
		result.Ingested++
	}

	i.logger.Info("ingestion finished",
		"criterion", criterion,
		"candidates", len(ids),
		"ingested", result.Ingested,
		"filtered", filtered,
		"skipped", skipped,
	)
	return result, nil
}

func (i *Ingester) classify(ctx context.Context, msg *inbox.Message) *store.Email {
	info := inbox.ExtractInfo(msg.Body)
	return &store.Email{
		MessageID:      msg.MessageID,
		Sender:         msg.From,
		Subject:        msg.Subject,
		Body:           msg.Body,
		ReceivedAt:     msg.ReceivedAt.Format(store.ReceivedLayout),
		Sentiment:      string(i.sentiment.Classify(ctx, msg.Body)),
		Priority:       string(inbox.ClassifyPriority(msg.Subject + " " + msg.Body)),
		Phone:          info.Phone,
		AltEmail:       info.AltEmail,
		RequestSummary: info.Summary,
	}
}
