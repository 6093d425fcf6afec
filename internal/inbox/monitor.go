package inbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/deskmate/deskmate/internal/config"
)

// Criterion selects a subset of the mailbox.
type Criterion string

const (
	CriterionUnseen Criterion = "UNSEEN"
	CriterionRecent Criterion = "RECENT"
	CriterionAll    Criterion = "ALL"
)

// searchOrder is tried in turn until one criterion matches something.
var searchOrder = []Criterion{CriterionUnseen, CriterionRecent, CriterionAll}

// Mailbox is the slice of an IMAP session the ingester needs.
// Identifiers are message sequence numbers in ascending order.
type Mailbox interface {
	Select(ctx context.Context, folder string) error
	Search(ctx context.Context, c Criterion) ([]uint32, error)
	Fetch(ctx context.Context, id uint32) ([]byte, error)
	Logout() error
}

// Dialer opens a logged-in Mailbox.
type Dialer func(ctx context.Context, cfg config.InboxConfig) (Mailbox, error)

// IMAPMailbox is a Mailbox backed by a go-imap client
type IMAPMailbox struct {
	client *client.Client
	logger *slog.Logger
}

// DialIMAP connects over TLS and logs in.
func DialIMAP(ctx context.Context, cfg config.InboxConfig, logger *slog.Logger) (*IMAPMailbox, error) {
	if logger == nil {
		logger = config.DiscardLogger()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := cfg.Addr()

	logger.Info("connecting to IMAP server", "addr", addr)

	c, err := client.DialWithDialerTLS(&net.Dialer{Timeout: cfg.Timeout}, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	c.Timeout = cfg.Timeout

	logger.Debug("connected, logging in", "user", cfg.Email)

	if err := c.Login(cfg.Email, cfg.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to login: %w", err)
	}

	return &IMAPMailbox{client: c, logger: logger}, nil
}

// IMAPDialer adapts DialIMAP to the Dialer signature.
func IMAPDialer(logger *slog.Logger) Dialer {
	return func(ctx context.Context, cfg config.InboxConfig) (Mailbox, error) {
		return DialIMAP(ctx, cfg, logger)
	}
}

func (m *IMAPMailbox) Select(ctx context.Context, folder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mbox, err := m.client.Select(folder, false)
	if err != nil {
		return fmt.Errorf("failed to select mailbox %s: %w", folder, err)
	}
	m.logger.Debug("mailbox selected", "folder", folder, "messages", mbox.Messages)
	return nil
}

func (m *IMAPMailbox) Search(ctx context.Context, c Criterion) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	criteria := imap.NewSearchCriteria()
	switch c {
	case CriterionUnseen:
		criteria.WithoutFlags = []string{imap.SeenFlag}
	case CriterionRecent:
		criteria.WithFlags = []string{imap.RecentFlag}
	case CriterionAll:
	default:
		return nil, fmt.Errorf("unknown search criterion %q", c)
	}

	ids, err := m.client.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search %s: %w", c, err)
	}
	return ids, nil
}

// Fetch returns the full raw message. Fetching marks it seen on the server.
func (m *IMAPMailbox) Fetch(ctx context.Context, id uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(id)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- m.client.Fetch(seqSet, items, messages)
	}()

	var raw []byte
	var readErr error
	for msg := range messages {
		r := msg.GetBody(section)
		if r == nil {
			continue
		}
		raw, readErr = io.ReadAll(r)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch message %d: %w", id, err)
	}
	if readErr != nil {
		return nil, fmt.Errorf("failed to read message %d: %w", id, readErr)
	}
	if raw == nil {
		return nil, fmt.Errorf("message %d has no body", id)
	}
	return raw, nil
}

func (m *IMAPMailbox) Logout() error {
	return m.client.Logout()
}

// SelectBatch runs the search fallback chain and returns at most limit
// identifiers from the end of the first non-empty result, oldest first.
// A failed search counts as an empty result.
func SelectBatch(ctx context.Context, mb Mailbox, limit int, logger *slog.Logger) ([]uint32, Criterion) {
	if logger == nil {
		logger = config.DiscardLogger()
	}
	for _, c := range searchOrder {
		ids, err := mb.Search(ctx, c)
		if err != nil {
			logger.Warn("mailbox search failed", "criterion", c, "error", err)
			continue
		}
		if len(ids) == 0 {
			continue
		}
		logger.Info("mailbox search", "criterion", c, "matched", len(ids))
		return lastN(ids, limit), c
	}
	return nil, ""
}

// lastN keeps the final n ids in ascending order.
func lastN(ids []uint32, n int) []uint32 {
	if n <= 0 {
		return nil
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	if len(sorted) > n {
		sorted = sorted[len(sorted)-n:]
	}
	return sorted
}
