package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deskmate/deskmate/internal/config"
	"github.com/deskmate/deskmate/internal/email"
	"github.com/deskmate/deskmate/internal/inbox"
	"github.com/deskmate/deskmate/internal/kb"
	"github.com/deskmate/deskmate/internal/llm"
	"github.com/deskmate/deskmate/internal/reply"
	"github.com/deskmate/deskmate/internal/store"
	"github.com/deskmate/deskmate/internal/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMailbox struct {
	unseen    []uint32
	all       []uint32
	messages  map[uint32]string
	fetched   []uint32
	loggedOut bool
}

func (m *fakeMailbox) Select(context.Context, string) error { return nil }

func (m *fakeMailbox) Search(_ context.Context, c inbox.Criterion) ([]uint32, error) {
	switch c {
	case inbox.CriterionUnseen:
		return m.unseen, nil
	case inbox.CriterionAll:
		return m.all, nil
	}
	return nil, nil
}

func (m *fakeMailbox) Fetch(_ context.Context, id uint32) ([]byte, error) {
	m.fetched = append(m.fetched, id)
	raw, ok := m.messages[id]
	if !ok {
		return nil, fmt.Errorf("no message %d", id)
	}
	return []byte(strings.ReplaceAll(raw, "\n", "\r\n")), nil
}

func (m *fakeMailbox) Logout() error {
	m.loggedOut = true
	return nil
}

func rawEmail(messageID, subject, body string) string {
	var b strings.Builder
	b.WriteString("From: Customer <customer@example.com>\n")
	b.WriteString("Subject: " + subject + "\n")
	b.WriteString("Date: Fri, 01 Mar 2024 10:00:00 +0000\n")
	if messageID != "" {
		b.WriteString("Message-Id: " + messageID + "\n")
	}
	b.WriteString("Content-Type: text/plain; charset=utf-8\n\n")
	b.WriteString(body + "\n")
	return b.String()
}

func inboxConfig() config.InboxConfig {
	return config.InboxConfig{
		Server:   "imap.example.com",
		Port:     993,
		Email:    "desk@example.com",
		Password: "secret",
		Folder:   "INBOX",
		Keywords: []string{"support", "query", "request", "help"},
	}
}

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewStore(filepath.Join(t.TempDir(), "assistant.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newIngester(t *testing.T, st *store.Store, mb *fakeMailbox, cfg config.InboxConfig) *Ingester {
	t.Helper()
	dial := func(context.Context, config.InboxConfig) (inbox.Mailbox, error) { return mb, nil }
	return NewIngester(cfg, dial, st, inbox.NewSentimentClassifier(llm.Disabled{}, time.Second, nil), nil)
}

func TestIngestRequiresCredentials(t *testing.T) {
	st := setupStore(t)
	cfg := inboxConfig()
	cfg.Password = ""

	dialed := false
	dial := func(context.Context, config.InboxConfig) (inbox.Mailbox, error) {
		dialed = true
		return nil, errors.New("should not dial")
	}
	ing := NewIngester(cfg, dial, st, inbox.NewSentimentClassifier(nil, time.Second, nil), nil)

	_, err := ing.Ingest(context.Background(), 10)
	assert.ErrorIs(t, err, config.ErrMissingCredentials)
	assert.EqualError(t, err, "IMAP_USER or IMAP_PASS not set: IMAP_PASS")
	assert.False(t, dialed)
}

func TestIngestDialFailure(t *testing.T) {
	st := setupStore(t)
	dial := func(context.Context, config.InboxConfig) (inbox.Mailbox, error) {
		return nil, errors.New("connection refused")
	}
	ing := NewIngester(inboxConfig(), dial, st, inbox.NewSentimentClassifier(nil, time.Second, nil), nil)

	_, err := ing.Ingest(context.Background(), 10)
	assert.ErrorContains(t, err, "connection refused")
}

func TestIngestClassifiesFiltersAndSkips(t *testing.T) {
	st := setupStore(t)
	mb := &fakeMailbox{
		unseen: []uint32{1, 2, 3, 4},
		messages: map[uint32]string{
			1: rawEmail("<a@x>", "Support: production is down", "Our site is down, call +1 555 010 9999 asap"),
			2: rawEmail("<b@x>", "Lunch on Friday", "pizza?"),
			// 3 fails to fetch
			4: rawEmail("", "Quick query", "Thanks, everything is great"),
		},
	}
	ing := newIngester(t, st, mb, inboxConfig())

	res, err := ing.Ingest(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, IngestResult{Ingested: 2}, res)
	assert.Equal(t, []uint32{1, 2, 3, 4}, mb.fetched)
	assert.True(t, mb.loggedOut)

	emails, err := st.ListEmails(context.Background(), store.ListOptions{OrderByPriority: true})
	require.NoError(t, err)
	require.Len(t, emails, 2)

	urgent := emails[0]
	assert.Equal(t, "Support: production is down", urgent.Subject)
	assert.Equal(t, "<a@x>", urgent.MessageID)
	assert.Equal(t, "customer@example.com", urgent.Sender)
	assert.Equal(t, "2024-03-01 10:00:00", urgent.ReceivedAt)
	assert.Equal(t, "Negative", urgent.Sentiment)
	assert.Equal(t, "Urgent", urgent.Priority)
	assert.Equal(t, "+1 555 010 9999", urgent.Phone)
	assert.Equal(t, store.StatusPending, urgent.Status)

	routine := emails[1]
	assert.Equal(t, "Quick query", routine.Subject)
	assert.Equal(t, "Positive", routine.Sentiment)
	assert.Equal(t, "Not urgent", routine.Priority)
	assert.Equal(t, "", routine.MessageID)
}

func TestIngestLockedOutCustomer(t *testing.T) {
	st := setupStore(t)
	mb := &fakeMailbox{
		unseen: []uint32{7},
		messages: map[uint32]string{
			7: rawEmail("<locked@x>", "Support Request: cannot access account — URGENT",
				"Hello,\nI cannot access my account since this morning.\nPlease call me back on +1 415-555-0100."),
		},
	}
	ing := newIngester(t, st, mb, inboxConfig())

	res, err := ing.Ingest(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, IngestResult{Ingested: 1}, res)

	emails, err := st.ListEmails(context.Background(), store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, emails, 1)

	got := emails[0]
	assert.Equal(t, "Support Request: cannot access account — URGENT", got.Subject)
	assert.Equal(t, "Urgent", got.Priority)
	assert.Equal(t, "Negative", got.Sentiment)
	assert.Equal(t, "+1 415-555-0100", got.Phone)
	assert.Empty(t, got.AltEmail)
	assert.Equal(t, store.StatusPending, got.Status)
}

func TestIngestLimitTakesNewestOldestFirst(t *testing.T) {
	st := setupStore(t)
	mb := &fakeMailbox{
		all: []uint32{1, 2, 3, 4, 5},
		messages: map[uint32]string{
			1: rawEmail("<1@x>", "help 1", "a"),
			2: rawEmail("<2@x>", "help 2", "b"),
			3: rawEmail("<3@x>", "help 3", "c"),
			4: rawEmail("<4@x>", "help 4", "d"),
			5: rawEmail("<5@x>", "help 5", "e"),
		},
	}
	ing := newIngester(t, st, mb, inboxConfig())

	res, err := ing.Ingest(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Ingested)
	assert.Equal(t, []uint32{3, 4, 5}, mb.fetched)
}

func TestIngestTwiceDoesNotDuplicateOrResetStatus(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	mb := &fakeMailbox{
		unseen:   []uint32{1},
		messages: map[uint32]string{1: rawEmail("<same@x>", "Help please", "first version")},
	}
	ing := newIngester(t, st, mb, inboxConfig())

	_, err := ing.Ingest(ctx, 10)
	require.NoError(t, err)
	emails, err := st.ListEmails(ctx, store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, emails, 1)
	_, err = st.RecordSent(ctx, emails[0].ID, "done", time.Now())
	require.NoError(t, err)

	mb.messages[1] = rawEmail("<same@x>", "Help please", "second version")
	res, err := ing.Ingest(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Ingested)

	emails, err = st.ListEmails(ctx, store.ListOptions{})
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Contains(t, emails[0].Body, "second version")
	assert.Equal(t, store.StatusResponded, emails[0].Status)
}

func TestIngestEmptyMailbox(t *testing.T) {
	st := setupStore(t)
	ing := newIngester(t, st, &fakeMailbox{}, inboxConfig())

	res, err := ing.Ingest(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Ingested)
}

type fakeSender struct {
	fail bool
	sent []email.Message
}

func (s *fakeSender) Name() string { return "fake" }

func (s *fakeSender) Send(_ context.Context, msg email.Message) email.Result {
	if s.fail {
		return email.Result{Error: errors.New("mailbox full")}
	}
	s.sent = append(s.sent, msg)
	return email.Result{Success: true, MessageID: "<out@desk>"}
}

func newDesk(t *testing.T, st *store.Store, model llm.Completer, sender email.Sender) *Desk {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "faq.md"), []byte("Reset your password from settings."), 0644))
	gen := reply.NewGenerator(model, kb.NewRetriever(dir, nil), template.MustEngine(), time.Second, nil)
	return NewDesk(st, gen, sender, nil)
}

func storeEmail(t *testing.T, st *store.Store, e store.Email) int64 {
	t.Helper()
	_, err := st.UpsertEmail(context.Background(), &e)
	require.NoError(t, err)
	return e.ID
}

func TestDraft(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	id := storeEmail(t, st, store.Email{Sender: "c@x.com", Subject: "Help", Body: "cannot reset password", ReceivedAt: "2024-03-01 10:00:00"})
	desk := newDesk(t, st, llm.Disabled{}, nil)

	res, err := desk.Draft(ctx, id)
	require.NoError(t, err)
	assert.NotZero(t, res.ResponseID)
	// Missing sentiment is treated as Neutral
	assert.Contains(t, res.Draft, "Thanks for reaching out.")

	got, err := st.GetEmail(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
}

func TestDraftNotFound(t *testing.T) {
	st := setupStore(t)
	desk := newDesk(t, st, llm.Disabled{}, nil)

	_, err := desk.Draft(context.Background(), 404)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSendRecordsAndDelivers(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	id := storeEmail(t, st, store.Email{MessageID: "<orig@x>", Sender: "c@x.com", Subject: "Help", ReceivedAt: "2024-03-01 10:00:00"})
	sender := &fakeSender{}
	desk := newDesk(t, st, llm.Disabled{}, sender)
	desk.now = func() time.Time { return time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC) }

	res, err := desk.Send(ctx, id, "All fixed.")
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.Equal(t, "<out@desk>", res.MessageID)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, email.Message{To: "c@x.com", Subject: "Re: Help", Body: "All fixed.", InReplyTo: "<orig@x>"}, sender.sent[0])

	responses, err := st.GetResponses(ctx, id)
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, "All fixed.", responses[0].Final)
	assert.Equal(t, "2024-03-01T11:00:00", responses[0].SentAt)

	got, err := st.GetEmail(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusResponded, got.Status)
}

func TestSendWithoutSenderOnlyRecords(t *testing.T) {
	st := setupStore(t)
	id := storeEmail(t, st, store.Email{Sender: "c@x.com", Subject: "Help", ReceivedAt: "2024-03-01 10:00:00"})
	desk := newDesk(t, st, llm.Disabled{}, nil)

	res, err := desk.Send(context.Background(), id, "ok")
	require.NoError(t, err)
	assert.True(t, res.Sent)
	assert.Empty(t, res.MessageID)
}

func TestSendErrors(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()
	id := storeEmail(t, st, store.Email{Sender: "c@x.com", Subject: "Help", ReceivedAt: "2024-03-01 10:00:00"})

	t.Run("empty text", func(t *testing.T) {
		_, err := newDesk(t, st, llm.Disabled{}, nil).Send(ctx, id, "   ")
		assert.ErrorIs(t, err, ErrEmptyReply)
	})

	t.Run("unknown email", func(t *testing.T) {
		_, err := newDesk(t, st, llm.Disabled{}, nil).Send(ctx, 999, "hi")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("delivery failure records nothing", func(t *testing.T) {
		_, err := newDesk(t, st, llm.Disabled{}, &fakeSender{fail: true}).Send(ctx, id, "hi")
		assert.ErrorIs(t, err, ErrDelivery)

		got, err := st.GetEmail(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusPending, got.Status)
		responses, err := st.GetResponses(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, responses)
	})
}
