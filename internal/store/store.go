package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when an email id does not exist.
var ErrNotFound = errors.New("email not found")

// Timestamp layouts as stored in the database.
const (
	ReceivedLayout = "2006-01-02 15:04:05"
	SentLayout     = "2006-01-02T15:04:05"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusResponded Status = "responded"
)

// Email is one ingested support message. Optional columns read back as "".
type Email struct {
	ID             int64  `json:"id"`
	MessageID      string `json:"message_id"`
	Sender         string `json:"sender"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	ReceivedAt     string `json:"received_at"`
	Sentiment      string `json:"sentiment"`
	Priority       string `json:"priority"`
	Phone          string `json:"phone"`
	AltEmail       string `json:"alt_email"`
	RequestSummary string `json:"request_summary"`
	Status         Status `json:"status"`
}

// Response is a drafted or sent reply to an Email.
type Response struct {
	ID      int64  `json:"id"`
	EmailID int64  `json:"email_id"`
	Draft   string `json:"draft"`
	Final   string `json:"final"`
	SentAt  string `json:"sent_at"`
}

// Analytics summarises the emails table.
type Analytics struct {
	Total     int            `json:"total"`
	Last24h   int            `json:"last_24h"`
	Resolved  int            `json:"resolved"`
	Pending   int            `json:"pending"`
	Sentiment map[string]int `json:"sentiment"`
	Priority  map[string]int `json:"priority"`
}

// ListOptions controls ListEmails.
type ListOptions struct {
	OrderByPriority bool // Urgent first, then newest first
	OnlySupport     bool // subject mentions support, query, request or help
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

const emailColumns = `id, message_id, sender, subject, body, received_at, sentiment, priority,
	phone, alt_email, request_summary, status`

// scanEmail handles nullable columns when scanning a row
func scanEmail(scanner interface{ Scan(...any) error }) (*Email, error) {
	var e Email
	var messageID, sender, subject, body, receivedAt sql.NullString
	var sentiment, priority, phone, altEmail, summary, status sql.NullString

	err := scanner.Scan(&e.ID, &messageID, &sender, &subject, &body, &receivedAt,
		&sentiment, &priority, &phone, &altEmail, &summary, &status)
	if err != nil {
		return nil, err
	}

	e.MessageID = messageID.String
	e.Sender = sender.String
	e.Subject = subject.String
	e.Body = body.String
	e.ReceivedAt = receivedAt.String
	e.Sentiment = sentiment.String
	e.Priority = priority.String
	e.Phone = phone.String
	e.AltEmail = altEmail.String
	e.RequestSummary = summary.String
	e.Status = Status(status.String)
	return &e, nil
}

// nullable stores "" as NULL.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// NewStore opens (creating if needed) the database at dbPath and ensures the schema.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.Init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// SetClock replaces the time source used by Analytics.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Init creates the tables if they are missing. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL: %w", err)
	}

	query := `
	CREATE TABLE IF NOT EXISTS emails (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT,
		sender TEXT,
		subject TEXT,
		body TEXT,
		received_at TEXT,
		sentiment TEXT,
		priority TEXT,
		phone TEXT,
		alt_email TEXT,
		request_summary TEXT,
		status TEXT DEFAULT 'pending'
	);

	CREATE INDEX IF NOT EXISTS idx_emails_message_id ON emails(message_id);

	CREATE TABLE IF NOT EXISTS responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email_id INTEGER,
		draft TEXT,
		final TEXT,
		sent_at TEXT,
		FOREIGN KEY (email_id) REFERENCES emails(id)
	);

	CREATE INDEX IF NOT EXISTS idx_responses_email_id ON responses(email_id);
	`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// UpsertEmail inserts e, or updates the row with the same non-empty
// MessageID. Updates never touch status. e.ID is set either way.
func (s *Store) UpsertEmail(ctx context.Context, e *Email) (created bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int64
	if e.MessageID != "" {
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM emails WHERE message_id = ? ORDER BY id LIMIT 1`, e.MessageID).Scan(&existing)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("failed to look up message id: %w", err)
		}
	}

	if existing != 0 {
		_, err = tx.ExecContext(ctx, `
		UPDATE emails SET sender = ?, subject = ?, body = ?, received_at = ?, sentiment = ?,
			priority = ?, phone = ?, alt_email = ?, request_summary = ?
		WHERE id = ?`,
			e.Sender, e.Subject, e.Body, e.ReceivedAt, nullable(e.Sentiment),
			nullable(e.Priority), nullable(e.Phone), nullable(e.AltEmail), nullable(e.RequestSummary),
			existing,
		)
		if err != nil {
			return false, fmt.Errorf("failed to update email: %w", err)
		}
		e.ID = existing
	} else {
		if e.Status == "" {
			e.Status = StatusPending
		}
		result, err := tx.ExecContext(ctx, `
		INSERT INTO emails (message_id, sender, subject, body, received_at, sentiment, priority,
			phone, alt_email, request_summary, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			nullable(e.MessageID), e.Sender, e.Subject, e.Body, e.ReceivedAt, nullable(e.Sentiment),
			nullable(e.Priority), nullable(e.Phone), nullable(e.AltEmail), nullable(e.RequestSummary),
			e.Status,
		)
		if err != nil {
			return false, fmt.Errorf("failed to insert email: %w", err)
		}
		if e.ID, err = result.LastInsertId(); err != nil {
			return false, fmt.Errorf("failed to get last insert id: %w", err)
		}
		created = true
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit email: %w", err)
	}
	return created, nil
}

// GetEmail returns ErrNotFound for an unknown id.
func (s *Store) GetEmail(ctx context.Context, id int64) (*Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails WHERE id = ?`

	email, err := scanEmail(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query email: %w", err)
	}
	return email, nil
}

// supportFilter relies on LIKE being ASCII case-insensitive in SQLite.
var supportFilter = []string{"%Support%", "%Query%", "%Request%", "%Help%"}

func (s *Store) ListEmails(ctx context.Context, opts ListOptions) ([]Email, error) {
	var query strings.Builder
	query.WriteString(`SELECT ` + emailColumns + ` FROM emails`)

	var args []any
	if opts.OnlySupport {
		clauses := make([]string, len(supportFilter))
		for i, pattern := range supportFilter {
			clauses[i] = "subject LIKE ?"
			args = append(args, pattern)
		}
		query.WriteString(" WHERE " + strings.Join(clauses, " OR "))
	}
	if opts.OrderByPriority {
		query.WriteString(` ORDER BY CASE priority WHEN 'Urgent' THEN 0 ELSE 1 END, datetime(received_at) DESC, id DESC`)
	} else {
		query.WriteString(` ORDER BY datetime(received_at) DESC, id DESC`)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails: %w", err)
	}
	defer rows.Close()

	emails := []Email{}
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}
		emails = append(emails, *email)
	}
	return emails, rows.Err()
}

// AddDraft stores a drafted reply without changing the email's status.
func (s *Store) AddDraft(ctx context.Context, emailID int64, draft string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO responses (email_id, draft) VALUES (?, ?)`, emailID, draft)
	if err != nil {
		return 0, fmt.Errorf("failed to insert response: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return id, nil
}

// RecordSent stores the final reply and marks the email responded in one
// transaction. Returns ErrNotFound when the email does not exist.
func (s *Store) RecordSent(ctx context.Context, emailID int64, final string, sentAt time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `UPDATE emails SET status = ? WHERE id = ?`, StatusResponded, emailID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark email responded: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}

	result, err = tx.ExecContext(ctx,
		`INSERT INTO responses (email_id, draft, final, sent_at) VALUES (?, ?, ?, ?)`,
		emailID, final, final, sentAt.UTC().Format(SentLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to insert response: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit response: %w", err)
	}
	return id, nil
}

// GetResponses returns the replies for an email, oldest first.
func (s *Store) GetResponses(ctx context.Context, emailID int64) ([]Response, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email_id, draft, final, sent_at FROM responses WHERE email_id = ? ORDER BY id`, emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to query responses: %w", err)
	}
	defer rows.Close()

	responses := []Response{}
	for rows.Next() {
		var r Response
		var draft, final, sentAt sql.NullString
		if err := rows.Scan(&r.ID, &r.EmailID, &draft, &final, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan response: %w", err)
		}
		r.Draft = draft.String
		r.Final = final.String
		r.SentAt = sentAt.String
		responses = append(responses, r)
	}
	return responses, rows.Err()
}

func (s *Store) Analytics(ctx context.Context) (*Analytics, error) {
	a := &Analytics{
		Sentiment: make(map[string]int),
		Priority:  make(map[string]int),
	}
	since := s.now().UTC().Add(-24 * time.Hour).Format(ReceivedLayout)

	query := `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN datetime(received_at) >= datetime(?) THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = 'responded' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status != 'responded' THEN 1 ELSE 0 END), 0)
		FROM emails`
	err := s.db.QueryRowContext(ctx, query, since).Scan(&a.Total, &a.Last24h, &a.Resolved, &a.Pending)
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}

	if err := s.countBy(ctx, "sentiment", a.Sentiment); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "priority", a.Priority); err != nil {
		return nil, err
	}
	return a, nil
}

// countBy fills counts with non-empty values of column.
func (s *Store) countBy(ctx context.Context, column string, counts map[string]int) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+column+`, COUNT(*) FROM emails WHERE `+column+` IS NOT NULL AND `+column+` != '' GROUP BY `+column)
	if err != nil {
		return fmt.Errorf("failed to count by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan %s count: %w", column, err)
		}
		counts[key] = n
	}
	return rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }
