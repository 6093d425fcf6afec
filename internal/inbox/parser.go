package inbox

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Message is a decoded support email as read off the wire.
type Message struct {
	MessageID  string // raw Message-Id header, may be empty
	From       string
	Subject    string
	Body       string
	ReceivedAt time.Time // UTC, second precision
}

// ParseMessage decodes a raw RFC 5322 message. Header words in any charset
// known to go-message are decoded; undecodable body bytes are dropped.
// now supplies the received time when the Date header is missing or invalid.
func ParseMessage(raw []byte, now func() time.Time) (*Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if mr == nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	msg := &Message{
		MessageID: strings.TrimSpace(h.Get("Message-Id")),
	}

	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}
	msg.Subject = strings.TrimSpace(strings.ToValidUTF8(msg.Subject, ""))

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	} else {
		msg.From = strings.TrimSpace(h.Get("From"))
	}

	if date, err := h.Date(); err == nil && !date.IsZero() {
		msg.ReceivedAt = date.UTC().Truncate(time.Second)
	} else {
		msg.ReceivedAt = now().UTC().Truncate(time.Second)
	}

	mediaType, _, _ := h.ContentType()
	single := !strings.HasPrefix(mediaType, "multipart/")
	msg.Body = strings.ToValidUTF8(readBody(mr, single), "")
	return msg, nil
}

// readBody concatenates the inline text/plain parts. When there are none it
// falls back to the first HTML part rendered as text, then to the first part
// of any type. A single-part message always yields its decoded payload, even
// when go-message reports it as an attachment.
func readBody(mr *mail.Reader, single bool) string {
	var plain strings.Builder
	var html, other string
	var sawPlain, sawOther bool

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && p == nil {
			break
		}

		var ct string
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			ct, _, _ = h.ContentType()
		case *mail.AttachmentHeader:
			// Attachments of a multipart message never contribute to the body
			if !single {
				continue
			}
			ct, _, _ = h.ContentType()
		default:
			continue
		}
		data, _ := io.ReadAll(p.Body)

		switch {
		case ct == "" || ct == "text/plain":
			plain.Write(data)
			sawPlain = true
		case ct == "text/html" && html == "":
			html = string(data)
		case !sawOther:
			other = string(data)
			sawOther = true
		}
	}

	switch {
	case sawPlain:
		return plain.String()
	case html != "":
		return htmlToText(html)
	default:
		return other
	}
}

// htmlToText renders the visible text of an HTML document.
func htmlToText(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	doc.Find("script, style, head").Remove()

	var lines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// IsSupportSubject reports whether subject contains any of the keywords,
// compared case-insensitively.
func IsSupportSubject(subject string, keywords []string) bool {
	lower := strings.ToLower(subject)
	for _, k := range keywords {
		if k != "" && strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}
