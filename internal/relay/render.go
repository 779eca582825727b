package relay

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/akapranchikova/x.400/internal/email"
)

// Render produces the RFC 5322 form of msg. sender is used as the originator
// when msg.From is empty; the message ID gets the originator's domain when it
// has none of its own.
func Render(msg *email.Message, sender string, now time.Time) ([]byte, error) {
	from := msg.From
	if from == "" {
		from = sender
	}
	if from == "" {
		return nil, fmt.Errorf("message %s has no originator", msg.ID)
	}

	var h mail.Header
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	to := make([]*mail.Address, 0, len(msg.To))
	for _, rcpt := range msg.To {
		to = append(to, &mail.Address{Address: rcpt})
	}
	h.SetAddressList("To", to)
	h.SetSubject(msg.Subject)
	h.SetDate(now)
	h.SetMessageID(messageID(msg.ID, from))
	h.Set("MIME-Version", "1.0")
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := w.Write([]byte(msg.Body)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

func messageID(id, from string) string {
	if strings.Contains(id, "@") {
		return id
	}
	domain := "localhost"
	if at := strings.LastIndexByte(from, '@'); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return id + "@" + domain
}
