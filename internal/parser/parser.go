// Package parser provides RFC 5322 message parsing for mail arriving at the
// gateway, including multipart/report delivery and disposition notifications.
package parser

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Report part media types (RFC 3464, RFC 8098).
const (
	deliveryStatusType = "message/delivery-status"
	dispositionType    = "message/disposition-notification"
)

// Message is the subset of an inbound message the gateway acts on.
type Message struct {
	From      string
	To        []string
	Subject   string
	MessageID string
	InReplyTo string
	TextBody  string

	// ReportType is the report-type parameter of a multipart/report message.
	ReportType string
	// DeliveryStatus holds the message/delivery-status part, if any.
	DeliveryStatus string
	// Disposition holds the message/disposition-notification part, if any.
	Disposition string
}

// IsReport reports whether the message carries a DSN or MDN part.
func (m *Message) IsReport() bool {
	return m.DeliveryStatus != "" || m.Disposition != ""
}

// Parse parses a raw RFC 5322 message. Unrecognized parts are skipped with a
// debug log; a message whose charset is unknown is still parsed.
func Parse(raw []byte) (*Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	result := &Message{}
	result.Subject, _ = mr.Header.Subject()
	result.MessageID, _ = mr.Header.MessageID()
	if ids, err := mr.Header.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		result.InReplyTo = ids[0]
	}
	result.From = firstAddress(mr.Header, "From")
	result.To = addressList(mr.Header, "To")

	if mediaType, params, err := mr.Header.ContentType(); err == nil && mediaType == "multipart/report" {
		result.ReportType = strings.ToLower(params["report-type"])
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("failed to read next part: %w", err)
		}

		mediaType, _, _ := partContentType(part.Header)
		body, err := io.ReadAll(part.Body)
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		switch mediaType {
		case "text/plain", "":
			if result.TextBody == "" {
				result.TextBody = string(body)
			}
		case deliveryStatusType:
			result.DeliveryStatus = string(body)
		case dispositionType:
			result.Disposition = string(body)
		default:
			slog.Debug("skipping MIME part", "content_type", mediaType)
		}
	}

	return result, nil
}

// ReportField returns the first value of field in a DSN or MDN part. Report
// parts are sequences of header blocks, so field names are matched
// case-insensitively and continuation lines are not supported.
func ReportField(part, field string) string {
	prefix := strings.ToLower(field) + ":"
	for _, line := range strings.Split(part, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(strings.ToLower(line), prefix) {
			return strings.TrimSpace(line[len(prefix):])
		}
	}
	return ""
}

func partContentType(h mail.PartHeader) (string, map[string]string, error) {
	switch h := h.(type) {
	case *mail.InlineHeader:
		return h.ContentType()
	case *mail.AttachmentHeader:
		return h.ContentType()
	default:
		return "", nil, nil
	}
}

// firstAddress returns the first mailbox of a header, falling back to the raw
// header value when it is not RFC 5322 compliant.
func firstAddress(h mail.Header, key string) string {
	list, err := h.AddressList(key)
	if err == nil && len(list) > 0 {
		return list[0].Address
	}
	return strings.TrimSpace(h.Get(key))
}

func addressList(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err != nil {
		raw := h.Get(key)
		if raw == "" {
			return nil
		}
		var out []string
		for _, p := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out
}
