// Package email defines the message values exchanged between the gateway and its transports.
package email

// Message is an outbound message scheduled for relay delivery.
type Message struct {
	ID string
	// From is the rendered originator address. Empty means the transport's
	// configured sender is used.
	From    string
	To      []string
	Subject string
	Body    string
}

// Clone returns a copy of m that shares no slices with it.
func (m Message) Clone() Message {
	m.To = append([]string(nil), m.To...)
	return m
}

// SendOutcome is returned by a relay for every accepted message.
type SendOutcome struct {
	Accepted  bool
	MessageID string
	Warnings  []string
}

// InboundMessage is a message retrieved from the gateway mailbox.
type InboundMessage struct {
	UID     string
	Subject string
	From    string
	Raw     string
}
