package graph

import (
	"github.com/akapranchikova/x.400/internal/email"
)

// gatewayIDHeader carries the gateway message id. Graph only accepts custom
// internet headers prefixed with X-.
const gatewayIDHeader = "X-Gateway-Message-ID"

type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

type sendMailMessage struct {
	Subject                string           `json:"subject"`
	Body                   messageBody      `json:"body"`
	From                   *recipient       `json:"from,omitempty"`
	ToRecipients           []recipient      `json:"toRecipients"`
	InternetMessageHeaders []internetHeader `json:"internetMessageHeaders,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
}

type internetHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

type graphErrorResponse struct {
	Error graphError `json:"error"`
}

type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendMailRequest converts a gateway message into a sendMail request
// body. The mailbox owner sends the message; a mapped originator that
// differs from it is set as the From address.
func buildSendMailRequest(sender string, msg *email.Message) *sendMailRequest {
	toRecipients := make([]recipient, 0, len(msg.To))
	for _, addr := range msg.To {
		toRecipients = append(toRecipients, recipient{
			EmailAddress: emailAddress{Address: addr},
		})
	}

	req := &sendMailRequest{
		Message: sendMailMessage{
			Subject: msg.Subject,
			Body: messageBody{
				ContentType: "text",
				Content:     msg.Body,
			},
			ToRecipients: toRecipients,
		},
	}
	if msg.From != "" && msg.From != sender {
		req.Message.From = &recipient{EmailAddress: emailAddress{Address: msg.From}}
	}
	if msg.ID != "" {
		req.Message.InternetMessageHeaders = []internetHeader{{Name: gatewayIDHeader, Value: msg.ID}}
	}
	return req
}
