package gmail

import (
	"strings"

	gmail "google.golang.org/api/gmail/v1"

	"github.com/teemow/inboxrank/internal/mail"
)

// defaultRecipient stands in for a missing To header.
const defaultRecipient = "me"

// HeaderValue returns the first header named header, ignoring case, or "".
func HeaderValue(m *gmail.Message, header string) string {
	if m == nil || m.Payload == nil {
		return ""
	}
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, header) {
			return h.Value
		}
	}
	return ""
}

func toRawMessage(id string, m *gmail.Message) mail.RawMessage {
	if m.Id != "" {
		id = m.Id
	}
	to := HeaderValue(m, "To")
	if to == "" {
		to = defaultRecipient
	}
	return mail.RawMessage{
		ID:      id,
		From:    HeaderValue(m, "From"),
		To:      to,
		Subject: HeaderValue(m, "Subject"),
		Body:    m.Snippet,
		Date:    HeaderValue(m, "Date"),
	}
}
