// Package mail holds the provider-neutral message type passed from the
// fetcher to the classification pipeline.
package mail

// RawMessage is a message as fetched from the provider.
//
// Date is the raw Date header and is not guaranteed to parse. Body is the
// provider's snippet, not the full MIME body.
type RawMessage struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Date    string `json:"date"`
}

// Content is the text the classifier scores: subject followed by body.
func (m RawMessage) Content() string {
	return m.Subject + m.Body
}
