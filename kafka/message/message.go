// Package message defines the application message published by the relay.
package message

import "fmt"

// Message is the relay's application payload. Both fields are optional.
type Message struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// String renders the message for log lines.
func (m Message) String() string {
	return fmt.Sprintf("Message{id='%s', message='%s'}", m.ID, m.Message)
}
