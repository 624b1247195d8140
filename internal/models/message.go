package models

import "time"

// Message is a single entry in a two-party conversation. Only Read ever
// changes after the message is stored.
type Message struct {
	ID          int64        `json:"message_id,string"`
	SenderID    int64        `json:"sender_id,string"`
	ReceiverID  int64        `json:"receiver_id,string"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   time.Time    `json:"created_at"`
	Read        bool         `json:"read"`
}

// Counterpart returns the other participant of the message as seen by userID.
func (m *Message) Counterpart(userID int64) int64 {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}
