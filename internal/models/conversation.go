package models

import "time"

// ConversationSummary is one row of a user's conversation index.
type ConversationSummary struct {
	Counterpart        Identity  `json:"counterpart"`
	LastMessagePreview string    `json:"last_message_preview"`
	LastActivity       time.Time `json:"last_activity"`
	UnreadCount        int       `json:"unread_count"`
}

// RecentMessage is a preview of a received message with its sender.
type RecentMessage struct {
	Message
	Sender Identity `json:"sender"`
}

// RecentMessages is the inbox digest returned by GET /messages/recent.
type RecentMessages struct {
	Messages    []RecentMessage `json:"messages"`
	UnreadCount int             `json:"unread_count"`
}
