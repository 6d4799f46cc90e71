package models

import "time"

// Thread groups an ordered sequence of messages.
type Thread struct {
	ID        int64     `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultTitle is the placeholder until a summarization job lands.
const DefaultTitle = "New Conversation"
