package models

import "time"

// Event is one journaled bus publication. ID is assigned by the store on
// insert and is strictly increasing, which gives stream consumers a catchup
// cursor.
type Event struct {
	ID        int64          `json:"id"`
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}
