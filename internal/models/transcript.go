package models

import "time"

// TranscriptRecord is a persisted transcription result. Records are never updated.
type TranscriptRecord struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"userId"`
	Filename   string    `json:"filename"`
	Transcript string    `json:"transcript"`
	CreatedAt  time.Time `json:"createdAt"`
}
