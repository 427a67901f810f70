package models

import "time"

// UploadedAudio is an audio blob staged on disk for the lifetime of one transcription request.
type UploadedAudio struct {
	StoredName   string    `json:"stored_name"`
	StoragePath  string    `json:"storage_path"`
	OriginalName string    `json:"original_name"`
	MimeType     string    `json:"mime_type"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
}
