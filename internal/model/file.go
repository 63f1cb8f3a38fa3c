package model

import "time"

// StoredFile describes an upload kept in the GridFS `uploads` bucket.
type StoredFile struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	UploadedAt  time.Time `json:"uploaded_at"`
}
