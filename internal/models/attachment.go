package models

import "time"

// FileType is the category an attachment was classified into by content sniffing.
type FileType string

const (
	FileTypeImage    FileType = "image"
	FileTypeDocument FileType = "document"
)

// Attachment represents a file reference registered by an uploader and
// optionally bound to one message.
type Attachment struct {
	ID          int64     `json:"file_id,string"`
	UploaderID  int64     `json:"-"`
	MessageID   *int64    `json:"-"`
	Position    int       `json:"-"`
	FileName    string    `json:"file_name"`
	FileType    FileType  `json:"file_type"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"file_size"`
	StorageKey  string    `json:"-"`
	URL         string    `json:"file_url"`
	CreatedAt   time.Time `json:"-"`
}
