package models

import "encoding/base64"

// ChatMessage is one text or file message exchanged over a session.
//
// For file messages Body carries the base64 payload exactly as it travels on the wire.
type ChatMessage struct {
	ID                string `json:"id"`
	Body              string `json:"body"`
	SenderLabel       string `json:"sender_label"`
	OriginatedLocally bool   `json:"originated_locally"`
	IsFile            bool   `json:"is_file"`
	FileName          string `json:"file_name,omitempty"`
	FileSizeBytes     uint64 `json:"file_size_bytes,omitempty"`
	LocalStoragePath  string `json:"local_storage_path,omitempty"`
	Timestamp         int64  `json:"timestamp"`
}

// FileData decodes the base64 payload of a file message.
func (m ChatMessage) FileData() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Body)
}

// WithStoragePath returns a copy with the local storage path bound.
func (m ChatMessage) WithStoragePath(path string) ChatMessage {
	m.LocalStoragePath = path
	return m
}
