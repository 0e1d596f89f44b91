package models

// StoredFile represents a file payload persisted for one peer.
type StoredFile struct {
	PeerAddress string `json:"peer_address"`
	FileName    string `json:"file_name"`
	StoredPath  string `json:"stored_path"`
	SizeBytes   int64  `json:"size_bytes"`
	StoredAt    int64  `json:"stored_at"`
}
