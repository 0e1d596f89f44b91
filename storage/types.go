package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrInvalidFileName rejects names that cannot be stored as a plain file.
	ErrInvalidFileName = errors.New("storage: invalid file name")
)

const (
	// SessionSeverityInfo marks routine session transitions.
	SessionSeverityInfo = "info"
	// SessionSeverityWarning marks sessions ended by the remote side.
	SessionSeverityWarning = "warning"
	// SessionSeverityCritical marks failed sessions.
	SessionSeverityCritical = "critical"
)

// SessionEvent is one row of the per-peer session log.
type SessionEvent struct {
	ID          int64
	EventType   string
	PeerAddress string
	Details     string
	Severity    string
	Timestamp   int64
}

type scanner interface {
	Scan(dest ...any) error
}

func validateSessionSeverity(severity string) error {
	switch severity {
	case SessionSeverityInfo, SessionSeverityWarning, SessionSeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid session event severity %q", severity)
	}
}

// peerDirName maps a peer address to a directory name. Link-layer addresses
// contain ':', which is not portable in paths.
func peerDirName(address string) string {
	return strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(address)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
