package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// SetSessionEventRetention configures the automatic pruning horizon.
func (s *Store) SetSessionEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultSessionEventRetention
	}
	s.sessionEventRetention = retention
}

// LogSessionEvent records one session transition and applies retention pruning.
func (s *Store) LogSessionEvent(event SessionEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SessionSeverityInfo
	}
	if err := validateSessionSeverity(event.Severity); err != nil {
		return err
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	var peerAddress any
	if trimmed := strings.TrimSpace(event.PeerAddress); trimmed != "" {
		peerAddress = trimmed
	}

	_, err := s.db.Exec(
		`INSERT INTO session_events (
			event_type,
			peer_address,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		event.EventType,
		peerAddress,
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert session event %q: %w", event.EventType, err)
	}

	if s.sessionEventRetention > 0 {
		cutoff := time.Now().Add(-s.sessionEventRetention).UnixMilli()
		if _, err := s.PruneSessionEvents(cutoff); err != nil {
			return fmt.Errorf("prune session events: %w", err)
		}
	}

	return nil
}

// SessionEvents returns the most recent events for peerAddress, newest first.
// An empty address returns events for every peer.
func (s *Store) SessionEvents(peerAddress string, limit int) ([]SessionEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT id, event_type, COALESCE(peer_address, ''), details, severity, timestamp
		FROM session_events`
	args := make([]any, 0, 2)
	if peerAddress != "" {
		query += " WHERE peer_address = ?"
		args = append(args, peerAddress)
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get session events: %w", err)
	}
	defer rows.Close()

	events := make([]SessionEvent, 0)
	for rows.Next() {
		var event SessionEvent
		if err := rows.Scan(
			&event.ID,
			&event.EventType,
			&event.PeerAddress,
			&event.Details,
			&event.Severity,
			&event.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan session event row: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session event rows: %w", err)
	}

	return events, nil
}

// PruneSessionEvents removes events older than cutoffTimestamp.
func (s *Store) PruneSessionEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM session_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune session events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for session event prune: %w", err)
	}

	return rowsAffected, nil
}
