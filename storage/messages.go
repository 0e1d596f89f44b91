package storage

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"bluechat/models"
)

// AppendMessage stores message in the conversation with peerAddress and
// returns it with ID and Timestamp filled in. File payload text is not kept in
// the table; the bytes live at LocalStoragePath.
func (s *Store) AppendMessage(peerAddress string, message models.ChatMessage) (models.ChatMessage, error) {
	if peerAddress == "" {
		return models.ChatMessage{}, errors.New("peer_address is required")
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	if message.Timestamp == 0 {
		message.Timestamp = nowUnixMilli()
	}

	body := message.Body
	if message.IsFile {
		body = ""
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (
			message_id,
			peer_address,
			body,
			sender_label,
			originated_locally,
			is_file,
			file_name,
			file_size,
			local_path,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID,
		peerAddress,
		body,
		message.SenderLabel,
		boolToInt(message.OriginatedLocally),
		boolToInt(message.IsFile),
		message.FileName,
		int64(message.FileSizeBytes),
		message.LocalStoragePath,
		message.Timestamp,
	)
	if err != nil {
		return models.ChatMessage{}, fmt.Errorf("insert message %q: %w", message.ID, err)
	}

	return message, nil
}

// LoadMessages returns the conversation with peerAddress, oldest first.
func (s *Store) LoadMessages(peerAddress string) ([]models.ChatMessage, error) {
	if peerAddress == "" {
		return nil, errors.New("peer_address is required")
	}

	rows, err := s.db.Query(
		`SELECT
			message_id,
			body,
			sender_label,
			originated_locally,
			is_file,
			file_name,
			file_size,
			local_path,
			timestamp
		FROM messages
		WHERE peer_address = ?
		ORDER BY timestamp ASC, rowid ASC`,
		peerAddress,
	)
	if err != nil {
		return nil, fmt.Errorf("load messages for %q: %w", peerAddress, err)
	}
	defer rows.Close()

	messages := make([]models.ChatMessage, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// DeleteMessages clears the conversation with peerAddress.
func (s *Store) DeleteMessages(peerAddress string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM messages WHERE peer_address = ?`, peerAddress)
	if err != nil {
		return 0, fmt.Errorf("delete messages for %q: %w", peerAddress, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for message delete: %w", err)
	}
	return rowsAffected, nil
}

func scanMessage(row scanner) (models.ChatMessage, error) {
	var (
		message           models.ChatMessage
		originatedLocally int
		isFile            int
		fileSize          int64
	)
	if err := row.Scan(
		&message.ID,
		&message.Body,
		&message.SenderLabel,
		&originatedLocally,
		&isFile,
		&message.FileName,
		&fileSize,
		&message.LocalStoragePath,
		&message.Timestamp,
	); err != nil {
		return models.ChatMessage{}, err
	}

	message.OriginatedLocally = originatedLocally == 1
	message.IsFile = isFile == 1
	message.FileSizeBytes = uint64(fileSize)
	return message, nil
}
