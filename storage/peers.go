package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"bluechat/models"
)

// UpsertBondedPeer records a successful connection with peer. The display
// name is only overwritten when a new one is known.
func (s *Store) UpsertBondedPeer(peer models.PeerDevice) error {
	if peer.Address == "" {
		return errors.New("address is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (address, display_name, bonded, last_connected)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(address) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE peers.display_name END,
			bonded = 1,
			last_connected = excluded.last_connected`,
		peer.Address,
		strings.TrimSpace(peer.DisplayName),
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert bonded peer %q: %w", peer.Address, err)
	}
	return nil
}

// BondedPeers returns bonded peers, most recently connected first.
func (s *Store) BondedPeers() ([]models.PeerDevice, error) {
	rows, err := s.db.Query(
		`SELECT address, display_name
		FROM peers
		WHERE bonded = 1
		ORDER BY last_connected DESC, address ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list bonded peers: %w", err)
	}
	defer rows.Close()

	peers := make([]models.PeerDevice, 0)
	for rows.Next() {
		peer := models.PeerDevice{Bonded: true}
		if err := rows.Scan(&peer.Address, &peer.DisplayName); err != nil {
			return nil, fmt.Errorf("scan peer row: %w", err)
		}
		peers = append(peers, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer rows: %w", err)
	}

	return peers, nil
}

// RemoveBondedPeer forgets the bond with address. The conversation and chat
// name are kept.
func (s *Store) RemoveBondedPeer(address string) error {
	res, err := s.db.Exec(`UPDATE peers SET bonded = 0 WHERE address = ? AND bonded = 1`, address)
	if err != nil {
		return fmt.Errorf("remove bonded peer %q: %w", address, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for bonded peer %q: %w", address, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetChatName stores a local name for the conversation with address.
func (s *Store) SetChatName(address, name string) error {
	if address == "" {
		return errors.New("address is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO peers (address, chat_name) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET chat_name = excluded.chat_name`,
		address,
		strings.TrimSpace(name),
	)
	if err != nil {
		return fmt.Errorf("set chat name for %q: %w", address, err)
	}
	return nil
}

// ChatName returns the local conversation name for address, or ErrNotFound
// when none was set.
func (s *Store) ChatName(address string) (string, error) {
	var name string
	err := s.db.QueryRow(`SELECT chat_name FROM peers WHERE address = ?`, address).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && name == "") {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get chat name for %q: %w", address, err)
	}
	return name, nil
}
