package chat

import (
	"slices"

	"bluechat/models"
)

// ConnectionState is the observable snapshot of discovery and session state.
type ConnectionState struct {
	ScannedPeers []models.PeerDevice
	BondedPeers  []models.PeerDevice
	IsScanning   bool
	IsConnected  bool
	IsConnecting bool
	LastError    string
	Messages     []models.ChatMessage
	// Peer is the remote side of the current or last session.
	Peer models.PeerDevice
}

// Clone returns a deep copy.
func (s ConnectionState) Clone() ConnectionState {
	s.ScannedPeers = slices.Clone(s.ScannedPeers)
	s.BondedPeers = slices.Clone(s.BondedPeers)
	s.Messages = slices.Clone(s.Messages)
	return s
}

type subscriber struct {
	ch chan ConnectionState
}

// offer replaces any unread snapshot with state.
func (s subscriber) offer(state ConnectionState) {
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- state:
	default:
	}
}
