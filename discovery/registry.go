package discovery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"

	"bluechat/models"
)

// ErrPermissionDenied indicates the platform refused discovery or connecting.
var ErrPermissionDenied = errors.New("discovery: permission denied")

// Source is the platform side of discovery.
type Source interface {
	// DiscoveryPermitted reports whether scanning is currently allowed.
	DiscoveryPermitted() bool
	// BondedPeers enumerates previously paired peers.
	BondedPeers() ([]models.PeerDevice, error)
	// StartDiscovery streams observed peers until ctx is cancelled or the scan
	// ends on its own, then closes the channel.
	StartDiscovery(ctx context.Context) (<-chan models.PeerDevice, error)
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// OnChange runs after every mutation, outside the registry lock.
	OnChange func()
	Logger   logrus.FieldLogger
}

// Snapshot is a copy of the registry contents.
type Snapshot struct {
	Scanned  []models.PeerDevice
	Bonded   []models.PeerDevice
	Scanning bool
}

// Registry tracks scanned and bonded peers. Scanned peers are deduplicated by
// address and kept in first-seen order.
//
// A round's observations stay listed after the round stops, whether by
// StopScan, CancelScan or the source finishing, and are only dropped when the
// next StartScan begins. The bonded set is never dropped.
type Registry struct {
	source   Source
	onChange func()
	logger   logrus.FieldLogger

	mu       sync.Mutex
	scanned  []models.PeerDevice
	bonded   []models.PeerDevice
	scanning bool
	round    uint64
	cancel   context.CancelFunc
}

// NewRegistry returns an empty registry backed by source.
func NewRegistry(source Source, options RegistryOptions) *Registry {
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	onChange := options.OnChange
	if onChange == nil {
		onChange = func() {}
	}
	return &Registry{
		source:   source,
		onChange: onChange,
		logger:   logger,
	}
}

// StartScan begins a new discovery round. The previous round's observations
// are dropped and any scan still running is stopped first.
func (r *Registry) StartScan() error {
	if !r.source.DiscoveryPermitted() {
		return ErrPermissionDenied
	}

	if err := r.RefreshBonded(); err != nil {
		r.logger.WithFields(logrus.Fields{
			"function": "StartScan",
			"error":    err.Error(),
		}).Warn("Bonded peers unavailable, scanning anyway")
	}

	ctx, cancel := context.WithCancel(context.Background())
	observations, err := r.source.StartDiscovery(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("start discovery: %w", err)
	}

	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.round++
	round := r.round
	r.cancel = cancel
	r.scanned = nil
	r.scanning = true
	r.mu.Unlock()
	r.onChange()

	go r.drain(round, observations)
	return nil
}

// StopScan ends the current round. Safe to call when no scan is running.
func (r *Registry) StopScan() {
	r.mu.Lock()
	if !r.scanning && r.cancel == nil {
		r.mu.Unlock()
		return
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.scanning = false
	r.mu.Unlock()
	r.onChange()
}

// CancelScan stops scanning before a dial.
func (r *Registry) CancelScan() {
	r.StopScan()
}

// RefreshBonded repopulates the bonded set from the platform.
func (r *Registry) RefreshBonded() error {
	peers, err := r.source.BondedPeers()
	if err != nil {
		return fmt.Errorf("enumerate bonded peers: %w", err)
	}

	bonded := make([]models.PeerDevice, 0, len(peers))
	for _, peer := range peers {
		if peer.Address == "" || slices.ContainsFunc(bonded, sameAddress(peer.Address)) {
			continue
		}
		peer.Bonded = true
		bonded = append(bonded, peer)
	}

	r.mu.Lock()
	r.bonded = bonded
	r.mu.Unlock()
	r.onChange()
	return nil
}

// Snapshot returns copies of the current lists.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Scanned:  slices.Clone(r.scanned),
		Bonded:   slices.Clone(r.bonded),
		Scanning: r.scanning,
	}
}

// Scanning reports whether a round is in progress.
func (r *Registry) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

func (r *Registry) drain(round uint64, observations <-chan models.PeerDevice) {
	for peer := range observations {
		if r.observe(round, peer) {
			r.onChange()
		}
	}

	r.mu.Lock()
	ended := r.round == round && r.scanning
	if ended {
		r.scanning = false
		if r.cancel != nil {
			r.cancel()
			r.cancel = nil
		}
	}
	r.mu.Unlock()
	if ended {
		r.logger.WithField("function", "drain").Debug("Discovery round ended")
		r.onChange()
	}
}

func (r *Registry) observe(round uint64, peer models.PeerDevice) bool {
	if peer.Address == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.round != round || !r.scanning {
		return false
	}
	if i := slices.IndexFunc(r.scanned, sameAddress(peer.Address)); i >= 0 {
		if r.scanned[i].DisplayName != "" || peer.DisplayName == "" {
			return false
		}
		r.scanned[i].DisplayName = peer.DisplayName
		return true
	}
	r.scanned = append(r.scanned, peer)
	return true
}

func sameAddress(address string) func(models.PeerDevice) bool {
	return func(p models.PeerDevice) bool {
		return p.Address == address
	}
}
