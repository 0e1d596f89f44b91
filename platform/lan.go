// Package platform adapts the chat core to a LAN: TCP streams, mDNS discovery
// and a persisted bonded list stand in for the short-range radio.
package platform

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bluechat/discovery"
	"bluechat/models"
	"bluechat/network"
)

// BondStore persists peers this device has connected to.
type BondStore interface {
	UpsertBondedPeer(peer models.PeerDevice) error
	BondedPeers() ([]models.PeerDevice, error)
}

type broadcastFunc func(cfg discovery.Config) (stopper, error)
type scanFunc func(ctx context.Context) (<-chan models.PeerDevice, error)

type stopper interface {
	Stop()
}

// LANOptions configures a LAN adapter.
type LANOptions struct {
	DeviceID   string
	DeviceName string
	// ServiceID filters scan results to peers offering the same service.
	ServiceID string

	// ListenAddress is where Listen binds, ":0" picks a free port.
	ListenAddress     string
	ConnectionTimeout time.Duration

	DiscoveryEnabled bool
	// ConnectDisabled refuses Connect/Listen through ConnectPermitted.
	ConnectDisabled bool

	Store  BondStore
	Logger logrus.FieldLogger

	broadcast broadcastFunc
	scan      scanFunc
}

// LAN implements network.Transport and discovery.Source over TCP and mDNS.
type LAN struct {
	opts      LANOptions
	transport *network.TCPTransport
	logger    logrus.FieldLogger

	scanMu  sync.Mutex
	scanner *discovery.PeerScanner
}

// NewLAN returns an adapter. Nothing is bound until Listen.
func NewLAN(options LANOptions) (*LAN, error) {
	if options.Store == nil {
		return nil, errors.New("platform: bond store is required")
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	if options.broadcast == nil {
		options.broadcast = func(cfg discovery.Config) (stopper, error) {
			return discovery.StartBroadcaster(cfg)
		}
	}

	return &LAN{
		opts: options,
		transport: network.NewTCPTransport(network.TCPOptions{
			DeviceID:          options.DeviceID,
			DeviceName:        options.DeviceName,
			ListenAddress:     options.ListenAddress,
			ConnectionTimeout: options.ConnectionTimeout,
			Logger:            options.Logger,
		}),
		logger: options.Logger,
	}, nil
}

// LocalName returns the name announced to peers.
func (l *LAN) LocalName() string {
	return l.opts.DeviceName
}

// DiscoveryPermitted reports whether mDNS discovery is enabled.
func (l *LAN) DiscoveryPermitted() bool {
	return l.opts.DiscoveryEnabled
}

// ConnectPermitted reports whether sessions may be opened.
func (l *LAN) ConnectPermitted() bool {
	return !l.opts.ConnectDisabled
}

// BondedPeers lists peers this device has connected to before.
func (l *LAN) BondedPeers() ([]models.PeerDevice, error) {
	return l.opts.Store.BondedPeers()
}

// StartDiscovery browses mDNS until ctx is done.
func (l *LAN) StartDiscovery(ctx context.Context) (<-chan models.PeerDevice, error) {
	if l.opts.scan != nil {
		return l.opts.scan(ctx)
	}

	l.scanMu.Lock()
	if l.scanner == nil {
		scanner, err := discovery.NewPeerScanner(discovery.Config{
			ServiceID:    l.opts.ServiceID,
			SelfDeviceID: l.opts.DeviceID,
		}, l.logger)
		if err != nil {
			l.scanMu.Unlock()
			return nil, err
		}
		l.scanner = scanner
	}
	scanner := l.scanner
	l.scanMu.Unlock()

	return scanner.Scan(ctx)
}

// Listen binds a TCP endpoint for serviceID and advertises it over mDNS while
// it stays open.
func (l *LAN) Listen(serviceID string) (network.Listener, error) {
	inner, err := l.transport.Listen(serviceID)
	if err != nil {
		return nil, err
	}

	listener := &lanListener{Listener: inner, lan: l}
	if tcp, ok := inner.(*network.TCPListener); ok && l.opts.DiscoveryEnabled {
		broadcaster, err := l.opts.broadcast(discovery.Config{
			ServiceID:     serviceID,
			SelfDeviceID:  l.opts.DeviceID,
			DeviceName:    l.opts.DeviceName,
			ListeningPort: tcp.Port(),
		})
		if err != nil {
			l.logger.WithFields(logrus.Fields{
				"function": "Listen",
				"port":     tcp.Port(),
				"error":    err.Error(),
			}).Warn("mDNS broadcast unavailable, listening without it")
		} else {
			listener.broadcaster = broadcaster
		}
	}
	return listener, nil
}

// Dial opens a stream to address and records the peer as bonded.
func (l *LAN) Dial(ctx context.Context, address, serviceID string) (io.ReadWriteCloser, error) {
	stream, err := l.transport.Dial(ctx, address, serviceID)
	if err != nil {
		return nil, err
	}
	l.recordBond(stream)
	return stream, nil
}

func (l *LAN) recordBond(stream io.ReadWriteCloser) {
	identified, ok := stream.(network.PeerIdentifier)
	if !ok {
		return
	}
	peer := identified.RemotePeer()
	if peer.Address == "" {
		return
	}
	if err := l.opts.Store.UpsertBondedPeer(peer); err != nil {
		l.logger.WithFields(logrus.Fields{
			"function": "recordBond",
			"peer":     peer.Address,
			"error":    err.Error(),
		}).Warn("Failed to record bonded peer")
	}
}

type lanListener struct {
	network.Listener
	lan         *LAN
	broadcaster stopper

	stopOnce sync.Once
}

func (l *lanListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	stream, err := l.Listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	l.lan.recordBond(stream)
	return stream, nil
}

func (l *lanListener) Close() error {
	l.stopOnce.Do(func() {
		if l.broadcaster != nil {
			l.broadcaster.Stop()
		}
	})
	return l.Listener.Close()
}
