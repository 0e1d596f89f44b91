// Package chat is the session-level facade: it turns user commands into
// discovery and session operations and folds their events into one
// ConnectionState.
package chat

import (
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bluechat/crypto"
	"bluechat/discovery"
	"bluechat/models"
	"bluechat/network"
	"bluechat/storage"
)

const (
	// DefaultScanTimeout stops a scan nobody stopped explicitly.
	DefaultScanTimeout = 30 * time.Second
	// UnknownDisplayName is used when the platform reports no local name.
	UnknownDisplayName = "Unknown name"
)

var (
	// ErrPermissionDenied indicates the platform refused discovery or connecting.
	ErrPermissionDenied = discovery.ErrPermissionDenied
	// ErrClosed rejects commands after Close.
	ErrClosed = errors.New("chat: orchestrator closed")
)

// Platform is the link technology the orchestrator drives.
type Platform interface {
	network.Transport
	discovery.Source
	ConnectPermitted() bool
	LocalName() string
}

// Store persists conversations keyed by peer address.
type Store interface {
	LoadMessages(peerAddress string) ([]models.ChatMessage, error)
	AppendMessage(peerAddress string, message models.ChatMessage) (models.ChatMessage, error)
	SaveFilePayload(peerAddress, fileName string, data []byte) (models.StoredFile, error)
}

type sessionLog interface {
	LogSessionEvent(event storage.SessionEvent) error
}

// Options configures an Orchestrator.
type Options struct {
	Platform      Platform
	Store         Store
	Cipher        *crypto.CipherContext
	ServiceID     string
	ScanTimeout   time.Duration
	MaxFrameBytes int
	Logger        logrus.FieldLogger
}

// Orchestrator serializes commands and publishes state snapshots.
type Orchestrator struct {
	platform    Platform
	store       Store
	serviceID   string
	scanTimeout time.Duration
	logger      logrus.FieldLogger

	establisher *network.Establisher
	registry    *discovery.Registry

	cmdMu sync.Mutex
	pubMu sync.Mutex

	mu         sync.Mutex
	controller *network.Controller
	peer       models.PeerDevice
	messages   []models.ChatMessage
	lastError  string
	scanTimer  *time.Timer
	scanRound  uint64
	closed     bool

	subMu       sync.Mutex
	subscribers map[int]subscriber
	nextSub     int
}

// New wires the registry, establisher and orchestrator together.
func New(options Options) (*Orchestrator, error) {
	if options.Platform == nil {
		return nil, errors.New("chat: platform is required")
	}
	if options.Store == nil {
		return nil, errors.New("chat: store is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	serviceID := options.ServiceID
	if serviceID == "" {
		serviceID = network.DefaultServiceID
	}
	scanTimeout := options.ScanTimeout
	if scanTimeout <= 0 {
		scanTimeout = DefaultScanTimeout
	}

	o := &Orchestrator{
		platform:    options.Platform,
		store:       options.Store,
		serviceID:   serviceID,
		scanTimeout: scanTimeout,
		logger:      logger,
		subscribers: make(map[int]subscriber),
	}
	o.registry = discovery.NewRegistry(options.Platform, discovery.RegistryOptions{
		OnChange: o.publish,
		Logger:   logger,
	})

	est, err := network.NewEstablisher(network.EstablisherOptions{
		Transport:     options.Platform,
		Cipher:        options.Cipher,
		Scanner:       o.registry,
		MaxFrameBytes: options.MaxFrameBytes,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	o.establisher = est

	return o, nil
}

// StartScan begins a discovery round that stops itself after the scan timeout.
func (o *Orchestrator) StartScan() error {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()
	if o.isClosed() {
		return ErrClosed
	}

	if err := o.registry.StartScan(); err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			o.setLastError("Discovery permission denied")
		} else {
			o.setLastError(err.Error())
		}
		o.publish()
		return err
	}

	o.mu.Lock()
	o.scanRound++
	round := o.scanRound
	if o.scanTimer != nil {
		o.scanTimer.Stop()
	}
	o.scanTimer = time.AfterFunc(o.scanTimeout, func() {
		o.autoStopScan(round)
	})
	o.mu.Unlock()

	o.logger.WithFields(logrus.Fields{
		"function": "StartScan",
		"timeout":  o.scanTimeout.String(),
	}).Info("Discovery started")
	return nil
}

// StopScan ends the current discovery round. Safe when none is running.
func (o *Orchestrator) StopScan() {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()
	o.stopScanLocked()
}

func (o *Orchestrator) stopScanLocked() {
	o.mu.Lock()
	o.scanRound++
	if o.scanTimer != nil {
		o.scanTimer.Stop()
		o.scanTimer = nil
	}
	o.mu.Unlock()
	o.registry.StopScan()
}

func (o *Orchestrator) autoStopScan(round uint64) {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	o.mu.Lock()
	current := round == o.scanRound
	if current {
		o.scanTimer = nil
	}
	o.mu.Unlock()
	if !current {
		return
	}

	o.logger.WithField("function", "autoStopScan").Info("Discovery timed out")
	o.registry.StopScan()
}

// RefreshBonded reloads the bonded peer list.
func (o *Orchestrator) RefreshBonded() error {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()
	if o.isClosed() {
		return ErrClosed
	}

	if err := o.registry.RefreshBonded(); err != nil {
		o.setLastError(err.Error())
		o.publish()
		return err
	}
	return nil
}

// ConnectToDevice dials peer. Any running scan is stopped first.
func (o *Orchestrator) ConnectToDevice(peer models.PeerDevice) error {
	return o.startSession(peer, func(c *network.Controller) error {
		return c.Connect(peer)
	})
}

// WaitForIncomingConnections listens for one inbound peer.
func (o *Orchestrator) WaitForIncomingConnections() error {
	return o.startSession(models.PeerDevice{}, func(c *network.Controller) error {
		return c.Listen()
	})
}

func (o *Orchestrator) startSession(peer models.PeerDevice, start func(*network.Controller) error) error {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()
	if o.isClosed() {
		return ErrClosed
	}

	if !o.platform.ConnectPermitted() {
		o.setLastError("Connection permission denied")
		o.publish()
		return ErrPermissionDenied
	}

	o.mu.Lock()
	if o.controller != nil && o.controller.State().Active() {
		o.mu.Unlock()
		return fmt.Errorf("%w: a session is already in progress", network.ErrSessionActive)
	}
	controller := network.NewController(o.establisher, o.serviceID, o.logger)
	o.controller = controller
	o.peer = peer
	o.messages = nil
	o.lastError = ""
	o.mu.Unlock()

	if err := start(controller); err != nil {
		return err
	}
	go o.watch(controller)

	o.publish()
	return nil
}

// DisconnectFromDevice closes the current session, if any.
func (o *Orchestrator) DisconnectFromDevice() {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	o.mu.Lock()
	controller := o.controller
	o.messages = nil
	o.mu.Unlock()

	if controller != nil {
		controller.Disconnect()
	}
	o.publish()
}

// SendMessage sends text to the connected peer and records it once written.
func (o *Orchestrator) SendMessage(text string) error {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	message := models.ChatMessage{
		Body:              text,
		SenderLabel:       o.LocalDisplayName(),
		OriginatedLocally: true,
	}
	return o.send(message, nil)
}

// SendFile sends data as a file message. The payload is base64-encoded on the
// wire and a copy is kept in storage.
func (o *Orchestrator) SendFile(name string, data []byte) error {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()

	message := models.ChatMessage{
		Body:              base64.StdEncoding.EncodeToString(data),
		SenderLabel:       o.LocalDisplayName(),
		OriginatedLocally: true,
		IsFile:            true,
		FileName:          name,
		FileSizeBytes:     uint64(len(data)),
	}
	return o.send(message, data)
}

func (o *Orchestrator) send(message models.ChatMessage, fileData []byte) error {
	o.mu.Lock()
	controller := o.controller
	o.mu.Unlock()

	if controller == nil {
		return network.ErrNotConnected
	}
	message.Timestamp = time.Now().UnixMilli()
	if err := controller.Send(message); err != nil {
		return err
	}
	// The controller learns a listener's peer before onEstablished runs.
	peer := controller.Peer()

	if message.IsFile {
		if stored, err := o.store.SaveFilePayload(peer.Address, message.FileName, fileData); err != nil {
			o.logger.WithFields(logrus.Fields{
				"function": "send",
				"file":     message.FileName,
				"error":    err.Error(),
			}).Warn("Failed to keep a copy of the sent file")
		} else {
			message.LocalStoragePath = stored.StoredPath
		}
	}

	o.record(controller, peer, message)
	return nil
}

// LocalDisplayName returns the name this device announces.
func (o *Orchestrator) LocalDisplayName() string {
	name := strings.TrimSpace(o.platform.LocalName())
	if name == "" {
		return UnknownDisplayName
	}
	return name
}

// State returns the current snapshot.
func (o *Orchestrator) State() ConnectionState {
	o.mu.Lock()
	state := ConnectionState{
		LastError: o.lastError,
		Messages:  append([]models.ChatMessage(nil), o.messages...),
		Peer:      o.peer,
	}
	if o.controller != nil {
		switch o.controller.State() {
		case network.StateConnecting:
			state.IsConnecting = true
		case network.StateConnected:
			state.IsConnected = true
		}
	}
	o.mu.Unlock()

	if !state.IsConnected {
		state.Messages = nil
	}

	snapshot := o.registry.Snapshot()
	state.ScannedPeers = snapshot.Scanned
	state.BondedPeers = snapshot.Bonded
	state.IsScanning = snapshot.Scanning
	return state
}

// Subscribe returns a channel that always holds the latest snapshot, and a
// function that ends the subscription.
func (o *Orchestrator) Subscribe() (<-chan ConnectionState, func()) {
	sub := subscriber{ch: make(chan ConnectionState, 1)}

	o.pubMu.Lock()
	defer o.pubMu.Unlock()

	o.subMu.Lock()
	if o.subscribers == nil {
		o.subMu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := o.nextSub
	o.nextSub++
	o.subscribers[id] = sub
	o.subMu.Unlock()

	sub.offer(o.State())

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			o.subMu.Lock()
			defer o.subMu.Unlock()
			if _, ok := o.subscribers[id]; ok {
				delete(o.subscribers, id)
				close(sub.ch)
			}
		})
	}
}

// Close stops scanning, ends the session and closes every subscription.
func (o *Orchestrator) Close() {
	o.cmdMu.Lock()
	defer o.cmdMu.Unlock()
	if o.isClosed() {
		return
	}

	o.stopScanLocked()

	o.mu.Lock()
	o.closed = true
	controller := o.controller
	o.mu.Unlock()
	if controller != nil {
		controller.Disconnect()
	}

	o.pubMu.Lock()
	o.subMu.Lock()
	for _, sub := range o.subscribers {
		close(sub.ch)
	}
	o.subscribers = nil
	o.subMu.Unlock()
	o.pubMu.Unlock()
}

func (o *Orchestrator) watch(controller *network.Controller) {
	for event := range controller.Events() {
		switch event.Type {
		case network.EventEstablished:
			o.onEstablished(controller, event.Peer)
		case network.EventMessageReceived:
			o.onMessage(controller, event.Message)
		case network.EventFailed, network.EventClosed:
			o.onEnded(controller, event)
		}
	}
}

func (o *Orchestrator) onEstablished(controller *network.Controller, peer models.PeerDevice) {
	o.mu.Lock()
	if o.controller != controller {
		o.mu.Unlock()
		return
	}
	if peer.Address != "" {
		o.peer = peer
	}
	peer = o.peer
	o.mu.Unlock()

	history, err := o.store.LoadMessages(peer.Address)
	if err != nil {
		o.logger.WithFields(logrus.Fields{
			"function": "onEstablished",
			"peer":     peer.Address,
			"error":    err.Error(),
		}).Warn("Failed to load conversation")
	}

	o.mu.Lock()
	if o.controller == controller {
		o.messages = mergeHistory(history, o.messages)
	}
	o.mu.Unlock()

	o.logSession("established", peer.Address, "", storage.SessionSeverityInfo)
	o.publish()
}

func (o *Orchestrator) onMessage(controller *network.Controller, message models.ChatMessage) {
	peer := controller.Peer()

	if message.IsFile {
		if data, err := message.FileData(); err != nil {
			o.logger.WithFields(logrus.Fields{
				"function": "onMessage",
				"file":     message.FileName,
				"error":    err.Error(),
			}).Warn("Received file payload is not valid base64")
		} else if stored, err := o.store.SaveFilePayload(peer.Address, message.FileName, data); err != nil {
			o.logger.WithFields(logrus.Fields{
				"function": "onMessage",
				"file":     message.FileName,
				"error":    err.Error(),
			}).Warn("Failed to store received file")
		} else {
			message = message.WithStoragePath(stored.StoredPath)
		}
	}

	o.record(controller, peer, message)
}

func (o *Orchestrator) onEnded(controller *network.Controller, event network.SessionEvent) {
	o.mu.Lock()
	if o.controller != controller {
		o.mu.Unlock()
		return
	}
	o.messages = nil
	if event.Type == network.EventFailed && event.Err != nil {
		o.lastError = event.Err.Error()
	} else if errors.Is(event.Err, network.ErrClosedByPeer) {
		o.lastError = event.Err.Error()
	}
	peer := o.peer
	o.mu.Unlock()

	switch {
	case event.Type == network.EventFailed:
		o.logSession("failed", peer.Address, errString(event.Err), storage.SessionSeverityCritical)
	case event.Err != nil:
		o.logSession("closed", peer.Address, event.Err.Error(), storage.SessionSeverityWarning)
	default:
		o.logSession("closed", peer.Address, "", storage.SessionSeverityInfo)
	}
	o.publish()
}

// record persists message and appends it to the live conversation if the
// session it belongs to is still current.
func (o *Orchestrator) record(controller *network.Controller, peer models.PeerDevice, message models.ChatMessage) {
	if peer.Address != "" {
		stored, err := o.store.AppendMessage(peer.Address, message)
		if err != nil {
			o.logger.WithFields(logrus.Fields{
				"function": "record",
				"peer":     peer.Address,
				"error":    err.Error(),
			}).Warn("Failed to persist message")
		} else {
			message = stored
		}
	}

	o.mu.Lock()
	if o.controller == controller && controller.State() == network.StateConnected {
		o.messages = append(o.messages, message)
	}
	o.mu.Unlock()
	o.publish()
}

// mergeHistory appends the live messages recorded while history was loading
// to the stored conversation, skipping any the load already returned.
func mergeHistory(history, live []models.ChatMessage) []models.ChatMessage {
	merged := slices.Clone(history)
	for _, message := range live {
		if message.ID != "" && slices.ContainsFunc(history, func(m models.ChatMessage) bool { return m.ID == message.ID }) {
			continue
		}
		merged = append(merged, message)
	}
	return merged
}

func (o *Orchestrator) logSession(eventType, peerAddress, details, severity string) {
	log, ok := o.store.(sessionLog)
	if !ok {
		return
	}
	if err := log.LogSessionEvent(storage.SessionEvent{
		EventType:   eventType,
		PeerAddress: peerAddress,
		Details:     details,
		Severity:    severity,
	}); err != nil {
		o.logger.WithFields(logrus.Fields{
			"function": "logSession",
			"error":    err.Error(),
		}).Warn("Failed to record session event")
	}
}

func (o *Orchestrator) publish() {
	o.pubMu.Lock()
	defer o.pubMu.Unlock()

	state := o.State()

	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, sub := range o.subscribers {
		sub.offer(state.Clone())
	}
}

func (o *Orchestrator) setLastError(message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lastError = message
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
