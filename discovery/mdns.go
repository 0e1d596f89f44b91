package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service type chat endpoints register under.
	DefaultService = "_bluechat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the advertised TXT record layout version.
	DefaultVersion = 1

	txtDeviceID  = "device_id"
	txtServiceID = "service_id"
	txtVersion   = "version"
)

// ErrInvalidConfig rejects a broadcast that peers could not dial back.
var ErrInvalidConfig = errors.New("discovery: invalid mDNS config")

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config describes the local endpoint for both announcing and browsing.
type Config struct {
	Service string
	Domain  string
	Version int

	// ServiceID is the chat service identifier advertised in TXT records.
	// Scanners skip peers advertising a different one.
	ServiceID     string
	SelfDeviceID  string
	DeviceName    string
	ListeningPort int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	if c.Service == "" {
		c.Service = DefaultService
	}
	if c.Domain == "" {
		c.Domain = DefaultDomain
	}
	if c.Version == 0 {
		c.Version = DefaultVersion
	}
	if c.registerFn == nil {
		c.registerFn = zeroconf.Register
	}
	return c
}

// announceable reports every field a peer needs to reach this endpoint.
func (c Config) announceable() error {
	var problems []string
	if strings.TrimSpace(c.SelfDeviceID) == "" {
		problems = append(problems, "device id is empty")
	}
	if strings.TrimSpace(c.DeviceName) == "" {
		problems = append(problems, "device name is empty")
	}
	if c.ListeningPort <= 0 || c.ListeningPort > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.ListeningPort))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, ", "))
	}
	return nil
}

func (c Config) txtRecords() []string {
	records := []string{
		txtDeviceID + "=" + c.SelfDeviceID,
		txtVersion + "=" + strconv.Itoa(c.Version),
	}
	if c.ServiceID != "" {
		records = append(records, txtServiceID+"="+c.ServiceID)
	}
	return records
}

// Broadcaster answers mDNS queries for the local listening endpoint until stopped.
type Broadcaster struct {
	server *zeroconf.Server
	port   int

	stopOnce sync.Once
}

// StartBroadcaster registers the local endpoint described by config.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.announceable(); err != nil {
		return nil, err
	}

	server, err := cfg.registerFn(cfg.DeviceName, cfg.Service, cfg.Domain, cfg.ListeningPort, cfg.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("register %s on port %d: %w", cfg.Service, cfg.ListeningPort, err)
	}
	return &Broadcaster{server: server, port: cfg.ListeningPort}, nil
}

// Port is the advertised listening port.
func (b *Broadcaster) Port() int {
	return b.port
}

// Stop withdraws the announcement. Safe to call more than once.
func (b *Broadcaster) Stop() {
	if b == nil {
		return
	}
	b.stopOnce.Do(func() {
		if b.server != nil {
			b.server.Shutdown()
		}
	})
}
