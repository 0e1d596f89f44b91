package discovery

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"bluechat/models"
)

// PeerScanner browses mDNS for chat endpoints.
type PeerScanner struct {
	cfg    Config
	browse browseFunc
	logger logrus.FieldLogger
}

// NewPeerScanner creates a scanner with config defaults applied.
func NewPeerScanner(config Config, logger logrus.FieldLogger) (*PeerScanner, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &PeerScanner{
		cfg:    cfg,
		browse: browse,
		logger: logger,
	}, nil
}

// Scan browses until ctx is done and streams every matching endpoint it sees.
// The same peer may be reported more than once.
func (s *PeerScanner) Scan(ctx context.Context) (<-chan models.PeerDevice, error) {
	entries := make(chan *zeroconf.ServiceEntry, 32)
	if err := s.browse(ctx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		return nil, err
	}

	out := make(chan models.PeerDevice, 32)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					// Resolver closed the entries; wait out the scan window.
					<-ctx.Done()
					return
				}
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.SelfDeviceID, s.cfg.ServiceID)
				if !ok {
					continue
				}
				s.logger.WithFields(logrus.Fields{
					"function": "Scan",
					"address":  peer.Address,
					"name":     peer.DisplayName,
				}).Debug("Observed peer")
				select {
				case out <- peer:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID, serviceID string) (models.PeerDevice, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt[txtDeviceID])
	if deviceID == "" || deviceID == selfDeviceID {
		return models.PeerDevice{}, false
	}
	if serviceID != "" && txt[txtServiceID] != "" && txt[txtServiceID] != serviceID {
		return models.PeerDevice{}, false
	}
	if entry.Port <= 0 {
		return models.PeerDevice{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		if ip != nil {
			addresses = append(addresses, ip.String())
		}
	}
	sort.Strings(addresses)
	// IPv4 first so the dial address is stable across announcements.
	var v6 []string
	for _, ip := range entry.AddrIPv6 {
		if ip != nil {
			v6 = append(v6, ip.String())
		}
	}
	sort.Strings(v6)
	addresses = append(addresses, v6...)
	if len(addresses) == 0 {
		return models.PeerDevice{}, false
	}

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}

	return models.PeerDevice{
		Address:     net.JoinHostPort(addresses[0], strconv.Itoa(entry.Port)),
		DisplayName: name,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
