package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"bluechat/models"
)

const testServiceID = "27b7d1da-08c7-4505-a6d1-2459987e5e2d"

func TestPeerScannerFiltersSelfAndForeignServices(t *testing.T) {
	cfg := Config{
		ServiceID:    testServiceID,
		SelfDeviceID: "self-device",
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			go func() {
				entries <- testServiceEntry("self-device", "Self", 9999, "10.0.0.1", testServiceID)
				entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2", testServiceID)
				entries <- testServiceEntry("peer-2", "Mallory", 9997, "10.0.0.3", "other-service")
				entries <- testServiceEntry("peer-3", "Carol", 9996, "10.0.0.4", "")
			}()
			return nil
		},
	}

	scanner, err := NewPeerScanner(cfg, logrus.New())
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	observations, err := scanner.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}

	var got []models.PeerDevice
	for peer := range observations {
		got = append(got, peer)
	}

	want := []models.PeerDevice{
		{Address: "10.0.0.2:9998", DisplayName: "Bob"},
		{Address: "10.0.0.4:9996", DisplayName: "Carol"},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d peers, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("peer %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestPeerScannerFeedsRegistry(t *testing.T) {
	cfg := Config{
		SelfDeviceID: "self-device",
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			go func() {
				entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2", "")
				entries <- testServiceEntry("peer-1", "Bob", 9998, "10.0.0.2", "")
			}()
			return nil
		},
	}
	scanner, err := NewPeerScanner(cfg, nil)
	if err != nil {
		t.Fatalf("NewPeerScanner failed: %v", err)
	}

	registry := NewRegistry(scannerSource{scanner: scanner}, RegistryOptions{})
	if err := registry.StartScan(); err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}
	defer registry.StopScan()

	waitForCondition(t, time.Second, func() bool {
		scanned := registry.Snapshot().Scanned
		return len(scanned) == 1 && scanned[0].Address == "10.0.0.2:9998"
	})
}

func TestParseEntryPrefersIPv4(t *testing.T) {
	entry := testServiceEntry("peer-1", "", 7000, "10.0.0.9", "")
	entry.HostName = "bob.local."
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	peer, ok := parseEntry(entry, "self", "")
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if peer.Address != "10.0.0.9:7000" {
		t.Fatalf("unexpected address %q", peer.Address)
	}
	if peer.DisplayName != "bob.local." {
		t.Fatalf("expected host name fallback, got %q", peer.DisplayName)
	}

	entry.AddrIPv4 = nil
	peer, ok = parseEntry(entry, "self", "")
	if !ok || peer.Address != "[fe80::1]:7000" {
		t.Fatalf("expected IPv6 fallback, got %+v", peer)
	}
}

type scannerSource struct {
	scanner *PeerScanner
}

func (s scannerSource) DiscoveryPermitted() bool { return true }

func (s scannerSource) BondedPeers() ([]models.PeerDevice, error) { return nil, nil }

func (s scannerSource) StartDiscovery(ctx context.Context) (<-chan models.PeerDevice, error) {
	return s.scanner.Scan(ctx)
}

func testServiceEntry(deviceID, instance string, port int, ip, serviceID string) *zeroconf.ServiceEntry {
	text := []string{
		"device_id=" + deviceID,
		"version=1",
	}
	if serviceID != "" {
		text = append(text, "service_id="+serviceID)
	}
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text:     text,
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}
