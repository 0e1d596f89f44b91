package network

import (
	"context"
	"io"

	"bluechat/models"
)

// Transport opens raw duplex streams for one link technology.
type Transport interface {
	// Listen opens an endpoint bound to serviceID.
	Listen(serviceID string) (Listener, error)
	// Dial opens an outbound stream to address at serviceID.
	Dial(ctx context.Context, address, serviceID string) (io.ReadWriteCloser, error)
}

// Listener accepts inbound streams.
type Listener interface {
	Accept(ctx context.Context) (io.ReadWriteCloser, error)
	Close() error
}

// PeerIdentifier is implemented by streams that know who is on the other end.
type PeerIdentifier interface {
	RemotePeer() models.PeerDevice
}

// ScanCanceller stops an in-progress discovery scan before dialing.
type ScanCanceller interface {
	CancelScan()
}

func remotePeerOf(stream io.ReadWriteCloser) models.PeerDevice {
	if identified, ok := stream.(PeerIdentifier); ok {
		return identified.RemotePeer()
	}
	return models.PeerDevice{}
}
