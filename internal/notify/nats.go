// Package notify dispatches rotation notifications to devices over the
// message broker. Delivery is fire-and-forget: a device that misses a
// notification is recovered by the confirmation timeout.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is where devices listen for rotation notices.
const DefaultSubjectPrefix = "fleet.rotate"

// Publisher sends a payload to a subject. Implementations must not block
// on consumer acknowledgement.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte) error
}

// NATSPublisher publishes over a NATS connection.
type NATSPublisher struct {
	nc *nats.Conn
}

// Connect dials the broker. The connection retries in the background, so a
// broker outage at startup does not block the service.
func Connect(url string, opts ...nats.Option) (*NATSPublisher, error) {
	base := []nats.Option{
		nats.Name("fleetrotate"),
		nats.Timeout(5 * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	nc, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc}, nil
}

// Publish sends payload to subject. The broker buffers the write; errors
// surface only for a closed or draining connection.
func (p *NATSPublisher) Publish(_ context.Context, subject string, payload []byte) error {
	return p.nc.Publish(subject, payload)
}

// Close flushes buffered messages and drops the connection.
func (p *NATSPublisher) Close() {
	_ = p.nc.Flush()
	p.nc.Close()
}
