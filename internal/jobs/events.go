package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when none is configured.
const DefaultSubjectPrefix = "devchain.jobs"

// Event is published on every status transition.
type Event struct {
	JobID  string    `json:"job_id"`
	Name   string    `json:"name,omitempty"`
	Status Status    `json:"status"`
	Phase  string    `json:"phase,omitempty"`
	At     time.Time `json:"at"`
}

// Publisher delivers job events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NATSPublisher publishes events as JSON to <prefix>.<job_id>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher wraps an established connection. The caller owns nc.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("devchaind"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject events for jobID are published on.
func (p *NATSPublisher) Subject(jobID string) string {
	return p.prefix + "." + jobID
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(event.JobID), data); err != nil {
		return fmt.Errorf("publish %s event: %w", event.Status, err)
	}
	return nil
}
