package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/imadama/IoTDeviceManager/internal/connection"
	"github.com/imadama/IoTDeviceManager/internal/cumulocity"
)

// Logger matches the subset of logging.Logger the publisher needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Sender publishes a payload to a broker topic. Satisfied by
// connection.Manager.
type Sender interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
}

// Publisher ships measurements to the platform over an established
// connection. Measurements are fire-and-forget: when the connection is
// down or the rate limit is exceeded the measurement is dropped and
// counted, never queued.
type Publisher struct {
	sender  Sender
	qos     byte
	limiter *rate.Limiter
	log     Logger

	mu             sync.Mutex
	lastPublished  time.Time
	published      atomic.Uint64
	droppedOffline atomic.Uint64
	droppedRate    atomic.Uint64
}

// PublisherStats is a point-in-time view of publisher counters.
type PublisherStats struct {
	Published      uint64
	DroppedOffline uint64
	DroppedRate    uint64
	LastPublished  time.Time
}

// NewPublisher builds a publisher limited to ratePerSec measurements per
// second with the given burst. A ratePerSec of zero disables limiting.
func NewPublisher(sender Sender, qos byte, ratePerSec float64, burst int, log Logger) *Publisher {
	limit := rate.Inf
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
	}
	if burst < 1 {
		burst = 1
	}
	if log == nil {
		log = noopLogger{}
	}
	return &Publisher{
		sender:  sender,
		qos:     qos,
		limiter: rate.NewLimiter(limit, burst),
		log:     log,
	}
}

// Publish sends one measurement. Returns true when the measurement was
// handed to the broker, false when it was dropped. Drops are normal
// operation, not errors; a real transport failure is returned alongside
// false.
func (p *Publisher) Publish(ctx context.Context, m Measurement) (bool, error) {
	if !p.limiter.Allow() {
		p.droppedRate.Add(1)
		p.log.Debug("measurement dropped: rate limited", "device_id", m.DeviceID)
		return false, nil
	}

	err := p.sender.Publish(ctx, cumulocity.Topics{}.Measurements(), p.qos, m.Payload())
	if err != nil {
		if errors.Is(err, connection.ErrNotConnected) {
			p.droppedOffline.Add(1)
			p.log.Debug("measurement dropped: not connected", "device_id", m.DeviceID)
			return false, nil
		}
		return false, err
	}

	p.published.Add(1)
	p.mu.Lock()
	p.lastPublished = m.Timestamp
	p.mu.Unlock()
	return true, nil
}

// Stats returns the publisher counters.
func (p *Publisher) Stats() PublisherStats {
	p.mu.Lock()
	last := p.lastPublished
	p.mu.Unlock()
	return PublisherStats{
		Published:      p.published.Load(),
		DroppedOffline: p.droppedOffline.Load(),
		DroppedRate:    p.droppedRate.Load(),
		LastPublished:  last,
	}
}
