package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Transport is the broker session a Manager drives. The production
// implementation wraps paho; tests substitute a scripted fake.
//
// One Transport carries one device's session. Auto-reconnect must be
// disabled in the implementation: retry policy belongs to the Manager.
type Transport interface {
	// Connect performs the broker handshake. Authentication rejections
	// wrap ErrAuthenticationFailed; timeouts wrap ErrConnectTimeout.
	Connect(ctx context.Context) error

	// Disconnect tears the session down, waiting up to quiesce for
	// in-flight operations. Safe to call when not connected.
	Disconnect(quiesce time.Duration)

	// Publish sends one message and waits for the broker to take it
	// (PUBACK at QoS 1+).
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error

	// Subscribe registers a handler for a topic. Must be called after
	// Connect; subscriptions do not survive a reconnect.
	Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error

	// OnConnectionLost registers the callback invoked when an
	// established session drops. Set before Connect.
	OnConnectionLost(fn func(error))
}

// MessageHandler receives inbound messages. Invoked from the transport's
// read goroutine; must not block.
type MessageHandler func(topic string, payload []byte)

// DialConfig describes how a device session reaches the broker.
type DialConfig struct {
	Host     string
	Port     int
	TLS      bool
	ClientID string
	Username string
	Password string

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	KeepAlive      time.Duration
}

const (
	defaultPublishTimeout = 5 * time.Second
	defaultKeepAlive      = 60 * time.Second
	tlsMinVersion         = tls.VersionTLS12
)

// PahoTransport implements Transport over paho.mqtt.golang. One instance
// per device connection; a fresh instance per Manager.
type PahoTransport struct {
	cfg    DialConfig
	client pahomqtt.Client
	onLost func(error)
}

// NewPahoTransport builds a transport. The session is not dialed until
// Connect.
func NewPahoTransport(cfg DialConfig) *PahoTransport {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	return &PahoTransport{cfg: cfg}
}

func (t *PahoTransport) OnConnectionLost(fn func(error)) {
	t.onLost = fn
}

func (t *PahoTransport) Connect(ctx context.Context) error {
	opts := t.buildOptions()
	t.client = pahomqtt.NewClient(opts)

	token := t.client.Connect()
	select {
	case <-ctx.Done():
		t.client.Disconnect(0)
		return fmt.Errorf("connect: %w", ctx.Err())
	case <-token.Done():
	case <-time.After(t.cfg.ConnectTimeout):
		t.client.Disconnect(0)
		return fmt.Errorf("%w: no CONNACK after %v", ErrConnectTimeout, t.cfg.ConnectTimeout)
	}

	if err := token.Error(); err != nil {
		return classifyConnectError(err)
	}
	return nil
}

func (t *PahoTransport) buildOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if t.cfg.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, t.cfg.Host, t.cfg.Port))
	opts.SetClientID(t.cfg.ClientID)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}

	opts.SetCleanSession(true)

	// The Manager owns retry policy. Paho must report the loss and stop.
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	opts.SetConnectTimeout(t.cfg.ConnectTimeout)
	opts.SetKeepAlive(t.cfg.KeepAlive)

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		if t.onLost != nil {
			t.onLost(err)
		}
	})

	if t.cfg.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	return opts
}

func (t *PahoTransport) Disconnect(quiesce time.Duration) {
	if t.client == nil {
		return
	}
	t.client.Disconnect(uint(quiesce.Milliseconds()))
}

func (t *PahoTransport) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	if t.client == nil || !t.client.IsConnected() {
		return ErrNotConnected
	}

	token := t.client.Publish(topic, qos, false, payload)
	select {
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	case <-token.Done():
	case <-time.After(t.cfg.PublishTimeout):
		return fmt.Errorf("publish %s: no ack after %v", topic, t.cfg.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (t *PahoTransport) Subscribe(ctx context.Context, topic string, qos byte, handler MessageHandler) error {
	if t.client == nil || !t.client.IsConnected() {
		return ErrNotConnected
	}

	token := t.client.Subscribe(topic, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	select {
	case <-ctx.Done():
		return fmt.Errorf("subscribe %s: %w", topic, ctx.Err())
	case <-token.Done():
	case <-time.After(t.cfg.PublishTimeout):
		return fmt.Errorf("subscribe %s: no ack after %v", topic, t.cfg.PublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// classifyConnectError maps paho CONNACK rejections onto the package
// sentinels so the Manager can pick retry policy with errors.Is.
func classifyConnectError(err error) error {
	switch {
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	default:
		return fmt.Errorf("connect: %w", err)
	}
}

var _ Transport = (*PahoTransport)(nil)
