package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/imadama/IoTDeviceManager/internal/cumulocity"
)

// Logger matches the subset of logging.Logger the manager needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// RegistrationStore is the slice of the registration store the manager
// uses during the connect bootstrap.
type RegistrationStore interface {
	IsRegistered(ctx context.Context, deviceID string) (bool, error)
	MarkRegistered(ctx context.Context, deviceID string) error
}

// Settings configures one device connection.
type Settings struct {
	DeviceID   string
	DeviceType string
	Model      string
	Revision   string

	// QoS applies to the downstream subscriptions. Publishes whose
	// acknowledgement carries meaning (bootstrap, heartbeat) are always
	// QoS 1 regardless of this setting.
	QoS byte

	// Backoff shapes the retry delays between failed attempts.
	Backoff Backoff

	// MaxAttempts is the consecutive failure budget before the
	// connection parks in the failed phase.
	MaxAttempts int

	// HeartbeatInterval is the liveness probe period. A session with no
	// acknowledged traffic for two intervals is declared dead.
	HeartbeatInterval time.Duration

	// MissedProbeLimit is the consecutive unacknowledged probes that
	// count as a dead session.
	MissedProbeLimit int

	// DisconnectQuiesce bounds the drain on manual disconnect.
	DisconnectQuiesce time.Duration
}

// Manager drives one device's broker session through its lifecycle:
// connect, register, probe, reconnect with backoff, park on exhaustion.
//
// All methods are safe for concurrent use. Publish fails fast when the
// session is not live; nothing is queued on the manager's behalf.
type Manager struct {
	transport Transport
	settings  Settings
	reg       RegistrationStore
	log       Logger
	topics    cumulocity.Topics

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}

	// lost receives connection loss events from the transport callback
	// and from the heartbeat monitor. Buffered so neither blocks.
	lost chan error

	opMu sync.RWMutex
	onOp func(cumulocity.Operation)
}

// NewManager builds a manager in the disconnected phase. Nothing is
// dialed until Connect.
func NewManager(transport Transport, settings Settings, reg RegistrationStore, log Logger) *Manager {
	if settings.MissedProbeLimit < 1 {
		settings.MissedProbeLimit = 2
	}
	if log == nil {
		log = noopLogger{}
	}
	m := &Manager{
		transport: transport,
		settings:  settings,
		reg:       reg,
		log:       log,
		state:     State{Phase: PhaseDisconnected},
		lost:      make(chan error, 1),
	}
	transport.OnConnectionLost(m.notifyLost)
	return m
}

// OnOperation registers the handler for inbound platform operations.
// Call before Connect; the handler runs on its own goroutine per message.
func (m *Manager) OnOperation(fn func(cumulocity.Operation)) {
	m.opMu.Lock()
	m.onOp = fn
	m.opMu.Unlock()
}

// Status returns a snapshot of the connection state.
func (m *Manager) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts the connect loop. Returns ErrAlreadyConnecting if a
// loop is already running; otherwise returns immediately and the loop
// proceeds in the background. Leaving the failed or manually
// disconnected phase requires this explicit call.
func (m *Manager) Connect(ctx context.Context) error {
	// A loop that parked itself may still be releasing its handle when
	// the caller observes the terminal phase. Wait it out rather than
	// bouncing the caller.
	for {
		m.mu.Lock()
		if m.cancel == nil {
			break
		}
		if !m.state.Terminal() {
			m.mu.Unlock()
			return ErrAlreadyConnecting
		}
		done := m.done
		m.mu.Unlock()
		<-done
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	m.state = State{Phase: PhaseConnecting}
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		m.run(runCtx)

		// The loop parked itself (auth rejection or exhausted budget).
		// Release the handle so a later explicit Connect can start over.
		m.mu.Lock()
		if m.done == done {
			m.cancel = nil
			m.done = nil
		}
		m.mu.Unlock()
	}()
	return nil
}

// Disconnect stops all connection activity and parks the manager in the
// manually disconnected phase. Idempotent; callable from any phase. The
// retry machinery never leaves this phase on its own.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.state = State{Phase: PhaseManuallyDisconnected}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("disconnect: %w", ctx.Err())
		}
	}
	m.transport.Disconnect(m.settings.DisconnectQuiesce)
	return nil
}

// Publish sends one message over the live session. Fails fast with
// ErrNotConnected in every other phase.
func (m *Manager) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	m.mu.Lock()
	live := m.state.Live()
	m.mu.Unlock()
	if !live {
		return ErrNotConnected
	}
	return m.transport.Publish(ctx, topic, qos, payload)
}

// notifyLost is invoked by the transport callback and the heartbeat
// monitor. Coalesces duplicate loss reports for the same session.
func (m *Manager) notifyLost(err error) {
	select {
	case m.lost <- err:
	default:
	}
}

// setState applies mutate to the state under the lock, unless the loop's
// context was cancelled or a manual disconnect claimed the state while
// the loop was off the lock doing I/O. Returns false when the write was
// skipped; the loop must then exit without touching the state again.
func (m *Manager) setState(ctx context.Context, mutate func(*State)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil || m.state.Phase == PhaseManuallyDisconnected {
		return false
	}
	mutate(&m.state)
	return true
}

// backoffWait parks the loop in the reconnecting phase for the attempt's
// backoff delay. Returns false when the wait was aborted.
func (m *Manager) backoffWait(ctx context.Context, attempts int, lastError string) bool {
	delay := m.settings.Backoff.Delay(attempts)
	if !m.setState(ctx, func(s *State) {
		s.Phase = PhaseReconnecting
		s.AttemptCount = attempts
		s.LastError = lastError
		s.NextRetryAt = time.Now().Add(delay)
	}) {
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// run is the connect loop. One goroutine per Connect call; exits on
// cancellation, auth rejection or retry exhaustion.
func (m *Manager) run(ctx context.Context) {
	attempts := 0
	for {
		if !m.setState(ctx, func(s *State) {
			s.Phase = PhaseConnecting
			s.LastAttemptAt = time.Now()
		}) {
			return
		}

		// Drop any loss report left over from the previous session so it
		// cannot be mistaken for a loss of the one being established.
		select {
		case <-m.lost:
		default:
		}

		err := m.transport.Connect(ctx)
		if err == nil {
			err = m.establish(ctx)
			if err != nil {
				m.transport.Disconnect(0)
			}
		}

		if err == nil {
			attempts = 0
			if !m.setState(ctx, func(s *State) {
				s.Phase = PhaseConnected
				s.AttemptCount = 0
				s.LastSuccessAt = time.Now()
				s.NextRetryAt = time.Time{}
				s.LastError = ""
			}) {
				// A manual disconnect won the race while the session was
				// being established. The broker session must not outlive it.
				m.transport.Disconnect(0)
				return
			}
			m.log.Info("connected", "device_id", m.settings.DeviceID)

			lostErr, ok := m.awaitLoss(ctx)
			if !ok {
				return
			}
			m.log.Warn("connection lost",
				"device_id", m.settings.DeviceID,
				"error", lostErr,
			)
			m.transport.Disconnect(0)

			// A lost session restarts the retry ladder at attempt one
			// and sits out the backoff before redialing, same as a
			// failed connect.
			attempts++
			reason := "connection lost"
			if lostErr != nil {
				reason = lostErr.Error()
			}
			if !m.backoffWait(ctx, attempts, reason) {
				return
			}
			continue
		}

		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, ErrAuthenticationFailed) {
			// Credentials do not get better with retries. Attempt
			// count stays where it was; the phase says why we parked.
			if !m.setState(ctx, func(s *State) {
				s.Phase = PhaseFailed
				s.LastError = err.Error()
			}) {
				return
			}
			m.log.Error("authentication rejected, not retrying",
				"device_id", m.settings.DeviceID,
				"error", err,
			)
			return
		}

		attempts++
		m.log.Warn("connect attempt failed",
			"device_id", m.settings.DeviceID,
			"attempt", attempts,
			"error", err,
		)

		if attempts >= m.settings.MaxAttempts {
			if !m.setState(ctx, func(s *State) {
				s.Phase = PhaseFailed
				s.AttemptCount = attempts
				s.LastError = ErrMaxAttemptsExceeded.Error()
			}) {
				return
			}
			m.log.Error("retry budget exhausted",
				"device_id", m.settings.DeviceID,
				"attempts", attempts,
			)
			return
		}

		if !m.backoffWait(ctx, attempts, err.Error()) {
			return
		}
	}
}

// awaitLoss blocks on the live session until it drops or the loop is
// cancelled. Runs the heartbeat monitor alongside. Returns false when
// the loop should exit.
func (m *Manager) awaitLoss(ctx context.Context) (error, bool) {
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go m.heartbeatLoop(hbCtx)

	select {
	case <-ctx.Done():
		return nil, false
	case err := <-m.lost:
		return err, true
	}
}

// heartbeatLoop probes the broker at the configured interval. The QoS 1
// acknowledgement of the probe event is the proof of life; consecutive
// unacknowledged probes mean the session is dead even when the TCP
// socket still looks open.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	if m.settings.HeartbeatInterval <= 0 {
		return
	}

	ticker := time.NewTicker(m.settings.HeartbeatInterval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.settings.HeartbeatInterval)
		err := m.transport.Publish(probeCtx, m.topics.Measurements(), 1,
			[]byte(cumulocity.Heartbeat(m.settings.DeviceID)))
		cancel()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			missed++
			m.log.Debug("heartbeat unacknowledged",
				"device_id", m.settings.DeviceID,
				"missed", missed,
			)
			if missed >= m.settings.MissedProbeLimit {
				m.notifyLost(fmt.Errorf("heartbeat: %d consecutive probes unacknowledged", missed))
				return
			}
			continue
		}
		missed = 0
	}
}

// establish completes session setup on a fresh broker connection:
// downstream subscriptions first, then the one-time registration
// bootstrap. Any failure aborts the attempt and counts as a connect
// failure.
func (m *Manager) establish(ctx context.Context) error {
	if err := m.transport.Subscribe(ctx, m.topics.Errors(), m.settings.QoS, m.handleError); err != nil {
		return fmt.Errorf("subscribe errors: %w", err)
	}
	if err := m.transport.Subscribe(ctx, m.topics.Operations(), m.settings.QoS, m.handleOperation); err != nil {
		return fmt.Errorf("subscribe operations: %w", err)
	}
	return m.ensureRegistered(ctx)
}

// ensureRegistered sends the registration bootstrap exactly once per
// registration record lifetime. The QoS 1 acknowledgement of the
// bootstrap publish is the registration ack.
func (m *Manager) ensureRegistered(ctx context.Context) error {
	registered, err := m.reg.IsRegistered(ctx, m.settings.DeviceID)
	if err != nil {
		return fmt.Errorf("registration check: %w", err)
	}
	if registered {
		return nil
	}

	payload := cumulocity.Bootstrap(
		m.settings.DeviceID,
		m.settings.DeviceType,
		m.settings.Model,
		m.settings.Revision,
	)
	if err := m.transport.Publish(ctx, m.topics.Inventory(m.settings.DeviceID), 1, []byte(payload)); err != nil {
		return fmt.Errorf("registration bootstrap: %w", err)
	}
	if err := m.reg.MarkRegistered(ctx, m.settings.DeviceID); err != nil {
		return fmt.Errorf("mark registered: %w", err)
	}
	m.log.Info("device registered", "device_id", m.settings.DeviceID)
	return nil
}

// handleError processes SmartREST error reports. A registration conflict
// means the platform already knows the device; local state converges to
// registered and the session carries on.
func (m *Manager) handleError(topic string, payload []byte) {
	line, ok := cumulocity.ParseErrorLine(payload)
	if !ok {
		m.log.Debug("unparseable error report", "topic", topic, "payload", string(payload))
		return
	}
	if line.IsRegistrationConflict() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.reg.MarkRegistered(ctx, m.settings.DeviceID); err != nil {
			m.log.Warn("conflict convergence failed",
				"device_id", m.settings.DeviceID,
				"error", err,
			)
		}
		m.log.Debug("registration conflict, treating as registered",
			"device_id", m.settings.DeviceID,
		)
		return
	}
	m.log.Warn("platform error report",
		"device_id", m.settings.DeviceID,
		"code", line.Code,
		"message", line.Message,
	)
}

// handleOperation decodes inbound operations and dispatches to the
// registered handler.
func (m *Manager) handleOperation(_ string, payload []byte) {
	op, ok := cumulocity.ParseOperation(payload)
	if !ok {
		m.log.Debug("unparseable operation", "payload", string(payload))
		return
	}
	if op.DeviceID != "" && op.DeviceID != m.settings.DeviceID {
		return
	}

	m.opMu.RLock()
	fn := m.onOp
	m.opMu.RUnlock()
	if fn != nil {
		go fn(op)
	}
}
