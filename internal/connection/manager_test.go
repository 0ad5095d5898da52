package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/imadama/IoTDeviceManager/internal/cumulocity"
)

// fakeTransport scripts broker behavior per connect attempt and records
// everything published.
type fakeTransport struct {
	mu          sync.Mutex
	connectErrs []error // one result per Connect call; exhausted means success
	connects    int
	publishErr  error
	published   []fakeMessage
	subs        map[string]MessageHandler
	subQoS      map[string]byte
	subStarted  chan struct{} // closed when a gated Subscribe is entered
	subGate     chan struct{} // gated Subscribe blocks until this closes
	onLost      func(error)
}

type fakeMessage struct {
	topic   string
	qos     byte
	payload string
}

func newFakeTransport(connectErrs ...error) *fakeTransport {
	return &fakeTransport{
		connectErrs: connectErrs,
		subs:        make(map[string]MessageHandler),
		subQoS:      make(map[string]byte),
	}
}

// gateNextSubscribe makes the next Subscribe call block. The returned
// started channel closes when the call is entered; close release to let
// it through.
func (f *fakeTransport) gateNextSubscribe() (started, release chan struct{}) {
	started = make(chan struct{})
	release = make(chan struct{})
	f.mu.Lock()
	f.subStarted = started
	f.subGate = release
	f.mu.Unlock()
	return started, release
}

func (f *fakeTransport) Connect(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.connects
	f.connects++
	if i < len(f.connectErrs) {
		return f.connectErrs[i]
	}
	return nil
}

func (f *fakeTransport) Disconnect(time.Duration) {}

func (f *fakeTransport) Publish(_ context.Context, topic string, qos byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, fakeMessage{topic: topic, qos: qos, payload: string(payload)})
	return nil
}

func (f *fakeTransport) Subscribe(_ context.Context, topic string, qos byte, handler MessageHandler) error {
	f.mu.Lock()
	started, gate := f.subStarted, f.subGate
	f.subStarted, f.subGate = nil, nil
	f.mu.Unlock()
	if started != nil {
		close(started)
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = handler
	f.subQoS[topic] = qos
	return nil
}

func (f *fakeTransport) subscribedQoS(topic string) (byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	qos, ok := f.subQoS[topic]
	return qos, ok
}

func (f *fakeTransport) OnConnectionLost(fn func(error)) {
	f.onLost = fn
}

func (f *fakeTransport) deliver(topic string, payload string) {
	f.mu.Lock()
	handler := f.subs[topic]
	f.mu.Unlock()
	if handler != nil {
		handler(topic, []byte(payload))
	}
}

func (f *fakeTransport) loseConnection(err error) {
	if f.onLost != nil {
		f.onLost(err)
	}
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) setPublishErr(err error) {
	f.mu.Lock()
	f.publishErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) messages() []fakeMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeMessage, len(f.published))
	copy(out, f.published)
	return out
}

// fakeRegStore is an in-memory registration store.
type fakeRegStore struct {
	mu         sync.Mutex
	registered map[string]bool
}

func newFakeRegStore() *fakeRegStore {
	return &fakeRegStore{registered: make(map[string]bool)}
}

func (f *fakeRegStore) IsRegistered(_ context.Context, deviceID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registered[deviceID], nil
}

func (f *fakeRegStore) MarkRegistered(_ context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[deviceID] = true
	return nil
}

func testSettings() Settings {
	return Settings{
		DeviceID:          "pv001",
		DeviceType:        "solar",
		Model:             "SolarSim",
		Revision:          "1.0",
		QoS:               1,
		Backoff:           Backoff{Base: time.Millisecond, Max: 4 * time.Millisecond},
		MaxAttempts:       5,
		HeartbeatInterval: 0, // monitor disabled unless a test enables it
		MissedProbeLimit:  2,
	}
}

func waitForPhase(t *testing.T, m *Manager, want Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Status().Phase == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("phase = %q, want %q", m.Status().Phase, want)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func TestInitialPhaseIsDisconnected(t *testing.T) {
	m := NewManager(newFakeTransport(), testSettings(), newFakeRegStore(), nil)
	if got := m.Status().Phase; got != PhaseDisconnected {
		t.Errorf("Phase = %q, want %q", got, PhaseDisconnected)
	}
}

func TestConnectEstablishesSession(t *testing.T) {
	transport := newFakeTransport()
	reg := newFakeRegStore()
	m := NewManager(transport, testSettings(), reg, nil)
	defer m.Disconnect(context.Background())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitForPhase(t, m, PhaseConnected)

	state := m.Status()
	if state.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0", state.AttemptCount)
	}
	if state.LastSuccessAt.IsZero() {
		t.Error("LastSuccessAt not set")
	}

	registered, _ := reg.IsRegistered(context.Background(), "pv001")
	if !registered {
		t.Error("device not marked registered after bootstrap")
	}

	var bootstrap *fakeMessage
	for _, msg := range transport.messages() {
		if msg.topic == "s/ud/pv001" {
			bootstrap = &msg
			break
		}
	}
	if bootstrap == nil {
		t.Fatal("no bootstrap published to s/ud/pv001")
	}
	if bootstrap.qos != 1 {
		t.Errorf("bootstrap qos = %d, want 1", bootstrap.qos)
	}
	if !strings.HasPrefix(bootstrap.payload, "100,pv001,solar") {
		t.Errorf("bootstrap payload = %q, want 100,pv001,solar prefix", bootstrap.payload)
	}
}

func TestSubscriptionsUseConfiguredQoS(t *testing.T) {
	transport := newFakeTransport()
	settings := testSettings()
	settings.QoS = 0
	m := NewManager(transport, settings, newFakeRegStore(), nil)
	defer m.Disconnect(context.Background())

	m.Connect(context.Background())
	waitForPhase(t, m, PhaseConnected)

	for _, topic := range []string{"s/e", "s/ds"} {
		qos, ok := transport.subscribedQoS(topic)
		if !ok {
			t.Fatalf("no subscription on %s", topic)
		}
		if qos != 0 {
			t.Errorf("subscription qos on %s = %d, want 0", topic, qos)
		}
	}

	// The bootstrap ack is the registration ack, so it stays QoS 1.
	for _, msg := range transport.messages() {
		if msg.topic == "s/ud/pv001" && msg.qos != 1 {
			t.Errorf("bootstrap qos = %d, want 1", msg.qos)
		}
	}
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	transport := newFakeTransport(
		errors.New("connection refused"),
		errors.New("connection refused"),
	)
	m := NewManager(transport, testSettings(), newFakeRegStore(), nil)
	defer m.Disconnect(context.Background())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitForPhase(t, m, PhaseConnected)

	if got := transport.connectCount(); got != 3 {
		t.Errorf("connect attempts = %d, want 3", got)
	}
	if got := m.Status().AttemptCount; got != 0 {
		t.Errorf("AttemptCount after success = %d, want 0", got)
	}
}

func TestConnectWhileRunningReturnsError(t *testing.T) {
	m := NewManager(newFakeTransport(), testSettings(), newFakeRegStore(), nil)
	defer m.Disconnect(context.Background())

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("first Connect() error = %v", err)
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnecting) {
		t.Errorf("second Connect() error = %v, want ErrAlreadyConnecting", err)
	}
}

func TestAuthRejectionDoesNotRetry(t *testing.T) {
	transport := newFakeTransport(
		fmt.Errorf("%w: bad user name or password", ErrAuthenticationFailed),
	)
	m := NewManager(transport, testSettings(), newFakeRegStore(), nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitForPhase(t, m, PhaseFailed)

	state := m.Status()
	if state.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, want 0 for auth rejection", state.AttemptCount)
	}
	if got := transport.connectCount(); got != 1 {
		t.Errorf("connect attempts = %d, want 1", got)
	}

	// Parked: no further attempts without an explicit Connect.
	time.Sleep(20 * time.Millisecond)
	if got := transport.connectCount(); got != 1 {
		t.Errorf("connect attempts after parking = %d, want 1", got)
	}
}

func TestRetryBudgetExhaustion(t *testing.T) {
	var errs []error
	for i := 0; i < 10; i++ {
		errs = append(errs, errors.New("connection refused"))
	}
	transport := newFakeTransport(errs...)

	settings := testSettings()
	settings.MaxAttempts = 3
	m := NewManager(transport, settings, newFakeRegStore(), nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitForPhase(t, m, PhaseFailed)

	state := m.Status()
	if state.AttemptCount != 3 {
		t.Errorf("AttemptCount = %d, want 3", state.AttemptCount)
	}
	if state.LastError != ErrMaxAttemptsExceeded.Error() {
		t.Errorf("LastError = %q, want %q", state.LastError, ErrMaxAttemptsExceeded.Error())
	}
	if got := transport.connectCount(); got != 3 {
		t.Errorf("connect attempts = %d, want 3", got)
	}
}

func TestExplicitConnectLeavesFailed(t *testing.T) {
	transport := newFakeTransport(errors.New("refused"))
	settings := testSettings()
	settings.MaxAttempts = 1
	m := NewManager(transport, settings, newFakeRegStore(), nil)
	defer m.Disconnect(context.Background())

	m.Connect(context.Background())
	waitForPhase(t, m, PhaseFailed)

	// The failed phase clears the running loop, so Connect starts over.
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() from failed error = %v", err)
	}
	waitForPhase(t, m, PhaseConnected)
}

func TestPublishFailsFastWhenNotLive(t *testing.T) {
	m := NewManager(newFakeTransport(), testSettings(), newFakeRegStore(), nil)

	err := m.Publish(context.Background(), "s/us", 1, []byte("400,test,x"))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

func TestManualDisconnect(t *testing.T) {
	transport := newFakeTransport()
	m := NewManager(transport, testSettings(), newFakeRegStore(), nil)

	m.Connect(context.Background())
	waitForPhase(t, m, PhaseConnected)

	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if got := m.Status().Phase; got != PhaseManuallyDisconnected {
		t.Errorf("Phase = %q, want %q", got, PhaseManuallyDisconnected)
	}

	// Idempotent.
	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect() error = %v", err)
	}

	if err := m.Publish(context.Background(), "s/us", 1, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() after disconnect error = %v, want ErrNotConnected", err)
	}

	// No retry machinery runs after a manual disconnect.
	before := transport.connectCount()
	transport.loseConnection(errors.New("late loss report"))
	time.Sleep(20 * time.Millisecond)
	if got := transport.connectCount(); got != before {
		t.Errorf("connect attempts after manual disconnect = %d, want %d", got, before)
	}
}

func TestDisconnectDuringEstablish(t *testing.T) {
	transport := newFakeTransport()
	started, release := transport.gateNextSubscribe()
	m := NewManager(transport, testSettings(), newFakeRegStore(), nil)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	<-started

	// Disconnect while the session is still being established. It waits
	// for the loop to unwind, so run it alongside and release the gated
	// subscribe once the terminal phase is claimed.
	errc := make(chan error, 1)
	go func() { errc <- m.Disconnect(context.Background()) }()
	waitForPhase(t, m, PhaseManuallyDisconnected)
	close(release)

	if err := <-errc; err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	// The in-flight attempt must not resurface as connected.
	time.Sleep(20 * time.Millisecond)
	if got := m.Status().Phase; got != PhaseManuallyDisconnected {
		t.Errorf("Phase after Disconnect = %q, want %q", got, PhaseManuallyDisconnected)
	}
	if got := transport.connectCount(); got != 1 {
		t.Errorf("connect attempts = %d, want 1", got)
	}
}

func TestDisconnectBeforeConnect(t *testing.T) {
	m := NewManager(newFakeTransport(), testSettings(), newFakeRegStore(), nil)
	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if got := m.Status().Phase; got != PhaseManuallyDisconnected {
		t.Errorf("Phase = %q, want %q", got, PhaseManuallyDisconnected)
	}
}

func TestConnectionLossTriggersReconnect(t *testing.T) {
	transport := newFakeTransport()
	m := NewManager(transport, testSettings(), newFakeRegStore(), nil)
	defer m.Disconnect(context.Background())

	m.Connect(context.Background())
	waitForPhase(t, m, PhaseConnected)

	transport.loseConnection(errors.New("EOF"))
	waitFor(t, func() bool { return transport.connectCount() >= 2 }, "no reconnect after loss")
	waitForPhase(t, m, PhaseConnected)
}

func TestConnectionLossBacksOff(t *testing.T) {
	transport := newFakeTransport()
	settings := testSettings()
	settings.Backoff = Backoff{Base: time.Hour, Max: time.Hour}
	m := NewManager(transport, settings, newFakeRegStore(), nil)
	defer m.Disconnect(context.Background())

	m.Connect(context.Background())
	waitForPhase(t, m, PhaseConnected)

	transport.loseConnection(errors.New("broker closed connection"))
	waitForPhase(t, m, PhaseReconnecting)

	state := m.Status()
	if state.AttemptCount != 1 {
		t.Errorf("AttemptCount after loss = %d, want 1", state.AttemptCount)
	}
	until := time.Until(state.NextRetryAt)
	if until < 45*time.Minute || until > 70*time.Minute {
		t.Errorf("NextRetryAt %v away, want about one backoff delay", until)
	}

	// The redial sits out the backoff instead of hammering the broker.
	time.Sleep(50 * time.Millisecond)
	if got := transport.connectCount(); got != 1 {
		t.Errorf("connect attempts during backoff = %d, want 1", got)
	}
}

func TestBootstrapSkippedWhenAlreadyRegistered(t *testing.T) {
	transport := newFakeTransport()
	reg := newFakeRegStore()
	reg.MarkRegistered(context.Background(), "pv001")
	m := NewManager(transport, testSettings(), reg, nil)
	defer m.Disconnect(context.Background())

	m.Connect(context.Background())
	waitForPhase(t, m, PhaseConnected)

	for _, msg := range transport.messages() {
		if msg.topic == "s/ud/pv001" {
			t.Errorf("bootstrap published for already registered device: %q", msg.payload)
		}
	}
}

func TestRegistrationConflictConverges(t *testing.T) {
	transport := newFakeTransport()
	reg := newFakeRegStore()
	m := NewManager(transport, testSettings(), reg, nil)
	defer m.Disconnect(context.Background())

	m.Connect(context.Background())
	waitForPhase(t, m, PhaseConnected)

	reg.mu.Lock()
	reg.registered["pv001"] = false
	reg.mu.Unlock()

	transport.deliver("s/e", "50,409,managedObject already exists")
	waitFor(t, func() bool {
		ok, _ := reg.IsRegistered(context.Background(), "pv001")
		return ok
	}, "conflict did not converge registration state")
}

func TestOperationDispatch(t *testing.T) {
	transport := newFakeTransport()
	m := NewManager(transport, testSettings(), newFakeRegStore(), nil)
	defer m.Disconnect(context.Background())

	ops := make(chan cumulocity.Operation, 1)
	m.OnOperation(func(op cumulocity.Operation) { ops <- op })

	m.Connect(context.Background())
	waitForPhase(t, m, PhaseConnected)

	transport.deliver("s/ds", "510,pv001")
	select {
	case op := <-ops:
		if !op.IsRestart() {
			t.Errorf("operation template = %d, want restart", op.Template)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("operation not dispatched")
	}
}

func TestOperationForOtherDeviceIgnored(t *testing.T) {
	transport := newFakeTransport()
	m := NewManager(transport, testSettings(), newFakeRegStore(), nil)
	defer m.Disconnect(context.Background())

	ops := make(chan cumulocity.Operation, 1)
	m.OnOperation(func(op cumulocity.Operation) { ops <- op })

	m.Connect(context.Background())
	waitForPhase(t, m, PhaseConnected)

	transport.deliver("s/ds", "510,heatpump001")
	select {
	case op := <-ops:
		t.Errorf("operation for other device dispatched: %+v", op)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHeartbeatDetectsDeadSession(t *testing.T) {
	transport := newFakeTransport()
	reg := newFakeRegStore()
	reg.MarkRegistered(context.Background(), "pv001")

	settings := testSettings()
	settings.HeartbeatInterval = 10 * time.Millisecond
	m := NewManager(transport, settings, reg, nil)
	defer m.Disconnect(context.Background())

	m.Connect(context.Background())
	waitForPhase(t, m, PhaseConnected)

	// Session looks open but nothing gets acknowledged.
	transport.setPublishErr(errors.New("no ack"))
	waitFor(t, func() bool { return transport.connectCount() >= 2 }, "dead session not detected")

	transport.setPublishErr(nil)
	waitForPhase(t, m, PhaseConnected)
}
