package simulator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imadama/IoTDeviceManager/internal/connection"
	"github.com/imadama/IoTDeviceManager/internal/cumulocity"
	"github.com/imadama/IoTDeviceManager/internal/telemetry"
)

// Logger matches the subset of logging.Logger the simulator needs.
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

// Conn is the connection surface a worker drives. Satisfied by
// connection.Manager.
type Conn interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	Status() connection.State
	OnOperation(fn func(cumulocity.Operation))
}

// MeasurementSink ships measurements platform-side. Satisfied by
// telemetry.Publisher.
type MeasurementSink interface {
	Publish(ctx context.Context, m telemetry.Measurement) (bool, error)
	Stats() telemetry.PublisherStats
}

// Mirror receives a best-effort copy of every measurement. Optional.
type Mirror interface {
	WriteMeasurement(m telemetry.Measurement)
}

// WorkerStatus is a point-in-time view of one worker.
type WorkerStatus struct {
	RunID             string
	Connection        connection.State
	Publisher         telemetry.PublisherStats
	LastMeasurementAt time.Time
}

// WorkerDeps are the collaborators a worker needs.
type WorkerDeps struct {
	Conn     Conn
	Generate telemetry.Generator
	Sink     MeasurementSink
	Store    telemetry.Store
	Mirror   Mirror // may be nil

	Interval          time.Duration
	QoS               byte
	DisconnectTimeout time.Duration
	Logger            Logger
}

// Worker runs the generate, persist, publish loop for one device. All
// connection state is exclusively owned here; the only shared resources
// it touches are the durable stores.
type Worker struct {
	device Device
	runID  string
	deps   WorkerDeps
	log    Logger

	mu                sync.Mutex
	lastMeasurementAt time.Time
}

// NewWorker builds a worker. The run id distinguishes successive
// worker incarnations for the same device in the logs.
func NewWorker(device Device, deps WorkerDeps) *Worker {
	log := deps.Logger
	if log == nil {
		log = noopLogger{}
	}
	if deps.DisconnectTimeout <= 0 {
		deps.DisconnectTimeout = 5 * time.Second
	}
	return &Worker{
		device: device,
		runID:  uuid.NewString(),
		deps:   deps,
		log:    log,
	}
}

// RunID returns the incarnation id assigned at construction.
func (w *Worker) RunID() string {
	return w.runID
}

// Run executes the worker loop until ctx is cancelled. Generation and
// publish are strictly sequential within one device: a tick does not
// start before the previous publish attempt resolved.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker starting",
		"device_id", w.device.ID,
		"device_type", string(w.device.Type),
		"run_id", w.runID,
	)

	w.deps.Conn.OnOperation(w.handleOperation)
	if err := w.deps.Conn.Connect(ctx); err != nil {
		// Connection failures are contained in the manager and show up
		// in status snapshots. This is only a programming error.
		w.log.Warn("connect not started", "device_id", w.device.ID, "error", err)
	}

	ticker := time.NewTicker(w.deps.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.shutdown()
			return
		case now := <-ticker.C:
			w.tick(ctx, now)
		}
	}
}

// tick produces one measurement, appends it durably and offers it to the
// sink. The durable append happens regardless of delivery outcome.
func (w *Worker) tick(ctx context.Context, now time.Time) {
	m := w.deps.Generate(w.device.ID, now)

	if err := w.deps.Store.Append(ctx, m); err != nil {
		w.log.Error("measurement append failed",
			"device_id", w.device.ID,
			"error", err,
		)
	}

	sent, err := w.deps.Sink.Publish(ctx, m)
	if err != nil {
		w.log.Warn("measurement publish failed",
			"device_id", w.device.ID,
			"error", err,
		)
	}
	if sent {
		w.mu.Lock()
		w.lastMeasurementAt = m.Timestamp
		w.mu.Unlock()
	}

	if w.deps.Mirror != nil {
		w.deps.Mirror.WriteMeasurement(m)
	}
}

// shutdown unwinds the worker within the disconnect grace window.
func (w *Worker) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), w.deps.DisconnectTimeout)
	defer cancel()

	if err := w.deps.Conn.Disconnect(ctx); err != nil {
		w.log.Warn("disconnect incomplete",
			"device_id", w.device.ID,
			"error", err,
		)
	}
	w.log.Info("worker stopped", "device_id", w.device.ID, "run_id", w.runID)
}

// handleOperation answers inbound platform operations. A restart is
// acknowledged with executing then complete; the simulated restart
// itself is instantaneous.
func (w *Worker) handleOperation(op cumulocity.Operation) {
	if !op.IsRestart() {
		w.log.Debug("unsupported operation ignored",
			"device_id", w.device.ID,
			"template", op.Template,
		)
		return
	}

	w.log.Info("restart operation received", "device_id", w.device.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	topic := cumulocity.Topics{}.Measurements()
	executing := cumulocity.OperationAck(cumulocity.TemplateOperationExecuting, cumulocity.OperationRestart)
	if err := w.deps.Conn.Publish(ctx, topic, w.deps.QoS, []byte(executing)); err != nil {
		w.log.Warn("restart ack not delivered", "device_id", w.device.ID, "error", err)
		return
	}

	complete := cumulocity.OperationAck(cumulocity.TemplateOperationComplete, cumulocity.OperationRestart)
	if err := w.deps.Conn.Publish(ctx, topic, w.deps.QoS, []byte(complete)); err != nil {
		failure := cumulocity.OperationFailure(cumulocity.OperationRestart, err.Error())
		if ferr := w.deps.Conn.Publish(ctx, topic, w.deps.QoS, []byte(failure)); ferr != nil {
			w.log.Warn("restart failure report not delivered",
				"device_id", w.device.ID,
				"error", ferr,
			)
		}
	}
}

// Status returns a snapshot of worker state.
func (w *Worker) Status() WorkerStatus {
	w.mu.Lock()
	last := w.lastMeasurementAt
	w.mu.Unlock()

	return WorkerStatus{
		RunID:             w.runID,
		Connection:        w.deps.Conn.Status(),
		Publisher:         w.deps.Sink.Stats(),
		LastMeasurementAt: last,
	}
}
