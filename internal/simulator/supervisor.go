package simulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/imadama/IoTDeviceManager/internal/connection"
	"github.com/imadama/IoTDeviceManager/internal/registration"
	"github.com/imadama/IoTDeviceManager/internal/telemetry"
)

// WorkerRunner is the slice of a worker the supervisor drives. The
// concrete implementation is *Worker; tests substitute fakes.
type WorkerRunner interface {
	Run(ctx context.Context)
	Status() WorkerStatus
}

// WorkerFactory builds the runner for a device when it is started.
type WorkerFactory func(device Device) WorkerRunner

// DeviceStatus is one row of the supervisor snapshot, shaped for
// dashboard polling.
type DeviceStatus struct {
	DeviceID        string
	Type            telemetry.DeviceType
	Status          Status
	ConnectionPhase connection.Phase
	AttemptCount    int
	LastPublishedAt time.Time
	RunID           string
	LastError       string
}

// Deps are the supervisor's collaborators.
type Deps struct {
	Repo          Repository
	Registrations registration.Store
	Measurements  telemetry.Store
	NewWorker     WorkerFactory

	// StopGracePeriod bounds the wait for a cancelled worker to unwind
	// before it is abandoned.
	StopGracePeriod time.Duration

	Logger Logger
}

// Supervisor is the authoritative map from device id to worker
// lifecycle. It owns the only cross-worker shared state: the device
// table and the registration store, both mutated through single-key
// atomic operations.
type Supervisor struct {
	repo         Repository
	reg          registration.Store
	measurements telemetry.Store
	newWorker    WorkerFactory
	stopGrace    time.Duration
	log          Logger

	mu         sync.Mutex
	workers    map[string]*workerHandle
	lastErrors map[string]string
}

type workerHandle struct {
	runner        WorkerRunner
	cancel        context.CancelFunc
	done          chan struct{}
	stopRequested bool
}

// NewSupervisor builds a supervisor. Call Restore before first use to
// reconcile device records left behind by a previous process.
func NewSupervisor(deps Deps) *Supervisor {
	log := deps.Logger
	if log == nil {
		log = noopLogger{}
	}
	if deps.StopGracePeriod <= 0 {
		deps.StopGracePeriod = 5 * time.Second
	}
	return &Supervisor{
		repo:         deps.Repo,
		reg:          deps.Registrations,
		measurements: deps.Measurements,
		newWorker:    deps.NewWorker,
		stopGrace:    deps.StopGracePeriod,
		log:          log,
		workers:      make(map[string]*workerHandle),
		lastErrors:   make(map[string]string),
	}
}

// Restore marks every device stopped. Workers are process scoped: a
// cold boot never auto-resumes network connections.
func (s *Supervisor) Restore(ctx context.Context) error {
	n, err := s.repo.MarkAllStopped(ctx)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if n > 0 {
		s.log.Info("previously active devices loaded as stopped", "count", n)
	}
	return nil
}

// Create allocates a fresh device id for the type and persists a
// stopped record.
func (s *Supervisor) Create(ctx context.Context, deviceType string) (Device, error) {
	dt, err := telemetry.ParseType(deviceType)
	if err != nil {
		return Device{}, err
	}
	dev, err := s.repo.Create(ctx, dt)
	if err != nil {
		return Device{}, err
	}
	s.log.Info("device created", "device_id", dev.ID, "device_type", deviceType)
	return dev, nil
}

// Start spawns a worker for the device. The status compare-and-set is
// the arbiter for concurrent Start calls: exactly one wins.
func (s *Supervisor) Start(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	if _, live := s.workers[deviceID]; live {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, deviceID)
	}
	s.mu.Unlock()

	dev, err := s.repo.Get(ctx, deviceID)
	if err != nil {
		return err
	}

	won, err := s.repo.SetStatus(ctx, deviceID, StatusStopped, StatusActive)
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, deviceID)
	}

	runner := s.newWorker(dev)
	wctx, cancel := context.WithCancel(context.Background())
	h := &workerHandle{
		runner: runner,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.workers[deviceID] = h
	delete(s.lastErrors, deviceID)
	s.mu.Unlock()

	go s.supervise(wctx, deviceID, h)

	s.log.Info("device started", "device_id", deviceID)
	return nil
}

// supervise runs the worker and reaps it when it returns. A worker that
// exits without a stop request crashed; the device record is forced to
// stopped and the failure is surfaced in the snapshot.
func (s *Supervisor) supervise(ctx context.Context, deviceID string, h *workerHandle) {
	crash := make(chan string, 1)

	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				crash <- fmt.Sprintf("worker panic: %v", r)
			}
		}()
		h.runner.Run(ctx)
	}()

	<-h.done

	var crashMsg string
	select {
	case crashMsg = <-crash:
	default:
	}

	s.mu.Lock()
	stopRequested := h.stopRequested
	if s.workers[deviceID] == h {
		delete(s.workers, deviceID)
	}
	if !stopRequested {
		if crashMsg == "" {
			crashMsg = "worker exited unexpectedly"
		}
		s.lastErrors[deviceID] = crashMsg
	}
	s.mu.Unlock()

	if !stopRequested {
		s.log.Error("worker died", "device_id", deviceID, "reason", crashMsg)

		reapCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.repo.ForceStatus(reapCtx, deviceID, StatusStopped); err != nil {
			s.log.Error("crashed device not marked stopped",
				"device_id", deviceID,
				"error", err,
			)
		}
	}
}

// Stop cancels the device's worker and waits up to the grace period for
// it to unwind. The record ends up stopped regardless of what the
// worker managed.
func (s *Supervisor) Stop(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	h, live := s.workers[deviceID]
	if live {
		h.stopRequested = true
	}
	s.mu.Unlock()

	if !live {
		if _, err := s.repo.Get(ctx, deviceID); err != nil {
			return err
		}
		// No worker to stop; reconcile the record in case a previous
		// process left it active.
		return s.repo.ForceStatus(ctx, deviceID, StatusStopped)
	}

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(s.stopGrace):
		s.log.Warn("worker did not unwind in time, abandoning",
			"device_id", deviceID,
			"grace", s.stopGrace,
		)
	case <-ctx.Done():
		// The worker is already cancelled and will be discarded when it
		// exits. Reconcile the record even though the caller gave up
		// waiting, so the device does not read as active with no worker.
		forceCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if ferr := s.repo.ForceStatus(forceCtx, deviceID, StatusStopped); ferr != nil {
			s.log.Error("abandoned device not marked stopped",
				"device_id", deviceID,
				"error", ferr,
			)
		}
		return fmt.Errorf("stop: %w", ctx.Err())
	}

	s.mu.Lock()
	if s.workers[deviceID] == h {
		delete(s.workers, deviceID)
	}
	s.mu.Unlock()

	if err := s.repo.ForceStatus(ctx, deviceID, StatusStopped); err != nil {
		return err
	}
	s.log.Info("device stopped", "device_id", deviceID)
	return nil
}

// Delete removes the device and everything recorded for it: the device
// row, the registration record and the persisted measurements. A live
// worker is stopped first.
func (s *Supervisor) Delete(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	_, live := s.workers[deviceID]
	s.mu.Unlock()
	if live {
		if err := s.Stop(ctx, deviceID); err != nil {
			return err
		}
	}

	if err := s.repo.Delete(ctx, deviceID); err != nil {
		return err
	}
	if err := s.reg.Delete(ctx, deviceID); err != nil {
		return fmt.Errorf("delete registration: %w", err)
	}
	if _, err := s.measurements.DeleteByDevice(ctx, deviceID); err != nil {
		return fmt.Errorf("delete measurements: %w", err)
	}

	s.mu.Lock()
	delete(s.lastErrors, deviceID)
	s.mu.Unlock()

	s.log.Info("device deleted", "device_id", deviceID)
	return nil
}

// ResetRegistration clears the registration record without touching the
// device status. The next start re-bootstraps with the platform. No-op
// when already unregistered.
func (s *Supervisor) ResetRegistration(ctx context.Context, deviceID string) error {
	if _, err := s.repo.Get(ctx, deviceID); err != nil {
		return err
	}
	if err := s.reg.Reset(ctx, deviceID); err != nil {
		return fmt.Errorf("reset registration: %w", err)
	}
	s.log.Info("registration reset", "device_id", deviceID)
	return nil
}

// Snapshot returns a point-in-time view of every device. It never
// blocks on in-progress connects; worker status reads are lock-free
// snapshots.
func (s *Supervisor) Snapshot(ctx context.Context) ([]DeviceStatus, error) {
	devices, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	handles := make(map[string]*workerHandle, len(s.workers))
	for id, h := range s.workers {
		handles[id] = h
	}
	lastErrors := make(map[string]string, len(s.lastErrors))
	for id, msg := range s.lastErrors {
		lastErrors[id] = msg
	}
	s.mu.Unlock()

	out := make([]DeviceStatus, 0, len(devices))
	for _, dev := range devices {
		row := DeviceStatus{
			DeviceID:        dev.ID,
			Type:            dev.Type,
			Status:          dev.Status,
			ConnectionPhase: connection.PhaseDisconnected,
			LastError:       lastErrors[dev.ID],
		}
		if h, ok := handles[dev.ID]; ok {
			ws := h.runner.Status()
			row.ConnectionPhase = ws.Connection.Phase
			row.AttemptCount = ws.Connection.AttemptCount
			row.LastPublishedAt = ws.Publisher.LastPublished
			row.RunID = ws.RunID
		}
		out = append(out, row)
	}
	return out, nil
}

// Close stops every live worker. Used on process shutdown.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
