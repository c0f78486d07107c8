package plugrun

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultHealthSchedule runs module health checks once a minute.
const DefaultHealthSchedule = "* * * * *"

// healthCheckTimeout bounds a single module's health check.
const healthCheckTimeout = 10 * time.Second

// HealthChangedPayload is the event payload emitted on
// "plugin:health-changed".
type HealthChangedPayload struct {
	ModuleID string      `json:"moduleId"`
	State    HealthState `json:"state"`
}

// HealthMonitor periodically runs the health checks declared by enabled
// modules and records the outcome in their registry records. State
// transitions are announced on the event bus as "plugin:health-changed".
type HealthMonitor struct {
	mu       sync.Mutex
	cron     *cron.Cron
	entryID  cron.EntryID
	schedule string
	registry *ModuleRegistry
	bus      *EventBus
	logger   Logger
	started  bool
}

// NewHealthMonitor creates a health monitor with the given cron
// schedule; an empty schedule uses DefaultHealthSchedule.
func NewHealthMonitor(registry *ModuleRegistry, bus *EventBus, schedule string, logger Logger) *HealthMonitor {
	if schedule == "" {
		schedule = DefaultHealthSchedule
	}
	return &HealthMonitor{
		cron:     cron.New(),
		schedule: schedule,
		registry: registry,
		bus:      bus,
		logger:   logger,
	}
}

// Start schedules the periodic check run. Starting an already-started
// monitor is a no-op.
func (h *HealthMonitor) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return nil
	}
	entryID, err := h.cron.AddFunc(h.schedule, h.RunChecks)
	if err != nil {
		return fmt.Errorf("scheduling health checks: %w", err)
	}
	h.entryID = entryID
	h.cron.Start()
	h.started = true
	h.logger.Debug("Health monitor started", "schedule", h.schedule)
	return nil
}

// Stop halts scheduling and waits for an in-flight run to finish.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return
	}
	ctx := h.cron.Stop()
	<-ctx.Done()
	h.started = false
}

// RunChecks executes every enabled module's declared health check once.
// Exposed so hosts can trigger an immediate sweep.
func (h *HealthMonitor) RunChecks() {
	for _, rec := range h.registry.EnabledModules() {
		if rec.Manifest.HealthCheck == nil {
			continue
		}
		h.checkModule(rec)
	}
}

func (h *HealthMonitor) checkModule(rec *LoadedModule) {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	state := HealthState{Healthy: true, LastChecked: time.Now()}
	if err := runHealthCheck(ctx, rec.Manifest.HealthCheck); err != nil {
		state.Healthy = false
		state.LastError = err.Error()
		h.logger.Warn("Module health check failed", "module", rec.ID, "error", err)
	}

	changed, err := h.registry.SetHealth(rec.ID, state)
	if err != nil {
		return // module unregistered mid-run
	}
	if changed {
		h.bus.Emit(ctx, "plugin:health-changed", HealthChangedPayload{ModuleID: rec.ID, State: state})
	}
}

// runHealthCheck isolates panics from module health-check code.
func runHealthCheck(ctx context.Context, check HealthCheck) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panicked: %v", r)
		}
	}()
	return check(ctx)
}
