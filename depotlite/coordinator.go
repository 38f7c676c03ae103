package depotlite

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CycleState names the phase the coordinator is in.
type CycleState string

const (
	CycleIdle    CycleState = "idle"
	CyclePushing CycleState = "pushing"
	CyclePulling CycleState = "pulling"
)

// Coordinator serializes sync cycles: at most one cycle runs at a time, and
// triggers arriving mid-cycle coalesce into a single follow-up run. A cycle
// is push then pull; a failed phase ends the cycle, and retries wait for the
// next trigger.
type Coordinator struct {
	client  *Client
	logger  *slog.Logger
	trigger chan struct{}

	mu      sync.Mutex
	state   CycleState
	pending bool
}

// NewCoordinator creates a coordinator over a sync client.
func NewCoordinator(client *Client, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		client:  client,
		logger:  logger,
		trigger: make(chan struct{}, 1),
		state:   CycleIdle,
	}
}

// State reports the current cycle phase.
func (co *Coordinator) State() CycleState {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.state
}

// SyncNow runs a sync cycle, or coalesces into the one already running.
// When called while a cycle is in flight it marks a follow-up and returns
// immediately; the in-flight cycle reruns once after it completes
// successfully. It never stacks more than one follow-up.
func (co *Coordinator) SyncNow(ctx context.Context) error {
	co.mu.Lock()
	if co.state != CycleIdle {
		co.pending = true
		co.mu.Unlock()
		return nil
	}
	co.state = CyclePushing
	co.mu.Unlock()

	for {
		err := co.runCycle(ctx)

		co.mu.Lock()
		rerun := co.pending && err == nil
		co.pending = false
		if !rerun {
			co.state = CycleIdle
			co.mu.Unlock()
			return err
		}
		co.state = CyclePushing
		co.mu.Unlock()
	}
}

func (co *Coordinator) runCycle(ctx context.Context) error {
	started := time.Now()

	if err := co.client.PushOnce(ctx); err != nil {
		co.logger.Error("Push phase failed", "error", err)
		return err
	}

	co.mu.Lock()
	co.state = CyclePulling
	co.mu.Unlock()

	if err := co.client.PullOnce(ctx); err != nil {
		co.logger.Error("Pull phase failed", "error", err)
		return err
	}

	if err := co.client.markLastSync(ctx, time.Now().UTC()); err != nil {
		co.logger.Warn("Failed to record sync completion", "error", err)
	}

	co.logger.Info("Sync cycle completed", "duration", time.Since(started))
	return nil
}

// Run drives periodic sync until the context is canceled. Explicit requests
// via RequestSync or OnConnectivityRestored run between ticks.
func (co *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(co.client.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-co.trigger:
		}
		if err := co.SyncNow(ctx); err != nil {
			co.logger.Warn("Sync cycle failed, waiting for next trigger", "error", err)
		}
	}
}

// RequestSync asks a running Run loop for a cycle without blocking. Repeated
// requests before the loop picks one up collapse into a single cycle.
func (co *Coordinator) RequestSync() {
	select {
	case co.trigger <- struct{}{}:
	default:
	}
}

// OnConnectivityRestored should be called when the network comes back so the
// outbox drains immediately instead of waiting out the interval.
func (co *Coordinator) OnConnectivityRestored() {
	co.logger.Info("Connectivity restored, requesting sync")
	co.RequestSync()
}
