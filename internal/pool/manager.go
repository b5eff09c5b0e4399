package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bifrost/backend/internal/bus"
	"github.com/bifrost/backend/internal/config"
	"github.com/bifrost/backend/internal/execctx"
)

// Worker states.
const (
	StateIdle      = "IDLE"
	StateBusy      = "BUSY"
	StateKilled    = "KILLED"
	StateRecycling = "RECYCLING"
)

// ErrNoWorkerAvailable is returned when routing waited out its bound
// without an idle worker appearing. Retryable.
var ErrNoWorkerAvailable = errors.New("no worker available")

// ErrShuttingDown rejects routes arriving during shutdown.
var ErrShuttingDown = errors.New("pool is shutting down")

// boundsKey persists resize decisions across pool restarts.
const boundsKey = "pool:bounds"

// KV is the registration surface the pool needs from the key-value
// store: TTL hashes for heartbeat registration and the persisted
// bounds row.
type KV interface {
	HSetAll(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	Del(ctx context.Context, keys ...string) error
}

// currentExecution tracks the single in-flight execution of one worker.
type currentExecution struct {
	ExecutionID    string
	StartedAt      time.Time
	TimeoutSeconds int
}

// workerRecord is the manager's view of one worker. All fields are
// guarded by Manager.mu.
type workerRecord struct {
	pid            int
	proc           Proc
	state          string
	pendingRecycle bool
	completed      int
	spawnedAt      time.Time
	current        *currentExecution
}

// ResultCallback receives every terminal execution result exactly once.
type ResultCallback func(execctx.ExecutionResult)

// Status is a point-in-time pool snapshot for operators and the event
// stream.
type Status struct {
	PoolID       string               `json:"pool_id"`
	Hostname     string               `json:"hostname"`
	MinWorkers   int                  `json:"min_workers"`
	MaxWorkers   int                  `json:"max_workers"`
	OverCapacity bool                 `json:"over_capacity"`
	Workers      []bus.WorkerSnapshot `json:"workers"`
}

// Manager owns the worker fleet.
type Manager struct {
	poolID    string
	hostname  string
	startedAt time.Time
	backend   Backend
	contexts  *execctx.Store
	eventBus  bus.Bus
	kv        KV
	callback  ResultCallback
	metrics   *Metrics
	logger    *log.Logger

	defaultTimeout int
	recycleAfter   int
	grace          time.Duration
	routeWait      time.Duration
	heartbeatEvery time.Duration

	mu      sync.Mutex
	min     int
	max     int
	workers map[int]*workerRecord

	idle    chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	unsubs  []func()
	stopped bool
}

func NewManager(cfg config.PoolConfig, backend Backend, contexts *execctx.Store, eventBus bus.Bus, kv KV, metrics *Metrics, callback ResultCallback) *Manager {
	hostname, _ := os.Hostname()
	return &Manager{
		poolID:         uuid.NewString(),
		hostname:       hostname,
		startedAt:      time.Now(),
		backend:        backend,
		contexts:       contexts,
		eventBus:       eventBus,
		kv:             kv,
		callback:       callback,
		metrics:        metrics,
		logger:         log.New(log.Writer(), "[Pool] ", log.LstdFlags),
		defaultTimeout: cfg.DefaultTimeoutSeconds,
		recycleAfter:   cfg.RecycleAfterExecutions,
		grace:          cfg.GracefulShutdown(),
		routeWait:      cfg.RouteWait(),
		heartbeatEvery: cfg.HeartbeatInterval(),
		min:            cfg.MinWorkers,
		max:            cfg.MaxWorkers,
		workers:        make(map[int]*workerRecord),
		idle:           make(chan struct{}, 64),
		stop:           make(chan struct{}),
	}
}

func (m *Manager) PoolID() string { return m.poolID }

// Start spawns the initial fleet, reconciles persisted bounds and
// launches the background loops.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	for len(m.workers) < m.min {
		if err := m.spawnLocked(ctx); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("initial spawn: %w", err)
		}
	}
	m.mu.Unlock()

	// Persisted bounds win over static config: a resize survives
	// restarts.
	if fields, err := m.kv.HGetAll(ctx, boundsKey); err == nil && len(fields) > 0 {
		pmin, _ := strconv.Atoi(fields["min_workers"])
		pmax, _ := strconv.Atoi(fields["max_workers"])
		if pmin >= 2 && pmin <= pmax && (pmin != m.min || pmax != m.max) {
			if err := m.Resize(ctx, pmin, pmax); err != nil {
				m.logger.Printf("Reconcile persisted bounds failed: %v", err)
			}
		}
	}

	unsubCancel, err := m.eventBus.Subscribe(ctx, bus.ChannelCancel, m.onCancelMessage)
	if err != nil {
		return fmt.Errorf("subscribe cancel channel: %w", err)
	}
	m.unsubs = append(m.unsubs, unsubCancel)

	unsubCmd, err := m.eventBus.Subscribe(ctx, bus.CommandChannel(m.poolID), m.onCommandMessage)
	if err != nil {
		return fmt.Errorf("subscribe command channel: %w", err)
	}
	m.unsubs = append(m.unsubs, unsubCmd)

	m.wg.Add(3)
	go m.monitorLoop(ctx)
	go m.resultLoop(ctx)
	go m.heartbeatLoop(ctx)

	m.logger.Printf("Pool %s started: min=%d max=%d", m.poolID, m.min, m.max)
	return nil
}

// =============================================================================
// Routing
// =============================================================================

// Route dispatches an execution: persist its context, claim an idle
// worker (spawning within bounds), and send the id down the work
// channel. Blocks at most routeWait for an idle worker.
func (m *Manager) Route(ctx context.Context, executionID string, ec *execctx.ExecutionContext) error {
	ec.ExecutionID = executionID
	if ec.TimeoutSeconds <= 0 {
		ec.TimeoutSeconds = m.defaultTimeout
	}
	if ec.Deadline.IsZero() {
		ec.Deadline = time.Now().Add(time.Duration(ec.TimeoutSeconds) * time.Second)
	}
	if err := m.contexts.Set(ctx, ec); err != nil {
		return fmt.Errorf("persist execution context: %w", err)
	}

	start := time.Now()
	timer := time.NewTimer(m.routeWait)
	defer timer.Stop()

	for {
		w := m.claim(ctx, executionID, ec.TimeoutSeconds)
		if w != nil {
			if err := w.proc.Send(executionID); err != nil {
				m.logger.Printf("Send to worker %d failed, discarding worker: %v", w.pid, err)
				m.discard(w)
				m.ensureMin(ctx)
				continue
			}
			if m.metrics != nil {
				m.metrics.RouteWait.Observe(time.Since(start).Seconds())
			}
			return nil
		}

		select {
		case <-m.idle:
		case <-timer.C:
			if m.metrics != nil {
				m.metrics.RouteOverflow.Inc()
			}
			return ErrNoWorkerAvailable
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stop:
			return ErrShuttingDown
		}
	}
}

// claim finds and marks an idle worker BUSY, spawning one when the
// fleet is below max. Returns nil when the caller must wait.
func (m *Manager) claim(ctx context.Context, executionID string, timeoutSeconds int) *workerRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.workers {
		if w.state == StateIdle && !w.pendingRecycle && w.proc.Alive() {
			w.state = StateBusy
			w.current = &currentExecution{
				ExecutionID:    executionID,
				StartedAt:      time.Now(),
				TimeoutSeconds: timeoutSeconds,
			}
			return w
		}
	}
	if len(m.workers) < m.max {
		if err := m.spawnLocked(ctx); err != nil {
			m.logger.Printf("Spawn during route failed: %v", err)
			return nil
		}
		for _, w := range m.workers {
			if w.state == StateIdle && !w.pendingRecycle {
				w.state = StateBusy
				w.current = &currentExecution{
					ExecutionID:    executionID,
					StartedAt:      time.Now(),
					TimeoutSeconds: timeoutSeconds,
				}
				return w
			}
		}
	}
	return nil
}

// discard removes a worker whose pipe broke before dispatch completed.
func (m *Manager) discard(w *workerRecord) {
	m.mu.Lock()
	w.state = StateKilled
	w.current = nil
	delete(m.workers, w.pid)
	m.updateGaugesLocked()
	m.mu.Unlock()
	go w.proc.Terminate(m.grace)
}

// =============================================================================
// Background loops
// =============================================================================

func (m *Manager) monitorLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.monitorTick(ctx)
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) monitorTick(ctx context.Context) {
	now := time.Now()

	type victim struct {
		w       *workerRecord
		result  *execctx.ExecutionResult
		elapsed time.Duration
	}
	var timedOut, crashed []victim
	var surplus []*workerRecord

	m.mu.Lock()
	for _, w := range m.workers {
		switch {
		case w.state == StateBusy && w.current != nil &&
			now.Sub(w.current.StartedAt) > time.Duration(w.current.TimeoutSeconds)*time.Second:
			elapsed := now.Sub(w.current.StartedAt)
			r := execctx.FailureResult(w.current.ExecutionID, execctx.ErrKindTimeout,
				fmt.Sprintf("execution exceeded %ds", w.current.TimeoutSeconds), elapsed)
			w.state = StateKilled
			w.current = nil
			delete(m.workers, w.pid)
			timedOut = append(timedOut, victim{w: w, result: &r, elapsed: elapsed})

		case !w.proc.Alive() && w.state != StateKilled:
			var r *execctx.ExecutionResult
			if w.current != nil {
				res := execctx.FailureResult(w.current.ExecutionID, execctx.ErrKindProcessCrash,
					fmt.Sprintf("worker %d exited unexpectedly", w.pid), now.Sub(w.current.StartedAt))
				r = &res
			}
			w.state = StateKilled
			w.current = nil
			delete(m.workers, w.pid)
			crashed = append(crashed, victim{w: w, result: r})
		}
	}

	if len(m.workers) > m.min {
		var idle []*workerRecord
		for _, w := range m.workers {
			if w.state == StateIdle {
				idle = append(idle, w)
			}
		}
		sort.Slice(idle, func(i, j int) bool { return idle[i].spawnedAt.Before(idle[j].spawnedAt) })
		excess := len(m.workers) - m.min
		if excess > len(idle) {
			excess = len(idle)
		}
		for _, w := range idle[:excess] {
			w.state = StateKilled
			delete(m.workers, w.pid)
			surplus = append(surplus, w)
		}
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	for _, v := range timedOut {
		v.w.proc.Terminate(m.grace)
		m.logger.Printf("Worker %d timed out after %s", v.w.pid, v.elapsed.Round(time.Millisecond))
		m.deliver(*v.result)
	}
	for _, v := range crashed {
		m.logger.Printf("Worker %d crashed", v.w.pid)
		if v.result != nil {
			m.deliver(*v.result)
		}
	}
	for i, w := range surplus {
		w.proc.Terminate(m.grace)
		m.publishScaling(ctx, "scale_down", i+1, len(surplus), "idle above min_workers")
	}
	if len(timedOut)+len(crashed) > 0 {
		m.ensureMin(ctx)
	}
}

func (m *Manager) resultLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.resultTick(ctx)
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) resultTick(ctx context.Context) {
	m.mu.Lock()
	snapshot := make([]*workerRecord, 0, len(m.workers))
	for _, w := range m.workers {
		snapshot = append(snapshot, w)
	}
	m.mu.Unlock()

	for _, w := range snapshot {
		for {
			var res execctx.ExecutionResult
			var ok bool
			select {
			case res, ok = <-w.proc.Results():
			default:
				ok = false
			}
			if !ok {
				break
			}
			m.handleResult(ctx, w, res)
		}
	}
}

func (m *Manager) handleResult(ctx context.Context, w *workerRecord, res execctx.ExecutionResult) {
	m.mu.Lock()
	if w.state != StateBusy || w.current == nil || w.current.ExecutionID != res.ExecutionID {
		// Timeout or cancel already resolved this execution.
		m.mu.Unlock()
		return
	}
	w.current = nil
	w.completed++
	recycle := w.pendingRecycle || (m.recycleAfter > 0 && w.completed >= m.recycleAfter)
	if recycle {
		w.state = StateRecycling
		delete(m.workers, w.pid)
	} else {
		w.state = StateIdle
		m.notifyIdleLocked()
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	if recycle {
		m.logger.Printf("Recycling worker %d after %d executions", w.pid, w.completed)
		if m.metrics != nil {
			m.metrics.Recycles.Inc()
		}
		w.proc.Terminate(m.grace)
		m.ensureMin(ctx)
	}
	m.deliver(res)
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.heartbeatTick(ctx)
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) heartbeatTick(ctx context.Context) {
	status := m.Snapshot()

	fields := map[string]string{
		"started_at":  m.startedAt.UTC().Format(time.RFC3339),
		"hostname":    m.hostname,
		"min_workers": strconv.Itoa(status.MinWorkers),
		"max_workers": strconv.Itoa(status.MaxWorkers),
	}
	if err := m.kv.HSetAll(ctx, "pool:"+m.poolID, fields, m.heartbeatEvery*3); err != nil {
		m.logger.Printf("Heartbeat registration failed: %v", err)
	}

	hb := bus.Heartbeat{
		Type:       "heartbeat",
		PoolID:     m.poolID,
		Hostname:   m.hostname,
		Timestamp:  time.Now().UTC(),
		MinWorkers: status.MinWorkers,
		MaxWorkers: status.MaxWorkers,
		Workers:    status.Workers,
	}
	if err := bus.PublishJSON(ctx, m.eventBus, bus.ChannelHeartbeat, hb); err != nil {
		m.logger.Printf("Publish heartbeat failed: %v", err)
	}
}

// =============================================================================
// Cancel and command listeners
// =============================================================================

func (m *Manager) onCancelMessage(payload []byte) {
	var req bus.CancelRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.ExecutionID == "" {
		return
	}
	m.Cancel(context.Background(), req.ExecutionID)
}

// Cancel kills the worker running the execution, if any. Cancel after
// the result was delivered is a no-op.
func (m *Manager) Cancel(ctx context.Context, executionID string) {
	m.mu.Lock()
	var target *workerRecord
	var elapsed time.Duration
	for _, w := range m.workers {
		if w.state == StateBusy && w.current != nil && w.current.ExecutionID == executionID {
			target = w
			elapsed = time.Since(w.current.StartedAt)
			w.state = StateKilled
			w.current = nil
			delete(m.workers, w.pid)
			break
		}
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	if target == nil {
		return
	}
	m.logger.Printf("Cancelling execution %s on worker %d", executionID, target.pid)
	target.proc.Terminate(m.grace)
	m.deliver(execctx.FailureResult(executionID, execctx.ErrKindCancelled, "cancelled by request", elapsed))
	m.ensureMin(ctx)
}

func (m *Manager) onCommandMessage(payload []byte) {
	var cmd bus.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return
	}
	ctx := context.Background()
	switch cmd.Type {
	case "recycle_process":
		m.RecycleProcess(ctx, cmd.PID)
	case "recycle_all":
		m.RecycleAll(ctx, cmd.Reason)
	case "resize":
		if err := m.Resize(ctx, cmd.MinWorkers, cmd.MaxWorkers); err != nil {
			m.logger.Printf("Resize command rejected: %v", err)
		}
	default:
		m.logger.Printf("Unknown pool command %q", cmd.Type)
	}
}

// RecycleProcess kills and replaces a single worker by OS pid.
func (m *Manager) RecycleProcess(ctx context.Context, pid int) {
	m.mu.Lock()
	w, ok := m.workers[pid]
	var interrupted *currentExecution
	if ok {
		interrupted = w.current
		w.state = StateRecycling
		w.current = nil
		delete(m.workers, pid)
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	if !ok {
		m.logger.Printf("recycle_process: no worker with pid %d", pid)
		return
	}
	w.proc.Terminate(m.grace)
	if interrupted != nil {
		m.deliver(execctx.FailureResult(interrupted.ExecutionID, execctx.ErrKindCancelled,
			fmt.Sprintf("worker %d recycled by operator", pid), time.Since(interrupted.StartedAt)))
	}
	if m.metrics != nil {
		m.metrics.Recycles.Inc()
	}
	m.ensureMin(ctx)
}

// RecycleAll marks every worker pending_recycle. Idle workers recycle
// immediately with progress events; busy ones recycle when their
// result lands.
func (m *Manager) RecycleAll(ctx context.Context, reason string) {
	m.mu.Lock()
	var idle []*workerRecord
	for _, w := range m.workers {
		w.pendingRecycle = true
		if w.state == StateIdle {
			w.state = StateRecycling
			delete(m.workers, w.pid)
			idle = append(idle, w)
		}
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.logger.Printf("recycle_all (%s): %d idle workers recycling now", reason, len(idle))
	for i, w := range idle {
		w.proc.Terminate(m.grace)
		if m.metrics != nil {
			m.metrics.Recycles.Inc()
		}
		m.publishScaling(ctx, "recycle_all", i+1, len(idle), reason)
	}
	m.ensureMin(ctx)
}

// Resize updates pool bounds. min must be at least 2 and no greater
// than max. Shrinking never touches busy workers: the pool runs
// over capacity until they finish.
func (m *Manager) Resize(ctx context.Context, newMin, newMax int) error {
	if newMin < 2 {
		return fmt.Errorf("min_workers must be >= 2, got %d", newMin)
	}
	if newMin > newMax {
		return fmt.Errorf("min_workers %d exceeds max_workers %d", newMin, newMax)
	}

	m.mu.Lock()
	oldMin, oldMax := m.min, m.max
	m.min, m.max = newMin, newMax

	for len(m.workers) < m.min {
		if err := m.spawnLocked(ctx); err != nil {
			m.logger.Printf("Spawn during resize failed: %v", err)
			break
		}
	}

	var excess []*workerRecord
	if len(m.workers) > m.max {
		var idle []*workerRecord
		for _, w := range m.workers {
			if w.state == StateIdle {
				idle = append(idle, w)
			}
		}
		sort.Slice(idle, func(i, j int) bool { return idle[i].spawnedAt.Before(idle[j].spawnedAt) })
		over := len(m.workers) - m.max
		if over > len(idle) {
			over = len(idle)
		}
		for _, w := range idle[:over] {
			w.state = StateKilled
			delete(m.workers, w.pid)
			excess = append(excess, w)
		}
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	for i, w := range excess {
		w.proc.Terminate(m.grace)
		m.publishScaling(ctx, "scale_down", i+1, len(excess), "resize below current size")
	}

	if err := m.kv.HSetAll(ctx, boundsKey, map[string]string{
		"min_workers": strconv.Itoa(newMin),
		"max_workers": strconv.Itoa(newMax),
	}, 0); err != nil {
		m.logger.Printf("Persist pool bounds failed: %v", err)
	}

	event := bus.ConfigChanged{
		Type:      "pool_config_changed",
		PoolID:    m.poolID,
		OldMin:    oldMin,
		OldMax:    oldMax,
		NewMin:    newMin,
		NewMax:    newMax,
		Timestamp: time.Now().UTC(),
	}
	if err := bus.PublishJSON(ctx, m.eventBus, bus.ChannelConfigChanged, event); err != nil {
		m.logger.Printf("Publish config change failed: %v", err)
	}
	m.logger.Printf("Resized pool: min %d->%d max %d->%d", oldMin, newMin, oldMax, newMax)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func (m *Manager) spawnLocked(ctx context.Context) error {
	proc, err := m.backend.Spawn(ctx)
	if err != nil {
		return err
	}
	m.workers[proc.PID()] = &workerRecord{
		pid:       proc.PID(),
		proc:      proc,
		state:     StateIdle,
		spawnedAt: time.Now(),
	}
	if m.metrics != nil {
		m.metrics.Spawns.Inc()
	}
	m.notifyIdleLocked()
	m.updateGaugesLocked()
	return nil
}

func (m *Manager) ensureMin(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.workers) < m.min {
		if err := m.spawnLocked(ctx); err != nil {
			m.logger.Printf("Respawn failed: %v", err)
			return
		}
	}
}

func (m *Manager) notifyIdleLocked() {
	select {
	case m.idle <- struct{}{}:
	default:
	}
}

func (m *Manager) updateGaugesLocked() {
	if m.metrics == nil {
		return
	}
	idle, busy := 0, 0
	for _, w := range m.workers {
		switch w.state {
		case StateIdle:
			idle++
		case StateBusy:
			busy++
		}
	}
	m.metrics.Workers.WithLabelValues(StateIdle).Set(float64(idle))
	m.metrics.Workers.WithLabelValues(StateBusy).Set(float64(busy))
}

func (m *Manager) deliver(res execctx.ExecutionResult) {
	if m.metrics != nil {
		outcome := "success"
		if !res.Success {
			outcome = res.ErrorKind
		}
		m.metrics.Executions.WithLabelValues(outcome).Inc()
		m.metrics.Duration.Observe(float64(res.DurationMS) / 1000)
	}
	if m.callback != nil {
		m.callback(res)
	}
}

func (m *Manager) publishScaling(ctx context.Context, action string, step, total int, reason string) {
	event := bus.ScalingEvent{
		Type:      "scaling",
		PoolID:    m.poolID,
		Action:    action,
		Step:      step,
		Total:     total,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	if err := bus.PublishJSON(ctx, m.eventBus, bus.ChannelScaling, event); err != nil {
		m.logger.Printf("Publish scaling event failed: %v", err)
	}
}

// Snapshot returns the current pool status.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	status := Status{
		PoolID:     m.poolID,
		Hostname:   m.hostname,
		MinWorkers: m.min,
		MaxWorkers: m.max,
	}
	busy := 0
	for _, w := range m.workers {
		snap := bus.WorkerSnapshot{
			PID:           w.pid,
			State:         w.state,
			MemoryMB:      w.proc.MemoryMB(),
			UptimeSeconds: now.Sub(w.spawnedAt).Seconds(),
			Completed:     w.completed,
		}
		if w.current != nil {
			snap.ElapsedSeconds = now.Sub(w.current.StartedAt).Seconds()
		}
		if w.state == StateBusy {
			busy++
		}
		status.Workers = append(status.Workers, snap)
	}
	sort.Slice(status.Workers, func(i, j int) bool { return status.Workers[i].PID < status.Workers[j].PID })
	status.OverCapacity = busy > m.max || len(status.Workers) > m.max
	return status
}

// WorkerCount returns the live fleet size.
func (m *Manager) WorkerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

// Shutdown stops the loops, terminates every worker, removes the KV
// registration and announces the pool offline.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stop)
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.wg.Wait()

	m.mu.Lock()
	workers := make([]*workerRecord, 0, len(m.workers))
	for _, w := range m.workers {
		w.state = StateKilled
		workers = append(workers, w)
	}
	m.workers = make(map[int]*workerRecord)
	m.updateGaugesLocked()
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *workerRecord) {
			defer wg.Done()
			w.proc.Terminate(m.grace)
		}(w)
	}
	wg.Wait()

	if err := m.kv.Del(ctx, "pool:"+m.poolID); err != nil {
		m.logger.Printf("Delete pool registration failed: %v", err)
	}
	offline := bus.PoolOffline{Type: "pool_offline", PoolID: m.poolID, Timestamp: time.Now().UTC()}
	if err := bus.PublishJSON(ctx, m.eventBus, bus.ChannelScaling, offline); err != nil {
		m.logger.Printf("Publish pool offline failed: %v", err)
	}
	m.logger.Printf("Pool %s shut down", m.poolID)
}
