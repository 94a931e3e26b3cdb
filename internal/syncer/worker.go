// Package syncer drains the local write queue against the ingestion
// endpoint. One cooperative worker per process: triggers (connectivity,
// foreground) wake it, passes run strictly one at a time, and every failure
// is classified here so nothing escapes to the UI layer.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hearthware/homesync/internal/checkpoint"
	"github.com/hearthware/homesync/internal/protocol"
	"github.com/hearthware/homesync/internal/queue"
)

// EntityStatus is the per-entity sync state surfaced to the UI.
type EntityStatus string

const (
	StatusUnknown   EntityStatus = "unknown"
	StatusPending   EntityStatus = "pending"
	StatusRetrying  EntityStatus = "retrying"
	StatusFailed    EntityStatus = "failed"
	StatusConfirmed EntityStatus = "confirmed"
)

// Config tunes the worker.
type Config struct {
	MaxBatchSize int           // items sent per pass
	MaxAttempts  int           // server-error attempts before FAILED_PERMANENT
	BackoffMin   time.Duration // first retry delay
	BackoffMax   time.Duration // delay cap
}

func (c *Config) applyDefaults() {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 100
	}
	if c.MaxBatchSize > protocol.MaxBatchItems {
		c.MaxBatchSize = protocol.MaxBatchItems
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
}

// Worker is the single sync loop instance for a device process. It is
// constructed once by the application root and handed down by reference;
// concurrent drain passes are prevented with a running flag.
type Worker struct {
	queue     *queue.Store
	ckpt      *checkpoint.Manager
	transport Transport
	cfg       Config
	backoff   Backoff
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	triggerCh chan struct{}
	draining  atomic.Bool
	online    atomic.Bool

	now func() time.Time

	statusMu  sync.RWMutex
	confirmed map[string]bool
	authErr   error
}

// New creates a worker. It does not start draining until Start is called and
// a trigger fires.
func New(q *queue.Store, ckpt *checkpoint.Manager, transport Transport, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Worker{
		queue:     q,
		ckpt:      ckpt,
		transport: transport,
		cfg:       cfg,
		backoff:   Backoff{Min: cfg.BackoffMin, Max: cfg.BackoffMax},
		logger:    logger.With("component", "syncer"),
		stopCh:    make(chan struct{}),
		triggerCh: make(chan struct{}, 1),
		now:       time.Now,
		confirmed: make(map[string]bool),
	}
}

// Start launches the worker loop. A second call while running is an error;
// a stopped worker may be started again.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("syncer already running")
	}
	w.running = true
	// Stop closed the previous channel; the loop needs a fresh one.
	w.stopCh = make(chan struct{})

	w.wg.Add(1)
	go w.run(ctx)

	// Resume any in-flight batch left by a previous process.
	if w.online.Load() {
		w.Trigger()
	}
	w.logger.Info("sync worker started",
		"max_batch", w.cfg.MaxBatchSize,
		"max_attempts", w.cfg.MaxAttempts)
	return nil
}

// Stop shuts the loop down. An already-sent request is not aborted, but no
// further items are scheduled.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.stopCh)
	w.wg.Wait()
	w.running = false
	w.logger.Info("sync worker stopped")
}

// SetOnline records a connectivity transition. Going online triggers a
// drain; going offline lets the current pass finish and suspends.
func (w *Worker) SetOnline(online bool) {
	was := w.online.Swap(online)
	if online && !was {
		w.logger.Debug("network transition offline->online")
		w.Trigger()
	}
}

// OnForeground triggers a drain on an app background->foreground transition,
// but only while online.
func (w *Worker) OnForeground() {
	if w.online.Load() {
		w.logger.Debug("app transition background->foreground")
		w.Trigger()
	}
}

// Trigger requests a drain. Coalesces: a trigger while a pass is in progress
// or already queued is a no-op.
func (w *Worker) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Status reports the sync state of one entity for display.
func (w *Worker) Status(entityType, localID string) EntityStatus {
	for _, qw := range w.queue.ReadAll() {
		if string(qw.EntityType) != entityType || qw.Target.LocalID != localID {
			continue
		}
		switch qw.Status {
		case queue.StatusRetrying:
			return StatusRetrying
		case queue.StatusFailedPermanent:
			return StatusFailed
		default:
			return StatusPending
		}
	}
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	if w.confirmed[statusKey(entityType, localID)] {
		return StatusConfirmed
	}
	return StatusUnknown
}

// AuthFailure returns the last authentication error, if sync is blocked on
// re-login, and nil otherwise.
func (w *Worker) AuthFailure() error {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()
	return w.authErr
}

// RetryFailed resets a permanently failed write so the next drain picks it
// up again.
func (w *Worker) RetryFailed(entityType, localID string) error {
	var reset []queue.Write
	for _, qw := range w.queue.ReadAll() {
		if string(qw.EntityType) == entityType && qw.Target.LocalID == localID &&
			qw.Status == queue.StatusFailedPermanent {
			qw.Status = queue.StatusPending
			qw.AttemptCount = 0
			qw.LastError = ""
			reset = append(reset, qw)
		}
	}
	if len(reset) == 0 {
		return nil
	}
	if err := w.queue.Apply(reset, nil); err != nil {
		return &StorageError{Err: err}
	}
	w.Trigger()
	return nil
}

// DiscardFailed drops a permanently failed write from the queue.
func (w *Worker) DiscardFailed(entityType, localID string) error {
	var dropped []string
	for _, qw := range w.queue.ReadAll() {
		if string(qw.EntityType) == entityType && qw.Target.LocalID == localID &&
			qw.Status == queue.StatusFailedPermanent {
			dropped = append(dropped, qw.OperationID)
		}
	}
	if len(dropped) == 0 {
		return nil
	}
	if err := w.queue.Apply(nil, dropped); err != nil {
		return &StorageError{Err: err}
	}
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-w.triggerCh:
			w.drain(ctx)
		}
	}
}

// drain runs passes until the queue has nothing ready, sleeping out backoff
// windows in between. Guarded against re-entrancy: a second trigger while a
// drain is in progress is a no-op.
func (w *Worker) drain(ctx context.Context) {
	if !w.draining.CompareAndSwap(false, true) {
		return
	}
	defer w.draining.Store(false)

	for {
		if !w.online.Load() {
			return
		}
		more, wait := w.pass(ctx)
		if wait > 0 {
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}
		if !more {
			return
		}
	}
}

// pass performs one read -> compact -> checkpoint -> send -> reconcile
// cycle. It returns whether another pass may make progress immediately, and
// a wait to sit out first when everything ready is in a backoff window.
func (w *Worker) pass(ctx context.Context) (more bool, wait time.Duration) {
	snapshot := w.queue.ReadAll()
	if len(snapshot) == 0 {
		return false, 0
	}

	writes := queue.Compact(snapshot, w.logger)
	compactedIn := make(map[string]bool, len(writes))
	for _, qw := range writes {
		compactedIn[qw.OperationID] = true
	}
	var absorbed []string
	for _, qw := range snapshot {
		if !compactedIn[qw.OperationID] {
			absorbed = append(absorbed, qw.OperationID)
		}
	}
	if err := w.queue.Apply(writes, absorbed); err != nil {
		w.logger.Error("persist compacted queue", "error", err)
		return false, 0
	}

	now := w.now()
	ready, minWait := w.partitionReady(writes, now)

	cp, err := w.ckpt.Load()
	if err != nil {
		w.logger.Warn("load checkpoint", "error", err)
	}
	if cp != nil {
		// Resume the interrupted batch: only its operations are eligible
		// until the checkpoint resolves.
		inFlight := make(map[string]bool, len(cp.InFlight))
		for _, id := range cp.InFlight {
			inFlight[id] = true
		}
		matched := ready[:0:0]
		anyInQueue := false
		for _, qw := range writes {
			if inFlight[qw.OperationID] {
				anyInQueue = true
			}
		}
		for _, qw := range ready {
			if inFlight[qw.OperationID] {
				matched = append(matched, qw)
			}
		}
		if !anyInQueue {
			// Compaction or confirmation made the checkpoint obsolete.
			if err := w.ckpt.Clear(); err != nil {
				w.logger.Warn("clear obsolete checkpoint", "error", err)
			}
			cp = nil
		} else if len(matched) == 0 {
			return false, minWait
		} else {
			ready = matched
		}
	}

	if len(ready) == 0 {
		return false, minWait
	}
	if len(ready) > w.cfg.MaxBatchSize {
		ready = ready[:w.cfg.MaxBatchSize]
	}

	requestID := uuid.New().String()
	if cp != nil {
		requestID = cp.RequestID
	} else {
		opIDs := make([]string, len(ready))
		for i, qw := range ready {
			opIDs[i] = qw.OperationID
		}
		if _, err := w.ckpt.Begin(opIDs, requestID); err != nil {
			// The idempotency keys still protect against duplicates, so a
			// checkpoint write failure degrades rather than blocks.
			w.logger.Warn("persist checkpoint", "error", err)
		}
	}
	if _, err := w.ckpt.RecordAttempt(); err != nil {
		w.logger.Warn("record checkpoint attempt", "error", err)
	}

	items := make([]protocol.Item, len(ready))
	for i, qw := range ready {
		items[i] = protocol.Item{
			OperationID:     qw.OperationID,
			RequestID:       requestID,
			EntityType:      qw.EntityType,
			Op:              qw.Op,
			Target:          qw.Target,
			Payload:         qw.Payload,
			ClientTimestamp: qw.ClientTimestamp,
		}
	}

	w.logger.Info("sending sync batch",
		"request_id", requestID,
		"items", len(items),
		"queued", len(writes))

	resp, err := w.transport.Send(ctx, protocol.BatchRequest{
		PayloadVersion: protocol.CurrentPayloadVersion,
		Items:          items,
	})
	if err != nil {
		return w.handleSendError(err, writes, ready, requestID)
	}
	return w.handleResponse(resp, writes, ready, requestID)
}

// partitionReady splits the queue into items eligible for this pass and the
// minimum wait until a backoff window opens. Permanently failed items are
// excluded from automatic drains entirely.
func (w *Worker) partitionReady(writes []queue.Write, now time.Time) (ready []queue.Write, minWait time.Duration) {
	for _, qw := range writes {
		if qw.Status == queue.StatusFailedPermanent {
			continue
		}
		if qw.AttemptCount == 0 || qw.LastAttemptAt == nil {
			ready = append(ready, qw)
			continue
		}
		due := qw.LastAttemptAt.Add(w.backoff.Delay(qw.AttemptCount))
		if !due.After(now) {
			ready = append(ready, qw)
			continue
		}
		if remaining := due.Sub(now); minWait == 0 || remaining < minWait {
			minWait = remaining
		}
	}
	return ready, minWait
}

func (w *Worker) handleResponse(resp *protocol.BatchResponse, writes, sent []queue.Write, requestID string) (bool, time.Duration) {
	submitted := make([]string, len(sent))
	for i, qw := range sent {
		submitted[i] = qw.OperationID
	}
	if !resp.Complete(submitted) {
		// Indicates a server-side processing bug; the unaccounted items
		// stay queued and the idempotency keys make the resend harmless.
		w.logger.Error("sync response does not account for every submitted operation",
			"request_id", requestID,
			"submitted", len(submitted),
			"succeeded", len(resp.Succeeded),
			"conflicts", len(resp.Conflicts))
	}

	succeeded := make(map[string]bool, len(resp.Succeeded))
	for _, s := range resp.Succeeded {
		succeeded[s.OperationID] = true
	}
	conflictReason := make(map[string]string, len(resp.Conflicts))
	for _, c := range resp.Conflicts {
		conflictReason[c.OperationID] = c.Reason
	}

	now := w.now().UTC()
	resolved := make([]string, 0, len(sent))
	confirmed := make([]string, 0, len(resp.Succeeded))
	var failed []queue.Write
	kept := make([]queue.Write, 0, len(writes))
	for _, qw := range writes {
		if succeeded[qw.OperationID] {
			resolved = append(resolved, qw.OperationID)
			confirmed = append(confirmed, qw.OperationID)
			w.markConfirmed(qw)
			continue
		}
		if reason, ok := conflictReason[qw.OperationID]; ok {
			resolved = append(resolved, qw.OperationID)
			qw.Status = queue.StatusFailedPermanent
			qw.AttemptCount++
			qw.LastAttemptAt = &now
			qw.LastError = reason
			failed = append(failed, qw)
		}
		kept = append(kept, qw)
	}

	if err := w.queue.Apply(failed, confirmed); err != nil {
		w.logger.Error("persist queue after sync", "error", err)
	}
	if err := w.ckpt.Resolve(resolved); err != nil {
		w.logger.Warn("resolve checkpoint", "error", err)
	}

	w.logger.Info("sync batch completed",
		"request_id", requestID,
		"status", resp.Status,
		"succeeded", len(resp.Succeeded),
		"conflicts", len(resp.Conflicts))

	return len(kept) > 0, 0
}

func (w *Worker) handleSendError(err error, writes, sent []queue.Write, requestID string) (bool, time.Duration) {
	class := Classify(err)
	w.logger.Warn("sync batch failed",
		"request_id", requestID,
		"class", string(class),
		"error", err)

	sentSet := make(map[string]bool, len(sent))
	for _, qw := range sent {
		sentSet[qw.OperationID] = true
	}

	now := w.now().UTC()
	resolved := make([]string, 0, len(sent))
	minAttempts := 0
	var attempted []queue.Write
	kept := make([]queue.Write, 0, len(writes))
	for _, qw := range writes {
		if sentSet[qw.OperationID] {
			qw.AttemptCount++
			qw.LastAttemptAt = &now
			qw.LastError = err.Error()
			switch {
			case !Retryable(class):
				qw.Status = queue.StatusFailedPermanent
				resolved = append(resolved, qw.OperationID)
			case class == ClassServer && qw.AttemptCount >= w.cfg.MaxAttempts:
				qw.Status = queue.StatusFailedPermanent
				qw.LastError = fmt.Sprintf("retry cap reached after %d attempts: %v", qw.AttemptCount, err)
				resolved = append(resolved, qw.OperationID)
			default:
				qw.Status = queue.StatusRetrying
				if minAttempts == 0 || qw.AttemptCount < minAttempts {
					minAttempts = qw.AttemptCount
				}
			}
			attempted = append(attempted, qw)
		}
		kept = append(kept, qw)
	}

	if err := w.queue.Apply(attempted, nil); err != nil {
		w.logger.Error("persist queue after failure", "error", err)
	}
	if len(resolved) > 0 {
		if err := w.ckpt.Resolve(resolved); err != nil {
			w.logger.Warn("resolve checkpoint", "error", err)
		}
	}

	if class == ClassAuth {
		w.statusMu.Lock()
		w.authErr = err
		w.statusMu.Unlock()
		return false, 0
	}
	if !Retryable(class) {
		// Validation failures are terminal for the sent items; other
		// queued items still get their turn.
		return w.hasLive(kept), 0
	}
	return false, w.backoff.Delay(minAttempts)
}

func (w *Worker) hasLive(writes []queue.Write) bool {
	for _, qw := range writes {
		if qw.Status != queue.StatusFailedPermanent {
			return true
		}
	}
	return false
}

func (w *Worker) markConfirmed(qw queue.Write) {
	w.statusMu.Lock()
	defer w.statusMu.Unlock()
	w.confirmed[statusKey(string(qw.EntityType), qw.Target.LocalID)] = true
	w.authErr = nil
}

func statusKey(entityType, localID string) string {
	return entityType + "|" + localID
}
