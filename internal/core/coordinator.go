package core

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lawnflow/fieldsync/internal/telemetry"
)

// OperationIDHeader carries the client-supplied idempotency id on every
// replayed request. Server handlers must deduplicate by it.
const OperationIDHeader = "X-Operation-ID"

// Notifier receives replay outcomes for any open client surface. Delivery
// is best-effort; the queue store remains the source of truth.
type Notifier interface {
	OperationQueued(opID string)
	OperationUploaded(opID string)
	OperationRetrying(opID string, attempt int, reason string)
	OperationDeadLetter(opID string, reason string)
	OperationQuarantined(opID string, reason string)
}

type CoordinatorConfig struct {
	ServerURL      string
	MaxAttempts    int
	AttemptTimeout time.Duration
	DrainInterval  time.Duration
}

// Coordinator drains the durable queue when connectivity allows. Replay is
// strictly serial per queue instance to preserve enqueue-order delivery.
type Coordinator struct {
	store    *QueueStore
	router   *Router
	notifier Notifier
	cfg      CoordinatorConfig

	wake    chan struct{}
	drainMu sync.Mutex
}

func NewCoordinator(store *QueueStore, router *Router, notifier Notifier, cfg CoordinatorConfig) *Coordinator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = time.Minute
	}
	return &Coordinator{
		store:    store,
		router:   router,
		notifier: notifier,
		cfg:      cfg,
		// Capacity one: a wake arriving mid-drain is coalesced, never
		// queued as a second drain.
		wake: make(chan struct{}, 1),
	}
}

// Wake signals that connectivity may have been restored. It is advisory: a
// drain attempt can still fail, and the signal never blocks the caller.
func (c *Coordinator) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run processes wake signals until the context is cancelled. A periodic
// tick backstops missed signals so pending work is only delayed, never
// stranded.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
		case <-ticker.C:
		}
		if err := c.Drain(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[coordinator] drain failed: %v", err)
		}
	}
}

// Drain performs one pass over all pending operations. One failing record
// never blocks the rest. A concurrent call returns immediately; the active
// drain covers it.
func (c *Coordinator) Drain(ctx context.Context) error {
	if !c.drainMu.TryLock() {
		return nil
	}
	defer c.drainMu.Unlock()

	pending, err := c.store.ListPending()
	if err != nil {
		return fmt.Errorf("failed to list pending operations: %w", err)
	}

	for _, op := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.replay(ctx, op)
	}

	if stats, err := c.store.Stats(); err == nil {
		telemetry.QueueDepthGauge.Set(float64(stats.Pending))
	}

	return nil
}

func (c *Coordinator) replay(ctx context.Context, op *QueuedOperation) {
	parts, err := DecodePayload(op.PayloadJSON)
	if err != nil {
		// Local corruption: quarantine rather than retry or delete so the
		// user is told data was lost instead of it vanishing.
		log.Printf("[coordinator] quarantining %s: %v", op.ID, err)
		if qErr := c.store.Quarantine(op.ID, err.Error()); qErr != nil {
			log.Printf("[coordinator] failed to quarantine %s: %v", op.ID, qErr)
			return
		}
		telemetry.ReplayQuarantined.Inc()
		c.notifier.OperationQuarantined(op.ID, err.Error())
		return
	}

	if err := c.store.MarkInFlight(op.ID); err != nil {
		// Cancelled or claimed since listing; skip.
		return
	}

	resp, err := c.deliver(ctx, op, parts)
	if err != nil {
		c.handleFailure(op, fmt.Sprintf("delivery failed: %v", err))
		return
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := c.store.Delete(op.ID); err != nil {
			// The server already applied the write. Leave the record; the
			// next drain re-sends and the server dedups by operation id.
			log.Printf("[coordinator] delivered %s but delete failed: %v", op.ID, err)
			c.store.MarkAttempted(op.ID, "delivered but local delete failed")
			return
		}
		telemetry.ReplaySuccess.Inc()
		c.notifier.OperationUploaded(op.ID)
	case isPermanentRejection(resp.StatusCode):
		// Retrying cannot succeed; park it with the server's reason.
		reason := rejectionReason(resp)
		if err := c.store.MarkDeadLetter(op.ID, reason); err != nil {
			log.Printf("[coordinator] failed to dead-letter %s: %v", op.ID, err)
			return
		}
		telemetry.ReplayDeadLetter.Inc()
		c.notifier.OperationDeadLetter(op.ID, reason)
	default:
		c.handleFailure(op, fmt.Sprintf("server returned %d", resp.StatusCode))
	}
}

func (c *Coordinator) deliver(ctx context.Context, op *QueuedOperation, parts []Part) (*Response, error) {
	body, contentType, err := BuildMultipart(parts)
	if err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost,
		strings.TrimRight(c.cfg.ServerURL, "/")+op.TargetEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(OperationIDHeader, op.ID)

	return c.router.DoNetworkOnly(req)
}

func (c *Coordinator) handleFailure(op *QueuedOperation, reason string) {
	telemetry.ReplayFailures.Inc()

	if op.AttemptCount+1 >= c.cfg.MaxAttempts {
		if err := c.store.MarkDeadLetter(op.ID, reason); err != nil {
			log.Printf("[coordinator] failed to dead-letter %s: %v", op.ID, err)
			return
		}
		telemetry.ReplayDeadLetter.Inc()
		c.notifier.OperationDeadLetter(op.ID, reason)
		return
	}

	if err := c.store.MarkAttempted(op.ID, reason); err != nil {
		log.Printf("[coordinator] failed to record attempt for %s: %v", op.ID, err)
		return
	}
	c.notifier.OperationRetrying(op.ID, op.AttemptCount+1, reason)
}

// isPermanentRejection reports whether the status indicates the request
// itself is invalid. Timeouts and throttling remain transient.
func isPermanentRejection(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}

func rejectionReason(resp *Response) string {
	reason := strings.TrimSpace(string(resp.Body))
	if len(reason) > 512 {
		reason = reason[:512]
	}
	if reason == "" {
		return fmt.Sprintf("rejected with status %d", resp.StatusCode)
	}
	return fmt.Sprintf("rejected with status %d: %s", resp.StatusCode, reason)
}
