package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/deposit-settlement/internal/deposit"
	"github.com/deposit-settlement/internal/lock"
	"github.com/deposit-settlement/internal/logging"
	"github.com/deposit-settlement/internal/models"
	"github.com/deposit-settlement/internal/types"
)

// MonitorLockKey serializes monitoring cycles across worker processes.
const MonitorLockKey = "incoming_transfer_monitoring"

const (
	DefaultPollInterval     = 30 * time.Second
	DefaultMonitorLockTTL   = 300 * time.Second
	DefaultUnprocessedBatch = 100
	DefaultGapBatch         = 10
	DefaultReconcileBatch   = 200
)

// TransferScanner is the scanner surface the worker drives.
type TransferScanner interface {
	Tokens() []types.TokenType
	MonitorAllTokens(ctx context.Context) (map[types.TokenType]int, error)
	RescanGaps(ctx context.Context, token types.TokenType, limit int) (int, error)
	ReconcileUsers(ctx context.Context, limit int) (int, error)
}

// DepositProcessor settles one incoming transfer.
type DepositProcessor interface {
	Process(ctx context.Context, in deposit.IncomingTransfer) (*deposit.Result, error)
}

// UnprocessedStore lists cached rows awaiting the pipeline and records its
// verdicts.
type UnprocessedStore interface {
	ListUnprocessed(ctx context.Context, token types.TokenType, limit int) ([]*models.CachedTransfer, error)
	MarkProcessed(ctx context.Context, id int64, depositID *int64, notes string) error
}

// MonitorWorkerConfig holds configuration for a monitor worker
type MonitorWorkerConfig struct {
	Scanner          TransferScanner
	Pipeline         DepositProcessor
	Transfers        UnprocessedStore
	Locker           lock.Locker
	PollInterval     time.Duration
	LockTTL          time.Duration
	UnprocessedBatch int
	GapBatch         int
	ReconcileBatch   int
	// MaintenanceMode skips every cycle while the chain side is under
	// maintenance.
	MaintenanceMode bool
	Logger          *logging.Logger
}

// CycleResult summarizes one monitoring cycle.
type CycleResult struct {
	Skipped      bool                    `json:"skipped"`
	Maintenance  bool                    `json:"maintenance,omitempty"`
	Cached       map[types.TokenType]int `json:"cached"`
	GapsResolved int                     `json:"gapsResolved"`
	UsersLinked  int                     `json:"usersLinked"`
	Processed    int                     `json:"processed"`
	Created      int                     `json:"created"`
	Deferred     int                     `json:"deferred"`
	Errors       []string                `json:"errors,omitempty"`
	StartedAt    time.Time               `json:"startedAt"`
	DurationMs   int64                   `json:"durationMs"`
}

// MonitorWorker polls the chain for new transfers and feeds incoming ones
// to the deposit pipeline.
type MonitorWorker struct {
	scanner          TransferScanner
	pipeline         DepositProcessor
	transfers        UnprocessedStore
	locker           lock.Locker
	pollInterval     time.Duration
	lockTTL          time.Duration
	unprocessedBatch int
	gapBatch         int
	reconcileBatch   int
	maintenance      bool
	logger           *logging.Logger

	mu         sync.RWMutex
	running    bool
	stopCh     chan struct{}
	doneCh     chan struct{}
	lastResult *CycleResult
}

// NewMonitorWorker creates a new monitor worker
func NewMonitorWorker(cfg *MonitorWorkerConfig) (*MonitorWorker, error) {
	if cfg.Scanner == nil {
		return nil, fmt.Errorf("scanner cannot be nil")
	}
	if cfg.Pipeline == nil {
		return nil, fmt.Errorf("pipeline cannot be nil")
	}
	if cfg.Transfers == nil {
		return nil, fmt.Errorf("transfer store cannot be nil")
	}
	if cfg.Locker == nil {
		return nil, fmt.Errorf("locker cannot be nil")
	}

	w := &MonitorWorker{
		scanner:          cfg.Scanner,
		pipeline:         cfg.Pipeline,
		transfers:        cfg.Transfers,
		locker:           cfg.Locker,
		pollInterval:     cfg.PollInterval,
		lockTTL:          cfg.LockTTL,
		unprocessedBatch: cfg.UnprocessedBatch,
		gapBatch:         cfg.GapBatch,
		reconcileBatch:   cfg.ReconcileBatch,
		maintenance:      cfg.MaintenanceMode,
		logger:           cfg.Logger,
	}
	if w.pollInterval <= 0 {
		w.pollInterval = DefaultPollInterval
	}
	if w.lockTTL <= 0 {
		w.lockTTL = DefaultMonitorLockTTL
	}
	if w.unprocessedBatch <= 0 {
		w.unprocessedBatch = DefaultUnprocessedBatch
	}
	if w.gapBatch <= 0 {
		w.gapBatch = DefaultGapBatch
	}
	if w.reconcileBatch <= 0 {
		w.reconcileBatch = DefaultReconcileBatch
	}
	if w.logger == nil {
		w.logger = logging.GetGlobalLogger()
	}
	w.logger = w.logger.WithComponent("monitor")
	return w, nil
}

// Start runs a cycle immediately and then every poll interval until Stop is
// called or ctx ends.
func (w *MonitorWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("monitor worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.logger.WithField("pollInterval", w.pollInterval.String()).Info("Starting monitor worker")
	go w.pollLoop(ctx, w.stopCh, w.doneCh)
	return nil
}

// Stop signals the loop and waits for the current cycle to finish.
func (w *MonitorWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("monitor worker is not running")
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		w.logger.Info("Monitor worker stopped")
	case <-ctx.Done():
		w.logger.Warn("Monitor worker stop timed out")
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

// IsRunning reports whether the poll loop is active.
func (w *MonitorWorker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// LastResult returns the most recent cycle summary, or nil before the first.
func (w *MonitorWorker) LastResult() *CycleResult {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastResult
}

func (w *MonitorWorker) pollLoop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Context cancelled, monitor loop exiting")
			return
		case <-stopCh:
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *MonitorWorker) tick(ctx context.Context) {
	result, err := w.RunOnce(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("Monitor cycle failed")
		return
	}
	if result.Skipped {
		return
	}
	if result.Processed > 0 || len(result.Errors) > 0 {
		w.logger.WithFields(map[string]interface{}{
			"processed":    result.Processed,
			"created":      result.Created,
			"deferred":     result.Deferred,
			"gapsResolved": result.GapsResolved,
			"errors":       len(result.Errors),
			"durationMs":   result.DurationMs,
		}).Info("Monitor cycle complete")
	}
}

// RunOnce runs one monitoring cycle under the global monitor lock. When
// another process holds the lock the cycle is skipped.
func (w *MonitorWorker) RunOnce(ctx context.Context) (*CycleResult, error) {
	result := &CycleResult{StartedAt: time.Now().UTC()}
	if w.maintenance {
		w.logger.Warn("Blockchain maintenance mode active, skipping cycle")
		result.Skipped = true
		result.Maintenance = true
		return result, nil
	}

	token, ok, err := w.locker.TryAcquire(ctx, MonitorLockKey, w.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to take monitor lock: %w", err)
	}
	if !ok {
		w.logger.Debug("Another worker holds the monitor lock, skipping cycle")
		result.Skipped = true
		return result, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := w.locker.Release(releaseCtx, MonitorLockKey, token); err != nil {
			w.logger.WithError(err).Warn("Failed to release monitor lock")
		}
	}()

	cached, err := w.scanner.MonitorAllTokens(ctx)
	result.Cached = cached
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	for _, t := range w.scanner.Tokens() {
		n, err := w.scanner.RescanGaps(ctx, t, w.gapBatch)
		result.GapsResolved += n
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("rescan %s: %v", t, err))
		}
	}

	linked, err := w.scanner.ReconcileUsers(ctx, w.reconcileBatch)
	result.UsersLinked = linked
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("reconcile: %v", err))
	}

	if err := w.drain(ctx, result); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("drain: %v", err))
	}

	result.DurationMs = time.Since(result.StartedAt).Milliseconds()
	w.mu.Lock()
	w.lastResult = result
	w.mu.Unlock()
	return result, nil
}

// drain feeds unprocessed incoming USDT transfers to the pipeline. Rows with
// a final outcome are marked processed; the rest wait for the next cycle.
func (w *MonitorWorker) drain(ctx context.Context, result *CycleResult) error {
	rows, err := w.transfers.ListUnprocessed(ctx, types.TokenUSDT, w.unprocessedBatch)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := w.pipeline.Process(ctx, deposit.IncomingTransfer{
			TxHash:      row.TxHash,
			From:        row.FromAddress,
			To:          row.ToAddress,
			Amount:      row.Amount,
			BlockNumber: row.BlockNumber,
		})
		log := w.logger.WithFields(map[string]interface{}{
			"txHash":  row.TxHash,
			"outcome": string(res.Outcome),
		})
		if err != nil {
			log.WithError(err).Warn("Pipeline returned an error")
		}
		if !res.Outcome.Final() {
			result.Deferred++
			continue
		}

		var depositID *int64
		if res.Deposit != nil {
			id := res.Deposit.ID
			depositID = &id
			result.Created++
		}
		if err := w.transfers.MarkProcessed(ctx, row.ID, depositID, string(res.Outcome)); err != nil {
			return err
		}
		result.Processed++
	}
	return nil
}
