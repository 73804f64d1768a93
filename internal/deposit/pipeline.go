// Package deposit turns incoming USDT transfers into confirmed deposits,
// at most once per transaction, under distributed locks.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/deposit-settlement/internal/errors"
	"github.com/deposit-settlement/internal/events"
	"github.com/deposit-settlement/internal/lock"
	"github.com/deposit-settlement/internal/logging"
	"github.com/deposit-settlement/internal/metrics"
	"github.com/deposit-settlement/internal/models"
	"github.com/deposit-settlement/internal/types"
)

// Outcome is the terminal state of one ProcessIncomingTransfer call.
type Outcome string

const (
	OutcomeCreated       Outcome = "created"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeLocked        Outcome = "locked"
	OutcomeIgnored       Outcome = "ignored"
	OutcomeUnknownSender Outcome = "unknown_sender"
	OutcomeCapRejected   Outcome = "cap_rejected"
	OutcomeFailed        Outcome = "failed"
	OutcomePaused        Outcome = "paused"
	OutcomeInvalid       Outcome = "invalid"
)

// Final reports whether the transfer needs no further processing.
func (o Outcome) Final() bool {
	switch o {
	case OutcomeLocked, OutcomePaused, OutcomeFailed:
		return false
	default:
		return true
	}
}

const (
	DefaultMaxDepositsPerUser = 5
	DefaultTxLockTTL          = 60 * time.Second
	DefaultTxLockWait         = 5 * time.Second
	DefaultUserLockTTL        = 30 * time.Second
	DefaultUserLockWait       = 3 * time.Second
)

// DefaultPlexPerDollarDaily is the daily PLEX obligation per deposited dollar.
var DefaultPlexPerDollarDaily = decimal.NewFromInt(10)

// IncomingTransfer is a transfer the pipeline is asked to settle.
type IncomingTransfer struct {
	TxHash      string
	From        string
	To          string
	Amount      decimal.Decimal
	BlockNumber uint64
}

// DepositStore is the persistence the pipeline needs.
type DepositStore interface {
	ExistsByTxHash(ctx context.Context, txHash string) (bool, error)
	CountActive(ctx context.Context, userID int64) (int, error)
	CreateConfirmed(ctx context.Context, d *models.Deposit) error
}

// UserLookup resolves a sender to a registered user.
type UserLookup interface {
	GetByWallet(ctx context.Context, wallet string) (*models.User, error)
}

// PauseChecker reports whether ingestion is switched off.
type PauseChecker interface {
	DepositsPaused(ctx context.Context) (bool, error)
}

// Config configures a Pipeline
type Config struct {
	SystemWallet       string
	MaxDepositsPerUser int
	PlexPerDollarDaily decimal.Decimal
	TxLockTTL          time.Duration
	TxLockWait         time.Duration
	UserLockTTL        time.Duration
	UserLockWait       time.Duration

	Deposits DepositStore
	Users    UserLookup
	Locker   lock.Locker
	Notifier events.Notifier
	Pause    PauseChecker // optional
	Logger   *logging.Logger
}

// Result is the outcome of a call plus the deposit when one was created.
type Result struct {
	Outcome Outcome         `json:"outcome"`
	Deposit *models.Deposit `json:"deposit,omitempty"`

	event events.Event // delivered once every lock is released
}

// Pipeline settles incoming transfers.
type Pipeline struct {
	wallet      string
	maxPerUser  int
	plexPerUnit decimal.Decimal
	txLockTTL   time.Duration
	txLockWait  time.Duration
	userTTL     time.Duration
	userWait    time.Duration

	deposits DepositStore
	users    UserLookup
	locker   lock.Locker
	notifier events.Notifier
	pause    PauseChecker
	logger   *logging.Logger
	now      func() time.Time
}

// NewPipeline creates a pipeline, applying defaults to unset limits.
func NewPipeline(cfg *Config) (*Pipeline, error) {
	if cfg.Deposits == nil || cfg.Users == nil || cfg.Locker == nil {
		return nil, fmt.Errorf("pipeline requires a deposit store, user lookup and locker")
	}
	wallet, err := types.NormalizeAddress(cfg.SystemWallet)
	if err != nil {
		return nil, fmt.Errorf("invalid system wallet: %w", err)
	}

	p := &Pipeline{
		wallet:      wallet,
		maxPerUser:  cfg.MaxDepositsPerUser,
		plexPerUnit: cfg.PlexPerDollarDaily,
		txLockTTL:   cfg.TxLockTTL,
		txLockWait:  cfg.TxLockWait,
		userTTL:     cfg.UserLockTTL,
		userWait:    cfg.UserLockWait,
		deposits:    cfg.Deposits,
		users:       cfg.Users,
		locker:      cfg.Locker,
		notifier:    cfg.Notifier,
		pause:       cfg.Pause,
		logger:      cfg.Logger,
		now:         time.Now,
	}
	if p.maxPerUser <= 0 {
		p.maxPerUser = DefaultMaxDepositsPerUser
	}
	if !p.plexPerUnit.IsPositive() {
		p.plexPerUnit = DefaultPlexPerDollarDaily
	}
	if p.txLockTTL <= 0 {
		p.txLockTTL = DefaultTxLockTTL
	}
	if p.txLockWait <= 0 {
		p.txLockWait = DefaultTxLockWait
	}
	if p.userTTL <= 0 {
		p.userTTL = DefaultUserLockTTL
	}
	if p.userWait <= 0 {
		p.userWait = DefaultUserLockWait
	}
	if p.notifier == nil {
		p.notifier = events.NewLogNotifier(cfg.Logger)
	}
	if p.logger == nil {
		p.logger = logging.GetGlobalLogger()
	}
	p.logger = p.logger.WithComponent("deposit")
	return p, nil
}

// TxLockKey is the lock held while a transaction is being settled.
func TxLockKey(txHash string) string {
	return "deposit:" + txHash
}

// UserLockKey is the lock held while a user's deposit count is checked and
// a deposit is created.
func UserLockKey(userID int64) string {
	return fmt.Sprintf("user-deposit:%d", userID)
}

// ProcessIncomingTransfer settles in and reports what happened. Contention
// and expected rejections are outcomes, not errors.
func (p *Pipeline) ProcessIncomingTransfer(ctx context.Context, in IncomingTransfer) (Outcome, error) {
	res, err := p.Process(ctx, in)
	return res.Outcome, err
}

// Process is ProcessIncomingTransfer returning the created deposit as well.
// Events are delivered after the tx and user locks are released.
func (p *Pipeline) Process(ctx context.Context, in IncomingTransfer) (*Result, error) {
	res, err := p.process(ctx, in)
	metrics.DepositOutcomesTotal.WithLabelValues(string(res.Outcome)).Inc()
	if res.event != nil {
		p.emit(ctx, res.event)
		res.event = nil
	}
	return res, err
}

func (p *Pipeline) process(ctx context.Context, in IncomingTransfer) (*Result, error) {
	txHash, from, to, err := validate(in)
	if err != nil {
		return &Result{Outcome: OutcomeInvalid}, err
	}
	log := p.logger.WithFields(map[string]interface{}{
		"txHash": txHash,
		"from":   from,
		"amount": in.Amount.String(),
	})

	if p.pause != nil {
		paused, err := p.pause.DepositsPaused(ctx)
		if err != nil {
			return &Result{Outcome: OutcomePaused}, fmt.Errorf("failed to read pause flag: %w", err)
		}
		if paused {
			log.Debug("Deposits paused, leaving transfer for later")
			return &Result{Outcome: OutcomePaused}, nil
		}
	}

	txLock, err := lock.AcquireWait(ctx, p.locker, TxLockKey(txHash), p.txLockTTL, p.txLockWait)
	if err != nil {
		return p.lockFailed(log, "tx", err)
	}
	defer p.release(log, txLock)

	exists, err := p.deposits.ExistsByTxHash(ctx, txHash)
	if err != nil {
		return &Result{Outcome: OutcomeFailed}, err
	}
	if exists {
		log.Debug("Deposit already exists")
		return &Result{Outcome: OutcomeDuplicate}, nil
	}

	if to != p.wallet {
		log.WithField("to", to).Debug("Transfer is not addressed to the system wallet")
		return &Result{Outcome: OutcomeIgnored}, nil
	}

	user, err := p.users.GetByWallet(ctx, from)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			return &Result{Outcome: OutcomeFailed}, err
		}
		log.Warn("Deposit from unknown sender")
		return &Result{
			Outcome: OutcomeUnknownSender,
			event:   events.UnidentifiedDeposit{Amount: in.Amount, From: from, TxHash: txHash},
		}, nil
	}
	log = log.WithField("userId", user.ID)

	userLock, err := lock.AcquireWait(ctx, p.locker, UserLockKey(user.ID), p.userTTL, p.userWait)
	if err != nil {
		return p.lockFailed(log, "user", err)
	}
	defer p.release(log, userLock)

	active, err := p.deposits.CountActive(ctx, user.ID)
	if err != nil {
		return &Result{Outcome: OutcomeFailed}, err
	}
	if active >= p.maxPerUser {
		log.WithField("active", active).Warn("Deposit limit reached")
		return &Result{
			Outcome: OutcomeCapRejected,
			event:   events.DepositLimitReached{UserID: user.ID, Amount: in.Amount, TxHash: txHash},
		}, nil
	}

	d := &models.Deposit{
		UserID:          user.ID,
		TxHash:          txHash,
		Amount:          in.Amount,
		BlockNumber:     in.BlockNumber,
		Level:           active + 1,
		DailyObligation: in.Amount.Mul(p.plexPerUnit),
		CycleStartAt:    p.now().UTC(),
	}
	if err := p.deposits.CreateConfirmed(ctx, d); err != nil {
		if errors.Is(err, apperrors.ErrDuplicateTransaction) {
			log.Info("Deposit created concurrently elsewhere")
			return &Result{Outcome: OutcomeDuplicate}, nil
		}
		log.WithError(err).Error("Failed to create deposit")
		return &Result{
			Outcome: OutcomeFailed,
			event:   events.DepositProcessingFailed{TxHash: txHash, Reason: err.Error()},
		}, err
	}

	log.WithFields(map[string]interface{}{
		"depositId": d.ID,
		"level":     d.Level,
	}).Info("Deposit confirmed")
	return &Result{
		Outcome: OutcomeCreated,
		Deposit: d,
		event: events.DepositCreated{
			DepositID:       d.ID,
			UserID:          d.UserID,
			Amount:          d.Amount,
			DailyObligation: d.DailyObligation,
		},
	}, nil
}

func validate(in IncomingTransfer) (txHash, from, to string, err error) {
	if txHash, err = types.NormalizeTxHash(in.TxHash); err != nil {
		return "", "", "", apperrors.NewInvalidInputError("txHash", err.Error())
	}
	if from, err = types.NormalizeAddress(in.From); err != nil {
		return "", "", "", apperrors.NewInvalidAddressError("from", in.From)
	}
	if to, err = types.NormalizeAddress(in.To); err != nil {
		return "", "", "", apperrors.NewInvalidAddressError("to", in.To)
	}
	if !in.Amount.IsPositive() {
		return "", "", "", apperrors.NewInvalidInputError("amount", "must be positive")
	}
	return strings.ToLower(txHash), from, to, nil
}

func (p *Pipeline) lockFailed(log *logging.Logger, scope string, err error) (*Result, error) {
	if errors.Is(err, apperrors.ErrLockNotAcquired) {
		log.WithField("lock", scope).Info("Lock busy, skipping")
		return &Result{Outcome: OutcomeLocked}, nil
	}
	return &Result{Outcome: OutcomeLocked}, err
}

func (p *Pipeline) release(log *logging.Logger, h *lock.Handle) {
	released, err := h.Release()
	if err != nil {
		log.WithError(err).WithField("lock", h.Key).Warn("Failed to release lock")
		return
	}
	if !released {
		log.WithField("lock", h.Key).Warn("Lock expired before release")
	}
}

// emit delivers event; failures never change the outcome.
func (p *Pipeline) emit(ctx context.Context, event events.Event) {
	if err := p.notifier.Notify(ctx, event); err != nil {
		p.logger.WithError(err).WithField("event", event.Type()).Warn("Failed to deliver event")
	}
}
