// Package events defines the notifications emitted by the deposit pipeline
// and the sinks that deliver them.
package events

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/deposit-settlement/internal/logging"
	"github.com/deposit-settlement/internal/metrics"
)

// Event type names, also used as AMQP routing keys.
const (
	TypeUnidentifiedDeposit     = "deposit.unidentified"
	TypeDepositLimitReached     = "deposit.limit_reached"
	TypeDepositCreated          = "deposit.created"
	TypeDepositProcessingFailed = "deposit.failed"
)

// Event is a notification about a deposit decision.
type Event interface {
	Type() string
}

// UnidentifiedDeposit is sent when the sender of an incoming transfer is not
// a registered user.
type UnidentifiedDeposit struct {
	Amount decimal.Decimal `json:"amount"`
	From   string          `json:"from"`
	TxHash string          `json:"txHash"`
}

func (UnidentifiedDeposit) Type() string { return TypeUnidentifiedDeposit }

// DepositLimitReached is sent when a user already has the maximum number of
// active deposits.
type DepositLimitReached struct {
	UserID int64           `json:"userId"`
	Amount decimal.Decimal `json:"amount"`
	TxHash string          `json:"txHash"`
}

func (DepositLimitReached) Type() string { return TypeDepositLimitReached }

// DepositCreated is sent after a deposit is confirmed.
type DepositCreated struct {
	DepositID       int64           `json:"depositId"`
	UserID          int64           `json:"userId"`
	Amount          decimal.Decimal `json:"amount"`
	DailyObligation decimal.Decimal `json:"dailyObligation"`
}

func (DepositCreated) Type() string { return TypeDepositCreated }

// DepositProcessingFailed is sent when persisting a deposit failed.
type DepositProcessingFailed struct {
	TxHash string `json:"txHash"`
	Reason string `json:"reason"`
}

func (DepositProcessingFailed) Type() string { return TypeDepositProcessingFailed }

// Notifier delivers events
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// LogNotifier writes every event as a structured log line.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a log-only notifier
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &LogNotifier{logger: logger.WithComponent("events")}
}

func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	log := n.logger.WithField("event", event.Type())
	switch e := event.(type) {
	case UnidentifiedDeposit:
		log.WithFields(map[string]interface{}{
			"amount": e.Amount.String(),
			"from":   e.From,
			"txHash": e.TxHash,
		}).Warn("Deposit from unknown sender")
	case DepositLimitReached:
		log.WithFields(map[string]interface{}{
			"userId": e.UserID,
			"amount": e.Amount.String(),
			"txHash": e.TxHash,
		}).Warn("Deposit limit reached")
	case DepositCreated:
		log.WithFields(map[string]interface{}{
			"depositId":       e.DepositID,
			"userId":          e.UserID,
			"amount":          e.Amount.String(),
			"dailyObligation": e.DailyObligation.String(),
		}).Info("Deposit created")
	case DepositProcessingFailed:
		log.WithFields(map[string]interface{}{
			"txHash": e.TxHash,
			"reason": e.Reason,
		}).Error("Deposit processing failed")
	default:
		log.Info("Event")
	}
	metrics.EventsPublishedTotal.WithLabelValues(event.Type(), "logged").Inc()
	return nil
}

// Fanout delivers each event to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, event Event) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Notify(ctx context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.Err
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type name.
func (r *Recorder) OfType(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type() == typ {
			out = append(out, e)
		}
	}
	return out
}
