package deposit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/deposit-settlement/internal/errors"
	"github.com/deposit-settlement/internal/events"
	"github.com/deposit-settlement/internal/lock"
	"github.com/deposit-settlement/internal/logging"
	"github.com/deposit-settlement/internal/models"
	"github.com/deposit-settlement/internal/types"
)

const (
	systemWallet = "0x9999999999999999999999999999999999999999"
	aliceWallet  = "0x1111111111111111111111111111111111111111"
	strangerAddr = "0x3333333333333333333333333333333333333333"
)

func txHash(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

type memDeposits struct {
	mu        sync.Mutex
	byTx      map[string]*models.Deposit
	preActive map[int64]int
	createErr error
	next      int64
	delay     time.Duration
}

func newMemDeposits() *memDeposits {
	return &memDeposits{byTx: make(map[string]*models.Deposit), preActive: make(map[int64]int)}
}

func (m *memDeposits) ExistsByTxHash(ctx context.Context, txHash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byTx[txHash]
	return ok, nil
}

func (m *memDeposits) CountActive(ctx context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.preActive[userID]
	for _, d := range m.byTx {
		if d.UserID == userID && !d.IsCompleted {
			n++
		}
	}
	return n, nil
}

func (m *memDeposits) CreateConfirmed(ctx context.Context, d *models.Deposit) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if _, ok := m.byTx[d.TxHash]; ok {
		return fmt.Errorf("deposit %s: %w", d.TxHash, apperrors.ErrDuplicateTransaction)
	}
	m.next++
	d.ID = m.next
	d.Status = types.DepositConfirmed
	cp := *d
	m.byTx[d.TxHash] = &cp
	return nil
}

func (m *memDeposits) all() []*models.Deposit {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Deposit
	for _, d := range m.byTx {
		out = append(out, d)
	}
	return out
}

type memUsers map[string]int64

func (m memUsers) GetByWallet(ctx context.Context, wallet string) (*models.User, error) {
	if id, ok := m[strings.ToLower(wallet)]; ok {
		return &models.User{ID: id, WalletAddress: wallet}, nil
	}
	return nil, apperrors.NewNotFoundError("user", wallet)
}

type pauseFlag struct {
	paused bool
	err    error
}

func (p *pauseFlag) DepositsPaused(ctx context.Context) (bool, error) {
	return p.paused, p.err
}

type harness struct {
	deposits *memDeposits
	locker   *lock.MemoryLocker
	recorder *events.Recorder
	pause    *pauseFlag
	pipeline *Pipeline
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		deposits: newMemDeposits(),
		locker:   lock.NewMemoryLocker(),
		recorder: &events.Recorder{},
		pause:    &pauseFlag{},
	}
	cfg := &Config{
		SystemWallet: systemWallet,
		Deposits:     h.deposits,
		Users:        memUsers{aliceWallet: 7},
		Locker:       h.locker,
		Notifier:     h.recorder,
		Pause:        h.pause,
		Logger:       logging.NewNop(),
	}
	if mutate != nil {
		mutate(cfg)
	}
	p, err := NewPipeline(cfg)
	require.NoError(t, err)
	h.pipeline = p
	return h
}

func (h *harness) assertUnlocked(t *testing.T, tx string, userID int64) {
	t.Helper()
	assert.False(t, h.locker.Held(TxLockKey(tx)), "tx lock still held")
	assert.False(t, h.locker.Held(UserLockKey(userID)), "user lock still held")
}

func deposit100(tx string) IncomingTransfer {
	return IncomingTransfer{
		TxHash:      tx,
		From:        aliceWallet,
		To:          systemWallet,
		Amount:      decimal.NewFromInt(100),
		BlockNumber: 950,
	}
}

func TestProcessIncomingTransfer_Created(t *testing.T) {
	h := newHarness(t, nil)
	tx := txHash(1)

	res, err := h.pipeline.Process(context.Background(), deposit100(tx))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, res.Outcome)
	require.NotNil(t, res.Deposit)
	assert.Equal(t, int64(7), res.Deposit.UserID)
	assert.Equal(t, 1, res.Deposit.Level)
	assert.Equal(t, uint64(950), res.Deposit.BlockNumber)
	assert.True(t, res.Deposit.DailyObligation.Equal(decimal.NewFromInt(1000)))

	created := h.recorder.OfType(events.TypeDepositCreated)
	require.Len(t, created, 1)
	assert.Equal(t, res.Deposit.ID, created[0].(events.DepositCreated).DepositID)
	h.assertUnlocked(t, tx, 7)

	// sequential replay
	outcome, err := h.pipeline.ProcessIncomingTransfer(context.Background(), deposit100(tx))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Len(t, h.deposits.all(), 1)
	h.assertUnlocked(t, tx, 7)
}

func TestProcessIncomingTransfer_ConcurrentSameTxCreatesOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.deposits.delay = 20 * time.Millisecond
	tx := txHash(0xabc)

	const callers = 8
	var wg sync.WaitGroup
	outcomes := make(chan Outcome, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := h.pipeline.ProcessIncomingTransfer(context.Background(), deposit100(tx))
			assert.NoError(t, err)
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[OutcomeCreated])
	assert.Equal(t, callers-1, counts[OutcomeDuplicate]+counts[OutcomeLocked])

	all := h.deposits.all()
	require.Len(t, all, 1)
	assert.Equal(t, int64(7), all[0].UserID)
	assert.True(t, all[0].Amount.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, tx, all[0].TxHash)
	h.assertUnlocked(t, tx, 7)
}

func TestProcessIncomingTransfer_UnknownSender(t *testing.T) {
	h := newHarness(t, nil)
	in := deposit100(txHash(2))
	in.From = strangerAddr

	outcome, err := h.pipeline.ProcessIncomingTransfer(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownSender, outcome)
	assert.Empty(t, h.deposits.all())

	unidentified := h.recorder.OfType(events.TypeUnidentifiedDeposit)
	require.Len(t, unidentified, 1)
	assert.Equal(t, strangerAddr, unidentified[0].(events.UnidentifiedDeposit).From)
	assert.Len(t, h.recorder.Events(), 1)
	assert.False(t, h.locker.Held(TxLockKey(txHash(2))))
}

func TestProcessIncomingTransfer_CapUnderConcurrency(t *testing.T) {
	h := newHarness(t, nil)
	h.deposits.preActive[7] = 3
	h.deposits.delay = 5 * time.Millisecond

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			outcome, err := h.pipeline.ProcessIncomingTransfer(context.Background(), deposit100(txHash(100+n)))
			assert.NoError(t, err)
			outcomes <- outcome
		}(i)
	}
	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 2, counts[OutcomeCreated])
	assert.Equal(t, 3, counts[OutcomeCapRejected])
	assert.Len(t, h.recorder.OfType(events.TypeDepositLimitReached), 3)

	levels := map[int]bool{}
	for _, d := range h.deposits.all() {
		levels[d.Level] = true
	}
	assert.Equal(t, map[int]bool{4: true, 5: true}, levels)
	assert.False(t, h.locker.Held(UserLockKey(7)))
}

func TestProcessIncomingTransfer_NotForSystemWallet(t *testing.T) {
	h := newHarness(t, nil)
	in := deposit100(txHash(3))
	in.To = strangerAddr

	outcome, err := h.pipeline.ProcessIncomingTransfer(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Empty(t, h.recorder.Events())
	h.assertUnlocked(t, txHash(3), 7)
}

func TestProcessIncomingTransfer_TxLockHeldElsewhere(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.TxLockWait = 50 * time.Millisecond })
	tx := txHash(4)

	token, ok, err := h.locker.TryAcquire(context.Background(), TxLockKey(tx), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	outcome, err := h.pipeline.ProcessIncomingTransfer(context.Background(), deposit100(tx))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLocked, outcome)
	assert.Empty(t, h.deposits.all())

	// the other owner's lock is untouched
	assert.True(t, h.locker.Held(TxLockKey(tx)))
	released, err := h.locker.Release(context.Background(), TxLockKey(tx), token)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestProcessIncomingTransfer_UserLockHeldElsewhere(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.UserLockWait = 50 * time.Millisecond })
	_, ok, err := h.locker.TryAcquire(context.Background(), UserLockKey(7), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	tx := txHash(5)
	outcome, err := h.pipeline.ProcessIncomingTransfer(context.Background(), deposit100(tx))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLocked, outcome)
	assert.False(t, h.locker.Held(TxLockKey(tx)))
}

func TestProcessIncomingTransfer_Paused(t *testing.T) {
	h := newHarness(t, nil)
	h.pause.paused = true

	outcome, err := h.pipeline.ProcessIncomingTransfer(context.Background(), deposit100(txHash(6)))
	require.NoError(t, err)
	assert.Equal(t, OutcomePaused, outcome)
	assert.False(t, outcome.Final())
	assert.Empty(t, h.deposits.all())

	h.pause.paused = false
	h.pause.err = errors.New("settings unavailable")
	outcome, err = h.pipeline.ProcessIncomingTransfer(context.Background(), deposit100(txHash(6)))
	require.Error(t, err)
	assert.Equal(t, OutcomePaused, outcome)
}

func TestProcessIncomingTransfer_StoreFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.deposits.createErr = apperrors.NewDatabaseError("insert deposit", errors.New("connection reset"))
	tx := txHash(7)

	outcome, err := h.pipeline.ProcessIncomingTransfer(context.Background(), deposit100(tx))
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Empty(t, h.deposits.all())

	failed := h.recorder.OfType(events.TypeDepositProcessingFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, tx, failed[0].(events.DepositProcessingFailed).TxHash)
	assert.Empty(t, h.recorder.OfType(events.TypeDepositCreated))
	h.assertUnlocked(t, tx, 7)
}

func TestProcessIncomingTransfer_UniqueViolationIsDuplicate(t *testing.T) {
	h := newHarness(t, nil)
	h.deposits.createErr = fmt.Errorf("deposit x: %w", apperrors.ErrDuplicateTransaction)

	outcome, err := h.pipeline.ProcessIncomingTransfer(context.Background(), deposit100(txHash(8)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Empty(t, h.recorder.Events())
}

func TestProcessIncomingTransfer_NotifierFailureKeepsDeposit(t *testing.T) {
	h := newHarness(t, nil)
	h.recorder.Err = errors.New("broker down")

	outcome, err := h.pipeline.ProcessIncomingTransfer(context.Background(), deposit100(txHash(9)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)
	assert.Len(t, h.deposits.all(), 1)
}

// lockObserver records, for every event, whether the pipeline's locks were
// still held when the event was delivered.
type lockObserver struct {
	locker *lock.MemoryLocker
	userID int64

	mu   sync.Mutex
	seen map[string]bool
}

func (o *lockObserver) Notify(ctx context.Context, event events.Event) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	held := o.locker.Held(UserLockKey(o.userID))
	switch e := event.(type) {
	case events.DepositCreated:
		held = held || o.locker.Held(TxLockKey(txHash(20)))
	case events.DepositLimitReached:
		held = held || o.locker.Held(TxLockKey(e.TxHash))
	case events.UnidentifiedDeposit:
		held = held || o.locker.Held(TxLockKey(e.TxHash))
	case events.DepositProcessingFailed:
		held = held || o.locker.Held(TxLockKey(e.TxHash))
	}
	o.seen[event.Type()] = held
	return nil
}

func TestProcessIncomingTransfer_EventsAfterLocksReleased(t *testing.T) {
	locker := lock.NewMemoryLocker()
	observer := &lockObserver{locker: locker, userID: 7, seen: make(map[string]bool)}
	deposits := newMemDeposits()
	p, err := NewPipeline(&Config{
		SystemWallet:       systemWallet,
		MaxDepositsPerUser: 1,
		Deposits:           deposits,
		Users:              memUsers{aliceWallet: 7},
		Locker:             locker,
		Notifier:           observer,
		Logger:             logging.NewNop(),
	})
	require.NoError(t, err)
	ctx := context.Background()

	outcome, err := p.ProcessIncomingTransfer(ctx, deposit100(txHash(20)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCreated, outcome)

	outcome, err = p.ProcessIncomingTransfer(ctx, deposit100(txHash(21)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCapRejected, outcome)

	stranger := deposit100(txHash(22))
	stranger.From = strangerAddr
	outcome, err = p.ProcessIncomingTransfer(ctx, stranger)
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownSender, outcome)

	deposits.createErr = apperrors.NewDatabaseError("insert deposit", errors.New("connection reset"))
	deposits.preActive[7] = -1
	outcome, err = p.ProcessIncomingTransfer(ctx, deposit100(txHash(23)))
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	observer.mu.Lock()
	defer observer.mu.Unlock()
	for _, typ := range []string{
		events.TypeDepositCreated,
		events.TypeDepositLimitReached,
		events.TypeUnidentifiedDeposit,
		events.TypeDepositProcessingFailed,
	} {
		held, ok := observer.seen[typ]
		require.True(t, ok, "%s not delivered", typ)
		assert.False(t, held, "%s delivered under lock", typ)
	}
}

func TestProcessIncomingTransfer_InvalidInput(t *testing.T) {
	h := newHarness(t, nil)
	cases := map[string]func(*IncomingTransfer){
		"short hash":     func(in *IncomingTransfer) { in.TxHash = "0xabc" },
		"bad sender":     func(in *IncomingTransfer) { in.From = "alice" },
		"bad recipient":  func(in *IncomingTransfer) { in.To = "" },
		"zero amount":    func(in *IncomingTransfer) { in.Amount = decimal.Zero },
		"negative value": func(in *IncomingTransfer) { in.Amount = decimal.NewFromInt(-1) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := deposit100(txHash(10))
			mutate(&in)
			outcome, err := h.pipeline.ProcessIncomingTransfer(context.Background(), in)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
			assert.Equal(t, OutcomeInvalid, outcome)
			assert.True(t, outcome.Final())
		})
	}
	assert.Empty(t, h.deposits.all())
}

func TestNewPipeline_Defaults(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, DefaultMaxDepositsPerUser, h.pipeline.maxPerUser)
	assert.True(t, h.pipeline.plexPerUnit.Equal(DefaultPlexPerDollarDaily))
	assert.Equal(t, DefaultTxLockTTL, h.pipeline.txLockTTL)
	assert.Equal(t, DefaultUserLockWait, h.pipeline.userWait)

	_, err := NewPipeline(&Config{SystemWallet: "nope", Deposits: newMemDeposits(), Users: memUsers{}, Locker: lock.NewMemoryLocker()})
	assert.Error(t, err)
}
