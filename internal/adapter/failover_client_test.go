package adapter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/deposit-settlement/internal/errors"
)

func TestFailoverClient_UsesActiveProvider(t *testing.T) {
	rig := newTestRig(t, newFakeSettings("quicknode"), time.Second)

	head, err := rig.fc.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), head)
	assert.Equal(t, "quicknode", rig.fc.ActiveProvider())
	assert.Zero(t, rig.clients["nodereal"].calls.Load())

	status := rig.fc.Status(context.Background())
	assert.Nil(t, status.SharedUsed)
	require.Len(t, status.Providers, 3)
	assert.True(t, status.Providers[0].IsActive)
	assert.Equal(t, uint64(1000), status.Providers[0].LastBlock)
	assert.Equal(t, "https://quicknode.example", status.Providers[0].Endpoint, "api key is not exposed")
}

func TestFailoverClient_SwitchesToBackupAndPersists(t *testing.T) {
	settings := newFakeSettings("quicknode")
	rig := newTestRig(t, settings, time.Second)
	rig.clients["quicknode"].setErr(errNodeDown)

	head, err := rig.fc.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1001), head, "answer comes from nodereal")
	assert.Equal(t, "nodereal", rig.fc.ActiveProvider())

	rig.fc.WaitPersisted()
	stored, _, sets := settings.snapshot()
	assert.Equal(t, []string{"nodereal"}, sets)
	assert.Equal(t, "nodereal", stored.ActiveRPCProvider)

	quicknodeCalls := rig.clients["quicknode"].calls.Load()
	_, err = rig.fc.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, quicknodeCalls, rig.clients["quicknode"].calls.Load(), "next call starts on the new active provider")
}

func TestFailoverClient_TriesBackupsInConfiguredOrder(t *testing.T) {
	rig := newTestRig(t, nil, time.Second)
	rig.clients["quicknode"].setErr(errNodeDown)
	rig.clients["nodereal"].setErr(errNodeDown)

	head, err := rig.fc.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1002), head)
	assert.Equal(t, "nodereal2", rig.fc.ActiveProvider())
	assert.Equal(t, int32(1), rig.clients["nodereal"].calls.Load())
}

func TestFailoverClient_AllProvidersFail(t *testing.T) {
	rig := newTestRig(t, newFakeSettings("quicknode"), time.Second)
	for _, c := range rig.clients {
		c.setErr(errNodeDown)
	}

	_, err := rig.fc.BlockNumber(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrProviderUnavailable)
	assert.ErrorIs(t, err, errNodeDown, "last cause is wrapped")
	assert.Equal(t, "quicknode", rig.fc.ActiveProvider(), "no switch without a success")

	var catErr *apperrors.CategorizedError
	require.True(t, errors.As(err, &catErr))
	assert.Equal(t, []string{"quicknode", "nodereal", "nodereal2"}, catErr.Details["attempted"])
}

func TestFailoverClient_PermanentErrorDoesNotFailOver(t *testing.T) {
	rig := newTestRig(t, nil, time.Second)

	var seen []ChainClient
	err := rig.fc.Execute(context.Background(), func(ctx context.Context, c ChainClient) error {
		seen = append(seen, c)
		return apperrors.NewInvalidInputError("address", "bad checksum")
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Len(t, seen, 1)
	assert.Equal(t, "quicknode", rig.fc.ActiveProvider())
}

func TestFailoverClient_CancelledCallerStopsFailover(t *testing.T) {
	rig := newTestRig(t, nil, time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := rig.fc.Execute(ctx, func(ctx context.Context, c ChainClient) error {
		calls++
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "quicknode", rig.fc.ActiveProvider())
}

func TestFailoverClient_DeadlineBecomesTimeout(t *testing.T) {
	settings := newFakeSettings("quicknode")
	settings.settings.AutoSwitchEnabled = false
	rig := newTestRig(t, settings, 30*time.Millisecond)
	rig.clients["quicknode"].delay = time.Second

	_, err := rig.fc.BlockNumber(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrTimeout)
	assert.False(t, rig.fc.AutoSwitchEnabled())
	assert.Zero(t, rig.clients["nodereal"].calls.Load(), "auto switch is off")
}

func TestFailoverClient_TimeoutFailsOver(t *testing.T) {
	rig := newTestRig(t, nil, 30*time.Millisecond)
	rig.clients["quicknode"].delay = time.Second

	head, err := rig.fc.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1001), head)
}

func TestFailoverClient_AutoSwitchOffReturnsProviderUnavailable(t *testing.T) {
	settings := newFakeSettings("quicknode")
	settings.settings.AutoSwitchEnabled = false
	rig := newTestRig(t, settings, time.Second)
	rig.clients["quicknode"].setErr(errNodeDown)

	_, err := rig.fc.BlockNumber(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrProviderUnavailable)
	assert.Zero(t, rig.clients["nodereal"].calls.Load())
}

func TestFailoverClient_SettingsRefreshHonoursTTL(t *testing.T) {
	settings := newFakeSettings("nodereal")
	rig := newTestRig(t, settings, time.Second)
	ctx := context.Background()

	head, err := rig.fc.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1001), head, "first call reads the store")

	settings.update(func(s *fakeSettings) { s.settings.ActiveRPCProvider = "nodereal2" })
	rig.advance(10 * time.Second)
	head, err = rig.fc.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1001), head, "within ttl the cached state is used")

	rig.advance(25 * time.Second)
	head, err = rig.fc.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1002), head)

	_, gets, _ := settings.snapshot()
	assert.Equal(t, 2, gets)
}

func TestFailoverClient_RefreshProblemsKeepState(t *testing.T) {
	settings := newFakeSettings("nodereal")
	rig := newTestRig(t, settings, time.Second)
	ctx := context.Background()

	_, err := rig.fc.BlockNumber(ctx)
	require.NoError(t, err)
	require.Equal(t, "nodereal", rig.fc.ActiveProvider())

	settings.update(func(s *fakeSettings) { s.getErr = errors.New("connection reset") })
	rig.advance(time.Minute)
	_, err = rig.fc.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "nodereal", rig.fc.ActiveProvider())

	settings.update(func(s *fakeSettings) {
		s.getErr = nil
		s.settings.ActiveRPCProvider = "alchemy"
	})
	rig.advance(time.Minute)
	_, err = rig.fc.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, "nodereal", rig.fc.ActiveProvider(), "unknown stored name is ignored")
}

func TestFailoverClient_PersistFailureIsNotReturned(t *testing.T) {
	settings := newFakeSettings("quicknode")
	settings.setErr = errors.New("database is read-only")
	rig := newTestRig(t, settings, time.Second)
	rig.clients["quicknode"].setErr(errNodeDown)

	_, err := rig.fc.BlockNumber(context.Background())
	require.NoError(t, err)
	rig.fc.WaitPersisted()

	assert.Equal(t, "nodereal", rig.fc.ActiveProvider())
	stored, _, sets := settings.snapshot()
	assert.Equal(t, []string{"nodereal"}, sets)
	assert.Equal(t, "quicknode", stored.ActiveRPCProvider)
}

func TestFailoverClient_ConcurrentCallsConvergeOnBackup(t *testing.T) {
	settings := newFakeSettings("quicknode")
	rig := newTestRig(t, settings, time.Second)
	rig.clients["quicknode"].setErr(errNodeDown)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rig.fc.BlockNumber(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	rig.fc.WaitPersisted()
	assert.Equal(t, "nodereal", rig.fc.ActiveProvider())
	stored, _, sets := settings.snapshot()
	assert.NotEmpty(t, sets)
	assert.Equal(t, "nodereal", stored.ActiveRPCProvider)
	assert.Zero(t, rig.fc.Limiter().InFlight())
}

func TestFailoverClient_SetActiveProvider(t *testing.T) {
	settings := newFakeSettings("quicknode")
	rig := newTestRig(t, settings, time.Second)
	ctx := context.Background()

	err := rig.fc.SetActiveProvider(ctx, "infura")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

	require.NoError(t, rig.fc.SetActiveProvider(ctx, "nodereal2"))
	assert.Equal(t, "nodereal2", rig.fc.ActiveProvider())
	stored, _, _ := settings.snapshot()
	assert.Equal(t, "nodereal2", stored.ActiveRPCProvider)
}

func TestFailoverClient_ReceiptNotFoundDoesNotFailOver(t *testing.T) {
	rig := newTestRig(t, nil, time.Second)

	_, err := rig.fc.TransactionReceipt(context.Background(), common.HexToHash("0x01"))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Zero(t, rig.clients["nodereal"].calls.Load())
}

func TestNewFailoverClient_RejectsUnknownDefault(t *testing.T) {
	rig := newTestRig(t, nil, time.Second)
	_, err := NewFailoverClient(&FailoverConfig{Pool: rig.fc.Pool(), DefaultProvider: "infura"})
	assert.Error(t, err)
}

type countingQuota struct {
	waits atomic.Int32
}

func (q *countingQuota) Wait(ctx context.Context) error {
	q.waits.Add(1)
	return nil
}

func TestFailoverClient_OpenCircuitTakesNoPermit(t *testing.T) {
	rig := newTestRig(t, nil, time.Second)
	quota := &countingQuota{}
	rig.fc.limiter = NewLimiter(&LimiterConfig{MaxConcurrent: 10, RequestsPerSecond: -1, Shared: quota})

	breaker := rig.fc.pool.byName["quicknode"].breaker
	for i := 0; i < 5; i++ {
		_ = breaker.Execute(func() error { return errNodeDown })
	}
	require.False(t, rig.fc.pool.Available("quicknode"))

	head, err := rig.fc.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1001), head)
	assert.Zero(t, rig.clients["quicknode"].calls.Load())
	assert.Equal(t, int32(1), quota.waits.Load(), "only the backup consumed budget")
	assert.Zero(t, rig.fc.limiter.InFlight())
}

func TestFailoverClient_StatusReportsSharedBudget(t *testing.T) {
	rig := newTestRig(t, nil, time.Second)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	budget := newTestBudget(t, 100, &now)
	rig.fc.limiter = NewLimiter(&LimiterConfig{MaxConcurrent: 10, RequestsPerSecond: -1, Shared: budget})

	for i := 0; i < 3; i++ {
		_, err := rig.fc.BlockNumber(context.Background())
		require.NoError(t, err)
	}

	status := rig.fc.Status(context.Background())
	require.NotNil(t, status.SharedUsed)
	assert.Equal(t, 3, *status.SharedUsed)
}
