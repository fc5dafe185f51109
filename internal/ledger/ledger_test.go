package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MOMISBACK/pactengine/internal/domain"
	"github.com/MOMISBACK/pactengine/internal/metrics"
	"github.com/MOMISBACK/pactengine/internal/store/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fixture struct {
	ledger     *Ledger
	users      *memory.UserStore
	txs        *memory.TransactionStore
	challenges *memory.ChallengeStore
	metrics    *metrics.Metrics
}

func newFixture(t *testing.T, balances map[string]int64) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		users:      memory.NewUserStore(),
		txs:        memory.NewTransactionStore(),
		challenges: memory.NewChallengeStore(),
		metrics:    metrics.New(prometheus.NewRegistry()),
	}
	for id, bal := range balances {
		require.NoError(t, f.users.EnsureUser(ctx, id))
		if bal > 0 {
			_, err := f.users.Credit(ctx, id, bal)
			require.NoError(t, err)
		}
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := fixedClock{t: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	f.ledger = New(f.users, f.txs, f.challenges, nil, clock, f.metrics, logger)
	return f
}

func (f *fixture) challenge(t *testing.T, id string, players ...string) *domain.Challenge {
	t.Helper()
	c := domain.Challenge{ID: id, State: domain.StatePending, StakePerPlayer: 10, Version: 1}
	for _, p := range players {
		c.Players = append(c.Players, domain.Player{UserID: p})
	}
	require.NoError(t, f.challenges.Create(context.Background(), c))
	return &c
}

func (f *fixture) balance(t *testing.T, user string) int64 {
	t.Helper()
	b, err := f.users.Balance(context.Background(), user)
	require.NoError(t, err)
	return b
}

func TestDebitOrFail_InsufficientFundsLeavesBalance(t *testing.T) {
	f := newFixture(t, map[string]int64{"alice": 5})
	_, err := f.ledger.DebitOrFail(context.Background(), "alice", 10, Entry{Kind: domain.TxStakeHold})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientFunds))
	assert.Equal(t, int64(5), f.balance(t, "alice"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.LedgerOps.WithLabelValues("debit", "insufficient_funds")))

	txs, err := f.txs.ListByUser(context.Background(), "alice", domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestDebitAndCredit_WriteLog(t *testing.T) {
	f := newFixture(t, map[string]int64{"alice": 50})
	ctx := context.Background()

	bal, err := f.ledger.DebitOrFail(ctx, "alice", 20, Entry{Kind: domain.TxStakeHold, ChallengeID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, int64(30), bal)

	bal, err = f.ledger.Credit(ctx, "alice", 5, Entry{Kind: domain.TxStakeRefund, ChallengeID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, int64(35), bal)

	txs, err := f.txs.ListByChallenge(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(-20), txs[0].Amount)
	assert.Equal(t, domain.TxStakeHold, txs[0].Kind)
	assert.Equal(t, int64(5), txs[1].Amount)

	_, err = f.ledger.Credit(ctx, "alice", 0, Entry{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

type failingTxs struct{ domain.TransactionStore }

func (failingTxs) Append(context.Context, domain.DiamondTransaction) error {
	return errors.New("log unavailable")
}

func TestCredit_LogFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t, map[string]int64{"alice": 0})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := New(f.users, failingTxs{f.txs}, f.challenges, nil, nil, nil, logger)

	bal, err := l.Credit(context.Background(), "alice", 7, Entry{Kind: domain.TxAdmin})
	require.NoError(t, err)
	assert.Equal(t, int64(7), bal)
}

func TestHoldStake_Idempotent(t *testing.T) {
	f := newFixture(t, map[string]int64{"alice": 30})
	ctx := context.Background()
	c := f.challenge(t, "c1", "alice")

	held, err := f.ledger.HoldStake(ctx, c, "alice", 10)
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, int64(20), f.balance(t, "alice"))

	held, err = f.ledger.HoldStake(ctx, c, "alice", 10)
	require.NoError(t, err)
	assert.False(t, held)
	assert.Equal(t, int64(20), f.balance(t, "alice"))

	// A stale copy that does not see the hold is reverted by the store guard.
	stale := &domain.Challenge{ID: "c1"}
	held, err = f.ledger.HoldStake(ctx, stale, "alice", 10)
	require.NoError(t, err)
	assert.False(t, held)
	assert.Equal(t, int64(20), f.balance(t, "alice"))
	assert.Equal(t, domain.StakeHeld, stale.Stake("alice").Status)
}

func TestHoldStake_InsufficientFunds(t *testing.T) {
	f := newFixture(t, map[string]int64{"bob": 3})
	c := f.challenge(t, "c1", "bob")

	_, err := f.ledger.HoldStake(context.Background(), c, "bob", 10)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Nil(t, c.Stake("bob"))
	assert.Equal(t, int64(3), f.balance(t, "bob"))
}

func TestRestakeAt_ReplacesStaleAmount(t *testing.T) {
	f := newFixture(t, map[string]int64{"alice": 50})
	ctx := context.Background()
	c := f.challenge(t, "c1", "alice")

	_, err := f.ledger.HoldStake(ctx, c, "alice", 10)
	require.NoError(t, err)

	held, err := f.ledger.RestakeAt(ctx, c, "alice", 20)
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, int64(30), f.balance(t, "alice"))
	assert.Equal(t, int64(20), c.Stake("alice").Amount)

	held, err = f.ledger.RestakeAt(ctx, c, "alice", 20)
	require.NoError(t, err)
	assert.False(t, held)
	assert.Equal(t, int64(30), f.balance(t, "alice"))

	stored, err := f.challenges.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.StakeHeld, stored.Stake("alice").Status)
	assert.Equal(t, int64(20), stored.Stake("alice").Amount)
}

func TestRestakeAt_StakeReleasedElsewhere(t *testing.T) {
	f := newFixture(t, map[string]int64{"alice": 50})
	ctx := context.Background()
	c := f.challenge(t, "c1", "alice")

	_, err := f.ledger.HoldStake(ctx, c, "alice", 10)
	require.NoError(t, err)
	ok, err := f.challenges.TransitionStake(ctx, "c1", domain.Stake{UserID: "alice", Status: domain.StakeRefunded})
	require.NoError(t, err)
	require.True(t, ok)

	// c still shows the old hold; the new one must be taken anyway.
	held, err := f.ledger.RestakeAt(ctx, c, "alice", 20)
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, int64(20), f.balance(t, "alice"))

	stored, err := f.challenges.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.StakeHeld, stored.Stake("alice").Status)
	assert.Equal(t, int64(20), stored.Stake("alice").Amount)
}

func TestReleaseOperations(t *testing.T) {
	ctx := context.Background()

	t.Run("refund", func(t *testing.T) {
		f := newFixture(t, map[string]int64{"a": 10})
		c := f.challenge(t, "c1", "a")
		_, err := f.ledger.HoldStake(ctx, c, "a", 10)
		require.NoError(t, err)

		ok, err := f.ledger.RefundStakeIfHeld(ctx, c, "a", "refused")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(10), f.balance(t, "a"))
		assert.Equal(t, domain.StakeRefunded, c.Stake("a").Status)

		ok, err = f.ledger.RefundStakeIfHeld(ctx, c, "a", "refused")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, int64(10), f.balance(t, "a"))
	})

	t.Run("burn", func(t *testing.T) {
		f := newFixture(t, map[string]int64{"a": 10})
		c := f.challenge(t, "c1", "a")
		_, err := f.ledger.HoldStake(ctx, c, "a", 10)
		require.NoError(t, err)

		ok, err := f.ledger.BurnStakeIfHeld(ctx, c, "a", "expired")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Zero(t, f.balance(t, "a"))
		assert.Equal(t, int64(10), c.Stake("a").BurnedAmount)

		txs, err := f.txs.ListByChallenge(ctx, "c1")
		require.NoError(t, err)
		require.Len(t, txs, 2)
		assert.Equal(t, domain.TxStakeBurn, txs[1].Kind)
		assert.Zero(t, txs[1].Amount)
	})

	t.Run("partial refund", func(t *testing.T) {
		f := newFixture(t, map[string]int64{"a": 10})
		c := f.challenge(t, "c1", "a")
		_, err := f.ledger.HoldStake(ctx, c, "a", 10)
		require.NoError(t, err)

		ok, err := f.ledger.PartialRefundStakeIfHeld(ctx, c, "a", 13, "expired")
		require.NoError(t, err)
		assert.True(t, ok)
		// Clamped to the stake.
		assert.Equal(t, int64(10), f.balance(t, "a"))
		assert.Zero(t, c.Stake("a").BurnedAmount)
	})

	t.Run("payout once", func(t *testing.T) {
		f := newFixture(t, map[string]int64{"a": 10})
		c := f.challenge(t, "c1", "a")
		_, err := f.ledger.HoldStake(ctx, c, "a", 10)
		require.NoError(t, err)

		ok, err := f.ledger.PayoutStakeIfHeld(ctx, c, "a", 40, "success")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(40), f.balance(t, "a"))

		// A second settlement on a stale copy must not pay again.
		stale, err := f.challenges.Get(ctx, "c1")
		require.NoError(t, err)
		stale.Stakes[0].Status = domain.StakeHeld
		ok, err = f.ledger.PayoutStakeIfHeld(ctx, &stale, "a", 40, "success")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, int64(40), f.balance(t, "a"))
	})
}

func TestPayout_ConcurrentSettlementPaysOnce(t *testing.T) {
	f := newFixture(t, map[string]int64{"a": 10})
	ctx := context.Background()
	c := f.challenge(t, "c1", "a")
	_, err := f.ledger.HoldStake(ctx, c, "a", 10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp, err := f.challenges.Get(ctx, "c1")
			if err != nil {
				return
			}
			cp.Stakes = []domain.Stake{{UserID: "a", Amount: 10, Status: domain.StakeHeld}}
			_, _ = f.ledger.PayoutStakeIfHeld(ctx, &cp, "a", 40, "success")
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(40), f.balance(t, "a"))
}

func TestClaimDailyChestAndGrant(t *testing.T) {
	f := newFixture(t, map[string]int64{"a": 0})
	ctx := context.Background()

	bal, err := f.ledger.ClaimDailyChest(ctx, "a", "2026-05-04", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal)

	_, err = f.ledger.ClaimDailyChest(ctx, "a", "2026-05-04", 5)
	assert.ErrorIs(t, err, domain.ErrChestAlreadyClaimed)

	bal, err = f.ledger.Grant(ctx, "a", 20, "welcome bonus")
	require.NoError(t, err)
	assert.Equal(t, int64(25), bal)

	bal, err = f.ledger.Grant(ctx, "a", -5, "correction")
	require.NoError(t, err)
	assert.Equal(t, int64(20), bal)

	_, err = f.ledger.Grant(ctx, "a", -500, "too much")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	history, err := f.ledger.History(ctx, "a", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, domain.TxAdmin, history[0].Kind)
	assert.Equal(t, domain.TxDailyChest, history[2].Kind)
}
