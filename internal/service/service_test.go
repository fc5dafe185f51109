package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MOMISBACK/pactengine/internal/domain"
	"github.com/MOMISBACK/pactengine/internal/ledger"
	"github.com/MOMISBACK/pactengine/internal/lock"
	"github.com/MOMISBACK/pactengine/internal/metrics"
	"github.com/MOMISBACK/pactengine/internal/progress"
	"github.com/MOMISBACK/pactengine/internal/settlement"
	"github.com/MOMISBACK/pactengine/internal/store/memory"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
	return nil
}

// hookedStore runs a one-shot hook around the next challenge write so tests
// can interleave another call at an exact point.
type hookedStore struct {
	*memory.ChallengeStore
	mu           sync.Mutex
	beforeUpdate func()
	afterUpdate  func()
}

func (s *hookedStore) Update(ctx context.Context, c domain.Challenge) (domain.Challenge, error) {
	s.mu.Lock()
	before, after := s.beforeUpdate, s.afterUpdate
	s.beforeUpdate, s.afterUpdate = nil, nil
	s.mu.Unlock()

	if before != nil {
		before()
	}
	out, err := s.ChallengeStore.Update(ctx, c)
	if err == nil && after != nil {
		after()
	}
	return out, err
}

type env struct {
	svc        *ChallengeService
	accounts   *AccountService
	sweeper    *Sweeper
	users      *memory.UserStore
	txs        *memory.TransactionStore
	challenges *memory.ChallengeStore
	store      *hookedStore
	activities *memory.ActivityStore
	locks      *lock.Registry
	alerts     *recordingAlerter
	clock      *testClock
}

// monday is the first day of the default test window.
var monday = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func newEnv(t *testing.T, scheme domain.SettlementScheme, balances map[string]int64) *env {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &env{
		users:      memory.NewUserStore(),
		txs:        memory.NewTransactionStore(),
		challenges: memory.NewChallengeStore(),
		activities: memory.NewActivityStore(),
		locks:      lock.NewRegistry(),
		alerts:     &recordingAlerter{},
		clock:      &testClock{t: monday},
	}
	e.store = &hookedStore{ChallengeStore: e.challenges}
	for id, bal := range balances {
		require.NoError(t, e.users.EnsureUser(ctx, id))
		if bal > 0 {
			_, err := e.users.Credit(ctx, id, bal)
			require.NoError(t, err)
		}
	}
	m := metrics.New(prometheus.NewRegistry())
	window, err := NewWindowPolicy(7, AlignRolling, "UTC")
	require.NoError(t, err)
	strategies, err := settlement.NewRegistry(4, scheme)
	require.NoError(t, err)

	l := ledger.New(e.users, e.txs, e.store, nil, e.clock, m, logger)
	e.svc = NewChallengeService(
		e.store, l, progress.NewEvaluator(e.activities), strategies,
		nil, nil, e.alerts, e.clock, m,
		Options{DefaultStake: 10, Window: window}, logger,
	)
	e.accounts = NewAccountService(l, e.activities, window, 5, e.clock, logger)
	e.sweeper = NewSweeper(e.svc, e.store, nil, e.locks, e.alerts, e.clock, m,
		SweeperConfig{BatchSize: 50}, logger)
	return e
}

func (e *env) balance(t *testing.T, user string) int64 {
	t.Helper()
	bal, err := e.users.Balance(context.Background(), user)
	require.NoError(t, err)
	return bal
}

func (e *env) run(t *testing.T, user, activityType string, km float64) {
	t.Helper()
	_, err := e.accounts.RecordActivity(context.Background(), ActivityInput{
		UserID: user, Type: activityType, Distance: km, Duration: 30,
	})
	require.NoError(t, err)
}

func distanceGoal(km float64) domain.Goal {
	return domain.NewSingleGoal(domain.MetricDistance, km)
}

func (e *env) solo(t *testing.T, user string, in CreateInput) domain.Challenge {
	t.Helper()
	in.CreatorID = user
	in.Mode = domain.ModeSolo
	if in.Goal.Kind == "" {
		in.Goal = distanceGoal(10)
	}
	c, err := e.svc.Create(context.Background(), in)
	require.NoError(t, err)
	return c
}

func (e *env) duo(t *testing.T, a, b string, scheme string) domain.Challenge {
	t.Helper()
	ctx := context.Background()
	c, err := e.svc.Create(ctx, CreateInput{
		CreatorID: a, Mode: domain.ModeDuo, PartnerID: b,
		Goal: distanceGoal(10), Stake: 10, Scheme: scheme,
	})
	require.NoError(t, err)
	c, err = e.svc.Sign(ctx, c.ID, b)
	require.NoError(t, err)
	require.Equal(t, domain.StateActive, c.State)
	return c
}

func TestCreate_SoloHoldsStakeAndActivates(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100})

	c := e.solo(t, "ana", CreateInput{Stake: 10})

	assert.Equal(t, domain.StateActive, c.State)
	assert.Equal(t, domain.SlotSolo, c.Slot)
	assert.Equal(t, time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC), c.StartDate)
	assert.Equal(t, time.Date(2026, 5, 10, 23, 59, 59, int(999*time.Millisecond), time.UTC), c.EndDate)
	require.Len(t, c.Stakes, 1)
	assert.Equal(t, domain.StakeHeld, c.Stakes[0].Status)
	assert.Equal(t, int64(90), e.balance(t, "ana"))

	txs, err := e.txs.ListByChallenge(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxStakeHold, txs[0].Kind)
	assert.Equal(t, int64(-10), txs[0].Amount)
}

func TestCreate_InsufficientFundsLeavesNothing(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 5})

	_, err := e.svc.Create(context.Background(), CreateInput{
		CreatorID: "ana", Mode: domain.ModeSolo, Goal: distanceGoal(10), Stake: 10,
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	assert.Equal(t, int64(5), e.balance(t, "ana"))
	_, err = e.svc.Current(context.Background(), "ana", "")
	assert.ErrorIs(t, err, domain.ErrNoActiveChallenge)
}

func TestCreate_RejectsBadInput(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100, "bo": 100})
	ctx := context.Background()

	_, err := e.svc.Create(ctx, CreateInput{
		CreatorID: "ana", Mode: domain.ModeDuo, PartnerID: "ana", Goal: distanceGoal(10),
	})
	assert.ErrorIs(t, err, domain.ErrSelfInviteForbidden)

	_, err = e.svc.Create(ctx, CreateInput{
		CreatorID: "ana", Mode: domain.ModeDuo, Goal: distanceGoal(10),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = e.svc.Create(ctx, CreateInput{
		CreatorID: "ana", Mode: domain.ModeSolo, Goal: distanceGoal(0),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidGoal)

	_, err = e.svc.Create(ctx, CreateInput{
		CreatorID: "ana", Mode: domain.ModeSolo, Goal: distanceGoal(5), ActivityTypes: []string{"curling"},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidActivityTypes)

	assert.Equal(t, int64(100), e.balance(t, "ana"))
}

func TestCreate_DuplicatePact(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100, "bo": 100})
	ctx := context.Background()

	_, err := e.svc.Create(ctx, CreateInput{
		CreatorID: "ana", Mode: domain.ModeDuo, PartnerID: "bo", Goal: distanceGoal(10),
	})
	require.NoError(t, err)

	_, err = e.svc.Create(ctx, CreateInput{
		CreatorID: "bo", Mode: domain.ModeDuo, PartnerID: "ana", Goal: distanceGoal(10),
	})
	assert.ErrorIs(t, err, domain.ErrDuplicatePact)
	assert.Equal(t, int64(100), e.balance(t, "bo"))
}

func TestDuo_SignActivates(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100, "bo": 100})
	ctx := context.Background()

	c, err := e.svc.Create(ctx, CreateInput{
		CreatorID: "ana", Mode: domain.ModeDuo, PartnerID: "bo", Goal: distanceGoal(10), Stake: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, c.State)
	assert.Equal(t, domain.InvitationPending, c.InvitationStatus())
	assert.True(t, c.StartDate.IsZero())
	assert.Equal(t, int64(90), e.balance(t, "ana"))

	pending, err := e.svc.Pending(ctx, "bo")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = e.svc.Sign(ctx, c.ID, "cy")
	assert.ErrorIs(t, err, domain.ErrNotAParticipant)

	c, err = e.svc.Sign(ctx, c.ID, "bo")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, c.State)
	assert.Equal(t, domain.InvitationAccepted, c.InvitationStatus())
	assert.False(t, c.StartDate.IsZero())
	assert.Equal(t, int64(90), e.balance(t, "bo"))

	_, err = e.svc.Sign(ctx, c.ID, "bo")
	assert.ErrorIs(t, err, domain.ErrInvitationUnavailable)
	assert.Equal(t, int64(90), e.balance(t, "bo"))
}

func TestSign_InsufficientFundsKeepsPending(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100, "bo": 3})
	ctx := context.Background()

	c, err := e.svc.Create(ctx, CreateInput{
		CreatorID: "ana", Mode: domain.ModeDuo, PartnerID: "bo", Goal: distanceGoal(10), Stake: 10,
	})
	require.NoError(t, err)

	_, err = e.svc.Sign(ctx, c.ID, "bo")
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	got, err := e.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePending, got.State)
	assert.Equal(t, int64(3), e.balance(t, "bo"))
	assert.Equal(t, int64(90), e.balance(t, "ana"))
}

func TestRefuse_RefundsAndCancels(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100, "bo": 100})
	ctx := context.Background()

	c, err := e.svc.Create(ctx, CreateInput{
		CreatorID: "ana", Mode: domain.ModeDuo, PartnerID: "bo", Goal: distanceGoal(10),
	})
	require.NoError(t, err)

	c, err = e.svc.Refuse(ctx, c.ID, "bo")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, c.State)
	assert.Equal(t, domain.SettlementCancelled, c.Settlement.Status)
	assert.Equal(t, domain.ReasonRefused, c.Settlement.Reason)
	assert.Equal(t, domain.InvitationRefused, c.InvitationStatus())
	assert.Equal(t, int64(100), e.balance(t, "ana"))
	assert.Equal(t, int64(100), e.balance(t, "bo"))

	_, err = e.svc.Sign(ctx, c.ID, "bo")
	assert.ErrorIs(t, err, domain.ErrInvitationUnavailable)
	_, err = e.svc.Refuse(ctx, c.ID, "bo")
	assert.ErrorIs(t, err, domain.ErrInvitationUnavailable)
	assert.Equal(t, int64(100), e.balance(t, "ana"))
}

func TestUpdate_StakeChangeRequiresResign(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100, "bo": 100})
	ctx := context.Background()

	c, err := e.svc.Create(ctx, CreateInput{
		CreatorID: "ana", Mode: domain.ModeDuo, PartnerID: "bo", Goal: distanceGoal(10), Stake: 10,
	})
	require.NoError(t, err)

	stake := int64(20)
	_, err = e.svc.Update(ctx, c.ID, "bo", UpdateInput{Stake: &stake})
	assert.ErrorIs(t, err, domain.ErrNotAParticipant)

	c, err = e.svc.Update(ctx, c.ID, "ana", UpdateInput{Stake: &stake})
	require.NoError(t, err)
	assert.Equal(t, int64(20), c.StakePerPlayer)
	assert.False(t, c.Player("ana").Signed)
	assert.Equal(t, int64(100), e.balance(t, "ana"))

	_, err = e.svc.Sign(ctx, c.ID, "ana")
	require.NoError(t, err)
	c, err = e.svc.Sign(ctx, c.ID, "bo")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, c.State)
	assert.Equal(t, int64(80), e.balance(t, "ana"))
	assert.Equal(t, int64(80), e.balance(t, "bo"))

	_, err = e.svc.Update(ctx, c.ID, "ana", UpdateInput{Stake: &stake})
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestUpdate_GoalChangeKeepsCreatorStake(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100, "bo": 100})
	ctx := context.Background()

	c, err := e.svc.Create(ctx, CreateInput{
		CreatorID: "ana", Mode: domain.ModeDuo, PartnerID: "bo", Goal: distanceGoal(10),
	})
	require.NoError(t, err)

	goal := distanceGoal(25)
	c, err = e.svc.Update(ctx, c.ID, "ana", UpdateInput{Goal: &goal})
	require.NoError(t, err)
	assert.Equal(t, 25.0, c.Goal.Single.Value)
	assert.True(t, c.Player("ana").Signed)
	assert.Equal(t, int64(90), e.balance(t, "ana"))
}

func TestUpdate_SignDuringStakeChangeKeepsStakesFunded(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100, "bo": 100})
	ctx := context.Background()

	c, err := e.svc.Create(ctx, CreateInput{
		CreatorID: "ana", Mode: domain.ModeDuo, PartnerID: "bo", Goal: distanceGoal(10), Stake: 10,
	})
	require.NoError(t, err)

	// bo signs the old terms while ana's stake change is about to be written.
	var signErr error
	e.store.beforeUpdate = func() {
		_, signErr = e.svc.Sign(ctx, c.ID, "bo")
	}
	stake := int64(20)
	_, err = e.svc.Update(ctx, c.ID, "ana", UpdateInput{Stake: &stake})
	require.NoError(t, signErr)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	got, err := e.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, got.State)
	assert.Equal(t, int64(10), got.StakePerPlayer)
	for _, user := range []string{"ana", "bo"} {
		st := got.Stake(user)
		require.NotNil(t, st, user)
		assert.Equal(t, domain.StakeHeld, st.Status, user)
		assert.Equal(t, int64(10), st.Amount, user)
		assert.Equal(t, int64(90), e.balance(t, user), user)
	}
}

func TestUpdate_SignBeforeStaleRefundRestakes(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100, "bo": 100})
	ctx := context.Background()

	c, err := e.svc.Create(ctx, CreateInput{
		CreatorID: "ana", Mode: domain.ModeDuo, PartnerID: "bo", Goal: distanceGoal(10), Stake: 10,
	})
	require.NoError(t, err)

	// Both sign the new terms before ana's old stake is refunded.
	var signErrs []error
	e.store.afterUpdate = func() {
		for _, user := range []string{"ana", "bo"} {
			_, err := e.svc.Sign(ctx, c.ID, user)
			signErrs = append(signErrs, err)
		}
	}
	stake := int64(20)
	_, err = e.svc.Update(ctx, c.ID, "ana", UpdateInput{Stake: &stake})
	require.NoError(t, err)
	require.Len(t, signErrs, 2)
	require.NoError(t, signErrs[0])
	require.NoError(t, signErrs[1])

	got, err := e.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, got.State)
	for _, user := range []string{"ana", "bo"} {
		st := got.Stake(user)
		require.NotNil(t, st, user)
		assert.Equal(t, domain.StakeHeld, st.Status, user)
		assert.Equal(t, int64(20), st.Amount, user)
		assert.Equal(t, int64(80), e.balance(t, user), user)
	}
}

func TestUpdate_GoalChangeKeepsPartnerStake(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100, "bo": 100})
	ctx := context.Background()

	c, err := e.svc.Create(ctx, CreateInput{
		CreatorID: "ana", Mode: domain.ModeDuo, PartnerID: "bo", Goal: distanceGoal(10), Stake: 10,
	})
	require.NoError(t, err)
	stake := int64(20)
	_, err = e.svc.Update(ctx, c.ID, "ana", UpdateInput{Stake: &stake})
	require.NoError(t, err)
	_, err = e.svc.Sign(ctx, c.ID, "bo")
	require.NoError(t, err)

	goal := distanceGoal(25)
	c, err = e.svc.Update(ctx, c.ID, "ana", UpdateInput{Goal: &goal})
	require.NoError(t, err)
	assert.False(t, c.Player("bo").Signed)
	assert.Equal(t, domain.StakeHeld, c.Stake("bo").Status)
	assert.Equal(t, int64(80), e.balance(t, "bo"))

	// Re-signing reuses the held stake.
	_, err = e.svc.Sign(ctx, c.ID, "bo")
	require.NoError(t, err)
	c, err = e.svc.Sign(ctx, c.ID, "ana")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, c.State)
	assert.Equal(t, int64(80), e.balance(t, "ana"))
	assert.Equal(t, int64(80), e.balance(t, "bo"))
}

func TestRefresh_SoloSuccessPaysMultiple(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100})
	ctx := context.Background()
	c := e.solo(t, "ana", CreateInput{Stake: 10})

	e.run(t, "ana", "running", 6)
	c, err := e.svc.RefreshProgress(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, c.State)
	assert.InDelta(t, 0.6, c.Player("ana").Ratio, 1e-9)
	assert.Nil(t, c.Player("ana").CompletedAt)

	e.run(t, "ana", "running", 6)
	c, err = e.svc.RefreshProgress(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, c.State)
	assert.Equal(t, domain.SettlementSuccess, c.Settlement.Status)
	assert.Equal(t, domain.ReasonAllCompleted, c.Settlement.Reason)
	assert.Equal(t, domain.StakePaid, c.Stake("ana").Status)
	assert.Equal(t, int64(130), e.balance(t, "ana"))

	again, err := e.svc.Finalize(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, again.State)
	assert.Equal(t, int64(130), e.balance(t, "ana"))
}

func TestRefresh_CompletionTimestampIsStable(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100, "bo": 100})
	ctx := context.Background()
	c := e.duo(t, "ana", "bo", "")

	e.run(t, "ana", "running", 12)
	c, err := e.svc.RefreshProgress(ctx, c.ID)
	require.NoError(t, err)
	first := c.Player("ana").CompletedAt
	require.NotNil(t, first)

	e.clock.Set(monday.Add(2 * time.Hour))
	e.run(t, "ana", "running", 3)
	c, err = e.svc.RefreshProgress(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, *first, *c.Player("ana").CompletedAt)
	assert.Equal(t, domain.StateActive, c.State)
}

func TestExpiry_SimpleSchemeBurns(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100})
	ctx := context.Background()
	c := e.solo(t, "ana", CreateInput{Stake: 10})
	e.run(t, "ana", "running", 4)

	e.clock.Set(monday.AddDate(0, 0, 8))
	n, err := e.sweeper.RunExpirySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, domain.SettlementLoss, got.Settlement.Status)
	assert.Equal(t, domain.ReasonExpired, got.Settlement.Reason)
	assert.Equal(t, domain.StakeBurned, got.Stake("ana").Status)
	assert.Equal(t, int64(90), e.balance(t, "ana"))

	n, err = e.sweeper.RunExpirySweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpiry_ProgressionRefundsPartially(t *testing.T) {
	e := newEnv(t, domain.SchemeProgression, map[string]int64{"ana": 100, "bo": 100})
	ctx := context.Background()
	c := e.duo(t, "ana", "bo", "")
	assert.Equal(t, domain.SchemeProgression, c.Scheme)

	e.run(t, "ana", "running", 5)
	e.run(t, "bo", "running", 5)
	e.clock.Set(monday.AddDate(0, 0, 8))

	_, err := e.sweeper.RunExpirySweep(ctx)
	require.NoError(t, err)

	got, err := e.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	s := got.Settlement
	assert.Positive(t, s.RefundTotal)
	assert.Equal(t, int64(20), s.RefundTotal+s.BurnTotal)
	assert.Equal(t, int64(180)+s.RefundTotal, e.balance(t, "ana")+e.balance(t, "bo"))
}

func TestSettle_ProgressionSuccessSplitsGain(t *testing.T) {
	e := newEnv(t, domain.SchemeProgression, map[string]int64{"ana": 100, "bo": 100})
	ctx := context.Background()
	c := e.duo(t, "ana", "bo", "")

	e.run(t, "ana", "running", 15)
	_, err := e.svc.RefreshProgress(ctx, c.ID)
	require.NoError(t, err)
	e.run(t, "bo", "running", 10)
	got, err := e.svc.RefreshProgress(ctx, c.ID)
	require.NoError(t, err)

	require.Equal(t, domain.StateCompleted, got.State)
	gain := got.Settlement.GainTotal
	assert.GreaterOrEqual(t, gain, int64(24))
	assert.LessOrEqual(t, gain, int64(60))
	assert.Equal(t, int64(180)+gain, e.balance(t, "ana")+e.balance(t, "bo"))
	assert.Greater(t, e.balance(t, "ana"), e.balance(t, "bo"))
}

func TestSettle_ConcurrentCallsPayOnce(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100})
	c := e.solo(t, "ana", CreateInput{Stake: 10})
	e.run(t, "ana", "running", 10)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.svc.RefreshProgress(context.Background(), c.ID)
		}()
	}
	wg.Wait()

	// A caller that lost every retry leaves the rest to the next refresh.
	got, err := e.svc.RefreshProgress(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
	assert.Equal(t, int64(130), e.balance(t, "ana"))

	txs, err := e.txs.ListByChallenge(context.Background(), c.ID)
	require.NoError(t, err)
	payouts := 0
	for _, tx := range txs {
		if tx.Kind == domain.TxStakePayout {
			payouts++
		}
	}
	assert.Equal(t, 1, payouts)
}

func TestCancel_ActiveBurnsCancellerRefundsPartner(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100, "bo": 100})
	ctx := context.Background()
	c := e.duo(t, "ana", "bo", "")

	_, err := e.svc.Cancel(ctx, c.ID, "cy")
	assert.ErrorIs(t, err, domain.ErrNotAParticipant)

	c, err = e.svc.Cancel(ctx, c.ID, "bo")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, c.State)
	assert.Equal(t, int64(10), c.Settlement.BurnTotal)
	assert.Equal(t, int64(10), c.Settlement.RefundTotal)
	assert.Equal(t, int64(100), e.balance(t, "ana"))
	assert.Equal(t, int64(90), e.balance(t, "bo"))

	_, err = e.svc.Cancel(ctx, c.ID, "ana")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestCancel_PendingRefunds(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100, "bo": 100})
	ctx := context.Background()
	c, err := e.svc.Create(ctx, CreateInput{
		CreatorID: "ana", Mode: domain.ModeDuo, PartnerID: "bo", Goal: distanceGoal(10),
	})
	require.NoError(t, err)

	c, err = e.svc.Cancel(ctx, c.ID, "ana")
	require.NoError(t, err)
	assert.Equal(t, domain.ReasonCancelledByPlayer, c.Settlement.Reason)
	assert.Equal(t, int64(100), e.balance(t, "ana"))
}

func TestDelete_PendingRefundsAndRemoves(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100, "bo": 100})
	ctx := context.Background()
	c, err := e.svc.Create(ctx, CreateInput{
		CreatorID: "ana", Mode: domain.ModeDuo, PartnerID: "bo", Goal: distanceGoal(10),
	})
	require.NoError(t, err)

	require.NoError(t, e.svc.Delete(ctx, c.ID, "ana"))
	assert.Equal(t, int64(100), e.balance(t, "ana"))
	_, err = e.svc.Get(ctx, c.ID)
	assert.ErrorIs(t, err, domain.ErrNoActiveChallenge)
}

func TestDelete_ActiveSettlesFirst(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100})
	ctx := context.Background()
	c := e.solo(t, "ana", CreateInput{Stake: 10})

	require.NoError(t, e.svc.Delete(ctx, c.ID, "ana"))
	assert.Equal(t, int64(90), e.balance(t, "ana"))

	txs, err := e.txs.ListByChallenge(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, domain.TxStakeBurn, txs[1].Kind)

	err = e.svc.Delete(ctx, c.ID, "ana")
	assert.ErrorIs(t, err, domain.ErrNoActiveChallenge)
}

func TestDelete_ActiveRecurringDoesNotRenew(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100})
	ctx := context.Background()
	c := e.solo(t, "ana", CreateInput{Stake: 10, Recurring: true})
	e.run(t, "ana", "running", 10)

	require.NoError(t, e.svc.Delete(ctx, c.ID, "ana"))
	assert.Equal(t, int64(130), e.balance(t, "ana"))

	_, err := e.svc.Current(ctx, "ana", "")
	assert.ErrorIs(t, err, domain.ErrNoActiveChallenge)
	n, err := e.sweeper.RunRenewalSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, int64(130), e.balance(t, "ana"))
}

func TestSettle_UsesStoredPlan(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100, "bo": 100})
	ctx := context.Background()
	c := e.duo(t, "ana", "bo", "")
	e.run(t, "ana", "running", 10)
	e.run(t, "bo", "running", 10)

	// A plan recorded by an earlier settler wins over a fresh computation.
	cur, err := e.challenges.Get(ctx, c.ID)
	require.NoError(t, err)
	cur.Settlement.Plan = &domain.SettlementPlan{
		Success:   true,
		Scheme:    domain.SchemeSimple,
		Amounts:   map[string]int64{"ana": 30, "bo": 50},
		GainTotal: 80,
	}
	_, err = e.challenges.Update(ctx, cur)
	require.NoError(t, err)

	got, err := e.svc.RefreshProgress(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, got.State)
	assert.Equal(t, int64(80), got.Settlement.GainTotal)
	require.NotNil(t, got.Settlement.Plan)
	assert.Equal(t, int64(30), got.Settlement.Plan.Amounts["ana"])
	assert.Equal(t, int64(120), e.balance(t, "ana"))
	assert.Equal(t, int64(140), e.balance(t, "bo"))
}

func TestSettle_ConcurrentDuoSharesMatchTotal(t *testing.T) {
	e := newEnv(t, domain.SchemeProgression, map[string]int64{"ana": 100, "bo": 100})
	ctx := context.Background()
	c := e.duo(t, "ana", "bo", string(domain.SchemeProgression))
	e.run(t, "ana", "running", 14)
	e.run(t, "bo", "running", 10)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.svc.RefreshProgress(ctx, c.ID)
		}()
	}
	wg.Wait()

	got, err := e.svc.RefreshProgress(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateCompleted, got.State)
	require.NotNil(t, got.Settlement.Plan)

	var paid int64
	for _, user := range []string{"ana", "bo"} {
		st := got.Stake(user)
		require.NotNil(t, st, user)
		assert.Equal(t, domain.StakePaid, st.Status, user)
		assert.Equal(t, got.Settlement.Plan.Amounts[user], st.SettledAmount, user)
		paid += st.SettledAmount
	}
	assert.Equal(t, got.Settlement.GainTotal, paid)
	assert.Equal(t, int64(180)+paid, e.balance(t, "ana")+e.balance(t, "bo"))
}

func TestCreate_ConcurrentDuoCreatesOnePact(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100, "bo": 100})
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		dupes   int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.Create(ctx, CreateInput{
				CreatorID: "ana", Mode: domain.ModeDuo, PartnerID: "bo", Goal: distanceGoal(10), Stake: 10,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, domain.ErrDuplicatePact):
				dupes++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Equal(t, 7, dupes)
	assert.Equal(t, int64(90), e.balance(t, "ana"))
}

func TestRenewalSweep_OpenPairStopsChain(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100, "bo": 100})
	ctx := context.Background()
	end := monday.AddDate(0, 0, -1)
	require.NoError(t, e.challenges.Create(ctx, domain.Challenge{
		ID:             "parent",
		Mode:           domain.ModeDuo,
		Slot:           domain.SlotP1,
		CreatorID:      "ana",
		Players:        []domain.Player{{UserID: "ana", Signed: true}, {UserID: "bo", Signed: true}},
		Goal:           distanceGoal(10),
		StartDate:      end.AddDate(0, 0, -7),
		EndDate:        end,
		State:          domain.StateCompleted,
		StakePerPlayer: 10,
		Scheme:         domain.SchemeSimple,
		Settlement:     domain.Settlement{Status: domain.SettlementSuccess},
		Recurrence:     domain.Recurrence{Enabled: true, WeeksCompleted: 1},
		Version:        1,
	}))
	_, err := e.svc.Create(ctx, CreateInput{
		CreatorID: "bo", Mode: domain.ModeDuo, PartnerID: "ana", Goal: distanceGoal(5),
	})
	require.NoError(t, err)

	n, err := e.sweeper.RunRenewalSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := e.svc.Get(ctx, "parent")
	require.NoError(t, err)
	assert.False(t, got.Recurrence.Enabled)
	assert.Empty(t, got.Recurrence.SuccessorID)
	assert.Equal(t, int64(100), e.balance(t, "ana"))
	assert.Equal(t, int64(90), e.balance(t, "bo"))
}

func TestRecurrence_RenewsUntilBound(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100})
	ctx := context.Background()
	c := e.solo(t, "ana", CreateInput{Stake: 10, Recurring: true, WeeksCount: 1})

	e.run(t, "ana", "running", 10)
	parent, err := e.svc.RefreshProgress(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateCompleted, parent.State)
	assert.Equal(t, 1, parent.Recurrence.WeeksCompleted)
	require.NotEmpty(t, parent.Recurrence.SuccessorID)
	assert.Equal(t, int64(120), e.balance(t, "ana"))

	next, err := e.svc.Get(ctx, parent.Recurrence.SuccessorID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, next.State)
	assert.Equal(t, c.ID, next.Recurrence.ParentChallengeID)
	assert.Equal(t, 1, next.Recurrence.WeeksCompleted)
	assert.Equal(t, time.Date(2026, 5, 11, 0, 0, 0, 0, time.UTC), next.StartDate)
	assert.Equal(t, domain.StakeHeld, next.Stake("ana").Status)

	// Renewal already happened; the sweep finds nothing.
	n, err := e.sweeper.RunRenewalSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	e.clock.Set(time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC))
	e.run(t, "ana", "running", 10)
	next, err = e.svc.RefreshProgress(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, next.State)
	assert.Equal(t, 2, next.Recurrence.WeeksCompleted)
	assert.Empty(t, next.Recurrence.SuccessorID)
	assert.Equal(t, int64(160), e.balance(t, "ana"))
}

func TestRecurrence_NoRenewalOnFailure(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100})
	ctx := context.Background()
	c := e.solo(t, "ana", CreateInput{Stake: 10, Recurring: true})

	e.clock.Set(monday.AddDate(0, 0, 8))
	got, err := e.svc.Finalize(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Empty(t, got.Recurrence.SuccessorID)

	_, ok, err := e.svc.Recurrence().Renew(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRenewalSweep_InsufficientFundsStopsChain(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100, "bo": 0})
	ctx := context.Background()
	end := monday.AddDate(0, 0, -1)
	parent := domain.Challenge{
		ID:             "parent",
		Mode:           domain.ModeDuo,
		Slot:           domain.SlotP1,
		CreatorID:      "ana",
		Players:        []domain.Player{{UserID: "ana", Signed: true}, {UserID: "bo", Signed: true}},
		Goal:           distanceGoal(10),
		StartDate:      end.AddDate(0, 0, -7),
		EndDate:        end,
		State:          domain.StateCompleted,
		StakePerPlayer: 10,
		Scheme:         domain.SchemeSimple,
		Settlement:     domain.Settlement{Status: domain.SettlementSuccess},
		Recurrence:     domain.Recurrence{Enabled: true, WeeksCompleted: 1},
		Version:        1,
	}
	require.NoError(t, e.challenges.Create(ctx, parent))

	n, err := e.sweeper.RunRenewalSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := e.svc.Get(ctx, "parent")
	require.NoError(t, err)
	assert.False(t, got.Recurrence.Enabled)
	assert.Empty(t, got.Recurrence.SuccessorID)
	assert.Equal(t, int64(100), e.balance(t, "ana"))
	assert.Contains(t, e.alerts.events, "renewal_failed")

	pending, err := e.svc.Pending(ctx, "ana")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSweeper_SkipsWhileLocked(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 100})
	ctx := context.Background()
	c := e.solo(t, "ana", CreateInput{Stake: 10})
	e.clock.Set(monday.AddDate(0, 0, 8))

	unlock, err := e.locks.Acquire(ctx, "sweep:"+JobExpiry, time.Minute)
	require.NoError(t, err)

	n, err := e.sweeper.RunExpirySweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	got, err := e.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, got.State)

	unlock()
	n, err = e.sweeper.RunExpirySweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

type fakeArchiver struct {
	cutoff time.Time
}

func (f *fakeArchiver) ArchiveChallenge(context.Context, domain.Challenge, []domain.DiamondTransaction) error {
	return nil
}

func (f *fakeArchiver) ArchiveBefore(_ context.Context, before time.Time) (int64, error) {
	f.cutoff = before
	return 3, nil
}

func TestSweeper_ArchiveUsesRetention(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, nil)
	arch := &fakeArchiver{}
	sw := NewSweeper(e.svc, e.challenges, arch, e.locks, nil, e.clock, nil,
		SweeperConfig{Retention: 30 * 24 * time.Hour}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := sw.RunArchiveSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, monday.AddDate(0, 0, -30), arch.cutoff)

	require.NoError(t, sw.RunOnce(context.Background()))
}

func TestAccount_DailyChestOncePerDay(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, nil)
	ctx := context.Background()

	bal, err := e.accounts.ClaimDailyChest(ctx, "new-user")
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal)

	_, err = e.accounts.ClaimDailyChest(ctx, "new-user")
	assert.ErrorIs(t, err, domain.ErrChestAlreadyClaimed)

	e.clock.Set(monday.AddDate(0, 0, 1))
	bal, err = e.accounts.ClaimDailyChest(ctx, "new-user")
	require.NoError(t, err)
	assert.Equal(t, int64(10), bal)
}

func TestAccount_Grant(t *testing.T) {
	e := newEnv(t, domain.SchemeSimple, map[string]int64{"ana": 10})
	ctx := context.Background()

	bal, err := e.accounts.Grant(ctx, "ana", 15, "support")
	require.NoError(t, err)
	assert.Equal(t, int64(25), bal)

	_, err = e.accounts.Grant(ctx, "ana", -30, "clawback")
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, int64(25), e.balance(t, "ana"))

	txs, err := e.accounts.Transactions(ctx, "ana", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxAdmin, txs[0].Kind)
}
