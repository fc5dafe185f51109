package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MOMISBACK/pactengine/internal/domain"
)

var _ domain.ChallengeStore = (*ChallengeStore)(nil)

// ChallengeStore implements domain.ChallengeStore using PostgreSQL. Stakes
// live in challenge_stakes and are only written through InsertStake and
// TransitionStake.
type ChallengeStore struct {
	pool *pgxpool.Pool
}

// NewChallengeStore creates a new ChallengeStore backed by the given pool.
func NewChallengeStore(pool *pgxpool.Pool) *ChallengeStore {
	return &ChallengeStore{pool: pool}
}

const challengeSelectCols = `id, mode, slot, creator_id, players, goal, activity_types,
	start_date, end_date, state, stake_per_player, scheme,
	settlement_status, settlement_reason, settled_at, gain_total, refund_total, burn_total,
	recurrence_enabled, weeks_count, weeks_completed, parent_challenge_id, successor_id,
	version, created_at, updated_at, settlement_plan`

func participantIDs(c domain.Challenge) []string {
	ids := make([]string, 0, len(c.Players))
	for _, p := range c.Players {
		ids = append(ids, p.UserID)
	}
	return ids
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func marshalPlan(p *domain.SettlementPlan) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func settlementStatus(s domain.Settlement) string {
	if s.Status == "" {
		return string(domain.SettlementNone)
	}
	return string(s.Status)
}

// Create inserts a new challenge row. Stakes on c are ignored.
func (s *ChallengeStore) Create(ctx context.Context, c domain.Challenge) error {
	players, err := json.Marshal(c.Players)
	if err != nil {
		return fmt.Errorf("postgres: marshal players: %w", err)
	}
	goal, err := json.Marshal(c.Goal)
	if err != nil {
		return fmt.Errorf("postgres: marshal goal: %w", err)
	}
	types := c.ActivityTypes
	if types == nil {
		types = []string{}
	}
	plan, err := marshalPlan(c.Settlement.Plan)
	if err != nil {
		return fmt.Errorf("postgres: marshal settlement plan: %w", err)
	}
	version := c.Version
	if version == 0 {
		version = 1
	}

	const query = `
		INSERT INTO challenges (
			id, mode, slot, creator_id, participant_ids, players, goal, activity_types,
			start_date, end_date, state, stake_per_player, scheme,
			settlement_status, settlement_reason, settled_at, gain_total, refund_total, burn_total,
			recurrence_enabled, weeks_count, weeks_completed, parent_challenge_id, successor_id,
			version, created_at, updated_at, settlement_plan
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24,
			$25, $26, $27, $28
		)`

	_, err = s.pool.Exec(ctx, query,
		c.ID, string(c.Mode), string(c.Slot), c.CreatorID, participantIDs(c), players, goal, types,
		nullTime(c.StartDate), nullTime(c.EndDate), string(c.State), c.StakePerPlayer, string(c.Scheme),
		settlementStatus(c.Settlement), c.Settlement.Reason, c.Settlement.SettledAt,
		c.Settlement.GainTotal, c.Settlement.RefundTotal, c.Settlement.BurnTotal,
		c.Recurrence.Enabled, c.Recurrence.WeeksCount, c.Recurrence.WeeksCompleted,
		c.Recurrence.ParentChallengeID, c.Recurrence.SuccessorID,
		version, c.CreatedAt, c.UpdatedAt, plan,
	)
	if err != nil {
		if isUniqueViolation(err) {
			if constraintName(err) == openPairIndex {
				return domain.ErrDuplicatePact
			}
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create challenge %s: %w", c.ID, err)
	}
	return nil
}

// Get loads a challenge with its stakes.
func (s *ChallengeStore) Get(ctx context.Context, id string) (domain.Challenge, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+challengeSelectCols+` FROM challenges WHERE id = $1`, id)
	c, err := scanChallengeFromRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Challenge{}, domain.ErrNotFound
		}
		return domain.Challenge{}, fmt.Errorf("postgres: get challenge %s: %w", id, err)
	}
	out := []domain.Challenge{c}
	if err := s.attachStakes(ctx, out); err != nil {
		return domain.Challenge{}, err
	}
	return out[0], nil
}

// Update writes every column except the stakes when the stored version
// equals c.Version, and bumps the version.
func (s *ChallengeStore) Update(ctx context.Context, c domain.Challenge) (domain.Challenge, error) {
	players, err := json.Marshal(c.Players)
	if err != nil {
		return domain.Challenge{}, fmt.Errorf("postgres: marshal players: %w", err)
	}
	goal, err := json.Marshal(c.Goal)
	if err != nil {
		return domain.Challenge{}, fmt.Errorf("postgres: marshal goal: %w", err)
	}
	types := c.ActivityTypes
	if types == nil {
		types = []string{}
	}
	plan, err := marshalPlan(c.Settlement.Plan)
	if err != nil {
		return domain.Challenge{}, fmt.Errorf("postgres: marshal settlement plan: %w", err)
	}

	const query = `
		UPDATE challenges SET
			participant_ids = $2, players = $3, goal = $4, activity_types = $5,
			start_date = $6, end_date = $7, state = $8, stake_per_player = $9, scheme = $10,
			settlement_status = $11, settlement_reason = $12, settled_at = $13,
			gain_total = $14, refund_total = $15, burn_total = $16,
			recurrence_enabled = $17, weeks_count = $18, weeks_completed = $19,
			parent_challenge_id = $20, successor_id = $21,
			updated_at = $22, settlement_plan = $24, version = version + 1
		WHERE id = $1 AND version = $23
		RETURNING version`

	var next int64
	err = s.pool.QueryRow(ctx, query,
		c.ID, participantIDs(c), players, goal, types,
		nullTime(c.StartDate), nullTime(c.EndDate), string(c.State), c.StakePerPlayer, string(c.Scheme),
		settlementStatus(c.Settlement), c.Settlement.Reason, c.Settlement.SettledAt,
		c.Settlement.GainTotal, c.Settlement.RefundTotal, c.Settlement.BurnTotal,
		c.Recurrence.Enabled, c.Recurrence.WeeksCount, c.Recurrence.WeeksCompleted,
		c.Recurrence.ParentChallengeID, c.Recurrence.SuccessorID,
		c.UpdatedAt, c.Version, plan,
	).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM challenges WHERE id = $1)`, c.ID,
		).Scan(&exists); err != nil {
			return domain.Challenge{}, fmt.Errorf("postgres: update challenge %s: %w", c.ID, err)
		}
		if !exists {
			return domain.Challenge{}, domain.ErrNotFound
		}
		return domain.Challenge{}, domain.ErrConflict
	}
	if err != nil {
		return domain.Challenge{}, fmt.Errorf("postgres: update challenge %s: %w", c.ID, err)
	}

	out := []domain.Challenge{c.Clone()}
	out[0].Version = next
	if err := s.attachStakes(ctx, out); err != nil {
		return domain.Challenge{}, err
	}
	return out[0], nil
}

// Delete removes the challenge; its stake rows cascade.
func (s *ChallengeStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM challenges WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete challenge %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// InsertStake records a held stake. A settled row for the same user is
// replaced; a held one is left alone and false is returned.
func (s *ChallengeStore) InsertStake(ctx context.Context, challengeID string, st domain.Stake) (bool, error) {
	const query = `
		INSERT INTO challenge_stakes (challenge_id, user_id, amount, status, settled_amount, burned_amount, updated_at)
		VALUES ($1, $2, $3, 'held', 0, 0, $4)
		ON CONFLICT (challenge_id, user_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			status = 'held',
			settled_amount = 0,
			burned_amount = 0,
			updated_at = EXCLUDED.updated_at
		WHERE challenge_stakes.status <> 'held'`

	tag, err := s.pool.Exec(ctx, query, challengeID, st.UserID, st.Amount, st.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, domain.ErrNotFound
		}
		return false, fmt.Errorf("postgres: insert stake %s/%s: %w", challengeID, st.UserID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionStake moves a held stake to st.Status. The status guard in the
// WHERE clause makes a second transition a no-op.
func (s *ChallengeStore) TransitionStake(ctx context.Context, challengeID string, st domain.Stake) (bool, error) {
	const query = `
		UPDATE challenge_stakes
		SET status = $3, settled_amount = $4, burned_amount = $5, updated_at = $6
		WHERE challenge_id = $1 AND user_id = $2 AND status = 'held'`

	tag, err := s.pool.Exec(ctx, query,
		challengeID, st.UserID, string(st.Status), st.SettledAmount, st.BurnedAmount, st.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("postgres: transition stake %s/%s: %w", challengeID, st.UserID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// FindOpenBetween returns pending or active duo challenges between two users.
func (s *ChallengeStore) FindOpenBetween(ctx context.Context, userA, userB string) ([]domain.Challenge, error) {
	return s.list(ctx, "find open pacts",
		`SELECT `+challengeSelectCols+` FROM challenges
		 WHERE mode = 'duo' AND state IN ('pending', 'active')
		   AND participant_ids @> ARRAY[$1, $2]::TEXT[]
		   AND cardinality(participant_ids) = 2
		 ORDER BY created_at DESC, id DESC`, userA, userB)
}

// Current returns the newest active challenge of userID in slot. An empty
// slot matches any slot.
func (s *ChallengeStore) Current(ctx context.Context, userID string, slot domain.Slot) (domain.Challenge, error) {
	out, err := s.list(ctx, "current challenge",
		`SELECT `+challengeSelectCols+` FROM challenges
		 WHERE state = 'active' AND $1 = ANY(participant_ids)
		   AND ($2 = '' OR slot = $2)
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, userID, string(slot))
	if err != nil {
		return domain.Challenge{}, err
	}
	if len(out) == 0 {
		return domain.Challenge{}, domain.ErrNotFound
	}
	return out[0], nil
}

// ListPending returns pending invitations involving userID.
func (s *ChallengeStore) ListPending(ctx context.Context, userID string) ([]domain.Challenge, error) {
	return s.list(ctx, "list pending",
		`SELECT `+challengeSelectCols+` FROM challenges
		 WHERE state = 'pending' AND $1 = ANY(participant_ids)
		 ORDER BY created_at DESC, id DESC`, userID)
}

// ListHistory returns terminal challenges involving userID, newest first.
func (s *ChallengeStore) ListHistory(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Challenge, error) {
	query, args := withListOpts(
		`SELECT `+challengeSelectCols+` FROM challenges
		 WHERE state IN ('completed', 'failed', 'cancelled') AND $1 = ANY(participant_ids)`,
		[]any{userID}, "updated_at", "created_at DESC, id DESC", opts)
	return s.list(ctx, "list history", query, args...)
}

// ListExpired returns unsettled active challenges whose window has closed.
func (s *ChallengeStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Challenge, error) {
	return s.list(ctx, "list expired",
		`SELECT `+challengeSelectCols+` FROM challenges
		 WHERE state = 'active' AND end_date IS NOT NULL AND end_date <= $1
		   AND settlement_status = 'none'
		 ORDER BY end_date ASC, id ASC
		 LIMIT $2`, now, limitOrAll(limit))
}

// ListRenewable returns completed recurring challenges without a successor.
func (s *ChallengeStore) ListRenewable(ctx context.Context, limit int) ([]domain.Challenge, error) {
	return s.list(ctx, "list renewable",
		`SELECT `+challengeSelectCols+` FROM challenges
		 WHERE state = 'completed' AND recurrence_enabled AND successor_id = ''
		   AND (weeks_count = 0 OR weeks_completed <= weeks_count)
		 ORDER BY end_date ASC, id ASC
		 LIMIT $1`, limitOrAll(limit))
}

// ListTerminalBefore returns terminal challenges last updated before the cutoff.
func (s *ChallengeStore) ListTerminalBefore(ctx context.Context, before time.Time, limit int) ([]domain.Challenge, error) {
	return s.list(ctx, "list terminal",
		`SELECT `+challengeSelectCols+` FROM challenges
		 WHERE state IN ('completed', 'failed', 'cancelled') AND updated_at < $1
		 ORDER BY end_date ASC NULLS FIRST, id ASC
		 LIMIT $2`, before, limitOrAll(limit))
}

// limitOrAll maps a non-positive limit to NULL, which Postgres reads as no limit.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

func (s *ChallengeStore) list(ctx context.Context, op, query string, args ...any) ([]domain.Challenge, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.Challenge
	for rows.Next() {
		c, err := scanChallengeFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", op, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	if err := s.attachStakes(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachStakes loads the stake rows for every challenge in one query.
func (s *ChallengeStore) attachStakes(ctx context.Context, cs []domain.Challenge) error {
	if len(cs) == 0 {
		return nil
	}
	ids := make([]string, len(cs))
	idx := make(map[string]int, len(cs))
	for i, c := range cs {
		ids[i] = c.ID
		idx[c.ID] = i
		cs[i].Stakes = nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT challenge_id, user_id, amount, status, settled_amount, burned_amount, updated_at
		 FROM challenge_stakes WHERE challenge_id = ANY($1)
		 ORDER BY challenge_id, user_id`, ids)
	if err != nil {
		return fmt.Errorf("postgres: load stakes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var challengeID, status string
		var st domain.Stake
		if err := rows.Scan(&challengeID, &st.UserID, &st.Amount, &status,
			&st.SettledAmount, &st.BurnedAmount, &st.UpdatedAt); err != nil {
			return fmt.Errorf("postgres: scan stake: %w", err)
		}
		st.Status = domain.StakeStatus(status)
		if i, ok := idx[challengeID]; ok {
			cs[i].Stakes = append(cs[i].Stakes, st)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: load stakes rows: %w", err)
	}
	return nil
}

func scanChallengeFromRow(
	scanner interface{ Scan(dest ...any) error },
) (domain.Challenge, error) {
	var c domain.Challenge
	var mode, slot, state, scheme, settlementStatus string
	var players, goal, plan []byte
	var startDate, endDate *time.Time

	err := scanner.Scan(
		&c.ID, &mode, &slot, &c.CreatorID, &players, &goal, &c.ActivityTypes,
		&startDate, &endDate, &state, &c.StakePerPlayer, &scheme,
		&settlementStatus, &c.Settlement.Reason, &c.Settlement.SettledAt,
		&c.Settlement.GainTotal, &c.Settlement.RefundTotal, &c.Settlement.BurnTotal,
		&c.Recurrence.Enabled, &c.Recurrence.WeeksCount, &c.Recurrence.WeeksCompleted,
		&c.Recurrence.ParentChallengeID, &c.Recurrence.SuccessorID,
		&c.Version, &c.CreatedAt, &c.UpdatedAt, &plan,
	)
	if err != nil {
		return domain.Challenge{}, err
	}

	c.Mode = domain.ChallengeMode(mode)
	c.Slot = domain.Slot(slot)
	c.State = domain.ChallengeState(state)
	c.Scheme = domain.SettlementScheme(scheme)
	c.Settlement.Status = domain.SettlementStatus(settlementStatus)
	if startDate != nil {
		c.StartDate = startDate.UTC()
	}
	if endDate != nil {
		c.EndDate = endDate.UTC()
	}
	if err := json.Unmarshal(players, &c.Players); err != nil {
		return domain.Challenge{}, fmt.Errorf("unmarshal players: %w", err)
	}
	if err := json.Unmarshal(goal, &c.Goal); err != nil {
		return domain.Challenge{}, fmt.Errorf("unmarshal goal: %w", err)
	}
	if len(plan) > 0 {
		c.Settlement.Plan = &domain.SettlementPlan{}
		if err := json.Unmarshal(plan, c.Settlement.Plan); err != nil {
			return domain.Challenge{}, fmt.Errorf("unmarshal settlement plan: %w", err)
		}
	}
	return c, nil
}
