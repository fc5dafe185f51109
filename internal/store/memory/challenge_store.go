// Package memory provides in-process implementations of the domain stores.
// They back the "memory" storage driver and the service tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MOMISBACK/pactengine/internal/domain"
)

// Compile-time interface check.
var _ domain.ChallengeStore = (*ChallengeStore)(nil)

// ChallengeStore keeps challenges in a map guarded by a mutex.
type ChallengeStore struct {
	mu   sync.Mutex
	byID map[string]domain.Challenge
}

// NewChallengeStore creates an empty store.
func NewChallengeStore() *ChallengeStore {
	return &ChallengeStore{byID: make(map[string]domain.Challenge)}
}

// Create inserts a new challenge. Like the open-pair index in Postgres, it
// refuses a second pending or active duo pact between the same two users.
func (s *ChallengeStore) Create(_ context.Context, c domain.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if c.Mode == domain.ModeDuo && isOpen(c) && len(c.Players) == 2 {
		a, b := c.Players[0].UserID, c.Players[1].UserID
		for _, other := range s.byID {
			if other.Mode == domain.ModeDuo && isOpen(other) && samePair(other, a, b) {
				return domain.ErrDuplicatePact
			}
		}
	}
	s.byID[c.ID] = c.Clone()
	return nil
}

// Get returns a copy of the challenge.
func (s *ChallengeStore) Get(_ context.Context, id string) (domain.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	if !ok {
		return domain.Challenge{}, domain.ErrNotFound
	}
	return c.Clone(), nil
}

// Update replaces every field except the stakes when the version matches.
func (s *ChallengeStore) Update(_ context.Context, c domain.Challenge) (domain.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[c.ID]
	if !ok {
		return domain.Challenge{}, domain.ErrNotFound
	}
	if cur.Version != c.Version {
		return domain.Challenge{}, domain.ErrConflict
	}
	next := c.Clone()
	next.Stakes = cur.Stakes
	next.Version = cur.Version + 1
	s.byID[c.ID] = next
	return next.Clone(), nil
}

// Delete removes the challenge.
func (s *ChallengeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.byID, id)
	return nil
}

// InsertStake records a held stake unless one is already held.
func (s *ChallengeStore) InsertStake(_ context.Context, challengeID string, st domain.Stake) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[challengeID]
	if !ok {
		return false, domain.ErrNotFound
	}
	st.Status = domain.StakeHeld
	stakes := append([]domain.Stake(nil), c.Stakes...)
	for i := range stakes {
		if stakes[i].UserID != st.UserID {
			continue
		}
		if stakes[i].Status == domain.StakeHeld {
			return false, nil
		}
		stakes[i] = st
		c.Stakes = stakes
		s.byID[challengeID] = c
		return true, nil
	}
	c.Stakes = append(stakes, st)
	s.byID[challengeID] = c
	return true, nil
}

// TransitionStake flips a held stake to its settled status.
func (s *ChallengeStore) TransitionStake(_ context.Context, challengeID string, st domain.Stake) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[challengeID]
	if !ok {
		return false, domain.ErrNotFound
	}
	stakes := append([]domain.Stake(nil), c.Stakes...)
	for i := range stakes {
		if stakes[i].UserID != st.UserID {
			continue
		}
		if stakes[i].Status != domain.StakeHeld {
			return false, nil
		}
		stakes[i].Status = st.Status
		stakes[i].SettledAmount = st.SettledAmount
		stakes[i].BurnedAmount = st.BurnedAmount
		stakes[i].UpdatedAt = st.UpdatedAt
		c.Stakes = stakes
		s.byID[challengeID] = c
		return true, nil
	}
	return false, nil
}

func isOpen(c domain.Challenge) bool {
	return c.State == domain.StatePending || c.State == domain.StateActive
}

func samePair(c domain.Challenge, a, b string) bool {
	if len(c.Players) != 2 {
		return false
	}
	p, q := c.Players[0].UserID, c.Players[1].UserID
	return (p == a && q == b) || (p == b && q == a)
}

// FindOpenBetween returns pending or active duo challenges between two users.
func (s *ChallengeStore) FindOpenBetween(_ context.Context, userA, userB string) ([]domain.Challenge, error) {
	return s.filter(func(c domain.Challenge) bool {
		return c.Mode == domain.ModeDuo && isOpen(c) && samePair(c, userA, userB)
	}, newestFirst, 0, 0), nil
}

// Current returns the newest active challenge of userID in slot. An empty
// slot matches any slot.
func (s *ChallengeStore) Current(_ context.Context, userID string, slot domain.Slot) (domain.Challenge, error) {
	out := s.filter(func(c domain.Challenge) bool {
		return c.State == domain.StateActive && c.IsParticipant(userID) && (slot == "" || c.Slot == slot)
	}, newestFirst, 1, 0)
	if len(out) == 0 {
		return domain.Challenge{}, domain.ErrNotFound
	}
	return out[0], nil
}

// ListPending returns pending invitations involving userID.
func (s *ChallengeStore) ListPending(_ context.Context, userID string) ([]domain.Challenge, error) {
	return s.filter(func(c domain.Challenge) bool {
		return c.State == domain.StatePending && c.IsParticipant(userID)
	}, newestFirst, 0, 0), nil
}

// ListHistory returns terminal challenges involving userID.
func (s *ChallengeStore) ListHistory(_ context.Context, userID string, opts domain.ListOpts) ([]domain.Challenge, error) {
	return s.filter(func(c domain.Challenge) bool {
		if !c.State.Terminal() || !c.IsParticipant(userID) {
			return false
		}
		if opts.Since != nil && c.UpdatedAt.Before(*opts.Since) {
			return false
		}
		if opts.Until != nil && c.UpdatedAt.After(*opts.Until) {
			return false
		}
		return true
	}, newestFirst, opts.Limit, opts.Offset), nil
}

// ListExpired returns active challenges whose window has closed.
func (s *ChallengeStore) ListExpired(_ context.Context, now time.Time, limit int) ([]domain.Challenge, error) {
	return s.filter(func(c domain.Challenge) bool {
		return c.State == domain.StateActive && c.Expired(now) && !c.Settlement.Settled()
	}, oldestEndFirst, limit, 0), nil
}

// ListRenewable returns completed recurring challenges without a successor.
func (s *ChallengeStore) ListRenewable(_ context.Context, limit int) ([]domain.Challenge, error) {
	return s.filter(func(c domain.Challenge) bool {
		r := c.Recurrence
		return c.State == domain.StateCompleted && r.Enabled && r.SuccessorID == "" &&
			(r.WeeksCount == 0 || r.WeeksCompleted <= r.WeeksCount)
	}, oldestEndFirst, limit, 0), nil
}

// ListTerminalBefore returns terminal challenges last updated before the cutoff.
func (s *ChallengeStore) ListTerminalBefore(_ context.Context, before time.Time, limit int) ([]domain.Challenge, error) {
	return s.filter(func(c domain.Challenge) bool {
		return c.State.Terminal() && c.UpdatedAt.Before(before)
	}, oldestEndFirst, limit, 0), nil
}

type ordering func(a, b domain.Challenge) bool

func newestFirst(a, b domain.Challenge) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func oldestEndFirst(a, b domain.Challenge) bool {
	if a.EndDate.Equal(b.EndDate) {
		return a.ID < b.ID
	}
	return a.EndDate.Before(b.EndDate)
}

func (s *ChallengeStore) filter(keep func(domain.Challenge) bool, less ordering, limit, offset int) []domain.Challenge {
	s.mu.Lock()
	var out []domain.Challenge
	for _, c := range s.byID {
		if keep(c) {
			out = append(out, c.Clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if offset > 0 {
		if offset >= len(out) {
			return nil
		}
		out = out[offset:]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
