package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MOMISBACK/pactengine/internal/domain"
)

var _ domain.ActivityStore = (*ActivityStore)(nil)

// ActivityStore implements domain.ActivityStore on the activities table.
type ActivityStore struct {
	pool *pgxpool.Pool
}

// NewActivityStore creates a new ActivityStore backed by the given pool.
func NewActivityStore(pool *pgxpool.Pool) *ActivityStore {
	return &ActivityStore{pool: pool}
}

// Insert records one activity.
func (s *ActivityStore) Insert(ctx context.Context, a domain.Activity) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO activities (user_id, type, distance, duration, date)
		 VALUES ($1, $2, $3, $4, $5)`,
		a.UserID, a.Type, a.Distance, a.Duration, a.Date)
	if err != nil {
		return fmt.Errorf("postgres: insert activity for %s: %w", a.UserID, err)
	}
	return nil
}

// Find returns the user's activities of the given types inside [start, end].
// An empty types slice matches every type.
func (s *ActivityStore) Find(ctx context.Context, userID string, types []string, start, end time.Time) ([]domain.Activity, error) {
	if types == nil {
		types = []string{}
	}
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, type, distance, duration, date FROM activities
		 WHERE user_id = $1
		   AND (cardinality($2::TEXT[]) = 0 OR type = ANY($2::TEXT[]))
		   AND date >= $3 AND date <= $4
		 ORDER BY date ASC`, userID, types, start, end)
	if err != nil {
		return nil, fmt.Errorf("postgres: find activities for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []domain.Activity
	for rows.Next() {
		var a domain.Activity
		if err := rows.Scan(&a.UserID, &a.Type, &a.Distance, &a.Duration, &a.Date); err != nil {
			return nil, fmt.Errorf("postgres: scan activity: %w", err)
		}
		a.Date = a.Date.UTC()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: activity rows: %w", err)
	}
	return out, nil
}
