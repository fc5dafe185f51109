package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/MOMISBACK/pactengine/internal/domain"
)

func TestWithListOpts(t *testing.T) {
	base := "SELECT id FROM diamond_transactions WHERE user_id = $1"

	t.Run("order only", func(t *testing.T) {
		q, args := withListOpts(base, []any{"alice"}, "created_at", "created_at DESC", domain.ListOpts{})
		assert.Equal(t, base+" ORDER BY created_at DESC", q)
		assert.Equal(t, []any{"alice"}, args)
	})

	t.Run("range and paging", func(t *testing.T) {
		since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
		until := since.Add(24 * time.Hour)
		q, args := withListOpts(base, []any{"alice"}, "created_at", "created_at DESC", domain.ListOpts{
			Since: &since, Until: &until, Limit: 20, Offset: 40,
		})
		assert.Equal(t, base+
			" AND created_at >= $2 AND created_at <= $3 ORDER BY created_at DESC LIMIT $4 OFFSET $5", q)
		assert.Equal(t, []any{"alice", since, until, 20, 40}, args)
	})
}

func TestClientConfigConnString(t *testing.T) {
	cfg := ClientConfig{Host: "db", Database: "pact", User: "pact", Password: "p@ss word"}
	assert.Equal(t, "postgres://pact:p%40ss%20word@db:5432/pact?sslmode=disable", cfg.connString())

	cfg.DSN = "  postgres://x@y/z  "
	assert.Equal(t, "postgres://x@y/z", cfg.connString())
}
