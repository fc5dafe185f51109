package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestConstraintName(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: codeUniqueViolation, ConstraintName: openPairIndex})
	assert.True(t, isUniqueViolation(err))
	assert.Equal(t, openPairIndex, constraintName(err))

	plain := errors.New("boom")
	assert.False(t, isUniqueViolation(plain))
	assert.Empty(t, constraintName(plain))
}
