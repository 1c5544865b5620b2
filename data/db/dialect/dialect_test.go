package dialect

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_Aliases(t *testing.T) {
	assert.Equal(t, NamePostgres, New("pgx").Name())
	assert.Equal(t, NamePostgres, New(" PostgreSQL ").Name())
	assert.Equal(t, NameSQLite, New("sqlite3").Name())
	assert.Equal(t, NameUnknown, New("oracle").Name())
}

func TestRebind(t *testing.T) {
	q := "UPDATE saga_executions SET state = ? WHERE saga_id = ? AND version = ?"
	assert.Equal(t,
		"UPDATE saga_executions SET state = $1 WHERE saga_id = $2 AND version = $3",
		New("pgx").Rebind(q))
	assert.Equal(t, q, New("sqlite").Rebind(q))
	assert.Equal(t, "SELECT 1", New("postgres").Rebind("SELECT 1"))
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"public"."saga_executions"`, New("postgres").QuoteIdentifier("public.saga_executions"))
	assert.Equal(t, `"saga_state_history"`, New("sqlite").QuoteIdentifier("saga_state_history"))
	assert.Equal(t, "saga_executions", New("").QuoteIdentifier("saga_executions"))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, New("sqlite").IsUniqueViolation(errors.New("constraint failed: UNIQUE constraint failed: saga_step_executions.saga_id")))
	assert.True(t, New("pgx").IsUniqueViolation(errors.New("ERROR: duplicate key value violates unique constraint \"saga_pk\" (SQLSTATE 23505)")))
	assert.False(t, New("sqlite").IsUniqueViolation(errors.New("database is locked")))
	assert.False(t, New("sqlite").IsUniqueViolation(nil))
}
