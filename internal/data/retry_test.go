package data

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/stretchr/testify/assert"
)

func pgErr(code string) error {
	return &pgconn.PgError{Code: code, Message: "test"}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection exception class", pgErr("08006"), true},
		{"admin shutdown", pgErr("57P01"), true},
		{"cannot connect now", pgErr("57P03"), true},
		{"undefined column", pgErr("42703"), false},
		{"unique violation", pgErr("23505"), false},
		{"reset by string", errors.New("read tcp: connection reset by peer"), true},
		{"timeout by string", errors.New("i/o timeout"), true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{"dns failure", &net.DNSError{Err: "lookup failed", Name: "db"}, true},
		{"deadline", fmt.Errorf("exec: %w", context.DeadlineExceeded), true},
		{"wrapped", fmt.Errorf("load batch: %w", pgErr("08003")), true},
		{"unrelated", errors.New("syntax error"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsConnectionError(tt.err), tt.name)
	}
}

func TestIsDeadlock(t *testing.T) {
	assert.True(t, IsDeadlock(pgErr("40P01")))
	assert.True(t, IsDeadlock(pgErr("40001")))
	assert.False(t, IsDeadlock(pgErr("23505")))
	assert.False(t, IsDeadlock(errors.New("deadlock-ish text")))
}

func TestIsTransientDBError(t *testing.T) {
	assert.True(t, IsTransientDBError(pgErr("40P01")), "deadlocks retry")
	assert.True(t, IsTransientDBError(errors.New("broken pipe")), "connection drops retry")
	assert.False(t, IsTransientDBError(pgErr("23505")), "natural-key conflicts never retry")
	assert.False(t, IsTransientDBError(pgErr("42703")), "schema mismatches never retry")
	assert.False(t, IsTransientDBError(nil))
}
