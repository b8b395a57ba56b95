package repository

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"string too long", &pgconn.PgError{Code: "22001"}, true},
		{"invalid text representation", &pgconn.PgError{Code: "22P02"}, true},
		{"wrapped foreign key violation", fmt.Errorf("upsert: %w", &pgconn.PgError{Code: "23503"}), true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, false},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, false},
		{"no rows", pgx.ErrNoRows, false},
		{"network", errors.New("connection refused"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsPermanent(tt.err))
		})
	}
}
