package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestDumpFlattensTypedChain(t *testing.T) {
	base := fmt.Errorf("dial tcp: %w", context.DeadlineExceeded)
	err := Wrap(CodeTimeout, base, "square get payment failed")

	d := Dump(err)
	require.Equal(t, CodeTimeout, d.Code)
	require.True(t, d.Retryable)
	require.GreaterOrEqual(t, len(d.Chain), 2)

	fields := d.Fields()
	require.Equal(t, "TIMEOUT", fields["error_code"])
	require.Contains(t, fields, "error_chain")
	require.NotContains(t, fields, "pg_code")
}

func TestDumpExtractsPostgresDetails(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23505", ConstraintName: "orders_reference_key", TableName: "orders", Message: "duplicate key"}
	err := fmt.Errorf("insert order: %w", pgErr)

	d := Dump(err)
	require.Equal(t, "23505", d.PGCode)
	require.Equal(t, "orders", d.PGTable)
	require.Equal(t, CodeInternal, d.Code)
	require.Equal(t, "orders_reference_key", d.Fields()["pg_constraint"])
}

func TestDumpNil(t *testing.T) {
	require.Equal(t, ErrorDump{}, Dump(nil))
}
