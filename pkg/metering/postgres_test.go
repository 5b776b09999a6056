package metering

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mockMeter(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS cycle_spend").
		WillReturnResult(sqlmock.NewResult(0, 0))
	p, err := NewPostgres(db)
	require.NoError(t, err)
	return p, mock
}

func TestPostgresRecordUpserts(t *testing.T) {
	p, mock := mockMeter(t)
	p.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cycle_spend")).
		WithArgs("cyc-1", int64(1), 0.25, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, p.Record(context.Background(), "cyc-1", 1, 0.25))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTotals(t *testing.T) {
	p, mock := mockMeter(t)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"compute_units", "wall_seconds", "samples", "last_update"}).
		AddRow(int64(12), 3.5, int64(4), now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT compute_units, wall_seconds, samples, last_update")).
		WithArgs("cyc-1").
		WillReturnRows(rows)

	units, wall, err := p.Totals(context.Background(), "cyc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), units)
	assert.Equal(t, 3.5, wall)
}

func TestPostgresUnmeteredCycleReadsZero(t *testing.T) {
	p, mock := mockMeter(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT compute_units, wall_seconds, samples, last_update")).
		WithArgs("cyc-ghost").
		WillReturnRows(sqlmock.NewRows([]string{"compute_units", "wall_seconds", "samples", "last_update"}))

	u, err := p.Usage(context.Background(), "cyc-ghost")
	require.NoError(t, err)
	assert.Equal(t, "cyc-ghost", u.CycleID)
	assert.Zero(t, u.ComputeUnits)
	assert.Zero(t, u.Samples)
}

func TestPostgresRejectsBadSpendWithoutQuerying(t *testing.T) {
	p, mock := mockMeter(t)

	assert.ErrorIs(t, p.Record(context.Background(), "", 1, 0), ErrEmptyCycleID)
	assert.ErrorIs(t, p.Record(context.Background(), "cyc-1", -1, 0), ErrNegativeSpend)
	assert.NoError(t, mock.ExpectationsWereMet())
}
