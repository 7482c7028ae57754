package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomatolab/classchat/internal/retry"
)

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

func TestRecordsKeysRowsByHeader(t *testing.T) {
	header, records := Records([][]string{
		{"student_id", " pin ", "last_login"},
		{"1101", "0420"},
		{"", "", ""},
		{"1102", "", "2026-10-01 08:00:00", "extra"},
	})
	assert.Equal(t, []string{"student_id", "pin", "last_login"}, header)
	require.Len(t, records, 2)
	assert.Equal(t, 2, records[0].Row)
	assert.Equal(t, "0420", records[0].Get("pin"))
	assert.Equal(t, "", records[0].Get("last_login"))
	assert.Equal(t, 4, records[1].Row)
	assert.Equal(t, "2026-10-01 08:00:00", records[1].Get("last_login"))

	assert.Equal(t, 2, ColumnIndex(header, "pin"))
	assert.Equal(t, 0, ColumnIndex(header, "created_at"))
}

func TestMemorySheet(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	mem.Create("roster", "student_id", "pin")

	_, err := mem.Open(ctx, "missing")
	assert.ErrorIs(t, err, ErrSheetNotFound)

	sheet, err := mem.Open(ctx, "roster")
	require.NoError(t, err)
	require.NoError(t, sheet.AppendRow(ctx, []string{"1101"}))
	require.NoError(t, sheet.UpdateCell(ctx, 2, 3, "late"))

	values, err := sheet.Values(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1101", "", "late"}, values[1])

	assert.ErrorIs(t, sheet.UpdateCell(ctx, 9, 1, "x"), ErrRowOutOfRange)

	swapped, err := CompareAndSwap(ctx, sheet, 2, 2, "", "1234")
	require.NoError(t, err)
	assert.True(t, swapped)
	swapped, err = CompareAndSwap(ctx, sheet, 2, 2, "", "9999")
	require.NoError(t, err)
	assert.False(t, swapped)

	values, err = sheet.Values(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1234", values[1][1])
}

// plainSheet hides the CellSwapper implementation of the wrapped sheet.
type plainSheet struct{ Sheet }

func TestCompareAndSwapFallback(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	sheet := plainSheet{mem.Create("roster", "student_id", "pin")}
	require.NoError(t, sheet.AppendRow(ctx, []string{"1101", ""}))

	swapped, err := CompareAndSwap(ctx, sheet, 2, 2, "", "0001")
	require.NoError(t, err)
	assert.True(t, swapped)
	swapped, err = CompareAndSwap(ctx, sheet, 2, 2, "", "0002")
	require.NoError(t, err)
	assert.False(t, swapped)
}

type flakySheet struct {
	Sheet
	failures int
	calls    int
}

func (f *flakySheet) Values(ctx context.Context) ([][]string, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("429 too many requests")
	}
	return f.Sheet.Values(ctx)
}

type fixedBackend struct{ sheet Sheet }

func (b fixedBackend) Open(context.Context, string) (Sheet, error) { return b.sheet, nil }

func TestWithRetryRecoversFromTransientErrors(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	flaky := &flakySheet{Sheet: mem.Create("log", "ts"), failures: 2}

	sheet, err := WithRetry(fixedBackend{flaky}, fastRetry, nil).Open(ctx, "log")
	require.NoError(t, err)
	values, err := sheet.Values(ctx)
	require.NoError(t, err)
	assert.Len(t, values, 1)
	assert.Equal(t, 3, flaky.calls)
}

func TestWithRetryExhaustsToUnavailable(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory()
	flaky := &flakySheet{Sheet: mem.Create("log", "ts"), failures: 100}

	sheet, err := WithRetry(fixedBackend{flaky}, fastRetry, nil).Open(ctx, "log")
	require.NoError(t, err)
	_, err = sheet.Values(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, flaky.calls)
}

func TestWithRetryDoesNotRetryMissingSheet(t *testing.T) {
	_, err := WithRetry(NewMemory(), fastRetry, nil).Open(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSheetNotFound)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestDecodeCells(t *testing.T) {
	assert.Equal(t, []string{"1101", "123", "", "true"}, decodeCells(`["1101", 123, null, true]`))
	assert.Empty(t, decodeCells(`[]`))
}
