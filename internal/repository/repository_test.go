package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomatolab/classchat/internal/models"
	"github.com/tomatolab/classchat/internal/store"
)

var tokyo = time.FixedZone("JST", 9*60*60)

func fixedCalendar(now time.Time) Calendar {
	return Calendar{Location: tokyo, Now: func() time.Time { return now }}
}

func newRoster(t *testing.T, header []string, rows ...[]string) (*store.Memory, store.Sheet) {
	t.Helper()
	mem := store.NewMemory()
	sheet := mem.Create("AI_Student_Master", header...)
	for _, row := range rows {
		require.NoError(t, sheet.AppendRow(context.Background(), row))
	}
	return mem, sheet
}

func TestFindByStudentID(t *testing.T) {
	ctx := context.Background()
	mem, _ := newRoster(t,
		[]string{"student_id", "pin", "created_at", "last_login"},
		[]string{"1101", "", "", ""},
		[]string{"1102", "42", "2026-09-01 08:00:00", ""},
	)
	repo := NewAccountRepository(mem, "AI_Student_Master", fixedCalendar(time.Now()))

	acct, err := repo.FindByStudentID(ctx, "1102")
	require.NoError(t, err)
	assert.Equal(t, 3, acct.Row)
	assert.Equal(t, "0042", acct.PIN)
	assert.True(t, acct.Provisioned())

	acct, err = repo.FindByStudentID(ctx, " 1101 ")
	require.NoError(t, err)
	assert.False(t, acct.Provisioned())

	_, err = repo.FindByStudentID(ctx, "3340")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestRosterWithoutStudentIDColumn(t *testing.T) {
	mem, _ := newRoster(t, []string{"id", "pin"})
	repo := NewAccountRepository(mem, "AI_Student_Master", fixedCalendar(time.Now()))
	_, err := repo.FindByStudentID(context.Background(), "1101")
	assert.ErrorIs(t, err, store.ErrColumnMissing)
}

func TestProvisionWritesOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 9, 30, 0, 0, tokyo)
	mem, sheet := newRoster(t,
		[]string{"student_id", "pin", "created_at", "last_login"},
		[]string{"1101", "", "", ""},
	)
	repo := NewAccountRepository(mem, "AI_Student_Master", fixedCalendar(now))

	acct, err := repo.FindByStudentID(ctx, "1101")
	require.NoError(t, err)
	require.NoError(t, repo.Provision(ctx, *acct, "0420"))

	values, err := sheet.Values(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1101", "0420", "2026-10-18 09:30:00", "2026-10-18 09:30:00"}, values[1])

	// A stale view of the row must not overwrite the stored PIN.
	err = repo.Provision(ctx, *acct, "9999")
	assert.ErrorIs(t, err, ErrAlreadyProvisioned)
	values, err = sheet.Values(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0420", values[1][1])
}

func TestTouchLastLoginWithoutColumnIsNoop(t *testing.T) {
	ctx := context.Background()
	mem, sheet := newRoster(t, []string{"student_id", "pin"}, []string{"1101", "1234"})
	repo := NewAccountRepository(mem, "AI_Student_Master", fixedCalendar(time.Now()))

	acct, err := repo.FindByStudentID(ctx, "1101")
	require.NoError(t, err)
	require.NoError(t, repo.TouchLastLogin(ctx, *acct))

	values, err := sheet.Values(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1101", "1234"}, values[1])
}

func TestCreateAndClearPIN(t *testing.T) {
	ctx := context.Background()
	mem, _ := newRoster(t, []string{"pin", "student_id", "last_login"}, []string{"5555", "1101", ""})
	repo := NewAccountRepository(mem, "AI_Student_Master", fixedCalendar(time.Now()))

	_, err := repo.Create(ctx, "1101")
	assert.ErrorIs(t, err, ErrAccountExists)
	_, err = repo.Create(ctx, "2315")
	require.NoError(t, err)

	accounts, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "2315", accounts[1].StudentID)
	assert.Equal(t, "", accounts[1].PIN)

	require.NoError(t, repo.ClearPIN(ctx, accounts[0]))
	acct, err := repo.FindByStudentID(ctx, "1101")
	require.NoError(t, err)
	assert.False(t, acct.Provisioned())
}

func TestNormalizePIN(t *testing.T) {
	assert.Equal(t, "0007", NormalizePIN("7"))
	assert.Equal(t, "0420", NormalizePIN(" 420 "))
	assert.Equal(t, "1234", NormalizePIN("1234"))
	assert.Equal(t, "", NormalizePIN(""))
	assert.Equal(t, "ab", NormalizePIN("ab"))
}

func newLedger(t *testing.T, now time.Time, rows ...[]string) (*UsageRepository, store.Sheet) {
	t.Helper()
	mem := store.NewMemory()
	sheet := mem.Create("AI_Chat_Log", "timestamp", "student_id", "input", "output", "kind")
	for _, row := range rows {
		require.NoError(t, sheet.AppendRow(context.Background(), row))
	}
	return NewUsageRepository(mem, "AI_Chat_Log", fixedCalendar(now)), sheet
}

func TestCountTodayIsDateScoped(t *testing.T) {
	now := time.Date(2026, 10, 18, 10, 0, 0, 0, tokyo)
	repo, _ := newLedger(t, now,
		[]string{"2026-10-17 23:59:59", "1101", "hi", "hello"},
	)
	counts, err := repo.CountToday(context.Background(), "1101")
	require.NoError(t, err)
	assert.Equal(t, UsageCounts{}, counts)
}

func TestCountTodaySeparatesKinds(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 10, 0, 0, 0, tokyo)
	repo, _ := newLedger(t, now,
		[]string{"2026-10-18 00:00:00", "1101", "a", "b"},
		[]string{"2026-10-18 08:15:00", "1101", "c", "d", "chat"},
		[]string{"2026-10-18 08:16:00", "1101", "cat", "<Image Generated: u>", "image"},
		[]string{"2026-10-18 08:17:00", "1102", "e", "f", "chat"},
		[]string{"2026-10-19 00:00:00", "1101", "g", "h", "chat"},
	)
	counts, err := repo.CountToday(ctx, "1101")
	require.NoError(t, err)
	assert.Equal(t, UsageCounts{Chat: 2, Image: 1}, counts)

	require.NoError(t, repo.Log(ctx, models.UsageEvent{Identity: "1101", Input: "q", Output: "a"}))
	counts, err = repo.CountToday(ctx, "1101")
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Chat)

	summary, err := repo.Summary(ctx, now)
	require.NoError(t, err)
	require.Len(t, summary, 2)
	assert.Equal(t, "1101", summary[0].Identity)
	assert.Equal(t, UsageCounts{Chat: 1}, summary[1].UsageCounts)
}

func TestCountFollowsDayRollover(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 10, 18, 23, 59, 0, 0, tokyo)
	repo, _ := newLedger(t, now, []string{"2026-10-18 12:00:00", "1101", "a", "b", "chat"})

	counts, err := repo.CountToday(ctx, "1101")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Chat)

	repo.calendar.Now = func() time.Time { return now.Add(2 * time.Minute) }
	counts, err = repo.CountToday(ctx, "1101")
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Chat)
}

func TestCountFallsBackToDatePrefix(t *testing.T) {
	now := time.Date(2026, 10, 18, 10, 0, 0, 0, tokyo)
	repo, _ := newLedger(t, now, []string{"2026-10-18T07:00:00", "1101", "a", "b"})
	counts, err := repo.CountToday(context.Background(), "1101")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Chat)
}

func TestCalendarUsesReferenceZone(t *testing.T) {
	// 20:00 UTC on the 17th is already the 18th in Tokyo.
	cal := fixedCalendar(time.Date(2026, 10, 17, 20, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2026, 10, 18, 0, 0, 0, 0, tokyo), cal.Today())
	assert.Equal(t, "2026-10-18 05:00:00", cal.Stamp(cal.Current()))
}

func TestLoadCalendarResolvesZones(t *testing.T) {
	cal, err := LoadCalendar("Asia/Tokyo")
	require.NoError(t, err)
	_, offset := time.Date(2026, 10, 18, 0, 0, 0, 0, cal.Location).Zone()
	assert.Equal(t, 9*60*60, offset)

	cal, err = LoadCalendar("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, cal.Location)

	_, err = LoadCalendar("Mars/Olympus_Mons")
	assert.Error(t, err)
}
