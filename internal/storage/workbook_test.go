package storage

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func obsAt(ts string, rate string) Observation {
	return Observation{
		Timestamp:   ts,
		Currency:    "美元",
		BuyTransfer: decimal.RequireFromString(rate),
		BuyCash:     "708.66",
		Sell:        "714.98",
	}
}

func readRows(t *testing.T, path, sheet string) [][]string {
	t.Helper()
	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(sheet)
	require.NoError(t, err)
	return rows
}

func TestWorkbookAppendFreshTarget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "rates.xlsx")
	wb := NewWorkbook(path, "USD")
	ctx := context.Background()

	for i, ts := range []string{"2025-01-01 10:00:00", "2025-01-01 10:10:00", "2025-01-01 10:20:00"} {
		require.NoError(t, wb.Append(ctx, obsAt(ts, "7.1234")), "append %d", i)
	}

	rows := readRows(t, path, "USD")
	require.Len(t, rows, 4)
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, []string{"2025-01-01 10:00:00", "美元", "7.1234", "708.66", "714.98"}, rows[1])
	assert.Equal(t, "2025-01-01 10:20:00", rows[3][0])

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"USD"}, f.GetSheetList())
}

func TestWorkbookAppendMissingSheet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.xlsx")
	ctx := context.Background()

	require.NoError(t, NewWorkbook(path, "Other").Append(ctx, obsAt("2025-01-01 09:00:00", "1.5")))

	wb := NewWorkbook(path, "USD")
	require.NoError(t, wb.Append(ctx, obsAt("2025-01-01 10:00:00", "7.1")))
	require.NoError(t, wb.Append(ctx, obsAt("2025-01-01 10:10:00", "7.2")))

	rows := readRows(t, path, "USD")
	require.Len(t, rows, 3)
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, "7.1", rows[1][2])
	assert.Equal(t, "7.2", rows[2][2])

	other := readRows(t, path, "Other")
	assert.Len(t, other, 2, "existing sheet must be untouched")
}

func TestWorkbookAppendCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.xlsx")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewWorkbook(path, "USD").Append(ctx, obsAt("2025-01-01 10:00:00", "7.1"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, path)
}

func TestWorkbookAppendUnreadableFile(t *testing.T) {
	dir := t.TempDir()
	err := NewWorkbook(dir, "USD").Append(context.Background(), obsAt("2025-01-01 10:00:00", "7.1"))
	assert.Error(t, err, "a directory is not a workbook")
}

func TestWorkbookListRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.xlsx")
	wb := NewWorkbook(path, "USD")
	ctx := context.Background()

	empty, err := wb.ListRecent(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, wb.Append(ctx, obsAt("2025-01-01 10:00:00", "7.1")))
	require.NoError(t, wb.Append(ctx, obsAt("2025-01-01 10:10:00", "7.2")))
	require.NoError(t, wb.Append(ctx, obsAt("2025-01-01 10:20:00", "7.3")))

	recent, err := wb.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "2025-01-01 10:20:00", recent[0].Timestamp)
	assert.True(t, recent[1].BuyTransfer.Equal(decimal.RequireFromString("7.2")))
}

func TestWorkbookSkipsUnparsableRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.xlsx")
	var buf bytes.Buffer
	wb := NewWorkbook(path, "USD").WithLogger(zerolog.New(&buf))
	ctx := context.Background()

	require.NoError(t, wb.Append(ctx, obsAt("2025-01-01 10:00:00", "7.1")))
	require.NoError(t, wb.Append(ctx, obsAt("2025-01-01 10:10:00", "7.2")))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	note := []interface{}{"2025-01-01 10:15:00", "美元", "备注：系统维护", "", ""}
	require.NoError(t, f.SetSheetRow("USD", "A4", &note))
	require.NoError(t, f.Save())
	require.NoError(t, f.Close())

	require.NoError(t, wb.Append(ctx, obsAt("2025-01-01 10:20:00", "7.3")))

	recent, err := wb.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "2025-01-01 10:20:00", recent[0].Timestamp)
	assert.Equal(t, "2025-01-01 10:00:00", recent[2].Timestamp)
	assert.Contains(t, buf.String(), "skipping unparsable workbook row")
	assert.Contains(t, buf.String(), `"row":4`)

	between, err := wb.ListBetween(ctx, time.Date(2025, 1, 1, 0, 0, 0, 0, time.Local), time.Date(2025, 1, 2, 0, 0, 0, 0, time.Local))
	require.NoError(t, err)
	assert.Len(t, between, 3)
}

func TestWorkbookListBetween(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rates.xlsx")
	wb := NewWorkbook(path, "USD")
	ctx := context.Background()

	require.NoError(t, wb.Append(ctx, obsAt("2025-01-01 10:00:00", "7.1")))
	require.NoError(t, wb.Append(ctx, obsAt("2025-01-01 11:00:00", "7.2")))
	require.NoError(t, wb.Append(ctx, obsAt("2025-01-01 12:00:00", "7.3")))

	from := time.Date(2025, 1, 1, 10, 30, 0, 0, time.Local)
	to := time.Date(2025, 1, 1, 12, 0, 0, 0, time.Local)
	got, err := wb.ListBetween(ctx, from, to)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2025-01-01 11:00:00", got[0].Timestamp)
}

type recordingStore struct {
	appended []Observation
	err      error
}

func (r *recordingStore) Append(_ context.Context, obs Observation) error {
	if r.err != nil {
		return r.err
	}
	r.appended = append(r.appended, obs)
	return nil
}

func TestMirroredPrimaryFailureStops(t *testing.T) {
	primary := &recordingStore{err: errors.New("disk full")}
	mirror := &recordingStore{}
	m := NewMirrored(primary, zerolog.Nop(), mirror)

	err := m.Append(context.Background(), obsAt("2025-01-01 10:00:00", "7.1"))
	assert.EqualError(t, err, "disk full")
	assert.Empty(t, mirror.appended)
}

func TestMirroredMirrorFailureSwallowed(t *testing.T) {
	primary := &recordingStore{}
	broken := &recordingStore{err: errors.New("db down")}
	healthy := &recordingStore{}
	m := NewMirrored(primary, zerolog.Nop(), broken, nil, healthy)

	require.NoError(t, m.Append(context.Background(), obsAt("2025-01-01 10:00:00", "7.1")))
	assert.Len(t, primary.appended, 1)
	assert.Len(t, healthy.appended, 1)
}

func TestStoreNotConfigured(t *testing.T) {
	var s *Store
	ctx := context.Background()
	assert.ErrorIs(t, s.Append(ctx, Observation{}), ErrNotConfigured)
	assert.ErrorIs(t, s.EnsureSchema(ctx), ErrNotConfigured)
	_, err := s.InsertAlert(ctx, AlertRecord{})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = s.ListRecentObservations(ctx, 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
	s.Close()
}
