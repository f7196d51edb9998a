package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// Header is the first row of every observation sheet.
var Header = []string{"时间", "币种", "现汇买入价", "现钞买入价", "卖出价"}

// ObservationStore appends observations to persistent storage.
type ObservationStore interface {
	Append(ctx context.Context, obs Observation) error
}

// ObservationReader reads observations back for reporting.
type ObservationReader interface {
	ListRecent(ctx context.Context, limit int) ([]Observation, error)
	ListBetween(ctx context.Context, from, to time.Time) ([]Observation, error)
}

// Workbook is an xlsx file holding one sheet of observations.
//
// Every Append opens, mutates and saves the file; nothing is cached between
// calls, so edits made by other programs between polls are picked up.
type Workbook struct {
	path   string
	sheet  string
	logger zerolog.Logger
}

// NewWorkbook returns a store writing to sheet inside the xlsx file at path.
func NewWorkbook(path, sheet string) *Workbook {
	return &Workbook{path: path, sheet: sheet, logger: zerolog.Nop()}
}

// WithLogger sets the logger used to report rows that cannot be read back.
func (w *Workbook) WithLogger(logger zerolog.Logger) *Workbook {
	w.logger = logger.With().Str("component", "workbook").Str("sheet", w.sheet).Logger()
	return w
}

// Path returns the workbook location.
func (w *Workbook) Path() string { return w.path }

// Append writes obs as the next row, creating the file, the sheet and the
// header row when they are missing.
func (w *Workbook) Append(ctx context.Context, obs Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, created, err := w.openOrCreate()
	if err != nil {
		return err
	}
	defer f.Close()

	idx, err := f.GetSheetIndex(w.sheet)
	if err != nil {
		return fmt.Errorf("lookup sheet %q: %w", w.sheet, err)
	}
	if idx == -1 {
		if _, err := f.NewSheet(w.sheet); err != nil {
			return fmt.Errorf("create sheet %q: %w", w.sheet, err)
		}
	}

	rows, err := f.GetRows(w.sheet)
	if err != nil {
		return fmt.Errorf("read sheet %q: %w", w.sheet, err)
	}

	next := len(rows) + 1
	if len(rows) == 0 {
		header := make([]interface{}, len(Header))
		for i, h := range Header {
			header[i] = h
		}
		if err := f.SetSheetRow(w.sheet, "A1", &header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		next = 2
	}

	cell, err := excelize.CoordinatesToCellName(1, next)
	if err != nil {
		return err
	}
	row := []interface{}{obs.Timestamp, obs.Currency, obs.BuyTransfer.InexactFloat64(), obs.BuyCash, obs.Sell}
	if err := f.SetSheetRow(w.sheet, cell, &row); err != nil {
		return fmt.Errorf("write row %d: %w", next, err)
	}

	if created {
		if err := ensureDir(w.path); err != nil {
			return err
		}
		if err := f.SaveAs(w.path); err != nil {
			return fmt.Errorf("save workbook %s: %w", w.path, err)
		}
		return nil
	}
	if err := f.Save(); err != nil {
		return fmt.Errorf("save workbook %s: %w", w.path, err)
	}
	return nil
}

func (w *Workbook) openOrCreate() (*excelize.File, bool, error) {
	f, err := excelize.OpenFile(w.path)
	if err == nil {
		return f, false, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, fmt.Errorf("open workbook %s: %w", w.path, err)
	}

	f = excelize.NewFile()
	if err := f.SetSheetName(f.GetSheetName(f.GetActiveSheetIndex()), w.sheet); err != nil {
		f.Close()
		return nil, false, fmt.Errorf("name sheet %q: %w", w.sheet, err)
	}
	return f, true, nil
}

// ListRecent returns up to limit observations, newest first.
func (w *Workbook) ListRecent(ctx context.Context, limit int) ([]Observation, error) {
	all, err := w.readAll(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Observation, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// ListBetween returns observations with from <= time < to, oldest first.
func (w *Workbook) ListBetween(ctx context.Context, from, to time.Time) ([]Observation, error) {
	all, err := w.readAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Observation, 0, len(all))
	for _, obs := range all {
		ts, err := obs.Time()
		if err != nil {
			continue
		}
		if ts.Before(from) || !ts.Before(to) {
			continue
		}
		out = append(out, obs)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

func (w *Workbook) readAll(ctx context.Context) ([]Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := excelize.OpenFile(w.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open workbook %s: %w", w.path, err)
	}
	defer f.Close()

	idx, err := f.GetSheetIndex(w.sheet)
	if err != nil {
		return nil, fmt.Errorf("lookup sheet %q: %w", w.sheet, err)
	}
	if idx == -1 {
		return nil, nil
	}

	rows, err := f.GetRows(w.sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", w.sheet, err)
	}
	if len(rows) <= 1 {
		return nil, nil
	}

	// Hand-edited rows (notes, blanks) are skipped, not fatal.
	out := make([]Observation, 0, len(rows)-1)
	for i, row := range rows[1:] {
		if blankRow(row) {
			continue
		}
		obs, err := parseRow(row)
		if err != nil {
			w.logger.Warn().Err(err).Int("row", i+2).Msg("skipping unparsable workbook row")
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

func blankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func parseRow(row []string) (Observation, error) {
	cells := make([]string, len(Header))
	copy(cells, row)

	rate, err := decimal.NewFromString(strings.TrimSpace(cells[2]))
	if err != nil {
		return Observation{}, fmt.Errorf("parse buy-transfer rate %q: %w", cells[2], err)
	}
	return Observation{
		Timestamp:   strings.TrimSpace(cells[0]),
		Currency:    cells[1],
		BuyTransfer: rate,
		BuyCash:     cells[3],
		Sell:        cells[4],
	}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

var (
	_ ObservationStore  = (*Workbook)(nil)
	_ ObservationReader = (*Workbook)(nil)
)
