package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"rate-watch/internal/storage"
)

// Export renders workbook history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().Add(time.Second)
	if opts.To != nil {
		to = *opts.To
	}
	var from time.Time
	if opts.From != nil {
		from = *opts.From
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	rows, err := a.workbook().ListBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Info().Msg("no observations found for export window")
		return nil
	}

	downsampled := downsample(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting observations")

	if opts.CSVPath != "" {
		if err := writeCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePNG(opts.PNGPath, a.Config.General.Currency, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsample(rows []storage.Observation, max int) []storage.Observation {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]storage.Observation, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeCSV(path string, rows []storage.Observation) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(storage.Header); err != nil {
		return err
	}

	for _, obs := range rows {
		record := []string{
			obs.Timestamp,
			obs.Currency,
			obs.BuyTransfer.String(),
			obs.BuyCash,
			obs.Sell,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writePNG(path, currency string, rows []storage.Observation) error {
	if len(rows) < 2 {
		return errors.New("png export needs at least two observations")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, 0, len(rows))
	rates := make([]float64, 0, len(rows))
	for _, obs := range rows {
		ts, err := obs.Time()
		if err != nil {
			continue
		}
		x = append(x, ts)
		rates = append(rates, obs.BuyTransfer.InexactFloat64())
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Rate",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.4f")
			},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    currency + " transfer buy",
				XValues: x,
				YValues: rates,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
