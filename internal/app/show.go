package app

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"rate-watch/internal/storage"
)

// Show prints the most recent observations, newest first. Rows come from the
// workbook unless the PostgreSQL mirror is requested.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	rows, err := a.recent(ctx, opts)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(a.Out, "no observations found")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "时间\t币种\t现汇买入价\t现钞买入价\t卖出价")

	for _, obs := range rows {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			obs.Timestamp,
			obs.Currency,
			obs.BuyTransfer.String(),
			obs.BuyCash,
			obs.Sell,
		)
	}

	return writer.Flush()
}

func (a *App) recent(ctx context.Context, opts ShowOptions) ([]storage.Observation, error) {
	if !opts.FromDatabase {
		return a.workbook().ListRecent(ctx, opts.Limit)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("database not configured; cannot show mirrored observations")
	}
	defer closeStore()

	total, err := store.CountObservations(ctx)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(a.Out, "%d observations mirrored\n", total)
	return store.ListRecentObservations(ctx, opts.Limit)
}
