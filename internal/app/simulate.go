package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"rate-watch/internal/alerting"
	"rate-watch/internal/storage"
)

// SimulateAlert 用给定的上次/当前价格模拟一次变动告警，并通过已配置渠道推送。
func (a *App) SimulateAlert(ctx context.Context, previous, current decimal.Decimal) error {
	notifier := a.newNotifier()
	if len(notifier.Channels()) == 0 {
		return errors.New("未配置任何告警通道")
	}

	threshold := a.threshold()
	delta := alerting.Delta(previous, current)
	if delta.LessThan(threshold) {
		fmt.Fprintf(a.Out, "波动 %s 低于阈值 %s，不会推送\n", delta.String(), threshold.String())
		return nil
	}

	note := alerting.Notification{
		ObservedAt: time.Now().Format(storage.TimestampLayout),
		Currency:   a.Config.General.Currency,
		Previous:   previous,
		Current:    current,
		Delta:      delta,
		Threshold:  threshold,
	}
	if err := notifier.Notify(ctx, note); err != nil {
		return fmt.Errorf("simulate alert: %w", err)
	}

	fmt.Fprintln(a.Out, note.Body())
	return nil
}
