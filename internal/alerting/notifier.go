package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Notification 封装一次汇率变动告警。
type Notification struct {
	ObservedAt string
	Currency   string
	Previous   decimal.Decimal
	Current    decimal.Decimal
	Delta      decimal.Decimal
	Threshold  decimal.Decimal
}

// Change returns the signed move from Previous to Current.
func (n Notification) Change() decimal.Decimal {
	return n.Current.Sub(n.Previous)
}

// Title 是推送标题。
func (n Notification) Title() string {
	return fmt.Sprintf("当前现汇买入价：%s\n上次：%s\n波动：%s", n.Current.String(), n.Previous.String(), n.Delta.String())
}

// Body 是推送正文。
func (n Notification) Body() string {
	change := n.Change()
	sign := ""
	if change.IsPositive() {
		sign = "+"
	}
	return fmt.Sprintf("💱 %s汇率变动：%s ➜ %s（%s%s）", n.Currency, n.Previous.String(), n.Current.String(), sign, change.StringFixed(2))
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Named is a Notifier tagged with its channel name.
type Named struct {
	Name     string
	Notifier Notifier
}

// Fanout delivers one notification to every channel. A failing channel does
// not stop the others.
type Fanout struct {
	channels []Named
}

// NewFanout builds a Fanout over channels.
func NewFanout(channels ...Named) *Fanout {
	return &Fanout{channels: channels}
}

// Channels lists the configured channel names.
func (f *Fanout) Channels() []string {
	names := make([]string, 0, len(f.channels))
	for _, ch := range f.channels {
		names = append(names, ch.Name)
	}
	return names
}

// Notify implements Notifier.
func (f *Fanout) Notify(ctx context.Context, note Notification) error {
	if len(f.channels) == 0 {
		return errors.New("no notification channel configured")
	}
	var errs []error
	for _, ch := range f.channels {
		if err := ch.Notifier.Notify(ctx, note); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch.Name, err))
		}
	}
	return errors.Join(errs...)
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(note.Body())
	builder.WriteString("\n")
	if note.ObservedAt != "" {
		builder.WriteString(fmt.Sprintf("时间：%s\n", note.ObservedAt))
	}
	builder.WriteString(fmt.Sprintf("当前现汇买入价：%s\n", note.Current.String()))
	builder.WriteString(fmt.Sprintf("上次：%s\n", note.Previous.String()))
	builder.WriteString(fmt.Sprintf("波动：%s (阈值 %s)", note.Delta.String(), note.Threshold.String()))
	return builder.String()
}

var _ Notifier = (*Fanout)(nil)
