package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// TimestampLayout is the wall-clock format stamped on every observation.
const TimestampLayout = "2006-01-02 15:04:05"

// Observation is one successful reading of the quote table.
type Observation struct {
	Timestamp   string
	Currency    string
	BuyTransfer decimal.Decimal
	BuyCash     string
	Sell        string
}

// Time parses Timestamp in the local zone.
func (o Observation) Time() (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, o.Timestamp, time.Local)
}

// AlertRecord captures an emitted change alert for auditing.
type AlertRecord struct {
	ID         int64
	ObservedAt string
	Currency   string
	Previous   decimal.Decimal
	Current    decimal.Decimal
	Delta      decimal.Decimal
	Threshold  decimal.Decimal
	Channels   []string
	Delivered  bool
	CreatedAt  time.Time
}
