package fetcher

import (
	"context"
	"time"

	"rate-watch/internal/captcha"
	"rate-watch/internal/storage"
)

// Page is the page-automation capability one query cycle needs.
type Page interface {
	Navigate(ctx context.Context) error
	SelectOption(ctx context.Context, name, label string) error
	WaitPresent(ctx context.Context, id string, timeout time.Duration) error
	CaptchaImage(ctx context.Context) ([]byte, error)
	Fill(name, value string) error
	Submit(ctx context.Context) error
	ResultRows(ctx context.Context) ([][]string, error)
}

// RateExtractor runs one query cycle against the quote page.
type RateExtractor interface {
	ExtractOnce(ctx context.Context) (Result, error)
}

// Status classifies the outcome of a cycle.
type Status int

const (
	// StatusSuccess means a complete Observation was read.
	StatusSuccess Status = iota
	// StatusSkipped means the page answered in an unexpected shape.
	StatusSkipped
	// StatusFailed means the query was abandoned for this cycle.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "hard_failure"
	default:
		return "unknown"
	}
}

// Result is the outcome of ExtractOnce. Observation is only meaningful when
// Status is StatusSuccess.
type Result struct {
	Status      Status
	Observation storage.Observation
	Reason      string
	Attempts    []captcha.Attempt
}
