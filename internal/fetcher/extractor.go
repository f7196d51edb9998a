package fetcher

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"rate-watch/internal/browser"
	"rate-watch/internal/captcha"
	"rate-watch/internal/storage"
)

// MinColumns is the narrowest result row that still carries all quoted prices.
const MinColumns = 4

// Options parameterise the Extractor.
type Options struct {
	Currency       string
	SelectName     string
	CaptchaImageID string
	CaptchaField   string
	CaptchaWait    time.Duration
	SettleDelay    time.Duration
}

// Extractor drives the quote form and reads the first result row.
type Extractor struct {
	page     Page
	resolver *captcha.Resolver
	opts     Options
	logger   zerolog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExtractor builds an Extractor over page.
func NewExtractor(page Page, resolver *captcha.Resolver, opts Options, logger zerolog.Logger) *Extractor {
	if opts.CaptchaWait <= 0 {
		opts.CaptchaWait = 10 * time.Second
	}
	return &Extractor{
		page:     page,
		resolver: resolver,
		opts:     opts,
		logger:   logger.With().Str("component", "extractor").Str("currency", opts.Currency).Logger(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// ExtractOnce performs a full navigation and query. Expected page-level
// problems come back as a Skipped or Failed Result; the returned error is
// reserved for transport failures and cancellation.
func (e *Extractor) ExtractOnce(ctx context.Context) (Result, error) {
	if err := e.page.Navigate(ctx); err != nil {
		return Result{}, fmt.Errorf("load quote page: %w", err)
	}

	if err := e.page.SelectOption(ctx, e.opts.SelectName, e.opts.Currency); err != nil {
		if unexpectedPage(err) {
			return failed(fmt.Sprintf("currency %q not offered: %v", e.opts.Currency, err)), nil
		}
		return Result{}, fmt.Errorf("select currency: %w", err)
	}

	if err := e.page.WaitPresent(ctx, e.opts.CaptchaImageID, e.opts.CaptchaWait); err != nil {
		if errors.Is(err, browser.ErrTimeout) {
			return failed(fmt.Sprintf("captcha did not appear: %v", err)), nil
		}
		return Result{}, fmt.Errorf("wait for captcha: %w", err)
	}

	code, attempts, err := e.resolver.Resolve(ctx, e.page)
	if err != nil {
		if errors.Is(err, captcha.ErrNoCode) {
			res := failed(fmt.Sprintf("no acceptable captcha after %d attempts", len(attempts)))
			res.Attempts = attempts
			return res, nil
		}
		if unexpectedPage(err) {
			res := failed(fmt.Sprintf("captcha image unavailable: %v", err))
			res.Attempts = attempts
			return res, nil
		}
		return Result{}, err
	}

	if err := e.page.Fill(e.opts.CaptchaField, code); err != nil {
		return Result{}, fmt.Errorf("fill captcha: %w", err)
	}
	if err := e.page.Submit(ctx); err != nil {
		if unexpectedPage(err) {
			res := failed(fmt.Sprintf("query form unavailable: %v", err))
			res.Attempts = attempts
			return res, nil
		}
		return Result{}, fmt.Errorf("submit query: %w", err)
	}

	// The table is read after a fixed pause rather than a readiness signal.
	if err := e.sleep(ctx, e.opts.SettleDelay); err != nil {
		return Result{}, err
	}

	rows, err := e.page.ResultRows(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read result table: %w", err)
	}

	res := e.interpret(rows)
	res.Attempts = attempts
	return res, nil
}

func (e *Extractor) interpret(rows [][]string) Result {
	if len(rows) == 0 {
		return failed("查询失败，可能验证码错误 (empty result table)")
	}

	cols := rows[0]
	if len(cols) < MinColumns {
		return skipped(fmt.Sprintf("result row has %d columns, want at least %d", len(cols), MinColumns))
	}

	rate, err := ParseRate(cols[1])
	if err != nil {
		return skipped(fmt.Sprintf("unparsable transfer-buy rate %q", cols[1]))
	}

	return Result{
		Status: StatusSuccess,
		Observation: storage.Observation{
			Timestamp:   e.now().Format(storage.TimestampLayout),
			Currency:    e.opts.Currency,
			BuyTransfer: rate,
			BuyCash:     strings.TrimSpace(cols[2]),
			Sell:        strings.TrimSpace(cols[3]),
		},
	}
}

// thousandsGrouped matches a number whose commas sit only in thousands
// separator position, e.g. 1,234.5 or 12,345,678.
var thousandsGrouped = regexp.MustCompile(`^[+-]?\d{1,3}(,\d{3})+(\.\d+)?$`)

var spaceStripper = strings.NewReplacer(" ", "", "\u00a0", "")

// ParseRate reads a plain decimal, ignoring surrounding space (including
// non-breaking space) and thousands separators. A comma anywhere else, as in
// 7,1234, is rejected rather than dropped.
func ParseRate(raw string) (decimal.Decimal, error) {
	cleaned := spaceStripper.Replace(strings.TrimSpace(raw))
	if cleaned == "" {
		return decimal.Decimal{}, errors.New("empty rate")
	}
	if strings.Contains(cleaned, ",") {
		if !thousandsGrouped.MatchString(cleaned) {
			return decimal.Decimal{}, fmt.Errorf("ambiguous comma in rate %q", raw)
		}
		cleaned = strings.ReplaceAll(cleaned, ",", "")
	}
	return decimal.NewFromString(cleaned)
}

// unexpectedPage reports page-shape errors: the page loaded but is not the
// quote form (maintenance notice, WAF challenge, layout change).
func unexpectedPage(err error) bool {
	return errors.Is(err, browser.ErrSelection) || errors.Is(err, browser.ErrNotFound)
}

func failed(reason string) Result {
	return Result{Status: StatusFailed, Reason: reason}
}

func skipped(reason string) Result {
	return Result{Status: StatusSkipped, Reason: reason}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ RateExtractor = (*Extractor)(nil)
