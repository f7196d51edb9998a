package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"rate-watch/internal/alerting"
	"rate-watch/internal/browser"
	"rate-watch/internal/captcha"
	"rate-watch/internal/config"
	"rate-watch/internal/fetcher"
	"rate-watch/internal/ocr"
	"rate-watch/internal/scheduler"
	"rate-watch/internal/service"
	"rate-watch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer

	openPage func() (pageSession, error)
}

// pageSession is a quote page holding resources until Close.
type pageSession interface {
	fetcher.Page
	Close() error
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	a := &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
	a.openPage = a.newSession
	return a
}

func (a *App) newSession() (pageSession, error) {
	bank := a.Config.Bank
	session, err := browser.NewSession(browser.Options{
		URL:            bank.URL,
		UserAgent:      bank.UserAgent,
		Timeout:        bank.RequestTimeout,
		CaptchaImageID: bank.CaptchaImageID,
		SubmitValue:    bank.SubmitValue,
		ResultTable:    bank.ResultTable,
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (a *App) newExtractor(page fetcher.Page) *fetcher.Extractor {
	classifier := ocr.NewClient(ocr.Options{
		BaseURL: a.Config.OCR.BaseURL,
		Timeout: a.Config.OCR.Timeout,
	}, a.Logger)
	resolver := captcha.NewResolver(classifier, a.Config.Captcha.MaxAttempts, a.Logger)

	bank := a.Config.Bank
	return fetcher.NewExtractor(page, resolver, fetcher.Options{
		Currency:       a.Config.General.Currency,
		SelectName:     bank.SelectName,
		CaptchaImageID: bank.CaptchaImageID,
		CaptchaField:   bank.CaptchaField,
		CaptchaWait:    bank.CaptchaWait,
		SettleDelay:    bank.SettleDelay,
	}, a.Logger)
}

func (a *App) newNotifier() *alerting.Fanout {
	cfg := a.Config.Alerting
	var channels []alerting.Named
	if a.Config.HasChannel(config.ChannelServerChan) {
		channels = append(channels, alerting.Named{
			Name:     config.ChannelServerChan,
			Notifier: alerting.NewServerChanNotifier(a.Config.General.NotifyKey, cfg.ServerChan.Endpoint, cfg.Timeout, a.Logger),
		})
	}
	if a.Config.HasChannel(config.ChannelTelegram) {
		tg := cfg.Telegram
		channels = append(channels, alerting.Named{
			Name:     config.ChannelTelegram,
			Notifier: alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, cfg.Timeout, a.Logger),
		})
	}
	return alerting.NewFanout(channels...)
}

func (a *App) threshold() decimal.Decimal {
	return decimal.NewFromFloat(a.Config.Alerting.Threshold)
}

func (a *App) workbook() *storage.Workbook {
	return storage.NewWorkbook(a.Config.General.ExcelFile, a.Config.General.SheetName).WithLogger(a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// wire builds the observation sink and the change notifier, mirroring into
// PostgreSQL when a store is open.
func (a *App) wire(pg *storage.Store) (storage.ObservationStore, *alerting.ChangeNotifier) {
	notifier := a.newNotifier()
	opts := []alerting.ChangeOption{alerting.WithChannels(notifier.Channels())}

	var observations storage.ObservationStore = a.workbook()
	if pg != nil {
		observations = storage.NewMirrored(observations, a.Logger, pg)
		opts = append(opts, alerting.WithAlertStore(pg))
	}

	return observations, alerting.NewChangeNotifier(notifier, a.threshold(), a.Logger, opts...)
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	session, err := a.openPage()
	if err != nil {
		return err
	}
	defer a.release(session)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Debug().Msg("database.dsn not configured; postgres mirror disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	observations, changes := a.wire(store)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Interval(),
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc := service.New(sched, a.newExtractor(session), observations, changes, a.Logger)

	a.Logger.Info().Msgf("🌀 汇率监控启动中（币种：%s）...", a.Config.General.Currency)
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("❌ 出错了，监控已停止")
		return err
	}

	a.Logger.Info().Msg("🛑 已退出")
	return nil
}

// Once runs a single cycle and reports its outcome.
func (a *App) Once(ctx context.Context) (fetcher.Result, error) {
	session, err := a.openPage()
	if err != nil {
		return fetcher.Result{}, err
	}
	defer a.release(session)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return fetcher.Result{}, err
	}
	if closeStore != nil {
		defer closeStore()
	}

	observations, changes := a.wire(store)
	svc := service.New(nil, a.newExtractor(session), observations, changes, a.Logger)
	return svc.RunCycle(ctx)
}

func (a *App) release(session pageSession) {
	if err := session.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("failed to release page session")
	}
}

// ExportOptions hold parameters for exporting workbook history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit        int
	FromDatabase bool
}

// Describe renders a cycle outcome on one line.
func Describe(res fetcher.Result) string {
	switch res.Status {
	case fetcher.StatusSuccess:
		obs := res.Observation
		return fmt.Sprintf("%s %s 现汇买入价 %s 现钞买入价 %s 卖出价 %s", obs.Timestamp, obs.Currency, obs.BuyTransfer.String(), obs.BuyCash, obs.Sell)
	default:
		return fmt.Sprintf("%s: %s", res.Status, res.Reason)
	}
}
