package service

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"rate-watch/internal/alerting"
	"rate-watch/internal/fetcher"
	"rate-watch/internal/scheduler"
	"rate-watch/internal/storage"
)

// Service is the monitor loop: one extraction per cycle, successes are
// stored and fed to the change notifier.
type Service struct {
	scheduler *scheduler.Scheduler
	extractor fetcher.RateExtractor
	store     storage.ObservationStore
	changes   *alerting.ChangeNotifier
	logger    zerolog.Logger

	mu    sync.Mutex
	state alerting.State
}

// New constructs the monitoring service.
func New(sched *scheduler.Scheduler, extractor fetcher.RateExtractor, store storage.ObservationStore, changes *alerting.ChangeNotifier, logger zerolog.Logger) *Service {
	return &Service{
		scheduler: sched,
		extractor: extractor,
		store:     store,
		changes:   changes,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// Run begins the polling loop. It returns ctx.Err() on interrupt, or the
// first fatal cycle error.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.tick)
}

// State returns a copy of the carried state.
func (s *Service) State() alerting.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) tick(ctx context.Context, cycle int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Int("cycle", cycle).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("cycle panicked")
			err = fmt.Errorf("panic in cycle %d: %v", cycle, r)
		}
	}()

	_, err = s.RunCycle(ctx)
	return err
}

// RunCycle 执行一轮查询。Skipped 和 HardFailure 不返回错误，只有致命错误返回。
func (s *Service) RunCycle(ctx context.Context) (fetcher.Result, error) {
	res, err := s.extractor.ExtractOnce(ctx)
	if err != nil {
		return res, fmt.Errorf("extract rate: %w", err)
	}

	for _, a := range res.Attempts {
		candidate := ""
		if a.Candidate != nil {
			candidate = *a.Candidate
		}
		s.logger.Debug().Int("attempt", a.Index).Str("code", candidate).Bool("accepted", a.Accepted).Msg("验证码识别")
	}

	switch res.Status {
	case fetcher.StatusSuccess:
		obs := res.Observation
		if err := s.store.Append(ctx, obs); err != nil {
			return res, fmt.Errorf("append observation: %w", err)
		}
		s.logger.Info().
			Str("time", obs.Timestamp).
			Str("currency", obs.Currency).
			Str("buy_transfer", obs.BuyTransfer.String()).
			Str("buy_cash", obs.BuyCash).
			Str("sell", obs.Sell).
			Msg("✅ 写入 Excel")

		s.mu.Lock()
		current := s.state
		s.mu.Unlock()

		next := s.changes.Consider(ctx, obs, current)

		s.mu.Lock()
		s.state = next
		s.mu.Unlock()
	case fetcher.StatusSkipped:
		s.logger.Warn().Str("reason", res.Reason).Msg("⚠️ 页面结构异常，跳过本轮")
	default:
		s.logger.Error().Str("reason", res.Reason).Msg("❌ 查询失败，本轮放弃")
	}

	return res, nil
}
