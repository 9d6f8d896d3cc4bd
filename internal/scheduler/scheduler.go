package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"livemon/internal/migration"
	"livemon/internal/model"
	"livemon/internal/pkg/metrics"
)

// Scheduler 按固定间隔驱动整轮迁移。
//
// 每个 tick 执行一次 all 类别的迁移，上一轮还没结束时跳过本轮，
// tick 内的任何错误只记日志，循环本身不会退出。
type Scheduler struct {
	svc      *migration.Service
	logger   *slog.Logger
	interval time.Duration
	grace    time.Duration
	opts     migration.RunOptions
	quiet    bool

	running atomic.Bool
	wg      sync.WaitGroup
}

// New 创建调度器。
//
// interval 为 0 时用默认 5 分钟，grace 是停止时等待在途 tick 的上限。
func New(svc *migration.Service, logger *slog.Logger, interval, grace time.Duration, opts migration.RunOptions, quiet bool) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if grace <= 0 {
		grace = 30 * time.Second
	}
	opts.Category = model.CategoryAll
	return &Scheduler{
		svc:      svc,
		logger:   logger,
		interval: interval,
		grace:    grace,
		opts:     opts,
		quiet:    quiet,
	}
}

// Run 启动调度循环，阻塞直到 ctx 取消。
//
// 首次 tick 立即执行。ctx 取消后在宽限期内等待在途 tick 收尾，
// 在途批次不会被中途打断（迁移使用独立的 Background 上下文）。
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("migration scheduler started",
		slog.String("interval", s.interval.String()),
		slog.Bool("cleanup", s.opts.Cleanup),
		slog.Int("batch_size", s.opts.BatchSize))

	s.launch()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("migration scheduler stopping")
			s.waitInflight()
			s.logger.Info("migration scheduler stopped")
			return
		case <-ticker.C:
			s.launch()
		}
	}
}

// launch 启动一轮迁移。上一轮未结束时直接跳过，绝不并发两轮。
func (s *Scheduler) launch() {
	if !s.running.CompareAndSwap(false, true) {
		metrics.SchedulerTicksSkipped.Inc()
		s.logger.Warn("previous migration pass still running, tick skipped")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		s.runPass()
	}()
}

func (s *Scheduler) runPass() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in migration pass", slog.Any("panic", r))
		}
	}()

	start := time.Now()
	// 迁移过程不吃外层 cancel：停止信号到达时让在途批次自然收尾。
	report, err := s.svc.Run(context.Background(), s.opts)
	elapsed := time.Since(start)

	if err != nil {
		s.logger.Error("migration pass failed",
			slog.String("error", err.Error()),
			slog.Duration("elapsed", elapsed))
		return
	}
	if s.quiet {
		return
	}
	s.logger.Info("migration pass finished",
		slog.String("status", report.Status),
		slog.Int64("total", report.Total),
		slog.Int64("succeeded", report.Succeeded),
		slog.Int64("failed", report.Failed),
		slog.Duration("elapsed", elapsed))
}

// waitInflight 等待在途 tick 收尾，超过宽限期直接放弃。
func (s *Scheduler) waitInflight() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.grace):
		s.logger.Warn("in-flight migration pass did not finish within grace period",
			slog.String("grace", s.grace.String()))
	}
}
