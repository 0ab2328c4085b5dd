package tiercore

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweeper 定期回收过期预留。
type Sweeper struct {
	pool     ReservationStore
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper interval <= 0 时使用 1 分钟。
func NewSweeper(pool ReservationStore, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{pool: pool, interval: interval, logger: logger}
}

// SweepOnce 执行一次清理。
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := s.pool.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("sweep expired reservations failed", zap.Error(err))
		return 0, err
	}
	if n > 0 {
		s.logger.Info("swept expired reservations",
			zap.Int64("deleted", n), zap.Duration("took", time.Since(start)))
	}
	return n, nil
}

// Run 阻塞运行，直到 ctx 结束。应在 goroutine 中运行。
// 单次失败只记录日志，下一个周期继续。
func (s *Sweeper) Run(ctx context.Context) error {
	// 启动时立即清理一次
	_, _ = s.SweepOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, _ = s.SweepOnce(ctx)
		}
	}
}
