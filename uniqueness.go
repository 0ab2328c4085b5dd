package tiercore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CheckState 单次检查的状态。
type CheckState int

const (
	StateUnchecked CheckState = iota
	StateChecking
	StateUniqueReserved
	StateDuplicateRejected
	StateCheckFailed
)

func (s CheckState) String() string {
	switch s {
	case StateUnchecked:
		return "UNCHECKED"
	case StateChecking:
		return "CHECKING"
	case StateUniqueReserved:
		return "UNIQUE_RESERVED"
	case StateDuplicateRejected:
		return "DUPLICATE_REJECTED"
	case StateCheckFailed:
		return "CHECK_FAILED"
	}
	return fmt.Sprintf("CheckState(%d)", int(s))
}

// Layer 检查层编号。编号越大越靠前（越便宜）。
type Layer int

const (
	LayerNone        Layer = 0
	LayerConstraint  Layer = 1 // 插入时的复合唯一约束
	LayerIndex       Layer = 2 // 权威存储全局存在性
	LayerPool        Layer = 3 // 预留池
	LayerBloom       Layer = 4 // taken 过滤器（仅提示）
	LayerDistributed Layer = 5 // 分布式缓存标记
)

// CheckResult 唯一性检查结果。
type CheckResult struct {
	IsUnique      bool          `json:"is_unique"`
	Reserved      bool          `json:"reserved"`
	Fingerprint   string        `json:"fingerprint"`
	State         CheckState    `json:"state"`
	Layer         Layer         `json:"layer"` // 判定为重复的层，唯一时为 LayerNone
	CheckedLayers []Layer       `json:"checked_layers"`
	Elapsed       time.Duration `json:"elapsed"`
	// Cause 仅在 StateCheckFailed 时非 nil。
	Cause error `json:"-"`
}

// UniquenessCoordinator 多层去重 + 原子预留。
type UniquenessCoordinator struct {
	cards   CardStore
	pool    ReservationStore
	remote  DistributedCache // 可为 nil
	taken   *BloomFilter     // 可为 nil
	metrics *MetricsTracker  // 可为 nil
	keys    Keyspace
	opts    UniquenessOptions
	owner   string
	logger  *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewUniquenessCoordinator 创建协调器。cards 与 pool 必填。
func NewUniquenessCoordinator(
	cards CardStore,
	pool ReservationStore,
	remote DistributedCache,
	taken *BloomFilter,
	metrics *MetricsTracker,
	keys Keyspace,
	opts UniquenessOptions,
	logger *zap.Logger,
) (*UniquenessCoordinator, error) {
	if cards == nil || pool == nil {
		return nil, errors.New("uniqueness: card store and reservation store are required")
	}
	if opts.ReservationBackend == "" {
		opts.ReservationBackend = BackendSQL
	}
	if opts.SweepInterval == 0 {
		opts.SweepInterval = time.Minute
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	owner := opts.OwnerID
	if owner == "" {
		owner = "process-" + uuid.NewString()
	}
	return &UniquenessCoordinator{
		cards:   cards,
		pool:    pool,
		remote:  remote,
		taken:   taken,
		metrics: metrics,
		keys:    keys,
		opts:    opts,
		owner:   owner,
		logger:  logger.With(zap.String("owner", owner)),
		sleep:   sleepContext,
	}, nil
}

// Owner 本协调器写入预留时使用的身份。
func (u *UniquenessCoordinator) Owner() string { return u.owner }

// CheckAndReserve 依次执行各层检查，全部通过后原子预留。
// 不返回错误：基础设施故障按 fail-closed 处理为 IsUnique=false，
// 并通过 State=StateCheckFailed 与 Cause 暴露给调用方。
func (u *UniquenessCoordinator) CheckAndReserve(ctx context.Context, fields CardFields) CheckResult {
	start := time.Now()
	res := CheckResult{
		Fingerprint: fields.Fingerprint(),
		State:       StateChecking,
	}
	fp := res.Fingerprint
	log := u.logger.With(zap.String("fingerprint", shortHash(fp)))

	done := func(state CheckState, layer Layer) CheckResult {
		res.State = state
		res.Layer = layer
		res.IsUnique = state == StateUniqueReserved
		res.Reserved = state == StateUniqueReserved
		res.Elapsed = time.Since(start)
		return res
	}
	failed := func(layer Layer, err error) CheckResult {
		res.Cause = err
		log.Error("uniqueness check failed, treating as not unique",
			zap.Int("layer", int(layer)), zap.Error(err))
		return done(StateCheckFailed, layer)
	}

	// 1. 分布式缓存 (fail-open)
	res.CheckedLayers = append(res.CheckedLayers, LayerDistributed)
	if u.remote != nil {
		t := time.Now()
		exists, err := u.remote.Exists(ctx, u.keys.Fingerprint(fp))
		switch {
		case err != nil:
			log.Warn("distributed cache check failed, continuing", zap.Error(err))
		case exists:
			u.record("dedupe_distributed", true, time.Since(t))
			return done(StateDuplicateRejected, LayerDistributed)
		default:
			u.record("dedupe_distributed", false, time.Since(t))
		}
	}

	// 2. Bloom：只记录日志，不拦截（误判会错误地阻止合法生成）
	res.CheckedLayers = append(res.CheckedLayers, LayerBloom)
	if u.taken != nil && u.taken.MightBePresent(fp) {
		log.Debug("bloom filter reports possible duplicate")
	}

	// 3. 预留池 (fail-closed)
	res.CheckedLayers = append(res.CheckedLayers, LayerPool)
	t := time.Now()
	reserved, err := u.pool.IsReserved(ctx, fp)
	if err != nil {
		return failed(LayerPool, err)
	}
	u.record("dedupe_pool", reserved, time.Since(t))
	if reserved {
		return done(StateDuplicateRejected, LayerPool)
	}

	// 4. 权威存储 (fail-closed)
	res.CheckedLayers = append(res.CheckedLayers, LayerIndex)
	t = time.Now()
	exists, err := u.cards.Exists(ctx, fp)
	if err != nil {
		return failed(LayerIndex, err)
	}
	u.record("dedupe_database", exists, time.Since(t))
	if exists {
		return done(StateDuplicateRejected, LayerIndex)
	}

	// 5. 原子预留；复合唯一约束 (LayerConstraint) 在 Persist 插入时兜底
	res.CheckedLayers = append(res.CheckedLayers, LayerConstraint)
	ok, err := u.pool.Reserve(ctx, fp, u.owner, u.opts.ReservationTTL)
	if err != nil {
		return failed(LayerPool, err)
	}
	if !ok {
		log.Debug("lost reservation race")
		return done(StateDuplicateRejected, LayerPool)
	}
	u.mark(ctx, fp, u.opts.ReservationTTL)
	return done(StateUniqueReserved, LayerNone)
}

// CheckUniquenessWithRetry 对 StateCheckFailed 的结果按 base*2^attempt 退避重试。
// 重复或预留成功立即返回；次数耗尽时返回最后一次的错误。
// maxAttempts <= 0 时使用配置的默认值。
func (u *UniquenessCoordinator) CheckUniquenessWithRetry(ctx context.Context, fields CardFields, maxAttempts int) (CheckResult, error) {
	if maxAttempts <= 0 {
		maxAttempts = u.opts.RetryAttempts
	}
	var res CheckResult
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res = u.CheckAndReserve(ctx, fields)
		if res.State != StateCheckFailed {
			return res, nil
		}
		if attempt == maxAttempts-1 {
			break
		}
		backoff := u.opts.RetryBackoffBase * time.Duration(1<<attempt)
		u.logger.Debug("retrying uniqueness check",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("backoff", backoff))
		if err := u.sleep(ctx, backoff); err != nil {
			return res, err
		}
	}
	u.logger.Error("uniqueness check failed after retries",
		zap.Int("max_attempts", maxAttempts), zap.Error(res.Cause))
	return res, fmt.Errorf("uniqueness check failed after %d attempts: %w", maxAttempts, res.Cause)
}

// MarkAsGenerated 候选已持久化：写入 taken 过滤器，延长分布式标记，释放预留。
// 返回的错误仅表示清理未完成（预留会在 TTL 后过期），卡记录本身不受影响。
func (u *UniquenessCoordinator) MarkAsGenerated(ctx context.Context, fingerprint string) error {
	if u.taken != nil {
		u.taken.Add(fingerprint)
	}
	u.mark(ctx, fingerprint, u.opts.GeneratedTTL)

	// 预留可能已被清理任务回收，视同已释放
	if _, err := u.pool.Release(ctx, fingerprint); err != nil {
		u.logger.Warn("release after generation failed",
			zap.String("fingerprint", shortHash(fingerprint)), zap.Error(err))
		return fmt.Errorf("mark generated %s: %w", shortHash(fingerprint), err)
	}
	return nil
}

// Release 放弃生成：删除预留与分布式标记。
func (u *UniquenessCoordinator) Release(ctx context.Context, fingerprint string) (bool, error) {
	released, err := u.pool.Release(ctx, fingerprint)
	if err != nil {
		u.logger.Error("release reservation failed",
			zap.String("fingerprint", shortHash(fingerprint)), zap.Error(err))
		return false, err
	}
	if u.remote != nil {
		if err := u.remote.Del(ctx, u.keys.Fingerprint(fingerprint)); err != nil {
			u.logger.Warn("remove distributed marker failed",
				zap.String("fingerprint", shortHash(fingerprint)), zap.Error(err))
		}
	}
	return released, nil
}

// Persist 插入已预留的候选记录。
// 唯一约束冲突时返回 (false, nil)：释放预留，指纹按已生成标记；
// 其它错误释放预留与标记后原样返回。
func (u *UniquenessCoordinator) Persist(ctx context.Context, rec CardRecord) (bool, error) {
	if rec.Fingerprint == "" {
		rec.Fingerprint = rec.CardFields.Fingerprint()
	}
	err := u.cards.Insert(ctx, rec)
	switch {
	case err == nil:
		// 清理失败只会让预留多存活一个 TTL
		_ = u.MarkAsGenerated(ctx, rec.Fingerprint)
		return true, nil
	case errors.Is(err, ErrConstraintViolation):
		u.logger.Info("constraint rejected candidate",
			zap.String("fingerprint", shortHash(rec.Fingerprint)))
		// 记录已由其它写入者持久化：按已生成处理，只释放预留，不删除标记
		_ = u.MarkAsGenerated(ctx, rec.Fingerprint)
		return false, nil
	default:
		_, _ = u.Release(ctx, rec.Fingerprint)
		return false, err
	}
}

// mark 写入分布式指纹标记 (fail-open)。
func (u *UniquenessCoordinator) mark(ctx context.Context, fp string, ttl time.Duration) {
	if u.remote == nil {
		return
	}
	if err := u.remote.Set(ctx, u.keys.Fingerprint(fp), []byte("1"), ttl); err != nil {
		u.logger.Warn("set distributed marker failed",
			zap.String("fingerprint", shortHash(fp)), zap.Error(err))
	}
}

func (u *UniquenessCoordinator) record(layer string, duplicate bool, d time.Duration) {
	if u.metrics == nil {
		return
	}
	if duplicate {
		u.metrics.RecordHit(layer, d)
	} else {
		u.metrics.RecordMiss(layer, d)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
