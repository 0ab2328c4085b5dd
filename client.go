package tiercore

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 快照名称
const (
	SnapshotMissing = "missing"
	SnapshotTaken   = "taken"
)

// closeTimeout 关闭时保存快照的最长时间
const closeTimeout = 5 * time.Second

// Core 是主要入口点：持有两个协调器及其依赖。
type Core struct {
	Options Options

	Store        *SQLStore
	Reservations ReservationStore
	Remote       DistributedCache
	Snapshots    SnapshotStore

	Missing *BloomFilter // 负缓存
	Taken   *BloomFilter // 已生成指纹

	LookupMetrics     *MetricsTracker
	UniquenessMetrics *MetricsTracker

	Lookup     *LookupCache[BinRecord]
	Uniqueness *UniquenessCoordinator
	Sweeper    *Sweeper

	logger *zap.Logger
}

// NewCore 按配置构建所有组件。
// client: Redis 客户端实例（外部传入，DI），为 nil 时跳过分布式层（预留后端必须为 sql）。
// store: 已迁移的权威存储。reg 可为 nil。
// Bloom 快照的加载是尽力而为的：失败只记录日志。
func NewCore(ctx context.Context, opts Options, client *redis.Client, store *SQLStore, reg prometheus.Registerer, logger *zap.Logger) (*Core, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("core: authoritative store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	keys := NewKeyspace(opts.KeyPrefix)

	c := &Core{Options: opts, Store: store, logger: logger}

	var err error
	if c.Missing, err = NewBloomFilter(opts.MissingFilter.Capacity, opts.MissingFilter.ErrorRate); err != nil {
		return nil, err
	}
	if c.Taken, err = NewBloomFilter(opts.TakenFilter.Capacity, opts.TakenFilter.ErrorRate); err != nil {
		return nil, err
	}

	var lookupReg, uniqReg prometheus.Registerer
	if reg != nil {
		lookupReg = prometheus.WrapRegistererWith(prometheus.Labels{"subsystem": "lookup"}, reg)
		uniqReg = prometheus.WrapRegistererWith(prometheus.Labels{"subsystem": "uniqueness"}, reg)
	}
	if c.LookupMetrics, err = NewMetricsTracker(opts.Metrics.LatencyWindow, opts.Metrics.Namespace, lookupReg); err != nil {
		return nil, err
	}
	if c.UniquenessMetrics, err = NewMetricsTracker(opts.Metrics.LatencyWindow, opts.Metrics.Namespace, uniqReg); err != nil {
		return nil, err
	}

	if client != nil {
		c.Remote = NewRedisCache(client)
	}

	switch opts.Uniqueness.ReservationBackend {
	case BackendRedis:
		if client == nil {
			return nil, &ConfigError{Field: "uniqueness.reservation_backend", Reason: "redis backend requires a redis client"}
		}
		c.Reservations = NewRedisReservationStore(client, keys)
	default:
		c.Reservations = NewSQLReservationStore(store)
	}

	switch opts.Snapshot.Backend {
	case SnapshotRedis:
		if client == nil {
			return nil, &ConfigError{Field: "snapshot.backend", Reason: "redis backend requires a redis client"}
		}
		c.Snapshots = NewRedisSnapshotStore(client, keys)
	default:
		c.Snapshots = FileSnapshotStore{Dir: opts.Snapshot.Dir}
	}
	c.loadSnapshots(ctx)

	if c.Lookup, err = NewLookupCache[BinRecord](store, c.Remote, c.Missing, c.LookupMetrics,
		keys, opts.Lookup, logger.Named("lookup")); err != nil {
		return nil, err
	}
	if c.Uniqueness, err = NewUniquenessCoordinator(store, c.Reservations, c.Remote, c.Taken, c.UniquenessMetrics,
		keys, opts.Uniqueness, logger.Named("uniqueness")); err != nil {
		return nil, err
	}
	c.Sweeper = NewSweeper(c.Reservations, opts.Uniqueness.SweepInterval, logger.Named("sweeper"))

	logger.Info("tiercore initialized",
		zap.String("key_prefix", keys.Prefix()),
		zap.String("reservation_backend", opts.Uniqueness.ReservationBackend),
		zap.Bool("distributed_tier", c.Remote != nil),
		zap.String("owner", c.Uniqueness.Owner()))
	return c, nil
}

func (c *Core) loadSnapshots(ctx context.Context) {
	for name, bf := range map[string]*BloomFilter{SnapshotMissing: c.Missing, SnapshotTaken: c.Taken} {
		loaded, err := bf.LoadSnapshot(ctx, c.Snapshots, name)
		switch {
		case err != nil:
			c.logger.Warn("load bloom snapshot failed, starting empty", zap.String("name", name), zap.Error(err))
		case loaded:
			c.logger.Info("bloom snapshot loaded", zap.String("name", name), zap.Uint64("items", bf.Count()))
		default:
			c.logger.Debug("bloom snapshot not found, starting empty", zap.String("name", name))
		}
	}
}

// SaveSnapshots 持久化两个 Bloom 过滤器。
func (c *Core) SaveSnapshots(ctx context.Context) error {
	return errors.Join(
		c.Missing.SaveSnapshot(ctx, c.Snapshots, SnapshotMissing),
		c.Taken.SaveSnapshot(ctx, c.Snapshots, SnapshotTaken),
	)
}

// Close 保存快照。连接由调用方关闭。
// 关闭通常发生在 ctx 已被信号取消之后，因此保存时只继承 ctx 的值，不继承取消。
func (c *Core) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := c.SaveSnapshots(ctx); err != nil {
		c.logger.Warn("save bloom snapshots failed", zap.Error(err))
		return err
	}
	return nil
}
