package tiercore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// 预留存储后端
const (
	BackendSQL   = "sql"
	BackendRedis = "redis"
)

// 快照存储后端
const (
	SnapshotFile  = "file"
	SnapshotRedis = "redis"
)

// Options 列出所有可识别的配置项。零值字段由 DefaultOptions 补齐。
type Options struct {
	KeyPrefix     string            `yaml:"key_prefix"`
	Lookup        LookupOptions     `yaml:"lookup"`
	Uniqueness    UniquenessOptions `yaml:"uniqueness"`
	MissingFilter BloomOptions      `yaml:"missing_filter"` // 负缓存：已知不存在的 BIN
	TakenFilter   BloomOptions      `yaml:"taken_filter"`   // 已生成的指纹（仅提示）
	Metrics       MetricsOptions    `yaml:"metrics"`
	Redis         RedisOptions      `yaml:"redis"`
	Database      DatabaseOptions   `yaml:"database"`
	Snapshot      SnapshotOptions   `yaml:"snapshot"`
}

type LookupOptions struct {
	LocalSize      int           `yaml:"local_size"`
	LocalTTL       time.Duration `yaml:"local_ttl"`
	DistributedTTL time.Duration `yaml:"distributed_ttl"`
	// KeyLength 规范化后保留的最大长度，0 表示不截断。
	KeyLength int `yaml:"key_length"`
	// CoalesceMisses 为 true 时，同一 Key 的并发未命中只访问一次权威存储。
	// 共享的读取不受单个调用方取消的影响。默认关闭。
	CoalesceMisses bool `yaml:"coalesce_misses"`
}

type UniquenessOptions struct {
	ReservationTTL     time.Duration `yaml:"reservation_ttl"`
	GeneratedTTL       time.Duration `yaml:"generated_ttl"`
	RetryAttempts      int           `yaml:"retry_attempts"`
	RetryBackoffBase   time.Duration `yaml:"retry_backoff_base"`
	OwnerID            string        `yaml:"owner_id"`
	ReservationBackend string        `yaml:"reservation_backend"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
}

type BloomOptions struct {
	Capacity  uint64  `yaml:"capacity"`
	ErrorRate float64 `yaml:"error_rate"`
}

type MetricsOptions struct {
	LatencyWindow int    `yaml:"latency_window"`
	Namespace     string `yaml:"namespace"`
}

type RedisOptions struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseOptions struct {
	Driver string `yaml:"driver"` // pgx | sqlite3
	DSN    string `yaml:"dsn"`
}

type SnapshotOptions struct {
	Backend string `yaml:"backend"` // file | redis
	Dir     string `yaml:"dir"`
}

// DefaultOptions 返回默认配置。
func DefaultOptions() Options {
	return Options{
		KeyPrefix: DefaultKeyPrefix,
		Lookup: LookupOptions{
			LocalSize:      10000,
			LocalTTL:       5 * time.Minute,
			DistributedTTL: 24 * time.Hour,
			KeyLength:      8,
		},
		Uniqueness: UniquenessOptions{
			ReservationTTL:     5 * time.Minute,
			GeneratedTTL:       24 * time.Hour,
			RetryAttempts:      3,
			RetryBackoffBase:   100 * time.Millisecond,
			ReservationBackend: BackendSQL,
			SweepInterval:      time.Minute,
		},
		MissingFilter: BloomOptions{Capacity: 1_000_000, ErrorRate: 0.01},
		TakenFilter:   BloomOptions{Capacity: 10_000_000, ErrorRate: 0.001},
		Metrics:       MetricsOptions{LatencyWindow: 1000, Namespace: "tiercore"},
		Redis: RedisOptions{
			Addr:         "127.0.0.1:6379",
			DialTimeout:  3 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Database: DatabaseOptions{Driver: DriverSQLite, DSN: "tiercore.db"},
		Snapshot: SnapshotOptions{Backend: SnapshotFile, Dir: "data/cache"},
	}
}

// LoadOptions 从 YAML 文件加载配置，文件不存在时返回默认配置。
// 环境变量覆盖在文件之后应用。
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// 初始时允许没有配置文件
		case err != nil:
			return opts, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &opts); err != nil {
				return opts, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	opts.applyEnv()
	return opts, opts.Validate()
}

func (o *Options) applyEnv() {
	if v := os.Getenv("TIERCORE_KEY_PREFIX"); v != "" {
		o.KeyPrefix = v
	}
	if v := os.Getenv("TIERCORE_REDIS_ADDR"); v != "" {
		o.Redis.Addr = v
	}
	if v := os.Getenv("TIERCORE_DATABASE_DRIVER"); v != "" {
		o.Database.Driver = v
	}
	if v := os.Getenv("TIERCORE_DATABASE_DSN"); v != "" {
		o.Database.DSN = v
	}
}

// Validate 检查配置，返回第一个 *ConfigError。
func (o Options) Validate() error {
	if err := o.Lookup.validate(); err != nil {
		return err
	}
	if err := o.Uniqueness.validate(); err != nil {
		return err
	}
	if err := o.MissingFilter.validate("missing_filter"); err != nil {
		return err
	}
	if err := o.TakenFilter.validate("taken_filter"); err != nil {
		return err
	}
	if o.Metrics.LatencyWindow < 1 {
		return &ConfigError{Field: "metrics.latency_window", Reason: "must be at least 1"}
	}
	switch o.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return &ConfigError{Field: "database.driver", Reason: fmt.Sprintf("unsupported driver %q", o.Database.Driver)}
	}
	switch o.Snapshot.Backend {
	case SnapshotFile, SnapshotRedis:
	default:
		return &ConfigError{Field: "snapshot.backend", Reason: fmt.Sprintf("unsupported backend %q", o.Snapshot.Backend)}
	}
	return nil
}

func (o LookupOptions) validate() error {
	if o.LocalSize < 1 {
		return &ConfigError{Field: "lookup.local_size", Reason: "must be at least 1"}
	}
	if o.LocalTTL <= 0 {
		return &ConfigError{Field: "lookup.local_ttl", Reason: "must be positive"}
	}
	if o.DistributedTTL <= 0 {
		return &ConfigError{Field: "lookup.distributed_ttl", Reason: "must be positive"}
	}
	if o.KeyLength < 0 {
		return &ConfigError{Field: "lookup.key_length", Reason: "must not be negative"}
	}
	return nil
}

func (o UniquenessOptions) validate() error {
	if o.ReservationTTL < time.Second {
		return &ConfigError{Field: "uniqueness.reservation_ttl", Reason: "must be at least 1s"}
	}
	if o.GeneratedTTL <= 0 {
		return &ConfigError{Field: "uniqueness.generated_ttl", Reason: "must be positive"}
	}
	if o.RetryAttempts < 1 {
		return &ConfigError{Field: "uniqueness.retry_attempts", Reason: "must be at least 1"}
	}
	if o.RetryBackoffBase < 0 {
		return &ConfigError{Field: "uniqueness.retry_backoff_base", Reason: "must not be negative"}
	}
	switch o.ReservationBackend {
	case BackendSQL, BackendRedis:
	default:
		return &ConfigError{Field: "uniqueness.reservation_backend", Reason: fmt.Sprintf("unsupported backend %q", o.ReservationBackend)}
	}
	if o.SweepInterval <= 0 {
		return &ConfigError{Field: "uniqueness.sweep_interval", Reason: "must be positive"}
	}
	return nil
}

func (o BloomOptions) validate(name string) error {
	if o.Capacity == 0 {
		return &ConfigError{Field: name + ".capacity", Reason: "must be positive"}
	}
	if o.ErrorRate <= 0 || o.ErrorRate >= 1 {
		return &ConfigError{Field: name + ".error_rate", Reason: "must be between 0 and 1"}
	}
	return nil
}
