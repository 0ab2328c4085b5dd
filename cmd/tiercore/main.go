package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	tiercore "github.com/btt-go/btt-tiercore"
)

var Version = "dev"

func main() {
	// .env 可选
	_ = godotenv.Load()

	var configPath string
	var verbose bool

	rootCmd := &cobra.Command{
		Use:     "tiercore",
		Short:   "BIN lookup cache and card uniqueness maintenance",
		Version: Version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "tiercore.yaml", "Path to YAML config")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	env := func() *runtime { return &runtime{configPath: configPath, verbose: verbose} }

	rootCmd.AddCommand(lookupCmd(env))
	rootCmd.AddCommand(sweepCmd(env))
	rootCmd.AddCommand(bloomCmd(env))
	rootCmd.AddCommand(serveMetricsCmd(env))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runtime 负责按配置打开连接并构建 Core。
type runtime struct {
	configPath string
	verbose    bool

	logger   *zap.Logger
	rdb      *redis.Client
	store    *tiercore.SQLStore
	registry *prometheus.Registry
	core     *tiercore.Core
}

func (r *runtime) open(ctx context.Context) (*tiercore.Core, error) {
	opts, err := tiercore.LoadOptions(r.configPath)
	if err != nil {
		return nil, err
	}

	if r.verbose {
		r.logger, err = zap.NewDevelopment()
	} else {
		r.logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}

	r.rdb = redis.NewClient(&redis.Options{
		Addr:         opts.Redis.Addr,
		Password:     opts.Redis.Password,
		DB:           opts.Redis.DB,
		DialTimeout:  opts.Redis.DialTimeout,
		ReadTimeout:  opts.Redis.ReadTimeout,
		WriteTimeout: opts.Redis.WriteTimeout,
	})
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		// Redis 不可用时降级：跳过分布式层
		r.logger.Warn("redis not available, distributed tier disabled", zap.Error(err))
		r.rdb.Close()
		r.rdb = nil
	}

	r.store, err = tiercore.OpenSQLStore(ctx, opts.Database.Driver, opts.Database.DSN)
	if err != nil {
		r.close(ctx)
		return nil, err
	}

	r.registry = prometheus.NewRegistry()
	r.core, err = tiercore.NewCore(ctx, opts, r.rdb, r.store, r.registry, r.logger)
	if err != nil {
		r.close(ctx)
		return nil, err
	}
	return r.core, nil
}

// close 在收到信号后仍需保存快照，所以不继承 ctx 的取消。
func (r *runtime) close(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if r.core != nil {
		_ = r.core.Close(ctx)
	}
	if r.store != nil {
		r.store.Close()
	}
	if r.rdb != nil {
		r.rdb.Close()
	}
	if r.logger != nil {
		_ = r.logger.Sync()
	}
}
