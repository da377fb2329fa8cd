package server

import (
	"context"
	"fmt"
	"log/slog"

	"fleet/internal/config"
	"fleet/internal/instance/repo"
	"fleet/internal/runtime"

	"github.com/go-pg/pg/v10"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Dependency 管理所有基础设施
type Dependency struct {
	Provider    *runtime.Provider
	Redis       *redis.Client
	PG          *pg.DB
	AsynqClient *asynq.Client
	AsynqRedis  asynq.RedisClientOpt
	Logger      *slog.Logger
}

func InitDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependency, error) {
	provider, err := runtime.NewProvider(cfg.Nodes, logger)
	if err != nil {
		return nil, fmt.Errorf("runtime provider: %w", err)
	}

	// 至少一个节点可达即可启动，其余由健康循环标记
	reachable, total := provider.PingAll(ctx)
	if reachable == 0 {
		return nil, fmt.Errorf("no reachable nodes (%d configured)", total)
	}
	logger.Info("Node runtimes initialised", "reachable", reachable, "total", total)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping (%s): %w", cfg.Redis.Addr, err)
	}

	pgDB := pg.Connect(&pg.Options{
		Addr:     cfg.Postgres.Addr,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
	})
	if _, err := pgDB.Exec("SELECT 1"); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("postgres ping (%s): %w", cfg.Postgres.Addr, err)
	}

	// 迁移数据库 schema
	if err := repo.Migrate(pgDB); err != nil {
		pgDB.Close()
		redisClient.Close()
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}

	asynqRedisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	}
	asynqClient := asynq.NewClient(asynqRedisOpt)

	return &Dependency{
		Provider:    provider,
		Redis:       redisClient,
		PG:          pgDB,
		AsynqClient: asynqClient,
		AsynqRedis:  asynqRedisOpt,
		Logger:      logger,
	}, nil
}

func (d *Dependency) Close() {
	if d.AsynqClient != nil {
		d.AsynqClient.Close()
	}
	if d.PG != nil {
		d.PG.Close()
	}
	if d.Redis != nil {
		d.Redis.Close()
	}
}
