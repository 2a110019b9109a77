// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package app 统一装配：按配置选择存储/队列/总线后端，供 api 与 worker 复用，
// 避免在 cmd 内写装配逻辑。
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-runtime/internal/checkpoint"
	"agent-runtime/internal/event"
	"agent-runtime/internal/run"
	"agent-runtime/internal/runner"
	"agent-runtime/internal/runqueue"
	"agent-runtime/internal/worker"
	"agent-runtime/pkg/config"
	pkgerrors "agent-runtime/pkg/errors"
	"agent-runtime/pkg/log"
	"agent-runtime/pkg/utils"
)

// ShutdownTimeout 进程收尾动作（tracer flush、连接关闭等）的超时
const ShutdownTimeout = 10 * time.Second

// Bootstrap 统一初始化：配置 + 日志 + 后端存储
type Bootstrap struct {
	Config   *config.Config
	Logger   *log.Logger
	Backends *Backends
}

// Backends 按配置装配出的存储/队列/总线
type Backends struct {
	Store       run.Store
	Events      event.Store
	Bus         event.Bus
	Checkpoints checkpoint.Store
	Queue       runqueue.Queue

	queueRedis *redis.Client
	busRedis   *redis.Client
}

// NewBootstrap 根据配置创建 Bootstrap
func NewBootstrap(ctx context.Context, cfg *config.Config) (*Bootstrap, error) {
	logger, err := log.NewLogger(&log.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "初始化日志失败")
	}
	backends, err := newBackends(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Bootstrap{Config: cfg, Logger: logger, Backends: backends}, nil
}

func newBackends(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Backends, error) {
	b := &Backends{}

	// Run 存储：memory 仅限单进程；postgres / redis_streams 共用 pg 行状态
	switch cfg.RunQueue.Backend {
	case "", "memory":
		b.Store = run.NewMemoryStore()
		b.Events = event.NewMemoryStore()
		b.Checkpoints = checkpoint.NewMemoryStore()
	case "postgres", "redis_streams":
		if cfg.RunQueue.DSN == "" {
			return nil, fmt.Errorf("runqueue.backend=%s 需要 runqueue.dsn", cfg.RunQueue.Backend)
		}
		store, err := run.NewPostgresStore(ctx, cfg.RunQueue.DSN)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "初始化 run 存储(postgres)失败")
		}
		b.Store = store
		events, err := event.NewPostgresStore(ctx, cfg.RunQueue.DSN)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "初始化事件存储(postgres)失败")
		}
		b.Events = events
	default:
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "未知 runqueue.backend: %s", cfg.RunQueue.Backend)
	}

	// 快照存储：type 为空时跟随 runqueue 后端
	if b.Checkpoints == nil {
		switch cfg.Checkpoint.Type {
		case "memory":
			b.Checkpoints = checkpoint.NewMemoryStore()
		case "", "postgres":
			dsn := utils.CoalesceString(cfg.Checkpoint.DSN, cfg.RunQueue.DSN)
			cps, err := checkpoint.NewPostgresStore(ctx, dsn)
			if err != nil {
				return nil, pkgerrors.Wrap(err, "初始化快照存储(postgres)失败")
			}
			b.Checkpoints = cps
		default:
			return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "未知 checkpoint.type: %s", cfg.Checkpoint.Type)
		}
	}

	leaseTTL := config.Duration(cfg.RunQueue.LeaseTTL, runqueue.DefaultLeaseTTL)
	switch cfg.RunQueue.Backend {
	case "redis_streams":
		if cfg.RunQueue.RedisURL == "" {
			return nil, fmt.Errorf("runqueue.backend=redis_streams 需要 runqueue.redis_url")
		}
		opts, err := redis.ParseURL(cfg.RunQueue.RedisURL)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "解析 runqueue.redis_url 失败")
		}
		b.queueRedis = redis.NewClient(opts)
		b.Queue = runqueue.NewRedisQueue(b.queueRedis, b.Store, leaseTTL)
		logger.Info("run queue 使用 redis streams 投递", "lease_ttl", leaseTTL.String())
	default:
		b.Queue = runqueue.NewStoreQueue(b.Store, leaseTTL)
	}

	switch cfg.EventBus.Backend {
	case "", "db":
		b.Bus = event.NewDBBus(b.Events)
	case "redis":
		if cfg.EventBus.RedisURL == "" {
			return nil, fmt.Errorf("eventbus.backend=redis 需要 eventbus.redis_url")
		}
		opts, err := redis.ParseURL(cfg.EventBus.RedisURL)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "解析 eventbus.redis_url 失败")
		}
		b.busRedis = redis.NewClient(opts)
		b.Bus = event.NewRedisBus(b.busRedis, b.Events)
		logger.Info("event bus 使用 redis pub/sub 分发")
	default:
		return nil, pkgerrors.Wrapf(pkgerrors.ErrInvalidArg, "未知 eventbus.backend: %s", cfg.EventBus.Backend)
	}

	return b, nil
}

// RunnerConfig 由配置树导出 Runner 参数
func RunnerConfig(cfg *config.Config) runner.Config {
	def := runner.DefaultConfig()
	return runner.Config{
		RunTimeout:         config.Duration(cfg.Runner.RunTimeout, def.RunTimeout),
		StepTimeout:        config.Duration(cfg.Runner.StepTimeout, def.StepTimeout),
		HeartbeatInterval:  config.Duration(cfg.Runner.HeartbeatInterval, def.HeartbeatInterval),
		BackoffBase:        cfg.RunQueue.RetryBackoffBase,
		BackoffMax:         config.Duration(cfg.RunQueue.RetryBackoffMax, def.BackoffMax),
		PersistTokenDeltas: cfg.EventBus.PersistTokenDeltas,
	}
}

// WorkerConfig 由配置树导出 Worker 参数
func WorkerConfig(cfg *config.Config) worker.Config {
	def := worker.DefaultConfig()
	retention := event.DefaultGCConfig()
	retention.Enable = cfg.Retention.Enabled
	retention.MaxAge = config.Duration(cfg.Retention.MaxAge, retention.MaxAge)
	retention.Interval = config.Duration(cfg.Retention.Interval, retention.Interval)
	return worker.Config{
		Concurrency:             utils.DefaultInt(cfg.Worker.Concurrency, def.Concurrency),
		PollInterval:            config.Duration(cfg.Worker.PollInterval, def.PollInterval),
		ReapInterval:            config.Duration(cfg.Worker.ReapInterval, def.ReapInterval),
		GracefulShutdownTimeout: config.Duration(cfg.Worker.GracefulShutdownTimeout, def.GracefulShutdownTimeout),
		Retention:               retention,
	}
}

type poolCloser interface{ Close() }

// Close 关闭持有的连接
func (b *Backends) Close() error {
	var queueErr, busErr error
	if b.queueRedis != nil {
		queueErr = b.queueRedis.Close()
	}
	if b.busRedis != nil {
		busErr = b.busRedis.Close()
	}
	for _, s := range []interface{}{b.Store, b.Events, b.Checkpoints} {
		if c, ok := s.(poolCloser); ok {
			c.Close()
		}
	}
	return pkgerrors.First(queueErr, busErr)
}
