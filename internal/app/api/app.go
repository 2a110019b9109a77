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

// Package api API 应用装配（由 cmd/api 调用）
package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	"agent-runtime/internal/api/http"
	"agent-runtime/internal/api/http/middleware"
	"agent-runtime/internal/app"
	"agent-runtime/internal/runner"
	"agent-runtime/internal/worker"
	"agent-runtime/pkg/config"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用。
// 控制面/数据面划分：runqueue.backend=memory 时存储仅在本进程可见，
// API 内嵌一个 Worker 执行数据面；postgres / redis_streams 时执行
// 全部交给独立的 Worker 进程，API 只写存储与投递。
type App struct {
	bootstrap    *app.Bootstrap
	handler      *http.Handler
	router       *http.Router
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
	embedded     *worker.Worker
}

// NewApp 创建 API 应用；registry/tools 仅在内嵌 Worker 模式下使用，可为 nil
func NewApp(bootstrap *app.Bootstrap, registry *runner.Registry, tools *runner.ToolRegistry) (*App, error) {
	cfg := bootstrap.Config
	b := bootstrap.Backends

	handler := http.NewHandler(b.Store, b.Events, b.Bus, b.Queue, bootstrap.Logger)
	handler.SetDefaultMaxAttempts(cfg.RunQueue.DefaultMaxAttempts)
	handler.SetSSEKeepalive(config.Duration(cfg.API.SSEKeepalive, 0))

	router := http.NewRouter(handler, middleware.NewMiddleware())
	router.SetRateLimit(cfg.API.RateLimitRPS)

	a := &App{
		bootstrap: bootstrap,
		handler:   handler,
		router:    router,
	}

	if (cfg.RunQueue.Backend == "" || cfg.RunQueue.Backend == "memory") && registry != nil {
		wq := worker.NewWakeupQueueMem(256)
		handler.SetWakeupQueue(wq)
		rn := runner.New(b.Queue, b.Store, b.Events, b.Bus, b.Checkpoints, registry, tools, bootstrap.Logger, app.RunnerConfig(cfg))
		w := worker.New(worker.DefaultWorkerID(), b.Queue, b.Store, b.Events, b.Bus, b.Checkpoints, rn, registry, bootstrap.Logger, app.WorkerConfig(cfg))
		w.SetWakeupQueue(wq)
		a.embedded = w
		bootstrap.Logger.Info("内嵌 Worker 已装配（memory 后端）", "agents", registry.Keys())
	}

	return a, nil
}

// Run 启动 HTTP 服务，addr 如 ":8088"；阻塞直到 server 退出
func (a *App) Run(addr string) error {
	cfg := a.bootstrap.Config
	a.bootstrap.Logger.Info("API 服务启动", "addr", addr)

	// Hertz 日志走 slog 扩展，与应用日志配置对齐
	output := os.Stdout
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	switch cfg.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	// 可选：启用链路追踪（OpenTelemetry）
	if cfg.Monitoring.OTelEndpoint != "" {
		serviceName := cfg.Monitoring.ServiceName
		if serviceName == "" {
			serviceName = "agent-runtime"
		}
		opts := []provider.Option{
			provider.WithServiceName(serviceName),
			provider.WithExportEndpoint(cfg.Monitoring.OTelEndpoint),
		}
		if cfg.Monitoring.OTelInsecure {
			opts = append(opts, provider.WithInsecure())
		}
		p := provider.NewOpenTelemetryProvider(opts...)
		a.otelProvider = p
		tracerOpt, tracerCfg := hertztracing.NewServerTracer()
		a.hertz = a.router.Build(addr, tracerOpt)
		a.hertz.Use(hertztracing.ServerMiddleware(tracerCfg))
		a.bootstrap.Logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", cfg.Monitoring.OTelEndpoint)
	} else {
		a.hertz = a.router.Build(addr)
	}

	if a.embedded != nil {
		a.embedded.Start(context.Background())
	}
	return a.hertz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时）
func (a *App) Shutdown(ctx context.Context) error {
	if a.embedded != nil {
		a.embedded.Stop()
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	return a.bootstrap.Backends.Close()
}
