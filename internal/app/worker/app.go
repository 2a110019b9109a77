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

// Package worker Worker 应用装配（由 cmd/worker 调用）
package worker

import (
	"context"
	"fmt"

	"agent-runtime/internal/app"
	"agent-runtime/internal/runner"
	"agent-runtime/internal/worker"
	"agent-runtime/pkg/tracing"
)

// App Worker 应用：领取并执行 run 的数据面进程
type App struct {
	bootstrap    *app.Bootstrap
	worker       *worker.Worker
	tracerCloser func(ctx context.Context) error
}

// NewApp 创建 Worker 应用；registry 必须已注册本进程可执行的 agent
func NewApp(bootstrap *app.Bootstrap, registry *runner.Registry, tools *runner.ToolRegistry) (*App, error) {
	cfg := bootstrap.Config
	b := bootstrap.Backends

	if len(registry.Keys()) == 0 {
		return nil, fmt.Errorf("worker 未注册任何 agent")
	}

	a := &App{bootstrap: bootstrap}

	if cfg.Monitoring.OTelEndpoint != "" {
		serviceName := cfg.Monitoring.ServiceName
		if serviceName == "" {
			serviceName = "agent-runtime"
		}
		tp, err := tracing.InitTracer(tracing.OTelConfig{
			ServiceName:    serviceName + "-worker",
			ExportEndpoint: cfg.Monitoring.OTelEndpoint,
			Insecure:       cfg.Monitoring.OTelInsecure,
		})
		if err != nil {
			bootstrap.Logger.Warn("初始化 tracer 失败，继续无追踪运行", "err", err)
		} else {
			a.tracerCloser = tp.Shutdown
		}
	}

	rn := runner.New(b.Queue, b.Store, b.Events, b.Bus, b.Checkpoints, registry, tools, bootstrap.Logger, app.RunnerConfig(cfg))
	w := worker.New(worker.DefaultWorkerID(), b.Queue, b.Store, b.Events, b.Bus, b.Checkpoints, rn, registry, bootstrap.Logger, app.WorkerConfig(cfg))
	a.worker = w
	return a, nil
}

// Run 启动 Worker；阻塞直到 ctx 取消，随后优雅停机
func (a *App) Run(ctx context.Context) error {
	a.bootstrap.Logger.Info("Worker 服务启动",
		"concurrency", a.bootstrap.Config.Worker.Concurrency,
		"backend", a.bootstrap.Config.RunQueue.Backend)
	a.worker.Start(ctx)
	<-ctx.Done()
	a.worker.Stop()
	if a.tracerCloser != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
		defer cancel()
		_ = a.tracerCloser(shutdownCtx)
	}
	return a.bootstrap.Backends.Close()
}
