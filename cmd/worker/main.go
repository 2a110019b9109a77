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

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"agent-runtime/internal/agent/builtin"
	"agent-runtime/internal/app"
	"agent-runtime/internal/app/worker"
	"agent-runtime/internal/runner"
	"agent-runtime/pkg/config"
)

func main() {
	path := "configs/worker.yaml"
	if p := os.Getenv("AGENTRUN_CONFIG"); p != "" {
		path = p
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	bootstrap, err := app.NewBootstrap(context.Background(), cfg)
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}

	registry := runner.NewRegistry()
	tools := runner.NewToolRegistry()
	builtin.Register(registry, tools)

	application, err := worker.NewApp(bootstrap, registry, tools)
	if err != nil {
		log.Fatalf("创建 Worker 应用失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		log.Printf("Worker 退出: %v", err)
	}
	log.Println("Worker 已关闭")
}
