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
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"agent-runtime/pkg/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("agent-runtime cli 0.1.0")
	case "config":
		runConfig()
	case "server":
		if len(args) > 0 && args[0] == "start" {
			runProcess("./cmd/api")
		} else {
			fmt.Fprintf(os.Stderr, "Usage: agentrun server start\n")
			os.Exit(1)
		}
	case "worker":
		if len(args) > 0 && args[0] == "start" {
			runProcess("./cmd/worker")
		} else {
			fmt.Fprintf(os.Stderr, "Usage: agentrun worker start\n")
			os.Exit(1)
		}
	case "submit":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Usage: agentrun submit <agent_key> <message> [idempotency_key]\n")
			os.Exit(1)
		}
		key := ""
		if len(args) > 2 {
			key = args[2]
		}
		runSubmit(args[0], args[1], key)
	case "get":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: agentrun get <run_id>\n")
			os.Exit(1)
		}
		runGet(args[0])
	case "list":
		status := ""
		agentKey := ""
		if len(args) > 0 {
			status = args[0]
		}
		if len(args) > 1 {
			agentKey = args[1]
		}
		runList(status, agentKey)
	case "events":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: agentrun events <run_id>\n")
			os.Exit(1)
		}
		runEvents(args[0])
	case "watch":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: agentrun watch <run_id> [from_seq]\n")
			os.Exit(1)
		}
		fromSeq := 0
		if len(args) > 1 {
			if v, err := strconv.Atoi(args[1]); err == nil {
				fromSeq = v
			}
		}
		runWatch(args[0], fromSeq)
	case "cancel":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: agentrun cancel <run_id>\n")
			os.Exit(1)
		}
		runCancel(args[0])
	case "workers":
		runWorkers()
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: agentrun <command> [args]")
	fmt.Println("  version                 - 显示版本")
	fmt.Println("  config                  - 显示配置概要")
	fmt.Println("  server start            - 启动 API 服务（go run ./cmd/api）")
	fmt.Println("  worker start            - 启动 Worker 服务（go run ./cmd/worker）")
	fmt.Println("  submit <agent_key> <message> [idempotency_key] - 提交 run")
	fmt.Println("  get <run_id>            - 查询 run")
	fmt.Println("  list [status] [agent_key] - 列出 run")
	fmt.Println("  events <run_id>         - 输出持久化事件（重放用）")
	fmt.Println("  watch <run_id> [from_seq] - 订阅实时事件流（SSE）")
	fmt.Println("  cancel <run_id>         - 请求取消 run")
	fmt.Println("  workers                 - 列出当前活跃 Worker")
}

func runConfig() {
	cfg, err := config.LoadAPIConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("api.host=%s\n", cfg.API.Host)
	fmt.Printf("api.port=%d\n", cfg.API.Port)
	fmt.Printf("runqueue.backend=%s\n", cfg.RunQueue.Backend)
	fmt.Printf("eventbus.backend=%s\n", cfg.EventBus.Backend)
}

func runProcess(pkg string) {
	c := exec.Command("go", "run", pkg)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	c.Dir = "."
	if err := c.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "start %s: %v\n", pkg, err)
		os.Exit(1)
	}
}

func runSubmit(agentKey, message, idempotencyKey string) {
	r, err := submitRun(agentKey, message, idempotencyKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(r))
}

func runGet(runID string) {
	r, err := getRun(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(r))
}

func runList(status, agentKey string) {
	runs, err := listRuns(status, agentKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list: %v\n", err)
		os.Exit(1)
	}
	for _, r := range runs {
		fmt.Printf("%v  %v  %v\n", r["id"], r["status"], r["agent_key"])
	}
}

func runEvents(runID string) {
	out, err := getRunEvents(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "events: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runWatch(runID string, fromSeq int) {
	if err := streamRun(runID, fromSeq, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "watch: %v\n", err)
		os.Exit(1)
	}
}

func runCancel(runID string) {
	out, err := cancelRun(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cancel: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runWorkers() {
	workers, err := listWorkers()
	if err != nil {
		fmt.Fprintf(os.Stderr, "workers: %v\n", err)
		os.Exit(1)
	}
	for _, w := range workers {
		fmt.Println(w)
	}
}
