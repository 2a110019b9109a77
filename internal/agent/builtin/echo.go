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

// Package builtin 内置 agent 与工具：echo agent 用于联调与冒烟，
// 覆盖流式输出、快照恢复与协作式取消的完整路径。
package builtin

import (
	"context"
	"encoding/json"
	"time"

	"agent-runtime/internal/run"
	"agent-runtime/internal/runner"
)

// echoState echo agent 的快照：已回显到第几条消息
type echoState struct {
	NextMessage int `json:"next_message"`
}

// Register 注册内置 agent 与工具
func Register(reg *runner.Registry, tools *runner.ToolRegistry) {
	tools.Register(nowTool{})
	reg.Register("echo", runner.AgentFunc(echoRun))
}

// echoRun 把输入消息逐条以 token.delta 回显，每条消息后写一次快照。
// 重试 attempt 从快照续传，不重复回显已发送的消息。
func echoRun(ctx context.Context, rc *runner.Context) (*run.Output, error) {
	state := echoState{}
	if raw, err := rc.State(ctx); err != nil {
		return nil, err
	} else if raw != nil {
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, err
		}
	}

	messages := rc.Input().Messages
	for i := state.NextMessage; i < len(messages); i++ {
		if err := rc.CheckCancelled(ctx); err != nil {
			return nil, err
		}
		if err := rc.EmitTokenDelta(ctx, string(messages[i].Content)); err != nil {
			return nil, err
		}
		state.NextMessage = i + 1
		if err := rc.Checkpoint(ctx, state); err != nil {
			return nil, err
		}
	}

	final := make([]run.Message, 0, len(messages))
	for _, m := range messages {
		final = append(final, run.Message{Role: "assistant", Content: m.Content})
	}
	raw, err := json.Marshal(map[string]int{"echoed": len(messages)})
	if err != nil {
		return nil, err
	}
	return &run.Output{
		FinalOutput:   raw,
		FinalMessages: final,
	}, nil
}

// nowTool 返回当前时间；演示工具调用路径
type nowTool struct{}

func (nowTool) Name() string { return "time.now" }

func (nowTool) Call(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"now": time.Now().UTC().Format(time.RFC3339)})
}
