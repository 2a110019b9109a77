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

// Package runner 执行单个 run attempt：构造执行上下文、调用 Agent 回调、
// 处理超时/取消/失败/重试，并保证每个 run 恰好一条终态事件。
package runner

import (
	"context"
	"errors"
	"sort"
	"sync"

	"agent-runtime/internal/run"
)

// ErrAgentNotFound agent_key 未注册
var ErrAgentNotFound = errors.New("agent not found")

// Agent 业务回调；返回 Output 即成功，返回 error 按错误分类决定重试
type Agent interface {
	Run(ctx context.Context, rc *Context) (*run.Output, error)
}

// AgentFunc 函数式 Agent
type AgentFunc func(ctx context.Context, rc *Context) (*run.Output, error)

// Run 实现 Agent
func (f AgentFunc) Run(ctx context.Context, rc *Context) (*run.Output, error) {
	return f(ctx, rc)
}

// Registry agent_key → Agent 注册表；注册发生在 worker 启动阶段，之后只读
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register 注册 Agent；重复注册后者覆盖前者
func (r *Registry) Register(key string, agent Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[key] = agent
}

// Get 查找 Agent；未注册返回 ErrAgentNotFound
func (r *Registry) Get(key string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[key]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return agent, nil
}

// Keys 已注册 agent_key 列表（排序）；worker 以此限定领取范围
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.agents))
	for k := range r.agents {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
