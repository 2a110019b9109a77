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

package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Tool Agent 可调用的工具；实现方自带参数解析
type Tool interface {
	Name() string
	Call(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// ToolRegistry 工具注册表；执行上下文向 Agent 暴露
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewToolRegistry 创建空工具表
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register 注册工具
func (t *ToolRegistry) Register(tool Tool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools[tool.Name()] = tool
}

// Get 查找工具
func (t *ToolRegistry) Get(name string) (Tool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tool, ok := t.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool %q not registered", name)
	}
	return tool, nil
}

// List 工具名列表（排序）
func (t *ToolRegistry) List() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.tools))
	for name := range t.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
