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
	"errors"
	"sync"
	"time"

	"agent-runtime/internal/checkpoint"
	"agent-runtime/internal/event"
	"agent-runtime/internal/run"
	"agent-runtime/pkg/log"
	"agent-runtime/pkg/tracing"
)

// ErrCancelled 协作式取消；Agent 从 CheckCancelled 收到后应尽快返回
var ErrCancelled = errors.New("run cancelled")

// cancelCheckInterval 取消标记的最小回源间隔；期间读缓存值
const cancelCheckInterval = time.Second

// Context 单次 attempt 的执行上下文：Agent 与 runtime 的唯一接口。
// Emit/Checkpoint 可被 Agent 与 heartbeat 并发调用，序号分配持锁串行。
type Context struct {
	r           *run.Run
	bus         event.Bus
	checkpoints checkpoint.Store
	store       run.Store
	tools       *ToolRegistry
	logger      *log.Logger
	// persistDeltas false 时 token.delta 不落存储、不占序号
	persistDeltas bool
	// stepTimeout 单次工具调用上限；<=0 不限制
	stepTimeout time.Duration

	mu      sync.Mutex
	nextSeq int
	cpSeq   int

	cancelMu    sync.Mutex
	cancelled   bool
	lastChecked time.Time

	stateLoaded bool
	state       json.RawMessage
}

// RunID 当前 run id
func (c *Context) RunID() string { return c.r.ID }

// AgentKey 当前 agent_key
func (c *Context) AgentKey() string { return c.r.AgentKey }

// Attempt 当前尝试次数（从 1 起）
func (c *Context) Attempt() int { return c.r.Attempt }

// Input 提交输入
func (c *Context) Input() run.Input { return c.r.Input }

// Tools 工具注册表
func (c *Context) Tools() *ToolRegistry { return c.tools }

// CallTool 按名调用工具，带 step 超时与 tool span
func (c *Context) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	tool, err := c.tools.Get(name)
	if err != nil {
		return nil, err
	}
	ctx, span := tracing.StartToolSpan(ctx, c.r.ID, name)
	defer span.End()
	if c.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.stepTimeout)
		defer cancel()
	}
	out, err := tool.Call(ctx, args)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

// Logger 带 run 维度字段的日志器
func (c *Context) Logger() *log.Logger { return c.logger }

// Emit 追加一条持久化事件并实时分发；payload 序列化为 JSON
func (c *Context) Emit(ctx context.Context, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := event.Event{
		RunID:   c.r.ID,
		Seq:     c.nextSeq,
		Type:    eventType,
		Payload: raw,
		TS:      time.Now(),
	}
	if err := c.bus.Publish(ctx, ev); err != nil {
		return err
	}
	c.nextSeq++
	return nil
}

// EmitTokenDelta 流式 token 片段；persist_token_deltas 关闭时仅实时分发
func (c *Context) EmitTokenDelta(ctx context.Context, delta string) error {
	if c.persistDeltas {
		return c.Emit(ctx, event.TypeTokenDelta, map[string]string{"delta": delta})
	}
	raw, err := json.Marshal(map[string]string{"delta": delta})
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, event.Event{
		RunID:   c.r.ID,
		Seq:     event.SeqEphemeral,
		Type:    event.TypeTokenDelta,
		Payload: raw,
		TS:      time.Now(),
	})
}

// Checkpoint 保存状态快照并发出 state.checkpoint 事件；下个 attempt 从这里恢复
func (c *Context) Checkpoint(ctx context.Context, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	c.mu.Lock()
	seq := c.cpSeq
	c.mu.Unlock()
	if err := c.checkpoints.Save(ctx, checkpoint.Checkpoint{
		RunID: c.r.ID,
		Seq:   seq,
		State: raw,
	}); err != nil {
		return err
	}
	c.mu.Lock()
	c.cpSeq = seq + 1
	c.mu.Unlock()
	c.stateLoaded = true
	c.state = raw
	return c.Emit(ctx, event.TypeCheckpoint, map[string]int{"checkpoint_seq": seq})
}

// State 最新快照状态；无快照返回 nil。首次调用回源，之后走缓存
func (c *Context) State(ctx context.Context) (json.RawMessage, error) {
	if c.stateLoaded {
		return c.state, nil
	}
	cp, err := c.checkpoints.Latest(ctx, c.r.ID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			c.stateLoaded = true
			return nil, nil
		}
		return nil, err
	}
	c.stateLoaded = true
	c.state = cp.State
	return c.state, nil
}

// Cancelled 是否已请求取消；最多每秒回源一次，其余时间读缓存
func (c *Context) Cancelled(ctx context.Context) bool {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	if c.cancelled {
		return true
	}
	if time.Since(c.lastChecked) < cancelCheckInterval {
		return false
	}
	c.lastChecked = time.Now()
	cur, err := c.store.Get(ctx, c.r.ID)
	if err != nil {
		return false
	}
	c.cancelled = cur.CancelRequestedAt != nil
	return c.cancelled
}

// CheckCancelled 已请求取消时返回 ErrCancelled；长循环 Agent 应定期调用
func (c *Context) CheckCancelled(ctx context.Context) error {
	if c.Cancelled(ctx) {
		return ErrCancelled
	}
	return nil
}
