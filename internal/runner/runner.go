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
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"agent-runtime/internal/checkpoint"
	"agent-runtime/internal/event"
	"agent-runtime/internal/run"
	"agent-runtime/internal/runqueue"
	"agent-runtime/pkg/log"
	"agent-runtime/pkg/metrics"
)

const cancelPollInterval = 500 * time.Millisecond

// Config Runner 行为参数
type Config struct {
	RunTimeout time.Duration
	// StepTimeout 单次工具调用上限；<=0 不限制
	StepTimeout        time.Duration
	HeartbeatInterval  time.Duration
	BackoffBase        float64
	BackoffMax         time.Duration
	PersistTokenDeltas bool
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		RunTimeout:        15 * time.Minute,
		StepTimeout:       2 * time.Minute,
		HeartbeatInterval: 10 * time.Second,
		BackoffBase:       2.0,
		BackoffMax:        5 * time.Minute,
	}
}

// Runner 执行已领取的 run attempt。出口恰好取其一：
// succeed / fail / cancel / timeout（各发一条终态事件并释放），
// requeue（无终态事件），或 lease lost（静默放弃，Reaper 接手）。
type Runner struct {
	queue       runqueue.Queue
	store       run.Store
	events      event.Store
	bus         event.Bus
	checkpoints checkpoint.Store
	registry    *Registry
	tools       *ToolRegistry
	logger      *log.Logger
	tracer      trace.Tracer
	cfg         Config
}

// New 创建 Runner
func New(queue runqueue.Queue, store run.Store, events event.Store, bus event.Bus,
	checkpoints checkpoint.Store, registry *Registry, tools *ToolRegistry,
	logger *log.Logger, cfg Config) *Runner {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultConfig().RunTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.BackoffBase <= 1 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultConfig().BackoffMax
	}
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &Runner{
		queue:       queue,
		store:       store,
		events:      events,
		bus:         bus,
		checkpoints: checkpoints,
		registry:    registry,
		tools:       tools,
		logger:      logger,
		tracer:      otel.Tracer("agent-runtime/runner"),
		cfg:         cfg,
	}
}

type attemptResult struct {
	out *run.Output
	err error
}

// RunOnce 执行一次 attempt；r 必须已处于 running 且 workerID 持有租约
func (rn *Runner) RunOnce(ctx context.Context, workerID string, r *run.Run) {
	start := time.Now()
	ctx, span := rn.tracer.Start(ctx, "run.attempt", trace.WithAttributes(
		attribute.String("run.id", r.ID),
		attribute.String("agent.key", r.AgentKey),
		attribute.Int("run.attempt", r.Attempt),
	))
	defer span.End()
	defer func() {
		metrics.RunDuration.WithLabelValues(r.AgentKey).Observe(time.Since(start).Seconds())
	}()

	logger := &log.Logger{Logger: rn.logger.With("run_id", r.ID, "agent_key", r.AgentKey, "attempt", r.Attempt)}

	nextSeq, err := rn.events.NextSeq(ctx, r.ID)
	if err != nil {
		logger.Error("read event seq failed, abandoning attempt", "err", err)
		return
	}
	cpSeq, err := rn.checkpoints.NextSeq(ctx, r.ID)
	if err != nil {
		logger.Error("read checkpoint seq failed, abandoning attempt", "err", err)
		return
	}
	rc := &Context{
		r:             r,
		bus:           rn.bus,
		checkpoints:   rn.checkpoints,
		store:         rn.store,
		tools:         rn.tools,
		logger:        logger,
		persistDeltas: rn.cfg.PersistTokenDeltas,
		stepTimeout:   rn.cfg.StepTimeout,
		nextSeq:       nextSeq,
		cpSeq:         cpSeq,
	}

	agent, err := rn.registry.Get(r.AgentKey)
	if err != nil {
		logger.Error("agent not registered", "err", err)
		info := run.NewError(run.ErrKindAgentNotFound, fmt.Sprintf("agent %q not registered", r.AgentKey))
		rn.emitTerminal(ctx, rc, event.TypeRunFailed, map[string]any{"error": info})
		rn.release(ctx, logger, r, workerID, run.StatusFailed, nil, info)
		return
	}

	if err := rc.Emit(ctx, event.TypeRunStarted, map[string]any{
		"agent_key": r.AgentKey,
		"attempt":   r.Attempt,
	}); err != nil {
		// 序号被他人占用说明本 attempt 已不是唯一写者，静默放弃
		logger.Error("emit run.started failed, abandoning attempt", "err", err)
		return
	}

	attemptCtx, cancelAttempt := context.WithTimeout(ctx, rn.cfg.RunTimeout)
	defer cancelAttempt()
	var leaseLost atomic.Bool

	// 心跳：续约 + run.heartbeat 事件；续约失败即失去唯一写者资格
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(rn.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-attemptCtx.Done():
				return
			case <-ticker.C:
				if err := rn.queue.ExtendLease(ctx, r.ID, workerID); err != nil {
					logger.Warn("lost lease, interrupting attempt", "err", err)
					leaseLost.Store(true)
					cancelAttempt()
					return
				}
				if err := rc.Emit(ctx, event.TypeRunHeartbeat, map[string]any{"worker_id": workerID}); err != nil {
					logger.Warn("emit heartbeat failed", "err", err)
				}
			}
		}
	}()

	// 取消巡检：发现取消请求即中断 attempt，Agent 的阻塞调用随 ctx 返回
	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-attemptCtx.Done():
				return
			case <-ticker.C:
				if rc.Cancelled(ctx) {
					cancelAttempt()
					return
				}
			}
		}
	}()

	resCh := make(chan attemptResult, 1)
	go func() {
		out, err := agent.Run(attemptCtx, rc)
		resCh <- attemptResult{out: out, err: err}
	}()

	var res attemptResult
	select {
	case res = <-resCh:
	case <-attemptCtx.Done():
		// Agent goroutine 可能仍在收尾；这里按中断原因定出口
		res = attemptResult{err: attemptCtx.Err()}
	}
	cancelAttempt()
	<-hbDone

	switch {
	case leaseLost.Load():
		// 他人可能已接手，不再写任何事件或状态
		logger.Warn("attempt abandoned after lease loss")

	case rc.Cancelled(ctx) || errors.Is(res.err, ErrCancelled):
		rn.emitTerminal(ctx, rc, event.TypeRunCancelled, map[string]any{})
		rn.release(ctx, logger, r, workerID, run.StatusCancelled, nil, run.NewError(run.ErrKindCancelled, "cancel requested"))

	case errors.Is(res.err, context.DeadlineExceeded):
		logger.Warn("run timed out", "timeout", rn.cfg.RunTimeout)
		info := run.NewError(run.ErrKindTimeout, fmt.Sprintf("run exceeded %s", rn.cfg.RunTimeout))
		rn.emitTerminal(ctx, rc, event.TypeRunTimedOut, map[string]any{
			"timeout_seconds": rn.cfg.RunTimeout.Seconds(),
		})
		rn.release(ctx, logger, r, workerID, run.StatusTimedOut, nil, info)

	case res.err != nil:
		rn.handleError(ctx, logger, rc, r, workerID, res.err)

	default:
		rn.emitTerminal(ctx, rc, event.TypeRunSucceeded, map[string]any{"output": res.out})
		rn.release(ctx, logger, r, workerID, run.StatusSucceeded, res.out, nil)
	}
}

// handleError 失败出口：可重试且有额度则退避回队，否则 run.failed 收场
func (rn *Runner) handleError(ctx context.Context, logger *log.Logger, rc *Context, r *run.Run, workerID string, agentErr error) {
	info := classify(agentErr)
	if info.Retriable && r.Attempt < r.MaxAttempts {
		delay := Backoff(rn.cfg.BackoffBase, rn.cfg.BackoffMax, r.Attempt)
		notBefore := time.Now().Add(delay)
		logger.Warn("attempt failed, requeueing", "err", agentErr, "backoff", delay)
		if err := rn.queue.RequeueForRetry(ctx, r.ID, workerID, info, notBefore); err != nil {
			logger.Error("requeue failed", "err", err)
			return
		}
		metrics.RunRetryTotal.WithLabelValues(r.AgentKey).Inc()
		return
	}
	logger.Error("run failed", "err", agentErr, "kind", info.Kind)
	rn.emitTerminal(ctx, rc, event.TypeRunFailed, map[string]any{"error": info})
	rn.release(ctx, logger, r, workerID, run.StatusFailed, nil, info)
}

// emitTerminal 终态事件；失败仅记录（存储的 (run_id, seq) 唯一约束保证至多一条终态）
func (rn *Runner) emitTerminal(ctx context.Context, rc *Context, eventType string, payload map[string]any) {
	if err := rc.Emit(ctx, eventType, payload); err != nil {
		rc.logger.Error("emit terminal event failed", "type", eventType, "err", err)
	}
	metrics.EventPublishTotal.WithLabelValues(eventType).Inc()
}

func (rn *Runner) release(ctx context.Context, logger *log.Logger, r *run.Run, workerID string, st run.Status, out *run.Output, info *run.ErrorInfo) {
	if err := rn.queue.Release(ctx, r.ID, workerID, st, out, info); err != nil {
		logger.Error("release failed", "status", st.String(), "err", err)
		return
	}
	metrics.RunTotal.WithLabelValues(st.String()).Inc()
}

// nonRetriableError Agent 用 NonRetriable 包装出的错误
type nonRetriableError struct {
	err error
}

func (e *nonRetriableError) Error() string { return e.err.Error() }
func (e *nonRetriableError) Unwrap() error { return e.err }

// NonRetriable 标记错误为不可重试；Runner 直接 fail 不再回队
func NonRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetriableError{err: err}
}

func classify(err error) *run.ErrorInfo {
	var nr *nonRetriableError
	if errors.As(err, &nr) {
		info := run.NewError(run.ErrKindAgentError, nr.Error())
		info.Retriable = false
		return info
	}
	var info *run.ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	return run.NewError(run.ErrKindAgentError, err.Error())
}
