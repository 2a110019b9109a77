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

// Package worker Claim 循环：占并发槽位、领取 run、交给 Runner 执行；
// 附带过期租约回收与保留期清理两个后台任务。
package worker

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"agent-runtime/internal/checkpoint"
	"agent-runtime/internal/event"
	"agent-runtime/internal/run"
	"agent-runtime/internal/runner"
	"agent-runtime/internal/runqueue"
	"agent-runtime/pkg/log"
	"agent-runtime/pkg/metrics"
)

// Config Worker 循环参数
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	ReapInterval time.Duration
	// GracefulShutdownTimeout Stop 等待在途 run 结束的上限
	GracefulShutdownTimeout time.Duration
	Retention               event.GCConfig
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		Concurrency:             10,
		PollInterval:            2 * time.Second,
		ReapInterval:            5 * time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
		Retention:               event.DefaultGCConfig(),
	}
}

// Worker 单个 worker 进程的执行单元；并发上限由 limiter 信号量控制（Backpressure）
type Worker struct {
	id          string
	queue       runqueue.Queue
	store       run.Store
	events      event.Store
	bus         event.Bus
	checkpoints checkpoint.Store
	runner      *runner.Runner
	registry    *runner.Registry
	wakeup      WakeupQueue // 可选；nil 时空闲只靠轮询
	cfg         Config
	limiter     chan struct{}
	logger      *log.Logger
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup

	// attemptCtx 在途 attempt 的执行上下文。与 Start 的 ctx 解耦：
	// 收到停机信号只是停止领取，正在执行的 attempt 要么在宽限期内
	// 自然结束，要么宽限期耗尽才被取消。
	attemptCtx    context.Context
	attemptCancel context.CancelFunc
}

// New 创建 Worker
func New(id string, queue runqueue.Queue, store run.Store, events event.Store,
	bus event.Bus, checkpoints checkpoint.Store, rn *runner.Runner, registry *runner.Registry,
	logger *log.Logger, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultConfig().ReapInterval
	}
	return &Worker{
		id:          id,
		queue:       queue,
		store:       store,
		events:      events,
		bus:         bus,
		checkpoints: checkpoints,
		runner:      rn,
		registry:    registry,
		cfg:         cfg,
		limiter:     make(chan struct{}, cfg.Concurrency),
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// SetWakeupQueue 设置唤醒队列；单进程部署时与 API 共享
func (w *Worker) SetWakeupQueue(q WakeupQueue) {
	w.wakeup = q
}

// Start 启动 Claim 循环与后台任务；非阻塞。
// ctx 取消只停止领取与后台循环，在途 attempt 由 Stop 的宽限期收场
func (w *Worker) Start(ctx context.Context) {
	w.attemptCtx, w.attemptCancel = context.WithCancel(context.WithoutCancel(ctx))
	w.wg.Add(1)
	go w.runClaimLoop(ctx)
	w.wg.Add(1)
	go w.runReapLoop(ctx)
	if w.cfg.Retention.Enable {
		w.wg.Add(1)
		go w.runRetentionLoop(ctx)
	}
}

// Stop 停止领取并等待在途 run 结束，超过 GracefulShutdownTimeout 放弃等待
// （未完成 run 的租约过期后由 Reaper 回队）
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	timeout := w.cfg.GracefulShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().GracefulShutdownTimeout
	}
	select {
	case <-done:
	case <-time.After(timeout):
		w.logger.Warn("graceful shutdown timed out, abandoning in-flight runs")
	}
	if w.attemptCancel != nil {
		w.attemptCancel()
	}
}

func (w *Worker) runClaimLoop(ctx context.Context) {
	defer w.wg.Done()
	agentKeys := w.registry.Keys()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case w.limiter <- struct{}{}:
			claimed, err := w.queue.Claim(ctx, w.id, agentKeys, 1)
			if err != nil {
				<-w.limiter
				w.logger.Error("claim failed", "err", err)
				w.idle(ctx)
				continue
			}
			if len(claimed) == 0 {
				<-w.limiter
				w.idle(ctx)
				continue
			}
			r := claimed[0]
			w.wg.Add(1)
			go func(r *run.Run) {
				defer w.wg.Done()
				defer func() { <-w.limiter }()
				metrics.WorkerBusy.WithLabelValues(w.id).Inc()
				defer metrics.WorkerBusy.WithLabelValues(w.id).Dec()
				w.logger.Info("executing run", "run_id", r.ID, "agent_key", r.AgentKey, "attempt", r.Attempt)
				w.runner.RunOnce(w.attemptCtx, w.id, r)
			}(r)
		}
	}
}

// idle 空闲等待：有唤醒队列时优先从唤醒醒来，否则睡满一个轮询间隔
func (w *Worker) idle(ctx context.Context) {
	if w.wakeup != nil {
		_, _ = w.wakeup.Receive(ctx, w.cfg.PollInterval)
		return
	}
	select {
	case <-w.stopCh:
	case <-ctx.Done():
	case <-time.After(w.cfg.PollInterval):
	}
}

// runReapLoop 定期收回过期租约；每个 worker 都跑，操作幂等无需选主。
// 被判定失败的 run 在这里补发 run.failed 终态事件
func (w *Worker) runReapLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := w.queue.ReapExpired(ctx, w.registry.Keys())
			if err != nil {
				w.logger.Error("reap failed", "err", err)
				continue
			}
			for _, r := range res.Requeued {
				metrics.RunReapedTotal.WithLabelValues("requeued").Inc()
				w.logger.Warn("reaped expired lease, requeued", "run_id", r.ID, "attempt", r.Attempt)
			}
			for _, r := range res.Failed {
				metrics.RunReapedTotal.WithLabelValues("failed").Inc()
				metrics.RunTotal.WithLabelValues(run.StatusFailed.String()).Inc()
				w.logger.Error("reaped expired lease, retries exhausted", "run_id", r.ID)
				w.emitReapFailed(ctx, r)
			}
		}
	}
}

// emitReapFailed 为 Reaper 置为 failed 的 run 补终态事件；
// 序号冲突说明原 worker 还在写（或并发 Reaper 已补过），放弃即可
func (w *Worker) emitReapFailed(ctx context.Context, r *run.Run) {
	seq, err := w.events.NextSeq(ctx, r.ID)
	if err != nil {
		w.logger.Error("read event seq for reaped run failed", "run_id", r.ID, "err", err)
		return
	}
	raw, err := json.Marshal(map[string]any{"error": r.Error})
	if err != nil {
		return
	}
	ev := event.Event{RunID: r.ID, Seq: seq, Type: event.TypeRunFailed, Payload: raw, TS: time.Now()}
	if err := w.bus.Publish(ctx, ev); err != nil {
		w.logger.Warn("emit run.failed for reaped run failed", "run_id", r.ID, "err", err)
	}
}

func (w *Worker) runRetentionLoop(ctx context.Context) {
	defer w.wg.Done()
	interval := w.cfg.Retention.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := event.GC(ctx, w.store, w.events, w.checkpoints, w.cfg.Retention)
			if err != nil {
				w.logger.Error("retention gc failed", "err", err)
				continue
			}
			if deleted > 0 {
				w.logger.Info("retention gc done", "deleted_events", deleted)
			}
		}
	}
}

// DefaultWorkerID 默认 Worker 标识（env 或 hostname）
func DefaultWorkerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	host, _ := os.Hostname()
	if host != "" {
		return host
	}
	return "worker-unknown"
}
