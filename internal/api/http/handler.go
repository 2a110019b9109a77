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

// Package http Run 生命周期的 HTTP API：提交、查询、取消与事件流订阅。
// API 进程只做控制面：写入存储并投递，执行全部发生在 Worker。
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"

	"agent-runtime/internal/event"
	"agent-runtime/internal/run"
	"agent-runtime/internal/runqueue"
	"agent-runtime/internal/worker"
	"agent-runtime/pkg/log"
	"agent-runtime/pkg/metrics"
	"agent-runtime/pkg/tracing"
	"agent-runtime/pkg/utils"
)

const (
	// maxListLimit 列表接口单页上限
	maxListLimit = 500
	// maxSubmitAttempts 单次提交可指定的重试上限
	maxSubmitAttempts = 10
	// maxIdempotencyKeyLen idempotency_key 长度上限
	maxIdempotencyKeyLen = 255
)

// AuthorizeFunc 提交鉴权钩子；返回 error 时拒绝（403）
type AuthorizeFunc func(ctx context.Context, agentKey string) error

// QuotaFunc 配额钩子；返回 error 时限流（429）
type QuotaFunc func(ctx context.Context, agentKey string) error

// Handler HTTP 处理器
type Handler struct {
	store  run.Store
	events event.Store
	bus    event.Bus
	queue  runqueue.Queue
	logger *log.Logger

	wakeup    worker.WakeupQueue
	authorize AuthorizeFunc
	quota     QuotaFunc

	defaultMaxAttempts int
	sseKeepalive       time.Duration
}

// NewHandler 创建 HTTP 处理器
func NewHandler(store run.Store, events event.Store, bus event.Bus, queue runqueue.Queue, logger *log.Logger) *Handler {
	return &Handler{
		store:              store,
		events:             events,
		bus:                bus,
		queue:              queue,
		logger:             logger,
		defaultMaxAttempts: 3,
		sseKeepalive:       15 * time.Second,
	}
}

// SetWakeupQueue 设置唤醒队列；单进程部署时与 Worker 共享
func (h *Handler) SetWakeupQueue(q worker.WakeupQueue) { h.wakeup = q }

// SetAuthorize 设置提交鉴权钩子
func (h *Handler) SetAuthorize(fn AuthorizeFunc) { h.authorize = fn }

// SetQuota 设置配额钩子
func (h *Handler) SetQuota(fn QuotaFunc) { h.quota = fn }

// SetDefaultMaxAttempts 设置提交未指定时的重试上限
func (h *Handler) SetDefaultMaxAttempts(n int) {
	if n > 0 {
		h.defaultMaxAttempts = n
	}
}

// SetSSEKeepalive 设置 SSE keepalive 间隔
func (h *Handler) SetSSEKeepalive(d time.Duration) {
	if d > 0 {
		h.sseKeepalive = d
	}
}

// HealthCheck 健康检查
// GET /api/health
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   "agent-runtime",
	})
}

type submitRequest struct {
	AgentKey       string          `json:"agent_key"`
	ConversationID string          `json:"conversation_id"`
	Input          run.Input       `json:"input"`
	IdempotencyKey string          `json:"idempotency_key"`
	MaxAttempts    int             `json:"max_attempts"`
	Metadata       json.RawMessage `json:"metadata"`
}

// SubmitRun 提交新 run
// POST /api/runs
func (h *Handler) SubmitRun(c context.Context, ctx *app.RequestContext) {
	var req submitRequest
	if err := json.Unmarshal(ctx.Request.Body(), &req); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.AgentKey == "" {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "agent_key is required"})
		return
	}
	if len(req.Input.Messages) == 0 {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "input.messages is required"})
		return
	}
	// 0 表示用服务端默认值
	if req.MaxAttempts < 0 || req.MaxAttempts > maxSubmitAttempts {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "max_attempts must be between 1 and 10"})
		return
	}
	if len(req.IdempotencyKey) > maxIdempotencyKeyLen {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "idempotency_key exceeds 255 characters"})
		return
	}
	if req.ConversationID != "" {
		if _, err := uuid.Parse(req.ConversationID); err != nil {
			ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "conversation_id must be a UUID"})
			return
		}
	}

	if h.authorize != nil {
		if err := h.authorize(c, req.AgentKey); err != nil {
			ctx.JSON(consts.StatusForbidden, map[string]string{"error": err.Error()})
			return
		}
	}
	if h.quota != nil {
		if err := h.quota(c, req.AgentKey); err != nil {
			ctx.JSON(consts.StatusTooManyRequests, map[string]string{"error": err.Error()})
			return
		}
	}

	c, span := tracing.StartSubmitSpan(c, req.AgentKey)
	defer span.End()

	// 幂等提交：同 key 重复提交返回既有 run，不新建
	if req.IdempotencyKey != "" {
		existing, err := h.store.GetByIdempotencyKey(c, req.IdempotencyKey)
		if err == nil {
			ctx.JSON(consts.StatusOK, existing)
			return
		}
		if !errors.Is(err, run.ErrNotFound) {
			h.logger.Error("idempotency lookup failed", "err", err)
			ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "submit failed"})
			return
		}
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = h.defaultMaxAttempts
	}
	r := &run.Run{
		ID:             uuid.New().String(),
		ConversationID: req.ConversationID,
		AgentKey:       req.AgentKey,
		Status:         run.StatusQueued,
		Input:          req.Input,
		MaxAttempts:    maxAttempts,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      time.Now(),
		Metadata:       req.Metadata,
	}
	if err := h.store.Create(c, r); err != nil {
		if errors.Is(err, run.ErrIdempotencyConflict) {
			existing, err2 := h.store.GetByIdempotencyKey(c, req.IdempotencyKey)
			if err2 == nil {
				ctx.JSON(consts.StatusOK, existing)
				return
			}
		}
		h.logger.Error("create run failed", "agent_key", req.AgentKey, "err", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "submit failed"})
		return
	}

	if err := h.queue.Enqueue(c, r); err != nil {
		// 行已落库，轮询路径仍可领取；投递失败只记录
		h.logger.Error("enqueue failed, run will be picked up by polling", "run_id", r.ID, "err", err)
	}
	if h.wakeup != nil {
		_ = h.wakeup.NotifyReady(c, r.ID)
	}

	h.logger.Info("run submitted", "run_id", r.ID, "agent_key", r.AgentKey)
	ctx.JSON(consts.StatusCreated, r)
}

// GetRun 查询 run
// GET /api/runs/:id
func (h *Handler) GetRun(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	r, err := h.store.Get(c, id)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		h.logger.Error("get run failed", "run_id", id, "err", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "get run failed"})
		return
	}
	ctx.JSON(consts.StatusOK, r)
}

// ListRuns 列出 run；支持 status / agent_key / conversation_id / limit 过滤
// GET /api/runs
func (h *Handler) ListRuns(c context.Context, ctx *app.RequestContext) {
	f := run.ListFilter{
		AgentKey:       string(ctx.Query("agent_key")),
		ConversationID: string(ctx.Query("conversation_id")),
	}
	if s := string(ctx.Query("status")); s != "" {
		st, ok := run.ParseStatus(s)
		if !ok {
			ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "unknown status: " + s})
			return
		}
		f.Status = &st
	}
	if s := string(ctx.Query("limit")); s != "" {
		if limit, err := strconv.Atoi(s); err == nil && limit > 0 {
			f.Limit = utils.ClampInt(limit, 1, maxListLimit)
		}
	}

	runs, err := h.store.List(c, f)
	if err != nil {
		h.logger.Error("list runs failed", "err", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "list runs failed"})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"runs":  runs,
		"total": len(runs),
	})
}

// CancelRun 请求取消 run。queued 直接短路为 cancelled 并补终态事件；
// running 只打取消标记，由 Worker 协作式收场
// POST /api/runs/:id/cancel
func (h *Handler) CancelRun(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	r, err := h.store.Get(c, id)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		h.logger.Error("get run failed", "run_id", id, "err", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "cancel failed"})
		return
	}
	if r.Terminal() {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "run is terminal"})
		return
	}

	if r.Status == run.StatusQueued {
		cancelled, err := h.store.CancelQueued(c, id)
		if err == nil {
			h.emitCancelled(c, cancelled.ID)
			metrics.RunTotal.WithLabelValues(run.StatusCancelled.String()).Inc()
			ctx.JSON(consts.StatusOK, map[string]interface{}{
				"status": "cancelled",
				"run":    cancelled,
			})
			return
		}
		if !errors.Is(err, run.ErrNotClaimable) {
			h.logger.Error("cancel queued run failed", "run_id", id, "err", err)
			ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "cancel failed"})
			return
		}
		// CAS 竞争失败：已被领取，落到协作式取消
	}

	updated, err := h.store.RequestCancel(c, id)
	if err != nil {
		if errors.Is(err, run.ErrTerminal) {
			ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "run is terminal"})
			return
		}
		h.logger.Error("request cancel failed", "run_id", id, "err", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "cancel failed"})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"status": "cancellation_requested",
		"run":    updated,
	})
}

// emitCancelled 为 queued 取消补终态事件；序号冲突说明有并发写者，放弃
func (h *Handler) emitCancelled(c context.Context, runID string) {
	seq, err := h.events.NextSeq(c, runID)
	if err != nil {
		h.logger.Error("read event seq failed", "run_id", runID, "err", err)
		return
	}
	ev := event.Event{
		RunID:   runID,
		Seq:     seq,
		Type:    event.TypeRunCancelled,
		Payload: json.RawMessage(`{}`),
		TS:      time.Now(),
	}
	if err := h.bus.Publish(c, ev); err != nil {
		h.logger.Warn("emit run.cancelled failed", "run_id", runID, "err", err)
	}
}

// ListRunEvents 回放 run 的持久化事件
// GET /api/runs/:id/events
func (h *Handler) ListRunEvents(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	if _, err := h.store.Get(c, id); err != nil {
		if errors.Is(err, run.ErrNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "list events failed"})
		return
	}
	fromSeq := 0
	if s := string(ctx.Query("from_seq")); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			fromSeq = v
		}
	}
	events, err := h.events.List(c, id, fromSeq)
	if err != nil {
		h.logger.Error("list events failed", "run_id", id, "err", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "list events failed"})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}

// ListWorkers 当前持有有效租约的 worker
// GET /api/workers
func (h *Handler) ListWorkers(c context.Context, ctx *app.RequestContext) {
	ids, err := h.store.ListActiveWorkerIDs(c)
	if err != nil {
		h.logger.Error("list workers failed", "err", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "list workers failed"})
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"workers": ids,
		"total":   len(ids),
	})
}

// Metrics Prometheus 文本格式指标
// GET /metrics
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	if counts, err := h.store.CountByStatus(c); err == nil {
		metrics.QueuedRuns.Set(float64(counts[run.StatusQueued]))
	}
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "gather metrics failed"})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}
