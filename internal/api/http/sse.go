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

package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/cloudwego/hertz/pkg/protocol/http1/resp"

	"agent-runtime/internal/run"
)

// StreamRunEvents SSE 事件流：从 from_seq 回放历史后接续实时事件，
// 终态事件送达后关闭连接。断线重连用最后收到的 seq+1 作 from_seq 即可续上。
// GET /api/runs/:id/events/stream
func (h *Handler) StreamRunEvents(c context.Context, ctx *app.RequestContext) {
	id := ctx.Param("id")
	if _, err := h.store.Get(c, id); err != nil {
		if errors.Is(err, run.ErrNotFound) {
			ctx.JSON(consts.StatusNotFound, map[string]string{"error": "run not found"})
			return
		}
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "stream failed"})
		return
	}
	fromSeq := 0
	if s := ctx.Query("from_seq"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			fromSeq = v
		}
	}

	sub, err := h.bus.Subscribe(c, id, fromSeq)
	if err != nil {
		h.logger.Error("subscribe failed", "run_id", id, "err", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "stream failed"})
		return
	}

	ctx.SetStatusCode(consts.StatusOK)
	ctx.Response.Header.Set("Content-Type", "text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	// 反向代理（nginx 等）不要缓冲事件流
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.Response.HijackWriter(resp.NewChunkedBodyWriter(&ctx.Response, ctx.GetWriter()))

	keepalive := time.NewTicker(h.sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Done():
			return
		case <-keepalive.C:
			if _, err := ctx.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			if err := ctx.Flush(); err != nil {
				return
			}
		case ev, ok := <-sub:
			if !ok {
				// 终态事件已送达，流结束
				return
			}
			raw, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(ctx, "data: %s\n\n", raw); err != nil {
				return
			}
			if err := ctx.Flush(); err != nil {
				return
			}
		}
	}
}
