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
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/config"

	"agent-runtime/internal/api/http/middleware"
)

// Router HTTP 路由器
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
	// rateLimitRPS 提交接口限流；<=0 不限流
	rateLimitRPS int
}

// NewRouter 创建新的 HTTP 路由器
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{
		handler:    handler,
		middleware: mw,
	}
}

// SetRateLimit 设置提交接口限流（rps）
func (r *Router) SetRateLimit(rps int) {
	r.rateLimitRPS = rps
}

// Build 创建 Hertz server 并注册路由；opts 可传入 tracer 等 server 选项
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append([]config.Option{server.WithHostPorts(addr)}, opts...)
	h := server.Default(opts...)

	h.GET("/metrics", r.handler.Metrics)

	api := h.Group("/api", r.middleware.CORS())
	api.GET("/health", r.handler.HealthCheck)

	if r.rateLimitRPS > 0 {
		api.POST("/runs", r.middleware.RateLimit(r.rateLimitRPS), r.handler.SubmitRun)
	} else {
		api.POST("/runs", r.handler.SubmitRun)
	}
	api.GET("/runs", r.handler.ListRuns)
	api.GET("/runs/:id", r.handler.GetRun)
	api.POST("/runs/:id/cancel", r.handler.CancelRun)
	api.GET("/runs/:id/events", r.handler.ListRunEvents)
	api.GET("/runs/:id/events/stream", r.handler.StreamRunEvents)

	api.GET("/workers", r.handler.ListWorkers)

	return h
}
