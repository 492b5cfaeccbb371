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

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/api/http/middleware"
)

// Router 管理面路由
type Router struct {
	handler    *Handler
	middleware *middleware.Middleware
	verifier   middleware.TokenVerifier
}

// NewRouter 创建路由
func NewRouter(handler *Handler, mw *middleware.Middleware) *Router {
	return &Router{handler: handler, middleware: mw}
}

// SetTokenVerifier 设置 worker 心跳的 token 校验；未设置时不注册心跳路由
func (r *Router) SetTokenVerifier(v middleware.TokenVerifier) { r.verifier = v }

// Build 创建 Hertz 实例并注册全部路由；opts 可附加 tracer 等
func (r *Router) Build(addr string, opts ...config.Option) *server.Hertz {
	opts = append([]config.Option{server.WithHostPorts(addr)}, opts...)
	h := server.Default(opts...)
	h.Use(r.middleware.AccessLog(), r.middleware.CORS())

	h.GET("/metrics", r.handler.Metrics)

	api := h.Group("/api")
	api.GET("/health", r.handler.HealthCheck)
	api.GET("/status", r.handler.Status)

	api.GET("/instances", r.handler.ListInstances)
	api.GET("/instances/:id", r.handler.GetInstance)
	api.GET("/instances/:id/history", r.handler.GetInstanceHistory)

	api.POST("/commands", r.handler.PostCommand)
	api.GET("/catalog", r.handler.ListCatalog)

	workers := api.Group("/workers")
	{
		workers.POST("/register", r.handler.RegisterWorker)
		if r.verifier != nil {
			workers.POST("/heartbeat", r.middleware.WorkerAuth(r.verifier), r.handler.Heartbeat)
		}
	}
	return h
}
