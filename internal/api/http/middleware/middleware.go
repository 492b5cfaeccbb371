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

package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/log"
)

// HeaderInstanceID worker 请求携带的实例 ID
const HeaderInstanceID = "X-Instance-ID"

// ContextKeyInstanceID 校验通过后写入 RequestContext 的 key
const ContextKeyInstanceID = "worker_instance_id"

// TokenVerifier 校验 worker token
type TokenVerifier interface {
	Verify(ctx context.Context, instanceID, token string) (bool, error)
}

// Middleware 中间件
type Middleware struct {
	logger *log.Logger
}

// NewMiddleware 创建中间件，logger 为 nil 时丢弃访问日志
func NewMiddleware(logger *log.Logger) *Middleware {
	if logger == nil {
		logger = log.Nop()
	}
	return &Middleware{logger: logger}
}

// CORS CORS 中间件
func (m *Middleware) CORS() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, "+HeaderInstanceID)
		c.Header("Access-Control-Max-Age", "86400")

		if string(c.Method()) == consts.MethodOptions {
			c.AbortWithStatus(consts.StatusNoContent)
			return
		}
		c.Next(ctx)
	}
}

// AccessLog 访问日志；/metrics 与 /api/health 只记 debug
func (m *Middleware) AccessLog() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)

		path := string(c.Path())
		args := []any{
			"method", string(c.Method()),
			"path", path,
			"status", c.Response.StatusCode(),
			"client_ip", c.ClientIP(),
			"latency", time.Since(start).String(),
		}
		if path == "/metrics" || path == "/api/health" {
			m.logger.Debug("http request", args...)
			return
		}
		m.logger.Info("http request", args...)
	}
}

// WorkerAuth 校验 Authorization: Bearer <token> 与 X-Instance-ID
func (m *Middleware) WorkerAuth(v TokenVerifier) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		instanceID := string(c.GetHeader(HeaderInstanceID))
		token, ok := BearerToken(string(c.GetHeader("Authorization")))
		if instanceID == "" || !ok {
			c.AbortWithStatusJSON(consts.StatusUnauthorized, map[string]string{
				"error": "worker token required",
			})
			return
		}
		valid, err := v.Verify(ctx, instanceID, token)
		if err != nil {
			m.logger.Error("verify worker token", "instance_id", instanceID, "error", err)
			c.AbortWithStatusJSON(consts.StatusInternalServerError, map[string]string{
				"error": "token verification unavailable",
			})
			return
		}
		if !valid {
			c.AbortWithStatusJSON(consts.StatusUnauthorized, map[string]string{
				"error": "invalid worker token",
			})
			return
		}
		c.Set(ContextKeyInstanceID, instanceID)
		c.Next(ctx)
	}
}

// BearerToken 解析 "Bearer xxx"
func BearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
