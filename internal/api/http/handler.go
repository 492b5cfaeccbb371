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

// Package http 编排器内部管理面：状态、实例查询、命令投递、目录与 worker 注册。
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/api/http/middleware"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/bus"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/catalog"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/instance"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/jobs"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/workerauth"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/metrics"
)

// CommandSender 投递总线命令
type CommandSender interface {
	Send(ctx context.Context, cmd bus.Command) error
}

// CommandIntents 发布前将 PROVISION / TERMINATE 落库，*reconcile.Service 实现该接口
type CommandIntents interface {
	RequestProvision(ctx context.Context, cmd bus.Command) (*instance.Instance, error)
	RequestTerminate(ctx context.Context, id, reason string) (*instance.Instance, error)
}

// Handler HTTP 处理器；依赖均可为 nil，对应接口返回 503
type Handler struct {
	store     instance.Store
	board     *jobs.Board
	sender    CommandSender
	intents   CommandIntents
	catalog   *catalog.Registry
	workers   *workerauth.Manager
	startedAt time.Time
}

// NewHandler 创建处理器
func NewHandler(store instance.Store, board *jobs.Board) *Handler {
	return &Handler{store: store, board: board, startedAt: time.Now()}
}

// SetCommandSender 设置命令发布器
func (h *Handler) SetCommandSender(s CommandSender) { h.sender = s }

// SetCommandIntents 设置命令意图落库；未设置时命令只经总线投递
func (h *Handler) SetCommandIntents(i CommandIntents) { h.intents = i }

// SetCatalog 设置目录
func (h *Handler) SetCatalog(r *catalog.Registry) { h.catalog = r }

// SetWorkerAuth 设置 worker token 管理
func (h *Handler) SetWorkerAuth(m *workerauth.Manager) { h.workers = m }

func unavailable(c *app.RequestContext, what string) {
	c.JSON(consts.StatusServiceUnavailable, map[string]string{"error": what + " not configured"})
}

// HealthCheck 健康检查
// GET /api/health
func (h *Handler) HealthCheck(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// StatusResponse GET /api/status 响应
type StatusResponse struct {
	Jobs   map[string]jobs.Stats `json:"jobs"`
	Counts map[string]int        `json:"counts"`
	Active int                   `json:"active"`
	Time   time.Time             `json:"time"`
}

// Status 各 Job 最近一次运行与各状态实例数
// GET /api/status
func (h *Handler) Status(ctx context.Context, c *app.RequestContext) {
	if h.store == nil {
		unavailable(c, "instance store")
		return
	}
	counts, err := h.store.CountByStatus(ctx)
	if err != nil {
		hlog.CtxErrorf(ctx, "count instances: %v", err)
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	resp := StatusResponse{Jobs: map[string]jobs.Stats{}, Counts: map[string]int{}, Time: time.Now().UTC()}
	if h.board != nil {
		resp.Jobs = h.board.Snapshot()
	}
	for _, s := range instance.AllStatuses {
		resp.Counts[string(s)] = counts[s]
		if s.IsActive() {
			resp.Active += counts[s]
		}
	}
	c.JSON(consts.StatusOK, resp)
}

// Metrics Prometheus 文本格式
// GET /metrics
func (h *Handler) Metrics(ctx context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		c.String(consts.StatusInternalServerError, err.Error())
		return
	}
	c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// InstanceView 实例对外视图
type InstanceView struct {
	ID                  string     `json:"id"`
	ExternalID          string     `json:"external_id,omitempty"`
	ProviderCode        string     `json:"provider_code"`
	Pool                string     `json:"pool,omitempty"`
	Zone                string     `json:"zone"`
	InstanceType        string     `json:"instance_type"`
	Status              string     `json:"status"`
	IPAddress           string     `json:"ip_address,omitempty"`
	RetryCount          int        `json:"retry_count"`
	HealthCheckFailures int        `json:"health_check_failures"`
	ErrorCode           string     `json:"error_code,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	DeletionReason      string     `json:"deletion_reason,omitempty"`
	Quarantined         bool       `json:"quarantined"`
	CreatedAt           time.Time  `json:"created_at"`
	StatusChangedAt     time.Time  `json:"status_changed_at"`
	LastVerifiedAt      *time.Time `json:"last_verified_at,omitempty"`
	TerminatedAt        *time.Time `json:"terminated_at,omitempty"`
	Version             int64      `json:"version"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// NewInstanceView 转换实例
func NewInstanceView(inst *instance.Instance) InstanceView {
	return InstanceView{
		ID:                  inst.ID,
		ExternalID:          inst.ExternalID,
		ProviderCode:        inst.ProviderCode,
		Pool:                inst.Pool,
		Zone:                inst.Zone,
		InstanceType:        inst.InstanceType,
		Status:              string(inst.Status),
		IPAddress:           inst.IPAddress,
		RetryCount:          inst.RetryCount,
		HealthCheckFailures: inst.HealthCheckFailures,
		ErrorCode:           inst.ErrorCode,
		ErrorMessage:        inst.ErrorMessage,
		DeletionReason:      inst.DeletionReason,
		Quarantined:         inst.Quarantined(),
		CreatedAt:           inst.CreatedAt,
		StatusChangedAt:     inst.StatusChangedAt,
		LastVerifiedAt:      optTime(inst.LastVerifiedAt),
		TerminatedAt:        optTime(inst.TerminatedAt),
		Version:             inst.Version,
	}
}

func (h *Handler) loadInstance(ctx context.Context, c *app.RequestContext) (*instance.Instance, bool) {
	if h.store == nil {
		unavailable(c, "instance store")
		return nil, false
	}
	id := c.Param("id")
	inst, err := h.store.Get(ctx, id)
	if errors.Is(err, instance.ErrNotFound) {
		c.JSON(consts.StatusNotFound, map[string]string{"error": "instance not found"})
		return nil, false
	}
	if err != nil {
		hlog.CtxErrorf(ctx, "get instance %s: %v", id, err)
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return nil, false
	}
	return inst, true
}

// ListInstances 可按 pool 与 status 过滤
// GET /api/instances
func (h *Handler) ListInstances(ctx context.Context, c *app.RequestContext) {
	if h.store == nil {
		unavailable(c, "instance store")
		return
	}
	f := instance.ListFilter{Pool: c.Query("pool")}
	if s := c.Query("status"); s != "" {
		st, err := instance.ParseStatus(s)
		if err != nil {
			c.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		f.Statuses = []instance.Status{st}
	}
	list, err := h.store.List(ctx, f)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]InstanceView, 0, len(list))
	for _, inst := range list {
		out = append(out, NewInstanceView(inst))
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"instances": out, "total": len(out)})
}

// GetInstance 单个实例
// GET /api/instances/:id
func (h *Handler) GetInstance(ctx context.Context, c *app.RequestContext) {
	inst, ok := h.loadInstance(ctx, c)
	if !ok {
		return
	}
	c.JSON(consts.StatusOK, NewInstanceView(inst))
}

// TransitionView 审计记录视图
type TransitionView struct {
	From   string    `json:"from,omitempty"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// GetInstanceHistory 状态迁移审计
// GET /api/instances/:id/history
func (h *Handler) GetInstanceHistory(ctx context.Context, c *app.RequestContext) {
	inst, ok := h.loadInstance(ctx, c)
	if !ok {
		return
	}
	hist, err := h.store.History(ctx, inst.ID)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	out := make([]TransitionView, 0, len(hist))
	for _, t := range hist {
		out = append(out, TransitionView{From: string(t.From), To: string(t.To), Reason: t.Reason, At: t.At})
	}
	c.JSON(consts.StatusOK, map[string]interface{}{"instance_id": inst.ID, "history": out})
}

// CommandRequest POST /api/commands 请求体
type CommandRequest struct {
	Verb string            `json:"verb"`
	Args map[string]string `json:"args"`
}

// PostCommand 将命令发布到总线；PROVISION / TERMINATE 先落库，发布失败时仍返回 202（published=false）
// POST /api/commands
func (h *Handler) PostCommand(ctx context.Context, c *app.RequestContext) {
	if h.sender == nil {
		unavailable(c, "command bus")
		return
	}
	var req CommandRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	verb := bus.Verb(req.Verb)
	if !verb.IsKnown() {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "unknown verb: " + req.Verb})
		return
	}
	if verb == bus.VerbTerminate && req.Args[bus.ArgInstanceID] == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "instance_id is required"})
		return
	}
	cmd := bus.Command{Verb: verb, Args: map[string]string{}}
	for k, v := range req.Args {
		if v != "" {
			cmd.Args[k] = v
		}
	}
	durable, ok := h.recordIntent(ctx, c, &cmd)
	if !ok {
		return
	}
	resp := map[string]interface{}{"accepted": true, "published": true}
	if err := h.sender.Send(ctx, cmd); err != nil {
		hlog.CtxErrorf(ctx, "publish %s: %v", verb, err)
		if !durable {
			c.JSON(consts.StatusBadGateway, map[string]string{"error": "publish failed: " + err.Error()})
			return
		}
		// 意图已落库，由扫描循环推进
		resp["published"] = false
	}
	if id := cmd.InstanceID(); id != "" {
		resp["instance_id"] = id
	}
	resp["payload"] = bus.Encode(cmd)
	c.JSON(consts.StatusAccepted, resp)
}

// recordIntent PROVISION 先插入 provisioning 行并补上 instance_id，TERMINATE 先在行上记录终止意图；
// ok 为 false 时已写出错误响应
func (h *Handler) recordIntent(ctx context.Context, c *app.RequestContext, cmd *bus.Command) (durable, ok bool) {
	if h.intents == nil {
		return false, true
	}
	var err error
	switch cmd.Verb {
	case bus.VerbProvision:
		var inst *instance.Instance
		if inst, err = h.intents.RequestProvision(ctx, *cmd); err == nil {
			cmd.Args[bus.ArgInstanceID] = inst.ID
		}
	case bus.VerbTerminate:
		_, err = h.intents.RequestTerminate(ctx, cmd.InstanceID(), cmd.Arg(bus.ArgReason))
	default:
		return false, true
	}
	switch {
	case err == nil:
		return true, true
	case errors.Is(err, instance.ErrNotFound):
		c.JSON(consts.StatusNotFound, map[string]string{"error": "instance not found"})
	case errors.Is(err, instance.ErrInvalidTransition):
		c.JSON(consts.StatusConflict, map[string]string{"error": err.Error()})
	default:
		hlog.CtxErrorf(ctx, "record %s intent: %v", cmd.Verb, err)
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return false, false
}

// ListCatalog 目录；provider 为空返回全部
// GET /api/catalog
func (h *Handler) ListCatalog(ctx context.Context, c *app.RequestContext) {
	if h.catalog == nil {
		unavailable(c, "catalog")
		return
	}
	provider := c.Query("provider")
	items := h.catalog.List(provider)
	if items == nil {
		items = []catalog.Item{}
	}
	resp := map[string]interface{}{"items": items, "total": len(items)}
	if provider != "" {
		if at := h.catalog.SyncedAt(provider); !at.IsZero() {
			resp["synced_at"] = at
		}
	}
	c.JSON(consts.StatusOK, resp)
}

// RegisterRequest worker 注册请求体
type RegisterRequest struct {
	InstanceID string `json:"instance_id"`
}

// RegisterWorker 领取一次性 token；实例必须处于 ready
// POST /api/workers/register
func (h *Handler) RegisterWorker(ctx context.Context, c *app.RequestContext) {
	if h.workers == nil {
		unavailable(c, "worker auth")
		return
	}
	var req RegisterRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil || req.InstanceID == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "instance_id is required"})
		return
	}
	if h.store != nil {
		inst, err := h.store.Get(ctx, req.InstanceID)
		if errors.Is(err, instance.ErrNotFound) {
			c.JSON(consts.StatusNotFound, map[string]string{"error": "instance not found"})
			return
		}
		if err != nil {
			c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if inst.Status != instance.StatusReady {
			c.JSON(consts.StatusConflict, map[string]string{"error": "instance is " + string(inst.Status)})
			return
		}
	}
	token, ok := h.workers.Pickup.Take(req.InstanceID)
	if !ok {
		c.JSON(consts.StatusGone, map[string]string{"error": "token already collected or not issued"})
		return
	}
	c.JSON(consts.StatusOK, map[string]interface{}{
		"instance_id": req.InstanceID,
		"token":       token,
	})
}

// Heartbeat worker 心跳；token 已由中间件校验
// POST /api/workers/heartbeat
func (h *Handler) Heartbeat(ctx context.Context, c *app.RequestContext) {
	id := c.GetString(middleware.ContextKeyInstanceID)
	resp := map[string]interface{}{"instance_id": id, "status": "ok"}
	if h.store != nil {
		if inst, err := h.store.Get(ctx, id); err == nil {
			resp["instance_status"] = string(inst.Status)
		}
	}
	c.JSON(consts.StatusOK, resp)
}
