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

// Package reconcile 实现按状态推进实例的迁移逻辑，命令总线（快路径）与扫描 Job（慢路径）共用。
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/catalog"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/instance"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/provider"
	perrors "github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/errors"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/log"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/metrics"
)

// ErrSkipped claim 竞争失败或 claim 已失效：本轮跳过，下一轮重试
var ErrSkipped = errors.New("reconcile: claim lost, skipped")

// 错误码
const (
	CodeProvisionFailed    = "PROVISION_FAILED"
	CodeProvisionExhausted = "PROVISION_RETRIES_EXHAUSTED"
	CodeBootTimeout        = "BOOT_TIMEOUT"
	CodeBootFailed         = "PROVIDER_REPORTED_FAILURE"
	CodeHealthExhausted    = "HEALTH_CHECK_RETRIES_EXHAUSTED"
	CodeVerifyExhausted    = "VERIFY_RETRIES_EXHAUSTED"
	CodeMissingExternalID  = "MISSING_EXTERNAL_ID"
	CodeTerminateFailed    = "TERMINATE_FAILED"
	CodeTerminateExhausted = "TERMINATE_RETRIES_EXHAUSTED"
)

// 删除原因
const (
	ReasonProviderDeleted    = "provider_deleted"
	ReasonNoProviderResource = "no_provider_resource"
	ReasonTerminateCommand   = "terminate_command"
)

// BackoffConfig 单次调用内的瞬时错误重试
type BackoffConfig struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Config Service 参数
type Config struct {
	// Owner claim 持有者标识，通常为 hostname-pid
	Owner       string
	ClaimTTL    time.Duration
	MaxRetries  int
	BootTimeout time.Duration
	Backoff     BackoffConfig
	// CallTimeout 单次 provider 调用超时，用于推算单步最坏耗时
	CallTimeout time.Duration
	// Image 创建实例使用的镜像
	Image string
}

// StepBudget 单步最坏耗时：每步至多两次带重试的 provider 调用，
// 每次 MaxAttempts × CallTimeout 加上退避（按 1.5 倍随机化上限）
func (c Config) StepBudget() time.Duration {
	attempts := time.Duration(c.Backoff.MaxAttempts)
	perCall := attempts*c.CallTimeout + (attempts-1)*c.Backoff.Max*3/2
	return 2 * perCall
}

// DefaultConfig 缺省参数
func DefaultConfig() Config {
	return Config{
		Owner:       "orchestrator",
		ClaimTTL:    2 * time.Minute,
		MaxRetries:  5,
		BootTimeout: 10 * time.Minute,
		Backoff: BackoffConfig{
			Initial:     200 * time.Millisecond,
			Max:         5 * time.Second,
			MaxAttempts: 3,
		},
		CallTimeout: 15 * time.Second,
	}
}

// TokenIssuer worker token 钩子
type TokenIssuer interface {
	IssueForInstance(ctx context.Context, instanceID string) error
	RevokeForInstance(ctx context.Context, instanceID string) error
}

// CostEmitter 计费事件钩子
type CostEmitter interface {
	CostStart(ctx context.Context, inst *instance.Instance) error
	CostStop(ctx context.Context, inst *instance.Instance, reason string) error
}

// Service 实例迁移逻辑；所有写入经 claim-then-update
type Service struct {
	store    instance.Store
	provider provider.Adapter
	cfg      Config
	tokens   TokenIssuer
	costs    CostEmitter
	catalog  *catalog.Registry
	logger   *log.Logger
	now      func() time.Time
}

// Option 可选依赖
type Option func(*Service)

// WithTokens 设置 worker token 钩子
func WithTokens(t TokenIssuer) Option { return func(s *Service) { s.tokens = t } }

// WithCosts 设置计费事件钩子
func WithCosts(c CostEmitter) Option { return func(s *Service) { s.costs = c } }

// WithCatalog 设置目录，SYNC_CATALOG 写入
func WithCatalog(r *catalog.Registry) Option { return func(s *Service) { s.catalog = r } }

// WithLogger 设置日志
func WithLogger(l *log.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock 替换时钟，测试用
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService 创建 Service；cfg 中的零值回落到缺省
func NewService(store instance.Store, p provider.Adapter, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.Owner == "" {
		cfg.Owner = def.Owner
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = def.ClaimTTL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = def.BootTimeout
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = def.Backoff.Initial
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = def.Backoff.Max
	}
	if cfg.Backoff.MaxAttempts <= 0 {
		cfg.Backoff.MaxAttempts = def.Backoff.MaxAttempts
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	configured := cfg.ClaimTTL
	if budget := cfg.StepBudget(); cfg.ClaimTTL < budget {
		cfg.ClaimTTL = budget
	}
	s := &Service{store: store, provider: p, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = log.Nop()
	}
	if cfg.ClaimTTL != configured {
		s.logger.Warn("claim ttl shorter than worst-case step, raised",
			"configured", configured, "claim_ttl", cfg.ClaimTTL)
	}
	return s
}

// Config 当前生效参数
func (s *Service) Config() Config { return s.cfg }

// Store 实例存储
func (s *Service) Store() instance.Store { return s.store }

// claim 取得行动权；竞争失败返回 ErrSkipped
func (s *Service) claim(ctx context.Context, actor string, inst *instance.Instance) (*instance.Claim, error) {
	c, err := s.store.Claim(ctx, inst.ID, inst.Version, s.cfg.Owner, s.cfg.ClaimTTL)
	if errors.Is(err, instance.ErrConflict) {
		metrics.ClaimConflictsTotal.WithLabelValues(actor).Inc()
		return nil, ErrSkipped
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// providerContext provider 调用的截止时间不晚于 claim 到期，过期后其他副本才可能接手；
// 剩余时间按服务时钟计算，写回存储仍使用原 ctx，由版本校验拒绝被接手后的写入
func (s *Service) providerContext(ctx context.Context, c *instance.Claim) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.ExpiresAt.Sub(s.now()))
}

// transition 写入新状态并触发 token / 计费钩子
func (s *Service) transition(ctx context.Context, inst *instance.Instance, c *instance.Claim, to instance.Status, u instance.Update) error {
	from := inst.Status
	if err := s.store.UpdateStatus(ctx, c, to, u); err != nil {
		if errors.Is(err, instance.ErrConflict) {
			return ErrSkipped
		}
		return err
	}
	metrics.InstanceTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	s.logger.Info("instance transition",
		"instance_id", inst.ID, "from", from, "to", to, "reason", u.Reason)

	after := inst.Clone()
	after.Status = to
	if u.ExternalID != nil {
		after.ExternalID = *u.ExternalID
	}
	if u.IPAddress != nil {
		after.IPAddress = *u.IPAddress
	}
	s.afterTransition(ctx, after, from, to, u)
	return nil
}

// afterTransition 钩子失败只记录日志，不影响状态
func (s *Service) afterTransition(ctx context.Context, inst *instance.Instance, from, to instance.Status, u instance.Update) {
	if to == instance.StatusReady {
		if s.tokens != nil {
			if err := s.tokens.IssueForInstance(ctx, inst.ID); err != nil {
				s.logger.Error("issue worker token", "instance_id", inst.ID, "error", err)
			}
		}
		if s.costs != nil {
			_ = s.costs.CostStart(ctx, inst)
		}
	}
	if from == instance.StatusReady && to != instance.StatusReady && s.tokens != nil {
		if err := s.tokens.RevokeForInstance(ctx, inst.ID); err != nil {
			s.logger.Error("revoke worker token", "instance_id", inst.ID, "error", err)
		}
	}
	if to == instance.StatusTerminated && inst.ExternalID != "" && s.costs != nil {
		reason := inst.DeletionReason
		if reason == "" && u.DeletionReason != nil {
			reason = *u.DeletionReason
		}
		if reason == "" {
			reason = u.Reason
		}
		_ = s.costs.CostStop(ctx, inst, reason)
	}
}

// release 写回非状态字段并释放 claim
func (s *Service) release(ctx context.Context, c *instance.Claim, u instance.Update) error {
	if err := s.store.Release(ctx, c, u); err != nil {
		if errors.Is(err, instance.ErrConflict) {
			return ErrSkipped
		}
		return err
	}
	return nil
}

// retry 在瞬时错误上指数退避；NotFound、AlreadyExists 与永久错误立即返回
func (s *Service) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.Backoff.Initial
	eb.MaxInterval = s.cfg.Backoff.Max
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.cfg.Backoff.MaxAttempts-1)), ctx)
	return backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if _, exists := provider.AsAlreadyExists(err); exists || provider.IsNotFound(err) || !perrors.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// bestEffortDelete 失败只记日志；资源泄漏由全量对账兜底
func (s *Service) bestEffortDelete(ctx context.Context, inst *instance.Instance, why string) {
	if inst.ExternalID == "" {
		return
	}
	err := s.retry(ctx, func(ctx context.Context) error { return s.provider.Delete(ctx, inst.ExternalID) })
	if err != nil && !provider.IsNotFound(err) {
		s.logger.Warn("best-effort delete failed", "instance_id", inst.ID, "external_id", inst.ExternalID, "why", why, "error", err)
	}
}
