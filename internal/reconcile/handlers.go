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

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/bus"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/catalog"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/instance"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/provider"
	perrors "github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/errors"
)

var _ bus.Handler = (*Service)(nil)

// HandleCommand 命令总线入口
func (s *Service) HandleCommand(ctx context.Context, cmd bus.Command) error {
	var err error
	switch cmd.Verb {
	case bus.VerbProvision:
		err = s.HandleProvision(ctx, cmd)
	case bus.VerbTerminate:
		err = s.HandleTerminate(ctx, cmd)
	case bus.VerbReconcile:
		err = s.HandleReconcile(ctx, cmd)
	case bus.VerbSyncCatalog:
		err = s.HandleSyncCatalog(ctx)
	default:
		return fmt.Errorf("%w: %s", bus.ErrUnknownVerb, cmd.Verb)
	}
	if errors.Is(err, ErrSkipped) {
		s.logger.Debug("command skipped, row claimed elsewhere", "verb", cmd.Verb, "instance_id", cmd.InstanceID())
		return nil
	}
	return err
}

// HandleProvision 行不存在时先创建（provisioning），再尝试创建 provider 资源
func (s *Service) HandleProvision(ctx context.Context, cmd bus.Command) error {
	inst, err := s.RequestProvision(ctx, cmd)
	if err != nil {
		return err
	}
	if inst.Status != instance.StatusProvisioning {
		s.logger.Debug("ignoring PROVISION", "instance_id", inst.ID, "status", inst.Status)
		return nil
	}
	return s.Provision(ctx, inst)
}

// RequestProvision 落库 provisioning 行并返回；instance_id 已存在时返回现有行。
// 发布失败时该行由 provisioning_recovery 继续推进
func (s *Service) RequestProvision(ctx context.Context, cmd bus.Command) (*instance.Instance, error) {
	id := cmd.InstanceID()
	if id != "" {
		inst, err := s.store.Get(ctx, id)
		if !errors.Is(err, instance.ErrNotFound) {
			return inst, err
		}
	}
	inst := &instance.Instance{
		ID:           id,
		ProviderCode: s.provider.Code(),
		Pool:         cmd.Arg(bus.ArgPool),
		Zone:         cmd.Arg(bus.ArgZone),
		InstanceType: cmd.Arg(bus.ArgType),
		Status:       instance.StatusProvisioning,
	}
	err := s.store.Create(ctx, inst)
	if errors.Is(err, instance.ErrAlreadyExists) {
		return s.store.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// RequestTerminate 在行上记录终止意图并返回最新行；终止态返回 ErrInvalidTransition
func (s *Service) RequestTerminate(ctx context.Context, id, reason string) (*instance.Instance, error) {
	if id == "" {
		return nil, perrors.Wrap(perrors.ErrInvalidArg, "TERMINATE requires instance_id")
	}
	if reason == "" {
		reason = ReasonTerminateCommand
	}
	if err := s.store.RequestTermination(ctx, id, reason); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// HandleTerminate 先落库终止意图，再尝试进入 terminating 并删除；
// claim 竞争失败时意图保留在行上，由 terminate_requests 循环推进
func (s *Service) HandleTerminate(ctx context.Context, cmd bus.Command) error {
	id := cmd.InstanceID()
	inst, err := s.RequestTerminate(ctx, id, cmd.Arg(bus.ArgReason))
	if errors.Is(err, instance.ErrInvalidTransition) {
		s.logger.Debug("ignoring TERMINATE", "instance_id", id, "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	err = s.BeginTermination(ctx, inst)
	if errors.Is(err, ErrSkipped) {
		s.logger.Info("termination recorded, row busy", "instance_id", id, "status", inst.Status)
	}
	return err
}

// BeginTermination 推进已记录终止意图的行：进入 terminating 后立即尝试删除。
// 意图不随 claim 失败丢失，返回 ErrSkipped 时下一轮扫描重试
func (s *Service) BeginTermination(ctx context.Context, inst *instance.Instance) error {
	if inst.Status == instance.StatusTerminating {
		return s.Terminate(ctx, inst)
	}
	if !inst.TerminationRequested() || !instance.CanTransition(inst.Status, instance.StatusTerminating) {
		return nil
	}
	c, err := s.claim(ctx, "terminate_request", inst)
	if err != nil {
		return err
	}
	return s.enterTerminating(ctx, inst, c)
}

// enterTerminating 以行上记录的删除原因迁移到 terminating，随后执行一次 Terminate
func (s *Service) enterTerminating(ctx context.Context, inst *instance.Instance, c *instance.Claim) error {
	reason := inst.DeletionReason
	if reason == "" {
		reason = ReasonTerminateCommand
	}
	if err := s.transition(ctx, inst, c, instance.StatusTerminating, instance.Update{
		DeletionReason: instance.Ptr(reason),
		Reason:         ReasonTerminateCommand,
	}); err != nil {
		return err
	}
	next, err := s.store.Get(ctx, inst.ID)
	if err != nil {
		return err
	}
	return s.Terminate(ctx, next)
}

// HandleReconcile 带 instance_id：解除隔离并执行一步；不带：全量对账
func (s *Service) HandleReconcile(ctx context.Context, cmd bus.Command) error {
	id := cmd.InstanceID()
	if id == "" {
		_, err := s.ReconcileAll(ctx)
		return err
	}
	inst, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if inst.Quarantined() {
		c, err := s.claim(ctx, "reconcile", inst)
		if err != nil {
			return err
		}
		if err := s.release(ctx, c, instance.Update{ClearQuarantine: true}); err != nil {
			return err
		}
		s.logger.Info("quarantine cleared", "instance_id", id)
		if inst, err = s.store.Get(ctx, id); err != nil {
			return err
		}
	}
	return s.Step(ctx, inst)
}

// Report 全量对账结果
type Report struct {
	Seen     int `json:"seen"`
	Imported int `json:"imported"`
	Deleted  int `json:"deleted"`
}

// ReconcileAll 对比 provider 资源与存储：未知资源导入为 orphaned；行已终止的资源尽力删除
func (s *Service) ReconcileAll(ctx context.Context) (Report, error) {
	var rep Report
	var resources []provider.Resource
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		resources, err = s.provider.List(ctx)
		return err
	})
	if err != nil {
		return rep, fmt.Errorf("list provider resources: %w", err)
	}
	for _, r := range resources {
		rep.Seen++
		inst, err := s.store.GetByExternalID(ctx, r.ExternalID)
		if errors.Is(err, instance.ErrNotFound) {
			inst, err = s.ownerByKey(ctx, r.IdempotencyKey)
		}
		if err != nil {
			return rep, err
		}
		switch {
		case inst == nil:
			if err := s.importOrphan(ctx, r); err != nil {
				return rep, err
			}
			rep.Imported++
		case inst.Status.IsTerminal():
			// 终止态只做资源清理，不改动行状态
			gone := inst.Clone()
			gone.ExternalID = r.ExternalID
			s.bestEffortDelete(ctx, gone, "terminal_row")
			rep.Deleted++
		}
	}
	s.logger.Info("full reconciliation done", "seen", rep.Seen, "imported", rep.Imported, "deleted", rep.Deleted)
	return rep, nil
}

// ownerByKey 按缺省幂等键（prov-<id>）找回创建超时、尚未记录 external id 的行
func (s *Service) ownerByKey(ctx context.Context, key string) (*instance.Instance, error) {
	id, ok := strings.CutPrefix(key, "prov-")
	if !ok || id == "" {
		return nil, nil
	}
	inst, err := s.store.Get(ctx, id)
	if errors.Is(err, instance.ErrNotFound) {
		return nil, nil
	}
	return inst, err
}

func (s *Service) importOrphan(ctx context.Context, r provider.Resource) error {
	inst := &instance.Instance{
		ExternalID:     r.ExternalID,
		ProviderCode:   s.provider.Code(),
		Zone:           r.Zone,
		InstanceType:   r.InstanceType,
		IdempotencyKey: r.IdempotencyKey,
		Status:         instance.StatusOrphaned,
	}
	if err := s.store.Create(ctx, inst); err != nil {
		return err
	}
	s.logger.Warn("imported unknown provider resource as orphaned", "instance_id", inst.ID, "external_id", r.ExternalID)
	return nil
}

// HandleSyncCatalog 拉取 provider 目录写入 Registry
func (s *Service) HandleSyncCatalog(ctx context.Context) error {
	if s.catalog == nil {
		return nil
	}
	src, ok := s.provider.(provider.CatalogSource)
	if !ok {
		s.logger.Debug("provider has no catalog", "provider", s.provider.Code())
		return nil
	}
	var items []catalog.Item
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		items, err = src.FetchCatalog(ctx)
		return err
	})
	if errors.Is(err, provider.ErrCatalogUnsupported) {
		s.logger.Debug("provider has no catalog", "provider", s.provider.Code())
		return nil
	}
	if err != nil {
		return fmt.Errorf("sync catalog: %w", err)
	}
	s.catalog.Replace(s.provider.Code(), items, s.now())
	s.logger.Info("catalog synced", "provider", s.provider.Code(), "items", len(items))
	return nil
}
