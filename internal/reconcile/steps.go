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
	"fmt"
	"time"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/instance"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/provider"
	perrors "github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/errors"
)

// Step 按当前状态执行一步；其他状态无操作
func (s *Service) Step(ctx context.Context, inst *instance.Instance) error {
	switch inst.Status {
	case instance.StatusProvisioning:
		return s.Provision(ctx, inst)
	case instance.StatusBooting:
		return s.CheckBooting(ctx, inst)
	case instance.StatusReady:
		return s.VerifyReady(ctx, inst)
	case instance.StatusTerminating:
		return s.Terminate(ctx, inst)
	default:
		return nil
	}
}

// failAttempt 记一次失败尝试；达到 MaxRetries 时进入 failTo，failTo 为空则隔离
func (s *Service) failAttempt(ctx context.Context, inst *instance.Instance, c *instance.Claim, failTo instance.Status, code string, cause error) error {
	retries := inst.RetryCount + 1
	if retries < s.cfg.MaxRetries {
		s.logger.Warn("attempt failed, will retry",
			"instance_id", inst.ID, "status", inst.Status, "retry", retries, "error", cause)
		return s.release(ctx, c, instance.Update{
			RetryCount:   instance.Ptr(retries),
			ErrorMessage: instance.Ptr(cause.Error()),
			Verified:     true,
		})
	}
	if failTo == "" {
		s.logger.Error("retries exhausted, instance quarantined",
			"instance_id", inst.ID, "status", inst.Status, "retries", retries, "error", cause)
		return s.release(ctx, c, instance.Update{
			RetryCount: instance.Ptr(retries),
			Quarantine: true,
		}.WithError(code, cause.Error()))
	}
	return s.transition(ctx, inst, c, failTo, instance.Update{Reason: "retries_exhausted"}.WithError(code, cause.Error()))
}

// findByIdempotencyKey 在 provider 侧查找同一幂等键的资源；查询失败时返回空，由 Create 的幂等性兜底
func (s *Service) findByIdempotencyKey(ctx context.Context, key string) string {
	var resources []provider.Resource
	err := s.retry(ctx, func(ctx context.Context) error {
		var err error
		resources, err = s.provider.List(ctx)
		return err
	})
	if err != nil {
		s.logger.Debug("lookup by idempotency key failed", "key", key, "error", err)
		return ""
	}
	for _, r := range resources {
		if r.IdempotencyKey == key && r.ExternalID != "" {
			return r.ExternalID
		}
	}
	return ""
}

// Provision provisioning -> booting；先按幂等键采纳已有资源，否则创建
func (s *Service) Provision(ctx context.Context, inst *instance.Instance) error {
	if inst.Status != instance.StatusProvisioning {
		return nil
	}
	c, err := s.claim(ctx, "provision", inst)
	if err != nil {
		return err
	}
	// 已记录终止意图：不再创建资源
	if inst.TerminationRequested() {
		return s.enterTerminating(ctx, inst, c)
	}
	pctx, cancel := s.providerContext(ctx, c)
	defer cancel()
	key := inst.IdempotencyKey
	if key == "" {
		key = instance.DefaultIdempotencyKey(inst.ID)
	}

	reason := "adopted_existing_resource"
	extID := s.findByIdempotencyKey(pctx, key)
	if extID == "" {
		reason = "provider_created"
		spec := provider.Spec{
			Zone:         inst.Zone,
			InstanceType: inst.InstanceType,
			Image:        s.cfg.Image,
			Name:         instanceName(inst.ID),
		}
		err = s.retry(pctx, func(ctx context.Context) error {
			id, err := s.provider.Create(ctx, spec, key)
			extID = id
			return err
		})
		if ae, ok := provider.AsAlreadyExists(err); ok {
			extID, err, reason = ae.ExternalID, nil, "adopted_existing_resource"
		}
	}

	switch {
	case err == nil:
		return s.transition(ctx, inst, c, instance.StatusBooting, instance.Update{
			ExternalID:   instance.Ptr(extID),
			ErrorCode:    instance.Ptr(""),
			ErrorMessage: instance.Ptr(""),
			Reason:       reason,
		})
	case perrors.IsPermanent(err):
		return s.transition(ctx, inst, c, instance.StatusStartupFailed,
			instance.Update{Reason: "provider_rejected"}.WithError(CodeProvisionFailed, err.Error()))
	default:
		return s.failAttempt(ctx, inst, c, instance.StatusStartupFailed, CodeProvisionExhausted, err)
	}
}

func instanceName(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return "inv-" + id
}

// CheckBooting booting -> ready / startup_failed / terminating
func (s *Service) CheckBooting(ctx context.Context, inst *instance.Instance) error {
	if inst.Status != instance.StatusBooting {
		return nil
	}
	c, err := s.claim(ctx, "check_booting", inst)
	if err != nil {
		return err
	}
	pctx, cancel := s.providerContext(ctx, c)
	defer cancel()
	if elapsed := s.now().Sub(inst.StatusChangedAt); elapsed > s.cfg.BootTimeout {
		s.bestEffortDelete(pctx, inst, "boot_timeout")
		return s.transition(ctx, inst, c, instance.StatusStartupFailed,
			instance.Update{Reason: "boot_timeout"}.WithError(CodeBootTimeout, fmt.Sprintf("not running after %s", elapsed.Round(time.Second))))
	}
	if inst.ExternalID == "" {
		return s.transition(ctx, inst, c, instance.StatusStartupFailed,
			instance.Update{Reason: "missing_external_id"}.WithError(CodeMissingExternalID, "booting instance has no provider id"))
	}

	var st *provider.State
	err = s.retry(pctx, func(ctx context.Context) error {
		var err error
		st, err = s.provider.Describe(ctx, inst.ExternalID)
		return err
	})
	switch {
	case provider.IsNotFound(err):
		return s.transition(ctx, inst, c, instance.StatusTerminating, instance.Update{
			DeletionReason: instance.Ptr(ReasonProviderDeleted),
			Reason:         "provider_not_found",
		})
	case perrors.IsPermanent(err):
		s.bestEffortDelete(pctx, inst, "describe_rejected")
		return s.transition(ctx, inst, c, instance.StatusStartupFailed,
			instance.Update{Reason: "provider_rejected"}.WithError(CodeBootFailed, err.Error()))
	case err != nil:
		failures := inst.HealthCheckFailures + 1
		if failures >= s.cfg.MaxRetries {
			s.bestEffortDelete(pctx, inst, "health_check_exhausted")
			return s.transition(ctx, inst, c, instance.StatusStartupFailed,
				instance.Update{Reason: "retries_exhausted"}.WithError(CodeHealthExhausted, err.Error()))
		}
		return s.release(ctx, c, instance.Update{
			HealthCheckFailures: instance.Ptr(failures),
			ErrorMessage:        instance.Ptr(err.Error()),
			Verified:            true,
		})
	}

	u := instance.Update{}
	if st.IP != "" {
		u.IPAddress = instance.Ptr(st.IP)
	}
	switch st.Status {
	case provider.StatusRunning:
		u.Reason = "provider_running"
		return s.transition(ctx, inst, c, instance.StatusReady, u)
	case provider.StatusFailed:
		s.bestEffortDelete(pctx, inst, "provider_failed")
		u.Reason = "provider_failed"
		return s.transition(ctx, inst, c, instance.StatusStartupFailed, u.WithError(CodeBootFailed, "provider reported failed"))
	default:
		u.Verified = true
		return s.release(ctx, c, u)
	}
}

// VerifyReady 校验 ready 实例仍存在；瞬时错误计入重试，耗尽后隔离，成功时清零
func (s *Service) VerifyReady(ctx context.Context, inst *instance.Instance) error {
	if inst.Status != instance.StatusReady {
		return nil
	}
	c, err := s.claim(ctx, "verify_ready", inst)
	if err != nil {
		return err
	}
	pctx, cancel := s.providerContext(ctx, c)
	defer cancel()
	if inst.ExternalID == "" {
		return s.transition(ctx, inst, c, instance.StatusTerminating, instance.Update{
			DeletionReason: instance.Ptr(ReasonNoProviderResource),
			Reason:         "missing_external_id",
		})
	}
	var st *provider.State
	err = s.retry(pctx, func(ctx context.Context) error {
		var err error
		st, err = s.provider.Describe(ctx, inst.ExternalID)
		return err
	})
	switch {
	case provider.IsNotFound(err):
		s.logger.Warn("ready instance missing at provider", "instance_id", inst.ID, "external_id", inst.ExternalID)
		return s.transition(ctx, inst, c, instance.StatusTerminating, instance.Update{
			DeletionReason: instance.Ptr(ReasonProviderDeleted),
			Reason:         "provider_not_found",
		})
	case err != nil:
		return s.failAttempt(ctx, inst, c, "", CodeVerifyExhausted, err)
	}
	u := instance.Update{Verified: true}
	if st.IP != "" && st.IP != inst.IPAddress {
		u.IPAddress = instance.Ptr(st.IP)
	}
	if inst.RetryCount > 0 {
		u.RetryCount = instance.Ptr(0)
	}
	return s.release(ctx, c, u)
}

// Terminate terminating -> terminated：删除后等待下一轮确认 NotFound
func (s *Service) Terminate(ctx context.Context, inst *instance.Instance) error {
	if inst.Status != instance.StatusTerminating {
		return nil
	}
	c, err := s.claim(ctx, "terminate", inst)
	if err != nil {
		return err
	}
	pctx, cancel := s.providerContext(ctx, c)
	defer cancel()
	if inst.ExternalID == "" {
		return s.transition(ctx, inst, c, instance.StatusTerminated, instance.Update{
			DeletionReason: instance.Ptr(ReasonNoProviderResource),
			Reason:         ReasonNoProviderResource,
		})
	}

	// 先确认；查询失败时仍尝试删除
	_, err = s.provider.Describe(pctx, inst.ExternalID)
	if provider.IsNotFound(err) {
		return s.transition(ctx, inst, c, instance.StatusTerminated, instance.Update{Reason: "provider_confirmed_deleted"})
	}

	err = s.retry(pctx, func(ctx context.Context) error { return s.provider.Delete(ctx, inst.ExternalID) })
	switch {
	case err == nil:
		s.logger.Info("delete acknowledged, awaiting confirmation", "instance_id", inst.ID, "external_id", inst.ExternalID)
		return s.release(ctx, c, instance.Update{Verified: true})
	case provider.IsNotFound(err):
		return s.transition(ctx, inst, c, instance.StatusTerminated, instance.Update{Reason: "provider_confirmed_deleted"})
	case perrors.IsPermanent(err):
		s.logger.Error("delete rejected, instance quarantined", "instance_id", inst.ID, "error", err)
		return s.release(ctx, c, instance.Update{Quarantine: true}.WithError(CodeTerminateFailed, err.Error()))
	default:
		return s.failAttempt(ctx, inst, c, "", CodeTerminateExhausted, err)
	}
}
