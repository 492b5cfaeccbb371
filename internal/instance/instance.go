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

// Package instance 定义实例实体、生命周期状态机与存储契约（claim-then-update）。
package instance

import (
	"time"

	"github.com/google/uuid"
)

// Instance 受控实例：一行对应一台 provider 侧的机器
type Instance struct {
	ID         string
	ExternalID string // provider 分配，provisioning 成功前为空

	ProviderCode string
	Region       string
	Zone         string
	InstanceType string
	Pool         string
	// IdempotencyKey 客户端提供，重复 create 不会产生第二个资源
	IdempotencyKey string

	Status    Status
	IPAddress string

	RetryCount          int
	HealthCheckFailures int
	ErrorCode           string
	ErrorMessage        string
	DeletionReason      string

	CreatedAt       time.Time
	StatusChangedAt time.Time
	LastVerifiedAt  time.Time // 零值表示自进入当前状态后未校验
	TerminatedAt    time.Time
	// FailedAt 非零表示已隔离（重试耗尽），扫描不再选中，等待运维处理
	FailedAt time.Time
	// TerminateRequestedAt 非零表示已记录终止意图，进入 terminating 或终止态时清除
	TerminateRequestedAt time.Time

	// Version 单调递增的 claim token；ClaimOwner/ClaimExpiresAt 为当前 claim
	Version        int64
	ClaimOwner     string
	ClaimExpiresAt time.Time
}

// NewInstance 构造 provisioning 状态的新实例，ID 与幂等键缺省自动生成
func NewInstance(pool, zone, instanceType string) *Instance {
	id := uuid.New().String()
	return &Instance{
		ID:             id,
		Pool:           pool,
		Zone:           zone,
		InstanceType:   instanceType,
		IdempotencyKey: DefaultIdempotencyKey(id),
		Status:         StatusProvisioning,
	}
}

// DefaultIdempotencyKey 未提供幂等键时的缺省值
func DefaultIdempotencyKey(id string) string {
	return "prov-" + id
}

// LastTouched 最近一次状态变化或校验时间，staleness 判断依据
func (i *Instance) LastTouched() time.Time {
	if !i.LastVerifiedAt.IsZero() {
		return i.LastVerifiedAt
	}
	return i.StatusChangedAt
}

// ClaimedAt 报告在 now 时刻是否存在未过期的 claim
func (i *Instance) ClaimedAt(now time.Time) bool {
	return i.ClaimOwner != "" && now.Before(i.ClaimExpiresAt)
}

// Quarantined 是否已被隔离
func (i *Instance) Quarantined() bool {
	return !i.FailedAt.IsZero()
}

// TerminationRequested 是否存在待处理的终止意图
func (i *Instance) TerminationRequested() bool {
	return !i.TerminateRequestedAt.IsZero()
}

// Clone 深拷贝（无引用字段，值拷贝即可）
func (i *Instance) Clone() *Instance {
	cp := *i
	return &cp
}

// StateTransition 状态迁移审计记录，只追加
type StateTransition struct {
	InstanceID string
	From       Status // 创建时为空
	To         Status
	Reason     string
	At         time.Time
}

// Claim 对单行的限时行动权；持有者凭 Version+Owner 写回
type Claim struct {
	InstanceID string
	Owner      string
	Version    int64
	ExpiresAt  time.Time
}

// Update 随状态迁移或释放 claim 一并写入的字段；nil 表示不修改
type Update struct {
	ExternalID          *string
	IPAddress           *string
	RetryCount          *int
	HealthCheckFailures *int
	ErrorCode           *string
	ErrorMessage        *string
	DeletionReason      *string
	// Verified 置 LastVerifiedAt = now
	Verified bool
	// Quarantine 置 FailedAt = now；ClearQuarantine 清除隔离并将重试计数归零
	Quarantine      bool
	ClearQuarantine bool
	// Reason 写入状态迁移审计
	Reason string
}

// Ptr 返回 v 的指针，便于构造 Update
func Ptr[T any](v T) *T {
	return &v
}

// WithError 设置错误码与错误信息
func (u Update) WithError(code, msg string) Update {
	u.ErrorCode = Ptr(code)
	u.ErrorMessage = Ptr(msg)
	return u
}

// apply 将 Update 写入内存副本（memory / badger 共用）
func (u Update) apply(inst *Instance, now time.Time) {
	if u.ExternalID != nil {
		inst.ExternalID = *u.ExternalID
	}
	if u.IPAddress != nil {
		inst.IPAddress = *u.IPAddress
	}
	if u.RetryCount != nil {
		inst.RetryCount = *u.RetryCount
	}
	if u.HealthCheckFailures != nil {
		inst.HealthCheckFailures = *u.HealthCheckFailures
	}
	if u.ErrorCode != nil {
		inst.ErrorCode = *u.ErrorCode
	}
	if u.ErrorMessage != nil {
		inst.ErrorMessage = *u.ErrorMessage
	}
	if u.DeletionReason != nil && inst.DeletionReason == "" {
		inst.DeletionReason = *u.DeletionReason
	}
	if u.Verified {
		inst.LastVerifiedAt = now
	}
	if u.Quarantine {
		inst.FailedAt = now
	}
	if u.ClearQuarantine {
		inst.FailedAt = time.Time{}
		inst.RetryCount = 0
		inst.HealthCheckFailures = 0
	}
}

// checkClaim 校验 claim 仍然有效：Version 与 Owner 均匹配
func checkClaim(inst *Instance, c *Claim) error {
	if c == nil || inst.Version != c.Version || inst.ClaimOwner != c.Owner {
		return ErrConflict
	}
	return nil
}

// transition 在内存副本上完成一次受 claim 保护的状态写回，返回需要追加的审计记录（状态未变时为 nil）
func transition(inst *Instance, c *Claim, to Status, u Update, now time.Time) (*StateTransition, error) {
	if err := checkClaim(inst, c); err != nil {
		return nil, err
	}
	from := inst.Status
	if from != to {
		if err := ValidateTransition(from, to); err != nil {
			return nil, err
		}
	}
	if from != to {
		// 进入新状态：计数与校验时间重新开始
		inst.RetryCount = 0
		inst.HealthCheckFailures = 0
		inst.LastVerifiedAt = time.Time{}
	}
	u.apply(inst, now)
	var rec *StateTransition
	if from != to {
		inst.Status = to
		inst.StatusChangedAt = now
		if to == StatusTerminated && inst.TerminatedAt.IsZero() {
			inst.TerminatedAt = now
		}
		if to == StatusTerminating || to.IsTerminal() {
			inst.TerminateRequestedAt = time.Time{}
		}
		rec = &StateTransition{InstanceID: inst.ID, From: from, To: to, Reason: u.Reason, At: now}
	}
	release(inst)
	return rec, nil
}

// markTermination 记录终止意图，不要求 claim，不推进 Version；
// terminating 行只解除隔离，终止态返回 ErrInvalidTransition
func markTermination(inst *Instance, reason string, now time.Time) error {
	if inst.Status != StatusTerminating {
		if err := ValidateTransition(inst.Status, StatusTerminating); err != nil {
			return err
		}
		if inst.TerminateRequestedAt.IsZero() {
			inst.TerminateRequestedAt = now
		}
	}
	if inst.DeletionReason == "" {
		inst.DeletionReason = reason
	}
	if inst.Quarantined() {
		inst.FailedAt = time.Time{}
		inst.RetryCount = 0
		inst.HealthCheckFailures = 0
	}
	return nil
}

func release(inst *Instance) {
	inst.ClaimOwner = ""
	inst.ClaimExpiresAt = time.Time{}
	inst.Version++
}

// prepareCreate 填充创建时的缺省字段
func prepareCreate(inst *Instance, now time.Time) *StateTransition {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if inst.IdempotencyKey == "" {
		inst.IdempotencyKey = DefaultIdempotencyKey(inst.ID)
	}
	if inst.Status == "" {
		inst.Status = StatusProvisioning
	}
	inst.CreatedAt = now
	inst.StatusChangedAt = now
	inst.Version = 1
	inst.ClaimOwner = ""
	inst.ClaimExpiresAt = time.Time{}
	return &StateTransition{InstanceID: inst.ID, To: inst.Status, Reason: "created", At: now}
}
