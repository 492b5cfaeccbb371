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

package instance

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound 实例不存在
	ErrNotFound = errors.New("instance: not found")
	// ErrAlreadyExists 重复创建
	ErrAlreadyExists = errors.New("instance: already exists")
	// ErrConflict claim 竞争失败或 claim 已失效（版本不匹配），调用方静默跳过
	ErrConflict = errors.New("instance: claim conflict")
	// ErrInvalidTransition 状态机不允许的迁移
	ErrInvalidTransition = errors.New("instance: invalid transition")
)

// ScanFilter 扫描条件：status = S 且 LastTouched < StaleBefore，排除已隔离与持有有效 claim 的行。
// TerminateRequested 为真时忽略 Status、StaleBefore 与隔离标记，选中带终止意图且仍可进入 terminating 的行
type ScanFilter struct {
	Status             Status
	StaleBefore        time.Time
	TerminateRequested bool
	Limit              int
	// Now 判断 claim 是否过期的时刻，零值使用存储时钟
	Now time.Time
}

// ListFilter 列表条件
type ListFilter struct {
	Pool     string
	Statuses []Status
	Limit    int
}

// Store 实例存储契约；所有变更走 claim-then-update
type Store interface {
	Create(ctx context.Context, inst *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	GetByExternalID(ctx context.Context, externalID string) (*Instance, error)
	// Scan 按 LastTouched 升序返回至多 Limit 条候选
	Scan(ctx context.Context, f ScanFilter) ([]*Instance, error)
	List(ctx context.Context, f ListFilter) ([]*Instance, error)
	// Claim 原子推进 Version 并记录 owner 与过期时间；版本不符或存在有效 claim 时返回 ErrConflict
	Claim(ctx context.Context, id string, expectedVersion int64, owner string, ttl time.Duration) (*Claim, error)
	// UpdateStatus 校验 claim 与状态机后写入新状态、追加审计并释放 claim
	UpdateStatus(ctx context.Context, c *Claim, to Status, u Update) error
	// Release 写入非状态字段并释放 claim
	Release(ctx context.Context, c *Claim, u Update) error
	// RequestTermination 记录终止意图（不要求 claim，不推进 Version），由终止意图扫描兜底推进；
	// 同时解除隔离。终止态返回 ErrInvalidTransition
	RequestTermination(ctx context.Context, id, reason string) error
	History(ctx context.Context, id string) ([]StateTransition, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	Close() error
}

func containsStatus(list []Status, s Status) bool {
	if len(list) == 0 {
		return true
	}
	for _, st := range list {
		if st == s {
			return true
		}
	}
	return false
}

// scanMatch 内存实现共用的候选判断
func scanMatch(inst *Instance, f ScanFilter, now time.Time) bool {
	if f.TerminateRequested {
		return inst.TerminationRequested() && CanTransition(inst.Status, StatusTerminating) && !inst.ClaimedAt(now)
	}
	if inst.Status != f.Status || inst.Quarantined() {
		return false
	}
	if inst.ClaimedAt(now) {
		return false
	}
	return inst.LastTouched().Before(f.StaleBefore)
}
