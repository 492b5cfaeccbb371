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
	"fmt"
)

// Status 实例生命周期状态
type Status string

const (
	StatusProvisioning  Status = "provisioning"
	StatusBooting       Status = "booting"
	StatusReady         Status = "ready"
	StatusTerminating   Status = "terminating"
	StatusTerminated    Status = "terminated"
	StatusStartupFailed Status = "startup_failed"
	StatusOrphaned      Status = "orphaned"
	StatusArchived      Status = "archived"
)

// AllStatuses 全部状态，按生命周期顺序
var AllStatuses = []Status{
	StatusProvisioning, StatusBooting, StatusReady, StatusTerminating,
	StatusTerminated, StatusStartupFailed, StatusOrphaned, StatusArchived,
}

// ActiveStatuses 计入池容量的状态
var ActiveStatuses = []Status{StatusProvisioning, StatusBooting, StatusReady}

// TerminatableStatuses 可直接进入 terminating 的状态
var TerminatableStatuses = []Status{StatusProvisioning, StatusBooting, StatusReady, StatusOrphaned}

func (s Status) String() string { return string(s) }

// ParseStatus 解析状态字符串
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("instance: unknown status %q", s)
}

// IsTerminal terminated / startup_failed / archived 不再被任何循环处理
func (s Status) IsTerminal() bool {
	switch s {
	case StatusTerminated, StatusStartupFailed, StatusArchived:
		return true
	default:
		return false
	}
}

// IsActive 是否计入池容量
func (s Status) IsActive() bool {
	switch s {
	case StatusProvisioning, StatusBooting, StatusReady:
		return true
	default:
		return false
	}
}

// transitions 允许的迁移；provisioning 的 requeue 不改变状态，不在表中
var transitions = map[Status][]Status{
	StatusProvisioning:  {StatusBooting, StatusTerminating, StatusStartupFailed},
	StatusBooting:       {StatusReady, StatusStartupFailed, StatusTerminating},
	StatusReady:         {StatusTerminating},
	StatusOrphaned:      {StatusTerminating},
	StatusTerminating:   {StatusTerminated},
	StatusTerminated:    {StatusArchived},
	StatusStartupFailed: {StatusArchived},
}

// CanTransition 报告 from -> to 是否合法
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ValidateTransition 非法迁移返回 ErrInvalidTransition
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
