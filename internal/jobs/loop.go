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

// Package jobs 周期扫描循环：每个循环按状态与陈旧阈值选出候选实例，逐个执行一步迁移。
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/instance"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/reconcile"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/config"
	perrors "github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/errors"
)

// StepFunc 对单个候选实例执行一步
type StepFunc func(ctx context.Context, inst *instance.Instance) error

// IterateFunc 不基于扫描的自定义迭代（如扩缩容）
type IterateFunc func(ctx context.Context) (Stats, error)

// Job 名称
const (
	NameProvisioningRecovery = "provisioning_recovery"
	NameHealthCheck          = "health_check"
	NameWatchdog             = "watchdog"
	NameTerminator           = "terminator"
	NameTerminateRequests    = "terminate_requests"
	NameScalingEngine        = "scaling_engine"
)

// Loop 一个独立调度的循环；Iterate 非空时忽略 Status / Threshold / BatchSize / Step
type Loop struct {
	Name      string
	Interval  time.Duration
	Status    instance.Status
	Threshold time.Duration
	BatchSize int
	Step      StepFunc
	Iterate   IterateFunc
	// TerminateRequested 按终止意图选行，忽略 Status 与 Threshold
	TerminateRequested bool
}

// tally 按错误类别累计一个候选的处理结果，返回错误类别（无错误时为空）
func (s *Stats) tally(err error) string {
	switch {
	case err == nil:
		s.Processed++
		return ""
	case errors.Is(err, errStepPanic):
		s.Errors++
		s.LastError = err.Error()
		return "panic"
	case errors.Is(err, reconcile.ErrSkipped), errors.Is(err, instance.ErrConflict):
		s.Conflicts++
		return ""
	case errors.Is(err, instance.ErrNotFound), errors.Is(err, instance.ErrInvalidTransition):
		s.Errors++
		s.LastError = err.Error()
		return "store"
	case perrors.IsPermanent(err):
		s.Errors++
		s.LastError = err.Error()
		return "permanent"
	default:
		s.Errors++
		s.LastError = err.Error()
		return "transient"
	}
}

func loopFromConfig(name string, c config.LoopConfig, status instance.Status, threshold, interval time.Duration, batch int, step StepFunc) *Loop {
	if !config.IsEnabled(c.Enabled) {
		return nil
	}
	if c.BatchSize > 0 {
		batch = c.BatchSize
	}
	return &Loop{
		Name:      name,
		Interval:  config.ParseDuration(c.Interval, interval),
		Status:    status,
		Threshold: config.ParseDuration(c.Threshold, threshold),
		BatchSize: batch,
		Step:      step,
	}
}

// ReconcileLoops 按配置构造扫描循环；被禁用的循环不返回
func ReconcileLoops(cfg config.JobsConfig, svc *reconcile.Service) []*Loop {
	intents := loopFromConfig(NameTerminateRequests, cfg.TerminateRequests, "",
		0, 10*time.Second, 50, svc.BeginTermination)
	if intents != nil {
		intents.TerminateRequested = true
	}
	candidates := []*Loop{
		loopFromConfig(NameProvisioningRecovery, cfg.Provisioning, instance.StatusProvisioning,
			60*time.Second, 10*time.Second, 25, svc.Provision),
		loopFromConfig(NameHealthCheck, cfg.HealthCheck.LoopConfig, instance.StatusBooting,
			10*time.Second, 10*time.Second, 50, svc.CheckBooting),
		loopFromConfig(NameWatchdog, cfg.Watchdog, instance.StatusReady,
			60*time.Second, 30*time.Second, 50, svc.VerifyReady),
		loopFromConfig(NameTerminator, cfg.Terminator, instance.StatusTerminating,
			10*time.Second, 10*time.Second, 50, svc.Terminate),
		intents,
	}
	var loops []*Loop
	for _, l := range candidates {
		if l != nil {
			loops = append(loops, l)
		}
	}
	return loops
}
