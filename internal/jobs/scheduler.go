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

package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/instance"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/log"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/metrics"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/tracing"
)

var errStepPanic = errors.New("step panicked")

// Scheduler 每个 Loop 一个 goroutine（ticker + stopCh + WaitGroup）；循环之间只共享存储与看板
type Scheduler struct {
	store  instance.Store
	loops  []*Loop
	board  *Board
	logger *log.Logger
	now    func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// SchedulerOption 可选参数
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger 设置日志
func WithSchedulerLogger(l *log.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithSchedulerClock 替换时钟，测试用
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler board 为 nil 时新建
func NewScheduler(store instance.Store, board *Board, loops []*Loop, opts ...SchedulerOption) *Scheduler {
	if board == nil {
		board = NewBoard()
	}
	s := &Scheduler{
		store:  store,
		loops:  loops,
		board:  board,
		logger: log.Nop(),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, l := range loops {
		board.Register(l.Name)
	}
	return s
}

// Board 运行看板
func (s *Scheduler) Board() *Board { return s.board }

// Loops 已配置的循环
func (s *Scheduler) Loops() []*Loop { return s.loops }

// Start 启动全部循环；启动后立即执行一次，之后按 Interval 触发
func (s *Scheduler) Start(ctx context.Context) {
	for _, l := range s.loops {
		s.wg.Add(1)
		go s.run(ctx, l)
	}
	s.logger.Info("job scheduler started", "loops", len(s.loops))
}

// Stop 停止全部循环并等待正在进行的迭代结束
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context, l *Loop) {
	defer s.wg.Done()
	interval := l.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.RunOnce(ctx, l)
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce 执行一次迭代并记录到看板与指标；单个实例的错误不影响其他候选
func (s *Scheduler) RunOnce(ctx context.Context, l *Loop) Stats {
	start := s.now()
	ctx, span := tracing.StartJobSpan(ctx, l.Name)
	var (
		st  Stats
		err error
	)
	if l.Iterate != nil {
		st, err = s.iterate(ctx, l)
	} else {
		st, err = s.scanAndStep(ctx, l, start)
	}
	s.finish(l, start, st, err)
	tracing.EndSpan(span, err)
	return st
}

// iterate 自定义迭代内的 panic 记为本次迭代的错误
func (s *Scheduler) iterate(ctx context.Context, l *Loop) (st Stats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errStepPanic, r)
			st.Errors++
			st.LastError = err.Error()
			metrics.JobErrorsTotal.WithLabelValues(l.Name, "panic").Inc()
			s.logger.Error("job iteration panicked", "job", l.Name, "panic", r)
		}
	}()
	st, err = l.Iterate(ctx)
	if err != nil {
		metrics.JobErrorsTotal.WithLabelValues(l.Name, "iterate").Inc()
	}
	return st, err
}

func (s *Scheduler) scanAndStep(ctx context.Context, l *Loop, now time.Time) (Stats, error) {
	var st Stats
	candidates, err := s.store.Scan(ctx, instance.ScanFilter{
		Status:             l.Status,
		StaleBefore:        now.Add(-l.Threshold),
		TerminateRequested: l.TerminateRequested,
		Limit:              l.BatchSize,
		Now:                now,
	})
	if err != nil {
		metrics.JobErrorsTotal.WithLabelValues(l.Name, "scan").Inc()
		s.logger.Error("scan failed", "job", l.Name, "error", err)
		st.Errors++
		st.LastError = err.Error()
		return st, err
	}
	st.Candidates = len(candidates)
	for _, inst := range candidates {
		if ctx.Err() != nil {
			break
		}
		stepErr := s.step(ctx, l, inst)
		if kind := st.tally(stepErr); kind != "" {
			metrics.JobErrorsTotal.WithLabelValues(l.Name, kind).Inc()
			s.logger.Warn("step failed", "job", l.Name, "instance_id", inst.ID, "status", inst.Status, "error", stepErr)
		}
	}
	if st.Conflicts > 0 {
		s.logger.Debug("candidates claimed elsewhere", "job", l.Name, "conflicts", st.Conflicts)
	}
	return st, nil
}

// step 单个候选的 panic 只记为该候选的错误，批内其余候选照常处理
func (s *Scheduler) step(ctx context.Context, l *Loop, inst *instance.Instance) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("step panicked", "job", l.Name, "instance_id", inst.ID, "panic", r)
			err = fmt.Errorf("%w: %v", errStepPanic, r)
		}
	}()
	return l.Step(ctx, inst)
}

func (s *Scheduler) finish(l *Loop, start time.Time, st Stats, err error) {
	end := s.now()
	st.LastRunAt = end
	st.LastDuration = end.Sub(start)
	if err != nil && st.LastError == "" {
		st.LastError = err.Error()
	}
	s.board.Record(l.Name, st)
	metrics.JobCandidates.WithLabelValues(l.Name).Set(float64(st.Candidates))
	metrics.JobLastRunTimestamp.WithLabelValues(l.Name).Set(float64(end.Unix()))
	metrics.JobIterationDuration.WithLabelValues(l.Name).Observe(st.LastDuration.Seconds())
	if st.Candidates > 0 || st.Errors > 0 {
		s.logger.Info("job iteration done", "job", l.Name,
			"candidates", st.Candidates, "processed", st.Processed, "errors", st.Errors, "conflicts", st.Conflicts)
	}
}
