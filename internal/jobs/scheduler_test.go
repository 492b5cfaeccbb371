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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/bus"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/instance"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/provider"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/reconcile"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/config"
	perrors "github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/errors"
)

func TestReconcileLoops_Defaults(t *testing.T) {
	svc := reconcile.NewService(instance.NewMemoryStore(), provider.NewMock("mock", 0), reconcile.Config{})
	loops := ReconcileLoops(config.JobsConfig{}, svc)
	require.Len(t, loops, 5)

	want := []struct {
		name      string
		status    instance.Status
		threshold time.Duration
		interval  time.Duration
		batch     int
	}{
		{NameProvisioningRecovery, instance.StatusProvisioning, 60 * time.Second, 10 * time.Second, 25},
		{NameHealthCheck, instance.StatusBooting, 10 * time.Second, 10 * time.Second, 50},
		{NameWatchdog, instance.StatusReady, 60 * time.Second, 30 * time.Second, 50},
		{NameTerminator, instance.StatusTerminating, 10 * time.Second, 10 * time.Second, 50},
		{NameTerminateRequests, "", 0, 10 * time.Second, 50},
	}
	for i, w := range want {
		t.Run(w.name, func(t *testing.T) {
			l := loops[i]
			assert.Equal(t, w.name, l.Name)
			assert.Equal(t, w.status, l.Status)
			assert.Equal(t, w.threshold, l.Threshold)
			assert.Equal(t, w.interval, l.Interval)
			assert.Equal(t, w.batch, l.BatchSize)
			assert.Equal(t, w.name == NameTerminateRequests, l.TerminateRequested)
			assert.NotNil(t, l.Step)
		})
	}
}

func TestReconcileLoops_Overrides(t *testing.T) {
	off := false
	svc := reconcile.NewService(instance.NewMemoryStore(), provider.NewMock("mock", 0), reconcile.Config{})
	loops := ReconcileLoops(config.JobsConfig{
		Watchdog:    config.LoopConfig{Enabled: &off},
		HealthCheck: config.HealthConfig{LoopConfig: config.LoopConfig{Interval: "2s", BatchSize: 5}},
	}, svc)
	require.Len(t, loops, 4)
	for _, l := range loops {
		assert.NotEqual(t, NameWatchdog, l.Name)
		if l.Name == NameHealthCheck {
			assert.Equal(t, 2*time.Second, l.Interval)
			assert.Equal(t, 5, l.BatchSize)
		}
	}
}

// PROVISION 丢失后，provisioning_recovery 仍能把行推进到 ready
func TestScheduler_LostProvisionIsRecovered(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	dropped := &recordingSender{}
	scaling := NewScalingEngine(e.store, StaticPools{{Name: "l4", Zone: "z1", InstanceType: "GPU-L4-1", Desired: 1}}, dropped, "mock", nil)

	st := e.sched.RunOnce(ctx, scaling.Loop(time.Minute))
	assert.Equal(t, 1, st.Processed)
	require.Len(t, dropped.sent(), 1)
	id := dropped.sent()[0].InstanceID()
	assert.Equal(t, instance.StatusProvisioning, e.get(t, id).Status)

	recovery := e.loop(t, NameProvisioningRecovery)
	st = e.sched.RunOnce(ctx, recovery)
	assert.Equal(t, 0, st.Candidates, "fresh rows are left to the fast path")

	e.clock.Advance(61 * time.Second)
	st = e.sched.RunOnce(ctx, recovery)
	assert.Equal(t, 1, st.Candidates)
	assert.Equal(t, 1, st.Processed)
	assert.Equal(t, instance.StatusBooting, e.get(t, id).Status)

	e.clock.Advance(11 * time.Second)
	e.sched.RunOnce(ctx, e.loop(t, NameHealthCheck))
	assert.Equal(t, instance.StatusReady, e.get(t, id).Status)

	// 已满足目标，不再发出命令
	e.sched.RunOnce(ctx, scaling.Loop(time.Minute))
	assert.Len(t, dropped.sent(), 1)
	assert.Equal(t, 1, e.mock.Calls(provider.OpCreate))
}

func TestScheduler_ErrorsAreIsolatedPerInstance(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	failing := e.seed(t, "l4", instance.StatusBooting, "srv-1")
	exploding := e.seed(t, "l4", instance.StatusBooting, "srv-2")
	healthy := e.seed(t, "l4", instance.StatusBooting, "srv-3")

	var visited atomic.Int64
	l := &Loop{
		Name:   "isolated",
		Status: instance.StatusBooting,
		Step: func(ctx context.Context, inst *instance.Instance) error {
			visited.Add(1)
			switch inst.ID {
			case failing.ID:
				return perrors.Transient(errors.New("503"))
			case exploding.ID:
				panic("boom")
			}
			return nil
		},
	}
	e.clock.Advance(time.Second)
	st := e.sched.RunOnce(ctx, l)
	assert.Equal(t, 3, st.Candidates)
	assert.Equal(t, int64(3), visited.Load(), "a panicking candidate must not abort the batch")
	assert.Equal(t, 1, st.Processed)
	assert.Equal(t, 2, st.Errors)
	assert.NotEmpty(t, st.LastError)

	board, ok := e.sched.Board().Get("isolated")
	require.True(t, ok)
	assert.Equal(t, 2, board.Errors)
	assert.Equal(t, int64(1), board.Runs)
	assert.Equal(t, e.clock.Now(), board.LastRunAt)
	assert.Equal(t, instance.StatusBooting, e.get(t, healthy.ID).Status)
}

func TestScheduler_WatchdogCountsTransientFailures(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := e.mock.Create(ctx, provider.Spec{Zone: "z1"}, "k-"+string(rune('a'+i)))
		require.NoError(t, err)
		ids = append(ids, e.seed(t, "l4", instance.StatusReady, id).ID)
	}
	e.mock.FailNext(provider.OpDescribe, perrors.Transient(errors.New("503")))

	e.clock.Advance(2 * time.Minute)
	st := e.sched.RunOnce(ctx, e.loop(t, NameWatchdog))
	assert.Equal(t, 3, st.Candidates)
	assert.Equal(t, 3, st.Processed)
	assert.Equal(t, 0, st.Errors)

	retries := 0
	for _, id := range ids {
		retries += e.get(t, id).RetryCount
	}
	assert.Equal(t, 1, retries)
}

// TERMINATE 与他人持有的 claim 竞争失败，补发的命令又在无订阅者的总线上丢失；
// 行上的终止意图仍由 terminate_requests 推进到 terminated
func TestScheduler_LostTerminateConverges(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	extID, err := e.mock.Create(ctx, provider.Spec{Zone: "z1"}, "k-lost")
	require.NoError(t, err)
	inst := e.seed(t, "l4", instance.StatusReady, extID)
	_, err = e.store.Claim(ctx, inst.ID, inst.Version, "other", time.Minute)
	require.NoError(t, err)

	cmd := bus.NewCommand(bus.VerbTerminate, bus.ArgInstanceID, inst.ID, bus.ArgReason, "operator")
	require.NoError(t, e.svc.HandleCommand(ctx, cmd))
	got := e.get(t, inst.ID)
	assert.Equal(t, instance.StatusReady, got.Status)
	assert.True(t, got.TerminationRequested())

	tr := bus.NewMemoryTransport()
	t.Cleanup(func() { _ = tr.Close() })
	require.Equal(t, 0, tr.Subscribers(bus.DefaultChannel))
	require.NoError(t, bus.NewPublisher(tr, "").Send(ctx, cmd))

	intents := e.loop(t, NameTerminateRequests)
	st := e.sched.RunOnce(ctx, intents)
	assert.Equal(t, 0, st.Candidates, "row is still claimed by its holder")

	// 持有者崩溃，claim 过期
	e.clock.Advance(2 * time.Minute)
	st = e.sched.RunOnce(ctx, intents)
	assert.Equal(t, 1, st.Candidates)
	assert.Equal(t, 1, st.Processed)
	assert.Equal(t, instance.StatusTerminating, e.get(t, inst.ID).Status)
	assert.False(t, e.mock.Exists(extID))

	e.clock.Advance(11 * time.Second)
	e.sched.RunOnce(ctx, e.loop(t, NameTerminator))
	got = e.get(t, inst.ID)
	assert.Equal(t, instance.StatusTerminated, got.Status)
	assert.Equal(t, "operator", got.DeletionReason)
	assert.False(t, got.TerminationRequested())

	st = e.sched.RunOnce(ctx, intents)
	assert.Equal(t, 0, st.Candidates)
}

func TestScheduler_ConflictsAreNotErrors(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "l4", instance.StatusBooting, "srv-1")
	l := &Loop{
		Name:   "conflicting",
		Status: instance.StatusBooting,
		Step: func(ctx context.Context, inst *instance.Instance) error {
			return reconcile.ErrSkipped
		},
	}
	e.clock.Advance(time.Second)
	st := e.sched.RunOnce(context.Background(), l)
	assert.Equal(t, 1, st.Candidates)
	assert.Equal(t, 1, st.Conflicts)
	assert.Equal(t, 0, st.Errors)
}

func TestScheduler_NoCandidatesIsNotAnError(t *testing.T) {
	e := newEnv(t)
	st := e.sched.RunOnce(context.Background(), e.loop(t, NameTerminator))
	assert.Equal(t, 0, st.Candidates)
	assert.Equal(t, 0, st.Errors)
	assert.Empty(t, st.LastError)
	got, _ := e.sched.Board().Get(NameTerminator)
	assert.Equal(t, int64(1), got.Runs)
}

func TestScheduler_PanicIsRecovered(t *testing.T) {
	e := newEnv(t)
	l := &Loop{Name: "explosive", Iterate: func(ctx context.Context) (Stats, error) {
		panic("boom")
	}}
	st := e.sched.RunOnce(context.Background(), l)
	assert.Equal(t, 1, st.Errors)
	assert.Contains(t, st.LastError, "boom")
}

func TestScheduler_StartStop(t *testing.T) {
	var runs atomic.Int64
	l := &Loop{Name: "ticker", Interval: 5 * time.Millisecond, Iterate: func(ctx context.Context) (Stats, error) {
		runs.Add(1)
		return Stats{}, nil
	}}
	s := NewScheduler(instance.NewMemoryStore(), nil, []*Loop{l})
	s.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	s.Stop()
	s.Stop()

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
	assert.Equal(t, []string{"ticker"}, s.Board().Names())
}

func TestScheduler_ContextCancelStopsLoops(t *testing.T) {
	var runs atomic.Int64
	l := &Loop{Name: "ctx", Interval: time.Hour, Iterate: func(ctx context.Context) (Stats, error) {
		runs.Add(1)
		return Stats{}, nil
	}}
	s := NewScheduler(instance.NewMemoryStore(), nil, []*Loop{l})
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after context cancel")
	}
}
