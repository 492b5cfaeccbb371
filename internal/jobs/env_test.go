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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/bus"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/instance"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/provider"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/reconcile"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/config"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSender struct {
	mu   sync.Mutex
	cmds []bus.Command
	err  error
}

func (r *recordingSender) Send(ctx context.Context, cmd bus.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.cmds = append(r.cmds, cmd)
	return nil
}

func (r *recordingSender) sent() []bus.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.Command(nil), r.cmds...)
}

type env struct {
	clock *fakeClock
	store *instance.MemoryStore
	mock  *provider.Mock
	svc   *reconcile.Service
	sched *Scheduler
}

func newEnv(t *testing.T, extra ...*Loop) *env {
	t.Helper()
	e := &env{
		clock: &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		store: instance.NewMemoryStore(),
		mock:  provider.NewMock("mock", 0),
	}
	e.store.Now = e.clock.Now
	e.svc = reconcile.NewService(e.store, e.mock, reconcile.Config{
		Owner:      "jobs-test",
		MaxRetries: 3,
		Backoff:    reconcile.BackoffConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 1},
	}, reconcile.WithClock(e.clock.Now))
	loops := append(ReconcileLoops(config.JobsConfig{}, e.svc), extra...)
	e.sched = NewScheduler(e.store, nil, loops, WithSchedulerClock(e.clock.Now))
	return e
}

func (e *env) loop(t *testing.T, name string) *Loop {
	t.Helper()
	for _, l := range e.sched.Loops() {
		if l.Name == name {
			return l
		}
	}
	t.Fatalf("loop %s not configured", name)
	return nil
}

func (e *env) seed(t *testing.T, pool string, status instance.Status, externalID string) *instance.Instance {
	t.Helper()
	inst := &instance.Instance{
		ProviderCode: "mock",
		Pool:         pool,
		Zone:         "z1",
		InstanceType: "GPU-L4-1",
		Status:       status,
		ExternalID:   externalID,
	}
	require.NoError(t, e.store.Create(context.Background(), inst))
	return inst
}

func (e *env) get(t *testing.T, id string) *instance.Instance {
	t.Helper()
	inst, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	return inst
}
