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
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/catalog"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/instance"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/provider"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/workerauth"
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

type costEvent struct {
	kind       string
	instanceID string
	reason     string
}

type fakeCosts struct {
	mu     sync.Mutex
	events []costEvent
}

func (f *fakeCosts) CostStart(ctx context.Context, inst *instance.Instance) error {
	f.mu.Lock()
	f.events = append(f.events, costEvent{kind: "start", instanceID: inst.ID})
	f.mu.Unlock()
	return nil
}

func (f *fakeCosts) CostStop(ctx context.Context, inst *instance.Instance, reason string) error {
	f.mu.Lock()
	f.events = append(f.events, costEvent{kind: "stop", instanceID: inst.ID, reason: reason})
	f.mu.Unlock()
	return nil
}

func (f *fakeCosts) all() []costEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]costEvent(nil), f.events...)
}

type fixture struct {
	clock   *fakeClock
	store   *instance.MemoryStore
	mock    *provider.Mock
	tokens  *workerauth.Manager
	costs   *fakeCosts
	catalog *catalog.Registry
	svc     *Service
}

func newFixture(t *testing.T, tweak ...func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		clock:   &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		store:   instance.NewMemoryStore(),
		mock:    provider.NewMock("mock", 0),
		tokens:  workerauth.NewManager(workerauth.NewMemoryStore(0)),
		costs:   &fakeCosts{},
		catalog: catalog.NewRegistry(),
	}
	f.store.Now = f.clock.Now
	cfg := Config{
		Owner:       "test-orchestrator",
		ClaimTTL:    time.Minute,
		MaxRetries:  3,
		BootTimeout: 10 * time.Minute,
		Backoff:     BackoffConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 1},
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	f.svc = NewService(f.store, f.mock, cfg,
		WithTokens(f.tokens), WithCosts(f.costs), WithCatalog(f.catalog), WithClock(f.clock.Now))
	return f
}

// seed 直接写入指定状态的行
func (f *fixture) seed(t *testing.T, status instance.Status, externalID string) *instance.Instance {
	t.Helper()
	inst := &instance.Instance{
		ProviderCode: "mock",
		Pool:         "l4",
		Zone:         "z1",
		InstanceType: "GPU-L4-1",
		Status:       status,
		ExternalID:   externalID,
	}
	require.NoError(t, f.store.Create(context.Background(), inst))
	return f.reload(t, inst.ID)
}

// seedWithResource 创建 provider 资源并写入对应行
func (f *fixture) seedWithResource(t *testing.T, status instance.Status) *instance.Instance {
	t.Helper()
	id, err := f.mock.Create(context.Background(), provider.Spec{Zone: "z1"}, "seed-"+uuid.NewString())
	require.NoError(t, err)
	return f.seed(t, status, id)
}

func (f *fixture) reload(t *testing.T, id string) *instance.Instance {
	t.Helper()
	inst, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func (f *fixture) history(t *testing.T, id string) []instance.Status {
	t.Helper()
	hist, err := f.store.History(context.Background(), id)
	require.NoError(t, err)
	var out []instance.Status
	for _, h := range hist {
		out = append(out, h.To)
	}
	return out
}
