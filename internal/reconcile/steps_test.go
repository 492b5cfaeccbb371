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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/instance"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/provider"
	perrors "github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/errors"
)

func TestProvision_CreatesAndMovesToBooting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.seed(t, instance.StatusProvisioning, "")

	require.NoError(t, f.svc.Provision(ctx, inst))

	got := f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusBooting, got.Status)
	assert.NotEmpty(t, got.ExternalID)
	assert.Equal(t, 1, f.mock.Calls(provider.OpCreate))
	assert.True(t, f.mock.Exists(got.ExternalID))
	assert.Equal(t, []instance.Status{instance.StatusProvisioning, instance.StatusBooting}, f.history(t, inst.ID))
}

// 创建超时后由恢复路径按同一幂等键采纳已有资源，不产生第二个资源
func TestProvision_AdoptsResourceAfterCreateTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.seed(t, instance.StatusProvisioning, "")

	f.mock.TimeoutAfterCreate()
	require.NoError(t, f.svc.Provision(ctx, inst))
	got := f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusProvisioning, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	f.clock.Advance(61 * time.Second)
	require.NoError(t, f.svc.Provision(ctx, got))

	got = f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusBooting, got.Status)
	res, err := f.mock.List(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, res[0].ExternalID, got.ExternalID)
	assert.Equal(t, inst.IdempotencyKey, res[0].IdempotencyKey)
	assert.Equal(t, 1, f.mock.Calls(provider.OpCreate))
}

func TestProvision_AlreadyExistsIsAdopted(t *testing.T) {
	f := newFixture(t)
	inst := f.seed(t, instance.StatusProvisioning, "")
	f.mock.FailNext(provider.OpCreate, &provider.AlreadyExistsError{ExternalID: "srv-existing"})

	require.NoError(t, f.svc.Provision(context.Background(), inst))
	got := f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusBooting, got.Status)
	assert.Equal(t, "srv-existing", got.ExternalID)
}

func TestProvision_PermanentErrorFailsImmediately(t *testing.T) {
	f := newFixture(t)
	inst := f.seed(t, instance.StatusProvisioning, "")
	f.mock.FailNext(provider.OpCreate, perrors.Permanent(errors.New("quota exceeded")))

	require.NoError(t, f.svc.Provision(context.Background(), inst))
	got := f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusStartupFailed, got.Status)
	assert.Equal(t, CodeProvisionFailed, got.ErrorCode)
	assert.Contains(t, got.ErrorMessage, "quota exceeded")
}

func TestProvision_TransientRetriesAreBounded(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxRetries = 2 })
	ctx := context.Background()
	inst := f.seed(t, instance.StatusProvisioning, "")
	for i := 0; i < 2; i++ {
		f.mock.FailNext(provider.OpCreate, perrors.Transient(errors.New("503")))
	}

	require.NoError(t, f.svc.Provision(ctx, inst))
	got := f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusProvisioning, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	require.NoError(t, f.svc.Provision(ctx, got))
	got = f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusStartupFailed, got.Status)
	assert.Equal(t, CodeProvisionExhausted, got.ErrorCode)
}

func TestProvision_BackoffRetriesWithinOneCall(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Backoff.MaxAttempts = 3 })
	inst := f.seed(t, instance.StatusProvisioning, "")
	f.mock.FailNext(provider.OpCreate, perrors.Transient(errors.New("timeout")))
	f.mock.FailNext(provider.OpCreate, perrors.Transient(errors.New("timeout")))

	require.NoError(t, f.svc.Provision(context.Background(), inst))
	assert.Equal(t, instance.StatusBooting, f.reload(t, inst.ID).Status)
	assert.Equal(t, 3, f.mock.Calls(provider.OpCreate))
}

func TestProvision_ClaimConflictSkipsSilently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.seed(t, instance.StatusProvisioning, "")
	_, err := f.store.Claim(ctx, inst.ID, inst.Version, "other", time.Minute)
	require.NoError(t, err)

	err = f.svc.Provision(ctx, inst)
	assert.ErrorIs(t, err, ErrSkipped)
	assert.Equal(t, 0, f.mock.Calls(provider.OpCreate))
}

func TestProvision_AtMostOneInFlight(t *testing.T) {
	f := newFixture(t)
	inst := f.seed(t, instance.StatusProvisioning, "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.svc.Provision(context.Background(), inst.Clone())
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.mock.Calls(provider.OpCreate))
	assert.Equal(t, instance.StatusBooting, f.reload(t, inst.ID).Status)
}

func TestCheckBooting_BecomesReady(t *testing.T) {
	f := newFixture(t)
	f.mock = provider.NewMock("mock", 2)
	f.svc.provider = f.mock
	ctx := context.Background()
	inst := f.seedWithResource(t, instance.StatusBooting)

	require.NoError(t, f.svc.CheckBooting(ctx, inst))
	got := f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusBooting, got.Status)
	assert.False(t, got.LastVerifiedAt.IsZero())

	require.NoError(t, f.svc.CheckBooting(ctx, got))
	got = f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusReady, got.Status)
	assert.NotEmpty(t, got.IPAddress)

	tok, ok := f.tokens.Pickup.Take(inst.ID)
	require.True(t, ok)
	valid, err := f.tokens.Store.Verify(ctx, inst.ID, tok)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, []costEvent{{kind: "start", instanceID: inst.ID}}, f.costs.all())
}

func TestCheckBooting_TimeoutFailsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	f.mock = provider.NewMock("mock", 1000)
	f.svc.provider = f.mock
	ctx := context.Background()
	inst := f.seedWithResource(t, instance.StatusBooting)

	f.clock.Advance(11 * time.Minute)
	require.NoError(t, f.svc.CheckBooting(ctx, inst))
	got := f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusStartupFailed, got.Status)
	assert.Equal(t, CodeBootTimeout, got.ErrorCode)
	assert.False(t, f.mock.Exists(inst.ExternalID))

	// 终止态行不再被处理
	require.NoError(t, f.svc.CheckBooting(ctx, got))
	require.NoError(t, f.svc.Step(ctx, got))
	assert.Equal(t, []instance.Status{instance.StatusBooting, instance.StatusStartupFailed}, f.history(t, inst.ID))
}

func TestCheckBooting_NotFoundGoesToTerminating(t *testing.T) {
	f := newFixture(t)
	inst := f.seed(t, instance.StatusBooting, "srv-gone")

	require.NoError(t, f.svc.CheckBooting(context.Background(), inst))
	got := f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusTerminating, got.Status)
	assert.Equal(t, ReasonProviderDeleted, got.DeletionReason)
}

func TestCheckBooting_ProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.mock = provider.NewMock("mock", 5)
	f.svc.provider = f.mock
	inst := f.seedWithResource(t, instance.StatusBooting)
	f.mock.SetStatus(inst.ExternalID, provider.StatusFailed)

	require.NoError(t, f.svc.CheckBooting(context.Background(), inst))
	got := f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusStartupFailed, got.Status)
	assert.Equal(t, CodeBootFailed, got.ErrorCode)
}

func TestCheckBooting_TransientCountsHealthFailures(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxRetries = 2 })
	ctx := context.Background()
	inst := f.seedWithResource(t, instance.StatusBooting)
	f.mock.FailNext(provider.OpDescribe, perrors.Transient(errors.New("503")))
	f.mock.FailNext(provider.OpDescribe, perrors.Transient(errors.New("503")))

	require.NoError(t, f.svc.CheckBooting(ctx, inst))
	got := f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusBooting, got.Status)
	assert.Equal(t, 1, got.HealthCheckFailures)

	require.NoError(t, f.svc.CheckBooting(ctx, got))
	got = f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusStartupFailed, got.Status)
	assert.Equal(t, CodeHealthExhausted, got.ErrorCode)
}

// 控制台手工删除 ready 实例：watchdog 发现 NotFound -> terminating，terminator 确认 -> terminated
func TestOrphanConvergence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.seedWithResource(t, instance.StatusBooting)
	require.NoError(t, f.svc.CheckBooting(ctx, inst))
	inst = f.reload(t, inst.ID)
	require.Equal(t, instance.StatusReady, inst.Status)
	tok, ok := f.tokens.Pickup.Take(inst.ID)
	require.True(t, ok)

	f.mock.Remove(inst.ExternalID)
	require.NoError(t, f.svc.VerifyReady(ctx, inst))
	inst = f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusTerminating, inst.Status)
	assert.Equal(t, ReasonProviderDeleted, inst.DeletionReason)
	valid, err := f.tokens.Store.Verify(ctx, inst.ID, tok)
	require.NoError(t, err)
	assert.False(t, valid)

	require.NoError(t, f.svc.Terminate(ctx, inst))
	inst = f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusTerminated, inst.Status)
	assert.False(t, inst.TerminatedAt.IsZero())
	assert.Equal(t, 0, f.mock.Calls(provider.OpDelete))

	events := f.costs.all()
	require.Len(t, events, 2)
	assert.Equal(t, costEvent{kind: "stop", instanceID: inst.ID, reason: ReasonProviderDeleted}, events[1])
	assert.Equal(t, []instance.Status{
		instance.StatusBooting, instance.StatusReady, instance.StatusTerminating, instance.StatusTerminated,
	}, f.history(t, inst.ID))
}

func TestVerifyReady_HealthyRowIsVerified(t *testing.T) {
	f := newFixture(t)
	inst := f.seedWithResource(t, instance.StatusReady)
	f.clock.Advance(time.Minute)

	require.NoError(t, f.svc.VerifyReady(context.Background(), inst))
	got := f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusReady, got.Status)
	assert.True(t, got.LastVerifiedAt.Equal(f.clock.Now()))
}

func TestVerifyReady_TransientFailuresAreCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.seedWithResource(t, instance.StatusReady)
	f.mock.FailNext(provider.OpDescribe, perrors.Transient(errors.New("503")))

	require.NoError(t, f.svc.VerifyReady(ctx, inst))
	got := f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusReady, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.False(t, got.Quarantined())
	assert.Empty(t, got.ClaimOwner)

	// 成功校验后计数清零
	require.NoError(t, f.svc.VerifyReady(ctx, got))
	got = f.reload(t, inst.ID)
	assert.Equal(t, 0, got.RetryCount)
	assert.True(t, got.LastVerifiedAt.Equal(f.clock.Now()))
}

func TestVerifyReady_PersistentOutageQuarantines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.seedWithResource(t, instance.StatusReady)
	for i := 0; i < 50; i++ {
		f.mock.FailNext(provider.OpDescribe, perrors.Transient(errors.New("503")))
	}

	for i := 0; i < 50; i++ {
		f.clock.Advance(2 * time.Minute)
		cands, err := f.store.Scan(ctx, instance.ScanFilter{
			Status:      instance.StatusReady,
			StaleBefore: f.clock.Now().Add(-time.Minute),
			Limit:       10,
		})
		require.NoError(t, err)
		for _, c := range cands {
			require.NoError(t, f.svc.VerifyReady(ctx, c))
		}
	}

	got := f.reload(t, inst.ID)
	assert.True(t, got.Quarantined())
	assert.Equal(t, CodeVerifyExhausted, got.ErrorCode)
	assert.Equal(t, instance.StatusReady, got.Status)
	assert.Equal(t, f.svc.Config().MaxRetries, f.mock.Calls(provider.OpDescribe))
}

func TestTerminate_AlreadyAbsentIsSuccess(t *testing.T) {
	f := newFixture(t)
	inst := f.seed(t, instance.StatusTerminating, "srv-never-existed")

	require.NoError(t, f.svc.Terminate(context.Background(), inst))
	assert.Equal(t, instance.StatusTerminated, f.reload(t, inst.ID).Status)
}

func TestTerminate_NoExternalID(t *testing.T) {
	f := newFixture(t)
	inst := f.seed(t, instance.StatusTerminating, "")

	require.NoError(t, f.svc.Terminate(context.Background(), inst))
	got := f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusTerminated, got.Status)
	assert.Equal(t, ReasonNoProviderResource, got.DeletionReason)
	assert.Empty(t, f.costs.all())
}

func TestTerminate_DeleteThenConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.seedWithResource(t, instance.StatusTerminating)

	require.NoError(t, f.svc.Terminate(ctx, inst))
	got := f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusTerminating, got.Status)
	assert.False(t, f.mock.Exists(inst.ExternalID))

	require.NoError(t, f.svc.Terminate(ctx, got))
	assert.Equal(t, instance.StatusTerminated, f.reload(t, inst.ID).Status)
	assert.Equal(t, 1, f.mock.Calls(provider.OpDelete))
}

func TestTerminate_ExhaustedRetriesQuarantine(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxRetries = 2 })
	ctx := context.Background()
	inst := f.seedWithResource(t, instance.StatusTerminating)
	f.mock.FailNext(provider.OpDelete, perrors.Transient(errors.New("503")))
	f.mock.FailNext(provider.OpDelete, perrors.Transient(errors.New("503")))

	require.NoError(t, f.svc.Terminate(ctx, inst))
	got := f.reload(t, inst.ID)
	assert.False(t, got.Quarantined())
	assert.Equal(t, 1, got.RetryCount)

	require.NoError(t, f.svc.Terminate(ctx, got))
	got = f.reload(t, inst.ID)
	assert.True(t, got.Quarantined())
	assert.Equal(t, CodeTerminateExhausted, got.ErrorCode)
	assert.Equal(t, instance.StatusTerminating, got.Status)

	f.clock.Advance(time.Hour)
	cands, err := f.store.Scan(ctx, instance.ScanFilter{Status: instance.StatusTerminating, StaleBefore: f.clock.Now(), Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, cands)
}

func TestTerminate_PermanentDeleteQuarantines(t *testing.T) {
	f := newFixture(t)
	inst := f.seedWithResource(t, instance.StatusTerminating)
	f.mock.FailNext(provider.OpDelete, perrors.Permanent(errors.New("forbidden")))

	require.NoError(t, f.svc.Terminate(context.Background(), inst))
	got := f.reload(t, inst.ID)
	assert.True(t, got.Quarantined())
	assert.Equal(t, CodeTerminateFailed, got.ErrorCode)
}

func TestProvision_TerminationRequestedSkipsCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	inst := f.seed(t, instance.StatusProvisioning, "")
	marked, err := f.svc.RequestTerminate(ctx, inst.ID, "cancelled")
	require.NoError(t, err)

	require.NoError(t, f.svc.Provision(ctx, marked))
	got := f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusTerminated, got.Status)
	assert.Equal(t, "cancelled", got.DeletionReason)
	assert.False(t, got.TerminationRequested())
	assert.Equal(t, 0, f.mock.Calls(provider.OpCreate))
}

// hangingCreate Create 一直阻塞到 ctx 结束
type hangingCreate struct {
	*provider.Mock
	mu       sync.Mutex
	deadline time.Time
	bounded  bool
}

func (h *hangingCreate) Create(ctx context.Context, spec provider.Spec, idempotencyKey string) (string, error) {
	h.mu.Lock()
	h.deadline, h.bounded = ctx.Deadline()
	h.mu.Unlock()
	<-ctx.Done()
	return "", ctx.Err()
}

func TestProvision_ProviderCallsEndBeforeClaimExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hang := &hangingCreate{Mock: f.mock}
	svc := NewService(f.store, hang, Config{
		Owner:       "test-orchestrator",
		ClaimTTL:    50 * time.Millisecond,
		MaxRetries:  3,
		CallTimeout: time.Millisecond,
		Backoff:     BackoffConfig{Initial: time.Millisecond, Max: time.Millisecond, MaxAttempts: 1},
	}, WithClock(f.clock.Now))
	require.Equal(t, 50*time.Millisecond, svc.Config().ClaimTTL)
	inst := f.seed(t, instance.StatusProvisioning, "")

	start := time.Now()
	require.NoError(t, svc.Provision(ctx, inst))
	assert.Less(t, time.Since(start), 5*time.Second)

	hang.mu.Lock()
	assert.True(t, hang.bounded, "provider call must carry the claim deadline")
	assert.False(t, hang.deadline.After(start.Add(50*time.Millisecond+time.Second)))
	hang.mu.Unlock()

	got := f.reload(t, inst.ID)
	assert.Equal(t, instance.StatusProvisioning, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.ClaimOwner)
}

func TestNewService_ClaimTTLCoversWorstCaseStep(t *testing.T) {
	store := instance.NewMemoryStore()
	mock := provider.NewMock("mock", 0)

	cfg := Config{
		ClaimTTL:    60 * time.Second,
		CallTimeout: 15 * time.Second,
		Backoff:     BackoffConfig{Initial: 200 * time.Millisecond, Max: 5 * time.Second, MaxAttempts: 3},
	}
	assert.Equal(t, 120*time.Second, cfg.StepBudget())
	assert.Equal(t, 120*time.Second, NewService(store, mock, cfg).Config().ClaimTTL)

	cfg.ClaimTTL = 5 * time.Minute
	assert.Equal(t, 5*time.Minute, NewService(store, mock, cfg).Config().ClaimTTL)

	def := NewService(store, mock, Config{}).Config()
	assert.GreaterOrEqual(t, def.ClaimTTL, def.StepBudget())
}
