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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// storeFactory 返回一个空 Store，时钟由 clock 驱动
type storeFactory func(t *testing.T, clock *testClock) Store

// runStoreContract 三种实现共用的行为校验
func runStoreContract(t *testing.T, newStore storeFactory) {
	t.Run("CreateGetHistory", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		ctx := context.Background()

		inst := NewInstance("l4", "fr-par-2", "L4-1-24G")
		require.NoError(t, s.Create(ctx, inst))
		assert.Equal(t, int64(1), inst.Version)

		got, err := s.Get(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusProvisioning, got.Status)
		assert.Equal(t, "prov-"+inst.ID, got.IdempotencyKey)
		assert.True(t, got.StatusChangedAt.Equal(clock.Now()))

		err = s.Create(ctx, &Instance{ID: inst.ID})
		assert.ErrorIs(t, err, ErrAlreadyExists)

		hist, err := s.History(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, StatusProvisioning, hist[0].To)
		assert.Equal(t, Status(""), hist[0].From)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ClaimUpdateAdvancesVersion", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		ctx := context.Background()

		inst := NewInstance("l4", "fr-par-2", "L4-1-24G")
		require.NoError(t, s.Create(ctx, inst))

		c, err := s.Claim(ctx, inst.ID, 1, "orch-a", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(2), c.Version)

		// 同一版本的第二次 claim 失败
		_, err = s.Claim(ctx, inst.ID, 1, "orch-b", time.Minute)
		assert.ErrorIs(t, err, ErrConflict)
		// 有效 claim 存在时，即使版本正确也失败
		_, err = s.Claim(ctx, inst.ID, 2, "orch-b", time.Minute)
		assert.ErrorIs(t, err, ErrConflict)

		clock.Advance(time.Second)
		require.NoError(t, s.UpdateStatus(ctx, c, StatusBooting, Update{
			ExternalID: Ptr("srv-1"),
			Reason:     "provider_created",
		}))

		got, err := s.Get(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusBooting, got.Status)
		assert.Equal(t, int64(3), got.Version)
		assert.Equal(t, "srv-1", got.ExternalID)
		assert.Empty(t, got.ClaimOwner)
		assert.True(t, got.StatusChangedAt.Equal(clock.Now()))

		// 旧 claim 不能再次写回
		err = s.UpdateStatus(ctx, c, StatusReady, Update{})
		assert.ErrorIs(t, err, ErrConflict)

		byExt, err := s.GetByExternalID(ctx, "srv-1")
		require.NoError(t, err)
		assert.Equal(t, inst.ID, byExt.ID)

		hist, err := s.History(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, StatusProvisioning, hist[1].From)
		assert.Equal(t, StatusBooting, hist[1].To)
		assert.Equal(t, "provider_created", hist[1].Reason)
	})

	t.Run("InvalidTransitionRejected", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		ctx := context.Background()

		inst := NewInstance("l4", "z", "t")
		require.NoError(t, s.Create(ctx, inst))
		c, err := s.Claim(ctx, inst.ID, inst.Version, "orch", time.Minute)
		require.NoError(t, err)

		err = s.UpdateStatus(ctx, c, StatusReady, Update{})
		assert.True(t, errors.Is(err, ErrInvalidTransition))

		got, err := s.Get(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusProvisioning, got.Status)
	})

	t.Run("ExpiredClaimCanBeTakenOver", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		ctx := context.Background()

		inst := NewInstance("l4", "z", "t")
		require.NoError(t, s.Create(ctx, inst))
		stale, err := s.Claim(ctx, inst.ID, 1, "crashed", 30*time.Second)
		require.NoError(t, err)

		clock.Advance(31 * time.Second)
		fresh, err := s.Claim(ctx, inst.ID, stale.Version, "orch-b", 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(3), fresh.Version)

		assert.ErrorIs(t, s.Release(ctx, stale, Update{}), ErrConflict)
		require.NoError(t, s.Release(ctx, fresh, Update{RetryCount: Ptr(1)}))

		got, err := s.Get(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, int64(4), got.Version)
		assert.Equal(t, StatusProvisioning, got.Status)
	})

	t.Run("StatusChangeResetsCounters", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		ctx := context.Background()

		inst := NewInstance("l4", "z", "t")
		require.NoError(t, s.Create(ctx, inst))
		c, err := s.Claim(ctx, inst.ID, 1, "orch", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, c, Update{RetryCount: Ptr(3), Verified: true}))

		c, err = s.Claim(ctx, inst.ID, 3, "orch", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.UpdateStatus(ctx, c, StatusTerminating, Update{DeletionReason: Ptr("scale_down")}))

		got, err := s.Get(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, 0, got.RetryCount)
		assert.True(t, got.LastVerifiedAt.IsZero())
		assert.Equal(t, "scale_down", got.DeletionReason)

		c, err = s.Claim(ctx, inst.ID, got.Version, "orch", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.UpdateStatus(ctx, c, StatusTerminated, Update{DeletionReason: Ptr("other")}))
		got, err = s.Get(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, "scale_down", got.DeletionReason)
		assert.False(t, got.TerminatedAt.IsZero())
	})

	t.Run("ScanSelectsStaleUnclaimedRows", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		ctx := context.Background()

		var ids []string
		for i := 0; i < 4; i++ {
			inst := NewInstance("l4", "z", "t")
			require.NoError(t, s.Create(ctx, inst))
			ids = append(ids, inst.ID)
			clock.Advance(time.Second)
		}
		clock.Advance(time.Minute)

		// ids[1] 被 claim，ids[2] 被隔离
		_, err := s.Claim(ctx, ids[1], 1, "orch", time.Hour)
		require.NoError(t, err)
		c, err := s.Claim(ctx, ids[2], 1, "orch", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, c, Update{Quarantine: true}))

		got, err := s.Scan(ctx, ScanFilter{Status: StatusProvisioning, StaleBefore: clock.Now().Add(-30 * time.Second), Limit: 10})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, ids[0], got[0].ID)
		assert.Equal(t, ids[3], got[1].ID)

		got, err = s.Scan(ctx, ScanFilter{Status: StatusProvisioning, StaleBefore: clock.Now().Add(-30 * time.Second), Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ids[0], got[0].ID)

		// 阈值之内的行不返回
		got, err = s.Scan(ctx, ScanFilter{Status: StatusProvisioning, StaleBefore: clock.Now().Add(-2 * time.Hour), Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, got)

		// 清除隔离后重新可见
		inst, err := s.Get(ctx, ids[2])
		require.NoError(t, err)
		c, err = s.Claim(ctx, ids[2], inst.Version, "orch", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, c, Update{ClearQuarantine: true}))
		got, err = s.Scan(ctx, ScanFilter{Status: StatusProvisioning, StaleBefore: clock.Now().Add(-30 * time.Second), Limit: 10})
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("VerifiedRowIsNotStale", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		ctx := context.Background()

		inst := NewInstance("l4", "z", "t")
		require.NoError(t, s.Create(ctx, inst))
		clock.Advance(2 * time.Minute)
		c, err := s.Claim(ctx, inst.ID, 1, "orch", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, c, Update{Verified: true}))

		got, err := s.Scan(ctx, ScanFilter{Status: StatusProvisioning, StaleBefore: clock.Now().Add(-time.Minute), Limit: 10})
		require.NoError(t, err)
		assert.Empty(t, got)

		clock.Advance(2 * time.Minute)
		got, err = s.Scan(ctx, ScanFilter{Status: StatusProvisioning, StaleBefore: clock.Now().Add(-time.Minute), Limit: 10})
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("ListAndCount", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		ctx := context.Background()

		a := NewInstance("l4", "z", "t")
		b := NewInstance("h100", "z", "t")
		orphan := &Instance{Status: StatusOrphaned, ExternalID: "srv-x", ProviderCode: "mock"}
		for _, inst := range []*Instance{a, b, orphan} {
			require.NoError(t, s.Create(ctx, inst))
			clock.Advance(time.Second)
		}

		got, err := s.List(ctx, ListFilter{Pool: "l4", Statuses: ActiveStatuses})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, a.ID, got[0].ID)

		got, err = s.List(ctx, ListFilter{Statuses: []Status{StatusOrphaned}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "srv-x", got[0].ExternalID)

		counts, err := s.CountByStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, counts[StatusProvisioning])
		assert.Equal(t, 1, counts[StatusOrphaned])
	})
	t.Run("RequestTerminationIsDurableWithoutClaim", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		ctx := context.Background()

		inst := NewInstance("l4", "z", "t")
		require.NoError(t, s.Create(ctx, inst))
		c, err := s.Claim(ctx, inst.ID, inst.Version, "other", time.Minute)
		require.NoError(t, err)

		// 行被他人持有时仍可记录意图，且不影响持有者写回
		require.NoError(t, s.RequestTermination(ctx, inst.ID, "operator"))
		got, err := s.Get(ctx, inst.ID)
		require.NoError(t, err)
		assert.True(t, got.TerminationRequested())
		assert.Equal(t, "operator", got.DeletionReason)
		assert.Equal(t, c.Version, got.Version)

		filter := ScanFilter{TerminateRequested: true, Limit: 10}
		filter.Now = clock.Now()
		rows, err := s.Scan(ctx, filter)
		require.NoError(t, err)
		assert.Empty(t, rows, "claimed row must not be selected")

		require.NoError(t, s.UpdateStatus(ctx, c, StatusBooting, Update{ExternalID: Ptr("srv-1")}))
		got, err = s.Get(ctx, inst.ID)
		require.NoError(t, err)
		assert.True(t, got.TerminationRequested(), "mark survives the holder's write-back")

		filter.Now = clock.Now()
		rows, err = s.Scan(ctx, filter)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, inst.ID, rows[0].ID)

		c, err = s.Claim(ctx, inst.ID, got.Version, "me", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.UpdateStatus(ctx, c, StatusTerminating, Update{Reason: "terminate_command"}))
		got, err = s.Get(ctx, inst.ID)
		require.NoError(t, err)
		assert.False(t, got.TerminationRequested())
		assert.Equal(t, "operator", got.DeletionReason)

		rows, err = s.Scan(ctx, filter)
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("RequestTerminationClearsQuarantineAndRejectsTerminal", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		ctx := context.Background()

		inst := &Instance{Status: StatusTerminating, ExternalID: "srv-q", ProviderCode: "mock"}
		require.NoError(t, s.Create(ctx, inst))
		c, err := s.Claim(ctx, inst.ID, inst.Version, "me", time.Minute)
		require.NoError(t, err)
		require.NoError(t, s.Release(ctx, c, Update{RetryCount: Ptr(5), Quarantine: true}))

		require.NoError(t, s.RequestTermination(ctx, inst.ID, "operator"))
		got, err := s.Get(ctx, inst.ID)
		require.NoError(t, err)
		assert.False(t, got.Quarantined())
		assert.Equal(t, 0, got.RetryCount)
		assert.False(t, got.TerminationRequested(), "terminating rows are already owned by the terminator")

		done := &Instance{Status: StatusTerminated, ProviderCode: "mock"}
		require.NoError(t, s.Create(ctx, done))
		assert.ErrorIs(t, s.RequestTermination(ctx, done.ID, "operator"), ErrInvalidTransition)
		assert.ErrorIs(t, s.RequestTermination(ctx, "missing", "operator"), ErrNotFound)
	})
}
