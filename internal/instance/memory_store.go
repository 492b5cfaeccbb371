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
	"sort"
	"sync"
	"time"
)

// MemoryStore 内存实现：单进程部署与测试使用
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]*Instance
	history map[string][]StateTransition
	// Now 可替换时钟，测试用
	Now func() time.Time
}

// NewMemoryStore 创建内存 Store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Instance),
		history: make(map[string][]StateTransition),
		Now:     time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *MemoryStore) Create(ctx context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst.ID != "" {
		if _, ok := s.byID[inst.ID]; ok {
			return ErrAlreadyExists
		}
	}
	rec := prepareCreate(inst, s.now())
	s.byID[inst.ID] = inst.Clone()
	s.history[inst.ID] = append(s.history[inst.ID], *rec)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) GetByExternalID(ctx context.Context, externalID string) (*Instance, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.byID {
		if inst.ExternalID == externalID {
			return inst.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) Scan(ctx context.Context, f ScanFilter) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := f.Now
	if now.IsZero() {
		now = s.now()
	}
	var out []*Instance
	for _, inst := range s.byID {
		if scanMatch(inst, f, now) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].LastTouched(), out[j].LastTouched()
		if ti.Equal(tj) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return ti.Before(tj)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context, f ListFilter) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Instance
	for _, inst := range s.byID {
		if f.Pool != "" && inst.Pool != f.Pool {
			continue
		}
		if !containsStatus(f.Statuses, inst.Status) {
			continue
		}
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Claim(ctx context.Context, id string, expectedVersion int64, owner string, ttl time.Duration) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := s.now()
	if inst.Version != expectedVersion || inst.ClaimedAt(now) {
		return nil, ErrConflict
	}
	inst.Version++
	inst.ClaimOwner = owner
	inst.ClaimExpiresAt = now.Add(ttl)
	return &Claim{InstanceID: id, Owner: owner, Version: inst.Version, ExpiresAt: inst.ClaimExpiresAt}, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, c *Claim, to Status, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.byID[c.InstanceID]
	if !ok {
		return ErrNotFound
	}
	// 在副本上修改，失败时不留下半写状态
	cp := inst.Clone()
	rec, err := transition(cp, c, to, u, s.now())
	if err != nil {
		return err
	}
	s.byID[c.InstanceID] = cp
	if rec != nil {
		s.history[c.InstanceID] = append(s.history[c.InstanceID], *rec)
	}
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, c *Claim, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.byID[c.InstanceID]
	if !ok {
		return ErrNotFound
	}
	if err := checkClaim(inst, c); err != nil {
		return err
	}
	u.apply(inst, s.now())
	release(inst)
	return nil
}

func (s *MemoryStore) RequestTermination(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	cp := inst.Clone()
	if err := markTermination(cp, reason, s.now()); err != nil {
		return err
	}
	s.byID[id] = cp
	return nil
}

func (s *MemoryStore) History(ctx context.Context, id string) ([]StateTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return nil, ErrNotFound
	}
	out := make([]StateTransition, len(s.history[id]))
	copy(out, s.history[id])
	return out, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Status]int)
	for _, inst := range s.byID {
		out[inst.Status]++
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
