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

package workerauth

import (
	"context"
	"sync"
	"time"
)

type tokenRecord struct {
	hash      string
	prefix    string
	issuedAt  time.Time
	expiresAt time.Time
	revokedAt time.Time
}

// MemoryStore 内存实现
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*tokenRecord
	ttl  time.Duration
	Now  func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore ttl <= 0 时使用 DefaultTTL
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{rows: make(map[string]*tokenRecord), ttl: ttl, Now: time.Now}
}

func (s *MemoryStore) Issue(ctx context.Context, instanceID string) (string, error) {
	token := GenerateToken()
	now := s.Now()
	s.mu.Lock()
	s.rows[instanceID] = &tokenRecord{
		hash:      HashToken(token),
		prefix:    TokenPrefix(token),
		issuedAt:  now,
		expiresAt: now.Add(s.ttl),
	}
	s.mu.Unlock()
	return token, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[instanceID]; ok && r.revokedAt.IsZero() {
		r.revokedAt = s.Now()
	}
	return nil
}

func (s *MemoryStore) Verify(ctx context.Context, instanceID, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[instanceID]
	if !ok || !r.revokedAt.IsZero() || !s.Now().Before(r.expiresAt) {
		return false, nil
	}
	return hashEqual(r.hash, HashToken(token)), nil
}
