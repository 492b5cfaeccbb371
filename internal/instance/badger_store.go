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
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerStore 嵌入式 KV 实现：单节点部署，无需外部数据库。
// 键布局：instance:<id> -> JSON，extid:<external_id> -> id，history:<id>:<version> -> JSON
type BadgerStore struct {
	db *badger.DB
	// Now 可替换时钟，测试用
	Now func() time.Time
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore 打开（或创建）path 下的 badger 数据库
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 24)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db, Now: time.Now}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func instanceKey(id string) []byte { return []byte("instance:" + id) }

func externalKey(ext string) []byte { return []byte("extid:" + ext) }

func historyPrefix(id string) []byte { return []byte("history:" + id + ":") }

func historyKey(id string, version int64) []byte {
	return []byte(fmt.Sprintf("history:%s:%020d", id, version))
}

func getInstance(txn *badger.Txn, id string) (*Instance, error) {
	item, err := txn.Get(instanceKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var inst Instance
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &inst) }); err != nil {
		return nil, err
	}
	return &inst, nil
}

func putInstance(txn *badger.Txn, inst *Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	if inst.ExternalID != "" {
		if err := txn.Set(externalKey(inst.ExternalID), []byte(inst.ID)); err != nil {
			return err
		}
	}
	return txn.Set(instanceKey(inst.ID), data)
}

func putHistory(txn *badger.Txn, rec *StateTransition, version int64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(historyKey(rec.InstanceID, version), data)
}

// update 执行读写事务；并发事务冲突映射为 ErrConflict
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	err := s.db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}
	return err
}

func (s *BadgerStore) Create(ctx context.Context, inst *Instance) error {
	return s.update(func(txn *badger.Txn) error {
		if inst.ID != "" {
			if _, err := getInstance(txn, inst.ID); err == nil {
				return ErrAlreadyExists
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		rec := prepareCreate(inst, s.now())
		if err := putInstance(txn, inst); err != nil {
			return err
		}
		return putHistory(txn, rec, inst.Version)
	})
}

func (s *BadgerStore) Get(ctx context.Context, id string) (*Instance, error) {
	var out *Instance
	err := s.db.View(func(txn *badger.Txn) error {
		inst, err := getInstance(txn, id)
		out = inst
		return err
	})
	return out, err
}

func (s *BadgerStore) GetByExternalID(ctx context.Context, externalID string) (*Instance, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	var out *Instance
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(externalKey(externalID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out, err = getInstance(txn, string(id))
		return err
	})
	return out, err
}

// each 遍历全部实例
func (s *BadgerStore) each(fn func(inst *Instance)) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("instance:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var inst Instance
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &inst) }); err != nil {
				return err
			}
			fn(&inst)
		}
		return nil
	})
}

func (s *BadgerStore) Scan(ctx context.Context, f ScanFilter) ([]*Instance, error) {
	now := f.Now
	if now.IsZero() {
		now = s.now()
	}
	var out []*Instance
	err := s.each(func(inst *Instance) {
		if scanMatch(inst, f, now) {
			out = append(out, inst)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastTouched().Before(out[j].LastTouched()) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *BadgerStore) List(ctx context.Context, f ListFilter) ([]*Instance, error) {
	var out []*Instance
	err := s.each(func(inst *Instance) {
		if (f.Pool == "" || inst.Pool == f.Pool) && containsStatus(f.Statuses, inst.Status) {
			out = append(out, inst)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *BadgerStore) Claim(ctx context.Context, id string, expectedVersion int64, owner string, ttl time.Duration) (*Claim, error) {
	var c *Claim
	err := s.update(func(txn *badger.Txn) error {
		inst, err := getInstance(txn, id)
		if err != nil {
			return err
		}
		now := s.now()
		if inst.Version != expectedVersion || inst.ClaimedAt(now) {
			return ErrConflict
		}
		inst.Version++
		inst.ClaimOwner = owner
		inst.ClaimExpiresAt = now.Add(ttl)
		c = &Claim{InstanceID: id, Owner: owner, Version: inst.Version, ExpiresAt: inst.ClaimExpiresAt}
		return putInstance(txn, inst)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *BadgerStore) UpdateStatus(ctx context.Context, c *Claim, to Status, u Update) error {
	return s.update(func(txn *badger.Txn) error {
		inst, err := getInstance(txn, c.InstanceID)
		if err != nil {
			return err
		}
		rec, err := transition(inst, c, to, u, s.now())
		if err != nil {
			return err
		}
		if err := putInstance(txn, inst); err != nil {
			return err
		}
		if rec != nil {
			return putHistory(txn, rec, inst.Version)
		}
		return nil
	})
}

func (s *BadgerStore) Release(ctx context.Context, c *Claim, u Update) error {
	return s.update(func(txn *badger.Txn) error {
		inst, err := getInstance(txn, c.InstanceID)
		if err != nil {
			return err
		}
		if err := checkClaim(inst, c); err != nil {
			return err
		}
		u.apply(inst, s.now())
		release(inst)
		return putInstance(txn, inst)
	})
}

func (s *BadgerStore) RequestTermination(ctx context.Context, id, reason string) error {
	return s.update(func(txn *badger.Txn) error {
		inst, err := getInstance(txn, id)
		if err != nil {
			return err
		}
		if err := markTermination(inst, reason, s.now()); err != nil {
			return err
		}
		return putInstance(txn, inst)
	})
}

func (s *BadgerStore) History(ctx context.Context, id string) ([]StateTransition, error) {
	var out []StateTransition
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := getInstance(txn, id); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = historyPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec StateTransition
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	out := make(map[Status]int)
	err := s.each(func(inst *Instance) { out[inst.Status]++ })
	return out, err
}
