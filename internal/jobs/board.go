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
	"sort"
	"sync"
	"time"
)

// Stats 单个 Job 最近一次迭代的结果
type Stats struct {
	LastRunAt    time.Time     `json:"last_run_at"`
	LastDuration time.Duration `json:"last_duration_ns"`
	Candidates   int           `json:"candidates"`
	Processed    int           `json:"processed"`
	Errors       int           `json:"errors"`
	Conflicts    int           `json:"conflicts"`
	LastError    string        `json:"last_error,omitempty"`
	Runs         int64         `json:"runs"`
}

// Board 各 Job 的运行看板，供 /api/status 读取
type Board struct {
	mu    sync.RWMutex
	stats map[string]Stats
}

// NewBoard 创建空看板
func NewBoard() *Board {
	return &Board{stats: make(map[string]Stats)}
}

// Register 预先登记 Job，使尚未运行的 Job 也出现在看板上
func (b *Board) Register(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.stats[name]; !ok {
		b.stats[name] = Stats{}
	}
}

// Record 写入一次迭代结果，Runs 自动累加
func (b *Board) Record(name string, s Stats) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s.Runs = b.stats[name].Runs + 1
	b.stats[name] = s
}

// Get 单个 Job 的结果
func (b *Board) Get(name string) (Stats, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.stats[name]
	return s, ok
}

// Snapshot 拷贝全部结果
func (b *Board) Snapshot() map[string]Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]Stats, len(b.stats))
	for k, v := range b.stats {
		out[k] = v
	}
	return out
}

// Names 已登记的 Job 名，按字母序
func (b *Board) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.stats))
	for k := range b.stats {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
