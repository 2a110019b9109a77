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

package checkpoint

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memoryStore struct {
	mu    sync.RWMutex
	byRun map[string][]Checkpoint
}

// NewMemoryStore 创建内存版快照存储
func NewMemoryStore() Store {
	return &memoryStore{byRun: make(map[string][]Checkpoint)}
}

func clone(cp Checkpoint) Checkpoint {
	if len(cp.State) > 0 {
		cp.State = append(json.RawMessage(nil), cp.State...)
	}
	return cp
}

func (s *memoryStore) Save(ctx context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.byRun[cp.RunID]
	if cp.Seq < len(current) {
		return ErrDuplicateSeq
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.byRun[cp.RunID] = append(current, clone(cp))
	return nil
}

func (s *memoryStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.byRun[runID]
	if len(cps) == 0 {
		return nil, ErrNotFound
	}
	cp := clone(cps[len(cps)-1])
	return &cp, nil
}

func (s *memoryStore) NextSeq(ctx context.Context, runID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byRun[runID]), nil
}

func (s *memoryStore) DeleteForRuns(ctx context.Context, runIDs []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range runIDs {
		n += int64(len(s.byRun[id]))
		delete(s.byRun, id)
	}
	return n, nil
}
