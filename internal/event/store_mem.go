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

package event

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// memoryStore 内存实现；byRun 内事件按 seq 即下标存放
type memoryStore struct {
	mu    sync.RWMutex
	byRun map[string][]Event
}

// NewMemoryStore 创建内存版事件存储
func NewMemoryStore() Store {
	return &memoryStore{byRun: make(map[string][]Event)}
}

func cloneEvent(e Event) Event {
	if len(e.Payload) > 0 {
		e.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return e
}

func (s *memoryStore) Append(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.byRun[ev.RunID]
	if ev.Seq < len(current) {
		return ErrDuplicateSeq
	}
	if ev.Seq > len(current) {
		return ErrSeqGap
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	s.byRun[ev.RunID] = append(current, cloneEvent(ev))
	return nil
}

func (s *memoryStore) List(ctx context.Context, runID string, fromSeq int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.byRun[runID]
	if fromSeq < 0 {
		fromSeq = 0
	}
	if fromSeq >= len(events) {
		return nil, nil
	}
	out := make([]Event, 0, len(events)-fromSeq)
	for _, e := range events[fromSeq:] {
		out = append(out, cloneEvent(e))
	}
	return out, nil
}

func (s *memoryStore) NextSeq(ctx context.Context, runID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byRun[runID]), nil
}

func (s *memoryStore) DeleteBefore(ctx context.Context, runIDs []string, createdBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range runIDs {
		events := s.byRun[id]
		if len(events) == 0 {
			continue
		}
		// 整个 run 的事件在保留期后一并清理；只删最后事件已过期的 run
		if events[len(events)-1].TS.Before(createdBefore) {
			n += int64(len(events))
			delete(s.byRun, id)
		}
	}
	return n, nil
}
