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

package run

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// memoryStore 内存实现：单进程部署与测试用；所有读写复制，外部不共享内部指针
type memoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
	// byIdem idempotency_key -> run id
	byIdem map[string]string
}

// NewMemoryStore 创建内存版 Run Store
func NewMemoryStore() Store {
	return &memoryStore{
		runs:   make(map[string]*Run),
		byIdem: make(map[string]string),
	}
}

func cloneRun(r *Run) *Run {
	cp := *r
	if r.LeaseExpiresAt != nil {
		t := *r.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if r.CancelRequestedAt != nil {
		t := *r.CancelRequestedAt
		cp.CancelRequestedAt = &t
	}
	if r.NotBefore != nil {
		t := *r.NotBefore
		cp.NotBefore = &t
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		cp.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		cp.FinishedAt = &t
	}
	if r.Output != nil {
		o := *r.Output
		cp.Output = &o
	}
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	if len(r.Metadata) > 0 {
		cp.Metadata = append(json.RawMessage(nil), r.Metadata...)
	}
	return &cp
}

func (s *memoryStore) Create(ctx context.Context, r *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.IdempotencyKey != "" {
		if _, ok := s.byIdem[r.IdempotencyKey]; ok {
			return ErrIdempotencyConflict
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Attempt <= 0 {
		r.Attempt = 1
	}
	s.runs[r.ID] = cloneRun(r)
	if r.IdempotencyKey != "" {
		s.byIdem[r.IdempotencyKey] = r.ID
	}
	return nil
}

func (s *memoryStore) Get(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(r), nil
}

func (s *memoryStore) GetByIdempotencyKey(ctx context.Context, key string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIdem[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(s.runs[id]), nil
}

func (s *memoryStore) List(ctx context.Context, f ListFilter) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Run
	for _, r := range s.runs {
		if f.AgentKey != "" && r.AgentKey != f.AgentKey {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		if f.ConversationID != "" && r.ConversationID != f.ConversationID {
			continue
		}
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[Status]int)
	for _, r := range s.runs {
		counts[r.Status]++
	}
	return counts, nil
}

func (s *memoryStore) RequestCancel(ctx context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status.Terminal() {
		return nil, ErrTerminal
	}
	if r.CancelRequestedAt == nil {
		now := time.Now()
		r.CancelRequestedAt = &now
	}
	return cloneRun(r), nil
}

func (s *memoryStore) CancelQueued(ctx context.Context, id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != StatusQueued {
		return nil, ErrNotClaimable
	}
	now := time.Now()
	r.Status = StatusCancelled
	r.FinishedAt = &now
	if r.CancelRequestedAt == nil {
		r.CancelRequestedAt = &now
	}
	return cloneRun(r), nil
}

func (s *memoryStore) Claim(ctx context.Context, workerID string, agentKeys []string, batch int, leaseTTL time.Duration) ([]*Run, error) {
	if batch <= 0 {
		batch = 1
	}
	keys := make(map[string]bool, len(agentKeys))
	for _, k := range agentKeys {
		keys[k] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()

	// 按创建顺序领取，保证 FIFO 近似
	var candidates []*Run
	for _, r := range s.runs {
		if r.Status != StatusQueued {
			continue
		}
		if r.CancelRequestedAt != nil {
			continue
		}
		if r.NotBefore != nil && r.NotBefore.After(now) {
			continue
		}
		if len(keys) > 0 && !keys[r.AgentKey] {
			continue
		}
		candidates = append(candidates, r)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	if len(candidates) > batch {
		candidates = candidates[:batch]
	}

	var claimed []*Run
	for _, r := range candidates {
		exp := now.Add(leaseTTL)
		r.Status = StatusRunning
		r.LeaseOwner = workerID
		r.LeaseExpiresAt = &exp
		r.NotBefore = nil
		if r.StartedAt == nil {
			t := now
			r.StartedAt = &t
		}
		claimed = append(claimed, cloneRun(r))
	}
	return claimed, nil
}

func (s *memoryStore) ClaimByID(ctx context.Context, id, workerID string, leaseTTL time.Duration) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := time.Now()
	if r.Status != StatusQueued || r.CancelRequestedAt != nil ||
		(r.NotBefore != nil && r.NotBefore.After(now)) {
		return nil, ErrNotClaimable
	}
	exp := now.Add(leaseTTL)
	r.Status = StatusRunning
	r.LeaseOwner = workerID
	r.LeaseExpiresAt = &exp
	r.NotBefore = nil
	if r.StartedAt == nil {
		t := now
		r.StartedAt = &t
	}
	return cloneRun(r), nil
}

func (s *memoryStore) ExtendLease(ctx context.Context, id, workerID string, leaseTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != StatusRunning || r.LeaseOwner != workerID ||
		r.LeaseExpiresAt == nil || r.LeaseExpiresAt.Before(time.Now()) {
		return ErrLeaseNotHeld
	}
	exp := time.Now().Add(leaseTTL)
	r.LeaseExpiresAt = &exp
	return nil
}

func (s *memoryStore) Finish(ctx context.Context, id, workerID string, st Status, out *Output, errInfo *ErrorInfo) error {
	if !st.Terminal() {
		return ErrNotClaimable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status.Terminal() {
		return ErrTerminal
	}
	if r.Status != StatusRunning || r.LeaseOwner != workerID {
		return ErrLeaseNotHeld
	}
	now := time.Now()
	r.Status = st
	r.Output = out
	r.Error = errInfo
	r.FinishedAt = &now
	r.LeaseOwner = ""
	r.LeaseExpiresAt = nil
	return nil
}

func (s *memoryStore) RequeueForRetry(ctx context.Context, id, workerID string, errInfo *ErrorInfo, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != StatusRunning || r.LeaseOwner != workerID {
		return ErrLeaseNotHeld
	}
	r.Status = StatusQueued
	r.LeaseOwner = ""
	r.LeaseExpiresAt = nil
	nb := notBefore
	r.NotBefore = &nb
	// 记录失败的那次 attempt，再推进到下一次
	r.Metadata = appendAttemptHistory(r.Metadata, r.Attempt, errInfo)
	r.Attempt++
	return nil
}

func (s *memoryStore) ReapExpired(ctx context.Context) (*ReapResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	res := &ReapResult{}
	for _, r := range s.runs {
		if r.Status != StatusRunning || r.LeaseExpiresAt == nil || r.LeaseExpiresAt.After(now) {
			continue
		}
		lost := NewError(ErrKindLeaseLost, "lease expired on worker "+r.LeaseOwner)
		if r.Attempt < r.MaxAttempts {
			r.Status = StatusQueued
			r.LeaseOwner = ""
			r.LeaseExpiresAt = nil
			r.NotBefore = nil
			r.Metadata = appendAttemptHistory(r.Metadata, r.Attempt, lost)
			r.Attempt++
			res.Requeued = append(res.Requeued, cloneRun(r))
		} else {
			r.Status = StatusFailed
			r.Error = lost
			r.LeaseOwner = ""
			r.LeaseExpiresAt = nil
			t := now
			r.FinishedAt = &t
			res.Failed = append(res.Failed, cloneRun(r))
		}
	}
	return res, nil
}

func (s *memoryStore) ListActiveWorkerIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	seen := make(map[string]bool)
	var ids []string
	for _, r := range s.runs {
		if r.Status == StatusRunning && r.LeaseOwner != "" &&
			r.LeaseExpiresAt != nil && r.LeaseExpiresAt.After(now) && !seen[r.LeaseOwner] {
			seen[r.LeaseOwner] = true
			ids = append(ids, r.LeaseOwner)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memoryStore) ListTerminalEndedBefore(ctx context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, r := range s.runs {
		if r.Status.Terminal() && r.FinishedAt != nil && r.FinishedAt.Before(before) {
			ids = append(ids, r.ID)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
	}
	return ids, nil
}

type attemptRecord struct {
	Attempt int        `json:"attempt"`
	Error   *ErrorInfo `json:"error"`
	At      time.Time  `json:"at"`
}

// appendAttemptHistory 把失败尝试追加到 metadata.attempt_history；metadata 解析失败时重建
func appendAttemptHistory(meta json.RawMessage, attempt int, errInfo *ErrorInfo) json.RawMessage {
	m := map[string]json.RawMessage{}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &m)
	}
	var history []attemptRecord
	if raw, ok := m["attempt_history"]; ok {
		_ = json.Unmarshal(raw, &history)
	}
	history = append(history, attemptRecord{Attempt: attempt, Error: errInfo, At: time.Now()})
	hb, err := json.Marshal(history)
	if err != nil {
		return meta
	}
	m["attempt_history"] = hb
	out, err := json.Marshal(m)
	if err != nil {
		return meta
	}
	return out
}
