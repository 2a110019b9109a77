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

// Package runqueue 把 queued run 投递给 worker：租约式领取、心跳续约、
// 失败回队与过期租约回收。Run Store 的行状态始终是最终裁决，
// 投递机制（轮询 / redis streams）只负责把 run id 送到 worker 手上。
package runqueue

import (
	"context"
	"time"

	"agent-runtime/internal/run"
)

const (
	// DefaultLeaseTTL 租约时长；heartbeat 间隔应取其 1/3
	DefaultLeaseTTL = 30 * time.Second
)

// Queue 面向 worker 的队列接口
type Queue interface {
	// Enqueue 让一个已入库的 queued run 可被领取
	Enqueue(ctx context.Context, r *run.Run) error
	// Claim 领取至多 batch 个可执行 run；agentKeys 限定可处理的 agent
	Claim(ctx context.Context, workerID string, agentKeys []string, batch int) ([]*run.Run, error)
	// ExtendLease 心跳续约
	ExtendLease(ctx context.Context, id, workerID string) error
	// Release 终态落库并释放租约
	Release(ctx context.Context, id, workerID string, st run.Status, out *run.Output, errInfo *run.ErrorInfo) error
	// RequeueForRetry 失败回队，notBefore 之前不可再领取
	RequeueForRetry(ctx context.Context, id, workerID string, errInfo *run.ErrorInfo, notBefore time.Time) error
	// ReapExpired 收回过期租约：有额度回队、额度耗尽置 failed；幂等
	ReapExpired(ctx context.Context, agentKeys []string) (*run.ReapResult, error)
}

// storeQueue 以 Run Store 为队列：Claim 直接在存储上做条件领取。
// memory 与 postgres 两种 store 共用此实现（postgres 下领取语句内置 SKIP LOCKED）。
type storeQueue struct {
	store    run.Store
	leaseTTL time.Duration
}

// NewStoreQueue 创建存储轮询队列
func NewStoreQueue(store run.Store, leaseTTL time.Duration) Queue {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &storeQueue{store: store, leaseTTL: leaseTTL}
}

func (q *storeQueue) Enqueue(ctx context.Context, r *run.Run) error {
	// 存储行即队列项，无需额外投递
	return nil
}

func (q *storeQueue) Claim(ctx context.Context, workerID string, agentKeys []string, batch int) ([]*run.Run, error) {
	return q.store.Claim(ctx, workerID, agentKeys, batch, q.leaseTTL)
}

func (q *storeQueue) ExtendLease(ctx context.Context, id, workerID string) error {
	return q.store.ExtendLease(ctx, id, workerID, q.leaseTTL)
}

func (q *storeQueue) Release(ctx context.Context, id, workerID string, st run.Status, out *run.Output, errInfo *run.ErrorInfo) error {
	return q.store.Finish(ctx, id, workerID, st, out, errInfo)
}

func (q *storeQueue) RequeueForRetry(ctx context.Context, id, workerID string, errInfo *run.ErrorInfo, notBefore time.Time) error {
	return q.store.RequeueForRetry(ctx, id, workerID, errInfo, notBefore)
}

func (q *storeQueue) ReapExpired(ctx context.Context, agentKeys []string) (*run.ReapResult, error) {
	return q.store.ReapExpired(ctx)
}
