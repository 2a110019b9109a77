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

package runqueue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"agent-runtime/internal/run"
)

const (
	redisStreamPrefix = "agentrun:queue:"
	redisGroup        = "workers"
	autoClaimBatch    = 100
)

// redisQueue Redis Streams 投递：每个 agent_key 一条 stream，消费组 workers。
// 消息只携带 run_id；领取时对 Run Store 做 queued→running CAS，
// 行状态裁决一切竞争（重复投递、过期重投、取消竞争）。
// PEL 表示在途投递：执行完成 XACK，过期由 XAUTOCLAIM(min-idle=lease_ttl) 重投。
type redisQueue struct {
	rdb      *redis.Client
	store    run.Store
	leaseTTL time.Duration

	mu     sync.Mutex
	groups map[string]bool // 已确保消费组存在的 stream
}

// NewRedisQueue 创建 Redis Streams 队列；store 为状态最终裁决
func NewRedisQueue(rdb *redis.Client, store run.Store, leaseTTL time.Duration) Queue {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &redisQueue{
		rdb:      rdb,
		store:    store,
		leaseTTL: leaseTTL,
		groups:   make(map[string]bool),
	}
}

func streamFor(agentKey string) string {
	return redisStreamPrefix + agentKey
}

func (q *redisQueue) ensureGroup(ctx context.Context, stream string) error {
	q.mu.Lock()
	ok := q.groups[stream]
	q.mu.Unlock()
	if ok {
		return nil
	}
	err := q.rdb.XGroupCreateMkStream(ctx, stream, redisGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	q.mu.Lock()
	q.groups[stream] = true
	q.mu.Unlock()
	return nil
}

func (q *redisQueue) Enqueue(ctx context.Context, r *run.Run) error {
	stream := streamFor(r.AgentKey)
	if err := q.ensureGroup(ctx, stream); err != nil {
		return err
	}
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"run_id": r.ID},
	}).Err()
}

// handleDelivery 对单条投递做 CAS 领取；返回领取结果与是否应 XACK
func (q *redisQueue) handleDelivery(ctx context.Context, workerID, runID string) (*run.Run, bool, error) {
	r, err := q.store.ClaimByID(ctx, runID, workerID, q.leaseTTL)
	if err == nil {
		// 在途：执行结束前不 ACK，PEL 项留给 reap 路径兜底
		return r, false, nil
	}
	if errors.Is(err, run.ErrNotFound) {
		return nil, true, nil
	}
	if errors.Is(err, run.ErrNotClaimable) {
		cur, getErr := q.store.Get(ctx, runID)
		if getErr != nil {
			return nil, true, nil
		}
		switch {
		case cur.Terminal():
			// 已取消/已结束，丢弃投递
			return nil, true, nil
		case cur.Status == run.StatusQueued && cur.NotBefore != nil && cur.NotBefore.After(time.Now()):
			// 退避期内：ACK 旧消息并回灌一条新投递，下轮再试
			if err := q.Enqueue(ctx, cur); err != nil {
				return nil, false, err
			}
			return nil, true, nil
		default:
			// running（他人持有）等情况：丢弃本次投递，行状态已有人负责
			return nil, true, nil
		}
	}
	return nil, false, err
}

func (q *redisQueue) Claim(ctx context.Context, workerID string, agentKeys []string, batch int) ([]*run.Run, error) {
	if batch <= 0 {
		batch = 1
	}
	var claimed []*run.Run
	for _, key := range agentKeys {
		if len(claimed) >= batch {
			break
		}
		stream := streamFor(key)
		if err := q.ensureGroup(ctx, stream); err != nil {
			return claimed, err
		}
		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    redisGroup,
			Consumer: workerID,
			Streams:  []string{stream, ">"},
			Count:    int64(batch - len(claimed)),
			Block:    -1,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return claimed, err
		}
		for _, xs := range streams {
			for _, msg := range xs.Messages {
				runID, _ := msg.Values["run_id"].(string)
				r, ack, err := q.handleDelivery(ctx, workerID, runID)
				if err != nil {
					return claimed, err
				}
				if ack {
					if err := q.rdb.XAck(ctx, stream, redisGroup, msg.ID).Err(); err != nil {
						return claimed, err
					}
				}
				if r != nil {
					claimed = append(claimed, r)
				}
			}
		}
	}
	return claimed, nil
}

func (q *redisQueue) ExtendLease(ctx context.Context, id, workerID string) error {
	return q.store.ExtendLease(ctx, id, workerID, q.leaseTTL)
}

// ackRun 找到并确认 run 对应的在途投递（按 worker 的 PEL 清理）
func (q *redisQueue) ackRun(ctx context.Context, agentKey, runID string) {
	stream := streamFor(agentKey)
	pending, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  redisGroup,
		Start:  "-",
		End:    "+",
		Count:  autoClaimBatch,
	}).Result()
	if err != nil {
		return
	}
	for _, p := range pending {
		msgs, err := q.rdb.XRangeN(ctx, stream, p.ID, p.ID, 1).Result()
		if err != nil || len(msgs) == 0 {
			continue
		}
		if id, _ := msgs[0].Values["run_id"].(string); id == runID {
			_ = q.rdb.XAck(ctx, stream, redisGroup, p.ID).Err()
			return
		}
	}
}

func (q *redisQueue) Release(ctx context.Context, id, workerID string, st run.Status, out *run.Output, errInfo *run.ErrorInfo) error {
	r, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := q.store.Finish(ctx, id, workerID, st, out, errInfo); err != nil {
		return err
	}
	q.ackRun(ctx, r.AgentKey, id)
	return nil
}

func (q *redisQueue) RequeueForRetry(ctx context.Context, id, workerID string, errInfo *run.ErrorInfo, notBefore time.Time) error {
	r, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := q.store.RequeueForRetry(ctx, id, workerID, errInfo, notBefore); err != nil {
		return err
	}
	q.ackRun(ctx, r.AgentKey, id)
	// 新投递立即入流；退避期由 handleDelivery 的 not_before 检查兜住
	return q.Enqueue(ctx, r)
}

func (q *redisQueue) ReapExpired(ctx context.Context, agentKeys []string) (*run.ReapResult, error) {
	// 行状态先裁决：过期租约回队或置 failed
	res, err := q.store.ReapExpired(ctx)
	if err != nil {
		return nil, err
	}
	// 回队的 run 需要重新投递
	for _, r := range res.Requeued {
		if err := q.Enqueue(ctx, r); err != nil {
			return res, err
		}
	}
	// 清理僵尸 PEL：闲置超过租约时长的投递收回并确认
	// （对应的 run 若仍可执行，上面的回灌已产生新投递）
	for _, key := range agentKeys {
		stream := streamFor(key)
		if err := q.ensureGroup(ctx, stream); err != nil {
			return res, err
		}
		msgs, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    redisGroup,
			Consumer: "reaper",
			MinIdle:  q.leaseTTL,
			Start:    "0",
			Count:    autoClaimBatch,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return res, err
		}
		for _, msg := range msgs {
			runID, _ := msg.Values["run_id"].(string)
			cur, getErr := q.store.Get(ctx, runID)
			if getErr == nil && cur.Status == run.StatusQueued {
				// 仍待执行但投递已失效，补一条新投递
				if err := q.Enqueue(ctx, cur); err != nil {
					return res, err
				}
			}
			if err := q.rdb.XAck(ctx, stream, redisGroup, msg.ID).Err(); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}
