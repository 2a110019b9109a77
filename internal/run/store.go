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
	"errors"
	"time"

	pkgerrors "agent-runtime/pkg/errors"
)

// 领域错误挂在 pkg/errors 的跨层哨兵上，调用方可按任一层 errors.Is
var (
	// ErrNotFound run 不存在
	ErrNotFound = pkgerrors.Wrap(pkgerrors.ErrNotFound, "run")
	// ErrIdempotencyConflict idempotency_key 已被占用（提交方应返回已存在的 run）
	ErrIdempotencyConflict = pkgerrors.Wrap(pkgerrors.ErrConflict, "idempotency key already used")
	// ErrTerminal run 已处于终态，拒绝变更
	ErrTerminal = errors.New("run is terminal")
	// ErrNotClaimable run 不在可领取状态（非 queued / 退避期内 / 已请求取消）
	ErrNotClaimable = errors.New("run not claimable")
	// ErrLeaseNotHeld 调用方不再持有该 run 的有效租约
	ErrLeaseNotHeld = errors.New("lease not held")
)

// ListFilter 列表过滤；零值字段不过滤
type ListFilter struct {
	AgentKey       string
	Status         *Status
	ConversationID string
	Limit          int
}

// ReapResult Reaper 单次扫描结果
type ReapResult struct {
	// Requeued 租约过期且还有重试额度、已回到 queued 的 run
	Requeued []*Run
	// Failed 租约过期且重试耗尽、已置为 failed 的 run
	Failed []*Run
}

// Store Run 的持久化与状态机。所有状态变更都是条件更新：
// 终态不可覆盖，running 态变更要求 worker 仍持有租约。
// 租约原语（Claim/ExtendLease/Finish/Requeue/Reap）由 runqueue 的
// memory/redis 后端复用；postgres 后端在同一张表上用 SKIP LOCKED 自行实现领取。
type Store interface {
	// Create 插入新 run；idempotency_key 冲突返回 ErrIdempotencyConflict
	Create(ctx context.Context, r *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// GetByIdempotencyKey 无匹配返回 ErrNotFound
	GetByIdempotencyKey(ctx context.Context, key string) (*Run, error)
	List(ctx context.Context, f ListFilter) ([]*Run, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// RequestCancel 非终态时记录 cancel_requested_at（幂等）；终态返回 ErrTerminal
	RequestCancel(ctx context.Context, id string) (*Run, error)
	// CancelQueued CAS queued→cancelled；竞争失败（已被领取或已终态）返回 ErrNotClaimable
	CancelQueued(ctx context.Context, id string) (*Run, error)

	// Claim 领取至多 batch 个可执行 run：queued、退避期已过、未请求取消，
	// agentKeys 非空时限定 agent_key。领取即 queued→running、写入租约；
	// attempt 从创建时的 1 起，由重试回队推进，领取不改动
	Claim(ctx context.Context, workerID string, agentKeys []string, batch int, leaseTTL time.Duration) ([]*Run, error)
	// ClaimByID 对指定 run 做 queued→running CAS（redis 投递路径用）；
	// 不可领取（含退避期内）返回 ErrNotClaimable
	ClaimByID(ctx context.Context, id, workerID string, leaseTTL time.Duration) (*Run, error)
	// ExtendLease 续约；owner 不符或租约已过期返回 ErrLeaseNotHeld
	ExtendLease(ctx context.Context, id, workerID string, leaseTTL time.Duration) error
	// Finish running→终态；要求持有租约，清除租约并写 output/error/finished_at
	Finish(ctx context.Context, id, workerID string, st Status, out *Output, errInfo *ErrorInfo) error
	// RequeueForRetry running→queued；要求持有租约，notBefore 为退避截止时间，
	// 本次失败追加进 metadata.attempt_history 并推进 attempt
	RequeueForRetry(ctx context.Context, id, workerID string, errInfo *ErrorInfo, notBefore time.Time) error
	// ReapExpired 收回所有租约过期的 running run；幂等，可在多个 worker 上并发执行
	ReapExpired(ctx context.Context) (*ReapResult, error)

	// ListActiveWorkerIDs 当前持有未过期租约的 worker id 去重列表
	ListActiveWorkerIDs(ctx context.Context) ([]string, error)
	// ListTerminalEndedBefore 终态且 finished_at 早于 before 的 run id（保留清理用）
	ListTerminalEndedBefore(ctx context.Context, before time.Time, limit int) ([]string, error)
}
