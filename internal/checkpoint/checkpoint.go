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

// Package checkpoint 保存 run 的可恢复状态快照。
// 每个 run 的快照 seq 从 0 递增；重试的新 attempt 从最新快照恢复，而不是从头重放。
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound run 没有任何快照
	ErrNotFound = errors.New("checkpoint not found")
	// ErrDuplicateSeq (run_id, seq) 冲突
	ErrDuplicateSeq = errors.New("duplicate checkpoint seq")
)

// Checkpoint 单个状态快照；State 为 Agent 自定义 JSON
type Checkpoint struct {
	RunID     string          `json:"run_id"`
	Seq       int             `json:"seq"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store 快照存储
type Store interface {
	// Save 保存快照；seq 必须大于该 run 已有最大 seq
	Save(ctx context.Context, cp Checkpoint) error
	// Latest 最新快照；无快照返回 ErrNotFound
	Latest(ctx context.Context, runID string) (*Checkpoint, error)
	// NextSeq 下一个快照序号
	NextSeq(ctx context.Context, runID string) (int, error)
	// DeleteForRuns 删除给定 run 的全部快照，返回删除条数（保留清理用）
	DeleteForRuns(ctx context.Context, runIDs []string) (int64, error)
}
