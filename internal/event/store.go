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
	"errors"
	"time"
)

var (
	// ErrDuplicateSeq (run_id, seq) 冲突；两个写者竞争同一序号时后到者失败
	ErrDuplicateSeq = errors.New("duplicate event seq")
	// ErrSeqGap 追加的 seq 不是当前末尾 + 1
	ErrSeqGap = errors.New("event seq not contiguous")
)

// Store 事件持久化；Append 是唯一写入口并保证连续性
type Store interface {
	// Append 追加事件；seq 必须等于该 run 当前事件数，否则 ErrSeqGap/ErrDuplicateSeq
	Append(ctx context.Context, ev Event) error
	// List 返回 seq >= fromSeq 的事件，按 seq 升序
	List(ctx context.Context, runID string, fromSeq int) ([]Event, error)
	// NextSeq 下一个可用序号（= 当前事件数）
	NextSeq(ctx context.Context, runID string) (int, error)
	// DeleteBefore 删除 createdBefore 之前且属于给定 run 的全部事件（保留/清理用）
	DeleteBefore(ctx context.Context, runIDs []string, createdBefore time.Time) (int64, error)
}
