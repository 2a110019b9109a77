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

// Package event 定义 run 事件流：持久化 Store + 发布/订阅 Bus。
// 每个 run 的持久化事件 seq 从 0 起严格连续递增，恰好一条终态事件收尾；
// Seq == SeqEphemeral 的事件（未持久化的 token.delta）只走实时分发，不进存储。
package event

import (
	"encoding/json"
	"time"
)

// 生命周期事件类型；终态四种恰好出现一次
const (
	TypeRunStarted   = "run.started"
	TypeRunHeartbeat = "run.heartbeat"
	TypeRunSucceeded = "run.succeeded"
	TypeRunFailed    = "run.failed"
	TypeRunCancelled = "run.cancelled"
	TypeRunTimedOut  = "run.timed_out"

	TypeCheckpoint = "state.checkpoint"
	TypeTokenDelta = "token.delta"
)

// SeqEphemeral 标记不持久化的事件；订阅端实时可见，replay 不可见
const SeqEphemeral = -1

// Terminal 是否为终态事件类型
func Terminal(eventType string) bool {
	switch eventType {
	case TypeRunSucceeded, TypeRunFailed, TypeRunCancelled, TypeRunTimedOut:
		return true
	default:
		return false
	}
}

// Event 单条 run 事件；payload 为任意 JSON 对象，Agent 自定义类型与生命周期类型同流
type Event struct {
	RunID   string          `json:"run_id"`
	Seq     int             `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      time.Time       `json:"ts"`
}
