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

// Package run 定义 Run 实体与存储：一次 Agent 执行从提交到终态的完整记录。
// Run 由 API 创建，由持有租约的 Worker（或 Reaper 在租约过期时）变更；Events/Checkpoints 按 run_id 关联。
package run

import (
	"encoding/json"
	"time"
)

// Status Run 状态机节点；终态（Succeeded/Failed/Cancelled/TimedOut）不可再变更
type Status int

const (
	StatusQueued Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusCancelled
	StatusTimedOut
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal 是否为终态
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// ParseStatus 解析状态字符串；未知返回 -1, false
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "queued":
		return StatusQueued, true
	case "running":
		return StatusRunning, true
	case "succeeded":
		return StatusSucceeded, true
	case "failed":
		return StatusFailed, true
	case "cancelled":
		return StatusCancelled, true
	case "timed_out":
		return StatusTimedOut, true
	default:
		return -1, false
	}
}

// MarshalJSON 以字符串形式序列化状态（API 对外形态）
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON 从字符串反序列化状态
func (s *Status) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return err
	}
	if v, ok := ParseStatus(str); ok {
		*s = v
	}
	return nil
}

// Message 对话消息；content 可为纯文本或结构化 JSON，core 不解释其语义
type Message struct {
	Role    string          `json:"role"` // user | assistant | system | tool
	Content json.RawMessage `json:"content"`
}

// Input 提交输入：消息序列 + 参数映射；core 仅持久化与转发
type Input struct {
	Messages []Message       `json:"messages"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// Output 终态成功时的输出
type Output struct {
	FinalOutput   json.RawMessage `json:"final_output,omitempty"`
	FinalMessages []Message       `json:"final_messages,omitempty"`
	Usage         json.RawMessage `json:"usage,omitempty"`
	Artifacts     json.RawMessage `json:"artifacts,omitempty"`
}

// Run Agent 执行实体；input/output/error/metadata 为结构化 JSON，持久化为 JSONB
type Run struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id,omitempty"`
	AgentKey       string            `json:"agent_key"`
	Status         Status            `json:"status"`
	Input          Input             `json:"input"`
	Output         *Output           `json:"output,omitempty"`
	Error          *ErrorInfo        `json:"error,omitempty"`
	// Attempt 当前/下一次执行的尝试序号，从 1 起；重试回队时推进
	Attempt        int               `json:"attempt"`
	MaxAttempts    int               `json:"max_attempts"`
	LeaseOwner     string            `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time        `json:"lease_expires_at,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	// CancelRequestedAt 非零表示已请求取消；Queued 状态由 API 直接短路为 Cancelled，Running 由 Worker 协作式观测
	CancelRequestedAt *time.Time      `json:"cancel_requested_at,omitempty"`
	// NotBefore 重试退避截止时间；非零且晚于 now 时不可被 Claim
	NotBefore  *time.Time      `json:"not_before,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// Terminal 是否处于终态
func (r *Run) Terminal() bool {
	return r.Status.Terminal()
}
