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

import "encoding/json"

// 错误分类：决定失败后是否 requeue 重试
const (
	ErrKindAgentError    = "agent_error"     // Agent 回调抛出的业务错误，默认可重试
	ErrKindAgentNotFound = "agent_not_found" // agent_key 未注册，不可重试
	ErrKindTimeout       = "timeout"         // 超出 run_timeout，不可重试
	ErrKindCancelled     = "cancelled"       // 协作式取消
	ErrKindLeaseLost     = "lease_lost"      // 租约过期被 Reaper 收回且重试次数耗尽
	ErrKindInternal      = "internal"        // runtime 内部错误，可重试
)

// ErrorInfo 终态失败信息；随 Run 持久化为 JSONB，也作为 run.failed 事件 payload 的 error 字段
type ErrorInfo struct {
	Kind      string          `json:"kind"`
	Message   string          `json:"message"`
	Stack     string          `json:"stack,omitempty"`
	Retriable bool            `json:"retriable"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// Error 实现 error；Agent 可直接返回 *ErrorInfo 控制错误分类
func (e *ErrorInfo) Error() string {
	return e.Kind + ": " + e.Message
}

// NewError 构造 ErrorInfo；retriable 由 kind 推导，调用方可覆盖
func NewError(kind, message string) *ErrorInfo {
	return &ErrorInfo{
		Kind:      kind,
		Message:   message,
		Retriable: kind == ErrKindAgentError || kind == ErrKindInternal,
	}
}
