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

package runner

import (
	"math"
	"time"
)

// Backoff 重试退避：min(base^attempt, max)，attempt 为真实尝试次数（从 1 起）
func Backoff(base float64, max time.Duration, attempt int) time.Duration {
	if base <= 1 || attempt <= 0 {
		return 0
	}
	secs := math.Pow(base, float64(attempt))
	d := time.Duration(secs * float64(time.Second))
	if d > max || d < 0 {
		return max
	}
	return d
}
