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
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "agentrun:events:"

// redisBus Redis pub/sub 实时分发 + Store replay。
// Publish 先写 Store 再 PUBLISH；Subscribe 先 SUBSCRIBE 再查 Store，
// 订阅窗口早于 replay 上界，两段之间按 seq 去重后无缝衔接。
type redisBus struct {
	rdb   *redis.Client
	store Store
}

// NewRedisBus 创建基于 Redis pub/sub 的事件总线
func NewRedisBus(rdb *redis.Client, store Store) Bus {
	return &redisBus{rdb: rdb, store: store}
}

func channelFor(runID string) string {
	return redisChannelPrefix + runID
}

func (b *redisBus) Publish(ctx context.Context, ev Event) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	if ev.Seq != SeqEphemeral {
		if err := b.store.Append(ctx, ev); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channelFor(ev.RunID), payload).Err()
}

func (b *redisBus) Subscribe(ctx context.Context, runID string, fromSeq int) (<-chan Event, error) {
	ps := b.rdb.Subscribe(ctx, channelFor(runID))
	// 确认订阅生效后才能查 replay 上界，否则两段之间有空洞
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	out := make(chan Event, subscribeChanBuffer)
	go func() {
		defer close(out)
		defer ps.Close()

		next := fromSeq
		if next < 0 {
			next = 0
		}
		replay, err := b.store.List(ctx, runID, next)
		if err != nil {
			return
		}
		for _, e := range replay {
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
			next = e.Seq + 1
			if Terminal(e.Type) {
				return
			}
		}

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				if ev.Seq == SeqEphemeral {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
					continue
				}
				// replay 已覆盖的序号丢弃；pub/sub 不保序也不保达，跳号回读 Store
				if ev.Seq < next {
					continue
				}
				if ev.Seq > next {
					missed, err := b.store.List(ctx, runID, next)
					if err != nil {
						return
					}
					for _, e := range missed {
						select {
						case out <- e:
						case <-ctx.Done():
							return
						}
						next = e.Seq + 1
						if Terminal(e.Type) {
							return
						}
					}
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				next = ev.Seq + 1
				if Terminal(ev.Type) {
					return
				}
			}
		}
	}()
	return out, nil
}
