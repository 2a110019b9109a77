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
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"agent-runtime/internal/checkpoint"
	"agent-runtime/internal/event"
	"agent-runtime/internal/run"
	"agent-runtime/internal/runqueue"
	"agent-runtime/pkg/log"
)

type testEnv struct {
	store       run.Store
	events      event.Store
	bus         event.Bus
	checkpoints checkpoint.Store
	queue       runqueue.Queue
	registry    *Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := run.NewMemoryStore()
	events := event.NewMemoryStore()
	return &testEnv{
		store:       store,
		events:      events,
		bus:         event.NewDBBus(events),
		checkpoints: checkpoint.NewMemoryStore(),
		queue:       runqueue.NewStoreQueue(store, 30*time.Second),
		registry:    NewRegistry(),
	}
}

func (e *testEnv) newRunner(t *testing.T, cfg Config) *Runner {
	t.Helper()
	logger, err := log.NewLogger(nil)
	if err != nil {
		t.Fatal(err)
	}
	return New(e.queue, e.store, e.events, e.bus, e.checkpoints, e.registry, nil, logger, cfg)
}

// submitAndClaim 入队并领取一个 run，模拟 worker 拿到任务后的状态
func (e *testEnv) submitAndClaim(t *testing.T, agentKey string) *run.Run {
	t.Helper()
	ctx := context.Background()
	r := &run.Run{
		ID:          uuid.New().String(),
		AgentKey:    agentKey,
		Status:      run.StatusQueued,
		MaxAttempts: 3,
	}
	if err := e.store.Create(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := e.queue.Enqueue(ctx, r); err != nil {
		t.Fatal(err)
	}
	claimed, err := e.queue.Claim(ctx, "w1", nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d runs, want 1", len(claimed))
	}
	return claimed[0]
}

func eventTypes(t *testing.T, events event.Store, runID string) []string {
	t.Helper()
	list, err := events.List(context.Background(), runID, 0)
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, e := range list {
		types = append(types, e.Type)
	}
	return types
}

func TestRunOnceSuccess(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("echo", AgentFunc(func(ctx context.Context, rc *Context) (*run.Output, error) {
		return &run.Output{FinalOutput: json.RawMessage(`"ok"`)}, nil
	}))
	r := env.submitAndClaim(t, "echo")
	env.newRunner(t, DefaultConfig()).RunOnce(context.Background(), "w1", r)

	got, _ := env.store.Get(context.Background(), r.ID)
	if got.Status != run.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}
	if string(got.Output.FinalOutput) != `"ok"` {
		t.Errorf("output = %s", got.Output.FinalOutput)
	}
	types := eventTypes(t, env.events, r.ID)
	if len(types) != 2 || types[0] != event.TypeRunStarted || types[1] != event.TypeRunSucceeded {
		t.Errorf("events = %v", types)
	}
}

func TestRunOnceRetriableFailureRequeues(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("flaky", AgentFunc(func(ctx context.Context, rc *Context) (*run.Output, error) {
		return nil, errors.New("transient")
	}))
	r := env.submitAndClaim(t, "flaky")
	env.newRunner(t, DefaultConfig()).RunOnce(context.Background(), "w1", r)

	got, _ := env.store.Get(context.Background(), r.ID)
	if got.Status != run.StatusQueued {
		t.Fatalf("status = %s, want queued", got.Status)
	}
	// attempt=1 → 退避 2s
	if got.NotBefore == nil {
		t.Fatal("not_before not set")
	}
	delay := time.Until(*got.NotBefore)
	if delay < time.Second || delay > 3*time.Second {
		t.Errorf("backoff delay = %s, want ~2s", delay)
	}
	// 重试回队不发终态事件
	types := eventTypes(t, env.events, r.ID)
	if len(types) != 1 || types[0] != event.TypeRunStarted {
		t.Errorf("events = %v", types)
	}
}

func TestRunOnceExhaustedRetriesFails(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("flaky", AgentFunc(func(ctx context.Context, rc *Context) (*run.Output, error) {
		return nil, errors.New("still broken")
	}))
	ctx := context.Background()
	r := &run.Run{ID: uuid.New().String(), AgentKey: "flaky", Status: run.StatusQueued, MaxAttempts: 1}
	if err := env.store.Create(ctx, r); err != nil {
		t.Fatal(err)
	}
	claimed, err := env.queue.Claim(ctx, "w1", nil, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v %d", err, len(claimed))
	}
	env.newRunner(t, DefaultConfig()).RunOnce(ctx, "w1", claimed[0])

	got, _ := env.store.Get(ctx, r.ID)
	if got.Status != run.StatusFailed || got.Error == nil || got.Error.Kind != run.ErrKindAgentError {
		t.Fatalf("run = %s error=%+v", got.Status, got.Error)
	}
	types := eventTypes(t, env.events, r.ID)
	if types[len(types)-1] != event.TypeRunFailed {
		t.Errorf("events = %v", types)
	}
}

func TestRunOnceNonRetriableFailsImmediately(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("fatal", AgentFunc(func(ctx context.Context, rc *Context) (*run.Output, error) {
		return nil, NonRetriable(errors.New("bad input"))
	}))
	r := env.submitAndClaim(t, "fatal")
	env.newRunner(t, DefaultConfig()).RunOnce(context.Background(), "w1", r)

	got, _ := env.store.Get(context.Background(), r.ID)
	if got.Status != run.StatusFailed {
		t.Fatalf("status = %s, want failed (no retry budget spent)", got.Status)
	}
	if got.Error.Retriable {
		t.Error("error marked retriable")
	}
}

func TestRunOnceAgentNotFound(t *testing.T) {
	env := newTestEnv(t)
	r := env.submitAndClaim(t, "ghost")
	env.newRunner(t, DefaultConfig()).RunOnce(context.Background(), "w1", r)

	got, _ := env.store.Get(context.Background(), r.ID)
	if got.Status != run.StatusFailed || got.Error.Kind != run.ErrKindAgentNotFound {
		t.Fatalf("run = %s error=%+v", got.Status, got.Error)
	}
	types := eventTypes(t, env.events, r.ID)
	if len(types) != 1 || types[0] != event.TypeRunFailed {
		t.Errorf("events = %v", types)
	}
}

func TestRunOnceTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("slow", AgentFunc(func(ctx context.Context, rc *Context) (*run.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	r := env.submitAndClaim(t, "slow")
	cfg := DefaultConfig()
	cfg.RunTimeout = 50 * time.Millisecond
	env.newRunner(t, cfg).RunOnce(context.Background(), "w1", r)

	got, _ := env.store.Get(context.Background(), r.ID)
	if got.Status != run.StatusTimedOut || got.Error.Kind != run.ErrKindTimeout {
		t.Fatalf("run = %s error=%+v", got.Status, got.Error)
	}
	types := eventTypes(t, env.events, r.ID)
	if types[len(types)-1] != event.TypeRunTimedOut {
		t.Errorf("events = %v", types)
	}
}

func TestRunOnceCancelDuringRun(t *testing.T) {
	env := newTestEnv(t)
	started := make(chan struct{})
	env.registry.Register("loop", AgentFunc(func(ctx context.Context, rc *Context) (*run.Output, error) {
		close(started)
		for {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(10 * time.Millisecond):
				if err := rc.CheckCancelled(ctx); err != nil {
					return nil, err
				}
			}
		}
	}))
	r := env.submitAndClaim(t, "loop")

	go func() {
		<-started
		if _, err := env.store.RequestCancel(context.Background(), r.ID); err != nil {
			t.Errorf("request cancel: %v", err)
		}
	}()
	env.newRunner(t, DefaultConfig()).RunOnce(context.Background(), "w1", r)

	got, _ := env.store.Get(context.Background(), r.ID)
	if got.Status != run.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	types := eventTypes(t, env.events, r.ID)
	if types[len(types)-1] != event.TypeRunCancelled {
		t.Errorf("events = %v", types)
	}
}

func TestRunOnceLeaseLostAbandons(t *testing.T) {
	env := newTestEnv(t)
	block := make(chan struct{})
	env.registry.Register("steady", AgentFunc(func(ctx context.Context, rc *Context) (*run.Output, error) {
		<-ctx.Done()
		close(block)
		return nil, ctx.Err()
	}))
	r := env.submitAndClaim(t, "steady")

	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	rn := env.newRunner(t, cfg)
	// 另一个 worker 抢走租约后，原 worker 的续约失败
	rn.queue = &leaseLossQueue{Queue: env.queue}
	rn.RunOnce(context.Background(), "w1", r)
	<-block

	// 静默放弃：状态仍为 running，未写任何终态事件
	got, _ := env.store.Get(context.Background(), r.ID)
	if got.Status != run.StatusRunning {
		t.Fatalf("status = %s, want running (abandoned)", got.Status)
	}
	types := eventTypes(t, env.events, r.ID)
	for _, typ := range types {
		if event.Terminal(typ) {
			t.Errorf("terminal event written after lease loss: %v", types)
		}
	}
}

func TestCheckpointSurvivesRetry(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("resumable", AgentFunc(func(ctx context.Context, rc *Context) (*run.Output, error) {
		state, err := rc.State(ctx)
		if err != nil {
			return nil, err
		}
		if state == nil {
			if err := rc.Checkpoint(ctx, map[string]int{"step": 1}); err != nil {
				return nil, err
			}
			return nil, errors.New("crash after checkpoint")
		}
		var st map[string]int
		if err := json.Unmarshal(state, &st); err != nil {
			return nil, err
		}
		out, _ := json.Marshal(map[string]int{"resumed_from": st["step"]})
		return &run.Output{FinalOutput: out}, nil
	}))
	r := env.submitAndClaim(t, "resumable")
	cfg := DefaultConfig()
	cfg.BackoffMax = time.Millisecond // 测试里不等退避
	rn := env.newRunner(t, cfg)
	ctx := context.Background()
	rn.RunOnce(ctx, "w1", r)

	got, _ := env.store.Get(ctx, r.ID)
	if got.Status != run.StatusQueued {
		t.Fatalf("after first attempt status = %s, want queued", got.Status)
	}

	time.Sleep(5 * time.Millisecond)
	claimed, err := env.store.Claim(ctx, "w2", nil, 1, 30*time.Second)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("reclaim: %v (%d)", err, len(claimed))
	}
	rn.RunOnce(ctx, "w2", claimed[0])
	got, _ = env.store.Get(ctx, r.ID)
	if got.Status != run.StatusSucceeded {
		t.Fatalf("after resume status = %s", got.Status)
	}
	if string(got.Output.FinalOutput) != `{"resumed_from":1}` {
		t.Errorf("output = %s", got.Output.FinalOutput)
	}
}

// leaseLossQueue 续约永远失败，模拟租约被他人接管
type leaseLossQueue struct {
	runqueue.Queue
}

func (q *leaseLossQueue) ExtendLease(ctx context.Context, id, workerID string) error {
	return run.ErrLeaseNotHeld
}
