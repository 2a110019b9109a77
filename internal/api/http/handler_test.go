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

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/google/uuid"

	"agent-runtime/internal/api/http/middleware"
	"agent-runtime/internal/event"
	"agent-runtime/internal/run"
	"agent-runtime/internal/runqueue"
	"agent-runtime/pkg/log"
)

type apiStack struct {
	store   run.Store
	events  event.Store
	bus     event.Bus
	handler *Handler
	server  *server.Hertz
}

func newAPIStack(t *testing.T) *apiStack {
	t.Helper()
	store := run.NewMemoryStore()
	events := event.NewMemoryStore()
	bus := event.NewDBBus(events)
	queue := runqueue.NewStoreQueue(store, 30*time.Second)
	logger, err := log.NewLogger(nil)
	if err != nil {
		t.Fatal(err)
	}
	h := NewHandler(store, events, bus, queue, logger)
	r := NewRouter(h, middleware.NewMiddleware())
	return &apiStack{
		store:   store,
		events:  events,
		bus:     bus,
		handler: h,
		server:  r.Build(":0"),
	}
}

func (s *apiStack) do(t *testing.T, method, url string, body interface{}) *ut.ResponseRecorder {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
	}
	return ut.PerformRequest(s.server.Engine, method, url,
		&ut.Body{Body: bytes.NewReader(raw), Len: len(raw)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
}

// runBody 合法的最小提交体
func runBody(agentKey string) map[string]interface{} {
	return map[string]interface{}{
		"agent_key": agentKey,
		"input":     map[string]interface{}{"messages": []map[string]interface{}{{"role": "user", "content": `"hi"`}}},
	}
}

func (s *apiStack) submit(t *testing.T, body map[string]interface{}) *run.Run {
	t.Helper()
	w := s.do(t, "POST", "/api/runs", body)
	if got := w.Result().StatusCode(); got != 201 {
		t.Fatalf("POST /api/runs status = %d, body = %s", got, w.Result().Body())
	}
	var r run.Run
	if err := json.Unmarshal(w.Result().Body(), &r); err != nil {
		t.Fatal(err)
	}
	return &r
}

func TestSubmitRun(t *testing.T) {
	s := newAPIStack(t)
	r := s.submit(t, runBody("echo"))
	if r.ID == "" || r.Status != run.StatusQueued {
		t.Fatalf("run = %+v", r)
	}
	if r.MaxAttempts != 3 {
		t.Errorf("default max_attempts = %d, want 3", r.MaxAttempts)
	}
	// 新建 run 对外即是 attempt 1
	if r.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", r.Attempt)
	}
	stored, err := s.store.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.AgentKey != "echo" {
		t.Errorf("agent_key = %q", stored.AgentKey)
	}
}

func TestSubmitRunValidation(t *testing.T) {
	s := newAPIStack(t)

	withField := func(key string, val interface{}) map[string]interface{} {
		body := runBody("echo")
		body[key] = val
		return body
	}
	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing agent_key", map[string]interface{}{"input": map[string]interface{}{}}},
		{"missing messages", map[string]interface{}{"agent_key": "echo"}},
		{"negative max_attempts", withField("max_attempts", -1)},
		{"max_attempts over limit", withField("max_attempts", 11)},
		{"idempotency_key too long", withField("idempotency_key", strings.Repeat("k", 256))},
		{"malformed conversation_id", withField("conversation_id", "not-a-uuid")},
	}
	for _, tc := range cases {
		w := s.do(t, "POST", "/api/runs", tc.body)
		if got := w.Result().StatusCode(); got != 400 {
			t.Errorf("%s: status = %d, want 400", tc.name, got)
		}
	}

	// 边界值本身合法
	ok := runBody("echo")
	ok["max_attempts"] = 10
	ok["idempotency_key"] = strings.Repeat("k", 255)
	ok["conversation_id"] = uuid.New().String()
	if r := s.submit(t, ok); r.MaxAttempts != 10 {
		t.Errorf("max_attempts = %d, want 10", r.MaxAttempts)
	}
}

func TestSubmitRunIdempotency(t *testing.T) {
	s := newAPIStack(t)
	body := runBody("echo")
	body["idempotency_key"] = "key-1"
	first := s.submit(t, body)

	w := s.do(t, "POST", "/api/runs", body)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("duplicate submit status = %d, want 200", got)
	}
	var second run.Run
	if err := json.Unmarshal(w.Result().Body(), &second); err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate submit returned different run: %s vs %s", second.ID, first.ID)
	}
}

func TestSubmitRunAuthzAndQuota(t *testing.T) {
	s := newAPIStack(t)
	s.handler.SetAuthorize(func(ctx context.Context, agentKey string) error {
		if agentKey == "forbidden" {
			return errors.New("not allowed")
		}
		return nil
	})
	s.handler.SetQuota(func(ctx context.Context, agentKey string) error {
		if agentKey == "over-quota" {
			return errors.New("quota exceeded")
		}
		return nil
	})

	w := s.do(t, "POST", "/api/runs", runBody("forbidden"))
	if got := w.Result().StatusCode(); got != 403 {
		t.Fatalf("forbidden submit status = %d, want 403", got)
	}
	w = s.do(t, "POST", "/api/runs", runBody("over-quota"))
	if got := w.Result().StatusCode(); got != 429 {
		t.Fatalf("over-quota submit status = %d, want 429", got)
	}
	s.submit(t, runBody("echo"))
}

func TestGetRunNotFound(t *testing.T) {
	s := newAPIStack(t)
	w := s.do(t, "GET", "/api/runs/nope", nil)
	if got := w.Result().StatusCode(); got != 404 {
		t.Fatalf("status = %d, want 404", got)
	}
}

func TestListRunsFilters(t *testing.T) {
	s := newAPIStack(t)
	s.submit(t, runBody("a"))
	s.submit(t, runBody("b"))

	w := s.do(t, "GET", "/api/runs?agent_key=a", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d", got)
	}
	var listResp struct {
		Runs  []*run.Run `json:"runs"`
		Total int        `json:"total"`
	}
	if err := json.Unmarshal(w.Result().Body(), &listResp); err != nil {
		t.Fatal(err)
	}
	if listResp.Total != 1 || listResp.Runs[0].AgentKey != "a" {
		t.Fatalf("list = %+v", listResp)
	}

	w = s.do(t, "GET", "/api/runs?status=bogus", nil)
	if got := w.Result().StatusCode(); got != 400 {
		t.Fatalf("bogus status filter = %d, want 400", got)
	}
}

func TestCancelQueuedRun(t *testing.T) {
	s := newAPIStack(t)
	r := s.submit(t, runBody("echo"))

	w := s.do(t, "POST", fmt.Sprintf("/api/runs/%s/cancel", r.ID), nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("cancel queued status = %d, body = %s", got, w.Result().Body())
	}
	var resp struct {
		Status string   `json:"status"`
		Run    *run.Run `json:"run"`
	}
	if err := json.Unmarshal(w.Result().Body(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "cancelled" || resp.Run == nil || resp.Run.Status != run.StatusCancelled {
		t.Fatalf("cancel body = %s", w.Result().Body())
	}
	got, err := s.store.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != run.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	events, err := s.events.List(context.Background(), r.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != event.TypeRunCancelled {
		t.Fatalf("events = %+v, want single run.cancelled", events)
	}
}

func TestCancelRunningRunRequestsCancellation(t *testing.T) {
	s := newAPIStack(t)
	r := s.submit(t, runBody("echo"))
	if _, err := s.store.Claim(context.Background(), "w-1", nil, 1, 30*time.Second); err != nil {
		t.Fatal(err)
	}

	w := s.do(t, "POST", fmt.Sprintf("/api/runs/%s/cancel", r.ID), nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("cancel running status = %d, want 200", got)
	}
	var resp struct {
		Status string   `json:"status"`
		Run    *run.Run `json:"run"`
	}
	if err := json.Unmarshal(w.Result().Body(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "cancellation_requested" || resp.Run == nil {
		t.Fatalf("cancel body = %s", w.Result().Body())
	}
	got, err := s.store.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != run.StatusRunning || got.CancelRequestedAt == nil {
		t.Fatalf("run = status %s, cancel_requested_at %v", got.Status, got.CancelRequestedAt)
	}
}

func TestCancelTerminalRunRejected(t *testing.T) {
	s := newAPIStack(t)
	r := s.submit(t, runBody("echo"))
	ctx := context.Background()
	if _, err := s.store.Claim(ctx, "w-1", nil, 1, 30*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := s.store.Finish(ctx, r.ID, "w-1", run.StatusSucceeded, &run.Output{}, nil); err != nil {
		t.Fatal(err)
	}

	w := s.do(t, "POST", fmt.Sprintf("/api/runs/%s/cancel", r.ID), nil)
	if got := w.Result().StatusCode(); got != 400 {
		t.Fatalf("cancel terminal status = %d, want 400", got)
	}
}

func TestListRunEvents(t *testing.T) {
	s := newAPIStack(t)
	r := s.submit(t, runBody("echo"))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ev := event.Event{RunID: r.ID, Seq: i, Type: event.TypeRunStarted, Payload: json.RawMessage(`{}`), TS: time.Now()}
		if err := s.bus.Publish(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	w := s.do(t, "GET", fmt.Sprintf("/api/runs/%s/events?from_seq=1", r.ID), nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d", got)
	}
	var eventsResp struct {
		Events []event.Event `json:"events"`
		Total  int           `json:"total"`
	}
	if err := json.Unmarshal(w.Result().Body(), &eventsResp); err != nil {
		t.Fatal(err)
	}
	if eventsResp.Total != 2 || eventsResp.Events[0].Seq != 1 {
		t.Fatalf("events = %+v", eventsResp)
	}
}

func TestListWorkers(t *testing.T) {
	s := newAPIStack(t)
	s.submit(t, runBody("echo"))
	if _, err := s.store.Claim(context.Background(), "w-42", nil, 1, 30*time.Second); err != nil {
		t.Fatal(err)
	}

	w := s.do(t, "GET", "/api/workers", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d", got)
	}
	if !bytes.Contains(w.Result().Body(), []byte(`"w-42"`)) {
		t.Fatalf("body = %s", w.Result().Body())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newAPIStack(t)
	s.submit(t, runBody("echo"))

	w := s.do(t, "GET", "/metrics", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d", got)
	}
	if !bytes.Contains(w.Result().Body(), []byte("agentrun_queued_runs 1")) {
		t.Fatalf("metrics body missing queued gauge: %s", w.Result().Body())
	}
}

func TestHealthCheck(t *testing.T) {
	s := newAPIStack(t)
	w := s.do(t, "GET", "/api/health", nil)
	if got := w.Result().StatusCode(); got != 200 {
		t.Fatalf("status = %d", got)
	}
}
