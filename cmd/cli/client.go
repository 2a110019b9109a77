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

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("AGENTRUN_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8088"
}

func newClient() *resty.Client {
	return resty.New().
		SetBaseURL(apiBaseURL()).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
}

func submitRun(agentKey, message, idempotencyKey string) (map[string]interface{}, error) {
	content, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	body := map[string]interface{}{
		"agent_key": agentKey,
		"input": map[string]interface{}{
			"messages": []map[string]interface{}{
				{"role": "user", "content": json.RawMessage(content)},
			},
		},
	}
	if idempotencyKey != "" {
		body["idempotency_key"] = idempotencyKey
	}
	var out map[string]interface{}
	resp, err := newClient().R().
		SetBody(body).
		SetResult(&out).
		Post("/api/runs")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusCreated && resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST /api/runs: %s", resp.String())
	}
	return out, nil
}

func getRun(runID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/runs/" + runID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/runs/%s: %s", runID, resp.String())
	}
	return out, nil
}

func listRuns(status, agentKey string) ([]map[string]interface{}, error) {
	var out struct {
		Runs []map[string]interface{} `json:"runs"`
	}
	req := newClient().R().SetResult(&out)
	if status != "" {
		req.SetQueryParam("status", status)
	}
	if agentKey != "" {
		req.SetQueryParam("agent_key", agentKey)
	}
	resp, err := req.Get("/api/runs")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/runs: %s", resp.String())
	}
	return out.Runs, nil
}

func getRunEvents(runID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/runs/" + runID + "/events")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET events: %s", resp.String())
	}
	return out, nil
}

func cancelRun(runID string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := newClient().R().
		SetResult(&out).
		Post("/api/runs/" + runID + "/cancel")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("POST cancel: %s", resp.String())
	}
	return out, nil
}

func listWorkers() ([]string, error) {
	var out struct {
		Workers []string `json:"workers"`
	}
	resp, err := newClient().R().
		SetResult(&out).
		Get("/api/workers")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /api/workers: %s", resp.String())
	}
	return out.Workers, nil
}

// streamRun 订阅 SSE 事件流并逐条打印；终态事件后 server 关流返回
func streamRun(runID string, fromSeq int, w io.Writer) error {
	client := newClient().SetDoNotParseResponse(true).SetTimeout(0)
	req := client.R()
	if fromSeq > 0 {
		req.SetQueryParam("from_seq", fmt.Sprintf("%d", fromSeq))
	}
	resp, err := req.Get("/api/runs/" + runID + "/events/stream")
	if err != nil {
		return err
	}
	body := resp.RawBody()
	defer body.Close()
	if resp.StatusCode() != http.StatusOK {
		raw, _ := io.ReadAll(body)
		return fmt.Errorf("GET stream: %s", raw)
	}
	return readSSE(body, func(data []byte) bool {
		fmt.Fprintln(w, string(data))
		return true
	})
}

// readSSE 解析 SSE 流，逐条把 data 载荷交给 fn；fn 返回 false 则停止。
// keepalive 注释行（以 ':' 开头）跳过
func readSSE(r io.Reader, fn func(data []byte) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		if data, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
			if !fn(data) {
				return nil
			}
		}
	}
	return scanner.Err()
}

func prettyJSON(v interface{}) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
