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
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

// defaultBaseURL ORCH_API_URL 未设置时使用
const defaultBaseURL = "http://localhost:8080"

func apiBaseURL(flag string) string {
	if flag != "" {
		return flag
	}
	if u := os.Getenv("ORCH_API_URL"); u != "" {
		return u
	}
	return defaultBaseURL
}

// client 管理面 HTTP 客户端
type client struct {
	rc *resty.Client
}

func newClient(baseURL string) *client {
	return &client{rc: resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")}
}

func (c *client) get(path string, query map[string]string) (map[string]interface{}, error) {
	var out map[string]interface{}
	resp, err := c.rc.R().
		SetQueryParams(query).
		SetResult(&out).
		Get(path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %d %s", path, resp.StatusCode(), resp.String())
	}
	return out, nil
}

// commandResult POST /api/commands 的 202 响应；Published 缺省视为已发布
type commandResult struct {
	Payload   string `json:"payload"`
	Published *bool  `json:"published"`
}

func (c *client) postCommand(verb string, args map[string]string) (commandResult, error) {
	var out commandResult
	resp, err := c.rc.R().
		SetBody(map[string]interface{}{"verb": verb, "args": args}).
		SetResult(&out).
		Post("/api/commands")
	if err != nil {
		return out, err
	}
	if resp.StatusCode() != http.StatusAccepted {
		return out, fmt.Errorf("POST /api/commands: %d %s", resp.StatusCode(), resp.String())
	}
	return out, nil
}
