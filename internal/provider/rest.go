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

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/catalog"
	perrors "github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/errors"
)

// REST 通用 JSON provider：
//
//	POST   /instances        (Idempotency-Key 头)
//	GET    /instances/{id}
//	DELETE /instances/{id}
//	GET    /instances
//	GET    /catalog
type REST struct {
	code   string
	image  string
	client *resty.Client
}

var (
	_ Adapter       = (*REST)(nil)
	_ CatalogSource = (*REST)(nil)
)

// NewREST 创建 REST provider；token 为空时不发送 Authorization
func NewREST(code, baseURL, token, image string) *REST {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token != "" {
		client.SetAuthToken(token)
	}
	return &REST{code: code, image: image, client: client}
}

func (p *REST) Code() string { return p.code }

type restInstance struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Zone           string         `json:"zone"`
	InstanceType   string         `json:"instance_type"`
	Status         ResourceStatus `json:"status"`
	IP             string         `json:"ip"`
}

// classify 把传输错误与 HTTP 状态码映射到错误分类
func (p *REST) classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		return perrors.Transient(fmt.Errorf("%s %s: %w", p.code, op, err))
	}
	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusTooManyRequests || code >= 500:
		return perrors.Transient(fmt.Errorf("%s %s: status %d: %s", p.code, op, code, resp.String()))
	default:
		return perrors.Permanent(fmt.Errorf("%s %s: status %d: %s", p.code, op, code, resp.String()))
	}
}

func (p *REST) Create(ctx context.Context, spec Spec, idempotencyKey string) (string, error) {
	image := spec.Image
	if image == "" {
		image = p.image
	}
	var out restInstance
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", idempotencyKey).
		SetBody(map[string]string{
			"zone":          spec.Zone,
			"instance_type": spec.InstanceType,
			"image":         image,
			"name":          spec.Name,
		}).
		Post("/instances")
	if err == nil && resp.StatusCode() == http.StatusConflict {
		if jerr := json.Unmarshal(resp.Body(), &out); jerr == nil && out.ID != "" {
			return "", &AlreadyExistsError{ExternalID: out.ID}
		}
	}
	if err := p.classify("create", resp, err); err != nil {
		return "", err
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil || out.ID == "" {
		return "", perrors.Permanent(fmt.Errorf("%s create: unexpected response: %s", p.code, resp.String()))
	}
	return out.ID, nil
}

func (p *REST) Describe(ctx context.Context, externalID string) (*State, error) {
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParam("id", externalID).
		Get("/instances/{id}")
	if err := p.classify("describe", resp, err); err != nil {
		return nil, err
	}
	var out restInstance
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, perrors.Transient(fmt.Errorf("%s describe: decode: %w", p.code, err))
	}
	return &State{ExternalID: externalID, Status: out.Status, IP: out.IP}, nil
}

func (p *REST) Delete(ctx context.Context, externalID string) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParam("id", externalID).
		Delete("/instances/{id}")
	return p.classify("delete", resp, err)
}

func (p *REST) List(ctx context.Context) ([]Resource, error) {
	resp, err := p.client.R().SetContext(ctx).Get("/instances")
	if err := p.classify("list", resp, err); err != nil {
		return nil, err
	}
	var out struct {
		Instances []restInstance `json:"instances"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, perrors.Transient(fmt.Errorf("%s list: decode: %w", p.code, err))
	}
	res := make([]Resource, 0, len(out.Instances))
	for _, in := range out.Instances {
		res = append(res, Resource{
			ExternalID:     in.ID,
			IdempotencyKey: in.IdempotencyKey,
			Zone:           in.Zone,
			InstanceType:   in.InstanceType,
			Status:         in.Status,
		})
	}
	return res, nil
}

func (p *REST) FetchCatalog(ctx context.Context) ([]catalog.Item, error) {
	resp, err := p.client.R().SetContext(ctx).Get("/catalog")
	if err := p.classify("catalog", resp, err); err != nil {
		return nil, err
	}
	var out struct {
		Items []catalog.Item `json:"items"`
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, perrors.Transient(fmt.Errorf("%s catalog: decode: %w", p.code, err))
	}
	return out.Items, nil
}
