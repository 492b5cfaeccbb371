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
	"time"

	"golang.org/x/time/rate"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/internal/catalog"
	perrors "github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/errors"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/metrics"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/tracing"
)

// Instrumented 为 Adapter 增加限流、单次调用超时、span 与调用指标
type Instrumented struct {
	next    Adapter
	limiter *rate.Limiter
	timeout time.Duration
}

var (
	_ Adapter       = (*Instrumented)(nil)
	_ CatalogSource = (*Instrumented)(nil)
)

// Instrument qps <= 0 时不限流；timeout <= 0 时不设超时
func Instrument(next Adapter, timeout time.Duration, qps float64, burst int) *Instrumented {
	in := &Instrumented{next: next, timeout: timeout}
	if qps > 0 {
		if burst < 1 {
			burst = 1
		}
		in.limiter = rate.NewLimiter(rate.Limit(qps), burst)
	}
	return in
}

// Unwrap 返回被装饰的 Adapter
func (in *Instrumented) Unwrap() Adapter { return in.next }

func (in *Instrumented) Code() string { return in.next.Code() }

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsNotFound(err):
		return "not_found"
	case perrors.IsPermanent(err):
		return "permanent"
	default:
		if _, ok := AsAlreadyExists(err); ok {
			return "already_exists"
		}
		return "transient"
	}
}

func (in *Instrumented) call(ctx context.Context, op, target string, fn func(ctx context.Context) error) error {
	ctx, span := tracing.StartProviderSpan(ctx, in.next.Code(), op, target)
	start := time.Now()
	err := in.invoke(ctx, fn)
	metrics.ProviderCallDuration.WithLabelValues(in.next.Code(), op).Observe(time.Since(start).Seconds())
	metrics.ProviderCallsTotal.WithLabelValues(in.next.Code(), op, outcome(err)).Inc()
	if IsNotFound(err) {
		tracing.EndSpan(span, nil)
	} else {
		tracing.EndSpan(span, err)
	}
	return err
}

func (in *Instrumented) invoke(ctx context.Context, fn func(ctx context.Context) error) error {
	if in.limiter != nil {
		if err := in.limiter.Wait(ctx); err != nil {
			return perrors.Transient(err)
		}
	}
	if in.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, in.timeout)
		defer cancel()
	}
	return fn(ctx)
}

func (in *Instrumented) Create(ctx context.Context, spec Spec, idempotencyKey string) (string, error) {
	var id string
	err := in.call(ctx, OpCreate, idempotencyKey, func(ctx context.Context) error {
		var err error
		id, err = in.next.Create(ctx, spec, idempotencyKey)
		return err
	})
	return id, err
}

func (in *Instrumented) Describe(ctx context.Context, externalID string) (*State, error) {
	var st *State
	err := in.call(ctx, OpDescribe, externalID, func(ctx context.Context) error {
		var err error
		st, err = in.next.Describe(ctx, externalID)
		return err
	})
	return st, err
}

func (in *Instrumented) Delete(ctx context.Context, externalID string) error {
	return in.call(ctx, OpDelete, externalID, func(ctx context.Context) error {
		return in.next.Delete(ctx, externalID)
	})
}

func (in *Instrumented) List(ctx context.Context) ([]Resource, error) {
	var out []Resource
	err := in.call(ctx, OpList, "", func(ctx context.Context) error {
		var err error
		out, err = in.next.List(ctx)
		return err
	})
	return out, err
}

func (in *Instrumented) FetchCatalog(ctx context.Context) ([]catalog.Item, error) {
	src, ok := in.next.(CatalogSource)
	if !ok {
		return nil, ErrCatalogUnsupported
	}
	var out []catalog.Item
	err := in.call(ctx, OpCatalog, "", func(ctx context.Context) error {
		var err error
		out, err = src.FetchCatalog(ctx)
		return err
	})
	return out, err
}
