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
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/config"
	"github.com/Inventiv-IT-for-AI/inventiv-agents-sub005/pkg/secrets"
)

func TestNewFromConfig(t *testing.T) {
	ctx := context.Background()

	p, err := NewFromConfig(ctx, config.ProviderConfig{Type: "mock", Mock: config.MockConfig{Zones: []string{"z1", "z2"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Code())
	items, err := p.FetchCatalog(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 4)

	_, err = NewFromConfig(ctx, config.ProviderConfig{Type: "rest"}, nil)
	assert.Error(t, err)

	_, err = NewFromConfig(ctx, config.ProviderConfig{Type: "carrier-pigeon"}, nil)
	assert.Error(t, err)

	_, err = NewFromConfig(ctx, config.ProviderConfig{Type: "rest", BaseURL: "http://x", CredentialsRef: "providers/acme/token"},
		secrets.NewMemoryStore(nil))
	assert.Error(t, err)
}

func TestNewFromConfig_RESTResolvesToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"instances":[]}`))
	}))
	defer srv.Close()

	sec := secrets.NewMemoryStore(map[string]string{"providers/acme/token": "tok-1"})
	p, err := NewFromConfig(context.Background(), config.ProviderConfig{
		Type: "rest", Code: "acme", BaseURL: srv.URL, CredentialsRef: "providers/acme/token",
	}, sec)
	require.NoError(t, err)
	_, err = p.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", auth)
	assert.Equal(t, "acme", p.Code())
}
