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

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

type envStore struct{}

// NewEnvStore 从环境变量解析：providers/scaleway/token -> PROVIDERS_SCALEWAY_TOKEN
func NewEnvStore() Store {
	return envStore{}
}

// EnvKey 返回引用对应的环境变量名
func EnvKey(ref string) string {
	r := strings.NewReplacer("/", "_", "-", "_", ".", "_")
	return strings.ToUpper(r.Replace(strings.Trim(ref, "/")))
}

func (envStore) Get(_ context.Context, ref string) (string, error) {
	key := EnvKey(ref)
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("%w: env %s", ErrSecretNotFound, key)
	}
	return value, nil
}
