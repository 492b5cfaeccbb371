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

// Package bus 实现尽力而为的命令总线：文本命令编解码、传输（memory / redis / nats）与监听分发。
package bus

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Verb 命令动词
type Verb string

const (
	VerbProvision   Verb = "PROVISION"
	VerbTerminate   Verb = "TERMINATE"
	VerbSyncCatalog Verb = "SYNC_CATALOG"
	VerbReconcile   Verb = "RECONCILE"
)

// Verbs 已知动词
var Verbs = []Verb{VerbProvision, VerbTerminate, VerbSyncCatalog, VerbReconcile}

// 常用参数名
const (
	ArgInstanceID = "instance_id"
	ArgReason     = "reason"
	ArgPool       = "pool"
	ArgZone       = "zone"
	ArgType       = "instance_type"
)

const prefix = "CMD:"

var (
	// ErrMalformed 消息格式错误：缺少前缀、缺少 '|'、非法键值对
	ErrMalformed = errors.New("bus: malformed command")
	// ErrUnknownVerb 动词不在已知集合中
	ErrUnknownVerb = errors.New("bus: unknown verb")
)

// Command 一条总线命令
type Command struct {
	Verb Verb
	Args map[string]string
}

// NewCommand 由交替的 key, value 构造命令；空值参数被忽略
func NewCommand(verb Verb, kv ...string) Command {
	c := Command{Verb: verb, Args: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			c.Args[kv[i]] = kv[i+1]
		}
	}
	return c
}

// Arg 参数值，不存在时为空
func (c Command) Arg(key string) string {
	return c.Args[key]
}

// InstanceID instance_id 参数
func (c Command) InstanceID() string {
	return c.Args[ArgInstanceID]
}

func (c Command) String() string {
	return Encode(c)
}

// IsKnown 动词是否在已知集合中
func (v Verb) IsKnown() bool {
	for _, k := range Verbs {
		if k == v {
			return true
		}
	}
	return false
}

var escaper = strings.NewReplacer("%", "%25", ";", "%3B", "=", "%3D", "|", "%7C")

// Encode 编码为 CMD:VERB|k1=v1;k2=v2，键按字典序
func Encode(c Command) string {
	keys := make([]string, 0, len(c.Args))
	for k := range c.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(string(c.Verb))
	b.WriteByte('|')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(escaper.Replace(k))
		b.WriteByte('=')
		b.WriteString(escaper.Replace(c.Args[k]))
	}
	return b.String()
}

// Decode 解析一条消息；格式错误返回 ErrMalformed，未知动词返回 ErrUnknownVerb
func Decode(msg string) (Command, error) {
	msg = strings.TrimSpace(msg)
	if !strings.HasPrefix(msg, prefix) {
		return Command{}, fmt.Errorf("%w: missing %q prefix", ErrMalformed, prefix)
	}
	head, payload, ok := strings.Cut(msg[len(prefix):], "|")
	if !ok {
		return Command{}, fmt.Errorf("%w: missing '|'", ErrMalformed)
	}
	verb := Verb(strings.TrimSpace(head))
	if verb == "" {
		return Command{}, fmt.Errorf("%w: empty verb", ErrMalformed)
	}
	c := Command{Verb: verb, Args: make(map[string]string)}
	for _, pair := range strings.Split(payload, ";") {
		if pair == "" {
			continue
		}
		rawKey, rawVal, ok := strings.Cut(pair, "=")
		if !ok || rawKey == "" {
			return Command{}, fmt.Errorf("%w: bad pair %q", ErrMalformed, pair)
		}
		key, err := url.PathUnescape(rawKey)
		if err != nil {
			return Command{}, fmt.Errorf("%w: bad key %q", ErrMalformed, rawKey)
		}
		val, err := url.PathUnescape(rawVal)
		if err != nil {
			return Command{}, fmt.Errorf("%w: bad value %q", ErrMalformed, rawVal)
		}
		c.Args[key] = val
	}
	if !verb.IsKnown() {
		return c, fmt.Errorf("%w: %s", ErrUnknownVerb, verb)
	}
	return c, nil
}
