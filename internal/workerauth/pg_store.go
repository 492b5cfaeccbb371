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

package workerauth

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `CREATE TABLE IF NOT EXISTS worker_auth_tokens (
    instance_id  TEXT PRIMARY KEY,
    token_hash   TEXT NOT NULL,
    token_prefix TEXT NOT NULL,
    issued_at    TIMESTAMPTZ NOT NULL,
    expires_at   TIMESTAMPTZ NOT NULL,
    revoked_at   TIMESTAMPTZ
)`

// PgStore PostgreSQL 实现；每个实例一行，重新签发覆盖旧 token
type PgStore struct {
	pool *pgxpool.Pool
	ttl  time.Duration
	Now  func() time.Time
}

var _ Store = (*PgStore)(nil)

// NewPgStore 连接并建表
func NewPgStore(ctx context.Context, dsn string, ttl time.Duration) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}
	return NewPgStoreFromPool(pool, ttl), nil
}

// NewPgStoreFromPool 复用实例存储的连接池（需已建表）
func NewPgStoreFromPool(pool *pgxpool.Pool, ttl time.Duration) *PgStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PgStore{pool: pool, ttl: ttl, Now: time.Now}
}

// Close 关闭连接池
func (s *PgStore) Close() { s.pool.Close() }

// EnsureSchema 建表
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PgStore) Issue(ctx context.Context, instanceID string) (string, error) {
	token := GenerateToken()
	now := s.Now()
	_, err := s.pool.Exec(ctx, `INSERT INTO worker_auth_tokens (instance_id, token_hash, token_prefix, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (instance_id) DO UPDATE
		SET token_hash = EXCLUDED.token_hash, token_prefix = EXCLUDED.token_prefix,
		    issued_at = EXCLUDED.issued_at, expires_at = EXCLUDED.expires_at, revoked_at = NULL`,
		instanceID, HashToken(token), TokenPrefix(token), now, now.Add(s.ttl))
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *PgStore) Revoke(ctx context.Context, instanceID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE worker_auth_tokens SET revoked_at = $2
		WHERE instance_id = $1 AND revoked_at IS NULL`, instanceID, s.Now())
	return err
}

func (s *PgStore) Verify(ctx context.Context, instanceID, token string) (bool, error) {
	var hash string
	err := s.pool.QueryRow(ctx, `SELECT token_hash FROM worker_auth_tokens
		WHERE instance_id = $1 AND revoked_at IS NULL AND expires_at > $2`, instanceID, s.Now()).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return hashEqual(hash, HashToken(token)), nil
}
