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

package instance

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var pgSchema string

const instanceColumns = `id, external_id, provider_code, region, zone, instance_type, pool, idempotency_key,
	status, ip_address, retry_count, health_check_failures, error_code, error_message, deletion_reason,
	created_at, status_changed_at, last_verified_at, terminated_at, failed_at, terminate_requested_at,
	version, claim_owner, claim_expires_at`

// PgStore Postgres 实现：instances + instance_state_history，多个编排器进程共享
type PgStore struct {
	pool *pgxpool.Pool
	// Now 可替换时钟，测试用
	Now func() time.Time
}

var _ Store = (*PgStore)(nil)

// NewPgStore 创建基于 PostgreSQL 的 Store；连接失败直接返回错误（进程无法在无存储时工作）
func NewPgStore(ctx context.Context, dsn string) (*PgStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &PgStore{pool: pool, Now: time.Now}, nil
}

// Pool 暴露连接池，供 workerauth 等同库组件复用
func (s *PgStore) Pool() *pgxpool.Pool {
	return s.pool
}

// EnsureSchema 建表（幂等）
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, pgSchema)
	return err
}

// Close 关闭连接池
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PgStore) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullLimit(n int) interface{} {
	if n <= 0 {
		return nil
	}
	return n
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func derefTime(p *time.Time) time.Time {
	if p == nil {
		return time.Time{}
	}
	return *p
}

func scanInstance(row pgx.Row) (*Instance, error) {
	var (
		inst                                                  Instance
		status                                                string
		externalID, ip, errCode, errMsg, delReason, claimOwner *string
		lastVerified, terminated, failed, termRequested        *time.Time
		claimExpires                                           *time.Time
	)
	err := row.Scan(&inst.ID, &externalID, &inst.ProviderCode, &inst.Region, &inst.Zone, &inst.InstanceType,
		&inst.Pool, &inst.IdempotencyKey, &status, &ip, &inst.RetryCount, &inst.HealthCheckFailures,
		&errCode, &errMsg, &delReason, &inst.CreatedAt, &inst.StatusChangedAt, &lastVerified, &terminated,
		&failed, &termRequested, &inst.Version, &claimOwner, &claimExpires)
	if err != nil {
		return nil, err
	}
	inst.Status = Status(status)
	inst.ExternalID = deref(externalID)
	inst.IPAddress = deref(ip)
	inst.ErrorCode = deref(errCode)
	inst.ErrorMessage = deref(errMsg)
	inst.DeletionReason = deref(delReason)
	inst.ClaimOwner = deref(claimOwner)
	inst.LastVerifiedAt = derefTime(lastVerified)
	inst.TerminatedAt = derefTime(terminated)
	inst.FailedAt = derefTime(failed)
	inst.TerminateRequestedAt = derefTime(termRequested)
	inst.ClaimExpiresAt = derefTime(claimExpires)
	return &inst, nil
}

func collectInstances(rows pgx.Rows) ([]*Instance, error) {
	defer rows.Close()
	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (s *PgStore) Create(ctx context.Context, inst *Instance) error {
	rec := prepareCreate(inst, s.now())
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	tag, err := tx.Exec(ctx, `INSERT INTO instances (id, external_id, provider_code, region, zone, instance_type, pool,
		idempotency_key, status, ip_address, created_at, status_changed_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		inst.ID, nullStr(inst.ExternalID), inst.ProviderCode, inst.Region, inst.Zone, inst.InstanceType, inst.Pool,
		inst.IdempotencyKey, string(inst.Status), nullStr(inst.IPAddress), inst.CreatedAt, inst.Version)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	if err := insertHistory(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func insertHistory(ctx context.Context, tx pgx.Tx, rec *StateTransition) error {
	_, err := tx.Exec(ctx, `INSERT INTO instance_state_history (instance_id, from_status, to_status, reason, created_at)
		VALUES ($1, $2, $3, $4, $5)`, rec.InstanceID, nullStr(string(rec.From)), string(rec.To), rec.Reason, rec.At)
	return err
}

func (s *PgStore) Get(ctx context.Context, id string) (*Instance, error) {
	inst, err := scanInstance(s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inst, err
}

func (s *PgStore) GetByExternalID(ctx context.Context, externalID string) (*Instance, error) {
	if externalID == "" {
		return nil, ErrNotFound
	}
	inst, err := scanInstance(s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE external_id = $1`, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inst, err
}

func (s *PgStore) Scan(ctx context.Context, f ScanFilter) ([]*Instance, error) {
	now := f.Now
	if now.IsZero() {
		now = s.now()
	}
	if f.TerminateRequested {
		rows, err := s.pool.Query(ctx, `SELECT `+instanceColumns+` FROM instances
			WHERE terminate_requested_at IS NOT NULL
			  AND status = ANY($1)
			  AND (claim_owner IS NULL OR claim_expires_at <= $2)
			ORDER BY terminate_requested_at ASC
			LIMIT $3`, statusStrings(TerminatableStatuses), now, nullLimit(f.Limit))
		if err != nil {
			return nil, err
		}
		return collectInstances(rows)
	}
	rows, err := s.pool.Query(ctx, `SELECT `+instanceColumns+` FROM instances
		WHERE status = $1
		  AND failed_at IS NULL
		  AND COALESCE(last_verified_at, status_changed_at) < $2
		  AND (claim_owner IS NULL OR claim_expires_at <= $3)
		ORDER BY COALESCE(last_verified_at, status_changed_at) ASC, created_at ASC
		LIMIT $4`, string(f.Status), f.StaleBefore, now, nullLimit(f.Limit))
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

func statusStrings(list []Status) []string {
	out := make([]string, 0, len(list))
	for _, st := range list {
		out = append(out, string(st))
	}
	return out
}

func (s *PgStore) List(ctx context.Context, f ListFilter) ([]*Instance, error) {
	statuses := statusStrings(f.Statuses)
	rows, err := s.pool.Query(ctx, `SELECT `+instanceColumns+` FROM instances
		WHERE ($1 = '' OR pool = $1)
		  AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY created_at ASC
		LIMIT $3`, f.Pool, statuses, nullLimit(f.Limit))
	if err != nil {
		return nil, err
	}
	return collectInstances(rows)
}

// conflictOrNotFound 条件更新未命中时区分行不存在与 claim 失效
func (s *PgStore) conflictOrNotFound(ctx context.Context, q interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}, id string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM instances WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *PgStore) Claim(ctx context.Context, id string, expectedVersion int64, owner string, ttl time.Duration) (*Claim, error) {
	now := s.now()
	expires := now.Add(ttl)
	var version int64
	err := s.pool.QueryRow(ctx, `UPDATE instances
		SET version = version + 1, claim_owner = $3, claim_expires_at = $4
		WHERE id = $1 AND version = $2 AND (claim_owner IS NULL OR claim_expires_at <= $5)
		RETURNING version`, id, expectedVersion, owner, expires, now).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.conflictOrNotFound(ctx, s.pool, id)
	}
	if err != nil {
		return nil, err
	}
	return &Claim{InstanceID: id, Owner: owner, Version: version, ExpiresAt: expires}, nil
}

// setBuilder 按列去重地拼接 SET 子句，后写覆盖先写
type setBuilder struct {
	cols  []string
	exprs map[string]string
	args  []interface{}
}

func newSetBuilder() *setBuilder {
	return &setBuilder{exprs: make(map[string]string)}
}

func (b *setBuilder) put(col, expr string) {
	if _, ok := b.exprs[col]; !ok {
		b.cols = append(b.cols, col)
	}
	b.exprs[col] = expr
}

// set col = $n
func (b *setBuilder) set(col string, v interface{}) {
	b.args = append(b.args, v)
	b.put(col, fmt.Sprintf("$%d", len(b.args)))
}

// setf col = format(%s -> $n)
func (b *setBuilder) setf(col, format string, v interface{}) {
	b.args = append(b.args, v)
	b.put(col, fmt.Sprintf(format, fmt.Sprintf("$%d", len(b.args))))
}

func (b *setBuilder) arg(v interface{}) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *setBuilder) clause() string {
	parts := make([]string, 0, len(b.cols))
	for _, c := range b.cols {
		parts = append(parts, c+" = "+b.exprs[c])
	}
	return strings.Join(parts, ", ")
}

// applyUpdate 与 Update.apply 保持相同的字段语义与顺序
func applyUpdate(b *setBuilder, u Update, now time.Time) {
	if u.ExternalID != nil {
		b.set("external_id", nullStr(*u.ExternalID))
	}
	if u.IPAddress != nil {
		b.set("ip_address", nullStr(*u.IPAddress))
	}
	if u.RetryCount != nil {
		b.set("retry_count", *u.RetryCount)
	}
	if u.HealthCheckFailures != nil {
		b.set("health_check_failures", *u.HealthCheckFailures)
	}
	if u.ErrorCode != nil {
		b.set("error_code", nullStr(*u.ErrorCode))
	}
	if u.ErrorMessage != nil {
		b.set("error_message", nullStr(*u.ErrorMessage))
	}
	if u.DeletionReason != nil {
		b.setf("deletion_reason", "COALESCE(deletion_reason, %s)", nullStr(*u.DeletionReason))
	}
	if u.Verified {
		b.set("last_verified_at", now)
	}
	if u.Quarantine {
		b.set("failed_at", now)
	}
	if u.ClearQuarantine {
		b.put("failed_at", "NULL")
		b.put("retry_count", "0")
		b.put("health_check_failures", "0")
	}
}

func (s *PgStore) UpdateStatus(ctx context.Context, c *Claim, to Status, u Update) error {
	now := s.now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var from string
	err = tx.QueryRow(ctx, `SELECT status FROM instances WHERE id = $1 AND version = $2 AND claim_owner = $3 FOR UPDATE`,
		c.InstanceID, c.Version, c.Owner).Scan(&from)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.conflictOrNotFound(ctx, tx, c.InstanceID)
	}
	if err != nil {
		return err
	}
	changed := Status(from) != to
	if changed {
		if err := ValidateTransition(Status(from), to); err != nil {
			return err
		}
	}

	b := newSetBuilder()
	if changed {
		b.set("status", string(to))
		b.set("status_changed_at", now)
		b.put("retry_count", "0")
		b.put("health_check_failures", "0")
		b.put("last_verified_at", "NULL")
		if to == StatusTerminated {
			b.setf("terminated_at", "COALESCE(terminated_at, %s)", now)
		}
		if to == StatusTerminating || to.IsTerminal() {
			b.put("terminate_requested_at", "NULL")
		}
	}
	applyUpdate(b, u, now)
	b.put("version", "version + 1")
	b.put("claim_owner", "NULL")
	b.put("claim_expires_at", "NULL")
	where := fmt.Sprintf(" WHERE id = %s", b.arg(c.InstanceID))
	if _, err := tx.Exec(ctx, "UPDATE instances SET "+b.clause()+where, b.args...); err != nil {
		return err
	}
	if changed {
		rec := &StateTransition{InstanceID: c.InstanceID, From: Status(from), To: to, Reason: u.Reason, At: now}
		if err := insertHistory(ctx, tx, rec); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PgStore) Release(ctx context.Context, c *Claim, u Update) error {
	b := newSetBuilder()
	applyUpdate(b, u, s.now())
	b.put("version", "version + 1")
	b.put("claim_owner", "NULL")
	b.put("claim_expires_at", "NULL")
	where := fmt.Sprintf(" WHERE id = %s AND version = %s AND claim_owner = %s",
		b.arg(c.InstanceID), b.arg(c.Version), b.arg(c.Owner))
	tag, err := s.pool.Exec(ctx, "UPDATE instances SET "+b.clause()+where, b.args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrNotFound(ctx, s.pool, c.InstanceID)
	}
	return nil
}

// RequestTermination 与 markTermination 语义一致；CASE 中引用的是更新前的列值
func (s *PgStore) RequestTermination(ctx context.Context, id, reason string) error {
	allowed := statusStrings(append([]Status{StatusTerminating}, TerminatableStatuses...))
	tag, err := s.pool.Exec(ctx, `UPDATE instances SET
		terminate_requested_at = CASE WHEN status = $2 THEN terminate_requested_at
			ELSE COALESCE(terminate_requested_at, $3) END,
		deletion_reason = COALESCE(deletion_reason, $4),
		retry_count = CASE WHEN failed_at IS NULL THEN retry_count ELSE 0 END,
		health_check_failures = CASE WHEN failed_at IS NULL THEN health_check_failures ELSE 0 END,
		failed_at = NULL
		WHERE id = $1 AND status = ANY($5)`,
		id, string(StatusTerminating), s.now(), nullStr(reason), allowed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	inst, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return ValidateTransition(inst.Status, StatusTerminating)
}

func (s *PgStore) History(ctx context.Context, id string) ([]StateTransition, error) {
	rows, err := s.pool.Query(ctx, `SELECT instance_id, from_status, to_status, reason, created_at
		FROM instance_state_history WHERE instance_id = $1 ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StateTransition
	for rows.Next() {
		var (
			rec  StateTransition
			from *string
			to   string
		)
		if err := rows.Scan(&rec.InstanceID, &from, &to, &rec.Reason, &rec.At); err != nil {
			return nil, err
		}
		rec.From = Status(deref(from))
		rec.To = Status(to)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *PgStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM instances GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[Status]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}
