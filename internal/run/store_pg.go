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

package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgStore PostgreSQL 实现；agent_runs 单表承载状态机 + 租约，
// 所有变更走条件 UPDATE，以 rows-affected 区分竞争结果
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 创建基于 PostgreSQL 的 Run Store
func NewPostgresStore(ctx context.Context, dsn string) (Store, error) {
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
	return &pgStore{pool: pool}, nil
}

// NewPostgresStoreWithPool 复用已有连接池（与 runqueue/event 的 postgres 后端共享）
func NewPostgresStoreWithPool(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

// Close 关闭连接池
func (s *pgStore) Close() {
	s.pool.Close()
}

const runColumns = `id, conversation_id, agent_key, status, input, output, error,
	attempt, max_attempts, lease_owner, lease_expires_at, idempotency_key,
	cancel_requested_at, not_before, created_at, started_at, finished_at, metadata`

func scanRun(row pgx.Row) (*Run, error) {
	var r Run
	var conversationID, leaseOwner, idemKey *string
	var input, output, errInfo, metadata []byte
	var status int
	err := row.Scan(&r.ID, &conversationID, &r.AgentKey, &status, &input, &output, &errInfo,
		&r.Attempt, &r.MaxAttempts, &leaseOwner, &r.LeaseExpiresAt, &idemKey,
		&r.CancelRequestedAt, &r.NotBefore, &r.CreatedAt, &r.StartedAt, &r.FinishedAt, &metadata)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	if conversationID != nil {
		r.ConversationID = *conversationID
	}
	if leaseOwner != nil {
		r.LeaseOwner = *leaseOwner
	}
	if idemKey != nil {
		r.IdempotencyKey = *idemKey
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &r.Input); err != nil {
			return nil, fmt.Errorf("decode run input: %w", err)
		}
	}
	if len(output) > 0 && string(output) != "null" {
		r.Output = &Output{}
		if err := json.Unmarshal(output, r.Output); err != nil {
			return nil, fmt.Errorf("decode run output: %w", err)
		}
	}
	if len(errInfo) > 0 && string(errInfo) != "null" {
		r.Error = &ErrorInfo{}
		if err := json.Unmarshal(errInfo, r.Error); err != nil {
			return nil, fmt.Errorf("decode run error: %w", err)
		}
	}
	if len(metadata) > 0 && string(metadata) != "null" {
		r.Metadata = append(json.RawMessage(nil), metadata...)
	}
	return &r, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalOrNull(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (s *pgStore) Create(ctx context.Context, r *Run) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.Attempt <= 0 {
		r.Attempt = 1
	}
	input, err := json.Marshal(r.Input)
	if err != nil {
		return err
	}
	metadata := []byte(r.Metadata)
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO agent_runs (id, conversation_id, agent_key, status, input,
			attempt, max_attempts, idempotency_key, cancel_requested_at, not_before,
			created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, NULL, $9, $10)`,
		r.ID, nullStr(r.ConversationID), r.AgentKey, int(r.Status), input,
		r.Attempt, r.MaxAttempts, nullStr(r.IdempotencyKey), r.CreatedAt, metadata)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrIdempotencyConflict
		}
		return err
	}
	return nil
}

func (s *pgStore) Get(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id))
	if errNoRows(err) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *pgStore) GetByIdempotencyKey(ctx context.Context, key string) (*Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE idempotency_key = $1`, key))
	if errNoRows(err) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *pgStore) List(ctx context.Context, f ListFilter) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM agent_runs WHERE 1=1`
	var args []any
	if f.AgentKey != "" {
		args = append(args, f.AgentKey)
		query += fmt.Sprintf(" AND agent_key = $%d", len(args))
	}
	if f.Status != nil {
		args = append(args, int(*f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.ConversationID != "" {
		args = append(args, f.ConversationID)
		query += fmt.Sprintf(" AND conversation_id = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *pgStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM agent_runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[Status]int)
	for rows.Next() {
		var status, n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *pgStore) RequestCancel(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `
		UPDATE agent_runs
		SET cancel_requested_at = COALESCE(cancel_requested_at, now())
		WHERE id = $1 AND status IN ($2, $3)
		RETURNING `+runColumns,
		id, int(StatusQueued), int(StatusRunning)))
	if errNoRows(err) {
		// 行存在但不可取消 → 终态；行不存在 → not found
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrTerminal
	}
	return r, err
}

func (s *pgStore) CancelQueued(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `
		UPDATE agent_runs
		SET status = $2, finished_at = now(),
			cancel_requested_at = COALESCE(cancel_requested_at, now())
		WHERE id = $1 AND status = $3
		RETURNING `+runColumns,
		id, int(StatusCancelled), int(StatusQueued)))
	if errNoRows(err) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotClaimable
	}
	return r, err
}

// Claim 单条 UPDATE + 子查询 SKIP LOCKED：多 worker 并发领取互不阻塞、不重复
func (s *pgStore) Claim(ctx context.Context, workerID string, agentKeys []string, batch int, leaseTTL time.Duration) ([]*Run, error) {
	if batch <= 0 {
		batch = 1
	}
	args := []any{int(StatusRunning), workerID, leaseTTL.Seconds(), int(StatusQueued), batch}
	keyFilter := ""
	if len(agentKeys) > 0 {
		args = append(args, agentKeys)
		keyFilter = fmt.Sprintf(" AND agent_key = ANY($%d)", len(args))
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE agent_runs SET
			status = $1,
			lease_owner = $2, lease_expires_at = now() + make_interval(secs => $3),
			started_at = COALESCE(started_at, now()), not_before = NULL
		WHERE id IN (
			SELECT id FROM agent_runs
			WHERE status = $4
				AND cancel_requested_at IS NULL
				AND (not_before IS NULL OR not_before <= now())`+keyFilter+`
			ORDER BY created_at
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+runColumns, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var claimed []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, r)
	}
	return claimed, rows.Err()
}

func (s *pgStore) ClaimByID(ctx context.Context, id, workerID string, leaseTTL time.Duration) (*Run, error) {
	r, err := scanRun(s.pool.QueryRow(ctx, `
		UPDATE agent_runs SET
			status = $2,
			lease_owner = $3, lease_expires_at = now() + make_interval(secs => $4),
			started_at = COALESCE(started_at, now()), not_before = NULL
		WHERE id = $1 AND status = $5
			AND cancel_requested_at IS NULL
			AND (not_before IS NULL OR not_before <= now())
		RETURNING `+runColumns,
		id, int(StatusRunning), workerID, leaseTTL.Seconds(), int(StatusQueued)))
	if errNoRows(err) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotClaimable
	}
	return r, err
}

func (s *pgStore) ExtendLease(ctx context.Context, id, workerID string, leaseTTL time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_runs
		SET lease_expires_at = now() + make_interval(secs => $3)
		WHERE id = $1 AND status = $2 AND lease_owner = $4 AND lease_expires_at > now()`,
		id, int(StatusRunning), leaseTTL.Seconds(), workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *pgStore) Finish(ctx context.Context, id, workerID string, st Status, out *Output, errInfo *ErrorInfo) error {
	if !st.Terminal() {
		return ErrNotClaimable
	}
	output, err := marshalOrNull(out)
	if err != nil {
		return err
	}
	errJSON, err := marshalOrNull(errInfo)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_runs
		SET status = $2, output = $3, error = $4, finished_at = now(),
			lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = $5 AND lease_owner = $6`,
		id, int(st), output, errJSON, int(StatusRunning), workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if r, getErr := s.Get(ctx, id); getErr == nil && r.Terminal() {
			return ErrTerminal
		}
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *pgStore) RequeueForRetry(ctx context.Context, id, workerID string, errInfo *ErrorInfo, notBefore time.Time) error {
	errJSON, err := marshalOrNull(errInfo)
	if err != nil {
		return err
	}
	if errJSON == nil {
		errJSON = []byte("null")
	}
	// attempt_history 在 SQL 内拼接；SET 表达式都读旧行值，
	// 历史记录的是失败的那次 attempt，attempt+1 推进到下一次
	tag, err := s.pool.Exec(ctx, `
		UPDATE agent_runs
		SET status = $2, lease_owner = NULL, lease_expires_at = NULL, not_before = $3,
			attempt = attempt + 1,
			metadata = jsonb_set(
				COALESCE(metadata, '{}'::jsonb), '{attempt_history}',
				COALESCE(metadata->'attempt_history', '[]'::jsonb) ||
					jsonb_build_array(jsonb_build_object(
						'attempt', attempt, 'error', $4::jsonb, 'at', to_jsonb(now()))))
		WHERE id = $1 AND status = $5 AND lease_owner = $6`,
		id, int(StatusQueued), notBefore, errJSON, int(StatusRunning), workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *pgStore) ReapExpired(ctx context.Context) (*ReapResult, error) {
	res := &ReapResult{}

	// 有重试额度 → 回队
	rows, err := s.pool.Query(ctx, `
		UPDATE agent_runs
		SET status = $1, not_before = NULL,
			attempt = attempt + 1,
			metadata = jsonb_set(
				COALESCE(metadata, '{}'::jsonb), '{attempt_history}',
				COALESCE(metadata->'attempt_history', '[]'::jsonb) ||
					jsonb_build_array(jsonb_build_object(
						'attempt', attempt,
						'error', jsonb_build_object(
							'kind', 'lease_lost',
							'message', 'lease expired on worker ' || COALESCE(lease_owner, ''),
							'retriable', true),
						'at', to_jsonb(now())))),
			lease_owner = NULL, lease_expires_at = NULL
		WHERE status = $2 AND lease_expires_at <= now() AND attempt < max_attempts
		RETURNING `+runColumns,
		int(StatusQueued), int(StatusRunning))
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		res.Requeued = append(res.Requeued, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// 重试耗尽 → failed
	rows, err = s.pool.Query(ctx, `
		UPDATE agent_runs
		SET status = $1, finished_at = now(),
			error = jsonb_build_object(
				'kind', 'lease_lost',
				'message', 'lease expired on worker ' || COALESCE(lease_owner, ''),
				'retriable', false),
			lease_owner = NULL, lease_expires_at = NULL
		WHERE status = $2 AND lease_expires_at <= now() AND attempt >= max_attempts
		RETURNING `+runColumns,
		int(StatusFailed), int(StatusRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res.Failed = append(res.Failed, r)
	}
	return res, rows.Err()
}

func (s *pgStore) ListActiveWorkerIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT lease_owner FROM agent_runs
		WHERE status = $1 AND lease_owner IS NOT NULL AND lease_expires_at > now()
		ORDER BY lease_owner`,
		int(StatusRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *pgStore) ListTerminalEndedBefore(ctx context.Context, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM agent_runs
		WHERE status IN ($1, $2, $3, $4) AND finished_at < $5
		ORDER BY finished_at
		LIMIT $6`,
		int(StatusSucceeded), int(StatusFailed), int(StatusCancelled), int(StatusTimedOut),
		before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func errNoRows(err error) bool {
	return err != nil && errors.Is(err, pgx.ErrNoRows)
}
