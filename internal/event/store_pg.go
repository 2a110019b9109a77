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

package event

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgStore PostgreSQL 实现；agent_events 上的 unique (run_id, seq) 兜底并发冲突
type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 创建基于 PostgreSQL 的事件存储
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

// NewPostgresStoreWithPool 复用已有连接池
func NewPostgresStoreWithPool(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

// Close 关闭连接池
func (s *pgStore) Close() {
	s.pool.Close()
}

func (s *pgStore) Append(ctx context.Context, ev Event) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now()
	}
	payload := []byte(ev.Payload)
	if len(payload) == 0 {
		payload = []byte("null")
	}
	// 连续性检查：seq 必须等于当前事件数；unique 索引兜底并发下的同号竞争
	var count int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_events WHERE run_id = $1`, ev.RunID).Scan(&count); err != nil {
		return err
	}
	if ev.Seq < count {
		return ErrDuplicateSeq
	}
	if ev.Seq > count {
		return ErrSeqGap
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_events (run_id, seq, event_type, payload, ts) VALUES ($1, $2, $3, $4, $5)`,
		ev.RunID, ev.Seq, ev.Type, payload, ev.TS)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateSeq
		}
		return err
	}
	return nil
}

func (s *pgStore) List(ctx context.Context, runID string, fromSeq int) ([]Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, seq, event_type, payload, ts FROM agent_events
		 WHERE run_id = $1 AND seq >= $2 ORDER BY seq`,
		runID, fromSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		var payload []byte
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Type, &payload, &e.TS); err != nil {
			return nil, err
		}
		if len(payload) > 0 && string(payload) != "null" {
			e.Payload = payload
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *pgStore) NextSeq(ctx context.Context, runID string) (int, error) {
	var max *int
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(seq) FROM agent_events WHERE run_id = $1`, runID).Scan(&max)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max + 1, nil
}

func (s *pgStore) DeleteBefore(ctx context.Context, runIDs []string, createdBefore time.Time) (int64, error) {
	if len(runIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agent_events WHERE run_id = ANY($1) AND ts < $2`,
		runIDs, createdBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
