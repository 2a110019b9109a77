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

package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 创建基于 PostgreSQL 的快照存储
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

func (s *pgStore) Save(ctx context.Context, cp Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	state := []byte(cp.State)
	if len(state) == 0 {
		state = []byte("null")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_checkpoints (run_id, seq, state, created_at) VALUES ($1, $2, $3, $4)`,
		cp.RunID, cp.Seq, state, cp.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateSeq
		}
		return err
	}
	return nil
}

func (s *pgStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	var cp Checkpoint
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, seq, state, created_at FROM agent_checkpoints
		 WHERE run_id = $1 ORDER BY seq DESC LIMIT 1`,
		runID).Scan(&cp.RunID, &cp.Seq, &state, &cp.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(state) > 0 && string(state) != "null" {
		cp.State = state
	}
	return &cp, nil
}

func (s *pgStore) NextSeq(ctx context.Context, runID string) (int, error) {
	var max *int
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(seq) FROM agent_checkpoints WHERE run_id = $1`, runID).Scan(&max)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	if max == nil {
		return 0, nil
	}
	return *max + 1, nil
}

func (s *pgStore) DeleteForRuns(ctx context.Context, runIDs []string) (int64, error) {
	if len(runIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agent_checkpoints WHERE run_id = ANY($1)`, runIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
