package store_sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/davarch/approval-gate/internal/domain"
)

type Executions struct {
	db *DB
}

func NewExecutions(db *DB) *Executions { return &Executions{db: db} }

func (s *Executions) Save(ctx context.Context, e domain.PipelineExecution) error {
	if e.ID == "" {
		return &domain.ValidationError{Field: "id", Reason: "empty"}
	}
	triggerJSON, err := json.Marshal(e.Trigger)
	if err != nil {
		return err
	}
	stages := e.Stages
	if stages == nil {
		stages = []domain.StageResult{}
	}
	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return err
	}

	_, err = s.db.db.ExecContext(ctx, `
INSERT INTO executions (id, pipeline, trigger_json, stages_json, status, reason, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  stages_json = excluded.stages_json,
  status = excluded.status,
  reason = excluded.reason,
  updated_at_ms = excluded.updated_at_ms
`, e.ID, e.Pipeline, string(triggerJSON), string(stagesJSON), string(e.Status), e.Reason,
		e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli())
	return err
}

func (s *Executions) Get(ctx context.Context, id string) (domain.PipelineExecution, error) {
	e, err := scanExecution(s.db.db.QueryRowContext(ctx, selectExecution+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PipelineExecution{}, &domain.NotFoundError{Kind: "execution", ID: id}
	}
	return e, err
}

func (s *Executions) ListRunning(ctx context.Context) ([]domain.PipelineExecution, error) {
	rows, err := s.db.db.QueryContext(ctx, selectExecution+`
WHERE status = ?
ORDER BY created_at_ms ASC`, string(domain.ExecutionRunning))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.PipelineExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const selectExecution = `
SELECT id, pipeline, trigger_json, stages_json, status, reason, created_at_ms, updated_at_ms
FROM executions`

func scanExecution(s scanner) (domain.PipelineExecution, error) {
	var (
		e           domain.PipelineExecution
		triggerJSON string
		stagesJSON  string
		status      string
		createdAt   int64
		updatedAt   int64
	)
	if err := s.Scan(&e.ID, &e.Pipeline, &triggerJSON, &stagesJSON, &status, &e.Reason, &createdAt, &updatedAt); err != nil {
		return domain.PipelineExecution{}, err
	}
	if err := json.Unmarshal([]byte(triggerJSON), &e.Trigger); err != nil {
		return domain.PipelineExecution{}, err
	}
	if err := json.Unmarshal([]byte(stagesJSON), &e.Stages); err != nil {
		return domain.PipelineExecution{}, err
	}
	e.Status = domain.ExecutionStatus(status)
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	e.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return e, nil
}
