package store_sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/davarch/approval-gate/internal/domain"
)

type Registry struct {
	db *DB
}

func NewRegistry(db *DB) *Registry { return &Registry{db: db} }

func (r *Registry) Create(ctx context.Context, req domain.ApprovalRequest) error {
	req.Token = strings.TrimSpace(req.Token)
	req.ExecutionID = strings.TrimSpace(req.ExecutionID)
	if req.Token == "" {
		return &domain.ValidationError{Field: "token", Reason: "empty"}
	}
	if req.ExecutionID == "" {
		return &domain.ValidationError{Field: "execution_id", Reason: "empty"}
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.db.ExecContext(ctx, `
INSERT INTO approvals (token, execution_id, pipeline, reference_link, status, created_at_ms, expires_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, req.Token, req.ExecutionID, req.Pipeline, req.ReferenceLink, string(domain.ApprovalPending),
		req.CreatedAt.UnixMilli(), req.ExpiresAt.UnixMilli())
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "UNIQUE") && strings.Contains(msg, "approvals.execution_id"):
			return fmt.Errorf("%w: %s", domain.ErrPendingExists, req.ExecutionID)
		case strings.Contains(msg, "UNIQUE") && strings.Contains(msg, "approvals.token"):
			return &domain.ValidationError{Field: "token", Reason: "duplicate token " + req.Token}
		}
		return err
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, token string) (domain.ApprovalRequest, error) {
	token = strings.TrimSpace(token)
	row := r.db.db.QueryRowContext(ctx, selectApproval+` WHERE token = ?`, token)
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ApprovalRequest{}, &domain.NotFoundError{Kind: "approval", ID: token}
	}
	return req, err
}

func (r *Registry) FindByExecution(ctx context.Context, executionID string) (domain.ApprovalRequest, bool, error) {
	row := r.db.db.QueryRowContext(ctx, selectApproval+`
WHERE execution_id = ?
ORDER BY created_at_ms DESC, rowid DESC
LIMIT 1`, executionID)
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ApprovalRequest{}, false, nil
	}
	if err != nil {
		return domain.ApprovalRequest{}, false, err
	}
	return req, true, nil
}

func (r *Registry) Resolve(ctx context.Context, token string, d domain.ApprovalDecision) (domain.ApprovalRequest, error) {
	to, err := d.Decision.Status()
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}
	d.Token = token
	return r.transition(ctx, token, to, &d)
}

func (r *Registry) Expire(ctx context.Context, token string) (domain.ApprovalRequest, error) {
	return r.transition(ctx, token, domain.ApprovalExpired, nil)
}

func (r *Registry) Cancel(ctx context.Context, token string) (domain.ApprovalRequest, error) {
	return r.transition(ctx, token, domain.ApprovalCancelled, nil)
}

func (r *Registry) Decisions(ctx context.Context, token string) ([]domain.ApprovalDecision, error) {
	if _, err := r.Get(ctx, token); err != nil {
		return nil, err
	}
	return r.decisions(ctx, r.db.db, token)
}

func (r *Registry) ListPending(ctx context.Context) ([]domain.ApprovalRequest, error) {
	rows, err := r.db.db.QueryContext(ctx, selectApproval+`
WHERE status = ?
ORDER BY created_at_ms ASC`, string(domain.ApprovalPending))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r *Registry) MarkNotified(ctx context.Context, token string, at time.Time) error {
	res, err := r.db.db.ExecContext(ctx, `UPDATE approvals SET notified_at_ms = ? WHERE token = ?`, at.UnixMilli(), token)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &domain.NotFoundError{Kind: "approval", ID: token}
	}
	return nil
}

// transition flips a pending request to its terminal status and appends the
// decision in the same transaction. Zero affected rows means someone else won.
func (r *Registry) transition(ctx context.Context, token string, to domain.ApprovalStatus, d *domain.ApprovalDecision) (domain.ApprovalRequest, error) {
	tx, err := r.db.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
UPDATE approvals
SET status = ?, resolved_at_ms = ?
WHERE token = ? AND status = ?
`, string(to), now.UnixMilli(), token, string(domain.ApprovalPending))
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if n == 0 {
		return r.conflict(ctx, tx, token)
	}

	if d != nil {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO approval_decisions (token, actor, decision, comment, decided_at_ms)
VALUES (?, ?, ?, ?, ?)
`, token, strings.TrimSpace(d.Actor), d.Decision.String(), strings.TrimSpace(d.Comment), d.DecidedAt.UnixMilli()); err != nil {
			return domain.ApprovalRequest{}, err
		}
	}

	req, err := scanApproval(tx.QueryRowContext(ctx, selectApproval+` WHERE token = ?`, token))
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalRequest{}, err
	}
	return req, nil
}

func (r *Registry) conflict(ctx context.Context, tx *sql.Tx, token string) (domain.ApprovalRequest, error) {
	req, err := scanApproval(tx.QueryRowContext(ctx, selectApproval+` WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ApprovalRequest{}, &domain.NotFoundError{Kind: "approval", ID: token}
	}
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	ce := &domain.ConflictError{Token: token, Status: req.Status}
	ds, err := r.decisions(ctx, tx, token)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if len(ds) > 0 {
		prior := ds[len(ds)-1]
		ce.Prior = &prior
	}
	return req, ce
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *Registry) decisions(ctx context.Context, q querier, token string) ([]domain.ApprovalDecision, error) {
	rows, err := q.QueryContext(ctx, `
SELECT token, actor, decision, comment, decided_at_ms
FROM approval_decisions
WHERE token = ?
ORDER BY id ASC`, token)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.ApprovalDecision
	for rows.Next() {
		var (
			d         domain.ApprovalDecision
			decision  string
			decidedAt int64
		)
		if err := rows.Scan(&d.Token, &d.Actor, &decision, &d.Comment, &decidedAt); err != nil {
			return nil, err
		}
		if d.Decision, err = domain.ParseDecision(decision); err != nil {
			return nil, err
		}
		d.DecidedAt = time.UnixMilli(decidedAt).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

const selectApproval = `
SELECT token, execution_id, pipeline, reference_link, status, created_at_ms, expires_at_ms, resolved_at_ms, notified_at_ms
FROM approvals`

type scanner interface {
	Scan(dest ...any) error
}

func scanApproval(s scanner) (domain.ApprovalRequest, error) {
	var (
		req        domain.ApprovalRequest
		status     string
		createdAt  int64
		expiresAt  int64
		resolvedAt sql.NullInt64
		notifiedAt sql.NullInt64
	)
	if err := s.Scan(&req.Token, &req.ExecutionID, &req.Pipeline, &req.ReferenceLink, &status,
		&createdAt, &expiresAt, &resolvedAt, &notifiedAt); err != nil {
		return domain.ApprovalRequest{}, err
	}
	req.Status = domain.ApprovalStatus(status)
	req.CreatedAt = time.UnixMilli(createdAt).UTC()
	req.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64).UTC()
		req.ResolvedAt = &t
	}
	if notifiedAt.Valid {
		t := time.UnixMilli(notifiedAt.Int64).UTC()
		req.NotifiedAt = &t
	}
	return req, nil
}
