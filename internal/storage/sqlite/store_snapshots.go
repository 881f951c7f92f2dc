package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/driftline/exceptionflow/internal/exception"
	"github.com/driftline/exceptionflow/internal/storage"
)

// PutException upserts a derived exception snapshot.
func (s *Store) PutException(ctx context.Context, exc exception.Exception) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := exc.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(exc.ID) == "" {
		return fmt.Errorf("exception id is required")
	}

	tags, err := json.Marshal(exc.PolicyTags)
	if err != nil {
		return fmt.Errorf("marshal policy tags: %w", err)
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO exceptions (
	tenant_id, exception_id, domain, exception_type, severity, status,
	sla_deadline, stage, playbook_id, current_step, owner, policy_tags,
	created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tenant_id, exception_id) DO UPDATE SET
	domain = excluded.domain,
	exception_type = excluded.exception_type,
	severity = excluded.severity,
	status = excluded.status,
	sla_deadline = excluded.sla_deadline,
	stage = excluded.stage,
	playbook_id = excluded.playbook_id,
	current_step = excluded.current_step,
	owner = excluded.owner,
	policy_tags = excluded.policy_tags,
	updated_at = excluded.updated_at
`,
		exc.TenantID,
		exc.ID,
		exc.Domain,
		exc.Type,
		exc.Severity.String(),
		string(exc.Status),
		toMillis(exc.SLADeadline),
		string(exc.Stage),
		exc.PlaybookID,
		exc.CurrentStep,
		exc.Owner,
		string(tags),
		toMillis(exc.CreatedAt),
		toMillis(exc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put exception: %w", err)
	}
	return nil
}

// GetException returns one exception snapshot or storage.ErrNotFound.
func (s *Store) GetException(ctx context.Context, tenantID, exceptionID string) (exception.Exception, error) {
	if err := ctx.Err(); err != nil {
		return exception.Exception{}, err
	}
	if s == nil || s.sqlDB == nil {
		return exception.Exception{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(tenantID) == "" {
		return exception.Exception{}, fmt.Errorf("tenant id is required")
	}
	if strings.TrimSpace(exceptionID) == "" {
		return exception.Exception{}, fmt.Errorf("exception id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT tenant_id, exception_id, domain, exception_type, severity, status,
	sla_deadline, stage, playbook_id, current_step, owner, policy_tags,
	created_at, updated_at
FROM exceptions
WHERE tenant_id = ? AND exception_id = ?
`, tenantID, exceptionID)
	exc, err := scanException(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return exception.Exception{}, storage.ErrNotFound
	}
	if err != nil {
		return exception.Exception{}, fmt.Errorf("get exception: %w", err)
	}
	return exc, nil
}

// ListExceptions returns a tenant's snapshots ordered by recency.
func (s *Store) ListExceptions(ctx context.Context, tenantID string, limit int) ([]exception.Exception, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT tenant_id, exception_id, domain, exception_type, severity, status,
	sla_deadline, stage, playbook_id, current_step, owner, policy_tags,
	created_at, updated_at
FROM exceptions
WHERE tenant_id = ?
ORDER BY updated_at DESC, exception_id ASC
LIMIT ?
`, tenantID, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list exceptions: %w", err)
	}
	defer rows.Close()

	var excs []exception.Exception
	for rows.Next() {
		exc, err := scanException(rows)
		if err != nil {
			return nil, fmt.Errorf("list exceptions: %w", err)
		}
		excs = append(excs, exc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exceptions: %w", err)
	}
	return excs, nil
}

func scanException(row rowScanner) (exception.Exception, error) {
	var (
		exc         exception.Exception
		severity    string
		status      string
		stage       string
		slaDeadline int64
		tags        string
		createdAt   int64
		updatedAt   int64
	)
	if err := row.Scan(
		&exc.TenantID,
		&exc.ID,
		&exc.Domain,
		&exc.Type,
		&severity,
		&status,
		&slaDeadline,
		&stage,
		&exc.PlaybookID,
		&exc.CurrentStep,
		&exc.Owner,
		&tags,
		&createdAt,
		&updatedAt,
	); err != nil {
		return exception.Exception{}, err
	}
	if sev, ok := exception.ParseSeverity(severity); ok {
		exc.Severity = sev
	}
	exc.Status = exception.Status(status)
	exc.Stage = exception.Stage(stage)
	exc.SLADeadline = fromMillis(slaDeadline)
	exc.CreatedAt = fromMillis(createdAt)
	exc.UpdatedAt = fromMillis(updatedAt)
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &exc.PolicyTags); err != nil {
			return exception.Exception{}, fmt.Errorf("unmarshal policy tags: %w", err)
		}
	}
	return exc, nil
}
