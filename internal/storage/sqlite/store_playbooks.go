package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/driftline/exceptionflow/internal/playbook"
	"github.com/driftline/exceptionflow/internal/storage"
)

// PutPlaybook upserts an approved playbook definition. The definition is
// stored whole as JSON; priority, active, and created_at are denormalized
// for ordering without decoding every row.
func (s *Store) PutPlaybook(ctx context.Context, pb playbook.Playbook) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if err := pb.Validate(); err != nil {
		return err
	}

	definition, err := json.Marshal(pb)
	if err != nil {
		return fmt.Errorf("marshal playbook: %w", err)
	}

	active := 0
	if pb.Active {
		active = 1
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO playbooks (tenant_id, playbook_id, definition_json, priority, active, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(tenant_id, playbook_id) DO UPDATE SET
	definition_json = excluded.definition_json,
	priority = excluded.priority,
	active = excluded.active,
	created_at = excluded.created_at
`, pb.TenantID, pb.ID, definition, pb.Priority, active, toMillis(pb.CreatedAt))
	if err != nil {
		return fmt.Errorf("put playbook: %w", err)
	}
	return nil
}

// GetPlaybook returns one playbook or storage.ErrNotFound.
func (s *Store) GetPlaybook(ctx context.Context, tenantID, playbookID string) (playbook.Playbook, error) {
	if err := ctx.Err(); err != nil {
		return playbook.Playbook{}, err
	}
	if s == nil || s.sqlDB == nil {
		return playbook.Playbook{}, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(playbookID) == "" {
		return playbook.Playbook{}, fmt.Errorf("playbook id is required")
	}

	var definition []byte
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT definition_json FROM playbooks WHERE tenant_id = ? AND playbook_id = ?",
		tenantID, playbookID,
	).Scan(&definition)
	if stderrors.Is(err, sql.ErrNoRows) {
		return playbook.Playbook{}, storage.ErrNotFound
	}
	if err != nil {
		return playbook.Playbook{}, fmt.Errorf("get playbook: %w", err)
	}

	var pb playbook.Playbook
	if err := json.Unmarshal(definition, &pb); err != nil {
		return playbook.Playbook{}, fmt.Errorf("unmarshal playbook: %w", err)
	}
	return pb, nil
}

// ListAllPlaybooks returns every stored playbook across tenants. Process
// startup uses it to build the in-memory library from the shared approved
// set.
func (s *Store) ListAllPlaybooks(ctx context.Context) ([]playbook.Playbook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT definition_json
FROM playbooks
ORDER BY tenant_id ASC, priority DESC, created_at DESC, playbook_id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	defer rows.Close()
	return scanPlaybooks(rows)
}

// ListPlaybooks returns a tenant's playbooks ordered by priority descending
// then recency, matching the ranking the matcher applies.
func (s *Store) ListPlaybooks(ctx context.Context, tenantID string) ([]playbook.Playbook, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT definition_json
FROM playbooks
WHERE tenant_id = ?
ORDER BY priority DESC, created_at DESC, playbook_id ASC
`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list playbooks: %w", err)
	}
	defer rows.Close()
	return scanPlaybooks(rows)
}

func scanPlaybooks(rows *sql.Rows) ([]playbook.Playbook, error) {
	var pbs []playbook.Playbook
	for rows.Next() {
		var definition []byte
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("scan playbook: %w", err)
		}
		var pb playbook.Playbook
		if err := json.Unmarshal(definition, &pb); err != nil {
			return nil, fmt.Errorf("unmarshal playbook: %w", err)
		}
		pbs = append(pbs, pb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate playbooks: %w", err)
	}
	return pbs, nil
}
