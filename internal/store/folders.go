package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/taxonomy"
	"github.com/google/uuid"
)

const folderColumns = `id, account_id, provider_id, display_name, canonical,
	parent_provider_id, child_count, delta_cursor, cursor_updated_at`

func scanFolder(row rowScanner) (*Folder, error) {
	var (
		f         Folder
		canonical string
		updatedAt sql.NullInt64
	)

	err := row.Scan(&f.ID, &f.AccountID, &f.ProviderID, &f.DisplayName,
		&canonical, &f.ParentProviderID, &f.ChildCount, &f.DeltaCursor,
		&updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	f.Canonical = taxonomy.Folder(canonical)
	f.CursorUpdatedAt = fromMillis(updatedAt)
	return &f, nil
}

// GetFolder loads a folder by its provider id within an account
func (q *Queries) GetFolder(ctx context.Context, accountID, providerID string) (*Folder, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+folderColumns+` FROM folders
		WHERE account_id = ? AND provider_id = ?`, accountID, providerID)
	return scanFolder(row)
}

// ListFolders returns every folder known for the account
func (q *Queries) ListFolders(ctx context.Context, accountID string) ([]*Folder, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+folderColumns+` FROM folders
		WHERE account_id = ? ORDER BY display_name, provider_id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	defer rows.Close()

	var folders []*Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// UpsertFolder inserts or refreshes a folder's metadata. When an existing
// folder's canonical tag changes its delta cursor is cleared, forcing the
// next sync of that folder back into historical mode. The returned flag
// reports whether that happened.
func (q *Queries) UpsertFolder(ctx context.Context, f Folder) (*Folder, bool, error) {
	existing, err := q.GetFolder(ctx, f.AccountID, f.ProviderID)
	switch {
	case errors.Is(err, ErrNotFound):
		if f.ID == "" {
			f.ID = uuid.NewString()
		}
		_, err := q.q.ExecContext(ctx, `
			INSERT INTO folders (id, account_id, provider_id, display_name,
				canonical, parent_provider_id, child_count)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, f.ID, f.AccountID, f.ProviderID, f.DisplayName, string(f.Canonical),
			f.ParentProviderID, f.ChildCount)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert folder: %w",
				mapSQLError(err))
		}
		f.DeltaCursor = ""
		f.CursorUpdatedAt = nil
		return &f, false, nil

	case err != nil:
		return nil, false, err
	}

	invalidate := existing.Canonical != f.Canonical
	if invalidate {
		_, err = q.q.ExecContext(ctx, `
			UPDATE folders
			SET display_name = ?, canonical = ?, parent_provider_id = ?,
				child_count = ?, delta_cursor = '', cursor_updated_at = NULL
			WHERE id = ?
		`, f.DisplayName, string(f.Canonical), f.ParentProviderID,
			f.ChildCount, existing.ID)
	} else {
		_, err = q.q.ExecContext(ctx, `
			UPDATE folders
			SET display_name = ?, parent_provider_id = ?, child_count = ?
			WHERE id = ?
		`, f.DisplayName, f.ParentProviderID, f.ChildCount, existing.ID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to update folder: %w",
			mapSQLError(err))
	}

	existing.DisplayName = f.DisplayName
	existing.Canonical = f.Canonical
	existing.ParentProviderID = f.ParentProviderID
	existing.ChildCount = f.ChildCount
	if invalidate {
		existing.DeltaCursor = ""
		existing.CursorUpdatedAt = nil
	}
	return existing, invalidate, nil
}

// SetFolderCursor stores the delta cursor for a folder
func (q *Queries) SetFolderCursor(ctx context.Context, folderID, cursor string) error {
	now := q.now()
	res, err := q.q.ExecContext(ctx, `
		UPDATE folders SET delta_cursor = ?, cursor_updated_at = ?
		WHERE id = ?
	`, cursor, toMillis(&now), folderID)
	if err != nil {
		return fmt.Errorf("failed to set cursor: %w", mapSQLError(err))
	}
	return requireRow(res)
}

// ClearFolderCursor drops a folder's delta cursor so the next sync runs in
// historical mode
func (q *Queries) ClearFolderCursor(ctx context.Context, folderID string) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE folders SET delta_cursor = '', cursor_updated_at = NULL
		WHERE id = ?
	`, folderID)
	if err != nil {
		return fmt.Errorf("failed to clear cursor: %w", mapSQLError(err))
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
