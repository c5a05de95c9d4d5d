package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const assetColumns = `id, account_id, content_hash, content_type, size,
	blob_handle, ref_count, last_accessed_at, created_at`

func scanAsset(row rowScanner) (*Asset, error) {
	var (
		a          Asset
		accessedAt sql.NullInt64
		createdAt  int64
	)

	err := row.Scan(&a.ID, &a.AccountID, &a.ContentHash, &a.ContentType,
		&a.Size, &a.BlobHandle, &a.RefCount, &accessedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	a.LastAccessedAt = fromMillis(accessedAt)
	a.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &a, nil
}

// GetAsset loads an asset by id
func (q *Queries) GetAsset(ctx context.Context, id string) (*Asset, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE id = ?`, id)
	return scanAsset(row)
}

// FindAssetByHash looks up an account's asset by content hash
func (q *Queries) FindAssetByHash(ctx context.Context, accountID, hash string) (*Asset, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets
		WHERE account_id = ? AND content_hash = ?`, accountID, hash)
	return scanAsset(row)
}

// InsertAsset stores a new asset record with zero references
func (q *Queries) InsertAsset(ctx context.Context, a Asset) (*Asset, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := q.now()

	_, err := q.q.ExecContext(ctx, `
		INSERT INTO assets (id, account_id, content_hash, content_type, size,
			blob_handle, ref_count, last_accessed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, a.ID, a.AccountID, a.ContentHash, a.ContentType, a.Size, a.BlobHandle,
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert asset: %w", mapSQLError(err))
	}

	return q.GetAsset(ctx, a.ID)
}

// AddAssetRef links a message to an asset and increments the asset's
// reference count. Linking an existing pair is a no-op and reports false.
func (q *Queries) AddAssetRef(ctx context.Context, messageID, assetID string) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO asset_refs (message_id, asset_id) VALUES (?, ?)
	`, messageID, assetID)
	if err != nil {
		return false, fmt.Errorf("failed to add asset ref: %w", mapSQLError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	res, err = q.q.ExecContext(ctx, `
		UPDATE assets SET ref_count = ref_count + 1 WHERE id = ?
	`, assetID)
	if err != nil {
		return false, fmt.Errorf("failed to increment asset: %w", mapSQLError(err))
	}
	if err := requireRow(res); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveAssetRef deletes a message to asset link. It reports whether the
// link existed.
func (q *Queries) RemoveAssetRef(ctx context.Context, messageID, assetID string) (bool, error) {
	res, err := q.q.ExecContext(ctx, `
		DELETE FROM asset_refs WHERE message_id = ? AND asset_id = ?
	`, messageID, assetID)
	if err != nil {
		return false, fmt.Errorf("failed to remove asset ref: %w", mapSQLError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListAssetRefs returns the asset ids a message references
func (q *Queries) ListAssetRefs(ctx context.Context, messageID string) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT asset_id FROM asset_refs WHERE message_id = ? ORDER BY asset_id
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query asset refs: %w", err)
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

// DecrementAsset drops one reference and returns the remaining count. The
// count never goes below zero.
func (q *Queries) DecrementAsset(ctx context.Context, id string) (int, error) {
	var remaining int
	err := q.q.QueryRowContext(ctx, `
		UPDATE assets SET ref_count = ref_count - 1
		WHERE id = ? AND ref_count > 0
		RETURNING ref_count
	`, id).Scan(&remaining)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		a, err := q.GetAsset(ctx, id)
		if err != nil {
			return 0, err
		}
		return a.RefCount, nil

	case err != nil:
		return 0, fmt.Errorf("failed to decrement asset: %w", mapSQLError(err))
	}

	return remaining, nil
}

// DeleteAsset removes an asset record
func (q *Queries) DeleteAsset(ctx context.Context, id string) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete asset: %w", mapSQLError(err))
	}
	return requireRow(res)
}

// ListUnreferencedAssets returns up to limit assets whose reference count
// is zero, regardless of owner
func (q *Queries) ListUnreferencedAssets(ctx context.Context, limit int) ([]*Asset, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+assetColumns+` FROM assets
		WHERE ref_count = 0 ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query assets: %w", err)
	}
	defer rows.Close()

	var assets []*Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

// TouchAsset records a read of the asset
func (q *Queries) TouchAsset(ctx context.Context, id string) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE assets SET last_accessed_at = ? WHERE id = ?
	`, q.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to touch asset: %w", mapSQLError(err))
	}
	return requireRow(res)
}

// SetAssetBlob points an asset at a replacement blob
func (q *Queries) SetAssetBlob(ctx context.Context, id, handle string) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE assets SET blob_handle = ?, last_accessed_at = ? WHERE id = ?
	`, handle, q.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to set asset blob: %w", mapSQLError(err))
	}
	return requireRow(res)
}

// AssetRef is one message to asset link
type AssetRef struct {
	MessageID string
	AssetID   string
}

func collectAssetRefs(rows *sql.Rows) ([]AssetRef, error) {
	defer rows.Close()

	var refs []AssetRef
	for rows.Next() {
		var r AssetRef
		if err := rows.Scan(&r.MessageID, &r.AssetID); err != nil {
			return nil, fmt.Errorf("failed to scan asset ref: %w", err)
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

// ListAccountAssetRefs returns every asset link held by the account's
// messages
func (q *Queries) ListAccountAssetRefs(ctx context.Context, accountID string) ([]AssetRef, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT r.message_id, r.asset_id FROM asset_refs r
		JOIN messages m ON m.id = r.message_id
		WHERE m.account_id = ?
		ORDER BY r.message_id, r.asset_id
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query asset refs: %w", err)
	}
	return collectAssetRefs(rows)
}

// ListDanglingAssetRefs returns up to limit links whose message no longer
// exists
func (q *Queries) ListDanglingAssetRefs(ctx context.Context, limit int) ([]AssetRef, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT r.message_id, r.asset_id FROM asset_refs r
		WHERE NOT EXISTS (SELECT 1 FROM messages m WHERE m.id = r.message_id)
		ORDER BY r.message_id, r.asset_id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query asset refs: %w", err)
	}
	return collectAssetRefs(rows)
}

// AddBlobTombstone records a blob that must be deleted
func (q *Queries) AddBlobTombstone(ctx context.Context, handle string) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO blob_tombstones (handle, created_at) VALUES (?, ?)
	`, handle, q.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to add blob tombstone: %w", mapSQLError(err))
	}
	return nil
}

// ListBlobTombstones returns up to limit blob handles awaiting deletion,
// oldest first
func (q *Queries) ListBlobTombstones(ctx context.Context, limit int) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT handle FROM blob_tombstones ORDER BY created_at, handle LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query blob tombstones: %w", err)
	}
	defer rows.Close()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan blob tombstone: %w", err)
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}

// DeleteBlobTombstone forgets a blob once it is deleted
func (q *Queries) DeleteBlobTombstone(ctx context.Context, handle string) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM blob_tombstones WHERE handle = ?`, handle)
	if err != nil {
		return fmt.Errorf("failed to delete blob tombstone: %w", mapSQLError(err))
	}
	return nil
}
