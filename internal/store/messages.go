package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Martian-dev/mailsync/internal/taxonomy"
	"github.com/google/uuid"
)

const messageColumns = `id, account_id, provider_id, thread_id, subject,
	from_name, from_address, to_json, cc_json, received_at, is_read,
	has_attachments, canonical_folder, states_json, provider_folder_id,
	provider_folder_name, categories_json, resolution_state, body_asset_id,
	created_at, updated_at`

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m                          Message
		toJSON, ccJSON             string
		statesJSON, categoriesJSON string
		canonical, resolution      string
		receivedAt                 int64
		createdAt, updatedAt       int64
		isRead, hasAttachments     int
	)

	err := row.Scan(&m.ID, &m.AccountID, &m.ProviderID, &m.ThreadID,
		&m.Subject, &m.From.Name, &m.From.Address, &toJSON, &ccJSON,
		&receivedAt, &isRead, &hasAttachments, &canonical, &statesJSON,
		&m.ProviderFolderID, &m.ProviderFolderName, &categoriesJSON,
		&resolution, &m.BodyAssetID, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	for _, col := range []struct {
		raw string
		dst any
	}{
		{toJSON, &m.To},
		{ccJSON, &m.Cc},
		{statesJSON, &m.States},
		{categoriesJSON, &m.Categories},
	} {
		if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", m.ID, err)
		}
	}

	m.ReceivedAt = time.UnixMilli(receivedAt).UTC()
	m.IsRead = isRead != 0
	m.HasAttachments = hasAttachments != 0
	m.CanonicalFolder = taxonomy.Folder(canonical)
	m.Resolution = Resolution(resolution)
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	m.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func encodeJSON(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

// GetMessage loads a message by local id
func (q *Queries) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := q.q.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// GetMessageByProviderID looks a message up by its provider id. The lookup
// is always scoped to the account.
func (q *Queries) GetMessageByProviderID(ctx context.Context, accountID, providerID string) (*Message, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE account_id = ? AND provider_id = ?`, accountID, providerID)
	return scanMessage(row)
}

// InsertMessage stores a new message record. Empty IDs are generated.
func (q *Queries) InsertMessage(ctx context.Context, m Message) (*Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Resolution == "" {
		m.Resolution = ResolutionNone
	}

	toJSON, err := encodeJSON(m.To, "[]")
	if err != nil {
		return nil, err
	}
	ccJSON, err := encodeJSON(m.Cc, "[]")
	if err != nil {
		return nil, err
	}
	statesJSON, err := encodeJSON(m.States, "[]")
	if err != nil {
		return nil, err
	}
	categoriesJSON, err := encodeJSON(m.Categories, "[]")
	if err != nil {
		return nil, err
	}

	now := q.now()
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO messages (id, account_id, provider_id, thread_id, subject,
			from_name, from_address, to_json, cc_json, received_at, is_read,
			has_attachments, canonical_folder, states_json, provider_folder_id,
			provider_folder_name, categories_json, resolution_state,
			body_asset_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.AccountID, m.ProviderID, m.ThreadID, m.Subject, m.From.Name,
		m.From.Address, toJSON, ccJSON, m.ReceivedAt.UnixMilli(),
		boolInt(m.IsRead), boolInt(m.HasAttachments), string(m.CanonicalFolder),
		statesJSON, m.ProviderFolderID, m.ProviderFolderName, categoriesJSON,
		string(m.Resolution), m.BodyAssetID, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", mapSQLError(err))
	}

	m.CreatedAt = time.UnixMilli(now.UnixMilli()).UTC()
	m.UpdatedAt = m.CreatedAt
	return &m, nil
}

// MessageSync is the provider-owned part of a message that later syncs may
// refresh in place
type MessageSync struct {
	IsRead             bool
	HasAttachments     bool
	CanonicalFolder    taxonomy.Folder
	States             []taxonomy.State
	ProviderFolderID   string
	ProviderFolderName string
	Categories         []string
}

// UpdateMessageSync refreshes provider-owned fields. Resolution state and
// body are never touched here.
func (q *Queries) UpdateMessageSync(ctx context.Context, id string, u MessageSync) error {
	statesJSON, err := encodeJSON(u.States, "[]")
	if err != nil {
		return err
	}
	categoriesJSON, err := encodeJSON(u.Categories, "[]")
	if err != nil {
		return err
	}

	res, err := q.q.ExecContext(ctx, `
		UPDATE messages
		SET is_read = ?, has_attachments = ?, canonical_folder = ?,
			states_json = ?, provider_folder_id = ?, provider_folder_name = ?,
			categories_json = ?, updated_at = ?
		WHERE id = ?
	`, boolInt(u.IsRead), boolInt(u.HasAttachments), string(u.CanonicalFolder),
		statesJSON, u.ProviderFolderID, u.ProviderFolderName, categoriesJSON,
		q.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", mapSQLError(err))
	}
	return requireRow(res)
}

// MoveMessage records a provider-side move. The provider id is replaced
// because providers may reassign it on move.
func (q *Queries) MoveMessage(ctx context.Context, id, providerID string, canonical taxonomy.Folder, folderID, folderName string) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE messages
		SET provider_id = ?, canonical_folder = ?, provider_folder_id = ?,
			provider_folder_name = ?, updated_at = ?
		WHERE id = ?
	`, providerID, string(canonical), folderID, folderName,
		q.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to move message: %w", mapSQLError(err))
	}
	return requireRow(res)
}

// SetMessageRead records the local read flag together with the state set
// that reflects it
func (q *Queries) SetMessageRead(ctx context.Context, id string, read bool, states []taxonomy.State) error {
	statesJSON, err := encodeJSON(states, "[]")
	if err != nil {
		return err
	}

	res, err := q.q.ExecContext(ctx, `
		UPDATE messages SET is_read = ?, states_json = ?, updated_at = ?
		WHERE id = ?
	`, boolInt(read), statesJSON, q.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to set read state: %w", mapSQLError(err))
	}
	return requireRow(res)
}

// SetMessageBody points a message at its cached body asset. An empty
// assetID clears the reference.
func (q *Queries) SetMessageBody(ctx context.Context, id, assetID string) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE messages SET body_asset_id = ?, updated_at = ? WHERE id = ?
	`, assetID, q.now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to set body: %w", mapSQLError(err))
	}
	return requireRow(res)
}

// SetResolution writes the resolution state of the given messages. Only
// the resolution column changes.
func (q *Queries) SetResolution(ctx context.Context, accountID string, ids []string, r Resolution) error {
	if len(ids) == 0 {
		return nil
	}

	args := []any{string(r), q.now().UnixMilli(), accountID}
	for _, id := range ids {
		args = append(args, id)
	}

	_, err := q.q.ExecContext(ctx, `
		UPDATE messages SET resolution_state = ?, updated_at = ?
		WHERE account_id = ? AND id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to set resolution: %w", mapSQLError(err))
	}
	return nil
}

// DeleteMessage removes a message record. Asset references must be
// released separately.
func (q *Queries) DeleteMessage(ctx context.Context, id string) error {
	res, err := q.q.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", mapSQLError(err))
	}
	return requireRow(res)
}

// ListMessagesInFolder returns every message stored under a provider
// folder id
func (q *Queries) ListMessagesInFolder(ctx context.Context, accountID, providerFolderID string) ([]*Message, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE account_id = ? AND provider_folder_id = ?
		ORDER BY received_at DESC, id`, accountID, providerFolderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query folder messages: %w", err)
	}
	return collectMessages(rows)
}

// ListThreadMessages returns the messages of one thread, oldest first.
// Thread ids are only unique within an account.
func (q *Queries) ListThreadMessages(ctx context.Context, accountID, threadID string) ([]*Message, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE account_id = ? AND thread_id = ?
		ORDER BY received_at, id`, accountID, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query thread: %w", err)
	}
	return collectMessages(rows)
}

// ListMessagesAfter pages through an account's messages in id order.
// Pass the last id of the previous page as afterID.
func (q *Queries) ListMessagesAfter(ctx context.Context, accountID, afterID string, limit int) ([]*Message, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE account_id = ? AND id > ?
		ORDER BY id LIMIT ?`, accountID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return collectMessages(rows)
}

// GetMessages loads the listed messages of an account. Unknown ids are
// skipped.
func (q *Queries) GetMessages(ctx context.Context, accountID string, ids []string) ([]*Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := []any{accountID}
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := q.q.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE account_id = ? AND id IN (`+placeholders(len(ids))+`)
		ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return collectMessages(rows)
}

// ThreadFilter narrows ListThreadIDs
type ThreadFilter struct {
	AccountID string
	Folder    taxonomy.Folder
	Limit     int
	Before    time.Time
}

// ThreadRef identifies a thread and its most recent activity
type ThreadRef struct {
	ThreadID     string
	LatestAt     time.Time
	MessageCount int
}

// ListThreadIDs returns threads of an account ordered by latest activity,
// newest first
func (q *Queries) ListThreadIDs(ctx context.Context, f ThreadFilter) ([]ThreadRef, error) {
	var (
		where = []string{"account_id = ?", "thread_id != ''"}
		args  = []any{f.AccountID}
	)
	if f.Folder != "" {
		where = append(where, "canonical_folder = ?")
		args = append(args, string(f.Folder))
	}

	having := ""
	if !f.Before.IsZero() {
		having = "HAVING MAX(received_at) < ?"
		args = append(args, f.Before.UnixMilli())
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := q.q.QueryContext(ctx, `
		SELECT thread_id, MAX(received_at), COUNT(*) FROM messages
		WHERE `+strings.Join(where, " AND ")+`
		GROUP BY thread_id `+having+`
		ORDER BY MAX(received_at) DESC, thread_id
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var refs []ThreadRef
	for rows.Next() {
		var (
			ref    ThreadRef
			latest int64
		)
		if err := rows.Scan(&ref.ThreadID, &latest, &ref.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		ref.LatestAt = time.UnixMilli(latest).UTC()
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
