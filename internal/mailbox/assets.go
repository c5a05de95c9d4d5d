package mailbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/blob"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/sirupsen/logrus"
)

const sweepBatch = 100

// AssetStore keeps content-addressed, reference counted message bodies.
// Reference counts only change inside store transactions. An asset whose
// count reaches zero loses its record and gains a blob tombstone in the
// same transaction; the blob is deleted after commit.
type AssetStore struct {
	st    *store.Store
	blobs blob.Store
	log   logrus.FieldLogger
}

// NewAssetStore creates an asset store backed by blobs
func NewAssetStore(st *store.Store, blobs blob.Store, log logrus.FieldLogger) *AssetStore {
	return &AssetStore{st: st, blobs: blobs, log: log}
}

// ContentHash is the content address of data
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Create stores data as the body of messageID and returns its asset. Data
// the account already holds is shared and gains one reference; new data
// starts with a count of one.
func (a *AssetStore) Create(ctx context.Context, accountID, messageID string, data []byte, contentType string) (*store.Asset, error) {
	hash := ContentHash(data)

	// Upload first so the transaction never waits on the blob store. An
	// unused upload is removed again below.
	handle, err := a.blobs.Put(ctx, data)
	if err != nil {
		return nil, err
	}

	var (
		asset      *store.Asset
		handleUsed bool
	)
	err = a.st.ExecTx(ctx, func(q *store.Queries) error {
		handleUsed = false

		existing, err := q.FindAssetByHash(ctx, accountID, hash)
		switch {
		case errors.Is(err, store.ErrNotFound):
			existing, err = q.InsertAsset(ctx, store.Asset{
				AccountID:   accountID,
				ContentHash: hash,
				ContentType: contentType,
				Size:        int64(len(data)),
				BlobHandle:  handle,
			})
			if err != nil {
				return err
			}
			handleUsed = true

		case err != nil:
			return err
		}

		if _, err := q.AddAssetRef(ctx, messageID, existing.ID); err != nil {
			return err
		}
		if err := q.SetMessageBody(ctx, messageID, existing.ID); err != nil {
			return err
		}

		asset, err = q.GetAsset(ctx, existing.ID)
		return err
	})
	if err != nil || !handleUsed {
		if delErr := a.blobs.Delete(ctx, handle); delErr != nil {
			a.log.WithError(delErr).WithField("handle", handle).
				Warn("Failed to remove unused blob")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create asset: %w", err)
	}

	return asset, nil
}

// Read returns an asset's bytes and records the access
func (a *AssetStore) Read(ctx context.Context, assetID string) (*store.Asset, []byte, error) {
	asset, err := a.st.GetAsset(ctx, assetID)
	if err != nil {
		return nil, nil, err
	}
	data, err := a.blobs.Get(ctx, asset.BlobHandle)
	if err != nil {
		return nil, nil, err
	}
	if err := a.st.TouchAsset(ctx, assetID); err != nil {
		return nil, nil, err
	}
	return asset, data, nil
}

// Dereference drops messageID's reference to assetID. When no references
// remain the record is deleted and its blob follows once that commits.
func (a *AssetStore) Dereference(ctx context.Context, messageID, assetID string) error {
	var collected []string
	err := a.st.ExecTx(ctx, func(q *store.Queries) error {
		collected = collected[:0]
		handle, err := a.release(ctx, q, messageID, assetID)
		if handle != "" {
			collected = append(collected, handle)
		}
		return err
	})
	if err != nil {
		return err
	}
	a.purge(ctx, collected)
	return nil
}

// release removes one message to asset link inside q's transaction. When
// that was the asset's last reference the record is collected and the
// blob handle to delete after commit is returned.
func (a *AssetStore) release(ctx context.Context, q *store.Queries, messageID, assetID string) (string, error) {
	removed, err := q.RemoveAssetRef(ctx, messageID, assetID)
	if err != nil || !removed {
		return "", err
	}

	remaining, err := q.DecrementAsset(ctx, assetID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if remaining > 0 {
		return "", nil
	}

	return a.collect(ctx, q, assetID)
}

// collect deletes an unreferenced asset's record and tombstones its blob.
// Blobs are never touched inside the transaction: a rollback must not
// leave a record pointing at a deleted blob.
func (a *AssetStore) collect(ctx context.Context, q *store.Queries, assetID string) (string, error) {
	asset, err := q.GetAsset(ctx, assetID)
	if err != nil {
		return "", err
	}
	if err := q.AddBlobTombstone(ctx, asset.BlobHandle); err != nil {
		return "", err
	}
	if err := q.DeleteAsset(ctx, assetID); err != nil {
		return "", err
	}
	return asset.BlobHandle, nil
}

// releaseMessage drops every asset reference held by messageID and returns
// the blob handles of collected assets
func (a *AssetStore) releaseMessage(ctx context.Context, q *store.Queries, messageID string) ([]string, error) {
	ids, err := q.ListAssetRefs(ctx, messageID)
	if err != nil {
		return nil, err
	}

	var collected []string
	for _, id := range ids {
		handle, err := a.release(ctx, q, messageID, id)
		if err != nil {
			return nil, fmt.Errorf("release asset %s: %w", id, err)
		}
		if handle != "" {
			collected = append(collected, handle)
		}
	}
	return collected, nil
}

// purge deletes committed tombstoned blobs. Failures stay tombstoned for
// the next sweep.
func (a *AssetStore) purge(ctx context.Context, handles []string) {
	for _, h := range handles {
		if err := a.purgeOne(ctx, h); err != nil {
			a.log.WithError(err).WithField("handle", h).
				Warn("Blob delete failed, left for sweep")
		}
	}
}

func (a *AssetStore) purgeOne(ctx context.Context, handle string) error {
	err := a.blobs.Delete(ctx, handle)
	if err != nil && !errors.Is(err, blob.ErrNotFound) {
		return err
	}
	return a.st.DeleteBlobTombstone(ctx, handle)
}

// Restore re-attaches data to an asset whose blob went missing. Data with
// a different content hash replaces the message's body asset instead.
func (a *AssetStore) Restore(ctx context.Context, accountID, messageID, assetID string, data []byte, contentType string) (*store.Asset, error) {
	asset, err := a.st.GetAsset(ctx, assetID)
	if errors.Is(err, store.ErrNotFound) {
		return a.Create(ctx, accountID, messageID, data, contentType)
	}
	if err != nil {
		return nil, err
	}
	if asset.ContentHash != ContentHash(data) {
		if err := a.Dereference(ctx, messageID, assetID); err != nil {
			return nil, err
		}
		return a.Create(ctx, accountID, messageID, data, contentType)
	}

	handle, err := a.blobs.Put(ctx, data)
	if err != nil {
		return nil, err
	}
	err = a.st.ExecTx(ctx, func(q *store.Queries) error {
		return q.SetAssetBlob(ctx, assetID, handle)
	})
	if err != nil {
		if delErr := a.blobs.Delete(ctx, handle); delErr != nil {
			a.log.WithError(delErr).WithField("handle", handle).
				Warn("Failed to remove unused blob")
		}
		return nil, fmt.Errorf("failed to restore asset: %w", err)
	}

	a.log.WithField("asset_id", assetID).Warn("Restored missing asset blob")
	return a.st.GetAsset(ctx, assetID)
}

// Sweep is the terminal consistency pass. It releases links whose message
// is gone, deletes every asset with no remaining references whoever owned
// it, and then deletes all tombstoned blobs. It returns the number of
// asset records it deleted.
func (a *AssetStore) Sweep(ctx context.Context) (int, error) {
	deleted := 0
	for {
		var seen, collected int
		err := a.st.ExecTx(ctx, func(q *store.Queries) error {
			seen, collected = 0, 0
			refs, err := q.ListDanglingAssetRefs(ctx, sweepBatch)
			if err != nil {
				return err
			}
			for _, r := range refs {
				handle, err := a.release(ctx, q, r.MessageID, r.AssetID)
				if err != nil {
					return fmt.Errorf("release asset %s: %w", r.AssetID, err)
				}
				if handle != "" {
					collected++
				}
			}

			assets, err := q.ListUnreferencedAssets(ctx, sweepBatch)
			if err != nil {
				return err
			}
			for _, asset := range assets {
				if _, err := a.collect(ctx, q, asset.ID); err != nil {
					return err
				}
			}
			seen = len(refs) + len(assets)
			collected += len(assets)
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("asset sweep: %w", err)
		}
		deleted += collected
		if seen == 0 {
			break
		}
	}

	if err := a.purgeTombstones(ctx); err != nil {
		return deleted, err
	}
	if deleted > 0 {
		a.log.WithField("deleted", deleted).Info("Swept unreferenced assets")
	}
	return deleted, nil
}

func (a *AssetStore) purgeTombstones(ctx context.Context) error {
	for {
		handles, err := a.st.ListBlobTombstones(ctx, sweepBatch)
		if err != nil {
			return fmt.Errorf("asset sweep: %w", err)
		}
		for _, h := range handles {
			if err := a.purgeOne(ctx, h); err != nil {
				return fmt.Errorf("asset sweep: blob %s: %w", h, err)
			}
		}
		if len(handles) < sweepBatch {
			return nil
		}
	}
}
