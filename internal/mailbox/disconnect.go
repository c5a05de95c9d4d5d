package mailbox

import (
	"context"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/store"
)

const disconnectBatch = 100

// DisconnectResult summarizes an account disconnect
type DisconnectResult struct {
	Messages      int
	AssetsDeleted int
	Swept         int
}

// DisconnectAccount releases every asset reference held by the account's
// messages, deletes the account with its folders and messages, and then
// sweeps the whole asset table for unreferenced assets.
func (a *AssetStore) DisconnectAccount(ctx context.Context, accountID string) (DisconnectResult, error) {
	var res DisconnectResult

	log := a.log.WithField("account_id", accountID)
	log.Info("Disconnecting account")

	after := ""
	for {
		msgs, err := a.st.ListMessagesAfter(ctx, accountID, after, disconnectBatch)
		if err != nil {
			return res, err
		}
		if len(msgs) == 0 {
			break
		}

		var collected []string
		err = a.st.ExecTx(ctx, func(q *store.Queries) error {
			collected = collected[:0]
			for _, m := range msgs {
				handles, err := a.releaseMessage(ctx, q, m.ID)
				if err != nil {
					return err
				}
				collected = append(collected, handles...)
			}
			return nil
		})
		if err != nil {
			return res, err
		}
		a.purge(ctx, collected)
		res.AssetsDeleted += len(collected)

		res.Messages += len(msgs)
		after = msgs[len(msgs)-1].ID
	}

	// Bodies fetched while the walk ran added references after it passed
	// their message. Release those in the transaction that drops the rows.
	var collected []string
	err := a.st.ExecTx(ctx, func(q *store.Queries) error {
		collected = collected[:0]
		refs, err := q.ListAccountAssetRefs(ctx, accountID)
		if err != nil {
			return err
		}
		for _, r := range refs {
			handle, err := a.release(ctx, q, r.MessageID, r.AssetID)
			if err != nil {
				return fmt.Errorf("release asset %s: %w", r.AssetID, err)
			}
			if handle != "" {
				collected = append(collected, handle)
			}
		}
		return q.DeleteAccount(ctx, accountID)
	})
	if err != nil {
		return res, fmt.Errorf("failed to delete account: %w", err)
	}
	a.purge(ctx, collected)
	res.AssetsDeleted += len(collected)

	swept, err := a.Sweep(ctx)
	res.Swept = swept
	if err != nil {
		return res, err
	}

	log.WithField("messages", res.Messages).
		WithField("assets_deleted", res.AssetsDeleted).
		WithField("swept", res.Swept).
		Info("Account disconnected")
	return res, nil
}
