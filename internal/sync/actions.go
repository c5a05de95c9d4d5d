package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/blob"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/taxonomy"
)

var (
	// ErrAccountInactive is returned for provider calls on accounts that are
	// not active
	ErrAccountInactive = errors.New("account not active")

	// ErrUnknownDestination is returned for move targets outside the known set
	ErrUnknownDestination = errors.New("unknown destination")
)

// ProviderFor returns a provider client with fresh credentials for the
// account. Credential failures put the account into the error state.
func (e *Engine) ProviderFor(ctx context.Context, accountID string) (Provider, *store.Account, error) {
	acct, err := e.st.GetAccount(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	if acct.Status != store.StatusActive {
		return nil, nil, fmt.Errorf("%w: account %s is %s", ErrAccountInactive, accountID, acct.Status)
	}

	creds, err := e.tokens.Ensure(ctx, acct).Unpack()
	if err != nil {
		return nil, nil, e.credentialFailure(ctx, acct.ID, err)
	}

	p, err := e.providers(ctx, acct, creds)
	if err != nil {
		return nil, nil, fmt.Errorf("create provider: %w", err)
	}
	return p, acct, nil
}

// ReadResult reports a read state change
type ReadResult struct {
	Changed   int `json:"changed"`
	Throttled int `json:"throttled"`
	Failed    int `json:"failed"`
}

// SetReadState records the read flag locally and then pushes it to the
// provider. Local state is the truth: messages whose push was throttled
// are handed to the throttle reporter for a later re-push.
func (e *Engine) SetReadState(ctx context.Context, accountID string, messageIDs []string, read bool) (ReadResult, error) {
	changed, err := e.messages.SetRead(ctx, accountID, messageIDs, read)
	if err != nil {
		return ReadResult{}, err
	}
	res := ReadResult{Changed: len(changed)}
	if len(changed) == 0 {
		return res, nil
	}

	p, _, err := e.ProviderFor(ctx, accountID)
	if err != nil {
		return res, err
	}

	local := make(map[string]string, len(changed))
	providerIDs := make([]string, 0, len(changed))
	for _, m := range changed {
		local[m.ProviderID] = m.ID
		providerIDs = append(providerIDs, m.ProviderID)
	}

	batch, err := p.SetRead(ctx, providerIDs, read)
	switch {
	case errors.Is(err, ErrThrottled):
		batch = BatchResult{Throttled: providerIDs}
	case err != nil:
		return res, err
	}

	if len(batch.Throttled) > 0 {
		ids := make([]string, 0, len(batch.Throttled))
		for _, pid := range batch.Throttled {
			if id, ok := local[pid]; ok {
				ids = append(ids, id)
			}
		}
		if e.throttle != nil {
			e.throttle.Add(accountID, ids)
		}
		e.log.WithField("account_id", accountID).
			WithField("throttled", len(ids)).
			Warn("Read state push throttled, queued for reconciliation")
	}

	res.Throttled = len(batch.Throttled)
	res.Failed = len(batch.Failed)
	return res, nil
}

// MoveResult reports a move request
type MoveResult struct {
	Moved  []string `json:"moved"`
	Failed []string `json:"failed"`
}

// MoveMessages moves messages to trash or archive on the provider and
// migrates the local records to the destination folder
func (e *Engine) MoveMessages(ctx context.Context, accountID string, messageIDs []string, dest Destination) (MoveResult, error) {
	var res MoveResult

	target, err := e.destinationFolder(ctx, accountID, dest)
	if err != nil {
		return res, err
	}
	msgs, err := e.st.GetMessages(ctx, accountID, messageIDs)
	if err != nil {
		return res, err
	}
	if len(msgs) == 0 {
		return res, nil
	}

	p, _, err := e.ProviderFor(ctx, accountID)
	if err != nil {
		return res, err
	}

	for _, m := range msgs {
		newID, err := p.Move(ctx, m.ProviderID, dest)
		if errors.Is(err, ErrThrottled) {
			// Remaining moves would be throttled too.
			for _, rest := range msgs[len(res.Moved)+len(res.Failed):] {
				res.Failed = append(res.Failed, rest.ID)
			}
			return res, err
		}
		if err != nil {
			e.log.WithError(err).WithField("message_id", m.ID).Warn("Move failed")
			res.Failed = append(res.Failed, m.ID)
			continue
		}
		if newID == "" {
			newID = m.ProviderID
		}

		err = e.messages.Relocate(ctx, m.ID, newID, target)
		if errors.Is(err, store.ErrUniqueViolation) {
			// A sync already stored the moved copy.
			err = e.messages.Delete(ctx, m.ID)
		}
		if err != nil {
			return res, err
		}
		res.Moved = append(res.Moved, m.ID)
	}
	return res, nil
}

func (e *Engine) destinationFolder(ctx context.Context, accountID string, dest Destination) (*store.Folder, error) {
	var canonical taxonomy.Folder
	switch dest {
	case DestinationTrash:
		canonical = taxonomy.FolderTrash
	case DestinationArchive:
		canonical = taxonomy.FolderArchive
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDestination, dest)
	}

	folders, err := e.st.ListFolders(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, f := range folders {
		if f.Canonical != canonical {
			continue
		}
		if tag, ok := taxonomy.LookupFolder(f.DisplayName); ok && tag == canonical {
			return f, nil
		}
	}
	// Folder tree not fetched yet; the next sync fills in the folder id.
	return &store.Folder{AccountID: accountID, Canonical: canonical}, nil
}

// FetchBody returns a message body, from the asset cache when present and
// from the provider otherwise
func (e *Engine) FetchBody(ctx context.Context, accountID, messageID string) (*Body, error) {
	m, err := e.messages.Get(ctx, accountID, messageID)
	if err != nil {
		return nil, err
	}

	missingBlob := false
	if m.BodyAssetID != "" {
		asset, data, err := e.assets.Read(ctx, m.BodyAssetID)
		switch {
		case err == nil:
			return &Body{ContentType: asset.ContentType, Data: data}, nil
		case errors.Is(err, blob.ErrNotFound):
			e.log.WithField("message_id", m.ID).WithField("asset_id", m.BodyAssetID).
				Warn("Body blob missing, fetching again")
			missingBlob = true
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	p, _, err := e.ProviderFor(ctx, accountID)
	if err != nil {
		return nil, err
	}
	body, err := p.GetBody(ctx, m.ProviderID)
	if err != nil {
		return nil, err
	}
	if missingBlob {
		_, err = e.assets.Restore(ctx, accountID, m.ID, m.BodyAssetID, body.Data, body.ContentType)
	} else {
		_, err = e.assets.Create(ctx, accountID, m.ID, body.Data, body.ContentType)
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}
