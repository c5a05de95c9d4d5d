package mailbox

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/taxonomy"
	"github.com/Martian-dev/mailsync/internal/thread"
	"github.com/sirupsen/logrus"
)

// ProviderMessage is a message as reported by the provider's list and
// delta calls
type ProviderMessage struct {
	ProviderID     string
	ThreadID       string
	Subject        string
	From           store.Participant
	To             []store.Participant
	Cc             []store.Participant
	ReceivedAt     time.Time
	IsRead         bool
	HasAttachments bool
	Flagged        bool
	Importance     string
	Inference      string
	Categories     []string
	FolderID       string
}

// FolderMap indexes an account's folders by provider folder id
type FolderMap map[string]*store.Folder

// NewFolderMap indexes folders by provider id
func NewFolderMap(folders []*store.Folder) FolderMap {
	m := make(FolderMap, len(folders))
	for _, f := range folders {
		m[f.ProviderID] = f
	}
	return m
}

// UpsertResult counts what an Upsert call changed
type UpsertResult struct {
	Inserted  int
	Updated   int
	Unchanged int
}

// MessageStore maintains the local message index
type MessageStore struct {
	st     *store.Store
	assets *AssetStore
	log    logrus.FieldLogger
}

// NewMessageStore creates a message store. Message deletion releases body
// assets through assets.
func NewMessageStore(st *store.Store, assets *AssetStore, log logrus.FieldLogger) *MessageStore {
	return &MessageStore{st: st, assets: assets, log: log}
}

// InitialResolution is the resolution a message gets when first stored
func InitialResolution(isRead, fromSelf bool) store.Resolution {
	switch {
	case fromSelf:
		return store.ResolutionAwaitingThem
	case !isRead:
		return store.ResolutionAwaitingMe
	}
	return store.ResolutionNone
}

func resolveLocation(pm ProviderMessage, folders FolderMap) (taxonomy.Folder, string) {
	if f, ok := folders[pm.FolderID]; ok {
		return f.Canonical, f.DisplayName
	}
	return taxonomy.FolderInbox, ""
}

// Upsert stores a page of provider messages for acct in one transaction.
// New messages get an initial resolution and canonical folder and state.
// Known messages keep their resolution and body; only provider-owned
// fields are refreshed, and only when they differ. Calling Upsert again
// with the same input changes nothing.
func (s *MessageStore) Upsert(ctx context.Context, acct *store.Account, msgs []ProviderMessage, folders FolderMap) (UpsertResult, error) {
	var res UpsertResult
	err := s.st.ExecTx(ctx, func(q *store.Queries) error {
		res = UpsertResult{}
		for _, pm := range msgs {
			changed, inserted, err := upsertOne(ctx, q, acct, pm, folders)
			if err != nil {
				return fmt.Errorf("upsert %s: %w", pm.ProviderID, err)
			}
			switch {
			case inserted:
				res.Inserted++
			case changed:
				res.Updated++
			default:
				res.Unchanged++
			}
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

func upsertOne(ctx context.Context, q *store.Queries, acct *store.Account, pm ProviderMessage, folders FolderMap) (bool, bool, error) {
	canonical, folderName := resolveLocation(pm, folders)
	states := taxonomy.MapStates(taxonomy.Flags{
		IsRead:     pm.IsRead,
		Flagged:    pm.Flagged,
		Importance: pm.Importance,
		Inference:  pm.Inference,
		Categories: pm.Categories,
		FolderName: folderName,
	})

	existing, err := q.GetMessageByProviderID(ctx, acct.ID, pm.ProviderID)
	if errors.Is(err, store.ErrNotFound) {
		m := store.Message{
			AccountID:          acct.ID,
			ProviderID:         pm.ProviderID,
			ThreadID:           pm.ThreadID,
			Subject:            pm.Subject,
			From:               pm.From,
			To:                 pm.To,
			Cc:                 pm.Cc,
			ReceivedAt:         pm.ReceivedAt,
			IsRead:             pm.IsRead,
			HasAttachments:     pm.HasAttachments,
			CanonicalFolder:    canonical,
			States:             states,
			ProviderFolderID:   pm.FolderID,
			ProviderFolderName: folderName,
			Categories:         pm.Categories,
		}
		fromSelf := thread.FromSelf(&m, acct.Email)
		m.Resolution = InitialResolution(pm.IsRead, fromSelf)

		if _, err := q.InsertMessage(ctx, m); err != nil {
			return false, false, err
		}
		return true, true, nil
	}
	if err != nil {
		return false, false, err
	}

	u := store.MessageSync{
		IsRead:             pm.IsRead,
		HasAttachments:     pm.HasAttachments,
		CanonicalFolder:    existing.CanonicalFolder,
		States:             states,
		ProviderFolderID:   existing.ProviderFolderID,
		ProviderFolderName: existing.ProviderFolderName,
		Categories:         pm.Categories,
	}

	// Folder migration: only a known provider folder may move the record.
	if f, ok := folders[pm.FolderID]; ok {
		u.CanonicalFolder = f.Canonical
		u.ProviderFolderID = f.ProviderID
		u.ProviderFolderName = f.DisplayName
	}
	// Backfill for records stored before folder tracking existed.
	if u.ProviderFolderID == "" {
		u.ProviderFolderID = pm.FolderID
	}

	if !syncDiffers(existing, u) {
		return false, false, nil
	}
	if err := q.UpdateMessageSync(ctx, existing.ID, u); err != nil {
		return false, false, err
	}
	return true, false, nil
}

func syncDiffers(m *store.Message, u store.MessageSync) bool {
	return m.IsRead != u.IsRead ||
		m.HasAttachments != u.HasAttachments ||
		m.CanonicalFolder != u.CanonicalFolder ||
		m.ProviderFolderID != u.ProviderFolderID ||
		m.ProviderFolderName != u.ProviderFolderName ||
		!slices.Equal(m.States, u.States) ||
		!slices.Equal(m.Categories, u.Categories)
}

// Get loads one message of an account
func (s *MessageStore) Get(ctx context.Context, accountID, id string) (*store.Message, error) {
	m, err := s.st.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.AccountID != accountID {
		return nil, store.ErrNotFound
	}
	return m, nil
}

// Delete removes a message and releases every asset it references
func (s *MessageStore) Delete(ctx context.Context, id string) error {
	var collected []string
	err := s.st.ExecTx(ctx, func(q *store.Queries) error {
		handles, err := s.assets.releaseMessage(ctx, q, id)
		if err != nil {
			return err
		}
		collected = handles
		return q.DeleteMessage(ctx, id)
	})
	if err != nil {
		return err
	}
	s.assets.purge(ctx, collected)
	return nil
}

// DeleteByProviderID removes an account's message by provider id. A
// missing message is not an error.
func (s *MessageStore) DeleteByProviderID(ctx context.Context, accountID, providerID string) (bool, error) {
	m, err := s.st.GetMessageByProviderID(ctx, accountID, providerID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.Delete(ctx, m.ID); err != nil {
		return false, err
	}
	return true, nil
}

// PruneFolder deletes the folder's local messages whose provider id is
// not in seen. It returns how many were removed.
func (s *MessageStore) PruneFolder(ctx context.Context, accountID, providerFolderID string, seen map[string]struct{}) (int, error) {
	local, err := s.st.ListMessagesInFolder(ctx, accountID, providerFolderID)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, m := range local {
		if _, ok := seen[m.ProviderID]; ok {
			continue
		}
		if err := s.Delete(ctx, m.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// SetRead records the local read flag for the listed messages and returns
// the messages that changed
func (s *MessageStore) SetRead(ctx context.Context, accountID string, ids []string, read bool) ([]*store.Message, error) {
	var changed []*store.Message
	err := s.st.ExecTx(ctx, func(q *store.Queries) error {
		changed = nil
		msgs, err := q.GetMessages(ctx, accountID, ids)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			states := withState(m.States, taxonomy.StateUnread, !read)
			if m.IsRead == read && slices.Equal(states, m.States) {
				continue
			}
			if err := q.SetMessageRead(ctx, m.ID, read, states); err != nil {
				return err
			}
			m.IsRead = read
			m.States = states
			changed = append(changed, m)
		}
		return nil
	})
	return changed, err
}

// Relocate records a provider move. Providers may assign a new id on move.
func (s *MessageStore) Relocate(ctx context.Context, id, newProviderID string, to *store.Folder) error {
	return s.st.ExecTx(ctx, func(q *store.Queries) error {
		return q.MoveMessage(ctx, id, newProviderID, to.Canonical,
			to.ProviderID, to.DisplayName)
	})
}

func withState(states []taxonomy.State, s taxonomy.State, on bool) []taxonomy.State {
	out := make([]taxonomy.State, 0, len(states)+1)
	for _, st := range states {
		if st != s {
			out = append(out, st)
		}
	}
	if on {
		out = append(out, s)
		slices.Sort(out)
	}
	return out
}
