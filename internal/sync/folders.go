package sync

import (
	"context"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/taxonomy"
	"github.com/sirupsen/logrus"
)

// MaxFolderVisits caps the folder walk. It guards against provider loops
// and is not a limit on real mailboxes.
const MaxFolderVisits = 10000

// TreeFolder is a fetched folder with its resolved canonical tag
type TreeFolder struct {
	RemoteFolder
	Canonical taxonomy.Folder
}

type pendingFolder struct {
	folder RemoteFolder
	// mapped is the tag of the nearest ancestor that maps by name; empty
	// when no ancestor does
	mapped taxonomy.Folder
}

// FetchFolderTree walks the provider's folder hierarchy breadth first.
// Folders without a name mapping inherit the nearest mapped ancestor's tag
// and fall back to inbox. Each provider id appears once in the result.
func FetchFolderTree(ctx context.Context, p Provider) ([]TreeFolder, error) {
	top, err := p.ListFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}

	queue := make([]pendingFolder, 0, len(top))
	for _, f := range top {
		queue = append(queue, pendingFolder{folder: f})
	}

	var (
		out  []TreeFolder
		seen = make(map[string]struct{})
	)
	for visits := 0; len(queue) > 0 && visits < MaxFolderVisits; visits++ {
		next := queue[0]
		queue = queue[1:]

		if _, dup := seen[next.folder.ID]; dup {
			continue
		}
		seen[next.folder.ID] = struct{}{}

		mapped, ok := taxonomy.LookupFolder(next.folder.DisplayName)
		if !ok {
			mapped = next.mapped
		}
		out = append(out, TreeFolder{
			RemoteFolder: next.folder,
			Canonical:    taxonomy.ResolveFolder(next.folder.DisplayName, next.mapped),
		})

		if next.folder.ChildCount == 0 {
			continue
		}
		children, err := p.ListChildFolders(ctx, next.folder.ID)
		if err != nil {
			return nil, fmt.Errorf("list children of %s: %w", next.folder.ID, err)
		}
		for _, c := range children {
			if c.ParentID == "" {
				c.ParentID = next.folder.ID
			}
			queue = append(queue, pendingFolder{folder: c, mapped: mapped})
		}
	}

	return out, nil
}

// storeFolderTree upserts the fetched tree and returns the stored folders.
// Folders whose canonical tag changed lose their delta cursor.
func storeFolderTree(ctx context.Context, st *store.Store, accountID string, tree []TreeFolder, log logrus.FieldLogger) ([]*store.Folder, error) {
	var folders []*store.Folder
	err := st.ExecTx(ctx, func(q *store.Queries) error {
		folders = folders[:0]
		for _, tf := range tree {
			f, invalidated, err := q.UpsertFolder(ctx, store.Folder{
				AccountID:        accountID,
				ProviderID:       tf.ID,
				DisplayName:      tf.DisplayName,
				Canonical:        tf.Canonical,
				ParentProviderID: tf.ParentID,
				ChildCount:       tf.ChildCount,
			})
			if err != nil {
				return err
			}
			if invalidated {
				log.WithFields(logrus.Fields{
					"folder_id": tf.ID,
					"canonical": tf.Canonical,
				}).Info("Folder remapped, delta cursor cleared")
			}
			folders = append(folders, f)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store folders: %w", err)
	}
	return folders, nil
}
